package webrtc

// H264Depacketizer turns RTP H264 payloads back into NAL units. Each remote
// track gets its own instance since FU-A reassembly is stateful.
type H264Depacketizer struct {
	fua     []byte
	lastSeq uint16
	inFUA   bool
}

// NewH264Depacketizer returns an empty depacketizer.
func NewH264Depacketizer() *H264Depacketizer {
	return &H264Depacketizer{}
}

// Depacketize returns the NAL units completed by the packet with sequence
// number seq. Single NAL, STAP-A and FU-A packets are supported; a gap in
// sequence numbers inside an FU-A chain discards the partial unit.
func (d *H264Depacketizer) Depacketize(seq uint16, payload []byte) [][]byte {
	if len(payload) == 0 {
		return nil
	}

	switch t := payload[0] & 0x1f; {
	case t >= 1 && t <= 23:
		d.reset()
		return [][]byte{payload}
	case t == 24:
		d.reset()
		return splitSTAPA(payload[1:])
	case t == 28:
		return d.fragment(seq, payload)
	default:
		return nil
	}
}

func (d *H264Depacketizer) reset() {
	d.fua = nil
	d.inFUA = false
}

func splitSTAPA(b []byte) [][]byte {
	var nalus [][]byte
	for len(b) >= 2 {
		size := int(b[0])<<8 | int(b[1])
		b = b[2:]
		if size == 0 || size > len(b) {
			break
		}
		nalus = append(nalus, b[:size])
		b = b[size:]
	}
	return nalus
}

func (d *H264Depacketizer) fragment(seq uint16, payload []byte) [][]byte {
	if len(payload) < 2 {
		d.reset()
		return nil
	}
	indicator, header := payload[0], payload[1]
	start := header&0x80 != 0
	end := header&0x40 != 0

	switch {
	case start:
		d.fua = append([]byte{indicator&0xe0 | header&0x1f}, payload[2:]...)
		d.inFUA = true
	case !d.inFUA:
		return nil
	case seq != d.lastSeq+1:
		d.reset()
		return nil
	default:
		d.fua = append(d.fua, payload[2:]...)
	}
	d.lastSeq = seq

	if !end {
		return nil
	}
	nalu := d.fua
	d.reset()
	return [][]byte{nalu}
}
