package media

import (
	"io"
	"sync"

	"github.com/clubhouse/callengine/internal/webrtc"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// RTPReader is the part of a remote track the sink reads from.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// RenderSink writes remote H264 video to w as an Annex-B stream and drains
// every other remote track so its buffers do not fill up.
type RenderSink struct {
	mu  sync.Mutex
	w   io.Writer
	log *logrus.Entry
	wg  sync.WaitGroup
}

// NewRenderSink returns a sink writing to w; a nil w discards video.
func NewRenderSink(w io.Writer) *RenderSink {
	if w == nil {
		w = io.Discard
	}
	return &RenderSink{
		w:   w,
		log: logrus.WithField("component", "render"),
	}
}

// HandleTrack starts reading track in the background.
func (s *RenderSink) HandleTrack(track *pion.TrackRemote, _ *pion.RTPReceiver) {
	codec := track.Codec()
	s.wg.Add(1)
	if track.Kind() == pion.RTPCodecTypeVideo && codec.MimeType == pion.MimeTypeH264 {
		go func() {
			defer s.wg.Done()
			s.Render(track)
		}()
		return
	}
	go func() {
		defer s.wg.Done()
		drain(track)
	}()
}

// Render depacketizes r until it returns an error.
func (s *RenderSink) Render(r RTPReader) {
	depack := webrtc.NewH264Depacketizer()
	for {
		pkt, _, err := r.ReadRTP()
		if err != nil {
			s.log.WithError(err).Debug("video track ended")
			return
		}
		for _, nalu := range depack.Depacketize(pkt.SequenceNumber, pkt.Payload) {
			if len(nalu) == 0 {
				continue
			}
			s.emit(nalu)
		}
	}
}

func (s *RenderSink) emit(nalu []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(startCode); err != nil {
		s.log.WithError(err).Debug("render write")
		return
	}
	if _, err := s.w.Write(nalu); err != nil {
		s.log.WithError(err).Debug("render write")
	}
}

// Wait blocks until every track reader has returned.
func (s *RenderSink) Wait() {
	s.wg.Wait()
}

func drain(r RTPReader) {
	for {
		if _, _, err := r.ReadRTP(); err != nil {
			return
		}
	}
}
