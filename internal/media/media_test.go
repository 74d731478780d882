package media

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/clubhouse/callengine/internal/domain"

	"github.com/benbjohnson/clock"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/h264reader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireDefaultDevices(t *testing.T) {
	c := NewTrackCapture(CaptureConfig{
		AudioDevices: []string{"mic"},
		VideoDevices: []string{"cam"},
	})

	tracks, err := c.Acquire(context.Background(), domain.Constraints{Audio: true, Video: true})
	require.NoError(t, err)
	require.Len(t, tracks, 2)
	assert.Equal(t, pion.RTPCodecTypeAudio, tracks[0].Kind())
	assert.Equal(t, pion.RTPCodecTypeVideo, tracks[1].Kind())
	assert.Equal(t, 2, c.Active())

	c.Release(tracks)
	assert.Zero(t, c.Active())
}

func TestAcquireUnknownDevice(t *testing.T) {
	c := NewTrackCapture(CaptureConfig{AudioDevices: []string{"mic"}, VideoDevices: []string{"cam"}})

	_, err := c.Acquire(context.Background(), domain.Constraints{Audio: true, Video: true, VideoDeviceID: "usb"})
	assert.ErrorIs(t, err, domain.ErrDeviceUnavailable)
	assert.Zero(t, c.Active(), "audio track released on failure")
}

func TestAcquireWithFallback(t *testing.T) {
	noCamera := NewTrackCapture(CaptureConfig{AudioDevices: []string{"mic"}})

	tracks, degraded, err := AcquireWithFallback(context.Background(), noCamera, domain.Constraints{Audio: true, Video: true})
	require.NoError(t, err)
	assert.True(t, degraded)
	require.Len(t, tracks, 1)
	assert.Equal(t, pion.RTPCodecTypeAudio, tracks[0].Kind())
}

func TestAcquireWithFallbackFailsOnce(t *testing.T) {
	nothing := NewTrackCapture(CaptureConfig{})

	_, _, err := AcquireWithFallback(context.Background(), nothing, domain.Constraints{Audio: true, Video: true})
	assert.ErrorIs(t, err, domain.ErrDeviceUnavailable)

	// Audio-only requests get no second try.
	_, degraded, err := AcquireWithFallback(context.Background(), nothing, domain.Constraints{Audio: true})
	assert.ErrorIs(t, err, domain.ErrDeviceUnavailable)
	assert.False(t, degraded)
}

type sampleRecorder struct {
	mu      sync.Mutex
	samples []media.Sample
}

func (r *sampleRecorder) WriteSample(s media.Sample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, s)
	return nil
}

func (r *sampleRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samples)
}

func writeAnnexB(t *testing.T, nalus ...[]byte) string {
	t.Helper()
	var buf bytes.Buffer
	for _, n := range nalus {
		buf.Write(startCode)
		buf.Write(n)
	}
	path := filepath.Join(t.TempDir(), "source.h264")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}

func TestFilePumpStreamsFrames(t *testing.T) {
	path := writeAnnexB(t,
		[]byte{0x67, 0x42, 0x00, 0x1f},
		[]byte{0x68, 0xce, 0x3c, 0x80},
		[]byte{0x65, 0x88, 0x84, 0x00},
		[]byte{0x41, 0x9a, 0x02, 0x03},
	)

	p := NewFilePump(path, clock.New())
	require.NoError(t, p.ApplyProfile(domain.EncodingProfile{Name: "fast", MaxFramerate: 500}))
	rec := &sampleRecorder{}
	p.Attach(rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return rec.count() >= 8 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, byte(0x67), rec.samples[0].Data[0])
	assert.Zero(t, rec.samples[0].Duration)
	assert.Equal(t, 2*time.Millisecond, rec.samples[2].Duration)
}

func TestFilePumpBitrateBudgetSkipsUntilKeyframe(t *testing.T) {
	p := NewFilePump("", clock.NewMock())
	require.NoError(t, p.ApplyProfile(domain.EncodingProfile{Name: "poor", MaxBitrate: 8000, MaxFramerate: 15}))
	rec := &sampleRecorder{}
	p.mu.Lock()
	p.writers = append(p.writers, rec)
	p.mu.Unlock()

	big := make([]byte, 800)
	big[0] = 0x41

	// 1000 bytes/s budget: the first inter frame fits, the second does not.
	p.write(nal(1, big), time.Millisecond)
	p.write(nal(1, big), time.Millisecond)
	p.write(nal(1, []byte{0x41}), time.Millisecond)
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, 2, p.Dropped())

	p.write(nal(5, []byte{0x65, 0x01}), time.Millisecond)
	assert.Equal(t, 2, rec.count())
}

func TestFilePumpMissingFile(t *testing.T) {
	p := NewFilePump(filepath.Join(t.TempDir(), "missing.h264"), nil)
	assert.Error(t, p.Run(context.Background()))
}

type packetSource struct {
	packets []*rtp.Packet
}

func (s *packetSource) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	if len(s.packets) == 0 {
		return nil, nil, io.EOF
	}
	p := s.packets[0]
	s.packets = s.packets[1:]
	return p, nil, nil
}

func packet(seq uint16, payload []byte) *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{SequenceNumber: seq}, Payload: payload}
}

func TestRenderSinkWritesAnnexB(t *testing.T) {
	var out bytes.Buffer
	sink := NewRenderSink(&out)

	sink.Render(&packetSource{packets: []*rtp.Packet{
		packet(1, []byte{0x67, 0x42}),
		packet(2, []byte{0x7C, 0x85, 0xAA}),
		packet(3, []byte{0x7C, 0x45, 0xBB}),
	}})

	want := append([]byte{}, startCode...)
	want = append(want, 0x67, 0x42)
	want = append(want, startCode...)
	want = append(want, 0x65, 0xAA, 0xBB)
	assert.Equal(t, want, out.Bytes())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("closed pipe") }

func TestRenderSinkSurvivesWriteErrors(t *testing.T) {
	sink := NewRenderSink(failingWriter{})
	sink.Render(&packetSource{packets: []*rtp.Packet{packet(1, []byte{0x65, 0x01})}})
}

func nal(unitType uint8, data []byte) *h264reader.NAL {
	return &h264reader.NAL{UnitType: h264reader.NalUnitType(unitType), Data: data}
}
