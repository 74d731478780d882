package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/clubhouse/callengine/internal/domain"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/h264reader"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// SampleWriter is the part of a local sample track the pump needs.
type SampleWriter interface {
	WriteSample(s media.Sample) error
}

const defaultFramerate = 30

// FilePump streams an H264 Annex-B file into the attached video tracks,
// looping at EOF. It implements domain.Encoder: the frame-rate cap sets the
// pacing and the bitrate cap is enforced by dropping inter frames until the
// next keyframe. The file is pre-encoded, so the resolution scale is
// recorded but cannot be applied.
type FilePump struct {
	path  string
	clock clock.Clock
	log   *logrus.Entry

	mu       sync.Mutex
	writers  []SampleWriter
	profile  domain.EncodingProfile
	limiter  *rate.Limiter
	skipping bool
	dropped  int
}

// NewFilePump returns a pump for path. Nothing is read until Run.
func NewFilePump(path string, clk clock.Clock) *FilePump {
	if clk == nil {
		clk = clock.New()
	}
	return &FilePump{
		path:  path,
		clock: clk,
		log:   logrus.WithFields(logrus.Fields{"component": "media", "source": path}),
	}
}

func (p *FilePump) Attach(w SampleWriter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writers = append(p.writers, w)
	// A new receiver needs a keyframe before anything else decodes.
	p.skipping = true
}

func (p *FilePump) Detach(w SampleWriter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, cur := range p.writers {
		if cur == w {
			p.writers = append(p.writers[:i], p.writers[i+1:]...)
			return
		}
	}
}

// ApplyProfile changes pacing and the bitrate budget for the next frame.
func (p *FilePump) ApplyProfile(prof domain.EncodingProfile) error {
	if prof.MaxFramerate < 0 || prof.ScaleResolutionDownBy < 0 {
		return fmt.Errorf("invalid profile %q", prof.Name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.profile = prof
	if prof.MaxBitrate == 0 {
		p.limiter = nil
	} else {
		bytesPerSec := float64(prof.MaxBitrate) / 8
		p.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), int(bytesPerSec))
	}
	p.log.WithFields(logrus.Fields{
		"profile":     prof.Name,
		"max_bitrate": prof.MaxBitrate,
		"framerate":   prof.MaxFramerate,
	}).Info("encoder profile updated")
	return nil
}

// Profile returns the active profile.
func (p *FilePump) Profile() domain.EncodingProfile {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.profile
}

// Dropped returns how many frames the bitrate budget discarded.
func (p *FilePump) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Run streams until ctx is done.
func (p *FilePump) Run(ctx context.Context) error {
	for {
		if err := p.stream(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
	}
}

func (p *FilePump) stream(ctx context.Context) error {
	f, err := os.Open(p.path)
	if err != nil {
		return fmt.Errorf("open video source: %w", err)
	}
	defer f.Close()

	r, err := h264reader.NewReader(f)
	if err != nil {
		return fmt.Errorf("h264 reader: %w", err)
	}

	frames := 0
	for {
		nal, err := r.NextNAL()
		if errors.Is(err, io.EOF) {
			if frames == 0 {
				return fmt.Errorf("video source %s has no frames", p.path)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("read nal: %w", err)
		}

		if !isSlice(nal.UnitType) {
			// Parameter sets and SEI ride along with the next frame.
			p.write(nal, 0)
			continue
		}

		frames++
		d := p.frameDuration()
		p.write(nal, d)

		t := p.clock.Timer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func isSlice(t h264reader.NalUnitType) bool {
	return t == h264reader.NalUnitTypeCodedSliceNonIdr || t == h264reader.NalUnitTypeCodedSliceIdr
}

func (p *FilePump) frameDuration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	fps := p.profile.MaxFramerate
	if fps <= 0 {
		fps = defaultFramerate
	}
	return time.Duration(float64(time.Second) / fps)
}

func (p *FilePump) write(nal *h264reader.NAL, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.admit(nal) {
		p.dropped++
		return
	}
	for _, w := range p.writers {
		if err := w.WriteSample(media.Sample{Data: nal.Data, Duration: d}); err != nil {
			p.log.WithError(err).Debug("write sample")
		}
	}
}

// admit decides whether a NAL fits the bitrate budget. Keyframes and
// parameter sets always pass; an inter frame that does not fit starts a skip
// that lasts until the next keyframe, since later inter frames reference it.
func (p *FilePump) admit(nal *h264reader.NAL) bool {
	switch nal.UnitType {
	case h264reader.NalUnitTypeCodedSliceIdr:
		p.skipping = false
		if p.limiter != nil {
			// Charge the budget without blocking on it.
			p.limiter.ReserveN(p.clock.Now(), min(len(nal.Data), p.limiter.Burst()))
		}
		return true
	case h264reader.NalUnitTypeCodedSliceNonIdr:
		if p.skipping {
			return false
		}
		if p.limiter != nil && !p.limiter.AllowN(p.clock.Now(), len(nal.Data)) {
			p.skipping = true
			return false
		}
		return true
	default:
		return true
	}
}
