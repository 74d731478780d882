// Package media provides local capture and remote rendering for calls.
//
// Capture hands out pion sample tracks for configured devices. Video frames
// are fed by a VideoSource such as FilePump; remote video is depacketized and
// written as an Annex-B H264 stream by RenderSink.
package media

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/clubhouse/callengine/internal/domain"

	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// VideoSource writes frames into the video track it is attached to.
type VideoSource interface {
	Attach(w SampleWriter)
	Detach(w SampleWriter)
}

// CaptureConfig lists the devices a TrackCapture can open. The first entry
// of each list is the default device.
type CaptureConfig struct {
	StreamID     string
	AudioDevices []string
	VideoDevices []string
	Video        VideoSource
}

// TrackCapture implements domain.MediaCapture on pion static sample tracks.
type TrackCapture struct {
	cfg CaptureConfig
	log *logrus.Entry

	mu     sync.Mutex
	active map[string]string // track id -> device
}

// NewTrackCapture returns a capture over cfg's devices.
func NewTrackCapture(cfg CaptureConfig) *TrackCapture {
	if cfg.StreamID == "" {
		cfg.StreamID = "callengine"
	}
	return &TrackCapture{
		cfg:    cfg,
		log:    logrus.WithField("component", "media"),
		active: make(map[string]string),
	}
}

// Acquire opens the requested devices and returns one track per kind.
func (c *TrackCapture) Acquire(ctx context.Context, cons domain.Constraints) ([]pion.TrackLocal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var tracks []pion.TrackLocal
	if cons.Audio {
		dev, err := pick(c.cfg.AudioDevices, cons.AudioDeviceID, "audio")
		if err != nil {
			return nil, err
		}
		t, err := pion.NewTrackLocalStaticSample(
			pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio-"+uuid.NewString(), c.cfg.StreamID,
		)
		if err != nil {
			return nil, fmt.Errorf("create audio track: %w", err)
		}
		c.track(t.ID(), dev)
		tracks = append(tracks, t)
	}

	if cons.Video {
		dev, err := pick(c.cfg.VideoDevices, cons.VideoDeviceID, "video")
		if err != nil {
			c.Release(tracks)
			return nil, err
		}
		t, err := pion.NewTrackLocalStaticSample(
			pion.RTPCodecCapability{MimeType: pion.MimeTypeH264, ClockRate: 90000},
			"video-"+uuid.NewString(), c.cfg.StreamID,
		)
		if err != nil {
			c.Release(tracks)
			return nil, fmt.Errorf("create video track: %w", err)
		}
		c.track(t.ID(), dev)
		if c.cfg.Video != nil {
			c.cfg.Video.Attach(t)
		}
		tracks = append(tracks, t)
	}

	c.log.WithFields(logrus.Fields{
		"audio": cons.Audio,
		"video": cons.Video,
	}).Info("local media acquired")
	return tracks, nil
}

// Release stops feeding the given tracks.
func (c *TrackCapture) Release(tracks []pion.TrackLocal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range tracks {
		if _, ok := c.active[t.ID()]; !ok {
			continue
		}
		delete(c.active, t.ID())
		if s, ok := t.(*pion.TrackLocalStaticSample); ok && c.cfg.Video != nil && t.Kind() == pion.RTPCodecTypeVideo {
			c.cfg.Video.Detach(s)
		}
	}
}

// Active returns the number of tracks not yet released.
func (c *TrackCapture) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

func (c *TrackCapture) track(id, dev string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active[id] = dev
}

func pick(devices []string, id, kind string) (string, error) {
	if len(devices) == 0 {
		return "", fmt.Errorf("%w: no %s device", domain.ErrDeviceUnavailable, kind)
	}
	if id == "" {
		return devices[0], nil
	}
	if !slices.Contains(devices, id) {
		return "", fmt.Errorf("%w: %s device %q", domain.ErrDeviceUnavailable, kind, id)
	}
	return id, nil
}

// AcquireWithFallback acquires cons and, when video capture fails with a media
// error, retries once with audio only. degraded reports that fallback.
func AcquireWithFallback(ctx context.Context, mc domain.MediaCapture, cons domain.Constraints) (tracks []pion.TrackLocal, degraded bool, err error) {
	tracks, err = mc.Acquire(ctx, cons)
	if err == nil {
		return tracks, false, nil
	}
	if !cons.Video || !domain.IsMediaError(err) {
		return nil, false, err
	}

	logrus.WithField("component", "media").WithError(err).Warn("video capture failed, falling back to audio only")
	cons.Video = false
	cons.VideoDeviceID = ""
	tracks, err = mc.Acquire(ctx, cons)
	if err != nil {
		return nil, false, fmt.Errorf("audio-only fallback: %w", err)
	}
	return tracks, true, nil
}
