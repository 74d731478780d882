package domain

import (
	"context"

	pion "github.com/pion/webrtc/v4"
)

// SignalingChannel relays envelopes to a remote identity.
type SignalingChannel interface {
	// Send is fire-and-forget beyond the transport's own delivery.
	Send(ctx context.Context, env Envelope) error
	// IsOnline asks the relay whether id currently has a live connection.
	IsOnline(ctx context.Context, id Identity) (bool, error)
}

// EnvelopeHandler receives envelopes addressed to the local identity.
type EnvelopeHandler interface {
	OnEnvelope(env Envelope)
}

// Constraints selects which local media to capture.
type Constraints struct {
	Audio         bool
	Video         bool
	AudioDeviceID string
	VideoDeviceID string
}

// MediaCapture owns local devices. Tracks it returns are borrowed by the
// peer connection handle and must be handed back through Release.
type MediaCapture interface {
	Acquire(ctx context.Context, c Constraints) ([]pion.TrackLocal, error)
	Release(tracks []pion.TrackLocal)
}

// EncodingProfile bounds the outbound video encoder.
type EncodingProfile struct {
	Name                  string  `yaml:"name"`
	MaxBitrate            uint64  `yaml:"max_bitrate"`
	ScaleResolutionDownBy float64 `yaml:"scale_resolution_down_by"`
	MaxFramerate          float64 `yaml:"max_framerate"`
}

// Encoder accepts profile changes on the live outbound video encoder.
type Encoder interface {
	ApplyProfile(p EncodingProfile) error
}
