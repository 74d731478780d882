// Package quality classifies link health and adapts outbound encoding to it.
package quality

import (
	"fmt"
	"time"

	"github.com/clubhouse/callengine/internal/domain"
	"github.com/clubhouse/callengine/internal/webrtc"
)

// Tier is a discrete link-health class. Higher values are worse.
type Tier int

const (
	TierExcellent Tier = iota
	TierGood
	TierFair
	TierPoor
)

// String returns the lower-case tier name.
func (t Tier) String() string {
	switch t {
	case TierExcellent:
		return "excellent"
	case TierGood:
		return "good"
	case TierFair:
		return "fair"
	case TierPoor:
		return "poor"
	default:
		return "unknown"
	}
}

// ParseTier is the inverse of String.
func ParseTier(name string) (Tier, error) {
	for t := TierExcellent; t <= TierPoor; t++ {
		if t.String() == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown quality tier %q", name)
}

// Thresholds separate the tiers. A sample is poor when any poor bound is
// exceeded, fair when any fair bound is, excellent when it is within every
// excellent bound, and good otherwise. Loss values are ratios (0.05 = 5%).
type Thresholds struct {
	PoorLoss   float64       `yaml:"poor_loss"`
	PoorJitter time.Duration `yaml:"poor_jitter"`
	PoorRTT    time.Duration `yaml:"poor_rtt"`

	FairLoss   float64       `yaml:"fair_loss"`
	FairJitter time.Duration `yaml:"fair_jitter"`
	FairRTT    time.Duration `yaml:"fair_rtt"`

	ExcellentLoss   float64       `yaml:"excellent_loss"`
	ExcellentJitter time.Duration `yaml:"excellent_jitter"`
	ExcellentRTT    time.Duration `yaml:"excellent_rtt"`
}

// DefaultThresholds returns the stock classification bounds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		PoorLoss:   0.05,
		PoorJitter: 100 * time.Millisecond,
		PoorRTT:    300 * time.Millisecond,

		FairLoss:   0.01,
		FairJitter: 50 * time.Millisecond,
		FairRTT:    200 * time.Millisecond,

		ExcellentLoss:   0.005,
		ExcellentJitter: 20 * time.Millisecond,
		ExcellentRTT:    100 * time.Millisecond,
	}
}

// LinkStats is one polling interval's view of the link.
type LinkStats struct {
	LossRatio float64
	Jitter    time.Duration
	RTT       time.Duration
	Tier      Tier
}

// Classify maps a sample to a tier.
func (th Thresholds) Classify(loss float64, jitter, rtt time.Duration) Tier {
	switch {
	case loss > th.PoorLoss || jitter > th.PoorJitter || rtt > th.PoorRTT:
		return TierPoor
	case loss > th.FairLoss || jitter > th.FairJitter || rtt > th.FairRTT:
		return TierFair
	case loss <= th.ExcellentLoss && jitter <= th.ExcellentJitter && rtt <= th.ExcellentRTT:
		return TierExcellent
	default:
		return TierGood
	}
}

// Profiles maps each tier to the encoding profile used while in it.
type Profiles map[Tier]domain.EncodingProfile

// DefaultProfiles returns the stock encoding ladder.
func DefaultProfiles() Profiles {
	return Profiles{
		TierExcellent: {Name: "excellent", MaxBitrate: 2_500_000, ScaleResolutionDownBy: 1, MaxFramerate: 30},
		TierGood:      {Name: "good", MaxBitrate: 1_200_000, ScaleResolutionDownBy: 1, MaxFramerate: 30},
		TierFair:      {Name: "fair", MaxBitrate: 600_000, ScaleResolutionDownBy: 1.5, MaxFramerate: 24},
		TierPoor:      {Name: "poor", MaxBitrate: 250_000, ScaleResolutionDownBy: 2, MaxFramerate: 15},
	}
}

// Sampler turns cumulative handle counters into per-interval link stats.
// Reset it whenever the handle is recreated; counters are never carried
// across handles.
type Sampler struct {
	th       Thresholds
	prev     webrtc.Stats
	havePrev bool
}

// NewSampler returns a Sampler classifying with th.
func NewSampler(th Thresholds) *Sampler {
	return &Sampler{th: th}
}

// Reset forgets the previous snapshot.
func (s *Sampler) Reset() {
	s.prev = webrtc.Stats{}
	s.havePrev = false
}

// Sample computes the loss ratio since the previous snapshot and classifies it.
func (s *Sampler) Sample(cur webrtc.Stats) LinkStats {
	prev := s.prev
	// Counters going backwards mean a new handle slipped in without Reset.
	// A change of counter source makes the previous snapshot meaningless too.
	if !s.havePrev || cur.RemoteReports != prev.RemoteReports ||
		cur.PacketsReceived < prev.PacketsReceived || cur.PacketsLost < prev.PacketsLost {
		prev = webrtc.Stats{}
	}
	s.prev, s.havePrev = cur, true

	received := float64(cur.PacketsReceived - prev.PacketsReceived)
	lost := float64(cur.PacketsLost - prev.PacketsLost)

	var loss float64
	if total := received + lost; total > 0 && lost > 0 {
		loss = lost / total
	}

	ls := LinkStats{
		LossRatio: loss,
		Jitter:    cur.Jitter,
		RTT:       cur.RoundTripTime,
	}
	ls.Tier = s.th.Classify(ls.LossRatio, ls.Jitter, ls.RTT)
	return ls
}
