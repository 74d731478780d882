package quality

import (
	"time"

	"github.com/clubhouse/callengine/internal/domain"
	"github.com/clubhouse/callengine/internal/webrtc"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// Policy configures polling and hysteresis.
type Policy struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	// UpgradeDwell gates a one-step upgrade.
	UpgradeDwell time.Duration `yaml:"upgrade_dwell"`
	// RestoreDwell gates the final step back to excellent.
	RestoreDwell time.Duration `yaml:"restore_dwell"`
	Thresholds   Thresholds    `yaml:"thresholds"`
	Profiles     Profiles      `yaml:"-"`
}

// DefaultPolicy returns the stock adaptation policy.
func DefaultPolicy() Policy {
	return Policy{
		PollInterval: 2 * time.Second,
		UpgradeDwell: 5 * time.Second,
		RestoreDwell: 10 * time.Second,
		Thresholds:   DefaultThresholds(),
		Profiles:     DefaultProfiles(),
	}
}

// StatsSource returns the active handle's counters; ok is false when there
// is no live handle.
type StatsSource func() (s webrtc.Stats, ok bool)

// ControllerConfig wires a Controller to its owner.
type ControllerConfig struct {
	Policy  Policy
	Clock   clock.Clock
	Encoder domain.Encoder
	// Post schedules a closure on the owner's serialized loop.
	Post func(func())
	// OnChange is called on the loop after a new profile was applied.
	OnChange func(Tier, LinkStats)
	Log      *logrus.Entry
}

// Controller polls link statistics while a call is connected and moves the
// encoder along the profile ladder. Degradation applies on the first poll
// that shows it; upgrades climb one tier at a time and only after the
// improvement has held for the dwell window since the last adaptation.
// Methods must be called from the owner's loop.
type Controller struct {
	cfg     ControllerConfig
	sampler *Sampler
	log     *logrus.Entry

	tier           Tier
	lastAdaptation time.Time
	improvingSince time.Time

	source  StatsSource
	timer   *clock.Timer
	token   uint64
	running bool
}

// NewController returns a stopped Controller at the excellent tier.
func NewController(cfg ControllerConfig) *Controller {
	def := DefaultPolicy()
	if cfg.Policy.PollInterval <= 0 {
		cfg.Policy.PollInterval = def.PollInterval
	}
	if cfg.Policy.UpgradeDwell <= 0 {
		cfg.Policy.UpgradeDwell = def.UpgradeDwell
	}
	if cfg.Policy.RestoreDwell <= 0 {
		cfg.Policy.RestoreDwell = def.RestoreDwell
	}
	if cfg.Policy.Thresholds == (Thresholds{}) {
		cfg.Policy.Thresholds = def.Thresholds
	}
	if len(cfg.Policy.Profiles) == 0 {
		cfg.Policy.Profiles = def.Profiles
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Controller{
		cfg:     cfg,
		sampler: NewSampler(cfg.Policy.Thresholds),
		log:     cfg.Log.WithField("component", "quality"),
		tier:    TierExcellent,
	}
}

// Tier returns the tier whose profile is applied.
func (c *Controller) Tier() Tier { return c.tier }

// Profile returns the applied encoding profile.
func (c *Controller) Profile() domain.EncodingProfile { return c.cfg.Policy.Profiles[c.tier] }

// Start begins polling src. Calling Start again swaps the source and
// restarts the sampler, as done after a handle is recreated.
func (c *Controller) Start(src StatsSource) {
	c.source = src
	c.sampler.Reset()
	c.improvingSince = time.Time{}
	if !c.running {
		c.log.WithFields(logrus.Fields{
			"interval": c.cfg.Policy.PollInterval,
			"tier":     c.tier.String(),
		}).Info("quality polling started")
	}
	c.running = true
	c.schedule()
}

// Stop halts polling. The applied tier is kept.
func (c *Controller) Stop() {
	c.token++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.running {
		c.log.Debug("quality polling stopped")
	}
	c.running = false
}

// Running reports whether polling is active.
func (c *Controller) Running() bool { return c.running }

func (c *Controller) schedule() {
	c.token++
	token := c.token
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = c.cfg.Clock.AfterFunc(c.cfg.Policy.PollInterval, func() {
		c.cfg.Post(func() {
			if token != c.token || !c.running {
				return
			}
			c.Poll()
			c.schedule()
		})
	})
}

// Poll samples the source once and adapts.
func (c *Controller) Poll() {
	if c.source == nil {
		return
	}
	s, ok := c.source()
	if !ok {
		return
	}
	c.Observe(c.sampler.Sample(s))
}

// Observe adapts to one classified sample.
func (c *Controller) Observe(ls LinkStats) {
	now := c.cfg.Clock.Now()
	log := c.log.WithFields(logrus.Fields{
		"loss":    ls.LossRatio,
		"jitter":  ls.Jitter,
		"rtt":     ls.RTT,
		"current": c.tier.String(),
		"sampled": ls.Tier.String(),
	})

	switch {
	case ls.Tier > c.tier:
		c.improvingSince = time.Time{}
		log.Warn("link degraded, lowering encoding profile")
		c.apply(ls.Tier, ls, now)

	case ls.Tier < c.tier:
		if c.improvingSince.IsZero() {
			c.improvingSince = now
		}
		target := c.tier - 1
		dwell := c.cfg.Policy.UpgradeDwell
		if target == TierExcellent {
			dwell = c.cfg.Policy.RestoreDwell
		}
		if now.Sub(c.lastAdaptation) < dwell || now.Sub(c.improvingSince) < dwell {
			log.Debug("improvement within dwell window")
			return
		}
		log.Info("link improved, raising encoding profile")
		c.apply(target, ls, now)
		c.improvingSince = now

	default:
		c.improvingSince = time.Time{}
	}
}

func (c *Controller) apply(t Tier, ls LinkStats, now time.Time) {
	p := c.cfg.Policy.Profiles[t]
	if c.cfg.Encoder != nil {
		if err := c.cfg.Encoder.ApplyProfile(p); err != nil {
			c.log.WithError(err).WithField("profile", p.Name).Warn("applying encoding profile")
			return
		}
	}
	c.tier = t
	c.lastAdaptation = now
	c.log.WithFields(logrus.Fields{
		"tier":        t.String(),
		"max_bitrate": p.MaxBitrate,
		"scale":       p.ScaleResolutionDownBy,
		"framerate":   p.MaxFramerate,
	}).Info("encoding profile applied")
	if c.cfg.OnChange != nil {
		ls.Tier = t
		c.cfg.OnChange(t, ls)
	}
}
