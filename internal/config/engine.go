package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/clubhouse/callengine/internal/call"
	"github.com/clubhouse/callengine/internal/domain"
	"github.com/clubhouse/callengine/internal/quality"
	"github.com/clubhouse/callengine/internal/reconnect"

	"gopkg.in/yaml.v3"
)

// Engine is the YAML-tunable part of the call engine. Keys left out keep
// their defaults.
type Engine struct {
	// ICEServers are appended to the ones issued with the relay ticket.
	ICEServers     []domain.ICEServer `yaml:"ice_servers"`
	FilterLoopback bool               `yaml:"filter_loopback"`
	Timeouts       call.Timeouts      `yaml:"timeouts"`
	Reconnect      reconnect.Policy   `yaml:"reconnect"`
	Quality        Quality            `yaml:"quality"`
}

// Quality extends quality.Policy with profiles keyed by tier name.
type Quality struct {
	quality.Policy `yaml:",inline"`
	Profiles       map[string]domain.EncodingProfile `yaml:"profiles"`
}

// DefaultEngine returns the stock engine settings.
func DefaultEngine() Engine {
	return Engine{
		Timeouts:  call.DefaultTimeouts(),
		Reconnect: reconnect.DefaultPolicy(),
		Quality:   Quality{Policy: quality.DefaultPolicy()},
	}
}

// LoadEngine reads an engine file on top of DefaultEngine.
func LoadEngine(path string) (Engine, error) {
	f, err := os.Open(path)
	if err != nil {
		return Engine{}, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	eng, err := LoadEngineFrom(f)
	if err != nil {
		return Engine{}, fmt.Errorf("config: %q: %w", path, err)
	}
	return eng, nil
}

// LoadEngineFrom decodes YAML from r. Unknown keys are rejected.
func LoadEngineFrom(r io.Reader) (Engine, error) {
	eng := DefaultEngine()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&eng); err != nil && !errors.Is(err, io.EOF) {
		return Engine{}, fmt.Errorf("decode yaml: %w", err)
	}
	if err := eng.Validate(); err != nil {
		return Engine{}, err
	}
	return eng, nil
}

// QualityPolicy resolves the named profiles over the default ladder.
func (e Engine) QualityPolicy() (quality.Policy, error) {
	p := e.Quality.Policy
	p.Profiles = quality.DefaultProfiles()
	for name, prof := range e.Quality.Profiles {
		tier, err := quality.ParseTier(name)
		if err != nil {
			return quality.Policy{}, err
		}
		if prof.Name == "" {
			prof.Name = name
		}
		p.Profiles[tier] = prof
	}
	return p, nil
}

// Validate rejects settings the engine cannot run with.
func (e Engine) Validate() error {
	t := e.Timeouts
	if t.Ring <= 0 || t.Negotiation <= 0 || t.Gather <= 0 || t.Grace <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}

	r := e.Reconnect
	if r.MaxAttempts < 1 {
		return fmt.Errorf("reconnect.max_attempts must be at least 1, got %d", r.MaxAttempts)
	}
	if r.ICERestartAttempts < 0 {
		return fmt.Errorf("reconnect.ice_restart_attempts must not be negative")
	}
	if r.AttemptDeadline <= 0 || r.BaseDelay < 0 || r.DelayIncrement < 0 || r.DisconnectDebounce < 0 {
		return fmt.Errorf("reconnect durations must not be negative and attempt_deadline must be positive")
	}

	q := e.Quality.Policy
	if q.PollInterval <= 0 {
		return fmt.Errorf("quality.poll_interval must be positive")
	}
	th := q.Thresholds
	if th.ExcellentLoss > th.FairLoss || th.FairLoss > th.PoorLoss ||
		th.ExcellentJitter > th.FairJitter || th.FairJitter > th.PoorJitter ||
		th.ExcellentRTT > th.FairRTT || th.FairRTT > th.PoorRTT {
		return fmt.Errorf("quality.thresholds must satisfy excellent <= fair <= poor")
	}
	for name, prof := range e.Quality.Profiles {
		if _, err := quality.ParseTier(name); err != nil {
			return fmt.Errorf("quality.profiles: %w", err)
		}
		if prof.MaxBitrate == 0 {
			return fmt.Errorf("quality.profiles.%s.max_bitrate must be positive", name)
		}
	}

	for i, s := range e.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("ice_servers[%d] has no urls", i)
		}
	}
	return nil
}
