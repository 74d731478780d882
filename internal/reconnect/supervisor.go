// Package reconnect drives bounded recovery of a failed peer connection.
//
// The Supervisor watches connection-state transitions of the active handle.
// A disconnect gets a short debounce window to recover on its own; a failure
// starts a paced sequence of restart attempts, each with a deadline. The first
// attempts restart ICE on the existing handle, later ones rebuild the handle
// from scratch. Reaching connected at any point resets the budget.
package reconnect

import (
	"fmt"
	"time"

	"github.com/clubhouse/callengine/internal/domain"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// Policy bounds and paces recovery.
type Policy struct {
	MaxAttempts        int           `yaml:"max_attempts"`
	DisconnectDebounce time.Duration `yaml:"disconnect_debounce"`
	BaseDelay          time.Duration `yaml:"base_delay"`
	DelayIncrement     time.Duration `yaml:"delay_increment"`
	AttemptDeadline    time.Duration `yaml:"attempt_deadline"`
	// ICERestartAttempts is how many attempts restart ICE on the existing
	// handle before switching to full rebuilds.
	ICERestartAttempts int `yaml:"ice_restart_attempts"`
}

// DefaultPolicy returns the stock recovery policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:        5,
		DisconnectDebounce: 3 * time.Second,
		BaseDelay:          500 * time.Millisecond,
		DelayIncrement:     time.Second,
		AttemptDeadline:    10 * time.Second,
		ICERestartAttempts: 2,
	}
}

// Delay returns the wait before the given 1-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.BaseDelay + time.Duration(attempt-1)*p.DelayIncrement
}

// Full reports whether the given attempt rebuilds the handle.
func (p Policy) Full(attempt int) bool {
	return attempt > p.ICERestartAttempts
}

// Config wires a Supervisor to its owner.
type Config struct {
	Policy Policy
	Clock  clock.Clock
	// Post schedules a closure on the owner's serialized loop. Every other
	// callback below runs on that loop.
	Post func(func())
	// Restart renegotiates; full requests a handle rebuild.
	Restart func(full bool) error
	// OnAttempt is told about every attempt as it starts.
	OnAttempt func(attempt int, full bool)
	// OnExhausted is called once when the budget is spent.
	OnExhausted func(err error)
	Log         *logrus.Entry
}

type phase int

const (
	phaseIdle phase = iota
	phaseDebounce
	phaseBackoff
	phaseAttempt
	phaseExhausted
	phaseStopped
)

// Supervisor must only be used from the owner's loop.
type Supervisor struct {
	cfg Config
	log *logrus.Entry

	phase    phase
	attempts int
	timer    *clock.Timer
	// token invalidates callbacks of cancelled timers.
	token uint64
}

// New returns an idle Supervisor.
func New(cfg Config) *Supervisor {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = DefaultPolicy()
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Supervisor{
		cfg: cfg,
		log: cfg.Log.WithField("component", "reconnect"),
	}
}

// Attempts returns the attempts spent since the last successful connection.
func (s *Supervisor) Attempts() int { return s.attempts }

// Active reports whether recovery is in progress.
func (s *Supervisor) Active() bool {
	return s.phase == phaseDebounce || s.phase == phaseBackoff || s.phase == phaseAttempt
}

// OnState feeds a connection-state transition of the active handle.
func (s *Supervisor) OnState(state domain.ConnectionState) {
	if s.phase == phaseExhausted || s.phase == phaseStopped {
		return
	}

	switch state {
	case domain.ConnectionConnected:
		if s.attempts > 0 || s.phase != phaseIdle {
			s.log.WithField("attempts", s.attempts).Info("connection recovered")
		}
		s.cancel()
		s.attempts = 0
		s.phase = phaseIdle

	case domain.ConnectionDisconnected:
		if s.phase != phaseIdle {
			return
		}
		s.phase = phaseDebounce
		s.log.WithField("debounce", s.cfg.Policy.DisconnectDebounce).Info("connection disconnected, waiting for recovery")
		s.after(s.cfg.Policy.DisconnectDebounce, func() {
			s.log.Warn("connection did not recover on its own")
			s.next()
		})

	case domain.ConnectionFailed, domain.ConnectionClosed:
		switch s.phase {
		case phaseBackoff:
			// Next attempt already scheduled.
		case phaseAttempt:
			s.log.WithField("attempt", s.attempts).Warn("reconnection attempt failed")
			s.next()
		default:
			s.next()
		}
	}
}

// Stop cancels all timers; the Supervisor ignores later input.
func (s *Supervisor) Stop() {
	s.cancel()
	s.phase = phaseStopped
}

func (s *Supervisor) next() {
	s.cancel()
	p := s.cfg.Policy

	if s.attempts >= p.MaxAttempts {
		s.phase = phaseExhausted
		s.log.WithField("attempts", s.attempts).Error("reconnection budget exhausted")
		if s.cfg.OnExhausted != nil {
			s.cfg.OnExhausted(fmt.Errorf("%w: gave up after %d attempts", domain.ErrConnectivityFailed, s.attempts))
		}
		return
	}

	s.attempts++
	attempt := s.attempts
	delay := p.Delay(attempt)
	s.phase = phaseBackoff
	s.log.WithFields(logrus.Fields{
		"attempt": attempt,
		"delay":   delay,
	}).Info("scheduling reconnection attempt")
	s.after(delay, func() { s.run(attempt) })
}

func (s *Supervisor) run(attempt int) {
	full := s.cfg.Policy.Full(attempt)
	s.phase = phaseAttempt

	log := s.log.WithFields(logrus.Fields{
		"attempt": attempt,
		"full":    full,
	})
	log.Warn("reconnection attempt")
	if s.cfg.OnAttempt != nil {
		s.cfg.OnAttempt(attempt, full)
	}

	if err := s.cfg.Restart(full); err != nil {
		log.WithError(err).Warn("restart failed")
		s.next()
		return
	}

	s.after(s.cfg.Policy.AttemptDeadline, func() {
		log.WithField("deadline", s.cfg.Policy.AttemptDeadline).Warn("reconnection attempt timed out")
		s.next()
	})
}

func (s *Supervisor) after(d time.Duration, fn func()) {
	s.token++
	token := s.token
	s.timer = s.cfg.Clock.AfterFunc(d, func() {
		s.cfg.Post(func() {
			if token != s.token {
				return
			}
			s.timer = nil
			fn()
		})
	})
}

func (s *Supervisor) cancel() {
	s.token++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
