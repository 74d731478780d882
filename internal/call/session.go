package call

import (
	"time"

	"github.com/clubhouse/callengine/internal/domain"
	"github.com/clubhouse/callengine/internal/quality"
	"github.com/clubhouse/callengine/internal/reconnect"
	"github.com/clubhouse/callengine/internal/webrtc"

	pion "github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// Reasons reported to the remote side and to Listener.OnEnded.
const (
	ReasonBusy             = "busy"
	ReasonTimedOut         = "timed out"
	ReasonHangup           = "hangup"
	ReasonDeclined         = "declined"
	ReasonRemoteHangup     = "remote hangup"
	ReasonConnectionLost   = "connection lost"
	ReasonMediaUnavailable = "media unavailable"
	ReasonNegotiation      = "negotiation failed"
	ReasonShutdown         = "shutdown"
)

// session is one call attempt. It is owned by the Engine and only touched
// from the engine loop.
type session struct {
	e    *Engine
	info domain.SessionInfo
	log  *logrus.Entry

	tracks   []pion.TrackLocal
	degraded bool

	neg *webrtc.Negotiator
	sup *reconnect.Supervisor
	qc  *quality.Controller

	ring             deadline
	negotiation      deadline
	negotiationStart time.Time
}

func (s *session) setPhase(p domain.Phase) {
	if s.info.Phase == p {
		return
	}
	s.log.WithFields(logrus.Fields{
		"from": s.info.Phase.String(),
		"to":   p.String(),
	}).Info("call phase")
	s.info.Phase = p
}

func (s *session) snapshot() domain.SessionInfo {
	info := s.info
	if !info.ConnectedAt.IsZero() && !info.Phase.Terminal() {
		info.Duration = s.e.cfg.Clock.Since(info.ConnectedAt)
	}
	return info
}

func (s *session) active() bool {
	switch s.info.Phase {
	case domain.PhaseNegotiating, domain.PhaseConnected, domain.PhaseReconnecting:
		return true
	}
	return false
}

// handle is the state machine: one case per event kind, each checking the
// phases it is legal in. Everything else is logged and dropped.
func (s *session) handle(ev event) {
	switch ev := ev.(type) {
	case evRemoteAccept:
		if s.info.Phase != domain.PhaseRingingOut {
			s.ignore("call-accept")
			return
		}
		s.ring.stop()
		if err := s.startNegotiation(); err != nil {
			s.log.WithError(err).Error("starting negotiation")
			s.end(domain.PhaseFailed, ReasonNegotiation, domain.CallEnd{Reason: ReasonNegotiation})
			return
		}
		if err := s.neg.CreateOffer(); err != nil {
			s.log.WithError(err).Warn("creating offer")
			s.failure(err)
		}

	case evRemoteReject:
		s.end(domain.PhaseEnded, orDefault(ev.reason, ReasonDeclined), nil)

	case evRemoteEnd:
		s.end(domain.PhaseEnded, orDefault(ev.reason, ReasonRemoteHangup), nil)

	case evRingTimeout:
		switch s.info.Phase {
		case domain.PhaseRingingOut:
			s.end(domain.PhaseEnded, ReasonTimedOut, domain.CallEnd{Reason: ReasonTimedOut})
		case domain.PhaseRingingIn:
			s.end(domain.PhaseEnded, ReasonTimedOut, domain.CallReject{Reason: ReasonTimedOut})
		default:
			s.ignore("ring timeout")
		}

	case evOffer:
		if s.info.Role != domain.RoleCallee || s.neg == nil || !s.active() {
			s.ignore("offer")
			return
		}
		if err := s.neg.ApplyRemoteOffer(ev.offer); err != nil {
			s.log.WithError(err).Warn("applying remote offer")
			s.failure(err)
		}

	case evAnswer:
		if s.info.Role != domain.RoleCaller || s.neg == nil || !s.active() {
			s.ignore("answer")
			return
		}
		if err := s.neg.ApplyRemoteAnswer(ev.answer); err != nil {
			s.log.WithError(err).Warn("applying remote answer")
			s.failure(err)
		}

	case evCandidate:
		if s.neg == nil || !s.active() {
			s.ignore("ice-candidate")
			return
		}
		s.neg.AddRemoteCandidate(ev.candidate)

	case evConnState:
		s.connState(ev.state)

	case evNegotiationTimeout:
		if s.info.Phase != domain.PhaseNegotiating {
			return
		}
		s.log.WithField("timeout", s.e.cfg.Timeouts.Negotiation).Warn("negotiation did not complete in time")
		s.failure(domain.ErrNegotiationTimeout)

	case evNegotiationError:
		s.log.WithError(ev.err).Warn("negotiation error")
		s.failure(ev.err)

	case evReconnectAttempt:
		if !s.active() {
			return
		}
		s.negotiation.stop()
		s.qc.Stop()
		s.setPhase(domain.PhaseReconnecting)

	case evExhausted:
		s.log.WithError(ev.err).Error("reconnection exhausted")
		s.end(domain.PhaseFailed, ReasonConnectionLost, domain.CallEnd{Reason: ReasonConnectionLost})
	}
}

func (s *session) ignore(what string) {
	s.log.WithField("phase", s.info.Phase.String()).Debugf("%s ignored", what)
}

func (s *session) connState(state domain.ConnectionState) {
	if !s.active() {
		return
	}

	switch state {
	case domain.ConnectionConnected:
		s.sup.OnState(state)
		if s.info.Phase == domain.PhaseConnected {
			return
		}
		s.negotiation.stop()
		now := s.e.cfg.Clock.Now()
		if s.info.ConnectedAt.IsZero() {
			s.info.ConnectedAt = now
			s.e.metrics.NegotiationDuration(now.Sub(s.negotiationStart))
		}
		s.setPhase(domain.PhaseConnected)
		s.qc.Start(s.neg.Stats)
		s.e.cfg.Listener.OnConnected(s.snapshot())

	case domain.ConnectionDisconnected:
		// Transient; the supervisor decides after its debounce window.
		s.sup.OnState(state)

	case domain.ConnectionFailed, domain.ConnectionClosed:
		s.failure(domain.ErrConnectivityFailed)
	}
}

// failure hands a broken negotiation to the supervisor.
func (s *session) failure(err error) {
	if !s.active() || s.sup == nil {
		return
	}
	s.negotiation.stop()
	s.qc.Stop()
	s.setPhase(domain.PhaseReconnecting)
	s.log.WithError(err).Debug("handing failure to reconnection supervisor")
	s.sup.OnState(domain.ConnectionFailed)
}

func (s *session) startNegotiation() error {
	e := s.e
	s.neg = webrtc.NewNegotiator(webrtc.NegotiatorConfig{
		Role:          s.info.Role,
		Factory:       e.cfg.Factory,
		Listener:      s,
		Post:          e.loop.Post,
		Clock:         e.cfg.Clock,
		GatherTimeout: e.cfg.Timeouts.Gather,
		Log:           s.log,
	})
	if err := s.neg.Initialize(s.tracks); err != nil {
		return err
	}

	s.sup = reconnect.New(reconnect.Config{
		Policy:  e.cfg.Reconnect,
		Clock:   e.cfg.Clock,
		Post:    e.loop.Post,
		Restart: s.neg.Restart,
		OnAttempt: func(attempt int, full bool) {
			e.metrics.ReconnectAttempt(full)
			e.dispatch(s, evReconnectAttempt{attempt: attempt})
		},
		OnExhausted: func(err error) {
			e.dispatch(s, evExhausted{err: err})
		},
		Log: s.log,
	})

	s.qc = quality.NewController(quality.ControllerConfig{
		Policy:  e.cfg.Quality,
		Clock:   e.cfg.Clock,
		Encoder: e.cfg.Encoder,
		Post:    e.loop.Post,
		OnChange: func(t quality.Tier, _ quality.LinkStats) {
			e.metrics.QualityChanged(t.String())
			e.cfg.Listener.OnQualityChanged(t)
		},
		Log: s.log,
	})
	if e.cfg.Encoder != nil {
		if err := e.cfg.Encoder.ApplyProfile(s.qc.Profile()); err != nil {
			s.log.WithError(err).Warn("applying initial encoding profile")
		}
	}

	s.negotiationStart = e.cfg.Clock.Now()
	s.setPhase(domain.PhaseNegotiating)
	s.negotiation.arm(e.cfg.Clock, e.cfg.Timeouts.Negotiation, e.loop.Post, func() {
		e.dispatch(s, evNegotiationTimeout{})
	})
	return nil
}

// end moves the session to a terminal phase, notifying the remote side with
// notify when it is non-nil, and releases everything it holds.
func (s *session) end(phase domain.Phase, reason string, notify domain.Payload) {
	if s.info.Phase.Terminal() {
		return
	}
	e := s.e
	if notify != nil {
		_ = e.send(s, notify)
	}

	s.ring.stop()
	s.negotiation.stop()
	if s.sup != nil {
		s.sup.Stop()
	}
	if s.qc != nil {
		s.qc.Stop()
	}
	if s.neg != nil {
		s.neg.Close()
	}
	if len(s.tracks) > 0 && e.cfg.Capture != nil {
		e.cfg.Capture.Release(s.tracks)
	}
	s.tracks = nil

	connected := !s.info.ConnectedAt.IsZero()
	if connected {
		s.info.Duration = e.cfg.Clock.Since(s.info.ConnectedAt)
	}
	s.setPhase(phase)
	e.retire(s)

	outcome := "completed"
	switch {
	case phase == domain.PhaseFailed:
		outcome = "failed"
	case !connected:
		outcome = "unanswered"
	}
	e.metrics.CallEnded(outcome)

	log := s.log.WithFields(logrus.Fields{
		"reason":   reason,
		"duration": s.info.Duration,
	})
	if phase == domain.PhaseFailed {
		log.Error("call failed")
	} else {
		log.Info("call ended")
	}
	e.cfg.Listener.OnEnded(s.snapshot(), reason)
}

func (s *session) OnLocalOffer(o domain.Offer) {
	_ = s.e.send(s, o)
}

func (s *session) OnLocalAnswer(a domain.Answer) {
	_ = s.e.send(s, a)
}

func (s *session) OnLocalCandidate(c domain.ICECandidate) {
	_ = s.e.send(s, c)
}

func (s *session) OnConnectionState(state domain.ConnectionState) {
	s.e.dispatch(s, evConnState{state: state})
}

func (s *session) OnRemoteTrack(track *pion.TrackRemote, receiver *pion.RTPReceiver) {
	if s.e.cfg.RemoteMedia != nil {
		s.e.cfg.RemoteMedia.HandleTrack(track, receiver)
	}
}

func (s *session) OnNegotiationError(err error) {
	s.e.dispatch(s, evNegotiationError{err: err})
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
