// Package call runs the call session state machine for one local endpoint.
//
// The Engine is the single owner of call state. Signaling envelopes, handle
// callbacks and timers are all posted onto one serialized loop, so at most one
// of them touches a session at a time. At most one session is live; ended
// sessions stay retired for a grace period so that late envelopes referencing
// them are dropped quietly.
package call

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/clubhouse/callengine/internal/domain"
	"github.com/clubhouse/callengine/internal/loop"
	"github.com/clubhouse/callengine/internal/media"
	"github.com/clubhouse/callengine/internal/quality"
	"github.com/clubhouse/callengine/internal/reconnect"
	"github.com/clubhouse/callengine/internal/webrtc"

	"github.com/benbjohnson/clock"
	pion "github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

const sendTimeout = 5 * time.Second

// Listener is the upward interface to the UI layer. Methods run on the engine
// loop: they must return quickly and must not call Engine methods
// synchronously.
type Listener interface {
	OnIncomingCall(info domain.SessionInfo)
	OnConnected(info domain.SessionInfo)
	OnQualityChanged(tier quality.Tier)
	OnEnded(info domain.SessionInfo, reason string)
}

// RemoteTrackHandler consumes remote media. HandleTrack must not block.
type RemoteTrackHandler interface {
	HandleTrack(track *pion.TrackRemote, receiver *pion.RTPReceiver)
}

// Timeouts bound the phases of a call.
type Timeouts struct {
	Ring        time.Duration `yaml:"ring"`
	Negotiation time.Duration `yaml:"negotiation"`
	Gather      time.Duration `yaml:"gather"`
	// Grace is how long an ended session id keeps absorbing late envelopes.
	Grace time.Duration `yaml:"grace"`
}

// DefaultTimeouts returns the stock timeouts.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Ring:        30 * time.Second,
		Negotiation: 15 * time.Second,
		Gather:      webrtc.DefaultGatherTimeout,
		Grace:       10 * time.Second,
	}
}

// Config wires an Engine.
type Config struct {
	Identity    domain.Identity
	DisplayName string
	// Media is the default capture request; Video also decides whether calls
	// are placed and accepted with video.
	Media domain.Constraints

	Factory     webrtc.HandleFactory
	Capture     domain.MediaCapture
	Encoder     domain.Encoder
	RemoteMedia RemoteTrackHandler
	Listener    Listener
	Metrics     Metrics

	Clock     clock.Clock
	Timeouts  Timeouts
	Reconnect reconnect.Policy
	Quality   quality.Policy
	Log       *logrus.Entry
}

// Engine coordinates the call sessions of one endpoint. It implements
// domain.EnvelopeHandler.
type Engine struct {
	cfg     Config
	loop    *loop.Loop
	signal  domain.SignalingChannel
	metrics Metrics
	log     *logrus.Entry

	current *session
	retired map[domain.SessionID]*deadline
}

// NewEngine creates an idle Engine. Call SetSignaler before use.
func NewEngine(cfg Config) *Engine {
	def := DefaultTimeouts()
	if cfg.Timeouts.Ring <= 0 {
		cfg.Timeouts.Ring = def.Ring
	}
	if cfg.Timeouts.Negotiation <= 0 {
		cfg.Timeouts.Negotiation = def.Negotiation
	}
	if cfg.Timeouts.Gather <= 0 {
		cfg.Timeouts.Gather = def.Gather
	}
	if cfg.Timeouts.Grace <= 0 {
		cfg.Timeouts.Grace = def.Grace
	}
	if cfg.Reconnect.MaxAttempts <= 0 {
		cfg.Reconnect = reconnect.DefaultPolicy()
	}
	if cfg.Quality.PollInterval <= 0 {
		cfg.Quality = quality.DefaultPolicy()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Listener == nil {
		cfg.Listener = nopListener{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	cfg.Media.Audio = true

	return &Engine{
		cfg:     cfg,
		loop:    loop.New(string(cfg.Identity)),
		metrics: cfg.Metrics,
		log:     cfg.Log.WithFields(logrus.Fields{"component": "call", "identity": cfg.Identity}),
		retired: make(map[domain.SessionID]*deadline),
	}
}

// SetSignaler injects the signaling channel after construction; the channel
// itself needs the Engine as its envelope handler.
func (e *Engine) SetSignaler(s domain.SignalingChannel) {
	_ = e.loop.Do(context.Background(), func() error {
		e.signal = s
		return nil
	})
}

// OnEnvelope queues an inbound envelope for processing.
func (e *Engine) OnEnvelope(env domain.Envelope) {
	e.loop.Post(func() { e.route(env) })
}

// RequestCall rings remote. It fails with ErrTransportUnavailable, without
// entering RingingOut, when remote is offline or unreachable.
func (e *Engine) RequestCall(ctx context.Context, remote domain.Identity) (domain.SessionID, error) {
	if remote == "" || remote == e.cfg.Identity {
		return "", fmt.Errorf("%w: cannot call %q", domain.ErrInvalidState, remote)
	}

	var sig domain.SignalingChannel
	err := e.loop.Do(ctx, func() error {
		if err := e.idle(); err != nil {
			return err
		}
		sig = e.signal
		return nil
	})
	if err != nil {
		return "", err
	}
	if sig == nil {
		return "", fmt.Errorf("%w: no signaling channel", domain.ErrTransportUnavailable)
	}

	online, err := sig.IsOnline(ctx, remote)
	if err != nil {
		return "", fmt.Errorf("%w: presence of %s: %w", domain.ErrTransportUnavailable, remote, err)
	}
	if !online {
		e.log.WithField("remote", remote).Info("callee offline")
		return "", fmt.Errorf("%w: %s is offline", domain.ErrTransportUnavailable, remote)
	}

	tracks, degraded, err := e.acquire(ctx, e.cfg.Media.Video)
	if err != nil {
		return "", err
	}

	var id domain.SessionID
	err = e.loop.Do(ctx, func() error {
		if err := ctx.Err(); err != nil {
			e.release(tracks)
			return err
		}
		if err := e.idle(); err != nil {
			e.release(tracks)
			return err
		}

		now := e.cfg.Clock.Now()
		id = domain.NewSessionID(e.cfg.Identity, remote, now)
		s := e.newSession(id, remote, domain.RoleCaller, e.cfg.Media.Video && !degraded, now)
		s.tracks, s.degraded = tracks, degraded

		req := domain.CallRequest{Caller: e.cfg.Identity, DisplayName: e.cfg.DisplayName, Video: s.info.Video}
		if err := e.send(s, req); err != nil {
			e.current = nil
			e.release(tracks)
			return fmt.Errorf("%w: %w", domain.ErrTransportUnavailable, err)
		}

		s.setPhase(domain.PhaseRingingOut)
		s.ring.arm(e.cfg.Clock, e.cfg.Timeouts.Ring, e.loop.Post, func() {
			e.dispatch(s, evRingTimeout{})
		})
		e.metrics.CallStarted(domain.RoleCaller)
		return nil
	})
	if errors.Is(err, loop.ErrClosed) {
		e.release(tracks)
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// AcceptIncoming answers the ringing session id and starts negotiating as
// callee.
func (e *Engine) AcceptIncoming(ctx context.Context, id domain.SessionID) error {
	var video bool
	err := e.loop.Do(ctx, func() error {
		s, err := e.ringingIn(id)
		if err != nil {
			return err
		}
		video = s.info.Video
		return nil
	})
	if err != nil {
		return err
	}

	tracks, degraded, acqErr := e.acquire(ctx, video)

	err = e.loop.Do(ctx, func() error {
		if err := ctx.Err(); err != nil {
			e.release(tracks)
			return err
		}
		s, err := e.ringingIn(id)
		if err != nil {
			e.release(tracks)
			return err
		}
		if acqErr != nil {
			s.end(domain.PhaseFailed, ReasonMediaUnavailable, domain.CallReject{Reason: ReasonMediaUnavailable})
			return acqErr
		}

		s.tracks, s.degraded = tracks, degraded
		s.info.Video = video && !degraded
		s.ring.stop()
		if err := s.startNegotiation(); err != nil {
			s.end(domain.PhaseFailed, ReasonNegotiation, domain.CallReject{Reason: ReasonNegotiation})
			return err
		}
		_ = e.send(s, domain.CallAccept{Callee: e.cfg.Identity})
		return nil
	})
	if errors.Is(err, loop.ErrClosed) {
		e.release(tracks)
	}
	return err
}

// RejectIncoming declines the current session, typically while ringing.
func (e *Engine) RejectIncoming(ctx context.Context, reason string) error {
	return e.loop.Do(ctx, func() error {
		s := e.current
		if s == nil {
			return fmt.Errorf("%w: no call to reject", domain.ErrInvalidState)
		}
		reason = orDefault(reason, ReasonDeclined)
		s.end(domain.PhaseEnded, reason, domain.CallReject{Reason: reason})
		return nil
	})
}

// EndCall hangs up the current session.
func (e *Engine) EndCall(ctx context.Context, reason string) error {
	return e.loop.Do(ctx, func() error {
		s := e.current
		if s == nil {
			return fmt.Errorf("%w: no call to end", domain.ErrInvalidState)
		}
		reason = orDefault(reason, ReasonHangup)
		s.end(domain.PhaseEnded, reason, domain.CallEnd{Reason: reason})
		return nil
	})
}

// SwitchDevices replaces the local tracks of the live call in place. A media
// kind the handle did not carry before is added; the caller renegotiates so
// the remote side receives it, the callee sends it after the caller's next
// offer.
func (e *Engine) SwitchDevices(ctx context.Context, cons domain.Constraints) error {
	var id domain.SessionID
	err := e.loop.Do(ctx, func() error {
		s := e.current
		if s == nil || !s.active() {
			return fmt.Errorf("%w: no live call", domain.ErrInvalidState)
		}
		id = s.info.ID
		return nil
	})
	if err != nil {
		return err
	}

	if e.cfg.Capture == nil {
		return fmt.Errorf("%w: no capture configured", domain.ErrDeviceUnavailable)
	}
	tracks, err := e.cfg.Capture.Acquire(ctx, cons)
	if err != nil {
		return err
	}

	err = e.loop.Do(ctx, func() error {
		if err := ctx.Err(); err != nil {
			e.release(tracks)
			return err
		}
		s := e.current
		if s == nil || s.info.ID != id || !s.active() {
			e.release(tracks)
			return fmt.Errorf("%w: call ended while switching devices", domain.ErrInvalidState)
		}

		added, err := s.neg.ReplaceTracks(tracks)
		if err != nil {
			e.release(tracks)
			return err
		}
		e.release(s.tracks)
		s.tracks = tracks
		s.log.WithFields(logrus.Fields{
			"audio_device": cons.AudioDeviceID,
			"video_device": cons.VideoDeviceID,
			"added":        added,
		}).Info("switched devices")

		if added {
			if s.info.Role == domain.RoleCaller {
				return s.neg.Renegotiate()
			}
			s.log.Warn("new media kind waits for the caller's next offer")
		}
		return nil
	})
	if errors.Is(err, loop.ErrClosed) {
		e.release(tracks)
	}
	return err
}

// Info returns a snapshot of the current session, or an idle snapshot.
func (e *Engine) Info(ctx context.Context) (domain.SessionInfo, error) {
	var info domain.SessionInfo
	err := e.loop.Do(ctx, func() error {
		if e.current == nil {
			info = domain.SessionInfo{Local: e.cfg.Identity, Phase: domain.PhaseIdle}
			return nil
		}
		info = e.current.snapshot()
		return nil
	})
	return info, err
}

// Close ends the live call, if any, and stops the engine.
func (e *Engine) Close() {
	_ = e.loop.Do(context.Background(), func() error {
		if s := e.current; s != nil {
			s.end(domain.PhaseEnded, ReasonShutdown, domain.CallEnd{Reason: ReasonShutdown})
		}
		for id, d := range e.retired {
			d.stop()
			delete(e.retired, id)
		}
		return nil
	})
	e.loop.Close()
}

func (e *Engine) route(env domain.Envelope) {
	log := e.log.WithFields(logrus.Fields{
		"session_id": env.SessionID,
		"kind":       env.Kind(),
		"from":       env.From,
	})

	if env.To != e.cfg.Identity {
		log.WithField("to", env.To).Debug("envelope for another identity dropped")
		return
	}
	if _, ok := e.retired[env.SessionID]; ok {
		log.Debug("envelope for ended session discarded")
		return
	}
	if req, ok := env.Payload.(domain.CallRequest); ok {
		e.incoming(env, req)
		return
	}

	s := e.current
	if s == nil || s.info.ID != env.SessionID {
		log.Debug("envelope for unknown session discarded")
		return
	}
	if env.From != s.info.Remote {
		log.Warn("envelope from unexpected sender dropped")
		return
	}
	ev, ok := eventFor(env)
	if !ok {
		return
	}
	s.handle(ev)
}

func (e *Engine) incoming(env domain.Envelope, req domain.CallRequest) {
	log := e.log.WithFields(logrus.Fields{
		"session_id": env.SessionID,
		"from":       env.From,
	})

	if req.Caller != env.From {
		log.WithField("caller", req.Caller).Warn("call-request with mismatched caller dropped")
		return
	}
	if s := e.current; s != nil {
		if s.info.ID == env.SessionID {
			log.Debug("duplicate call-request ignored")
			return
		}
		log.Info("busy, rejecting incoming call")
		_ = e.sendTo(env.SessionID, env.From, domain.CallReject{Reason: ReasonBusy})
		return
	}

	now := e.cfg.Clock.Now()
	s := e.newSession(env.SessionID, env.From, domain.RoleCallee, req.Video && e.cfg.Media.Video, now)
	s.info.DisplayName = req.DisplayName
	s.setPhase(domain.PhaseRingingIn)
	s.ring.arm(e.cfg.Clock, e.cfg.Timeouts.Ring, e.loop.Post, func() {
		e.dispatch(s, evRingTimeout{})
	})
	e.metrics.CallStarted(domain.RoleCallee)
	e.cfg.Listener.OnIncomingCall(s.snapshot())
}

func (e *Engine) newSession(id domain.SessionID, remote domain.Identity, role domain.Role, video bool, now time.Time) *session {
	s := &session{
		e: e,
		info: domain.SessionInfo{
			ID:        id,
			Local:     e.cfg.Identity,
			Remote:    remote,
			Role:      role,
			Phase:     domain.PhaseIdle,
			Video:     video,
			CreatedAt: now,
		},
		log: e.log.WithFields(logrus.Fields{
			"session_id": id,
			"role":       role.String(),
			"remote":     remote,
		}),
	}
	e.current = s
	return s
}

// dispatch delivers ev to s unless s is no longer the live session.
func (e *Engine) dispatch(s *session, ev event) {
	if e.current != s {
		return
	}
	s.handle(ev)
}

func (e *Engine) retire(s *session) {
	if e.current == s {
		e.current = nil
	}
	id := s.info.ID
	d := &deadline{}
	e.retired[id] = d
	d.arm(e.cfg.Clock, e.cfg.Timeouts.Grace, e.loop.Post, func() {
		if e.retired[id] == d {
			delete(e.retired, id)
		}
	})
}

func (e *Engine) idle() error {
	if s := e.current; s != nil {
		return fmt.Errorf("%w: call %s is %s", domain.ErrInvalidState, s.info.ID, s.info.Phase)
	}
	return nil
}

func (e *Engine) ringingIn(id domain.SessionID) (*session, error) {
	s := e.current
	if s == nil || s.info.ID != id {
		return nil, fmt.Errorf("%w: session %s", domain.ErrUnknownSession, id)
	}
	if s.info.Phase != domain.PhaseRingingIn {
		return nil, fmt.Errorf("%w: call is %s", domain.ErrInvalidState, s.info.Phase)
	}
	return s, nil
}

func (e *Engine) acquire(ctx context.Context, video bool) ([]pion.TrackLocal, bool, error) {
	if e.cfg.Capture == nil {
		return nil, false, nil
	}
	cons := e.cfg.Media
	cons.Video = video
	return media.AcquireWithFallback(ctx, e.cfg.Capture, cons)
}

func (e *Engine) release(tracks []pion.TrackLocal) {
	if len(tracks) > 0 && e.cfg.Capture != nil {
		e.cfg.Capture.Release(tracks)
	}
}

func (e *Engine) send(s *session, p domain.Payload) error {
	return e.sendTo(s.info.ID, s.info.Remote, p)
}

func (e *Engine) sendTo(id domain.SessionID, to domain.Identity, p domain.Payload) error {
	if e.signal == nil {
		return fmt.Errorf("%w: no signaling channel", domain.ErrTransportUnavailable)
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if err := e.signal.Send(ctx, domain.NewEnvelope(id, e.cfg.Identity, to, p)); err != nil {
		e.log.WithError(err).WithFields(logrus.Fields{
			"session_id": id,
			"kind":       p.Kind(),
		}).Warn("sending envelope")
		return err
	}
	return nil
}

type nopListener struct{}

func (nopListener) OnIncomingCall(domain.SessionInfo)  {}
func (nopListener) OnConnected(domain.SessionInfo)     {}
func (nopListener) OnQualityChanged(quality.Tier)      {}
func (nopListener) OnEnded(domain.SessionInfo, string) {}
