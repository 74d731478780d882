package webrtc

import (
	"errors"
	"fmt"
	"time"

	"github.com/clubhouse/callengine/internal/domain"

	"github.com/benbjohnson/clock"
	pion "github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// DefaultGatherTimeout bounds how long an offer waits for candidate gathering.
const DefaultGatherTimeout = 5 * time.Second

// Listener receives what the Negotiator produces. Every method is invoked on
// the owner's serialized loop.
type Listener interface {
	OnLocalOffer(domain.Offer)
	OnLocalAnswer(domain.Answer)
	OnLocalCandidate(domain.ICECandidate)
	OnConnectionState(domain.ConnectionState)
	OnRemoteTrack(*pion.TrackRemote, *pion.RTPReceiver)
	OnNegotiationError(error)
}

// NegotiatorConfig wires a Negotiator to its owner.
type NegotiatorConfig struct {
	Role     domain.Role
	Factory  HandleFactory
	Listener Listener
	// Post schedules a closure on the owner's serialized loop.
	Post          func(func())
	Clock         clock.Clock
	GatherTimeout time.Duration
	Log           *logrus.Entry
}

// Negotiator owns exactly one handle at a time and runs the offer, answer and
// candidate exchange for it. All methods must be called from the owner's loop.
type Negotiator struct {
	role          domain.Role
	factory       HandleFactory
	listener      Listener
	post          func(func())
	clock         clock.Clock
	gatherTimeout time.Duration
	log           *logrus.Entry

	handle    Handle
	handleSeq uint64
	tracks    []pion.TrackLocal

	// generation is the negotiation attempt the handle currently serves.
	generation       uint32
	remoteApplied    bool
	offerOutstanding bool
	lastAnswer       string
	pending          CandidateQueue
	closed           bool
}

// NewNegotiator returns a Negotiator without a handle; call Initialize.
func NewNegotiator(cfg NegotiatorConfig) *Negotiator {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = DefaultGatherTimeout
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Negotiator{
		role:          cfg.Role,
		factory:       cfg.Factory,
		listener:      cfg.Listener,
		post:          cfg.Post,
		clock:         cfg.Clock,
		gatherTimeout: cfg.GatherTimeout,
		log:           cfg.Log.WithField("component", "negotiator"),
	}
}

// Initialize creates a fresh handle with tracks attached. An existing handle
// is fully disposed first, and queued candidates of older generations are
// discarded.
func (n *Negotiator) Initialize(tracks []pion.TrackLocal) error {
	if n.closed {
		return domain.ErrHandleClosed
	}
	n.tracks = tracks
	return n.rebuild(n.generation + 1)
}

func (n *Negotiator) rebuild(nextGen uint32) error {
	n.dispose()

	n.handleSeq++
	seq := n.handleSeq

	h, err := n.factory.NewHandle(HandleEvents{
		OnCandidate: func(c domain.ICECandidate) {
			n.post(func() { n.localCandidate(seq, c) })
		},
		OnConnectionState: func(s domain.ConnectionState) {
			n.post(func() { n.connectionState(seq, s) })
		},
		OnTrack: func(t *pion.TrackRemote, r *pion.RTPReceiver) {
			n.post(func() {
				if seq == n.handleSeq && !n.closed {
					n.listener.OnRemoteTrack(t, r)
				}
			})
		},
	})
	if err != nil {
		return fmt.Errorf("create handle: %w", err)
	}

	for _, t := range n.tracks {
		if err := h.AddTrack(t); err != nil {
			_ = h.Close()
			return err
		}
	}

	n.handle = h
	n.remoteApplied = false
	n.offerOutstanding = false
	n.lastAnswer = ""
	if dropped := n.pending.Reset(nextGen); dropped > 0 {
		n.log.WithField("dropped", dropped).Debug("discarded stale candidates on handle rebuild")
	}

	n.log.WithFields(logrus.Fields{
		"handle": seq,
		"tracks": len(n.tracks),
	}).Info("peer connection handle created")
	return nil
}

func (n *Negotiator) dispose() {
	if n.handle == nil {
		return
	}
	// Bump the sequence first so callbacks already queued from the old
	// handle are ignored.
	n.handleSeq++
	if err := n.handle.Close(); err != nil {
		n.log.WithError(err).Warn("closing handle")
	}
	n.handle = nil
}

// CreateOffer starts a new generation and sends its offer once gathering
// completes or the gather timeout elapses, whichever comes first.
func (n *Negotiator) CreateOffer() error {
	return n.offer(false, false)
}

func (n *Negotiator) offer(iceRestart, rebuild bool) error {
	if n.role != domain.RoleCaller {
		return fmt.Errorf("%w: only the caller creates offers", domain.ErrInvalidState)
	}
	if n.closed || n.handle == nil {
		return domain.ErrHandleClosed
	}

	n.generation++
	gen, seq, h := n.generation, n.handleSeq, n.handle
	n.remoteApplied = false
	n.offerOutstanding = true
	n.pending.Reset(gen)

	if _, err := h.CreateOffer(iceRestart); err != nil {
		return err
	}

	timer := n.clock.Timer(n.gatherTimeout)
	done := h.GatheringDone()
	go func() {
		timedOut := false
		select {
		case <-done:
			timer.Stop()
		case <-timer.C:
			timedOut = true
		}
		n.post(func() { n.offerReady(seq, gen, rebuild, timedOut) })
	}()
	return nil
}

func (n *Negotiator) offerReady(seq uint64, gen uint32, rebuild, timedOut bool) {
	log := n.log.WithField("generation", gen)
	if n.closed || seq != n.handleSeq || gen != n.generation {
		log.Debug("dropping offer of a superseded negotiation")
		return
	}
	if timedOut {
		log.WithField("timeout", n.gatherTimeout).Warn("candidate gathering incomplete, sending partial offer")
	}

	sdp := n.handle.LocalDescription()
	if sdp == "" {
		n.listener.OnNegotiationError(fmt.Errorf("%w: no local description after gathering", domain.ErrNegotiationTimeout))
		return
	}
	n.listener.OnLocalOffer(domain.Offer{SDP: sdp, Generation: gen, Rebuild: rebuild})
}

// ApplyRemoteOffer answers an offer and drains the candidates queued for its
// generation before returning. Stale offers are ignored; a duplicate of the
// current offer re-sends the previous answer.
func (n *Negotiator) ApplyRemoteOffer(o domain.Offer) error {
	if n.role != domain.RoleCallee {
		return fmt.Errorf("%w: caller received an offer", domain.ErrInvalidState)
	}
	if n.closed || n.handle == nil {
		n.log.Debug("offer for a closed handle dropped")
		return nil
	}

	log := n.log.WithField("generation", o.Generation)
	switch {
	case o.Generation < n.generation:
		log.Debug("stale offer dropped")
		return nil
	case o.Generation == n.generation && n.remoteApplied:
		log.Debug("duplicate offer, re-sending answer")
		n.listener.OnLocalAnswer(domain.Answer{SDP: n.lastAnswer, Generation: n.generation})
		return nil
	}

	wasApplied := n.remoteApplied
	if o.Generation > n.generation {
		// The previous answer no longer describes the handle. Candidates of
		// the new generation queue until this offer is in place.
		n.remoteApplied = false
		n.lastAnswer = ""
	}
	if o.Rebuild && wasApplied {
		if err := n.rebuild(o.Generation); err != nil {
			return err
		}
	}

	if err := n.handle.SetRemoteDescription(SDPOffer, o.SDP); err != nil {
		return err
	}
	answer, err := n.handle.CreateAnswer()
	if err != nil {
		return err
	}
	n.generation = o.Generation
	n.remoteApplied = true
	n.lastAnswer = answer

	n.drain()
	n.listener.OnLocalAnswer(domain.Answer{SDP: answer, Generation: n.generation})
	return nil
}

// ApplyRemoteAnswer completes the outstanding offer. Duplicate, delayed or
// stale answers are absorbed without error.
func (n *Negotiator) ApplyRemoteAnswer(a domain.Answer) error {
	if n.role != domain.RoleCaller {
		return fmt.Errorf("%w: callee received an answer", domain.ErrInvalidState)
	}
	log := n.log.WithField("generation", a.Generation)
	if n.closed || n.handle == nil {
		log.Debug("answer for a closed handle dropped")
		return nil
	}
	if a.Generation != n.generation || !n.offerOutstanding {
		log.WithField("current", n.generation).Debug("answer without outstanding offer ignored")
		return nil
	}

	if err := n.handle.SetRemoteDescription(SDPAnswer, a.SDP); err != nil {
		return err
	}
	n.offerOutstanding = false
	n.remoteApplied = true
	n.drain()
	return nil
}

// AddRemoteCandidate applies c when the remote description of its generation
// is in place and queues it otherwise.
func (n *Negotiator) AddRemoteCandidate(c domain.ICECandidate) {
	log := n.log.WithField("generation", c.Generation)
	if n.closed || n.handle == nil {
		log.Debug("candidate for a closed handle dropped")
		return
	}

	switch {
	case c.Generation < n.generation:
		log.Debug("stale candidate dropped")
	case c.Generation == n.generation && n.remoteApplied:
		n.apply(c)
	default:
		n.pending.Push(c)
	}
}

func (n *Negotiator) drain() {
	ready, dropped := n.pending.Drain(n.generation)
	if dropped > 0 {
		n.log.WithField("dropped", dropped).Debug("discarded stale queued candidates")
	}
	for _, c := range ready {
		n.apply(c)
	}
	if len(ready) > 0 {
		n.log.WithField("applied", len(ready)).Debug("drained queued candidates")
	}
}

func (n *Negotiator) apply(c domain.ICECandidate) {
	if err := n.handle.AddICECandidate(c); err != nil {
		// A single bad candidate must not abort negotiation.
		n.log.WithError(err).Debug("remote candidate rejected")
	}
}

// Restart renegotiates the current call. The cheap path restarts ICE on the
// existing handle; the full path disposes it, creates a new one and
// negotiates from scratch. A handle that already closed always takes the
// full path. The callee only prepares: the caller's next offer drives it.
func (n *Negotiator) Restart(full bool) error {
	if n.closed {
		return domain.ErrHandleClosed
	}
	if n.handle == nil || n.handle.ConnectionState() == domain.ConnectionClosed {
		full = true
	}

	if n.role == domain.RoleCallee {
		n.log.WithField("full", full).Debug("awaiting caller renegotiation")
		return nil
	}

	if full {
		if err := n.rebuild(n.generation + 1); err != nil {
			return err
		}
		return n.offer(false, true)
	}
	return n.offer(true, false)
}

// Renegotiate issues a new offer on the existing handle without restarting
// ICE, used after adding a track of a new kind.
func (n *Negotiator) Renegotiate() error {
	return n.offer(false, false)
}

// ReplaceTracks swaps senders in place. Tracks whose kind has no sender are
// added to the handle; added reports whether that happened, in which case a
// renegotiation is needed for the remote side to receive them.
func (n *Negotiator) ReplaceTracks(tracks []pion.TrackLocal) (added bool, err error) {
	if n.closed || n.handle == nil {
		return false, domain.ErrHandleClosed
	}

	var errs []error
	for _, t := range tracks {
		replaced, err := n.handle.ReplaceTrack(t)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !replaced {
			if err := n.handle.AddTrack(t); err != nil {
				errs = append(errs, err)
				continue
			}
			added = true
		}
	}
	n.tracks = tracks
	return added, errors.Join(errs...)
}

// Close disposes the handle. Later calls on the Negotiator are no-ops or
// return ErrHandleClosed.
func (n *Negotiator) Close() {
	if n.closed {
		return
	}
	n.dispose()
	n.pending.Clear()
	n.closed = true
}

// Stats returns a snapshot of the active handle.
func (n *Negotiator) Stats() (Stats, bool) {
	if n.closed || n.handle == nil {
		return Stats{}, false
	}
	return n.handle.Stats(), true
}

// HandleID identifies the active handle; it changes whenever the handle is
// recreated or disposed.
func (n *Negotiator) HandleID() uint64 { return n.handleSeq }

// Generation returns the negotiation attempt the handle serves.
func (n *Negotiator) Generation() uint32 { return n.generation }

// HasRemoteDescription reports whether the current generation's remote
// description was applied.
func (n *Negotiator) HasRemoteDescription() bool { return n.remoteApplied }

// PendingCandidates returns the number of queued remote candidates.
func (n *Negotiator) PendingCandidates() int { return n.pending.Len() }

func (n *Negotiator) localCandidate(seq uint64, c domain.ICECandidate) {
	if n.closed || seq != n.handleSeq {
		return
	}
	c.Generation = n.generation
	n.listener.OnLocalCandidate(c)
}

func (n *Negotiator) connectionState(seq uint64, s domain.ConnectionState) {
	if n.closed || seq != n.handleSeq {
		n.log.WithField("state", s.String()).Debug("state change from a disposed handle ignored")
		return
	}
	n.log.WithField("state", s.String()).Info("peer connection state")
	n.listener.OnConnectionState(s)
}
