package call

import "github.com/clubhouse/callengine/internal/domain"

// event is one input to a session's state machine. Every event kind is
// handled by exactly one case in session.handle.
type event interface{ isEvent() }

type (
	evRemoteAccept       struct{}
	evRemoteReject       struct{ reason string }
	evRemoteEnd          struct{ reason string }
	evRingTimeout        struct{}
	evOffer              struct{ offer domain.Offer }
	evAnswer             struct{ answer domain.Answer }
	evCandidate          struct{ candidate domain.ICECandidate }
	evConnState          struct{ state domain.ConnectionState }
	evNegotiationTimeout struct{}
	evNegotiationError   struct{ err error }
	evReconnectAttempt   struct{ attempt int }
	evExhausted          struct{ err error }
)

func (evRemoteAccept) isEvent()       {}
func (evRemoteReject) isEvent()       {}
func (evRemoteEnd) isEvent()          {}
func (evRingTimeout) isEvent()        {}
func (evOffer) isEvent()              {}
func (evAnswer) isEvent()             {}
func (evCandidate) isEvent()          {}
func (evConnState) isEvent()          {}
func (evNegotiationTimeout) isEvent() {}
func (evNegotiationError) isEvent()   {}
func (evReconnectAttempt) isEvent()   {}
func (evExhausted) isEvent()          {}

// eventFor maps an inbound envelope to its state machine event. call-request
// is routed by the engine, not by a session.
func eventFor(env domain.Envelope) (event, bool) {
	switch p := env.Payload.(type) {
	case domain.CallAccept:
		return evRemoteAccept{}, true
	case domain.CallReject:
		return evRemoteReject{reason: p.Reason}, true
	case domain.CallEnd:
		return evRemoteEnd{reason: p.Reason}, true
	case domain.Offer:
		return evOffer{offer: p}, true
	case domain.Answer:
		return evAnswer{answer: p}, true
	case domain.ICECandidate:
		return evCandidate{candidate: p}, true
	default:
		return nil, false
	}
}
