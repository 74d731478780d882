package domain

import (
	"encoding/json"
	"fmt"
)

// Kind tags the payload variant carried by an Envelope.
type Kind string

const (
	KindCallRequest  Kind = "call-request"
	KindCallAccept   Kind = "call-accept"
	KindCallReject   Kind = "call-reject"
	KindCallEnd      Kind = "call-end"
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindICECandidate Kind = "ice-candidate"
)

// Payload is implemented by exactly one struct per Kind.
type Payload interface {
	Kind() Kind
	validate() error
}

// CallRequest rings the remote endpoint.
type CallRequest struct {
	Caller      Identity `json:"caller"`
	DisplayName string   `json:"display_name"`
	Video       bool     `json:"video"`
}

// CallAccept tells the caller the callee picked up.
type CallAccept struct {
	Callee Identity `json:"callee"`
}

// CallReject declines a ringing call.
type CallReject struct {
	Reason string `json:"reason"`
}

// CallEnd terminates a session from either side.
type CallEnd struct {
	Reason string `json:"reason"`
}

// Offer carries the caller's session description for one negotiation generation.
// Rebuild asks the callee to recreate its handle before applying it.
type Offer struct {
	SDP        string `json:"sdp"`
	Generation uint32 `json:"generation"`
	Rebuild    bool   `json:"rebuild,omitempty"`
}

// Answer carries the callee's session description for one negotiation generation.
type Answer struct {
	SDP        string `json:"sdp"`
	Generation uint32 `json:"generation"`
}

// ICECandidate is one trickled connectivity candidate.
type ICECandidate struct {
	Candidate        string `json:"candidate"`
	SDPMid           string `json:"sdp_mid,omitempty"`
	SDPMLineIndex    uint16 `json:"sdp_mline_index"`
	UsernameFragment string `json:"username_fragment,omitempty"`
	Generation       uint32 `json:"generation"`
}

func (CallRequest) Kind() Kind  { return KindCallRequest }
func (CallAccept) Kind() Kind   { return KindCallAccept }
func (CallReject) Kind() Kind   { return KindCallReject }
func (CallEnd) Kind() Kind      { return KindCallEnd }
func (Offer) Kind() Kind        { return KindOffer }
func (Answer) Kind() Kind       { return KindAnswer }
func (ICECandidate) Kind() Kind { return KindICECandidate }

func (p CallRequest) validate() error {
	if p.Caller == "" {
		return fmt.Errorf("%w: call-request without caller", ErrMalformedEnvelope)
	}
	return nil
}

func (p CallAccept) validate() error {
	if p.Callee == "" {
		return fmt.Errorf("%w: call-accept without callee", ErrMalformedEnvelope)
	}
	return nil
}

func (CallReject) validate() error { return nil }
func (CallEnd) validate() error    { return nil }

func (p Offer) validate() error {
	if p.SDP == "" {
		return fmt.Errorf("%w: offer without sdp", ErrMalformedEnvelope)
	}
	if p.Generation == 0 {
		return fmt.Errorf("%w: offer without generation", ErrMalformedEnvelope)
	}
	return nil
}

func (p Answer) validate() error {
	if p.SDP == "" {
		return fmt.Errorf("%w: answer without sdp", ErrMalformedEnvelope)
	}
	if p.Generation == 0 {
		return fmt.Errorf("%w: answer without generation", ErrMalformedEnvelope)
	}
	return nil
}

func (p ICECandidate) validate() error {
	if p.Candidate == "" {
		return fmt.Errorf("%w: ice-candidate without candidate", ErrMalformedEnvelope)
	}
	if p.Generation == 0 {
		return fmt.Errorf("%w: ice-candidate without generation", ErrMalformedEnvelope)
	}
	return nil
}

// Envelope is the immutable wire unit exchanged over the signaling channel.
type Envelope struct {
	SessionID SessionID
	From      Identity
	To        Identity
	Payload   Payload
}

// NewEnvelope builds an envelope addressed to `to`.
func NewEnvelope(session SessionID, from, to Identity, p Payload) Envelope {
	return Envelope{SessionID: session, From: from, To: to, Payload: p}
}

// Kind returns the payload tag.
func (e Envelope) Kind() Kind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

type wireEnvelope struct {
	Kind      Kind            `json:"kind"`
	SessionID SessionID       `json:"session_id"`
	From      Identity        `json:"from,omitempty"`
	To        Identity        `json:"to"`
	Payload   json.RawMessage `json:"payload"`
}

// EncodeEnvelope serializes e for the transport.
func EncodeEnvelope(e Envelope) ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("%w: envelope without payload", ErrMalformedEnvelope)
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Kind(), err)
	}
	return json.Marshal(wireEnvelope{
		Kind:      e.Kind(),
		SessionID: e.SessionID,
		From:      e.From,
		To:        e.To,
		Payload:   payload,
	})
}

// DecodeEnvelope parses and validates a wire envelope. Anything that would be
// unusable by the negotiation logic fails here with ErrMalformedEnvelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if w.SessionID == "" {
		return Envelope{}, fmt.Errorf("%w: missing session_id", ErrMalformedEnvelope)
	}
	if w.To == "" {
		return Envelope{}, fmt.Errorf("%w: missing target", ErrMalformedEnvelope)
	}

	var p Payload
	var err error
	switch w.Kind {
	case KindCallRequest:
		p, err = decodePayload[CallRequest](w.Payload)
	case KindCallAccept:
		p, err = decodePayload[CallAccept](w.Payload)
	case KindCallReject:
		p, err = decodePayload[CallReject](w.Payload)
	case KindCallEnd:
		p, err = decodePayload[CallEnd](w.Payload)
	case KindOffer:
		p, err = decodePayload[Offer](w.Payload)
	case KindAnswer:
		p, err = decodePayload[Answer](w.Payload)
	case KindICECandidate:
		p, err = decodePayload[ICECandidate](w.Payload)
	default:
		return Envelope{}, fmt.Errorf("%w: unknown kind %q", ErrMalformedEnvelope, w.Kind)
	}
	if err != nil {
		return Envelope{}, err
	}

	return Envelope{SessionID: w.SessionID, From: w.From, To: w.To, Payload: p}, nil
}

func decodePayload[T Payload](raw json.RawMessage) (Payload, error) {
	var p T
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("%w: %s without payload", ErrMalformedEnvelope, p.Kind())
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedEnvelope, p.Kind(), err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}
