package domain

import "encoding/json"

// FrameOp identifies a relay transport frame.
type FrameOp string

const (
	// OpEnvelope carries an opaque envelope to the identity in To.
	OpEnvelope FrameOp = "envelope"
	// OpPresence asks the relay whether Identity has a live connection.
	OpPresence FrameOp = "presence"
	// OpPresenceResult answers an OpPresence frame with the same ID.
	OpPresenceResult FrameOp = "presence_result"
	// OpError reports an undeliverable or rejected frame.
	OpError FrameOp = "error"
)

// Frame is the relay's transport framing. The relay reads only the framing
// fields; Data is forwarded byte for byte.
type Frame struct {
	Op       FrameOp         `json:"op"`
	ID       string          `json:"id,omitempty"`
	To       Identity        `json:"to,omitempty"`
	From     Identity        `json:"from,omitempty"`
	Identity Identity        `json:"identity,omitempty"`
	Online   bool            `json:"online,omitempty"`
	Message  string          `json:"message,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}
