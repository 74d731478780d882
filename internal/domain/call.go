package domain

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Identity names a signaling endpoint (one user of the club app).
type Identity string

// SessionID identifies one call attempt between two endpoints.
type SessionID string

// sessionNamespace scopes name-based session ids to this application.
var sessionNamespace = uuid.MustParse("6f1c2b9e-3d0a-4c6e-9a43-5b8e7f21c0d4")

// NewSessionID derives the session id from the two identities and the creation
// time. The same inputs always produce the same id; the timestamp keeps
// repeated calls between the same pair apart.
func NewSessionID(caller, callee Identity, created time.Time) SessionID {
	name := string(caller) + "\x00" + string(callee) + "\x00" + strconv.FormatInt(created.UnixNano(), 10)
	return SessionID(uuid.NewSHA1(sessionNamespace, []byte(name)).String())
}

// Role is the local party's side of a call.
type Role int

const (
	RoleCaller Role = iota
	RoleCallee
)

func (r Role) String() string {
	switch r {
	case RoleCaller:
		return "caller"
	case RoleCallee:
		return "callee"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// Phase is the externally visible state of a call session.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRingingOut
	PhaseRingingIn
	PhaseNegotiating
	PhaseConnected
	PhaseReconnecting
	PhaseEnded
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRingingOut:
		return "ringing-out"
	case PhaseRingingIn:
		return "ringing-in"
	case PhaseNegotiating:
		return "negotiating"
	case PhaseConnected:
		return "connected"
	case PhaseReconnecting:
		return "reconnecting"
	case PhaseEnded:
		return "ended"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Terminal reports whether no further transition may leave p.
func (p Phase) Terminal() bool {
	return p == PhaseEnded || p == PhaseFailed
}

// ConnectionState mirrors the peer connection state of the active handle.
type ConnectionState int

const (
	ConnectionNew ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionDisconnected
	ConnectionFailed
	ConnectionClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionNew:
		return "new"
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionFailed:
		return "failed"
	case ConnectionClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// SessionInfo is a read-only snapshot of a call session handed to the UI layer.
type SessionInfo struct {
	ID          SessionID
	Local       Identity
	Remote      Identity
	DisplayName string
	Role        Role
	Phase       Phase
	Video       bool
	CreatedAt   time.Time
	ConnectedAt time.Time
	// Duration is the time spent since the first connected transition.
	Duration time.Duration
}
