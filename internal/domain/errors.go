package domain

import "errors"

// Sentinel errors for call engine operations. Callers classify with errors.Is.
var (
	// ErrInvalidState indicates an operation requested from a phase that forbids it.
	ErrInvalidState = errors.New("invalid state")

	// ErrNegotiationTimeout indicates gathering or the remote answer did not complete in time.
	ErrNegotiationTimeout = errors.New("negotiation timeout")

	// ErrTransportUnavailable indicates the signaling channel or the remote endpoint cannot be reached.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrConnectivityFailed indicates the media path failed and recovery was exhausted.
	ErrConnectivityFailed = errors.New("connectivity failed")

	// ErrMalformedEnvelope indicates a signaling envelope rejected at decode time.
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrUnknownSession indicates an envelope or operation for a session that is not tracked.
	ErrUnknownSession = errors.New("unknown session")

	// ErrHandleClosed indicates an operation against a disposed peer connection handle.
	ErrHandleClosed = errors.New("handle closed")
)

// Local media errors returned by MediaCapture.
var (
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrDeviceBusy        = errors.New("device busy")
)

// IsMediaError reports whether err came from local media acquisition.
func IsMediaError(err error) bool {
	return errors.Is(err, ErrDeviceUnavailable) ||
		errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrDeviceBusy)
}
