package relay

import (
	"errors"
	"fmt"
)

// Error kinds, for classifying failures with errors.Is. Failures raised by the
// relay itself wrap one of these; a Session ended by a peer's close frame or a
// dropped socket carries a *websocket.CloseError instead.
var (
	// ErrDialFailure means the upstream could not be reached, refused the
	// connection, failed the handshake, or did not answer within the connect timeout.
	ErrDialFailure = errors.New("upstream dial failed")

	// ErrSendFailure means a write to an established connection failed or timed out.
	ErrSendFailure = errors.New("send failed")

	// ErrUnknownCorrelation means a message or close event arrived for a connection
	// that no Session claims.
	ErrUnknownCorrelation = errors.New("no session for connection")

	// ErrProtocol means the transport rejected a frame (malformed, oversized, bad
	// close payload, ...).
	ErrProtocol = errors.New("websocket protocol error")

	// ErrServerClosing means the relay is draining and no longer accepts Sessions.
	ErrServerClosing = errors.New("relay is shutting down")

	// ErrPendingQueueFull means a pre-connect message was dropped because the
	// Session's queue was at capacity.
	ErrPendingQueueFull = errors.New("pre-connect queue full")
)

// SessionError is a failure local to one Session.
type SessionError struct {
	Kind      error
	SessionID SessionID
	Err       error
}

func (e *SessionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("session#%d: %s", e.SessionID, e.Kind)
	}
	if errors.Is(e.Err, e.Kind) {
		return fmt.Sprintf("session#%d: %s", e.SessionID, e.Err)
	}
	return fmt.Sprintf("session#%d: %s: %s", e.SessionID, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the underlying cause to errors.Is / errors.As
func (e *SessionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newSessionError(kind error, id SessionID, err error) *SessionError {
	return &SessionError{Kind: kind, SessionID: id, Err: err}
}
