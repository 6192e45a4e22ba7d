package ksession

import (
	"errors"
	"fmt"
	"net"
)

// Sentinel errors returned to callers of Session methods. These follow the
// teacher's style of package-level sentinel errors (errDeadConn,
// errChosenBrokerDead, errCorrelationIDMismatch in broker.go) rather than a
// third-party errors package — the teacher itself never imports one for
// this layer.
var (
	// ErrNotReady is returned by SendRequest when called before the
	// session has reached Ready.
	ErrNotReady = errors.New("ksession: session not ready")

	// ErrTimeout is returned when a request's deadline elapses with no
	// response.
	ErrTimeout = errors.New("ksession: request timed out")

	// ErrCancelled is returned when the caller cancels a pending request.
	ErrCancelled = errors.New("ksession: request cancelled")

	// ErrTransportLost is returned for every request in flight when the
	// underlying connection dies.
	ErrTransportLost = errors.New("ksession: transport lost")

	// ErrAuthFailed is returned once the session has moved to Fatal.
	ErrAuthFailed = errors.New("ksession: authentication failed")

	// ErrSessionClosed is returned by calls made after Disconnect.
	ErrSessionClosed = errors.New("ksession: session closed")

	// ErrAlreadyConnected reports a repeated connect attempt. Session.Connect
	// does not return it: repeated or concurrent calls share the first
	// call's result instead.
	ErrAlreadyConnected = errors.New("ksession: already connected")
)

// RemoteError is returned when the broker replies with its generic error
// payload instead of the expected response.
type RemoteError struct {
	Code           string
	Description    string
	MaintenanceEnd string // optional, empty when not provided
}

func (e *RemoteError) Error() string {
	if e.MaintenanceEnd != "" {
		return fmt.Sprintf("ksession: remote error %s: %s (maintenance until %s)", e.Code, e.Description, e.MaintenanceEnd)
	}
	return fmt.Sprintf("ksession: remote error %s: %s", e.Code, e.Description)
}

// ProtocolError marks a framing/decode violation. When the read loop
// cannot decode an inbound frame it reports a ProtocolError, which tears
// the connection down and triggers the reconnect supervisor. It is also
// the error a single request fails with when its own frame cannot be
// encoded or a generic-error reply cannot be decoded; those cases leave
// the connection up.
type ProtocolError struct {
	Reason string
	Cause  error
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("ksession: protocol error: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("ksession: protocol error: %s", e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

// genericErrorWire is the on-the-wire shape of a PayloadGenericError body,
// per spec.md §7. It is one of the small reserved set of payload types the
// core itself must decode (alongside app-auth/account-auth/keepalive), so
// unlike ordinary payload bodies this schema is not left entirely to the
// embedder's payload.Codec — only the encoding of these fields is.
type genericErrorWire struct {
	Code           string `json:"code"`
	Description    string `json:"description"`
	MaintenanceEnd string `json:"maintenance_end"`
}

// isRetriableAuthError reports whether an error encountered while driving
// AppAuth/AccountAuth should be absorbed by the Reconnect Supervisor
// (network blips, transport loss) versus escalated straight to Fatal
// (bad credentials, a permanently rejected token). This mirrors the
// teacher's SASL retry split in brokerCxn.sasl, which retries on
// UnsupportedSaslMechanism but treats every other SASL failure as fatal.
func isRetriableAuthError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, ErrTransportLost) || errors.Is(err, ErrTimeout) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return false
	}
	return false
}
