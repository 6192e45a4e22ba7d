package ksession

import (
	"context"
	"sync"
)

// Reserved payload types for the authentication handshake. AppAuth's
// literal values match spec.md's S1 walkthrough; the rest are assigned
// in the same numbering family observed across the pack's broker
// protocols (a compact request/response pair per concern).
const (
	PayloadAppAuthRequest      uint32 = 2100
	PayloadAppAuthResponse     uint32 = 2101
	PayloadAccountAuthRequest  uint32 = 2102
	PayloadAccountAuthResponse uint32 = 2103
	PayloadGenericError        uint32 = 50
	PayloadKeepaliveRequest    uint32 = 51
	PayloadKeepaliveResponse   uint32 = 52
	PayloadExecutionEvent      uint32 = 2126
)

// AuthState is one node of the state machine in spec.md §4.9.
type AuthState int

const (
	StateDisconnected AuthState = iota
	StateConnecting
	StateAppAuthenticating
	StateAccountAuthenticating
	StateReady
	StateReconnecting
	StateFatal
)

func (s AuthState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAppAuthenticating:
		return "app_authenticating"
	case StateAccountAuthenticating:
		return "account_authenticating"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// AppCredentials carries the application-level identity sent in the
// AppAuth request.
type AppCredentials struct {
	ClientID     string
	ClientSecret string
}

// AccountCredentials carries the per-account token sent in the
// AccountAuth request, normally sourced from a tokenauth.Refresher.
type AccountCredentials struct {
	AccountID   string
	AccessToken string
}

// AuthTransport is the subset of session behavior the AuthFSM needs:
// sending a correlated request and awaiting its typed response. The
// concrete Session wires this to its Correlator + Sender pair.
type AuthTransport interface {
	SendRequest(ctx context.Context, payloadType uint32, payload []byte) ([]byte, error)
}

// AuthFSM drives spec.md §4.9's state machine. It is deliberately
// transport-agnostic: Connect/the reconnect supervisor call Run with the
// credentials for this cycle, and AuthFSM issues the two handshake
// requests in order, advancing state as each resolves. Grounded on the
// teacher's SASL authenticate() flow in broker.go, which drives a
// similar two-phase (mechanism negotiation, then challenge/response)
// state progression before a connection is usable.
type AuthFSM struct {
	mu    sync.Mutex
	state AuthState
	log   Logger
	hooks *HookBus
}

// NewAuthFSM constructs an AuthFSM starting in StateDisconnected.
func NewAuthFSM(logger Logger, hooks *HookBus) *AuthFSM {
	return &AuthFSM{state: StateDisconnected, log: logger, hooks: hooks}
}

// State returns the current state.
func (a *AuthFSM) State() AuthState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *AuthFSM) setState(s AuthState) {
	a.mu.Lock()
	prev := a.state
	a.state = s
	a.mu.Unlock()
	if a.log.Level() >= LogLevelInfo && prev != s {
		a.log.Log(LogLevelInfo, "auth state transition", "from", prev.String(), "to", s.String())
	}
}

// encodeAppAuth and encodeAccountAuth are overridable so tests and the
// concrete Session can plug in the payload.Codec without this package
// importing it (auth.go only needs to produce bytes, not know the wire
// schema).
type authEncoder struct {
	EncodeAppAuth     func(AppCredentials) ([]byte, error)
	EncodeAccountAuth func(AccountCredentials) ([]byte, error)
}

// Authenticate runs the two-phase handshake from spec.md §4.9: Connecting
// -> AppAuthenticating -> AccountAuthenticating -> Ready. A non-retriable
// failure (per isRetriableAuthError) moves the FSM to Fatal and returns
// the error; a retriable failure leaves the FSM in its current
// authenticating state and returns the error for the caller (normally the
// Reconnect Supervisor) to retry.
func (a *AuthFSM) Authenticate(ctx context.Context, transport AuthTransport, enc authEncoder, app AppCredentials, acct AccountCredentials) error {
	a.setState(StateConnecting)

	a.setState(StateAppAuthenticating)
	appReq, err := enc.EncodeAppAuth(app)
	if err != nil {
		a.setState(StateFatal)
		return &ProtocolError{Reason: "encode app auth request", Cause: err}
	}
	if _, err := transport.SendRequest(ctx, PayloadAppAuthRequest, appReq); err != nil {
		if !isRetriableAuthError(err) {
			a.setState(StateFatal)
		}
		return err
	}

	a.setState(StateAccountAuthenticating)
	acctReq, err := enc.EncodeAccountAuth(acct)
	if err != nil {
		a.setState(StateFatal)
		return &ProtocolError{Reason: "encode account auth request", Cause: err}
	}
	if _, err := transport.SendRequest(ctx, PayloadAccountAuthRequest, acctReq); err != nil {
		if !isRetriableAuthError(err) {
			a.setState(StateFatal)
		}
		return err
	}

	a.setState(StateReady)
	return nil
}

// BeginReconnecting transitions Ready -> Reconnecting, per spec.md
// §4.10 step 1. It is a no-op (besides logging) if already
// Reconnecting or Fatal.
func (a *AuthFSM) BeginReconnecting() {
	a.mu.Lock()
	cur := a.state
	a.mu.Unlock()
	if cur == StateFatal {
		return
	}
	a.setState(StateReconnecting)
}

// RequestsAllowed reports whether user requests may be sent right now.
// Only Ready allows sends; other states either mean the caller should
// wait (a transient precursor to Ready) or fail fast (Fatal).
func (a *AuthFSM) RequestsAllowed() bool {
	return a.State() == StateReady
}

// MarkFatal forces the FSM into Fatal, e.g. when the Reconnect Supervisor
// exhausts its configured attempt budget.
func (a *AuthFSM) MarkFatal() {
	a.setState(StateFatal)
}
