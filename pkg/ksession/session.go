package ksession

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/mrme000m/ctrader-go/pkg/kbin"
	"github.com/mrme000m/ctrader-go/pkg/payload"
	"github.com/mrme000m/ctrader-go/pkg/tokenauth"
)

// SessionRefreshedKind identifies which snapshot a SessionRefreshed event
// carries, resolving spec.md §9's Open Question of whether reconnect
// recovery should surface an explicit event boundary: it does, one event
// per refreshed snapshot kind, so subscribers can tell a post-reconnect
// resync from ordinary inbound data.
type SessionRefreshedKind int

const (
	RefreshedSymbolsCatalog SessionRefreshedKind = iota
	RefreshedAccountInfo
	RefreshedOpenPositions
	RefreshedWorkingOrders
)

// SessionRefreshed is emitted on the session's event channel after a
// successful reconnect, once per snapshot kind the caller's
// RefreshSnapshots callback chooses to report.
type SessionRefreshed struct {
	Kind SessionRefreshedKind
	Data []byte
}

// Session is spec.md's C12, the Public Session Handle: it composes one
// Transport, one Sender, one Correlator, one Dispatcher, one Registry,
// one AuthFSM, and one Supervisor, and exposes send_request plus the
// subscribe_* surface. Grounded on the teacher's top-level Client in
// kgo (broker.go's surrounding package), which performs the identical
// composition role over *its* broker/consumer/producer internals.
type Session struct {
	cfg       Config
	codec     payload.Codec
	refresher tokenauth.Refresher
	appCreds  AppCredentials
	accountID string

	transport  *Transport
	sender     *Sender
	correlator *Correlator
	dispatcher *Dispatcher
	registry   *Registry
	authFSM    *AuthFSM
	heartbeat  *Heartbeater
	supervisor *Supervisor
	hooks      *HookBus
	metrics    *Metrics
	logger     Logger

	events chan SessionRefreshed

	mu           sync.Mutex
	reconnecting bool
	closed       chan struct{}
	closeOnce    sync.Once

	connectOnce sync.Once
	connectErr  error
}

// NewSession constructs a disconnected Session. codec handles payload
// marshalling and refresher supplies per-account access tokens; both are
// external collaborators per spec.md §6 and are never implemented by
// this package.
func NewSession(cfg Config, codec payload.Codec, refresher tokenauth.Refresher, appCreds AppCredentials) *Session {
	cfg = cfg.withDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = NopLogger
	}
	metrics := cfg.Metrics

	hooks := NewHookBus(2)
	correlator := NewCorrelator(logger, metrics, 50*time.Millisecond)
	registry := NewRegistry(logger)
	authFSM := NewAuthFSM(logger, hooks)

	s := &Session{
		cfg:        cfg,
		codec:      codec,
		refresher:  refresher,
		appCreds:   appCreds,
		correlator: correlator,
		registry:   registry,
		authFSM:    authFSM,
		hooks:      hooks,
		metrics:    metrics,
		logger:     logger,
		events:     make(chan SessionRefreshed, 16),
		closed:     make(chan struct{}),
	}
	s.dispatcher = NewDispatcher(correlator, logger, metrics, s.decodeGenericError)
	s.supervisor = NewSupervisor(ReconnectCallbacks{
		FailPending:        func() { correlator.FailAll(ErrTransportLost) },
		Reopen:             s.reopen,
		RefreshSnapshots:   s.refreshSnapshots,
		RearmSubscriptions: func() { registry.RearmAll() },
	}, hooks, logger, metrics, time.Duration(cfg.ReconnectBackoffBaseMs)*time.Millisecond, time.Duration(cfg.ReconnectBackoffCapMs)*time.Millisecond, cfg.ReconnectMaxAttempts)
	return s
}

// Events returns the channel SessionRefreshed events are delivered on.
// Callers that don't care about reconnect-recovery snapshots may ignore
// it; the channel is bounded (16 events), and once it is full a new event
// is dropped rather than queued, so a slow consumer never blocks the
// Supervisor.
func (s *Session) Events() <-chan SessionRefreshed {
	return s.events
}

func (s *Session) emitRefreshed(kind SessionRefreshedKind, data []byte) {
	select {
	case s.events <- SessionRefreshed{Kind: kind, Data: data}:
	default:
		if s.logger.Level() >= LogLevelWarn {
			s.logger.Log(LogLevelWarn, "dropped SessionRefreshed event, consumer too slow", "kind", kind)
		}
	}
}

// SetAccount sets the account id used for the account-auth phase and
// token refresh. Must be called before Connect.
func (s *Session) SetAccount(accountID string) {
	s.accountID = accountID
}

// Connect dials the transport, runs the two-phase auth handshake, and
// starts the read loop, heartbeat, and sender. It is idempotent and
// concurrent-safe: only the first call actually dials; every call
// (concurrent or subsequent) observes that call's result, grounded on the
// `connectOnce sync.Once` pattern used by the pack's streaming clients
// (e.g. the alpaca marketdata client's connectOnce) for the same "connect
// is a one-shot transition" guarantee.
func (s *Session) Connect(ctx context.Context) error {
	s.connectOnce.Do(func() {
		s.connectErr = s.doConnect(ctx)
	})
	return s.connectErr
}

func (s *Session) doConnect(ctx context.Context) error {
	var tlsConf *tls.Config
	if s.cfg.TLSConfig != nil {
		tlsConf = s.cfg.TLSConfig
	}
	s.transport = NewTransport(s.cfg.Host, s.cfg.Port, tlsConf)
	if err := s.transport.Dial(int32(s.cfg.MaxFrameBytes), s.cfg.requestTimeout()); err != nil {
		return err
	}

	s.sender = NewSender(s.cfg.RateLimitPerSecond, s.transport.Write, s.logger, s.metrics)
	s.heartbeat = NewHeartbeater(s.cfg.heartbeatIdle(), s.sendKeepalive, s.onTransportLost, s.logger)
	s.sender.SetOnActivity(s.heartbeat.NoteActivity)

	go s.transport.ReadLoop(s.handleInbound, s.onTransportLost)
	go s.heartbeat.Run(ctx)

	return s.authenticate(ctx)
}

// Run is the scoped-acquisition helper from spec.md §4.12: it connects,
// invokes fn, and guarantees Disconnect runs on every return path —
// Connect's error (fn is then not called), normal return, fn's error, or
// a panic unwinding through fn — the idiomatic-Go stand-in for a
// context-manager-scoped connection.
func (s *Session) Run(ctx context.Context, fn func(*Session) error) error {
	if err := s.Connect(ctx); err != nil {
		s.Disconnect()
		return err
	}
	defer s.Disconnect()
	return fn(s)
}

// decodeGenericError decodes a PayloadGenericError body via the
// embedder's payload.Codec into a typed RemoteError, per spec.md §7.
func (s *Session) decodeGenericError(raw []byte) (RemoteError, error) {
	var wire genericErrorWire
	if err := s.codec.Decode(PayloadGenericError, raw, &wire); err != nil {
		return RemoteError{}, err
	}
	return RemoteError{Code: wire.Code, Description: wire.Description, MaintenanceEnd: wire.MaintenanceEnd}, nil
}

func (s *Session) authenticate(ctx context.Context) error {
	token, err := s.refresher.Refresh(ctx, s.accountID)
	if err != nil {
		return fmt.Errorf("ksession: refresh account token: %w", err)
	}
	enc := authEncoder{
		EncodeAppAuth: func(c AppCredentials) ([]byte, error) {
			return s.codec.Encode(PayloadAppAuthRequest, c)
		},
		EncodeAccountAuth: func(c AccountCredentials) ([]byte, error) {
			return s.codec.Encode(PayloadAccountAuthRequest, c)
		},
	}
	return s.authFSM.Authenticate(ctx, s, enc, s.appCreds, AccountCredentials{AccountID: s.accountID, AccessToken: token})
}

// SendRequest implements AuthTransport and is also the public
// send_request operation: it gates on the auth state, then schedules the
// frame through the rate limiter and correlator.
func (s *Session) SendRequest(ctx context.Context, payloadType uint32, payload []byte) ([]byte, error) {
	if !s.authFSM.RequestsAllowed() && !isHandshakePayload(payloadType) {
		if s.authFSM.State() == StateFatal {
			return nil, ErrAuthFailed
		}
		return nil, ErrNotReady
	}

	correlationID := newCorrelationID()
	frame, err := kbin.EncodeEnvelope(kbin.Envelope{PayloadType: payloadType, CorrelationID: correlationID, Payload: payload})
	if err != nil {
		return nil, &ProtocolError{Reason: "encode request frame", Cause: err}
	}

	timeout := s.cfg.requestTimeout()
	deadline, hasDeadline := ctx.Deadline()
	if hasDeadline {
		if d := time.Until(deadline); d > 0 && d < timeout {
			timeout = d
		}
	}

	resultCh := make(chan CorrelatorResult, 1)
	pr := s.correlator.Register(correlationID, payloadType, timeout, func(r CorrelatorResult) { resultCh <- r })

	s.hooks.FirePreSend(ctx, payloadType, correlationID)
	start := time.Now()

	cancelFrame := s.sender.Enqueue(payloadType, correlationID, frame, func(n int, err error) {
		s.hooks.FirePostSend(payloadType, correlationID, n, err)
		if err != nil {
			s.correlator.Resolve(correlationID, CorrelatorResult{Err: err})
			return
		}
		if s.metrics != nil {
			s.metrics.RequestsSent.Inc()
		}
	})
	pr.frameCancel = cancelFrame

	select {
	case r := <-resultCh:
		s.hooks.FirePostResponse(payloadType, correlationID, time.Since(start).Seconds(), r.Err)
		if s.metrics != nil {
			s.metrics.RequestLatency.Observe(time.Since(start).Seconds())
		}
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Payload, nil
	case <-ctx.Done():
		s.correlator.Cancel(correlationID)
		return nil, ErrCancelled
	}
}

func isHandshakePayload(t uint32) bool {
	switch t {
	case PayloadAppAuthRequest, PayloadAccountAuthRequest, PayloadKeepaliveRequest:
		return true
	default:
		return false
	}
}

func (s *Session) sendKeepalive(ctx context.Context) error {
	_, err := s.SendRequest(ctx, PayloadKeepaliveRequest, nil)
	return err
}

// handleInbound routes one decoded frame. It deliberately does not touch
// the heartbeat's idle clock: spec.md §4.3 measures idleness from the last
// successfully *written* frame, not the last read, so activity is noted in
// the Sender's write path (see Sender.SetOnActivity) instead. An inbound
// keepalive request is answered at once with a keepalive response carrying
// the same correlation id, and is not dispatched further.
func (s *Session) handleInbound(env InboundEnvelope) {
	s.hooks.FireRawEnvelope(env.PayloadType, env.CorrelationID, len(env.Payload))
	if env.PayloadType == PayloadKeepaliveRequest {
		frame, err := kbin.EncodeEnvelope(kbin.Envelope{PayloadType: PayloadKeepaliveResponse, CorrelationID: env.CorrelationID})
		if err == nil {
			s.sender.Enqueue(PayloadKeepaliveResponse, env.CorrelationID, frame, nil)
		}
		return
	}
	s.dispatcher.Dispatch(env)
}

func (s *Session) onTransportLost(err error) {
	s.mu.Lock()
	if s.reconnecting {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.mu.Unlock()

	s.authFSM.BeginReconnecting()

	if !s.cfg.ReconnectEnabled {
		s.correlator.FailAll(ErrTransportLost)
		s.authFSM.MarkFatal()
		return
	}

	go func() {
		defer func() {
			s.mu.Lock()
			s.reconnecting = false
			s.mu.Unlock()
		}()
		if err := s.supervisor.Run(context.Background()); err != nil {
			s.authFSM.MarkFatal()
		}
	}()
}

func (s *Session) reopen(ctx context.Context) error {
	if s.transport != nil {
		_ = s.transport.Close()
	}
	s.transport = NewTransport(s.cfg.Host, s.cfg.Port, s.cfg.TLSConfig)
	if err := s.transport.Dial(int32(s.cfg.MaxFrameBytes), s.cfg.requestTimeout()); err != nil {
		return err
	}
	if s.sender != nil {
		s.sender.Close()
	}
	s.sender = NewSender(s.cfg.RateLimitPerSecond, s.transport.Write, s.logger, s.metrics)
	s.sender.SetOnActivity(s.heartbeat.NoteActivity)
	go s.transport.ReadLoop(s.handleInbound, s.onTransportLost)

	if err := s.authenticate(ctx); err != nil {
		return err
	}
	return nil
}

// refreshSnapshots is a thin default that emits nothing: concrete
// snapshot fetching requires the trading-convenience API spec.md §1
// places out of scope. Callers that need the real behavior should
// replace Session.supervisor's callback via WithSnapshotRefresher.
func (s *Session) refreshSnapshots(ctx context.Context) error {
	return nil
}

// WithSnapshotRefresher overrides the reconnect-recovery snapshot
// refresh step (spec.md §4.10 step 5). fn should re-fetch the symbols
// catalog, account info, open positions, and working orders and call
// Session.emitRefreshed for each, then return.
func (s *Session) WithSnapshotRefresher(fn func(ctx context.Context, emit func(SessionRefreshedKind, []byte)) error) {
	s.supervisor.callbacks.RefreshSnapshots = func(ctx context.Context) error {
		return fn(ctx, s.emitRefreshed)
	}
}

// SubscribeTicks opens a single-symbol tick stream, registering its
// subscription so it survives reconnects.
func (s *Session) SubscribeTicks(ctx context.Context, symbolID int64, decode TickDecoder, subscribeRequestPayloadType uint32, subscribeRequest []byte) (*TickStream, error) {
	topicKey := fmt.Sprintf("ticks:%d", symbolID)
	sub, err := s.registry.Add(topicKey, PolicyDropOldest, func() error {
		_, err := s.SendRequest(context.Background(), subscribeRequestPayloadType, subscribeRequest)
		return err
	})
	if err != nil {
		return nil, err
	}
	stream := newTickStream(sub, subscribeRequestPayloadType, s.cfg.TickQueueSize, false, decode, s.logger, s.metrics)
	s.dispatcher.RegisterRoute(subscribeRequestPayloadType, stream)

	if _, err := s.SendRequest(ctx, subscribeRequestPayloadType, subscribeRequest); err != nil {
		s.registry.Remove(topicKey)
		s.dispatcher.UnregisterRoute(subscribeRequestPayloadType, stream)
		return nil, err
	}
	return stream, nil
}

// SubscribeMultiTick opens a multi-symbol tick stream, per spec.md §4.8's
// "optional coalesce_latest flag": with coalesceLatest set, a burst of
// updates for the same symbol collapses to the newest one instead of
// queuing every intermediate tick, keyed by TickDecoder's returned key
// (the symbol id). subscribeRequest is expected to already encode every
// symbolID the caller wants streamed.
func (s *Session) SubscribeMultiTick(ctx context.Context, symbolIDs []int64, coalesceLatest bool, decode TickDecoder, subscribeRequestPayloadType uint32, subscribeRequest []byte) (*TickStream, error) {
	topicKey := fmt.Sprintf("ticks:multi:%v", symbolIDs)
	policy := PolicyDropOldest
	if coalesceLatest {
		policy = PolicyCoalesceLatestByKey
	}
	sub, err := s.registry.Add(topicKey, policy, func() error {
		_, err := s.SendRequest(context.Background(), subscribeRequestPayloadType, subscribeRequest)
		return err
	})
	if err != nil {
		return nil, err
	}
	stream := newTickStream(sub, subscribeRequestPayloadType, s.cfg.TickQueueSize, coalesceLatest, decode, s.logger, s.metrics)
	s.dispatcher.RegisterRoute(subscribeRequestPayloadType, stream)

	if _, err := s.SendRequest(ctx, subscribeRequestPayloadType, subscribeRequest); err != nil {
		s.registry.Remove(topicKey)
		s.dispatcher.UnregisterRoute(subscribeRequestPayloadType, stream)
		return nil, err
	}
	return stream, nil
}

// SubscribeDepth opens a depth-of-book stream for symbolID.
func (s *Session) SubscribeDepth(ctx context.Context, symbolID int64, maxDepth int, decode DepthDecoder, subscribeRequestPayloadType uint32, subscribeRequest []byte) (*DepthStream, error) {
	topicKey := fmt.Sprintf("depth:%d", symbolID)
	sub, err := s.registry.Add(topicKey, PolicyDropOldest, func() error {
		_, err := s.SendRequest(context.Background(), subscribeRequestPayloadType, subscribeRequest)
		return err
	})
	if err != nil {
		return nil, err
	}
	stream := newDepthStream(sub, subscribeRequestPayloadType, maxDepth, s.cfg.DepthQueueSize, decode, s.logger, s.metrics)
	sub.Reset = stream.ResetOnReconnect
	s.dispatcher.RegisterRoute(subscribeRequestPayloadType, stream)

	if _, err := s.SendRequest(ctx, subscribeRequestPayloadType, subscribeRequest); err != nil {
		s.registry.Remove(topicKey)
		s.dispatcher.UnregisterRoute(subscribeRequestPayloadType, stream)
		return nil, err
	}
	return stream, nil
}

// SubscribeCandles opens a candle stream for symbolID/timeframe.
func (s *Session) SubscribeCandles(ctx context.Context, symbolID int64, timeframe Timeframe, decode CandleDecoder, subscribeRequestPayloadType uint32, subscribeRequest []byte) (*CandleStream, error) {
	topicKey := fmt.Sprintf("candles:%d:%s", symbolID, timeframe)
	sub, err := s.registry.Add(topicKey, PolicyCoalesceLatestByKey, func() error {
		_, err := s.SendRequest(context.Background(), subscribeRequestPayloadType, subscribeRequest)
		return err
	})
	if err != nil {
		return nil, err
	}
	stream := newCandleStream(sub, subscribeRequestPayloadType, s.cfg.CandleQueueSize, decode, s.logger, s.metrics)
	s.dispatcher.RegisterRoute(subscribeRequestPayloadType, stream)

	if _, err := s.SendRequest(ctx, subscribeRequestPayloadType, subscribeRequest); err != nil {
		s.registry.Remove(topicKey)
		s.dispatcher.UnregisterRoute(subscribeRequestPayloadType, stream)
		return nil, err
	}
	return stream, nil
}

// SubscribeExecutions opens the account's execution-event stream. It is
// never rearmed on reconnect and holds no Registry entry, per spec.md
// §4.8.
func (s *Session) SubscribeExecutions(decode ExecutionDecoder) *ExecutionStream {
	stream := newExecutionStream(PayloadExecutionEvent, s.cfg.InboundQueueSize, decode, s.logger, s.metrics)
	s.dispatcher.RegisterRoute(PayloadExecutionEvent, stream)
	return stream
}

// Disconnect closes the transport, sender, heartbeat, hooks, and
// correlator housekeeping. Pending requests fail with ErrSessionClosed.
func (s *Session) Disconnect() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.heartbeat != nil {
			s.heartbeat.Stop()
		}
		if s.sender != nil {
			s.sender.Close()
		}
		if s.transport != nil {
			_ = s.transport.Close()
		}
		s.correlator.FailAll(ErrSessionClosed)
		s.correlator.Close()
		s.hooks.Close()
	})
}
