package ksession

import (
	"sync"
)

// EventKind identifies the broad category an inbound envelope belongs to
// once it has been triaged, per spec.md §4.6's dispatch table.
type EventKind int

const (
	EventKindResponse EventKind = iota
	EventKindPush
	EventKindUnroutable
	EventKindOrphan
)

// InboundEnvelope is the decoded, not-yet-routed unit the Dispatcher
// consumes. It is intentionally a plain struct rather than kbin.Envelope
// so the dispatcher never needs to import the wire package.
type InboundEnvelope struct {
	PayloadType   uint32
	CorrelationID string
	Payload       []byte
}

// PushRoute receives push-style (uncorrelated) envelopes for a given
// payload type, e.g. a stream's ingest method.
type PushRoute interface {
	Push(env InboundEnvelope) (dropped bool)
}

// Dispatcher implements spec.md §4.6: every inbound envelope is
// classified as either a correlated response (has a non-empty
// correlation id known to the Correlator) or a push event (routed by
// payload type to a registered PushRoute), or unroutable (counted and
// dropped). This generalizes the teacher's single readConn loop, which
// only ever expected promisedResp replies, to also carry unsolicited
// broker-initiated frames (ticks, depth, candles, executions, auth
// prompts).
type Dispatcher struct {
	correlator         *Correlator
	logger             Logger
	metrics            *Metrics
	decodeGenericError func(raw []byte) (RemoteError, error)

	mu     sync.RWMutex
	routes map[uint32]PushRoute
}

// NewDispatcher builds a Dispatcher bound to correlator for correlated
// responses. decodeGenericError decodes a PayloadGenericError body into a
// RemoteError using the embedder's payload.Codec; it may be nil, in which
// case a generic-error envelope is still resolved but with a bare
// ProtocolError instead of a typed RemoteError.
func NewDispatcher(correlator *Correlator, logger Logger, metrics *Metrics, decodeGenericError func(raw []byte) (RemoteError, error)) *Dispatcher {
	return &Dispatcher{
		correlator:         correlator,
		logger:             logger,
		metrics:            metrics,
		decodeGenericError: decodeGenericError,
		routes:             make(map[uint32]PushRoute),
	}
}

// RegisterRoute binds payloadType to route. Re-registering the same
// payload type replaces the previous route (used when a stream is torn
// down and a new one of the same kind is opened).
func (d *Dispatcher) RegisterRoute(payloadType uint32, route PushRoute) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routes[payloadType] = route
}

// UnregisterRoute removes payloadType's route, if r is still the
// currently-registered one (prevents a stale unregister racing a newer
// registration for the same payload type).
func (d *Dispatcher) UnregisterRoute(payloadType uint32, r PushRoute) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.routes[payloadType]; ok && cur == r {
		delete(d.routes, payloadType)
	}
}

// Dispatch classifies and routes one inbound envelope. PushRoute.Push
// enqueues into the route's bounded queue and reports back whether it had
// to drop the item under backpressure. Drop-oldest and coalescing queues
// return immediately; a PolicyBlock queue (the execution stream's) waits
// for room, so Dispatch, and with it the read loop, stalls while that
// queue is full.
func (d *Dispatcher) Dispatch(env InboundEnvelope) EventKind {
	if env.CorrelationID != "" && d.correlator.Pending(env.CorrelationID) {
		result := CorrelatorResult{Payload: env.Payload}
		if env.PayloadType == PayloadGenericError {
			result = CorrelatorResult{Err: d.decodeError(env.Payload)}
		}
		resolved := d.correlator.Resolve(env.CorrelationID, result)
		if resolved {
			if d.metrics != nil {
				d.metrics.ResponsesTotal.Inc()
			}
			return EventKindResponse
		}
	}

	d.mu.RLock()
	route, ok := d.routes[env.PayloadType]
	d.mu.RUnlock()
	if ok {
		dropped := route.Push(env)
		if dropped && d.metrics != nil {
			d.metrics.TickDrops.Inc()
		}
		return EventKindPush
	}

	if env.CorrelationID != "" && d.correlator.WasRecentlyCancelled(env.CorrelationID) {
		if d.logger.Level() >= LogLevelInfo {
			d.logger.Log(LogLevelInfo, "dropping orphaned response for cancelled request", "payload_type", env.PayloadType, "correlation_id", env.CorrelationID)
		}
		if d.metrics != nil {
			d.metrics.OrphanedResponses.Inc()
		}
		return EventKindOrphan
	}

	if d.logger.Level() >= LogLevelWarn {
		d.logger.Log(LogLevelWarn, "unroutable envelope", "payload_type", env.PayloadType, "correlation_id", env.CorrelationID)
	}
	if d.metrics != nil {
		d.metrics.InboundDrops.Inc()
	}
	return EventKindUnroutable
}

// decodeError turns a PayloadGenericError body into the error a pending
// request's sink should see, per spec.md §4.5 step 4 and §7.
func (d *Dispatcher) decodeError(raw []byte) error {
	if d.decodeGenericError == nil {
		return &ProtocolError{Reason: "received generic error envelope with no decoder configured"}
	}
	remoteErr, err := d.decodeGenericError(raw)
	if err != nil {
		return &ProtocolError{Reason: "decode generic error payload", Cause: err}
	}
	return &remoteErr
}
