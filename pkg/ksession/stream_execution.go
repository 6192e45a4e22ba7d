package ksession

import "context"

// ExecutionEventType enumerates the typed execution events spec.md §4.8
// names.
type ExecutionEventType int

const (
	ExecutionOrderAccepted ExecutionEventType = iota
	ExecutionOrderFilled
	ExecutionOrderPartiallyFilled
	ExecutionOrderReplaced
	ExecutionOrderCancelled
	ExecutionOrderRejected
	ExecutionOrderExpired
	ExecutionSwap
	ExecutionDeposit
	ExecutionWithdraw
	ExecutionBonus
)

func (t ExecutionEventType) String() string {
	switch t {
	case ExecutionOrderAccepted:
		return "order_accepted"
	case ExecutionOrderFilled:
		return "order_filled"
	case ExecutionOrderPartiallyFilled:
		return "order_partially_filled"
	case ExecutionOrderReplaced:
		return "order_replaced"
	case ExecutionOrderCancelled:
		return "order_cancelled"
	case ExecutionOrderRejected:
		return "order_rejected"
	case ExecutionOrderExpired:
		return "order_expired"
	case ExecutionSwap:
		return "swap"
	case ExecutionDeposit:
		return "deposit"
	case ExecutionWithdraw:
		return "withdraw"
	case ExecutionBonus:
		return "bonus"
	default:
		return "unknown"
	}
}

// ExecutionEvent is one account-level event. Fields beyond Type are
// generic key/value pairs rather than a type-specific struct per event:
// the wire payload differs enough per event type that a single shared
// struct with a side-channel map is simpler than eleven near-duplicate
// structs, matching how the teacher's own Record carries a variable
// Headers map rather than per-topic fields.
type ExecutionEvent struct {
	Type       ExecutionEventType
	OrderID    int64
	PositionID int64
	Attributes map[string]string
	Timestamp  int64
}

// ExecutionDecoder turns a raw inbound envelope into an ExecutionEvent.
type ExecutionDecoder func(env InboundEnvelope) (ExecutionEvent, error)

// ExecutionStream is spec.md §4.8's execution-event iterator. Unlike the
// other streams, it is never rearmed on reconnect: execution events flow
// without an explicit subscribe, so there is no resubscribe_recipe and
// the Registry never tracks it. Reconciliation after a reconnect (re-
// fetching positions and orders) is the Reconnect Supervisor's job, not
// this stream's.
type ExecutionStream struct {
	payloadType uint32
	decode      ExecutionDecoder
	log         Logger
	queue       *boundedQueue
	closed      chan struct{}
}

func newExecutionStream(payloadType uint32, capacity int, decode ExecutionDecoder, logger Logger, metrics *Metrics) *ExecutionStream {
	return &ExecutionStream{
		payloadType: payloadType,
		decode:      decode,
		log:         logger,
		queue:       newBoundedQueue(capacity, PolicyBlock, metrics),
		closed:      make(chan struct{}),
	}
}

func (s *ExecutionStream) Push(env InboundEnvelope) (dropped bool) {
	ev, err := s.decode(env)
	if err != nil {
		if s.log.Level() >= LogLevelWarn {
			s.log.Log(LogLevelWarn, "execution decode failed", "err", err)
		}
		return true
	}
	return s.queue.push(ev, "")
}

func (s *ExecutionStream) Next(ctx context.Context) (ExecutionEvent, bool) {
	for {
		if item, ok := s.queue.pop(); ok {
			return item.(ExecutionEvent), true
		}
		select {
		case <-ctx.Done():
			return ExecutionEvent{}, false
		case <-s.closed:
			if item, ok := s.queue.pop(); ok {
				return item.(ExecutionEvent), true
			}
			return ExecutionEvent{}, false
		case <-s.queue.waitChan():
		}
	}
}

func (s *ExecutionStream) Close(dispatcher *Dispatcher) {
	select {
	case <-s.closed:
		return
	default:
		close(s.closed)
	}
	s.queue.close()
	if dispatcher != nil {
		dispatcher.UnregisterRoute(s.payloadType, s)
	}
}
