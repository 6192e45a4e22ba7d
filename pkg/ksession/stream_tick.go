package ksession

import (
	"context"
)

// Tick is one immutable price update for a single symbol.
type Tick struct {
	SymbolID  int64
	Bid       float64
	Ask       float64
	Timestamp int64 // milliseconds since epoch, as carried on the wire
}

// TickDecoder turns a raw inbound envelope into a Tick plus the
// coalescing key (symbol id, as a string) used by multi-tick streams.
type TickDecoder func(InboundEnvelope) (tick Tick, key string, err error)

// TickStream is spec.md §4.8's single- or multi-symbol tick iterator.
// With coalesceLatest set it behaves as the "multi-tick stream" shape,
// keeping only the newest tick per symbol under backpressure.
type TickStream struct {
	sub         *Subscription
	payloadType uint32
	queue       *boundedQueue
	decode      TickDecoder
	log         Logger
	closed      chan struct{}
}

func newTickStream(sub *Subscription, payloadType uint32, capacity int, coalesceLatest bool, decode TickDecoder, logger Logger, metrics *Metrics) *TickStream {
	policy := PolicyDropOldest
	if coalesceLatest {
		policy = PolicyCoalesceLatestByKey
	}
	return &TickStream{
		sub:         sub,
		payloadType: payloadType,
		queue:       newBoundedQueue(capacity, policy, metrics),
		decode:      decode,
		log:         logger,
		closed:      make(chan struct{}),
	}
}

// Push implements PushRoute: the Dispatcher calls this for every inbound
// envelope routed to this stream's topic.
func (s *TickStream) Push(env InboundEnvelope) (dropped bool) {
	tick, key, err := s.decode(env)
	if err != nil {
		if s.log.Level() >= LogLevelWarn {
			s.log.Log(LogLevelWarn, "tick decode failed", "err", err)
		}
		return true
	}
	return s.queue.push(tick, key)
}

// Next blocks until a tick is available, ctx is cancelled, or the stream
// is closed. ok is false once the stream has been closed and drained (err
// is nil) or when ctx is done first (err is ctx.Err()).
func (s *TickStream) Next(ctx context.Context) (Tick, bool, error) {
	for {
		if item, ok := s.queue.pop(); ok {
			return item.(Tick), true, nil
		}
		select {
		case <-ctx.Done():
			return Tick{}, false, ctx.Err()
		case <-s.closed:
			if item, ok := s.queue.pop(); ok {
				return item.(Tick), true, nil
			}
			return Tick{}, false, nil
		case <-s.queue.waitChan():
		}
	}
}

// Close releases the stream's queue, its registry subscription, and its
// dispatcher route, so a closed stream's topic can neither be rearmed
// nor keep receiving envelopes into a queue nobody drains.
func (s *TickStream) Close(registry *Registry, dispatcher *Dispatcher) {
	select {
	case <-s.closed:
		return
	default:
		close(s.closed)
	}
	s.queue.close()
	if registry != nil {
		registry.Remove(s.sub.TopicKey)
	}
	if dispatcher != nil {
		dispatcher.UnregisterRoute(s.payloadType, s)
	}
}
