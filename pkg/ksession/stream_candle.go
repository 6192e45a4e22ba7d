package ksession

import "context"

// Timeframe identifies a candle's bar width, e.g. "M1", "M5", "H1".
type Timeframe string

// Candle is the current-bar trendbar for one symbol/timeframe pair.
type Candle struct {
	SymbolID  int64
	Timeframe Timeframe
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Timestamp int64
}

// CandleDecoder turns a raw inbound envelope carrying trendbar data into
// a Candle, or reports ok=false if this particular tick envelope did not
// carry trendbar data for the subscribed timeframe (spec.md §4.8: a
// candle stream "yields the current-bar trendbar each time the server
// emits a spot tick carrying trendbar data", i.e. not every tick does).
type CandleDecoder func(env InboundEnvelope) (candle Candle, ok bool, err error)

// CandleStream is spec.md §4.8's candle iterator.
type CandleStream struct {
	sub         *Subscription
	payloadType uint32
	decode      CandleDecoder
	log         Logger
	queue       *boundedQueue
	closed      chan struct{}
}

func newCandleStream(sub *Subscription, payloadType uint32, capacity int, decode CandleDecoder, logger Logger, metrics *Metrics) *CandleStream {
	return &CandleStream{
		sub:         sub,
		payloadType: payloadType,
		decode:      decode,
		log:         logger,
		// Coalesce by timeframe: only the current, still-forming
		// bar matters, so a consumer that falls behind should see the
		// latest state of the bar, not a backlog of earlier revisions.
		queue:  newBoundedQueue(capacity, PolicyCoalesceLatestByKey, metrics),
		closed: make(chan struct{}),
	}
}

func (s *CandleStream) Push(env InboundEnvelope) (dropped bool) {
	candle, ok, err := s.decode(env)
	if err != nil {
		if s.log.Level() >= LogLevelWarn {
			s.log.Log(LogLevelWarn, "candle decode failed", "err", err)
		}
		return true
	}
	if !ok {
		return false
	}
	key := string(candle.Timeframe)
	return s.queue.push(candle, key)
}

func (s *CandleStream) Next(ctx context.Context) (Candle, bool) {
	for {
		if item, ok := s.queue.pop(); ok {
			return item.(Candle), true
		}
		select {
		case <-ctx.Done():
			return Candle{}, false
		case <-s.closed:
			if item, ok := s.queue.pop(); ok {
				return item.(Candle), true
			}
			return Candle{}, false
		case <-s.queue.waitChan():
		}
	}
}

func (s *CandleStream) Close(registry *Registry, dispatcher *Dispatcher) {
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
