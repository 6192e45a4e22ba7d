package ksession

import (
	"context"
	"sort"
)

// DepthLevel is one price level in an order book side.
type DepthLevel struct {
	ID     int64
	Price  float64
	Volume float64
}

// DepthSnapshot is the materialized view yielded after every applied
// delta, per spec.md §4.8: bids sorted descending, asks sorted
// ascending, plus the convenience accessors the spec names.
type DepthSnapshot struct {
	Bids []DepthLevel
	Asks []DepthLevel
}

func (s DepthSnapshot) BestBid() (DepthLevel, bool) {
	if len(s.Bids) == 0 {
		return DepthLevel{}, false
	}
	return s.Bids[0], true
}

func (s DepthSnapshot) BestAsk() (DepthLevel, bool) {
	if len(s.Asks) == 0 {
		return DepthLevel{}, false
	}
	return s.Asks[0], true
}

func (s DepthSnapshot) Spread() (float64, bool) {
	bid, okB := s.BestBid()
	ask, okA := s.BestAsk()
	if !okB || !okA {
		return 0, false
	}
	return ask.Price - bid.Price, true
}

func (s DepthSnapshot) TotalVolume() float64 {
	var total float64
	for _, l := range s.Bids {
		total += l.Volume
	}
	for _, l := range s.Asks {
		total += l.Volume
	}
	return total
}

// depthBook maintains one symbol's bounded-depth order book. Levels are
// kept in two maps keyed by level id rather than a balanced tree, and each
// snapshot sorts them with sort.Slice: spec.md's "bounded depth" means
// each side holds at most a few dozen levels, and at that size sorting on
// demand is simpler and as fast as a tree in practice. (The teacher's go-rbtree dependency has no
// in-pack usage to ground an API against, so the depth book is built on
// sort instead; see DESIGN.md.)
type depthBook struct {
	maxDepth int
	bids     map[int64]DepthLevel
	asks     map[int64]DepthLevel
}

func newDepthBook(maxDepth int) *depthBook {
	if maxDepth <= 0 {
		maxDepth = 50
	}
	return &depthBook{
		maxDepth: maxDepth,
		bids:     make(map[int64]DepthLevel),
		asks:     make(map[int64]DepthLevel),
	}
}

// reset drops all levels, per spec.md's "rebuilds from scratch after
// reconnect — no delta crosses a session boundary."
func (b *depthBook) reset() {
	b.bids = make(map[int64]DepthLevel)
	b.asks = make(map[int64]DepthLevel)
}

func (b *depthBook) upsertBid(lvl DepthLevel) {
	b.bids[lvl.ID] = lvl
}

func (b *depthBook) upsertAsk(lvl DepthLevel) {
	b.asks[lvl.ID] = lvl
}

// applySided applies a delta where bid and ask upserts have already been
// separated by the decoder, which is how DepthStream.Push actually
// drives the book.
func (b *depthBook) applySided(bidUpserts, askUpserts []DepthLevel, deletes []int64) DepthSnapshot {
	for _, id := range deletes {
		delete(b.bids, id)
		delete(b.asks, id)
	}
	for _, lvl := range bidUpserts {
		b.upsertBid(lvl)
	}
	for _, lvl := range askUpserts {
		b.upsertAsk(lvl)
	}
	return b.snapshot()
}

func (b *depthBook) snapshot() DepthSnapshot {
	bids := make([]DepthLevel, 0, len(b.bids))
	for _, l := range b.bids {
		bids = append(bids, l)
	}
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price > bids[j].Price })
	if len(bids) > b.maxDepth {
		bids = bids[:b.maxDepth]
	}

	asks := make([]DepthLevel, 0, len(b.asks))
	for _, l := range b.asks {
		asks = append(asks, l)
	}
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price < asks[j].Price })
	if len(asks) > b.maxDepth {
		asks = asks[:b.maxDepth]
	}

	return DepthSnapshot{Bids: bids, Asks: asks}
}

// DepthDecoder turns a raw inbound envelope into a sided delta.
type DepthDecoder func(env InboundEnvelope) (bidUpserts, askUpserts []DepthLevel, deletes []int64, err error)

// DepthStream is spec.md §4.8's depth-of-book iterator: it maintains the
// book itself (not just raw deltas) and yields a full snapshot after
// each applied delta.
type DepthStream struct {
	sub         *Subscription
	payloadType uint32
	book        *depthBook
	decode      DepthDecoder
	log         Logger
	queue       *boundedQueue
	closed      chan struct{}
}

func newDepthStream(sub *Subscription, payloadType uint32, maxDepth, queueCapacity int, decode DepthDecoder, logger Logger, metrics *Metrics) *DepthStream {
	return &DepthStream{
		sub:         sub,
		payloadType: payloadType,
		book:        newDepthBook(maxDepth),
		decode:      decode,
		log:         logger,
		queue:       newBoundedQueue(queueCapacity, PolicyDropOldest, metrics),
		closed:      make(chan struct{}),
	}
}

// Push implements PushRoute: applies the delta to the book under the
// dispatcher's calling goroutine (book mutation is cheap and must stay
// ordered with arrival) and enqueues the resulting snapshot.
func (s *DepthStream) Push(env InboundEnvelope) (dropped bool) {
	bidUp, askUp, dels, err := s.decode(env)
	if err != nil {
		if s.log.Level() >= LogLevelWarn {
			s.log.Log(LogLevelWarn, "depth decode failed", "err", err)
		}
		return true
	}
	snap := s.book.applySided(bidUp, askUp, dels)
	return s.queue.push(snap, "")
}

// Next blocks until a snapshot is available, ctx is cancelled, or the
// stream is closed.
func (s *DepthStream) Next(ctx context.Context) (DepthSnapshot, bool) {
	for {
		if item, ok := s.queue.pop(); ok {
			return item.(DepthSnapshot), true
		}
		select {
		case <-ctx.Done():
			return DepthSnapshot{}, false
		case <-s.closed:
			if item, ok := s.queue.pop(); ok {
				return item.(DepthSnapshot), true
			}
			return DepthSnapshot{}, false
		case <-s.queue.waitChan():
		}
	}
}

// ResetOnReconnect clears the book; called by the Reconnect Supervisor
// before the subscription is rearmed, per spec.md's no-delta-crosses-a-
// session-boundary invariant.
func (s *DepthStream) ResetOnReconnect() {
	s.book.reset()
}

func (s *DepthStream) Close(registry *Registry, dispatcher *Dispatcher) {
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
