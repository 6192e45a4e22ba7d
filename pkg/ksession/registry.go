package ksession

import (
	"fmt"
	"sync"
)

// QueuePolicy selects how a Subscription's bounded queue behaves once
// full, per spec.md §3's Subscription entity.
type QueuePolicy int

const (
	// PolicyBlock applies backpressure to the producer (the dispatcher's
	// push callback blocks). Reserved for low-rate streams; never used
	// for tick/depth by default since it would stall the read loop.
	PolicyBlock QueuePolicy = iota
	// PolicyDropOldest evicts the oldest queued item to make room.
	PolicyDropOldest
	// PolicyCoalesceLatestByKey keeps only the most recent item per
	// coalesce key (e.g. symbol id), replacing any stale entry in place.
	PolicyCoalesceLatestByKey
)

// ResubscribeFunc re-issues whatever request(s) are needed to rearm a
// subscription against a freshly authenticated session. It is called by
// the Registry after C9 reaches Ready following a reconnect.
type ResubscribeFunc func() error

// ResetFunc clears any accumulated local state before a subscription is
// rearmed, per spec.md §4.8's "rebuilds from scratch after reconnect — no
// delta crosses a session boundary." Optional: only streams that keep a
// running local state (the depth book) need one.
type ResetFunc func()

// Subscription is the Registry's unit of bookkeeping for one live
// stream, per spec.md §3. Queue management itself lives in the
// type-specific stream (stream_tick.go etc.); the Subscription only
// tracks enough to rearm it after a reconnect.
type Subscription struct {
	TopicKey    string
	Policy      QueuePolicy
	Resubscribe ResubscribeFunc
	Reset       ResetFunc
	alive       bool
}

// Registry implements spec.md §4.7: it is the single place that knows
// every live subscription, and the only component that rearms them after
// a reconnect. Grounded on the teacher's per-broker bookkeeping maps in
// broker.go (trackedReqs keyed by correlation id), generalized here to
// track subscriptions keyed by topic rather than in-flight requests.
type Registry struct {
	mu   sync.Mutex
	subs map[string]*Subscription
	log  Logger
}

// NewRegistry constructs an empty Registry.
func NewRegistry(logger Logger) *Registry {
	return &Registry{
		subs: make(map[string]*Subscription),
		log:  logger,
	}
}

// ErrDuplicateTopic is returned by Add when topicKey is already
// registered and alive.
type ErrDuplicateTopic struct {
	TopicKey string
}

func (e *ErrDuplicateTopic) Error() string {
	return fmt.Sprintf("ksession: topic %q already has a live subscription", e.TopicKey)
}

// Add registers a new alive Subscription for topicKey. Returns
// *ErrDuplicateTopic if one is already alive for the same key (spec.md
// does not define multiplexing two streams onto one topic key; callers
// that want that should use the multi-symbol stream shapes instead).
func (r *Registry) Add(topicKey string, policy QueuePolicy, resub ResubscribeFunc) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.subs[topicKey]; ok && existing.alive {
		return nil, &ErrDuplicateTopic{TopicKey: topicKey}
	}
	sub := &Subscription{
		TopicKey:    topicKey,
		Policy:      policy,
		Resubscribe: resub,
		alive:       true,
	}
	r.subs[topicKey] = sub
	return sub, nil
}

// Remove marks topicKey's subscription dead and deletes it, per spec.md's
// "destroyed only when caller closes the stream" lifecycle.
func (r *Registry) Remove(topicKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[topicKey]; ok {
		sub.alive = false
		delete(r.subs, topicKey)
	}
}

// Len reports the number of currently alive subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// RearmAll iterates every alive subscription and calls its
// Resubscribe function. A failure to rearm one subscription is logged
// and does not stop the remaining ones, per spec.md §4.7's best-effort,
// per-subscription resubscription contract. Returns the topic keys that
// failed to rearm, in no particular order.
func (r *Registry) RearmAll() (failed []string) {
	r.mu.Lock()
	subs := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	for _, s := range subs {
		if s.Resubscribe == nil {
			continue
		}
		if s.Reset != nil {
			s.Reset()
		}
		if err := s.Resubscribe(); err != nil {
			if r.log.Level() >= LogLevelWarn {
				r.log.Log(LogLevelWarn, "resubscribe failed", "topic_key", s.TopicKey, "err", err)
			}
			failed = append(failed, s.TopicKey)
		}
	}
	return failed
}
