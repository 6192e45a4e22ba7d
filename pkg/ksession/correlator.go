package ksession

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// pendingRequest is the teacher's promisedReq/promisedResp pair
// generalized from a per-connection int32 correlation id to an opaque
// string token (the wire protocol here is not Kafka's own), per spec.md
// §3's PendingRequest entity.
type pendingRequest struct {
	correlationID       string
	requestPayloadType  uint32
	deadline            time.Time
	createdAt           time.Time
	resolve             func(result CorrelatorResult)
	resolved            bool
	frameCancel         func() // cancels the queued-but-unsent frame in the Sender
}

// CorrelatorResult is what a resolved pendingRequest delivers to its
// completion sink.
type CorrelatorResult struct {
	Payload []byte
	Err     error
}

// orphanGracePeriod bounds how long a cancelled correlation id is still
// recognized as "ours" once its matching response finally lands late, so
// the Dispatcher can tell an orphaned response from a genuinely unroutable
// one (spec.md §4.5 step 6 / §4.6).
const orphanGracePeriod = 30 * time.Second

// Correlator implements spec.md §4.5: it maps a correlation id to a
// pending response slot, with timeout and cancellation semantics, and
// guarantees at-most-once resolution.
type Correlator struct {
	mu        sync.Mutex
	pending   map[string]*pendingRequest
	cancelled map[string]time.Time // correlation id -> time of cancellation/timeout, for orphan detection
	logger    Logger
	metrics   *Metrics
	tickStop  chan struct{}
	tickDone  chan struct{}
}

// NewCorrelator starts a Correlator with a housekeeping goroutine that
// scans for expired deadlines at least every tick (<=100ms, per spec.md
// §5's "housekeeping task guarantees expired entries are resolved within
// one tick"). This mirrors the teacher's reapConnectionsLoop shape,
// generalized from "idle connections" to "expired pending requests".
func NewCorrelator(logger Logger, metrics *Metrics, tick time.Duration) *Correlator {
	if tick <= 0 || tick > 100*time.Millisecond {
		tick = 50 * time.Millisecond
	}
	c := &Correlator{
		pending:   make(map[string]*pendingRequest),
		cancelled: make(map[string]time.Time),
		logger:    logger,
		metrics:   metrics,
		tickStop:  make(chan struct{}),
		tickDone:  make(chan struct{}),
	}
	go c.housekeeping(tick)
	return c
}

// newCorrelationID generates a correlation id unique within this process.
// A random uuid is already globally unique; its hyphens are stripped,
// leaving a 32-character hex token comfortably under the wire's 64-byte
// printable limit,
// grounded on helius-labs-laserstream-sdk's use of google/uuid for its
// own per-session identifiers.
func newCorrelationID() string {
	id := uuid.New().String()
	// Strip hyphens for a denser, still-unique token.
	out := make([]byte, 0, len(id))
	for _, r := range id {
		if r != '-' {
			out = append(out, byte(r))
		}
	}
	return string(out)
}

// Register creates a PendingRequest for correlationID (spec.md §4.5 step
// 2) and returns the new entry; the caller abandons the request with
// Cancel(correlationID). resolve is called exactly once.
func (c *Correlator) Register(correlationID string, payloadType uint32, timeout time.Duration, resolve func(CorrelatorResult)) *pendingRequest {
	now := time.Now()
	pr := &pendingRequest{
		correlationID:      correlationID,
		requestPayloadType: payloadType,
		deadline:           now.Add(timeout),
		createdAt:          now,
		resolve:            resolve,
	}
	c.mu.Lock()
	c.pending[correlationID] = pr
	c.mu.Unlock()
	return pr
}

// Resolve delivers result to the pending entry for correlationID, if any,
// and removes it. Returns true if an entry was found and this call
// resolved it. Safe to call only once per correlation id in practice, but
// defends against double-resolution regardless (at-most-once invariant).
func (c *Correlator) Resolve(correlationID string, result CorrelatorResult) bool {
	c.mu.Lock()
	pr, ok := c.pending[correlationID]
	if ok {
		delete(c.pending, correlationID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	c.finish(pr, result)
	return true
}

// Cancel removes correlationID's pending entry, if present, and drops its
// frame from the Sender's queue if it has not yet been written. The
// completion sink is resolved with ErrCancelled.
func (c *Correlator) Cancel(correlationID string) {
	c.mu.Lock()
	pr, ok := c.pending[correlationID]
	if ok {
		delete(c.pending, correlationID)
		c.cancelled[correlationID] = time.Now()
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	if pr.frameCancel != nil {
		pr.frameCancel()
	}
	if c.metrics != nil {
		c.metrics.Cancellations.Inc()
	}
	c.finish(pr, CorrelatorResult{Err: ErrCancelled})
}

// FailAll resolves every currently pending request with err. Used by the
// Reconnect Supervisor on transport loss (spec.md §4.5 step 7 and §4.10
// step 1).
func (c *Correlator) FailAll(err error) {
	c.mu.Lock()
	all := make([]*pendingRequest, 0, len(c.pending))
	for id, pr := range c.pending {
		all = append(all, pr)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	for _, pr := range all {
		c.finish(pr, CorrelatorResult{Err: err})
	}
}

// Pending reports whether correlationID still has an unresolved entry.
func (c *Correlator) Pending(correlationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[correlationID]
	return ok
}

func (c *Correlator) finish(pr *pendingRequest, result CorrelatorResult) {
	if pr.resolved {
		return
	}
	pr.resolved = true
	if pr.resolve != nil {
		pr.resolve(result)
	}
}

func (c *Correlator) housekeeping(tick time.Duration) {
	defer close(c.tickDone)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-c.tickStop:
			return
		case now := <-ticker.C:
			c.expireDeadlines(now)
		}
	}
}

func (c *Correlator) expireDeadlines(now time.Time) {
	c.mu.Lock()
	var expired []*pendingRequest
	for id, pr := range c.pending {
		if !pr.deadline.After(now) {
			expired = append(expired, pr)
			delete(c.pending, id)
			c.cancelled[id] = now
		}
	}
	for id, at := range c.cancelled {
		if now.Sub(at) > orphanGracePeriod {
			delete(c.cancelled, id)
		}
	}
	c.mu.Unlock()
	for _, pr := range expired {
		c.finish(pr, CorrelatorResult{Err: ErrTimeout})
	}
}

// WasRecentlyCancelled reports whether correlationID belonged to a request
// that was cancelled or timed out within the last orphanGracePeriod. The
// Dispatcher uses this to classify a late-arriving matching response as an
// orphan (spec.md §4.5 step 6 / §4.6) rather than silently unroutable.
func (c *Correlator) WasRecentlyCancelled(correlationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.cancelled[correlationID]
	if !ok {
		return false
	}
	return time.Since(at) <= orphanGracePeriod
}

// Close stops the housekeeping goroutine. It does not resolve any
// remaining pending requests; callers should FailAll first if needed.
func (c *Correlator) Close() {
	close(c.tickStop)
	<-c.tickDone
}
