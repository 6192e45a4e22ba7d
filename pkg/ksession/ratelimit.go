package ksession

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// outboundFrame is one unit of work queued for the rate-limited sender: an
// already-encoded wire frame plus the bookkeeping needed to report back to
// callers and hooks. Heartbeats and auth frames use the same struct and
// share the same bucket as user requests, per spec.md §4.4 ("no priority
// lanes").
type outboundFrame struct {
	payload       []byte
	payloadType   uint32
	correlationID string
	cancelled     *bool // checked right before write; set under mu
	mu            *sync.Mutex
	onWritten     func(bytesWritten int, err error)
}

// Sender is the token-bucket scheduler from spec.md §4.4: at most
// ratePerSecond frames leave the wire per second, refilled continuously
// (not just once a second) by golang.org/x/time/rate.Limiter, and exactly
// one write is outstanding on the socket at a time. Grounded on
// adred-codev-ws_poc/src/resource_guard.go's use of x/time/rate for
// connection-level pacing, generalized from "limit NATS consumption" to
// "limit outbound broker frames".
type Sender struct {
	limiter    *rate.Limiter
	queue      chan *outboundFrame
	write      func([]byte) (int, error)
	logger     Logger
	metrics    *Metrics
	onActivity func() // called after every successfully written frame

	closeOnce sync.Once
	done      chan struct{}
	ctx       context.Context
	ctxCancel context.CancelFunc
}

// NewSender constructs a Sender. write performs the actual frame write
// (normally kbin.FrameConn.WriteFrame, wrapped to also report bytes
// written); it is swappable for tests.
func NewSender(ratePerSecond int, write func([]byte) (int, error), logger Logger, metrics *Metrics) *Sender {
	if ratePerSecond <= 0 {
		ratePerSecond = defaultRateLimitPerSecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sender{
		limiter:   rate.NewLimiter(rate.Limit(ratePerSecond), ratePerSecond),
		queue:     make(chan *outboundFrame, 1024),
		write:     write,
		logger:    logger,
		metrics:   metrics,
		done:      make(chan struct{}),
		ctx:       ctx,
		ctxCancel: cancel,
	}
	go s.run()
	return s
}

// SetOnActivity registers fn to be called after every frame this Sender
// successfully writes to the wire. Session uses this to drive the
// Heartbeater's idle clock from actual outbound writes (spec.md §4.3
// measures idleness from the last successfully written frame, not the
// last inbound read) instead of from inbound traffic.
func (s *Sender) SetOnActivity(fn func()) {
	s.onActivity = fn
}

// Enqueue submits payload for rate-limited delivery. It returns a cancel
// function: calling it before the frame is drawn from the queue prevents
// the write from ever reaching the socket (spec.md §4.4's cancellation
// semantics); calling it after the write has started has no effect.
func (s *Sender) Enqueue(payloadType uint32, correlationID string, payload []byte, onWritten func(int, error)) (cancel func()) {
	cancelled := false
	mu := &sync.Mutex{}
	f := &outboundFrame{
		payload:       payload,
		payloadType:   payloadType,
		correlationID: correlationID,
		cancelled:     &cancelled,
		mu:            mu,
		onWritten:     onWritten,
	}
	select {
	case s.queue <- f:
	case <-s.done:
		if onWritten != nil {
			onWritten(0, ErrSessionClosed)
		}
	}
	return func() {
		mu.Lock()
		cancelled = true
		mu.Unlock()
	}
}

// run is the Sender's single-writer loop: exactly one frame is ever
// in-flight to write() at a time, matching spec.md §4.4's single-writer
// discipline and the teacher's per-connection serial write guarantee.
func (s *Sender) run() {
	for {
		select {
		case <-s.done:
			return
		case f := <-s.queue:
			// A cancelled frame was already counted in Metrics.Cancellations
			// by Correlator.Cancel, the only caller of the cancel func.
			f.mu.Lock()
			cancelled := *f.cancelled
			f.mu.Unlock()
			if cancelled {
				continue
			}

			if err := s.limiter.Wait(s.ctx); err != nil {
				if f.onWritten != nil {
					f.onWritten(0, err)
				}
				continue
			}

			// Re-check cancellation: the caller may have cancelled while
			// we were waiting on the token bucket.
			f.mu.Lock()
			cancelled = *f.cancelled
			f.mu.Unlock()
			if cancelled {
				continue
			}

			n, err := s.write(f.payload)
			if s.logger.Level() >= LogLevelDebug {
				s.logger.Log(LogLevelDebug, "wrote frame", "payload_type", f.payloadType, "correlation_id", f.correlationID, "bytes", n, "err", err)
			}
			if err == nil {
				if s.metrics != nil {
					s.metrics.BytesSent.Add(float64(n))
				}
				if s.onActivity != nil {
					s.onActivity()
				}
			}
			if f.onWritten != nil {
				f.onWritten(n, err)
			}
		}
	}
}

// Close stops the sender. Frames still queued are never written.
func (s *Sender) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.ctxCancel()
	})
}
