package ksession

import (
	"context"
	"sync"
	"time"
)

// Heartbeater implements spec.md §4.3: it watches for idle outbound time
// and issues a keepalive request whenever the wire has been silent for
// idleThreshold, tearing the session down if a keepalive response does
// not land before the next idle window elapses. Grounded on the
// teacher's broker.go idle-connection reaper (reapConnectionsLoop ticks
// and closes connections past their idle budget), generalized here from
// "close an idle TCP connection" to "proactively probe an idle
// application session".
type Heartbeater struct {
	idleThreshold time.Duration
	sendKeepalive func(ctx context.Context) error
	onDead        func(error)
	logger        Logger

	mu       sync.Mutex
	lastSent time.Time

	stop chan struct{}
	done chan struct{}
}

// NewHeartbeater constructs a Heartbeater. sendKeepalive should issue a
// correlated keepalive request and return once it either resolves or
// fails; onDead is invoked exactly once if a keepalive round-trip fails
// or times out, signalling the transport should be considered lost.
func NewHeartbeater(idleThreshold time.Duration, sendKeepalive func(ctx context.Context) error, onDead func(error), logger Logger) *Heartbeater {
	if idleThreshold <= 0 {
		idleThreshold = time.Duration(defaultHeartbeatIdleSeconds) * time.Second
	}
	return &Heartbeater{
		idleThreshold: idleThreshold,
		sendKeepalive: sendKeepalive,
		onDead:        onDead,
		logger:        logger,
		lastSent:      time.Now(),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// NoteActivity resets the idle clock. Call this whenever any outbound
// frame (request, stream subscribe, or a previous keepalive) is written,
// per spec.md §4.3's "idle" being measured from the last outbound write,
// not the last inbound read.
func (h *Heartbeater) NoteActivity() {
	h.mu.Lock()
	h.lastSent = time.Now()
	h.mu.Unlock()
}

// Run blocks, probing for idleness every idleThreshold/4 (bounded below
// by 250ms) until Stop is called or ctx is done.
func (h *Heartbeater) Run(ctx context.Context) {
	defer close(h.done)
	interval := h.idleThreshold / 4
	if interval < 250*time.Millisecond {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case <-ticker.C:
			h.mu.Lock()
			idleFor := time.Since(h.lastSent)
			h.mu.Unlock()
			if idleFor < h.idleThreshold {
				continue
			}
			h.probe(ctx)
		}
	}
}

// probe issues a keepalive. It does not call NoteActivity itself: a
// successful keepalive write resets the idle clock through the Sender's
// SetOnActivity hook, the same path any other outbound frame takes.
func (h *Heartbeater) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, h.idleThreshold)
	defer cancel()

	err := h.sendKeepalive(probeCtx)
	if err != nil {
		if h.logger.Level() >= LogLevelWarn {
			h.logger.Log(LogLevelWarn, "keepalive failed", "err", err)
		}
		if h.onDead != nil {
			h.onDead(err)
		}
	}
}

// Stop halts the Run loop and waits for it to return.
func (h *Heartbeater) Stop() {
	select {
	case <-h.stop:
	default:
		close(h.stop)
	}
	<-h.done
}
