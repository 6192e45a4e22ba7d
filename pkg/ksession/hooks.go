package ksession

import (
	"context"
	"sync"
)

// Hook is the marker interface every hook type embeds, mirroring the
// teacher's Hook/BrokerConnectHook/BrokerWriteHook family in broker.go:
// callers implement only the specific hook interfaces they care about and
// register the value once; the bus type-switches on each call.
type Hook interface{}

// PreSendHook fires just before a request frame is handed to the
// rate-limited sender.
type PreSendHook interface {
	PreSendRequest(ctx context.Context, payloadType uint32, correlationID string)
}

// PostSendHook fires once a request frame has actually been written to
// the wire.
type PostSendHook interface {
	PostSendRequest(payloadType uint32, correlationID string, bytesWritten int, err error)
}

// PostResponseHook fires once a request's completion sink has been
// resolved, successfully or not.
type PostResponseHook interface {
	PostResponse(payloadType uint32, correlationID string, latency float64, err error)
}

// ReconnectHook fires at the three reconnect lifecycle points named in
// spec.md §4.10.
type ReconnectHook interface {
	OnReconnectAttempt(attempt int)
	OnReconnectSuccess(attempts int)
	OnReconnectFatal(err error)
}

// RawEnvelopeHook taps every inbound envelope after decode, before
// correlation/dispatch routing.
type RawEnvelopeHook interface {
	OnRawEnvelope(payloadType uint32, correlationID string, payloadLen int)
}

// HookBus fans events out to registered hooks from a small worker pool so
// that the caller firing a hook does not wait for the hook to run. The
// pool's queue holds 256 pending invocations; while it is full, firing a
// hook (including the raw-envelope tap on the read loop) blocks until a
// worker frees a slot.
// This generalizes the teacher's synchronous "hooks.each" fan-out (safe
// there because teacher hooks are expected to be fast instrumentation)
// into an asynchronous one, since spec.md explicitly allows slow hooks.
type HookBus struct {
	mu    sync.RWMutex
	hooks []Hook
	work  chan func()
	done  chan struct{}
	wg    sync.WaitGroup
}

// NewHookBus starts a HookBus with workers goroutines draining its queue.
func NewHookBus(workers int) *HookBus {
	if workers <= 0 {
		workers = 2
	}
	b := &HookBus{
		work: make(chan func(), 256),
		done: make(chan struct{}),
	}
	b.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go b.worker()
	}
	return b
}

func (b *HookBus) worker() {
	defer b.wg.Done()
	for {
		select {
		case fn := <-b.work:
			fn()
		case <-b.done:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case fn := <-b.work:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Register adds h to the bus. Safe to call concurrently with dispatch.
func (b *HookBus) Register(h Hook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks = append(b.hooks, h)
}

// Close stops accepting new work and waits for queued hook invocations to
// finish.
func (b *HookBus) Close() {
	close(b.done)
	b.wg.Wait()
}

func (b *HookBus) each(fn func(Hook)) {
	b.mu.RLock()
	hooks := make([]Hook, len(b.hooks))
	copy(hooks, b.hooks)
	b.mu.RUnlock()

	select {
	case b.work <- func() {
		for _, h := range hooks {
			fn(h)
		}
	}:
	case <-b.done:
	}
}

func (b *HookBus) FirePreSend(ctx context.Context, payloadType uint32, correlationID string) {
	b.each(func(h Hook) {
		if h, ok := h.(PreSendHook); ok {
			h.PreSendRequest(ctx, payloadType, correlationID)
		}
	})
}

func (b *HookBus) FirePostSend(payloadType uint32, correlationID string, bytesWritten int, err error) {
	b.each(func(h Hook) {
		if h, ok := h.(PostSendHook); ok {
			h.PostSendRequest(payloadType, correlationID, bytesWritten, err)
		}
	})
}

func (b *HookBus) FirePostResponse(payloadType uint32, correlationID string, latency float64, err error) {
	b.each(func(h Hook) {
		if h, ok := h.(PostResponseHook); ok {
			h.PostResponse(payloadType, correlationID, latency, err)
		}
	})
}

func (b *HookBus) FireReconnectAttempt(attempt int) {
	b.each(func(h Hook) {
		if h, ok := h.(ReconnectHook); ok {
			h.OnReconnectAttempt(attempt)
		}
	})
}

func (b *HookBus) FireReconnectSuccess(attempts int) {
	b.each(func(h Hook) {
		if h, ok := h.(ReconnectHook); ok {
			h.OnReconnectSuccess(attempts)
		}
	})
}

func (b *HookBus) FireReconnectFatal(err error) {
	b.each(func(h Hook) {
		if h, ok := h.(ReconnectHook); ok {
			h.OnReconnectFatal(err)
		}
	})
}

func (b *HookBus) FireRawEnvelope(payloadType uint32, correlationID string, payloadLen int) {
	b.each(func(h Hook) {
		if h, ok := h.(RawEnvelopeHook); ok {
			h.OnRawEnvelope(payloadType, correlationID, payloadLen)
		}
	})
}
