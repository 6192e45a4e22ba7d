package ksession

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHeartbeaterProbesAfterIdleThreshold(t *testing.T) {
	var probes int64
	h := NewHeartbeater(40*time.Millisecond, func(ctx context.Context) error {
		atomic.AddInt64(&probes, 1)
		return nil
	}, nil, NopLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)
	defer h.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&probes) >= 1
	}, time.Second, 10*time.Millisecond)
}

func TestHeartbeaterNoteActivitySuppressesProbe(t *testing.T) {
	var probes int64
	h := NewHeartbeater(60*time.Millisecond, func(ctx context.Context) error {
		atomic.AddInt64(&probes, 1)
		return nil
	}, nil, NopLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)
	defer h.Stop()

	stopRefresh := make(chan struct{})
	go func() {
		ticker := time.NewTicker(15 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stopRefresh:
				return
			case <-ticker.C:
				h.NoteActivity()
			}
		}
	}()

	time.Sleep(150 * time.Millisecond)
	close(stopRefresh)
	require.EqualValues(t, 0, atomic.LoadInt64(&probes))
}

func TestHeartbeaterOnDeadFiresOnFailure(t *testing.T) {
	deadCh := make(chan error, 1)
	h := NewHeartbeater(20*time.Millisecond, func(ctx context.Context) error {
		return ErrTimeout
	}, func(err error) { deadCh <- err }, NopLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)
	defer h.Stop()

	select {
	case err := <-deadCh:
		require.ErrorIs(t, err, ErrTimeout)
	case <-time.After(time.Second):
		t.Fatal("onDead never fired")
	}
}
