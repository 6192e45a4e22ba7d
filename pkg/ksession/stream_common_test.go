package ksession

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBoundedQueuePolicyBlockStallsPushWhenFull(t *testing.T) {
	q := newBoundedQueue(1, PolicyBlock, nil)
	require.False(t, q.push(1, ""))

	done := make(chan struct{})
	go func() {
		q.push(2, "") // must block until the pop below frees a slot
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("push returned before the queue had room")
	case <-time.After(50 * time.Millisecond):
	}

	item, ok := q.pop()
	require.True(t, ok)
	require.Equal(t, 1, item)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("blocked push never woke up after pop freed a slot")
	}

	item, ok = q.pop()
	require.True(t, ok)
	require.Equal(t, 2, item)
}

func TestBoundedQueuePolicyBlockUnblocksOnClose(t *testing.T) {
	q := newBoundedQueue(1, PolicyBlock, nil)
	require.False(t, q.push(1, ""))

	done := make(chan struct{})
	go func() {
		q.push(2, "")
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	q.close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("blocked push never woke up after close")
	}
}

func TestBoundedQueueDropOldestDoesNotBlock(t *testing.T) {
	q := newBoundedQueue(1, PolicyDropOldest, nil)
	require.False(t, q.push(1, ""))
	dropped := q.push(2, "")
	require.True(t, dropped)

	item, ok := q.pop()
	require.True(t, ok)
	require.Equal(t, 2, item)
}
