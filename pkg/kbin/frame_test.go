package kbin

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func pipeConns(t *testing.T) (*FrameConn, *FrameConn) {
	t.Helper()
	a, b := net.Pipe()
	return NewFrameConn(a, 0), NewFrameConn(b, 0)
}

func TestFrameWriteRead(t *testing.T) {
	a, b := pipeConns(t)
	defer a.Close()
	defer b.Close()

	done := make(chan error, 1)
	go func() { done <- a.WriteFrame([]byte("payload-bytes")) }()

	got, err := b.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, []byte("payload-bytes"), got)
	require.NoError(t, <-done)
}

func TestFrameTooLarge(t *testing.T) {
	a, b := pipeConns(t)
	defer a.Close()
	defer b.Close()
	a.maxFrame = 4
	err := a.WriteFrame([]byte("too-long"))
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestFrameCloseWakesReader(t *testing.T) {
	a, b := pipeConns(t)
	defer a.Close()

	readErr := make(chan error, 1)
	go func() {
		_, err := b.ReadFrame()
		readErr <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, b.Close())

	select {
	case err := <-readErr:
		require.ErrorIs(t, err, ErrTransportClosed)
	case <-time.After(time.Second):
		t.Fatal("ReadFrame did not unblock after Close")
	}
}
