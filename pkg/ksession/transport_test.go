package ksession

import (
	"net"
	"testing"
	"time"

	"github.com/mrme000m/ctrader-go/pkg/kbin"
	"github.com/stretchr/testify/require"
)

func TestTransportWriteAndReadLoopRoundtrip(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	clientSide := &Transport{conn: kbin.NewFrameConn(a, kbin.DefaultMaxFrameBytes)}
	serverConn := kbin.NewFrameConn(b, kbin.DefaultMaxFrameBytes)

	env, err := kbin.EncodeEnvelope(kbin.Envelope{PayloadType: 2101, CorrelationID: "c1", Payload: []byte("hi")})
	require.NoError(t, err)

	writeDone := make(chan error, 1)
	go func() { _, err := clientSide.Write(env); writeDone <- err }()

	raw, err := serverConn.ReadFrame()
	require.NoError(t, err)
	require.NoError(t, <-writeDone)

	decoded, err := kbin.DecodeEnvelope(raw)
	require.NoError(t, err)
	require.Equal(t, uint32(2101), decoded.PayloadType)
	require.Equal(t, "c1", decoded.CorrelationID)
	require.Equal(t, []byte("hi"), decoded.Payload)
}

func TestTransportReadLoopInvokesOnErrorWhenClosed(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	clientSide := &Transport{conn: kbin.NewFrameConn(a, kbin.DefaultMaxFrameBytes)}

	errCh := make(chan error, 1)
	go clientSide.ReadLoop(func(InboundEnvelope) {}, func(err error) { errCh <- err })

	require.NoError(t, clientSide.Close())

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("ReadLoop never invoked onError after Close")
	}
}

func TestTransportWriteWithoutDialReturnsTransportLost(t *testing.T) {
	tr := NewTransport("example.invalid", 5035, nil)
	_, err := tr.Write([]byte("x"))
	require.ErrorIs(t, err, ErrTransportLost)
}
