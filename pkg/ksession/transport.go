package ksession

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/mrme000m/ctrader-go/pkg/kbin"
)

// Transport implements spec.md's C1: the TLS socket plus length-prefixed
// framing, read/write halves, and a graceful close. It owns the
// kbin.FrameConn and runs the blocking read loop that feeds decoded
// envelopes to a callback; writes are expected to come exclusively
// through the Sender (C4), which this type exposes a raw write func for.
type Transport struct {
	host string
	port int
	tls  *tls.Config

	mu   sync.Mutex
	conn *kbin.FrameConn
}

// NewTransport constructs an unconnected Transport.
func NewTransport(host string, port int, tlsConfig *tls.Config) *Transport {
	return &Transport{host: host, port: port, tls: tlsConfig}
}

// Dial opens a TLS connection and wraps it in a FrameConn. Any previous
// connection is not closed by Dial; callers must Close first if
// re-dialing.
func (t *Transport) Dial(maxFrameBytes int32, dialTimeout time.Duration) error {
	addr := fmt.Sprintf("%s:%d", t.host, t.port)
	dialer := &net.Dialer{Timeout: dialTimeout}
	tlsConf := t.tls
	if tlsConf == nil {
		tlsConf = &tls.Config{ServerName: t.host, MinVersion: tls.VersionTLS12}
	}
	rawConn, err := tls.DialWithDialer(dialer, "tcp", addr, tlsConf)
	if err != nil {
		return fmt.Errorf("ksession: dial %s: %w", addr, err)
	}
	fc := kbin.NewFrameConn(rawConn, maxFrameBytes)
	t.mu.Lock()
	t.conn = fc
	t.mu.Unlock()
	return nil
}

// Write performs one frame write. Satisfies the func([]byte)(int,error)
// signature Sender expects.
func (t *Transport) Write(payload []byte) (int, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return 0, ErrTransportLost
	}
	if err := conn.WriteFrame(payload); err != nil {
		return 0, err
	}
	return len(payload), nil
}

// ReadLoop blocks reading frames and invoking onEnvelope for each decoded
// envelope, until the connection is closed or decode fails irrecoverably
// (a malformed envelope is treated as transport loss per spec.md §4.10,
// since the protocol has no frame-resync mechanism once misaligned).
// onError is invoked exactly once, with the terminal error, before
// ReadLoop returns.
func (t *Transport) ReadLoop(onEnvelope func(InboundEnvelope), onError func(error)) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		onError(ErrTransportLost)
		return
	}
	for {
		raw, err := conn.ReadFrame()
		if err != nil {
			onError(err)
			return
		}
		env, err := kbin.DecodeEnvelope(raw)
		if err != nil {
			onError(&ProtocolError{Reason: "decode envelope", Cause: err})
			return
		}
		onEnvelope(InboundEnvelope{
			PayloadType:   env.PayloadType,
			CorrelationID: env.CorrelationID,
			Payload:       env.Payload,
		})
	}
}

// Close tears down the current connection, if any. Safe to call
// multiple times and from a different goroutine than ReadLoop; the
// blocked ReadFrame call will return ErrTransportClosed.
func (t *Transport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
