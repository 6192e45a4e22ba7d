// Package kbin implements the length-prefixed wire framing used by the
// broker session: a 4-byte big-endian length followed by that many bytes
// of envelope. It mirrors the read/write split the teacher protocol uses
// for its own size-prefixed responses (see brokerCxn.readConn/writeConn),
// generalized to a bidirectional, symmetric frame instead of a
// request/response pair.
package kbin

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// DefaultMaxFrameBytes is the default ceiling on a single frame's payload,
// matching spec's 15 MB default.
const DefaultMaxFrameBytes = 15 << 20

// ErrFrameTooLarge is returned when a frame's declared length exceeds the
// configured maximum. It is always fatal for the connection it occurs on.
var ErrFrameTooLarge = errors.New("kbin: frame exceeds max frame bytes")

// ErrNotEnoughData is returned when a read terminates before a complete
// frame could be assembled.
var ErrNotEnoughData = errors.New("kbin: not enough data to read frame")

// ErrTransportClosed is returned by ReadFrame/WriteFrame once Close has
// been called, and by any read/write blocked at the time of Close.
var ErrTransportClosed = errors.New("kbin: transport closed")

// FrameConn wraps a net.Conn with length-prefixed frame read/write. It does
// not itself serialize concurrent use: the session's single-writer and
// single-reader discipline (see ksession) is what makes this safe, exactly
// as the teacher's brokerCxn assumes serial access from handleReqs/handleResps.
type FrameConn struct {
	conn      net.Conn
	maxFrame  int32
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
	sizeBuf   [4]byte
}

// NewFrameConn wraps conn for length-prefixed frame IO. maxFrameBytes <= 0
// uses DefaultMaxFrameBytes.
func NewFrameConn(conn net.Conn, maxFrameBytes int32) *FrameConn {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	fc := &FrameConn{
		conn:     conn,
		maxFrame: maxFrameBytes,
		closed:   make(chan struct{}),
	}
	return fc
}

// ReadFrame blocks until a full frame has been read, the connection errors,
// or Close is called. The returned slice is owned by the caller.
func (f *FrameConn) ReadFrame() ([]byte, error) {
	select {
	case <-f.closed:
		return nil, ErrTransportClosed
	default:
	}

	if _, err := io.ReadFull(f.conn, f.sizeBuf[:]); err != nil {
		return nil, f.wrapErr(err)
	}
	size := int32(binary.BigEndian.Uint32(f.sizeBuf[:]))
	if size < 0 {
		return nil, fmt.Errorf("kbin: negative frame size %d", size)
	}
	if size > f.maxFrame {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, f.maxFrame)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(f.conn, buf); err != nil {
		return nil, f.wrapErr(err)
	}
	return buf, nil
}

// WriteFrame writes payload as a single length-prefixed frame. Each call
// performs exactly one conn.Write from the caller's perspective (the
// length prefix and body are coalesced into one buffer first), matching
// the "one send per frame" contract in spec's Frame Transport section.
func (f *FrameConn) WriteFrame(payload []byte) error {
	select {
	case <-f.closed:
		return ErrTransportClosed
	default:
	}
	if int32(len(payload)) > f.maxFrame {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), f.maxFrame)
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	if _, err := f.conn.Write(buf); err != nil {
		return f.wrapErr(err)
	}
	return nil
}

// Close is idempotent and wakes any blocked reader/writer with
// ErrTransportClosed.
func (f *FrameConn) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		f.closeErr = f.conn.Close()
	})
	return f.closeErr
}

func (f *FrameConn) wrapErr(err error) error {
	select {
	case <-f.closed:
		return ErrTransportClosed
	default:
		return err
	}
}
