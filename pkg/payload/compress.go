package payload

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/pierrec/lz4"
)

// Compression selects the codec applied to large payload bodies (e.g.
// depth snapshots) before they are handed to the envelope. This is a
// payload-level concern, not a framing one: the wire length prefix always
// describes the (possibly compressed) payload bytes as written.
type Compression uint8

const (
	// CompressionNone passes payload bytes through unchanged. This is the
	// default: most request/response bodies are small enough that
	// compression only adds CPU cost.
	CompressionNone Compression = iota
	// CompressionGzip uses klauspost/compress's gzip, kept from the
	// teacher's dependency on klauspost/compress (there used for Kafka's
	// own record-batch compression) and repurposed here for payload bodies.
	CompressionGzip
	// CompressionLZ4 uses pierrec/lz4, a teacher dependency originally
	// wired to Kafka record batches and repurposed for payload bodies.
	CompressionLZ4
	// CompressionSnappy uses golang/snappy, a teacher dependency
	// originally wired to Kafka record batches and repurposed for payload
	// bodies.
	CompressionSnappy
)

// Compressor compresses and decompresses payload bodies for one codec.
type Compressor interface {
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte) ([]byte, error)
}

// NewCompressor returns the Compressor for the given codec, or nil for
// CompressionNone.
func NewCompressor(c Compression) (Compressor, error) {
	switch c {
	case CompressionNone:
		return nil, nil
	case CompressionGzip:
		return gzipCompressor{}, nil
	case CompressionLZ4:
		return lz4Compressor{}, nil
	case CompressionSnappy:
		return snappyCompressor{}, nil
	default:
		return nil, fmt.Errorf("payload: unknown compression codec %d", c)
	}
}

type gzipCompressor struct{}

func (gzipCompressor) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gzipCompressor) Decompress(src []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

type lz4Compressor struct{}

func (lz4Compressor) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (lz4Compressor) Decompress(src []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(src))
	return io.ReadAll(r)
}

type snappyCompressor struct{}

func (snappyCompressor) Compress(src []byte) ([]byte, error) {
	return snappy.Encode(nil, src), nil
}

func (snappyCompressor) Decompress(src []byte) ([]byte, error) {
	return snappy.Decode(nil, src)
}
