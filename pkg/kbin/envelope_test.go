package kbin

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundtrip(t *testing.T) {
	cases := []Envelope{
		{PayloadType: 2100, Payload: []byte("hello"), CorrelationID: "abc"},
		{PayloadType: 0, Payload: nil, CorrelationID: ""},
		{PayloadType: 99999, Payload: []byte{0, 1, 2, 3}, CorrelationID: strings.Repeat("x", MaxCorrelationIDBytes)},
	}
	for _, e := range cases {
		raw, err := EncodeEnvelope(e)
		require.NoError(t, err)
		got, err := DecodeEnvelope(raw)
		require.NoError(t, err)
		require.Equal(t, e.PayloadType, got.PayloadType)
		require.Equal(t, e.CorrelationID, got.CorrelationID)
		require.Equal(t, e.Payload, got.Payload)
	}
}

func TestEnvelopeUnknownPayloadTypeDecodesCleanly(t *testing.T) {
	raw, err := EncodeEnvelope(Envelope{PayloadType: 424242, Payload: []byte("opaque"), CorrelationID: "x1"})
	require.NoError(t, err)
	got, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	require.EqualValues(t, 424242, got.PayloadType)
}

func TestEnvelopeCorrelationIDTooLong(t *testing.T) {
	_, err := EncodeEnvelope(Envelope{PayloadType: 1, CorrelationID: strings.Repeat("y", MaxCorrelationIDBytes+1)})
	require.ErrorIs(t, err, ErrCorrelationIDTooLong)
}

func TestEnvelopeMalformedShort(t *testing.T) {
	_, err := DecodeEnvelope([]byte{0, 1, 2})
	require.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestEnvelopeMalformedTruncatedCorrelationID(t *testing.T) {
	raw := []byte{0, 0, 0, 1, 10, 'a', 'b'} // declares 10-byte corr id but only 2 follow
	_, err := DecodeEnvelope(raw)
	require.ErrorIs(t, err, ErrMalformedEnvelope)
}
