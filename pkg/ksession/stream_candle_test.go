package ksession

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCandleStreamSkipsTicksWithoutTrendbarData(t *testing.T) {
	reg := NewRegistry(NopLogger)
	sub, err := reg.Add("candles:EURUSD:M5", PolicyBlock, nil)
	require.NoError(t, err)

	calls := 0
	decode := func(env InboundEnvelope) (Candle, bool, error) {
		calls++
		if calls == 1 {
			return Candle{}, false, nil // plain tick, no trendbar
		}
		return Candle{SymbolID: 1, Timeframe: "M5", Close: 1.1050}, true, nil
	}
	s := newCandleStream(sub, 1, 4, decode, NopLogger, nil)

	s.Push(InboundEnvelope{})
	s.Push(InboundEnvelope{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	candle, ok := s.Next(ctx)
	require.True(t, ok)
	require.InDelta(t, 1.1050, candle.Close, 1e-9)
}

func TestCandleStreamCoalescesByTimeframe(t *testing.T) {
	reg := NewRegistry(NopLogger)
	sub, err := reg.Add("candles:EURUSD:M5", PolicyBlock, nil)
	require.NoError(t, err)

	calls := 0
	closes := []float64{1.1000, 1.1010, 1.1020}
	decode := func(env InboundEnvelope) (Candle, bool, error) {
		c := Candle{SymbolID: 1, Timeframe: "M5", Close: closes[calls]}
		calls++
		return c, true, nil
	}
	s := newCandleStream(sub, 1, 1, decode, NopLogger, nil)

	s.Push(InboundEnvelope{})
	s.Push(InboundEnvelope{})
	s.Push(InboundEnvelope{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	candle, ok := s.Next(ctx)
	require.True(t, ok)
	require.InDelta(t, 1.1020, candle.Close, 1e-9)
}
