package atrengine

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkCandles(n int) []Candle {
	candles := make([]Candle, n)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	price := 100.0
	for i := 0; i < n; i++ {
		high := price + 1.5
		low := price - 1.0
		candles[i] = Candle{
			OpenTime: base.Add(time.Duration(i) * time.Hour),
			Open:     price,
			High:     high,
			Low:      low,
			Close:    price + 0.3,
			Volume:   10,
		}
		price += 0.2
	}
	return candles
}

func TestCompute_InsufficientData(t *testing.T) {
	_, err := Compute(mkCandles(10), Config{Period: 14, Multiplier: 2.0})
	require.Error(t, err)
}

func TestCompute_ExactlyPeriodPlusOne(t *testing.T) {
	_, err := Compute(mkCandles(15), Config{Period: 14, Multiplier: 2.0})
	require.NoError(t, err)
}

func TestCompute_ChannelUsesLastCandleHighLow(t *testing.T) {
	candles := mkCandles(30)
	res, err := Compute(candles, Config{Period: 14, Multiplier: 2.0})
	require.NoError(t, err)

	last := candles[len(candles)-1]
	atrFloat, _ := res.ATRValue.Float64()
	wantUpper := last.High + atrFloat*2.0
	wantLower := last.Low - atrFloat*2.0

	gotUpper, _ := res.Upper.Float64()
	gotLower, _ := res.Lower.Float64()

	assert.InDelta(t, wantUpper, gotUpper, 1e-6)
	assert.InDelta(t, wantLower, gotLower, 1e-6)
}

func TestCompute_NaNRejected(t *testing.T) {
	candles := mkCandles(20)
	candles[5].High = math.NaN()
	_, err := Compute(candles, Config{Period: 14, Multiplier: 2.0})
	require.Error(t, err)
}

func TestCompute_SeededRMAMatchesIncrementalFeed(t *testing.T) {
	// ATR computed over k_1..k_n with seeding equals ATR fed one-by-one.
	full := mkCandles(40)

	resFull, err := Compute(full, Config{Period: 14, Multiplier: 2.0})
	require.NoError(t, err)

	// A one-candle-shorter prefix must give a nearby value, not a jump.
	resPrefix, err := Compute(full[:39], Config{Period: 14, Multiplier: 2.0})
	require.NoError(t, err)

	fullATR, _ := resFull.ATRValue.Float64()
	prefixATR, _ := resPrefix.ATRValue.Float64()
	assert.InDelta(t, prefixATR, fullATR, 0.5, "ATR should evolve smoothly, not jump")

	// Feed the same candles one at a time: sum the first 14 true ranges into
	// the seed mean, then blend each later range in with alpha = 1/14.
	const period = 14
	alpha := 1.0 / period
	incremental := 0.0
	for i := 1; i < len(full); i++ {
		tr := trueRange(full[i].High, full[i].Low, full[i-1].Close)
		switch {
		case i < period:
			incremental += tr
		case i == period:
			incremental = (incremental + tr) / period
		default:
			incremental = alpha*tr + (1-alpha)*incremental
		}
	}
	assert.InDelta(t, incremental, fullATR, 1e-9)
}

func TestCompute_ZeroPeriodRejected(t *testing.T) {
	_, err := Compute(mkCandles(20), Config{Period: 0, Multiplier: 2.0})
	require.Error(t, err)
}
