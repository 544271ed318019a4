// Package atrengine computes Average True Range (Wilder/RMA smoothing) and
// the ATR channel bounds used to size the grid.
package atrengine

import (
	"math"
	"time"

	"hedgegrid/enginerr"

	"github.com/shopspring/decimal"
)

// Candle is a read-only fixed-interval OHLCV bar.
type Candle struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Config parameterizes the analyzer. Multiplier scales ATR into the channel
// half-width; it is unrelated to grid spacing (see gridcalc).
type Config struct {
	Period     int
	Multiplier float64
}

// Result is the channel derived from the most recent candle window.
type Result struct {
	ATRValue     decimal.Decimal
	Upper        decimal.Decimal
	Lower        decimal.Decimal
	CurrentPrice decimal.Decimal
	ChannelWidth decimal.Decimal
	Timestamp    time.Time
}

// trueRange computes TR_i per §4.2: max(high-low, |high-prevClose|, |low-prevClose|).
func trueRange(high, low, prevClose float64) float64 {
	tr1 := high - low
	tr2 := math.Abs(high - prevClose)
	tr3 := math.Abs(low - prevClose)
	return math.Max(tr1, math.Max(tr2, tr3))
}

// Compute derives the ATR channel from candles, which must be ordered oldest
// to newest and number at least Period+1. The RMA is seeded with the simple
// mean of the first Period true ranges, then smoothed with alpha = 1/Period
// — the canonical form per the reference indicator, not EMA-from-zero.
func Compute(candles []Candle, cfg Config) (Result, error) {
	if cfg.Period < 1 {
		return Result{}, enginerr.Newf(enginerr.ValidationError, "atrengine.Compute", "period must be >= 1, got %d", cfg.Period)
	}
	if len(candles) < cfg.Period+1 {
		return Result{}, enginerr.Newf(enginerr.InsufficientData, "atrengine.Compute",
			"need at least %d candles, got %d", cfg.Period+1, len(candles))
	}
	for _, c := range candles {
		if math.IsNaN(c.High) || math.IsNaN(c.Low) || math.IsNaN(c.Close) {
			return Result{}, enginerr.Newf(enginerr.ValidationError, "atrengine.Compute", "candle contains NaN")
		}
	}

	trs := make([]float64, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		trs[i-1] = trueRange(candles[i].High, candles[i].Low, candles[i-1].Close)
	}

	alpha := 1.0 / float64(cfg.Period)

	seedSum := 0.0
	for i := 0; i < cfg.Period; i++ {
		seedSum += trs[i]
	}
	atr := seedSum / float64(cfg.Period)

	for i := cfg.Period; i < len(trs); i++ {
		atr = alpha*trs[i] + (1-alpha)*atr
	}

	last := candles[len(candles)-1]
	atrMultiplied := atr * cfg.Multiplier
	upper := last.High + atrMultiplied
	lower := last.Low - atrMultiplied

	atrDec := decimal.NewFromFloat(atr)
	upperDec := decimal.NewFromFloat(upper)
	lowerDec := decimal.NewFromFloat(lower)

	return Result{
		ATRValue:     atrDec,
		Upper:        upperDec,
		Lower:        lowerDec,
		CurrentPrice: decimal.NewFromFloat(last.Close),
		ChannelWidth: upperDec.Sub(lowerDec),
		Timestamp:    last.OpenTime,
	}, nil
}
