// Package gridcalc turns an ATR channel, account margin, and exchange
// leverage brackets into a frozen set of GridParameters: spacing, level
// count, per-level notional, safe leverage, and stop-loss lines.
package gridcalc

import (
	"hedgegrid/enginerr"
	"hedgegrid/filters"

	"github.com/shopspring/decimal"
)

// LeverageBracket is one tier of an exchange's notional-based leverage
// schedule. Selection: the bracket whose [NotionalFloor, NotionalCap]
// contains the position's notional value.
type LeverageBracket struct {
	NotionalFloor          decimal.Decimal
	NotionalCap            decimal.Decimal
	MaxLeverage            int
	MaintenanceMarginRate  decimal.Decimal
	Cum                    decimal.Decimal
}

// BracketFor selects the bracket containing notional, or the last bracket if
// notional exceeds every cap. brackets must be ordered by floor ascending.
func BracketFor(notional decimal.Decimal, brackets []LeverageBracket) (LeverageBracket, bool) {
	if len(brackets) == 0 {
		return LeverageBracket{}, false
	}
	for _, b := range brackets {
		if notional.GreaterThanOrEqual(b.NotionalFloor) && notional.LessThanOrEqual(b.NotionalCap) {
			return b, true
		}
	}
	return brackets[len(brackets)-1], true
}

// Config is the set of operator-chosen knobs behind grid parameter
// calculation, frozen for the lifetime of a run.
type Config struct {
	TargetProfitRate decimal.Decimal
	MakerFee         decimal.Decimal
	SafetyFactor     decimal.Decimal // in (0, 1]
	FundUtilization  decimal.Decimal // default 0.9
	MaxLeverage      int
}

// Parameters is the frozen, once-computed grid configuration for a run.
type Parameters struct {
	Upper           decimal.Decimal
	Lower           decimal.Decimal
	GridSpacing     decimal.Decimal
	GridLevels      int
	AmountPerGrid   decimal.Decimal
	QuantityPerGrid decimal.Decimal
	SafeLeverage    int
	StopLossUpper   decimal.Decimal
	StopLossLower   decimal.Decimal
}

const (
	minGridLevels = 4
	maxGridLevels = 100
)

// Spacing implements §4.3's profit-aware formula: (target_profit_rate +
// 2*maker_fee) * upper. The 2*fee term covers both legs of a round trip;
// multiplying by upper (not avg or lower) ensures profit dominates spread
// at the worst, highest-priced level. Quantized to price_tick by the
// caller via filters.
func Spacing(cfg Config, upper decimal.Decimal) decimal.Decimal {
	two := decimal.NewFromInt(2)
	rate := cfg.TargetProfitRate.Add(cfg.MakerFee.Mul(two))
	return rate.Mul(upper)
}

// SafeLeverage implements the core risk calculation of §4.3: the largest
// integer leverage that keeps both a long opened at avg and a short opened
// at avg solvent across the full channel, times safetyFactor headroom,
// clamped to [1, min(maxLeverage, bracketMax)].
func SafeLeverage(upper, lower, avg, mmr decimal.Decimal, safetyFactor decimal.Decimal, maxLeverage, bracketMax int) int {
	one := decimal.NewFromInt(1)

	longFactor := one.Add(mmr).Sub(lower.Div(avg))
	shortFactor := upper.Div(avg).Sub(one).Add(mmr)

	maxLong := one
	if longFactor.Sign() > 0 {
		maxLong = one.Div(longFactor)
	}
	maxShort := one
	if shortFactor.Sign() > 0 {
		maxShort = one.Div(shortFactor)
	}

	conservative := maxLong
	if maxShort.LessThan(conservative) {
		conservative = maxShort
	}

	usable := conservative.Mul(safetyFactor).Floor()
	usableInt := int(usable.IntPart())

	ceiling := maxLeverage
	if bracketMax > 0 && bracketMax < ceiling {
		ceiling = bracketMax
	}
	if ceiling <= 0 {
		ceiling = maxLeverage
	}

	if usableInt < 1 {
		usableInt = 1
	}
	if usableInt > ceiling {
		usableInt = ceiling
	}
	return usableInt
}

// levelPrices generates n evenly-spaced prices across [lower, upper]
// inclusive, per §4.3: price_i = lower + i*(upper-lower)/(n-1). Computing
// explicit endpoints (rather than lower + i*spacing) avoids accumulated
// rounding error and guarantees both bounds are covered.
func levelPrices(lower, upper decimal.Decimal, n int) []decimal.Decimal {
	prices := make([]decimal.Decimal, n)
	if n == 1 {
		prices[0] = lower.Add(upper).Div(decimal.NewFromInt(2))
		return prices
	}
	step := upper.Sub(lower).Div(decimal.NewFromInt(int64(n - 1)))
	for i := 0; i < n; i++ {
		prices[i] = lower.Add(step.Mul(decimal.NewFromInt(int64(i))))
	}
	return prices
}

// Compute runs the full grid-parameter pipeline of §4.3: spacing -> level
// count -> safe leverage -> per-level amount. If amount_per_grid falls
// below min_notional, n is reduced to floor(total_notional/min_notional)
// and recomputed once; if that still yields n < 1, it fails with
// InsufficientCapital.
func Compute(upper, lower, atrValue decimal.Decimal, mmr decimal.Decimal, unifiedMargin decimal.Decimal, bracketMax int, f filters.SymbolFilters, cfg Config) (Parameters, error) {
	if upper.LessThanOrEqual(lower) {
		return Parameters{}, enginerr.Newf(enginerr.ValidationError, "gridcalc.Compute", "upper %s must exceed lower %s", upper, lower)
	}

	avg := upper.Add(lower).Div(decimal.NewFromInt(2))
	channelWidth := upper.Sub(lower)

	safeLeverage := SafeLeverage(upper, lower, avg, mmr, cfg.SafetyFactor, cfg.MaxLeverage, bracketMax)

	spacing := Spacing(cfg, upper)
	spacing = f.QuantizePrice(spacing)
	if spacing.Sign() <= 0 {
		spacing = f.PriceTick
	}

	n := clampLevels(channelWidth.Div(spacing).IntPart())

	usableQuote := unifiedMargin.Mul(safetyMarginOrDefault(cfg.FundUtilization))
	totalNotional := usableQuote.Mul(decimal.NewFromInt(int64(safeLeverage)))

	amountPerGrid := totalNotional.Div(decimal.NewFromInt(int64(n)))

	if amountPerGrid.LessThan(f.MinNotional) {
		n = int(totalNotional.Div(f.MinNotional).IntPart())
		if n < 1 {
			return Parameters{}, enginerr.Newf(enginerr.InsufficientCapital, "gridcalc.Compute",
				"cannot meet min_notional %s with total notional %s", f.MinNotional, totalNotional)
		}
		amountPerGrid = totalNotional.Div(decimal.NewFromInt(int64(n)))
	}

	quantityPerGrid := f.QuantizeQty(amountPerGrid.Div(avg), false)

	atrOverSafety := atrValue
	if cfg.SafetyFactor.Sign() > 0 {
		atrOverSafety = atrValue.Div(cfg.SafetyFactor)
	}

	return Parameters{
		Upper:           upper,
		Lower:           lower,
		GridSpacing:     spacing,
		GridLevels:      n,
		AmountPerGrid:   amountPerGrid,
		QuantityPerGrid: quantityPerGrid,
		SafeLeverage:    safeLeverage,
		StopLossUpper:   upper.Add(atrOverSafety),
		StopLossLower:   lower.Sub(atrOverSafety),
	}, nil
}

func safetyMarginOrDefault(fundUtilization decimal.Decimal) decimal.Decimal {
	if fundUtilization.Sign() <= 0 {
		return decimal.NewFromFloat(0.9)
	}
	return fundUtilization
}

func clampLevels(n int64) int {
	if n < minGridLevels {
		return minGridLevels
	}
	if n > maxGridLevels {
		return maxGridLevels
	}
	return int(n)
}

// LevelPrices exposes the level-price generation for callers (executors)
// building their initial ladder from frozen Parameters.
func LevelPrices(p Parameters) []decimal.Decimal {
	return levelPrices(p.Lower, p.Upper, p.GridLevels)
}
