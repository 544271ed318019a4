package gridcalc

import (
	"testing"

	"hedgegrid/filters"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testFilters() filters.SymbolFilters {
	return filters.SymbolFilters{
		Symbol:      "DOGEUSDC",
		PriceTick:   dec("0.00001"),
		QtyStep:     dec("1"),
		MinQty:      dec("1"),
		MaxQty:      dec("100000000"),
		MinNotional: dec("5"),
	}
}

func testConfig() Config {
	return Config{
		TargetProfitRate: dec("0.002"),
		MakerFee:         dec("0.0002"),
		SafetyFactor:     dec("0.8"),
		FundUtilization:  dec("0.9"),
		MaxLeverage:      50,
	}
}

func TestSpacing_ProfitAwareFormula(t *testing.T) {
	cfg := testConfig()
	upper := dec("0.18")
	got := Spacing(cfg, upper)
	// (0.002 + 2*0.0002) * 0.18 = 0.0024 * 0.18 = 0.000432
	want := dec("0.000432")
	assert.True(t, want.Equal(got), "want %s got %s", want, got)
}

func TestSafeLeverage_ClampedToBracketMax(t *testing.T) {
	upper := dec("0.18")
	lower := dec("0.16")
	avg := dec("0.17")
	mmr := dec("0.05")

	lev := SafeLeverage(upper, lower, avg, mmr, dec("0.8"), 50, 20)
	assert.LessOrEqual(t, lev, 20)
	assert.GreaterOrEqual(t, lev, 1)
}

func TestSafeLeverage_NeverBelowOne(t *testing.T) {
	// Pathological wide channel with a high maintenance rate: the raw safe
	// leverage falls below 1 and is clamped up to 1.
	lev := SafeLeverage(dec("10"), dec("0.01"), dec("5"), dec("0.3"), dec("0.8"), 50, 50)
	assert.GreaterOrEqual(t, lev, 1)
}

func TestCompute_HappyPath(t *testing.T) {
	f := testFilters()
	cfg := testConfig()

	params, err := Compute(dec("0.18"), dec("0.16"), dec("0.005"), dec("0.05"), dec("200"), 0, f, cfg)
	require.NoError(t, err)

	assert.True(t, params.Upper.GreaterThan(params.Lower))
	assert.True(t, params.GridSpacing.Sign() > 0)
	assert.GreaterOrEqual(t, params.GridLevels, 4)
	assert.LessOrEqual(t, params.GridLevels, 100)
	assert.GreaterOrEqual(t, params.SafeLeverage, 1)
	assert.True(t, params.AmountPerGrid.GreaterThanOrEqual(f.MinNotional))
}

func TestCompute_InsufficientCapitalFails(t *testing.T) {
	f := testFilters()
	f.MinNotional = dec("5")
	cfg := testConfig()

	_, err := Compute(dec("0.18"), dec("0.16"), dec("0.005"), dec("0.05"), dec("0.01"), 0, f, cfg)
	require.Error(t, err)
}

func TestCompute_UpperMustExceedLower(t *testing.T) {
	f := testFilters()
	cfg := testConfig()
	_, err := Compute(dec("0.16"), dec("0.18"), dec("0.005"), dec("0.05"), dec("200"), 0, f, cfg)
	require.Error(t, err)
}

func TestLevelPrices_CoversEndpointsExactly(t *testing.T) {
	p := Parameters{Upper: dec("0.18"), Lower: dec("0.16"), GridLevels: 5}
	prices := LevelPrices(p)
	require.Len(t, prices, 5)
	assert.True(t, prices[0].Equal(p.Lower))
	assert.True(t, prices[len(prices)-1].Equal(p.Upper))
}

func TestLevelPrices_SingleLevelIsMidpoint(t *testing.T) {
	p := Parameters{Upper: dec("0.18"), Lower: dec("0.16"), GridLevels: 1}
	prices := LevelPrices(p)
	require.Len(t, prices, 1)
	assert.True(t, prices[0].Equal(dec("0.17")))
}

func TestBracketFor_SelectsContainingBracket(t *testing.T) {
	brackets := []LeverageBracket{
		{NotionalFloor: dec("0"), NotionalCap: dec("10000"), MaxLeverage: 75, MaintenanceMarginRate: dec("0.005")},
		{NotionalFloor: dec("10000"), NotionalCap: dec("50000"), MaxLeverage: 50, MaintenanceMarginRate: dec("0.01")},
	}
	b, ok := BracketFor(dec("20000"), brackets)
	require.True(t, ok)
	assert.Equal(t, 50, b.MaxLeverage)
}

func TestBracketFor_FallsBackToLastAboveAllCaps(t *testing.T) {
	brackets := []LeverageBracket{
		{NotionalFloor: dec("0"), NotionalCap: dec("10000"), MaxLeverage: 75, MaintenanceMarginRate: dec("0.005")},
	}
	b, ok := BracketFor(dec("999999"), brackets)
	require.True(t, ok)
	assert.Equal(t, 75, b.MaxLeverage)
}
