package filters

import (
	"testing"

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

func testFilters() SymbolFilters {
	return SymbolFilters{
		Symbol:      "DOGEUSDC",
		PriceTick:   dec("0.00001"),
		QtyStep:     dec("1"),
		MinQty:      dec("1"),
		MaxQty:      dec("10000000"),
		MinNotional: dec("5"),
	}
}

func TestQuantizePrice_FloorsToTick(t *testing.T) {
	f := testFilters()
	got := f.QuantizePrice(dec("0.170037"))
	assert.True(t, dec("0.17003").Equal(got), "got %s", got)
}

func TestQuantizePrice_Idempotent(t *testing.T) {
	f := testFilters()
	once := f.QuantizePrice(dec("0.170037"))
	twice := f.QuantizePrice(once)
	assert.True(t, once.Equal(twice))
}

func TestQuantizeQty_FloorAndCeil(t *testing.T) {
	f := testFilters()
	f.QtyStep = dec("10")
	f.MinQty = dec("10")

	floored := f.QuantizeQty(dec("25"), false)
	assert.True(t, dec("20").Equal(floored))

	ceiled := f.QuantizeQty(dec("25"), true)
	assert.True(t, dec("30").Equal(ceiled))
}

func TestQuantizeQty_ClampsToMin(t *testing.T) {
	f := testFilters()
	f.QtyStep = dec("10")
	f.MinQty = dec("10")

	got := f.QuantizeQty(dec("3"), false)
	assert.True(t, dec("10").Equal(got))
}

func TestValidateOrder_RaisesQtyBelowMinNotional(t *testing.T) {
	f := testFilters()
	price, qty, adj := f.ValidateOrder(dec("0.17"), dec("1"))

	require.True(t, price.Mul(qty).GreaterThanOrEqual(f.MinNotional))
	assert.NotEmpty(t, adj)
}

func TestValidateOrder_Idempotent(t *testing.T) {
	f := testFilters()
	p1, q1, _ := f.ValidateOrder(dec("0.170037"), dec("1"))
	p2, q2, adj2 := f.ValidateOrder(p1, q1)

	assert.True(t, p1.Equal(p2))
	assert.True(t, q1.Equal(q2))
	assert.Empty(t, adj2)
}

func TestValidateOrder_ExactlyAtMinNotional_Accepted(t *testing.T) {
	f := testFilters()
	price := dec("5")
	qty := dec("1")
	_, outQty, adj := f.ValidateOrder(price, qty)

	assert.True(t, outQty.Equal(qty))
	assert.Empty(t, adj)
}

func TestCheckMinNotional_BelowFails(t *testing.T) {
	f := testFilters()
	err := f.CheckMinNotional(dec("1"), dec("1"))
	require.Error(t, err)
}
