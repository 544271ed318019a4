package executor

import (
	"context"
	"testing"
	"time"

	"hedgegrid/exchange"
	"hedgegrid/filters"
	"hedgegrid/gridcalc"
	"hedgegrid/gridlevel"
	"hedgegrid/market"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFeed struct {
	snap market.Snapshot
}

func (f *fakeFeed) Latest() market.Snapshot { return f.snap }

type fakeClient struct {
	openOrders  []exchange.OpenOrder
	orderStatus map[string]exchange.OpenOrder
	placedLimit []exchange.LimitOrderRequest
	placeErr    error
}

func (f *fakeClient) GetSymbolFilters(ctx context.Context, symbol string) (filters.SymbolFilters, error) {
	return filters.SymbolFilters{}, nil
}
func (f *fakeClient) GetLeverageBrackets(ctx context.Context, symbol string) ([]gridcalc.LeverageBracket, error) {
	return nil, nil
}
func (f *fakeClient) SetLeverage(ctx context.Context, symbol string, leverage int) error { return nil }
func (f *fakeClient) EnsureHedgeMode(ctx context.Context) error                          { return nil }
func (f *fakeClient) GetSnapshot(ctx context.Context, symbol string) (exchange.Snapshot, error) {
	return exchange.Snapshot{}, nil
}
func (f *fakeClient) GetCandles(ctx context.Context, symbol, interval string, n int) ([]exchange.Candle, error) {
	return nil, nil
}
func (f *fakeClient) GetBestBidAsk(ctx context.Context, symbol string) (decimal.Decimal, decimal.Decimal, error) {
	return decimal.Zero, decimal.Zero, nil
}
func (f *fakeClient) HealthCheck(ctx context.Context) exchange.HealthResult {
	return exchange.HealthResult{Healthy: true}
}
func (f *fakeClient) CancelAllOrders(ctx context.Context, symbol string) error { return nil }
func (f *fakeClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return nil
}
func (f *fakeClient) GetOpenOrders(ctx context.Context, symbol string) ([]exchange.OpenOrder, error) {
	return f.openOrders, nil
}
func (f *fakeClient) GetOrderStatus(ctx context.Context, symbol, orderID string) (exchange.OpenOrder, error) {
	if status, ok := f.orderStatus[orderID]; ok {
		return status, nil
	}
	return exchange.OpenOrder{OrderID: orderID, Status: gridlevel.OrderNew}, nil
}
func (f *fakeClient) PlaceMarketOrder(ctx context.Context, req exchange.MarketOrderRequest) (exchange.OpenOrder, error) {
	return exchange.OpenOrder{}, nil
}
func (f *fakeClient) PlaceLimitOrder(ctx context.Context, req exchange.LimitOrderRequest) (exchange.OpenOrder, error) {
	if f.placeErr != nil {
		return exchange.OpenOrder{}, f.placeErr
	}
	f.placedLimit = append(f.placedLimit, req)
	return exchange.OpenOrder{OrderID: req.ClientOrderID, Symbol: req.Symbol, Price: req.Price, Quantity: req.Quantity}, nil
}

var _ exchange.GridClient = (*fakeClient)(nil)

func testParams() *gridcalc.Parameters {
	return &gridcalc.Parameters{
		Upper:           decimal.NewFromInt(110),
		Lower:           decimal.NewFromInt(90),
		GridSpacing:     decimal.NewFromFloat(2.5),
		GridLevels:      4,
		AmountPerGrid:   decimal.NewFromInt(10),
		QuantityPerGrid: decimal.NewFromInt(1),
		SafeLeverage:    5,
	}
}

func newExecutor(t *testing.T, client *fakeClient, feed *fakeFeed, cfg Config) *Executor {
	t.Helper()
	if cfg.Symbol == "" {
		cfg.Symbol = "DOGEUSDC"
	}
	if cfg.Side == "" {
		cfg.Side = gridlevel.Buy
	}
	if cfg.Params == nil {
		cfg.Params = testParams()
	}
	if cfg.MaxOpenOrders == 0 {
		cfg.MaxOpenOrders = 10
	}
	if cfg.MaxOrdersPerBatch == 0 {
		cfg.MaxOrdersPerBatch = 10
	}
	return New(cfg, client, feed, nil, "run-1")
}

func TestNew_BuildsLevelsFromParameters(t *testing.T) {
	e := newExecutor(t, &fakeClient{}, &fakeFeed{}, Config{})
	assert.Len(t, e.Levels(), 4)
	for _, lvl := range e.Levels() {
		assert.Equal(t, gridlevel.NotActive, lvl.State)
	}
}

func TestRiskGate_ShutsDownOnDeviationBeyondThreshold(t *testing.T) {
	e := newExecutor(t, &fakeClient{}, &fakeFeed{}, Config{MaxGridDeviation: decimal.NewFromFloat(0.1)})

	assert.Equal(t, RiskOK, e.riskGate(decimal.NewFromInt(100)))
	assert.Equal(t, RiskShutdown, e.riskGate(decimal.NewFromInt(500)))
}

func TestRiskGate_NoLimitConfiguredAlwaysOK(t *testing.T) {
	e := newExecutor(t, &fakeClient{}, &fakeFeed{}, Config{})
	assert.Equal(t, RiskOK, e.riskGate(decimal.NewFromInt(10000)))
}

func TestTick_RequestsShutdownOnRiskBreach(t *testing.T) {
	client := &fakeClient{}
	feed := &fakeFeed{snap: market.Snapshot{Mid: decimal.NewFromInt(1000)}}
	e := newExecutor(t, client, feed, Config{MaxGridDeviation: decimal.NewFromFloat(0.1)})

	require.NoError(t, e.tick(context.Background()))

	shutdown, cause := e.isShutdown()
	assert.True(t, shutdown)
	assert.Contains(t, cause, "max_grid_deviation")
}

func TestTick_SkipsWhenFeedHasNoPriceYet(t *testing.T) {
	client := &fakeClient{}
	feed := &fakeFeed{}
	e := newExecutor(t, client, feed, Config{})

	require.NoError(t, e.tick(context.Background()))
	assert.Empty(t, client.placedLimit)
}

func TestTick_PlacesOpenOrdersForNotActiveLevels(t *testing.T) {
	client := &fakeClient{}
	feed := &fakeFeed{snap: market.Snapshot{Mid: decimal.NewFromInt(100)}}
	e := newExecutor(t, client, feed, Config{MaxOrdersPerBatch: 2})

	require.NoError(t, e.tick(context.Background()))

	assert.Len(t, client.placedLimit, 2)
	placedCount := 0
	for _, lvl := range e.Levels() {
		if lvl.State == gridlevel.OpenPlaced {
			placedCount++
		}
	}
	assert.Equal(t, 2, placedCount)
}

func TestLevelsToOpen_RespectsMaxOpenOrdersCap(t *testing.T) {
	client := &fakeClient{}
	feed := &fakeFeed{}
	e := newExecutor(t, client, feed, Config{MaxOpenOrders: 1})

	for _, lvl := range e.Levels() {
		require.NoError(t, lvl.PlaceOpen(gridlevel.TrackedOrder{ExchangeOrderID: "o-" + lvl.ID}))
		break
	}

	opens := e.levelsToOpen(decimal.NewFromInt(100))
	assert.Empty(t, opens)
}

func TestLevelsToOpen_SortsByDistanceFromMid(t *testing.T) {
	e := newExecutor(t, &fakeClient{}, &fakeFeed{}, Config{})

	opens := e.levelsToOpen(decimal.NewFromInt(95))
	require.NotEmpty(t, opens)
	for i := 1; i < len(opens); i++ {
		prevDist := opens[i-1].Price.Sub(decimal.NewFromInt(95)).Abs()
		curDist := opens[i].Price.Sub(decimal.NewFromInt(95)).Abs()
		assert.True(t, prevDist.LessThanOrEqual(curDist))
	}
}

func TestLevelsToOpen_RateLimitedByOrderFrequency(t *testing.T) {
	e := newExecutor(t, &fakeClient{}, &fakeFeed{}, Config{OrderFrequency: time.Hour})
	e.lastBatch = time.Now()

	opens := e.levelsToOpen(decimal.NewFromInt(100))
	assert.Empty(t, opens)
}

func TestClosePrice_BuySideAddsTakeProfitRatio(t *testing.T) {
	e := newExecutor(t, &fakeClient{}, &fakeFeed{}, Config{
		Side:            gridlevel.Buy,
		TakeProfitRatio: decimal.NewFromFloat(0.01),
		SafeExtraSpread: decimal.NewFromFloat(0.001),
	})
	lvl := e.Levels()[0]
	lvl.OpenFillPrice = decimal.NewFromInt(100)

	price := e.closePrice(lvl, decimal.NewFromInt(50))
	assert.True(t, price.Equal(decimal.NewFromInt(101)))
}

func TestClosePrice_BuySideNudgesWhenCrossingReference(t *testing.T) {
	e := newExecutor(t, &fakeClient{}, &fakeFeed{}, Config{
		Side:            gridlevel.Buy,
		TakeProfitRatio: decimal.NewFromFloat(0.01),
		SafeExtraSpread: decimal.NewFromFloat(0.001),
	})
	lvl := e.Levels()[0]
	lvl.OpenFillPrice = decimal.NewFromInt(100)

	price := e.closePrice(lvl, decimal.NewFromInt(200))
	assert.True(t, price.Equal(decimal.NewFromInt(200).Mul(decimal.NewFromFloat(1.001))))
}

func TestClosePrice_SellSideSubtractsTakeProfitRatio(t *testing.T) {
	e := newExecutor(t, &fakeClient{}, &fakeFeed{}, Config{
		Side:            gridlevel.Sell,
		TakeProfitRatio: decimal.NewFromFloat(0.01),
		SafeExtraSpread: decimal.NewFromFloat(0.001),
	})
	lvl := e.Levels()[0]
	lvl.OpenFillPrice = decimal.NewFromInt(100)

	price := e.closePrice(lvl, decimal.NewFromInt(200))
	assert.True(t, price.Equal(decimal.NewFromInt(99)))
}

func TestTick_PlacesCloseOrderForOpenFilledLevel(t *testing.T) {
	client := &fakeClient{}
	feed := &fakeFeed{snap: market.Snapshot{Mid: decimal.NewFromInt(95)}}
	e := newExecutor(t, client, feed, Config{
		Side:            gridlevel.Buy,
		TakeProfitRatio: decimal.NewFromFloat(0.01),
	})

	lvl := e.Levels()[0]
	require.NoError(t, lvl.PlaceOpen(gridlevel.TrackedOrder{ExchangeOrderID: "o-1", AvgFillPrice: lvl.Price}))
	require.NoError(t, lvl.Fill())

	require.NoError(t, e.tick(context.Background()))

	assert.Equal(t, gridlevel.ClosePlaced, lvl.State)
	require.NotNil(t, lvl.ActiveCloseOrder)
}

func TestReconcileOne_FilledAdvancesLevelAndRecordsFillPrice(t *testing.T) {
	client := &fakeClient{
		orderStatus: map[string]exchange.OpenOrder{
			"o-1": {OrderID: "o-1", Status: gridlevel.OrderFilled, Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1)},
		},
	}
	e := newExecutor(t, client, &fakeFeed{}, Config{})
	lvl := e.Levels()[0]
	require.NoError(t, lvl.PlaceOpen(gridlevel.TrackedOrder{ExchangeOrderID: "o-1"}))

	e.reconcileOne(context.Background(), lvl, lvl.ActiveOpenOrder, map[string]exchange.OpenOrder{}, false)

	assert.Equal(t, gridlevel.OpenFilled, lvl.State)
	assert.True(t, lvl.OpenFillPrice.Equal(decimal.NewFromInt(100)))
}

func TestReconcileOne_CanceledReturnsOpenLevelToNotActive(t *testing.T) {
	client := &fakeClient{
		orderStatus: map[string]exchange.OpenOrder{
			"o-1": {OrderID: "o-1", Status: gridlevel.OrderCanceled},
		},
	}
	e := newExecutor(t, client, &fakeFeed{}, Config{})
	lvl := e.Levels()[0]
	require.NoError(t, lvl.PlaceOpen(gridlevel.TrackedOrder{ExchangeOrderID: "o-1"}))

	e.reconcileOne(context.Background(), lvl, lvl.ActiveOpenOrder, map[string]exchange.OpenOrder{}, false)

	assert.Equal(t, gridlevel.NotActive, lvl.State)
}

func TestReconcileOne_RejectedCloseReturnsLevelToOpenFilled(t *testing.T) {
	client := &fakeClient{
		orderStatus: map[string]exchange.OpenOrder{
			"c-1": {OrderID: "c-1", Status: gridlevel.OrderRejected},
		},
	}
	e := newExecutor(t, client, &fakeFeed{}, Config{})
	lvl := e.Levels()[0]
	require.NoError(t, lvl.PlaceOpen(gridlevel.TrackedOrder{ExchangeOrderID: "o-1", AvgFillPrice: lvl.Price}))
	require.NoError(t, lvl.Fill())
	require.NoError(t, lvl.PlaceClose(gridlevel.TrackedOrder{ExchangeOrderID: "c-1"}))

	e.reconcileOne(context.Background(), lvl, lvl.ActiveCloseOrder, map[string]exchange.OpenOrder{}, true)

	assert.Equal(t, gridlevel.OpenFilled, lvl.State)
	assert.Nil(t, lvl.ActiveCloseOrder)
}

func TestReconcileOne_StillOpenRemotelyUpdatesFilledQtyOnly(t *testing.T) {
	client := &fakeClient{}
	e := newExecutor(t, client, &fakeFeed{}, Config{})
	lvl := e.Levels()[0]
	require.NoError(t, lvl.PlaceOpen(gridlevel.TrackedOrder{ExchangeOrderID: "o-1"}))

	remote := map[string]exchange.OpenOrder{"o-1": {OrderID: "o-1", Quantity: decimal.NewFromFloat(0.5)}}
	e.reconcileOne(context.Background(), lvl, lvl.ActiveOpenOrder, remote, false)

	assert.Equal(t, gridlevel.OpenPlaced, lvl.State)
	assert.True(t, lvl.ActiveOpenOrder.FilledQty.Equal(decimal.NewFromFloat(0.5)))
}

func TestReconcileOne_NilTrackedOrderIsNoOp(t *testing.T) {
	e := newExecutor(t, &fakeClient{}, &fakeFeed{}, Config{})
	lvl := e.Levels()[0]

	e.reconcileOne(context.Background(), lvl, nil, map[string]exchange.OpenOrder{}, false)
	assert.Equal(t, gridlevel.NotActive, lvl.State)
}

func TestRecycleCompleted_ResetsCompleteLevelsToNotActive(t *testing.T) {
	e := newExecutor(t, &fakeClient{}, &fakeFeed{}, Config{})
	lvl := e.Levels()[0]
	require.NoError(t, lvl.PlaceOpen(gridlevel.TrackedOrder{ExchangeOrderID: "o-1", AvgFillPrice: lvl.Price}))
	require.NoError(t, lvl.Fill())
	require.NoError(t, lvl.PlaceClose(gridlevel.TrackedOrder{ExchangeOrderID: "c-1"}))
	require.NoError(t, lvl.Fill())
	require.Equal(t, gridlevel.Complete, lvl.State)

	e.recycleCompleted()

	assert.Equal(t, gridlevel.NotActive, lvl.State)
	assert.True(t, lvl.OpenFillPrice.IsZero())
}

func TestRequestShutdown_SkipsSubsequentTicks(t *testing.T) {
	client := &fakeClient{}
	feed := &fakeFeed{snap: market.Snapshot{Mid: decimal.NewFromInt(100)}}
	e := newExecutor(t, client, feed, Config{})

	e.RequestShutdown("stop loss engaged")
	require.NoError(t, e.tick(context.Background()))

	assert.Empty(t, client.placedLimit)
}
