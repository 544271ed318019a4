package stoploss

import (
	"context"
	"testing"
	"time"

	"hedgegrid/account"
	"hedgegrid/exchange"
	"hedgegrid/filters"
	"hedgegrid/gridcalc"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	snapshot    exchange.Snapshot
	health      exchange.HealthResult
	closedSizes []decimal.Decimal
	closeErr    error
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
	return f.snapshot, nil
}
func (f *fakeClient) GetCandles(ctx context.Context, symbol, interval string, n int) ([]exchange.Candle, error) {
	return nil, nil
}
func (f *fakeClient) GetBestBidAsk(ctx context.Context, symbol string) (decimal.Decimal, decimal.Decimal, error) {
	return decimal.Zero, decimal.Zero, nil
}
func (f *fakeClient) HealthCheck(ctx context.Context) exchange.HealthResult { return f.health }
func (f *fakeClient) CancelAllOrders(ctx context.Context, symbol string) error {
	return nil
}
func (f *fakeClient) CancelOrder(ctx context.Context, symbol, orderID string) error { return nil }
func (f *fakeClient) GetOpenOrders(ctx context.Context, symbol string) ([]exchange.OpenOrder, error) {
	return nil, nil
}
func (f *fakeClient) GetOrderStatus(ctx context.Context, symbol, orderID string) (exchange.OpenOrder, error) {
	return exchange.OpenOrder{}, nil
}
func (f *fakeClient) PlaceMarketOrder(ctx context.Context, req exchange.MarketOrderRequest) (exchange.OpenOrder, error) {
	if f.closeErr != nil {
		return exchange.OpenOrder{}, f.closeErr
	}
	f.closedSizes = append(f.closedSizes, req.Quantity)
	f.snapshot.Positions = nil
	return exchange.OpenOrder{}, nil
}
func (f *fakeClient) PlaceLimitOrder(ctx context.Context, req exchange.LimitOrderRequest) (exchange.OpenOrder, error) {
	return exchange.OpenOrder{}, nil
}

var _ exchange.GridClient = (*fakeClient)(nil)

func newManager(t *testing.T, long, short *fakeClient) *Manager {
	t.Helper()
	dual := account.New("DOGEUSDC", long, short, 0)
	require.NoError(t, dual.SyncAccountInfo(context.Background()))
	return New(dual, "DOGEUSDC", nil, "run-1", Config{RetryDelay: time.Millisecond, EmergencyTimeout: 200 * time.Millisecond})
}

func TestCheckChannelBreakout_NoBoundsSetReturnsFalse(t *testing.T) {
	m := newManager(t, &fakeClient{}, &fakeClient{})
	assert.False(t, m.CheckChannelBreakout(decimal.NewFromInt(100)))
}

func TestCheckChannelBreakout_DetectsUpperAndLowerBreach(t *testing.T) {
	m := newManager(t, &fakeClient{}, &fakeClient{})
	m.SetChannelBounds(decimal.NewFromInt(110), decimal.NewFromInt(90))

	assert.True(t, m.CheckChannelBreakout(decimal.NewFromInt(111)))
	assert.True(t, m.CheckChannelBreakout(decimal.NewFromInt(89)))
	assert.False(t, m.CheckChannelBreakout(decimal.NewFromInt(100)))
}

func TestExecuteStopLoss_NoPositionsSucceedsImmediately(t *testing.T) {
	m := newManager(t, &fakeClient{}, &fakeClient{})

	ok := m.ExecuteStopLoss(context.Background(), ReasonEmergencyStop)
	assert.True(t, ok)
	assert.True(t, m.Status().Active)
	assert.Equal(t, ReasonEmergencyStop, m.Status().Reason)
}

func TestExecuteStopLoss_ClosesPositionsAndVerifies(t *testing.T) {
	long := &fakeClient{snapshot: exchange.Snapshot{Positions: []exchange.Position{
		{Symbol: "DOGEUSDC", Side: exchange.PositionLong, Size: decimal.NewFromInt(10), UnrealizedPnL: decimal.NewFromInt(-5)},
	}}}
	short := &fakeClient{snapshot: exchange.Snapshot{Positions: []exchange.Position{
		{Symbol: "DOGEUSDC", Side: exchange.PositionShort, Size: decimal.NewFromInt(10), UnrealizedPnL: decimal.NewFromInt(2)},
	}}}
	m := newManager(t, long, short)

	ok := m.ExecuteStopLoss(context.Background(), ReasonATRChannelBreakout)
	assert.True(t, ok)
	assert.Len(t, long.closedSizes, 1)
	assert.Len(t, short.closedSizes, 1)
}

func TestExecuteStopLoss_ConcurrentTriggersCollapse(t *testing.T) {
	m := newManager(t, &fakeClient{}, &fakeClient{})
	m.inProgress.Store(true)

	ok := m.ExecuteStopLoss(context.Background(), ReasonEmergencyStop)
	assert.True(t, ok)
	assert.False(t, m.Status().Active)
}

func TestCheckAccountHealth_TriggersOnHealthyToUnhealthyTransition(t *testing.T) {
	long := &fakeClient{health: exchange.HealthResult{Healthy: true}}
	short := &fakeClient{health: exchange.HealthResult{Healthy: true}}
	m := newManager(t, long, short)

	assert.True(t, m.CheckAccountHealth(context.Background()))

	long.health = exchange.HealthResult{Healthy: false, Reason: "disconnected"}
	assert.False(t, m.CheckAccountHealth(context.Background()))
	assert.Equal(t, ReasonAccountFailure, m.Status().Reason)
}

func TestCheckStartupHealth_SucceedsWhenBothHealthy(t *testing.T) {
	long := &fakeClient{health: exchange.HealthResult{Healthy: true}}
	short := &fakeClient{health: exchange.HealthResult{Healthy: true}}
	m := newManager(t, long, short)

	assert.True(t, m.CheckStartupHealth(context.Background(), 1))
}

func TestReset_ClearsState(t *testing.T) {
	m := newManager(t, &fakeClient{}, &fakeClient{})
	m.ExecuteStopLoss(context.Background(), ReasonEmergencyStop)
	require.True(t, m.Status().Active)

	m.Reset()
	assert.False(t, m.Status().Active)
	assert.True(t, m.Status().LongHealthy)
}
