// Package exchange defines the boundary between the engine and a real
// perpetual-futures exchange: typed order placement, account/position
// snapshots, and the filter/bracket metadata the grid calculator needs.
// The engine depends only on Client/GridClient; BinanceFuturesClient is the
// concrete adapter.
package exchange

import (
	"context"
	"time"

	"hedgegrid/filters"
	"hedgegrid/gridcalc"
	"hedgegrid/gridlevel"

	"github.com/shopspring/decimal"
)

// PositionSide distinguishes hedge-mode long/short legs on the same account.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// Position is one open position on an account.
type Position struct {
	Symbol        string
	Side          PositionSide
	Size          decimal.Decimal
	EntryPrice    decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Leverage      int
}

// Snapshot is a point-in-time view of one account.
type Snapshot struct {
	WalletBalance    decimal.Decimal
	AvailableBalance decimal.Decimal
	MarginUsed       decimal.Decimal
	Positions        []Position
	OpenOrders       []OpenOrder
	UpdatedAt        time.Time
}

// OpenOrder is a resting order as reported by the exchange, used as ground
// truth during start-of-tick reconciliation.
type OpenOrder struct {
	OrderID      string
	Symbol       string
	Side         gridlevel.Side
	PositionSide PositionSide
	Price        decimal.Decimal
	Quantity     decimal.Decimal
	Status       gridlevel.OrderStatus
}

// LimitOrderRequest places one maker-limit grid order.
type LimitOrderRequest struct {
	Symbol       string
	Side         gridlevel.Side
	PositionSide PositionSide
	Price        decimal.Decimal
	Quantity     decimal.Decimal
	ClientOrderID string
	ReduceOnly   bool
}

// MarketOrderRequest is a forced close — always reduce-only in this engine.
type MarketOrderRequest struct {
	Symbol       string
	Side         gridlevel.Side
	PositionSide PositionSide
	Quantity     decimal.Decimal
	ReduceOnly   bool
}

// HealthResult is one account's outcome from a connectivity/permission probe.
type HealthResult struct {
	Healthy bool
	Reason  string
	CheckedAt time.Time
}

// Client is the minimal exchange boundary the engine depends on: order
// placement/cancellation, account state, and static metadata, all in
// context-scoped, typed, decimal form. Grounded on the shape of the
// teacher's Trader/GridTrader split, generalized from float64/map[string]any
// to this engine's typed data model.
type Client interface {
	// GetSymbolFilters fetches and caches PRICE_FILTER/LOT_SIZE/MIN_NOTIONAL.
	GetSymbolFilters(ctx context.Context, symbol string) (filters.SymbolFilters, error)

	// GetLeverageBrackets fetches the notional-tiered leverage schedule.
	GetLeverageBrackets(ctx context.Context, symbol string) ([]gridcalc.LeverageBracket, error)

	// SetLeverage sets account leverage for symbol.
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// EnsureHedgeMode verifies (and if needed enables) dual-side positions.
	EnsureHedgeMode(ctx context.Context) error

	// GetSnapshot fetches balance/positions/open-orders for this account.
	GetSnapshot(ctx context.Context, symbol string) (Snapshot, error)

	// GetCandles fetches the most recent n candles at the given interval.
	GetCandles(ctx context.Context, symbol, interval string, n int) ([]Candle, error)

	// GetBestBidAsk returns the current best bid/ask.
	GetBestBidAsk(ctx context.Context, symbol string) (bid, ask decimal.Decimal, err error)

	// HealthCheck verifies connectivity, non-negative balance, and trading
	// permission for this account.
	HealthCheck(ctx context.Context) HealthResult

	// CancelAllOrders cancels every resting order for symbol on this account.
	CancelAllOrders(ctx context.Context, symbol string) error

	// CancelOrder cancels one order by exchange order id.
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// GetOpenOrders lists resting orders for symbol, used as reconciliation
	// ground truth at the top of each executor tick.
	GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)

	// GetOrderStatus polls one order's current state.
	GetOrderStatus(ctx context.Context, symbol, orderID string) (OpenOrder, error)

	// PlaceMarketOrder places a (normally reduce-only) market order, used
	// for forced closes during teardown.
	PlaceMarketOrder(ctx context.Context, req MarketOrderRequest) (OpenOrder, error)
}

// GridClient extends Client with maker-limit order placement, the primary
// order type the grid executor issues.
type GridClient interface {
	Client

	// PlaceLimitOrder posts a GTC maker-limit order (grid open or close).
	PlaceLimitOrder(ctx context.Context, req LimitOrderRequest) (OpenOrder, error)
}

// Candle is the typed OHLCV bar consumed by atrengine, as fetched from this
// exchange boundary (the engine itself never parses raw exchange JSON).
type Candle struct {
	OpenTime time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
}
