package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"hedgegrid/enginerr"
	"hedgegrid/filters"
	"hedgegrid/gridcalc"
	"hedgegrid/gridlevel"
	"hedgegrid/logger"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Retry/backoff bounds for the exchange adapter: exponential, base 2s,
// doubling on each recoverable failure, capped at 5min. RateLimitError
// skips the exponential schedule and waits the fixed cooldown instead,
// since Binance's 429/418 responses are a hard "come back later", not a
// congestion signal that benefits from gradual backoff.
const (
	retryBaseDelay    = 2 * time.Second
	retryMaxDelay     = 5 * time.Minute
	rateLimitCooldown = 60 * time.Second
	maxRetries        = 8
)

// withRetry runs fn, retrying while the error it returns classifies as an
// *enginerr.Error with Recoverable set. Non-*enginerr.Error results (and
// *enginerr.Error with Recoverable false, e.g. AuthenticationError or a
// rejected-request APIError) return immediately on first failure. ctx
// cancellation aborts the wait between attempts.
func withRetry(ctx context.Context, op string, fn func() error) error {
	delay := retryBaseDelay
	var lastErr error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		var ee *enginerr.Error
		if !errors.As(lastErr, &ee) || !ee.Recoverable {
			return lastErr
		}

		wait := delay
		if ee.Kind == enginerr.RateLimitError {
			wait = rateLimitCooldown
		}

		logger.Warnf("%s: attempt %d/%d failed (%v), retrying in %s", op, attempt, maxRetries, lastErr, wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}

	return lastErr
}

// withRetryValue is withRetry for calls that also return a value, so each
// call site doesn't need to pre-declare the go-binance SDK's response type.
func withRetryValue[T any](ctx context.Context, op string, fn func() (T, error)) (T, error) {
	var result T
	err := withRetry(ctx, op, func() error {
		v, doErr := fn()
		if doErr != nil {
			return doErr
		}
		result = v
		return nil
	})
	return result, err
}

// classifyBinanceErr maps a raw go-binance error to the engine's taxonomy.
// Binance surfaces rejected/malformed requests and rate limiting through the
// same *common.APIError type, distinguished only by its numeric Code, so we
// inspect it rather than trust the call site to know which applies.
func classifyBinanceErr(op string, err error) *enginerr.Error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -1003, -1015: // TOO_MANY_REQUESTS, TOO_MANY_ORDERS
			return enginerr.New(enginerr.RateLimitError, op, err)
		case -2014, -2015: // bad API-key format, invalid API-key/IP/permissions
			return enginerr.New(enginerr.AuthenticationError, op, err)
		default:
			// Other -1xxx/-2xxx codes are the exchange rejecting the
			// request as sent (bad symbol, bad precision, ...); retrying
			// the same request wouldn't help.
			return enginerr.New(enginerr.APIError, op, err).WithRecoverable(false)
		}
	}
	return enginerr.New(enginerr.NetworkError, op, err)
}

// BinanceFuturesClient adapts go-binance/v2/futures to the engine's Client
// interface for one account (LONG-only or SHORT-only). Grounded on the
// builder-pattern request shape used throughout the pack's Binance futures
// integrations (NewCreateOrderService().Symbol().Side().Type()... .Do(ctx)).
type BinanceFuturesClient struct {
	raw *futures.Client

	filtersCache  map[string]filters.SymbolFilters
	bracketsCache map[string][]gridcalc.LeverageBracket
}

// NewBinanceFuturesClient wraps a configured futures.Client (API key/secret
// and base URL already set by the caller at construction time).
func NewBinanceFuturesClient(raw *futures.Client) *BinanceFuturesClient {
	return &BinanceFuturesClient{
		raw:           raw,
		filtersCache:  make(map[string]filters.SymbolFilters),
		bracketsCache: make(map[string][]gridcalc.LeverageBracket),
	}
}

func toDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (c *BinanceFuturesClient) GetSymbolFilters(ctx context.Context, symbol string) (filters.SymbolFilters, error) {
	if f, ok := c.filtersCache[symbol]; ok {
		return f, nil
	}

	info, err := withRetryValue(ctx, "exchange.GetSymbolFilters", func() (*futures.ExchangeInfo, error) {
		info, err := c.raw.NewExchangeInfoService().Do(ctx)
		if err != nil {
			return nil, classifyBinanceErr("exchange.GetSymbolFilters", err)
		}
		return info, nil
	})
	if err != nil {
		return filters.SymbolFilters{}, err
	}

	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		f := filters.SymbolFilters{
			Symbol:         symbol,
			PricePrecision: int32(s.PricePrecision),
			QtyPrecision:   int32(s.QuantityPrecision),
		}
		for _, fl := range s.Filters {
			switch fl["filterType"] {
			case "PRICE_FILTER":
				f.PriceTick = toDec(fmt.Sprintf("%v", fl["tickSize"]))
			case "LOT_SIZE":
				f.QtyStep = toDec(fmt.Sprintf("%v", fl["stepSize"]))
				f.MinQty = toDec(fmt.Sprintf("%v", fl["minQty"]))
				f.MaxQty = toDec(fmt.Sprintf("%v", fl["maxQty"]))
			case "MIN_NOTIONAL":
				f.MinNotional = toDec(fmt.Sprintf("%v", fl["notional"]))
			}
		}
		c.filtersCache[symbol] = f
		return f, nil
	}

	return filters.SymbolFilters{}, enginerr.Newf(enginerr.ValidationError, "exchange.GetSymbolFilters", "symbol %s not found", symbol)
}

func (c *BinanceFuturesClient) GetLeverageBrackets(ctx context.Context, symbol string) ([]gridcalc.LeverageBracket, error) {
	if b, ok := c.bracketsCache[symbol]; ok {
		return b, nil
	}

	raw, err := withRetryValue(ctx, "exchange.GetLeverageBrackets", func() ([]*futures.LeverageBracket, error) {
		raw, err := c.raw.NewGetLeverageBracketService().Symbol(symbol).Do(ctx)
		if err != nil {
			return nil, classifyBinanceErr("exchange.GetLeverageBrackets", err)
		}
		return raw, nil
	})
	if err != nil {
		return nil, err
	}

	var out []gridcalc.LeverageBracket
	for _, item := range raw {
		for _, b := range item.Brackets {
			out = append(out, gridcalc.LeverageBracket{
				NotionalFloor:         decimal.NewFromFloat(b.NotionalFloor),
				NotionalCap:           decimal.NewFromFloat(b.NotionalCap),
				MaxLeverage:           b.InitialLeverage,
				MaintenanceMarginRate: decimal.NewFromFloat(b.MaintMarginRatio),
				Cum:                   decimal.NewFromFloat(b.Cum),
			})
		}
	}
	c.bracketsCache[symbol] = out
	return out, nil
}

func (c *BinanceFuturesClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return withRetry(ctx, "exchange.SetLeverage", func() error {
		_, err := c.raw.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
		if err != nil {
			return classifyBinanceErr("exchange.SetLeverage", err)
		}
		return nil
	})
}

func (c *BinanceFuturesClient) EnsureHedgeMode(ctx context.Context) error {
	res, err := withRetryValue(ctx, "exchange.EnsureHedgeMode", func() (*futures.GetPositionModeResponse, error) {
		res, err := c.raw.NewGetPositionModeService().Do(ctx)
		if err != nil {
			return nil, classifyBinanceErr("exchange.EnsureHedgeMode", err)
		}
		return res, nil
	})
	if err != nil {
		return err
	}
	if res.DualSidePosition {
		return nil
	}
	return withRetry(ctx, "exchange.EnsureHedgeMode", func() error {
		if err := c.raw.NewChangePositionModeService().DualSide(true).Do(ctx); err != nil {
			return classifyBinanceErr("exchange.EnsureHedgeMode", err)
		}
		return nil
	})
}

func (c *BinanceFuturesClient) GetSnapshot(ctx context.Context, symbol string) (Snapshot, error) {
	acct, err := withRetryValue(ctx, "exchange.GetSnapshot", func() (*futures.Account, error) {
		acct, err := c.raw.NewGetAccountService().Do(ctx)
		if err != nil {
			return nil, classifyBinanceErr("exchange.GetSnapshot", err)
		}
		return acct, nil
	})
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{UpdatedAt: time.Now()}
	for _, a := range acct.Assets {
		if a.Asset == "USDT" || a.Asset == "USDC" {
			snap.WalletBalance = toDec(a.WalletBalance)
			snap.AvailableBalance = toDec(a.AvailableBalance)
			snap.MarginUsed = toDec(a.InitialMargin)
		}
	}

	for _, p := range acct.Positions {
		if p.Symbol != symbol {
			continue
		}
		amt := toDec(p.PositionAmt)
		if amt.IsZero() {
			continue
		}
		side := PositionLong
		if string(p.PositionSide) == string(PositionShort) {
			side = PositionShort
		}
		snap.Positions = append(snap.Positions, Position{
			Symbol:        symbol,
			Side:          side,
			Size:          amt.Abs(),
			EntryPrice:    toDec(p.EntryPrice),
			UnrealizedPnL: toDec(p.UnrealizedProfit),
			Leverage:      int(toDec(p.Leverage).IntPart()),
		})
	}

	openOrders, err := c.GetOpenOrders(ctx, symbol)
	if err != nil {
		return Snapshot{}, err
	}
	snap.OpenOrders = openOrders

	return snap, nil
}

func (c *BinanceFuturesClient) GetCandles(ctx context.Context, symbol, interval string, n int) ([]Candle, error) {
	klines, err := withRetryValue(ctx, "exchange.GetCandles", func() ([]*futures.Kline, error) {
		klines, err := c.raw.NewKlinesService().Symbol(symbol).Interval(interval).Limit(n).Do(ctx)
		if err != nil {
			return nil, classifyBinanceErr("exchange.GetCandles", err)
		}
		return klines, nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]Candle, len(klines))
	for i, k := range klines {
		out[i] = Candle{
			OpenTime: time.UnixMilli(k.OpenTime),
			Open:     toDec(k.Open),
			High:     toDec(k.High),
			Low:      toDec(k.Low),
			Close:    toDec(k.Close),
			Volume:   toDec(k.Volume),
		}
	}
	return out, nil
}

func (c *BinanceFuturesClient) GetBestBidAsk(ctx context.Context, symbol string) (decimal.Decimal, decimal.Decimal, error) {
	res, err := withRetryValue(ctx, "exchange.GetBestBidAsk", func() ([]*futures.BookTicker, error) {
		res, err := c.raw.NewListBookTickersService().Symbol(symbol).Do(ctx)
		if err != nil {
			return nil, classifyBinanceErr("exchange.GetBestBidAsk", err)
		}
		return res, nil
	})
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if len(res) == 0 {
		return decimal.Zero, decimal.Zero, enginerr.Newf(enginerr.NetworkError, "exchange.GetBestBidAsk", "no book ticker for %s", symbol)
	}
	return toDec(res[0].BidPrice), toDec(res[0].AskPrice), nil
}

// HealthCheck makes a single unretried probe call: it exists to report
// connectivity/permission status promptly, not to wait out a 5min backoff.
func (c *BinanceFuturesClient) HealthCheck(ctx context.Context) HealthResult {
	acct, err := c.raw.NewGetAccountService().Do(ctx)
	if err != nil {
		return HealthResult{Healthy: false, Reason: err.Error(), CheckedAt: time.Now()}
	}
	if !acct.CanTrade {
		return HealthResult{Healthy: false, Reason: "account is not permitted to trade", CheckedAt: time.Now()}
	}
	if toDec(acct.TotalWalletBalance).Sign() < 0 {
		return HealthResult{Healthy: false, Reason: "wallet balance is negative", CheckedAt: time.Now()}
	}
	return HealthResult{Healthy: true, CheckedAt: time.Now()}
}

func (c *BinanceFuturesClient) CancelAllOrders(ctx context.Context, symbol string) error {
	return withRetry(ctx, "exchange.CancelAllOrders", func() error {
		if err := c.raw.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx); err != nil {
			return classifyBinanceErr("exchange.CancelAllOrders", err)
		}
		return nil
	})
}

func (c *BinanceFuturesClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, _ := strconv.ParseInt(orderID, 10, 64)
	return withRetry(ctx, "exchange.CancelOrder", func() error {
		_, err := c.raw.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx)
		if err != nil {
			return classifyBinanceErr("exchange.CancelOrder", err)
		}
		return nil
	})
}

func (c *BinanceFuturesClient) GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	orders, err := withRetryValue(ctx, "exchange.GetOpenOrders", func() ([]*futures.Order, error) {
		orders, err := c.raw.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
		if err != nil {
			return nil, classifyBinanceErr("exchange.GetOpenOrders", err)
		}
		return orders, nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]OpenOrder, len(orders))
	for i, o := range orders {
		out[i] = toOpenOrder(o.OrderID, symbol, string(o.Side), string(o.PositionSide), o.Price, o.OrigQuantity, string(o.Status))
	}
	return out, nil
}

func (c *BinanceFuturesClient) GetOrderStatus(ctx context.Context, symbol, orderID string) (OpenOrder, error) {
	id, _ := strconv.ParseInt(orderID, 10, 64)
	o, err := withRetryValue(ctx, "exchange.GetOrderStatus", func() (*futures.Order, error) {
		o, err := c.raw.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
		if err != nil {
			return nil, classifyBinanceErr("exchange.GetOrderStatus", err)
		}
		return o, nil
	})
	if err != nil {
		return OpenOrder{}, err
	}
	return toOpenOrder(o.OrderID, symbol, string(o.Side), string(o.PositionSide), o.Price, o.OrigQuantity, string(o.Status)), nil
}

func toOpenOrder(orderID int64, symbol, side, positionSide, price, qty, status string) OpenOrder {
	return OpenOrder{
		OrderID:      strconv.FormatInt(orderID, 10),
		Symbol:       symbol,
		Side:         gridlevel.Side(side),
		PositionSide: PositionSide(positionSide),
		Price:        toDec(price),
		Quantity:     toDec(qty),
		Status:       gridlevel.OrderStatus(status),
	}
}

// PlaceLimitOrder retries recoverable failures (a dropped connection, a
// stale-timestamp rejection) under the same clientID each attempt, so a
// retry after a response that never arrived lands on Binance's existing
// clientOrderId dedup instead of double-submitting the order.
func (c *BinanceFuturesClient) PlaceLimitOrder(ctx context.Context, req LimitOrderRequest) (OpenOrder, error) {
	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	res, err := withRetryValue(ctx, "exchange.PlaceLimitOrder", func() (*futures.CreateOrderResponse, error) {
		svc := c.raw.NewCreateOrderService().
			Symbol(req.Symbol).
			Side(futures.SideType(req.Side)).
			PositionSide(futures.PositionSideType(req.PositionSide)).
			Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Quantity(req.Quantity.String()).
			Price(req.Price.String()).
			NewClientOrderID(clientID)

		if req.ReduceOnly {
			svc = svc.ReduceOnly(true)
		}

		res, err := svc.Do(ctx)
		if err != nil {
			return nil, classifyBinanceErr("exchange.PlaceLimitOrder", err)
		}
		return res, nil
	})
	if err != nil {
		return OpenOrder{}, err
	}

	logger.Debugf("placed limit order %s %s %s @ %s qty %s", res.Symbol, res.Side, res.PositionSide, res.Price, res.OrigQuantity)

	return toOpenOrder(res.OrderID, req.Symbol, string(res.Side), string(res.PositionSide), res.Price, res.OrigQuantity, string(res.Status)), nil
}

// PlaceMarketOrder carries the same clientID-stability guarantee as
// PlaceLimitOrder for retried forced closes.
func (c *BinanceFuturesClient) PlaceMarketOrder(ctx context.Context, req MarketOrderRequest) (OpenOrder, error) {
	clientID := uuid.NewString()

	res, err := withRetryValue(ctx, "exchange.PlaceMarketOrder", func() (*futures.CreateOrderResponse, error) {
		svc := c.raw.NewCreateOrderService().
			Symbol(req.Symbol).
			Side(futures.SideType(req.Side)).
			PositionSide(futures.PositionSideType(req.PositionSide)).
			Type(futures.OrderTypeMarket).
			Quantity(req.Quantity.String()).
			NewClientOrderID(clientID)

		if req.ReduceOnly {
			svc = svc.ReduceOnly(true)
		}

		res, err := svc.Do(ctx)
		if err != nil {
			return nil, classifyBinanceErr("exchange.PlaceMarketOrder", err)
		}
		return res, nil
	})
	if err != nil {
		return OpenOrder{}, err
	}

	return toOpenOrder(res.OrderID, req.Symbol, string(res.Side), string(res.PositionSide), res.Price, res.OrigQuantity, string(res.Status)), nil
}

var _ GridClient = (*BinanceFuturesClient)(nil)
