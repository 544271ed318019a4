// Package executor drives one account's side of the hedge (LONG or SHORT):
// a ticker-driven control loop that reconciles tracked-order state against
// the exchange, gates on channel/deviation risk, computes the next batch
// of open/close placements, and places them. Grounded on short_grid_executor.py's
// control_task state machine (update levels → refresh metrics → risk gate →
// compute placements → place), generalized to Go's goroutine + channel +
// time.Ticker run-loop idiom used by the teacher's run-loops.
package executor

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"hedgegrid/enginerr"
	"hedgegrid/exchange"
	"hedgegrid/gridcalc"
	"hedgegrid/gridlevel"
	"hedgegrid/logger"
	"hedgegrid/market"
	"hedgegrid/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RiskAction is returned by the risk gate to tell the control loop what to
// do this tick.
type RiskAction int

const (
	RiskOK RiskAction = iota
	RiskShutdown
)

// Config is this executor's static parameters, fixed for the run's
// lifetime (per spec.md §4.5/§6).
type Config struct {
	Symbol            string
	Side              gridlevel.Side      // Buy for the LONG executor, Sell for the SHORT executor
	PositionSide      exchange.PositionSide
	Params            *gridcalc.Parameters // shared, read-only
	TakeProfitRatio   decimal.Decimal
	SafeExtraSpread   decimal.Decimal
	MaxOpenOrders     int
	MaxOrdersPerBatch int
	OrderFrequency    time.Duration
	MaxGridDeviation  decimal.Decimal
}

// PriceFeed is the shared-snapshot reader the control loop polls each tick.
// *market.Feed satisfies this; tests substitute a fake that doesn't require
// a live bookTicker stream.
type PriceFeed interface {
	Latest() market.Snapshot
}

// Executor runs one account's grid ladder. Levels is this executor's own
// slice (never shared with the other side's executor); all mutation to a
// level happens inside the control loop's single goroutine, so no level
// needs its own lock.
type Executor struct {
	cfg    Config
	client exchange.GridClient
	feed   PriceFeed
	sink   store.EventSink
	runID  string

	levels []*gridlevel.Level

	lastBatch time.Time

	mu            sync.RWMutex
	shutdownReq   bool
	shutdownCause string
}

// New builds an Executor over the resolved grid levels (prices/quantities
// already computed by gridcalc.Compute and gridcalc.LevelPrices).
func New(cfg Config, client exchange.GridClient, feed PriceFeed, sink store.EventSink, runID string) *Executor {
	prices := gridcalc.LevelPrices(*cfg.Params)
	levels := make([]*gridlevel.Level, len(prices))
	for i, p := range prices {
		id := levelID(i)
		levels[i] = gridlevel.New(id, p, cfg.Params.QuantityPerGrid, cfg.Side)
	}

	return &Executor{cfg: cfg, client: client, feed: feed, sink: sink, runID: runID, levels: levels}
}

func levelID(index int) string {
	return "L" + strconv.Itoa(index)
}

// RequestShutdown flags this executor to stop placing new orders; the next
// tick cancels nothing (per §4.5, double-sided strategy keeps resting
// orders — teardown is the stop-loss manager's job) but simply returns.
func (e *Executor) RequestShutdown(cause string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shutdownReq = true
	e.shutdownCause = cause
}

func (e *Executor) isShutdown() (bool, string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.shutdownReq, e.shutdownCause
}

// Run drives the control loop until ctx is cancelled, ticking every
// interval (default 1s per spec.md §4.5).
func (e *Executor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.tick(ctx); err != nil {
				logger.Errorf("executor(%s): tick failed: %v", e.cfg.Symbol, err)
			}
		}
	}
}

// tick runs one full control-loop pass, per spec.md §4.5 steps 1-6.
func (e *Executor) tick(ctx context.Context) error {
	if shutdown, cause := e.isShutdown(); shutdown {
		logger.Warnf("executor(%s): shutdown requested (%s), skipping tick", e.cfg.Symbol, cause)
		return nil
	}

	if err := e.reconcileOrders(ctx); err != nil {
		return enginerr.New(enginerr.NetworkError, "executor.tick.reconcile", err)
	}

	snap := e.feed.Latest()
	if snap.Mid.IsZero() {
		return nil
	}

	if e.riskGate(snap.Mid) == RiskShutdown {
		e.RequestShutdown("price deviated beyond max_grid_deviation")
		return nil
	}

	opens := e.levelsToOpen(snap.Mid)
	for _, lvl := range opens {
		e.placeOpen(ctx, lvl)
	}

	for _, lvl := range e.levels {
		if lvl.State == gridlevel.OpenFilled && lvl.ActiveCloseOrder == nil {
			e.placeClose(ctx, lvl)
		}
	}

	e.recycleCompleted()
	return nil
}

// reconcileOrders fetches open orders as ground truth and applies fill/
// cancel transitions to local tracked orders, per §4.5's ordering
// guarantee: all queued updates are applied before this tick decides
// anything.
func (e *Executor) reconcileOrders(ctx context.Context) error {
	remote, err := e.client.GetOpenOrders(ctx, e.cfg.Symbol)
	if err != nil {
		return err
	}
	remoteByID := make(map[string]exchange.OpenOrder, len(remote))
	for _, o := range remote {
		remoteByID[o.OrderID] = o
	}

	for _, lvl := range e.levels {
		e.reconcileOne(ctx, lvl, lvl.ActiveOpenOrder, remoteByID, false)
		e.reconcileOne(ctx, lvl, lvl.ActiveCloseOrder, remoteByID, true)
	}
	return nil
}

// reconcileOne applies the terminal state of one tracked order, per §4.5's
// failure semantics: a vanished order is either FILLED (advance the state
// machine) or CANCELED/REJECTED/EXPIRED (fall back to the prior state, the
// level becomes reusable next tick).
func (e *Executor) reconcileOne(ctx context.Context, lvl *gridlevel.Level, tracked *gridlevel.TrackedOrder, remoteByID map[string]exchange.OpenOrder, isClose bool) {
	if tracked == nil {
		return
	}

	if live, ok := remoteByID[tracked.ExchangeOrderID]; ok {
		tracked.FilledQty = live.Quantity
		return
	}

	status, err := e.client.GetOrderStatus(ctx, e.cfg.Symbol, tracked.ExchangeOrderID)
	if err != nil {
		logger.Warnf("executor(%s): order status lookup failed for %s: %v", e.cfg.Symbol, tracked.ExchangeOrderID, err)
		return
	}

	switch status.Status {
	case gridlevel.OrderFilled:
		tracked.AvgFillPrice = status.Price
		tracked.FilledQty = status.Quantity
		if err := lvl.Fill(); err != nil {
			logger.Debugf("executor(%s): level %s fill transition skipped: %v", e.cfg.Symbol, lvl.ID, err)
			return
		}
		e.recordLevelEvent(lvl, legLabel(isClose), "filled")
	case gridlevel.OrderCanceled, gridlevel.OrderRejected, gridlevel.OrderExpired:
		var cancelErr error
		if isClose {
			cancelErr = lvl.CancelClose()
		} else {
			cancelErr = lvl.CancelOpen()
		}
		if cancelErr != nil {
			logger.Debugf("executor(%s): level %s cancel transition skipped: %v", e.cfg.Symbol, lvl.ID, cancelErr)
			return
		}
		e.recordLevelEvent(lvl, legLabel(isClose), string(status.Status))
	}
}

func legLabel(isClose bool) string {
	if isClose {
		return "close"
	}
	return "open"
}

// riskGate checks price deviation from the channel centre, per §4.5 step 3.
func (e *Executor) riskGate(mid decimal.Decimal) RiskAction {
	if e.cfg.MaxGridDeviation.Sign() <= 0 {
		return RiskOK
	}
	center := e.cfg.Params.Upper.Add(e.cfg.Params.Lower).Div(decimal.NewFromInt(2))
	if center.IsZero() {
		return RiskOK
	}
	deviation := mid.Sub(center).Abs().Div(center)
	if deviation.GreaterThan(e.cfg.MaxGridDeviation) {
		logger.Warnf("executor(%s): price deviation %s exceeds max_grid_deviation %s", e.cfg.Symbol, deviation, e.cfg.MaxGridDeviation)
		return RiskShutdown
	}
	return RiskOK
}

// levelsToOpen selects NOT_ACTIVE levels to open this tick, per §4.5 step 4.
func (e *Executor) levelsToOpen(mid decimal.Decimal) []*gridlevel.Level {
	if time.Since(e.lastBatch) < e.cfg.OrderFrequency {
		return nil
	}

	openPlaced := 0
	var candidates []*gridlevel.Level
	for _, lvl := range e.levels {
		switch lvl.State {
		case gridlevel.OpenPlaced:
			openPlaced++
		case gridlevel.NotActive:
			candidates = append(candidates, lvl)
		}
	}
	if openPlaced >= e.cfg.MaxOpenOrders || len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Price.Sub(mid).Abs().LessThan(candidates[j].Price.Sub(mid).Abs())
	})

	n := e.cfg.MaxOrdersPerBatch
	if n <= 0 || n > len(candidates) {
		n = len(candidates)
	}
	if room := e.cfg.MaxOpenOrders - openPlaced; n > room {
		n = room
	}
	return candidates[:n]
}

func (e *Executor) placeOpen(ctx context.Context, lvl *gridlevel.Level) {
	clientOrderID := uuid.NewString()
	open, err := e.client.PlaceLimitOrder(ctx, exchange.LimitOrderRequest{
		Symbol:        e.cfg.Symbol,
		Side:          e.cfg.Side,
		PositionSide:  e.cfg.PositionSide,
		Price:         lvl.Price,
		Quantity:      lvl.Quantity,
		ClientOrderID: clientOrderID,
	})
	if err != nil {
		logger.Warnf("executor(%s): open placement failed for level %s: %v", e.cfg.Symbol, lvl.ID, err)
		return
	}

	if err := lvl.PlaceOpen(gridlevel.TrackedOrder{
		ExchangeOrderID: open.OrderID,
		Side:            e.cfg.Side,
		OrigQty:         lvl.Quantity,
		Price:           lvl.Price,
		Status:          gridlevel.OrderNew,
	}); err != nil {
		logger.Warnf("executor(%s): level %s rejected open transition: %v", e.cfg.Symbol, lvl.ID, err)
		return
	}
	e.lastBatch = time.Now()
	e.recordLevelEvent(lvl, "open", "placed")
}

// closeSide returns the order side that takes profit on this executor's
// position direction: the LONG executor closes by selling, SHORT by buying.
func (e *Executor) closeSide() gridlevel.Side {
	if e.cfg.Side == gridlevel.Buy {
		return gridlevel.Sell
	}
	return gridlevel.Buy
}

// closePrice computes the take-profit price per §4.5: open fill price
// scaled by (1 ± take_profit_ratio), nudged by safe_extra_spread if it
// would cross the adverse side of the reference price.
func (e *Executor) closePrice(lvl *gridlevel.Level, reference decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	var price decimal.Decimal
	if e.cfg.Side == gridlevel.Buy {
		price = lvl.OpenFillPrice.Mul(one.Add(e.cfg.TakeProfitRatio))
		if price.LessThanOrEqual(reference) {
			price = reference.Mul(one.Add(e.cfg.SafeExtraSpread))
		}
	} else {
		price = lvl.OpenFillPrice.Mul(one.Sub(e.cfg.TakeProfitRatio))
		if price.GreaterThanOrEqual(reference) {
			price = reference.Mul(one.Sub(e.cfg.SafeExtraSpread))
		}
	}
	return price
}

func (e *Executor) placeClose(ctx context.Context, lvl *gridlevel.Level) {
	snap := e.feed.Latest()
	price := e.closePrice(lvl, snap.Mid)

	close, err := e.client.PlaceLimitOrder(ctx, exchange.LimitOrderRequest{
		Symbol:        e.cfg.Symbol,
		Side:          e.closeSide(),
		PositionSide:  e.cfg.PositionSide,
		Price:         price,
		Quantity:      lvl.Quantity,
		ClientOrderID: uuid.NewString(),
	})
	if err != nil {
		logger.Warnf("executor(%s): close placement failed for level %s: %v", e.cfg.Symbol, lvl.ID, err)
		return
	}

	if err := lvl.PlaceClose(gridlevel.TrackedOrder{
		ExchangeOrderID: close.OrderID,
		Side:            e.closeSide(),
		OrigQty:         lvl.Quantity,
		Price:           price,
		Status:          gridlevel.OrderNew,
	}); err != nil {
		logger.Warnf("executor(%s): level %s rejected close transition: %v", e.cfg.Symbol, lvl.ID, err)
		return
	}
	e.recordLevelEvent(lvl, "close", "placed")
}

// recycleCompleted resets COMPLETE levels to NOT_ACTIVE so they're reusable
// next tick, per §4.5 step 6 — this is where PnL accrues in a range-bound
// market.
func (e *Executor) recycleCompleted() {
	for _, lvl := range e.levels {
		if lvl.State == gridlevel.Complete {
			e.recordLevelEvent(lvl, "complete", "recycled")
			if err := lvl.Reset(); err != nil {
				logger.Warnf("executor(%s): level %s reset failed: %v", e.cfg.Symbol, lvl.ID, err)
			}
		}
	}
}

func (e *Executor) recordLevelEvent(lvl *gridlevel.Level, kind, message string) {
	if e.sink == nil {
		return
	}
	price, _ := lvl.Price.Float64()
	qty, _ := lvl.Quantity.Float64()
	if err := e.sink.RecordLevelEvent(&store.GridLevelEventModel{
		RunID: e.runID, LevelID: lvl.ID, ToState: string(lvl.State),
		Side: string(lvl.Side), Price: price, Quantity: qty, Message: kind + ": " + message,
	}); err != nil {
		logger.Warnf("executor: failed to record level event for %s: %v", lvl.ID, err)
	}
}

// Levels exposes the executor's current level set, read-only, for the
// controller's status reporting.
func (e *Executor) Levels() []*gridlevel.Level {
	return e.levels
}
