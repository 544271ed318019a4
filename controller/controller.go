// Package controller is the top-level orchestrator: the only long-lived
// task. It brings both accounts up, runs the pre-start cleanup, computes
// the frozen grid parameters once, spawns the two executors and the
// stop-loss monitor, and supervises the run until a shutdown trigger or an
// external signal ends it. Grounded on dual_grid_controller.py's
// DualGridController (initialize/pre_start_cleanup/balance_accounts/
// calculate_grid_parameters/create_executors/start_grid/stop_grid), with
// its asyncio tasks replaced by goroutines and its signal handler moved to
// cmd/hedgegrid/main.go (idiomatic Go: context cancellation propagates the
// shutdown, the controller doesn't register its own signal.Signal handler).
package controller

import (
	"context"
	"sync"
	"time"

	"hedgegrid/account"
	"hedgegrid/atrengine"
	"hedgegrid/config"
	"hedgegrid/enginerr"
	"hedgegrid/exchange"
	"hedgegrid/executor"
	"hedgegrid/filters"
	"hedgegrid/gridcalc"
	"hedgegrid/gridlevel"
	"hedgegrid/logger"
	"hedgegrid/market"
	"hedgegrid/stoploss"
	"hedgegrid/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Exit codes, per spec.md §6.
const (
	ExitClean             = 0
	ExitStartupFailure    = 1
	ExitStopLossTripped   = 2
	ExitEmergencyNotClean = 3
)

const (
	tickInterval         = 1 * time.Second
	candleRefreshInterval = 30 * time.Second
	candleBuffer          = 5
	preStartRetries       = 3
	preStartRetryDelay    = 2 * time.Second
)

// Controller owns both exchange handles, the dual-account manager, the
// shared price feed, both executors, and the stop-loss manager. It is the
// controller that owns executors and the stop-loss manager; the stop-loss
// manager only receives the dual-account manager, never the executors
// themselves (per spec.md §9's cyclic-reference note).
type Controller struct {
	cfg    *config.Config
	symbol string

	longClient  exchange.GridClient
	shortClient exchange.GridClient

	feed *market.Feed
	dual *account.Manager
	stop *stoploss.Manager
	sink store.EventSink
	runID string

	longExec  *executor.Executor
	shortExec *executor.Executor

	symbolFilters filters.SymbolFilters
	params        *gridcalc.Parameters
}

// New builds a Controller. feed must not yet be started; Run calls
// feed.Start during its startup sequence.
func New(cfg *config.Config, longClient, shortClient exchange.GridClient, feed *market.Feed, sink store.EventSink) *Controller {
	runID := uuid.NewString()
	dual := account.New(cfg.Symbol, longClient, shortClient, cfg.BalanceTolerance)
	stopCfg := stoploss.Config{
		MaxRetries:       cfg.MaxStopLossRetries,
		RetryDelay:       1 * time.Second,
		EmergencyTimeout: time.Duration(cfg.EmergencyTimeoutSeconds) * time.Second,
	}
	stop := stoploss.New(dual, cfg.Symbol, sink, runID, stopCfg)

	return &Controller{
		cfg:         cfg,
		symbol:      cfg.Symbol,
		longClient:  longClient,
		shortClient: shortClient,
		feed:        feed,
		dual:        dual,
		stop:        stop,
		sink:        sink,
		runID:       runID,
	}
}

// Run executes the full startup sequence, then supervises the run until
// ctx is cancelled (SIGINT/SIGTERM, handled by the caller) or a stop-loss
// trigger fires. It returns one of the §6 exit codes.
func (c *Controller) Run(ctx context.Context) int {
	if err := c.startup(ctx); err != nil {
		logger.Errorf("controller: CRITICAL startup failed: %v", err)
		c.stop.ExecuteStopLoss(context.Background(), stoploss.ReasonStartupFailure)
		c.recordRunStart()
		c.recordRunEnd("startup_failed")
		return ExitStartupFailure
	}
	c.recordRunStart()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); c.feed.Run(runCtx, candleRefreshInterval) }()
	go func() { defer wg.Done(); c.longExec.Run(runCtx, tickInterval) }()
	go func() { defer wg.Done(); c.shortExec.Run(runCtx, tickInterval) }()

	code := c.supervise(ctx, cancel)
	wg.Wait()

	c.recordRunEnd(exitStatusLabel(code))
	logger.Infof("controller: run finished, exit_code=%d", code)
	return code
}

func exitStatusLabel(code int) string {
	switch code {
	case ExitClean:
		return "stopped"
	case ExitStopLossTripped:
		return "stop_loss_tripped"
	case ExitEmergencyNotClean:
		return "emergency_not_clean"
	default:
		return "error"
	}
}

// startup implements spec.md §4.8's numbered startup sequence.
func (c *Controller) startup(ctx context.Context) error {
	logger.Infof("controller: initializing accounts for %s", c.symbol)
	if err := c.dual.Initialize(ctx); err != nil {
		return enginerr.New(enginerr.APIError, "controller.startup.initialize", err)
	}

	symbolFilters, err := c.longClient.GetSymbolFilters(ctx, c.symbol)
	if err != nil {
		return enginerr.New(enginerr.APIError, "controller.startup.filters", err)
	}
	c.symbolFilters = symbolFilters

	if err := c.longClient.SetLeverage(ctx, c.symbol, c.cfg.MaxLeverage); err != nil {
		return enginerr.New(enginerr.APIError, "controller.startup.setLeverage.long", err)
	}
	if err := c.shortClient.SetLeverage(ctx, c.symbol, c.cfg.MaxLeverage); err != nil {
		return enginerr.New(enginerr.APIError, "controller.startup.setLeverage.short", err)
	}

	if err := c.preStartCleanup(ctx); err != nil {
		return err
	}

	c.balanceAdvisory()

	if err := c.feed.Start(ctx); err != nil {
		return enginerr.New(enginerr.NetworkError, "controller.startup.feed", err)
	}

	if !c.stop.CheckStartupHealth(ctx, preStartRetries) {
		return enginerr.Newf(enginerr.APIError, "controller.startup.health", "account health check failed at startup")
	}

	params, err := c.computeParameters(ctx)
	if err != nil {
		return err
	}
	c.params = params
	c.stop.SetChannelBounds(params.StopLossUpper, params.StopLossLower)

	c.spawnExecutors(params)

	logger.Infof("controller: grid parameters frozen: range=[%s,%s] levels=%d spacing=%s leverage=%d",
		params.Lower, params.Upper, params.GridLevels, params.GridSpacing, params.SafeLeverage)
	return nil
}

// preStartCleanup cancels every resting order and closes every position on
// both accounts, unconditionally, then verifies zero state — per §4.8 step
// 2, run even if the operator believes the accounts are already clean.
func (c *Controller) preStartCleanup(ctx context.Context) error {
	logger.Infof("controller: pre-start cleanup")

	for attempt := 1; attempt <= preStartRetries; attempt++ {
		if longErr, shortErr := c.dual.CancelAllOrders(ctx); longErr != nil || shortErr != nil {
			logger.Warnf("controller: pre-start cancel-all errors long=%v short=%v", longErr, shortErr)
		}
		if longErr, shortErr := c.dual.CloseAllPositions(ctx); longErr != nil || shortErr != nil {
			logger.Warnf("controller: pre-start close-all errors long=%v short=%v", longErr, shortErr)
		}
		time.Sleep(preStartRetryDelay)

		if err := c.dual.SyncAccountInfo(ctx); err != nil {
			logger.Warnf("controller: pre-start sync failed: %v", err)
			continue
		}
		if c.verifyCleanState() {
			logger.Infof("controller: pre-start cleanup verified clean state")
			return nil
		}
		logger.Warnf("controller: pre-start cleanup not yet clean, attempt %d/%d", attempt, preStartRetries)
	}

	return enginerr.Newf(enginerr.PositionError, "controller.preStartCleanup",
		"failed to reach zero position/order state after %d attempts", preStartRetries)
}

func (c *Controller) verifyCleanState() bool {
	long := c.dual.Snapshot(account.Long)
	short := c.dual.Snapshot(account.Short)

	for _, p := range long.Positions {
		if p.Size.Sign() != 0 {
			return false
		}
	}
	for _, p := range short.Positions {
		if p.Size.Sign() != 0 {
			return false
		}
	}
	return len(long.OpenOrders) == 0 && len(short.OpenOrders) == 0
}

// balanceAdvisory warns on misalignment without blocking startup — per
// §4.8 step 3, inter-account transfer is operator-initiated only.
func (c *Controller) balanceAdvisory() {
	alignment := c.dual.BalanceAlignment()
	if !alignment.Aligned {
		logger.Warnf("controller: accounts not balanced (long=%s short=%s ratio=%s) — advisory only, rebalance manually",
			alignment.LongBalance, alignment.ShortBalance, alignment.Ratio)
	}
}

// computeParameters ingests candles, computes the ATR channel, selects a
// leverage bracket, and freezes GridParameters for the run — per §4.8 step
// 4, executed exactly once.
func (c *Controller) computeParameters(ctx context.Context) (*gridcalc.Parameters, error) {
	candles, err := c.longClient.GetCandles(ctx, c.symbol, c.cfg.ATRTimeframe, c.cfg.ATRPeriod+candleBuffer)
	if err != nil {
		return nil, enginerr.New(enginerr.NetworkError, "controller.computeParameters.candles", err)
	}

	converted := make([]atrengine.Candle, len(candles))
	for i, cd := range candles {
		open, _ := cd.Open.Float64()
		high, _ := cd.High.Float64()
		low, _ := cd.Low.Float64()
		closeP, _ := cd.Close.Float64()
		volume, _ := cd.Volume.Float64()
		converted[i] = atrengine.Candle{OpenTime: cd.OpenTime, Open: open, High: high, Low: low, Close: closeP, Volume: volume}
	}

	atrResult, err := atrengine.Compute(converted, atrengine.Config{Period: c.cfg.ATRPeriod, Multiplier: c.cfg.ATRMultiplier})
	if err != nil {
		return nil, err
	}

	brackets, err := c.longClient.GetLeverageBrackets(ctx, c.symbol)
	if err != nil {
		return nil, enginerr.New(enginerr.APIError, "controller.computeParameters.brackets", err)
	}

	unifiedMargin := c.dual.UnifiedMargin()
	estimatedNotional := unifiedMargin.Mul(decimal.NewFromInt(int64(c.cfg.MaxLeverage)))
	bracket, _ := gridcalc.BracketFor(estimatedNotional, brackets)

	gcCfg := gridcalc.Config{
		TargetProfitRate: decimal.NewFromFloat(c.cfg.TargetProfitRate),
		MakerFee:         decimal.NewFromFloat(c.cfg.MakerFee),
		SafetyFactor:     decimal.NewFromFloat(c.cfg.SafetyFactor),
		FundUtilization:  decimal.NewFromFloat(c.cfg.FundUtilization),
		MaxLeverage:      c.cfg.MaxLeverage,
	}

	params, err := gridcalc.Compute(atrResult.Upper, atrResult.Lower, atrResult.ATRValue,
		bracket.MaintenanceMarginRate, unifiedMargin, bracket.MaxLeverage, c.symbolFilters, gcCfg)
	if err != nil {
		return nil, err
	}
	return &params, nil
}

// spawnExecutors builds the LONG and SHORT executors over the same frozen
// parameters — per §4.8 step 5, a single executor template parameterized
// by side.
func (c *Controller) spawnExecutors(params *gridcalc.Parameters) {
	base := executor.Config{
		Symbol:            c.symbol,
		Params:            params,
		TakeProfitRatio:   decimal.NewFromFloat(c.cfg.TakeProfitRatio),
		SafeExtraSpread:   decimal.NewFromFloat(c.cfg.SafeExtraSpread),
		MaxOpenOrders:     c.cfg.MaxOpenOrders,
		MaxOrdersPerBatch: c.cfg.MaxOrdersPerBatch,
		OrderFrequency:    time.Duration(c.cfg.OrderFrequencySeconds) * time.Second,
		MaxGridDeviation:  decimal.NewFromFloat(c.cfg.MaxGridDeviation),
	}

	longCfg := base
	longCfg.Side = gridlevel.Buy
	longCfg.PositionSide = exchange.PositionLong
	c.longExec = executor.New(longCfg, c.longClient, c.feed, c.sink, c.runID)

	shortCfg := base
	shortCfg.Side = gridlevel.Sell
	shortCfg.PositionSide = exchange.PositionShort
	c.shortExec = executor.New(shortCfg, c.shortClient, c.feed, c.sink, c.runID)
}

// supervise runs the 10s health/exposure checks of §4.8's running phase
// until ctx is cancelled (external shutdown) or a trigger condition fires.
func (c *Controller) supervise(ctx context.Context, cancelRun context.CancelFunc) int {
	interval := time.Duration(c.cfg.HealthCheckIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Infof("controller: shutdown requested, draining executors")
			cancelRun()
			if !c.stop.ExecuteStopLoss(context.Background(), stoploss.ReasonManualShutdown) {
				return ExitEmergencyNotClean
			}
			return ExitClean

		case <-ticker.C:
			if err := c.dual.SyncAccountInfo(ctx); err != nil {
				logger.Warnf("controller: supervisor sync failed: %v", err)
				continue
			}
			if reason, tripped := c.checkConditions(ctx); tripped {
				logger.Errorf("controller: CRITICAL supervisor trigger, reason=%s", reason)
				cancelRun()
				if !c.stop.ExecuteStopLoss(context.Background(), reason) {
					return ExitEmergencyNotClean
				}
				return ExitStopLossTripped
			}
		}
	}
}

// checkConditions evaluates §4.8's running-phase checks, in priority
// order: account health, channel breakout, net exposure.
func (c *Controller) checkConditions(ctx context.Context) (stoploss.Reason, bool) {
	health := c.dual.HealthCheck(ctx)
	if !health.Long.Healthy || !health.Short.Healthy {
		return stoploss.ReasonAccountFailure, true
	}

	if mid := c.feed.Latest().Mid; !mid.IsZero() && c.stop.CheckChannelBreakout(mid) {
		return stoploss.ReasonATRChannelBreakout, true
	}

	if c.netExposureBreached() {
		return stoploss.ReasonEmergencyStop, true
	}

	return "", false
}

// netExposureBreached reports whether |Σ long_size − Σ short_size| exceeds
// max_net_position, per §4.8's running-phase checks.
func (c *Controller) netExposureBreached() bool {
	maxNet := decimal.NewFromFloat(c.cfg.MaxNetPosition)
	if maxNet.Sign() <= 0 {
		return false
	}

	var longSize, shortSize decimal.Decimal
	for _, p := range c.dual.Snapshot(account.Long).Positions {
		if p.Symbol == c.symbol {
			longSize = longSize.Add(p.Size)
		}
	}
	for _, p := range c.dual.Snapshot(account.Short).Positions {
		if p.Symbol == c.symbol {
			shortSize = shortSize.Add(p.Size)
		}
	}

	net := longSize.Sub(shortSize).Abs()
	if net.GreaterThan(maxNet) {
		logger.Warnf("controller: net exposure %s exceeds max_net_position %s", net, maxNet)
		return true
	}
	return false
}

func (c *Controller) recordRunStart() {
	if c.sink == nil {
		return
	}
	run := &store.GridRunModel{ID: c.runID, Symbol: c.symbol, Status: "running"}
	if p := c.params; p != nil {
		run.Upper, _ = p.Upper.Float64()
		run.Lower, _ = p.Lower.Float64()
		run.GridSpacing, _ = p.GridSpacing.Float64()
		run.AmountPerGrid, _ = p.AmountPerGrid.Float64()
		run.QuantityPerGrid, _ = p.QuantityPerGrid.Float64()
		run.StopLossUpper, _ = p.StopLossUpper.Float64()
		run.StopLossLower, _ = p.StopLossLower.Float64()
		run.GridLevels, run.SafeLeverage = p.GridLevels, p.SafeLeverage
	}
	if err := c.sink.RecordRunStart(run); err != nil {
		logger.Warnf("controller: failed to record run start: %v", err)
	}
}

func (c *Controller) recordRunEnd(status string) {
	if c.sink == nil {
		return
	}
	if err := c.sink.RecordRunEnd(c.runID, status, time.Now()); err != nil {
		logger.Warnf("controller: failed to record run end: %v", err)
	}
}

// RunID exposes the run identifier tagging every event this run writes to
// the audit store.
func (c *Controller) RunID() string { return c.runID }

// Params exposes the frozen grid parameters, valid only after Run's
// startup sequence has completed.
func (c *Controller) Params() *gridcalc.Parameters { return c.params }
