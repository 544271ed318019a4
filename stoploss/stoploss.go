// Package stoploss watches the ATR channel bounds and both accounts'
// health, and drives the teardown protocol when either trips: cancel every
// resting order, close every open position (most-loss-first), verify zero
// residual, and retry until clean or until an emergency loop times out.
// Grounded on stop_loss_manager.py's StopLossManager, generalized from an
// asyncio.Lock + asyncio.wait_for pair to a sync/atomic.Bool latch and
// context.WithTimeout, per spec.md §4.7.
package stoploss

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"hedgegrid/account"
	"hedgegrid/exchange"
	"hedgegrid/logger"
	"hedgegrid/store"

	"github.com/shopspring/decimal"
)

// Reason names why teardown was triggered.
type Reason string

const (
	ReasonATRChannelBreakout Reason = "ATR_CHANNEL_BREAKOUT"
	ReasonAccountFailure     Reason = "ACCOUNT_FAILURE"
	ReasonEmergencyStop      Reason = "EMERGENCY_STOP"
	ReasonStartupFailure     Reason = "STARTUP_FAILURE"

	// ReasonManualShutdown covers an operator-requested stop (SIGINT/SIGTERM
	// or an explicit stop call) — the same teardown protocol runs, but this
	// is not one of the four CRITICAL alert triggers.
	ReasonManualShutdown Reason = "MANUAL_SHUTDOWN"
)

const (
	defaultMaxRetries       = 3
	defaultRetryDelay       = 1 * time.Second
	defaultEmergencyTimeout = 30 * time.Second
	closeThrottle           = 500 * time.Millisecond
)

// Config holds the manager's tunable retry/timeout knobs, per spec.md §6.
type Config struct {
	MaxRetries       int
	RetryDelay       time.Duration
	EmergencyTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.EmergencyTimeout <= 0 {
		c.EmergencyTimeout = defaultEmergencyTimeout
	}
}

// Status is a snapshot of the manager's current state, for monitoring.
type Status struct {
	Active       bool
	Reason       Reason
	InProgress   bool
	LongHealthy  bool
	ShortHealthy bool
	UpperBound   decimal.Decimal
	LowerBound   decimal.Decimal
}

// Manager holds the channel bounds and drives teardown when a trigger
// fires. The stop_in_progress latch is a CompareAndSwap bool: concurrent
// triggers collapse to one in-flight teardown, per spec.md §4.7 step 1.
type Manager struct {
	dual   *account.Manager
	symbol string
	sink   store.EventSink
	runID  string
	cfg    Config

	upperBound atomic.Value // decimal.Decimal
	lowerBound atomic.Value // decimal.Decimal

	active     atomic.Bool
	inProgress atomic.Bool
	reason     atomic.Value // Reason

	longHealthy  atomic.Bool
	shortHealthy atomic.Bool
}

// New builds a Manager over the dual-account manager for symbol. sink may
// be nil (no-op audit trail); runID tags every teardown event it records.
func New(dual *account.Manager, symbol string, sink store.EventSink, runID string, cfg Config) *Manager {
	cfg.setDefaults()
	m := &Manager{dual: dual, symbol: symbol, sink: sink, runID: runID, cfg: cfg}
	m.longHealthy.Store(true)
	m.shortHealthy.Store(true)
	return m
}

// SetChannelBounds installs the latest ATR stop-loss lines computed by the
// grid calculator (§4.3's StopLossUpper/StopLossLower).
func (m *Manager) SetChannelBounds(upper, lower decimal.Decimal) {
	m.upperBound.Store(upper)
	m.lowerBound.Store(lower)
	logger.Infof("stoploss: channel bounds set upper=%s lower=%s", upper, lower)
}

// CheckChannelBreakout returns true (and logs) if currentPrice has reached
// or crossed either installed bound (a price equal to a bound counts).
func (m *Manager) CheckChannelBreakout(currentPrice decimal.Decimal) bool {
	upperVal := m.upperBound.Load()
	lowerVal := m.lowerBound.Load()
	if upperVal == nil || lowerVal == nil {
		return false
	}
	upper := upperVal.(decimal.Decimal)
	lower := lowerVal.(decimal.Decimal)

	if currentPrice.GreaterThanOrEqual(upper) {
		logger.Warnf("stoploss: price %s breached upper channel %s", currentPrice, upper)
		return true
	}
	if currentPrice.LessThanOrEqual(lower) {
		logger.Warnf("stoploss: price %s breached lower channel %s", currentPrice, lower)
		return true
	}
	return false
}

// Status reports the manager's current state.
func (m *Manager) Status() Status {
	reason, _ := m.reason.Load().(Reason)
	return Status{
		Active:       m.active.Load(),
		Reason:       reason,
		InProgress:   m.inProgress.Load(),
		LongHealthy:  m.longHealthy.Load(),
		ShortHealthy: m.shortHealthy.Load(),
		UpperBound:   m.loadOrZero(&m.upperBound),
		LowerBound:   m.loadOrZero(&m.lowerBound),
	}
}

func (m *Manager) loadOrZero(v *atomic.Value) decimal.Decimal {
	if d, ok := v.Load().(decimal.Decimal); ok {
		return d
	}
	return decimal.Zero
}

// Reset clears stop-loss state (used when the controller restarts a run).
func (m *Manager) Reset() {
	m.active.Store(false)
	m.inProgress.Store(false)
	m.reason.Store(Reason(""))
	m.longHealthy.Store(true)
	m.shortHealthy.Store(true)
}

// ExecuteStopLoss runs the full teardown protocol for reason. Concurrent
// calls collapse into the single in-flight attempt — a losing caller gets
// true back immediately without waiting for the winner to finish.
func (m *Manager) ExecuteStopLoss(ctx context.Context, reason Reason) bool {
	if !m.inProgress.CompareAndSwap(false, true) {
		logger.Warnf("stoploss: teardown already in progress, ignoring duplicate trigger %s", reason)
		return true
	}
	defer m.inProgress.Store(false)

	m.active.Store(true)
	m.reason.Store(reason)
	if reason == ReasonManualShutdown {
		logger.Infof("stoploss: executing teardown, reason=%s", reason)
	} else {
		logger.Errorf("stoploss: CRITICAL teardown trigger, reason=%s", reason)
	}

	ok := m.teardown(ctx)
	if ok {
		logger.Infof("stoploss: teardown completed cleanly for reason=%s", reason)
		return true
	}

	logger.Errorf("stoploss: ordered teardown failed, entering emergency loop")
	return m.emergencyStop(ctx)
}

func (m *Manager) teardown(ctx context.Context) bool {
	m.recordStep("cancel_all", "", true, "")
	longErr, shortErr := m.dual.CancelAllOrders(ctx)
	if longErr != nil || shortErr != nil {
		logger.Errorf("stoploss: cancel-all had errors long=%v short=%v, continuing to close", longErr, shortErr)
	}

	positions := m.snapshotPositions()
	if len(positions) == 0 {
		logger.Infof("stoploss: no open positions to close")
		return m.verify(ctx)
	}

	if !m.closePositionsOrdered(ctx, positions) {
		return false
	}

	for attempt := 1; attempt <= m.cfg.MaxRetries; attempt++ {
		if m.verify(ctx) {
			return true
		}
		logger.Warnf("stoploss: verification failed, attempt %d/%d", attempt, m.cfg.MaxRetries)
		time.Sleep(m.cfg.RetryDelay)
	}
	return false
}

// taggedPosition pairs a position with which account it lives on.
type taggedPosition struct {
	side account.Side
	pos  exchange.Position
}

func (m *Manager) snapshotPositions() []taggedPosition {
	var tagged []taggedPosition
	for _, p := range m.dual.Snapshot(account.Long).Positions {
		if p.Size.Sign() != 0 {
			tagged = append(tagged, taggedPosition{side: account.Long, pos: p})
		}
	}
	for _, p := range m.dual.Snapshot(account.Short).Positions {
		if p.Size.Sign() != 0 {
			tagged = append(tagged, taggedPosition{side: account.Short, pos: p})
		}
	}
	return tagged
}

// closePositionsOrdered closes positions ordered by unrealized PnL
// ascending (most-loss first), per spec.md §4.7 step 3-4.
func (m *Manager) closePositionsOrdered(ctx context.Context, positions []taggedPosition) bool {
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].pos.UnrealizedPnL.LessThan(positions[j].pos.UnrealizedPnL)
	})

	for _, tp := range positions {
		ok := m.closeOne(ctx, tp)
		pnlF, _ := tp.pos.UnrealizedPnL.Float64()
		m.recordTeardownStep("close_position", string(tp.side), tp.pos, ok, pnlF)
		if !ok {
			return false
		}
		time.Sleep(closeThrottle)
	}
	return true
}

func (m *Manager) closeOne(ctx context.Context, tp taggedPosition) bool {
	if err := m.dual.ClosePosition(ctx, tp.side, tp.pos); err != nil {
		logger.Errorf("stoploss: close failed on %s account: %v", tp.side, err)
		return false
	}
	return true
}

// verify confirms both accounts hold zero position and zero open orders.
func (m *Manager) verify(ctx context.Context) bool {
	if err := m.dual.SyncAccountInfo(ctx); err != nil {
		logger.Errorf("stoploss: verify sync failed: %v", err)
		return false
	}

	longSnap := m.dual.Snapshot(account.Long)
	shortSnap := m.dual.Snapshot(account.Short)

	for _, p := range longSnap.Positions {
		if p.Size.Sign() != 0 {
			return false
		}
	}
	for _, p := range shortSnap.Positions {
		if p.Size.Sign() != 0 {
			return false
		}
	}
	if len(longSnap.OpenOrders) != 0 || len(shortSnap.OpenOrders) != 0 {
		return false
	}
	return true
}

// emergencyStop retries cancel-all and close-all repeatedly until
// EmergencyTimeout elapses, per spec.md §4.7 step 6.
func (m *Manager) emergencyStop(ctx context.Context) bool {
	emergencyCtx, cancel := context.WithTimeout(ctx, m.cfg.EmergencyTimeout)
	defer cancel()

	done := make(chan bool, 1)
	go func() {
		done <- m.emergencyLoop(emergencyCtx)
	}()

	select {
	case ok := <-done:
		return ok
	case <-emergencyCtx.Done():
		logger.Errorf("stoploss: CRITICAL emergency stop timed out after %s", m.cfg.EmergencyTimeout)
		m.recordStep("emergency_timeout", "", false, "emergency stop timed out")
		return false
	}
}

func (m *Manager) emergencyLoop(ctx context.Context) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		longErr, shortErr := m.dual.CancelAllOrders(ctx)
		if longErr != nil || shortErr != nil {
			logger.Errorf("stoploss: emergency cancel-all errors long=%v short=%v", longErr, shortErr)
		}

		positions := m.snapshotPositions()
		if len(positions) == 0 {
			if m.verify(ctx) {
				return true
			}
		} else {
			longErr, shortErr = m.dual.CloseAllPositions(ctx)
			if longErr != nil || shortErr != nil {
				logger.Errorf("stoploss: emergency close-all errors long=%v short=%v", longErr, shortErr)
			}
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(m.cfg.RetryDelay):
		}
	}
}

// CheckAccountHealth polls both accounts via the dual-account manager and
// triggers ACCOUNT_FAILURE teardown on a healthy→unhealthy transition.
func (m *Manager) CheckAccountHealth(ctx context.Context) bool {
	health := m.dual.HealthCheck(ctx)

	wasLongHealthy := m.longHealthy.Swap(health.Long.Healthy)
	wasShortHealthy := m.shortHealthy.Swap(health.Short.Healthy)

	if wasLongHealthy && !health.Long.Healthy {
		logger.Errorf("stoploss: long account became unhealthy: %s", health.Long.Reason)
		m.ExecuteStopLoss(ctx, ReasonAccountFailure)
		return false
	}
	if wasShortHealthy && !health.Short.Healthy {
		logger.Errorf("stoploss: short account became unhealthy: %s", health.Short.Reason)
		m.ExecuteStopLoss(ctx, ReasonAccountFailure)
		return false
	}
	return health.Long.Healthy && health.Short.Healthy
}

// CheckStartupHealth retries the health check up to maxRetries times
// before triggering STARTUP_FAILURE teardown and returning false.
func (m *Manager) CheckStartupHealth(ctx context.Context, maxRetries int) bool {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		health := m.dual.HealthCheck(ctx)
		if health.Long.Healthy && health.Short.Healthy {
			return true
		}
		logger.Warnf("stoploss: startup health check failed (attempt %d/%d): long=%v short=%v",
			attempt, maxRetries, health.Long.Healthy, health.Short.Healthy)
		if attempt < maxRetries {
			time.Sleep(2 * time.Second)
		}
	}

	logger.Errorf("stoploss: startup health check failed after %d attempts", maxRetries)
	m.ExecuteStopLoss(ctx, ReasonStartupFailure)
	return false
}

func (m *Manager) recordStep(step, acct string, success bool, message string) {
	if m.sink == nil {
		return
	}
	if err := m.sink.RecordTeardownEvent(&store.TeardownEventModel{
		RunID: m.runID, Step: step, Account: acct, Symbol: m.symbol, Success: success, Message: message,
	}); err != nil {
		logger.Warnf("stoploss: failed to record teardown step %s: %v", step, err)
	}
}

func (m *Manager) recordTeardownStep(step, acct string, pos exchange.Position, success bool, pnl float64) {
	if m.sink == nil {
		return
	}
	size, _ := pos.Size.Float64()
	price, _ := pos.EntryPrice.Float64()
	if err := m.sink.RecordTeardownEvent(&store.TeardownEventModel{
		RunID: m.runID, Step: step, Account: acct, Symbol: pos.Symbol,
		Size: size, Price: price, PnL: pnl, Success: success,
	}); err != nil {
		logger.Warnf("stoploss: failed to record teardown step %s: %v", step, err)
	}
}
