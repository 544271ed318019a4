// Package account manages the two hedge-mode exchange handles (a LONG-only
// account and a SHORT-only account): parallel snapshot refresh, the unified
// margin figure the grid calculator consumes, balance-alignment checks, and
// the fan-out cancel/close operations the stop-loss manager drives during
// teardown. Grounded on dual_account_manager.py's DualAccountManager,
// generalized from asyncio.gather to goroutines + sync.WaitGroup, matching
// the teacher's own fan-out idiom in trader/position_sync.go.
package account

import (
	"context"
	"sync"
	"time"

	"hedgegrid/enginerr"
	"hedgegrid/exchange"
	"hedgegrid/gridlevel"
	"hedgegrid/logger"

	"github.com/shopspring/decimal"
)

const defaultBalanceTolerance = 0.05

// Side names one of the two accounts, used only for logging/labeling.
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// Alignment reports how closely the two accounts' available balances track
// each other, per spec.md §4.6.
type Alignment struct {
	LongBalance  decimal.Decimal
	ShortBalance decimal.Decimal
	Difference   decimal.Decimal
	Ratio        decimal.Decimal
	Aligned      bool
}

// HealthStatus is the per-account outcome of a health probe, plus whether
// the two accounts' positions are aligned (only meaningful when both
// accounts are individually healthy).
type HealthStatus struct {
	Long             exchange.HealthResult
	Short            exchange.HealthResult
	PositionsAligned bool
}

// Manager owns the LONG and SHORT exchange handles and caches their most
// recent snapshots. All cache reads/writes are guarded by mu; refreshes
// replace both snapshots together so readers never see one leg updated
// and the other stale by more than one sync cycle.
type Manager struct {
	symbol string
	long   exchange.GridClient
	short  exchange.GridClient

	balanceTolerance decimal.Decimal

	mu           sync.RWMutex
	longSnap     exchange.Snapshot
	shortSnap    exchange.Snapshot
	lastSyncTime time.Time
}

// New builds a Manager over the two account handles. balanceTolerance is
// the fractional allowance for §4.6's alignment ratio (0 defaults to 5%).
func New(symbol string, long, short exchange.GridClient, balanceTolerance float64) *Manager {
	if balanceTolerance <= 0 {
		balanceTolerance = defaultBalanceTolerance
	}
	return &Manager{
		symbol:           symbol,
		long:             long,
		short:            short,
		balanceTolerance: decimal.NewFromFloat(balanceTolerance),
	}
}

// Initialize verifies hedge mode on both accounts and performs the first
// snapshot sync. Must succeed before the controller proceeds.
func (m *Manager) Initialize(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make([]error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[0] = m.long.EnsureHedgeMode(ctx)
	}()
	go func() {
		defer wg.Done()
		errs[1] = m.short.EnsureHedgeMode(ctx)
	}()
	wg.Wait()

	if errs[0] != nil {
		return enginerr.New(enginerr.APIError, "account.Initialize.long", errs[0])
	}
	if errs[1] != nil {
		return enginerr.New(enginerr.APIError, "account.Initialize.short", errs[1])
	}

	return m.SyncAccountInfo(ctx)
}

// SyncAccountInfo fetches both accounts' snapshots in parallel and caches
// them with a monotonically-advancing timestamp.
func (m *Manager) SyncAccountInfo(ctx context.Context) error {
	var wg sync.WaitGroup
	var longSnap, shortSnap exchange.Snapshot
	var longErr, shortErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		longSnap, longErr = m.long.GetSnapshot(ctx, m.symbol)
	}()
	go func() {
		defer wg.Done()
		shortSnap, shortErr = m.short.GetSnapshot(ctx, m.symbol)
	}()
	wg.Wait()

	if longErr != nil {
		return enginerr.New(enginerr.NetworkError, "account.SyncAccountInfo.long", longErr)
	}
	if shortErr != nil {
		return enginerr.New(enginerr.NetworkError, "account.SyncAccountInfo.short", shortErr)
	}

	m.mu.Lock()
	m.longSnap = longSnap
	m.shortSnap = shortSnap
	m.lastSyncTime = time.Now()
	m.mu.Unlock()

	logger.Debugf("account: synced long/short snapshots for %s", m.symbol)
	return nil
}

// Snapshot returns the cached snapshot for one side.
func (m *Manager) Snapshot(side Side) exchange.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if side == Long {
		return m.longSnap
	}
	return m.shortSnap
}

// UnifiedMargin is min(long_available, short_available): the usable-quote
// figure §4.3's grid calculator consumes. Using the minimum guarantees both
// legs can fund the same ladder.
func (m *Manager) UnifiedMargin() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	long := m.longSnap.AvailableBalance
	short := m.shortSnap.AvailableBalance
	if long.LessThan(short) {
		return long
	}
	return short
}

// BalanceAlignment reports the two accounts' available-balance ratio.
// aligned ⇔ ratio ≥ 1 − tolerance.
func (m *Manager) BalanceAlignment() Alignment {
	m.mu.RLock()
	long := m.longSnap.AvailableBalance
	short := m.shortSnap.AvailableBalance
	m.mu.RUnlock()

	diff := long.Sub(short).Abs()
	maxBal := decimal.Max(long, short)
	minBal := decimal.Min(long, short)

	ratio := decimal.Zero
	if maxBal.Sign() > 0 {
		ratio = minBal.Div(maxBal)
	}

	threshold := decimal.NewFromInt(1).Sub(m.balanceTolerance)
	aligned := ratio.GreaterThanOrEqual(threshold)

	if !aligned {
		logger.Warnf("account: balance misaligned for %s: long=%s short=%s ratio=%s", m.symbol, long, short, ratio)
	}

	return Alignment{
		LongBalance:  long,
		ShortBalance: short,
		Difference:   diff,
		Ratio:        ratio,
		Aligned:      aligned,
	}
}

// HealthCheck verifies connectivity/balance/permission on both accounts and,
// if both are healthy, whether their positions are size-aligned.
func (m *Manager) HealthCheck(ctx context.Context) HealthStatus {
	var wg sync.WaitGroup
	var longHealth, shortHealth exchange.HealthResult

	wg.Add(2)
	go func() {
		defer wg.Done()
		longHealth = m.long.HealthCheck(ctx)
	}()
	go func() {
		defer wg.Done()
		shortHealth = m.short.HealthCheck(ctx)
	}()
	wg.Wait()

	status := HealthStatus{Long: longHealth, Short: shortHealth}
	if longHealth.Healthy && shortHealth.Healthy {
		status.PositionsAligned = m.positionsAligned()
	}
	return status
}

func (m *Manager) positionsAligned() bool {
	m.mu.RLock()
	longPositions := m.longSnap.Positions
	shortPositions := m.shortSnap.Positions
	m.mu.RUnlock()

	var longSize, shortSize decimal.Decimal
	for _, p := range longPositions {
		if p.Symbol == m.symbol {
			longSize = longSize.Add(p.Size)
		}
	}
	for _, p := range shortPositions {
		if p.Symbol == m.symbol {
			shortSize = shortSize.Add(p.Size)
		}
	}

	if longSize.IsZero() && shortSize.IsZero() {
		return true
	}
	return longSize.Sub(shortSize).Abs().LessThanOrEqual(decimal.NewFromFloat(0.001))
}

// CancelAllOrders fans out a cancel-all to both accounts in parallel.
// Per-account failures are reported independently; the caller decides how
// to react (the stop-loss manager retries).
func (m *Manager) CancelAllOrders(ctx context.Context) (longErr, shortErr error) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		longErr = m.long.CancelAllOrders(ctx, m.symbol)
	}()
	go func() {
		defer wg.Done()
		shortErr = m.short.CancelAllOrders(ctx, m.symbol)
	}()
	wg.Wait()
	return longErr, shortErr
}

// CloseAllPositions issues a reduce-only market close for every non-zero
// position on both accounts, in parallel across accounts. Per §4.7 step 4,
// ordering within one account (most-loss-first) is the stop-loss manager's
// responsibility; this method takes no position list and closes the
// positions held in each account's current cached snapshot.
func (m *Manager) CloseAllPositions(ctx context.Context) (longErr, shortErr error) {
	longPositions := m.Snapshot(Long).Positions
	shortPositions := m.Snapshot(Short).Positions

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		longErr = m.closeSidePositions(ctx, m.long, longPositions)
	}()
	go func() {
		defer wg.Done()
		shortErr = m.closeSidePositions(ctx, m.short, shortPositions)
	}()
	wg.Wait()
	return longErr, shortErr
}

// ClosePosition issues one reduce-only market close for a single position
// on the named side. Used by the stop-loss manager's ordered, one-at-a-time
// teardown (§4.7 step 4), as distinct from CloseAllPositions' parallel
// fan-out across both accounts.
func (m *Manager) ClosePosition(ctx context.Context, side Side, pos exchange.Position) error {
	client := m.long
	if side == Short {
		client = m.short
	}
	if pos.Size.IsZero() {
		return nil
	}

	_, err := client.PlaceMarketOrder(ctx, exchange.MarketOrderRequest{
		Symbol:       m.symbol,
		Side:         closingSide(pos.Side),
		PositionSide: pos.Side,
		Quantity:     pos.Size,
		ReduceOnly:   true,
	})
	if err != nil {
		return enginerr.New(enginerr.PositionError, "account.ClosePosition", err)
	}
	return nil
}

func (m *Manager) closeSidePositions(ctx context.Context, client exchange.GridClient, positions []exchange.Position) error {
	for _, pos := range positions {
		if pos.Size.IsZero() {
			continue
		}
		side := closingSide(pos.Side)
		_, err := client.PlaceMarketOrder(ctx, exchange.MarketOrderRequest{
			Symbol:       m.symbol,
			Side:         side,
			PositionSide: pos.Side,
			Quantity:     pos.Size,
			ReduceOnly:   true,
		})
		if err != nil {
			return enginerr.New(enginerr.PositionError, "account.closeSidePositions", err)
		}
	}
	return nil
}

// closingSide returns the order side that reduces (closes) a position held
// on positionSide: a LONG position is closed by selling, a SHORT by buying.
func closingSide(positionSide exchange.PositionSide) gridlevel.Side {
	if positionSide == exchange.PositionLong {
		return gridlevel.Sell
	}
	return gridlevel.Buy
}
