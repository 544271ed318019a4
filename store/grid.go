// Package store persists a best-effort audit trail of engine activity:
// one row per controller run, one row per grid-level state transition, and
// one row per stop-loss teardown step. Nothing here sits on the trading
// hot path — every GridStore method tolerates a nil receiver (a "no
// database configured" no-op) and logs its own write errors before
// returning them; the engine's callers only log a returned error and carry
// on, matching spec.md §7's "never block a trading decision on a store
// write" contract.
package store

import (
	"time"

	"hedgegrid/logger"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// GridRunModel is one row per controller run: the frozen grid parameters
// computed at startup plus the run's lifecycle timestamps.
type GridRunModel struct {
	ID              string     `json:"id" gorm:"primaryKey"`
	Symbol          string     `json:"symbol" gorm:"index;not null"`
	StartedAt       time.Time  `json:"started_at" gorm:"not null"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	Status          string     `json:"status" gorm:"not null"`
	Upper           float64    `json:"upper"`
	Lower           float64    `json:"lower"`
	GridSpacing     float64    `json:"grid_spacing"`
	GridLevels      int        `json:"grid_levels"`
	AmountPerGrid   float64    `json:"amount_per_grid"`
	QuantityPerGrid float64    `json:"quantity_per_grid"`
	SafeLeverage    int        `json:"safe_leverage"`
	StopLossUpper   float64    `json:"stop_loss_upper"`
	StopLossLower   float64    `json:"stop_loss_lower"`
}

func (GridRunModel) TableName() string {
	return "grid_runs"
}

// GridLevelEventModel is one row per grid-level state-machine transition
// (§4.4's NOT_ACTIVE/OPEN_PLACED/OPEN_FILLED/CLOSE_PLACED/COMPLETE cycle).
type GridLevelEventModel struct {
	ID         string    `json:"id" gorm:"primaryKey"`
	RunID      string    `json:"run_id" gorm:"index;not null"`
	LevelID    string    `json:"level_id" gorm:"index;not null"`
	LevelIndex int       `json:"level_index"`
	FromState  string    `json:"from_state"`
	ToState    string    `json:"to_state" gorm:"not null"`
	Side       string    `json:"side"`
	Price      float64   `json:"price,omitempty"`
	Quantity   float64   `json:"quantity,omitempty"`
	OrderID    string    `json:"order_id,omitempty"`
	EventTime  time.Time `json:"event_time" gorm:"autoCreateTime"`
	Message    string    `json:"message,omitempty"`
}

func (GridLevelEventModel) TableName() string {
	return "grid_level_events"
}

// TeardownEventModel is one row per step of a stop-loss teardown sequence
// (§4.7: cancel-all, snapshot, close-position, verify, retry).
type TeardownEventModel struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	RunID     string    `json:"run_id" gorm:"index;not null"`
	Step      string    `json:"step" gorm:"not null"`
	Account   string    `json:"account"`
	Symbol    string    `json:"symbol"`
	Size      float64   `json:"size,omitempty"`
	Price     float64   `json:"price,omitempty"`
	PnL       float64   `json:"pnl,omitempty"`
	Success   bool      `json:"success"`
	Message   string    `json:"message,omitempty"`
	EventTime time.Time `json:"event_time" gorm:"autoCreateTime"`
}

func (TeardownEventModel) TableName() string {
	return "teardown_events"
}

// EventSink is the audit-trail write surface the engine calls best-effort.
// A nil *GridStore satisfies this interface as a no-op: every method below
// guards on s == nil before touching the database.
type EventSink interface {
	RecordRunStart(run *GridRunModel) error
	RecordRunEnd(runID, status string, endedAt time.Time) error
	RecordLevelEvent(event *GridLevelEventModel) error
	RecordTeardownEvent(event *TeardownEventModel) error
}

// GridStore is a sqlite-backed EventSink.
type GridStore struct {
	db *gorm.DB
}

// Open opens (creating if necessary) a sqlite database at path and
// migrates the audit-trail tables. path may be ":memory:" for tests.
func Open(path string) (*GridStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	store := &GridStore{db: db}
	if err := store.initTables(); err != nil {
		return nil, err
	}
	return store, nil
}

// NewGridStore wraps an already-open gorm.DB; it does not migrate the
// audit-trail tables.
func NewGridStore(db *gorm.DB) *GridStore {
	return &GridStore{db: db}
}

func (s *GridStore) initTables() error {
	return s.db.AutoMigrate(
		&GridRunModel{},
		&GridLevelEventModel{},
		&TeardownEventModel{},
	)
}

// RecordRunStart inserts the run row for a newly started controller run.
// Best-effort: a write failure is logged and returned; the engine's callers
// only log it, since this is only an audit trail.
func (s *GridStore) RecordRunStart(run *GridRunModel) error {
	if s == nil {
		return nil
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	if err := s.db.Create(run).Error; err != nil {
		logger.Warnf("store: failed to record run start for %s: %v", run.Symbol, err)
		return err
	}
	return nil
}

// RecordRunEnd marks a run's terminal status and end time.
func (s *GridStore) RecordRunEnd(runID, status string, endedAt time.Time) error {
	if s == nil {
		return nil
	}
	err := s.db.Model(&GridRunModel{}).
		Where("id = ?", runID).
		Updates(map[string]interface{}{"status": status, "ended_at": endedAt}).Error
	if err != nil {
		logger.Warnf("store: failed to record run end for %s: %v", runID, err)
	}
	return err
}

// RecordLevelEvent inserts one grid-level state-transition row.
func (s *GridStore) RecordLevelEvent(event *GridLevelEventModel) error {
	if s == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if err := s.db.Create(event).Error; err != nil {
		logger.Warnf("store: failed to record level event for level %s: %v", event.LevelID, err)
		return err
	}
	return nil
}

// RecordTeardownEvent inserts one stop-loss teardown step row.
func (s *GridStore) RecordTeardownEvent(event *TeardownEventModel) error {
	if s == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if err := s.db.Create(event).Error; err != nil {
		logger.Warnf("store: failed to record teardown event (run %s, step %s): %v", event.RunID, event.Step, err)
		return err
	}
	return nil
}

// LoadLevelEvents returns a run's level-event history, oldest first, for
// post-mortem inspection.
func (s *GridStore) LoadLevelEvents(runID string) ([]GridLevelEventModel, error) {
	if s == nil {
		return nil, nil
	}
	var events []GridLevelEventModel
	err := s.db.Where("run_id = ?", runID).Order("event_time asc").Find(&events).Error
	return events, err
}

// LoadTeardownEvents returns a run's teardown-step history, oldest first.
func (s *GridStore) LoadTeardownEvents(runID string) ([]TeardownEventModel, error) {
	if s == nil {
		return nil, nil
	}
	var events []TeardownEventModel
	err := s.db.Where("run_id = ?", runID).Order("event_time asc").Find(&events).Error
	return events, err
}

var _ EventSink = (*GridStore)(nil)
