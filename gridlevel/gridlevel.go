// Package gridlevel implements the per-level lifecycle state machine shared
// by both grid executors.
package gridlevel

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// State is a grid level's position in its lifecycle.
type State string

const (
	NotActive  State = "NOT_ACTIVE"
	OpenPlaced State = "OPEN_PLACED"
	OpenFilled State = "OPEN_FILLED"
	ClosePlaced State = "CLOSE_PLACED"
	Complete   State = "COMPLETE"
)

// Side is the direction this level's open order takes.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// TrackedOrder mirrors exchange order state for one open or close order.
type TrackedOrder struct {
	ExchangeOrderID string
	Side            Side
	OrigQty         decimal.Decimal
	Price           decimal.Decimal
	FilledQty       decimal.Decimal
	AvgFillPrice    decimal.Decimal
	CumFees         decimal.Decimal
	Status          OrderStatus
}

// OrderStatus is the exchange-reported lifecycle of a TrackedOrder.
type OrderStatus string

const (
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
)

// IsTerminal reports whether further order-update events for this status
// are not expected.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected, OrderExpired:
		return true
	}
	return false
}

// Level is one price point in the grid ladder, identified by a stable id
// ("L0".."L{n-1}").
type Level struct {
	ID       string
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Side     Side
	State    State

	ActiveOpenOrder  *TrackedOrder
	ActiveCloseOrder *TrackedOrder

	// OpenFillPrice is the average fill price recorded when the open order
	// reached OPEN_FILLED; it is the base for the take-profit close price.
	OpenFillPrice decimal.Decimal
}

// New constructs a level in its initial NOT_ACTIVE state.
func New(id string, price, qty decimal.Decimal, side Side) *Level {
	return &Level{
		ID:       id,
		Price:    price,
		Quantity: qty,
		Side:     side,
		State:    NotActive,
	}
}

// transitionError reports an attempted transition that the state machine
// does not permit from the current state.
type transitionError struct {
	levelID string
	from    State
	event   string
}

func (e *transitionError) Error() string {
	return fmt.Sprintf("level %s: event %q not valid from state %s", e.levelID, e.event, e.from)
}

// PlaceOpen transitions NOT_ACTIVE -> OPEN_PLACED, recording the tracked
// order returned by the exchange.
func (l *Level) PlaceOpen(order TrackedOrder) error {
	if l.State != NotActive {
		return &transitionError{l.ID, l.State, "place_open"}
	}
	l.ActiveOpenOrder = &order
	l.State = OpenPlaced
	return nil
}

// Fill transitions OPEN_PLACED -> OPEN_FILLED (the open order filled) or
// CLOSE_PLACED -> COMPLETE (the close order filled), recording the open
// fill price on the first transition.
func (l *Level) Fill() error {
	switch l.State {
	case OpenPlaced:
		if l.ActiveOpenOrder != nil {
			l.OpenFillPrice = l.ActiveOpenOrder.AvgFillPrice
		}
		l.State = OpenFilled
		l.ActiveOpenOrder = nil
		return nil
	case ClosePlaced:
		l.State = Complete
		l.ActiveCloseOrder = nil
		return nil
	default:
		return &transitionError{l.ID, l.State, "fill"}
	}
}

// CancelOpen transitions OPEN_PLACED -> NOT_ACTIVE.
func (l *Level) CancelOpen() error {
	if l.State != OpenPlaced {
		return &transitionError{l.ID, l.State, "cancel_open"}
	}
	l.ActiveOpenOrder = nil
	l.State = NotActive
	return nil
}

// PlaceClose transitions OPEN_FILLED -> CLOSE_PLACED.
func (l *Level) PlaceClose(order TrackedOrder) error {
	if l.State != OpenFilled {
		return &transitionError{l.ID, l.State, "place_close"}
	}
	l.ActiveCloseOrder = &order
	l.State = ClosePlaced
	return nil
}

// CancelClose transitions CLOSE_PLACED -> OPEN_FILLED, allowing the close
// order to be replaced (e.g. requoted after a rejection).
func (l *Level) CancelClose() error {
	if l.State != ClosePlaced {
		return &transitionError{l.ID, l.State, "cancel_close"}
	}
	l.ActiveCloseOrder = nil
	l.State = OpenFilled
	return nil
}

// Reset transitions COMPLETE -> NOT_ACTIVE, making the level reusable for
// the next cycle.
func (l *Level) Reset() error {
	if l.State != Complete {
		return &transitionError{l.ID, l.State, "reset"}
	}
	l.State = NotActive
	l.OpenFillPrice = decimal.Zero
	return nil
}

// HasLiveOpenOrder reports whether this level currently has a resting open
// order (invariant: at most one at a time, enforced by the state machine
// itself never allowing PlaceOpen from a state with one already set).
func (l *Level) HasLiveOpenOrder() bool { return l.ActiveOpenOrder != nil }

// HasLiveCloseOrder reports whether this level currently has a resting
// close order.
func (l *Level) HasLiveCloseOrder() bool { return l.ActiveCloseOrder != nil }
