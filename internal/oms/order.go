// Package oms tracks the lifecycle of a single live broker order through an
// explicit state machine.
//
// Every lifecycle event goes through Order.Apply, which enforces two
// invariants:
//
//  1. Legal transitions only. An illegal (state, event) pair returns a
//     *TransitionError, which callers MUST treat as a halt/alert signal —
//     it means local state and broker-reported state disagree.
//  2. Idempotent replay. Each event carries an event ID; an ID that was
//     already applied is a silent no-op, so replaying the same event log
//     (e.g. on restart) converges to the same state.
//
// Late fills arriving while CancelPending or ReplacePending are accepted:
// the broker may fill before it processes the cancel/replace.
package oms

import "fmt"

// OrderState is the lifecycle state of an order.
type OrderState string

const (
	// StateOpen: acknowledged by the broker, no fills yet.
	StateOpen OrderState = "OPEN"
	// StatePartiallyFilled: one or more partial fills received.
	StatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	// StateFilled: fully filled. Terminal.
	StateFilled OrderState = "FILLED"
	// StateCancelPending: cancel sent, awaiting broker acknowledgement.
	StateCancelPending OrderState = "CANCEL_PENDING"
	// StateCancelled: cancel acknowledged. Terminal.
	StateCancelled OrderState = "CANCELLED"
	// StateReplacePending: replace sent, awaiting broker acknowledgement.
	StateReplacePending OrderState = "REPLACE_PENDING"
	// StateRejected: rejected by the broker. Terminal.
	StateRejected OrderState = "REJECTED"
)

// Terminal reports whether no further transitions are possible from s.
func (s OrderState) Terminal() bool {
	return s == StateFilled || s == StateCancelled || s == StateRejected
}

// EventType drives state transitions.
type EventType string

const (
	EventAck            EventType = "ACK"
	EventPartialFill    EventType = "PARTIAL_FILL"
	EventFill           EventType = "FILL"
	EventCancelRequest  EventType = "CANCEL_REQUEST"
	EventCancelAck      EventType = "CANCEL_ACK"
	EventCancelReject   EventType = "CANCEL_REJECT"
	EventReplaceRequest EventType = "REPLACE_REQUEST"
	EventReplaceAck     EventType = "REPLACE_ACK"
	EventReplaceReject  EventType = "REPLACE_REJECT"
	EventReject         EventType = "REJECT"
)

// Event is a single lifecycle event. DeltaQty is only meaningful for
// PartialFill and Fill.
type Event struct {
	Type     EventType
	DeltaQty int64
}

// PartialFill builds a partial-fill event for delta shares.
func PartialFill(delta int64) Event { return Event{Type: EventPartialFill, DeltaQty: delta} }

// Fill builds a final-fill event for delta shares.
func Fill(delta int64) Event { return Event{Type: EventFill, DeltaQty: delta} }

// TransitionError reports an illegal (state, event) pair.
//
// Callers MUST treat this as a halt/alert condition, never a retryable one:
// it signals a genuine inconsistency between local and broker-reported
// order state.
type TransitionError struct {
	From  OrderState
	Event EventType
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal OMS transition: %s + %s", e.From, e.Event)
}

// Order is a live order tracked through the state machine.
//
// An Order is exclusively owned by the orchestration layer of one run; it is
// not safe for concurrent use without external synchronization.
type Order struct {
	OrderID   string
	Symbol    string
	TotalQty  int64 // fixed at creation, never mutated
	FilledQty int64 // monotonically non-decreasing
	State     OrderState

	applied map[string]struct{} // event IDs already applied
}

// NewOrder creates an order in the Open state. totalQty must be > 0.
func NewOrder(orderID, symbol string, totalQty int64) (*Order, error) {
	if totalQty <= 0 {
		return nil, fmt.Errorf("oms: total qty must be > 0, got %d", totalQty)
	}
	return &Order{
		OrderID:  orderID,
		Symbol:   symbol,
		TotalQty: totalQty,
		State:    StateOpen,
		applied:  make(map[string]struct{}),
	}, nil
}

// Apply applies an event to the order.
//
// If eventID is non-empty and was already applied, Apply returns nil without
// mutating anything. Otherwise the transition is validated fully before any
// mutation, so a rejected event never leaves the order half-updated.
func (o *Order) Apply(ev Event, eventID string) error {
	if eventID != "" {
		if _, seen := o.applied[eventID]; seen {
			return nil
		}
	}

	if err := o.transition(ev); err != nil {
		return err
	}

	if eventID != "" {
		o.applied[eventID] = struct{}{}
	}
	return nil
}

func (o *Order) transition(ev Event) error {
	live := o.State == StateOpen || o.State == StatePartiallyFilled
	pending := o.State == StateCancelPending || o.State == StateReplacePending

	switch ev.Type {
	case EventAck:
		if live {
			return nil // idempotent no-op
		}

	case EventPartialFill:
		if live || pending {
			o.FilledQty += ev.DeltaQty
			o.State = StatePartiallyFilled
			return nil
		}
		if o.State == StateFilled {
			return nil // late duplicate, must not double-count
		}

	case EventFill:
		if live || pending {
			o.FilledQty += ev.DeltaQty
			o.State = StateFilled
			return nil
		}
		if o.State == StateFilled {
			return nil // late duplicate
		}

	case EventCancelRequest:
		if live {
			o.State = StateCancelPending
			return nil
		}

	case EventCancelAck:
		if o.State == StateCancelPending {
			o.State = StateCancelled
			return nil
		}

	case EventCancelReject:
		if o.State == StateCancelPending {
			o.State = o.liveState()
			return nil
		}

	case EventReplaceRequest:
		if live {
			o.State = StateReplacePending
			return nil
		}

	case EventReplaceAck, EventReplaceReject:
		// Neither applies the new qty/price to the order record itself; the
		// order simply becomes live again. Replaced terms are tracked by the
		// layer that issued the replace.
		if o.State == StateReplacePending {
			o.State = o.liveState()
			return nil
		}

	case EventReject:
		if live || pending {
			o.State = StateRejected
			return nil
		}
	}

	return &TransitionError{From: o.State, Event: ev.Type}
}

// liveState is the state an order reverts to after a cancel/replace resolves
// without killing it.
func (o *Order) liveState() OrderState {
	if o.FilledQty > 0 {
		return StatePartiallyFilled
	}
	return StateOpen
}
