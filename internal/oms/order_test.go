package oms

import (
	"errors"
	"testing"
)

func openOrder(t *testing.T) *Order {
	t.Helper()
	o, err := NewOrder("ord-test", "AAPL", 100)
	if err != nil {
		t.Fatalf("NewOrder: %v", err)
	}
	return o
}

func TestNewOrder_StartsOpen(t *testing.T) {
	o := openOrder(t)
	if o.State != StateOpen {
		t.Errorf("expected Open, got %s", o.State)
	}
	if o.FilledQty != 0 {
		t.Errorf("expected filled=0, got %d", o.FilledQty)
	}
	if o.State.Terminal() {
		t.Error("Open must not be terminal")
	}
}

func TestNewOrder_RejectsNonPositiveQty(t *testing.T) {
	if _, err := NewOrder("ord-1", "AAPL", 0); err == nil {
		t.Error("expected error for qty=0")
	}
	if _, err := NewOrder("ord-1", "AAPL", -5); err == nil {
		t.Error("expected error for negative qty")
	}
}

func TestAck_IsIdempotent(t *testing.T) {
	o := openOrder(t)
	if err := o.Apply(Event{Type: EventAck}, "a1"); err != nil {
		t.Fatalf("first ack: %v", err)
	}
	if err := o.Apply(Event{Type: EventAck}, "a1"); err != nil {
		t.Fatalf("replayed ack: %v", err)
	}
	if o.State != StateOpen {
		t.Errorf("expected Open, got %s", o.State)
	}
}

func TestPartialThenFullFill(t *testing.T) {
	o := openOrder(t)
	if err := o.Apply(PartialFill(60), "f1"); err != nil {
		t.Fatalf("partial fill: %v", err)
	}
	if o.State != StatePartiallyFilled || o.FilledQty != 60 {
		t.Errorf("expected PartiallyFilled/60, got %s/%d", o.State, o.FilledQty)
	}
	if err := o.Apply(Fill(40), "f2"); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if o.State != StateFilled || o.FilledQty != 100 {
		t.Errorf("expected Filled/100, got %s/%d", o.State, o.FilledQty)
	}
	if !o.State.Terminal() {
		t.Error("Filled must be terminal")
	}
}

func TestCancelReject_RevertsToOpen(t *testing.T) {
	o := openOrder(t)
	if err := o.Apply(Event{Type: EventCancelRequest}, "c1"); err != nil {
		t.Fatalf("cancel request: %v", err)
	}
	if o.State != StateCancelPending {
		t.Fatalf("expected CancelPending, got %s", o.State)
	}
	if err := o.Apply(Event{Type: EventCancelReject}, "c2"); err != nil {
		t.Fatalf("cancel reject: %v", err)
	}
	if o.State != StateOpen {
		t.Errorf("expected Open (filled=0), got %s", o.State)
	}
}

func TestCancelReject_RevertsToPartiallyFilled(t *testing.T) {
	o := openOrder(t)
	if err := o.Apply(PartialFill(30), "f1"); err != nil {
		t.Fatal(err)
	}
	if err := o.Apply(Event{Type: EventCancelRequest}, "c1"); err != nil {
		t.Fatal(err)
	}
	if err := o.Apply(Event{Type: EventCancelReject}, "c2"); err != nil {
		t.Fatal(err)
	}
	if o.State != StatePartiallyFilled {
		t.Errorf("expected PartiallyFilled, got %s", o.State)
	}
}

func TestCancelAck_IsTerminal(t *testing.T) {
	o := openOrder(t)
	o.Apply(Event{Type: EventCancelRequest}, "c1")
	if err := o.Apply(Event{Type: EventCancelAck}, "c2"); err != nil {
		t.Fatal(err)
	}
	if o.State != StateCancelled || !o.State.Terminal() {
		t.Errorf("expected terminal Cancelled, got %s", o.State)
	}
}

func TestReplaceAck_RevertsWithoutApplyingTerms(t *testing.T) {
	o := openOrder(t)
	if err := o.Apply(Event{Type: EventReplaceRequest}, "r1"); err != nil {
		t.Fatal(err)
	}
	if o.State != StateReplacePending {
		t.Fatalf("expected ReplacePending, got %s", o.State)
	}
	if err := o.Apply(Event{Type: EventReplaceAck}, "r2"); err != nil {
		t.Fatal(err)
	}
	if o.State != StateOpen {
		t.Errorf("expected Open, got %s", o.State)
	}
	// Total quantity is fixed at creation; the replace does not touch it.
	if o.TotalQty != 100 {
		t.Errorf("total qty mutated: %d", o.TotalQty)
	}
}

func TestReplaceReject_Reverts(t *testing.T) {
	o := openOrder(t)
	o.Apply(PartialFill(10), "f1")
	o.Apply(Event{Type: EventReplaceRequest}, "r1")
	if err := o.Apply(Event{Type: EventReplaceReject}, "r2"); err != nil {
		t.Fatal(err)
	}
	if o.State != StatePartiallyFilled {
		t.Errorf("expected PartiallyFilled, got %s", o.State)
	}
}

func TestReject_FromAnyLiveState(t *testing.T) {
	o := openOrder(t)
	o.Apply(Event{Type: EventCancelRequest}, "c1")
	if err := o.Apply(Event{Type: EventReject}, "x1"); err != nil {
		t.Fatal(err)
	}
	if o.State != StateRejected || !o.State.Terminal() {
		t.Errorf("expected terminal Rejected, got %s", o.State)
	}
}

func TestIllegalTransition_ReturnsErrorAndLeavesStateUntouched(t *testing.T) {
	o := openOrder(t)
	if err := o.Apply(Fill(100), "f1"); err != nil {
		t.Fatal(err)
	}

	err := o.Apply(Event{Type: EventCancelRequest}, "c1")
	var terr *TransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
	if terr.From != StateFilled || terr.Event != EventCancelRequest {
		t.Errorf("unexpected error detail: %+v", terr)
	}
	if o.State != StateFilled {
		t.Errorf("state changed after rejected event: %s", o.State)
	}
	// The failed event id must not be recorded as applied.
	if err := o.Apply(Event{Type: EventCancelRequest}, "c1"); err == nil {
		t.Error("replay of rejected event should fail again, not no-op")
	}
}

func TestIdempotentReplay_DoesNotDoubleApply(t *testing.T) {
	o := openOrder(t)
	if err := o.Apply(PartialFill(50), "f1"); err != nil {
		t.Fatal(err)
	}
	if err := o.Apply(PartialFill(50), "f1"); err != nil {
		t.Fatal(err)
	}
	if o.FilledQty != 50 {
		t.Errorf("replayed event double-applied: filled=%d", o.FilledQty)
	}
}

func TestLateFillOnFilledOrder_IsNoop(t *testing.T) {
	o := openOrder(t)
	if err := o.Apply(Fill(100), "f1"); err != nil {
		t.Fatal(err)
	}
	// Distinct event id but the order is already Filled.
	if err := o.Apply(Fill(100), "f-late"); err != nil {
		t.Fatalf("late fill must be a silent no-op, got %v", err)
	}
	if o.FilledQty != 100 || o.State != StateFilled {
		t.Errorf("late fill double-counted: %s/%d", o.State, o.FilledQty)
	}
}

func TestFillDuringCancelPending(t *testing.T) {
	o := openOrder(t)
	o.Apply(Event{Type: EventCancelRequest}, "c1")
	if err := o.Apply(Fill(100), "f1"); err != nil {
		t.Fatalf("fill racing an in-flight cancel must be accepted: %v", err)
	}
	if o.State != StateFilled {
		t.Errorf("expected Filled, got %s", o.State)
	}
}

func TestFillDuringReplacePending(t *testing.T) {
	o := openOrder(t)
	o.Apply(Event{Type: EventReplaceRequest}, "r1")
	if err := o.Apply(PartialFill(25), "f1"); err != nil {
		t.Fatalf("fill racing an in-flight replace must be accepted: %v", err)
	}
	if o.State != StatePartiallyFilled || o.FilledQty != 25 {
		t.Errorf("expected PartiallyFilled/25, got %s/%d", o.State, o.FilledQty)
	}
}

func TestFilledQty_MonotonicOverSequence(t *testing.T) {
	o := openOrder(t)
	deltas := []int64{10, 20, 5, 15}
	prev := int64(0)
	for i, d := range deltas {
		if err := o.Apply(PartialFill(d), "f"+string(rune('a'+i))); err != nil {
			t.Fatal(err)
		}
		if o.FilledQty < prev {
			t.Fatalf("filled qty decreased: %d -> %d", prev, o.FilledQty)
		}
		prev = o.FilledQty
	}
	if o.FilledQty != 50 {
		t.Errorf("expected filled=50, got %d", o.FilledQty)
	}
}

func TestEventsOnTerminalState_OnlyDuplicatesAccepted(t *testing.T) {
	o := openOrder(t)
	o.Apply(Event{Type: EventCancelRequest}, "c1")
	o.Apply(Event{Type: EventCancelAck}, "c2")
	if o.State != StateCancelled {
		t.Fatalf("setup failed: %s", o.State)
	}

	// Duplicate (already-seen) event id: accepted as a no-op.
	if err := o.Apply(Event{Type: EventCancelAck}, "c2"); err != nil {
		t.Errorf("duplicate on terminal state must no-op: %v", err)
	}
	// New event on a terminal state: illegal.
	if err := o.Apply(Fill(10), "f1"); err == nil {
		t.Error("fill on Cancelled order must be a TransitionError")
	}
}
