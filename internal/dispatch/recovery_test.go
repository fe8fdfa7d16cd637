package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/Hartman25/MiniQuantDeskV4-sub000/internal/broker"
	"github.com/Hartman25/MiniQuantDeskV4-sub000/internal/gateway"
	"github.com/Hartman25/MiniQuantDeskV4-sub000/internal/idmap"
	"github.com/Hartman25/MiniQuantDeskV4-sub000/internal/outbox"
	"github.com/Hartman25/MiniQuantDeskV4-sub000/internal/outbox/sqlite"
)

type recoveryRig struct {
	runID    uuid.UUID
	store    *sqlite.Store
	paper    *broker.Paper
	gates    *toggleGate
	ids      *idmap.Map
	recovery *Recovery
}

func newRecoveryRig(t *testing.T) *recoveryRig {
	t.Helper()
	store := newTestStore(t)
	paper := broker.NewPaper()
	gates := openGates()
	ids := idmap.New()
	return &recoveryRig{
		runID: uuid.New(),
		store: store,
		paper: paper,
		gates: gates,
		ids:   ids,
		recovery: NewRecovery(RecoveryConfig{
			Store:   store,
			Gateway: gateway.New(paper, gates, gates, gates),
			Broker:  paper,
			IDs:     ids,
		}),
	}
}

func (rig *recoveryRig) enqueue(t *testing.T, ctx context.Context, key string) {
	t.Helper()
	payload, _ := json.Marshal(buyRequest(key, 100))
	if _, err := rig.store.Enqueue(ctx, rig.runID, key, payload); err != nil {
		t.Fatal(err)
	}
}

// claim moves the row to Claimed and returns it, simulating a worker that
// owned the row when the process died.
func (rig *recoveryRig) claim(t *testing.T, ctx context.Context, key string) outbox.Row {
	t.Helper()
	rows, err := rig.store.ClaimBatch(ctx, 100, "crashed-worker")
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range rows {
		if r.IdempotencyKey == key {
			return r
		}
	}
	t.Fatalf("row %s not claimed", key)
	return outbox.Row{}
}

func TestRecovery_SentRowBrokerHasOrder(t *testing.T) {
	rig := newRecoveryRig(t)
	ctx := context.Background()

	// Crash window: order submitted and marked Sent, ack never persisted.
	rig.enqueue(t, ctx, "int-1")
	row := rig.claim(t, ctx, "int-1")
	proof, err := row.Proof()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rig.recovery.cfg.Gateway.Submit(ctx, proof, buyRequest("int-1", 100)); err != nil {
		t.Fatal(err)
	}
	rig.store.MarkSent(ctx, "int-1")

	report, err := rig.recovery.Run(ctx, rig.runID)
	if err != nil {
		t.Fatalf("recovery: %v", err)
	}
	if report.Inspected != 1 || report.Resubmitted != 0 || report.Acked != 1 {
		t.Errorf("report = %+v, want inspected=1 resubmitted=0 acked=1", report)
	}
	// The broker saw exactly one submission.
	if rig.paper.SubmitCount() != 1 {
		t.Errorf("expected 1 broker submit, got %d", rig.paper.SubmitCount())
	}

	got, _, _ := rig.store.FetchByKey(ctx, "int-1")
	if got.Status != outbox.StatusAcked {
		t.Errorf("expected ACKED, got %s", got.Status)
	}
}

func TestRecovery_ClaimedRowBrokerLacksOrder(t *testing.T) {
	rig := newRecoveryRig(t)
	ctx := context.Background()

	// Crash window: row claimed, broker never contacted.
	rig.enqueue(t, ctx, "int-1")
	rig.claim(t, ctx, "int-1")

	report, err := rig.recovery.Run(ctx, rig.runID)
	if err != nil {
		t.Fatalf("recovery: %v", err)
	}
	if report.Inspected != 1 || report.Resubmitted != 1 || report.Acked != 1 {
		t.Errorf("report = %+v, want inspected=1 resubmitted=1 acked=1", report)
	}
	// Exactly one submission, with the original idempotency key.
	if rig.paper.SubmitCount() != 1 {
		t.Errorf("expected 1 broker submit, got %d", rig.paper.SubmitCount())
	}
	has, _ := rig.paper.HasOrder(ctx, "int-1")
	if !has {
		t.Error("broker does not hold the resubmitted key")
	}
	if _, ok := rig.ids.BrokerID("int-1"); !ok {
		t.Error("resubmit did not register the broker mapping")
	}

	got, _, _ := rig.store.FetchByKey(ctx, "int-1")
	if got.Status != outbox.StatusAcked {
		t.Errorf("expected ACKED, got %s", got.Status)
	}
}

func TestRecovery_SecondPassInspectsNothing(t *testing.T) {
	rig := newRecoveryRig(t)
	ctx := context.Background()

	rig.enqueue(t, ctx, "int-1")
	rig.claim(t, ctx, "int-1")

	if _, err := rig.recovery.Run(ctx, rig.runID); err != nil {
		t.Fatal(err)
	}
	report, err := rig.recovery.Run(ctx, rig.runID)
	if err != nil {
		t.Fatal(err)
	}
	if report.Inspected != 0 {
		t.Errorf("second pass inspected %d rows, want 0", report.Inspected)
	}
	if rig.paper.SubmitCount() != 1 {
		t.Errorf("second pass resubmitted: %d submits", rig.paper.SubmitCount())
	}
}

func TestRecovery_FailedRowResubmitted(t *testing.T) {
	rig := newRecoveryRig(t)
	ctx := context.Background()

	// A dispatch attempt that hit a broker error left the row Failed.
	rig.enqueue(t, ctx, "int-1")
	rig.claim(t, ctx, "int-1")
	rig.store.MarkFailed(ctx, "int-1")

	report, err := rig.recovery.Run(ctx, rig.runID)
	if err != nil {
		t.Fatal(err)
	}
	if report.Resubmitted != 1 || report.Acked != 1 {
		t.Errorf("report = %+v, want resubmitted=1 acked=1", report)
	}
	if rig.paper.SubmitCount() != 1 {
		t.Errorf("expected 1 broker submit, got %d", rig.paper.SubmitCount())
	}
}

func TestRecovery_PendingRowLeftToDispatch(t *testing.T) {
	rig := newRecoveryRig(t)
	ctx := context.Background()

	// Never claimed: no crash window exists for this row.
	rig.enqueue(t, ctx, "int-1")

	report, err := rig.recovery.Run(ctx, rig.runID)
	if err != nil {
		t.Fatal(err)
	}
	if report.Inspected != 1 || report.Resubmitted != 0 || report.Acked != 0 {
		t.Errorf("report = %+v, want inspected=1 resubmitted=0 acked=0", report)
	}
	if rig.paper.SubmitCount() != 0 {
		t.Error("recovery submitted a pending row")
	}

	// The row is still claimable by the normal dispatch path.
	rows, _ := rig.store.ClaimBatch(ctx, 1, "worker-a")
	if len(rows) != 1 {
		t.Errorf("pending row no longer claimable: %d rows", len(rows))
	}
}

func TestRecovery_AmbiguousBrokerQueryLeavesRow(t *testing.T) {
	rig := newRecoveryRig(t)
	ctx := context.Background()

	rig.enqueue(t, ctx, "int-1")
	rig.claim(t, ctx, "int-1")
	rig.paper.SetQueryErr(errors.New("broker unreachable"))

	report, err := rig.recovery.Run(ctx, rig.runID)
	if err != nil {
		t.Fatalf("ambiguous query must not fail the pass: %v", err)
	}
	if report.Acked != 0 || report.Resubmitted != 0 {
		t.Errorf("acted on ambiguous row: %+v", report)
	}

	// Broker back up: the next pass resolves the row.
	rig.paper.SetQueryErr(nil)
	report, err = rig.recovery.Run(ctx, rig.runID)
	if err != nil {
		t.Fatal(err)
	}
	if report.Resubmitted != 1 || report.Acked != 1 {
		t.Errorf("retry pass report = %+v, want resubmitted=1 acked=1", report)
	}
}

func TestRecovery_GateRefusalAbortsPass(t *testing.T) {
	rig := newRecoveryRig(t)
	ctx := context.Background()

	rig.enqueue(t, ctx, "int-1")
	rig.claim(t, ctx, "int-1")
	rig.gates.armed = false

	_, err := rig.recovery.Run(ctx, rig.runID)
	var refusal gateway.GateRefusal
	if !errors.As(err, &refusal) || refusal != gateway.IntegrityDisarmed {
		t.Fatalf("expected IntegrityDisarmed, got %v", err)
	}
	if rig.paper.SubmitCount() != 0 {
		t.Error("resubmitted while disarmed")
	}

	// Row untouched, resolvable once rearmed.
	row, _, _ := rig.store.FetchByKey(ctx, "int-1")
	if row.Status != outbox.StatusClaimed {
		t.Errorf("expected CLAIMED, got %s", row.Status)
	}
}
