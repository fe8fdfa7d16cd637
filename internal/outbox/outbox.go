// Package outbox defines the durable queue of pending broker actions and the
// claim protocol that makes dispatch crash-safe.
//
// Rows move Pending → Claimed → Sent → Acked; Acked is terminal. A Claimed
// row whose dispatch errored is marked Failed — still unacknowledged, so a
// recovery pass will pick it up. The claim operation is the sole
// serialization point: no two workers may ever claim the same row. How that
// atomicity is achieved is up to the Store implementation (see the sqlite
// and redis subpackages).
package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status of an outbox row.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusClaimed Status = "CLAIMED"
	StatusSent    Status = "SENT"
	StatusAcked   Status = "ACKED"
	StatusFailed  Status = "FAILED"
)

// Terminal reports whether the row needs no further processing.
func (s Status) Terminal() bool { return s == StatusAcked }

// ErrNotClaimed is returned by Row.Proof for a row that was never claimed
// (or is already acknowledged). A claim proof can only exist for a row a
// worker actually owns.
var ErrNotClaimed = errors.New("outbox: row is not claimed")

// Row is one queued broker action.
type Row struct {
	OutboxID       int64
	RunID          uuid.UUID
	IdempotencyKey string
	Payload        []byte // order JSON
	Status         Status
	ClaimedBy      string
	CreatedAt      time.Time
	ClaimedAt      time.Time // zero if never claimed
	SentAt         time.Time // zero if never sent
}

// Proof returns the claim proof for this row. Only rows that have been
// claimed and not yet acknowledged (Claimed, Sent, or Failed) can yield one;
// everything else returns ErrNotClaimed.
func (r Row) Proof() (ClaimProof, error) {
	switch r.Status {
	case StatusClaimed, StatusSent, StatusFailed:
		return ClaimProof{outboxID: r.OutboxID, idempotencyKey: r.IdempotencyKey}, nil
	default:
		return ClaimProof{}, ErrNotClaimed
	}
}

// ClaimProof is evidence that a row was actually claimed from the store. Its
// fields are unexported so it cannot be fabricated from raw values; the only
// way to obtain a valid proof is Row.Proof on a claimed row.
type ClaimProof struct {
	outboxID       int64
	idempotencyKey string
}

// Valid reports whether the proof was produced by Row.Proof (a zero proof is
// not valid).
func (p ClaimProof) Valid() bool { return p.idempotencyKey != "" }

// OutboxID of the claimed row.
func (p ClaimProof) OutboxID() int64 { return p.outboxID }

// IdempotencyKey of the claimed row.
func (p ClaimProof) IdempotencyKey() string { return p.idempotencyKey }

// Store is the durable outbox. Implementations must make ClaimBatch atomic
// and safe for multiple concurrent claimants: no two callers ever receive
// the same row.
type Store interface {
	// Enqueue inserts a Pending row. Idempotent on the key: if the key
	// already exists, no second row is created and Enqueue returns false.
	Enqueue(ctx context.Context, runID uuid.UUID, idempotencyKey string, payload []byte) (bool, error)

	// ClaimBatch atomically claims up to limit Pending rows for ownerTag and
	// returns them in Claimed status, oldest first.
	ClaimBatch(ctx context.Context, limit int, ownerTag string) ([]Row, error)

	// ReleaseClaim reverts a Claimed row to Pending so another worker can
	// pick it up. Returns false if the row is not Claimed.
	ReleaseClaim(ctx context.Context, idempotencyKey string) (bool, error)

	// MarkSent transitions Claimed → Sent. Returns false if the row is not
	// Claimed — a row must be claimed before it can be sent; this is what
	// keeps the claim protocol structural rather than advisory.
	MarkSent(ctx context.Context, idempotencyKey string) (bool, error)

	// MarkAcked transitions a row to Acked (terminal). Returns false if the
	// key is unknown.
	MarkAcked(ctx context.Context, idempotencyKey string) (bool, error)

	// MarkFailed transitions Claimed → Failed. Returns false otherwise.
	MarkFailed(ctx context.Context, idempotencyKey string) (bool, error)

	// FetchByKey returns the row for a key, with ok=false if absent.
	FetchByKey(ctx context.Context, idempotencyKey string) (Row, bool, error)

	// ListUnackedForRun returns every row of the run that is not Acked
	// (Pending, Claimed, Sent, Failed), oldest first. This is the recovery
	// input: a run whose rows are all Acked yields an empty slice.
	ListUnackedForRun(ctx context.Context, runID uuid.UUID) ([]Row, error)
}
