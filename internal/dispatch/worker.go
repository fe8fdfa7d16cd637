// Package dispatch drives the outbox protocol: claim a batch of pending
// rows, submit each through the gateway with its claim proof, mark sent,
// mark acknowledged, and apply the matching OMS event. Recovery (see
// recovery.go) resolves whatever a crash left behind.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Hartman25/MiniQuantDeskV4-sub000/internal/gateway"
	"github.com/Hartman25/MiniQuantDeskV4-sub000/internal/idmap"
	"github.com/Hartman25/MiniQuantDeskV4-sub000/internal/metrics"
	"github.com/Hartman25/MiniQuantDeskV4-sub000/internal/model"
	"github.com/Hartman25/MiniQuantDeskV4-sub000/internal/oms"
	"github.com/Hartman25/MiniQuantDeskV4-sub000/internal/outbox"
)

// MappingStore persists broker-order mappings across restarts. The sqlite
// outbox store satisfies it; a nil MappingStore keeps the map memory-only.
type MappingStore interface {
	SaveBrokerMapping(ctx context.Context, runID uuid.UUID, internalID, brokerID string) error
	DeleteBrokerMapping(ctx context.Context, runID uuid.UUID, internalID string) error
	LoadBrokerMappings(ctx context.Context, runID uuid.UUID) (map[string]string, error)
}

// WorkerConfig configures a dispatch worker.
type WorkerConfig struct {
	RunID     uuid.UUID
	OwnerTag  string // identifies this worker in outbox claims
	BatchSize int

	Store    outbox.Store
	Gateway  *gateway.Gateway
	IDs      *idmap.Map
	Mappings MappingStore     // optional
	Metrics  *metrics.Metrics // optional
}

// Worker owns the order book of one run and dispatches its outbox rows.
// Multiple workers may share a Store — the claim operation guarantees no two
// of them ever own the same row — but each order book belongs to exactly one
// worker.
type Worker struct {
	cfg WorkerConfig

	mu       sync.Mutex
	orders   map[string]*oms.Order // internal order id → live order
	eventSeq int64                 // per-attempt event ID counter
}

// NewWorker creates a worker with an empty order book.
func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	return &Worker{cfg: cfg, orders: make(map[string]*oms.Order)}
}

// Enqueue queues a submit request for dispatch. The idempotency key is
// derived from the intent (order) ID, so a retried Enqueue reuses the same
// row. Returns false if the key was already queued.
func (w *Worker) Enqueue(ctx context.Context, req model.SubmitRequest) (bool, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return false, fmt.Errorf("dispatch enqueue: marshal: %w", err)
	}
	key := gateway.IntentIDToClientOrderID(req.OrderID)
	inserted, err := w.cfg.Store.Enqueue(ctx, w.cfg.RunID, key, payload)
	if err != nil {
		return false, err
	}
	if inserted && w.cfg.Metrics != nil {
		w.cfg.Metrics.OutboxEnqueued.Inc()
	}
	return inserted, nil
}

// DispatchOnce claims one batch and dispatches it. Returns the number of
// rows fully acknowledged.
//
// A gate refusal stops the batch: the claim is released so the row stays
// dispatchable once conditions clear, and the refusal is returned. A broker
// error marks the row Failed — recovery will resolve it — and is propagated
// unchanged.
func (w *Worker) DispatchOnce(ctx context.Context) (int, error) {
	start := time.Now()
	rows, err := w.cfg.Store.ClaimBatch(ctx, w.cfg.BatchSize, w.cfg.OwnerTag)
	if err != nil {
		return 0, fmt.Errorf("dispatch: claim: %w", err)
	}
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.ClaimDur.Observe(time.Since(start).Seconds())
	}

	dispatched := 0
	for i, row := range rows {
		if w.cfg.Metrics != nil {
			w.cfg.Metrics.OutboxClaimed.Inc()
		}
		if err := w.dispatchRow(ctx, row); err != nil {
			// The batch aborts here. The failed row itself was released or
			// marked Failed by dispatchRow; the rows after it were never
			// attempted and must go back to Pending, or they would sit in
			// Claimed with nothing left to resolve them until a restart.
			w.releaseRows(ctx, rows[i+1:])
			return dispatched, err
		}
		dispatched++
	}
	return dispatched, nil
}

func (w *Worker) releaseRows(ctx context.Context, rows []outbox.Row) {
	for _, row := range rows {
		released, err := w.cfg.Store.ReleaseClaim(ctx, row.IdempotencyKey)
		if err != nil {
			log.Printf("[dispatch] release %s: %v", row.IdempotencyKey, err)
			continue
		}
		if released && w.cfg.Metrics != nil {
			w.cfg.Metrics.OutboxReleased.Inc()
		}
	}
}

func (w *Worker) dispatchRow(ctx context.Context, row outbox.Row) error {
	var req model.SubmitRequest
	if err := json.Unmarshal(row.Payload, &req); err != nil {
		// Poison row: never dispatchable, keep it out of the claim path.
		log.Printf("[dispatch] bad payload for %s: %v", row.IdempotencyKey, err)
		if _, mErr := w.cfg.Store.MarkFailed(ctx, row.IdempotencyKey); mErr != nil {
			return mErr
		}
		return nil
	}

	proof, err := row.Proof()
	if err != nil {
		return fmt.Errorf("dispatch %s: %w", row.IdempotencyKey, err)
	}

	callStart := time.Now()
	resp, err := w.cfg.Gateway.Submit(ctx, proof, req)
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.BrokerCallDur.Observe(time.Since(callStart).Seconds())
	}
	if err != nil {
		var refusal gateway.GateRefusal
		if errors.As(err, &refusal) {
			// Policy-level and transient: release the claim and surface the
			// refusal so the loop can back off.
			if w.cfg.Metrics != nil {
				w.cfg.Metrics.GateRefusals.WithLabelValues(refusal.GateName()).Inc()
				w.cfg.Metrics.OutboxReleased.Inc()
			}
			if _, rErr := w.cfg.Store.ReleaseClaim(ctx, row.IdempotencyKey); rErr != nil {
				return rErr
			}
			return err
		}
		// Broker/transport error: mark failed for recovery, propagate as-is.
		if w.cfg.Metrics != nil {
			w.cfg.Metrics.OutboxFailed.Inc()
		}
		if _, mErr := w.cfg.Store.MarkFailed(ctx, row.IdempotencyKey); mErr != nil {
			log.Printf("[dispatch] mark failed %s: %v", row.IdempotencyKey, mErr)
		}
		return err
	}

	if _, err := w.cfg.Store.MarkSent(ctx, row.IdempotencyKey); err != nil {
		return fmt.Errorf("dispatch %s: mark sent: %w", row.IdempotencyKey, err)
	}
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.OutboxSent.Inc()
	}

	w.cfg.IDs.Register(req.OrderID, resp.BrokerOrderID)
	if w.cfg.Mappings != nil {
		if err := w.cfg.Mappings.SaveBrokerMapping(ctx, w.cfg.RunID, req.OrderID, resp.BrokerOrderID); err != nil {
			log.Printf("[dispatch] persist mapping %s: %v", req.OrderID, err)
		}
	}

	if _, err := w.cfg.Store.MarkAcked(ctx, row.IdempotencyKey); err != nil {
		return fmt.Errorf("dispatch %s: mark acked: %w", row.IdempotencyKey, err)
	}
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.OutboxAcked.Inc()
		w.cfg.Metrics.OrdersSubmitted.Inc()
	}

	order, err := oms.NewOrder(req.OrderID, req.Symbol, req.Qty)
	if err != nil {
		return fmt.Errorf("dispatch %s: %w", req.OrderID, err)
	}
	if err := order.Apply(oms.Event{Type: oms.EventAck}, "ack-"+row.IdempotencyKey); err != nil {
		return err
	}
	w.mu.Lock()
	w.orders[req.OrderID] = order
	w.mu.Unlock()

	log.Printf("[dispatch] %s acked as %s", req.OrderID, resp.BrokerOrderID)
	return nil
}

// Run polls the outbox until ctx is cancelled. Gate refusals and broker
// errors are logged and retried next tick; a TransitionError halts the loop
// — it signals an inconsistency an operator must look at.
func (w *Worker) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := w.DispatchOnce(ctx); err != nil {
				var terr *oms.TransitionError
				if errors.As(err, &terr) {
					return fmt.Errorf("dispatch halt: %w", terr)
				}
				log.Printf("[dispatch] %v", err)
			}
		}
	}
}

// ApplyEvent applies a broker lifecycle event to an order in the book. On a
// terminal state the identity mapping is evicted. A *TransitionError is
// returned unwrapped — callers must treat it as a halt/alert, not a retry.
func (w *Worker) ApplyEvent(ctx context.Context, internalID string, ev oms.Event, eventID string) error {
	w.mu.Lock()
	order, ok := w.orders[internalID]
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("dispatch: event %s for unknown order %s", ev.Type, internalID)
	}

	if err := order.Apply(ev, eventID); err != nil {
		if w.cfg.Metrics != nil {
			w.cfg.Metrics.TransitionErrors.Inc()
		}
		return err
	}
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.EventsApplied.Inc()
	}

	if order.State.Terminal() {
		w.cfg.IDs.Deregister(internalID)
		if w.cfg.Mappings != nil {
			if err := w.cfg.Mappings.DeleteBrokerMapping(ctx, w.cfg.RunID, internalID); err != nil {
				log.Printf("[dispatch] evict mapping %s: %v", internalID, err)
			}
		}
	}
	return nil
}

// nextEventID builds a unique event ID for a locally initiated request.
// Every attempt gets a fresh ID: a second cancel after a CancelReject is a
// new request, not a replay, and must not be swallowed by the dedup set.
func (w *Worker) nextEventID(kind, internalID string) string {
	w.mu.Lock()
	w.eventSeq++
	n := w.eventSeq
	w.mu.Unlock()
	return fmt.Sprintf("%s-%s-%d", kind, internalID, n)
}

// Cancel routes a cancel through the gateway and moves the order to
// CancelPending. The broker's CancelAck/CancelReject arrives later as a
// lifecycle event.
func (w *Worker) Cancel(ctx context.Context, internalID string) (model.CancelResponse, error) {
	resp, err := w.cfg.Gateway.Cancel(ctx, internalID, w.cfg.IDs)
	if err != nil {
		return model.CancelResponse{}, err
	}
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.OrdersCancelled.Inc()
	}
	err = w.ApplyEvent(ctx, internalID, oms.Event{Type: oms.EventCancelRequest}, w.nextEventID("cancel-req", internalID))
	return resp, err
}

// Replace routes a replace through the gateway and moves the order to
// ReplacePending.
func (w *Worker) Replace(ctx context.Context, internalID string, newQty, newLimitMicros int64, tif model.TimeInForce) (model.ReplaceResponse, error) {
	resp, err := w.cfg.Gateway.Replace(ctx, internalID, w.cfg.IDs, newQty, newLimitMicros, tif)
	if err != nil {
		return model.ReplaceResponse{}, err
	}
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.OrdersReplaced.Inc()
	}
	err = w.ApplyEvent(ctx, internalID, oms.Event{Type: oms.EventReplaceRequest}, w.nextEventID("replace-req", internalID))
	return resp, err
}

// Order returns the tracked order for an internal ID.
func (w *Worker) Order(internalID string) (*oms.Order, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	o, ok := w.orders[internalID]
	return o, ok
}

// RestoreMappings reloads the persisted broker-order map after a restart.
func (w *Worker) RestoreMappings(ctx context.Context) error {
	if w.cfg.Mappings == nil {
		return nil
	}
	snapshot, err := w.cfg.Mappings.LoadBrokerMappings(ctx, w.cfg.RunID)
	if err != nil {
		return err
	}
	w.cfg.IDs.Restore(snapshot)
	log.Printf("[dispatch] restored %d broker-order mappings", len(snapshot))
	return nil
}
