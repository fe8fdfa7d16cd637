package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"github.com/google/uuid"

	"github.com/Hartman25/MiniQuantDeskV4-sub000/internal/gateway"
	"github.com/Hartman25/MiniQuantDeskV4-sub000/internal/idmap"
	"github.com/Hartman25/MiniQuantDeskV4-sub000/internal/metrics"
	"github.com/Hartman25/MiniQuantDeskV4-sub000/internal/model"
	"github.com/Hartman25/MiniQuantDeskV4-sub000/internal/outbox"
)

// BrokerStateQuery answers whether the broker currently holds an order for
// an idempotency key. It is a read — no capability token required — and is
// the sole broker knowledge recovery relies on.
type BrokerStateQuery interface {
	HasOrder(ctx context.Context, idempotencyKey string) (bool, error)
}

// RecoveryReport summarizes one recovery pass.
type RecoveryReport struct {
	Inspected   int `json:"inspected"`
	Resubmitted int `json:"resubmitted"`
	Acked       int `json:"acked"`
}

// RecoveryConfig configures a recovery coordinator.
type RecoveryConfig struct {
	Store   outbox.Store
	Gateway *gateway.Gateway
	Broker  BrokerStateQuery
	IDs     *idmap.Map       // optional: register mappings for resubmits
	Metrics *metrics.Metrics // optional
}

// Recovery reconciles every not-yet-acknowledged outbox row of a run
// against live broker state after a restart.
//
// Two crash windows exist and both resolve without ambiguity:
//
//   - The process died after marking a row Sent but before persisting the
//     acknowledgement. The broker already holds the key, so the row is
//     acknowledged without resubmitting.
//   - The process died after claiming a row but before contacting the
//     broker. The broker has nothing, so the row is resubmitted exactly
//     once — same idempotency key, so a broker-side dedup is harmless —
//     then marked Sent and Acked.
//
// A pass over a run whose rows are all acknowledged inspects zero rows,
// which is what bounds the cost of re-running recovery.
type Recovery struct {
	cfg RecoveryConfig
}

// NewRecovery creates a recovery coordinator.
func NewRecovery(cfg RecoveryConfig) *Recovery {
	return &Recovery{cfg: cfg}
}

// Run executes one recovery pass for a run. Recovery is idempotent: a row
// left unresolved (ambiguous broker query, broker error) is simply picked up
// by the next pass. A gate refusal aborts the pass — nothing may be
// resubmitted while a gate is closed.
func (r *Recovery) Run(ctx context.Context, runID uuid.UUID) (RecoveryReport, error) {
	rows, err := r.cfg.Store.ListUnackedForRun(ctx, runID)
	if err != nil {
		return RecoveryReport{}, err
	}

	var report RecoveryReport
	for _, row := range rows {
		report.Inspected++
		if r.cfg.Metrics != nil {
			r.cfg.Metrics.RecoveryInspected.Inc()
		}

		has, err := r.cfg.Broker.HasOrder(ctx, row.IdempotencyKey)
		if err != nil {
			// Ambiguous outcome: never acknowledge on a failed broker
			// query. The row stays as-is for a later pass.
			log.Printf("[recovery] broker query %s failed, leaving row: %v", row.IdempotencyKey, err)
			continue
		}

		if has {
			if _, err := r.cfg.Store.MarkAcked(ctx, row.IdempotencyKey); err != nil {
				return report, err
			}
			report.Acked++
			if r.cfg.Metrics != nil {
				r.cfg.Metrics.RecoveryAcked.Inc()
			}
			continue
		}

		if row.Status == outbox.StatusPending {
			// Never claimed, so no crash window: the normal dispatch path
			// will claim and send it.
			log.Printf("[recovery] %s still pending, leaving to dispatch", row.IdempotencyKey)
			continue
		}

		if err := r.resubmit(ctx, row, &report); err != nil {
			var refusal gateway.GateRefusal
			if errors.As(err, &refusal) {
				return report, err
			}
			// Broker error on resubmit: leave the row for the next pass.
			log.Printf("[recovery] resubmit %s failed, leaving row: %v", row.IdempotencyKey, err)
		}
	}

	log.Printf("[recovery] run %s: inspected=%d resubmitted=%d acked=%d",
		runID, report.Inspected, report.Resubmitted, report.Acked)
	return report, nil
}

func (r *Recovery) resubmit(ctx context.Context, row outbox.Row, report *RecoveryReport) error {
	var req model.SubmitRequest
	if err := json.Unmarshal(row.Payload, &req); err != nil {
		log.Printf("[recovery] bad payload for %s: %v", row.IdempotencyKey, err)
		return nil
	}

	proof, err := row.Proof()
	if err != nil {
		return err
	}

	resp, err := r.cfg.Gateway.Submit(ctx, proof, req)
	if err != nil {
		return err
	}
	report.Resubmitted++
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RecoveryResubmitted.Inc()
	}

	if r.cfg.IDs != nil {
		r.cfg.IDs.Register(req.OrderID, resp.BrokerOrderID)
	}

	// MarkSent only moves Claimed rows; for a row already Sent or Failed the
	// false return is expected and ignored.
	if _, err := r.cfg.Store.MarkSent(ctx, row.IdempotencyKey); err != nil {
		return err
	}
	if _, err := r.cfg.Store.MarkAcked(ctx, row.IdempotencyKey); err != nil {
		return err
	}
	report.Acked++
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RecoveryAcked.Inc()
	}
	return nil
}
