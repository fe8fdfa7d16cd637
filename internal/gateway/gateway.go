// Package gateway is the single choke point for all broker operations.
//
// Every submit/cancel/replace evaluates three injected policy gates in fixed
// priority order — integrity, then risk, then reconcile — and refuses with a
// GateRefusal at the first failure, before any broker contact. Submit
// additionally requires an outbox claim proof, making outbox-first dispatch
// a structural requirement rather than a convention.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/Hartman25/MiniQuantDeskV4-sub000/internal/idmap"
	"github.com/Hartman25/MiniQuantDeskV4-sub000/internal/model"
	"github.com/Hartman25/MiniQuantDeskV4-sub000/internal/outbox"
)

var (
	// ErrNoClaimProof is returned by Submit when the claim proof is missing
	// or zero-valued. Orders must be enqueued and claimed before dispatch.
	ErrNoClaimProof = errors.New("gateway: submit requires a valid outbox claim proof")

	// ErrClaimMismatch is returned when the claim proof's idempotency key
	// does not match the request's order ID.
	ErrClaimMismatch = errors.New("gateway: claim proof does not match request order id")
)

// IntentIDToClientOrderID derives the stable idempotency key for an intent.
//
// This is the canonical derivation point: every call site, first submit or
// retry, must use it. The mapping is the identity — intent IDs are already
// stable, unique, run-scoped identifiers — so no hashing or randomness is
// involved and retries always reuse the same key.
func IntentIDToClientOrderID(intentID string) string { return intentID }

// Gateway evaluates the policy gates and delegates to its private order
// router. It is the only object able to reach a BrokerAdapter.
type Gateway struct {
	router    orderRouter
	integrity IntegrityGate
	risk      RiskGate
	reconcile ReconcileGate
}

// New builds a gateway around the given broker adapter and gates.
func New(broker BrokerAdapter, integrity IntegrityGate, risk RiskGate, reconcile ReconcileGate) *Gateway {
	return &Gateway{
		router:    orderRouter{broker: broker},
		integrity: integrity,
		risk:      risk,
		reconcile: reconcile,
	}
}

// enforceGates queries the three gates in priority order and returns the
// first refusal. It mutates nothing; there is never a partial side effect
// from a refused gate.
func (g *Gateway) enforceGates() error {
	if !g.integrity.IsArmed() {
		return IntegrityDisarmed
	}
	if !g.risk.IsAllowed() {
		return RiskBlocked
	}
	if !g.reconcile.IsClean() {
		return ReconcileNotClean
	}
	return nil
}

// Submit routes a new order to the broker. The claim proof must come from a
// claimed outbox row whose idempotency key matches req.OrderID.
func (g *Gateway) Submit(ctx context.Context, claim outbox.ClaimProof, req model.SubmitRequest) (model.SubmitResponse, error) {
	if !claim.Valid() {
		return model.SubmitResponse{}, ErrNoClaimProof
	}
	if claim.IdempotencyKey() != IntentIDToClientOrderID(req.OrderID) {
		return model.SubmitResponse{}, fmt.Errorf("%w: proof key %q, order %q",
			ErrClaimMismatch, claim.IdempotencyKey(), req.OrderID)
	}
	if err := g.enforceGates(); err != nil {
		return model.SubmitResponse{}, err
	}
	return g.router.routeSubmit(ctx, req)
}

// Cancel routes a cancel for an internal order ID. The target is resolved
// through the identity map; an unknown internal ID fails rather than
// fabricating a broker ID.
func (g *Gateway) Cancel(ctx context.Context, internalID string, ids *idmap.Map) (model.CancelResponse, error) {
	if err := g.enforceGates(); err != nil {
		return model.CancelResponse{}, err
	}
	brokerID, ok := ids.BrokerID(internalID)
	if !ok {
		return model.CancelResponse{}, fmt.Errorf("gateway: cancel %s: %w", internalID, idmap.ErrUnknownOrder)
	}
	log.Printf("[gateway] cancel %s -> broker order %s", internalID, brokerID)
	return g.router.routeCancel(ctx, brokerID)
}

// Replace routes a replace/amend for an internal order ID, resolving the
// broker target through the identity map. newLimitMicros of 0 means no limit.
func (g *Gateway) Replace(ctx context.Context, internalID string, ids *idmap.Map, newQty, newLimitMicros int64, tif model.TimeInForce) (model.ReplaceResponse, error) {
	if err := g.enforceGates(); err != nil {
		return model.ReplaceResponse{}, err
	}
	brokerID, ok := ids.BrokerID(internalID)
	if !ok {
		return model.ReplaceResponse{}, fmt.Errorf("gateway: replace %s: %w", internalID, idmap.ErrUnknownOrder)
	}
	log.Printf("[gateway] replace %s -> broker order %s qty=%d", internalID, brokerID, newQty)
	return g.router.routeReplace(ctx, model.ReplaceRequest{
		BrokerOrderID:    brokerID,
		Qty:              newQty,
		LimitPriceMicros: newLimitMicros,
		TimeInForce:      tif,
	})
}
