// Package broker provides broker adapter implementations. The paper broker
// is fully deterministic — sequential IDs, no randomness, no network — and
// enforces idempotency by client order ID the way a dedup-capable live
// broker would.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Hartman25/MiniQuantDeskV4-sub000/internal/gateway"
	"github.com/Hartman25/MiniQuantDeskV4-sub000/internal/model"
)

// ErrNoCapabilityToken is returned when an adapter method is invoked without
// a token minted by the gateway's router.
var ErrNoCapabilityToken = errors.New("broker: call missing capability token")

// ErrUnknownBrokerOrder is returned for cancel/replace of an ID the broker
// never assigned.
var ErrUnknownBrokerOrder = errors.New("broker: unknown broker order id")

type paperOrder struct {
	brokerOrderID string
	req           model.SubmitRequest
	status        string
	filledQty     int64
}

// Paper is a deterministic in-memory broker.
type Paper struct {
	mu       sync.Mutex
	byClient map[string]*paperOrder // client order id (idempotency key) → order
	byBroker map[string]*paperOrder
	orderSeq int64
	fillSeq  int64
	submits  int

	queryErr error // injected broker-query failure, for recovery tests
	now      func() time.Time
}

// NewPaper creates an empty paper broker.
func NewPaper() *Paper {
	return &Paper{
		byClient: make(map[string]*paperOrder),
		byBroker: make(map[string]*paperOrder),
		now:      time.Now,
	}
}

// SubmitOrder accepts an order, deduplicating on the client order ID: a
// repeated submit with the same ID returns the original acknowledgement and
// does not count as a new submission.
func (p *Paper) SubmitOrder(_ context.Context, tok gateway.CapabilityToken, req model.SubmitRequest) (model.SubmitResponse, error) {
	if tok == nil {
		return model.SubmitResponse{}, ErrNoCapabilityToken
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.byClient[req.OrderID]; ok {
		return model.SubmitResponse{
			BrokerOrderID: existing.brokerOrderID,
			SubmittedAt:   p.now().UTC(),
			Status:        existing.status,
		}, nil
	}

	p.orderSeq++
	ord := &paperOrder{
		brokerOrderID: fmt.Sprintf("ORD-%06d", p.orderSeq),
		req:           req,
		status:        "ACCEPTED",
	}
	p.byClient[req.OrderID] = ord
	p.byBroker[ord.brokerOrderID] = ord
	p.submits++

	log.Printf("[paper] submit %s %s %s qty=%d -> %s",
		req.Side, req.Symbol, req.OrderID, req.Qty, ord.brokerOrderID)

	return model.SubmitResponse{
		BrokerOrderID: ord.brokerOrderID,
		SubmittedAt:   p.now().UTC(),
		Status:        ord.status,
	}, nil
}

// CancelOrder cancels by broker order ID.
func (p *Paper) CancelOrder(_ context.Context, tok gateway.CapabilityToken, brokerOrderID string) (model.CancelResponse, error) {
	if tok == nil {
		return model.CancelResponse{}, ErrNoCapabilityToken
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ord, ok := p.byBroker[brokerOrderID]
	if !ok {
		return model.CancelResponse{}, fmt.Errorf("%w: %s", ErrUnknownBrokerOrder, brokerOrderID)
	}
	ord.status = "CANCELLED"
	return model.CancelResponse{
		BrokerOrderID: brokerOrderID,
		CancelledAt:   p.now().UTC(),
		Status:        ord.status,
	}, nil
}

// ReplaceOrder amends an order by broker order ID.
func (p *Paper) ReplaceOrder(_ context.Context, tok gateway.CapabilityToken, req model.ReplaceRequest) (model.ReplaceResponse, error) {
	if tok == nil {
		return model.ReplaceResponse{}, ErrNoCapabilityToken
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ord, ok := p.byBroker[req.BrokerOrderID]
	if !ok {
		return model.ReplaceResponse{}, fmt.Errorf("%w: %s", ErrUnknownBrokerOrder, req.BrokerOrderID)
	}
	ord.req.Qty = req.Qty
	ord.req.LimitPriceMicros = req.LimitPriceMicros
	ord.req.TimeInForce = req.TimeInForce
	ord.status = "REPLACED"
	return model.ReplaceResponse{
		BrokerOrderID: req.BrokerOrderID,
		ReplacedAt:    p.now().UTC(),
		Status:        ord.status,
	}, nil
}

// FillReport describes one simulated fill.
type FillReport struct {
	FillID        string // sequential, e.g. FILL-000001
	ClientOrderID string
	DeltaQty      int64
	PriceMicros   int64
	Final         bool // order fully filled by this fill
}

// ErrOverfill is returned when a simulated fill exceeds the order quantity.
var ErrOverfill = errors.New("broker: fill exceeds remaining order quantity")

// Fill simulates the exchange filling qty shares of a broker order at
// priceMicros. Fill IDs are sequential so replays are reproducible. The
// caller feeds the report into its order book as a lifecycle event.
func (p *Paper) Fill(brokerOrderID string, qty, priceMicros int64) (FillReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ord, ok := p.byBroker[brokerOrderID]
	if !ok {
		return FillReport{}, fmt.Errorf("%w: %s", ErrUnknownBrokerOrder, brokerOrderID)
	}
	if qty <= 0 || ord.filledQty+qty > ord.req.Qty {
		return FillReport{}, fmt.Errorf("%w: %d of %d remaining on %s",
			ErrOverfill, qty, ord.req.Qty-ord.filledQty, brokerOrderID)
	}

	p.fillSeq++
	ord.filledQty += qty
	final := ord.filledQty == ord.req.Qty
	if final {
		ord.status = "FILLED"
	}

	return FillReport{
		FillID:        fmt.Sprintf("FILL-%06d", p.fillSeq),
		ClientOrderID: ord.req.OrderID,
		DeltaQty:      qty,
		PriceMicros:   priceMicros,
		Final:         final,
	}, nil
}

// HasOrder reports whether the broker holds an order for an idempotency key
// (client order ID). Recovery uses this to resolve crash windows. Reads need
// no capability token: only dispatch is token-guarded.
func (p *Paper) HasOrder(_ context.Context, idempotencyKey string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.queryErr != nil {
		return false, p.queryErr
	}
	_, ok := p.byClient[idempotencyKey]
	return ok, nil
}

// SubmitCount is the number of distinct orders actually accepted — duplicate
// submits with a reused key do not increment it.
func (p *Paper) SubmitCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submits
}

// SetQueryErr injects a failure into HasOrder, simulating an unreachable
// broker during recovery.
func (p *Paper) SetQueryErr(err error) {
	p.mu.Lock()
	p.queryErr = err
	p.mu.Unlock()
}
