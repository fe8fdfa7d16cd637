package broker

import (
	"context"
	"errors"
	"testing"

	"github.com/Hartman25/MiniQuantDeskV4-sub000/internal/gateway"
	"github.com/Hartman25/MiniQuantDeskV4-sub000/internal/idmap"
	"github.com/Hartman25/MiniQuantDeskV4-sub000/internal/model"
	"github.com/Hartman25/MiniQuantDeskV4-sub000/internal/outbox"
)

type openGate struct{}

func (openGate) IsArmed() bool   { return true }
func (openGate) IsAllowed() bool { return true }
func (openGate) IsClean() bool   { return true }

// paperGateway wires a paper broker behind a gateway with all gates open, the
// only path that can mint capability tokens.
func paperGateway(p *Paper) *gateway.Gateway {
	return gateway.New(p, openGate{}, openGate{}, openGate{})
}

func proofFor(t *testing.T, key string) outbox.ClaimProof {
	t.Helper()
	proof, err := outbox.Row{OutboxID: 1, IdempotencyKey: key, Status: outbox.StatusClaimed}.Proof()
	if err != nil {
		t.Fatalf("Proof: %v", err)
	}
	return proof
}

func TestSubmitOrder_RejectsNilToken(t *testing.T) {
	p := NewPaper()
	_, err := p.SubmitOrder(context.Background(), nil, model.SubmitRequest{OrderID: "int-1"})
	if !errors.Is(err, ErrNoCapabilityToken) {
		t.Fatalf("expected ErrNoCapabilityToken, got %v", err)
	}
	if p.SubmitCount() != 0 {
		t.Error("tokenless submit was accepted")
	}
}

func TestCancelReplace_RejectNilToken(t *testing.T) {
	p := NewPaper()
	if _, err := p.CancelOrder(context.Background(), nil, "ORD-000001"); !errors.Is(err, ErrNoCapabilityToken) {
		t.Errorf("cancel: expected ErrNoCapabilityToken, got %v", err)
	}
	if _, err := p.ReplaceOrder(context.Background(), nil, model.ReplaceRequest{BrokerOrderID: "ORD-000001"}); !errors.Is(err, ErrNoCapabilityToken) {
		t.Errorf("replace: expected ErrNoCapabilityToken, got %v", err)
	}
}

func TestSubmitOrder_DeterministicIDsAndDedup(t *testing.T) {
	p := NewPaper()
	gw := paperGateway(p)
	ctx := context.Background()

	resp1, err := gw.Submit(ctx, proofFor(t, "int-1"), model.SubmitRequest{
		OrderID: "int-1", Symbol: "AAPL", Side: model.SideBuy, Qty: 100,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if resp1.BrokerOrderID != "ORD-000001" {
		t.Errorf("expected ORD-000001, got %s", resp1.BrokerOrderID)
	}

	// Same idempotency key again: original ack, no new order.
	resp2, err := gw.Submit(ctx, proofFor(t, "int-1"), model.SubmitRequest{
		OrderID: "int-1", Symbol: "AAPL", Side: model.SideBuy, Qty: 100,
	})
	if err != nil {
		t.Fatalf("duplicate submit: %v", err)
	}
	if resp2.BrokerOrderID != resp1.BrokerOrderID {
		t.Errorf("dedup broke: %s vs %s", resp2.BrokerOrderID, resp1.BrokerOrderID)
	}
	if p.SubmitCount() != 1 {
		t.Errorf("expected 1 accepted submit, got %d", p.SubmitCount())
	}

	resp3, err := gw.Submit(ctx, proofFor(t, "int-2"), model.SubmitRequest{
		OrderID: "int-2", Symbol: "MSFT", Side: model.SideSell, Qty: 50,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp3.BrokerOrderID != "ORD-000002" {
		t.Errorf("expected ORD-000002, got %s", resp3.BrokerOrderID)
	}
}

func TestCancelOrder_ByBrokerID(t *testing.T) {
	p := NewPaper()
	gw := paperGateway(p)
	ctx := context.Background()

	resp, err := gw.Submit(ctx, proofFor(t, "int-1"), model.SubmitRequest{
		OrderID: "int-1", Symbol: "AAPL", Side: model.SideBuy, Qty: 100,
	})
	if err != nil {
		t.Fatal(err)
	}

	ids := idmap.New()
	ids.Register("int-1", resp.BrokerOrderID)

	cr, err := gw.Cancel(ctx, "int-1", ids)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cr.Status != "CANCELLED" {
		t.Errorf("expected CANCELLED, got %s", cr.Status)
	}
}

func TestCancelOrder_UnknownBrokerID(t *testing.T) {
	p := NewPaper()
	gw := paperGateway(p)

	ids := idmap.New()
	ids.Register("int-1", "ORD-999999") // stale mapping, broker never saw it

	_, err := gw.Cancel(context.Background(), "int-1", ids)
	if !errors.Is(err, ErrUnknownBrokerOrder) {
		t.Fatalf("expected ErrUnknownBrokerOrder, got %v", err)
	}
}

func TestReplaceOrder_AmendsTerms(t *testing.T) {
	p := NewPaper()
	gw := paperGateway(p)
	ctx := context.Background()

	resp, err := gw.Submit(ctx, proofFor(t, "int-1"), model.SubmitRequest{
		OrderID: "int-1", Symbol: "AAPL", Side: model.SideBuy, Qty: 100,
		OrderType: model.OrderTypeLimit, LimitPriceMicros: 100_000_000,
	})
	if err != nil {
		t.Fatal(err)
	}

	ids := idmap.New()
	ids.Register("int-1", resp.BrokerOrderID)

	rr, err := gw.Replace(ctx, "int-1", ids, 80, 99_500_000, model.TIFDay)
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if rr.Status != "REPLACED" {
		t.Errorf("expected REPLACED, got %s", rr.Status)
	}

	p.mu.Lock()
	ord := p.byBroker[resp.BrokerOrderID]
	p.mu.Unlock()
	if ord.req.Qty != 80 || ord.req.LimitPriceMicros != 99_500_000 {
		t.Errorf("terms not amended: %+v", ord.req)
	}
}

func TestFill_SequentialIDsAndFinalFlag(t *testing.T) {
	p := NewPaper()
	gw := paperGateway(p)
	ctx := context.Background()

	resp, err := gw.Submit(ctx, proofFor(t, "int-1"), model.SubmitRequest{
		OrderID: "int-1", Symbol: "AAPL", Side: model.SideBuy, Qty: 100,
	})
	if err != nil {
		t.Fatal(err)
	}

	f1, err := p.Fill(resp.BrokerOrderID, 60, 123_450_000)
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	if f1.FillID != "FILL-000001" || f1.Final {
		t.Errorf("first fill: %+v", f1)
	}
	if f1.ClientOrderID != "int-1" || f1.DeltaQty != 60 {
		t.Errorf("first fill detail: %+v", f1)
	}

	f2, err := p.Fill(resp.BrokerOrderID, 40, 123_460_000)
	if err != nil {
		t.Fatal(err)
	}
	if f2.FillID != "FILL-000002" || !f2.Final {
		t.Errorf("final fill: %+v", f2)
	}

	// Order is complete: any further fill is an overfill.
	if _, err := p.Fill(resp.BrokerOrderID, 1, 123_460_000); !errors.Is(err, ErrOverfill) {
		t.Errorf("expected ErrOverfill, got %v", err)
	}
}

func TestFill_UnknownOrder(t *testing.T) {
	p := NewPaper()
	if _, err := p.Fill("ORD-999999", 10, 100_000_000); !errors.Is(err, ErrUnknownBrokerOrder) {
		t.Errorf("expected ErrUnknownBrokerOrder, got %v", err)
	}
}

func TestHasOrder(t *testing.T) {
	p := NewPaper()
	gw := paperGateway(p)
	ctx := context.Background()

	if _, err := gw.Submit(ctx, proofFor(t, "int-1"), model.SubmitRequest{
		OrderID: "int-1", Symbol: "AAPL", Side: model.SideBuy, Qty: 100,
	}); err != nil {
		t.Fatal(err)
	}

	has, err := p.HasOrder(ctx, "int-1")
	if err != nil || !has {
		t.Errorf("expected broker to hold int-1: has=%v err=%v", has, err)
	}
	has, err = p.HasOrder(ctx, "int-2")
	if err != nil || has {
		t.Errorf("expected no order for int-2: has=%v err=%v", has, err)
	}

	injected := errors.New("broker unreachable")
	p.SetQueryErr(injected)
	if _, err := p.HasOrder(ctx, "int-1"); !errors.Is(err, injected) {
		t.Errorf("expected injected error, got %v", err)
	}
}
