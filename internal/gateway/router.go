package gateway

import (
	"context"

	"github.com/Hartman25/MiniQuantDeskV4-sub000/internal/model"
)

// BrokerAdapter executes orders against a real or simulated brokerage.
// Implementations are injected at construction time (paper, live, test
// double) and must reject calls whose token is nil: a nil token means the
// call did not come through the gateway's router.
//
// Adapter errors are opaque to this layer and propagated unchanged so the
// calling layer can apply its own retry/backoff policy.
type BrokerAdapter interface {
	SubmitOrder(ctx context.Context, tok CapabilityToken, req model.SubmitRequest) (model.SubmitResponse, error)
	CancelOrder(ctx context.Context, tok CapabilityToken, brokerOrderID string) (model.CancelResponse, error)
	ReplaceOrder(ctx context.Context, tok CapabilityToken, req model.ReplaceRequest) (model.ReplaceResponse, error)
}

// orderRouter is the only object that talks to the BrokerAdapter. It is
// unexported and only the Gateway holds one, so there is no path to a broker
// that bypasses gate enforcement. The router itself stays thin: mint the
// token, delegate.
type orderRouter struct {
	broker BrokerAdapter
}

func (r *orderRouter) routeSubmit(ctx context.Context, req model.SubmitRequest) (model.SubmitResponse, error) {
	return r.broker.SubmitOrder(ctx, mintToken(), req)
}

func (r *orderRouter) routeCancel(ctx context.Context, brokerOrderID string) (model.CancelResponse, error) {
	return r.broker.CancelOrder(ctx, mintToken(), brokerOrderID)
}

func (r *orderRouter) routeReplace(ctx context.Context, req model.ReplaceRequest) (model.ReplaceResponse, error) {
	return r.broker.ReplaceOrder(ctx, mintToken(), req)
}
