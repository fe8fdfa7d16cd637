// Package model holds the shared request/response shapes that cross the
// execution boundary. Every price field is an int64 in micros
// (1 unit = 1,000,000 micros); no float ever crosses this boundary.
package model

import "time"

// Side of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType supported at the execution boundary.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// TimeInForce of an order.
type TimeInForce string

const (
	TIFDay TimeInForce = "DAY"
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
)

// SubmitRequest is a broker-agnostic order submission.
type SubmitRequest struct {
	// OrderID is the internal (client) order identifier. It doubles as the
	// outbox idempotency key, so it must be stable across retries.
	OrderID          string      `json:"order_id"`
	Symbol           string      `json:"symbol"`
	Side             Side        `json:"side"`
	Qty              int64       `json:"qty"`
	OrderType        OrderType   `json:"order_type"`
	LimitPriceMicros int64       `json:"limit_price_micros"` // 0 = no limit (market)
	TimeInForce      TimeInForce `json:"time_in_force"`
}

// SubmitResponse is the broker acknowledgement of a submit.
type SubmitResponse struct {
	BrokerOrderID string    `json:"broker_order_id"`
	SubmittedAt   time.Time `json:"submitted_at"`
	Status        string    `json:"status"`
}

// CancelResponse is the broker acknowledgement of a cancel.
type CancelResponse struct {
	BrokerOrderID string    `json:"broker_order_id"`
	CancelledAt   time.Time `json:"cancelled_at"`
	Status        string    `json:"status"`
}

// ReplaceRequest amends an existing broker order. It targets the
// broker-assigned identifier, never the internal one.
type ReplaceRequest struct {
	BrokerOrderID    string      `json:"broker_order_id"`
	Qty              int64       `json:"qty"`
	LimitPriceMicros int64       `json:"limit_price_micros"` // 0 = no limit
	TimeInForce      TimeInForce `json:"time_in_force"`
}

// ReplaceResponse is the broker acknowledgement of a replace.
type ReplaceResponse struct {
	BrokerOrderID string    `json:"broker_order_id"`
	ReplacedAt    time.Time `json:"replaced_at"`
	Status        string    `json:"status"`
}
