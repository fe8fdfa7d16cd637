// Package wsfeed consumes broker lifecycle events (acks, fills, cancel and
// replace outcomes) from a WebSocket endpoint — e.g. a paper-broker
// simulator — and normalizes them into OMS events.
//
// The feed only decodes and forwards; applying events to orders stays with
// the dispatch layer, which owns the order book. Per-order causal ordering
// is the broker's responsibility and is preserved by this single-reader
// loop, not reconstructed.
package wsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Hartman25/MiniQuantDeskV4-sub000/internal/oms"
)

// EventMsg is the wire shape of one broker lifecycle event.
type EventMsg struct {
	Type     string `json:"type"`
	OrderID  string `json:"order_id"` // internal (client) order id
	EventID  string `json:"event_id"`
	DeltaQty int64  `json:"delta_qty"`
}

// FeedEvent is a decoded event ready for the dispatch layer.
type FeedEvent struct {
	OrderID string
	Event   oms.Event
	EventID string
}

var wireTypes = map[string]oms.EventType{
	"ACK":            oms.EventAck,
	"PARTIAL_FILL":   oms.EventPartialFill,
	"FILL":           oms.EventFill,
	"CANCEL_ACK":     oms.EventCancelAck,
	"CANCEL_REJECT":  oms.EventCancelReject,
	"REPLACE_ACK":    oms.EventReplaceAck,
	"REPLACE_REJECT": oms.EventReplaceReject,
	"REJECT":         oms.EventReject,
}

// Config for the feed.
type Config struct {
	URL            string        // ws:// endpoint of the broker event stream
	ReconnectDelay time.Duration // wait between reconnect attempts
}

// Feed is a reconnecting WebSocket consumer.
type Feed struct {
	cfg Config

	// OnReconnect is an optional metrics hook, called before each
	// reconnection attempt.
	OnReconnect func()
}

// New creates a feed.
func New(cfg Config) *Feed {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	return &Feed{cfg: cfg}
}

// Run connects and streams decoded events into out until ctx is cancelled.
// Connection drops trigger reconnects; malformed or unknown messages are
// logged and skipped so one bad event cannot stall the stream.
func (f *Feed) Run(ctx context.Context, out chan<- FeedEvent) error {
	for {
		if err := f.consume(ctx, out); err != nil {
			log.Printf("[wsfeed] connection lost: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(f.cfg.ReconnectDelay):
		}
		if f.OnReconnect != nil {
			f.OnReconnect()
		}
	}
}

func (f *Feed) consume(ctx context.Context, out chan<- FeedEvent) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("wsfeed dial %s: %w", f.cfg.URL, err)
	}
	defer conn.Close()
	log.Printf("[wsfeed] connected to %s", f.cfg.URL)

	// Unblock ReadMessage when ctx is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		var msg EventMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("[wsfeed] bad message, skipping: %v", err)
			continue
		}
		evType, ok := wireTypes[msg.Type]
		if !ok {
			log.Printf("[wsfeed] unknown event type %q, skipping", msg.Type)
			continue
		}

		select {
		case out <- FeedEvent{
			OrderID: msg.OrderID,
			Event:   oms.Event{Type: evType, DeltaQty: msg.DeltaQty},
			EventID: msg.EventID,
		}:
		case <-ctx.Done():
			return nil
		}
	}
}
