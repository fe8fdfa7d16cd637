// Package metrics exposes Prometheus metrics for the execution core and a
// small HTTP server with /metrics and /healthz endpoints.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the dispatch core.
type Metrics struct {
	GateRefusals    *prometheus.CounterVec // labels: gate
	OrdersSubmitted prometheus.Counter
	OrdersCancelled prometheus.Counter
	OrdersReplaced  prometheus.Counter

	OutboxEnqueued prometheus.Counter
	OutboxClaimed  prometheus.Counter
	OutboxSent     prometheus.Counter
	OutboxAcked    prometheus.Counter
	OutboxFailed   prometheus.Counter
	OutboxReleased prometheus.Counter

	RecoveryInspected   prometheus.Counter
	RecoveryResubmitted prometheus.Counter
	RecoveryAcked       prometheus.Counter

	BrokerCallDur prometheus.Histogram
	ClaimDur      prometheus.Histogram

	TransitionErrors prometheus.Counter
	EventsApplied    prometheus.Counter

	FeedReconnects prometheus.Counter
}

// New registers and returns all metrics. Call once per process.
func New() *Metrics {
	m := &Metrics{
		GateRefusals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exec_gate_refusals_total",
			Help: "Broker operations refused at the gateway, by gate",
		}, []string{"gate"}),
		OrdersSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exec_orders_submitted_total",
			Help: "Orders submitted through the gateway",
		}),
		OrdersCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exec_orders_cancelled_total",
			Help: "Cancels routed through the gateway",
		}),
		OrdersReplaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exec_orders_replaced_total",
			Help: "Replaces routed through the gateway",
		}),
		OutboxEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exec_outbox_enqueued_total",
			Help: "Rows enqueued into the outbox",
		}),
		OutboxClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exec_outbox_claimed_total",
			Help: "Outbox rows claimed for dispatch",
		}),
		OutboxSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exec_outbox_sent_total",
			Help: "Outbox rows marked sent",
		}),
		OutboxAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exec_outbox_acked_total",
			Help: "Outbox rows acknowledged",
		}),
		OutboxFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exec_outbox_failed_total",
			Help: "Outbox rows marked failed",
		}),
		OutboxReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exec_outbox_released_total",
			Help: "Outbox claims released back to pending",
		}),
		RecoveryInspected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exec_recovery_inspected_total",
			Help: "Outbox rows inspected by recovery passes",
		}),
		RecoveryResubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exec_recovery_resubmitted_total",
			Help: "Outbox rows resubmitted by recovery passes",
		}),
		RecoveryAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exec_recovery_acked_total",
			Help: "Outbox rows acknowledged by recovery passes",
		}),
		BrokerCallDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "exec_broker_call_seconds",
			Help:    "Broker adapter call duration",
			Buckets: prometheus.DefBuckets,
		}),
		ClaimDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "exec_outbox_claim_seconds",
			Help:    "Outbox claim batch duration",
			Buckets: prometheus.DefBuckets,
		}),
		TransitionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exec_oms_transition_errors_total",
			Help: "Illegal OMS transitions (operator halt signal)",
		}),
		EventsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exec_oms_events_applied_total",
			Help: "OMS lifecycle events applied",
		}),
		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exec_feed_reconnects_total",
			Help: "Broker event feed reconnection attempts",
		}),
	}

	prometheus.MustRegister(
		m.GateRefusals,
		m.OrdersSubmitted,
		m.OrdersCancelled,
		m.OrdersReplaced,
		m.OutboxEnqueued,
		m.OutboxClaimed,
		m.OutboxSent,
		m.OutboxAcked,
		m.OutboxFailed,
		m.OutboxReleased,
		m.RecoveryInspected,
		m.RecoveryResubmitted,
		m.RecoveryAcked,
		m.BrokerCallDur,
		m.ClaimDur,
		m.TransitionErrors,
		m.EventsApplied,
		m.FeedReconnects,
	)

	return m
}

// HealthStatus represents dispatcher health.
type HealthStatus struct {
	mu sync.RWMutex

	OutboxOK    bool      `json:"outbox_ok"`
	LastClaimAt time.Time `json:"last_claim_at"`
	startTime   time.Time
	lastCheckAt time.Time
}

// NewHealthStatus creates a health tracker.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{startTime: time.Now()}
}

// SetOutboxOK records outbox store reachability.
func (h *HealthStatus) SetOutboxOK(v bool) {
	h.mu.Lock()
	h.OutboxOK = v
	h.mu.Unlock()
}

// SetLastClaimAt records the time of the most recent claim attempt.
func (h *HealthStatus) SetLastClaimAt(t time.Time) {
	h.mu.Lock()
	h.LastClaimAt = t
	h.mu.Unlock()
}

// CheckSQLite pings the outbox database and updates OutboxOK.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := db.PingContext(ctx)

	h.mu.Lock()
	h.OutboxOK = err == nil
	h.lastCheckAt = time.Now()
	h.mu.Unlock()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overall := "healthy"
	code := http.StatusOK
	if !h.OutboxOK {
		overall = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	status := struct {
		Status      string `json:"status"`
		Uptime      string `json:"uptime"`
		OutboxOK    bool   `json:"outbox_ok"`
		LastClaimAt string `json:"last_claim_at"`
		LastCheckAt string `json:"last_check_at"`
	}{
		Status:   overall,
		Uptime:   time.Since(h.startTime).Round(time.Second).String(),
		OutboxOK: h.OutboxOK,
	}
	if !h.LastClaimAt.IsZero() {
		status.LastClaimAt = h.LastClaimAt.Format(time.RFC3339)
	}
	if !h.lastCheckAt.IsZero() {
		status.LastCheckAt = h.lastCheckAt.Format(time.RFC3339)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}

// Server serves /metrics and /healthz.
type Server struct {
	srv *http.Server
}

// NewServer builds the metrics HTTP server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", health)
	return &Server{srv: &http.Server{Addr: addr, Handler: mux}}
}

// Start serves in a background goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] serving on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) {
	if err := s.srv.Shutdown(ctx); err != nil {
		log.Printf("[metrics] shutdown error: %v", err)
	}
}
