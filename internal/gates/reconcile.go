package gates

import "sync"

// ReconcileGuard is the production ReconcileGate: clean only when a clean
// reconcile pass was recorded within the freshness bound. It fails closed
// when reconcile has never run, when the last result was dirty, and when the
// last clean result has gone stale.
//
// The clock is injected as an epoch-milliseconds func so tests control time
// deterministically.
type ReconcileGuard struct {
	mu             sync.Mutex
	freshnessBound int64 // max age (ms) of the last clean reconcile
	lastCleanAtMS  int64 // 0 = never, or cleared by a dirty result
	clock          func() int64
}

// NewReconcileGuard creates a guard that starts dirty (no reconcile has run).
func NewReconcileGuard(freshnessBoundMS int64, clock func() int64) *ReconcileGuard {
	return &ReconcileGuard{freshnessBound: freshnessBoundMS, clock: clock}
}

// RecordResult records the outcome of a reconcile pass. A dirty result
// clears the clean timestamp, so the gate closes immediately.
func (g *ReconcileGuard) RecordResult(clean bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if clean {
		g.lastCleanAtMS = g.clock()
	} else {
		g.lastCleanAtMS = 0
	}
}

// IsClean implements the gateway's ReconcileGate.
func (g *ReconcileGuard) IsClean() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lastCleanAtMS == 0 {
		return false
	}
	return g.clock()-g.lastCleanAtMS <= g.freshnessBound
}

// RiskToggle is a minimal RiskGate: an operator (or the risk engine) flips
// it. The arithmetic that decides the flip lives outside this core.
type RiskToggle struct {
	mu      sync.RWMutex
	allowed bool
}

// NewRiskToggle starts in the given state.
func NewRiskToggle(allowed bool) *RiskToggle {
	return &RiskToggle{allowed: allowed}
}

// Allow opens the gate.
func (r *RiskToggle) Allow() {
	r.mu.Lock()
	r.allowed = true
	r.mu.Unlock()
}

// Block closes the gate.
func (r *RiskToggle) Block() {
	r.mu.Lock()
	r.allowed = false
	r.mu.Unlock()
}

// IsAllowed implements the gateway's RiskGate.
func (r *RiskToggle) IsAllowed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.allowed
}
