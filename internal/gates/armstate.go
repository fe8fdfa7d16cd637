// Package gates provides the production implementations of the gateway's
// policy gates. The gate queries themselves are synchronous, cheap, and do
// no I/O; everything slow (persistence, reconcile passes) happens outside
// the query path.
package gates

import (
	"errors"
	"log"
	"sync"
)

// DisarmReason explains why execution is blocked, preserved so operators can
// identify the cause before re-arming.
type DisarmReason string

const (
	// ReasonBootDefault: the process booted; boot is always fail-closed.
	ReasonBootDefault DisarmReason = "BOOT_DEFAULT"
	// ReasonManualDisarm: an operator disarmed explicitly.
	ReasonManualDisarm DisarmReason = "MANUAL_DISARM"
	// ReasonDeadmanHalt: a heartbeat deadman expired.
	ReasonDeadmanHalt DisarmReason = "DEADMAN_HALT"
	// ReasonIntegrityViolation: data integrity checks failed upstream.
	ReasonIntegrityViolation DisarmReason = "INTEGRITY_VIOLATION"
	// ReasonReconcileDrift: reconcile detected drift against the broker.
	ReasonReconcileDrift DisarmReason = "RECONCILE_DRIFT"
)

// ErrHalted is returned by Arm while a sticky halt is in effect.
var ErrHalted = errors.New("gates: system is halted; halt must be cleared before re-arm")

// ArmState is the top-level integrity gate: armed means execution is
// permitted (subject to the other gates), disarmed blocks everything.
//
// Invariants:
//   - Boot is always fail-closed: a new ArmState starts Disarmed regardless
//     of what was persisted; a previously armed process is never trusted
//     across a restart.
//   - A halt is sticky: Arm fails until ClearHalt is called explicitly.
//   - Arm is the only path back to armed.
type ArmState struct {
	mu     sync.RWMutex
	armed  bool
	halted bool
	reason DisarmReason
}

// Boot creates the arm state for a fresh process. persistedReason, if
// non-empty, is the disarm reason carried over from the previous process so
// the operator can see why a re-arm is needed; the state is Disarmed either
// way.
func Boot(persistedReason DisarmReason) *ArmState {
	reason := ReasonBootDefault
	if persistedReason != "" {
		reason = persistedReason
	}
	return &ArmState{reason: reason}
}

// Arm enables execution. Fails while halted.
func (a *ArmState) Arm() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.halted {
		return ErrHalted
	}
	a.armed = true
	a.reason = ""
	log.Printf("[gates] armed")
	return nil
}

// Disarm blocks execution with a reason.
func (a *ArmState) Disarm(reason DisarmReason) {
	a.mu.Lock()
	a.armed = false
	a.reason = reason
	a.mu.Unlock()
	log.Printf("[gates] disarmed: %s", reason)
}

// Halt disarms and sets the sticky halt flag.
func (a *ArmState) Halt(reason DisarmReason) {
	a.mu.Lock()
	a.armed = false
	a.halted = true
	a.reason = reason
	a.mu.Unlock()
	log.Printf("[gates] HALTED: %s", reason)
}

// ClearHalt lifts the sticky halt. The state stays disarmed; an explicit Arm
// is still required.
func (a *ArmState) ClearHalt() {
	a.mu.Lock()
	a.halted = false
	a.mu.Unlock()
}

// IsArmed implements the gateway's IntegrityGate.
func (a *ArmState) IsArmed() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.armed && !a.halted
}

// Reason returns the current disarm reason ("" while armed).
func (a *ArmState) Reason() DisarmReason {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.reason
}
