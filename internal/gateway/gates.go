package gateway

// The three policy gates evaluated before every broker operation. Each is a
// constructor-injected interface so deterministic stubs can stand in during
// tests. Gate queries are synchronous, cheap, and perform no I/O.

// IntegrityGate reports whether the system is armed for execution.
type IntegrityGate interface {
	IsArmed() bool
}

// RiskGate reports whether the risk engine currently allows dispatch.
type RiskGate interface {
	IsAllowed() bool
}

// ReconcileGate reports whether the most recent reconcile is clean.
type ReconcileGate interface {
	IsClean() bool
}

// GateRefusal is the reason a broker operation was refused at the gateway.
//
// A refusal is policy-level and transient: the same call may succeed later
// once conditions change. No side effects occur on refusal — the broker is
// never contacted.
type GateRefusal int

const (
	// IntegrityDisarmed: the integrity gate reported disarmed or halted.
	IntegrityDisarmed GateRefusal = iota + 1
	// RiskBlocked: the risk gate did not allow the operation.
	RiskBlocked
	// ReconcileNotClean: the last reconcile is missing, stale, or dirty.
	ReconcileNotClean
)

func (g GateRefusal) Error() string {
	switch g {
	case IntegrityDisarmed:
		return "GATE_REFUSED: integrity disarmed or halted"
	case RiskBlocked:
		return "GATE_REFUSED: risk engine did not allow"
	case ReconcileNotClean:
		return "GATE_REFUSED: reconcile is not clean"
	default:
		return "GATE_REFUSED: unknown gate"
	}
}

// GateName is the short label used in logs and metrics.
func (g GateRefusal) GateName() string {
	switch g {
	case IntegrityDisarmed:
		return "integrity"
	case RiskBlocked:
		return "risk"
	case ReconcileNotClean:
		return "reconcile"
	default:
		return "unknown"
	}
}
