package recovery

import (
	"time"
)

// Strategy is a recovery action class, ordered by severity. Escalation
// within an episode only ever moves forward through this order.
type Strategy uint8

const (
	StrategyRetry Strategy = iota
	StrategyReinitialize
	StrategyUnload
	StrategyEscalate
)

var strategyNames = [...]string{"retry", "reinitialize", "unload", "escalate"}

func (s Strategy) String() string {
	if int(s) < len(strategyNames) {
		return strategyNames[s]
	}
	return "invalid"
}

// Action is the advisor's verdict for one reported error.
type Action struct {
	Strategy Strategy
	Backoff  time.Duration // meaningful for StrategyRetry
	Episode  string        // episode id, stable across one fault sequence
	Attempt  int           // 1-based attempt within the current strategy
}

// Pattern is a snapshot of one learned error pattern. Patterns round-trip
// losslessly through the snapshot store.
type Pattern struct {
	Signature string
	Observed  uint64
	Rates     map[Strategy]float64 // EWMA success rate per strategy
	Threshold float64
	FirstSeen time.Time
	LastSeen  time.Time
}

// Stats is the advisor's read-only observability surface.
type Stats struct {
	Patterns    int
	Episodes    int // currently open
	Reports     uint64
	Escalations uint64
}
