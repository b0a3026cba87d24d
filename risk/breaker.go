package risk

import "time"

// BreakerStatus is a read-only snapshot of the circuit breaker.
type BreakerStatus struct {
	Tripped       bool       `json:"tripped"`
	TripTime      *time.Time `json:"tripTime"`
	TriggerReason string     `json:"triggerReason,omitempty"`
	DryRunMode    bool       `json:"dryRunMode"`
}

// CircuitBreaker halts all admission while tripped. Recovery is manual; there
// is no timed half-open state. It also carries the global dry-run overlay.
// Not safe for concurrent use; Engine serializes access.
type CircuitBreaker struct {
	tripped   bool
	trippedAt time.Time
	reason    string
	dryRun    bool
	onTrip    func(trigger string)
}

// NewCircuitBreaker returns an untripped breaker. onTrip, when non-nil, is
// called on every Trip, including repeats while already tripped.
func NewCircuitBreaker(onTrip func(trigger string)) *CircuitBreaker {
	return &CircuitBreaker{onTrip: onTrip}
}

// Trip moves to Tripped and reports whether this call changed state. While
// already tripped the first reason and time are kept.
func (b *CircuitBreaker) Trip(reason string, at time.Time) bool {
	if b.onTrip != nil {
		b.onTrip(reason)
	}
	if b.tripped {
		return false
	}
	b.tripped = true
	b.trippedAt = at
	b.reason = reason
	return true
}

// Untrip clears the breaker. It reports whether the breaker was tripped.
func (b *CircuitBreaker) Untrip() bool {
	was := b.tripped
	b.tripped = false
	b.trippedAt = time.Time{}
	b.reason = ""
	return was
}

// Tripped reports the current state.
func (b *CircuitBreaker) Tripped() bool { return b.tripped }

// SetDryRun toggles the dry-run overlay.
func (b *CircuitBreaker) SetDryRun(on bool) { b.dryRun = on }

// DryRun reports whether the dry-run overlay is on.
func (b *CircuitBreaker) DryRun() bool { return b.dryRun }

// Status returns a snapshot.
func (b *CircuitBreaker) Status() BreakerStatus {
	st := BreakerStatus{
		Tripped:       b.tripped,
		TriggerReason: b.reason,
		DryRunMode:    b.dryRun,
	}
	if b.tripped {
		t := b.trippedAt
		st.TripTime = &t
	}
	return st
}
