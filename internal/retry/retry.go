// Package retry implements the exponential-backoff retry policy shared by
// the dispatch orchestrator and the ack-retry loop, grounded on the swarm
// orchestrator's RetryPolicy (services/orchestrator/dag_engine.go) but
// stripped down to pure backoff-schedule math: no execution loop, callers
// drive their own retry timers against the schedule this computes.
package retry

import "time"

// Policy is an exponential backoff schedule: base, 2*base, 4*base, ...,
// capped at Max, with bounded attempts.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
	Multiplier  float64 // default 2.0 when zero
}

// DefaultPolicy matches the ack-retry defaults implied by spec.md §4.2/§4.6.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, Base: 250 * time.Millisecond, Max: 10 * time.Second, Multiplier: 2.0}
}

// Wait returns the backoff delay before attempt number `attempt` (1-indexed,
// i.e. the delay before the *next* try after `attempt` has failed).
func (p Policy) Wait(attempt int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	wait := p.Base
	for i := 1; i < attempt; i++ {
		wait = time.Duration(float64(wait) * mult)
		if wait > p.Max {
			return p.Max
		}
	}
	if wait > p.Max {
		wait = p.Max
	}
	return wait
}

// Exhausted reports whether attempt has used up the policy's budget.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}
