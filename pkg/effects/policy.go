package effects

import "foreman/pkg/workorder"

// Decision is the outcome of the retry policy for one failed attempt.
type Decision int

// Decision constants.
const (
	Retry Decision = iota
	FailPermanent
)

// Reason tags attached to permanent failures.
const (
	ReasonCascadeDepth = "cascade_depth_exceeded"
	ReasonUnknownType  = "unknown_event_type"
)

// Decide is the pure retry/cascade decision: given the attempt count so far
// and the event's propagation depth, pick Retry or FailPermanent.
//
// Depth above workorder.MaxCascadeDepth always fails, regardless of attempt
// count: it bounds recursive effect chains (a notify-parent event that
// spawns another notify-parent event) from running unbounded. Otherwise the
// event retries until workorder.MaxAttempts total attempts are spent. No
// delay is scheduled here; the dispatcher's invocation cadence is the de
// facto backoff.
func Decide(attempt, depth int) Decision {
	if depth > workorder.MaxCascadeDepth {
		return FailPermanent
	}
	if attempt+1 < workorder.MaxAttempts {
		return Retry
	}
	return FailPermanent
}
