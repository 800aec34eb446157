// Package enforce implements the per-segment blacklist state machine.
//
// Segments move Ok -> Pending when daily usage crosses the limit, then
// Pending -> Blacklisted only after the grace window has elapsed with
// usage still over the limit. Recovery is immediate: a segment back
// under its limit returns to Ok from either state. A segment never
// jumps straight from Ok to Blacklisted.
package enforce

import "time"

// Status is the enforcement state of one segment.
type Status string

const (
	StatusOk          Status = "ok"
	StatusPending     Status = "pending"
	StatusBlacklisted Status = "blacklisted"
)

// GaugeValue maps a status onto the exported metric value.
func (s Status) GaugeValue() float64 {
	switch s {
	case StatusPending:
		return 1
	case StatusBlacklisted:
		return 2
	default:
		return 0
	}
}

// Effect is the side effect a transition demands.
type Effect int

const (
	EffectNone Effect = iota
	EffectBlock
	EffectUnblock
)

// Transition computes the next status for a segment. total is today's
// accrued usage in seconds, limit the daily budget, elapsed the time
// since the segment entered Pending (ignored in other states), grace
// the hysteresis window. The function is pure; callers persist the
// result and execute the effect.
func Transition(current Status, total, limit int64, elapsed, grace time.Duration) (Status, Effect) {
	over := total >= limit
	switch current {
	case StatusPending:
		if !over {
			return StatusOk, EffectNone
		}
		if elapsed >= grace {
			return StatusBlacklisted, EffectBlock
		}
		return StatusPending, EffectNone
	case StatusBlacklisted:
		if !over {
			return StatusOk, EffectUnblock
		}
		return StatusBlacklisted, EffectNone
	default:
		if over {
			return StatusPending, EffectNone
		}
		return StatusOk, EffectNone
	}
}
