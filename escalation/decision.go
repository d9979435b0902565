package escalation

import (
	"time"

	"showingflow/preference"
)

// deadlineSlack absorbs clock skew between the process that armed a timer and the one
// that fires it. Timeouts are whole seconds, so anything under a second is noise.
const deadlineSlack = 500 * time.Millisecond

// responseTimeout resolves candidate idx's window: candidate value, then list default,
// then the engine fallback.
func responseTimeout(list preference.List, idx int, fallback time.Duration) time.Duration {
	if idx >= 0 && idx < len(list.Candidates) && list.Candidates[idx].ResponseTimeoutSeconds > 0 {
		return seconds(list.Candidates[idx].ResponseTimeoutSeconds)
	}
	if list.DefaultResponseTimeoutSeconds > 0 {
		return seconds(list.DefaultResponseTimeoutSeconds)
	}
	return fallback
}

// maxDuration resolves the escalation cap. Zero means unbounded.
func maxDuration(list preference.List, fallback time.Duration) time.Duration {
	if list.MaxEscalationSeconds > 0 {
		return seconds(list.MaxEscalationSeconds)
	}
	return fallback
}

// deadlineReached reports whether the escalation cap has elapsed at now.
func deadlineReached(startedAt *time.Time, limit time.Duration, now time.Time) bool {
	if limit <= 0 || startedAt == nil {
		return false
	}
	return now.Add(deadlineSlack).Sub(*startedAt) >= limit
}

// stepDelay is the time until a step that began at stepStart must be re-evaluated. The
// escalation cap is folded in, so one timer per step covers both conditions.
func stepDelay(timeout time.Duration, stepStart time.Time, startedAt *time.Time, limit time.Duration, now time.Time) time.Duration {
	d := timeout - now.Sub(stepStart)
	if limit > 0 && startedAt != nil {
		if rem := limit - now.Sub(*startedAt); rem < d {
			d = rem
		}
	}
	if d < 0 {
		return 0
	}
	return d
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
