package dispatcher

import (
	"math"
	"math/rand"
	"time"

	"sms-gateway/internal/store"
)

// backoffRange bounds the delay before the next retry attempt, keyed by
// priority -- urgent messages get a tight retry window, low-priority
// messages back off much further.
type backoffRange struct {
	base time.Duration
	max  time.Duration
}

var priorityBackoff = map[store.Priority]backoffRange{
	store.PriorityUrgent: {base: 500 * time.Millisecond, max: 60 * time.Second},
	store.PriorityHigh:   {base: 1 * time.Second, max: 180 * time.Second},
	store.PriorityNormal: {base: 2 * time.Second, max: 300 * time.Second},
	store.PriorityLow:    {base: 5 * time.Second, max: 600 * time.Second},
}

// jitterFraction is the proportional random jitter applied per retry
// strategy, mirroring how aggressively each curve should smear out
// thundering-herd retries.
var jitterFraction = map[store.RetryStrategy]float64{
	store.RetryExponential: 0.10,
	store.RetryLinear:      0.05,
	store.RetryFixed:       0.20,
}

// calculateBackoff returns the delay before the next retry for the given
// strategy and priority, where attempt is 0-indexed (the number of retries
// already made), clamped to the priority's [base, max]
// range and jittered by the strategy's fraction.
func calculateBackoff(strategy store.RetryStrategy, attempt int, priority store.Priority) time.Duration {
	rng, ok := priorityBackoff[priority]
	if !ok {
		rng = priorityBackoff[store.PriorityNormal]
	}
	base := float64(rng.base)

	var raw float64
	switch strategy {
	case store.RetryExponential:
		raw = base * math.Pow(2, float64(attempt))
	case store.RetryLinear:
		raw = base * float64(attempt+1)
	case store.RetryFixed:
		raw = base
	default:
		raw = base
	}

	if raw > float64(rng.max) {
		raw = float64(rng.max)
	}
	if raw < float64(rng.base) {
		raw = float64(rng.base)
	}

	// One-sided jitter per spec §4.C: delay = backoff * (1 + jitter * U[0,1)).
	frac := jitterFraction[strategy]
	jitter := raw * frac * rand.Float64()
	delay := raw + jitter

	if delay < float64(rng.base) {
		delay = float64(rng.base)
	}
	if delay > float64(rng.max) {
		delay = float64(rng.max)
	}

	return time.Duration(delay)
}
