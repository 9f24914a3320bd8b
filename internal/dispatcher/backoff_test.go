package dispatcher

import (
	"testing"

	"sms-gateway/internal/store"
)

func TestCalculateBackoffStaysWithinPriorityRange(t *testing.T) {
	strategies := []store.RetryStrategy{store.RetryExponential, store.RetryLinear, store.RetryFixed}
	priorities := []store.Priority{store.PriorityUrgent, store.PriorityHigh, store.PriorityNormal, store.PriorityLow}

	for _, strat := range strategies {
		for _, prio := range priorities {
			rng := priorityBackoff[prio]
			for attempt := 0; attempt < 12; attempt++ {
				d := calculateBackoff(strat, attempt, prio)
				if d < rng.base || d > rng.max {
					t.Fatalf("strategy=%s priority=%s attempt=%d: delay %s out of range [%s, %s]",
						strat, prio, attempt, d, rng.base, rng.max)
				}
			}
		}
	}
}

func TestCalculateBackoffExponentialGrows(t *testing.T) {
	// Average out jitter noise by sampling several times per attempt.
	avg := func(attempt int) float64 {
		var sum float64
		for i := 0; i < 200; i++ {
			sum += float64(calculateBackoff(store.RetryExponential, attempt, store.PriorityNormal))
		}
		return sum / 200
	}

	if avg(3) <= avg(1) {
		t.Fatal("expected exponential backoff to grow with attempt count")
	}
}

func TestCalculateBackoffFixedStaysNearBase(t *testing.T) {
	rng := priorityBackoff[store.PriorityNormal]
	for attempt := 0; attempt < 5; attempt++ {
		d := calculateBackoff(store.RetryFixed, attempt, store.PriorityNormal)
		lower := float64(rng.base) * 0.79
		upper := float64(rng.base) * 1.21
		if float64(d) < lower || float64(d) > upper {
			t.Fatalf("expected fixed backoff near base, got %s (base %s)", d, rng.base)
		}
	}
}
