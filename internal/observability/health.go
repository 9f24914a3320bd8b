package observability

import (
	"context"
	"runtime"
	"sync"
	"time"
)

// ComponentStatus is one dependency's health, reported by the /api/v1/health
// endpoint alongside the others.
type ComponentStatus struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is implemented by anything the health endpoint needs to poll:
// Store, the ratelimit Redis client, the Dispatcher's Transmitter, etc.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// HealthReport aggregates every registered Checker plus lightweight process
// stats, adapted from the teacher's standalone performance monitor into a
// single snapshot the admission layer serializes.
type HealthReport struct {
	Overall    bool              `json:"overall"`
	Components []ComponentStatus `json:"components"`
	Goroutines int               `json:"goroutines"`
	Uptime     float64           `json:"uptimeSeconds"`
}

type HealthRegistry struct {
	mu       sync.RWMutex
	checkers []Checker
	started  time.Time
}

func NewHealthRegistry() *HealthRegistry {
	return &HealthRegistry{started: time.Now()}
}

func (h *HealthRegistry) Register(c Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers = append(h.checkers, c)
}

func (h *HealthRegistry) Snapshot(ctx context.Context) HealthReport {
	h.mu.RLock()
	checkers := append([]Checker(nil), h.checkers...)
	h.mu.RUnlock()

	report := HealthReport{
		Overall:    true,
		Goroutines: runtime.NumGoroutine(),
		Uptime:     time.Since(h.started).Seconds(),
	}

	for _, c := range checkers {
		status := ComponentStatus{Name: c.Name(), Healthy: true}
		if err := c.Check(ctx); err != nil {
			status.Healthy = false
			status.Detail = err.Error()
			report.Overall = false
		}
		report.Components = append(report.Components, status)
	}

	return report
}

// FuncChecker adapts a plain function into a Checker, used for components
// that only need a one-line ping (Store.Health, RedisDB.HealthCheck).
type FuncChecker struct {
	name string
	fn   func(ctx context.Context) error
}

func NewFuncChecker(name string, fn func(ctx context.Context) error) FuncChecker {
	return FuncChecker{name: name, fn: fn}
}

func (f FuncChecker) Name() string                      { return f.name }
func (f FuncChecker) Check(ctx context.Context) error    { return f.fn(ctx) }
