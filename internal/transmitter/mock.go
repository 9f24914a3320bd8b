package transmitter

import (
	"context"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{1,14}$`)

// Mock simulates a carrier connection for local development and tests. Its
// behavior is driven by conventions on the phone number and content so
// scenarios are reproducible without a real network: a number ending in a
// recognized suffix deterministically exercises one sub-kind, anything else
// falls through to a configurable random failure rate.
type Mock struct {
	mu sync.Mutex

	// FailureRate is the probability (0..1) that an otherwise-unflagged
	// send is rejected with a random retryable reason.
	FailureRate float64
	// Latency is injected before every send resolves.
	Latency time.Duration
	// Busy marks the simulated carrier as globally degraded -- every send
	// returns a retryable SIM_BUSY error regardless of other settings.
	Busy bool

	sent        int
	forcedState SimStateKind
}

func NewMock() *Mock {
	return &Mock{FailureRate: 0}
}

// Recognized test suffixes, documented for callers writing scenario tests.
const (
	SuffixNetworkError    = "1001"
	SuffixTimeout         = "1002"
	SuffixNoService       = "1003"
	SuffixNoSignal        = "1004"
	SuffixSimBusy         = "1005"
	SuffixCarrierRateLimit = "1006"
	SuffixInvalidNumber   = "2001"
	SuffixBlocked         = "2002"
	SuffixPermissionDenied = "2003"
)

func (m *Mock) Send(ctx context.Context, req Request) error {
	m.mu.Lock()
	m.sent++
	busy := m.Busy
	latency := m.Latency
	failureRate := m.FailureRate
	m.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return Retryable("context deadline exceeded before send completed")
		}
	}

	if !e164.MatchString(req.PhoneNumber) {
		return Terminal(fmt.Sprintf("invalid phone number format: %q", req.PhoneNumber))
	}
	if utf8.RuneCountInString(req.Content) > 1600 {
		return Terminal("message content exceeds 1600 characters")
	}

	if busy {
		return Retryable("SIM_BUSY: carrier channel saturated")
	}

	switch {
	case strings.HasSuffix(req.PhoneNumber, SuffixNetworkError):
		return Retryable("NETWORK_ERROR: transport failure to carrier")
	case strings.HasSuffix(req.PhoneNumber, SuffixTimeout):
		return Retryable("TIMEOUT: carrier did not respond in time")
	case strings.HasSuffix(req.PhoneNumber, SuffixNoService):
		return Retryable("NO_SERVICE: carrier route unavailable")
	case strings.HasSuffix(req.PhoneNumber, SuffixNoSignal):
		return Retryable("NO_SIGNAL: destination handset unreachable")
	case strings.HasSuffix(req.PhoneNumber, SuffixSimBusy):
		return Retryable("SIM_BUSY: carrier channel saturated")
	case strings.HasSuffix(req.PhoneNumber, SuffixCarrierRateLimit):
		return Retryable("CARRIER_RATE_LIMITED: upstream throttling")
	case strings.HasSuffix(req.PhoneNumber, SuffixInvalidNumber):
		return Terminal("INVALID_NUMBER: destination does not exist")
	case strings.HasSuffix(req.PhoneNumber, SuffixBlocked):
		return Terminal("BLOCKED: destination has opted out")
	case strings.HasSuffix(req.PhoneNumber, SuffixPermissionDenied):
		return Terminal("PERMISSION_DENIED: sender not authorized for this destination")
	}

	if failureRate > 0 && rand.Float64() < failureRate {
		return Retryable("NETWORK_ERROR: simulated transient failure")
	}

	return nil
}

// SimStateKind enumerates the carrier modem states named in spec §6's
// Transmitter capability.
type SimStateKind string

const (
	SimReady         SimStateKind = "READY"
	SimAbsent        SimStateKind = "ABSENT"
	SimPinRequired   SimStateKind = "PIN_REQUIRED"
	SimPukRequired   SimStateKind = "PUK_REQUIRED"
	SimNetworkLocked SimStateKind = "NETWORK_LOCKED"
	SimNotReady      SimStateKind = "NOT_READY"
	SimError         SimStateKind = "ERROR"
)

// SimState reports the modem state the admin/health surface polls.
// Busy (set via SetBusy) is surfaced as NOT_READY; an explicit forced
// state set via SetState takes precedence, letting tests exercise the
// PIN/PUK/network-locked branches of anything that consumes simState().
func (m *Mock) SimState() SimStateKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.forcedState != "" {
		return m.forcedState
	}
	if m.Busy {
		return SimNotReady
	}
	return SimReady
}

func (m *Mock) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent
}

func (m *Mock) SetBusy(busy bool) {
	m.mu.Lock()
	m.Busy = busy
	m.mu.Unlock()
}

// SetState forces SimState to a specific kind, overriding the Busy-derived
// default; pass "" to clear the override.
func (m *Mock) SetState(state SimStateKind) {
	m.mu.Lock()
	m.forcedState = state
	m.mu.Unlock()
}
