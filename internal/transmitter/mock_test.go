package transmitter

import (
	"context"
	"testing"
)

func TestMockSendSuccess(t *testing.T) {
	m := NewMock()
	err := m.Send(context.Background(), Request{MessageID: 1, PhoneNumber: "+15555550123", Content: "hello"})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestMockSendClassification(t *testing.T) {
	cases := []struct {
		name    string
		phone   string
		outcome Outcome
	}{
		{"network error", "+1555555" + SuffixNetworkError, OutcomeRetryable},
		{"timeout", "+1555555" + SuffixTimeout, OutcomeRetryable},
		{"sim busy", "+1555555" + SuffixSimBusy, OutcomeRetryable},
		{"invalid number", "+1555555" + SuffixInvalidNumber, OutcomeTerminal},
		{"blocked", "+1555555" + SuffixBlocked, OutcomeTerminal},
		{"permission denied", "+1555555" + SuffixPermissionDenied, OutcomeTerminal},
	}

	m := NewMock()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := m.Send(context.Background(), Request{PhoneNumber: tc.phone, Content: "x"})
			if got := Classify(err); got != tc.outcome {
				t.Fatalf("expected %s, got %s (%v)", tc.outcome, got, err)
			}
		})
	}
}

func TestMockSendInvalidFormat(t *testing.T) {
	m := NewMock()
	err := m.Send(context.Background(), Request{PhoneNumber: "not-a-number", Content: "x"})
	if Classify(err) != OutcomeTerminal {
		t.Fatalf("expected terminal classification for malformed number, got %v", err)
	}
}

func TestMockSendContentTooLong(t *testing.T) {
	m := NewMock()
	long := make([]byte, 1601)
	for i := range long {
		long[i] = 'a'
	}
	err := m.Send(context.Background(), Request{PhoneNumber: "+15555550123", Content: string(long)})
	if Classify(err) != OutcomeTerminal {
		t.Fatalf("expected terminal classification for oversized content, got %v", err)
	}
}

func TestMockBusyOverridesEverything(t *testing.T) {
	m := NewMock()
	m.SetBusy(true)
	err := m.Send(context.Background(), Request{PhoneNumber: "+15555550123", Content: "x"})
	if Classify(err) != OutcomeRetryable {
		t.Fatalf("expected retryable while busy, got %v", err)
	}
	if m.SimState() != SimNotReady {
		t.Fatalf("expected SimState NOT_READY while busy, got %s", m.SimState())
	}
}

func TestMockForcedSimState(t *testing.T) {
	m := NewMock()
	if m.SimState() != SimReady {
		t.Fatalf("expected default SimState READY, got %s", m.SimState())
	}
	m.SetState(SimPinRequired)
	if m.SimState() != SimPinRequired {
		t.Fatalf("expected forced SimState PIN_REQUIRED, got %s", m.SimState())
	}
}
