package admission

import (
	"testing"
	"time"
)

func futureAppointment(d time.Duration) string {
	return time.Now().Add(d).Format(time.RFC3339)
}

func TestQueueRequestValidatePhoneNumber(t *testing.T) {
	cases := []struct {
		phone string
		valid bool
	}{
		{"+15555550123", true},
		{"+447911123456", true},
		{"5555550123", false},
		{"+0555550123", false},
		{"not-a-number", false},
	}

	for _, tc := range cases {
		req := QueueRequest{PhoneNumber: tc.phone, Message: "hi", AppointmentTime: futureAppointment(25 * time.Hour)}
		_, err := req.validate()
		if tc.valid && err != nil {
			t.Errorf("expected %q to be valid, got %v", tc.phone, err)
		}
		if !tc.valid && err == nil {
			t.Errorf("expected %q to be invalid", tc.phone)
		}
	}
}

func TestQueueRequestValidateContentLength(t *testing.T) {
	long := make([]byte, 1601)
	for i := range long {
		long[i] = 'x'
	}
	req := QueueRequest{PhoneNumber: "+15555550123", Message: string(long), AppointmentTime: futureAppointment(25 * time.Hour)}
	if _, err := req.validate(); err == nil {
		t.Fatal("expected oversized message to fail validation")
	}
}

func TestQueueRequestValidateDefaults(t *testing.T) {
	req := QueueRequest{PhoneNumber: "+15555550123", Message: "hi", AppointmentTime: futureAppointment(25 * time.Hour)}
	m, err := req.validate()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Priority != "NORMAL" {
		t.Errorf("expected default priority NORMAL, got %s", m.Priority)
	}
	if m.RetryStrategy != "EXP" {
		t.Errorf("expected default retry strategy EXP, got %s", m.RetryStrategy)
	}
	if m.MaxRetries != 3 {
		t.Errorf("expected default maxRetries 3, got %d", m.MaxRetries)
	}
}

func TestQueueRequestValidateDerivesScheduledAtFromAppointment(t *testing.T) {
	req := QueueRequest{PhoneNumber: "+15555550123", Message: "hi", AppointmentTime: futureAppointment(25 * time.Hour)}
	m, err := req.validate()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.ScheduledAt == nil {
		t.Fatal("expected scheduledAt to be derived from appointmentTime")
	}
	wantAround := time.Now().Add(time.Hour)
	if diff := m.ScheduledAt.Sub(wantAround); diff < -time.Minute || diff > time.Minute {
		t.Errorf("expected scheduledAt ~= appointmentTime-24h (%s), got %s", wantAround, m.ScheduledAt)
	}
}

func TestQueueRequestValidateScheduledAtNeverPrecedesNow(t *testing.T) {
	// appointmentTime only 1h out derives a scheduledAt 23h in the past,
	// which must clamp to "now" rather than violate scheduledAt >= createdAt.
	req := QueueRequest{PhoneNumber: "+15555550123", Message: "hi", AppointmentTime: futureAppointment(time.Hour)}
	m, err := req.validate()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.ScheduledAt.Before(time.Now().Add(-time.Minute)) {
		t.Errorf("expected clamped scheduledAt close to now, got %s", m.ScheduledAt)
	}
}

func TestQueueRequestValidateAppointmentTimeMustBeFuture(t *testing.T) {
	req := QueueRequest{
		PhoneNumber:     "+15555550123",
		Message:         "hi",
		AppointmentTime: "2000-01-01T00:00:00Z",
	}
	if _, err := req.validate(); err == nil {
		t.Fatal("expected past appointmentTime to fail validation")
	}
}

func TestQueueRequestValidateMalformedAppointmentTime(t *testing.T) {
	req := QueueRequest{PhoneNumber: "+15555550123", Message: "hi", AppointmentTime: "not-a-date"}
	if _, err := req.validate(); err == nil {
		t.Fatal("expected malformed appointmentTime to fail validation")
	}
}

func TestQueueRequestValidateInvalidMaxRetries(t *testing.T) {
	tooMany := 11
	req := QueueRequest{
		PhoneNumber:     "+15555550123",
		Message:         "hi",
		AppointmentTime: futureAppointment(25 * time.Hour),
		MaxRetries:      &tooMany,
	}
	if _, err := req.validate(); err == nil {
		t.Fatal("expected maxRetries > 10 to fail validation")
	}
}
