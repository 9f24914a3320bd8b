package admission

import (
	"regexp"
	"time"
	"unicode/utf8"

	"sms-gateway/internal/apierr"
	"sms-gateway/internal/store"
)

var phoneRe = regexp.MustCompile(`^\+[1-9][0-9]{1,14}$`)

const maxContentLength = 1600

// schedulingLeadTime is the gap the gateway holds a message for before it
// becomes eligible for dispatch, per spec §6's timing contract: the caller
// names the wall-clock appointment they want the SMS to arrive by, and the
// server derives the earliest send time by subtracting this lead time.
const schedulingLeadTime = 24 * time.Hour

// QueueRequest is the decoded body of POST /api/v1/sms/queue. The wire
// contract names these fields `message`/`appointmentTime` (spec §6); the
// priority/retryStrategy/maxRetries knobs from the Message data model
// (spec §3) are optional enrichments on top of that contract.
type QueueRequest struct {
	PhoneNumber     string `json:"phoneNumber"`
	Message         string `json:"message"`
	AppointmentTime string `json:"appointmentTime"`
	Priority        string `json:"priority"`
	RetryStrategy   string `json:"retryStrategy"`
	MaxRetries      *int   `json:"maxRetries"`
}

func (r QueueRequest) validate() (*store.Message, error) {
	if !phoneRe.MatchString(r.PhoneNumber) {
		return nil, apierr.Validation("INVALID_PHONE_NUMBER", "phoneNumber must be E.164 format, e.g. +15555550123")
	}
	if r.Message == "" {
		return nil, apierr.Validation("EMPTY_CONTENT", "message must not be empty")
	}
	if utf8.RuneCountInString(r.Message) > maxContentLength {
		return nil, apierr.Validation("CONTENT_TOO_LONG", "message must not exceed 1600 characters")
	}

	appointment, err := time.Parse(time.RFC3339, r.AppointmentTime)
	if err != nil {
		return nil, apierr.Validation("INVALID_APPOINTMENT_TIME", "appointmentTime must be an ISO-8601 timestamp")
	}
	if !appointment.After(time.Now()) {
		return nil, apierr.Validation("APPOINTMENT_TIME_NOT_FUTURE", "appointmentTime must be strictly in the future")
	}

	priority := store.Priority(r.Priority)
	if priority == "" {
		priority = store.PriorityNormal
	}
	if !priority.Valid() {
		return nil, apierr.Validation("INVALID_PRIORITY", "priority must be one of URGENT, HIGH, NORMAL, LOW")
	}

	strategy := store.RetryStrategy(r.RetryStrategy)
	if strategy == "" {
		strategy = store.RetryExponential
	}
	if !strategy.Valid() {
		return nil, apierr.Validation("INVALID_RETRY_STRATEGY", "retryStrategy must be one of EXP, LINEAR, FIXED")
	}

	maxRetries := 3
	if r.MaxRetries != nil {
		maxRetries = *r.MaxRetries
	}
	if maxRetries < 0 || maxRetries > 10 {
		return nil, apierr.Validation("INVALID_MAX_RETRIES", "maxRetries must be between 0 and 10")
	}

	// scheduledAt must never precede createdAt (spec §3 invariant): an
	// appointment less than the full lead time away still derives a
	// "send as soon as possible" message rather than a time in the past.
	scheduledAt := appointment.Add(-schedulingLeadTime)
	now := time.Now()
	if scheduledAt.Before(now) {
		scheduledAt = now
	}
	m := &store.Message{
		PhoneNumber:   r.PhoneNumber,
		Content:       r.Message,
		Priority:      priority,
		RetryStrategy: strategy,
		MaxRetries:    maxRetries,
		ScheduledAt:   &scheduledAt,
	}

	return m, nil
}
