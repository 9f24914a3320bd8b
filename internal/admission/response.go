package admission

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"sms-gateway/internal/apierr"
	"sms-gateway/internal/store"
)

// messageView is the API-facing projection of store.Message -- it never
// exposes the internal CLAIMED state or pre-claim bookkeeping.
type messageView struct {
	ID            int64      `json:"id"`
	PhoneNumber   string     `json:"phoneNumber"`
	Content       string     `json:"content"`
	Priority      string     `json:"priority"`
	RetryStrategy string     `json:"retryStrategy"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"createdAt"`
	ScheduledAt   *time.Time `json:"scheduledAt,omitempty"`
	SentAt        *time.Time `json:"sentAt,omitempty"`
	RetryCount    int        `json:"retryCount"`
	MaxRetries    int        `json:"maxRetries"`
	LastError     string     `json:"lastError,omitempty"`
}

func messageResponse(m *store.Message) messageView {
	status := m.Status
	if status == store.StatusClaimed {
		// CLAIMED is an internal implementation detail of the claim
		// protocol; callers only ever see the state it will resolve to.
		status = store.StatusScheduled
	}
	return messageView{
		ID:            m.ID,
		PhoneNumber:   m.PhoneNumber,
		Content:       m.Content,
		Priority:      string(m.Priority),
		RetryStrategy: string(m.RetryStrategy),
		Status:        string(status),
		CreatedAt:     m.CreatedAt,
		ScheduledAt:   m.ScheduledAt,
		SentAt:        m.SentAt,
		RetryCount:    m.RetryCount,
		MaxRetries:    m.MaxRetries,
		LastError:     m.LastError,
	}
}

// writeAPIError renders the {error, message, code} envelope from spec §7.
func writeAPIError(c *fiber.Ctx, err error) error {
	ae, ok := apierr.As(err)
	if !ok {
		ae = apierr.New(apierr.KindInternal, "INTERNAL_ERROR", "an unexpected error occurred")
	}
	return c.Status(statusForKind(ae.Kind)).JSON(fiber.Map{
		"error":   ae.Code,
		"message": ae.Message,
		"code":    ae.Code,
	})
}

func statusForKind(k apierr.Kind) int {
	switch k {
	case apierr.KindValidation:
		return fiber.StatusBadRequest
	case apierr.KindNotFound:
		return fiber.StatusNotFound
	case apierr.KindConflict:
		return fiber.StatusConflict
	case apierr.KindUnauthorized:
		return fiber.StatusUnauthorized
	case apierr.KindForbidden:
		return fiber.StatusForbidden
	case apierr.KindRateLimited:
		return fiber.StatusTooManyRequests
	default:
		return fiber.StatusInternalServerError
	}
}
