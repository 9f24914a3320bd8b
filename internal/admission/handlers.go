// Package admission is the Fiber HTTP surface: authentication, rate
// limiting, request validation, and auditing wrap every handler before it
// ever touches the Store.
package admission

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"sms-gateway/internal/apierr"
	"sms-gateway/internal/auditbus"
	"sms-gateway/internal/observability"
	"sms-gateway/internal/ratelimit"
	"sms-gateway/internal/scheduler"
	"sms-gateway/internal/store"
	"sms-gateway/internal/tokenauth"
	"sms-gateway/internal/transmitter"
	"sms-gateway/internal/tunnel"
)

type Handlers struct {
	Store     *store.Store
	Tokens    *tokenauth.Issuer
	RateLimit *ratelimit.Limiter
	Audit     *auditbus.Bus
	Scheduler *scheduler.Scheduler
	Sim       *transmitter.Mock
	Tunnel    tunnel.Tunnel
	Health    *observability.HealthRegistry
	Metrics   *observability.Metrics
	Log       *zap.Logger
}

// @Summary Queue an SMS for dispatch
// @Description Accepts a message for asynchronous delivery; its earliest send time is the required appointmentTime minus 24h.
// @Router /api/v1/sms/queue [post]
func (h *Handlers) QueueMessage(c *fiber.Ctx) error {
	var req QueueRequest
	if err := c.BodyParser(&req); err != nil {
		return writeAPIError(c, apierr.Validation("MALFORMED_BODY", "request body is not valid JSON"))
	}

	m, err := req.validate()
	if err != nil {
		return writeAPIError(c, err)
	}
	m.OwnerID = ownerID(c)

	created, err := h.Store.InsertMessage(c.UserContext(), m)
	if err != nil {
		return writeAPIError(c, err)
	}

	h.audit(c, "MESSAGE_QUEUED", "INFO", fiber.StatusCreated, map[string]any{"messageId": created.ID})
	return c.Status(fiber.StatusCreated).JSON(messageResponse(created))
}

// @Summary Get message status
// @Router /api/v1/sms/status/{id} [get]
func (h *Handlers) GetStatus(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return writeAPIError(c, err)
	}
	m, err := h.Store.GetMessage(c.UserContext(), ownerID(c), id)
	if err != nil {
		return writeAPIError(c, err)
	}
	return c.JSON(messageResponse(m))
}

// @Summary List message history
// @Description Paginated per spec §6: ?page&size&status, page is 1-based.
// @Router /api/v1/sms/history [get]
func (h *Handlers) ListHistory(c *fiber.Ctx) error {
	page := c.QueryInt("page", 1)
	if page < 1 {
		page = 1
	}
	size := c.QueryInt("size", 50)
	if size <= 0 || size > 200 {
		size = 50
	}

	filter := store.ListFilter{
		OwnerID: ownerID(c),
		Status:  store.Status(c.Query("status")),
		Limit:   size,
		Offset:  (page - 1) * size,
	}
	msgs, err := h.Store.ListMessages(c.UserContext(), filter)
	if err != nil {
		return writeAPIError(c, err)
	}
	total, err := h.Store.CountMessages(c.UserContext(), filter)
	if err != nil {
		return writeAPIError(c, err)
	}

	items := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, messageResponse(m))
	}
	return c.JSON(fiber.Map{"items": items, "total": total, "page": page, "size": size})
}

// @Summary Cancel a queued message
// @Router /api/v1/sms/cancel/{id} [delete]
func (h *Handlers) CancelMessage(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return writeAPIError(c, err)
	}
	result, err := h.Store.Cancel(c.UserContext(), ownerID(c), id)
	if err != nil {
		return writeAPIError(c, err)
	}

	if result == store.CancelAlreadyTerminal {
		apiErr := apierr.Conflict("ALREADY_TERMINAL", "message is already in a terminal state")
		h.audit(c, "MESSAGE_CANCEL_REJECTED", "INFO", fiber.StatusConflict, map[string]any{"messageId": id, "result": result})
		return writeAPIError(c, apiErr)
	}

	h.audit(c, "MESSAGE_CANCEL_REQUESTED", "INFO", fiber.StatusOK, map[string]any{"messageId": id, "result": result})
	return c.JSON(fiber.Map{"id": id, "status": "CANCELLED"})
}

type priorityRequest struct {
	Priority string `json:"priority"`
}

// @Summary Update a pending message's priority
// @Router /api/v1/sms/{id}/priority [put]
func (h *Handlers) UpdatePriority(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return writeAPIError(c, err)
	}
	var req priorityRequest
	if err := c.BodyParser(&req); err != nil {
		return writeAPIError(c, apierr.Validation("MALFORMED_BODY", "request body is not valid JSON"))
	}
	if err := h.Store.UpdatePriority(c.UserContext(), ownerID(c), id, store.Priority(req.Priority)); err != nil {
		return writeAPIError(c, err)
	}

	h.audit(c, "MESSAGE_PRIORITY_UPDATED", "INFO", fiber.StatusOK, map[string]any{"messageId": id, "priority": req.Priority})
	return c.JSON(fiber.Map{"id": id, "priority": req.Priority})
}

type bulkRequest struct {
	Messages []QueueRequest `json:"messages"`
}

// @Summary Queue a batch of messages in one request
// @Router /api/v1/sms/bulk [post]
func (h *Handlers) BulkQueue(c *fiber.Ctx) error {
	var req bulkRequest
	if err := c.BodyParser(&req); err != nil {
		return writeAPIError(c, apierr.Validation("MALFORMED_BODY", "request body is not valid JSON"))
	}
	if len(req.Messages) == 0 {
		return writeAPIError(c, apierr.Validation("EMPTY_BATCH", "messages must contain at least one entry"))
	}
	if len(req.Messages) > 100 {
		return writeAPIError(c, apierr.Validation("BATCH_TOO_LARGE", "messages must not exceed 100 entries"))
	}

	owner := ownerID(c)
	accepted := make([]messageView, 0, len(req.Messages))
	rejected := make([]fiber.Map, 0)
	for i, item := range req.Messages {
		m, err := item.validate()
		if err != nil {
			rejected = append(rejected, fiber.Map{"index": i, "reason": err.Error()})
			continue
		}
		m.OwnerID = owner
		created, err := h.Store.InsertMessage(c.UserContext(), m)
		if err != nil {
			rejected = append(rejected, fiber.Map{"index": i, "reason": err.Error()})
			continue
		}
		accepted = append(accepted, messageResponse(created))
	}

	h.audit(c, "BULK_QUEUED", "INFO", fiber.StatusCreated, map[string]any{
		"acceptedCount": len(accepted), "rejectedCount": len(rejected),
	})
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"accepted": accepted, "rejected": rejected})
}

// @Summary Pause scheduling
// @Router /api/v1/sms/queue/pause [post]
func (h *Handlers) PauseQueue(c *fiber.Ctx) error {
	h.Scheduler.Pause()
	h.audit(c, "QUEUE_PAUSED", "WARN", fiber.StatusOK, nil)
	return c.JSON(fiber.Map{"paused": true})
}

// @Summary Resume scheduling
// @Router /api/v1/sms/queue/resume [post]
func (h *Handlers) ResumeQueue(c *fiber.Ctx) error {
	h.Scheduler.Resume()
	h.audit(c, "QUEUE_RESUMED", "INFO", fiber.StatusOK, nil)
	return c.JSON(fiber.Map{"paused": false})
}

// @Summary Health check
// @Router /api/v1/health [get]
func (h *Handlers) HealthCheck(c *fiber.Ctx) error {
	report := h.Health.Snapshot(c.UserContext())
	status := fiber.StatusOK
	if !report.Overall {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(report)
}

func parseID(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return 0, apierr.Validation("INVALID_ID", "id must be a positive integer")
	}
	return id, nil
}

func ownerID(c *fiber.Ctx) string {
	owner, _ := c.Locals(tokenauth.LocalOwnerID).(string)
	return owner
}

func (h *Handlers) audit(c *fiber.Ctx, eventType, severity string, statusCode int, payload map[string]any) {
	_, err := h.Audit.Record(c.UserContext(), &store.AuditEvent{
		Type:       eventType,
		Severity:   severity,
		OwnerID:    ownerID(c),
		ClientID:   clientID(c),
		Endpoint:   c.Path(),
		StatusCode: statusCode,
		Payload:    payload,
	})
	if err != nil {
		h.Log.Warn("failed to record admission audit event", zap.Error(err))
	}
}

func clientID(c *fiber.Ctx) string {
	if owner := ownerID(c); owner != "" {
		return "user:" + owner
	}
	return "ip:" + c.IP()
}
