// Package auditbus persists audit events through internal/store and, when a
// NATS connection is configured, fans them out to external subscribers
// (dashboards, log exporters) on the sms.audit and sms.dlq subjects. Only
// the publish side is built here; the consumers are explicitly out of
// scope.
package auditbus

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"sms-gateway/internal/store"
)

const (
	SubjectAudit = "sms.audit"
	SubjectDLQ   = "sms.dlq"
)

type Bus struct {
	store *store.Store
	nc    *nats.Conn
	log   *zap.Logger
}

// New wires a Bus against an optional NATS connection; nc may be nil, in
// which case fan-out is skipped and only persistence happens.
func New(s *store.Store, nc *nats.Conn, log *zap.Logger) *Bus {
	return &Bus{store: s, nc: nc, log: log}
}

// Record persists an audit event and publishes it to sms.audit. Failures to
// publish are logged, never returned -- the durable record in Postgres is
// the source of truth and publishing is best-effort.
func (b *Bus) Record(ctx context.Context, e *store.AuditEvent) (*store.AuditEvent, error) {
	persisted, err := b.store.AppendAudit(ctx, e)
	if err != nil {
		return nil, err
	}
	b.publish(SubjectAudit, persisted)
	return persisted, nil
}

// RecordTerminalFailure records the audit trail entry for a message that
// ended FAILED (retries exhausted or a terminal send error) and additionally
// fans it out to sms.dlq so an external dead-letter consumer can pick it up.
func (b *Bus) RecordTerminalFailure(ctx context.Context, e *store.AuditEvent) (*store.AuditEvent, error) {
	persisted, err := b.Record(ctx, e)
	if err != nil {
		return nil, err
	}
	b.publish(SubjectDLQ, persisted)
	return persisted, nil
}

func (b *Bus) publish(subject string, e *store.AuditEvent) {
	if b.nc == nil {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		b.log.Warn("failed to marshal audit event for publish", zap.Error(err))
		return
	}
	if err := b.nc.Publish(subject, payload); err != nil {
		b.log.Warn("failed to publish audit event", zap.String("subject", subject), zap.Error(err))
	}
}
