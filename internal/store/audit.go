package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"sms-gateway/internal/apierr"
)

// AppendAudit persists an append-only audit record. Audit events are never
// updated or deleted by request handling; only the retention sweep prunes
// them.
func (s *Store) AppendAudit(ctx context.Context, e *AuditEvent) (*AuditEvent, error) {
	out := *e
	out.ID = uuid.NewString()
	out.Timestamp = time.Now().UTC()

	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "AUDIT_MARSHAL_FAILED", "failed to marshal audit payload", err)
	}

	const q = `
		INSERT INTO audit_events (id, type, severity, owner_id, client_id, endpoint, status_code, payload, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = s.db.ExecContext(ctx, q,
		out.ID, out.Type, out.Severity, out.OwnerID, out.ClientID, out.Endpoint, out.StatusCode, payload, out.Timestamp)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "AUDIT_INSERT_FAILED", "failed to append audit event", err)
	}
	return &out, nil
}

func (s *Store) ListAuditEvents(ctx context.Context, ownerID string, limit int) ([]*AuditEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	const q = `
		SELECT id, type, severity, owner_id, client_id, endpoint, status_code, payload, timestamp
		FROM audit_events WHERE owner_id = $1 ORDER BY timestamp DESC LIMIT $2`
	rows, err := s.db.QueryContext(ctx, q, ownerID, limit)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "AUDIT_LIST_FAILED", "failed to list audit events", err)
	}
	defer rows.Close()

	var out []*AuditEvent
	for rows.Next() {
		var e AuditEvent
		var payload []byte
		var clientID, endpoint sql.NullString
		var statusCode sql.NullInt64
		if err := rows.Scan(&e.ID, &e.Type, &e.Severity, &e.OwnerID, &clientID, &endpoint, &statusCode, &payload, &e.Timestamp); err != nil {
			return nil, apierr.Wrap(apierr.KindInternal, "AUDIT_SCAN_FAILED", "failed to scan audit event", err)
		}
		e.ClientID = clientID.String
		e.Endpoint = endpoint.String
		e.StatusCode = int(statusCode.Int64)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, apierr.Wrap(apierr.KindInternal, "AUDIT_UNMARSHAL_FAILED", "failed to unmarshal audit payload", err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
