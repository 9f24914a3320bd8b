package store

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"sms-gateway/internal/apierr"
)

// RecoverOrphans is run once at startup. Any row left CLAIMED or SENDING by
// a process that vanished mid-cycle is put back into the schedulable state
// without incrementing retryCount, and a RECOVERED_IN_FLIGHT audit event is
// recorded for each one.
func (s *Store) RecoverOrphans(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, apierr.Wrap(apierr.KindInternal, "RECOVERY_BEGIN_FAILED", "failed to begin recovery transaction", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM messages WHERE status IN ('CLAIMED', 'SENDING') FOR UPDATE`)
	if err != nil {
		return 0, apierr.Wrap(apierr.KindInternal, "RECOVERY_SELECT_FAILED", "failed to select orphaned messages", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, apierr.Wrap(apierr.KindInternal, "RECOVERY_SCAN_FAILED", "failed to scan orphaned id", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, tx.Commit()
	}

	const upd = `
		UPDATE messages
		SET status = 'SCHEDULED', scheduled_at = now(), pre_claim_status = NULL, claimed_at = NULL
		WHERE id = ANY($1)`
	if _, err := tx.ExecContext(ctx, upd, pq.Array(ids)); err != nil {
		return 0, apierr.Wrap(apierr.KindInternal, "RECOVERY_UPDATE_FAILED", "failed to recover orphaned messages", err)
	}

	for _, id := range ids {
		payload, err := json.Marshal(map[string]any{"messageId": id})
		if err != nil {
			return 0, apierr.Wrap(apierr.KindInternal, "RECOVERY_MARSHAL_FAILED", "failed to marshal recovery payload", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO audit_events (id, type, severity, endpoint, payload, timestamp)
			 VALUES ($1, 'RECOVERED_IN_FLIGHT', 'WARN', 'startup', $2, now())`,
			uuid.NewString(), payload); err != nil {
			return 0, apierr.Wrap(apierr.KindInternal, "RECOVERY_AUDIT_FAILED", "failed to record recovery audit event", err)
		}
	}

	return len(ids), tx.Commit()
}
