package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"sms-gateway/internal/apierr"
)

// InsertMessage persists a new message and assigns its monotonic id (the
// bigserial primary key) and queueSeq (its own sequence). A message with a
// scheduledAt is stored SCHEDULED, so it is claimed only once that time has
// passed; one without is stored QUEUED and is due immediately.
func (s *Store) InsertMessage(ctx context.Context, m *Message) (*Message, error) {
	if !m.Priority.Valid() {
		return nil, apierr.Validation("INVALID_PRIORITY", "priority must be one of URGENT, HIGH, NORMAL, LOW")
	}
	if !m.RetryStrategy.Valid() {
		return nil, apierr.Validation("INVALID_RETRY_STRATEGY", "retryStrategy must be one of EXP, LINEAR, FIXED")
	}
	if m.MaxRetries < 0 || m.MaxRetries > 10 {
		return nil, apierr.Validation("INVALID_MAX_RETRIES", "maxRetries must be between 0 and 10")
	}

	status := StatusQueued
	if m.ScheduledAt != nil {
		status = StatusScheduled
	}

	const q = `
		INSERT INTO messages
			(owner_id, phone_number, content, priority, retry_strategy, status,
			 created_at, scheduled_at, retry_count, max_retries)
		VALUES ($1, $2, $3, $4, $5, $6, now(), $7, 0, $8)
		RETURNING id, queue_seq, created_at`

	row := s.db.QueryRowContext(ctx, q,
		m.OwnerID, m.PhoneNumber, m.Content, m.Priority, m.RetryStrategy, status,
		m.ScheduledAt, m.MaxRetries)

	out := *m
	out.Status = status
	out.RetryCount = 0
	if err := row.Scan(&out.ID, &out.QueueSeq, &out.CreatedAt); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "INSERT_FAILED", "failed to insert message", err)
	}
	return &out, nil
}

func (s *Store) GetMessage(ctx context.Context, ownerID string, id int64) (*Message, error) {
	const q = `
		SELECT id, queue_seq, owner_id, phone_number, content, priority, retry_strategy,
		       status, created_at, scheduled_at, sent_at, retry_count, max_retries,
		       last_error, cancel_intent
		FROM messages WHERE id = $1 AND owner_id = $2`

	m, err := scanMessage(s.db.QueryRowContext(ctx, q, id, ownerID))
	if err != nil {
		if isNoRows(err) {
			return nil, apierr.NotFound("MESSAGE_NOT_FOUND", "message not found")
		}
		return nil, apierr.Wrap(apierr.KindInternal, "GET_FAILED", "failed to fetch message", err)
	}
	return m, nil
}

// ListFilter narrows ListMessages by status and/or a creation window; zero
// values are unfiltered.
type ListFilter struct {
	OwnerID  string
	Status   Status
	Since    time.Time
	Until    time.Time
	Limit    int
	Offset   int
}

func (s *Store) ListMessages(ctx context.Context, f ListFilter) ([]*Message, error) {
	q := `
		SELECT id, queue_seq, owner_id, phone_number, content, priority, retry_strategy,
		       status, created_at, scheduled_at, sent_at, retry_count, max_retries,
		       last_error, cancel_intent
		FROM messages WHERE owner_id = $1`
	args := []any{f.OwnerID}

	if f.Status != "" {
		args = append(args, f.Status)
		q += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		q += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !f.Until.IsZero() {
		args = append(args, f.Until)
		q += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))
	args = append(args, f.Offset)
	q += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "LIST_FAILED", "failed to list messages", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindInternal, "LIST_SCAN_FAILED", "failed to scan message row", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountMessages reports the total rows matching f's status/time filters,
// ignoring Limit/Offset, so history pagination can report a total alongside
// a page of items.
func (s *Store) CountMessages(ctx context.Context, f ListFilter) (int, error) {
	q := `SELECT count(*) FROM messages WHERE owner_id = $1`
	args := []any{f.OwnerID}

	if f.Status != "" {
		args = append(args, f.Status)
		q += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		q += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !f.Until.IsZero() {
		args = append(args, f.Until)
		q += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&total); err != nil {
		return 0, apierr.Wrap(apierr.KindInternal, "COUNT_FAILED", "failed to count messages", err)
	}
	return total, nil
}

// ClaimDueForScheduling atomically claims up to batchSize rows that are due
// (QUEUED, or SCHEDULED with scheduled_at <= now) and flips them to the
// CLAIMED intermediate state so a concurrent scheduler tick cannot see them
// again. Ordering ties break by priority descending, then scheduled_at
// ascending, then queue_seq ascending, matching spec §4.B.
func (s *Store) ClaimDueForScheduling(ctx context.Context, batchSize int) ([]*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "CLAIM_BEGIN_FAILED", "failed to begin claim transaction", err)
	}
	defer tx.Rollback()

	const q = `
		SELECT id FROM messages
		WHERE (status = 'QUEUED' OR (status = 'SCHEDULED' AND scheduled_at <= now()))
		ORDER BY
			CASE priority WHEN 'URGENT' THEN 3 WHEN 'HIGH' THEN 2 WHEN 'NORMAL' THEN 1 ELSE 0 END DESC,
			COALESCE(scheduled_at, created_at) ASC,
			queue_seq ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`

	rows, err := tx.QueryContext(ctx, q, batchSize)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "CLAIM_SELECT_FAILED", "failed to select claimable messages", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, apierr.Wrap(apierr.KindInternal, "CLAIM_SCAN_FAILED", "failed to scan claimed id", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "CLAIM_ROWS_FAILED", "error iterating claimable rows", err)
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	const upd = `
		UPDATE messages
		SET pre_claim_status = status, status = 'CLAIMED', claimed_at = now()
		WHERE id = ANY($1)
		RETURNING id, queue_seq, owner_id, phone_number, content, priority, retry_strategy,
		          status, created_at, scheduled_at, sent_at, retry_count, max_retries,
		          last_error, cancel_intent`

	claimRows, err := tx.QueryContext(ctx, upd, pq.Array(ids))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "CLAIM_UPDATE_FAILED", "failed to mark messages claimed", err)
	}
	byID := make(map[int64]*Message, len(ids))
	for claimRows.Next() {
		m, err := scanMessage(claimRows)
		if err != nil {
			claimRows.Close()
			return nil, apierr.Wrap(apierr.KindInternal, "CLAIM_UPDATE_SCAN_FAILED", "failed to scan claimed message", err)
		}
		byID[m.ID] = m
	}
	claimRows.Close()
	if err := claimRows.Err(); err != nil {
		return nil, err
	}

	// UPDATE ... RETURNING does not preserve the input array's order, so
	// rebuild it from ids, which carries the priority/scheduledAt/queueSeq
	// ordering the SELECT above computed. The scheduler's emission order
	// (and the priority-preemption property it guarantees) depends on this.
	out := make([]*Message, 0, len(ids))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			out = append(out, m)
		}
	}

	return out, tx.Commit()
}

// ReleaseClaim reverts a CLAIMED row back to its pre-claim status, used by
// the scheduler when it cannot hand a batch to the dispatcher due to
// backpressure.
func (s *Store) ReleaseClaim(ctx context.Context, id int64) error {
	const q = `
		UPDATE messages SET status = pre_claim_status, pre_claim_status = NULL, claimed_at = NULL
		WHERE id = $1 AND status = 'CLAIMED'`
	_, err := s.db.ExecContext(ctx, q, id)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "RELEASE_FAILED", "failed to release claim", err)
	}
	return nil
}

// CommitSending moves a CLAIMED message into SENDING, clearing the claim
// bookkeeping. Called by the dispatcher immediately before invoking the
// Transmitter.
func (s *Store) CommitSending(ctx context.Context, id int64) error {
	const q = `
		UPDATE messages SET status = 'SENDING', pre_claim_status = NULL
		WHERE id = $1 AND status = 'CLAIMED'`
	res, err := s.db.ExecContext(ctx, q, id)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "COMMIT_SENDING_FAILED", "failed to mark message sending", err)
	}
	return requireRowsAffected(res)
}

func (s *Store) CommitSent(ctx context.Context, id int64) error {
	const q = `UPDATE messages SET status = 'SENT', sent_at = now() WHERE id = $1 AND status = 'SENDING'`
	res, err := s.db.ExecContext(ctx, q, id)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "COMMIT_SENT_FAILED", "failed to mark message sent", err)
	}
	return requireRowsAffected(res)
}

// CommitRetry records a failed send attempt. If retryCount now exceeds
// maxRetries the message is terminally FAILED instead of rescheduled.
func (s *Store) CommitRetry(ctx context.Context, id int64, nextAttempt time.Time, lastError string) (Status, error) {
	const sel = `SELECT retry_count, max_retries FROM messages WHERE id = $1 AND status = 'SENDING'`
	var retryCount, maxRetries int
	if err := s.db.QueryRowContext(ctx, sel, id).Scan(&retryCount, &maxRetries); err != nil {
		if isNoRows(err) {
			return "", apierr.NotFound("MESSAGE_NOT_FOUND", "message not found or not sending")
		}
		return "", apierr.Wrap(apierr.KindInternal, "RETRY_LOOKUP_FAILED", "failed to look up message for retry", err)
	}

	retryCount++
	next := StatusScheduled
	if retryCount > maxRetries {
		next = StatusFailed
	}

	const upd = `
		UPDATE messages
		SET status = $1, retry_count = $2, scheduled_at = $3, last_error = $4
		WHERE id = $5 AND status = 'SENDING'`
	if _, err := s.db.ExecContext(ctx, upd, next, retryCount, nextAttemptOrNil(next, nextAttempt), lastError, id); err != nil {
		return "", apierr.Wrap(apierr.KindInternal, "RETRY_UPDATE_FAILED", "failed to update message for retry", err)
	}
	return next, nil
}

// ForceFail moves a SENDING message straight to FAILED regardless of
// remaining retry budget, used when the transmitter classifies an error as
// terminal (invalid number, blocked, permission denied, ...).
func (s *Store) ForceFail(ctx context.Context, id int64, lastError string) error {
	const q = `
		UPDATE messages SET status = 'FAILED', last_error = $1
		WHERE id = $2 AND status = 'SENDING'`
	res, err := s.db.ExecContext(ctx, q, lastError, id)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "FORCE_FAIL_FAILED", "failed to force-fail message", err)
	}
	return requireRowsAffected(res)
}

func nextAttemptOrNil(next Status, t time.Time) *time.Time {
	if next == StatusFailed {
		return nil
	}
	return &t
}

// Cancel applies the state machine's cancel transition. A message still
// QUEUED/SCHEDULED/CLAIMED is cancelled outright; one already SENDING only
// has its cancel-intent flag set, which the dispatcher clears after the
// in-flight attempt resolves (recording the attempt's outcome, not
// CANCELLED); anything terminal reports AlreadyTerminal.
func (s *Store) Cancel(ctx context.Context, ownerID string, id int64) (CancelResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", apierr.Wrap(apierr.KindInternal, "CANCEL_BEGIN_FAILED", "failed to begin cancel transaction", err)
	}
	defer tx.Rollback()

	var status Status
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM messages WHERE id = $1 AND owner_id = $2 FOR UPDATE`, id, ownerID).Scan(&status)
	if err != nil {
		if isNoRows(err) {
			return "", apierr.NotFound("MESSAGE_NOT_FOUND", "message not found")
		}
		return "", apierr.Wrap(apierr.KindInternal, "CANCEL_LOOKUP_FAILED", "failed to look up message", err)
	}

	switch status {
	case StatusSent, StatusFailed, StatusCancelled:
		return CancelAlreadyTerminal, tx.Commit()
	case StatusSending:
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET cancel_intent = true WHERE id = $1`, id); err != nil {
			return "", apierr.Wrap(apierr.KindInternal, "CANCEL_INTENT_FAILED", "failed to set cancel intent", err)
		}
		return CancelInFlight, tx.Commit()
	default: // QUEUED, SCHEDULED, CLAIMED
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET status = 'CANCELLED' WHERE id = $1`, id); err != nil {
			return "", apierr.Wrap(apierr.KindInternal, "CANCEL_APPLY_FAILED", "failed to cancel message", err)
		}
		return CancelApplied, tx.Commit()
	}
}

// FinishCancelIntent is called by the dispatcher after every SENDING
// message resolves, regardless of what the in-memory snapshot's
// CancelIntent looked like at claim time: a cancel request can land any
// time between CommitSending and the Transmitter call returning, so this
// is the only authoritative check. Per spec §4.C/§8 S5, cancellation is
// best-effort once the attempt is in flight: the outcome the dispatcher
// already committed (SENT or a retry-bearing FAILED/SCHEDULED) is never
// overridden to CANCELLED here. This only clears a pending flag and
// reports whether one was set, so the dispatcher can record the
// CANCEL_AFTER_SEND audit event alongside the real outcome.
func (s *Store) FinishCancelIntent(ctx context.Context, id int64) (bool, error) {
	const q = `UPDATE messages SET cancel_intent = false WHERE id = $1 AND cancel_intent = true`
	res, err := s.db.ExecContext(ctx, q, id)
	if err != nil {
		return false, apierr.Wrap(apierr.KindInternal, "CANCEL_FINISH_FAILED", "failed to finalize cancel intent", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apierr.Wrap(apierr.KindInternal, "CANCEL_FINISH_FAILED", "failed to read rows affected", err)
	}
	return n > 0, nil
}

// UpdatePriority is only legal while a message has not yet been claimed for
// sending.
func (s *Store) UpdatePriority(ctx context.Context, ownerID string, id int64, priority Priority) error {
	if !priority.Valid() {
		return apierr.Validation("INVALID_PRIORITY", "priority must be one of URGENT, HIGH, NORMAL, LOW")
	}
	const q = `
		UPDATE messages SET priority = $1
		WHERE id = $2 AND owner_id = $3 AND status IN ('QUEUED', 'SCHEDULED')`
	res, err := s.db.ExecContext(ctx, q, priority, id, ownerID)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "PRIORITY_UPDATE_FAILED", "failed to update priority", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "PRIORITY_UPDATE_FAILED", "failed to read rows affected", err)
	}
	if n == 0 {
		return apierr.Conflict("MESSAGE_NOT_PENDING", "message is no longer pending and cannot be reprioritized")
	}
	return nil
}

func requireRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "ROWS_AFFECTED_FAILED", "failed to read rows affected", err)
	}
	if n == 0 {
		return apierr.Conflict("STATE_CHANGED", "message state changed concurrently")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var scheduledAt, sentAt sql.NullTime
	var lastError sql.NullString
	if err := row.Scan(
		&m.ID, &m.QueueSeq, &m.OwnerID, &m.PhoneNumber, &m.Content, &m.Priority, &m.RetryStrategy,
		&m.Status, &m.CreatedAt, &scheduledAt, &sentAt, &m.RetryCount, &m.MaxRetries,
		&lastError, &m.CancelIntent,
	); err != nil {
		return nil, err
	}
	if scheduledAt.Valid {
		m.ScheduledAt = &scheduledAt.Time
	}
	if sentAt.Valid {
		m.SentAt = &sentAt.Time
	}
	m.LastError = lastError.String
	return &m, nil
}
