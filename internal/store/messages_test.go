package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap"

	"sms-gateway/internal/apierr"
	"sms-gateway/internal/db"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("failed to open sqlmock: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })
	return New(&db.PostgresDB{DB: mockDB}, zap.NewNop()), mock
}

// TestInsertMessageQueueSeqMonotone backs testable property 4: insertion
// order produces strictly increasing queueSeq.
func TestInsertMessageQueueSeqMonotone(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	mock.ExpectQuery("INSERT INTO messages").
		WillReturnRows(sqlmock.NewRows([]string{"id", "queue_seq", "created_at"}).
			AddRow(int64(1), int64(1), time.Now()))
	mock.ExpectQuery("INSERT INTO messages").
		WillReturnRows(sqlmock.NewRows([]string{"id", "queue_seq", "created_at"}).
			AddRow(int64(2), int64(2), time.Now()))

	first, err := s.InsertMessage(ctx, &Message{
		OwnerID: "owner-1", PhoneNumber: "+48123456789", Content: "hi",
		Priority: PriorityNormal, RetryStrategy: RetryExponential, MaxRetries: 3,
	})
	if err != nil {
		t.Fatalf("InsertMessage #1: %v", err)
	}
	second, err := s.InsertMessage(ctx, &Message{
		OwnerID: "owner-1", PhoneNumber: "+48123456789", Content: "hi again",
		Priority: PriorityNormal, RetryStrategy: RetryExponential, MaxRetries: 3,
	})
	if err != nil {
		t.Fatalf("InsertMessage #2: %v", err)
	}
	if second.QueueSeq <= first.QueueSeq {
		t.Fatalf("queueSeq not monotone: first=%d second=%d", first.QueueSeq, second.QueueSeq)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInsertMessageRejectsInvalidPriority(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.InsertMessage(context.Background(), &Message{
		OwnerID: "owner-1", PhoneNumber: "+48123456789", Content: "hi",
		Priority: "WHENEVER", RetryStrategy: RetryExponential, MaxRetries: 3,
	})
	ae, ok := apierr.As(err)
	if !ok || ae.Kind != apierr.KindValidation {
		t.Fatalf("expected VALIDATION error, got %v", err)
	}
}

// TestClaimDueForSchedulingPreservesSelectOrder backs testable property 3:
// the RETURNING step must not scramble the priority/scheduledAt/queueSeq
// order the initial SELECT computed.
func TestClaimDueForSchedulingPreservesSelectOrder(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM messages").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)).AddRow(int64(3)))
	// RETURNING rows deliberately come back in the opposite order of the
	// SELECT to simulate Postgres's unordered UPDATE ... RETURNING.
	cols := []string{"id", "queue_seq", "owner_id", "phone_number", "content", "priority", "retry_strategy",
		"status", "created_at", "scheduled_at", "sent_at", "retry_count", "max_retries", "last_error", "cancel_intent"}
	mock.ExpectQuery("UPDATE messages").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int64(3), int64(3), "owner-1", "+48123456789", "hi", PriorityLow, RetryExponential,
				StatusClaimed, now, nil, nil, 0, 3, "", false).
			AddRow(int64(7), int64(1), "owner-1", "+48123456789", "hi", PriorityUrgent, RetryExponential,
				StatusClaimed, now, nil, nil, 0, 3, "", false))
	mock.ExpectCommit()

	claimed, err := s.ClaimDueForScheduling(ctx, 10)
	if err != nil {
		t.Fatalf("ClaimDueForScheduling: %v", err)
	}
	if len(claimed) != 2 || claimed[0].ID != 7 || claimed[1].ID != 3 {
		t.Fatalf("expected claim order [7,3] (matching SELECT), got %+v", claimed)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestClaimDueForSchedulingEmptyCommitsCleanly(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM messages").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	claimed, err := s.ClaimDueForScheduling(context.Background(), 10)
	if err != nil {
		t.Fatalf("ClaimDueForScheduling: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("expected no claims, got %d", len(claimed))
	}
}

// TestCommitSendingFailsWhenNotClaimed backs testable property 1: a second
// attempt to commit the same row to SENDING (e.g. a concurrent cancel already
// moved it) must not succeed, keeping at most one in-flight attempt per id.
func TestCommitSendingFailsWhenNotClaimed(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectExec("UPDATE messages SET status = 'SENDING'").
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.CommitSending(context.Background(), 1)
	ae, ok := apierr.As(err)
	if !ok || ae.Kind != apierr.KindConflict {
		t.Fatalf("expected CONFLICT on zero rows affected, got %v", err)
	}
}

// TestCommitRetryExhaustion backs testable property 2: once retryCount would
// exceed maxRetries the row goes FAILED instead of being rescheduled.
func TestCommitRetryExhaustion(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT retry_count, max_retries FROM messages").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"retry_count", "max_retries"}).AddRow(3, 3))
	mock.ExpectExec("UPDATE messages").
		WithArgs(StatusFailed, 4, nil, "TIMEOUT", int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	status, err := s.CommitRetry(ctx, 42, time.Now().Add(time.Minute), "TIMEOUT")
	if err != nil {
		t.Fatalf("CommitRetry: %v", err)
	}
	if status != StatusFailed {
		t.Fatalf("expected FAILED once retryCount exceeds maxRetries, got %s", status)
	}
}

func TestCommitRetryReschedulesUnderBudget(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()
	next := time.Now().Add(2 * time.Second)

	mock.ExpectQuery("SELECT retry_count, max_retries FROM messages").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"retry_count", "max_retries"}).AddRow(1, 3))
	mock.ExpectExec("UPDATE messages").
		WithArgs(StatusScheduled, 2, next, "TIMEOUT", int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	status, err := s.CommitRetry(ctx, 42, next, "TIMEOUT")
	if err != nil {
		t.Fatalf("CommitRetry: %v", err)
	}
	if status != StatusScheduled {
		t.Fatalf("expected SCHEDULED while under retry budget, got %s", status)
	}
}

// TestCancelIdempotent backs testable property 5: calling cancel twice on
// the same id produces the same terminal outcome both times.
func TestCancelIdempotent(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM messages").
		WithArgs(int64(9), "owner-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(StatusQueued))
	mock.ExpectExec("UPDATE messages SET status = 'CANCELLED'").
		WithArgs(int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM messages").
		WithArgs(int64(9), "owner-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(StatusCancelled))
	mock.ExpectCommit()

	first, err := s.Cancel(ctx, "owner-1", 9)
	if err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	if first != CancelApplied {
		t.Fatalf("expected CancelApplied, got %s", first)
	}

	second, err := s.Cancel(ctx, "owner-1", 9)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if second != CancelAlreadyTerminal {
		t.Fatalf("expected idempotent AlreadyTerminal on repeat cancel, got %s", second)
	}
}

// TestRecoverOrphansResetsSendingRows backs testable property 7: a message
// caught mid-send by a process crash becomes eligible for exactly one more
// attempt, without its retryCount changing.
func TestRecoverOrphansResetsSendingRows(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM messages WHERE status IN").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(5)))
	mock.ExpectExec("UPDATE messages").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO audit_events").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := s.RecoverOrphans(ctx)
	if err != nil {
		t.Fatalf("RecoverOrphans: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered row, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
