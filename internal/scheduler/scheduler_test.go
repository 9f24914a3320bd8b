package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"sms-gateway/internal/db"
	"sms-gateway/internal/dispatcher"
	"sms-gateway/internal/observability"
	"sms-gateway/internal/store"
)

func newTestScheduler(t *testing.T, tasks chan dispatcher.Task, cfg Config) (*Scheduler, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("failed to open sqlmock: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })

	s := store.New(&db.PostgresDB{DB: mockDB}, zap.NewNop())
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	return New(cfg, s, tasks, metrics, zap.NewNop()), mock
}

var messageCols = []string{"id", "queue_seq", "owner_id", "phone_number", "content", "priority", "retry_strategy",
	"status", "created_at", "scheduled_at", "sent_at", "retry_count", "max_retries", "last_error", "cancel_intent"}

// TestTickPublishesInClaimOrder backs testable property 3: the scheduler
// hands tasks to the dispatcher in exactly the order the store's claim
// query computed (priority desc, due-time asc, queueSeq asc).
func TestTickPublishesInClaimOrder(t *testing.T) {
	tasks := make(chan dispatcher.Task, 4)
	sch, mock := newTestScheduler(t, tasks, Config{BatchSize: 32})
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM messages").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)).AddRow(int64(2)))
	mock.ExpectQuery("UPDATE messages").
		WillReturnRows(sqlmock.NewRows(messageCols).
			AddRow(int64(1), int64(1), "owner-1", "+48123456789", "urgent", store.PriorityUrgent, store.RetryExponential,
				store.StatusClaimed, now, nil, nil, 0, 3, "", false).
			AddRow(int64(2), int64(2), "owner-1", "+48123456789", "low", store.PriorityLow, store.RetryExponential,
				store.StatusClaimed, now, nil, nil, 0, 3, "", false))
	mock.ExpectCommit()

	full := sch.tick(context.Background())
	if full {
		t.Fatalf("batch of 2 against a batchSize of 32 should not report full")
	}
	close(tasks)

	var got []int64
	for task := range tasks {
		got = append(got, task.Message.ID)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("expected publish order [1,2] matching claim order, got %v", got)
	}
}

// TestTickReleasesClaimUnderBackpressure backs the scheduler's §4.B
// backpressure rule: when the dispatcher channel is full, the remaining
// claims for this tick are released rather than stranded in CLAIMED.
func TestTickReleasesClaimUnderBackpressure(t *testing.T) {
	tasks := make(chan dispatcher.Task) // unbuffered: every send blocks
	sch, mock := newTestScheduler(t, tasks, Config{BatchSize: 32})
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM messages").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(9)))
	mock.ExpectQuery("UPDATE messages").
		WillReturnRows(sqlmock.NewRows(messageCols).
			AddRow(int64(9), int64(1), "owner-1", "+48123456789", "hi", store.PriorityNormal, store.RetryExponential,
				store.StatusClaimed, now, nil, nil, 0, 3, "", false))
	mock.ExpectCommit()
	mock.ExpectExec("UPDATE messages SET status = pre_claim_status").
		WithArgs(int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	full := sch.tick(context.Background())
	if full {
		t.Fatalf("single claimed row should never report batch-full")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expected the claim to be released back since no worker could receive it: %v", err)
	}
}

func TestTickNoOpWhenPaused(t *testing.T) {
	tasks := make(chan dispatcher.Task, 1)
	sch, mock := newTestScheduler(t, tasks, Config{})
	sch.Pause()

	if full := sch.tick(context.Background()); full {
		t.Fatalf("paused tick must never report full")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("paused tick should not touch the store at all: %v", err)
	}
}
