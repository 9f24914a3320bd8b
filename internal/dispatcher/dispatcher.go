// Package dispatcher implements the fixed worker pool that drains the
// scheduler's handoff channel, invokes the Transmitter, and resolves each
// message to SENT, a backed-off retry, or terminal FAILED.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"sms-gateway/internal/auditbus"
	"sms-gateway/internal/observability"
	"sms-gateway/internal/store"
	"sms-gateway/internal/transmitter"
)

// Task is what the scheduler hands off for one message ready to send.
type Task struct {
	Message *store.Message
}

type Config struct {
	Workers     int
	SendTimeout time.Duration
}

type Dispatcher struct {
	cfg   Config
	tasks chan Task

	store       *store.Store
	transmitter transmitter.Transmitter
	audit       *auditbus.Bus
	metrics     *observability.Metrics
	log         *zap.Logger

	wg sync.WaitGroup
}

func New(cfg Config, s *store.Store, tx transmitter.Transmitter, audit *auditbus.Bus, metrics *observability.Metrics, log *zap.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	return &Dispatcher{
		cfg:         cfg,
		tasks:       make(chan Task, cfg.Workers*2),
		store:       s,
		transmitter: tx,
		audit:       audit,
		metrics:     metrics,
		log:         log,
	}
}

// Tasks returns the bounded channel the scheduler publishes claimed
// messages onto. A full channel is the scheduler's backpressure signal.
func (d *Dispatcher) Tasks() chan<- Task { return d.tasks }

func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
}

// Wait blocks until every worker has drained in flight and returned, used
// during graceful shutdown once the channel is closed or ctx is done.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()
	log := d.log.With(zap.Int("worker", id))
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-d.tasks:
			if !ok {
				return
			}
			d.process(ctx, log, task.Message)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, log *zap.Logger, m *store.Message) {
	// An attempt that has started runs to completion even after shutdown
	// cancels ctx: the send is bounded by SendTimeout, and its outcome must
	// still be committed rather than left SENDING.
	ctx = context.WithoutCancel(ctx)
	log = log.With(zap.Int64("messageId", m.ID))

	if err := d.store.CommitSending(ctx, m.ID); err != nil {
		log.Warn("failed to commit sending state, skipping attempt", zap.Error(err))
		return
	}
	d.metrics.DispatchAttempts.WithLabelValues(string(m.Priority)).Inc()

	start := time.Now()
	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	err := d.transmitter.Send(sendCtx, transmitter.Request{
		MessageID:   m.ID,
		PhoneNumber: m.PhoneNumber,
		Content:     m.Content,
	})
	cancel()

	d.metrics.DispatchLatency.WithLabelValues(string(m.Priority)).Observe(time.Since(start).Seconds())

	outcome := transmitter.Classify(err)
	switch outcome {
	case transmitter.OutcomeSent:
		d.resolveSent(ctx, log, m)
	case transmitter.OutcomeTerminal:
		d.resolveTerminal(ctx, log, m, err)
	default: // Retryable or Unknown: both get a retry, Unknown only logs louder.
		if outcome == "UNKNOWN" {
			log.Warn("unclassified transmitter error, treating as retryable", zap.Error(err))
		}
		d.resolveRetry(ctx, log, m, err)
	}
}

// finishCancelIntent unconditionally asks the store to finalize a cancel
// that may have arrived while the send was in flight. It does not trust the
// pre-send snapshot's CancelIntent field -- a cancel request can land any
// time between CommitSending and the Transmitter call returning, so the
// only authoritative read of cancel_intent is the one FinishCancelIntent's
// own WHERE clause makes. Per spec §4.C, cancellation is best-effort once
// the attempt is in flight: the resolved outcome (SENT/FAILED/retry) is
// recorded regardless, and a pending cancel only adds a CANCEL_AFTER_SEND
// audit event -- it never flips the row's already-committed status.
func (d *Dispatcher) finishCancelIntent(ctx context.Context, log *zap.Logger, m *store.Message, stage string) {
	cancelled, err := d.store.FinishCancelIntent(ctx, m.ID)
	if err != nil {
		log.Warn("failed to finalize cancel intent after "+stage, zap.Error(err))
		return
	}
	if cancelled {
		d.recordAudit(ctx, m, "CANCEL_AFTER_SEND", "INFO", 0)
	}
}

func (d *Dispatcher) resolveSent(ctx context.Context, log *zap.Logger, m *store.Message) {
	if err := d.store.CommitSent(ctx, m.ID); err != nil {
		log.Error("failed to commit sent state", zap.Error(err))
		return
	}
	d.finishCancelIntent(ctx, log, m, "send")
	d.metrics.DispatchOutcomes.WithLabelValues(string(m.Priority), "sent").Inc()
	d.recordAudit(ctx, m, "MESSAGE_SENT", "INFO", 0)
}

func (d *Dispatcher) resolveTerminal(ctx context.Context, log *zap.Logger, m *store.Message, sendErr error) {
	// A terminal classification fails the message immediately regardless
	// of remaining retry budget -- it never goes through CommitRetry's
	// under-budget reschedule path.
	if err := d.store.ForceFail(ctx, m.ID, sendErr.Error()); err != nil {
		log.Error("failed to force-fail terminal message", zap.Error(err))
	}
	d.finishCancelIntent(ctx, log, m, "terminal failure")
	d.metrics.DispatchOutcomes.WithLabelValues(string(m.Priority), "failed").Inc()
	d.recordFailure(ctx, m, sendErr)
}

func (d *Dispatcher) resolveRetry(ctx context.Context, log *zap.Logger, m *store.Message, sendErr error) {
	next := calculateBackoff(m.RetryStrategy, m.RetryCount, m.Priority)
	nextAttempt := time.Now().UTC().Add(next)

	status, err := d.store.CommitRetry(ctx, m.ID, nextAttempt, sendErr.Error())
	if err != nil {
		log.Error("failed to commit retry", zap.Error(err))
		return
	}

	d.finishCancelIntent(ctx, log, m, "retry commit")

	if status == store.StatusFailed {
		d.metrics.DispatchOutcomes.WithLabelValues(string(m.Priority), "failed").Inc()
		d.recordFailure(ctx, m, sendErr)
		return
	}

	d.metrics.DispatchOutcomes.WithLabelValues(string(m.Priority), "retry").Inc()
	d.recordAudit(ctx, m, "MESSAGE_RETRY_SCHEDULED", "WARN", 0)
}

func (d *Dispatcher) recordAudit(ctx context.Context, m *store.Message, eventType, severity string, statusCode int) {
	_, err := d.audit.Record(ctx, &store.AuditEvent{
		Type:       eventType,
		Severity:   severity,
		OwnerID:    m.OwnerID,
		Endpoint:   "dispatcher",
		StatusCode: statusCode,
		Payload:    map[string]any{"messageId": m.ID, "priority": m.Priority, "retryCount": m.RetryCount},
	})
	if err != nil {
		d.log.Warn("failed to record dispatch audit event", zap.Error(err))
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, m *store.Message, sendErr error) {
	_, err := d.audit.RecordTerminalFailure(ctx, &store.AuditEvent{
		Type:     "MESSAGE_FAILED",
		Severity: "ERROR",
		OwnerID:  m.OwnerID,
		Endpoint: "dispatcher",
		Payload: map[string]any{
			"messageId":  m.ID,
			"priority":   m.Priority,
			"retryCount": m.RetryCount,
			"lastError":  sendErr.Error(),
		},
	})
	if err != nil {
		d.log.Warn("failed to record terminal failure audit event", zap.Error(err))
	}
}
