// Package retention runs the periodic sweep that purges terminal messages
// past their retention window. FAILED messages are kept indefinitely since
// they're the operational record of what needs investigation; only SENT and
// CANCELLED rows age out.
package retention

import (
	"context"
	"time"

	"go.uber.org/zap"

	"sms-gateway/internal/db"
)

type Config struct {
	Interval time.Duration
	MaxAge   time.Duration
}

type Sweeper struct {
	cfg Config
	db  *db.PostgresDB
	log *zap.Logger
}

func New(cfg Config, pg *db.PostgresDB, log *zap.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 90 * 24 * time.Hour
	}
	return &Sweeper{cfg: cfg, db: pg, log: log}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	if err := s.sweep(ctx); err != nil {
		s.log.Error("retention sweep failed", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.sweep(ctx); err != nil {
				s.log.Error("retention sweep failed", zap.Error(err))
			}
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.cfg.MaxAge)

	const q = `
		DELETE FROM messages
		WHERE status IN ('SENT', 'CANCELLED')
		  AND COALESCE(sent_at, created_at) < $1`
	res, err := s.db.ExecContext(ctx, q, cutoff)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Info("retention sweep purged terminal messages", zap.Int64("count", n), zap.Time("cutoff", cutoff))
	}

	const auditQ = `DELETE FROM audit_events WHERE timestamp < $1`
	if _, err := s.db.ExecContext(ctx, auditQ, cutoff); err != nil {
		return err
	}

	return nil
}
