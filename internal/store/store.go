// Package store implements the durable, transactional core of the gateway:
// messages, API tokens, rate-limit buckets and audit events, all backed by
// Postgres. Every exported method maps to an operation from the Store
// component of the design (insertMessage, claimDueForScheduling, ...).
package store

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"sms-gateway/internal/db"
)

type Store struct {
	db  *db.PostgresDB
	log *zap.Logger
}

func New(pg *db.PostgresDB, log *zap.Logger) *Store {
	return &Store{db: pg, log: log}
}

func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isNoRows(err error) bool {
	return err == sql.ErrNoRows
}
