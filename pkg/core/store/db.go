// Package store holds the Postgres persistence layer: one repository per
// aggregate, raw SQL through pgx, org scoping on every query.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store bundles the connection pool and the repositories. One instance per
// process; no package-level pool.
type Store struct {
	Pool *pgxpool.Pool

	Orgs      *OrgRepo
	Documents *DocumentRepo
	Runs      *RunRepo
	Catalog   *CatalogRepo
	Mappings  *MappingRepo
	Drafts    *DraftRepo
	Exports   *ExportRepo
	Feedback  *FeedbackRepo
	AICalls   *AICallRepo
	Audit     *AuditRepo
}

// Open connects to Postgres and wires the repositories.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database url is empty")
	}
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return NewWithPool(pool), nil
}

// NewWithPool wires a Store over an existing pool. Used by tests.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{
		Pool:      pool,
		Orgs:      &OrgRepo{pool: pool},
		Documents: &DocumentRepo{pool: pool},
		Runs:      &RunRepo{pool: pool},
		Catalog:   &CatalogRepo{pool: pool},
		Mappings:  &MappingRepo{pool: pool},
		Drafts:    &DraftRepo{pool: pool},
		Exports:   &ExportRepo{pool: pool},
		Feedback:  &FeedbackRepo{pool: pool},
		AICalls:   &AICallRepo{pool: pool},
		Audit:     &AuditRepo{pool: pool},
	}
}

func (s *Store) Close() {
	if s.Pool != nil {
		s.Pool.Close()
	}
}

// WithTx runs fn inside one transaction; rollback on error, commit otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// TryAdvisoryLock takes a session advisory lock without blocking. Used for
// leader election of the periodic jobs (ack poller, retention).
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (bool, error) {
	var got bool
	err := s.Pool.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&got)
	if err != nil {
		return false, fmt.Errorf("advisory lock %d: %w", key, err)
	}
	return got, nil
}

// AdvisoryUnlock releases a lock taken with TryAdvisoryLock.
func (s *Store) AdvisoryUnlock(ctx context.Context, key int64) error {
	if _, err := s.Pool.Exec(ctx, `SELECT pg_advisory_unlock($1)`, key); err != nil {
		return fmt.Errorf("advisory unlock %d: %w", key, err)
	}
	return nil
}

// Advisory lock keys for the singleton jobs.
const (
	LockAckPoller    = int64(0x0F_ACC0)
	LockRetention    = int64(0x0F_0E7E)
	LockExtractSweep = int64(0x0F_E57A)
	LockExportSweep  = int64(0x0F_E690)
)
