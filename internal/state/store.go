package state

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// dbtx is the subset of *sql.DB / *sql.Tx the repositories use.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store exposes the control-plane repositories. All writes are serialized by
// an internal mutex; multi-step mutations run inside WithTx so revision
// creation, IPAM leasing and outbox emission commit or roll back together.
type Store struct {
	db *sql.DB
	q  dbtx
	mu *sync.Mutex
}

// NewStore creates a Store over an open control-plane database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, q: db, mu: &sync.Mutex{}}
}

// WithTx runs fn inside a single transaction. The Store passed to fn is bound
// to the transaction; fn must not touch the outer Store, whose mutex is held
// for the duration.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	txStore := &Store{db: s.db, q: tx, mu: &sync.Mutex{}}
	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// lock serializes single-statement writes issued outside WithTx. Inside a
// transaction the outer mutex is already held.
func (s *Store) lock() func() {
	if _, isTx := s.q.(*sql.Tx); isTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}
