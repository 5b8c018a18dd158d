package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/maypok86/otter"

	"github.com/tracegate/tracegate/internal/state"
)

const ledgerCacheSize = 8192

// ProcessedEvent is one row of the durable event ledger.
type ProcessedEvent struct {
	EventID        string
	IdempotencyKey string
	EventType      string
	Result         string
	ProcessedAtNs  int64
}

// Ledger is the agent's durable record of processed event ids, fronted by an
// otter cache so repeated duplicate checks for hot events skip sqlite.
type Ledger struct {
	db    *sql.DB
	cache otter.Cache[string, ProcessedEvent]
}

// OpenLedger opens (creating if needed) the ledger at
// <dataRoot>/events/state.db and applies its schema.
func OpenLedger(dataRoot string) (*Ledger, error) {
	path := filepath.Join(dataRoot, "events", "state.db")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create events dir: %w", err)
	}
	db, err := state.OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := state.MigrateAgentDB(db); err != nil {
		db.Close()
		return nil, err
	}

	cache, err := otter.MustBuilder[string, ProcessedEvent](ledgerCacheSize).
		Cost(func(_ string, _ ProcessedEvent) uint32 { return 1 }).
		Build()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("build ledger cache: %w", err)
	}
	return &Ledger{db: db, cache: cache}, nil
}

// Lookup reports whether eventID was already processed.
func (l *Ledger) Lookup(ctx context.Context, eventID string) (ProcessedEvent, bool, error) {
	if pe, hit := l.cache.Get(eventID); hit {
		return pe, true, nil
	}

	var pe ProcessedEvent
	err := l.db.QueryRowContext(ctx, `
		SELECT event_id, idempotency_key, event_type, result, processed_at_ns
		FROM processed_events WHERE event_id = ?`, eventID).
		Scan(&pe.EventID, &pe.IdempotencyKey, &pe.EventType, &pe.Result, &pe.ProcessedAtNs)
	if errors.Is(err, sql.ErrNoRows) {
		return ProcessedEvent{}, false, nil
	}
	if err != nil {
		return ProcessedEvent{}, false, fmt.Errorf("ledger lookup: %w", err)
	}
	l.cache.Set(eventID, pe)
	return pe, true, nil
}

// Record marks an event as processed.
func (l *Ledger) Record(ctx context.Context, pe ProcessedEvent) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO processed_events (event_id, idempotency_key, event_type, result, processed_at_ns)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO UPDATE SET
			result = excluded.result, processed_at_ns = excluded.processed_at_ns`,
		pe.EventID, pe.IdempotencyKey, pe.EventType, pe.Result, pe.ProcessedAtNs)
	if err != nil {
		return fmt.Errorf("ledger record: %w", err)
	}
	l.cache.Set(pe.EventID, pe)
	return nil
}

func (l *Ledger) Close() error {
	l.cache.Close()
	return l.db.Close()
}
