package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tracegate/tracegate/internal/model"
)

const revisionColumns = `id, connection_id, slot, status, camouflage_sni_id, effective_json, created_at_ns, updated_at_ns`

func scanRevision(row interface{ Scan(...any) error }) (model.ConnectionRevision, error) {
	var r model.ConnectionRevision
	err := row.Scan(&r.ID, &r.ConnectionID, &r.Slot, &r.Status, &r.CamouflageSNIID,
		&r.EffectiveJSON, &r.CreatedAtNs, &r.UpdatedAtNs)
	return r, err
}

// InsertRevision adds a revision row.
func (s *Store) InsertRevision(ctx context.Context, r model.ConnectionRevision) error {
	unlock := s.lock()
	defer unlock()

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO connection_revisions (`+revisionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.ConnectionID, r.Slot, r.Status, r.CamouflageSNIID, r.EffectiveJSON, r.CreatedAtNs, r.UpdatedAtNs)
	if err != nil {
		return fmt.Errorf("insert revision %s: %w", r.ID, err)
	}
	return nil
}

// GetRevision returns a revision by id.
func (s *Store) GetRevision(ctx context.Context, id string) (model.ConnectionRevision, error) {
	r, err := scanRevision(s.q.QueryRowContext(ctx,
		`SELECT `+revisionColumns+` FROM connection_revisions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.ConnectionRevision{}, fmt.Errorf("revision %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.ConnectionRevision{}, fmt.Errorf("get revision %s: %w", id, err)
	}
	return r, nil
}

// ListActiveRevisions returns the connection's ACTIVE revisions ordered by slot.
func (s *Store) ListActiveRevisions(ctx context.Context, connectionID string) ([]model.ConnectionRevision, error) {
	return s.listRevisions(ctx,
		`SELECT `+revisionColumns+` FROM connection_revisions
		 WHERE connection_id = ? AND status = 'ACTIVE' ORDER BY slot`, connectionID)
}

// ListRevisions returns all revisions of a connection, newest first.
func (s *Store) ListRevisions(ctx context.Context, connectionID string) ([]model.ConnectionRevision, error) {
	return s.listRevisions(ctx,
		`SELECT `+revisionColumns+` FROM connection_revisions
		 WHERE connection_id = ? ORDER BY created_at_ns DESC`, connectionID)
}

func (s *Store) listRevisions(ctx context.Context, query string, args ...any) ([]model.ConnectionRevision, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.ConnectionRevision
	for rows.Next() {
		r, err := scanRevision(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// SetRevisionSlot moves a revision to a new slot and status. Callers are
// responsible for ordering updates so the ACTIVE (connection, slot) unique
// index never sees a transient collision.
func (s *Store) SetRevisionSlot(ctx context.Context, id string, slot int, status string, nowNs int64) error {
	unlock := s.lock()
	defer unlock()

	res, err := s.q.ExecContext(ctx, `
		UPDATE connection_revisions SET slot = ?, status = ?, updated_at_ns = ? WHERE id = ?
	`, slot, status, nowNs, id)
	if err != nil {
		return fmt.Errorf("set revision %s slot: %w", id, err)
	}
	return requireRow(res, fmt.Sprintf("revision %s", id))
}

// ParkActiveRevisions shifts every ACTIVE revision of the connection into a
// disjoint negative slot range (-1-slot) so a follow-up renumbering can
// assign final slots without tripping the partial unique index.
func (s *Store) ParkActiveRevisions(ctx context.Context, connectionID string, nowNs int64) error {
	unlock := s.lock()
	defer unlock()

	_, err := s.q.ExecContext(ctx, `
		UPDATE connection_revisions SET slot = -1 - slot, updated_at_ns = ?
		WHERE connection_id = ? AND status = 'ACTIVE'
	`, nowNs, connectionID)
	if err != nil {
		return fmt.Errorf("park revisions of %s: %w", connectionID, err)
	}
	return nil
}
