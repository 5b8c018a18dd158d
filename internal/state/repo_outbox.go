package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/tracegate/tracegate/internal/model"
)

const eventColumns = `id, event_type, aggregate_id, payload_json, role_target, node_id, idempotency_key, status, attempts, last_error, created_at_ns, updated_at_ns`
const deliveryColumns = `id, event_id, node_id, status, attempts, next_attempt_ns, locked_until_ns, locked_by, last_error, created_at_ns, updated_at_ns`

func scanEvent(row interface{ Scan(...any) error }) (model.OutboxEvent, error) {
	var e model.OutboxEvent
	err := row.Scan(&e.ID, &e.EventType, &e.AggregateID, &e.PayloadJSON, &e.RoleTarget,
		&e.NodeID, &e.IdempotencyKey, &e.Status, &e.Attempts, &e.LastError, &e.CreatedAtNs, &e.UpdatedAtNs)
	return e, err
}

func scanDelivery(row interface{ Scan(...any) error }) (model.OutboxDelivery, error) {
	var d model.OutboxDelivery
	err := row.Scan(&d.ID, &d.EventID, &d.NodeID, &d.Status, &d.Attempts, &d.NextAttemptNs,
		&d.LockedUntilNs, &d.LockedBy, &d.LastError, &d.CreatedAtNs, &d.UpdatedAtNs)
	return d, err
}

// InsertEvent adds an outbox event row.
func (s *Store) InsertEvent(ctx context.Context, e model.OutboxEvent) error {
	unlock := s.lock()
	defer unlock()

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO outbox_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.EventType, e.AggregateID, e.PayloadJSON, e.RoleTarget, e.NodeID,
		e.IdempotencyKey, e.Status, e.Attempts, e.LastError, e.CreatedAtNs, e.UpdatedAtNs)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", e.ID, err)
	}
	return nil
}

// GetEvent returns an event by id.
func (s *Store) GetEvent(ctx context.Context, id string) (model.OutboxEvent, error) {
	e, err := scanEvent(s.q.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM outbox_events WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.OutboxEvent{}, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.OutboxEvent{}, fmt.Errorf("get event %s: %w", id, err)
	}
	return e, nil
}

// GetEventByIdempotencyKey returns the event for a key, or ErrNotFound.
func (s *Store) GetEventByIdempotencyKey(ctx context.Context, key string) (model.OutboxEvent, error) {
	e, err := scanEvent(s.q.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM outbox_events WHERE idempotency_key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return model.OutboxEvent{}, fmt.Errorf("event key %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return model.OutboxEvent{}, fmt.Errorf("get event by key %s: %w", key, err)
	}
	return e, nil
}

// SetEventStatus updates event status and last error.
func (s *Store) SetEventStatus(ctx context.Context, id, status, lastError string, nowNs int64) error {
	unlock := s.lock()
	defer unlock()

	res, err := s.q.ExecContext(ctx, `
		UPDATE outbox_events SET status = ?, last_error = ?, updated_at_ns = ? WHERE id = ?
	`, status, lastError, nowNs, id)
	if err != nil {
		return fmt.Errorf("set event %s status: %w", id, err)
	}
	return requireRow(res, fmt.Sprintf("event %s", id))
}

// IncrementEventAttempts bumps the event-level attempt counter.
func (s *Store) IncrementEventAttempts(ctx context.Context, id string, nowNs int64) error {
	unlock := s.lock()
	defer unlock()

	_, err := s.q.ExecContext(ctx, `
		UPDATE outbox_events SET attempts = attempts + 1, updated_at_ns = ? WHERE id = ?
	`, nowNs, id)
	if err != nil {
		return fmt.Errorf("increment event %s attempts: %w", id, err)
	}
	return nil
}

// ListEvents returns events, optionally filtered by status, newest first.
func (s *Store) ListEvents(ctx context.Context, status string, limit int) ([]model.OutboxEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM outbox_events`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at_ns DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.OutboxEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// DeleteSentEventsBefore removes SENT events (and their deliveries, via
// cascade) created before the cutoff. Used by retention.
func (s *Store) DeleteSentEventsBefore(ctx context.Context, cutoffNs int64) (int64, error) {
	unlock := s.lock()
	defer unlock()

	res, err := s.q.ExecContext(ctx,
		`DELETE FROM outbox_events WHERE status = 'SENT' AND created_at_ns < ?`, cutoffNs)
	if err != nil {
		return 0, fmt.Errorf("delete sent events: %w", err)
	}
	return res.RowsAffected()
}

// --- deliveries ---

// InsertDelivery adds a delivery row unless one already exists for the
// (event, node) pair.
func (s *Store) InsertDelivery(ctx context.Context, d model.OutboxDelivery) error {
	unlock := s.lock()
	defer unlock()

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO outbox_deliveries (event_id, node_id, status, attempts, next_attempt_ns,
		                               locked_until_ns, locked_by, last_error, created_at_ns, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id, node_id) DO NOTHING
	`, d.EventID, d.NodeID, d.Status, d.Attempts, d.NextAttemptNs,
		d.LockedUntilNs, d.LockedBy, d.LastError, d.CreatedAtNs, d.UpdatedAtNs)
	if err != nil {
		return fmt.Errorf("insert delivery %s/%s: %w", d.EventID, d.NodeID, err)
	}
	return nil
}

// GetDelivery returns a delivery by id.
func (s *Store) GetDelivery(ctx context.Context, id int64) (model.OutboxDelivery, error) {
	d, err := scanDelivery(s.q.QueryRowContext(ctx,
		`SELECT `+deliveryColumns+` FROM outbox_deliveries WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.OutboxDelivery{}, fmt.Errorf("delivery %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.OutboxDelivery{}, fmt.Errorf("get delivery %d: %w", id, err)
	}
	return d, nil
}

// ListDeliveriesByEvent returns the event's deliveries ordered by id.
func (s *Store) ListDeliveriesByEvent(ctx context.Context, eventID string) ([]model.OutboxDelivery, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+deliveryColumns+` FROM outbox_deliveries WHERE event_id = ? ORDER BY id`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.OutboxDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// ListDueDeliveries returns up to limit deliveries that are due at nowNs:
// PENDING or FAILED, next attempt reached, and not held by a live lease.
// Ordered by creation time so old work is never starved.
func (s *Store) ListDueDeliveries(ctx context.Context, nowNs int64, limit int) ([]model.OutboxDelivery, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+deliveryColumns+` FROM outbox_deliveries
		WHERE status IN ('PENDING', 'FAILED')
		  AND next_attempt_ns <= ?
		  AND (locked_until_ns = 0 OR locked_until_ns <= ?)
		ORDER BY created_at_ns
		LIMIT ?
	`, nowNs, nowNs, limit)
	if err != nil {
		return nil, fmt.Errorf("list due deliveries: %w", err)
	}
	defer rows.Close()

	var result []model.OutboxDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// LockDeliveries stamps a lease on the given delivery ids.
func (s *Store) LockDeliveries(ctx context.Context, ids []int64, lockUntilNs int64, lockedBy string, nowNs int64) error {
	if len(ids) == 0 {
		return nil
	}
	unlock := s.lock()
	defer unlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := []any{lockUntilNs, lockedBy, nowNs}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.q.ExecContext(ctx, `
		UPDATE outbox_deliveries SET locked_until_ns = ?, locked_by = ?, updated_at_ns = ?
		WHERE id IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return fmt.Errorf("lock deliveries: %w", err)
	}
	return nil
}

// MarkDeliverySent finalizes a successful delivery: SENT, error and lease
// cleared.
func (s *Store) MarkDeliverySent(ctx context.Context, id int64, nowNs int64) error {
	unlock := s.lock()
	defer unlock()

	res, err := s.q.ExecContext(ctx, `
		UPDATE outbox_deliveries
		SET status = 'SENT', last_error = '', locked_until_ns = 0, locked_by = '', updated_at_ns = ?
		WHERE id = ?
	`, nowNs, id)
	if err != nil {
		return fmt.Errorf("mark delivery %d sent: %w", id, err)
	}
	return requireRow(res, fmt.Sprintf("delivery %d", id))
}

// MarkDeliveryFailure records a failed attempt: attempts incremented, status
// set to FAILED or DEAD, next attempt scheduled, lease cleared.
func (s *Store) MarkDeliveryFailure(ctx context.Context, id int64, status string, nextAttemptNs int64, lastError string, nowNs int64) error {
	unlock := s.lock()
	defer unlock()

	res, err := s.q.ExecContext(ctx, `
		UPDATE outbox_deliveries
		SET status = ?, attempts = attempts + 1, next_attempt_ns = ?, last_error = ?,
		    locked_until_ns = 0, locked_by = '', updated_at_ns = ?
		WHERE id = ?
	`, status, nextAttemptNs, lastError, nowNs, id)
	if err != nil {
		return fmt.Errorf("mark delivery %d failure: %w", id, err)
	}
	return requireRow(res, fmt.Sprintf("delivery %d", id))
}
