package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tracegate/tracegate/internal/model"
)

const connectionColumns = `id, device_id, protocol, mode, variant, overrides_json, status, created_at_ns, updated_at_ns`

func scanConnection(row interface{ Scan(...any) error }) (model.Connection, error) {
	var c model.Connection
	err := row.Scan(&c.ID, &c.DeviceID, &c.Protocol, &c.Mode, &c.Variant,
		&c.OverridesJSON, &c.Status, &c.CreatedAtNs, &c.UpdatedAtNs)
	return c, err
}

// InsertConnection adds a connection row.
func (s *Store) InsertConnection(ctx context.Context, c model.Connection) error {
	unlock := s.lock()
	defer unlock()

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO connections (`+connectionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.DeviceID, c.Protocol, c.Mode, c.Variant, c.OverridesJSON, c.Status, c.CreatedAtNs, c.UpdatedAtNs)
	if err != nil {
		return fmt.Errorf("insert connection %s: %w", c.ID, err)
	}
	return nil
}

// GetConnection returns a connection by id.
func (s *Store) GetConnection(ctx context.Context, id string) (model.Connection, error) {
	c, err := scanConnection(s.q.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Connection{}, fmt.Errorf("connection %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Connection{}, fmt.Errorf("get connection %s: %w", id, err)
	}
	return c, nil
}

// ListConnectionsByDevice returns a device's connections ordered by creation time.
func (s *Store) ListConnectionsByDevice(ctx context.Context, deviceID string) ([]model.Connection, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE device_id = ? ORDER BY created_at_ns`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// SetConnectionStatus transitions a connection between ACTIVE and REVOKED.
func (s *Store) SetConnectionStatus(ctx context.Context, id, status string, nowNs int64) error {
	unlock := s.lock()
	defer unlock()

	res, err := s.q.ExecContext(ctx,
		`UPDATE connections SET status = ?, updated_at_ns = ? WHERE id = ?`, status, nowNs, id)
	if err != nil {
		return fmt.Errorf("set connection %s status: %w", id, err)
	}
	return requireRow(res, fmt.Sprintf("connection %s", id))
}

// UpdateConnectionOverrides replaces the override map.
func (s *Store) UpdateConnectionOverrides(ctx context.Context, id, overridesJSON string, nowNs int64) error {
	unlock := s.lock()
	defer unlock()

	res, err := s.q.ExecContext(ctx,
		`UPDATE connections SET overrides_json = ?, updated_at_ns = ? WHERE id = ?`, overridesJSON, nowNs, id)
	if err != nil {
		return fmt.Errorf("update connection %s overrides: %w", id, err)
	}
	return requireRow(res, fmt.Sprintf("connection %s", id))
}
