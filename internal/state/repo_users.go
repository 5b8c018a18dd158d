package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tracegate/tracegate/internal/model"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// EnsureUser creates the user on first contact with default role and quota,
// or returns the existing row. Idempotent.
func (s *Store) EnsureUser(ctx context.Context, id int64, nowNs int64) (model.User, error) {
	unlock := s.lock()
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO users (id, role, entitlement, grace_until_ns, device_quota, created_at_ns, updated_at_ns)
		VALUES (?, 'user', 'ACTIVE', 0, 3, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, nowNs, nowNs)
	unlock()
	if err != nil {
		return model.User{}, fmt.Errorf("ensure user %d: %w", id, err)
	}
	return s.GetUser(ctx, id)
}

// GetUser returns the user by external id.
func (s *Store) GetUser(ctx context.Context, id int64) (model.User, error) {
	var u model.User
	err := s.q.QueryRowContext(ctx, `
		SELECT id, role, entitlement, grace_until_ns, device_quota, created_at_ns, updated_at_ns
		FROM users WHERE id = ?
	`, id).Scan(&u.ID, &u.Role, &u.Entitlement, &u.GraceUntilNs, &u.DeviceQuota, &u.CreatedAtNs, &u.UpdatedAtNs)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.User{}, fmt.Errorf("get user %d: %w", id, err)
	}
	return u, nil
}

// UpdateUserEntitlement sets the entitlement state and grace deadline.
func (s *Store) UpdateUserEntitlement(ctx context.Context, id int64, entitlement string, graceUntilNs, nowNs int64) error {
	unlock := s.lock()
	defer unlock()

	res, err := s.q.ExecContext(ctx, `
		UPDATE users SET entitlement = ?, grace_until_ns = ?, updated_at_ns = ? WHERE id = ?
	`, entitlement, graceUntilNs, nowNs, id)
	if err != nil {
		return fmt.Errorf("update user %d entitlement: %w", id, err)
	}
	return requireRow(res, fmt.Sprintf("user %d", id))
}

// UpdateUserQuota sets the device quota.
func (s *Store) UpdateUserQuota(ctx context.Context, id int64, quota int, nowNs int64) error {
	unlock := s.lock()
	defer unlock()

	res, err := s.q.ExecContext(ctx, `
		UPDATE users SET device_quota = ?, updated_at_ns = ? WHERE id = ?
	`, quota, nowNs, id)
	if err != nil {
		return fmt.Errorf("update user %d quota: %w", id, err)
	}
	return requireRow(res, fmt.Sprintf("user %d", id))
}

// ListUsers returns all users ordered by id.
func (s *Store) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, role, entitlement, grace_until_ns, device_quota, created_at_ns, updated_at_ns
		FROM users ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.User
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Role, &u.Entitlement, &u.GraceUntilNs, &u.DeviceQuota, &u.CreatedAtNs, &u.UpdatedAtNs); err != nil {
			return nil, err
		}
		result = append(result, u)
	}
	return result, rows.Err()
}

// --- devices ---

// InsertDevice adds a device row.
func (s *Store) InsertDevice(ctx context.Context, d model.Device) error {
	unlock := s.lock()
	defer unlock()

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO devices (id, user_id, name, status, created_at_ns, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?)
	`, d.ID, d.UserID, d.Name, d.Status, d.CreatedAtNs, d.UpdatedAtNs)
	if err != nil {
		return fmt.Errorf("insert device %s: %w", d.ID, err)
	}
	return nil
}

// GetDevice returns a device by id.
func (s *Store) GetDevice(ctx context.Context, id string) (model.Device, error) {
	var d model.Device
	err := s.q.QueryRowContext(ctx, `
		SELECT id, user_id, name, status, created_at_ns, updated_at_ns FROM devices WHERE id = ?
	`, id).Scan(&d.ID, &d.UserID, &d.Name, &d.Status, &d.CreatedAtNs, &d.UpdatedAtNs)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Device{}, fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Device{}, fmt.Errorf("get device %s: %w", id, err)
	}
	return d, nil
}

// CountActiveDevices returns the number of ACTIVE devices for a user.
func (s *Store) CountActiveDevices(ctx context.Context, userID int64) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM devices WHERE user_id = ? AND status = 'ACTIVE'`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count devices for user %d: %w", userID, err)
	}
	return n, nil
}

// ListDevicesByUser returns a user's devices ordered by creation time.
func (s *Store) ListDevicesByUser(ctx context.Context, userID int64) ([]model.Device, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, user_id, name, status, created_at_ns, updated_at_ns
		FROM devices WHERE user_id = ? ORDER BY created_at_ns
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Device
	for rows.Next() {
		var d model.Device
		if err := rows.Scan(&d.ID, &d.UserID, &d.Name, &d.Status, &d.CreatedAtNs, &d.UpdatedAtNs); err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// SetDeviceStatus transitions a device between ACTIVE and REVOKED.
func (s *Store) SetDeviceStatus(ctx context.Context, id, status string, nowNs int64) error {
	unlock := s.lock()
	defer unlock()

	res, err := s.q.ExecContext(ctx,
		`UPDATE devices SET status = ?, updated_at_ns = ? WHERE id = ?`, status, nowNs, id)
	if err != nil {
		return fmt.Errorf("set device %s status: %w", id, err)
	}
	return requireRow(res, fmt.Sprintf("device %s", id))
}

func requireRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
