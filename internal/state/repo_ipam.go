package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tracegate/tracegate/internal/model"
)

const poolColumns = `id, cidr, gateway, quarantine_ns, created_at_ns`
const leaseColumns = `id, pool_id, owner_type, owner_id, ip, status, quarantined_until_ns, created_at_ns, updated_at_ns`

func scanLease(row interface{ Scan(...any) error }) (model.IpamLease, error) {
	var l model.IpamLease
	err := row.Scan(&l.ID, &l.PoolID, &l.OwnerType, &l.OwnerID, &l.IP, &l.Status,
		&l.QuarantinedUntilNs, &l.CreatedAtNs, &l.UpdatedAtNs)
	return l, err
}

// InsertPool adds a pool and returns it with the assigned id.
func (s *Store) InsertPool(ctx context.Context, p model.IpamPool) (model.IpamPool, error) {
	unlock := s.lock()
	defer unlock()

	res, err := s.q.ExecContext(ctx, `
		INSERT INTO ipam_pools (cidr, gateway, quarantine_ns, created_at_ns)
		VALUES (?, ?, ?, ?)
	`, p.CIDR, p.Gateway, p.QuarantineNs, p.CreatedAtNs)
	if err != nil {
		return model.IpamPool{}, fmt.Errorf("insert pool %s: %w", p.CIDR, err)
	}
	p.ID, err = res.LastInsertId()
	if err != nil {
		return model.IpamPool{}, err
	}
	return p, nil
}

// GetPoolByCIDR returns the pool for a CIDR, or ErrNotFound.
func (s *Store) GetPoolByCIDR(ctx context.Context, cidr string) (model.IpamPool, error) {
	var p model.IpamPool
	err := s.q.QueryRowContext(ctx,
		`SELECT `+poolColumns+` FROM ipam_pools WHERE cidr = ?`, cidr).
		Scan(&p.ID, &p.CIDR, &p.Gateway, &p.QuarantineNs, &p.CreatedAtNs)
	if errors.Is(err, sql.ErrNoRows) {
		return model.IpamPool{}, fmt.Errorf("pool %s: %w", cidr, ErrNotFound)
	}
	if err != nil {
		return model.IpamPool{}, fmt.Errorf("get pool %s: %w", cidr, err)
	}
	return p, nil
}

// GetPool returns a pool by id.
func (s *Store) GetPool(ctx context.Context, id int64) (model.IpamPool, error) {
	var p model.IpamPool
	err := s.q.QueryRowContext(ctx,
		`SELECT `+poolColumns+` FROM ipam_pools WHERE id = ?`, id).
		Scan(&p.ID, &p.CIDR, &p.Gateway, &p.QuarantineNs, &p.CreatedAtNs)
	if errors.Is(err, sql.ErrNoRows) {
		return model.IpamPool{}, fmt.Errorf("pool %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.IpamPool{}, fmt.Errorf("get pool %d: %w", id, err)
	}
	return p, nil
}

// ListPools returns all pools.
func (s *Store) ListPools(ctx context.Context) ([]model.IpamPool, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+poolColumns+` FROM ipam_pools ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.IpamPool
	for rows.Next() {
		var p model.IpamPool
		if err := rows.Scan(&p.ID, &p.CIDR, &p.Gateway, &p.QuarantineNs, &p.CreatedAtNs); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// GetActiveLeaseByOwner returns the owner's ACTIVE lease in the pool, if any.
func (s *Store) GetActiveLeaseByOwner(ctx context.Context, poolID int64, ownerType, ownerID string) (model.IpamLease, error) {
	l, err := scanLease(s.q.QueryRowContext(ctx, `
		SELECT `+leaseColumns+` FROM ipam_leases
		WHERE pool_id = ? AND owner_type = ? AND owner_id = ? AND status = 'ACTIVE'
	`, poolID, ownerType, ownerID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.IpamLease{}, fmt.Errorf("active lease for %s/%s: %w", ownerType, ownerID, ErrNotFound)
	}
	if err != nil {
		return model.IpamLease{}, fmt.Errorf("get lease for %s/%s: %w", ownerType, ownerID, err)
	}
	return l, nil
}

// GetLease returns a lease by id.
func (s *Store) GetLease(ctx context.Context, id int64) (model.IpamLease, error) {
	l, err := scanLease(s.q.QueryRowContext(ctx,
		`SELECT `+leaseColumns+` FROM ipam_leases WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.IpamLease{}, fmt.Errorf("lease %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.IpamLease{}, fmt.Errorf("get lease %d: %w", id, err)
	}
	return l, nil
}

// ListLeasesByPool returns every lease in the pool in address-insert order.
func (s *Store) ListLeasesByPool(ctx context.Context, poolID int64) ([]model.IpamLease, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+leaseColumns+` FROM ipam_leases WHERE pool_id = ? ORDER BY id`, poolID)
	if err != nil {
		return nil, fmt.Errorf("list leases pool %d: %w", poolID, err)
	}
	defer rows.Close()

	var result []model.IpamLease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

// ListBlockedIPs returns the set of IPs in the pool that are not allocatable
// at nowNs: leases that are ACTIVE, or QUARANTINED with the deadline still in
// the future.
func (s *Store) ListBlockedIPs(ctx context.Context, poolID int64, nowNs int64) (map[string]bool, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT ip FROM ipam_leases
		WHERE pool_id = ? AND (status = 'ACTIVE' OR (status = 'QUARANTINED' AND quarantined_until_ns > ?))
	`, poolID, nowNs)
	if err != nil {
		return nil, fmt.Errorf("list blocked ips pool %d: %w", poolID, err)
	}
	defer rows.Close()

	blocked := make(map[string]bool)
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, err
		}
		blocked[ip] = true
	}
	return blocked, rows.Err()
}

// InsertLease adds a lease and returns it with the assigned id.
func (s *Store) InsertLease(ctx context.Context, l model.IpamLease) (model.IpamLease, error) {
	unlock := s.lock()
	defer unlock()

	res, err := s.q.ExecContext(ctx, `
		INSERT INTO ipam_leases (pool_id, owner_type, owner_id, ip, status, quarantined_until_ns, created_at_ns, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, l.PoolID, l.OwnerType, l.OwnerID, l.IP, l.Status, l.QuarantinedUntilNs, l.CreatedAtNs, l.UpdatedAtNs)
	if err != nil {
		return model.IpamLease{}, fmt.Errorf("insert lease %s: %w", l.IP, err)
	}
	l.ID, err = res.LastInsertId()
	if err != nil {
		return model.IpamLease{}, err
	}
	return l, nil
}

// UpdateLeaseStatus transitions a lease (ACTIVE → QUARANTINED → RELEASED).
func (s *Store) UpdateLeaseStatus(ctx context.Context, id int64, status string, quarantinedUntilNs, nowNs int64) error {
	unlock := s.lock()
	defer unlock()

	res, err := s.q.ExecContext(ctx, `
		UPDATE ipam_leases SET status = ?, quarantined_until_ns = ?, updated_at_ns = ? WHERE id = ?
	`, status, quarantinedUntilNs, nowNs, id)
	if err != nil {
		return fmt.Errorf("update lease %d status: %w", id, err)
	}
	return requireRow(res, fmt.Sprintf("lease %d", id))
}

// ReapQuarantinedLeases releases every lease whose quarantine deadline has
// passed. Idempotent and restartable; returns the number of rows released.
func (s *Store) ReapQuarantinedLeases(ctx context.Context, nowNs int64) (int64, error) {
	unlock := s.lock()
	defer unlock()

	res, err := s.q.ExecContext(ctx, `
		UPDATE ipam_leases SET status = 'RELEASED', updated_at_ns = ?
		WHERE status = 'QUARANTINED' AND quarantined_until_ns <= ?
	`, nowNs, nowNs)
	if err != nil {
		return 0, fmt.Errorf("reap quarantined leases: %w", err)
	}
	return res.RowsAffected()
}

// --- wireguard peers ---

const peerColumns = `id, device_id, public_key, private_key, preshared_key, lease_id, status, created_at_ns, updated_at_ns`

func scanPeer(row interface{ Scan(...any) error }) (model.WireguardPeer, error) {
	var p model.WireguardPeer
	err := row.Scan(&p.ID, &p.DeviceID, &p.PublicKey, &p.PrivateKey, &p.PresharedKey, &p.LeaseID,
		&p.Status, &p.CreatedAtNs, &p.UpdatedAtNs)
	return p, err
}

// InsertPeer adds a wireguard peer row.
func (s *Store) InsertPeer(ctx context.Context, p model.WireguardPeer) error {
	unlock := s.lock()
	defer unlock()

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO wireguard_peers (`+peerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.DeviceID, p.PublicKey, p.PrivateKey, p.PresharedKey, p.LeaseID, p.Status, p.CreatedAtNs, p.UpdatedAtNs)
	if err != nil {
		return fmt.Errorf("insert peer %s: %w", p.ID, err)
	}
	return nil
}

// GetActivePeerByDevice returns the device's single ACTIVE peer, if any.
func (s *Store) GetActivePeerByDevice(ctx context.Context, deviceID string) (model.WireguardPeer, error) {
	p, err := scanPeer(s.q.QueryRowContext(ctx,
		`SELECT `+peerColumns+` FROM wireguard_peers WHERE device_id = ? AND status = 'ACTIVE'`, deviceID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.WireguardPeer{}, fmt.Errorf("active peer for device %s: %w", deviceID, ErrNotFound)
	}
	if err != nil {
		return model.WireguardPeer{}, fmt.Errorf("get peer for device %s: %w", deviceID, err)
	}
	return p, nil
}

// SetPeerStatus transitions a peer between ACTIVE and REVOKED.
func (s *Store) SetPeerStatus(ctx context.Context, id, status string, nowNs int64) error {
	unlock := s.lock()
	defer unlock()

	res, err := s.q.ExecContext(ctx,
		`UPDATE wireguard_peers SET status = ?, updated_at_ns = ? WHERE id = ?`, status, nowNs, id)
	if err != nil {
		return fmt.Errorf("set peer %s status: %w", id, err)
	}
	return requireRow(res, fmt.Sprintf("peer %s", id))
}
