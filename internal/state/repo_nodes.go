package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tracegate/tracegate/internal/model"
)

const nodeColumns = `id, role, base_url, public_ip, fqdn, proxy_fqdn, reality_public_key, reality_short_id, wg_public_key, active, created_at_ns, updated_at_ns`

func scanNode(row interface{ Scan(...any) error }) (model.NodeEndpoint, error) {
	var n model.NodeEndpoint
	err := row.Scan(&n.ID, &n.Role, &n.BaseURL, &n.PublicIP, &n.FQDN, &n.ProxyFQDN,
		&n.RealityPublicKey, &n.RealityShortID, &n.WgPublicKey,
		&n.Active, &n.CreatedAtNs, &n.UpdatedAtNs)
	return n, err
}

// UpsertNodeEndpoint inserts or updates a node endpoint by id. The creation
// timestamp is preserved on update so earliest-created selection is stable.
func (s *Store) UpsertNodeEndpoint(ctx context.Context, n model.NodeEndpoint) error {
	unlock := s.lock()
	defer unlock()

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO node_endpoints (`+nodeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			role               = excluded.role,
			base_url           = excluded.base_url,
			public_ip          = excluded.public_ip,
			fqdn               = excluded.fqdn,
			proxy_fqdn         = excluded.proxy_fqdn,
			reality_public_key = excluded.reality_public_key,
			reality_short_id   = excluded.reality_short_id,
			wg_public_key      = excluded.wg_public_key,
			active             = excluded.active,
			updated_at_ns      = excluded.updated_at_ns
	`, n.ID, n.Role, n.BaseURL, n.PublicIP, n.FQDN, n.ProxyFQDN,
		n.RealityPublicKey, n.RealityShortID, n.WgPublicKey,
		n.Active, n.CreatedAtNs, n.UpdatedAtNs)
	if err != nil {
		return fmt.Errorf("upsert node %s: %w", n.ID, err)
	}
	return nil
}

// GetNodeEndpoint returns a node endpoint by id.
func (s *Store) GetNodeEndpoint(ctx context.Context, id string) (model.NodeEndpoint, error) {
	n, err := scanNode(s.q.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM node_endpoints WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.NodeEndpoint{}, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.NodeEndpoint{}, fmt.Errorf("get node %s: %w", id, err)
	}
	return n, nil
}

// ListActiveNodesByRole returns the active endpoints of a role ordered by
// creation time (earliest-created preferred).
func (s *Store) ListActiveNodesByRole(ctx context.Context, role string) ([]model.NodeEndpoint, error) {
	return s.listNodes(ctx, `
		SELECT `+nodeColumns+` FROM node_endpoints
		WHERE role = ? AND active = 1 ORDER BY created_at_ns
	`, role)
}

// ListNodeEndpoints returns all node endpoints ordered by creation time.
func (s *Store) ListNodeEndpoints(ctx context.Context) ([]model.NodeEndpoint, error) {
	return s.listNodes(ctx, `SELECT `+nodeColumns+` FROM node_endpoints ORDER BY created_at_ns`)
}

func (s *Store) listNodes(ctx context.Context, query string, args ...any) ([]model.NodeEndpoint, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.NodeEndpoint
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

// --- camouflage SNIs ---

// UpsertSNI inserts or updates a camouflage SNI by fqdn and returns its id.
func (s *Store) UpsertSNI(ctx context.Context, sni model.CamouflageSNI) (int64, error) {
	unlock := s.lock()
	defer unlock()

	res, err := s.q.ExecContext(ctx, `
		INSERT INTO camouflage_snis (fqdn, enabled, sort_order)
		VALUES (?, ?, ?)
		ON CONFLICT(fqdn) DO UPDATE SET
			enabled    = excluded.enabled,
			sort_order = excluded.sort_order
	`, sni.FQDN, sni.Enabled, sni.SortOrder)
	if err != nil {
		return 0, fmt.Errorf("upsert sni %s: %w", sni.FQDN, err)
	}
	if id, err := res.LastInsertId(); err == nil && id > 0 {
		return id, nil
	}
	existing, err := s.getSNIByFQDN(ctx, sni.FQDN)
	if err != nil {
		return 0, err
	}
	return existing.ID, nil
}

func (s *Store) getSNIByFQDN(ctx context.Context, fqdn string) (model.CamouflageSNI, error) {
	var c model.CamouflageSNI
	err := s.q.QueryRowContext(ctx,
		`SELECT id, fqdn, enabled, sort_order FROM camouflage_snis WHERE fqdn = ?`, fqdn).
		Scan(&c.ID, &c.FQDN, &c.Enabled, &c.SortOrder)
	if err != nil {
		return model.CamouflageSNI{}, fmt.Errorf("get sni %s: %w", fqdn, err)
	}
	return c, nil
}

// GetSNI returns a camouflage SNI by id.
func (s *Store) GetSNI(ctx context.Context, id int64) (model.CamouflageSNI, error) {
	var c model.CamouflageSNI
	err := s.q.QueryRowContext(ctx,
		`SELECT id, fqdn, enabled, sort_order FROM camouflage_snis WHERE id = ?`, id).
		Scan(&c.ID, &c.FQDN, &c.Enabled, &c.SortOrder)
	if errors.Is(err, sql.ErrNoRows) {
		return model.CamouflageSNI{}, fmt.Errorf("sni %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.CamouflageSNI{}, fmt.Errorf("get sni %d: %w", id, err)
	}
	return c, nil
}

// ListEnabledSNIs returns enabled SNIs ordered by sort order then id.
func (s *Store) ListEnabledSNIs(ctx context.Context) ([]model.CamouflageSNI, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, fqdn, enabled, sort_order FROM camouflage_snis WHERE enabled = 1 ORDER BY sort_order, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.CamouflageSNI
	for rows.Next() {
		var c model.CamouflageSNI
		if err := rows.Scan(&c.ID, &c.FQDN, &c.Enabled, &c.SortOrder); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}
