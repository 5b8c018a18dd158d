// Package ipam hands out tunnel addresses from configured pools and recycles
// them through a quarantine window so a freshly released address is not
// immediately reused by another peer.
package ipam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/tracegate/tracegate/internal/model"
	"github.com/tracegate/tracegate/internal/state"
)

// ErrPoolExhausted is returned when no free host address remains in the pool.
var ErrPoolExhausted = errors.New("pool exhausted")

// Allocator assigns addresses from IPAM pools. All mutating methods take the
// store (or an open transaction) explicitly so callers can compose allocation
// with their own writes.
type Allocator struct {
	store  *state.Store
	logger *slog.Logger
}

func NewAllocator(store *state.Store, logger *slog.Logger) *Allocator {
	return &Allocator{store: store, logger: logger.With("component", "ipam")}
}

// EnsurePool creates the pool if it does not exist and returns it. An existing
// pool is returned as-is; its gateway and quarantine window are not modified.
func (a *Allocator) EnsurePool(ctx context.Context, cidr, gateway string, quarantine time.Duration) (model.IpamPool, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return model.IpamPool{}, fmt.Errorf("parse pool cidr %q: %w", cidr, err)
	}
	gw, err := netip.ParseAddr(gateway)
	if err != nil {
		return model.IpamPool{}, fmt.Errorf("parse pool gateway %q: %w", gateway, err)
	}
	if !prefix.Contains(gw) {
		return model.IpamPool{}, fmt.Errorf("gateway %s is outside pool %s", gateway, cidr)
	}
	if quarantine < 0 {
		return model.IpamPool{}, fmt.Errorf("quarantine window must not be negative, got %v", quarantine)
	}

	existing, err := a.store.GetPoolByCIDR(ctx, cidr)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, state.ErrNotFound) {
		return model.IpamPool{}, err
	}

	pool, err := a.store.InsertPool(ctx, model.IpamPool{
		CIDR:         prefix.Masked().String(),
		Gateway:      gw.String(),
		QuarantineNs: quarantine.Nanoseconds(),
		CreatedAtNs:  time.Now().UnixNano(),
	})
	if err != nil {
		return model.IpamPool{}, err
	}
	a.logger.Info("pool created", "cidr", pool.CIDR, "gateway", pool.Gateway, "quarantine", quarantine)
	return pool, nil
}

// Allocate assigns the first free host address in network order to the owner,
// skipping the network address, the broadcast address, the gateway, and every
// address held by an ACTIVE lease or a quarantined lease whose deadline has
// not passed. If the owner already holds an ACTIVE lease in the pool it is
// returned unchanged, so retried provisioning does not burn addresses.
//
// tx should be the transaction the caller is provisioning in; pass the plain
// store for standalone allocation.
func (a *Allocator) Allocate(ctx context.Context, tx *state.Store, poolID int64, ownerType, ownerID string) (model.IpamLease, error) {
	pool, err := tx.GetPool(ctx, poolID)
	if err != nil {
		return model.IpamLease{}, err
	}

	if lease, err := tx.GetActiveLeaseByOwner(ctx, poolID, ownerType, ownerID); err == nil {
		return lease, nil
	} else if !errors.Is(err, state.ErrNotFound) {
		return model.IpamLease{}, err
	}

	nowNs := time.Now().UnixNano()
	blocked, err := tx.ListBlockedIPs(ctx, poolID, nowNs)
	if err != nil {
		return model.IpamLease{}, err
	}

	prefix := netip.MustParsePrefix(pool.CIDR).Masked()
	gw := netip.MustParseAddr(pool.Gateway)

	// For IPv4 pools wider than /31 the network and broadcast addresses are
	// not usable host addresses.
	skipEdges := prefix.Addr().Is4() && prefix.Bits() < 31
	first := prefix.Addr()

	for addr := first; prefix.Contains(addr); addr = addr.Next() {
		if skipEdges && (addr == first || !prefix.Contains(addr.Next())) {
			continue
		}
		if addr == gw {
			continue
		}
		if blocked[addr.String()] {
			continue
		}
		lease, err := tx.InsertLease(ctx, model.IpamLease{
			PoolID:      poolID,
			OwnerType:   ownerType,
			OwnerID:     ownerID,
			IP:          addr.String(),
			Status:      model.LeaseActive,
			CreatedAtNs: nowNs,
			UpdatedAtNs: nowNs,
		})
		if err != nil {
			return model.IpamLease{}, err
		}
		a.logger.Info("lease allocated", "pool", pool.CIDR, "ip", lease.IP, "owner_type", ownerType, "owner_id", ownerID)
		return lease, nil
	}

	return model.IpamLease{}, fmt.Errorf("allocate in %s: %w", pool.CIDR, ErrPoolExhausted)
}

// Release moves a lease out of ACTIVE. The address enters quarantine for the
// given window; pass 0 to use the pool default. A zero effective window
// releases the address immediately.
func (a *Allocator) Release(ctx context.Context, tx *state.Store, leaseID int64, quarantine time.Duration) error {
	lease, err := tx.GetLease(ctx, leaseID)
	if err != nil {
		return err
	}
	if lease.Status != model.LeaseActive {
		return nil
	}
	pool, err := tx.GetPool(ctx, lease.PoolID)
	if err != nil {
		return err
	}

	window := quarantine.Nanoseconds()
	if window == 0 {
		window = pool.QuarantineNs
	}

	nowNs := time.Now().UnixNano()
	if window <= 0 {
		return tx.UpdateLeaseStatus(ctx, leaseID, model.LeaseReleased, 0, nowNs)
	}
	until := nowNs + window
	if err := tx.UpdateLeaseStatus(ctx, leaseID, model.LeaseQuarantined, until, nowNs); err != nil {
		return err
	}
	a.logger.Info("lease quarantined", "pool", pool.CIDR, "ip", lease.IP, "until_ns", until)
	return nil
}

// ReapExpired releases every quarantined lease whose deadline has passed.
// Safe to run from multiple processes; the update is a single idempotent
// statement.
func (a *Allocator) ReapExpired(ctx context.Context) (int64, error) {
	n, err := a.store.ReapQuarantinedLeases(ctx, time.Now().UnixNano())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		a.logger.Info("quarantined leases released", "count", n)
	}
	return n, nil
}
