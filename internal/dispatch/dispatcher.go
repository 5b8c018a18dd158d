// Package dispatch drains the outbox: it leases due deliveries, posts them to
// node agents, and drives the retry/backoff/dead-letter state machine. Any
// number of replicas can run concurrently; the lease columns keep them off
// each other's rows and a crashed replica's leases expire by TTL.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/tracegate/tracegate/internal/config"
	"github.com/tracegate/tracegate/internal/model"
	"github.com/tracegate/tracegate/internal/outbox"
	"github.com/tracegate/tracegate/internal/scanloop"
	"github.com/tracegate/tracegate/internal/state"
)

// MaxBackoff caps the retry delay.
const MaxBackoff = 300 * time.Second

// Backoff returns the delay before the next attempt after the given
// (post-increment) attempt count: min(300, 2^min(attempts, 8)) seconds.
func Backoff(attempts int) time.Duration {
	if attempts > 8 {
		attempts = 8
	}
	d := time.Duration(1<<uint(attempts)) * time.Second
	if d > MaxBackoff {
		return MaxBackoff
	}
	return d
}

// Identity returns the dispatcher's lease owner string, "<hostname>:<pid>".
func Identity() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s:%d", hostname, os.Getpid())
}

// Dispatcher is one replica of the delivery worker.
type Dispatcher struct {
	store  *state.Store
	client *AgentClient
	logger *slog.Logger
	cfg    *config.DispatcherConfig
	id     string

	// nodes caches endpoint rows; deliveries to the same node share the
	// lookup across polls. Invalidated on send errors so an updated
	// base_url is picked up.
	nodes *xsync.Map[string, model.NodeEndpoint]

	sent   *xsync.Counter
	failed *xsync.Counter
}

func New(store *state.Store, cfg *config.DispatcherConfig, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:  store,
		client: NewAgentClient(cfg.AgentToken, cfg.RequestTimeout),
		logger: logger.With("component", "dispatcher"),
		cfg:    cfg,
		id:     Identity(),
		nodes:  xsync.NewMap[string, model.NodeEndpoint](),
		sent:   xsync.NewCounter(),
		failed: xsync.NewCounter(),
	}
}

// Stats returns the totals of sent and failed attempts since start.
func (d *Dispatcher) Stats() (sent, failed int64) {
	return d.sent.Value(), d.failed.Value()
}

// Run polls until stopCh closes. Each poll claims a batch and fully processes
// it before returning, so closing stopCh drains in-flight deliveries and
// takes no new leases.
func (d *Dispatcher) Run(stopCh <-chan struct{}) {
	d.logger.Info("dispatcher started",
		"id", d.id, "poll", d.cfg.PollInterval, "batch", d.cfg.BatchSize, "concurrency", d.cfg.Concurrency)
	scanloop.Run(stopCh, d.cfg.PollInterval, d.cfg.PollJitter, func() {
		if err := d.Poll(context.Background()); err != nil {
			d.logger.Error("poll failed", "error", err)
		}
	})
	d.logger.Info("dispatcher stopped", "id", d.id)
}

// Poll claims one batch of due deliveries and processes it with bounded
// concurrency. Exported so a single pass can be driven directly in tests and
// one-shot tooling.
func (d *Dispatcher) Poll(ctx context.Context) error {
	claimed, err := d.claim(ctx)
	if err != nil {
		return err
	}
	if len(claimed) == 0 {
		return nil
	}

	sem := make(chan struct{}, d.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, delivery := range claimed {
		wg.Add(1)
		sem <- struct{}{}
		go func(del model.OutboxDelivery) {
			defer wg.Done()
			defer func() { <-sem }()
			d.process(ctx, del)
		}(delivery)
	}
	wg.Wait()
	return nil
}

// claim selects due deliveries and stamps the lease in one transaction.
// Rows with a live lease are excluded by the due query, which is the SKIP
// LOCKED equivalent under a single-writer store.
func (d *Dispatcher) claim(ctx context.Context) ([]model.OutboxDelivery, error) {
	var claimed []model.OutboxDelivery
	err := d.store.WithTx(ctx, func(tx *state.Store) error {
		nowNs := time.Now().UnixNano()
		due, err := tx.ListDueDeliveries(ctx, nowNs, d.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(due) == 0 {
			return nil
		}
		ids := make([]int64, len(due))
		for i, del := range due {
			ids[i] = del.ID
		}
		lockUntil := nowNs + d.cfg.LeaseTTL.Nanoseconds()
		if err := tx.LockDeliveries(ctx, ids, lockUntil, d.id, nowNs); err != nil {
			return err
		}
		for i := range due {
			due[i].LockedUntilNs = lockUntil
			due[i].LockedBy = d.id
		}
		claimed = due
		return nil
	})
	return claimed, err
}

func (d *Dispatcher) process(ctx context.Context, leased model.OutboxDelivery) {
	// Re-load and verify ownership; another replica may have taken over
	// after our lease expired.
	del, err := d.store.GetDelivery(ctx, leased.ID)
	if err != nil {
		d.logger.Error("reload delivery failed", "delivery", leased.ID, "error", err)
		return
	}
	nowNs := time.Now().UnixNano()
	if del.LockedBy != d.id || del.LockedUntilNs <= nowNs {
		return
	}
	if del.Status != model.DeliveryPending && del.Status != model.DeliveryFailed {
		return
	}

	event, err := d.store.GetEvent(ctx, del.EventID)
	if err != nil {
		d.logger.Error("load event failed", "delivery", del.ID, "error", err)
		return
	}
	node, err := d.node(ctx, del.NodeID)
	if err != nil {
		d.fail(ctx, del, event, fmt.Sprintf("resolve node: %v", err))
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()
	resp, err := d.client.Send(sendCtx, node.BaseURL, EventEnvelope{
		EventID:        event.ID,
		IdempotencyKey: event.IdempotencyKey,
		EventType:      event.EventType,
		Payload:        json.RawMessage(event.PayloadJSON),
	})
	if err != nil {
		d.nodes.Delete(del.NodeID)
		d.fail(ctx, del, event, err.Error())
		return
	}

	if err := d.store.MarkDeliverySent(ctx, del.ID, time.Now().UnixNano()); err != nil {
		d.logger.Error("mark sent failed", "delivery", del.ID, "error", err)
		return
	}
	d.sent.Inc()
	if _, err := outbox.RecomputeEventStatus(ctx, d.store, event.ID); err != nil {
		d.logger.Error("recompute event failed", "event", event.ID, "error", err)
	}
	d.logger.Info("delivery sent",
		"delivery", del.ID, "event", event.ID, "node", del.NodeID, "duplicate", resp.Duplicate)
}

func (d *Dispatcher) fail(ctx context.Context, del model.OutboxDelivery, event model.OutboxEvent, reason string) {
	d.failed.Inc()
	nowNs := time.Now().UnixNano()
	attempts := del.Attempts + 1

	status := model.DeliveryFailed
	nextAttemptNs := nowNs + Backoff(attempts).Nanoseconds()
	if attempts >= d.cfg.MaxAttempts {
		status = model.DeliveryDead
		nextAttemptNs = nowNs
	}

	if err := d.store.MarkDeliveryFailure(ctx, del.ID, status, nextAttemptNs, truncate(reason, 500), nowNs); err != nil {
		d.logger.Error("mark failure failed", "delivery", del.ID, "error", err)
		return
	}
	if err := d.store.IncrementEventAttempts(ctx, event.ID, nowNs); err != nil {
		d.logger.Error("increment event attempts failed", "event", event.ID, "error", err)
	}
	if _, err := outbox.RecomputeEventStatus(ctx, d.store, event.ID); err != nil {
		d.logger.Error("recompute event failed", "event", event.ID, "error", err)
	}

	d.logger.Warn("delivery failed",
		"delivery", del.ID, "event", event.ID, "node", del.NodeID,
		"attempts", attempts, "status", status, "error", reason)
}

func (d *Dispatcher) node(ctx context.Context, nodeID string) (model.NodeEndpoint, error) {
	if n, ok := d.nodes.Load(nodeID); ok {
		return n, nil
	}
	n, err := d.store.GetNodeEndpoint(ctx, nodeID)
	if err != nil {
		return model.NodeEndpoint{}, err
	}
	d.nodes.Store(nodeID, n)
	return n, nil
}
