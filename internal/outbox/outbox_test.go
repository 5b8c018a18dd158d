package outbox

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tracegate/tracegate/internal/model"
	"github.com/tracegate/tracegate/internal/state"
)

func newTestStore(t *testing.T) *state.Store {
	t.Helper()
	db, err := state.OpenDB(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := state.MigrateControlDB(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return state.NewStore(db)
}

func addNode(t *testing.T, store *state.Store, id string, role model.NodeRole, active bool) {
	t.Helper()
	now := time.Now().UnixNano()
	err := store.UpsertNodeEndpoint(context.Background(), model.NodeEndpoint{
		ID:          id,
		Role:        string(role),
		BaseURL:     "http://" + id + ":2291",
		PublicIP:    "198.51.100.10",
		FQDN:        id + ".example.net",
		Active:      active,
		CreatedAtNs: now,
		UpdatedAtNs: now,
	})
	if err != nil {
		t.Fatalf("add node %s: %v", id, err)
	}
}

func TestPayloadHash24Canonical(t *testing.T) {
	a, err := PayloadHash24([]byte(`{"b": 2, "a": 1}`))
	if err != nil {
		t.Fatal(err)
	}
	b, err := PayloadHash24([]byte("{\"a\":1,\n  \"b\":2}"))
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("key order and whitespace should not change the hash: %s vs %s", a, b)
	}
	if len(a) != 24 {
		t.Errorf("hash length = %d, want 24", len(a))
	}

	c, err := PayloadHash24([]byte(`{"a":1,"b":3}`))
	if err != nil {
		t.Fatal(err)
	}
	if a == c {
		t.Error("different payloads must hash differently")
	}
}

func TestIdempotencyKeySuffixWins(t *testing.T) {
	key, err := IdempotencyKey(model.EventUpsertUser, "conn-1", "rev-9:VPS_T", []byte(`{"x":1}`))
	if err != nil {
		t.Fatal(err)
	}
	if key != "UPSERT_USER:conn-1:rev-9:VPS_T" {
		t.Errorf("key = %q", key)
	}
}

func TestCreateEventFansOutPerNode(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	addNode(t, store, "t1", model.NodeRoleTransit, true)
	addNode(t, store, "t2", model.NodeRoleTransit, true)
	addNode(t, store, "t3", model.NodeRoleTransit, false)
	addNode(t, store, "e1", model.NodeRoleEntry, true)

	var event model.OutboxEvent
	err := store.WithTx(ctx, func(tx *state.Store) error {
		var err error
		event, err = CreateEvent(ctx, tx, Input{
			Type:        model.EventUpsertUser,
			AggregateID: "conn-1",
			Payload:     map[string]any{"uuid": "u-1"},
			Roles:       []model.NodeRole{model.NodeRoleEntry, model.NodeRoleTransit},
		})
		return err
	})
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	if event.Status != model.EventPending {
		t.Errorf("status = %s, want PENDING", event.Status)
	}

	deliveries, err := store.ListDeliveriesByEvent(ctx, event.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(deliveries) != 3 {
		t.Fatalf("deliveries = %d, want 3 (inactive node excluded)", len(deliveries))
	}
	gotNodes := map[string]bool{}
	for _, d := range deliveries {
		gotNodes[d.NodeID] = true
		if d.Status != model.DeliveryPending {
			t.Errorf("delivery %s status = %s", d.NodeID, d.Status)
		}
	}
	for _, want := range []string{"e1", "t1", "t2"} {
		if !gotNodes[want] {
			t.Errorf("missing delivery for node %s", want)
		}
	}
}

func TestCreateEventIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	addNode(t, store, "t1", model.NodeRoleTransit, true)

	in := Input{
		Type:        model.EventUpsertUser,
		AggregateID: "conn-1",
		Payload:     map[string]any{"uuid": "u-1"},
		Roles:       []model.NodeRole{model.NodeRoleTransit},
		KeySuffix:   "rev-1:VPS_T",
	}

	var first, second model.OutboxEvent
	if err := store.WithTx(ctx, func(tx *state.Store) error {
		var err error
		first, err = CreateEvent(ctx, tx, in)
		return err
	}); err != nil {
		t.Fatalf("first CreateEvent: %v", err)
	}
	if err := store.WithTx(ctx, func(tx *state.Store) error {
		var err error
		second, err = CreateEvent(ctx, tx, in)
		return err
	}); err != nil {
		t.Fatalf("second CreateEvent: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("duplicate key created a second event: %s vs %s", first.ID, second.ID)
	}

	events, _ := store.ListEvents(ctx, "", 10)
	if len(events) != 1 {
		t.Errorf("events in outbox = %d, want 1", len(events))
	}
}

func TestCreateEventNoTargetsFailsImmediately(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var event model.OutboxEvent
	err := store.WithTx(ctx, func(tx *state.Store) error {
		var err error
		event, err = CreateEvent(ctx, tx, Input{
			Type:        model.EventRevokeUser,
			AggregateID: "conn-2",
			Payload:     map[string]any{"uuid": "u-2"},
			Roles:       []model.NodeRole{model.NodeRoleEntry},
		})
		return err
	})
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	if event.Status != model.EventFailed {
		t.Errorf("status = %s, want FAILED", event.Status)
	}
	if !strings.Contains(event.LastError, NoTargetsError) {
		t.Errorf("last error = %q", event.LastError)
	}
	deliveries, _ := store.ListDeliveriesByEvent(ctx, event.ID)
	if len(deliveries) != 0 {
		t.Errorf("deliveries = %d, want 0", len(deliveries))
	}
}

func TestCreateEventDirectNodeTarget(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	addNode(t, store, "t1", model.NodeRoleTransit, true)
	addNode(t, store, "t2", model.NodeRoleTransit, true)

	var event model.OutboxEvent
	err := store.WithTx(ctx, func(tx *state.Store) error {
		var err error
		event, err = CreateEvent(ctx, tx, Input{
			Type:        model.EventWgPeerUpsert,
			AggregateID: "peer-1",
			Payload:     map[string]any{"public_key": "pk"},
			NodeID:      "t2",
		})
		return err
	})
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	deliveries, _ := store.ListDeliveriesByEvent(ctx, event.ID)
	if len(deliveries) != 1 || deliveries[0].NodeID != "t2" {
		t.Errorf("deliveries = %+v, want single t2", deliveries)
	}
}

func TestRecomputeEventStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	addNode(t, store, "t1", model.NodeRoleTransit, true)
	addNode(t, store, "t2", model.NodeRoleTransit, true)

	var event model.OutboxEvent
	if err := store.WithTx(ctx, func(tx *state.Store) error {
		var err error
		event, err = CreateEvent(ctx, tx, Input{
			Type:        model.EventUpsertUser,
			AggregateID: "conn-3",
			Payload:     map[string]any{"uuid": "u-3"},
			Roles:       []model.NodeRole{model.NodeRoleTransit},
		})
		return err
	}); err != nil {
		t.Fatal(err)
	}
	deliveries, _ := store.ListDeliveriesByEvent(ctx, event.ID)
	if len(deliveries) != 2 {
		t.Fatalf("deliveries = %d, want 2", len(deliveries))
	}
	nowNs := time.Now().UnixNano()

	// One sent, one pending: event stays PENDING.
	if err := store.MarkDeliverySent(ctx, deliveries[0].ID, nowNs); err != nil {
		t.Fatal(err)
	}
	status, err := RecomputeEventStatus(ctx, store, event.ID)
	if err != nil {
		t.Fatal(err)
	}
	if status != model.EventPending {
		t.Errorf("status = %s, want PENDING", status)
	}

	// Second goes DEAD: event FAILED.
	if err := store.MarkDeliveryFailure(ctx, deliveries[1].ID, model.DeliveryDead, 0, "connection refused", nowNs); err != nil {
		t.Fatal(err)
	}
	status, err = RecomputeEventStatus(ctx, store, event.ID)
	if err != nil {
		t.Fatal(err)
	}
	if status != model.EventFailed {
		t.Errorf("status = %s, want FAILED", status)
	}
	got, _ := store.GetEvent(ctx, event.ID)
	if !strings.Contains(got.LastError, "connection refused") {
		t.Errorf("event last error = %q", got.LastError)
	}

	// Both sent: event SENT.
	if err := store.MarkDeliverySent(ctx, deliveries[1].ID, nowNs); err != nil {
		t.Fatal(err)
	}
	status, err = RecomputeEventStatus(ctx, store, event.ID)
	if err != nil {
		t.Fatal(err)
	}
	if status != model.EventSent {
		t.Errorf("status = %s, want SENT", status)
	}
}
