package dispatch

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/tracegate/tracegate/internal/config"
	"github.com/tracegate/tracegate/internal/model"
	"github.com/tracegate/tracegate/internal/outbox"
	"github.com/tracegate/tracegate/internal/state"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

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

func testDispatcherConfig() *config.DispatcherConfig {
	return &config.DispatcherConfig{
		PollInterval:   10 * time.Millisecond,
		BatchSize:      32,
		Concurrency:    4,
		MaxAttempts:    5,
		LeaseTTL:       time.Minute,
		RequestTimeout: 2 * time.Second,
		AgentToken:     "test-token",
	}
}

func newTestDispatcher(t *testing.T, store *state.Store) *Dispatcher {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, testDispatcherConfig(), logger)
}

// seedEvent registers a node pointing at baseURL and creates one event with a
// single delivery to it. Returns the event.
func seedEvent(t *testing.T, store *state.Store, nodeID, baseURL string) model.OutboxEvent {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UnixNano()
	err := store.UpsertNodeEndpoint(ctx, model.NodeEndpoint{
		ID: nodeID, Role: string(model.NodeRoleTransit), BaseURL: baseURL,
		Active: true, CreatedAtNs: now, UpdatedAtNs: now,
	})
	if err != nil {
		t.Fatal(err)
	}
	var event model.OutboxEvent
	err = store.WithTx(ctx, func(tx *state.Store) error {
		var err error
		event, err = outbox.CreateEvent(ctx, tx, outbox.Input{
			Type:        model.EventUpsertUser,
			AggregateID: "conn-1",
			Payload:     map[string]any{"uuid": "u-1", "op_ts": now},
			NodeID:      nodeID,
		})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	return event
}

func singleDelivery(t *testing.T, store *state.Store, eventID string) model.OutboxDelivery {
	t.Helper()
	deliveries, err := store.ListDeliveriesByEvent(context.Background(), eventID)
	if err != nil {
		t.Fatal(err)
	}
	if len(deliveries) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(deliveries))
	}
	return deliveries[0]
}

func TestPollDeliversAndMarksSent(t *testing.T) {
	store := newTestStore(t)
	var gotToken atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken.Store(r.Header.Get("x-agent-token"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"accepted":true,"duplicate":false,"message":"ok"}`))
	}))
	defer srv.Close()

	event := seedEvent(t, store, "t1", srv.URL)
	d := newTestDispatcher(t, store)

	if err := d.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	del := singleDelivery(t, store, event.ID)
	if del.Status != model.DeliverySent {
		t.Errorf("delivery status = %s, want SENT", del.Status)
	}
	if del.LockedBy != "" || del.LockedUntilNs != 0 {
		t.Errorf("lease not cleared: %+v", del)
	}
	got, _ := store.GetEvent(context.Background(), event.ID)
	if got.Status != model.EventSent {
		t.Errorf("event status = %s, want SENT", got.Status)
	}
	if gotToken.Load() != "test-token" {
		t.Errorf("agent token header = %v", gotToken.Load())
	}
	sent, failed := d.Stats()
	if sent != 1 || failed != 0 {
		t.Errorf("stats = %d/%d", sent, failed)
	}
}

func TestPollFailureSchedulesRetry(t *testing.T) {
	store := newTestStore(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	event := seedEvent(t, store, "t1", srv.URL)
	d := newTestDispatcher(t, store)
	ctx := context.Background()

	before := time.Now().UnixNano()
	if err := d.Poll(ctx); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	del := singleDelivery(t, store, event.ID)
	if del.Status != model.DeliveryFailed {
		t.Fatalf("status = %s, want FAILED", del.Status)
	}
	if del.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", del.Attempts)
	}
	if del.LastError == "" {
		t.Error("last_error empty")
	}
	if del.LockedBy != "" || del.LockedUntilNs != 0 {
		t.Errorf("lease not cleared: %+v", del)
	}
	// First backoff is 2^1 = 2s.
	wantMin := before + (2 * time.Second).Nanoseconds()
	wantMax := time.Now().UnixNano() + (2 * time.Second).Nanoseconds()
	if del.NextAttemptNs < wantMin || del.NextAttemptNs > wantMax {
		t.Errorf("next_attempt_ns = %d outside [%d, %d]", del.NextAttemptNs, wantMin, wantMax)
	}

	// Not yet due, so another poll must not touch it.
	if err := d.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	again := singleDelivery(t, store, event.ID)
	if again.Attempts != 1 {
		t.Errorf("premature retry: attempts = %d", again.Attempts)
	}

	got, _ := store.GetEvent(ctx, event.ID)
	if got.Status != model.EventPending {
		t.Errorf("event status = %s, want PENDING while retries remain", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("event attempts = %d, want 1", got.Attempts)
	}
}

func TestPollDeadLettersAtMaxAttempts(t *testing.T) {
	store := newTestStore(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "still broken", http.StatusInternalServerError)
	}))
	defer srv.Close()

	event := seedEvent(t, store, "t1", srv.URL)
	d := newTestDispatcher(t, store)
	d.cfg.MaxAttempts = 1
	ctx := context.Background()

	if err := d.Poll(ctx); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	del := singleDelivery(t, store, event.ID)
	if del.Status != model.DeliveryDead {
		t.Errorf("status = %s, want DEAD", del.Status)
	}
	if del.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", del.Attempts)
	}
	got, _ := store.GetEvent(ctx, event.ID)
	if got.Status != model.EventFailed {
		t.Errorf("event status = %s, want FAILED", got.Status)
	}

	// DEAD is terminal: no further polls pick it up.
	if err := d.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	final := singleDelivery(t, store, event.ID)
	if final.Attempts != 1 {
		t.Errorf("dead delivery retried: attempts = %d", final.Attempts)
	}
}

func TestClaimSkipsLeasedRows(t *testing.T) {
	store := newTestStore(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"accepted":true}`))
	}))
	defer srv.Close()

	event := seedEvent(t, store, "t1", srv.URL)
	a := newTestDispatcher(t, store)
	b := newTestDispatcher(t, store)
	b.id = "other-host:999"
	ctx := context.Background()

	claimedA, err := a.claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimedA) != 1 {
		t.Fatalf("a claimed %d, want 1", len(claimedA))
	}

	claimedB, err := b.claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimedB) != 0 {
		t.Errorf("b claimed %d leased rows, want 0", len(claimedB))
	}

	// The second replica also abandons a row it does not own.
	b.process(ctx, claimedA[0])
	del := singleDelivery(t, store, event.ID)
	if del.Status != model.DeliveryPending {
		t.Errorf("foreign process changed status to %s", del.Status)
	}
}

func TestRunDrainsOnStop(t *testing.T) {
	store := newTestStore(t)
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"accepted":true}`))
	}))
	defer srv.Close()

	event := seedEvent(t, store, "t1", srv.URL)
	d := newTestDispatcher(t, store)

	stopCh := make(chan struct{})
	done := make(chan struct{})
	go func() {
		d.Run(stopCh)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("dispatcher never delivered")
		case <-time.After(5 * time.Millisecond):
		}
	}
	close(stopCh)
	<-done

	del := singleDelivery(t, store, event.ID)
	if del.Status != model.DeliverySent {
		t.Errorf("status = %s, want SENT", del.Status)
	}
}

func TestBackoffSchedule(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{8, 256 * time.Second},
		{9, MaxBackoff},
		{100, MaxBackoff},
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempts); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}
