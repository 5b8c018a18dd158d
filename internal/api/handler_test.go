package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/tracegate/tracegate/internal/ipam"
	"github.com/tracegate/tracegate/internal/model"
	"github.com/tracegate/tracegate/internal/revision"
	"github.com/tracegate/tracegate/internal/state"
)

const testAdminToken = "adm_Yx93k-Qw17b-Nv28c-test"

type apiFixture struct {
	store   *state.Store
	handler http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	db, err := state.OpenDB(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := state.MigrateControlDB(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := state.NewStore(db)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	alloc := ipam.NewAllocator(store, logger)

	pool, err := alloc.EnsurePool(context.Background(), "10.70.0.0/24", "10.70.0.1", time.Hour)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	engine := revision.NewEngine(store, alloc, logger, revision.Config{
		DefaultHost:     "fallback.example.net",
		WireguardPoolID: pool.ID,
	})

	srv := NewServer("127.0.0.1", 2290, testAdminToken, 1<<20, Deps{
		Store:  store,
		Engine: engine,
		Alloc:  alloc,
		Logger: logger,
	})
	return &apiFixture{store: store, handler: srv.Handler()}
}

// do performs an authenticated request and decodes the JSON response into out
// (when out is non-nil).
func (f *apiFixture) do(t *testing.T, method, path string, body any, wantStatus int, out any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != wantStatus {
		t.Fatalf("%s %s: status = %d, want %d (body %s)", method, path, rec.Code, wantStatus, rec.Body.String())
	}
	if out != nil {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("%s %s: decode response: %v", method, path, err)
		}
	}
}

func (f *apiFixture) errorCode(t *testing.T, method, path string, body any, wantStatus int) string {
	t.Helper()
	var resp ErrorResponse
	f.do(t, method, path, body, wantStatus, &resp)
	return resp.Error.Code
}

func (f *apiFixture) addNode(t *testing.T, id string, role model.NodeRole, fqdn string) {
	t.Helper()
	f.do(t, http.MethodPut, "/api/v1/nodes/"+id, map[string]any{
		"role":               string(role),
		"base_url":           "http://" + id + ":2291/",
		"fqdn":               fqdn,
		"reality_public_key": "rpk-" + id,
		"reality_short_id":   "sid-" + id,
		"wg_public_key":      "wgk-" + id,
		"active":             true,
	}, http.StatusOK, nil)
}

func (f *apiFixture) addSNI(t *testing.T, fqdn string) {
	t.Helper()
	f.do(t, http.MethodPut, "/api/v1/snis", map[string]any{
		"fqdn":    fqdn,
		"enabled": true,
	}, http.StatusOK, nil)
}

func (f *apiFixture) ensureUser(t *testing.T, id int64) model.User {
	t.Helper()
	var user model.User
	f.do(t, http.MethodPost, "/api/v1/users", map[string]any{"user_id": id}, http.StatusOK, &user)
	return user
}

func (f *apiFixture) createDevice(t *testing.T, userID int64, name string) model.Device {
	t.Helper()
	var device model.Device
	f.do(t, http.MethodPost, "/api/v1/users/"+strconv.FormatInt(userID, 10)+"/devices",
		map[string]any{"name": name}, http.StatusCreated, &device)
	return device
}

func (f *apiFixture) createConnection(t *testing.T, deviceID string, protocol, mode, variant string) model.Connection {
	t.Helper()
	var conn model.Connection
	f.do(t, http.MethodPost, "/api/v1/devices/"+deviceID+"/connections", map[string]any{
		"protocol": protocol,
		"mode":     mode,
		"variant":  variant,
	}, http.StatusCreated, &conn)
	return conn
}

func TestAuthRequired(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"wrong token", "Bearer nope"},
		{"wrong scheme", "Basic " + testAdminToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/users", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			f.handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
		})
	}

	// Liveness stays public.
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", rec.Code)
	}
}

func TestEnsureUserIdempotent(t *testing.T) {
	f := newAPIFixture(t)

	first := f.ensureUser(t, 1)
	if first.Entitlement != model.EntitlementActive || first.DeviceQuota != 3 {
		t.Errorf("user defaults = %s/%d", first.Entitlement, first.DeviceQuota)
	}
	second := f.ensureUser(t, 1)
	if second.CreatedAtNs != first.CreatedAtNs {
		t.Error("repeat ensure must not recreate the user")
	}

	var users ListResponse[model.User]
	f.do(t, http.MethodGet, "/api/v1/users", nil, http.StatusOK, &users)
	if users.Total != 1 {
		t.Errorf("total users = %d, want 1", users.Total)
	}
}

func TestDeviceQuotaConflict(t *testing.T) {
	f := newAPIFixture(t)
	f.ensureUser(t, 1)
	f.do(t, http.MethodPatch, "/api/v1/users/1/quota", map[string]any{"device_quota": 1}, http.StatusOK, nil)

	device := f.createDevice(t, 1, "phone")

	code := f.errorCode(t, http.MethodPost, "/api/v1/users/1/devices",
		map[string]any{"name": "tablet"}, http.StatusConflict)
	if code != "CONFLICT" {
		t.Errorf("error code = %s, want CONFLICT", code)
	}

	// Revoking the device frees the slot.
	f.do(t, http.MethodPost, "/api/v1/devices/"+device.ID+"/actions/revoke", nil, http.StatusOK, nil)
	f.do(t, http.MethodPost, "/api/v1/users/1/devices",
		map[string]any{"name": "tablet"}, http.StatusCreated, nil)
}

func TestCreateConnectionValidation(t *testing.T) {
	f := newAPIFixture(t)
	f.ensureUser(t, 1)
	device := f.createDevice(t, 1, "phone")

	code := f.errorCode(t, http.MethodPost, "/api/v1/devices/"+device.ID+"/connections",
		map[string]any{"protocol": "wireguard", "mode": "chain", "variant": "B5"},
		http.StatusBadRequest)
	if code != "INVALID_ARGUMENT" {
		t.Errorf("invalid triple code = %s", code)
	}

	code = f.errorCode(t, http.MethodPost, "/api/v1/devices/"+device.ID+"/connections",
		map[string]any{
			"protocol":  "vless_reality",
			"mode":      "direct",
			"variant":   "B1",
			"overrides": map[string]any{"server_port": 8443},
		}, http.StatusBadRequest)
	if code != "INVALID_ARGUMENT" {
		t.Errorf("forbidden override code = %s", code)
	}

	f.createConnection(t, device.ID, "vless_reality", "direct", "B1")
}

func TestRevisionLifecycleOverAPI(t *testing.T) {
	f := newAPIFixture(t)
	f.addNode(t, "t1", model.NodeRoleTransit, "t1.example.net")
	f.addSNI(t, "splitter.wb.ru")
	f.ensureUser(t, 1)
	device := f.createDevice(t, 1, "phone")
	conn := f.createConnection(t, device.ID, "vless_reality", "direct", "B1")

	var rev model.ConnectionRevision
	f.do(t, http.MethodPost, "/api/v1/connections/"+conn.ID+"/revisions", nil, http.StatusCreated, &rev)
	if rev.Slot != 0 || rev.Status != model.StatusActive {
		t.Errorf("revision = slot %d status %s", rev.Slot, rev.Status)
	}

	var export ExportResponse
	f.do(t, http.MethodGet, "/api/v1/revisions/"+rev.ID+"/export", nil, http.StatusOK, &export)
	if !strings.HasPrefix(export.ShareLink, "vless://"+conn.ID+"@t1.example.net:443?") {
		t.Errorf("share link = %q", export.ShareLink)
	}
	if !strings.Contains(export.ShareLink, "security=reality") ||
		!strings.Contains(export.ShareLink, "sni=splitter.wb.ru") ||
		!strings.Contains(export.ShareLink, "pbk=rpk-t1") {
		t.Errorf("share link missing reality params: %q", export.ShareLink)
	}

	var events ListResponse[model.OutboxEvent]
	f.do(t, http.MethodGet, "/api/v1/outbox/events?status=PENDING", nil, http.StatusOK, &events)
	if events.Total != 1 || events.Items[0].EventType != string(model.EventUpsertUser) {
		t.Fatalf("pending events = %+v", events)
	}

	var deliveries ListResponse[model.OutboxDelivery]
	f.do(t, http.MethodGet, "/api/v1/outbox/events/"+events.Items[0].ID+"/deliveries", nil, http.StatusOK, &deliveries)
	if deliveries.Total != 1 || deliveries.Items[0].NodeID != "t1" {
		t.Errorf("deliveries = %+v", deliveries)
	}

	f.do(t, http.MethodPost, "/api/v1/revisions/"+rev.ID+"/actions/revoke", nil, http.StatusOK, &rev)
	if rev.Status != model.StatusRevoked {
		t.Errorf("revoked status = %s", rev.Status)
	}
}

func TestRevokeConnectionCascades(t *testing.T) {
	f := newAPIFixture(t)
	f.addNode(t, "t1", model.NodeRoleTransit, "t1.example.net")
	f.addSNI(t, "splitter.wb.ru")
	f.ensureUser(t, 1)
	device := f.createDevice(t, 1, "phone")
	conn := f.createConnection(t, device.ID, "vless_reality", "direct", "B1")

	var rev model.ConnectionRevision
	f.do(t, http.MethodPost, "/api/v1/connections/"+conn.ID+"/revisions", nil, http.StatusCreated, &rev)

	f.do(t, http.MethodPost, "/api/v1/connections/"+conn.ID+"/actions/revoke", nil, http.StatusOK, &conn)
	if conn.Status != model.StatusRevoked {
		t.Errorf("connection status = %s", conn.Status)
	}
	f.do(t, http.MethodGet, "/api/v1/revisions/"+rev.ID, nil, http.StatusOK, &rev)
	if rev.Status != model.StatusRevoked {
		t.Errorf("revision status = %s", rev.Status)
	}

	// The revoke emitted a removal event after the initial upsert.
	var events ListResponse[model.OutboxEvent]
	f.do(t, http.MethodGet, "/api/v1/outbox/events", nil, http.StatusOK, &events)
	types := map[string]int{}
	for _, e := range events.Items {
		types[e.EventType]++
	}
	if types[string(model.EventRevokeUser)] != 1 {
		t.Errorf("event types = %v, want one REVOKE_USER", types)
	}
}

func TestGraceGateSurfacesAsError(t *testing.T) {
	f := newAPIFixture(t)
	f.addNode(t, "t1", model.NodeRoleTransit, "t1.example.net")
	f.addSNI(t, "splitter.wb.ru")
	f.ensureUser(t, 1)
	device := f.createDevice(t, 1, "phone")
	conn := f.createConnection(t, device.ID, "vless_reality", "direct", "B1")

	until := time.Now().Add(24 * time.Hour).UnixNano()
	f.do(t, http.MethodPatch, "/api/v1/users/1/entitlement",
		map[string]any{"entitlement": "GRACE", "grace_until_ns": until}, http.StatusOK, nil)

	code := f.errorCode(t, http.MethodPost, "/api/v1/connections/"+conn.ID+"/revisions",
		nil, http.StatusBadRequest)
	if code != "GRACE_REQUIRED" {
		t.Errorf("error code = %s, want GRACE_REQUIRED", code)
	}

	f.do(t, http.MethodPost, "/api/v1/connections/"+conn.ID+"/revisions",
		map[string]any{"force": true}, http.StatusCreated, nil)
}

func TestNotFoundMapping(t *testing.T) {
	f := newAPIFixture(t)

	if code := f.errorCode(t, http.MethodGet, "/api/v1/users/42", nil, http.StatusNotFound); code != "NOT_FOUND" {
		t.Errorf("user code = %s", code)
	}
	if code := f.errorCode(t, http.MethodGet, "/api/v1/revisions/nope", nil, http.StatusNotFound); code != "NOT_FOUND" {
		t.Errorf("revision code = %s", code)
	}
	if code := f.errorCode(t, http.MethodGet, "/api/v1/outbox/events/nope", nil, http.StatusNotFound); code != "NOT_FOUND" {
		t.Errorf("event code = %s", code)
	}
	if code := f.errorCode(t, http.MethodGet, "/api/v1/pools/999/leases", nil, http.StatusNotFound); code != "NOT_FOUND" {
		t.Errorf("pool code = %s", code)
	}
}

func TestEnsurePoolAndLeases(t *testing.T) {
	f := newAPIFixture(t)

	var pool model.IpamPool
	f.do(t, http.MethodPut, "/api/v1/pools", map[string]any{
		"cidr":               "10.80.0.0/24",
		"gateway":            "10.80.0.1",
		"quarantine_seconds": 300,
	}, http.StatusOK, &pool)
	if pool.ID == 0 {
		t.Fatal("pool id not assigned")
	}

	var again model.IpamPool
	f.do(t, http.MethodPut, "/api/v1/pools", map[string]any{
		"cidr":               "10.80.0.0/24",
		"gateway":            "10.80.0.1",
		"quarantine_seconds": 300,
	}, http.StatusOK, &again)
	if again.ID != pool.ID {
		t.Errorf("repeat ensure created pool %d, want %d", again.ID, pool.ID)
	}

	var leases ListResponse[model.IpamLease]
	f.do(t, http.MethodGet, "/api/v1/pools/"+strconv.FormatInt(pool.ID, 10)+"/leases", nil, http.StatusOK, &leases)
	if leases.Total != 0 {
		t.Errorf("fresh pool leases = %d", leases.Total)
	}
}

func TestRejectsUnknownBodyFields(t *testing.T) {
	f := newAPIFixture(t)
	code := f.errorCode(t, http.MethodPost, "/api/v1/users",
		map[string]any{"user_id": 1, "surprise": true}, http.StatusBadRequest)
	if code != "INVALID_ARGUMENT" {
		t.Errorf("error code = %s", code)
	}
}
