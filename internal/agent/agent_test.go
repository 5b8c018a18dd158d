package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tracegate/tracegate/internal/config"
)

const testToken = "tr4__ag3nt-Zw9q-kL2m-8xVd"

type commandLog struct {
	mu   sync.Mutex
	runs [][]string
}

func (c *commandLog) run(_ context.Context, argv []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs = append(c.runs, argv)
	return nil
}

func (c *commandLog) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.runs)
}

func newTestAgent(t *testing.T) (*Agent, *commandLog, string) {
	t.Helper()
	root := t.TempDir()
	cfg := &config.AgentConfig{
		ListenAddress: "127.0.0.1",
		Port:          2291,
		Token:         testToken,
		DataRoot:      root,
		Xray: config.XraySection{
			Enabled: true, FileName: "config.json",
			RealityInboundTag: "vless-reality", WsInboundTag: "vless-ws",
			ReloadCommand: []string{"systemctl", "reload", "xray"},
		},
		Hysteria: config.HysteriaSection{
			Enabled: true, FileName: "config.yaml",
			ReloadCommand: []string{"systemctl", "reload", "hysteria"},
		},
		Wireguard: config.WireguardSection{
			Enabled: true, FileName: "wg0.conf",
			ReloadCommand: []string{"wg", "syncconf", "wg0"},
		},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(cfg, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.Close() })

	cmds := &commandLog{}
	a.runCommand = cmds.run
	return a, cmds, root
}

func writeBaseXray(t *testing.T, root string) {
	t.Helper()
	dir := filepath.Join(root, "base", "xray")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	base := `{
  "inbounds": [
    {"tag": "vless-reality", "protocol": "vless",
     "settings": {"clients": []},
     "streamSettings": {"realitySettings": {"serverNames": ["www.microsoft.com"]}}},
    {"tag": "vless-ws", "protocol": "vless", "settings": {"clients": []}}
  ]
}`
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(base), 0o644); err != nil {
		t.Fatal(err)
	}
}

func writeBaseWireguard(t *testing.T, root string) {
	t.Helper()
	dir := filepath.Join(root, "base", "wireguard")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	base := "[Interface]\nPrivateKey = srv\nAddress = 10.70.0.1/24\nListenPort = 51820\n"
	if err := os.WriteFile(filepath.Join(dir, "wg0.conf"), []byte(base), 0o644); err != nil {
		t.Fatal(err)
	}
}

func postEvent(t *testing.T, srv *httptest.Server, token string, env Envelope) (int, Response) {
	t.Helper()
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/events", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("x-agent-token", token)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, out
}

func upsertEnvelope(eventID, connID string, opTs int64) Envelope {
	payload, _ := json.Marshal(map[string]any{
		"user_id": 7, "connection_id": connID, "revision_id": "rev-" + connID,
		"op_ts": opTs, "protocol": "vless_reality", "variant": "B1",
		"config": map[string]any{"uuid": "uuid-" + connID, "sni": "cdn.example.com"},
	})
	return Envelope{
		EventID:        eventID,
		IdempotencyKey: "UPSERT_USER:" + connID + ":rev",
		EventType:      "UPSERT_USER",
		Payload:        payload,
	}
}

func TestRejectsBadToken(t *testing.T) {
	a, _, _ := newTestAgent(t)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	status, _ := postEvent(t, srv, "wrong", upsertEnvelope("ev-1", "conn-1", 1))
	if status != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", status)
	}
}

func TestDuplicateEventIsNotReprocessed(t *testing.T) {
	a, cmds, root := newTestAgent(t)
	writeBaseXray(t, root)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	env := upsertEnvelope("ev-1", "conn-1", time.Now().UnixNano())
	status, resp := postEvent(t, srv, testToken, env)
	if status != http.StatusOK || !resp.Accepted || resp.Duplicate {
		t.Fatalf("first post: %d %+v", status, resp)
	}

	artifactPath := filepath.Join(root, "users", "7", "connection-conn-1.json")
	stat1, err := os.Stat(artifactPath)
	if err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
	reloads := cmds.count()
	if reloads == 0 {
		t.Fatal("no reload ran after first apply")
	}

	status, resp = postEvent(t, srv, testToken, env)
	if status != http.StatusOK || !resp.Accepted || !resp.Duplicate {
		t.Fatalf("second post: %d %+v", status, resp)
	}
	stat2, err := os.Stat(artifactPath)
	if err != nil {
		t.Fatal(err)
	}
	if !stat2.ModTime().Equal(stat1.ModTime()) {
		t.Error("duplicate rewrote the artifact")
	}
	if cmds.count() != reloads {
		t.Error("duplicate triggered another reload")
	}
}

func TestDuplicateSurvivesRestart(t *testing.T) {
	a, _, _ := newTestAgent(t)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()
	env := upsertEnvelope("ev-1", "conn-1", 1)
	if status, _ := postEvent(t, srv, testToken, env); status != http.StatusOK {
		t.Fatal("first post failed")
	}

	// A fresh agent over the same data root reads the durable ledger.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b, err := New(a.cfg, logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Close() })
	b.runCommand = (&commandLog{}).run
	srv2 := httptest.NewServer(b.Handler())
	defer srv2.Close()

	_, resp := postEvent(t, srv2, testToken, env)
	if !resp.Duplicate {
		t.Error("restarted agent forgot a processed event")
	}
}

func TestRevokeThenOlderUpsertIsIgnored(t *testing.T) {
	a, _, root := newTestAgent(t)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	t1 := time.Now().UnixNano()
	t2 := t1 + 1000

	revokePayload, _ := json.Marshal(map[string]any{
		"user_id": 7, "connection_id": "conn-1", "op_ts": t2,
	})
	status, resp := postEvent(t, srv, testToken, Envelope{
		EventID: "ev-revoke", IdempotencyKey: "REVOKE_CONNECTION:conn-1:rev",
		EventType: "REVOKE_CONNECTION", Payload: revokePayload,
	})
	if status != http.StatusOK || !resp.Accepted {
		t.Fatalf("revoke: %d %+v", status, resp)
	}

	status, resp = postEvent(t, srv, testToken, upsertEnvelope("ev-upsert", "conn-1", t1))
	if status != http.StatusOK || !resp.Accepted {
		t.Fatalf("upsert: %d %+v", status, resp)
	}
	if !strings.Contains(resp.Message, "ignored older upsert") {
		t.Errorf("message = %q, want ignored older upsert", resp.Message)
	}
	if _, err := os.Stat(filepath.Join(root, "users", "7", "connection-conn-1.json")); !os.IsNotExist(err) {
		t.Error("stale artifact written after revoke")
	}
}

func TestNewerUpsertWinsOverOlder(t *testing.T) {
	a, _, root := newTestAgent(t)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	newer := upsertEnvelope("ev-2", "conn-1", 2000)
	older := upsertEnvelope("ev-1", "conn-1", 1000)

	if _, resp := postEvent(t, srv, testToken, newer); resp.Message != "applied" {
		t.Fatalf("newer upsert: %+v", resp)
	}
	_, resp := postEvent(t, srv, testToken, older)
	if !strings.Contains(resp.Message, "ignored older upsert") {
		t.Errorf("older upsert message = %q", resp.Message)
	}

	raw, err := os.ReadFile(filepath.Join(root, "users", "7", "connection-conn-1.json"))
	if err != nil {
		t.Fatal(err)
	}
	var artifact map[string]any
	json.Unmarshal(raw, &artifact)
	if artifact["op_ts"].(float64) != 2000 {
		t.Errorf("artifact op_ts = %v, want 2000", artifact["op_ts"])
	}
}

func TestRevokeUserRemovesEverything(t *testing.T) {
	a, _, root := newTestAgent(t)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	postEvent(t, srv, testToken, upsertEnvelope("ev-1", "conn-1", 1))
	postEvent(t, srv, testToken, upsertEnvelope("ev-2", "conn-2", 1))

	payload, _ := json.Marshal(map[string]any{"user_id": 7, "op_ts": int64(2)})
	status, resp := postEvent(t, srv, testToken, Envelope{
		EventID: "ev-3", EventType: "REVOKE_USER", Payload: payload,
	})
	if status != http.StatusOK {
		t.Fatalf("revoke user: %d %+v", status, resp)
	}
	if !strings.Contains(resp.Message, "2 connections") {
		t.Errorf("message = %q", resp.Message)
	}
	if _, err := os.Stat(filepath.Join(root, "users", "7")); !os.IsNotExist(err) {
		t.Error("user dir survived revoke")
	}
	if users := a.index.Users(); len(users) != 0 {
		t.Errorf("index users = %+v", users)
	}
}

func TestWgPeerLifecycle(t *testing.T) {
	a, cmds, root := newTestAgent(t)
	writeBaseWireguard(t, root)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	payload, _ := json.Marshal(map[string]any{
		"device_id": "dev-1", "connection_id": "conn-1", "revision_id": "rev-1",
		"peer_public_key": "pk-1", "peer_ip": "10.70.0.2", "preshared_key": "psk-1",
		"op_ts": int64(1),
	})
	status, resp := postEvent(t, srv, testToken, Envelope{
		EventID: "ev-1", EventType: "WG_PEER_UPSERT", Payload: payload,
	})
	if status != http.StatusOK || resp.Message != "applied" {
		t.Fatalf("upsert: %d %+v", status, resp)
	}

	// device_id wins as the peer key.
	if _, err := os.Stat(filepath.Join(root, "wg-peers", "peer-dev-1.json")); err != nil {
		t.Fatalf("peer artifact: %v", err)
	}
	conf, err := os.ReadFile(filepath.Join(root, "runtime", "wireguard", "wg0.conf"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(conf), "PublicKey = pk-1") {
		t.Errorf("runtime conf missing peer:\n%s", conf)
	}
	if cmds.count() != 1 {
		t.Errorf("reloads = %d, want 1", cmds.count())
	}

	removePayload, _ := json.Marshal(map[string]any{"device_id": "dev-1", "op_ts": int64(2)})
	status, resp = postEvent(t, srv, testToken, Envelope{
		EventID: "ev-2", EventType: "WG_PEER_REMOVE", Payload: removePayload,
	})
	if status != http.StatusOK || resp.Message != "removed" {
		t.Fatalf("remove: %d %+v", status, resp)
	}
	if _, err := os.Stat(filepath.Join(root, "wg-peers", "peer-dev-1.json")); !os.IsNotExist(err) {
		t.Error("peer artifact survived remove")
	}
	conf, _ = os.ReadFile(filepath.Join(root, "runtime", "wireguard", "wg0.conf"))
	if strings.Contains(string(conf), "pk-1") {
		t.Error("runtime conf still lists removed peer")
	}
}

func TestApplyBundleWritesFilesAndRunsCommands(t *testing.T) {
	a, cmds, root := newTestAgent(t)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	payload, _ := json.Marshal(map[string]any{
		"bundle_name": "xray-base",
		"files": map[string]string{
			"config.json":     `{"log": {}}`,
			"certs/fullchain": "PEM",
		},
		"commands": [][]string{{"systemctl", "restart", "xray"}},
	})
	status, resp := postEvent(t, srv, testToken, Envelope{
		EventID: "ev-1", EventType: "APPLY_BUNDLE", Payload: payload,
	})
	if status != http.StatusOK {
		t.Fatalf("bundle: %d %+v", status, resp)
	}
	for _, rel := range []string{"config.json", "certs/fullchain"} {
		if _, err := os.Stat(filepath.Join(root, "bundles", "xray-base", rel)); err != nil {
			t.Errorf("bundle file %s: %v", rel, err)
		}
	}
	if cmds.count() != 1 {
		t.Errorf("commands run = %d, want 1", cmds.count())
	}
}

func TestApplyBundleRejectsPathEscape(t *testing.T) {
	a, _, root := newTestAgent(t)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	payload, _ := json.Marshal(map[string]any{
		"bundle_name": "evil",
		"files":       map[string]string{"../../etc/passwd": "x"},
	})
	status, resp := postEvent(t, srv, testToken, Envelope{
		EventID: "ev-1", EventType: "APPLY_BUNDLE", Payload: payload,
	})
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (%+v)", status, resp)
	}
	if _, err := os.Stat(filepath.Join(root, "bundles", "evil")); !os.IsNotExist(err) {
		t.Error("bundle dir created for rejected payload")
	}
	// Rejected events are not recorded, so a retry can succeed later.
	status, _ = postEvent(t, srv, testToken, Envelope{
		EventID: "ev-1", EventType: "APPLY_BUNDLE", Payload: payload,
	})
	if status != http.StatusBadRequest {
		t.Errorf("retry status = %d, want 400 again", status)
	}
}

func TestUnknownEventTypeRejected(t *testing.T) {
	a, _, _ := newTestAgent(t)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	status, _ := postEvent(t, srv, testToken, Envelope{
		EventID: "ev-1", EventType: "DROP_TABLES", Payload: json.RawMessage(`{}`),
	})
	if status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", status)
	}
}

func TestSameKeyNewEventIDProcessedFresh(t *testing.T) {
	a, _, root := newTestAgent(t)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	// Two events sharing an idempotency key but not an id: the ledger is
	// keyed by event id, so the second one applies its (newer) payload.
	first := upsertEnvelope("ev-1", "conn-1", 100)
	second := upsertEnvelope("ev-2", "conn-1", 200)

	if _, resp := postEvent(t, srv, testToken, first); resp.Duplicate {
		t.Fatal("first event marked duplicate")
	}
	_, resp := postEvent(t, srv, testToken, second)
	if !resp.Accepted || resp.Duplicate {
		t.Fatalf("second event: %+v", resp)
	}

	raw, err := os.ReadFile(filepath.Join(root, "users", "7", "connection-conn-1.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), `"op_ts": 200`) && !strings.Contains(string(raw), `"op_ts":200`) {
		t.Errorf("artifact does not carry the newer payload: %s", raw)
	}
}
