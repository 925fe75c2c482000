package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/cern-cta/CTA-sub017/internal/core"
	"github.com/cern-cta/CTA-sub017/internal/objectstore"
	"github.com/cern-cta/CTA-sub017/internal/scheduler"
)

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse(%q) error = %v", raw, err)
	}
	return u
}

func testConfig() Config {
	cfg := LoadConfig()
	cfg.BackendURL = "memory://"
	cfg.CatalogueURL = "memory://"
	cfg.NatsURL = ""
	cfg.AgentName = "it"
	cfg.CleanupTimeout = 0
	cfg.GCSchedule = "@every 1h"
	cfg.CleanupSchedule = "@every 1h"
	cfg.RepackSchedule = "@every 1h"
	return cfg
}

func newIntegrationApp(t *testing.T, cfg Config) (*App, string) {
	t.Helper()
	ctx := context.Background()
	stores, err := OpenStores(ctx, cfg)
	if err != nil {
		t.Fatalf("OpenStores() error = %v", err)
	}
	app, err := NewApp(ctx, cfg, stores, nil)
	if err != nil {
		stores.Close()
		t.Fatalf("NewApp() error = %v", err)
	}
	if err := app.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	ts := httptest.NewServer(app.Router)
	t.Cleanup(func() {
		ts.Close()
		if err := app.Close(context.Background()); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return app, ts.URL
}

func sendJSON(t *testing.T, method, url string, payload any) *http.Response {
	t.Helper()

	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("json marshal error: %v", err)
	}
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request build error: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("HTTP %s error: %v", method, err)
	}
	return resp
}

func getJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s error: %v", url, err)
	}
	return resp.StatusCode, decodeJSONBody(t, resp.Body)
}

func decodeJSONBody(t *testing.T, body io.ReadCloser) map[string]any {
	t.Helper()
	defer body.Close()

	var out map[string]any
	if err := json.NewDecoder(body).Decode(&out); err != nil {
		t.Fatalf("decode body error: %v", err)
	}
	return out
}

func lookupString(m map[string]any, outer, inner string) (string, bool) {
	node, ok := m[outer].(map[string]any)
	if !ok {
		return "", false
	}
	value, ok := node[inner].(string)
	return value, ok
}

func createTape(t *testing.T, baseURL, vid, state string) {
	t.Helper()
	resp := sendJSON(t, http.MethodPost, baseURL+"/v1/tapes", map[string]any{"vid": vid, "state": state})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create tape %s status = %d, want %d", vid, resp.StatusCode, http.StatusCreated)
	}
}

func tapeState(t *testing.T, baseURL, vid string) string {
	t.Helper()
	status, body := getJSON(t, baseURL+"/v1/tapes/"+vid)
	if status != http.StatusOK {
		t.Fatalf("get tape %s status = %d, want %d", vid, status, http.StatusOK)
	}
	state, _ := lookupString(body, "tape", "state")
	return state
}

func waitForState(t *testing.T, baseURL, vid, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if tapeState(t, baseURL, vid) == want {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("tape %s state = %q, want %q", vid, tapeState(t, baseURL, vid), want)
}

func queueRetrieve(t *testing.T, db *scheduler.DB, fileID uint64, vids ...string) {
	t.Helper()
	spec := scheduler.RetrieveSpec{ArchiveFileID: fileID, FileSize: 10, Requester: "it"}
	for i, vid := range vids {
		spec.TapeFiles = append(spec.TapeFiles, objectstore.TapeFile{VID: vid, CopyNb: uint32(i + 1), FSeq: fileID})
	}
	if _, _, err := db.QueueRetrieve(context.Background(), spec); err != nil {
		t.Fatalf("QueueRetrieve() error = %v", err)
	}
}

func TestRouterEndToEnd_TapeBrokenMigratesQueue(t *testing.T) {
	app, tsURL := newIntegrationApp(t, testConfig())
	createTape(t, tsURL, "V00001", "ACTIVE")
	createTape(t, tsURL, "V00002", "DISABLED")
	queueRetrieve(t, app.DB, 1, "V00001", "V00002")
	queueRetrieve(t, app.DB, 2, "V00001")

	resp := sendJSON(t, http.MethodPut, tsURL+"/v1/tapes/V00001/state", map[string]any{
		"state":  "BROKEN",
		"reason": "damaged",
	})
	body := decodeJSONBody(t, resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set state status = %d, want %d: %v", resp.StatusCode, http.StatusOK, body)
	}
	if body["state"] != "BROKEN_PENDING" && body["state"] != "BROKEN" {
		t.Fatalf("state after request = %v, want BROKEN_PENDING or BROKEN", body["state"])
	}

	// The state change kicks a cleanup pass without waiting for the schedule.
	waitForState(t, tsURL, "V00001", "BROKEN")

	status, queues := getJSON(t, tsURL+"/v1/queues")
	if status != http.StatusOK {
		t.Fatalf("list queues status = %d, want %d", status, http.StatusOK)
	}
	var pendingV2, failedV1 float64
	list, _ := queues["queues"].([]any)
	for _, q := range list {
		m := q.(map[string]any)
		switch {
		case m["key"] == "V00002" && m["type"] == objectstore.QueuePendingTransfer.String():
			pendingV2 = m["jobs"].(float64)
		case m["key"] == "V00001" && m["type"] == objectstore.QueueToReportToUser.String():
			failedV1 = m["jobs"].(float64)
		case m["key"] == "V00001" && m["type"] == objectstore.QueuePendingTransfer.String():
			t.Errorf("V00001 pending queue still listed: %v", m)
		}
	}
	if pendingV2 != 1 {
		t.Errorf("V00002 pending jobs = %v, want 1", pendingV2)
	}
	if failedV1 != 1 {
		t.Errorf("V00001 jobs to report = %v, want 1", failedV1)
	}

	status, cleanupInfo := getJSON(t, tsURL+"/v1/queues/cleanup")
	if status != http.StatusOK {
		t.Fatalf("cleanup info status = %d, want %d", status, http.StatusOK)
	}
	for _, q := range cleanupInfo["queues"].([]any) {
		if m := q.(map[string]any); m["do_cleanup"] == true {
			t.Errorf("queue still flagged: %v", m)
		}
	}
}

func TestRouterEndToEnd_RejectedTransition(t *testing.T) {
	_, tsURL := newIntegrationApp(t, testConfig())
	createTape(t, tsURL, "V00001", "ACTIVE")

	resp := sendJSON(t, http.MethodPut, tsURL+"/v1/tapes/V00001/state", map[string]any{"state": "REPACKING_DISABLED"})
	body := decodeJSONBody(t, resp.Body)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	if code, _ := lookupString(body, "error", "code"); code != core.ErrCodeInvalidRequest {
		t.Errorf("error code = %q, want %q", code, core.ErrCodeInvalidRequest)
	}
	if got := tapeState(t, tsURL, "V00001"); got != "ACTIVE" {
		t.Errorf("state = %q, want ACTIVE", got)
	}
}

func TestRouterEndToEnd_AgentsHealthAndMetrics(t *testing.T) {
	app, tsURL := newIntegrationApp(t, testConfig())

	status, health := getJSON(t, tsURL+"/health")
	if status != http.StatusOK || health["status"] != "ok" {
		t.Errorf("health = %d %v, want 200 ok", status, health)
	}

	status, agents := getJSON(t, tsURL+"/v1/agents")
	if status != http.StatusOK {
		t.Fatalf("list agents status = %d, want %d", status, http.StatusOK)
	}
	found := false
	for _, a := range agents["agents"].([]any) {
		if a.(map[string]any)["address"] == app.AgentRef.Address() {
			found = true
		}
	}
	if !found {
		t.Errorf("agent %s not listed in %v", app.AgentRef.Address(), agents)
	}

	resp, err := http.Get(tsURL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), "cta_http_requests_total") {
		t.Error("metrics output should contain cta_http_requests_total")
	}
}

func TestRouterEndToEnd_NATS(t *testing.T) {
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}
	cfg := testConfig()
	cfg.BackendURL = natsURL
	cfg.Namespace = "it" + strings.ReplaceAll(core.NewUUIDv7(), "-", "")[:12]

	stores, err := OpenStores(context.Background(), cfg)
	if err != nil {
		t.Skipf("skipping integration test; NATS unavailable at %s: %v", natsURL, err)
	}
	stores.Close()

	app, tsURL := newIntegrationApp(t, cfg)
	t.Cleanup(func() {
		_ = app.stores.NATS.DeleteNamespace(context.Background(), cfg.Namespace)
	})
	createTape(t, tsURL, "V00001", "ACTIVE")
	createTape(t, tsURL, "V00002", "ACTIVE")
	queueRetrieve(t, app.DB, 1, "V00001", "V00002")

	resp := sendJSON(t, http.MethodPut, tsURL+"/v1/tapes/V00001/state", map[string]any{"state": "EXPORTED"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set state status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	// The event round-trips through NATS and kicks the cleanup pass.
	waitForState(t, tsURL, "V00001", "EXPORTED")
}

func TestRouterEndToEnd_RequiresAPIKey(t *testing.T) {
	cfg := testConfig()
	cfg.APIKey = "it-key"
	_, tsURL := newIntegrationApp(t, cfg)

	status, body := getJSON(t, tsURL+"/v1/tapes/V00001")
	if status != http.StatusUnauthorized {
		t.Fatalf("GET without key status = %d, want %d", status, http.StatusUnauthorized)
	}
	if code, _ := lookupString(body, "error", "code"); code != core.ErrCodeUnauthorized {
		t.Errorf("error code = %q, want %q", code, core.ErrCodeUnauthorized)
	}

	if status, _ := getJSON(t, tsURL+"/health"); status != http.StatusOK {
		t.Errorf("GET /health status = %d, want %d", status, http.StatusOK)
	}

	body2, _ := json.Marshal(map[string]any{"vid": "V00001", "state": "ACTIVE"})
	req, err := http.NewRequest(http.MethodPost, tsURL+"/v1/tapes", bytes.NewReader(body2))
	if err != nil {
		t.Fatalf("request build error: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer it-key")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("POST with key status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
}

func TestRouterEndToEnd_RepacksAndDrives(t *testing.T) {
	_, tsURL := newIntegrationApp(t, testConfig())

	resp := sendJSON(t, http.MethodPost, tsURL+"/v1/repacks", map[string]any{"vid": "V00101", "buffer_url": "file:///buffer"})
	body := decodeJSONBody(t, resp.Body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("queue repack status = %d %v, want %d", resp.StatusCode, body, http.StatusCreated)
	}
	if vid, _ := lookupString(body, "repack", "vid"); vid != "V00101" {
		t.Errorf("queued repack vid = %q, want V00101", vid)
	}

	status, repacks := getJSON(t, tsURL+"/v1/repacks")
	list, _ := repacks["repacks"].([]any)
	if status != http.StatusOK || len(list) != 1 || list[0].(map[string]any)["queue"] != "RepackPending" {
		t.Errorf("repacks = %d %v, want one pending request", status, repacks)
	}

	status, queues := getJSON(t, tsURL+"/v1/queues")
	found := false
	for _, q := range queues["queues"].([]any) {
		if q.(map[string]any)["kind"] == "Repack" {
			found = true
		}
	}
	if status != http.StatusOK || !found {
		t.Errorf("queues = %d %v, want the repack queue listed", status, queues)
	}

	resp = sendJSON(t, http.MethodPut, tsURL+"/v1/drives/drive1", map[string]any{"host": "tpsrv01", "status": "Up"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("report drive status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	status, drives := getJSON(t, tsURL+"/v1/drives")
	list, _ = drives["drives"].([]any)
	if status != http.StatusOK || len(list) != 1 || list[0].(map[string]any)["status"] != "Up" {
		t.Errorf("drives = %d %v, want drive1 Up", status, drives)
	}
}
