package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/statekeeper/internal/bus"
	"github.com/basket/statekeeper/internal/catalog"
	"github.com/basket/statekeeper/internal/guard"
	"github.com/basket/statekeeper/internal/history"
	"github.com/basket/statekeeper/internal/ledger"
	"github.com/basket/statekeeper/internal/lifecycle"
	"github.com/basket/statekeeper/internal/persistence"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "statekeeper.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cat, table, err := catalog.LoadSeed(catalog.DefaultSeed)
	if err != nil {
		t.Fatalf("load seed: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New()
	g := guard.New(store, logger, 30*time.Minute, 5*time.Minute, guard.WithBus(b))
	rec := history.NewRecorder(store, logger, nil)
	machine := lifecycle.New(store, rec, g, cat, table, logger, lifecycle.WithBus(b))
	led := ledger.New(store, logger, ledger.WithBus(b))

	srv := NewServer(Config{
		Machine:           machine,
		Guard:             g,
		Ledger:            led,
		Logger:            logger,
		ConfigFingerprint: "cfg-test",
		Version:           "test",
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url, actor string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if actor != "" {
		req.Header.Set("X-Actor", actor)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("decode response %q: %v", raw, err)
		}
	}
	return resp, decoded
}

func createEntity(t *testing.T, ts *httptest.Server, id, category, status string) {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/entities", "tester", map[string]string{
		"id": id, "category": category, "status": status,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create = %d (%v)", resp.StatusCode, body)
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "ok" || body["config_fingerprint"] != "cfg-test" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestEntityLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	createEntity(t, ts, "task-1", "task", "task_pending")

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/entities/task-1/transition", "worker-a", map[string]string{
		"to": "task_processing", "reason": "picked up",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("transition = %d (%v)", resp.StatusCode, body)
	}
	if body["current_status"] != "task_processing" || body["previous_status"] != "task_pending" {
		t.Fatalf("unexpected entity: %v", body)
	}

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/v1/entities/task-1/history", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history = %d", resp.StatusCode)
	}
	if body["count"].(float64) != 1 {
		t.Fatalf("history count = %v, want 1", body["count"])
	}

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/v1/entities/task-1", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get = %d", resp.StatusCode)
	}
	if body["current_status"] != "task_processing" {
		t.Fatalf("unexpected get body: %v", body)
	}
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)

	createEntity(t, ts, "task-1", "task", "task_pending")

	// Unknown entity: 404.
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/entities/ghost/transition", "w", map[string]string{"to": "task_processing"})
	if resp.StatusCode != http.StatusNotFound || body["code"] != "entity_not_found" {
		t.Fatalf("unknown entity = %d %v", resp.StatusCode, body)
	}

	// Rule violation: 409 with details.
	resp, body = doJSON(t, http.MethodPost, ts.URL+"/v1/entities/task-1/transition", "w", map[string]string{"to": "task_completed"})
	if resp.StatusCode != http.StatusConflict || body["code"] != "invalid_transition" {
		t.Fatalf("invalid transition = %d %v", resp.StatusCode, body)
	}

	// Unknown status: 422.
	resp, body = doJSON(t, http.MethodPost, ts.URL+"/v1/entities/task-1/transition", "w", map[string]string{"to": "task_teleported"})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("unknown status = %d %v", resp.StatusCode, body)
	}

	// Creation at a non-initial status: 422.
	resp, body = doJSON(t, http.MethodPost, ts.URL+"/v1/entities", "w", map[string]string{"category": "task", "status": "task_completed"})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("non-initial create = %d %v", resp.StatusCode, body)
	}

	// Missing actor on a mutating call: 400.
	resp, body = doJSON(t, http.MethodPost, ts.URL+"/v1/entities/task-1/transition", "", map[string]string{"to": "task_processing"})
	if resp.StatusCode != http.StatusBadRequest || body["code"] != "missing_actor" {
		t.Fatalf("missing actor = %d %v", resp.StatusCode, body)
	}

	// Deleted entity: 410.
	if resp, _ := doJSON(t, http.MethodDelete, ts.URL+"/v1/entities/task-1", "admin", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete = %d", resp.StatusCode)
	}
	resp, body = doJSON(t, http.MethodPost, ts.URL+"/v1/entities/task-1/transition", "w", map[string]string{"to": "task_processing"})
	if resp.StatusCode != http.StatusGone || body["code"] != "entity_deleted" {
		t.Fatalf("deleted entity = %d %v", resp.StatusCode, body)
	}
}

func TestLockEndpoints(t *testing.T) {
	ts := newTestServer(t)

	createEntity(t, ts, "task-1", "task", "task_pending")

	if resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/entities/task-1/lock", "worker-a", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("acquire = %d %v", resp.StatusCode, body)
	}

	// Another actor is locked out, both on the lock and on transitions.
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/entities/task-1/lock", "worker-b", nil)
	if resp.StatusCode != http.StatusLocked || body["code"] != "entity_locked" {
		t.Fatalf("contended acquire = %d %v", resp.StatusCode, body)
	}
	resp, body = doJSON(t, http.MethodPost, ts.URL+"/v1/entities/task-1/transition", "worker-b", map[string]string{"to": "task_processing"})
	if resp.StatusCode != http.StatusLocked {
		t.Fatalf("locked transition = %d %v", resp.StatusCode, body)
	}

	// Foreign release: 423. Owner release: 204.
	if resp, _ := doJSON(t, http.MethodDelete, ts.URL+"/v1/entities/task-1/lock", "worker-b", nil); resp.StatusCode != http.StatusLocked {
		t.Fatalf("foreign release = %d", resp.StatusCode)
	}
	if resp, _ := doJSON(t, http.MethodDelete, ts.URL+"/v1/entities/task-1/lock", "worker-a", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("release = %d", resp.StatusCode)
	}

	// Lock state shows up on entity reads.
	if resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/entities/task-1/lock", "worker-b", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("re-acquire = %d", resp.StatusCode)
	}
	_, body = doJSON(t, http.MethodGet, ts.URL+"/v1/entities/task-1", "", nil)
	lock, ok := body["lock"].(map[string]any)
	if !ok || lock["locked"] != true || lock["locked_by"] != "worker-b" {
		t.Fatalf("unexpected lock state: %v", body)
	}
}

func TestCostEndpoints(t *testing.T) {
	ts := newTestServer(t)

	createEntity(t, ts, "run-1", "run", "run_queued")

	// Without cost_usd the rate-table estimate fills in.
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/runs/run-1/costs", "worker-a", map[string]any{
		"provider_id":   "anthropic",
		"model_id":      "claude-sonnet-4-5",
		"input_tokens":  10000,
		"output_tokens": 2000,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("record cost = %d %v", resp.StatusCode, body)
	}
	if body["cost_usd"] != "0.06" {
		t.Fatalf("cost = %v, want 0.06", body["cost_usd"])
	}

	// Negative tokens: 422.
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/runs/run-1/costs", "worker-a", map[string]any{
		"provider_id": "anthropic", "model_id": "claude-sonnet-4-5", "input_tokens": -1,
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("negative tokens = %d", resp.StatusCode)
	}

	// Negative cost: 422.
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/runs/run-1/costs", "worker-a", map[string]any{
		"provider_id": "anthropic", "model_id": "claude-sonnet-4-5", "input_tokens": 1, "cost_usd": "-0.01",
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("negative cost = %d", resp.StatusCode)
	}

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/v1/runs/run-1/cost", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("run cost = %d", resp.StatusCode)
	}
	if body["total_cost_usd"] != "0.06" || body["total_tokens"].(float64) != 12000 {
		t.Fatalf("unexpected totals: %v", body)
	}

	// Unknown run: 404.
	if resp, _ := doJSON(t, http.MethodGet, ts.URL+"/v1/runs/ghost/cost", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown run = %d", resp.StatusCode)
	}

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/v1/costs/monthly?month=not-a-month", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad month = %d %v", resp.StatusCode, body)
	}

	// The monthly summary sees entries as soon as they are recorded.
	month := time.Now().UTC().Format("2006-01")
	resp, body = doJSON(t, http.MethodGet, ts.URL+"/v1/costs/monthly?month="+month, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("monthly = %d %v", resp.StatusCode, body)
	}
	if providers, ok := body["providers"].([]any); !ok || len(providers) == 0 {
		t.Fatalf("monthly summary empty: %v", body)
	}
}

func TestCallerSuppliedCostOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	createEntity(t, ts, "run-1", "run", "run_queued")

	// The calling layer's figure wins even for a model the rate table has
	// never heard of.
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/runs/run-1/costs", "worker-a", map[string]any{
		"provider_id":   "anthropic",
		"model_id":      "claude-x",
		"input_tokens":  100,
		"output_tokens": 50,
		"cost_usd":      "0.002",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("record cost = %d %v", resp.StatusCode, body)
	}
	if body["cost_usd"] != "0.002" {
		t.Fatalf("cost = %v, want 0.002", body["cost_usd"])
	}

	_, body = doJSON(t, http.MethodGet, ts.URL+"/v1/runs/run-1/cost", "", nil)
	if body["total_cost_usd"] != "0.002" || body["total_tokens"].(float64) != 150 {
		t.Fatalf("unexpected totals: %v", body)
	}
}

func TestCooldownEndpoint(t *testing.T) {
	ts := newTestServer(t)

	createEntity(t, ts, "task-1", "task", "task_pending")
	for _, to := range []string{"task_processing", "task_failed"} {
		if resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/entities/task-1/transition", "worker-a", map[string]string{"to": to}); resp.StatusCode != http.StatusOK {
			t.Fatalf("to %s = %d %v", to, resp.StatusCode, body)
		}
	}

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/entities/task-1/cooldown", "worker-a", map[string]string{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cooldown = %d %v", resp.StatusCode, body)
	}
	if body["until"] == "" {
		t.Fatalf("no deadline in response: %v", body)
	}

	// Re-activation into the initial status is now blocked.
	resp, body = doJSON(t, http.MethodPost, ts.URL+"/v1/entities/task-1/transition", "worker-a", map[string]string{"to": "task_pending"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("re-activation = %d %v", resp.StatusCode, body)
	}
	if body["code"] != "cooldown_active" {
		t.Fatalf("code = %v, want cooldown_active", body["code"])
	}

	// Bad and past deadlines are rejected.
	if resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/entities/task-1/cooldown", "worker-a", map[string]string{"until": "tomorrow"}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad until = %d", resp.StatusCode)
	}
	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	if resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/entities/task-1/cooldown", "worker-a", map[string]string{"until": past}); resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("past until = %d", resp.StatusCode)
	}

	// Unknown entity: 404.
	if resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/entities/ghost/cooldown", "worker-a", map[string]string{}); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown entity = %d", resp.StatusCode)
	}
}

func TestRulesAndStatuses(t *testing.T) {
	ts := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/v1/rules", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rules = %d", resp.StatusCode)
	}
	if rules, ok := body["rules"].([]any); !ok || len(rules) == 0 {
		t.Fatalf("no rules returned: %v", body)
	}

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/v1/statuses/task", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("statuses = %d", resp.StatusCode)
	}
	statuses, ok := body["statuses"].([]any)
	if !ok || len(statuses) != 5 {
		t.Fatalf("task statuses = %v", body)
	}

	if resp, _ := doJSON(t, http.MethodGet, ts.URL+"/v1/statuses/bogus", "", nil); resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("bogus category = %d", resp.StatusCode)
	}
}

func TestNoopSelfTransitionOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	createEntity(t, ts, "task-1", "task", "task_pending")

	// Same-status request succeeds and leaves history empty.
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/entities/task-1/transition", "w", map[string]string{"to": "task_pending"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("self-transition = %d %v", resp.StatusCode, body)
	}
	_, body = doJSON(t, http.MethodGet, ts.URL+"/v1/entities/task-1/history", "", nil)
	if body["count"].(float64) != 0 {
		t.Fatalf("history count = %v, want 0", body["count"])
	}
}
