package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/skylift/skylift/pkg/config"
	"github.com/skylift/skylift/pkg/deployment"
	"github.com/skylift/skylift/pkg/events"
	"github.com/skylift/skylift/pkg/pipeline"
	"github.com/skylift/skylift/pkg/stores"
	"github.com/skylift/skylift/pkg/telemetry"
	"github.com/skylift/skylift/pkg/terraform"
)

// stubRunner emits the terraform lifecycle events without running
// anything.
type stubRunner struct {
	store   *events.Store
	id      string
	outputs map[string]string
}

func (s *stubRunner) WriteVars(vars map[string]any) error { return nil }

func (s *stubRunner) Init(ctx context.Context) error {
	return s.store.Emit(s.id, events.TypeTFInit, nil)
}

func (s *stubRunner) Plan(ctx context.Context) (*terraform.PlanSummary, error) {
	if err := s.store.Emit(s.id, events.TypeTFPlan, map[string]any{"adds": 1}); err != nil {
		return nil, err
	}
	return &terraform.PlanSummary{Adds: 1}, nil
}

func (s *stubRunner) Apply(ctx context.Context) error {
	if err := s.store.Emit(s.id, events.TypeTFApplyStart, nil); err != nil {
		return err
	}
	return s.store.Emit(s.id, events.TypeTFApplyDone, nil)
}

func (s *stubRunner) Destroy(ctx context.Context) error { return nil }

func (s *stubRunner) Outputs(ctx context.Context) (map[string]string, error) {
	return s.outputs, nil
}

type testEnv struct {
	server *httptest.Server
	ws     *deployment.Workspace
	events *events.Store
	store  *stores.SQLiteStore
	app    *httptest.Server
}

func setupServer(t *testing.T) *testEnv {
	t.Helper()

	app := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	t.Cleanup(app.Close)

	dir := t.TempDir()
	cfg := config.Default()
	cfg.Home = dir
	cfg.API.HeartbeatInterval = 50 * time.Millisecond
	cfg.Observe.AttachDelay = 0

	ws, err := deployment.NewWorkspace(dir)
	if err != nil {
		t.Fatalf("failed to create workspace: %v", err)
	}
	eventStore := events.NewStore(dir)

	store, err := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(dir, "skylift.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("failed to init store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	log := telemetry.NewComponentLogger("test")
	orch := pipeline.NewOrchestrator(cfg, ws, eventStore, store, nil, log, nil, nil)
	orch.SetVerifier(pipeline.NewVerifier(eventStore, log, pipeline.VerifyOptions{
		MaxAttempts:    3,
		RetryDelay:     time.Millisecond,
		RequestTimeout: time.Second,
	}))
	orch.SetRunnerFactory(func(deploymentID, workDir string) pipeline.TerraformRunner {
		return &stubRunner{
			store:   eventStore,
			id:      deploymentID,
			outputs: map[string]string{"public_url": app.URL},
		}
	})

	srv := NewServer(cfg, orch, ws, eventStore, store, log, nil)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	return &testEnv{server: ts, ws: ws, events: eventStore, store: store, app: app}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", strings.NewReader(string(payload)))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return v
}

func TestHealthz(t *testing.T) {
	env := setupServer(t)
	resp, err := http.Get(env.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decode[map[string]string](t, resp)
	if body["status"] != "ok" {
		t.Errorf("unexpected body %v", body)
	}
}

func TestCreateDeploymentAndStatus(t *testing.T) {
	env := setupServer(t)

	resp := postJSON(t, env.server.URL+"/v1/deployments", map[string]any{
		"repo": "https://github.com/acme/app.git",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	created := decode[map[string]string](t, resp)
	id := created["id"]
	if !deployment.ValidID(id) {
		t.Fatalf("expected valid deployment id, got %q", id)
	}

	// The deployment runs in the background; poll until it settles.
	deadline := time.Now().Add(10 * time.Second)
	var status string
	for time.Now().Before(deadline) {
		resp, err := http.Get(env.server.URL + "/v1/deployments/" + id + "/status")
		if err != nil {
			t.Fatalf("status request failed: %v", err)
		}
		if resp.StatusCode == http.StatusOK {
			body := decode[struct {
				Status events.StatusInfo `json:"status"`
			}](t, resp)
			status = string(body.Status.Status)
			if events.Status(status).IsTerminal() {
				break
			}
		} else {
			resp.Body.Close()
		}
		time.Sleep(20 * time.Millisecond)
	}
	if status != string(events.StatusHealthy) {
		t.Fatalf("expected healthy deployment, got %q", status)
	}

	listResp, err := http.Get(env.server.URL + "/v1/deployments")
	if err != nil {
		t.Fatalf("list request failed: %v", err)
	}
	list := decode[struct {
		Deployments []*stores.Deployment `json:"deployments"`
	}](t, listResp)
	if len(list.Deployments) != 1 || list.Deployments[0].ID != id {
		t.Errorf("expected listing with %s, got %+v", id, list.Deployments)
	}
}

func TestCreateDeploymentValidation(t *testing.T) {
	env := setupServer(t)

	resp := postJSON(t, env.server.URL+"/v1/deployments", map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for missing repo, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, env.server.URL+"/v1/deployments", map[string]any{
		"repo": "https://github.com/acme/app.git",
		"id":   "not a valid id",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for bad id, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestStatusNotFound(t *testing.T) {
	env := setupServer(t)
	resp, err := http.Get(env.server.URL + "/v1/deployments/d-20260829-120000-zzzz/status")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func seedDeployment(t *testing.T, env *testEnv, id string) {
	t.Helper()
	if err := env.ws.Create(deployment.Meta{ID: id, Repo: "r", Region: "us-west-2", CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("failed to seed workspace: %v", err)
	}
	now := time.Now().UTC()
	if err := env.store.CreateDeployment(context.Background(), &stores.Deployment{
		ID: id, Repo: "r", Region: "us-west-2", Status: "healthy", CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("failed to seed registry: %v", err)
	}
}

func TestEventsReplay(t *testing.T) {
	env := setupServer(t)
	id := deployment.NewID()
	seedDeployment(t, env, id)
	for _, typ := range []events.Type{events.TypeInit, events.TypeTFInit, events.TypeDone} {
		if err := env.events.Emit(id, typ, map[string]any{"message": string(typ)}); err != nil {
			t.Fatalf("failed to seed events: %v", err)
		}
	}

	resp, err := http.Get(env.server.URL + "/v1/deployments/" + id + "/events?follow=false")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected event-stream content type, got %q", ct)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	body := string(raw)
	if strings.Count(body, "data: ") != 3 {
		t.Errorf("expected 3 event frames, got:\n%s", body)
	}
	for _, want := range []string{`"INIT"`, `"TF_INIT"`, `"DONE"`} {
		if !strings.Contains(body, want) {
			t.Errorf("expected frame containing %s", want)
		}
	}
}

func TestTTLEndpoints(t *testing.T) {
	env := setupServer(t)
	id := deployment.NewID()
	seedDeployment(t, env, id)

	resp := postJSON(t, env.server.URL+"/v1/ttl", map[string]any{
		"deployment_id": id,
		"ttl_hours":     2,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	listResp, err := http.Get(env.server.URL + "/v1/ttl")
	if err != nil {
		t.Fatalf("list request failed: %v", err)
	}
	list := decode[map[string]json.RawMessage](t, listResp)
	if !strings.Contains(string(list["ttls"]), id) {
		t.Errorf("expected TTL listing to contain %s", id)
	}

	req, _ := http.NewRequest(http.MethodDelete, env.server.URL+"/v1/ttl/"+id, nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("cancel request failed: %v", err)
	}
	defer delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", delResp.StatusCode)
	}

	entry, err := env.store.GetTTL(context.Background(), id)
	if err != nil {
		t.Fatalf("expected TTL entry: %v", err)
	}
	if !entry.Cancelled {
		t.Error("expected TTL to be cancelled")
	}
}

func TestScheduleTTLUnknownDeployment(t *testing.T) {
	env := setupServer(t)
	resp := postJSON(t, env.server.URL+"/v1/ttl", map[string]any{
		"deployment_id": "d-20260829-120000-zzzz",
		"ttl_hours":     2,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}
