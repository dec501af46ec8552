package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/skylift/skylift/pkg/cloud"
	"github.com/skylift/skylift/pkg/config"
	"github.com/skylift/skylift/pkg/deployment"
	"github.com/skylift/skylift/pkg/events"
	"github.com/skylift/skylift/pkg/obs"
	"github.com/skylift/skylift/pkg/stores"
	"github.com/skylift/skylift/pkg/telemetry"
	"github.com/skylift/skylift/pkg/terraform"
)

// fakeRunner stands in for the terraform runner. It appends the same
// lifecycle events the real runner would so status derivation behaves
// identically.
type fakeRunner struct {
	store *events.Store
	id    string

	mu            sync.Mutex
	vars          map[string]any
	outputs       map[string]string
	failApply     bool
	failDestroy   bool
	destroyCalled bool
}

func (f *fakeRunner) WriteVars(vars map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vars = vars
	return nil
}

func (f *fakeRunner) Init(ctx context.Context) error {
	return f.store.Emit(f.id, events.TypeTFInit, map[string]any{"message": "Terraform initialized"})
}

func (f *fakeRunner) Plan(ctx context.Context) (*terraform.PlanSummary, error) {
	if err := f.store.Emit(f.id, events.TypeTFPlan, map[string]any{"adds": 3}); err != nil {
		return nil, err
	}
	return &terraform.PlanSummary{Adds: 3}, nil
}

func (f *fakeRunner) Apply(ctx context.Context) error {
	if f.failApply {
		_ = f.store.Emit(f.id, events.TypeError, map[string]any{
			"stage":   "terraform apply",
			"message": "terraform apply failed",
			"hint":    "check terraform.log for details",
		})
		return errors.New("exit status 1")
	}
	if err := f.store.Emit(f.id, events.TypeTFApplyStart, nil); err != nil {
		return err
	}
	return f.store.Emit(f.id, events.TypeTFApplyDone, nil)
}

func (f *fakeRunner) Destroy(ctx context.Context) error {
	f.mu.Lock()
	f.destroyCalled = true
	f.mu.Unlock()
	if f.failDestroy {
		return errors.New("exit status 1")
	}
	return nil
}

func (f *fakeRunner) Outputs(ctx context.Context) (map[string]string, error) {
	return f.outputs, nil
}

// fakeObs records stream manager calls.
type fakeObs struct {
	mu       sync.Mutex
	attached []string
	started  []string
	ready    []string
	stopped  bool
}

func (f *fakeObs) AddStream(streamID string, source obs.Source, group, stream string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = append(f.attached, streamID)
	return nil
}

func (f *fakeObs) StartStreaming(streamID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, streamID)
	return nil
}

func (f *fakeObs) EmitLogsReady(streamID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = append(f.ready, streamID)
	return nil
}

func (f *fakeObs) StopAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeObs) startedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

type orchestratorEnv struct {
	orch   *Orchestrator
	runner *fakeRunner
	obs    *fakeObs
	events *events.Store
	ws     *deployment.Workspace
	store  *stores.SQLiteStore
	cfg    *config.Config
}

func setupOrchestrator(t *testing.T, clients *cloud.Clients) *orchestratorEnv {
	t.Helper()

	dir := t.TempDir()
	cfg := config.Default()
	cfg.Home = dir
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
	orch := NewOrchestrator(cfg, ws, eventStore, store, clients, log, nil, nil)
	orch.SetVerifier(NewVerifier(eventStore, log, VerifyOptions{
		MaxAttempts:    3,
		RetryDelay:     time.Millisecond,
		RequestTimeout: time.Second,
	}))

	runner := &fakeRunner{store: eventStore}
	orch.SetRunnerFactory(func(deploymentID, workDir string) TerraformRunner {
		runner.id = deploymentID
		return runner
	})

	fo := &fakeObs{}
	orch.SetObsFactory(func(deploymentID, region string, sink obs.EventSink) ObsManager {
		return fo
	})

	return &orchestratorEnv{
		orch:   orch,
		runner: runner,
		obs:    fo,
		events: eventStore,
		ws:     ws,
		store:  store,
		cfg:    cfg,
	}
}

func eventTypes(t *testing.T, env *orchestratorEnv, id string) []events.Type {
	t.Helper()
	records, err := env.events.Read(id)
	if err != nil {
		t.Fatalf("failed to read events: %v", err)
	}
	types := make([]events.Type, len(records))
	for i, rec := range records {
		types[i] = rec.Type
	}
	return types
}

func hasEvent(types []events.Type, want events.Type) bool {
	for _, tp := range types {
		if tp == want {
			return true
		}
	}
	return false
}

func TestDeployHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	env := setupOrchestrator(t, nil)
	env.runner.outputs = map[string]string{
		"public_url":  srv.URL,
		"instance_id": "i-0abc123def456",
	}

	result, err := env.orch.Deploy(context.Background(), DeployRequest{
		Repo:         "https://github.com/acme/app.git",
		Instructions: "deploy this flask app",
		TTLHours:     2,
	})
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	if result.PublicURL != srv.URL {
		t.Errorf("expected public URL %s, got %s", srv.URL, result.PublicURL)
	}

	types := eventTypes(t, env, result.ID)
	for _, want := range []events.Type{
		events.TypeInit, events.TypeTagsApplied, events.TypeNLPOverrides,
		events.TypeAnalyzeDone, events.TypeInfraDecision, events.TypeRecipeSelected,
		events.TypeTFInit, events.TypeCostHint, events.TypeBootstrapWait,
		events.TypeVerifyOK, events.TypeTTLScheduled, events.TypeDone,
	} {
		if !hasEvent(types, want) {
			t.Errorf("expected %s event, log has %v", want, types)
		}
	}

	records, _ := env.events.Read(result.ID)
	outputs, _ := env.ws.ReadOutputs(result.ID)
	info := events.DeriveStatus(records, outputs)
	if info.Status != events.StatusHealthy {
		t.Errorf("expected derived status healthy, got %s", info.Status)
	}
	if info.PublicURL != srv.URL {
		t.Errorf("expected derived public URL %s, got %s", srv.URL, info.PublicURL)
	}

	row, err := env.store.GetDeployment(context.Background(), result.ID)
	if err != nil {
		t.Fatalf("failed to read registry row: %v", err)
	}
	if row.Status != "healthy" {
		t.Errorf("expected registry status healthy, got %s", row.Status)
	}
	if row.PublicURL == nil || *row.PublicURL != srv.URL {
		t.Errorf("expected registry public URL %s, got %v", srv.URL, row.PublicURL)
	}

	entry, err := env.store.GetTTL(context.Background(), result.ID)
	if err != nil {
		t.Fatalf("expected TTL entry: %v", err)
	}
	if entry.TTLHours != 2 {
		t.Errorf("expected 2h TTL, got %d", entry.TTLHours)
	}

	if env.runner.vars["deployment_id"] != result.ID {
		t.Errorf("expected deployment_id var, got %v", env.runner.vars["deployment_id"])
	}
	if ud, _ := env.runner.vars["user_data"].(string); ud == "" {
		t.Error("expected user_data var from the recipe")
	}

	// Streaming starts on a goroutine after the attach delay.
	deadline := time.Now().Add(2 * time.Second)
	for env.obs.startedCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := env.obs.startedCount(); got != 2 {
		t.Errorf("expected 2 streams started, got %d", got)
	}
	if len(env.obs.attached) != 2 {
		t.Errorf("expected 2 streams attached, got %d", len(env.obs.attached))
	}
}

func TestDeployApplyFailure(t *testing.T) {
	env := setupOrchestrator(t, nil)
	env.runner.failApply = true
	env.runner.outputs = map[string]string{}

	_, err := env.orch.Deploy(context.Background(), DeployRequest{
		Repo: "https://github.com/acme/app.git",
	})
	if err == nil {
		t.Fatal("expected deploy to fail")
	}
	stageErr, ok := AsStageError(err)
	if !ok {
		t.Fatalf("expected StageError, got %T", err)
	}
	if stageErr.Stage != "tf_apply" || !stageErr.IsFatal() {
		t.Errorf("expected fatal tf_apply error, got %+v", stageErr)
	}

	rows, err := env.store.ListDeployments(context.Background(), 10, 0)
	if err != nil || len(rows) != 1 {
		t.Fatalf("expected one registry row, got %d (err %v)", len(rows), err)
	}
	if rows[0].Status != "failed" {
		t.Errorf("expected registry status failed, got %s", rows[0].Status)
	}
	if rows[0].Error == nil || *rows[0].Error == "" {
		t.Error("expected registry error message")
	}

	records, _ := env.events.Read(rows[0].ID)
	info := events.DeriveStatus(records, nil)
	if info.Status != events.StatusFailed {
		t.Errorf("expected derived status failed, got %s", info.Status)
	}
}

func TestDeployVerificationFailureDerivesFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	env := setupOrchestrator(t, nil)
	env.runner.outputs = map[string]string{"public_url": srv.URL}

	_, err := env.orch.Deploy(context.Background(), DeployRequest{
		Repo: "https://github.com/acme/app.git",
	})
	if err == nil {
		t.Fatal("expected deploy to fail")
	}
	stageErr, ok := AsStageError(err)
	if !ok || stageErr.Stage != "verify" {
		t.Fatalf("expected verify stage error, got %v", err)
	}
	if stageErr.DeploymentID == "" {
		t.Error("expected deployment id on the error")
	}
	if want := "skylift destroy " + stageErr.DeploymentID; stageErr.DestroyCommand() != want {
		t.Errorf("expected destroy command %q, got %q", want, stageErr.DestroyCommand())
	}

	// The event log alone must report the failure: status readers never
	// consult the registry row.
	records, readErr := env.events.Read(stageErr.DeploymentID)
	if readErr != nil {
		t.Fatalf("failed to read events: %v", readErr)
	}
	info := events.DeriveStatus(records, nil)
	if info.Status != events.StatusFailed {
		t.Fatalf("expected derived status failed, got %s (log %v)", info.Status, eventTypes(t, env, stageErr.DeploymentID))
	}
	if !hasEvent(eventTypes(t, env, stageErr.DeploymentID), events.TypeError) {
		t.Error("expected an ERROR event after verification gave up")
	}

	row, err := env.store.GetDeployment(context.Background(), stageErr.DeploymentID)
	if err != nil {
		t.Fatalf("failed to read registry row: %v", err)
	}
	if row.Status != "failed" {
		t.Errorf("expected registry status failed, got %s", row.Status)
	}
}

type erlangAnalyzer struct{}

func (erlangAnalyzer) Analyze(repo, instructions string) (*DeploymentSpec, error) {
	return &DeploymentSpec{Runtime: "erlang", Port: 8080, HealthPath: "/"}, nil
}

func TestDeployNoRecipe(t *testing.T) {
	env := setupOrchestrator(t, nil)
	env.orch.SetAnalyzer(erlangAnalyzer{})

	_, err := env.orch.Deploy(context.Background(), DeployRequest{
		Repo: "https://github.com/acme/app.git",
	})
	if err == nil {
		t.Fatal("expected deploy to fail")
	}
	stageErr, ok := AsStageError(err)
	if !ok || stageErr.Stage != "recipe" {
		t.Fatalf("expected recipe stage error, got %v", err)
	}

	rows, _ := env.store.ListDeployments(context.Background(), 10, 0)
	if len(rows) != 1 {
		t.Fatalf("expected one registry row, got %d", len(rows))
	}
	records, _ := env.events.Read(rows[0].ID)
	info := events.DeriveStatus(records, nil)
	if info.Status != events.StatusFailed {
		t.Errorf("expected derived status failed, got %s", info.Status)
	}
	if !strings.Contains(info.Message, "No suitable recipe found") {
		t.Errorf("unexpected failure message %q", info.Message)
	}
}

func TestDeployRequiresRepo(t *testing.T) {
	env := setupOrchestrator(t, nil)
	if _, err := env.orch.Deploy(context.Background(), DeployRequest{}); err == nil {
		t.Fatal("expected error for missing repo")
	}
}

func deployHealthy(t *testing.T, env *orchestratorEnv) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	t.Cleanup(srv.Close)

	env.runner.outputs = map[string]string{"public_url": srv.URL}
	result, err := env.orch.Deploy(context.Background(), DeployRequest{
		Repo:     "https://github.com/acme/app.git",
		TTLHours: 4,
	})
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	return result.ID
}

func markTerraformState(t *testing.T, env *orchestratorEnv, id string) {
	t.Helper()
	tfDir, err := env.ws.TerraformDir(id)
	if err != nil {
		t.Fatalf("failed to resolve terraform dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tfDir, "terraform.tfstate"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("failed to write state marker: %v", err)
	}
}

func TestDestroyLifecycle(t *testing.T) {
	env := setupOrchestrator(t, nil)
	id := deployHealthy(t, env)
	markTerraformState(t, env, id)

	if err := env.orch.Destroy(context.Background(), id); err != nil {
		t.Fatalf("destroy failed: %v", err)
	}
	if !env.runner.destroyCalled {
		t.Error("expected terraform destroy to run")
	}

	types := eventTypes(t, env, id)
	if !hasEvent(types, events.TypeDestroyStart) || !hasEvent(types, events.TypeDestroyDone) {
		t.Errorf("expected destroy events, log has %v", types)
	}

	records, _ := env.events.Read(id)
	info := events.DeriveStatus(records, nil)
	if info.Status != events.StatusDestroyed {
		t.Errorf("expected derived status destroyed, got %s", info.Status)
	}

	row, err := env.store.GetDeployment(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to read registry row: %v", err)
	}
	if row.Status != "destroyed" {
		t.Errorf("expected registry status destroyed, got %s", row.Status)
	}

	entry, err := env.store.GetTTL(context.Background(), id)
	if err != nil {
		t.Fatalf("expected TTL entry to remain: %v", err)
	}
	if !entry.Cancelled {
		t.Error("expected TTL to be cancelled after destroy")
	}
}

func TestDestroyWithoutState(t *testing.T) {
	env := setupOrchestrator(t, nil)
	id := deployHealthy(t, env)

	if err := env.orch.Destroy(context.Background(), id); err != nil {
		t.Fatalf("destroy failed: %v", err)
	}
	if env.runner.destroyCalled {
		t.Error("expected terraform destroy to be skipped without state")
	}
	records, _ := env.events.Read(id)
	info := events.DeriveStatus(records, nil)
	if info.Status != events.StatusDestroyed {
		t.Errorf("expected derived status destroyed, got %s", info.Status)
	}
}

func TestDestroyForceMarksDestroyed(t *testing.T) {
	env := setupOrchestrator(t, nil)
	id := deployHealthy(t, env)
	markTerraformState(t, env, id)
	env.runner.failDestroy = true

	if err := env.orch.DestroyWithForce(context.Background(), id, true); err != nil {
		t.Fatalf("expected forced destroy to succeed, got %v", err)
	}

	records, _ := env.events.Read(id)
	info := events.DeriveStatus(records, nil)
	if info.Status != events.StatusDestroyed {
		t.Errorf("expected derived status destroyed, got %s", info.Status)
	}
	row, _ := env.store.GetDeployment(context.Background(), id)
	if row.Status != "destroyed" {
		t.Errorf("expected registry status destroyed, got %s", row.Status)
	}
}

type destroyLogs struct {
	mu      sync.Mutex
	deleted []string
}

func (d *destroyLogs) GetLogLines(ctx context.Context, group, stream string, cursor time.Time) ([]cloud.LogLine, time.Time, error) {
	return nil, cursor, cloud.ErrLogGroupNotFound
}

func (d *destroyLogs) FindLogGroups(ctx context.Context, prefix string) ([]string, error) {
	return nil, nil
}

func (d *destroyLogs) DeleteLogGroup(ctx context.Context, group string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deleted = append(d.deleted, group)
	return nil
}

type destroyTags struct{}

func (destroyTags) FindTagged(ctx context.Context, tags map[string]string) ([]cloud.TaggedResource, error) {
	return nil, nil
}

type destroyCompute struct{}

func (destroyCompute) InstancesByTags(ctx context.Context, tags map[string]string) ([]string, error) {
	return nil, nil
}
func (destroyCompute) TerminateInstances(ctx context.Context, ids []string) error { return nil }
func (destroyCompute) SecurityGroupsByTags(ctx context.Context, tags map[string]string) ([]string, error) {
	return nil, nil
}
func (destroyCompute) DeleteSecurityGroup(ctx context.Context, id string) error { return nil }

type destroyBuckets struct{}

func (destroyBuckets) BucketsByTags(ctx context.Context, tags map[string]string) ([]string, error) {
	return nil, nil
}
func (destroyBuckets) EmptyAndDeleteBucket(ctx context.Context, name string) error { return nil }

type destroySecrets struct{ count int }

func (d *destroySecrets) DeleteByPath(ctx context.Context, path string) (int, error) {
	return d.count, nil
}

func TestDestroyFailureStillCleansUp(t *testing.T) {
	logs := &destroyLogs{}
	clients := &cloud.Clients{
		Region:  "us-west-2",
		Logs:    logs,
		Tags:    destroyTags{},
		Compute: destroyCompute{},
		Buckets: destroyBuckets{},
		Secrets: &destroySecrets{count: 3},
	}
	env := setupOrchestrator(t, clients)
	id := deployHealthy(t, env)
	markTerraformState(t, env, id)
	env.runner.failDestroy = true

	err := env.orch.Destroy(context.Background(), id)
	if err == nil {
		t.Fatal("expected destroy to fail")
	}

	logs.mu.Lock()
	deleted := len(logs.deleted)
	logs.mu.Unlock()
	if deleted != 1 {
		t.Errorf("expected log group deletion despite destroy failure, got %d", deleted)
	}

	records, _ := env.events.Read(id)
	var done *events.Record
	for i := range records {
		if records[i].Type == events.TypeDestroyDone {
			done = &records[i]
		}
	}
	if done == nil {
		t.Fatal("expected DESTROY_DONE event")
	}
	if done.StringData("status") != "destroy_failed" {
		t.Errorf("expected destroy_failed status, got %q", done.StringData("status"))
	}
	// 3 parameters + 1 log group.
	if removed, _ := done.Data["resources_removed"].(float64); removed != 4 {
		t.Errorf("expected 4 resources removed, got %v", done.Data["resources_removed"])
	}

	row, _ := env.store.GetDeployment(context.Background(), id)
	if row.Status != "failed" {
		t.Errorf("expected registry status failed, got %s", row.Status)
	}
}
