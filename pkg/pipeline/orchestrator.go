package pipeline

import (
	"context"
	"sync"

	"github.com/skylift/skylift/pkg/cleanup"
	"github.com/skylift/skylift/pkg/cloud"
	"github.com/skylift/skylift/pkg/config"
	"github.com/skylift/skylift/pkg/deployment"
	"github.com/skylift/skylift/pkg/events"
	"github.com/skylift/skylift/pkg/obs"
	"github.com/skylift/skylift/pkg/stores"
	"github.com/skylift/skylift/pkg/telemetry"
	"github.com/skylift/skylift/pkg/terraform"
	"github.com/skylift/skylift/pkg/ttl"
)

// TerraformRunner is the subset of the terraform runner the pipeline
// drives. Tests substitute a scripted implementation.
type TerraformRunner interface {
	WriteVars(vars map[string]any) error
	Init(ctx context.Context) error
	Plan(ctx context.Context) (*terraform.PlanSummary, error)
	Apply(ctx context.Context) error
	Destroy(ctx context.Context) error
	Outputs(ctx context.Context) (map[string]string, error)
}

// RunnerFactory builds a terraform runner for one deployment's working
// directory.
type RunnerFactory func(deploymentID, workDir string) TerraformRunner

// ObsManager is the subset of the log stream manager the pipeline uses.
type ObsManager interface {
	AddStream(streamID string, source obs.Source, group, stream string) error
	StartStreaming(streamID string) error
	EmitLogsReady(streamID string) error
	StopAll()
}

// ObsFactory builds a stream manager for one deployment.
type ObsFactory func(deploymentID, region string, sink obs.EventSink) ObsManager

// Orchestrator runs deployments end to end: it owns the stage sequence,
// appends every lifecycle event, and keeps the registry row in step with
// the event log.
type Orchestrator struct {
	cfg       *config.Config
	workspace *deployment.Workspace
	events    *events.Store
	store     *stores.SQLiteStore
	clients   *cloud.Clients

	extractor Extractor
	analyzer  Analyzer
	selector  Selector
	recipes   *Registry
	verifier  *Verifier
	ttl       *ttl.Scheduler
	sweeper   *cleanup.Sweeper

	newRunner RunnerFactory
	newObs    ObsFactory

	obsMu       sync.Mutex
	obsManagers map[string]ObsManager

	log     *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
}

// NewOrchestrator wires the pipeline together. clients may be nil when
// no cloud credentials are available; observability attachment and
// post-destroy cleanup are skipped in that case.
func NewOrchestrator(cfg *config.Config, workspace *deployment.Workspace, eventStore *events.Store, store *stores.SQLiteStore, clients *cloud.Clients, log *telemetry.Logger, metrics *telemetry.Metrics, tracer *telemetry.Tracer) *Orchestrator {
	if log == nil {
		log = telemetry.NewComponentLogger("pipeline")
	}

	o := &Orchestrator{
		cfg:       cfg,
		workspace: workspace,
		events:    eventStore,
		store:     store,
		clients:   clients,
		extractor: NewRuleExtractor(),
		analyzer:  NewKeywordAnalyzer(),
		selector:  NewRuleSelector(),
		recipes:   NewRegistry(),
		verifier: NewVerifier(eventStore, log, VerifyOptions{
			MaxAttempts:    cfg.Verify.MaxAttempts,
			RetryDelay:     cfg.Verify.RetryDelay,
			RequestTimeout: cfg.Verify.RequestTimeout,
		}),
		ttl:         ttl.NewScheduler(workspace, store, eventStore, log, metrics),
		obsManagers: make(map[string]ObsManager),
		log:         log,
		metrics:     metrics,
		tracer:      tracer,
	}

	if clients != nil {
		o.sweeper = cleanup.NewSweeper(cfg.ProjectTag, clients, log, metrics)
	}

	o.newRunner = func(deploymentID, workDir string) TerraformRunner {
		return terraform.NewRunner(deploymentID, workDir, eventStore, log)
	}
	o.newObs = func(deploymentID, region string, sink obs.EventSink) ObsManager {
		var logs cloud.LogsAPI
		if clients != nil {
			logs = clients.Logs
		}
		return obs.NewManager(deploymentID, region, logs, sink, obs.Options{
			PollInterval:    cfg.Observe.PollInterval,
			NotReadyBackoff: cfg.Observe.NotReadyBackoff,
			ErrorBackoff:    cfg.Observe.ErrorBackoff,
			Logger:          log,
			Metrics:         metrics,
		})
	}
	return o
}

// SetRunnerFactory replaces the terraform runner constructor.
func (o *Orchestrator) SetRunnerFactory(f RunnerFactory) {
	o.newRunner = f
}

// SetObsFactory replaces the stream manager constructor.
func (o *Orchestrator) SetObsFactory(f ObsFactory) {
	o.newObs = f
}

// SetExtractor replaces the instruction extractor.
func (o *Orchestrator) SetExtractor(e Extractor) {
	o.extractor = e
}

// SetAnalyzer replaces the repository analyzer.
func (o *Orchestrator) SetAnalyzer(a Analyzer) {
	o.analyzer = a
}

// SetVerifier replaces the smoke verifier.
func (o *Orchestrator) SetVerifier(v *Verifier) {
	o.verifier = v
}

// TTL exposes the TTL scheduler so servers and commands can schedule,
// cancel, and sweep through the same instance the pipeline uses.
func (o *Orchestrator) TTL() *ttl.Scheduler {
	return o.ttl
}

// Recipes exposes the recipe registry for registration of extras.
func (o *Orchestrator) Recipes() *Registry {
	return o.recipes
}

// emit appends a lifecycle event and counts it. Append failures are
// logged and swallowed; losing one progress event must not abort a
// running deployment.
func (o *Orchestrator) emit(deploymentID string, eventType events.Type, data map[string]any) {
	if err := o.events.Emit(deploymentID, eventType, data); err != nil {
		o.log.WithDeploymentID(deploymentID).WithError(err).Warnf("failed to append %s event", eventType)
		return
	}
	if o.metrics != nil {
		o.metrics.EventAppended(string(eventType))
	}
}

// sink returns an event sink that appends stream events for one
// deployment.
func (o *Orchestrator) sink(deploymentID string) obs.EventSink {
	return func(eventType events.Type, data map[string]any) error {
		o.emit(deploymentID, eventType, data)
		return nil
	}
}

func (o *Orchestrator) stage(ctx context.Context, deploymentID, name string, fn func(ctx context.Context) error) error {
	if o.tracer == nil {
		return fn(ctx)
	}
	stageCtx, span := o.tracer.StartStage(ctx, deploymentID, name)
	err := fn(stageCtx)
	o.tracer.EndStage(span, err)
	return err
}

func (o *Orchestrator) setRegistryStatus(ctx context.Context, deploymentID, status string, publicURL, errMsg *string) {
	if err := o.store.UpdateDeploymentStatus(ctx, deploymentID, status, publicURL, errMsg); err != nil {
		o.log.WithDeploymentID(deploymentID).WithError(err).Warn("failed to update registry status")
	}
}

func (o *Orchestrator) trackObs(deploymentID string, mgr ObsManager) {
	o.obsMu.Lock()
	o.obsManagers[deploymentID] = mgr
	o.obsMu.Unlock()
}

func (o *Orchestrator) stopObs(deploymentID string) {
	o.obsMu.Lock()
	mgr := o.obsManagers[deploymentID]
	delete(o.obsManagers, deploymentID)
	o.obsMu.Unlock()
	if mgr != nil {
		mgr.StopAll()
	}
}
