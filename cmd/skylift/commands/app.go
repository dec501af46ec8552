package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/skylift/skylift/pkg/cloud"
	"github.com/skylift/skylift/pkg/config"
	"github.com/skylift/skylift/pkg/deployment"
	"github.com/skylift/skylift/pkg/events"
	"github.com/skylift/skylift/pkg/pipeline"
	"github.com/skylift/skylift/pkg/stores"
	"github.com/skylift/skylift/pkg/telemetry"
)

// app holds everything a command needs wired together: configuration,
// telemetry, the deployment workspace, the registry, and the pipeline.
type app struct {
	cfg       *config.Config
	log       *telemetry.Logger
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
	workspace *deployment.Workspace
	events    *events.Store
	store     *stores.SQLiteStore
	clients   *cloud.Clients
	orch      *pipeline.Orchestrator
}

// newApp builds the command runtime. withCloud controls whether AWS
// clients are created; commands that only read local state skip the
// credential chain entirely. Missing credentials degrade to local-only
// operation with a warning.
func newApp(ctx context.Context, withCloud bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	tc := cfg.Telemetry(appVersion)
	log, err := telemetry.NewLogger(tc.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	metrics, err := telemetry.NewMetrics(tc.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	tracer, err := telemetry.NewTracer(tc.Tracing, tc.ServiceName, tc.ServiceVersion, tc.Environment)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}

	workspace, err := deployment.NewWorkspace(cfg.Home)
	if err != nil {
		return nil, fmt.Errorf("failed to open workspace: %w", err)
	}
	eventStore := events.NewStore(cfg.Home)

	store, err := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(cfg.Home, "skylift.db")})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}

	var clients *cloud.Clients
	if withCloud {
		clients, err = cloud.NewClients(ctx, cfg.Region)
		if err != nil {
			log.WithError(err).Warn("cloud clients unavailable, continuing without observability and cleanup")
			clients = nil
		}
	}

	orch := pipeline.NewOrchestrator(cfg, workspace, eventStore, store, clients, log, metrics, tracer)

	return &app{
		cfg:       cfg,
		log:       log,
		metrics:   metrics,
		tracer:    tracer,
		workspace: workspace,
		events:    eventStore,
		store:     store,
		clients:   clients,
		orch:      orch,
	}, nil
}

func (a *app) Close(ctx context.Context) {
	if err := a.store.Close(); err != nil {
		a.log.WithError(err).Warn("failed to close registry")
	}
	if err := a.tracer.Shutdown(ctx); err != nil {
		a.log.WithError(err).Warn("failed to shut down tracer")
	}
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
