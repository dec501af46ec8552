package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/skylift/skylift/pkg/deployment"
	"github.com/skylift/skylift/pkg/events"
	"github.com/skylift/skylift/pkg/obs"
	"github.com/skylift/skylift/pkg/stores"
	"github.com/skylift/skylift/pkg/telemetry"
)

// DeployRequest describes a deployment to run.
type DeployRequest struct {
	// ID is the deployment id. Generated when empty.
	ID string `json:"id,omitempty"`

	// Repo is the git URL of the application to deploy.
	Repo string `json:"repo"`

	// Instructions are free-form operator preferences.
	Instructions string `json:"instructions,omitempty"`

	// Region overrides the configured default region.
	Region string `json:"region,omitempty"`

	// Tags are extra resource tags merged over the base set.
	Tags map[string]string `json:"tags,omitempty"`

	// TTLHours schedules automatic teardown when positive.
	TTLHours int `json:"ttl_hours,omitempty"`
}

// DeployResult summarizes a finished deployment.
type DeployResult struct {
	ID        string            `json:"id"`
	PublicURL string            `json:"public_url"`
	Outputs   map[string]string `json:"outputs,omitempty"`
}

// Deploy runs the full deployment pipeline for req. The event log
// records every stage; the returned error, when non-nil, is a
// *StageError naming the stage that stopped the pipeline. Stages before
// terraform degrade to conservative defaults instead of failing.
func (o *Orchestrator) Deploy(ctx context.Context, req DeployRequest) (*DeployResult, error) {
	if req.Repo == "" {
		return nil, fatalError("prepare", "repo is required", "", nil)
	}
	id := req.ID
	if id == "" {
		id = deployment.NewID()
	}
	region := req.Region
	if region == "" {
		region = o.cfg.Region
	}
	started := time.Now()
	log := o.log.WithDeploymentID(id)

	if o.metrics != nil {
		o.metrics.DeployStarted(region)
	}

	if err := o.prepare(ctx, id, region, req); err != nil {
		return nil, err
	}

	o.emit(id, events.TypeInit, map[string]any{
		"repo":         req.Repo,
		"region":       region,
		"instructions": req.Instructions,
	})
	o.setRegistryStatus(ctx, id, string(events.StatusInit), nil, nil)

	// Pre-terraform stages. Each degrades on failure rather than
	// stopping the deployment.
	overrides := o.collectOverrides(id, req.Instructions, region, log)

	ttlHours := req.TTLHours
	if ttlHours <= 0 && overrides.TTLHours > 0 {
		ttlHours = overrides.TTLHours
	}

	tags := deployment.BaseTags(o.cfg.ProjectTag, id, req.Tags)
	if ttlHours > 0 {
		tags = deployment.AddTTLTags(tags, ttlHours, time.Now().UTC())
	}
	o.emit(id, events.TypeTagsApplied, map[string]any{"tags": tags})

	spec := o.analyzeRepo(ctx, id, req.Repo, req.Instructions, log)
	plan := o.selectInfra(id, spec, overrides, region, log)

	recipe, recipePlan, err := o.planRecipe(ctx, id, spec, plan, req.Repo)
	if err != nil {
		o.recordFailure(ctx, id, err, started)
		return nil, err
	}
	o.emit(id, events.TypeRecipeSelected, map[string]any{
		"recipe":    recipe.Name(),
		"target":    recipePlan.Target,
		"rationale": recipePlan.Rationale,
	})

	// Terraform stages. Any failure here is fatal; the runner has
	// already appended the ERROR event with the log tail.
	runner, err := o.buildRunner(id, region, tags, recipePlan)
	if err != nil {
		o.recordFailure(ctx, id, err, started)
		return nil, err
	}
	outputs, err := o.provision(ctx, id, runner, plan, log)
	if err != nil {
		o.recordFailure(ctx, id, err, started)
		return nil, err
	}

	publicURL := outputs["public_url"]
	if publicURL == "" {
		publicURL = outputs["application_url"]
	}
	if publicURL == "" {
		stageErr := fatalError("outputs", "deployment produced no public URL",
			"check the terraform module's outputs", nil)
		o.emit(id, events.TypeError, map[string]any{
			"stage":   stageErr.Stage,
			"message": stageErr.Reason,
			"hint":    stageErr.Hint,
		})
		o.recordFailure(ctx, id, stageErr, started)
		return nil, stageErr
	}

	o.attachObservability(ctx, id, region, outputs)

	if err := o.stage(ctx, id, "verify", func(ctx context.Context) error {
		return o.verifier.Verify(ctx, id, publicURL, recipePlan.SmokeChecks)
	}); err != nil {
		o.recordFailure(ctx, id, err, started)
		return nil, err
	}

	if ttlHours > 0 {
		if _, err := o.ttl.Schedule(ctx, id, ttlHours); err != nil {
			log.WithError(err).Warn("failed to schedule TTL")
		}
	}

	o.emit(id, events.TypeDone, map[string]any{
		"public_url": publicURL,
		"log_links":  obs.BuildLogLinks(region, id, outputs),
	})
	o.setRegistryStatus(ctx, id, string(events.StatusHealthy), &publicURL, nil)
	if o.metrics != nil {
		o.metrics.DeployCompleted(string(events.StatusHealthy), time.Since(started).Seconds())
	}
	log.Infof("deployment healthy at %s", publicURL)

	return &DeployResult{ID: id, PublicURL: publicURL, Outputs: outputs}, nil
}

// prepare creates the deployment directory and the registry row.
func (o *Orchestrator) prepare(ctx context.Context, id, region string, req DeployRequest) error {
	now := time.Now().UTC()
	meta := deployment.Meta{
		ID:           id,
		Repo:         req.Repo,
		Instructions: req.Instructions,
		Region:       region,
		Tags:         req.Tags,
		TTLHours:     req.TTLHours,
		CreatedAt:    now,
	}
	if err := o.workspace.Create(meta); err != nil {
		return fatalError("prepare", "failed to create deployment workspace", "", err)
	}
	row := &stores.Deployment{
		ID:           id,
		Repo:         req.Repo,
		Instructions: req.Instructions,
		Region:       region,
		Status:       string(events.StatusQueued),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := o.store.CreateDeployment(ctx, row); err != nil {
		return fatalError("prepare", "failed to register deployment", "", err)
	}
	return nil
}

// collectOverrides parses the instructions. Extraction never stops the
// pipeline; an unparseable instruction string yields defaults.
func (o *Orchestrator) collectOverrides(id, instructions, region string, log *telemetry.Logger) *Overrides {
	overrides, report, err := o.extractor.Extract(instructions, region)
	if err != nil {
		log.Warnf("instruction extraction failed, proceeding with defaults: %v", err)
		overrides = &Overrides{Region: region}
		report = &ExtractReport{Assumptions: []string{"instruction extraction failed; defaults applied"}}
	}
	o.emit(id, events.TypeNLPOverrides, map[string]any{
		"overrides":   overrides,
		"confidence":  overrides.Confidence,
		"hits":        report.Hits,
		"assumptions": report.Assumptions,
		"conflicts":   report.Conflicts,
	})
	return overrides
}

// analyzeRepo produces the deployment spec, degrading to the fallback
// spec on failure.
func (o *Orchestrator) analyzeRepo(ctx context.Context, id, repo, instructions string, log *telemetry.Logger) *DeploymentSpec {
	var spec *DeploymentSpec
	_ = o.stage(ctx, id, "analyze", func(ctx context.Context) error {
		var err error
		spec, err = o.analyzer.Analyze(repo, instructions)
		if err != nil {
			log.Warnf("repository analysis failed, proceeding with defaults: %v", err)
			spec = FallbackSpec()
			spec.Warnings = append(spec.Warnings, fmt.Sprintf("analysis failed: %v", err))
		}
		return nil
	})
	o.emit(id, events.TypeAnalyzeDone, map[string]any{
		"runtime":       spec.Runtime,
		"framework":     spec.Framework,
		"port":          spec.Port,
		"health_path":   spec.HealthPath,
		"containerized": spec.Containerized,
		"static":        spec.Static,
		"db_required":   spec.DBRequired,
		"warnings":      spec.Warnings,
	})
	return spec
}

// selectInfra picks the infrastructure target, degrading to the
// single-instance fallback on failure.
func (o *Orchestrator) selectInfra(id string, spec *DeploymentSpec, overrides *Overrides, region string, log *telemetry.Logger) *InfraPlan {
	plan, err := o.selector.Select(spec, overrides)
	if err != nil {
		log.Warnf("infrastructure selection failed, using fallback: %v", err)
		plan = FallbackInfraPlan(spec)
	}
	if plan.Parameters == nil {
		plan.Parameters = make(map[string]any)
	}
	plan.Parameters["region"] = region
	o.emit(id, events.TypeInfraDecision, map[string]any{
		"target":        plan.Target,
		"module_hint":   plan.ModuleHint,
		"confidence":    plan.Confidence,
		"fallback_used": plan.FallbackUsed,
		"rationale":     plan.Rationale,
		"warnings":      plan.Warnings,
	})
	return plan
}

// planRecipe selects and plans the deployment recipe. No applicable
// recipe is fatal: the pipeline has nothing to provision.
func (o *Orchestrator) planRecipe(ctx context.Context, id string, spec *DeploymentSpec, infra *InfraPlan, repo string) (Recipe, *RecipePlan, error) {
	recipe := o.recipes.Select(spec)
	if recipe == nil {
		stageErr := fatalError("recipe", "No suitable recipe found",
			"the repository's runtime is not supported", nil)
		o.emit(id, events.TypeError, map[string]any{
			"stage":   stageErr.Stage,
			"message": stageErr.Reason,
			"hint":    stageErr.Hint,
		})
		return nil, nil, stageErr
	}

	var plan *RecipePlan
	err := o.stage(ctx, id, "recipe", func(ctx context.Context) error {
		var planErr error
		plan, planErr = recipe.Plan(spec, infra, repo)
		return planErr
	})
	if err != nil {
		stageErr := fatalError("recipe", "recipe planning failed", "", err)
		o.emit(id, events.TypeError, map[string]any{
			"stage":   stageErr.Stage,
			"message": stageErr.Reason,
		})
		return nil, nil, stageErr
	}
	return recipe, plan, nil
}

// buildRunner creates the terraform runner and writes its variables.
func (o *Orchestrator) buildRunner(id, region string, tags map[string]string, plan *RecipePlan) (TerraformRunner, error) {
	tfDir, err := o.workspace.TerraformDir(id)
	if err != nil {
		return nil, fatalError("terraform", "failed to create terraform directory", "", err)
	}
	runner := o.newRunner(id, tfDir)

	vars := map[string]any{
		"deployment_id": id,
		"region":        region,
		"tags":          tags,
	}
	for k, v := range plan.Vars {
		vars[k] = v
	}
	if plan.UserData != "" {
		vars["user_data"] = plan.UserData
	}
	if err := runner.WriteVars(vars); err != nil {
		return nil, fatalError("terraform", "failed to write terraform variables", "", err)
	}
	return runner, nil
}

// provision runs init, plan, apply, and output collection. The cost
// hint between plan and apply is best effort.
func (o *Orchestrator) provision(ctx context.Context, id string, runner TerraformRunner, infra *InfraPlan, log *telemetry.Logger) (map[string]string, error) {
	if err := o.stage(ctx, id, "tf_init", func(ctx context.Context) error {
		return runner.Init(ctx)
	}); err != nil {
		return nil, fatalError("tf_init", "terraform init failed", "check terraform.log for details", err)
	}

	if err := o.stage(ctx, id, "tf_plan", func(ctx context.Context) error {
		_, planErr := runner.Plan(ctx)
		return planErr
	}); err != nil {
		return nil, fatalError("tf_plan", "terraform plan failed", "check terraform.log for details", err)
	}

	if hint := EstimateCost(infra); hint != nil {
		o.emit(id, events.TypeCostHint, map[string]any{
			"method":      hint.Method,
			"monthly_usd": hint.MonthlyUSD,
			"notes":       hint.Notes,
		})
	}

	if err := o.stage(ctx, id, "tf_apply", func(ctx context.Context) error {
		return runner.Apply(ctx)
	}); err != nil {
		return nil, fatalError("tf_apply", "terraform apply failed", "check terraform.log for details", err)
	}

	o.emit(id, events.TypeBootstrapWait, map[string]any{
		"message": "Waiting for instance bootstrap to complete",
	})

	outputs, err := runner.Outputs(ctx)
	if err != nil {
		return nil, fatalError("outputs", "failed to read terraform outputs", "check terraform.log for details", err)
	}
	if err := o.workspace.WriteOutputs(id, outputs); err != nil {
		log.Warnf("failed to persist outputs: %v", err)
	}
	return outputs, nil
}

// attachObservability registers remote log streams for the provisioned
// instance and starts tailing them after the attach delay, giving the
// instance's logging agent time to create the log group.
func (o *Orchestrator) attachObservability(ctx context.Context, id, region string, outputs map[string]string) {
	if o.newObs == nil || outputs["instance_id"] == "" {
		return
	}

	mgr := o.newObs(id, region, o.sink(id))
	o.trackObs(id, mgr)

	group := obs.LogGroupName(id)
	streams := map[string]struct {
		source obs.Source
		stream string
	}{
		"ec2_cloud_init": {obs.SourceEC2CloudInit, "ec2/cloud-init"},
		"ec2_systemd":    {obs.SourceSystemd, "ec2/service"},
	}
	for streamID, s := range streams {
		if err := mgr.AddStream(streamID, s.source, group, s.stream); err != nil {
			o.log.WithDeploymentID(id).WithError(err).Warn("failed to attach log stream")
		}
	}

	delay := o.cfg.Observe.AttachDelay
	go func() {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}
		for streamID := range streams {
			if err := mgr.StartStreaming(streamID); err != nil {
				o.log.WithDeploymentID(id).WithError(err).Warn("failed to start log stream")
			}
		}
		if err := mgr.EmitLogsReady("ec2_cloud_init"); err != nil {
			o.log.WithDeploymentID(id).WithError(err).Warn("failed to emit logs ready")
		}
	}()
}

// recordFailure marks the deployment failed everywhere: the event log,
// the registry row, and the deploy metrics. Sites that already appended
// an ERROR record with more detail (the terraform runner does, with the
// log tail) are left alone; any other failure gets its summary record
// here so the derived status lands on failed. The deployment id is
// stamped onto the StageError so callers can surface the destroy
// command for whatever was provisioned.
func (o *Orchestrator) recordFailure(ctx context.Context, id string, err error, started time.Time) {
	msg := err.Error()
	stage := ""
	hint := ""
	if stageErr, ok := AsStageError(err); ok {
		stageErr.DeploymentID = id
		msg = stageErr.Reason
		stage = stageErr.Stage
		hint = stageErr.Hint
	}

	records, readErr := o.events.Read(id)
	if readErr != nil || events.DeriveStatus(records, nil).Status != events.StatusFailed {
		o.emit(id, events.TypeError, map[string]any{
			"stage":   stage,
			"message": msg,
			"hint":    hint,
		})
	}

	o.setRegistryStatus(ctx, id, string(events.StatusFailed), nil, &msg)
	if o.metrics != nil {
		o.metrics.DeployCompleted(string(events.StatusFailed), time.Since(started).Seconds())
	}
	o.log.WithDeploymentID(id).WithError(err).Error("deployment failed")
}
