// Package terraform drives the terraform binary in a deployment's
// working directory. Each stage streams its output into terraform.log
// and the deployment event log; the runner never swallows a non-zero
// exit, it converts it to an ERROR event and a returned error.
package terraform

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/skylift/skylift/pkg/events"
	"github.com/skylift/skylift/pkg/telemetry"
)

const (
	logFileName    = "terraform.log"
	tfvarsFileName = "terraform.tfvars.json"
	errorTailLines = 40
)

// PlanSummary is the resource delta reported by terraform plan.
type PlanSummary struct {
	Adds     int `json:"adds"`
	Changes  int `json:"changes"`
	Destroys int `json:"destroys"`
}

// Runner executes terraform stages for one deployment.
type Runner struct {
	deploymentID string
	workDir      string
	events       *events.Store
	log          *telemetry.Logger

	// binary is replaceable for tests.
	binary string
}

// NewRunner creates a runner bound to a deployment's terraform
// directory.
func NewRunner(deploymentID, workDir string, eventStore *events.Store, log *telemetry.Logger) *Runner {
	if log == nil {
		log = telemetry.NewComponentLogger("terraform")
	}
	return &Runner{
		deploymentID: deploymentID,
		workDir:      workDir,
		events:       eventStore,
		log:          log,
		binary:       "terraform",
	}
}

// SetBinary overrides the terraform executable path.
func (r *Runner) SetBinary(path string) {
	r.binary = path
}

// WriteVars writes terraform.tfvars.json into the working directory.
func (r *Runner) WriteVars(vars map[string]any) error {
	data, err := json.MarshalIndent(vars, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal terraform variables: %w", err)
	}
	path := filepath.Join(r.workDir, tfvarsFileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write terraform variables: %w", err)
	}
	return nil
}

// Init runs terraform init and emits TF_INIT on success.
func (r *Runner) Init(ctx context.Context) error {
	_, err := r.run(ctx, []string{"init", "-upgrade", "-no-color"}, events.TypeTFInit, nil, false)
	return err
}

// Plan runs terraform plan and emits TF_PLAN with the parsed resource
// counts.
func (r *Runner) Plan(ctx context.Context) (*PlanSummary, error) {
	output, err := r.run(ctx, []string{"plan", "-no-color"}, "", nil, false)
	if err != nil {
		return nil, err
	}

	summary := ParsePlan(output)
	data := map[string]any{
		"adds":     summary.Adds,
		"changes":  summary.Changes,
		"destroys": summary.Destroys,
	}
	if err := r.events.Emit(r.deploymentID, events.TypeTFPlan, data); err != nil {
		r.log.WithError(err).Warn("failed to emit plan event")
	}
	return summary, nil
}

// Apply runs terraform apply. Every output line becomes a
// TF_APPLY_LINE event; TF_APPLY_START and TF_APPLY_DONE bracket the
// run.
func (r *Runner) Apply(ctx context.Context) error {
	if err := r.events.Emit(r.deploymentID, events.TypeTFApplyStart, nil); err != nil {
		r.log.WithError(err).Warn("failed to emit apply start event")
	}
	_, err := r.run(ctx, []string{"apply", "-auto-approve", "-no-color"}, events.TypeTFApplyDone, nil, true)
	return err
}

// Destroy runs terraform destroy.
func (r *Runner) Destroy(ctx context.Context) error {
	_, err := r.run(ctx, []string{"destroy", "-auto-approve", "-no-color"}, "", nil, false)
	return err
}

// Outputs returns terraform outputs flattened to strings. Terraform
// wraps each output in a {value, type, sensitive} envelope; only the
// value survives here.
func (r *Runner) Outputs(ctx context.Context) (map[string]string, error) {
	cmd := exec.CommandContext(ctx, r.binary, "output", "-json")
	cmd.Dir = r.workDir
	raw, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to read terraform outputs: %w", err)
	}

	var envelopes map[string]struct {
		Value any `json:"value"`
	}
	if err := json.Unmarshal(raw, &envelopes); err != nil {
		return nil, fmt.Errorf("failed to parse terraform outputs: %w", err)
	}

	outputs := make(map[string]string, len(envelopes))
	for name, envelope := range envelopes {
		switch v := envelope.Value.(type) {
		case string:
			outputs[name] = v
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				continue
			}
			outputs[name] = string(encoded)
		}
	}
	return outputs, nil
}

// run executes one terraform command, teeing output to terraform.log
// and optionally to TF_APPLY_LINE events. On success it emits
// successEvent (when set); on failure it emits ERROR with the last
// lines of output.
func (r *Runner) run(ctx context.Context, args []string, successEvent events.Type, successData map[string]any, emitLines bool) (string, error) {
	logPath := filepath.Join(filepath.Dir(r.workDir), logFileName)
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to open terraform log: %w", err)
	}
	defer logFile.Close()

	command := r.binary + " " + strings.Join(args, " ")
	fmt.Fprintf(logFile, "=== %s ===\n", command)
	r.log.WithDeploymentID(r.deploymentID).Debugf("running %s", command)

	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Dir = r.workDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("failed to open terraform stdout: %w", err)
	}
	// Interleave stderr into the same pipe, as a terminal would.
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		r.emitError(fmt.Sprintf("failed to run terraform: %v", err), "check terraform installation and PATH", nil)
		return "", fmt.Errorf("failed to start terraform: %w", err)
	}

	var lines []string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t")
		lines = append(lines, line)
		fmt.Fprintln(logFile, line)
		if emitLines && strings.TrimSpace(line) != "" {
			if err := r.events.Emit(r.deploymentID, events.TypeTFApplyLine, map[string]any{"line": line}); err != nil {
				r.log.WithError(err).Warn("failed to emit apply line event")
			}
		}
	}

	output := strings.Join(lines, "\n")
	if err := cmd.Wait(); err != nil {
		tail := lines
		if len(tail) > errorTailLines {
			tail = tail[len(tail)-errorTailLines:]
		}
		r.emitError(fmt.Sprintf("terraform command failed: %s", command), "check terraform.log for details", tail)
		return output, fmt.Errorf("terraform %s failed: %w", args[0], err)
	}

	if successEvent != "" {
		if err := r.events.Emit(r.deploymentID, successEvent, successData); err != nil {
			r.log.WithError(err).Warn("failed to emit terraform event")
		}
	}
	return output, nil
}

func (r *Runner) emitError(reason, hint string, lastLines []string) {
	data := map[string]any{
		"reason": reason,
		"hint":   hint,
	}
	if len(lastLines) > 0 {
		data["last_lines"] = lastLines
	}
	if err := r.events.Emit(r.deploymentID, events.TypeError, data); err != nil {
		r.log.WithError(err).Error("failed to emit terraform error event")
	}
}

// ParsePlan extracts the resource delta from plan output.
func ParsePlan(output string) *PlanSummary {
	return &PlanSummary{
		Adds:     strings.Count(output, "will be created"),
		Changes:  strings.Count(output, "will be updated"),
		Destroys: strings.Count(output, "will be destroyed"),
	}
}
