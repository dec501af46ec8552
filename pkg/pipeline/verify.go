package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/skylift/skylift/pkg/events"
	"github.com/skylift/skylift/pkg/telemetry"
)

// VerifyOptions tunes the verification loop.
type VerifyOptions struct {
	// MaxAttempts bounds retries per smoke check and the fallback
	// health probe.
	MaxAttempts int
	// RetryDelay is the wait between attempts.
	RetryDelay time.Duration
	// RequestTimeout bounds each HTTP request.
	RequestTimeout time.Duration
}

func (o *VerifyOptions) applyDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 24
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 5 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
}

// Verifier probes a freshly deployed application until it responds.
type Verifier struct {
	events *events.Store
	log    *telemetry.Logger
	opts   VerifyOptions
	client *http.Client
}

// NewVerifier creates a verifier.
func NewVerifier(eventStore *events.Store, log *telemetry.Logger, opts VerifyOptions) *Verifier {
	opts.applyDefaults()
	if log == nil {
		log = telemetry.NewComponentLogger("verify")
	}
	return &Verifier{
		events: eventStore,
		log:    log,
		opts:   opts,
		client: &http.Client{Timeout: opts.RequestTimeout},
	}
}

// Verify runs the recipe's smoke checks against the public URL, or a
// plain health probe when no checks exist. Each check retries
// independently until it passes or attempts run out.
func (v *Verifier) Verify(ctx context.Context, deploymentID, publicURL string, checks []SmokeCheck) error {
	base := strings.TrimRight(publicURL, "/")
	log := v.log.WithDeploymentID(deploymentID)

	if len(checks) == 0 {
		return v.healthProbe(ctx, deploymentID, base, log)
	}

	if err := v.events.Emit(deploymentID, events.TypeSmokeAttempt, map[string]any{
		"path":  "all",
		"try":   1,
		"total": len(checks),
	}); err != nil {
		log.WithError(err).Warn("failed to emit smoke attempt event")
	}

	for _, check := range checks {
		if err := v.runCheck(ctx, deploymentID, base, check, log); err != nil {
			return err
		}
	}

	if err := v.events.Emit(deploymentID, events.TypeSmokeOK, map[string]any{
		"path":  "all",
		"code":  http.StatusOK,
		"total": len(checks),
	}); err != nil {
		log.WithError(err).Warn("failed to emit smoke ok event")
	}
	if err := v.events.Emit(deploymentID, events.TypeVerifyOK, map[string]any{"url": base}); err != nil {
		log.WithError(err).Warn("failed to emit verify event")
	}
	return nil
}

func (v *Verifier) runCheck(ctx context.Context, deploymentID, base string, check SmokeCheck, log *telemetry.Logger) error {
	expect := check.Expect
	if expect == 0 {
		expect = http.StatusOK
	}
	maxTries := check.MaxTries
	if maxTries <= 0 {
		maxTries = v.opts.MaxAttempts
	}

	var lastErr string
	for attempt := 1; attempt <= maxTries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		code, body, err := v.get(ctx, base+check.Path)
		switch {
		case err != nil:
			lastErr = fmt.Sprintf("request failed: %v", err)
		case code != expect:
			lastErr = fmt.Sprintf("expected status %d, got %d", expect, code)
		case check.Contains != "" && !strings.Contains(body, check.Contains):
			lastErr = fmt.Sprintf("expected content %q not found in response", check.Contains)
		default:
			log.Debugf("smoke check %s passed on attempt %d", check.Path, attempt)
			return nil
		}

		if attempt < maxTries && !sleepCtx(ctx, v.opts.RetryDelay) {
			return ctx.Err()
		}
	}

	if err := v.events.Emit(deploymentID, events.TypeSmokeFail, map[string]any{
		"path": check.Path,
		"hint": lastErr,
	}); err != nil {
		log.WithError(err).Warn("failed to emit smoke fail event")
	}
	return verificationError("verify", fmt.Sprintf("smoke check %s failed", check.Path), lastErr, nil)
}

// healthProbe polls the base URL until it returns 200.
func (v *Verifier) healthProbe(ctx context.Context, deploymentID, base string, log *telemetry.Logger) error {
	for attempt := 1; attempt <= v.opts.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		code, _, err := v.get(ctx, base)
		if err == nil && code == http.StatusOK {
			if emitErr := v.events.Emit(deploymentID, events.TypeVerifyOK, map[string]any{
				"url":  base,
				"code": code,
			}); emitErr != nil {
				log.WithError(emitErr).Warn("failed to emit verify event")
			}
			return nil
		}

		if attempt < v.opts.MaxAttempts && !sleepCtx(ctx, v.opts.RetryDelay) {
			return ctx.Err()
		}
	}

	return verificationError("verify", "application verification timeout",
		"service not up; check bootstrap or security group", nil)
}

func (v *Verifier) get(ctx context.Context, url string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, "", err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return resp.StatusCode, "", err
	}
	return resp.StatusCode, string(body), nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
