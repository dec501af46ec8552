// Package ttl schedules deployments for automatic destruction and runs
// the expiry sweep. Schedules live in two places: a ttl.json file in
// the deployment directory, which travels with the deployment, and the
// SQLite index, which the sweep scans without touching every directory.
package ttl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/skylift/skylift/pkg/deployment"
	"github.com/skylift/skylift/pkg/events"
	"github.com/skylift/skylift/pkg/stores"
	"github.com/skylift/skylift/pkg/telemetry"
)

const ttlFileName = "ttl.json"

// Schedule is the on-disk form of a deployment's expiry.
type Schedule struct {
	DeploymentID string    `json:"deployment_id"`
	TTLHours     int       `json:"ttl_hours"`
	ScheduledAt  time.Time `json:"scheduled_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Entry is a schedule annotated for listings.
type Entry struct {
	Schedule
	Exists    bool `json:"exists"`
	Expired   bool `json:"expired"`
	Cancelled bool `json:"cancelled"`
}

// SweepResult summarizes one expiry sweep.
type SweepResult struct {
	ExpiredDeployments []string `json:"expired_deployments"`
	DestroyedCount     int      `json:"destroyed_count"`
	FailedCount        int      `json:"failed_count"`
	TotalChecked       int      `json:"total_checked"`
}

// Destroyer tears down a deployment. The sweep calls it for every
// expired deployment; a nil error means the deployment ended up
// destroyed.
type Destroyer interface {
	Destroy(ctx context.Context, deploymentID string) error
}

// DestroyerFunc adapts a function to the Destroyer interface.
type DestroyerFunc func(ctx context.Context, deploymentID string) error

// Destroy implements Destroyer.
func (f DestroyerFunc) Destroy(ctx context.Context, deploymentID string) error {
	return f(ctx, deploymentID)
}

// Scheduler manages TTL schedules and runs sweeps.
type Scheduler struct {
	workspace *deployment.Workspace
	store     *stores.SQLiteStore
	events    *events.Store
	log       *telemetry.Logger
	metrics   *telemetry.Metrics

	// now is replaceable for tests.
	now func() time.Time
}

// NewScheduler creates a scheduler.
func NewScheduler(workspace *deployment.Workspace, store *stores.SQLiteStore, eventStore *events.Store, log *telemetry.Logger, metrics *telemetry.Metrics) *Scheduler {
	if log == nil {
		log = telemetry.NewComponentLogger("ttl")
	}
	return &Scheduler{
		workspace: workspace,
		store:     store,
		events:    eventStore,
		log:       log,
		metrics:   metrics,
		now:       time.Now,
	}
}

// SetClock replaces the scheduler's time source.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Schedule records an expiry for a deployment. Rescheduling replaces
// the previous expiry; it does not stack.
func (s *Scheduler) Schedule(ctx context.Context, deploymentID string, ttlHours int) (*Schedule, error) {
	if ttlHours <= 0 {
		return nil, fmt.Errorf("ttl hours must be positive, got %d", ttlHours)
	}

	now := s.now().UTC()
	schedule := &Schedule{
		DeploymentID: deploymentID,
		TTLHours:     ttlHours,
		ScheduledAt:  now,
		ExpiresAt:    now.Add(time.Duration(ttlHours) * time.Hour),
	}

	if err := s.writeScheduleFile(deploymentID, schedule); err != nil {
		return nil, err
	}

	entry := &stores.TTLEntry{
		DeploymentID: deploymentID,
		TTLHours:     ttlHours,
		CreatedAt:    now,
		ExpiresAt:    schedule.ExpiresAt,
	}
	if err := s.store.UpsertTTL(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to index TTL schedule: %w", err)
	}

	if err := s.events.Emit(deploymentID, events.TypeTTLScheduled, map[string]any{
		"ttl_hours":  ttlHours,
		"expires_at": schedule.ExpiresAt.Format(time.RFC3339),
	}); err != nil {
		s.log.WithError(err).WithDeploymentID(deploymentID).Warn("failed to emit TTL event")
	}

	s.log.WithDeploymentID(deploymentID).Infof("scheduled destruction in %dh at %s", ttlHours, schedule.ExpiresAt.Format(time.RFC3339))
	return schedule, nil
}

func (s *Scheduler) writeScheduleFile(deploymentID string, schedule *Schedule) error {
	dir, err := s.workspace.Dir(deploymentID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(schedule, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal TTL schedule: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ttlFileName), data, 0o644); err != nil {
		return fmt.Errorf("failed to write TTL schedule: %w", err)
	}
	return nil
}

// readScheduleFile returns the deployment's schedule, or nil when none
// is recorded.
func (s *Scheduler) readScheduleFile(deploymentID string) *Schedule {
	dir, err := s.workspace.Dir(deploymentID)
	if err != nil {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(dir, ttlFileName))
	if err != nil {
		return nil
	}
	var schedule Schedule
	if err := json.Unmarshal(data, &schedule); err != nil {
		return nil
	}
	return &schedule
}

// Cancel removes a deployment's schedule so the sweep will never
// destroy it.
func (s *Scheduler) Cancel(ctx context.Context, deploymentID string) error {
	if dir, err := s.workspace.Dir(deploymentID); err == nil {
		if err := os.Remove(filepath.Join(dir, ttlFileName)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove TTL schedule: %w", err)
		}
	}

	if err := s.store.CancelTTL(ctx, deploymentID); err != nil && !errors.Is(err, stores.ErrNotFound) {
		return err
	}
	s.log.WithDeploymentID(deploymentID).Info("TTL cancelled")
	return nil
}

// List returns every indexed schedule annotated with whether the
// deployment still exists and whether it has expired.
func (s *Scheduler) List(ctx context.Context) ([]Entry, error) {
	indexed, err := s.store.ListTTLs(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	entries := make([]Entry, 0, len(indexed))
	for _, item := range indexed {
		entry := Entry{
			Schedule: Schedule{
				DeploymentID: item.DeploymentID,
				TTLHours:     item.TTLHours,
				ScheduledAt:  item.CreatedAt,
				ExpiresAt:    item.ExpiresAt,
			},
			Exists:    s.workspace.Exists(item.DeploymentID),
			Cancelled: item.Cancelled,
		}
		entry.Expired = entry.Exists && item.Expired(now)
		entries = append(entries, entry)
	}
	return entries, nil
}

// Sweep destroys every expired deployment. Failures are counted and
// the sweep moves on; a deployment that fails to destroy stays expired
// and is retried on the next sweep.
func (s *Scheduler) Sweep(ctx context.Context, destroyer Destroyer) (*SweepResult, error) {
	indexed, err := s.store.ActiveTTLs(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	result := &SweepResult{
		ExpiredDeployments: []string{},
		TotalChecked:       len(indexed),
	}

	for _, item := range indexed {
		if !item.Expired(now) {
			continue
		}
		if !s.workspace.Exists(item.DeploymentID) {
			continue
		}

		result.ExpiredDeployments = append(result.ExpiredDeployments, item.DeploymentID)
		log := s.log.WithDeploymentID(item.DeploymentID)
		log.Info("deployment expired, destroying")

		if err := s.events.Emit(item.DeploymentID, events.TypeGCScan, map[string]any{
			"expired_at": item.ExpiresAt.Format(time.RFC3339),
		}); err != nil {
			log.WithError(err).Warn("failed to emit GC scan event")
		}

		if err := destroyer.Destroy(ctx, item.DeploymentID); err != nil {
			result.FailedCount++
			log.WithError(err).Error("failed to destroy expired deployment")
			continue
		}

		result.DestroyedCount++
		if err := s.events.Emit(item.DeploymentID, events.TypeGCCleaned, nil); err != nil {
			log.WithError(err).Warn("failed to emit GC cleaned event")
		}
		log.Info("expired deployment destroyed")
	}

	if s.metrics != nil {
		s.metrics.SweepResult(result.TotalChecked, result.DestroyedCount, result.FailedCount)
	}
	return result, nil
}
