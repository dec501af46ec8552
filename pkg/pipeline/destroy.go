package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/skylift/skylift/pkg/events"
	"github.com/skylift/skylift/pkg/obs"
)

// Destroy tears down a deployment: terraform destroy, then a cleanup
// sweep for anything terraform missed. The sweep always runs, even when
// destroy itself fails, so a half-dead stack still loses its tagged
// resources. Destroying an already-destroyed deployment is harmless.
func (o *Orchestrator) Destroy(ctx context.Context, deploymentID string) error {
	return o.DestroyWithForce(ctx, deploymentID, false)
}

// DestroyWithForce is Destroy with the option to treat a terraform
// destroy failure as non-fatal: the deployment is marked destroyed on
// the strength of the cleanup sweep alone. Used when the terraform
// state is known to be broken and the sweep is the only way out.
func (o *Orchestrator) DestroyWithForce(ctx context.Context, deploymentID string, force bool) error {
	log := o.log.WithDeploymentID(deploymentID)

	o.emit(deploymentID, events.TypeDestroyStart, nil)
	o.setRegistryStatus(ctx, deploymentID, string(events.StatusDestroying), nil, nil)
	o.stopObs(deploymentID)

	var destroyErr error
	tfDir, err := o.workspace.TerraformDir(deploymentID)
	if err != nil {
		destroyErr = fmt.Errorf("failed to resolve terraform directory: %w", err)
	} else if hasTerraformState(tfDir) {
		destroyErr = o.stage(ctx, deploymentID, "tf_destroy", func(ctx context.Context) error {
			return o.newRunner(deploymentID, tfDir).Destroy(ctx)
		})
	} else {
		log.Info("no terraform state, skipping destroy")
	}
	if destroyErr != nil {
		log.WithError(destroyErr).Error("terraform destroy failed, running cleanup sweep anyway")
	}

	removed, failed := o.postDestroyCleanup(ctx, deploymentID)

	if destroyErr != nil && force {
		log.Warn("terraform destroy failed but force is set, marking destroyed")
		destroyErr = nil
	}

	status := "destroyed"
	if destroyErr != nil {
		status = "destroy_failed"
	}
	o.emit(deploymentID, events.TypeDestroyDone, map[string]any{
		"status":            status,
		"resources_removed": removed,
		"resources_failed":  failed,
	})

	if destroyErr != nil {
		msg := destroyErr.Error()
		o.setRegistryStatus(ctx, deploymentID, string(events.StatusFailed), nil, &msg)
		return fatalError("destroy", "terraform destroy failed", "check terraform.log for details", destroyErr)
	}

	o.setRegistryStatus(ctx, deploymentID, string(events.StatusDestroyed), nil, nil)
	if err := o.ttl.Cancel(ctx, deploymentID); err != nil {
		log.WithError(err).Warn("failed to cancel TTL after destroy")
	}
	log.Info("deployment destroyed")
	return nil
}

// postDestroyCleanup removes resources terraform does not track: the
// deployment's parameter store entries, its log group, and anything
// still carrying the deployment's tags. Failures are counted, never
// propagated; teardown should leave as little behind as it can.
func (o *Orchestrator) postDestroyCleanup(ctx context.Context, deploymentID string) (removed, failed int) {
	log := o.log.WithDeploymentID(deploymentID)

	if o.clients != nil && o.clients.Secrets != nil {
		path := fmt.Sprintf("/skylift/%s/env/", deploymentID)
		if n, err := o.clients.Secrets.DeleteByPath(ctx, path); err != nil {
			log.WithError(err).Warn("failed to delete parameters")
			failed++
		} else {
			removed += n
		}
	}

	if o.clients != nil && o.clients.Logs != nil {
		if err := o.clients.Logs.DeleteLogGroup(ctx, obs.LogGroupName(deploymentID)); err != nil {
			log.WithError(err).Warn("failed to delete log group")
			failed++
		} else {
			removed++
		}
	}

	if o.sweeper != nil {
		found, err := o.sweeper.Discover(ctx, deploymentID)
		if err != nil {
			log.WithError(err).Warn("resource discovery failed")
		}
		o.emit(deploymentID, events.TypeGCScan, map[string]any{"found": len(found)})
		if len(found) > 0 {
			result := o.sweeper.Delete(ctx, found)
			removed += result.Removed
			failed += result.Failed
		}
		o.emit(deploymentID, events.TypeGCCleaned, map[string]any{
			"removed": removed,
			"failed":  failed,
		})
	}

	return removed, failed
}

// hasTerraformState reports whether a destroy has anything to act on.
func hasTerraformState(tfDir string) bool {
	for _, name := range []string{"terraform.tfstate", ".terraform"} {
		if _, err := os.Stat(filepath.Join(tfDir, name)); err == nil {
			return true
		}
	}
	return false
}
