// Package cleanup finds leftover cloud resources for a deployment by
// tag and removes them. It backstops terraform destroy: anything still
// carrying the deployment's tags after a destroy is an orphan.
package cleanup

import (
	"context"
	"fmt"
	"strings"

	"github.com/skylift/skylift/pkg/cloud"
	"github.com/skylift/skylift/pkg/deployment"
	"github.com/skylift/skylift/pkg/obs"
	"github.com/skylift/skylift/pkg/telemetry"
)

// FoundResource is a cloud resource attributed to a deployment.
type FoundResource struct {
	Service string            `json:"service"`
	ARNOrID string            `json:"arn_or_id"`
	Tags    map[string]string `json:"tags,omitempty"`
	Reason  string            `json:"reason,omitempty"`
}

// Result counts the outcome of a delete pass.
type Result struct {
	Removed int `json:"removed"`
	Failed  int `json:"failed"`
}

// Sweeper discovers and deletes deployment-tagged resources.
type Sweeper struct {
	projectTag string
	tags       cloud.TagSearchAPI
	compute    cloud.ComputeAPI
	logs       cloud.LogsAPI
	buckets    cloud.BucketAPI
	log        *telemetry.Logger
	metrics    *telemetry.Metrics
}

// NewSweeper creates a sweeper scoped to one project tag.
func NewSweeper(projectTag string, clients *cloud.Clients, log *telemetry.Logger, metrics *telemetry.Metrics) *Sweeper {
	if log == nil {
		log = telemetry.NewComponentLogger("cleanup")
	}
	return &Sweeper{
		projectTag: projectTag,
		tags:       clients.Tags,
		compute:    clients.Compute,
		logs:       clients.Logs,
		buckets:    clients.Buckets,
		log:        log,
		metrics:    metrics,
	}
}

// Discover lists resources tagged for the deployment. The tagging API
// is authoritative; when it fails, per-service searches reconstruct the
// same set from EC2, CloudWatch Logs, and S3 directly.
func (s *Sweeper) Discover(ctx context.Context, deploymentID string) ([]FoundResource, error) {
	filter := map[string]string{
		deployment.ProjectTagKey: s.projectTag,
		deployment.IDTagKey:      deploymentID,
	}

	tagged, err := s.tags.FindTagged(ctx, filter)
	if err != nil {
		s.log.WithError(err).WithDeploymentID(deploymentID).Warn("tag search failed, falling back to per-service discovery")
		return s.fallbackDiscover(ctx, deploymentID, filter)
	}

	found := make([]FoundResource, 0, len(tagged))
	for _, resource := range tagged {
		found = append(found, FoundResource{
			Service: ServiceFromARN(resource.ARN),
			ARNOrID: resource.ARN,
			Tags:    resource.Tags,
			Reason:  fmt.Sprintf("tagged with %s=%s and %s=%s", deployment.ProjectTagKey, s.projectTag, deployment.IDTagKey, deploymentID),
		})
	}
	return found, nil
}

func (s *Sweeper) fallbackDiscover(ctx context.Context, deploymentID string, filter map[string]string) ([]FoundResource, error) {
	var found []FoundResource

	instances, err := s.compute.InstancesByTags(ctx, filter)
	if err != nil {
		s.log.WithError(err).Warn("instance search failed")
	}
	for _, id := range instances {
		found = append(found, FoundResource{
			Service: "ec2",
			ARNOrID: id,
			Reason:  fmt.Sprintf("instance tagged with %s=%s", deployment.IDTagKey, deploymentID),
		})
	}

	groups, err := s.compute.SecurityGroupsByTags(ctx, filter)
	if err != nil {
		s.log.WithError(err).Warn("security group search failed")
	}
	for _, id := range groups {
		found = append(found, FoundResource{
			Service: "sg",
			ARNOrID: id,
			Reason:  fmt.Sprintf("security group tagged with %s=%s", deployment.IDTagKey, deploymentID),
		})
	}

	logGroups, err := s.logs.FindLogGroups(ctx, obs.LogGroupName(deploymentID))
	if err != nil {
		s.log.WithError(err).Warn("log group search failed")
	}
	for _, name := range logGroups {
		found = append(found, FoundResource{
			Service: "logs",
			ARNOrID: name,
			Reason:  fmt.Sprintf("log group for deployment %s", deploymentID),
		})
	}

	buckets, err := s.buckets.BucketsByTags(ctx, filter)
	if err != nil {
		s.log.WithError(err).Warn("bucket search failed")
	}
	for _, name := range buckets {
		found = append(found, FoundResource{
			Service: "s3",
			ARNOrID: name,
			Reason:  fmt.Sprintf("bucket tagged with %s=%s", deployment.IDTagKey, deploymentID),
		})
	}

	return found, nil
}

// Delete removes the found resources. Every resource is attempted;
// failures are counted, never propagated, so one stubborn resource
// cannot block the rest of the sweep.
func (s *Sweeper) Delete(ctx context.Context, found []FoundResource) Result {
	var result Result
	for _, resource := range found {
		if err := s.deleteResource(ctx, resource); err != nil {
			result.Failed++
			s.log.WithError(err).Warnf("failed to delete %s resource %s", resource.Service, resource.ARNOrID)
			if s.metrics != nil {
				s.metrics.ResourceFailed(resource.Service)
			}
			continue
		}
		result.Removed++
		s.log.Infof("deleted %s resource %s", resource.Service, resource.ARNOrID)
		if s.metrics != nil {
			s.metrics.ResourceRemoved(resource.Service)
		}
	}
	return result
}

func (s *Sweeper) deleteResource(ctx context.Context, resource FoundResource) error {
	switch resource.Service {
	case "ec2":
		return s.compute.TerminateInstances(ctx, []string{ResourceID(resource.ARNOrID)})
	case "sg":
		return s.compute.DeleteSecurityGroup(ctx, ResourceID(resource.ARNOrID))
	case "logs":
		return s.logs.DeleteLogGroup(ctx, logGroupFromARN(resource.ARNOrID))
	case "s3":
		return s.buckets.EmptyAndDeleteBucket(ctx, ResourceID(resource.ARNOrID))
	default:
		return fmt.Errorf("no delete handler for service %s", resource.Service)
	}
}

// ServiceFromARN classifies an ARN into the service labels the sweeper
// dispatches on. Input that is not an ARN classifies as unknown; the
// fallback discovery path labels bare ids itself.
func ServiceFromARN(arn string) string {
	parts := strings.Split(arn, ":")
	if len(parts) < 3 || parts[0] != "arn" {
		return "unknown"
	}

	switch service := parts[2]; service {
	case "ec2":
		switch {
		case strings.Contains(arn, "instance"):
			return "ec2"
		case strings.Contains(arn, "security-group"):
			return "sg"
		case strings.Contains(arn, "elastic-ip"):
			return "eip"
		}
		return "ec2"
	case "elasticloadbalancing":
		switch {
		case strings.Contains(arn, "loadbalancer"):
			return "alb"
		case strings.Contains(arn, "targetgroup"):
			return "tg"
		case strings.Contains(arn, "listener"):
			return "listener"
		}
		return service
	case "ecs":
		switch {
		case strings.Contains(arn, "task-definition"):
			return "task-def"
		case strings.Contains(arn, "service"):
			return "ecs"
		}
		return service
	default:
		return service
	}
}

// ResourceID strips the ARN envelope and returns the bare resource id.
// Non-ARN input is returned unchanged.
func ResourceID(arnOrID string) string {
	if !strings.HasPrefix(arnOrID, "arn:") {
		return arnOrID
	}
	parts := strings.Split(arnOrID, ":")
	tail := parts[len(parts)-1]
	if idx := strings.LastIndex(tail, "/"); idx >= 0 {
		return tail[idx+1:]
	}
	return tail
}

// logGroupFromARN recovers a log group name from its ARN. Log group
// ARNs embed the name after "log-group:".
func logGroupFromARN(arnOrID string) string {
	if !strings.HasPrefix(arnOrID, "arn:") {
		return arnOrID
	}
	const marker = "log-group:"
	if idx := strings.Index(arnOrID, marker); idx >= 0 {
		name := arnOrID[idx+len(marker):]
		return strings.TrimSuffix(name, ":*")
	}
	return arnOrID
}
