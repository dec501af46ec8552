// Package cloud defines the narrow provider surface the rest of the
// system depends on: log retrieval, tag search, and resource deletion.
// Production code uses the AWS implementations; tests substitute fakes.
package cloud

import (
	"context"
	"errors"
	"time"
)

// ErrLogGroupNotFound indicates the requested log group or stream does
// not exist yet. Callers treat this as "not ready" rather than a hard
// failure, since groups appear some time after the instance boots.
var ErrLogGroupNotFound = errors.New("log group or stream not found")

// LogLine is a single line retrieved from a remote log stream.
type LogLine struct {
	Message   string
	Timestamp time.Time
}

// LogsAPI reads and manages remote application log streams.
type LogsAPI interface {
	// GetLogLines returns lines at or after the cursor together with
	// the cursor to use on the next call. Returns ErrLogGroupNotFound
	// while the group or stream does not exist yet.
	GetLogLines(ctx context.Context, group, stream string, cursor time.Time) ([]LogLine, time.Time, error)

	// FindLogGroups lists log group names matching a prefix.
	FindLogGroups(ctx context.Context, prefix string) ([]string, error)

	// DeleteLogGroup removes a log group and all of its streams.
	DeleteLogGroup(ctx context.Context, group string) error
}

// TaggedResource is a resource discovered through tag search.
type TaggedResource struct {
	ARN  string
	Tags map[string]string
}

// TagSearchAPI finds resources carrying all of the given tags.
type TagSearchAPI interface {
	FindTagged(ctx context.Context, tags map[string]string) ([]TaggedResource, error)
}

// ComputeAPI covers the EC2 resources a deployment creates.
type ComputeAPI interface {
	InstancesByTags(ctx context.Context, tags map[string]string) ([]string, error)
	TerminateInstances(ctx context.Context, ids []string) error
	SecurityGroupsByTags(ctx context.Context, tags map[string]string) ([]string, error)
	DeleteSecurityGroup(ctx context.Context, id string) error
}

// BucketAPI covers S3 buckets a deployment creates.
type BucketAPI interface {
	BucketsByTags(ctx context.Context, tags map[string]string) ([]string, error)
	EmptyAndDeleteBucket(ctx context.Context, name string) error
}

// SecretsAPI manages per-deployment secret material.
type SecretsAPI interface {
	// DeleteByPath removes all secrets under a path prefix and
	// returns how many were deleted.
	DeleteByPath(ctx context.Context, path string) (int, error)
}
