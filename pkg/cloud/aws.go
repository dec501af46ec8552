package cloud

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cwltypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi"
	taggingtypes "github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// Clients bundles the provider implementations for one region.
type Clients struct {
	Region  string
	Logs    LogsAPI
	Tags    TagSearchAPI
	Compute ComputeAPI
	Buckets BucketAPI
	Secrets SecretsAPI
}

// NewClients builds AWS-backed clients using the default credential
// chain.
func NewClients(ctx context.Context, region string) (*Clients, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	return &Clients{
		Region:  region,
		Logs:    &cloudWatchLogs{client: cloudwatchlogs.NewFromConfig(cfg)},
		Tags:    &tagSearch{client: resourcegroupstaggingapi.NewFromConfig(cfg)},
		Compute: &ec2Compute{client: ec2.NewFromConfig(cfg)},
		Buckets: &s3Buckets{client: s3.NewFromConfig(cfg)},
		Secrets: &ssmSecrets{client: ssm.NewFromConfig(cfg)},
	}, nil
}

type cloudWatchLogs struct {
	client *cloudwatchlogs.Client
}

func (c *cloudWatchLogs) GetLogLines(ctx context.Context, group, stream string, cursor time.Time) ([]LogLine, time.Time, error) {
	out, err := c.client.GetLogEvents(ctx, &cloudwatchlogs.GetLogEventsInput{
		LogGroupName:  aws.String(group),
		LogStreamName: aws.String(stream),
		StartTime:     aws.Int64(cursor.UnixMilli()),
		StartFromHead: aws.Bool(true),
	})
	if err != nil {
		var notFound *cwltypes.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return nil, cursor, ErrLogGroupNotFound
		}
		return nil, cursor, fmt.Errorf("failed to get log events: %w", err)
	}

	next := cursor
	var lines []LogLine
	for _, event := range out.Events {
		ts := time.UnixMilli(aws.ToInt64(event.Timestamp))
		lines = append(lines, LogLine{
			Message:   aws.ToString(event.Message),
			Timestamp: ts,
		})
		if advanced := ts.Add(time.Millisecond); advanced.After(next) {
			next = advanced
		}
	}
	return lines, next, nil
}

func (c *cloudWatchLogs) FindLogGroups(ctx context.Context, prefix string) ([]string, error) {
	var groups []string
	paginator := cloudwatchlogs.NewDescribeLogGroupsPaginator(c.client, &cloudwatchlogs.DescribeLogGroupsInput{
		LogGroupNamePrefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to describe log groups: %w", err)
		}
		for _, group := range page.LogGroups {
			groups = append(groups, aws.ToString(group.LogGroupName))
		}
	}
	return groups, nil
}

func (c *cloudWatchLogs) DeleteLogGroup(ctx context.Context, group string) error {
	_, err := c.client.DeleteLogGroup(ctx, &cloudwatchlogs.DeleteLogGroupInput{
		LogGroupName: aws.String(group),
	})
	if err != nil {
		var notFound *cwltypes.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to delete log group %s: %w", group, err)
	}
	return nil
}

type tagSearch struct {
	client *resourcegroupstaggingapi.Client
}

func (t *tagSearch) FindTagged(ctx context.Context, tags map[string]string) ([]TaggedResource, error) {
	filters := make([]taggingtypes.TagFilter, 0, len(tags))
	for key, value := range tags {
		filters = append(filters, taggingtypes.TagFilter{
			Key:    aws.String(key),
			Values: []string{value},
		})
	}

	var resources []TaggedResource
	paginator := resourcegroupstaggingapi.NewGetResourcesPaginator(t.client, &resourcegroupstaggingapi.GetResourcesInput{
		TagFilters: filters,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to search tagged resources: %w", err)
		}
		for _, mapping := range page.ResourceTagMappingList {
			resource := TaggedResource{
				ARN:  aws.ToString(mapping.ResourceARN),
				Tags: make(map[string]string, len(mapping.Tags)),
			}
			for _, tag := range mapping.Tags {
				resource.Tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
			}
			resources = append(resources, resource)
		}
	}
	return resources, nil
}

type ec2Compute struct {
	client *ec2.Client
}

func tagFilters(tags map[string]string) []ec2types.Filter {
	filters := make([]ec2types.Filter, 0, len(tags))
	for key, value := range tags {
		filters = append(filters, ec2types.Filter{
			Name:   aws.String("tag:" + key),
			Values: []string{value},
		})
	}
	return filters
}

func (e *ec2Compute) InstancesByTags(ctx context.Context, tags map[string]string) ([]string, error) {
	filters := append(tagFilters(tags), ec2types.Filter{
		Name:   aws.String("instance-state-name"),
		Values: []string{"pending", "running", "stopping", "stopped"},
	})

	var ids []string
	paginator := ec2.NewDescribeInstancesPaginator(e.client, &ec2.DescribeInstancesInput{Filters: filters})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to describe instances: %w", err)
		}
		for _, reservation := range page.Reservations {
			for _, instance := range reservation.Instances {
				ids = append(ids, aws.ToString(instance.InstanceId))
			}
		}
	}
	return ids, nil
}

func (e *ec2Compute) TerminateInstances(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := e.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids})
	if err != nil {
		return fmt.Errorf("failed to terminate instances: %w", err)
	}
	return nil
}

func (e *ec2Compute) SecurityGroupsByTags(ctx context.Context, tags map[string]string) ([]string, error) {
	var ids []string
	paginator := ec2.NewDescribeSecurityGroupsPaginator(e.client, &ec2.DescribeSecurityGroupsInput{
		Filters: tagFilters(tags),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to describe security groups: %w", err)
		}
		for _, group := range page.SecurityGroups {
			ids = append(ids, aws.ToString(group.GroupId))
		}
	}
	return ids, nil
}

func (e *ec2Compute) DeleteSecurityGroup(ctx context.Context, id string) error {
	_, err := e.client.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: aws.String(id)})
	if err != nil {
		return fmt.Errorf("failed to delete security group %s: %w", id, err)
	}
	return nil
}

type s3Buckets struct {
	client *s3.Client
}

func (b *s3Buckets) BucketsByTags(ctx context.Context, tags map[string]string) ([]string, error) {
	out, err := b.client.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, fmt.Errorf("failed to list buckets: %w", err)
	}

	var matched []string
	for _, bucket := range out.Buckets {
		name := aws.ToString(bucket.Name)
		tagging, err := b.client.GetBucketTagging(ctx, &s3.GetBucketTaggingInput{Bucket: aws.String(name)})
		if err != nil {
			// Buckets without a tag set return an error; skip them.
			continue
		}
		bucketTags := make(map[string]string, len(tagging.TagSet))
		for _, tag := range tagging.TagSet {
			bucketTags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
		}
		if tagsMatch(bucketTags, tags) {
			matched = append(matched, name)
		}
	}
	return matched, nil
}

func tagsMatch(have, want map[string]string) bool {
	for key, value := range want {
		if have[key] != value {
			return false
		}
	}
	return true
}

func (b *s3Buckets) EmptyAndDeleteBucket(ctx context.Context, name string) error {
	// Versioned buckets keep object versions and delete markers; all
	// of them must go before the bucket can be removed.
	var keyMarker, versionMarker *string
	for {
		versions, err := b.client.ListObjectVersions(ctx, &s3.ListObjectVersionsInput{
			Bucket:          aws.String(name),
			KeyMarker:       keyMarker,
			VersionIdMarker: versionMarker,
		})
		if err != nil {
			return fmt.Errorf("failed to list object versions in %s: %w", name, err)
		}

		var objects []s3types.ObjectIdentifier
		for _, version := range versions.Versions {
			objects = append(objects, s3types.ObjectIdentifier{
				Key:       version.Key,
				VersionId: version.VersionId,
			})
		}
		for _, marker := range versions.DeleteMarkers {
			objects = append(objects, s3types.ObjectIdentifier{
				Key:       marker.Key,
				VersionId: marker.VersionId,
			})
		}

		if len(objects) > 0 {
			_, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(name),
				Delete: &s3types.Delete{Objects: objects, Quiet: aws.Bool(true)},
			})
			if err != nil {
				return fmt.Errorf("failed to delete objects in %s: %w", name, err)
			}
		}

		if !aws.ToBool(versions.IsTruncated) {
			break
		}
		keyMarker = versions.NextKeyMarker
		versionMarker = versions.NextVersionIdMarker
	}

	if _, err := b.client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(name)}); err != nil {
		return fmt.Errorf("failed to delete bucket %s: %w", name, err)
	}
	return nil
}

type ssmSecrets struct {
	client *ssm.Client
}

func (s *ssmSecrets) DeleteByPath(ctx context.Context, path string) (int, error) {
	var names []string
	paginator := ssm.NewGetParametersByPathPaginator(s.client, &ssm.GetParametersByPathInput{
		Path:      aws.String(path),
		Recursive: aws.Bool(true),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to list parameters under %s: %w", path, err)
		}
		for _, parameter := range page.Parameters {
			names = append(names, aws.ToString(parameter.Name))
		}
	}

	deleted := 0
	// DeleteParameters accepts at most ten names per call.
	for start := 0; start < len(names); start += 10 {
		end := start + 10
		if end > len(names) {
			end = len(names)
		}
		out, err := s.client.DeleteParameters(ctx, &ssm.DeleteParametersInput{Names: names[start:end]})
		if err != nil {
			return deleted, fmt.Errorf("failed to delete parameters: %w", err)
		}
		deleted += len(out.DeletedParameters)
	}
	return deleted, nil
}
