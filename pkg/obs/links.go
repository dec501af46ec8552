package obs

import (
	"fmt"
	"net/url"
	"strings"
)

// LogGroupName returns the CloudWatch log group used for a deployment.
func LogGroupName(deploymentID string) string {
	return "/skylift/" + deploymentID
}

// ConsoleURL builds the CloudWatch console URL for a log stream.
func ConsoleURL(region, group, stream string) string {
	return fmt.Sprintf(
		"https://console.aws.amazon.com/cloudwatch/home?region=%s#logsV2:log-groups/log-group/%s/log-events/%s",
		region, url.QueryEscape(group), url.QueryEscape(stream))
}

// LogGroupConsoleURL builds the CloudWatch console URL for a log group.
func LogGroupConsoleURL(region, group string) string {
	return fmt.Sprintf(
		"https://console.aws.amazon.com/cloudwatch/home?region=%s#logsV2:log-groups/log-group/%s",
		region, url.QueryEscape(group))
}

// InstanceConsoleURL builds the EC2 console URL for an instance.
func InstanceConsoleURL(region, instanceID string) string {
	return fmt.Sprintf(
		"https://console.aws.amazon.com/ec2/home?region=%s#InstanceDetails:instanceId=%s",
		region, instanceID)
}

// BucketConsoleURL builds the S3 console URL for a bucket.
func BucketConsoleURL(region, bucket string) string {
	return fmt.Sprintf("https://console.aws.amazon.com/s3/buckets/%s?region=%s", bucket, region)
}

// BuildLogLinks assembles console links for a deployment from its
// terraform outputs.
func BuildLogLinks(region, deploymentID string, outputs map[string]string) map[string]string {
	group := LogGroupName(deploymentID)
	links := map[string]string{
		"cloudwatch_group": LogGroupConsoleURL(region, group),
	}

	if instanceID, ok := outputs["instance_id"]; ok {
		links["ec2_console"] = InstanceConsoleURL(region, instanceID)
		links["ec2_cloud_init"] = ConsoleURL(region, group, "ec2/cloud-init")
		links["ec2_systemd"] = ConsoleURL(region, group, "ec2/service")
	}
	if bucket, ok := outputs["bucket_name"]; ok {
		links["s3_console"] = BucketConsoleURL(region, bucket)
	}
	return links
}

// TailCommand builds the AWS CLI invocation to follow a log group.
func TailCommand(region, group, stream string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "aws logs tail %s --region %s", group, region)
	if stream != "" {
		fmt.Fprintf(&b, " --log-stream-names %s", stream)
	}
	b.WriteString(" --follow")
	return b.String()
}
