package deployment

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Tag keys stamped on every provisioned resource. The cleanup sweep keys
// its discovery on ProjectTagKey and IDTagKey.
const (
	ProjectTagKey   = "project"
	IDTagKey        = "deployment_id"
	CreatedAtTagKey = "created_at"
	TTLHoursTagKey  = "ttl_hours"
	ExpiresAtTagKey = "expires_at"
)

// BaseTags returns the tag set applied to all resources of a deployment.
func BaseTags(projectTag, deploymentID string, extra map[string]string) map[string]string {
	tags := map[string]string{
		ProjectTagKey:   projectTag,
		IDTagKey:        deploymentID,
		CreatedAtTagKey: time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range extra {
		tags[k] = v
	}
	return tags
}

// AddTTLTags returns a copy of tags with expiry information added.
func AddTTLTags(tags map[string]string, ttlHours int, now time.Time) map[string]string {
	out := make(map[string]string, len(tags)+2)
	for k, v := range tags {
		out[k] = v
	}
	out[TTLHoursTagKey] = strconv.Itoa(ttlHours)
	out[ExpiresAtTagKey] = now.UTC().Add(time.Duration(ttlHours) * time.Hour).Format(time.RFC3339)
	return out
}

// ParseUserTags parses "key=value" strings into a tag map.
func ParseUserTags(pairs []string) (map[string]string, error) {
	tags := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if !ok || key == "" || value == "" {
			return nil, fmt.Errorf("invalid tag %q: expected key=value", pair)
		}
		tags[key] = value
	}
	return tags, nil
}
