// Package obs tails remote application logs for running deployments,
// classifies failure signatures in the stream, and surfaces both as
// lifecycle events.
package obs

import (
	"regexp"
	"sync"
)

// Severity ranks how serious a detected failure is.
type Severity string

// Severity levels.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rule matches a family of failure signatures in log output.
type Rule struct {
	ID       string
	Name     string
	Patterns []*regexp.Regexp
	Message  string
	Hint     string
	Severity Severity
}

// Failure describes a classified failure occurrence.
type Failure struct {
	ReasonCode      string `json:"reason_code"`
	Name            string `json:"name"`
	Message         string `json:"message"`
	Hint            string `json:"hint"`
	Severity        string `json:"severity"`
	Source          string `json:"source"`
	OriginalMessage string `json:"original_message"`
}

func mustRule(id, name string, severity Severity, message, hint string, patterns ...string) Rule {
	compiled := make([]*regexp.Regexp, len(patterns))
	for i, pattern := range patterns {
		compiled[i] = regexp.MustCompile("(?i)" + pattern)
	}
	return Rule{
		ID:       id,
		Name:     name,
		Patterns: compiled,
		Message:  message,
		Hint:     hint,
		Severity: severity,
	}
}

func defaultRules() []Rule {
	return []Rule{
		mustRule("pip_install_error", "Python Dependencies Failed", SeverityHigh,
			"Python dependencies failed to install",
			"Check requirements.txt and build tools; see CloudWatch stream 'ec2/cloud-init'",
			`pip(3)? install .* (failed|ERROR|Could not find version)`,
			`ERROR: Could not find a version that satisfies`,
			`ERROR: No matching distribution found`,
			`pip install.*returned non-zero exit status`),
		mustRule("module_not_found", "Python Module Not Found", SeverityHigh,
			"Required Python module not found",
			"Check dependencies and virtual environment; ensure all required packages are installed",
			`ModuleNotFoundError: No module named`,
			`ImportError: No module named`,
			`ImportError: cannot import name`),
		mustRule("npm_error", "Node.js Build Failed", SeverityHigh,
			"Node.js install/build failed",
			"Check package.json, scripts, and lockfile; see stream 'ecs/<service>'",
			`npm ERR!`,
			`Error: Cannot find module`,
			`Module not found:`,
			`npm install.*failed`),
		mustRule("address_in_use", "Port Already in Use", SeverityMedium,
			"Port already in use",
			"Choose a different port or stop the other process",
			`Address already in use`,
			`EADDRINUSE`,
			`bind: address already in use`,
			`Port \d+ is already in use`),
		mustRule("connection_refused", "Connection Refused", SeverityMedium,
			"Connection refused",
			"Check if the service is running and accessible",
			`Connection refused`,
			`ECONNREFUSED`,
			`Failed to connect`,
			`No connection could be made`),
		mustRule("bind_loopback", "Bound to Loopback Address", SeverityHigh,
			"Application bound to loopback address",
			"Patcher should enforce 0.0.0.0 binding; check application configuration",
			`(127\.0\.0\.1|localhost).*bind`,
			`bind.*(127\.0\.0\.1|localhost)`,
			`listening on localhost only`),
		mustRule("permission_denied", "Permission Denied", SeverityMedium,
			"Permission denied",
			"Check file permissions and user privileges",
			`Permission denied`,
			`EACCES`,
			`Access denied`,
			`Operation not permitted`),
		mustRule("uvicorn_import", "ASGI App Import Error", SeverityHigh,
			"Failed to load ASGI application",
			"Check application entry point and module path",
			`Error loading ASGI app`,
			`No ASGI app found`,
			`Failed to import ASGI application`),
		mustRule("django_migrate", "Database Migration Required", SeverityMedium,
			"Database migration needed",
			"Run database migrations; not provisioned in v1",
			`no such table`,
			`django\.db.*does not exist`,
			`relation.*does not exist`,
			`Table.*doesn't exist`),
		mustRule("health_check_failed", "Health Check Failed", SeverityMedium,
			"Health check failed",
			"Check application startup and health endpoint",
			`Health check failed`,
			`HTTP.*(52[03]|504)`,
			`Service unhealthy`,
			`Health check timeout`),
		mustRule("service_start_failed", "Service Start Failed", SeverityHigh,
			"Service failed to start",
			"Check service configuration and dependencies",
			`Failed to start.*service`,
			`systemd.*failed`,
			`Service.*failed to start`,
			`Job for.*failed`),
		mustRule("cloudwatch_error", "CloudWatch Logs Error", SeverityLow,
			"CloudWatch logging error",
			"Check IAM permissions for CloudWatch Logs",
			`CloudWatch.*error`,
			`Failed to send logs`,
			`Log group.*not found`,
			`Access denied.*logs`),
	}
}

// Classifier matches log lines against failure rules. Each rule fires
// at most once per classifier instance, so a failure that floods the
// log produces a single FAILURE_DETECTED event.
type Classifier struct {
	mu       sync.Mutex
	rules    []Rule
	detected map[string]bool
}

// NewClassifier creates a classifier with the built-in rule set.
func NewClassifier() *Classifier {
	return &Classifier{
		rules:    defaultRules(),
		detected: make(map[string]bool),
	}
}

// AddRule appends a custom rule. Rules are evaluated in order, first
// match wins, so custom rules rank after the built-ins.
func (c *Classifier) AddRule(rule Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = append(c.rules, rule)
}

// ClassifyMessage returns the first rule matching the message, or nil.
// It does not record the match; use DetectFailure for deduplicated
// detection.
func (c *Classifier) ClassifyMessage(message string) *Rule {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.classifyLocked(message)
}

func (c *Classifier) classifyLocked(message string) *Rule {
	for i := range c.rules {
		for _, pattern := range c.rules[i].Patterns {
			if pattern.MatchString(message) {
				return &c.rules[i]
			}
		}
	}
	return nil
}

// DetectFailure classifies a message and, when a rule matches for the
// first time, returns the failure details. Repeat matches of the same
// rule return nil.
func (c *Classifier) DetectFailure(message, source string) *Failure {
	c.mu.Lock()
	defer c.mu.Unlock()

	rule := c.classifyLocked(message)
	if rule == nil || c.detected[rule.ID] {
		return nil
	}
	c.detected[rule.ID] = true

	return &Failure{
		ReasonCode:      rule.ID,
		Name:            rule.Name,
		Message:         rule.Message,
		Hint:            rule.Hint,
		Severity:        string(rule.Severity),
		Source:          source,
		OriginalMessage: message,
	}
}

// DetectedRules returns the ids of rules that have fired so far.
func (c *Classifier) DetectedRules() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.detected))
	for id := range c.detected {
		ids = append(ids, id)
	}
	return ids
}

// Reset clears the fired-rule memory.
func (c *Classifier) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detected = make(map[string]bool)
}
