package obs

import (
	"testing"
)

func TestClassifyPortConflict(t *testing.T) {
	c := NewClassifier()

	rule := c.ClassifyMessage("Address already in use: 8080")
	if rule == nil {
		t.Fatal("expected a match for port conflict")
	}
	if rule.ID != "address_in_use" {
		t.Errorf("expected address_in_use, got %s", rule.ID)
	}
	if rule.Severity != SeverityMedium {
		t.Errorf("expected medium severity, got %s", rule.Severity)
	}
}

func TestClassifyCaseInsensitive(t *testing.T) {
	c := NewClassifier()
	if rule := c.ClassifyMessage("ADDRESS ALREADY IN USE"); rule == nil || rule.ID != "address_in_use" {
		t.Errorf("case-insensitive match failed: %v", rule)
	}
}

func TestClassifyRules(t *testing.T) {
	cases := []struct {
		message  string
		wantRule string
	}{
		{"ERROR: Could not find a version that satisfies the requirement flask", "pip_install_error"},
		{"ModuleNotFoundError: No module named 'django'", "module_not_found"},
		{"npm ERR! code ELIFECYCLE", "npm_error"},
		{"connect ECONNREFUSED 10.0.0.5:5432", "connection_refused"},
		{"server listening on localhost only", "bind_loopback"},
		{"EACCES: permission denied, open '/var/log/app.log'", "permission_denied"},
		{"Error loading ASGI app. Could not import module \"main\".", "uvicorn_import"},
		{"OperationalError: no such table: auth_user", "django_migrate"},
		{"Health check failed after 3 attempts", "health_check_failed"},
		{"Job for myapp.service failed because the control process exited", "service_start_failed"},
		{"Log group /skylift/d-x not found", "cloudwatch_error"},
	}

	for _, tc := range cases {
		c := NewClassifier()
		rule := c.ClassifyMessage(tc.message)
		if rule == nil {
			t.Errorf("no match for %q, want %s", tc.message, tc.wantRule)
			continue
		}
		if rule.ID != tc.wantRule {
			t.Errorf("message %q: got rule %s, want %s", tc.message, rule.ID, tc.wantRule)
		}
	}
}

func TestClassifyNoMatch(t *testing.T) {
	c := NewClassifier()
	if rule := c.ClassifyMessage("application started successfully on 0.0.0.0:8080"); rule != nil {
		t.Errorf("unexpected match: %s", rule.ID)
	}
}

func TestDetectFailureFiresOncePerRule(t *testing.T) {
	c := NewClassifier()

	first := c.DetectFailure("Address already in use: 8080", "ec2:cloud-init")
	if first == nil {
		t.Fatal("expected failure on first match")
	}
	if first.ReasonCode != "address_in_use" || first.Severity != "medium" {
		t.Errorf("unexpected failure: %+v", first)
	}
	if first.OriginalMessage != "Address already in use: 8080" {
		t.Errorf("original message not preserved: %s", first.OriginalMessage)
	}
	if first.Source != "ec2:cloud-init" {
		t.Errorf("source not carried: %s", first.Source)
	}

	// Same rule again, even from another source: no second event.
	if again := c.DetectFailure("bind: address already in use", "systemd"); again != nil {
		t.Errorf("rule fired twice: %+v", again)
	}

	// A different rule still fires.
	if other := c.DetectFailure("Connection refused", "systemd"); other == nil {
		t.Error("different rule should still fire")
	}

	detected := c.DetectedRules()
	if len(detected) != 2 {
		t.Errorf("expected 2 detected rules, got %v", detected)
	}
}

func TestDetectFailureResetAllowsRefire(t *testing.T) {
	c := NewClassifier()
	if c.DetectFailure("EADDRINUSE", "x") == nil {
		t.Fatal("expected first detection")
	}
	c.Reset()
	if c.DetectFailure("EADDRINUSE", "x") == nil {
		t.Error("expected detection after reset")
	}
}
