package events

import (
	"encoding/json"
	"strings"
	"time"
)

// Status represents the lifecycle state of a deployment.
type Status string

// Deployment lifecycle states.
const (
	StatusQueued        Status = "queued"
	StatusInit          Status = "init"
	StatusTFInit        Status = "tf_init"
	StatusTFPlan        Status = "tf_plan"
	StatusTFApply       Status = "tf_apply"
	StatusBootstrapping Status = "bootstrapping"
	StatusVerifying     Status = "verifying"
	StatusHealthy       Status = "healthy"
	StatusFailed        Status = "failed"
	StatusDestroying    Status = "destroying"
	StatusDestroyed     Status = "destroyed"
)

// IsTerminal returns true when no further progress is expected without
// operator action.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusHealthy, StatusFailed, StatusDestroyed:
		return true
	}
	return false
}

// Valid reports whether s is a known lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusInit, StatusTFInit, StatusTFPlan, StatusTFApply,
		StatusBootstrapping, StatusVerifying, StatusHealthy, StatusFailed,
		StatusDestroying, StatusDestroyed:
		return true
	}
	return false
}

// StatusInfo is the derived view of a deployment's current state.
type StatusInfo struct {
	Status        Status            `json:"status"`
	Message       string            `json:"message"`
	LastEvent     *Record           `json:"last_event,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	FailureHint   string            `json:"failure_hint,omitempty"`
	PublicURL     string            `json:"public_url,omitempty"`
	LogLinks      map[string]string `json:"log_links,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// significantStatus maps event types that move the lifecycle forward to
// the state they imply. Progress-only events (log lines, cost hints,
// attach notices) are absent and never affect the derived status.
var significantStatus = map[Type]Status{
	TypeInit:          StatusInit,
	TypeTFInit:        StatusTFInit,
	TypeTFPlan:        StatusTFPlan,
	TypeTFApplyStart:  StatusTFApply,
	TypeTFApplyDone:   StatusBootstrapping,
	TypeBootstrapWait: StatusBootstrapping,
	TypeSmokeAttempt:  StatusVerifying,
	TypeSmokeFail:     StatusVerifying,
	TypeVerifyOK:      StatusHealthy,
	TypeDone:          StatusHealthy,
	TypeFailure:       StatusFailed,
	TypeError:         StatusFailed,
	TypeDestroyStart:  StatusDestroying,
	TypeDestroyDone:   StatusDestroyed,
}

var statusMessages = map[Status]string{
	StatusQueued:        "Deployment queued",
	StatusInit:          "Initializing deployment",
	StatusTFInit:        "Initializing Terraform",
	StatusTFPlan:        "Planning infrastructure",
	StatusTFApply:       "Applying infrastructure changes",
	StatusBootstrapping: "Bootstrapping application",
	StatusVerifying:     "Verifying deployment",
	StatusHealthy:       "Deployment successful",
	StatusFailed:        "Deployment failed",
	StatusDestroying:    "Destroying deployment",
	StatusDestroyed:     "Deployment destroyed",
}

// DeriveStatus folds an event history into the deployment's current
// state. It is a pure function of its inputs: the same events and
// outputs always yield the same answer, and any sequence of events
// yields some answer. The most recent failure is authoritative until a
// later terminal or destroy event supersedes it; ordinary stage
// markers never mask a failure. Without an active failure the newest
// significant event decides, so a destroy that follows a failure
// reports destroyed, and a failure detected after a successful deploy
// reports failed.
func DeriveStatus(records []Record, outputs map[string]string) StatusInfo {
	if len(records) == 0 {
		return StatusInfo{
			Status:    StatusQueued,
			Message:   statusMessages[StatusQueued],
			Timestamp: time.Now().UTC(),
		}
	}

	last := records[len(records)-1]
	info := StatusInfo{
		Status:    StatusQueued,
		LastEvent: &last,
		Timestamp: last.Timestamp,
	}

	if failure, ok := activeFailure(records); ok {
		info.Status = StatusFailed
		info.FailureReason = failure.StringData("reason_code")
		info.FailureHint = failure.StringData("hint")
		if msg := failure.StringData("message"); msg != "" {
			info.Message = msg
		}
	} else {
		for i := len(records) - 1; i >= 0; i-- {
			status, ok := significantStatus[records[i].Type]
			if !ok {
				continue
			}
			info.Status = status
			break
		}
	}

	if info.Message == "" {
		info.Message = statusMessage(info.Status, last)
	}

	if outputs != nil {
		info.PublicURL = outputs["public_url"]
		info.LogLinks = extractLogLinks(outputs)
	}
	return info
}

// activeFailure returns the most recent failure event that no later
// terminal or destroy event supersedes.
func activeFailure(records []Record) (Record, bool) {
	for i := len(records) - 1; i >= 0; i-- {
		switch records[i].Type {
		case TypeFailure, TypeError:
			return records[i], true
		case TypeVerifyOK, TypeDone, TypeDestroyStart, TypeDestroyDone:
			return Record{}, false
		}
	}
	return Record{}, false
}

func statusMessage(status Status, last Record) string {
	base, ok := statusMessages[status]
	if !ok {
		base = "Unknown status"
	}
	if msg := last.StringData("message"); msg != "" {
		return base + ": " + msg
	}
	return base
}

// extractLogLinks collects log console links from terraform outputs,
// either as a JSON-encoded log_links map or as individual
// log_<name>_url entries.
func extractLogLinks(outputs map[string]string) map[string]string {
	links := make(map[string]string)

	if raw, ok := outputs["log_links"]; ok {
		_ = json.Unmarshal([]byte(raw), &links)
	}
	for key, value := range outputs {
		if strings.HasPrefix(key, "log_") && strings.HasSuffix(key, "_url") {
			name := strings.TrimSuffix(strings.TrimPrefix(key, "log_"), "_url")
			links[name] = value
		}
	}

	if len(links) == 0 {
		return nil
	}
	return links
}
