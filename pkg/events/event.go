// Package events implements the append-only per-deployment event log
// and the status derivation built on top of it. The event log is the
// single source of truth for deployment state: nothing else records
// progress, and status is always computed by folding over the log.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies a kind of lifecycle event.
type Type string

// Lifecycle event types, in roughly the order a deployment emits them.
const (
	TypeInit           Type = "INIT"
	TypeTagsApplied    Type = "TAGS_APPLIED"
	TypeNLPOverrides   Type = "NLP_OVERRIDES"
	TypeAnalyzeDone    Type = "ANALYZE_DONE"
	TypeInfraDecision  Type = "INFRA_DECISION"
	TypeRecipeSelected Type = "RECIPE_SELECTED"
	TypeTFInit         Type = "TF_INIT"
	TypeTFPlan         Type = "TF_PLAN"
	TypeTFApplyStart   Type = "TF_APPLY_START"
	TypeTFApplyLine    Type = "TF_APPLY_LINE"
	TypeTFApplyDone    Type = "TF_APPLY_DONE"
	TypeCostHint       Type = "COST_HINT"
	TypeBootstrapWait  Type = "BOOTSTRAP_WAIT"
	TypeObsAttach      Type = "OBS_ATTACH"
	TypeObsLine        Type = "OBS_LINE"
	TypeObsLogsReady   Type = "OBS_LOGS_READY"
	TypeFailure        Type = "FAILURE_DETECTED"
	TypeSmokeAttempt   Type = "SMOKE_ATTEMPT"
	TypeSmokeOK        Type = "SMOKE_OK"
	TypeSmokeFail      Type = "SMOKE_FAIL"
	TypeVerifyOK       Type = "VERIFY_OK"
	TypeDone           Type = "DONE"
	TypeError          Type = "ERROR"
	TypeTTLScheduled   Type = "TTL_SCHEDULED"
	TypeGCScan         Type = "GC_SCAN"
	TypeGCCleaned      Type = "GC_CLEANED"
	TypeDestroyStart   Type = "DESTROY_START"
	TypeDestroyDone    Type = "DESTROY_DONE"
)

// Record is a single entry in a deployment's event log.
type Record struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"ts"`
	Type      Type           `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewRecord creates a record stamped with a fresh id and the current time.
func NewRecord(eventType Type, data map[string]any) Record {
	return Record{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Data:      data,
	}
}

// StringData returns the string value stored under key, or "" when the
// key is absent or holds a non-string value.
func (r Record) StringData(key string) string {
	if r.Data == nil {
		return ""
	}
	s, _ := r.Data[key].(string)
	return s
}
