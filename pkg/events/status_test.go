package events

import (
	"testing"
	"time"
)

func seq(types ...Type) []Record {
	records := make([]Record, 0, len(types))
	ts := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	for i, eventType := range types {
		records = append(records, Record{
			ID:        "evt",
			Timestamp: ts.Add(time.Duration(i) * time.Second),
			Type:      eventType,
		})
	}
	return records
}

func TestDeriveStatusEmpty(t *testing.T) {
	info := DeriveStatus(nil, nil)
	if info.Status != StatusQueued {
		t.Errorf("expected queued, got %s", info.Status)
	}
}

func TestDeriveStatusHappyPath(t *testing.T) {
	// Status at each point of a complete successful run.
	steps := []struct {
		eventType Type
		want      Status
	}{
		{TypeInit, StatusInit},
		{TypeTagsApplied, StatusInit},
		{TypeTFInit, StatusTFInit},
		{TypeTFPlan, StatusTFPlan},
		{TypeTFApplyStart, StatusTFApply},
		{TypeTFApplyLine, StatusTFApply},
		{TypeTFApplyDone, StatusBootstrapping},
		{TypeBootstrapWait, StatusBootstrapping},
		{TypeObsAttach, StatusBootstrapping},
		{TypeSmokeAttempt, StatusVerifying},
		{TypeVerifyOK, StatusHealthy},
		{TypeDone, StatusHealthy},
	}

	var records []Record
	for _, step := range steps {
		records = append(records, Record{Type: step.eventType, Timestamp: time.Now()})
		info := DeriveStatus(records, nil)
		if info.Status != step.want {
			t.Errorf("after %s: expected %s, got %s", step.eventType, step.want, info.Status)
		}
	}
}

func TestDeriveStatusFailureCarriesReasonAndHint(t *testing.T) {
	records := seq(TypeInit, TypeTFInit, TypeTFPlan, TypeTFApplyStart, TypeTFApplyDone)
	records = append(records, Record{
		Timestamp: time.Now(),
		Type:      TypeFailure,
		Data: map[string]any{
			"reason_code": "address_in_use",
			"message":     "Port conflict detected",
			"hint":        "Change the port in your application configuration or kill the process using the port",
			"severity":    "medium",
		},
	})

	info := DeriveStatus(records, nil)
	if info.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", info.Status)
	}
	if info.FailureReason != "address_in_use" {
		t.Errorf("unexpected reason: %s", info.FailureReason)
	}
	if info.FailureHint != "Change the port in your application configuration or kill the process using the port" {
		t.Errorf("hint not carried verbatim: %s", info.FailureHint)
	}
	if info.Message != "Port conflict detected" {
		t.Errorf("message not carried verbatim: %s", info.Message)
	}
}

func TestDeriveStatusFailureAfterDoneWins(t *testing.T) {
	records := seq(TypeInit, TypeVerifyOK, TypeDone)
	records = append(records, Record{
		Timestamp: time.Now(),
		Type:      TypeFailure,
		Data:      map[string]any{"reason_code": "health_check_failed"},
	})

	info := DeriveStatus(records, nil)
	if info.Status != StatusFailed {
		t.Errorf("failure after done should report failed, got %s", info.Status)
	}
}

func TestDeriveStatusStageMarkersDoNotMaskFailure(t *testing.T) {
	// Only a later terminal or destroy event supersedes a failure;
	// ordinary stage markers never do.
	tests := []struct {
		name  string
		after []Type
		want  Status
	}{
		{"smoke attempt", []Type{TypeSmokeAttempt}, StatusFailed},
		{"bootstrap wait", []Type{TypeBootstrapWait}, StatusFailed},
		{"obs line", []Type{TypeObsLine, TypeSmokeAttempt, TypeSmokeFail}, StatusFailed},
		{"verify ok", []Type{TypeVerifyOK}, StatusHealthy},
		{"done", []Type{TypeDone}, StatusHealthy},
		{"destroy start", []Type{TypeDestroyStart}, StatusDestroying},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records := seq(TypeInit, TypeTFApplyStart)
			records = append(records, Record{
				Timestamp: time.Now(),
				Type:      TypeFailure,
				Data: map[string]any{
					"reason_code": "pip_install_error",
					"hint":        "check requirements.txt",
				},
			})
			records = append(records, seq(tt.after...)...)

			info := DeriveStatus(records, nil)
			if info.Status != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, info.Status)
			}
			if tt.want == StatusFailed {
				if info.FailureReason != "pip_install_error" {
					t.Errorf("failure reason lost: %q", info.FailureReason)
				}
				if info.FailureHint != "check requirements.txt" {
					t.Errorf("failure hint lost: %q", info.FailureHint)
				}
			}
		})
	}
}

func TestDeriveStatusDestroySupersedesFailure(t *testing.T) {
	records := seq(TypeInit, TypeError, TypeDestroyStart)
	info := DeriveStatus(records, nil)
	if info.Status != StatusDestroying {
		t.Errorf("expected destroying, got %s", info.Status)
	}

	records = append(seq(), append(records, seq(TypeDestroyDone)...)...)
	info = DeriveStatus(records, nil)
	if info.Status != StatusDestroyed {
		t.Errorf("expected destroyed, got %s", info.Status)
	}
}

func TestDeriveStatusProgressEventsDoNotRegress(t *testing.T) {
	records := seq(TypeInit, TypeTFApplyStart, TypeTFApplyLine, TypeCostHint, TypeObsLine)
	info := DeriveStatus(records, nil)
	if info.Status != StatusTFApply {
		t.Errorf("progress events changed status: %s", info.Status)
	}
}

func TestDeriveStatusOutputs(t *testing.T) {
	records := seq(TypeInit, TypeDone)
	outputs := map[string]string{
		"public_url":     "http://54.1.2.3",
		"log_app_url":    "https://console.example.com/app",
		"log_syslog_url": "https://console.example.com/syslog",
		"instance_id":    "i-0abc",
	}

	info := DeriveStatus(records, outputs)
	if info.PublicURL != "http://54.1.2.3" {
		t.Errorf("unexpected public url: %s", info.PublicURL)
	}
	if info.LogLinks["app"] != "https://console.example.com/app" {
		t.Errorf("unexpected log links: %v", info.LogLinks)
	}
	if _, ok := info.LogLinks["syslog"]; !ok {
		t.Errorf("missing syslog link: %v", info.LogLinks)
	}
	if len(info.LogLinks) != 2 {
		t.Errorf("expected 2 log links, got %v", info.LogLinks)
	}
}

func TestDeriveStatusDeterministic(t *testing.T) {
	records := seq(TypeInit, TypeTFInit, TypeSmokeAttempt, TypeSmokeFail)
	first := DeriveStatus(records, nil)
	for i := 0; i < 5; i++ {
		again := DeriveStatus(records, nil)
		if again.Status != first.Status || again.Message != first.Message {
			t.Fatalf("derivation not deterministic: %v vs %v", first, again)
		}
	}
	if first.Status != StatusVerifying {
		t.Errorf("expected verifying, got %s", first.Status)
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusHealthy, StatusFailed, StatusDestroyed}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	nonTerminal := []Status{StatusQueued, StatusInit, StatusTFApply, StatusVerifying, StatusDestroying}
	for _, s := range nonTerminal {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
