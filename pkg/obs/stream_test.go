package obs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/skylift/skylift/pkg/cloud"
	"github.com/skylift/skylift/pkg/events"
)

// fakeLogs serves scripted responses per call.
type fakeLogs struct {
	mu        sync.Mutex
	responses []fakeResponse
	calls     int
}

type fakeResponse struct {
	lines []cloud.LogLine
	err   error
}

func (f *fakeLogs) GetLogLines(ctx context.Context, group, stream string, cursor time.Time) ([]cloud.LogLine, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls >= len(f.responses) {
		return nil, cursor, nil
	}
	resp := f.responses[f.calls]
	f.calls++
	return resp.lines, cursor.Add(time.Second), resp.err
}

func (f *fakeLogs) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeLogs) FindLogGroups(ctx context.Context, prefix string) ([]string, error) {
	return nil, nil
}

func (f *fakeLogs) DeleteLogGroup(ctx context.Context, group string) error {
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Type
	data   []map[string]any
}

func (r *recordingSink) sink(eventType events.Type, data map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
	r.data = append(r.data, data)
	return nil
}

func (r *recordingSink) typesSeen() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Type(nil), r.events...)
}

func (r *recordingSink) waitFor(t *testing.T, eventType events.Type) map[string]any {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		r.mu.Lock()
		for i, seen := range r.events {
			if seen == eventType {
				data := r.data[i]
				r.mu.Unlock()
				return data
			}
		}
		r.mu.Unlock()
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", eventType)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func fastOptions() Options {
	return Options{
		PollInterval:    5 * time.Millisecond,
		NotReadyBackoff: 5 * time.Millisecond,
		ErrorBackoff:    5 * time.Millisecond,
	}
}

func TestAddStreamEmitsAttach(t *testing.T) {
	sink := &recordingSink{}
	m := NewManager("d-x", "us-west-2", &fakeLogs{}, sink.sink, fastOptions())
	defer m.StopAll()

	if err := m.AddStream("app", SourceEC2CloudInit, "/skylift/d-x", "ec2/cloud-init"); err != nil {
		t.Fatalf("failed to add stream: %v", err)
	}

	data := sink.waitFor(t, events.TypeObsAttach)
	if data["group"] != "/skylift/d-x" || data["stream"] != "ec2/cloud-init" {
		t.Errorf("unexpected attach data: %v", data)
	}
}

func TestStreamingEmitsLinesAndDetectsFailures(t *testing.T) {
	logs := &fakeLogs{responses: []fakeResponse{
		{lines: []cloud.LogLine{
			{Message: "app starting"},
			{Message: "Address already in use: 8080"},
		}},
	}}
	sink := &recordingSink{}
	m := NewManager("d-x", "us-west-2", logs, sink.sink, fastOptions())
	defer m.StopAll()

	if err := m.AddStream("app", SourceEC2CloudInit, "/skylift/d-x", "ec2/cloud-init"); err != nil {
		t.Fatalf("failed to add stream: %v", err)
	}
	if err := m.StartStreaming("app"); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	lineData := sink.waitFor(t, events.TypeObsLine)
	if lineData["source"] != string(SourceEC2CloudInit) {
		t.Errorf("unexpected line data: %v", lineData)
	}

	failure := sink.waitFor(t, events.TypeFailure)
	if failure["reason_code"] != "address_in_use" {
		t.Errorf("unexpected failure reason: %v", failure)
	}
	if failure["severity"] != "medium" {
		t.Errorf("unexpected severity: %v", failure)
	}
	if failure["original_message"] != "Address already in use: 8080" {
		t.Errorf("matched line not preserved: %v", failure)
	}
}

func TestStreamingSurvivesNotFoundAndErrors(t *testing.T) {
	logs := &fakeLogs{responses: []fakeResponse{
		{err: cloud.ErrLogGroupNotFound},
		{err: cloud.ErrLogGroupNotFound},
		{err: errors.New("throttled")},
		{lines: []cloud.LogLine{{Message: "recovered"}}},
	}}
	sink := &recordingSink{}
	m := NewManager("d-x", "us-west-2", logs, sink.sink, fastOptions())
	defer m.StopAll()

	if err := m.AddStream("app", SourceSystemd, "/skylift/d-x", "ec2/service"); err != nil {
		t.Fatalf("failed to add stream: %v", err)
	}
	if err := m.StartStreaming("app"); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	// The worker keeps polling through not-found and error responses
	// and eventually delivers the recovered line.
	deadline := time.After(5 * time.Second)
	for {
		sink.mu.Lock()
		for _, data := range sink.data {
			if data["message"] == "recovered" {
				sink.mu.Unlock()
				return
			}
		}
		sink.mu.Unlock()
		select {
		case <-deadline:
			t.Fatal("worker did not recover from errors")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestNotFoundEmitsNoLineEvents(t *testing.T) {
	logs := &fakeLogs{responses: []fakeResponse{
		{err: cloud.ErrLogGroupNotFound},
		{err: fmt.Errorf("describe log group: %w", cloud.ErrLogGroupNotFound)},
	}}
	sink := &recordingSink{}
	m := NewManager("d-x", "us-west-2", logs, sink.sink, fastOptions())

	if err := m.AddStream("app", SourceSystemd, "/skylift/d-x", "ec2/service"); err != nil {
		t.Fatalf("failed to add stream: %v", err)
	}
	if err := m.StartStreaming("app"); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for logs.callCount() < 2 {
		select {
		case <-deadline:
			t.Fatal("worker did not keep polling")
		case <-time.After(5 * time.Millisecond):
		}
	}
	m.StopAll()

	for _, seen := range sink.typesSeen() {
		if seen == events.TypeObsLine {
			t.Error("not-found backoff should be silent, got OBS_LINE")
		}
	}
}

func TestStopAllTerminatesWorkers(t *testing.T) {
	logs := &fakeLogs{}
	sink := &recordingSink{}
	m := NewManager("d-x", "us-west-2", logs, sink.sink, fastOptions())

	if err := m.AddStream("app", SourceECSTask, "/skylift/d-x", "ecs/app"); err != nil {
		t.Fatalf("failed to add stream: %v", err)
	}
	if err := m.StartStreaming("app"); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		m.StopAll()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("StopAll did not return")
	}
}

func TestStartStreamingUnknownStream(t *testing.T) {
	m := NewManager("d-x", "us-west-2", &fakeLogs{}, (&recordingSink{}).sink, fastOptions())
	defer m.StopAll()
	if err := m.StartStreaming("missing"); err == nil {
		t.Error("expected error for unknown stream")
	}
}

func TestEmitLogsReadyIncludesConsoleURL(t *testing.T) {
	sink := &recordingSink{}
	m := NewManager("d-x", "us-west-2", &fakeLogs{}, sink.sink, fastOptions())
	defer m.StopAll()

	if err := m.AddStream("app", SourceEC2CloudInit, "/skylift/d-x", "ec2/cloud-init"); err != nil {
		t.Fatalf("failed to add stream: %v", err)
	}
	if err := m.EmitLogsReady("app"); err != nil {
		t.Fatalf("failed to emit ready: %v", err)
	}

	data := sink.waitFor(t, events.TypeObsLogsReady)
	url, _ := data["console_url"].(string)
	if url == "" {
		t.Fatal("missing console url")
	}
}
