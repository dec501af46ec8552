package obs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/skylift/skylift/pkg/cloud"
	"github.com/skylift/skylift/pkg/events"
	"github.com/skylift/skylift/pkg/telemetry"
)

// Source names where a log stream originates.
type Source string

// Log sources.
const (
	SourceTerraform    Source = "terraform"
	SourceEC2CloudInit Source = "ec2:cloud-init"
	SourceSystemd      Source = "systemd"
	SourceECSTask      Source = "ecs:task"
	SourceCloudWatch   Source = "cloudwatch"
)

// EventSink receives lifecycle events produced while streaming.
type EventSink func(eventType events.Type, data map[string]any) error

// Options tunes streaming cadence.
type Options struct {
	// PollInterval is the delay between successful polls.
	PollInterval time.Duration
	// NotReadyBackoff is the delay after the group or stream is not
	// found yet.
	NotReadyBackoff time.Duration
	// ErrorBackoff is the delay after any other retrieval error.
	ErrorBackoff time.Duration

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
}

func (o *Options) applyDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.NotReadyBackoff <= 0 {
		o.NotReadyBackoff = 10 * time.Second
	}
	if o.ErrorBackoff <= 0 {
		o.ErrorBackoff = 30 * time.Second
	}
}

type streamConfig struct {
	source Source
	group  string
	stream string
	active bool
}

// Manager tails multiple remote log streams for one deployment. Each
// stream runs on its own goroutine; lines are forwarded to the sink as
// OBS_LINE events and run through the failure classifier. Workers never
// stop on retrieval errors, only on StopAll or context cancellation.
type Manager struct {
	deploymentID string
	region       string
	logs         cloud.LogsAPI
	sink         EventSink
	classifier   *Classifier
	opts         Options

	mu      sync.Mutex
	streams map[string]*streamConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a stream manager for a deployment.
func NewManager(deploymentID, region string, logs cloud.LogsAPI, sink EventSink, opts Options) *Manager {
	opts.applyDefaults()
	if opts.Logger == nil {
		opts.Logger = telemetry.NewComponentLogger("obs")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		deploymentID: deploymentID,
		region:       region,
		logs:         logs,
		sink:         sink,
		classifier:   NewClassifier(),
		opts:         opts,
		streams:      make(map[string]*streamConfig),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Classifier exposes the manager's failure classifier.
func (m *Manager) Classifier() *Classifier {
	return m.classifier
}

// AddStream registers a log stream and emits OBS_ATTACH.
func (m *Manager) AddStream(streamID string, source Source, group, stream string) error {
	m.mu.Lock()
	m.streams[streamID] = &streamConfig{source: source, group: group, stream: stream}
	m.mu.Unlock()

	return m.sink(events.TypeObsAttach, map[string]any{
		"source":    string(source),
		"group":     group,
		"stream":    stream,
		"stream_id": streamID,
	})
}

// StartStreaming begins tailing a registered stream in the background.
// Terraform streams are fed directly by the runner, so starting one is
// a no-op.
func (m *Manager) StartStreaming(streamID string) error {
	m.mu.Lock()
	cfg, ok := m.streams[streamID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("stream %s not found", streamID)
	}
	if cfg.active || cfg.source == SourceTerraform {
		m.mu.Unlock()
		return nil
	}
	cfg.active = true
	m.mu.Unlock()

	if m.opts.Metrics != nil {
		m.opts.Metrics.StreamStarted()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if m.opts.Metrics != nil {
				m.opts.Metrics.StreamStopped()
			}
		}()
		m.tailStream(streamID, cfg)
	}()
	return nil
}

func (m *Manager) tailStream(streamID string, cfg *streamConfig) {
	log := m.opts.Logger.WithDeploymentID(m.deploymentID).WithStream(cfg.group, cfg.stream)
	log.Debug("starting log stream")

	cursor := time.Now()
	for {
		lines, next, err := m.logs.GetLogLines(m.ctx, cfg.group, cfg.stream, cursor)
		switch {
		case m.ctx.Err() != nil:
			return
		case errors.Is(err, cloud.ErrLogGroupNotFound):
			if !m.sleep(m.opts.NotReadyBackoff) {
				return
			}
			continue
		case err != nil:
			log.WithError(err).Warn("log retrieval failed")
			m.emitLine(streamID, cfg, fmt.Sprintf("log retrieval error: %v", err), true)
			if !m.sleep(m.opts.ErrorBackoff) {
				return
			}
			continue
		}

		cursor = next
		for _, line := range lines {
			message := strings.TrimSpace(line.Message)
			if message == "" {
				continue
			}
			m.emitLine(streamID, cfg, message, false)
			if m.opts.Metrics != nil {
				m.opts.Metrics.LogLineStreamed(string(cfg.source))
			}
			if failure := m.classifier.DetectFailure(message, string(cfg.source)); failure != nil {
				m.emitFailure(streamID, failure)
			}
		}

		if !m.sleep(m.opts.PollInterval) {
			return
		}
	}
}

func (m *Manager) emitLine(streamID string, cfg *streamConfig, message string, isError bool) {
	data := map[string]any{
		"source":    string(cfg.source),
		"message":   message,
		"stream_id": streamID,
	}
	if isError {
		data["error"] = true
	}
	if err := m.sink(events.TypeObsLine, data); err != nil {
		m.opts.Logger.WithError(err).Warn("failed to emit log line event")
	}
}

func (m *Manager) emitFailure(streamID string, failure *Failure) {
	log := m.opts.Logger.WithDeploymentID(m.deploymentID)
	log.Warnf("failure detected: %s (%s)", failure.ReasonCode, failure.Severity)

	if m.opts.Metrics != nil {
		m.opts.Metrics.FailureDetected(failure.ReasonCode, failure.Severity)
	}
	err := m.sink(events.TypeFailure, map[string]any{
		"reason_code":      failure.ReasonCode,
		"name":             failure.Name,
		"message":          failure.Message,
		"hint":             failure.Hint,
		"severity":         failure.Severity,
		"source":           failure.Source,
		"original_message": failure.OriginalMessage,
		"stream_id":        streamID,
	})
	if err != nil {
		log.WithError(err).Error("failed to emit failure event")
	}
}

// EmitLogsReady announces that a stream's logs can be viewed in the
// cloud console.
func (m *Manager) EmitLogsReady(streamID string) error {
	m.mu.Lock()
	cfg, ok := m.streams[streamID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("stream %s not found", streamID)
	}

	return m.sink(events.TypeObsLogsReady, map[string]any{
		"group":       cfg.group,
		"stream":      cfg.stream,
		"console_url": ConsoleURL(m.region, cfg.group, cfg.stream),
		"stream_id":   streamID,
	})
}

// StreamStatus describes one registered stream.
type StreamStatus struct {
	Source     Source `json:"source"`
	Group      string `json:"group"`
	Stream     string `json:"stream"`
	Active     bool   `json:"active"`
	ConsoleURL string `json:"console_url"`
}

// Status reports all registered streams.
func (m *Manager) Status() map[string]StreamStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := make(map[string]StreamStatus, len(m.streams))
	for id, cfg := range m.streams {
		status[id] = StreamStatus{
			Source:     cfg.source,
			Group:      cfg.group,
			Stream:     cfg.stream,
			Active:     cfg.active,
			ConsoleURL: ConsoleURL(m.region, cfg.group, cfg.stream),
		}
	}
	return status
}

// StopAll stops every worker and waits for them to exit.
func (m *Manager) StopAll() {
	m.cancel()
	m.wg.Wait()
}

// sleep waits for d or until the manager is stopped. Returns false when
// stopped.
func (m *Manager) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-m.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
