package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/skylift/skylift/pkg/telemetry"
)

// Config is the root configuration for the Skylift engine.
type Config struct {
	// Home is the state directory holding per-deployment workspaces and
	// the registry database.
	Home string `yaml:"home" validate:"required"`

	// Region is the default cloud region for new deployments.
	Region string `yaml:"region" validate:"required"`

	// ProjectTag is the value of the project tag stamped on every
	// provisioned resource.
	ProjectTag string `yaml:"project_tag" validate:"required"`

	// API configures the HTTP API server.
	API APIConfig `yaml:"api"`

	// Observe configures remote log streaming.
	Observe ObserveConfig `yaml:"observe"`

	// Verify configures post-deploy smoke verification.
	Verify VerifyConfig `yaml:"verify"`

	// Logging configures structured logging output.
	Logging LoggingConfig `yaml:"logging"`
}

// APIConfig configures the HTTP API server.
type APIConfig struct {
	// ListenAddress is the host:port the API server binds to.
	ListenAddress string `yaml:"listen_address" validate:"required,hostname_port"`

	// HeartbeatInterval is how often SSE streams emit keepalive frames.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" validate:"gt=0"`
}

// ObserveConfig configures the remote log tailers.
type ObserveConfig struct {
	// PollInterval is the delay between remote log polls.
	PollInterval time.Duration `yaml:"poll_interval" validate:"gt=0"`

	// NotReadyBackoff is the retry delay when the remote log destination
	// does not exist yet.
	NotReadyBackoff time.Duration `yaml:"not_ready_backoff" validate:"gt=0"`

	// ErrorBackoff is the retry delay after any other streaming error.
	ErrorBackoff time.Duration `yaml:"error_backoff" validate:"gt=0"`

	// AttachDelay is how long to wait after apply before tailing starts,
	// giving the remote logging agent time to create its destinations.
	AttachDelay time.Duration `yaml:"attach_delay" validate:"gte=0"`
}

// VerifyConfig configures smoke verification.
type VerifyConfig struct {
	// MaxAttempts bounds the retries of a single smoke check.
	MaxAttempts int `yaml:"max_attempts" validate:"gt=0"`

	// RetryDelay is the fixed delay between smoke check attempts.
	RetryDelay time.Duration `yaml:"retry_delay" validate:"gt=0"`

	// RequestTimeout bounds a single smoke probe.
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gt=0"`
}

// LoggingConfig mirrors telemetry.LoggingConfig for the YAML file.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error fatal"`
	Format string `yaml:"format" validate:"omitempty,oneof=console json"`
	Output string `yaml:"output"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home := os.Getenv("SKYLIFT_HOME")
	if home == "" {
		if dir, err := os.UserHomeDir(); err == nil {
			home = filepath.Join(dir, ".skylift")
		} else {
			home = ".skylift"
		}
	}

	return &Config{
		Home:       home,
		Region:     "us-west-2",
		ProjectTag: "skylift",
		API: APIConfig{
			ListenAddress:     "127.0.0.1:8089",
			HeartbeatInterval: 15 * time.Second,
		},
		Observe: ObserveConfig{
			PollInterval:    5 * time.Second,
			NotReadyBackoff: 10 * time.Second,
			ErrorBackoff:    30 * time.Second,
			AttachDelay:     30 * time.Second,
		},
		Verify: VerifyConfig{
			MaxAttempts:    24,
			RetryDelay:     5 * time.Second,
			RequestTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
	}
}

// Load reads the configuration file at path, merged over the defaults.
// An empty path loads the defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration against its struct constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Telemetry converts the logging section into a telemetry configuration.
func (c *Config) Telemetry(version string) telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = version
	tc.Logging.Level = c.Logging.Level
	tc.Logging.Format = c.Logging.Format
	tc.Logging.Output = c.Logging.Output
	return tc
}
