// Copyright 2025 Ron Keiser
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the daemon configuration: a YAML file layered
// under environment-variable overrides, validated before use.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the complete wonderd configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Workflows WorkflowsConfig `yaml:"workflows"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Sink      SinkConfig      `yaml:"sink"`
	Runs      RunsConfig      `yaml:"runs"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	// Listen is the address the API binds to.
	// Environment: WONDER_LISTEN
	// Default: 127.0.0.1:8380
	Listen string `yaml:"listen"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 15s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is trace, debug, info, warn or error.
	// Environment: WONDER_LOG_LEVEL
	Level string `yaml:"level,omitempty"`

	// Format is json or text.
	// Environment: WONDER_LOG_FORMAT
	Format string `yaml:"format,omitempty"`

	// Source includes file:line in log records.
	Source bool `yaml:"source,omitempty"`
}

// WorkflowsConfig configures definition loading.
type WorkflowsConfig struct {
	// Dir is the directory holding "<id>@<version>.yaml" definition files.
	// Environment: WONDER_WORKFLOWS_DIR
	Dir string `yaml:"dir"`
}

// ExecutorConfig configures the task executor client.
type ExecutorConfig struct {
	// Endpoint is the executor's dispatch URL. Empty disables dispatch,
	// which only makes sense for tests.
	// Environment: WONDER_EXECUTOR_ENDPOINT
	Endpoint string `yaml:"endpoint"`

	// RatePerSecond caps dispatches per second; zero or negative disables
	// the limiter.
	RatePerSecond float64 `yaml:"rate_per_second,omitempty"`

	// Burst is the limiter burst size.
	Burst int `yaml:"burst,omitempty"`

	// Timeout bounds one dispatch request.
	// Default: 30s
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// SinkConfig configures the observability event sink.
type SinkConfig struct {
	// Endpoint receives trace and workflow events as JSON. Empty drops
	// events.
	// Environment: WONDER_SINK_ENDPOINT
	Endpoint string `yaml:"endpoint,omitempty"`

	// Timeout bounds one event write.
	// Default: 5s
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// RunsConfig configures run storage and retry behavior.
type RunsConfig struct {
	// DataDir holds the per-run database files. Empty keeps runs in
	// memory.
	// Environment: WONDER_DATA_DIR
	DataDir string `yaml:"data_dir,omitempty"`

	// MaxRetries is the default re-dispatch budget for retryable task
	// failures. Task-level overrides win.
	// Default: 2
	MaxRetries int `yaml:"max_retries,omitempty"`
}

// TracingConfig configures OpenTelemetry span export.
type TracingConfig struct {
	// Enabled turns span export on.
	Enabled bool `yaml:"enabled,omitempty"`

	// Endpoint is the OTLP HTTP collector host:port. Empty with Enabled
	// writes spans to stdout.
	// Environment: WONDER_OTLP_ENDPOINT
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure disables TLS on the OTLP connection.
	Insecure bool `yaml:"insecure,omitempty"`

	// ServiceName overrides the reported service name.
	// Default: wonderd
	ServiceName string `yaml:"service_name,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          "127.0.0.1:8380",
			ShutdownTimeout: 15 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Workflows: WorkflowsConfig{
			Dir: "workflows",
		},
		Executor: ExecutorConfig{
			Timeout: 30 * time.Second,
		},
		Sink: SinkConfig{
			Timeout: 5 * time.Second,
		},
		Runs: RunsConfig{
			MaxRetries: 2,
		},
		Tracing: TracingConfig{
			ServiceName: "wonderd",
		},
	}
}

// Load reads configuration from an optional YAML file, then applies
// environment overrides and validates. An empty path loads defaults plus
// environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if val := os.Getenv("WONDER_LISTEN"); val != "" {
		c.Server.Listen = val
	}
	if val := os.Getenv("WONDER_LOG_LEVEL"); val != "" {
		c.Log.Level = val
	}
	if val := os.Getenv("WONDER_LOG_FORMAT"); val != "" {
		c.Log.Format = val
	}
	if val := os.Getenv("WONDER_WORKFLOWS_DIR"); val != "" {
		c.Workflows.Dir = val
	}
	if val := os.Getenv("WONDER_EXECUTOR_ENDPOINT"); val != "" {
		c.Executor.Endpoint = val
	}
	if val := os.Getenv("WONDER_SINK_ENDPOINT"); val != "" {
		c.Sink.Endpoint = val
	}
	if val := os.Getenv("WONDER_DATA_DIR"); val != "" {
		c.Runs.DataDir = val
	}
	if val := os.Getenv("WONDER_MAX_RETRIES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Runs.MaxRetries = n
		}
	}
	if val := os.Getenv("WONDER_OTLP_ENDPOINT"); val != "" {
		c.Tracing.Enabled = true
		c.Tracing.Endpoint = val
	}
}

// Validate checks the configuration for internally inconsistent or
// unusable values.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("%w: server.listen must not be empty", ErrInvalidConfig)
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("%w: server.shutdown_timeout must not be negative", ErrInvalidConfig)
	}
	switch c.Log.Level {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log.level %q is not one of trace, debug, info, warn, error", ErrInvalidConfig, c.Log.Level)
	}
	switch c.Log.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("%w: log.format %q is not json or text", ErrInvalidConfig, c.Log.Format)
	}
	if c.Workflows.Dir == "" {
		return fmt.Errorf("%w: workflows.dir must not be empty", ErrInvalidConfig)
	}
	if c.Executor.RatePerSecond < 0 {
		return fmt.Errorf("%w: executor.rate_per_second must not be negative", ErrInvalidConfig)
	}
	if c.Runs.MaxRetries < 0 {
		return fmt.Errorf("%w: runs.max_retries must not be negative", ErrInvalidConfig)
	}
	return nil
}
