// Package config loads the optional YAML configuration file for a persistent worker.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/op/go-logging.v1"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every error returned for a configuration that fails validation.
var ErrInvalid = errors.New("invalid worker configuration")

// Config holds the worker's runtime configuration.
type Config struct {
	// MaxWorkers bounds the number of requests handled at once. Zero picks a default from the CPU count.
	MaxWorkers     int           `yaml:"max_workers"`
	LogLevel       string        `yaml:"log_level"`
	LogFile        string        `yaml:"log_file"`
	LogFileLevel   string        `yaml:"log_file_level"`
	MetricsFile    string        `yaml:"metrics_file"`
	MetricsPushURL string        `yaml:"metrics_push_url"`
	TraceFile      string        `yaml:"trace_file"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
	MaxMessageSize int           `yaml:"max_message_size"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML config file, applies defaults, and validates.
// An empty path returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document, applies defaults, and validates.
// Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFileLevel == "" {
		c.LogFileLevel = "debug"
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = 5 * time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 64 << 20
	}
}

func (c *Config) validate() error {
	var problems []string

	if c.MaxWorkers < 0 {
		problems = append(problems, "max_workers must not be negative")
	}
	if _, err := logging.LogLevel(c.LogLevel); err != nil {
		problems = append(problems, fmt.Sprintf("unknown log_level %q", c.LogLevel))
	}
	if _, err := logging.LogLevel(c.LogFileLevel); err != nil {
		problems = append(problems, fmt.Sprintf("unknown log_file_level %q", c.LogFileLevel))
	}
	if c.ShutdownGrace < 0 {
		problems = append(problems, "shutdown_grace must not be negative")
	}
	if c.MaxMessageSize < 0 {
		problems = append(problems, "max_message_size must not be negative")
	}
	if c.MetricsPushURL != "" {
		if u, err := url.Parse(c.MetricsPushURL); err != nil || u.Scheme == "" || u.Host == "" {
			problems = append(problems, fmt.Sprintf("metrics_push_url %q is not an absolute URL", c.MetricsPushURL))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}
