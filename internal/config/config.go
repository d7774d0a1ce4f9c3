package config

import (
	"fmt"
	"net/url"
	"time"
)

// Mode selects what happens when every GPU slot is busy.
const (
	ModeQueue  = "queue"
	ModeReject = "reject"
)

// Config is the root gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Admission AdmissionConfig `yaml:"admission"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Listen            string        `yaml:"listen"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// UpstreamConfig describes the inference engine.
type UpstreamConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Model          string        `yaml:"model"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	HealthTimeout  time.Duration `yaml:"health_timeout"`
}

// AdmissionConfig bounds concurrent generation streams.
type AdmissionConfig struct {
	// MaxActive is the number of GPU execution slots.
	MaxActive int    `yaml:"max_active"`
	Mode      string `yaml:"mode"`
	QueueMax  int    `yaml:"queue_max"`
	// QueueTimeout bounds how long a request may wait for a slot.
	QueueTimeout time.Duration `yaml:"queue_timeout"`
	// RequestTimeout bounds the whole request, including streaming.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// DefaultConfig returns a config populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:            ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Upstream: UpstreamConfig{
			BaseURL:        "http://vllm:8000",
			Model:          "qwen25-14b",
			ConnectTimeout: 5 * time.Second,
			HealthTimeout:  3 * time.Second,
		},
		Admission: AdmissionConfig{
			MaxActive:      2,
			Mode:           ModeQueue,
			QueueMax:       100,
			QueueTimeout:   120 * time.Second,
			RequestTimeout: 300 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen must not be empty")
	}
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("upstream.base_url %q is not a valid URL", c.Upstream.BaseURL)
	}
	if c.Admission.MaxActive <= 0 {
		return fmt.Errorf("admission.max_active must be positive, got %d", c.Admission.MaxActive)
	}
	if c.Admission.Mode != ModeQueue && c.Admission.Mode != ModeReject {
		return fmt.Errorf("admission.mode must be %q or %q, got %q", ModeQueue, ModeReject, c.Admission.Mode)
	}
	if c.Admission.QueueMax < 0 {
		return fmt.Errorf("admission.queue_max must not be negative, got %d", c.Admission.QueueMax)
	}
	if c.Admission.Mode == ModeQueue && c.Admission.QueueTimeout <= 0 {
		return fmt.Errorf("admission.queue_timeout must be positive in queue mode")
	}
	if c.Admission.RequestTimeout <= 0 {
		return fmt.Errorf("admission.request_timeout must be positive")
	}
	return nil
}
