package config

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/sethvargo/go-envconfig"
)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := l.expandEnvVars(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg.Admission.Mode = strings.ToLower(cfg.Admission.Mode)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// envSettings mirrors the deployment environment variables used when no
// config file is given.
type envSettings struct {
	BaseURL         string  `env:"VLLM_BASE_URL, default=http://vllm:8000"`
	Model           string  `env:"MODEL_NAME, default=qwen25-14b"`
	MaxActive       int     `env:"MAX_ACTIVE, default=2"`
	QueueMode       string  `env:"QUEUE_MODE, default=queue"`
	QueueMax        int     `env:"QUEUE_MAX, default=100"`
	QueueTimeoutS   float64 `env:"QUEUE_TIMEOUT_S, default=120"`
	RequestTimeoutS float64 `env:"REQUEST_TIMEOUT_S, default=300"`
	Listen          string  `env:"LISTEN_ADDR, default=:8080"`
	LogLevel        string  `env:"LOG_LEVEL, default=info"`
}

// FromEnv builds a configuration from environment variables.
func FromEnv(ctx context.Context) (*Config, error) {
	var env envSettings
	if err := envconfig.Process(ctx, &env); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}

	cfg := DefaultConfig()
	cfg.Server.Listen = env.Listen
	cfg.Upstream.BaseURL = env.BaseURL
	cfg.Upstream.Model = env.Model
	cfg.Admission.MaxActive = env.MaxActive
	cfg.Admission.Mode = strings.ToLower(env.QueueMode)
	cfg.Admission.QueueMax = env.QueueMax
	cfg.Admission.QueueTimeout = time.Duration(env.QueueTimeoutS * float64(time.Second))
	cfg.Admission.RequestTimeout = time.Duration(env.RequestTimeoutS * float64(time.Second))
	cfg.Logging.Level = env.LogLevel

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}
