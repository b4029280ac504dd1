// Package config provides configuration structures and loading logic for the
// credential broker.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-broker/pkg/logging"
	"github.com/polisai/polis-broker/pkg/policy"
)

// Transports accepted by ServerConfig.Transport.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Secret backends accepted by SecretsConfig.Backend.
const (
	BackendMemory = "memory"
	BackendSealed = "sealed"
)

// Defaults applied beneath the configuration file.
const (
	DefaultListenAddr      = "127.0.0.1:8765"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultMetricsPath     = "/metrics"
	DefaultEgressTimeout   = 30 * time.Second
	DefaultMaxBodyBytes    = 1 << 20
	DefaultBreakerFailures = 5
	DefaultBreakerCooldown = 30 * time.Second
)

// Config holds the complete broker configuration.
type Config struct {
	DataDir string        `yaml:"data_dir"`
	Logging LoggingConfig `yaml:"logging"`
	Server  ServerConfig  `yaml:"server"`
	Secrets SecretsConfig `yaml:"secrets"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
	Guard   GuardConfig   `yaml:"guard"`
	Egress  EgressConfig  `yaml:"egress"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ServerConfig selects the RPC transport.
type ServerConfig struct {
	Transport       string        `yaml:"transport"`
	ListenAddr      string        `yaml:"listen_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SecretsConfig selects where scope secrets live. Dir and IdentityFile
// default to locations under the data directory.
type SecretsConfig struct {
	Backend      string `yaml:"backend"`
	Dir          string `yaml:"dir"`
	IdentityFile string `yaml:"identity_file"`
}

// MetricsConfig controls the Prometheus endpoint of the HTTP transport.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig holds configuration for OpenTelemetry.
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	ServiceName string            `yaml:"service_name"`
	Environment string            `yaml:"environment"`
	SampleRatio float64           `yaml:"sample_ratio"`
	Headers     map[string]string `yaml:"headers"`
}

// GuardConfig configures the Rego guard consulted before credentials are
// released.
type GuardConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Entrypoint string   `yaml:"entrypoint"`
	Modules    []string `yaml:"modules"`
	OnError    string   `yaml:"on_error"`
}

// EgressConfig controls forwarding of granted requests.
type EgressConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	// BreakerFailures consecutive failures suspend calls to a host for
	// BreakerCooldown. Zero disables the breaker.
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// DefaultDataDir returns the per-user broker directory, or a directory
// relative to the working directory when no user config dir is known.
func DefaultDataDir() string {
	base, err := os.UserConfigDir()
	if err != nil || base == "" {
		return ".polis-broker"
	}
	return filepath.Join(base, "polis-broker")
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: logging.FormatJSON,
		},
		Server: ServerConfig{
			Transport:       TransportStdio,
			ListenAddr:      DefaultListenAddr,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Secrets: SecretsConfig{
			Backend: BackendSealed,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    DefaultMetricsPath,
		},
		Tracing: TracingConfig{
			ServiceName: "polis-broker",
		},
		Guard: GuardConfig{
			Entrypoint: policy.DefaultEntrypoint,
			OnError:    string(policy.ModeFailClosed),
		},
		Egress: EgressConfig{
			Timeout:         DefaultEgressTimeout,
			MaxBodyBytes:    DefaultMaxBodyBytes,
			BreakerFailures: DefaultBreakerFailures,
			BreakerCooldown: DefaultBreakerCooldown,
		},
	}
}

// Load reads path over the defaults, expanding ${VAR} references first, then
// applies BROKER_* environment overrides and validates the result. An empty
// path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Parse expands environment references in data and decodes it onto cfg.
// Unknown keys are rejected.
func Parse(data []byte, cfg *Config) error {
	expanded := os.ExpandEnv(string(data))
	if strings.TrimSpace(expanded) == "" {
		return nil
	}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("BROKER_DATA_DIR"); val != "" {
		cfg.DataDir = val
	}
	if val := os.Getenv("BROKER_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("BROKER_TRANSPORT"); val != "" {
		cfg.Server.Transport = val
	}
	if val := os.Getenv("BROKER_LISTEN_ADDR"); val != "" {
		cfg.Server.ListenAddr = val
	}
	if val := os.Getenv("BROKER_OTLP_ENDPOINT"); val != "" {
		cfg.Tracing.Endpoint = val
		cfg.Tracing.Enabled = true
	}
	if val := os.Getenv("BROKER_OTLP_INSECURE"); val == "true" {
		cfg.Tracing.Insecure = true
	}
}

// resolvePaths fills secret store locations that depend on DataDir.
func (c *Config) resolvePaths() {
	if c.Secrets.Dir == "" && c.DataDir != "" {
		c.Secrets.Dir = filepath.Join(c.DataDir, "secrets")
	}
}

// SetDataDir overrides the data directory and re-derives the locations that
// follow it.
func (c *Config) SetDataDir(dir string) {
	if c.Secrets.Dir == filepath.Join(c.DataDir, "secrets") {
		c.Secrets.Dir = ""
	}
	c.DataDir = dir
	c.resolvePaths()
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.DataDir) == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if err := logging.ValidateLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", logging.FormatJSON, logging.FormatText:
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format))
	}

	switch c.Server.Transport {
	case TransportStdio:
	case TransportHTTP:
		if c.Server.ListenAddr == "" {
			errs = append(errs, errors.New("server.listen_addr is required for the http transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("server.transport must be stdio or http, got %q", c.Server.Transport))
	}
	if c.Server.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must not be negative"))
	}

	switch c.Secrets.Backend {
	case BackendMemory, BackendSealed:
	default:
		errs = append(errs, fmt.Errorf("secrets.backend must be memory or sealed, got %q", c.Secrets.Backend))
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path))
	}
	if c.Metrics.Enabled && (c.Metrics.Path == "/rpc" || c.Metrics.Path == "/health") {
		errs = append(errs, fmt.Errorf("metrics.path %q collides with a built-in route", c.Metrics.Path))
	}

	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		errs = append(errs, errors.New("tracing.endpoint is required when tracing is enabled"))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_ratio must be within [0,1], got %v", c.Tracing.SampleRatio))
	}

	if _, err := policy.ParseMode(c.Guard.OnError); err != nil {
		errs = append(errs, fmt.Errorf("guard.on_error: %w", err))
	}

	if c.Egress.Timeout < 0 {
		errs = append(errs, errors.New("egress.timeout must not be negative"))
	}
	if c.Egress.MaxBodyBytes < 0 {
		errs = append(errs, errors.New("egress.max_body_bytes must not be negative"))
	}
	if c.Egress.BreakerFailures < 0 {
		errs = append(errs, errors.New("egress.breaker_failures must not be negative"))
	}
	if c.Egress.BreakerCooldown < 0 {
		errs = append(errs, errors.New("egress.breaker_cooldown must not be negative"))
	}

	return errors.Join(errs...)
}
