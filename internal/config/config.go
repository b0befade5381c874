// Package config loads the hub's config.yaml. A hub without a valid
// config is not runnable, so validation failures are fatal at startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/accordhq/accord/internal/hub"
	"github.com/accordhq/accord/internal/log"
)

// Repo models.
const (
	RepoModelMonorepo  = "monorepo"
	RepoModelMultiRepo = "multi-repo"
)

// ConfigError is a fatal configuration problem. It bubbles to the
// process entry point.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s", e.Reason)
}

// Config holds the full hub configuration.
type Config struct {
	Project          ProjectConfig     `mapstructure:"project"`
	RepoModel        string            `mapstructure:"repo_model"`
	Services         []string          `mapstructure:"services"`
	TestAgentService string            `mapstructure:"test_agent_service"`
	ServiceDirs      map[string]string `mapstructure:"service_dirs"`
	Dispatcher       DispatcherConfig  `mapstructure:"dispatcher"`
	Tracing          TracingConfig     `mapstructure:"tracing"`
	Bridge           BridgeConfig      `mapstructure:"bridge"`

	// HubRoot is the resolved hub directory; set by Load, not read from
	// the file.
	HubRoot string `mapstructure:"-"`
}

// ProjectConfig identifies the project.
type ProjectConfig struct {
	Name string `mapstructure:"name"`
}

// DispatcherConfig holds the worker-pool and agent settings.
type DispatcherConfig struct {
	Workers            int           `mapstructure:"workers"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	SessionMaxRequests int           `mapstructure:"session_max_requests"`
	SessionMaxAgeHours int           `mapstructure:"session_max_age_hours"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	Model              string        `mapstructure:"model"`
	MaxBudgetUSD       float64       `mapstructure:"max_budget_usd"`
	Agent              string        `mapstructure:"agent"`
	AgentCmd           string        `mapstructure:"agent_cmd"`
}

// SessionMaxAge returns the session age cap as a duration.
func (d DispatcherConfig) SessionMaxAge() time.Duration {
	return time.Duration(d.SessionMaxAgeHours) * time.Hour
}

// AgentArgv splits agent_cmd into argv for the shell adapter.
func (d DispatcherConfig) AgentArgv() []string {
	return strings.Fields(d.AgentCmd)
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Exporter     string  `mapstructure:"exporter"` // none, file, stdout, otlp
	FilePath     string  `mapstructure:"file_path"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"`
}

// BridgeConfig holds the WebSocket event bridge settings.
type BridgeConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Defaults returns a Config with sensible default values. The services
// list and project name have no defaults; a hub must declare them.
func Defaults() Config {
	return Config{
		RepoModel: RepoModelMonorepo,
		Dispatcher: DispatcherConfig{
			Workers:            4,
			PollInterval:       30 * time.Second,
			SessionMaxRequests: 20,
			SessionMaxAgeHours: 12,
			RequestTimeout:     30 * time.Minute,
			MaxAttempts:        2,
			MaxBudgetUSD:       10.0,
			Agent:              "claude-code",
			AgentCmd:           "claude --print",
		},
		Tracing: TracingConfig{
			Exporter:     "file",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
		Bridge: BridgeConfig{
			Addr: "localhost:7433",
		},
	}
}

// Load reads and validates config.yaml from the hub root.
func Load(hubRoot string) (*Config, error) {
	path := hub.ConfigFile(hubRoot)
	if _, err := os.Stat(path); err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("missing config file %s", path)}
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("reading %s: %v", path, err)}
	}

	cfg := Defaults()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("parsing %s: %v", path, err)}
	}
	cfg.HubRoot = hubRoot

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Debug(log.CatConfig, "loaded hub config",
		"project", cfg.Project.Name, "services", len(cfg.Services), "repoModel", cfg.RepoModel)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("repo_model", d.RepoModel)
	v.SetDefault("dispatcher.workers", d.Dispatcher.Workers)
	v.SetDefault("dispatcher.poll_interval", d.Dispatcher.PollInterval)
	v.SetDefault("dispatcher.session_max_requests", d.Dispatcher.SessionMaxRequests)
	v.SetDefault("dispatcher.session_max_age_hours", d.Dispatcher.SessionMaxAgeHours)
	v.SetDefault("dispatcher.request_timeout", d.Dispatcher.RequestTimeout)
	v.SetDefault("dispatcher.max_attempts", d.Dispatcher.MaxAttempts)
	v.SetDefault("dispatcher.max_budget_usd", d.Dispatcher.MaxBudgetUSD)
	v.SetDefault("dispatcher.agent", d.Dispatcher.Agent)
	v.SetDefault("dispatcher.agent_cmd", d.Dispatcher.AgentCmd)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("bridge.addr", d.Bridge.Addr)
}

// Validate checks the invariants a runnable hub config must satisfy.
func (c *Config) Validate() error {
	if c.Project.Name == "" {
		return &ConfigError{Reason: "project.name is required"}
	}
	if len(c.Services) == 0 {
		return &ConfigError{Reason: "services list must not be empty"}
	}
	switch c.RepoModel {
	case RepoModelMonorepo, RepoModelMultiRepo:
	default:
		return &ConfigError{Reason: fmt.Sprintf("repo_model must be %q or %q, got %q",
			RepoModelMonorepo, RepoModelMultiRepo, c.RepoModel)}
	}
	if c.Dispatcher.Workers <= 0 {
		return &ConfigError{Reason: "dispatcher.workers must be positive"}
	}
	if c.Dispatcher.MaxAttempts <= 0 {
		return &ConfigError{Reason: "dispatcher.max_attempts must be positive"}
	}
	if c.Dispatcher.Agent == "shell" && strings.TrimSpace(c.Dispatcher.AgentCmd) == "" {
		return &ConfigError{Reason: "dispatcher.agent_cmd must not be blank when agent is \"shell\""}
	}
	if c.Tracing.SampleRate < 0.0 || c.Tracing.SampleRate > 1.0 {
		return &ConfigError{Reason: fmt.Sprintf("tracing.sample_rate must be between 0.0 and 1.0, got %v", c.Tracing.SampleRate)}
	}
	return nil
}

// ServiceDir resolves a service's working directory. Monorepo hubs share
// the hub root. Multi-repo hubs use service_dirs when configured and
// fall back to a sibling directory named after the service.
func (c *Config) ServiceDir(service string) string {
	if c.RepoModel == RepoModelMonorepo {
		return c.HubRoot
	}
	if dir, ok := c.ServiceDirs[service]; ok && dir != "" {
		return dir
	}
	return filepath.Join(filepath.Dir(c.HubRoot), service)
}

// DefaultConfigTemplate returns a starter config.yaml with comments.
func DefaultConfigTemplate() string {
	return `# Accord hub configuration

project:
  name: my-project

# monorepo: all services share the hub checkout.
# multi-repo: each service has its own working directory (service_dirs
# or a sibling directory named after the service).
repo_model: monorepo

services:
  - backend
  - frontend

# Service that receives directive test requests. Leave empty to skip
# the testing phase.
# test_agent_service: qa

# Per-service working directories (multi-repo only).
# service_dirs:
#   backend: /srv/repos/backend

dispatcher:
  workers: 4
  poll_interval: 30s
  session_max_requests: 20
  session_max_age_hours: 12
  request_timeout: 30m
  max_attempts: 2
  # model: sonnet
  max_budget_usd: 10.0
  # Agent adapter: claude-code, claude-code-v2, or shell.
  agent: claude-code
  # Command the shell adapter runs, with the prompt appended as the
  # final argument. Defaults to a claude invocation.
  # agent_cmd: "claude --print"

# tracing:
#   enabled: true
#   exporter: file          # none, file, stdout, otlp
#   file_path: traces.jsonl
#   otlp_endpoint: localhost:4317
#   sample_rate: 1.0

# bridge:
#   enabled: true
#   addr: localhost:7433
`
}

// WriteDefaultConfig creates a starter config.yaml at the hub root.
func WriteDefaultConfig(hubRoot string) error {
	path := hub.ConfigFile(hubRoot)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	log.Info(log.CatConfig, "created default config", "path", path)
	return nil
}
