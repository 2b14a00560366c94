// Package config provides configuration loading for healer.
//
// Configuration is resolved from hardcoded defaults, an optional YAML file and
// HEALER_* environment variables (a .env file in the working directory is
// loaded into the environment first).
package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"
)

// Provider kinds.
const (
	ProviderGemini = "gemini"
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// Config holds the complete healer configuration.
type Config struct {
	Project  ProjectConfig  `koanf:"project"`
	Provider ProviderConfig `koanf:"provider"`
	GitHub   GitHubConfig   `koanf:"github"`
	Telegram TelegramConfig `koanf:"telegram"`
	Database DatabaseConfig `koanf:"database"`
	Server   ServerConfig   `koanf:"server"`
	Temporal TemporalConfig `koanf:"temporal"`
	Checkout CheckoutConfig `koanf:"checkout"`
	CI       CIConfig       `koanf:"ci"`
	Logging  LoggingConfig  `koanf:"logging"`

	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// Trace export protocols.
const (
	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http/protobuf"
)

// TelemetryConfig controls OpenTelemetry trace export. Disabled by default
// since most installs have no collector.
type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Endpoint    string `koanf:"endpoint"`
	Protocol    string `koanf:"protocol"`
	Insecure    bool   `koanf:"insecure"` // no TLS; local endpoints only
	ServiceName string `koanf:"service_name"`
	// SampleRate is the fraction of root traces kept, 0.0-1.0.
	SampleRate      float64  `koanf:"sample_rate"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// IsLocalEndpoint reports whether the endpoint host is a loopback address.
func (c TelemetryConfig) IsLocalEndpoint() bool {
	host := strings.TrimPrefix(strings.TrimPrefix(c.Endpoint, "https://"), "http://")
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	return host == "localhost" || host == "::1" || strings.HasPrefix(host, "127.")
}

// LoggingConfig is the user-facing subset of logging settings.
type LoggingConfig struct {
	Level    string `koanf:"level"`
	Format   string `koanf:"format"`
	Sampling bool   `koanf:"sampling"`
}

// ProjectConfig locates the dbt project and the files the pipeline owns.
type ProjectConfig struct {
	// Root is the repository root searched when resolving file references.
	Root string `koanf:"root"`
	// DBTProject is the dbt project folder name inside the hosted repository.
	DBTProject string `koanf:"dbt_project"`
	// LogPath is the dbt log consumed by the ledger and extractor.
	LogPath string `koanf:"log_path"`
	// LedgerPath is the append-only failure signature file.
	LedgerPath string `koanf:"ledger_path"`
	// BuildDir is the compiled-artifacts directory excluded from file search.
	BuildDir string `koanf:"build_dir"`
}

// ProviderConfig selects and tunes the diagnosis model backend.
type ProviderConfig struct {
	Kind    string   `koanf:"kind"`
	Model   string   `koanf:"model"`
	BaseURL string   `koanf:"base_url"`
	APIKey  Secret   `koanf:"api_key"`
	Timeout Duration `koanf:"timeout"`
	// RPS limits outbound model calls per second.
	RPS float64 `koanf:"rps"`
	// Workers bounds concurrent fix proposals.
	Workers int `koanf:"workers"`
}

// GitHubConfig addresses the hosting repository.
type GitHubConfig struct {
	Token      Secret   `koanf:"token"`
	Owner      string   `koanf:"owner"`
	Repo       string   `koanf:"repo"`
	BaseBranch string   `koanf:"base_branch"`
	Timeout    Duration `koanf:"timeout"`
}

// TelegramConfig configures the notification channel.
type TelegramConfig struct {
	Token   Secret   `koanf:"token"`
	Timeout Duration `koanf:"timeout"`
	Workers int      `koanf:"workers"`
}

// DatabaseConfig points at the subscriber database.
type DatabaseConfig struct {
	DSN Secret `koanf:"dsn"`
}

// ServerConfig holds ingress HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	// RateLimit is the per-client request budget per minute.
	RateLimit int `koanf:"rate_limit"`
}

// TemporalConfig enables Temporal-backed run dispatch when Host is set.
type TemporalConfig struct {
	Host      string `koanf:"host"`
	Namespace string `koanf:"namespace"`
	TaskQueue string `koanf:"task_queue"`
}

// CheckoutConfig holds the working root for repository checkouts.
type CheckoutConfig struct {
	Root string `koanf:"root"`
}

// CIConfig feeds the generated CI workflow and dbt ci profile.
type CIConfig struct {
	// AnalyzeEndpoint is the ingress URL failed builds post their log to.
	AnalyzeEndpoint string `koanf:"analyze_endpoint"`
	// RepoURL overrides the clone URL derived from github.owner/github.repo.
	RepoURL    string `koanf:"repo_url"`
	DBHost     string `koanf:"db_host"`
	DBPort     int    `koanf:"db_port"`
	DBUser     string `koanf:"db_user"`
	DBPassword Secret `koanf:"db_password"`
	DBName     string `koanf:"db_name"`
	DBSchema   string `koanf:"db_schema"`
}

// NewDefaultConfig returns the configuration used when nothing is overridden.
func NewDefaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Project.Root == "" {
		cfg.Project.Root = "."
	}
	if cfg.Project.LedgerPath == "" {
		cfg.Project.LedgerPath = filepath.Join("logs", "err_hashes.txt")
	}
	if cfg.Project.LogPath == "" && cfg.Project.DBTProject != "" {
		cfg.Project.LogPath = filepath.Join(cfg.Project.Root, cfg.Project.DBTProject, "logs", "dbt.log")
	}
	if cfg.Project.BuildDir == "" {
		cfg.Project.BuildDir = "target"
	}

	if cfg.Provider.Kind == "" {
		cfg.Provider.Kind = ProviderGemini
	}
	if cfg.Provider.Model == "" {
		switch cfg.Provider.Kind {
		case ProviderGemini:
			cfg.Provider.Model = "gemini-2.5-flash"
		case ProviderOllama:
			cfg.Provider.Model = "qwen3:8b"
		}
	}
	if cfg.Provider.Timeout == 0 {
		cfg.Provider.Timeout = Duration(2 * time.Minute)
	}
	if cfg.Provider.RPS == 0 {
		cfg.Provider.RPS = 1
	}
	if cfg.Provider.Workers == 0 {
		cfg.Provider.Workers = 3
	}

	if cfg.GitHub.BaseBranch == "" {
		cfg.GitHub.BaseBranch = "master"
	}
	if cfg.GitHub.Timeout == 0 {
		cfg.GitHub.Timeout = Duration(30 * time.Second)
	}

	if cfg.Telegram.Timeout == 0 {
		cfg.Telegram.Timeout = Duration(10 * time.Second)
	}
	if cfg.Telegram.Workers == 0 {
		cfg.Telegram.Workers = 8
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if cfg.Server.RateLimit == 0 {
		cfg.Server.RateLimit = 60
	}

	if cfg.Temporal.Namespace == "" {
		cfg.Temporal.Namespace = "default"
	}
	if cfg.Temporal.TaskQueue == "" {
		cfg.Temporal.TaskQueue = "healer-remediation"
	}

	if cfg.Checkout.Root == "" {
		cfg.Checkout.Root = "/tmp"
	}

	if cfg.CI.DBHost == "" {
		cfg.CI.DBHost = "localhost"
	}
	if cfg.CI.DBPort == 0 {
		cfg.CI.DBPort = 5432
	}
	if cfg.CI.DBUser == "" {
		cfg.CI.DBUser = "dbt"
	}
	if !cfg.CI.DBPassword.IsSet() {
		cfg.CI.DBPassword = Secret("dbt")
	}
	if cfg.CI.DBName == "" {
		cfg.CI.DBName = "dbt"
	}
	if cfg.CI.DBSchema == "" {
		cfg.CI.DBSchema = "dbt"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = ProtocolGRPC
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "healer"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
	if cfg.Telemetry.ShutdownTimeout == 0 {
		cfg.Telemetry.ShutdownTimeout = Duration(5 * time.Second)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	switch c.Provider.Kind {
	case ProviderGemini, ProviderOllama, ProviderOpenAI:
	default:
		errs = append(errs, fmt.Errorf("provider.kind must be one of gemini, ollama, openai, got %q", c.Provider.Kind))
	}
	if c.Provider.Kind == ProviderOpenAI && c.Provider.Model == "" {
		errs = append(errs, errors.New("provider.model is required for openai-compatible backends"))
	}
	if c.Provider.RPS < 0 {
		errs = append(errs, fmt.Errorf("provider.rps must be >= 0, got %v", c.Provider.RPS))
	}
	if c.Provider.Workers < 1 {
		errs = append(errs, fmt.Errorf("provider.workers must be >= 1, got %d", c.Provider.Workers))
	}
	if c.Telegram.Workers < 1 {
		errs = append(errs, fmt.Errorf("telegram.workers must be >= 1, got %d", c.Telegram.Workers))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port))
	}
	if strings.ContainsAny(c.Project.DBTProject, `/\`) {
		errs = append(errs, fmt.Errorf("project.dbt_project must be a folder name, got %q", c.Project.DBTProject))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format))
	}
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Validate checks the telemetry section. A disabled section is always valid.
func (c TelemetryConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	var errs []error
	if c.Endpoint == "" {
		errs = append(errs, errors.New("telemetry.endpoint is required when telemetry is enabled"))
	}
	if c.Protocol != ProtocolGRPC && c.Protocol != ProtocolHTTP {
		errs = append(errs, fmt.Errorf("telemetry.protocol must be %q or %q, got %q", ProtocolGRPC, ProtocolHTTP, c.Protocol))
	}
	if c.Insecure && !c.IsLocalEndpoint() {
		errs = append(errs, errors.New("telemetry.insecure is only allowed for local endpoints"))
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate must be between 0 and 1, got %v", c.SampleRate))
	}
	return errors.Join(errs...)
}

// ValidateForRun checks the settings a pipeline run cannot work without.
func (c *Config) ValidateForRun() error {
	var errs []error
	if c.Project.DBTProject == "" {
		errs = append(errs, errors.New("project.dbt_project is required"))
	}
	if c.Project.LogPath == "" {
		errs = append(errs, errors.New("project.log_path is required"))
	}
	if !c.GitHub.Token.IsSet() {
		errs = append(errs, errors.New("github.token is required"))
	}
	if c.GitHub.Owner == "" || c.GitHub.Repo == "" {
		errs = append(errs, errors.New("github.owner and github.repo are required"))
	}
	if c.Provider.Kind == ProviderGemini && !c.Provider.APIKey.IsSet() {
		errs = append(errs, errors.New("provider.api_key is required for gemini"))
	}
	return errors.Join(errs...)
}
