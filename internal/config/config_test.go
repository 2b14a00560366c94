package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	return path
}

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, ".", cfg.Project.Root)
	assert.Equal(t, filepath.Join("logs", "err_hashes.txt"), cfg.Project.LedgerPath)
	assert.Empty(t, cfg.Project.LogPath, "log path derives from dbt_project")
	assert.Equal(t, "target", cfg.Project.BuildDir)
	assert.Equal(t, ProviderGemini, cfg.Provider.Kind)
	assert.Equal(t, "gemini-2.5-flash", cfg.Provider.Model)
	assert.Equal(t, 2*time.Minute, cfg.Provider.Timeout.Duration())
	assert.Equal(t, 3, cfg.Provider.Workers)
	assert.Equal(t, "master", cfg.GitHub.BaseBranch)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, "healer-remediation", cfg.Temporal.TaskQueue)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_YAMLFile(t *testing.T) {
	path := writeConfig(t, `project:
  root: /srv/repo
  dbt_project: shop_dwh
provider:
  kind: ollama
  base_url: http://localhost:11434
  timeout: 45s
github:
  owner: acme
  repo: warehouse
  base_branch: main
server:
  port: 9090
`, 0o600)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "shop_dwh", cfg.Project.DBTProject)
	assert.Equal(t, filepath.Join("/srv/repo", "shop_dwh", "logs", "dbt.log"), cfg.Project.LogPath)
	assert.Equal(t, ProviderOllama, cfg.Provider.Kind)
	assert.Equal(t, "qwen3:8b", cfg.Provider.Model)
	assert.Equal(t, 45*time.Second, cfg.Provider.Timeout.Duration())
	assert.Equal(t, "main", cfg.GitHub.BaseBranch)
	assert.Equal(t, 9090, cfg.Server.Port)
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, `github:
  owner: acme
  repo: warehouse
provider:
  workers: 2
`, 0o600)

	t.Setenv("HEALER_GITHUB_TOKEN", "ghp_from_env")
	t.Setenv("HEALER_GITHUB_BASE_BRANCH", "develop")
	t.Setenv("HEALER_PROVIDER_WORKERS", "5")
	t.Setenv("HEALER_PROJECT_DBT_PROJECT", "shop_dwh")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ghp_from_env", cfg.GitHub.Token.Value())
	assert.Equal(t, "develop", cfg.GitHub.BaseBranch)
	assert.Equal(t, 5, cfg.Provider.Workers)
	assert.Equal(t, "shop_dwh", cfg.Project.DBTProject)
	assert.Equal(t, "acme", cfg.GitHub.Owner)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8000, cfg.Server.Port)
}

func TestLoad_RejectsInsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not enforced on windows")
	}
	path := writeConfig(t, "server:\n  port: 9090\n", 0o644)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	path := writeConfig(t, `provider:
  kind: claude
server:
  port: 70000
`, 0o600)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider.kind")
	assert.Contains(t, err.Error(), "invalid server port")
}

func TestEnvKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"HEALER_GITHUB_TOKEN", "github.token"},
		{"HEALER_PROJECT_DBT_PROJECT", "project.dbt_project"},
		{"HEALER_SERVER_SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
		{"HEALER_DEBUG", "debug"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, envKey(tt.in))
		})
	}
}

func TestValidate_DBTProjectMustBeFolderName(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Project.DBTProject = "nested/shop_dwh"
	assert.ErrorContains(t, cfg.Validate(), "project.dbt_project")
}

func TestValidate_Telemetry(t *testing.T) {
	cfg := NewDefaultConfig()
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "localhost:4317", cfg.Telemetry.Endpoint)
	assert.Equal(t, ProtocolGRPC, cfg.Telemetry.Protocol)
	assert.Equal(t, 1.0, cfg.Telemetry.SampleRate)

	cfg.Telemetry.Enabled = true
	cfg.Telemetry.Insecure = true
	assert.NoError(t, cfg.Validate())

	cfg.Telemetry.Endpoint = "otel.example.com:4317"
	assert.ErrorContains(t, cfg.Validate(), "telemetry.insecure")

	cfg.Telemetry.Insecure = false
	cfg.Telemetry.Protocol = "udp"
	cfg.Telemetry.SampleRate = 1.5
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telemetry.protocol")
	assert.Contains(t, err.Error(), "telemetry.sample_rate")
}

func TestTelemetryConfig_IsLocalEndpoint(t *testing.T) {
	tests := []struct {
		endpoint string
		want     bool
	}{
		{"localhost:4317", true},
		{"127.0.0.1:4318", true},
		{"[::1]:4317", true},
		{"http://localhost:4318", true},
		{"collector:4317", false},
		{"https://otel.example.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			assert.Equal(t, tt.want, TelemetryConfig{Endpoint: tt.endpoint}.IsLocalEndpoint())
		})
	}
}

func TestValidateForRun(t *testing.T) {
	cfg := NewDefaultConfig()
	err := cfg.ValidateForRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "github.token is required")
	assert.Contains(t, err.Error(), "provider.api_key is required")

	cfg.Project.DBTProject = "shop_dwh"
	cfg.Project.LogPath = "shop_dwh/logs/dbt.log"
	cfg.GitHub.Token = "ghp_x"
	cfg.GitHub.Owner = "acme"
	cfg.GitHub.Repo = "warehouse"
	cfg.Provider.APIKey = "key"
	assert.NoError(t, cfg.ValidateForRun())
}

func TestSecret_NeverSerializesValue(t *testing.T) {
	s := Secret("ghp_supersecret")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "Secret([REDACTED])", s.GoString())

	out, err := json.Marshal(struct {
		Token Secret `json:"token"`
	}{s})
	require.NoError(t, err)
	assert.NotContains(t, string(out), "supersecret")

	var back Secret
	assert.Error(t, json.Unmarshal([]byte(`"[REDACTED]"`), &back))
	require.NoError(t, json.Unmarshal([]byte(`"raw"`), &back))
	assert.Equal(t, "raw", back.Value())
}

func TestDuration_RejectsNegative(t *testing.T) {
	var d Duration
	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration())
}
