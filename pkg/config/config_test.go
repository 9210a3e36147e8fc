package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_EnvVarOverrides(t *testing.T) {
	// Create a minimal config file for testing.
	configContent := `
global:
  log_level: info
database:
  driver: sqlite
  sqlite:
    path: ./original.db
orchestrator:
  poll_interval: 30s
  per_repo_limit: 1
dispatch:
  mode: webhook
  webhook:
    endpoints:
      code: http://workers.local/code
scm:
  github:
    token: original-token
`

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0o644))

	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name:    "no env vars uses yaml values",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "info", cfg.Global.LogLevel)
				assert.Equal(t, "./original.db", cfg.Database.SQLite.Path)
				assert.Equal(t, "30s", cfg.Orchestrator.PollInterval)
				assert.Equal(t, "original-token", cfg.SCM.GitHub.Token)
			},
		},
		{
			name: "string override - log_level",
			envVars: map[string]string{
				"RUNOOR_GLOBAL_LOG_LEVEL": "debug",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.Global.LogLevel)
			},
		},
		{
			name: "nested field override - database.sqlite.path",
			envVars: map[string]string{
				"RUNOOR_DATABASE_SQLITE_PATH": "/data/custom.db",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/data/custom.db", cfg.Database.SQLite.Path)
			},
		},
		{
			name: "orchestrator override - poll_interval",
			envVars: map[string]string{
				"RUNOOR_ORCHESTRATOR_POLL_INTERVAL": "5s",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "5s", cfg.Orchestrator.PollInterval)
			},
		},
		{
			name: "integer override - per_repo_limit",
			envVars: map[string]string{
				"RUNOOR_ORCHESTRATOR_PER_REPO_LIMIT": "3",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 3, cfg.Orchestrator.PerRepoLimit)
			},
		},
		{
			name: "secret override - scm.github.token",
			envVars: map[string]string{
				"RUNOOR_SCM_GITHUB_TOKEN": "env-token",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "env-token", cfg.SCM.GitHub.Token)
			},
		},
		{
			name: "multiple overrides",
			envVars: map[string]string{
				"RUNOOR_GLOBAL_LOG_LEVEL":           "trace",
				"RUNOOR_DATABASE_SQLITE_PATH":       "/data/multi.db",
				"RUNOOR_ORCHESTRATOR_POLL_INTERVAL": "1m",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "trace", cfg.Global.LogLevel)
				assert.Equal(t, "/data/multi.db", cfg.Database.SQLite.Path)
				assert.Equal(t, "1m", cfg.Orchestrator.PollInterval)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Set environment variables.
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load(configPath)
			require.NoError(t, err)

			tt.validate(t, cfg)
		})
	}
}

func TestLoad_DefaultsAppliedWhenEmpty(t *testing.T) {
	configContent := `
dispatch:
  mode: container
  container:
    images:
      code: ghcr.io/example/code-worker:latest
`

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0o644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	// Verify defaults are applied.
	assert.Equal(t, DefaultLogLevel, cfg.Global.LogLevel)
	assert.Equal(t, DefaultDatabaseDriver, cfg.Database.Driver)
	assert.Equal(t, DefaultSQLitePath, cfg.Database.SQLite.Path)
	assert.Equal(t, []string{DefaultWorkerType}, cfg.Orchestrator.DefaultWorkerTypes)
	assert.Equal(t, DefaultContainerRuntime, cfg.Dispatch.Container.Runtime)
	assert.Equal(t, DefaultContainerNetwork, cfg.Dispatch.Container.Network)
	assert.Equal(t, DefaultPullPolicy, cfg.Dispatch.Container.PullPolicy)
	assert.Equal(t, DefaultContainerMemory, cfg.Dispatch.Container.Memory)
}

func TestLoad_EnvVarOverridesDefaults(t *testing.T) {
	configContent := `
dispatch:
  mode: webhook
  webhook:
    endpoints:
      code: http://workers.local/code
`

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0o644))

	// Set env var to override the default.
	t.Setenv("RUNOOR_GLOBAL_LOG_LEVEL", "warn")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	// Env var should take precedence over default.
	assert.Equal(t, "warn", cfg.Global.LogLevel)
}

func TestLoad_MultipleFilesMergeInOrder(t *testing.T) {
	baseContent := `
global:
  log_level: info
database:
  driver: sqlite
  sqlite:
    path: ./base.db
dispatch:
  mode: webhook
  webhook:
    endpoints:
      code: http://workers.local/code
`
	overlayContent := `
database:
  sqlite:
    path: ./overlay.db
`

	tmpDir := t.TempDir()
	basePath := filepath.Join(tmpDir, "base.yaml")
	overlayPath := filepath.Join(tmpDir, "overlay.yaml")
	require.NoError(t, os.WriteFile(basePath, []byte(baseContent), 0o644))
	require.NoError(t, os.WriteFile(overlayPath, []byte(overlayContent), 0o644))

	cfg, err := Load(basePath, overlayPath)
	require.NoError(t, err)

	// Later files win; untouched keys survive.
	assert.Equal(t, "./overlay.db", cfg.Database.SQLite.Path)
	assert.Equal(t, "info", cfg.Global.LogLevel)
	assert.Equal(t, "http://workers.local/code", cfg.Dispatch.Webhook.Endpoints["code"])
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoad_NoFiles(t *testing.T) {
	_, err := Load()
	require.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("invalid: yaml: content:"), 0o644))

	_, err := Load(configPath)
	require.Error(t, err)
}

func validBaseConfig() *Config {
	cfg := &Config{}
	cfg.Dispatch = DispatchConfig{
		Mode: "webhook",
		Webhook: &WebhookDispatchConfig{
			Endpoints: map[string]string{"code": "http://workers.local/code"},
		},
	}
	cfg.applyDefaults()

	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(cfg *Config)
		wantErr   bool
		errSubstr string
	}{
		{
			name:   "valid base config",
			mutate: func(_ *Config) {},
		},
		{
			name: "unknown database driver",
			mutate: func(cfg *Config) {
				cfg.Database.Driver = "oracle"
			},
			wantErr:   true,
			errSubstr: "not supported",
		},
		{
			name: "postgres requires host",
			mutate: func(cfg *Config) {
				cfg.Database.Driver = "postgres"
				cfg.Database.Postgres.Database = "runoor"
			},
			wantErr:   true,
			errSubstr: "postgres.host",
		},
		{
			name: "invalid poll interval",
			mutate: func(cfg *Config) {
				cfg.Orchestrator.PollInterval = "soon"
			},
			wantErr:   true,
			errSubstr: "invalid duration",
		},
		{
			name: "negative max retries",
			mutate: func(cfg *Config) {
				n := -1
				cfg.Orchestrator.MaxRetries = &n
			},
			wantErr:   true,
			errSubstr: "max_retries",
		},
		{
			name: "unknown default worker type",
			mutate: func(cfg *Config) {
				cfg.Orchestrator.DefaultWorkerTypes = []string{"janitor"}
			},
			wantErr:   true,
			errSubstr: "unknown worker type",
		},
		{
			name: "duplicate policy names",
			mutate: func(cfg *Config) {
				enabled := true
				cfg.Policies = []PolicyConfig{
					{Name: "low-risk", Enabled: &enabled},
					{Name: "low-risk", Enabled: &enabled},
				}
			},
			wantErr:   true,
			errSubstr: "duplicate name",
		},
		{
			name: "policy without name",
			mutate: func(cfg *Config) {
				cfg.Policies = []PolicyConfig{{Priority: 10}}
			},
			wantErr:   true,
			errSubstr: "name is required",
		},
		{
			name: "github scm requires token",
			mutate: func(cfg *Config) {
				cfg.SCM.GitHub = &GitHubSCMConfig{MergeMethod: "squash"}
			},
			wantErr:   true,
			errSubstr: "token is required",
		},
		{
			name: "github scm rejects unknown merge method",
			mutate: func(cfg *Config) {
				cfg.SCM.GitHub = &GitHubSCMConfig{Token: "t", MergeMethod: "fast-forward"}
			},
			wantErr:   true,
			errSubstr: "merge_method",
		},
		{
			name: "slack requires webhook url",
			mutate: func(cfg *Config) {
				cfg.Notify.Slack = &SlackNotifyConfig{Channel: "#runs"}
			},
			wantErr:   true,
			errSubstr: "webhook_url",
		},
		{
			name: "archive cannot use both backends",
			mutate: func(cfg *Config) {
				cfg.Archive = &ArchiveConfig{
					Local: &LocalArchiveConfig{Dir: "/tmp/archive"},
					S3:    &S3ArchiveConfig{Bucket: "runs"},
				}
			},
			wantErr:   true,
			errSubstr: "cannot configure both",
		},
		{
			name: "s3 archive requires bucket",
			mutate: func(cfg *Config) {
				cfg.Archive = &ArchiveConfig{S3: &S3ArchiveConfig{Region: "us-east-1"}}
			},
			wantErr:   true,
			errSubstr: "bucket is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validBaseConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errSubstr)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestDispatchConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		dispatch  DispatchConfig
		wantErr   bool
		errSubstr string
	}{
		{
			name: "valid webhook mode",
			dispatch: DispatchConfig{
				Mode: "webhook",
				Webhook: &WebhookDispatchConfig{
					Endpoints: map[string]string{"code": "http://workers.local/code"},
				},
			},
		},
		{
			name: "valid container mode",
			dispatch: DispatchConfig{
				Mode: "container",
				Container: &ContainerDispatchConfig{
					Runtime:    "docker",
					PullPolicy: "always",
					Images:     map[string]string{"agent": "example/agent:v1"},
				},
			},
		},
		{
			name:      "unknown mode",
			dispatch:  DispatchConfig{Mode: "carrier-pigeon"},
			wantErr:   true,
			errSubstr: "not supported",
		},
		{
			name:      "webhook mode without section",
			dispatch:  DispatchConfig{Mode: "webhook"},
			wantErr:   true,
			errSubstr: "webhook section is required",
		},
		{
			name: "webhook mode without endpoints",
			dispatch: DispatchConfig{
				Mode:    "webhook",
				Webhook: &WebhookDispatchConfig{},
			},
			wantErr:   true,
			errSubstr: "at least one worker type",
		},
		{
			name: "webhook endpoint for unknown worker type",
			dispatch: DispatchConfig{
				Mode: "webhook",
				Webhook: &WebhookDispatchConfig{
					Endpoints: map[string]string{"janitor": "http://workers.local/janitor"},
				},
			},
			wantErr:   true,
			errSubstr: "unknown worker type",
		},
		{
			name: "container mode without images",
			dispatch: DispatchConfig{
				Mode:      "container",
				Container: &ContainerDispatchConfig{Runtime: "docker", PullPolicy: "always"},
			},
			wantErr:   true,
			errSubstr: "at least one worker type",
		},
		{
			name: "container mode with unknown runtime",
			dispatch: DispatchConfig{
				Mode: "container",
				Container: &ContainerDispatchConfig{
					Runtime:    "lxc",
					PullPolicy: "always",
					Images:     map[string]string{"code": "example/code:v1"},
				},
			},
			wantErr:   true,
			errSubstr: "runtime",
		},
		{
			name: "container mode with unknown pull policy",
			dispatch: DispatchConfig{
				Mode: "container",
				Container: &ContainerDispatchConfig{
					Runtime:    "docker",
					PullPolicy: "sometimes",
					Images:     map[string]string{"code": "example/code:v1"},
				},
			},
			wantErr:   true,
			errSubstr: "pull_policy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.dispatch.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errSubstr)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestValidateAPI(t *testing.T) {
	cfg := validBaseConfig()

	// Missing API section.
	require.Error(t, cfg.ValidateAPI())

	cfg.API = &APIConfig{}
	err := cfg.ValidateAPI()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen")

	cfg.API.Server.Listen = ":8080"
	require.NoError(t, cfg.ValidateAPI())

	cfg.API.Auth.SessionTTL = "never"
	err = cfg.ValidateAPI()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session_ttl")

	cfg.API.Auth.SessionTTL = "24h"
	require.NoError(t, cfg.ValidateAPI())
}
