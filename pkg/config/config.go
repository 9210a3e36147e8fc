// Package config loads and validates the runoor configuration. Config
// files are YAML; multiple files merge in order, later files winning.
// Every key can be overridden through RUNOOR_* environment variables
// (RUNOOR_GLOBAL_LOG_LEVEL, RUNOOR_DATABASE_DRIVER, ...).
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultDatabaseDriver is the default database driver.
	DefaultDatabaseDriver = "sqlite"

	// DefaultSQLitePath is the default SQLite database path.
	DefaultSQLitePath = "./runoor.db"

	// DefaultMergeMethod is the default pull request merge method.
	DefaultMergeMethod = "squash"

	// DefaultWorkerType is the worker type assigned to runs that do
	// not request any.
	DefaultWorkerType = "code"

	// envPrefix is the prefix for environment variable overrides.
	envPrefix = "RUNOOR"
)

// Config is the root configuration for runoor.
type Config struct {
	Global       GlobalConfig       `yaml:"global" mapstructure:"global"`
	Database     DatabaseConfig     `yaml:"database" mapstructure:"database"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" mapstructure:"orchestrator"`
	Dispatch     DispatchConfig     `yaml:"dispatch" mapstructure:"dispatch"`
	SCM          SCMConfig          `yaml:"scm,omitempty" mapstructure:"scm"`
	Policies     []PolicyConfig     `yaml:"policies,omitempty" mapstructure:"policies"`
	Notify       NotifyConfig       `yaml:"notify,omitempty" mapstructure:"notify"`
	Archive      *ArchiveConfig     `yaml:"archive,omitempty" mapstructure:"archive"`
	API          *APIConfig         `yaml:"api,omitempty" mapstructure:"api"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// OrchestratorConfig contains the poll loop settings. Durations are
// strings ("30s", "10m"); unset values fall back to the engine
// package defaults.
type OrchestratorConfig struct {
	WorkerID            string   `yaml:"worker_id,omitempty" mapstructure:"worker_id"`
	PollInterval        string   `yaml:"poll_interval,omitempty" mapstructure:"poll_interval"`
	SweepInterval       string   `yaml:"sweep_interval,omitempty" mapstructure:"sweep_interval"`
	ClaimLease          string   `yaml:"claim_lease,omitempty" mapstructure:"claim_lease"`
	IssueTimeout        string   `yaml:"issue_timeout,omitempty" mapstructure:"issue_timeout"`
	ConsistencyInterval string   `yaml:"consistency_interval,omitempty" mapstructure:"consistency_interval"`
	MaxRetries          *int     `yaml:"max_retries,omitempty" mapstructure:"max_retries"`
	MaxConcurrentRuns   int      `yaml:"max_concurrent_runs,omitempty" mapstructure:"max_concurrent_runs"`
	PerRepoLimit        int      `yaml:"per_repo_limit,omitempty" mapstructure:"per_repo_limit"`
	DefaultWorkerTypes  []string `yaml:"default_worker_types,omitempty" mapstructure:"default_worker_types"`
}

// SCMConfig contains source-control host settings for merging pull
// requests.
type SCMConfig struct {
	GitHub *GitHubSCMConfig `yaml:"github,omitempty" mapstructure:"github"`
}

// GitHubSCMConfig contains GitHub API settings.
type GitHubSCMConfig struct {
	Token       string `yaml:"token" mapstructure:"token"`
	BaseURL     string `yaml:"base_url,omitempty" mapstructure:"base_url"`
	MergeMethod string `yaml:"merge_method,omitempty" mapstructure:"merge_method"`
}

// PolicyConfig defines a merge policy to seed into the database at
// startup. Conditions are a nested predicate document; see the policy
// package for the supported operators.
type PolicyConfig struct {
	Name                string         `yaml:"name" mapstructure:"name"`
	Priority            int            `yaml:"priority" mapstructure:"priority"`
	Enabled             *bool          `yaml:"enabled,omitempty" mapstructure:"enabled"`
	AutoMergeAllowed    bool           `yaml:"auto_merge_allowed" mapstructure:"auto_merge_allowed"`
	Conditions          map[string]any `yaml:"conditions,omitempty" mapstructure:"conditions"`
	RequireApprovalFrom []string       `yaml:"require_approval_from,omitempty" mapstructure:"require_approval_from"`
}

// NotifyConfig contains notification settings.
type NotifyConfig struct {
	Slack            *SlackNotifyConfig `yaml:"slack,omitempty" mapstructure:"slack"`
	DefaultApprovers []string           `yaml:"default_approvers,omitempty" mapstructure:"default_approvers"`
}

// SlackNotifyConfig contains Slack webhook settings.
type SlackNotifyConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
	Channel    string `yaml:"channel,omitempty" mapstructure:"channel"`
	Username   string `yaml:"username,omitempty" mapstructure:"username"`
}

// ArchiveConfig contains terminal-run archive settings. Only one
// backend (local or S3) may be configured at a time.
type ArchiveConfig struct {
	Local *LocalArchiveConfig `yaml:"local,omitempty" mapstructure:"local"`
	S3    *S3ArchiveConfig    `yaml:"s3,omitempty" mapstructure:"s3"`
}

// LocalArchiveConfig writes run bundles to a local directory.
type LocalArchiveConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// S3ArchiveConfig writes run bundles to an S3 bucket.
type S3ArchiveConfig struct {
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
}

// Load reads and merges the given configuration files in order, then
// applies environment overrides and defaults.
func Load(paths ...string) (*Config, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no config file specified")
	}

	cfg := &Config{}

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	cfg.applyDefaults()

	return cfg, nil
}

// applyEnvOverrides re-reads the merged configuration through viper so
// that RUNOOR_* environment variables take precedence over file
// values. Viper only sees keys that exist in the seeded document, so
// the config is round-tripped through YAML first.
func (c *Config) applyEnvOverrides() error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")

	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("seeding viper: %w", err)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range v.AllKeys() {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("binding %s: %w", key, err)
		}
	}

	if err := v.Unmarshal(c); err != nil {
		return fmt.Errorf("unmarshaling config: %w", err)
	}

	return nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDatabaseDriver
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSQLitePath
	}

	if c.Database.Postgres.SSLMode == "" {
		c.Database.Postgres.SSLMode = "disable"
	}

	if len(c.Orchestrator.DefaultWorkerTypes) == 0 {
		c.Orchestrator.DefaultWorkerTypes = []string{DefaultWorkerType}
	}

	if c.SCM.GitHub != nil && c.SCM.GitHub.MergeMethod == "" {
		c.SCM.GitHub.MergeMethod = DefaultMergeMethod
	}

	for i := range c.Policies {
		if c.Policies[i].Enabled == nil {
			enabled := true
			c.Policies[i].Enabled = &enabled
		}
	}

	c.Dispatch.applyDefaults()
}

// Validate checks the orchestrator configuration for errors.
func (c *Config) Validate() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}

	if err := c.validateOrchestrator(); err != nil {
		return err
	}

	if err := c.Dispatch.Validate(); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}

	if err := c.validatePolicies(); err != nil {
		return err
	}

	if c.SCM.GitHub != nil {
		if c.SCM.GitHub.Token == "" {
			return fmt.Errorf("scm.github.token is required")
		}

		if !isValidMergeMethod(c.SCM.GitHub.MergeMethod) {
			return fmt.Errorf("scm.github.merge_method %q is not supported", c.SCM.GitHub.MergeMethod)
		}
	}

	if c.Notify.Slack != nil && c.Notify.Slack.WebhookURL == "" {
		return fmt.Errorf("notify.slack.webhook_url is required")
	}

	if c.Archive != nil {
		if c.Archive.Local != nil && c.Archive.S3 != nil {
			return fmt.Errorf("archive: cannot configure both local and s3 backends")
		}

		if c.Archive.Local != nil && c.Archive.Local.Dir == "" {
			return fmt.Errorf("archive.local.dir is required")
		}

		if c.Archive.S3 != nil && c.Archive.S3.Bucket == "" {
			return fmt.Errorf("archive.s3.bucket is required")
		}
	}

	return nil
}

func (c *Config) validateDatabase() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}

		if c.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres.database is required")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}

	return nil
}

func (c *Config) validateOrchestrator() error {
	durations := map[string]string{
		"orchestrator.poll_interval":        c.Orchestrator.PollInterval,
		"orchestrator.sweep_interval":       c.Orchestrator.SweepInterval,
		"orchestrator.claim_lease":          c.Orchestrator.ClaimLease,
		"orchestrator.issue_timeout":        c.Orchestrator.IssueTimeout,
		"orchestrator.consistency_interval": c.Orchestrator.ConsistencyInterval,
	}

	for key, value := range durations {
		if value == "" {
			continue
		}

		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s: invalid duration %q", key, value)
		}
	}

	if c.Orchestrator.MaxRetries != nil && *c.Orchestrator.MaxRetries < 0 {
		return fmt.Errorf("orchestrator.max_retries cannot be negative")
	}

	if c.Orchestrator.MaxConcurrentRuns < 0 {
		return fmt.Errorf("orchestrator.max_concurrent_runs cannot be negative")
	}

	if c.Orchestrator.PerRepoLimit < 0 {
		return fmt.Errorf("orchestrator.per_repo_limit cannot be negative")
	}

	for _, wt := range c.Orchestrator.DefaultWorkerTypes {
		if !isValidWorkerType(wt) {
			return fmt.Errorf("orchestrator.default_worker_types: unknown worker type %q", wt)
		}
	}

	return nil
}

func (c *Config) validatePolicies() error {
	seenNames := make(map[string]struct{}, len(c.Policies))

	for i, policy := range c.Policies {
		if policy.Name == "" {
			return fmt.Errorf("policy %d: name is required", i)
		}

		if _, exists := seenNames[policy.Name]; exists {
			return fmt.Errorf("policy %d: duplicate name %q", i, policy.Name)
		}

		seenNames[policy.Name] = struct{}{}
	}

	return nil
}

// validWorkerTypes is the closed set of supported worker types.
var validWorkerTypes = map[string]struct{}{
	"code":  {},
	"image": {},
	"copy":  {},
	"agent": {},
}

// isValidWorkerType checks if the given worker type is supported.
func isValidWorkerType(workerType string) bool {
	_, ok := validWorkerTypes[workerType]

	return ok
}

// validMergeMethods is the list of merge methods GitHub accepts.
var validMergeMethods = map[string]struct{}{
	"merge":  {},
	"squash": {},
	"rebase": {},
}

func isValidMergeMethod(method string) bool {
	_, ok := validMergeMethods[method]

	return ok
}
