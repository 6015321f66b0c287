// Package config loads and validates the reviewd configuration: server binding,
// engine tuning, assistant invocation, storage locations, and the monitored
// repositories.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Platform identifies the hosting platform of a repository.
type Platform string

const (
	PlatformGitLab Platform = "gitlab"
	PlatformGitea  Platform = "gitea"
	PlatformGitHub Platform = "github"
)

// TriggerMode selects how review tasks are discovered for a repository.
type TriggerMode string

const (
	TriggerWebhook TriggerMode = "webhook"
	TriggerPolling TriggerMode = "polling"
	TriggerBoth    TriggerMode = "both"
)

// AuthType enumerates supported repository authentication schemes.
type AuthType string

const (
	AuthTypeNone  AuthType = "none"
	AuthTypeBasic AuthType = "basic"
	AuthTypeToken AuthType = "token"
)

// Config is the root configuration document.
type Config struct {
	Server       ServerConfig    `yaml:"server"`
	Engine       EngineConfig    `yaml:"engine"`
	Assistant    AssistantConfig `yaml:"assistant"`
	Storage      StorageConfig   `yaml:"storage"`
	Polling      PollingConfig   `yaml:"polling"`
	Events       EventsConfig    `yaml:"events"`
	Metrics      MetricsConfig   `yaml:"metrics"`
	Repositories []Repository    `yaml:"repositories"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// EngineConfig tunes the scheduler and batch planner.
type EngineConfig struct {
	Workers           int           `yaml:"workers"`
	MaxTokensPerBatch int           `yaml:"max_tokens_per_batch"`
	ContextMapTokens  int           `yaml:"context_map_tokens"`
	CharsPerToken     float64       `yaml:"chars_per_token"`
	BatchTimeout      time.Duration `yaml:"batch_timeout"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace"`
	QueueSize         int           `yaml:"queue_size"`
}

// AssistantConfig describes how the external code assistant is invoked.
type AssistantConfig struct {
	Binary    string   `yaml:"binary"`
	ExtraArgs []string `yaml:"extra_args"`
	Model     string   `yaml:"model"`
	APIBase   string   `yaml:"api_base"`
	APIKey    string   `yaml:"api_key"`
	NoRepoMap bool     `yaml:"no_repo_map"`

	// ValidExtensions limits which changed files are submitted for review.
	// Empty means the built-in default set.
	ValidExtensions []string `yaml:"valid_extensions"`
}

// StorageConfig holds filesystem locations for durable state.
type StorageConfig struct {
	DataDir      string `yaml:"data_dir"`
	DatabasePath string `yaml:"database_path"`
	MirrorDir    string `yaml:"mirror_dir"`
}

// PollingConfig controls the poller ticker.
type PollingConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DefaultInterval time.Duration `yaml:"default_interval"`
}

// EventsConfig configures the optional NATS lifecycle notifier.
type EventsConfig struct {
	Enabled bool   `yaml:"enabled"`
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

// MetricsConfig toggles prometheus metrics exposure.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Repository is one monitored repository.
type Repository struct {
	ID            string      `yaml:"id"`
	Name          string      `yaml:"name"`
	CloneURL      string      `yaml:"clone_url"`
	Branch        string      `yaml:"branch"`
	Platform      Platform    `yaml:"platform"`
	APIURL        string      `yaml:"api_url"`
	Auth          *AuthConfig `yaml:"auth,omitempty"`
	TriggerMode   TriggerMode `yaml:"trigger_mode"`
	PollInterval  int         `yaml:"polling_interval_minutes"`
	EffectiveFrom time.Time   `yaml:"effective_from"`
	PollCommits   bool        `yaml:"poll_commits"`
	PollMRs       bool        `yaml:"poll_mrs"`
	EnableComment bool        `yaml:"enable_comment"`
	Enabled       bool        `yaml:"enabled"`
	LocalPath     string      `yaml:"local_path,omitempty"`
	WebhookSecret string      `yaml:"webhook_secret,omitempty"`
}

// AuthConfig is the authentication record for a repository. The same record
// authenticates both git transport and platform REST calls.
type AuthConfig struct {
	Type     AuthType `yaml:"type"`
	Username string   `yaml:"username,omitempty"`
	Password string   `yaml:"password,omitempty"`
	Token    string   `yaml:"token,omitempty"`
}

// defaultExtensions is the built-in set of reviewable file extensions.
var defaultExtensions = []string{
	".go", ".py", ".js", ".ts", ".tsx", ".jsx", ".java", ".kt", ".rs",
	".c", ".h", ".cpp", ".hpp", ".cs", ".rb", ".php", ".sql", ".sh",
	".vue", ".swift", ".scala",
}

// Load reads the configuration file, expanding ${VAR} references from the
// process environment (a .env file is loaded first if present).
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err == nil {
		fmt.Fprintln(os.Stderr, "Loaded environment variables from .env")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Engine.Workers <= 0 {
		c.Engine.Workers = 2
	}
	if c.Engine.MaxTokensPerBatch <= 0 {
		c.Engine.MaxTokensPerBatch = 100_000
	}
	if c.Engine.ContextMapTokens <= 0 {
		c.Engine.ContextMapTokens = 262_144
	}
	if c.Engine.CharsPerToken <= 0 {
		c.Engine.CharsPerToken = 3.5
	}
	if c.Engine.BatchTimeout <= 0 {
		c.Engine.BatchTimeout = 30 * time.Minute
	}
	if c.Engine.ShutdownGrace <= 0 {
		c.Engine.ShutdownGrace = 30 * time.Second
	}
	if c.Engine.QueueSize <= 0 {
		c.Engine.QueueSize = 256
	}
	if c.Assistant.Binary == "" {
		c.Assistant.Binary = "aider"
	}
	if len(c.Assistant.ValidExtensions) == 0 {
		c.Assistant.ValidExtensions = defaultExtensions
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "./data"
	}
	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = c.Storage.DataDir + "/reviewd.db"
	}
	if c.Storage.MirrorDir == "" {
		c.Storage.MirrorDir = c.Storage.DataDir + "/mirrors"
	}
	if c.Polling.DefaultInterval <= 0 {
		c.Polling.DefaultInterval = 5 * time.Minute
	}
	if c.Events.Subject == "" {
		c.Events.Subject = "reviewd.tasks"
	}
	for i := range c.Repositories {
		r := &c.Repositories[i]
		if r.Branch == "" {
			r.Branch = "main"
		}
		if r.TriggerMode == "" {
			r.TriggerMode = TriggerWebhook
		}
		if r.PollInterval < 1 {
			r.PollInterval = int(c.Polling.DefaultInterval / time.Minute)
		}
		if r.Auth == nil {
			r.Auth = &AuthConfig{Type: AuthTypeNone}
		}
		if r.ID == "" {
			r.ID = deriveRepoID(r.CloneURL)
		}
	}
}

// Validate checks invariants that cannot be defaulted away.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Repositories))
	for i := range c.Repositories {
		r := &c.Repositories[i]
		if r.CloneURL == "" {
			return fmt.Errorf("repository %q: clone_url is required", r.Name)
		}
		switch r.Platform {
		case PlatformGitLab, PlatformGitea, PlatformGitHub:
		default:
			return fmt.Errorf("repository %q: unknown platform %q", r.Name, r.Platform)
		}
		switch r.TriggerMode {
		case TriggerWebhook, TriggerPolling, TriggerBoth:
		default:
			return fmt.Errorf("repository %q: unknown trigger_mode %q", r.Name, r.TriggerMode)
		}
		if r.Auth != nil {
			switch r.Auth.Type {
			case AuthTypeNone:
			case AuthTypeBasic:
				if r.Auth.Username == "" || r.Auth.Password == "" {
					return fmt.Errorf("repository %q: basic auth requires username and password", r.Name)
				}
			case AuthTypeToken:
				if r.Auth.Token == "" {
					return fmt.Errorf("repository %q: token auth requires a token", r.Name)
				}
			default:
				return fmt.Errorf("repository %q: unknown auth type %q", r.Name, r.Auth.Type)
			}
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("duplicate repository id %q", r.ID)
		}
		seen[r.ID] = struct{}{}
	}
	return nil
}

// RepositoryByID returns the repository with the given id, or nil.
func (c *Config) RepositoryByID(id string) *Repository {
	for i := range c.Repositories {
		if c.Repositories[i].ID == id {
			return &c.Repositories[i]
		}
	}
	return nil
}

// RepositoryByCloneURL matches a repository by clone URL, case-insensitively
// and ignoring a trailing ".git". Webhook payloads carry URLs in either form.
func (c *Config) RepositoryByCloneURL(url string) *Repository {
	want := NormalizeCloneURL(url)
	for i := range c.Repositories {
		if NormalizeCloneURL(c.Repositories[i].CloneURL) == want {
			return &c.Repositories[i]
		}
	}
	return nil
}

// NormalizeCloneURL lowercases a clone URL and strips a ".git" suffix and any
// trailing slash.
func NormalizeCloneURL(url string) string {
	u := strings.ToLower(strings.TrimSpace(url))
	u = strings.TrimSuffix(u, "/")
	u = strings.TrimSuffix(u, ".git")
	return u
}

// deriveRepoID produces a stable id from a clone URL: host and path joined by
// dashes, e.g. "gitlab.example.com-group-project".
func deriveRepoID(cloneURL string) string {
	u := NormalizeCloneURL(cloneURL)
	u = strings.TrimPrefix(u, "https://")
	u = strings.TrimPrefix(u, "http://")
	if at := strings.Index(u, "@"); at != -1 {
		u = u[at+1:]
	}
	u = strings.ReplaceAll(u, ":", "/")
	parts := strings.FieldsFunc(u, func(r rune) bool { return r == '/' })
	return strings.Join(parts, "-")
}
