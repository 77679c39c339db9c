package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/schaermu/wsync/internal/codebase"
	"github.com/schaermu/wsync/internal/entity"
	"github.com/schaermu/wsync/internal/retry"
	"github.com/schaermu/wsync/internal/state"
)

// DefaultPath is where the CLI looks for the configuration file
const DefaultPath = "wsync.yaml"

// Config represents the complete wsync configuration
type Config struct {
	Remote  RemoteConfig  `yaml:"remote"`
	Sync    SyncConfig    `yaml:"sync"`
	Retry   RetryConfig   `yaml:"retry"`
	Bundler BundlerConfig `yaml:"bundler"`
}

// RemoteConfig configures the remote workspace API
type RemoteConfig struct {
	URL       string        `yaml:"url"`
	Workspace string        `yaml:"workspace"`
	Token     string        `yaml:"token"`
	TokenFile string        `yaml:"token_file"`
	Timeout   time.Duration `yaml:"timeout"`
}

// SyncConfig configures sync behavior
type SyncConfig struct {
	Stateful      bool   `yaml:"stateful"`
	Raw           bool   `yaml:"raw"`
	PlainSecrets  bool   `yaml:"plain_secrets"`
	JSON          bool   `yaml:"json"`
	FailConflicts bool   `yaml:"fail_conflicts"`
	SkipPull      bool   `yaml:"skip_pull"`
	DefaultTs     string `yaml:"default_ts"`
	Parallel      int    `yaml:"parallel"`
	StateFile     string `yaml:"state_file"`

	SkipVariables     bool `yaml:"skip_variables"`
	SkipResources     bool `yaml:"skip_resources"`
	SkipResourceTypes bool `yaml:"skip_resource_types"`
	SkipSecrets       bool `yaml:"skip_secrets"`
	SkipScripts       bool `yaml:"skip_scripts"`
	SkipFlows         bool `yaml:"skip_flows"`
	SkipApps          bool `yaml:"skip_apps"`
	SkipFolders       bool `yaml:"skip_folders"`
	IncludeSchedules  bool `yaml:"include_schedules"`
	IncludeUsers      bool `yaml:"include_users"`
	IncludeGroups     bool `yaml:"include_groups"`
	IncludeSettings   bool `yaml:"include_settings"`
	IncludeKey        bool `yaml:"include_key"`

	Includes      []string `yaml:"includes"`
	Excludes      []string `yaml:"excludes"`
	ExtraIncludes []string `yaml:"extra_includes"`

	Codebases []codebase.Codebase `yaml:"codebases"`
}

// RetryConfig configures backoff for remote calls
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	InitialWait time.Duration `yaml:"initial_wait"`
	MaxWait     time.Duration `yaml:"max_wait"`
}

// BundlerConfig configures how codebase scripts are bundled
type BundlerConfig struct {
	Command  []string `yaml:"command"`
	CacheDir string   `yaml:"cache_dir"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no config file exists
func Default() *Config {
	var cfg Config
	cfg.ApplyDefaults()
	return &cfg
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Remote.URL = os.ExpandEnv(c.Remote.URL)
	c.Remote.Workspace = os.ExpandEnv(c.Remote.Workspace)
	c.Remote.Token = os.ExpandEnv(c.Remote.Token)
	c.Remote.TokenFile = os.ExpandEnv(c.Remote.TokenFile)
	c.Sync.StateFile = os.ExpandEnv(c.Sync.StateFile)
	c.Bundler.CacheDir = os.ExpandEnv(c.Bundler.CacheDir)
	for i := range c.Bundler.Command {
		c.Bundler.Command[i] = os.ExpandEnv(c.Bundler.Command[i])
	}
}

// ApplyDefaults fills in zero-value fields with sensible defaults
func (c *Config) ApplyDefaults() {
	c.Remote.URL = strings.TrimSuffix(c.Remote.URL, "/")
	if c.Remote.Timeout == 0 {
		c.Remote.Timeout = 30 * time.Second
	}
	if c.Sync.DefaultTs == "" {
		c.Sync.DefaultTs = "bun"
	}
	if c.Sync.Parallel == 0 {
		c.Sync.Parallel = 1
	}
	if c.Sync.StateFile == "" {
		c.Sync.StateFile = state.DefaultPath
	}

	def := retry.DefaultConfig()
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = def.MaxAttempts
	}
	if c.Retry.InitialWait == 0 {
		c.Retry.InitialWait = def.InitialWait
	}
	if c.Retry.MaxWait == 0 {
		c.Retry.MaxWait = def.MaxWait
	}

	if c.Bundler.CacheDir == "" {
		c.Bundler.CacheDir = ".wsync/bundles"
	}
}

// Validate checks the configuration for errors. Remote settings are only
// checked by ValidateRemote since offline commands do not need them.
func (c *Config) Validate() error {
	switch c.Sync.DefaultTs {
	case "bun", "deno":
		// valid
	default:
		return fmt.Errorf("invalid sync.default_ts: %s (must be bun or deno)", c.Sync.DefaultTs)
	}

	if c.Sync.Parallel < 1 {
		return fmt.Errorf("sync.parallel must be at least 1, got %d", c.Sync.Parallel)
	}

	if filepath.IsAbs(c.Sync.StateFile) {
		return fmt.Errorf("sync.state_file must be relative to the workspace: %s", c.Sync.StateFile)
	}

	// Validate globs
	if _, err := entity.NewMatcher(c.Filter()); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	for i, cb := range c.Sync.Codebases {
		if cb.RelativePath == "" {
			return fmt.Errorf("sync.codebases[%d].relative_path is required", i)
		}
		if _, err := cb.Matches(cb.Root()); err != nil {
			return fmt.Errorf("sync.codebases[%d]: %w", i, err)
		}
		if cb.CustomBundler == "" && len(c.Bundler.Command) == 0 {
			return fmt.Errorf("sync.codebases[%d] needs bundler.command or custom_bundler", i)
		}
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.MaxWait < c.Retry.InitialWait {
		return fmt.Errorf("retry.max_wait must not be shorter than retry.initial_wait")
	}

	if c.Remote.Token != "" && c.Remote.TokenFile != "" {
		return fmt.Errorf("remote: only one of token or token_file may be set")
	}

	return nil
}

// ValidateRemote checks the settings needed to talk to the remote
func (c *Config) ValidateRemote() error {
	if c.Remote.URL == "" {
		return fmt.Errorf("remote.url is required")
	}
	if !strings.HasPrefix(c.Remote.URL, "https://") && !strings.HasPrefix(c.Remote.URL, "http://") {
		return fmt.Errorf("remote.url must use an http or https scheme: %s", c.Remote.URL)
	}
	if c.Remote.Workspace == "" {
		return fmt.Errorf("remote.workspace is required")
	}
	if c.Remote.Token == "" && c.Remote.TokenFile == "" {
		return fmt.Errorf("remote: one of token or token_file is required")
	}
	return nil
}

// ResolveToken returns the API token, reading token_file when set
func (c *Config) ResolveToken() (string, error) {
	if c.Remote.TokenFile == "" {
		return c.Remote.Token, nil
	}
	data, err := os.ReadFile(c.Remote.TokenFile)
	if err != nil {
		return "", fmt.Errorf("failed to read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", c.Remote.TokenFile)
	}
	return token, nil
}

// Filter returns the entity filter configured in the sync section
func (c *Config) Filter() entity.Filter {
	s := c.Sync
	return entity.Filter{
		SkipVariables:     s.SkipVariables,
		SkipResources:     s.SkipResources,
		SkipResourceTypes: s.SkipResourceTypes,
		SkipSecrets:       s.SkipSecrets,
		SkipScripts:       s.SkipScripts,
		SkipFlows:         s.SkipFlows,
		SkipApps:          s.SkipApps,
		SkipFolders:       s.SkipFolders,
		IncludeSchedules:  s.IncludeSchedules,
		IncludeUsers:      s.IncludeUsers,
		IncludeGroups:     s.IncludeGroups,
		IncludeSettings:   s.IncludeSettings,
		IncludeKey:        s.IncludeKey,
		Includes:          s.Includes,
		Excludes:          s.Excludes,
		ExtraIncludes:     s.ExtraIncludes,
	}
}

// RetryPolicy returns the backoff used for remote calls
func (c *Config) RetryPolicy() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = c.Retry.MaxAttempts
	cfg.InitialWait = c.Retry.InitialWait
	cfg.MaxWait = c.Retry.MaxWait
	return cfg
}
