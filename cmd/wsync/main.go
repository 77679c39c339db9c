package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"

	"github.com/schaermu/wsync/internal/codebase"
	"github.com/schaermu/wsync/internal/config"
	"github.com/schaermu/wsync/internal/remote"
	"github.com/schaermu/wsync/internal/review"
	"github.com/schaermu/wsync/internal/state"
	"github.com/schaermu/wsync/internal/sync"
	"github.com/schaermu/wsync/internal/workspace"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	workDir   string

	// Sync flags
	dryRun     bool
	yes        bool
	showDiffs  bool
	jsonOutput bool
	archive    string
	flagValues config.Config

	// stdout receives reports, diffs and prompts
	stdout io.Writer = os.Stdout
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "wsync",
	Short: "Synchronize a workspace between a local tree and a remote instance",
	Long: `wsync keeps a local directory of workspace entities (scripts, flows, apps,
resources, variables, schedules, folders, users, groups and settings) in sync
with a remote workspace.

In stateful mode it keeps a base snapshot of the last synchronized state and
performs a three-way comparison, so concurrent changes on both sides are
detected as conflicts instead of being silently overwritten.`,
	SilenceUsage: true,
}

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Bring remote changes into the local tree",
	Long: `Pull lists every participating entity on the remote, compares it with the
local tree and writes created, updated and deleted entities to disk.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(cmd, review.Pull)
	},
}

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Send local changes to the remote",
	Long: `Push compares the local tree with the remote and creates, updates or deletes
remote entities. A stateful push pulls remote changes first unless
--skip-pull is given.

Scripts belonging to a configured codebase are bundled before upload; the
bundle is only rebuilt when the codebase digest changes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(cmd, review.Push)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wsync %s\n", version)
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "  built:  %s\n", date)
	},
}

// boolFlags are the sync options that can be toggled from the command line.
// A flag only overrides the config file when it is set explicitly.
var boolFlags = []struct {
	name  string
	usage string
	field func(*config.SyncConfig) *bool
}{
	{"stateful", "compare against the base snapshot of the last sync", func(s *config.SyncConfig) *bool { return &s.Stateful }},
	{"raw", "compare payloads without normalization", func(s *config.SyncConfig) *bool { return &s.Raw }},
	{"plain-secrets", "transmit secret values in cleartext", func(s *config.SyncConfig) *bool { return &s.PlainSecrets }},
	{"json", "write new entity files as JSON", func(s *config.SyncConfig) *bool { return &s.JSON }},
	{"fail-conflicts", "report conflicts as failures instead of reviewing them", func(s *config.SyncConfig) *bool { return &s.FailConflicts }},
	{"skip-variables", "skip variables", func(s *config.SyncConfig) *bool { return &s.SkipVariables }},
	{"skip-resources", "skip resources", func(s *config.SyncConfig) *bool { return &s.SkipResources }},
	{"skip-resource-types", "skip resource types", func(s *config.SyncConfig) *bool { return &s.SkipResourceTypes }},
	{"skip-secrets", "skip secret variables", func(s *config.SyncConfig) *bool { return &s.SkipSecrets }},
	{"skip-scripts", "skip scripts", func(s *config.SyncConfig) *bool { return &s.SkipScripts }},
	{"skip-flows", "skip flows", func(s *config.SyncConfig) *bool { return &s.SkipFlows }},
	{"skip-apps", "skip apps", func(s *config.SyncConfig) *bool { return &s.SkipApps }},
	{"skip-folders", "skip folders", func(s *config.SyncConfig) *bool { return &s.SkipFolders }},
	{"include-schedules", "include schedules", func(s *config.SyncConfig) *bool { return &s.IncludeSchedules }},
	{"include-users", "include users", func(s *config.SyncConfig) *bool { return &s.IncludeUsers }},
	{"include-groups", "include groups", func(s *config.SyncConfig) *bool { return &s.IncludeGroups }},
	{"include-settings", "include workspace settings", func(s *config.SyncConfig) *bool { return &s.IncludeSettings }},
	{"include-key", "include the workspace encryption key", func(s *config.SyncConfig) *bool { return &s.IncludeKey }},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./"+config.DefaultPath+" when present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&workDir, "dir", ".", "local workspace directory")

	addSyncFlags(pullCmd)
	addSyncFlags(pushCmd)
	pushCmd.Flags().BoolVar(&flagValues.Sync.SkipPull, "skip-pull", false, "do not pull before a stateful push")
	pushCmd.Flags().StringVar(&archive, "archive", "", "push the contents of a .tar.gz archive instead of the local directory")

	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(versionCmd)
}

func addSyncFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	f.BoolVar(&yes, "yes", false, "accept incoming changes of every conflict without prompting")
	f.BoolVar(&showDiffs, "show-diffs", false, "print the field changes of every planned write")
	f.BoolVar(&jsonOutput, "json-output", false, "write the sync report as JSON to stdout")

	for _, b := range boolFlags {
		f.BoolVar(b.field(&flagValues.Sync), b.name, false, b.usage)
	}
	f.StringVar(&flagValues.Sync.DefaultTs, "default-ts", "", "runtime of plain .ts scripts (bun, deno)")
	f.IntVar(&flagValues.Sync.Parallel, "parallel", 0, "maximum number of concurrent entity operations")
	f.StringSliceVar(&flagValues.Sync.Includes, "includes", nil, "only sync files matching these globs")
	f.StringSliceVar(&flagValues.Sync.Excludes, "excludes", nil, "never sync files matching these globs")
	f.StringSliceVar(&flagValues.Sync.ExtraIncludes, "extra-includes", nil, "additionally require files to match these globs")

	f.StringVar(&flagValues.Remote.URL, "url", "", "remote base URL")
	f.StringVar(&flagValues.Remote.Workspace, "workspace", "", "remote workspace id")
	f.StringVar(&flagValues.Remote.Token, "token", "", "remote API token")
}

// overlayFlags copies explicitly set flags over the loaded configuration
func overlayFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	for _, b := range boolFlags {
		if f.Changed(b.name) {
			*b.field(&cfg.Sync) = *b.field(&flagValues.Sync)
		}
	}
	if f.Changed("skip-pull") {
		cfg.Sync.SkipPull = flagValues.Sync.SkipPull
	}
	if f.Changed("default-ts") {
		cfg.Sync.DefaultTs = flagValues.Sync.DefaultTs
	}
	if f.Changed("parallel") {
		cfg.Sync.Parallel = flagValues.Sync.Parallel
	}
	if f.Changed("includes") {
		cfg.Sync.Includes = flagValues.Sync.Includes
	}
	if f.Changed("excludes") {
		cfg.Sync.Excludes = flagValues.Sync.Excludes
	}
	if f.Changed("extra-includes") {
		cfg.Sync.ExtraIncludes = flagValues.Sync.ExtraIncludes
	}
	if f.Changed("url") {
		cfg.Remote.URL = flagValues.Remote.URL
	}
	if f.Changed("workspace") {
		cfg.Remote.Workspace = flagValues.Remote.Workspace
	}
	if f.Changed("token") {
		cfg.Remote.Token = flagValues.Remote.Token
		cfg.Remote.TokenFile = ""
	}
}

func runSync(cmd *cobra.Command, dir review.Direction) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	overlayFlags(cmd, cfg)
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.ValidateRemote(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	token, err := cfg.ResolveToken()
	if err != nil {
		return err
	}
	client := remote.WithRetry(
		remote.NewHTTPClient(cfg.Remote.URL, cfg.Remote.Workspace, token, cfg.Remote.Timeout, logger),
		cfg.RetryPolicy(),
		logger)

	root, err := filepath.Abs(workDir)
	if err != nil {
		return fmt.Errorf("failed to resolve workspace directory: %w", err)
	}
	tree, err := openTree(cfg, root, logger)
	if err != nil {
		return err
	}

	deps := sync.Deps{
		Remote:   client,
		Tree:     tree,
		Reviewer: review.ForStdio(yes),
		Printer:  review.NewPrinter(diffOutput()),
	}
	if cfg.Sync.Stateful {
		deps.State, err = state.Open(tree.FS(), cfg.Sync.StateFile)
		if err != nil {
			return err
		}
	}
	if len(cfg.Sync.Codebases) > 0 {
		bundler := codebase.NewExecBundler(cfg.Bundler.Command, root)
		deps.Bundles = codebase.NewCache(tree.FS(), cfg.Bundler.CacheDir, bundler, logger)
	}

	engine, err := sync.NewEngine(syncOptions(cfg), deps, logger)
	if err != nil {
		return err
	}

	logger.Info("starting "+string(dir)+" operation", "remote", cfg.Remote.URL, "workspace", cfg.Remote.Workspace)
	var report *sync.Report
	if dir == review.Push {
		report, err = engine.Push(ctx)
	} else {
		report, err = engine.Pull(ctx)
	}
	if err != nil {
		logger.Error("sync failed", "error", err)
		return err
	}

	if jsonOutput {
		if err := report.WriteJSON(stdout); err != nil {
			return fmt.Errorf("failed to write report: %w", err)
		}
	}
	if err := report.Err(cfg.Sync.FailConflicts); err != nil {
		return fmt.Errorf("sync finished with failures: %w", err)
	}
	return nil
}

// openTree returns the local side of the sync: the workspace directory,
// or an in-memory copy of --archive
func openTree(cfg *config.Config, root string, logger *slog.Logger) (*workspace.Tree, error) {
	opts := workspace.Options{
		JSON:      cfg.Sync.JSON,
		DefaultTs: cfg.Sync.DefaultTs,
		Ignore:    []string{cfg.Sync.StateFile},
	}
	if cfgFile != "" {
		if abs, err := filepath.Abs(cfgFile); err == nil {
			if rel, err := filepath.Rel(root, abs); err == nil {
				opts.Ignore = append(opts.Ignore, filepath.ToSlash(rel))
			}
		}
	}

	var fsys billy.Filesystem
	if archive != "" {
		if cfg.Sync.Stateful {
			return nil, errors.New("--archive cannot be combined with stateful sync")
		}
		if len(cfg.Sync.Codebases) > 0 {
			return nil, errors.New("--archive cannot be combined with codebases")
		}
		var err error
		fsys, err = workspace.LoadArchive(archive)
		if err != nil {
			return nil, err
		}
		logger.Info("using archive as local tree", "archive", archive)
	} else {
		fsys = osfs.New(root)
	}
	return workspace.New(fsys, opts, logger), nil
}

func syncOptions(cfg *config.Config) sync.Options {
	return sync.Options{
		Stateful:      cfg.Sync.Stateful,
		Raw:           cfg.Sync.Raw,
		PlainSecrets:  cfg.Sync.PlainSecrets,
		FailConflicts: cfg.Sync.FailConflicts,
		SkipPull:      cfg.Sync.SkipPull,
		DryRun:        dryRun,
		ShowDiffs:     showDiffs,
		DefaultTs:     cfg.Sync.DefaultTs,
		Parallel:      cfg.Sync.Parallel,
		Filter:        cfg.Filter(),
		Codebases:     cfg.Sync.Codebases,
	}
}

// diffOutput keeps stdout clean for the JSON report
func diffOutput() io.Writer {
	if jsonOutput {
		return os.Stderr
	}
	return stdout
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

// loadConfig reads --config, or ./wsync.yaml when present. Without either
// the defaults apply and everything comes from flags.
func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		configPath = filepath.Join(workDir, config.DefaultPath)
		if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
			logger.Debug("no configuration file found, using defaults", "path", configPath)
			return config.Default(), nil
		}
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"url", cfg.Remote.URL,
		"workspace", cfg.Remote.Workspace,
		"stateful", cfg.Sync.Stateful,
		"codebases", len(cfg.Sync.Codebases))

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
