package codebase

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5"
	"golang.org/x/sync/singleflight"
)

// Bundler builds the artifact of a codebase-backed script
type Bundler interface {
	// Bundle builds entrypoint (workspace relative) with the codebase
	// settings and writes the artifact to outfile (workspace relative)
	Bundle(ctx context.Context, cb Codebase, entrypoint, outfile string) error
}

// ExecBundler implements Bundler by shelling out to a configured command.
// The command runs in the workspace root and receives its inputs through
// WSYNC_* environment variables.
type ExecBundler struct {
	command []string
	rootDir string
}

// NewExecBundler creates a bundler running command inside rootDir
func NewExecBundler(command []string, rootDir string) *ExecBundler {
	return &ExecBundler{
		command: command,
		rootDir: rootDir,
	}
}

// Bundle runs the bundler command for one script
func (b *ExecBundler) Bundle(ctx context.Context, cb Codebase, entrypoint, outfile string) error {
	command := b.command
	if cb.CustomBundler != "" {
		command = strings.Fields(cb.CustomBundler)
	}
	if len(command) == 0 {
		return fmt.Errorf("no bundler command configured")
	}

	if err := os.MkdirAll(filepath.Join(b.rootDir, filepath.Dir(outfile)), 0755); err != nil {
		return fmt.Errorf("failed to create bundle directory: %w", err)
	}

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Dir = b.rootDir
	cmd.Env = append(os.Environ(), bundleEnv(cb, entrypoint, outfile)...)

	if err := b.runCommand(cmd); err != nil {
		return fmt.Errorf("bundler failed for %s: %w", entrypoint, err)
	}
	return nil
}

func bundleEnv(cb Codebase, entrypoint, outfile string) []string {
	format := "bundle"
	if len(cb.Assets) > 0 {
		format = "tar"
	}
	env := []string{
		"WSYNC_ENTRYPOINT=" + entrypoint,
		"WSYNC_OUTFILE=" + outfile,
		"WSYNC_CODEBASE=" + cb.Root(),
		"WSYNC_FORMAT=" + format,
		"WSYNC_EXTERNAL=" + strings.Join(cb.External, ","),
		"WSYNC_INJECT=" + strings.Join(cb.Inject, ","),
	}
	for k, v := range cb.Define {
		env = append(env, "WSYNC_DEFINE_"+k+"="+v)
	}
	for i, a := range cb.Assets {
		env = append(env, fmt.Sprintf("WSYNC_ASSET_%d=%s:%s", i, a.From, a.To))
	}
	return env
}

// runCommand executes a command and returns an error with its output on failure
func (b *ExecBundler) runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, string(output))
	}
	return nil
}

// Cache keeps built artifacts keyed by script path and digest so the
// bundler only runs when a codebase actually changed
type Cache struct {
	fs      billy.Filesystem
	dir     string
	bundler Bundler
	logger  *slog.Logger
	group   singleflight.Group
}

// NewCache creates a cache storing artifacts below dir on fs
func NewCache(fs billy.Filesystem, dir string, bundler Bundler, logger *slog.Logger) *Cache {
	return &Cache{
		fs:      fs,
		dir:     dir,
		bundler: bundler,
		logger:  logger,
	}
}

// ArtifactPath returns where the artifact for scriptPath at digest is stored
func (c *Cache) ArtifactPath(scriptPath, digest string) string {
	ext := ".js"
	if strings.HasSuffix(digest, TarSuffix) {
		ext = ""
	}
	key := strings.ReplaceAll(strings.TrimSuffix(scriptPath, ".ts"), "/", "__")
	return path.Join(c.dir, key, digest+ext)
}

// Ensure returns the artifact for scriptPath, building it on a digest miss.
// built reports whether the bundler ran.
func (c *Cache) Ensure(ctx context.Context, cb Codebase, scriptPath, digest string) (artifact string, built bool, err error) {
	artifact = c.ArtifactPath(scriptPath, digest)

	v, err, _ := c.group.Do(artifact, func() (any, error) {
		if _, err := c.fs.Stat(artifact); err == nil {
			c.logger.Debug("bundle cache hit", "script", scriptPath, "digest", digest)
			return false, nil
		}

		c.logger.Info("bundling codebase script", "script", scriptPath, "codebase", cb.Root(), "digest", digest)
		if err := c.bundler.Bundle(ctx, cb, scriptPath, artifact); err != nil {
			return false, err
		}
		if _, err := c.fs.Stat(artifact); err != nil {
			return false, fmt.Errorf("bundler produced no artifact at %s: %w", artifact, err)
		}
		return true, nil
	})
	if err != nil {
		return "", false, err
	}
	return artifact, v.(bool), nil
}

// Open returns a reader for an artifact returned by Ensure
func (c *Cache) Open(artifact string) (billy.File, error) {
	return c.fs.Open(artifact)
}
