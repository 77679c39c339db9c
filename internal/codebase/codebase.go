// Package codebase identifies local source directories that are bundled into
// a single artifact before a script is pushed, and computes the content
// digest used as their cache key.
package codebase

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/gobwas/glob"
)

// TarSuffix is appended to the digest of codebases that ship assets
const TarSuffix = ".tar"

// Asset is a file copied next to the bundle
type Asset struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`
}

// Codebase configures one bundled source directory
type Codebase struct {
	RelativePath  string            `yaml:"relative_path"`
	Includes      []string          `yaml:"includes,omitempty"`
	Excludes      []string          `yaml:"excludes,omitempty"`
	Assets        []Asset           `yaml:"assets,omitempty"`
	CustomBundler string            `yaml:"custom_bundler,omitempty"`
	External      []string          `yaml:"external,omitempty"`
	Define        map[string]string `yaml:"define,omitempty"`
	Inject        []string          `yaml:"inject,omitempty"`
}

// bundlerConfig is the part of a Codebase that changes the bundle output
// without touching any source file
type bundlerConfig struct {
	CustomBundler string            `json:"customBundler,omitempty"`
	External      []string          `json:"external,omitempty"`
	Define        map[string]string `json:"define,omitempty"`
	Inject        []string          `json:"inject,omitempty"`
}

// Root returns the cleaned source directory, "." for the workspace root
func (c Codebase) Root() string {
	root := path.Clean(filepath.ToSlash(c.RelativePath))
	if root == "" || root == "/" {
		return "."
	}
	return strings.TrimPrefix(root, "./")
}

// Matches reports whether a workspace-relative path is tracked by the
// codebase. No includes means everything is included.
func (c Codebase) Matches(p string) (bool, error) {
	p = filepath.ToSlash(p)
	included := len(c.Includes) == 0
	for _, pattern := range c.Includes {
		ok, err := match(pattern, p)
		if err != nil {
			return false, err
		}
		if ok {
			included = true
			break
		}
	}
	if !included {
		return false, nil
	}
	for _, pattern := range c.Excludes {
		ok, err := match(pattern, p)
		if err != nil {
			return false, err
		}
		if ok {
			return false, nil
		}
	}
	return true, nil
}

// Find returns the first codebase owning the TypeScript file at p
func Find(p string, codebases []Codebase) (*Codebase, error) {
	if !strings.HasSuffix(p, ".ts") {
		return nil, nil
	}
	for i := range codebases {
		ok, err := codebases[i].Matches(p)
		if err != nil {
			return nil, err
		}
		if ok {
			return &codebases[i], nil
		}
	}
	return nil, nil
}

// Digest hashes the sorted listing and content of every tracked file
// under the codebase root, followed by the bundler configuration.
// Hidden files and directories are ignored.
func Digest(fs billy.Filesystem, c Codebase) (string, error) {
	root := c.Root()
	files, err := listFiles(fs, root)
	if err != nil {
		return "", fmt.Errorf("failed to list codebase %s: %w", root, err)
	}

	h := sha256.New()
	for _, name := range files {
		tracked, err := c.Matches(name)
		if err != nil {
			return "", err
		}
		if !tracked {
			continue
		}
		sum, err := fileHash(fs, name)
		if err != nil {
			return "", fmt.Errorf("failed to hash %s: %w", name, err)
		}
		fmt.Fprintf(h, "%s\x00%s\n", name, sum)
	}

	cfg, err := json.Marshal(bundlerConfig{
		CustomBundler: c.CustomBundler,
		External:      c.External,
		Define:        c.Define,
		Inject:        c.Inject,
	})
	if err != nil {
		return "", err
	}
	h.Write(cfg)

	digest := hex.EncodeToString(h.Sum(nil))
	if len(c.Assets) > 0 {
		digest += TarSuffix
	}
	return digest, nil
}

// listFiles returns the slash-separated paths of all regular files below
// root in lexical order
func listFiles(fs billy.Filesystem, root string) ([]string, error) {
	var files []string
	err := util.Walk(fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if p != root && strings.HasPrefix(info.Name(), ".") {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.Mode().IsRegular() {
			files = append(files, strings.TrimPrefix(filepath.ToSlash(p), "./"))
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// fileHash computes the SHA256 hash of a file
func fileHash(fs billy.Filesystem, name string) (string, error) {
	f, err := fs.Open(name)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func match(pattern, p string) (bool, error) {
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return false, fmt.Errorf("invalid codebase pattern %q: %w", pattern, err)
	}
	return g.Match(p), nil
}
