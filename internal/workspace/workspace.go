// Package workspace maps entity payloads to and from the local file tree.
//
// Script bodies and locks live in sidecar files next to the script
// metadata, flow inline scripts live inside the flow directory. Both are
// referenced from the metadata with "!inline <file>" strings and resolved
// transparently by Read and Write.
package workspace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/wsync/internal/entity"
	"github.com/schaermu/wsync/internal/inline"
	"github.com/schaermu/wsync/internal/syncerr"
)

// inlineTag is the YAML tag form of an inline reference, as in
// `content: !inline hello.py`
const inlineTag = "!inline"

// DefaultIgnore lists root level files that are never entities
var DefaultIgnore = []string{
	"wsync.yaml",
	"package.json",
	"package-lock.json",
	"tsconfig.json",
	"deno.json",
}

// Options configures a Tree
type Options struct {
	// JSON writes .json entity files instead of .yaml
	JSON bool
	// DefaultTs is the TypeScript runtime whose scripts get a plain .ts extension
	DefaultTs string
	// Ignore lists additional slash separated files skipped by Scan
	Ignore []string
}

// Tree is the local side of a sync. All methods are safe for concurrent use.
type Tree struct {
	fs     billy.Filesystem
	opts   Options
	ignore map[string]bool
	logger *slog.Logger
	mu     sync.Mutex
}

// New creates a Tree rooted at fs
func New(fs billy.Filesystem, opts Options, logger *slog.Logger) *Tree {
	ignore := make(map[string]bool)
	for _, name := range append(append([]string{}, DefaultIgnore...), opts.Ignore...) {
		ignore[path.Clean(name)] = true
	}
	return &Tree{fs: fs, opts: opts, ignore: ignore, logger: logger}
}

// FS returns the underlying filesystem
func (t *Tree) FS() billy.Filesystem {
	return t.fs
}

// JSON reports whether new entity files are written as JSON
func (t *Tree) JSON() bool {
	return t.opts.JSON
}

// Scan lists every entity definition in the tree in lexical file order.
// Hidden files and directories are skipped, as are companions of other
// entities and files that are not YAML or JSON. Data files that resolve
// to no entity kind are reported in unknown without failing the scan.
func (t *Tree) Scan() (refs []entity.Ref, unknown []error, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var files []string
	err = util.Walk(t.fs, ".", func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		p = strings.TrimPrefix(path.Clean(p), "./")
		if p != "." && strings.HasPrefix(info.Name(), ".") {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.IsDir() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("failed to scan workspace: %w", err)
	}
	sort.Strings(files)

	present := make(map[string]bool, len(files))
	for _, f := range files {
		present[f] = true
	}
	exists := func(p string) bool { return present[p] }

	for _, f := range files {
		if t.ignore[f] || entity.IsCompanion(f, exists) || !entity.IsDataFile(f) {
			continue
		}
		ref, err := entity.Resolve(f)
		if err != nil {
			unknown = append(unknown, err)
			continue
		}
		refs = append(refs, ref)
	}
	return refs, unknown, nil
}

// Read loads the payload of ref with every inline reference resolved
func (t *Tree) Read(ref entity.Ref) (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	payload, err := t.decodeFile(ref.File)
	if err != nil {
		return nil, err
	}
	m, ok := payload.(map[string]any)
	if !ok {
		return payload, nil
	}

	switch ref.Kind {
	case entity.KindScript:
		if err := t.resolveScript(ref, m); err != nil {
			return nil, syncerr.Validation(ref.File, err)
		}
	case entity.KindFlow:
		flow, err := inline.ReplaceFlow(m, inline.ReplaceOptions{Read: t.reader(path.Dir(ref.File))})
		if err != nil {
			return nil, syncerr.Validation(ref.File, err)
		}
		return flow, nil
	}
	return m, nil
}

// resolveScript substitutes the content and lock sidecars of a script.
// Metadata without a content field falls back to the sidecar named after
// the script's language.
func (t *Tree) resolveScript(ref entity.Ref, m map[string]any) error {
	dir := path.Dir(ref.File)
	read := t.reader(dir)
	stem := entity.ScriptStem(ref)

	if p, ok := inline.ParseRef(m["content"]); ok {
		data, err := read(p)
		if err != nil {
			return fmt.Errorf("reading script content: %w", err)
		}
		m["content"] = string(data)
	} else if _, ok := m["content"]; !ok {
		language, _ := m["language"].(string)
		name := stem + "." + inline.Extension(language, t.opts.DefaultTs)
		data, err := util.ReadFile(t.fs, name)
		if err != nil {
			return fmt.Errorf("script has no content and %s is unreadable: %w", name, err)
		}
		m["content"] = string(data)
	}

	if p, ok := inline.ParseRef(m["lock"]); ok {
		data, err := read(p)
		if err != nil {
			return fmt.Errorf("reading script lock: %w", err)
		}
		m["lock"] = string(data)
	}
	return nil
}

// Write stores payload as the entity ref, splitting script bodies, locks
// and flow inline scripts into their sidecar files
func (t *Tree) Write(ref entity.Ref, payload any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := payload.(map[string]any)
	if !ok {
		return t.encodeFile(ref.File, payload)
	}
	switch ref.Kind {
	case entity.KindScript:
		return t.writeScript(ref, m)
	case entity.KindFlow:
		return t.writeFlow(ref, m)
	}
	return t.encodeFile(ref.File, m)
}

func (t *Tree) writeScript(ref entity.Ref, m map[string]any) error {
	dir := path.Dir(ref.File)
	stem := entity.ScriptStem(ref)
	base := path.Base(stem)
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}

	// sidecars referenced by the version being replaced
	var previous []string
	if old, err := t.decodeFile(ref.File); err == nil {
		if om, ok := old.(map[string]any); ok {
			for _, field := range []string{"content", "lock"} {
				if p, ok := inline.ParseRef(om[field]); ok {
					previous = append(previous, path.Join(dir, p))
				}
			}
		}
	}

	written := make(map[string]bool)
	if content, ok := m["content"].(string); ok {
		language, _ := m["language"].(string)
		name := base + "." + inline.Extension(language, t.opts.DefaultTs)
		if err := t.writeAtomic(path.Join(dir, name), []byte(content)); err != nil {
			return err
		}
		out["content"] = inline.RefPrefix + name
		written[path.Join(dir, name)] = true
	}
	if lock, ok := m["lock"].(string); ok && lock != "" {
		name := base + ".script.lock"
		if err := t.writeAtomic(path.Join(dir, name), []byte(lock)); err != nil {
			return err
		}
		out["lock"] = inline.RefPrefix + name
		written[path.Join(dir, name)] = true
	}

	if err := t.encodeFile(ref.File, out); err != nil {
		return err
	}
	for _, p := range previous {
		if !written[p] {
			if err := t.remove(p); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeFlow renames the inline scripts of the current local flow after
// their module ids, extracts the new payload reusing that mapping and
// finally drops inline scripts nothing references anymore
func (t *Tree) writeFlow(ref entity.Ref, m map[string]any) error {
	dir := path.Dir(ref.File)
	mapping := map[string]string{}

	if old, err := t.decodeFile(ref.File); err == nil {
		if local, ok := old.(map[string]any); ok {
			renamed := make(map[string]string)
			_, err := inline.ReplaceFlow(local, inline.ReplaceOptions{
				Read: t.reader(dir),
				Rename: func(oldPath, newPath string) error {
					renamed[oldPath] = newPath
					return t.rename(path.Join(dir, oldPath), path.Join(dir, newPath))
				},
			})
			if err != nil {
				t.logger.Warn("ignoring unreadable local flow", "path", ref.Path, "error", err)
			} else {
				mapping = inline.CurrentFlowMapping(local)
				for id, p := range mapping {
					if n, ok := renamed[p]; ok {
						mapping[id] = n
					}
				}
			}
		}
	}

	extracted, records := inline.ExtractFlow(m, mapping, t.opts.DefaultTs)
	for _, r := range records {
		if err := t.writeAtomic(path.Join(dir, r.Path), []byte(r.Content)); err != nil {
			return err
		}
	}
	if err := t.encodeFile(ref.File, extracted); err != nil {
		return err
	}

	existing, err := t.listDir(dir)
	if err != nil {
		return err
	}
	_, err = inline.ReplaceFlow(extracted, inline.ReplaceOptions{
		Read:     t.reader(dir),
		Delete:   func(p string) error { return t.remove(path.Join(dir, p)) },
		Existing: existing,
	})
	if err != nil {
		return fmt.Errorf("failed to verify flow %s: %w", ref.Path, err)
	}
	return nil
}

// Remove deletes the entity ref together with its sidecar files
func (t *Tree) Remove(ref entity.Ref) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ref.Kind {
	case entity.KindFlow:
		if err := util.RemoveAll(t.fs, path.Dir(ref.File)); err != nil {
			return fmt.Errorf("failed to remove flow %s: %w", ref.Path, err)
		}
		return nil
	case entity.KindScript:
		dir := path.Dir(ref.File)
		names, err := t.listDir(dir)
		if err != nil {
			return err
		}
		prefix := path.Base(entity.ScriptStem(ref)) + "."
		for _, name := range names {
			if !strings.HasPrefix(name, prefix) {
				continue
			}
			full := path.Join(dir, name)
			if other, err := entity.Resolve(full); err == nil && other.Kind != entity.KindScript {
				continue
			}
			if err := t.remove(full); err != nil {
				return err
			}
		}
		return nil
	}
	return t.remove(ref.File)
}

func (t *Tree) reader(dir string) func(string) ([]byte, error) {
	return func(p string) ([]byte, error) {
		return util.ReadFile(t.fs, path.Join(dir, p))
	}
}

func (t *Tree) decodeFile(name string) (any, error) {
	data, err := util.ReadFile(t.fs, name)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	v, err := Decode(name, data)
	if err != nil {
		return nil, syncerr.Validation(name, err)
	}
	return v, nil
}

func (t *Tree) encodeFile(name string, v any) error {
	data, err := Encode(name, v)
	if err != nil {
		return syncerr.Validation(name, err)
	}
	return t.writeAtomic(name, data)
}

// writeAtomic writes data via a temp file in the target directory
func (t *Tree) writeAtomic(name string, data []byte) error {
	dir := path.Dir(name)
	if err := t.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	tmp, err := util.TempFile(t.fs, dir, ".wsync-tmp-")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = t.fs.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = t.fs.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := t.fs.Rename(tmpName, name); err != nil {
		_ = t.fs.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	return nil
}

func (t *Tree) rename(from, to string) error {
	if from == to {
		return nil
	}
	if err := t.fs.Rename(from, to); err != nil {
		return fmt.Errorf("failed to rename %s: %w", from, err)
	}
	return nil
}

func (t *Tree) remove(name string) error {
	if err := t.fs.Remove(name); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", name, err)
	}
	return nil
}

// listDir returns the names of the regular files in dir
func (t *Tree) listDir(dir string) ([]string, error) {
	infos, err := t.fs.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.Mode().IsRegular() {
			names = append(names, info.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Decode parses a YAML or JSON entity file into plain JSON values. JSON
// files may carry comments and trailing commas.
func Decode(name string, data []byte) (any, error) {
	if path.Ext(name) == ".json" {
		v, err := entity.DecodeJSON(jsonc.ToJSON(data))
		if err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		return v, nil
	}

	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if node.Kind == 0 {
		return map[string]any{}, nil
	}
	untagInline(&node)
	var v any
	if err := node.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	return entity.Canonical(v)
}

// untagInline turns `!inline file` scalars into plain "!inline file" strings
func untagInline(n *yaml.Node) {
	if n.Kind == yaml.ScalarNode && n.Tag == inlineTag {
		n.Tag = "!!str"
		n.Value = inline.RefPrefix + n.Value
		n.Style = 0
	}
	for _, c := range n.Content {
		untagInline(c)
	}
}

// Encode renders v in the format implied by name's extension
func Encode(name string, v any) ([]byte, error) {
	if path.Ext(name) == ".json" {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(yamlNumbers(v)); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// yamlNumbers replaces json.Number values with scalar nodes carrying the
// original literal, so integers are not rendered in exponent form
func yamlNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, x := range t {
			m[k] = yamlNumbers(x)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, x := range t {
			s[i] = yamlNumbers(x)
		}
		return s
	case json.Number:
		tag := "!!int"
		if strings.ContainsAny(string(t), ".eE") {
			tag = "!!float"
		}
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: string(t)}
	}
	return v
}
