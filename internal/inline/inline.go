// Package inline moves script bodies embedded in flow module trees out to
// standalone files and back.
//
// An extracted module holds a reference of the form "!inline <file>" in
// place of its content (and lock). File names are derived from the module
// id and language, so the mapping from module id to file is stable across
// repeated extraction of an unchanged flow.
package inline

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/schaermu/wsync/internal/treediff"
)

// RefPrefix marks a string field as a reference to an extracted file
const RefPrefix = "!inline "

// marker separates the module id from the extension in extracted file names
const marker = ".inline_script."

// Record is one extracted file
type Record struct {
	Path    string
	Content string
}

// Extension returns the file extension used for an inline script written
// in language. Bun and Deno scripts matching defaultTs get a plain "ts".
func Extension(language, defaultTs string) string {
	switch language {
	case "python3":
		return "py"
	case "bun", "deno":
		if language == defaultTs {
			return "ts"
		}
		return language + ".ts"
	case "bunnative":
		return "ts"
	case "nativets":
		return "native.ts"
	case "go":
		return "go"
	case "bash":
		return "sh"
	case "powershell":
		return "ps1"
	case "postgresql":
		return "pg.sql"
	case "mysql":
		return "my.sql"
	case "bigquery":
		return "bq.sql"
	case "oracledb":
		return "odb.sql"
	case "snowflake":
		return "sf.sql"
	case "mssql":
		return "ms.sql"
	case "graphql":
		return "gql"
	case "php":
		return "php"
	case "rust":
		return "rs"
	case "csharp":
		return "cs"
	case "nu":
		return "nu"
	case "ansible":
		return "playbook.yml"
	case "java":
		return "java"
	case "duckdb":
		return "duckdb.sql"
	case "frontend":
		return "frontend.js"
	default:
		return "no_ext"
	}
}

// ScriptPath returns the file name for a module's inline script
func ScriptPath(moduleID, language, defaultTs string) string {
	return moduleID + marker + Extension(language, defaultTs)
}

// LockPath returns the companion lock file name for an inline script path
func LockPath(scriptPath string) string {
	if i := strings.LastIndex(scriptPath, marker); i >= 0 {
		return scriptPath[:i+len(marker)] + "lock"
	}
	return scriptPath + ".lock"
}

// IsScriptFile reports whether name looks like an extracted inline script or lock
func IsScriptFile(name string) bool {
	return strings.Contains(name, marker)
}

// ParseRef returns the referenced file of an "!inline" string
func ParseRef(v any) (string, bool) {
	s, ok := v.(string)
	if !ok || !strings.HasPrefix(s, RefPrefix) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(s, RefPrefix)), true
}

// Extract returns a copy of modules with every inline script body replaced
// by a file reference, plus the extracted files. Module ids found in
// existing keep their previous file; all others get ScriptPath. The input
// tree is not modified.
func Extract(modules []any, existing map[string]string, defaultTs string) ([]any, []Record) {
	out, _ := treediff.Clone(modules).([]any)
	var records []Record
	used := make(map[string]bool)

	_ = walk(out, func(id string, v map[string]any) error {
		content, ok := v["content"].(string)
		if !ok {
			return nil
		}
		if _, isRef := ParseRef(content); isRef {
			return nil
		}
		language, _ := v["language"].(string)

		path := existing[id]
		if path == "" || used[path] {
			path = ScriptPath(id, language, defaultTs)
		}
		path = uniquePath(path, used)
		used[path] = true

		records = append(records, Record{Path: path, Content: content})
		v["content"] = RefPrefix + path

		if lock, ok := v["lock"].(string); ok && lock != "" {
			if _, isRef := ParseRef(lock); !isRef {
				lockPath := LockPath(path)
				records = append(records, Record{Path: lockPath, Content: lock})
				v["lock"] = RefPrefix + lockPath
			}
		}
		return nil
	})
	return out, records
}

// CurrentMapping reconstructs module id to file associations from an
// already extracted tree
func CurrentMapping(modules []any) map[string]string {
	mapping := make(map[string]string)
	_ = walk(modules, func(id string, v map[string]any) error {
		if path, ok := ParseRef(v["content"]); ok {
			mapping[id] = path
		}
		return nil
	})
	return mapping
}

// ReplaceOptions configures Replace
type ReplaceOptions struct {
	// Read returns the content of a file relative to the flow directory
	Read func(path string) ([]byte, error)
	// RemoveLocks lists module ids or script paths whose lock is dropped
	// (and its file deleted) instead of being embedded. It serves callers
	// that have the remote regenerate locks for changed modules; a sync
	// reads flows as they are and leaves it empty.
	RemoveLocks []string
	// Rename, if set, is called when a module references a file named
	// after a different module id. The file should be moved to newPath.
	Rename func(oldPath, newPath string) error
	// Delete, if set, removes a file that is no longer referenced
	Delete func(path string) error
	// Existing lists the files currently in the flow directory. Inline
	// script files among them that no module references are passed to Delete.
	Existing []string
}

// Replace returns a copy of modules with every "!inline" reference
// substituted by the referenced file content. It is the inverse of Extract.
func Replace(modules []any, opts ReplaceOptions) ([]any, error) {
	if opts.Read == nil {
		return nil, fmt.Errorf("inline: Read is required")
	}
	out, _ := treediff.Clone(modules).([]any)
	referenced := make(map[string]bool)
	removeLocks := make(map[string]bool, len(opts.RemoveLocks))
	for _, p := range opts.RemoveLocks {
		removeLocks[p] = true
	}

	err := walk(out, func(id string, v map[string]any) error {
		path, isRef := ParseRef(v["content"])
		if isRef {
			data, err := opts.Read(path)
			if err != nil {
				return fmt.Errorf("reading inline script %s of module %s: %w", path, id, err)
			}
			v["content"] = string(data)

			if want := renamedPath(path, id); want != path && opts.Rename != nil {
				if err := opts.Rename(path, want); err != nil {
					return fmt.Errorf("renaming %s to %s: %w", path, want, err)
				}
				path = want
			}
			referenced[path] = true
		}

		lockPath, lockIsRef := ParseRef(v["lock"])
		if removeLocks[id] || (isRef && removeLocks[path]) {
			delete(v, "lock")
			if lockIsRef && opts.Delete != nil {
				if err := opts.Delete(lockPath); err != nil {
					return fmt.Errorf("deleting lock %s: %w", lockPath, err)
				}
			}
			return nil
		}
		if lockIsRef {
			data, err := opts.Read(lockPath)
			if err != nil {
				return fmt.Errorf("reading lock %s of module %s: %w", lockPath, id, err)
			}
			v["lock"] = string(data)

			if isRef {
				if want := LockPath(path); want != lockPath && opts.Rename != nil {
					if err := opts.Rename(lockPath, want); err != nil {
						return fmt.Errorf("renaming %s to %s: %w", lockPath, want, err)
					}
					lockPath = want
				}
			}
			referenced[lockPath] = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if opts.Delete != nil {
		for _, name := range opts.Existing {
			if IsScriptFile(name) && !referenced[name] {
				if err := opts.Delete(name); err != nil {
					return nil, fmt.Errorf("deleting orphaned %s: %w", name, err)
				}
			}
		}
	}
	return out, nil
}

// renamedPath returns the file name path would have if it belonged to id,
// keeping its extension
func renamedPath(path, id string) string {
	i := strings.LastIndex(path, marker)
	if i < 0 || path[:i] == id {
		return path
	}
	return id + path[i:]
}

func uniquePath(path string, used map[string]bool) string {
	if !used[path] {
		return path
	}
	stem, ext := path, ""
	if i := strings.LastIndex(path, marker); i >= 0 {
		stem, ext = path[:i], path[i:]
	}
	for n := 1; ; n++ {
		candidate := stem + "_" + strconv.Itoa(n) + ext
		if !used[candidate] {
			return candidate
		}
	}
}

// walk visits every rawscript leaf in modules, descending into loops,
// branches and nested module lists. fn may modify the value map in place.
func walk(modules []any, fn func(id string, value map[string]any) error) error {
	for _, item := range modules {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		v, ok := m["value"].(map[string]any)
		if !ok {
			continue
		}
		if t, _ := v["type"].(string); t == "rawscript" {
			id, _ := m["id"].(string)
			if err := fn(id, v); err != nil {
				return err
			}
			continue
		}
		if nested, ok := v["modules"].([]any); ok {
			if err := walk(nested, fn); err != nil {
				return err
			}
		}
		if branches, ok := v["branches"].([]any); ok {
			for _, b := range branches {
				bm, ok := b.(map[string]any)
				if !ok {
					continue
				}
				if nested, ok := bm["modules"].([]any); ok {
					if err := walk(nested, fn); err != nil {
						return err
					}
				}
			}
		}
		if def, ok := v["default"].([]any); ok {
			if err := walk(def, fn); err != nil {
				return err
			}
		}
	}
	return nil
}
