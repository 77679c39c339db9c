// Package entity resolves workspace files to typed entity references and
// derives on-disk paths from logical entity paths.
//
// Resolution happens once, when the local tree is scanned; everything
// downstream works with Ref values instead of re-inspecting file suffixes.
package entity

import (
	"path"
	"strings"

	"github.com/schaermu/wsync/internal/syncerr"
)

// Kind is the entity type
type Kind string

const (
	KindSettings      Kind = "settings"
	KindFolder        Kind = "folder"
	KindResourceType  Kind = "resource-type"
	KindResource      Kind = "resource"
	KindScript        Kind = "script"
	KindFlow          Kind = "flow"
	KindApp           Kind = "app"
	KindSchedule      Kind = "schedule"
	KindVariable      Kind = "variable"
	KindUser          Kind = "user"
	KindGroup         Kind = "group"
	KindEncryptionKey Kind = "encryption-key"
)

// Kinds lists every kind in apply order: an entity may only reference
// entities of kinds listed before its own
var Kinds = []Kind{
	KindSettings,
	KindFolder,
	KindResourceType,
	KindResource,
	KindScript,
	KindFlow,
	KindApp,
	KindSchedule,
	KindVariable,
	KindUser,
	KindGroup,
	KindEncryptionKey,
}

// Order returns the position of k in Kinds, or len(Kinds) if unknown
func (k Kind) Order() int {
	for i, known := range Kinds {
		if known == k {
			return i
		}
	}
	return len(Kinds)
}

const (
	settingsName      = "settings"
	encryptionKeyName = "encryption_key"
	folderMetaName    = "folder.meta"
	flowDirSuffix     = ".flow"
	flowFileName      = "flow"
	usersDir          = "users"
	groupsDir         = "groups"
	foldersRoot       = "f"
)

// suffixKinds maps "<path>.<suffix>.<ext>" entity files to their kind
var suffixKinds = []struct {
	suffix string
	kind   Kind
}{
	{".script", KindScript},
	{".app", KindApp},
	{".resource-type", KindResourceType},
	{".resource", KindResource},
	{".variable", KindVariable},
	{".schedule", KindSchedule},
	{".user", KindUser},
	{".group", KindGroup},
}

// Ref identifies one entity: its kind, its logical path and the primary
// file holding it (slash separated, relative to the workspace root)
type Ref struct {
	Kind Kind   `json:"kind"`
	Path string `json:"path"`
	File string `json:"file"`
}

// Key is the identity of an entity across local, remote and base state
func (r Ref) Key() string {
	return string(r.Kind) + ":" + r.Path
}

func (r Ref) String() string {
	return string(r.Kind) + " " + r.Path
}

// Ext returns ".json" or ".yaml" depending on the json flag
func Ext(json bool) string {
	if json {
		return ".json"
	}
	return ".yaml"
}

// IsDataFile reports whether name has a YAML or JSON extension
func IsDataFile(name string) bool {
	ext := path.Ext(name)
	return ext == ".yaml" || ext == ".yml" || ext == ".json"
}

// Resolve classifies a workspace file. Files that are not entity
// definitions yield an UnknownEntityType error; callers are expected to
// filter companions (see IsCompanion) beforehand.
func Resolve(file string) (Ref, error) {
	file = path.Clean(file)
	if !IsDataFile(file) {
		return Ref{}, syncerr.UnknownEntityType(file)
	}
	dir, base := path.Split(file)
	dir = strings.TrimSuffix(dir, "/")
	stem := strings.TrimSuffix(base, path.Ext(base))

	switch {
	case dir == "" && stem == settingsName:
		return Ref{Kind: KindSettings, Path: settingsName, File: file}, nil
	case dir == "" && stem == encryptionKeyName:
		return Ref{Kind: KindEncryptionKey, Path: encryptionKeyName, File: file}, nil
	case stem == folderMetaName && path.Dir(dir) == foldersRoot:
		return Ref{Kind: KindFolder, Path: dir, File: file}, nil
	case stem == flowFileName && strings.HasSuffix(dir, flowDirSuffix):
		return Ref{Kind: KindFlow, Path: strings.TrimSuffix(dir, flowDirSuffix), File: file}, nil
	}

	for _, s := range suffixKinds {
		if !strings.HasSuffix(stem, s.suffix) {
			continue
		}
		p := path.Join(dir, strings.TrimSuffix(stem, s.suffix))
		switch s.kind {
		case KindUser:
			if dir != usersDir {
				return Ref{}, syncerr.UnknownEntityType(file)
			}
			p = strings.TrimPrefix(p, usersDir+"/")
		case KindGroup:
			if dir != groupsDir {
				return Ref{}, syncerr.UnknownEntityType(file)
			}
			p = strings.TrimPrefix(p, groupsDir+"/")
		}
		return Ref{Kind: s.kind, Path: p, File: file}, nil
	}
	return Ref{}, syncerr.UnknownEntityType(file)
}

// SingletonPath returns the logical path of the only entity of a
// singleton kind, or "" for other kinds
func SingletonPath(kind Kind) string {
	switch kind {
	case KindSettings:
		return settingsName
	case KindEncryptionKey:
		return encryptionKeyName
	}
	return ""
}

// FilePath returns the primary file of the entity kind at logical path p
func FilePath(kind Kind, p string, json bool) string {
	ext := Ext(json)
	switch kind {
	case KindSettings:
		return settingsName + ext
	case KindEncryptionKey:
		return encryptionKeyName + ext
	case KindFolder:
		return path.Join(p, folderMetaName+ext)
	case KindFlow:
		return path.Join(p+flowDirSuffix, flowFileName+ext)
	case KindUser:
		return path.Join(usersDir, p+".user"+ext)
	case KindGroup:
		return path.Join(groupsDir, p+".group"+ext)
	}
	return p + "." + string(kind) + ext
}

// NewRef builds the Ref of an entity known by kind and logical path
func NewRef(kind Kind, p string, json bool) Ref {
	return Ref{Kind: kind, Path: p, File: FilePath(kind, p, json)}
}

// FlowDir returns the directory holding a flow's definition and inline scripts
func FlowDir(p string) string {
	return p + flowDirSuffix
}

// ScriptStem returns the path prefix shared by a script's metadata,
// content and lock files
func ScriptStem(r Ref) string {
	dir, base := path.Split(r.File)
	return dir + strings.TrimSuffix(strings.TrimSuffix(base, path.Ext(base)), ".script")
}

// IsCompanion reports whether file belongs to another entity rather than
// being an entity definition itself: anything inside a flow directory other
// than its definition, and script content or lock files next to a script
// metadata file. exists reports whether a sibling file is present.
func IsCompanion(file string, exists func(string) bool) bool {
	dir, base := path.Split(path.Clean(file))
	dir = strings.TrimSuffix(dir, "/")

	for d := dir; d != "" && d != "."; d = path.Dir(d) {
		if strings.HasSuffix(d, flowDirSuffix) {
			stem := strings.TrimSuffix(base, path.Ext(base))
			return d != dir || stem != flowFileName
		}
	}

	if _, err := Resolve(file); err == nil {
		return false
	}
	stem, _, _ := strings.Cut(base, ".")
	if stem == "" {
		return false
	}
	for _, ext := range []string{".yaml", ".json"} {
		if exists(path.Join(dir, stem+".script"+ext)) {
			return true
		}
	}
	return false
}
