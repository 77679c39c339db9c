package entity

import (
	"fmt"

	"github.com/gobwas/glob"
)

// Filter holds the category gates and path globs deciding which entities
// take part in a sync
type Filter struct {
	SkipVariables     bool
	SkipResources     bool
	SkipResourceTypes bool
	SkipSecrets       bool
	SkipScripts       bool
	SkipFlows         bool
	SkipApps          bool
	SkipFolders       bool
	IncludeSchedules  bool
	IncludeUsers      bool
	IncludeGroups     bool
	IncludeSettings   bool
	IncludeKey        bool

	Includes      []string
	Excludes      []string
	ExtraIncludes []string
}

// Matcher is a compiled Filter
type Matcher struct {
	filter        Filter
	includes      []glob.Glob
	excludes      []glob.Glob
	extraIncludes []glob.Glob
}

// NewMatcher compiles the globs of f
func NewMatcher(f Filter) (*Matcher, error) {
	m := &Matcher{filter: f}
	var err error
	if m.includes, err = compileAll("includes", f.Includes); err != nil {
		return nil, err
	}
	if m.excludes, err = compileAll("excludes", f.Excludes); err != nil {
		return nil, err
	}
	if m.extraIncludes, err = compileAll("extra_includes", f.ExtraIncludes); err != nil {
		return nil, err
	}
	return m, nil
}

func compileAll(field string, patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid %s pattern %q: %w", field, p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// AllowsKind applies the category gates and path globs to ref. Resource
// types and explicitly included users, groups, settings and keys bypass
// the path globs.
func (m *Matcher) AllowsKind(ref Ref) bool {
	enabled, globbed := m.gate(ref.Kind)
	if !enabled {
		return false
	}
	return !globbed || m.allowsPath(ref.File)
}

// KindEnabled reports whether any entity of kind can take part
func (m *Matcher) KindEnabled(kind Kind) bool {
	enabled, _ := m.gate(kind)
	return enabled
}

// gate returns whether kind passes its category gate and whether its
// entities are subject to the path globs
func (m *Matcher) gate(kind Kind) (enabled, globbed bool) {
	f := m.filter
	switch kind {
	case KindResourceType:
		return !f.SkipResourceTypes, false
	case KindUser:
		return f.IncludeUsers, false
	case KindGroup:
		return f.IncludeGroups, false
	case KindSettings:
		return f.IncludeSettings, false
	case KindEncryptionKey:
		return f.IncludeKey, false
	case KindScript:
		return !f.SkipScripts, true
	case KindFlow:
		return !f.SkipFlows, true
	case KindApp:
		return !f.SkipApps, true
	case KindFolder:
		return !f.SkipFolders, true
	case KindResource:
		return !f.SkipResources, true
	case KindVariable:
		return !f.SkipVariables, true
	case KindSchedule:
		return f.IncludeSchedules, true
	}
	return false, false
}

// Allows is AllowsKind plus the payload dependent secret gate
func (m *Matcher) Allows(ref Ref, payload any) bool {
	if !m.AllowsKind(ref) {
		return false
	}
	if m.filter.SkipSecrets && ref.Kind == KindVariable && IsSecret(ref.Kind, payload) {
		return false
	}
	return true
}

// allowsPath applies includes, excludes and extra includes. Without
// includes or excludes every path is allowed.
func (m *Matcher) allowsPath(p string) bool {
	if len(m.includes) == 0 && len(m.excludes) == 0 {
		return true
	}
	if len(m.includes) > 0 && !anyMatch(m.includes, p) {
		return false
	}
	if anyMatch(m.excludes, p) {
		return false
	}
	if len(m.extraIncludes) > 0 && !anyMatch(m.extraIncludes, p) {
		return false
	}
	return true
}

func anyMatch(globs []glob.Glob, p string) bool {
	for _, g := range globs {
		if g.Match(p) {
			return true
		}
	}
	return false
}
