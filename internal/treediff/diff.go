// Package treediff computes structural differences between JSON-like
// values: map[string]any objects, []any arrays and scalars.
//
// Objects are compared by key with no regard to order, arrays are compared
// index by index. Diff is pure and can be run in either direction
// (local against base, remote against base, local against remote).
package treediff

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
)

// Kind is the type of a single difference
type Kind string

const (
	Create Kind = "CREATE"
	Remove Kind = "REMOVE"
	Change Kind = "CHANGE"
)

// Path locates a node inside a tree. Elements are string object keys or
// int array indices.
type Path []any

// String renders the path as a dotted selector, e.g. value.modules[0].id
func (p Path) String() string {
	var b strings.Builder
	for _, elem := range p {
		switch e := elem.(type) {
		case int:
			b.WriteString("[" + strconv.Itoa(e) + "]")
		default:
			if b.Len() > 0 {
				b.WriteByte('.')
			}
			fmt.Fprint(&b, e)
		}
	}
	if b.Len() == 0 {
		return "(root)"
	}
	return b.String()
}

// FormatPath is Path.String for callers holding a plain []any
func FormatPath(p []any) string {
	return Path(p).String()
}

// HasPrefix reports whether p starts with prefix
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i := range prefix {
		if p[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Difference is one structural change between a base and another tree
type Difference struct {
	Kind     Kind
	Path     Path
	Value    any
	OldValue any
}

// Diff returns the differences turning base into other. The result is
// empty iff the two values are deeply equal. Object keys are visited in
// sorted order so output is deterministic.
func Diff(base, other any) []Difference {
	var out []Difference
	diffInto(&out, nil, base, other)
	return out
}

func diffInto(out *[]Difference, path Path, base, other any) {
	switch b := base.(type) {
	case map[string]any:
		o, ok := other.(map[string]any)
		if !ok {
			break
		}
		for _, k := range unionKeys(b, o) {
			bv, inBase := b[k]
			ov, inOther := o[k]
			child := appendPath(path, k)
			switch {
			case inBase && !inOther:
				*out = append(*out, Difference{Kind: Remove, Path: child, OldValue: bv})
			case !inBase && inOther:
				*out = append(*out, Difference{Kind: Create, Path: child, Value: ov})
			default:
				diffInto(out, child, bv, ov)
			}
		}
		return
	case []any:
		o, ok := other.([]any)
		if !ok {
			break
		}
		n := max(len(b), len(o))
		for i := 0; i < n; i++ {
			child := appendPath(path, i)
			switch {
			case i >= len(o):
				*out = append(*out, Difference{Kind: Remove, Path: child, OldValue: b[i]})
			case i >= len(b):
				*out = append(*out, Difference{Kind: Create, Path: child, Value: o[i]})
			default:
				diffInto(out, child, b[i], o[i])
			}
		}
		return
	}

	if !Equal(base, other) {
		*out = append(*out, Difference{Kind: Change, Path: path, Value: other, OldValue: base})
	}
}

// Equal reports structural equality of two JSON-like values. Numbers of
// different Go types compare by value.
func Equal(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, x := range av {
			y, ok := bv[k]
			if !ok || !Equal(x, y) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	}

	if an, ok := toRat(a); ok {
		bn, ok := toRat(b)
		return ok && an.Cmp(bn) == 0
	}
	if isComposite(b) {
		return false
	}
	return a == b
}

// Clone deep-copies a JSON-like value. Scalars are returned as-is.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, x := range t {
			m[k] = Clone(x)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, x := range t {
			s[i] = Clone(x)
		}
		return s
	default:
		return v
	}
}

// Get returns the node at path and whether it exists
func Get(v any, path Path) (any, bool) {
	cur := v
	for _, elem := range path {
		switch key := elem.(type) {
		case string:
			m, ok := cur.(map[string]any)
			if !ok {
				return nil, false
			}
			cur, ok = m[key]
			if !ok {
				return nil, false
			}
		case int:
			s, ok := cur.([]any)
			if !ok || key < 0 || key >= len(s) {
				return nil, false
			}
			cur = s[key]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Set returns a copy of v with the node at path replaced by value.
// Missing intermediate objects are created; arrays are padded with nil.
func Set(v any, path Path, value any) any {
	if len(path) == 0 {
		return Clone(value)
	}
	switch key := path[0].(type) {
	case string:
		src, _ := v.(map[string]any)
		m := make(map[string]any, len(src)+1)
		for k, x := range src {
			m[k] = Clone(x)
		}
		m[key] = Set(src[key], path[1:], value)
		return m
	case int:
		src, _ := v.([]any)
		n := max(len(src), key+1)
		s := make([]any, n)
		for i, x := range src {
			s[i] = Clone(x)
		}
		var next any
		if key < len(src) {
			next = src[key]
		}
		s[key] = Set(next, path[1:], value)
		return s
	}
	return Clone(v)
}

// Delete returns a copy of v without the node at path. Deleting an array
// element shifts the following elements down.
func Delete(v any, path Path) any {
	if len(path) == 0 {
		return nil
	}
	switch key := path[0].(type) {
	case string:
		src, ok := v.(map[string]any)
		if !ok {
			return Clone(v)
		}
		m := make(map[string]any, len(src))
		for k, x := range src {
			if k == key && len(path) == 1 {
				continue
			}
			m[k] = Clone(x)
		}
		if len(path) > 1 {
			if child, ok := src[key]; ok {
				m[key] = Delete(child, path[1:])
			}
		}
		return m
	case int:
		src, ok := v.([]any)
		if !ok || key < 0 || key >= len(src) {
			return Clone(v)
		}
		s := make([]any, 0, len(src))
		for i, x := range src {
			switch {
			case i != key:
				s = append(s, Clone(x))
			case len(path) > 1:
				s = append(s, Delete(x, path[1:]))
			}
		}
		return s
	}
	return Clone(v)
}

func unionKeys(a, b map[string]any) []string {
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func appendPath(p Path, elem any) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, elem)
}

func isComposite(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	}
	return false
}

// toRat converts any numeric value to an exact rational so that
// json.Number literals compare without float rounding
func toRat(v any) (*big.Rat, bool) {
	r := new(big.Rat)
	switch n := v.(type) {
	case json.Number:
		if _, ok := r.SetString(string(n)); !ok {
			return nil, false
		}
	case float64:
		if r.SetFloat64(n) == nil {
			return nil, false
		}
	case float32:
		if r.SetFloat64(float64(n)) == nil {
			return nil, false
		}
	case int:
		r.SetInt64(int64(n))
	case int64:
		r.SetInt64(n)
	case int32:
		r.SetInt64(int64(n))
	case uint64:
		r.SetUint64(n)
	default:
		return nil, false
	}
	return r, true
}
