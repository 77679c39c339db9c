package entity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/schaermu/wsync/internal/treediff"
)

// SecretMask replaces secret values in displayed diffs
const SecretMask = "********"

// serverFields are maintained by the remote and never authored locally
var serverFields = []string{
	"path",
	"workspace_id",
	"edited_by",
	"edited_at",
	"created_at",
	"created_by",
	"extra_perms",
	"hash",
	"parent_hash",
	"archived",
	"starred",
	"is_template",
}

// Canonical converts v into plain JSON values: map[string]any, []any,
// json.Number, string, bool and nil. Numbers keep their literal so large
// integers survive unchanged.
func Canonical(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	out, err := DecodeJSON(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	return out, nil
}

// DecodeJSON parses one JSON document, keeping numbers as json.Number
func DecodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after JSON value")
	}
	return out, nil
}

// Normalize returns the canonical form of a payload used for comparison
// and for writing local files. Unless raw is set, server managed fields
// are dropped and kind specific representation differences are evened out.
func Normalize(kind Kind, v any, raw bool) (any, error) {
	out, err := Canonical(v)
	if err != nil {
		return nil, err
	}
	if raw {
		return out, nil
	}
	m, ok := out.(map[string]any)
	if !ok {
		return out, nil
	}

	for _, f := range serverFields {
		delete(m, f)
	}

	switch kind {
	case KindScript:
		if lines, ok := m["lock"].([]any); ok {
			m["lock"] = joinLines(lines)
		}
	case KindApp:
		if policy, ok := m["policy"].(map[string]any); ok {
			delete(policy, "on_behalf_of")
			delete(policy, "on_behalf_of_email")
		}
	case KindFlow:
		if value, ok := m["value"].(map[string]any); ok {
			joinModuleLocks(value)
		}
	}
	return m, nil
}

// joinModuleLocks joins array locks of inline flow modules the same way
// script locks are joined
func joinModuleLocks(value map[string]any) {
	var visit func(modules []any)
	visit = func(modules []any) {
		for _, item := range modules {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			v, ok := m["value"].(map[string]any)
			if !ok {
				continue
			}
			if lines, ok := v["lock"].([]any); ok {
				v["lock"] = joinLines(lines)
			}
			if nested, ok := v["modules"].([]any); ok {
				visit(nested)
			}
			if def, ok := v["default"].([]any); ok {
				visit(def)
			}
			if branches, ok := v["branches"].([]any); ok {
				for _, b := range branches {
					if bm, ok := b.(map[string]any); ok {
						if nested, ok := bm["modules"].([]any); ok {
							visit(nested)
						}
					}
				}
			}
		}
	}
	if modules, ok := value["modules"].([]any); ok {
		visit(modules)
	}
	for _, slot := range []string{"failure_module", "preprocessor_module"} {
		if m, ok := value[slot].(map[string]any); ok {
			visit([]any{m})
		}
	}
}

func joinLines(lines []any) string {
	parts := make([]string, 0, len(lines))
	for _, l := range lines {
		parts = append(parts, fmt.Sprint(l))
	}
	return strings.Join(parts, "\n")
}

// IsSecret reports whether the payload holds a secret value: secret
// variables and OAuth resources
func IsSecret(kind Kind, payload any) bool {
	m, ok := payload.(map[string]any)
	if !ok {
		return false
	}
	switch kind {
	case KindVariable:
		return m["is_secret"] == true
	case KindResource:
		return m["is_oauth"] == true
	}
	return false
}

// MaskSecrets returns a copy of payload with its secret value masked.
// Non-secret payloads are returned unchanged.
func MaskSecrets(kind Kind, payload any) any {
	if !IsSecret(kind, payload) {
		return payload
	}
	if _, ok := payload.(map[string]any)["value"]; !ok {
		return payload
	}
	return treediff.Set(payload, treediff.Path{"value"}, SecretMask)
}
