// Package jsonld implements a pragmatic JSON-LD helper for federation
// payloads: dotted-path access into decoded documents, id extraction
// across the shapes remote servers actually emit, and a declarative
// projection of payload fields into flat values.
package jsonld

import (
	"fmt"
	"strings"
)

// Doc is a decoded JSON-LD document.
type Doc = map[string]any

// GetPath walks a dotted path ("object.type") into the document. The
// second return is false when any segment is missing or not an object.
func GetPath(doc Doc, path string) (any, bool) {
	segments := strings.Split(path, ".")
	var current any = doc
	for _, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// GetString returns the string at the dotted path, or "" when the path
// is missing or not a string.
func GetString(doc Doc, path string) string {
	v, ok := GetPath(doc, path)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// GetList normalizes the value at the path to a slice: a missing value
// yields nil, a scalar yields a one-element slice.
func GetList(doc Doc, path string) []any {
	v, ok := GetPath(doc, path)
	if !ok || v == nil {
		return nil
	}
	if list, ok := v.([]any); ok {
		return list
	}
	return []any{v}
}

// FirstID extracts an identifier from the shapes remote payloads use
// for references: a bare string, an object carrying "id", or a list of
// either (first element wins).
func FirstID(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		s, _ := t["id"].(string)
		return s
	case []any:
		if len(t) > 0 {
			return FirstID(t[0])
		}
	}
	return ""
}

// IDList extracts every identifier from a reference value, flattening
// lists and skipping entries with no id.
func IDList(v any) []string {
	var out []string
	switch t := v.(type) {
	case []any:
		for _, e := range t {
			if id := FirstID(e); id != "" {
				out = append(out, id)
			}
		}
	default:
		if id := FirstID(v); id != "" {
			out = append(out, id)
		}
	}
	return out
}

// Keep modes for FieldConfig.
const (
	KeepFirst = "first"
	KeepList  = "list"
)

// Attr modes for FieldConfig.
const (
	AttrID    = "@id"
	AttrValue = "@value"
)

// FieldConfig describes how one property is pulled out of a document.
type FieldConfig struct {
	Property    string   // dotted path of the property
	Fallbacks   []string // alternative paths tried in order
	Keep        string   // KeepFirst or KeepList
	Attr        string   // AttrID extracts ids, AttrValue raw values
	Required    bool
	Dereference bool // resolve bare id references through the Dereferencer
}

// Dereferencer resolves a remote id to its document. Projection calls
// it only for fields marked Dereference whose value is a bare
// reference.
type Dereferencer func(id string) (Doc, error)

// Project extracts the configured fields into a flat map keyed by the
// field's primary property. A required field that resolves to nothing
// is an error.
func Project(doc Doc, fields []FieldConfig, deref Dereferencer) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		v, err := projectField(doc, f, deref)
		if err != nil {
			return nil, err
		}
		if v == nil {
			if f.Required {
				return nil, fmt.Errorf("missing required property %q", f.Property)
			}
			continue
		}
		out[f.Property] = v
	}
	return out, nil
}

func projectField(doc Doc, f FieldConfig, deref Dereferencer) (any, error) {
	paths := append([]string{f.Property}, f.Fallbacks...)
	var raw any
	for _, p := range paths {
		if v, ok := GetPath(doc, p); ok && v != nil {
			raw = v
			break
		}
	}
	if raw == nil {
		return nil, nil
	}

	if f.Dereference && deref != nil {
		resolved, err := dereferenceValue(raw, deref)
		if err != nil {
			return nil, err
		}
		raw = resolved
	}

	switch f.Attr {
	case AttrID:
		if f.Keep == KeepList {
			ids := IDList(raw)
			if len(ids) == 0 {
				return nil, nil
			}
			return ids, nil
		}
		if id := FirstID(raw); id != "" {
			return id, nil
		}
		return nil, nil
	default:
		if f.Keep == KeepList {
			return normalizeList(raw), nil
		}
		if list, ok := raw.([]any); ok {
			if len(list) == 0 {
				return nil, nil
			}
			return list[0], nil
		}
		return raw, nil
	}
}

func dereferenceValue(v any, deref Dereferencer) (any, error) {
	switch t := v.(type) {
	case string:
		return deref(t)
	case []any:
		out := make([]any, 0, len(t))
		for _, e := range t {
			resolved, err := dereferenceValue(e, deref)
			if err != nil {
				return nil, err
			}
			out = append(out, resolved)
		}
		return out, nil
	default:
		// already embedded
		return v, nil
	}
}

func normalizeList(v any) []any {
	if list, ok := v.([]any); ok {
		return list
	}
	return []any{v}
}
