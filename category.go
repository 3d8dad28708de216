// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultCategory is the path of the unnamed category.
const DefaultCategory = "/"

// NormalizeCategory maps a category name to its object path: "" becomes
// "/", names already starting with "/" are kept, anything else gets a
// leading "/".
func NormalizeCategory(category string) string {
	switch {
	case category == "":
		return DefaultCategory
	case strings.HasPrefix(category, "/"):
		return category
	default:
		return "/" + category
	}
}

// categoryTable holds the methods and signals registered under one path.
// Tables are never removed from a registry.
type categoryTable struct {
	path        string
	methods     map[string]*methodEntry
	signals     map[string]Signal
	userData    any
	description map[string]any
}

func newCategoryTable(path string) *categoryTable {
	return &categoryTable{
		path:    path,
		methods: make(map[string]*methodEntry),
		signals: make(map[string]Signal),
	}
}

// appendMethods inserts or updates entries by name. Entries not mentioned
// are left alone.
func (t *categoryTable) appendMethods(methods []Method) {
	for _, m := range methods {
		entry, ok := t.methods[m.Name]
		if !ok {
			entry = &methodEntry{}
			t.methods[m.Name] = entry
		}
		entry.set(m)
	}
}

func (t *categoryTable) appendSignals(signals []Signal) {
	for _, s := range signals {
		t.signals[s.Name] = s
	}
}

type schemaPlan struct {
	name       string
	stub       bool
	call       *Schema
	reply      *Schema
	firstReply *Schema
}

// applyDescription compiles the schemas of every method named in doc and
// installs them. Nothing in the table changes unless all of them compile.
func (t *categoryTable) applyDescription(doc map[string]any) error {
	methods, ok := doc[keywordMethods].(map[string]any)
	if !ok {
		return fmt.Errorf("%w: category %s: description should have property %q with an object as a value",
			ErrMalformedDescription, t.path, keywordMethods)
	}

	var defs map[string]any
	if raw, ok := doc[keywordDefinitions]; ok {
		if defs, ok = raw.(map[string]any); !ok {
			return fmt.Errorf("%w: category %s: %q must be an object",
				ErrMalformedDescription, t.path, keywordDefinitions)
		}
	}

	plans := make([]schemaPlan, 0, len(methods))
	for name, raw := range methods {
		spec, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: category %s: method %q must be an object",
				ErrMalformedDescription, t.path, name)
		}

		p := schemaPlan{name: name}
		validate := true
		if entry, ok := t.methods[name]; ok {
			validate = entry.flags&FlagValidateIn != 0
		} else {
			p.stub = true
		}

		var err error
		if validate {
			if p.call, err = describedSchema(spec, "call", defs, AcceptAllSchema()); err != nil {
				return fmt.Errorf("category %s method %s: %w", t.path, name, err)
			}
		}
		if p.reply, err = describedSchema(spec, "reply", defs, DefaultReplySchema()); err != nil {
			return fmt.Errorf("category %s method %s: %w", t.path, name, err)
		}
		if p.firstReply, err = describedSchema(spec, "firstReply", defs, p.reply); err != nil {
			return fmt.Errorf("category %s method %s: %w", t.path, name, err)
		}
		plans = append(plans, p)
	}

	for _, p := range plans {
		entry, ok := t.methods[p.name]
		if !ok {
			entry = &methodEntry{flags: FlagValidateIn}
			t.methods[p.name] = entry
		}
		entry.setSchemas(p.call, p.reply, p.firstReply)
	}
	t.description = deepCopyJSON(doc).(map[string]any)
	return nil
}

func describedSchema(spec map[string]any, key string, defs map[string]any, fallback *Schema) (*Schema, error) {
	raw, ok := spec[key]
	if !ok {
		return fallback, nil
	}
	return ParseSchema(raw, defs)
}

func (t *categoryTable) methodInfos() []MethodInfo {
	out := make([]MethodInfo, 0, len(t.methods))
	for name, e := range t.methods {
		out = append(out, MethodInfo{
			Name:          name,
			Flags:         e.flags,
			Stub:          e.isStub(),
			HasCallSchema: e.call != nil,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (t *categoryTable) signalNames() []string {
	out := make([]string, 0, len(t.signals))
	for name := range t.signals {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// deepCopyJSON copies a decoded JSON value so the caller may keep mutating
// the original.
func deepCopyJSON(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopyJSON(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopyJSON(val)
		}
		return out
	default:
		return v
	}
}
