// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func methodNames(r *Registry, category string) []string {
	for _, c := range r.Categories() {
		if c.Path == NormalizeCategory(category) {
			names := make([]string, 0, len(c.Methods))
			for _, m := range c.Methods {
				names = append(names, m.Name)
			}
			sort.Strings(names)
			return names
		}
	}
	return nil
}

func TestNormalizeCategory(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "/"},
		{"/", "/"},
		{"/a", "/a"},
		{"a", "/a"},
		{"a/b", "/a/b"},
	}
	for _, tt := range tests {
		got := NormalizeCategory(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, got, NormalizeCategory(got), "idempotent for %q", tt.in)
	}
}

func TestRegisterCategoryAppendMerges(t *testing.T) {
	r := NewRegistry(zerolog.Nop())

	require.NoError(t, r.RegisterCategoryAppend("/a", []Method{noopMethod("a"), noopMethod("b")}, nil))
	require.NoError(t, r.RegisterCategoryAppend("/a", []Method{noopMethod("b"), noopMethod("c")}, nil))

	assert.Equal(t, []string{"a", "b", "c"}, methodNames(r, "/a"))
}

func TestRegisterCategoryAppendIdempotent(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	methods := []Method{noopMethod("x")}
	require.NoError(t, r.RegisterCategoryAppend("/cat", methods, []Signal{{Name: "changed"}}))
	require.NoError(t, r.RegisterCategoryAppend("/cat", methods, []Signal{{Name: "changed"}}))

	cats := r.Categories()
	require.Len(t, cats, 1)
	assert.Len(t, cats[0].Methods, 1)
	assert.Equal(t, []string{"changed"}, cats[0].Signals)
}

func TestRegisterCategoryStrict(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	require.NoError(t, r.RegisterCategory("/a", []Method{noopMethod("x")}, nil))

	err := r.RegisterCategory("a", []Method{noopMethod("y")}, nil)
	require.ErrorIs(t, err, ErrAlreadyRegistered)
	assert.Equal(t, []string{"x"}, methodNames(r, "/a"))
}

func TestRegisterCategoryNullPath(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	require.NoError(t, r.RegisterCategoryAppend("", []Method{noopMethod("ping")}, nil))
	assert.True(t, r.Has("/"))

	info, err := r.Lookup("/", "ping")
	require.NoError(t, err)
	assert.False(t, info.Stub)
}

func TestRegisterMethodWithoutFuncPanics(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	require.PanicsWithError(t, `busrpc: register method: method "x" has no function`, func() {
		_ = r.RegisterCategoryAppend("/a", []Method{{Name: "x"}}, nil)
	})
}

func TestRegisterAnnouncesMethods(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	var got []string
	r.announce = func(path string, methods []string) error {
		got = append(got, path)
		got = append(got, methods...)
		return nil
	}
	require.NoError(t, r.RegisterCategoryAppend("svc", []Method{noopMethod("m")}, nil))
	assert.Equal(t, []string{"/svc", "m"}, got)

	r.announce = func(string, []string) error { return errors.New("hub gone") }
	err := r.RegisterCategoryAppend("svc", []Method{noopMethod("n")}, nil)
	require.ErrorIs(t, err, ErrTransport)
}

func TestCategoryDataRequiresCategory(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	require.ErrorIs(t, r.SetCategoryData("/missing", 1), ErrNotFound)
	require.ErrorIs(t, r.SetCategoryDescription("/missing", map[string]any{"methods": map[string]any{}}), ErrNotFound)

	require.NoError(t, r.RegisterCategoryAppend("/a", nil, nil))
	require.NoError(t, r.SetCategoryData("/a", "ctx"))
	data, err := r.CategoryData("/a")
	require.NoError(t, err)
	assert.Equal(t, "ctx", data)
}

func TestSetCategoryDescriptionMalformed(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	require.NoError(t, r.RegisterCategoryAppend("/a", []Method{{Name: "x", Func: noopMethod("x").Func, Flags: FlagValidateIn}}, nil))

	good := map[string]any{
		"methods": map[string]any{
			"x": map[string]any{"call": map[string]any{"type": "object"}},
		},
	}
	require.NoError(t, r.SetCategoryDescription("/a", good))

	bad := []map[string]any{
		{"definitions": map[string]any{}},
		{"methods": "nope"},
		{"methods": map[string]any{"x": "nope"}},
		{"methods": map[string]any{}, "definitions": []any{}},
	}
	for _, doc := range bad {
		require.ErrorIs(t, r.SetCategoryDescription("/a", doc), ErrMalformedDescription, "%v", doc)
	}

	// a schema that fails to compile must not replace anything either
	broken := map[string]any{
		"methods": map[string]any{
			"x": map[string]any{"call": map[string]any{"type": "string"}},
			"y": map[string]any{"call": map[string]any{"type": 7.0}},
		},
	}
	require.ErrorIs(t, r.SetCategoryDescription("/a", broken), ErrSchema)

	desc, err := r.Description("/a")
	require.NoError(t, err)
	assert.Equal(t, good, desc)
	_, err = r.Lookup("/a", "y")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDescriptionIsCopied(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	require.NoError(t, r.RegisterCategoryAppend("/a", []Method{noopMethod("x")}, nil))

	doc := map[string]any{"methods": map[string]any{"x": map[string]any{}}}
	require.NoError(t, r.SetCategoryDescription("/a", doc))
	doc["methods"].(map[string]any)["y"] = map[string]any{}

	desc, err := r.Description("/a")
	require.NoError(t, err)
	assert.NotContains(t, desc["methods"], "y")
}

func TestDescriptionCreatesStubs(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	require.NoError(t, r.RegisterCategoryAppend("/a", []Method{noopMethod("known")}, nil))
	require.NoError(t, r.SetCategoryDescription("/a", map[string]any{
		"methods": map[string]any{
			"later": map[string]any{"call": map[string]any{"type": "object"}},
		},
	}))

	info, err := r.Lookup("/a", "later")
	require.NoError(t, err)
	assert.True(t, info.Stub)
	assert.True(t, info.HasCallSchema)
	assert.Equal(t, FlagValidateIn, info.Flags)

	// the stub answers like an unknown method
	rec := &recorder{}
	msg := newCall(nil, "/a", "later", `{}`, rec)
	assert.False(t, r.Dispatch(context.Background(), msg))
	assert.JSONEq(t, `{"returnValue":false,"errorCode":-1,"errorText":"Unknown method \"later\" for category \"/a\""}`, rec.last())

	// registering the function keeps the described schema
	called := false
	require.NoError(t, r.RegisterCategoryAppend("/a", []Method{{
		Name:  "later",
		Flags: FlagValidateIn,
		Func:  func(context.Context, *Message) error { called = true; return nil },
	}}, nil))
	info, err = r.Lookup("/a", "later")
	require.NoError(t, err)
	assert.False(t, info.Stub)
	assert.True(t, info.HasCallSchema)

	rec = &recorder{}
	assert.False(t, r.Dispatch(context.Background(), newCall(nil, "/a", "later", `"not an object"`, rec)))
	assert.False(t, called)
	assert.True(t, r.Dispatch(context.Background(), newCall(nil, "/a", "later", `{}`, rec)))
	assert.True(t, called)
}

func TestDescriptionSkipsCallSchemaWithoutValidation(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	require.NoError(t, r.RegisterCategoryAppend("/a", []Method{noopMethod("x")}, nil))
	require.NoError(t, r.SetCategoryDescription("/a", map[string]any{
		"methods": map[string]any{"x": map[string]any{"call": map[string]any{"type": "object"}}},
	}))

	info, err := r.Lookup("/a", "x")
	require.NoError(t, err)
	assert.False(t, info.HasCallSchema)
}

func TestDescriptionSharedDefinitions(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	require.NoError(t, r.RegisterCategoryAppend("/a", []Method{{Name: "set", Func: noopMethod("set").Func, Flags: FlagValidateIn}}, nil))
	require.NoError(t, r.SetCategoryDescription("/a", map[string]any{
		"definitions": map[string]any{
			"key": map[string]any{"type": "string", "minLength": 1.0},
		},
		"methods": map[string]any{
			"set": map[string]any{
				"call": map[string]any{
					"type":       "object",
					"properties": map[string]any{"key": map[string]any{"$ref": "#/definitions/key"}},
					"required":   []any{"key"},
				},
			},
		},
	}))

	rec := &recorder{}
	assert.True(t, r.Dispatch(context.Background(), newCall(nil, "/a", "set", `{"key":"k"}`, rec)))
	assert.False(t, r.Dispatch(context.Background(), newCall(nil, "/a", "set", `{"key":""}`, rec)))
	assert.Len(t, rec.all(), 1)
}

func TestValidateCall(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	require.NoError(t, r.RegisterCategoryAppend("/a", []Method{{Name: "m", Func: noopMethod("m").Func, Flags: FlagValidateIn}}, nil))
	require.NoError(t, r.SetCategoryDescription("/a", map[string]any{
		"methods": map[string]any{"m": map[string]any{"call": map[string]any{"type": "object"}}},
	}))
	entry := r.tables["/a"].methods["m"]

	rec := &recorder{}
	assert.True(t, r.validateCall(entry, newCall(nil, "/a", "m", `{"x":1}`, rec)))
	assert.Empty(t, rec.all())

	assert.False(t, r.validateCall(entry, newCall(nil, "/a", "m", `"not an object"`, rec)))
	require.Len(t, rec.all(), 1)

	var reply struct {
		ReturnValue bool   `json:"returnValue"`
		ErrorText   string `json:"errorText"`
	}
	require.NoError(t, json.Unmarshal([]byte(rec.last()), &reply))
	assert.False(t, reply.ReturnValue)
	assert.Contains(t, reply.ErrorText, "JSON schema validation error")

	assert.False(t, r.validateCall(entry, newCall(nil, "/a", "m", `{broken`, rec)))
	require.Len(t, rec.all(), 2)
	require.NoError(t, json.Unmarshal([]byte(rec.last()), &reply))
	assert.Contains(t, reply.ErrorText, "JSON parser error")

	assert.False(t, r.validateCall(entry, newCall(nil, "/a", "m", `{"x":1} junk`, rec)))
	require.Len(t, rec.all(), 3)
	require.NoError(t, json.Unmarshal([]byte(rec.last()), &reply))
	assert.False(t, reply.ReturnValue)
	assert.Contains(t, reply.ErrorText, "JSON parser error")
}

func TestValidateCallLogsNormalizedCategory(t *testing.T) {
	var buf bytes.Buffer
	r := NewRegistry(zerolog.New(&buf))
	require.NoError(t, r.RegisterCategoryAppend("/a", []Method{{Name: "m", Func: noopMethod("m").Func, Flags: FlagValidateIn}}, nil))
	require.NoError(t, r.SetCategoryDescription("/a", map[string]any{
		"methods": map[string]any{"m": map[string]any{"call": map[string]any{"type": "object"}}},
	}))
	entry := r.tables["/a"].methods["m"]

	assert.False(t, r.validateCall(entry, newCall(nil, "a", "m", `[]`, &recorder{})))

	var line struct {
		MsgID    string `json:"msgid"`
		Category string `json:"category"`
		Method   string `json:"method"`
	}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "INVALID_CALL", line.MsgID)
	assert.Equal(t, "/a", line.Category)
	assert.Equal(t, "m", line.Method)
}

func TestValidateCallWithoutSchemaPanics(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	require.NoError(t, r.RegisterCategoryAppend("/a", []Method{{Name: "m", Func: noopMethod("m").Func, Flags: FlagValidateIn}}, nil))
	entry := r.tables["/a"].methods["m"]

	assert.Panics(t, func() {
		r.validateCall(entry, newCall(nil, "/a", "m", `{}`, &recorder{}))
	})
}

func TestDispatchUnknown(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	require.NoError(t, r.RegisterCategoryAppend("/a", []Method{noopMethod("x")}, nil))

	rec := &recorder{}
	assert.False(t, r.Dispatch(context.Background(), newCall(nil, "/a", "nope", `{}`, rec)))
	assert.False(t, r.Dispatch(context.Background(), newCall(nil, "/missing", "x", `{}`, rec)))
	require.Len(t, rec.all(), 2)
	assert.Contains(t, rec.all()[1], `Unknown method \"x\" for category \"/missing\"`)
}

func TestDispatchPassesUserData(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	var got any
	require.NoError(t, r.RegisterCategoryAppend("/a", []Method{{
		Name: "x",
		Func: func(_ context.Context, msg *Message) error { got = msg.UserData(); return nil },
	}}, nil))
	require.NoError(t, r.SetCategoryData("/a", 42))

	assert.True(t, r.Dispatch(context.Background(), newCall(nil, "/a", "x", `{}`, &recorder{})))
	assert.Equal(t, 42, got)
}

func TestDispatchHandlerError(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	r := NewRegistry(zerolog.Nop())
	r.metrics = m
	require.NoError(t, r.RegisterCategoryAppend("/a", []Method{{
		Name: "fail",
		Func: func(context.Context, *Message) error { return errors.New("disk full") },
	}}, nil))

	rec := &recorder{}
	assert.True(t, r.Dispatch(context.Background(), newCall(nil, "/a", "fail", `{}`, rec)))
	assert.JSONEq(t, `{"returnValue":false,"errorCode":-1,"errorText":"disk full"}`, rec.last())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CallsTotal.WithLabelValues("private", "/a", "fail", resultError)))
}

func TestDispatchMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	r := NewRegistry(zerolog.Nop())
	r.metrics = m
	require.NoError(t, r.RegisterCategoryAppend("/a", []Method{
		noopMethod("ok"),
		{Name: "v", Func: noopMethod("v").Func, Flags: FlagValidateIn},
	}, nil))
	require.NoError(t, r.SetCategoryDescription("/a", map[string]any{
		"methods": map[string]any{"v": map[string]any{"call": map[string]any{"type": "object"}}},
	}))

	ctx := context.Background()
	r.Dispatch(ctx, newCall(nil, "/a", "ok", `{}`, &recorder{}))
	r.Dispatch(ctx, newCall(nil, "/a", "v", `1`, &recorder{}))
	r.Dispatch(ctx, newCall(nil, "/a", "gone", `{}`, &recorder{}))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CallsTotal.WithLabelValues("private", "/a", "ok", resultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CallsTotal.WithLabelValues("private", "/a", "v", resultInvalid)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CallsTotal.WithLabelValues("private", "/a", "gone", resultUnknown)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ValidationFailures.WithLabelValues("private", "/a", "v")))
}

func TestCategoriesSorted(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	require.NoError(t, r.RegisterCategoryAppend("/b", []Method{noopMethod("z"), noopMethod("a")}, nil))
	require.NoError(t, r.RegisterCategoryAppend("/a", nil, []Signal{{Name: "s2"}, {Name: "s1"}}))

	cats := r.Categories()
	require.Len(t, cats, 2)
	assert.Equal(t, "/a", cats[0].Path)
	assert.Equal(t, []string{"s1", "s2"}, cats[0].Signals)
	assert.Equal(t, "a", cats[1].Methods[0].Name)
}
