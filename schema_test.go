// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSchemaRejectsNonObject(t *testing.T) {
	for _, doc := range []any{"string", 42.0, []any{}, nil, true} {
		_, err := ParseSchema(doc, nil)
		require.ErrorIs(t, err, ErrSchema, "doc %#v", doc)
	}
}

func TestParseSchemaCompileError(t *testing.T) {
	_, err := ParseSchema(map[string]any{"type": 12.0}, nil)
	require.ErrorIs(t, err, ErrSchema)
}

func TestMergeDefinitionsLocalWins(t *testing.T) {
	doc := map[string]any{
		"definitions": map[string]any{"A": map[string]any{"type": "string"}},
	}
	shared := map[string]any{
		"A": map[string]any{"type": "number"},
		"B": map[string]any{"type": "boolean"},
	}

	merged, err := mergeDefinitions(doc, shared)
	require.NoError(t, err)

	defs := merged["definitions"].(map[string]any)
	assert.Equal(t, map[string]any{"type": "string"}, defs["A"])
	assert.Equal(t, map[string]any{"type": "boolean"}, defs["B"])

	// the input document is untouched
	assert.Len(t, doc["definitions"].(map[string]any), 1)
}

func TestMergeDefinitionsWithoutLocal(t *testing.T) {
	merged, err := mergeDefinitions(map[string]any{"type": "object"}, map[string]any{"B": map[string]any{}})
	require.NoError(t, err)
	assert.Contains(t, merged["definitions"], "B")
	assert.Equal(t, "object", merged["type"])
}

func TestParseSchemaSharedDefinitions(t *testing.T) {
	doc := map[string]any{"$ref": "#/definitions/flag"}
	shared := map[string]any{"flag": map[string]any{"type": "boolean"}}

	s, err := ParseSchema(doc, shared)
	require.NoError(t, err)
	require.NoError(t, s.Validate([]byte(`true`)))

	err = s.Validate([]byte(`"yes"`))
	require.ErrorIs(t, err, ErrValidation)
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Contains(t, ve.Detail, "JSON schema validation error")
}

func TestSchemaValidateParseError(t *testing.T) {
	err := AcceptAllSchema().Validate([]byte(`{not json`))
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Contains(t, ve.Detail, "JSON parser error")
}

func TestSchemaValidateTrailingData(t *testing.T) {
	s := AcceptAllSchema()
	for _, payload := range []string{`{"x":1} junk`, `{"x":1} {"y":2}`, `1 2`, ``} {
		err := s.Validate([]byte(payload))
		var ve *ValidationError
		require.True(t, errors.As(err, &ve), payload)
		assert.Contains(t, ve.Detail, "JSON parser error", payload)
	}
	assert.NoError(t, s.Validate([]byte(" {\"x\":1}\n")))
}

func TestSchemaValidateIntegers(t *testing.T) {
	s, err := ParseSchema(map[string]any{
		"type":       "object",
		"properties": map[string]any{"n": map[string]any{"type": "integer", "maximum": 10}},
	}, nil)
	require.NoError(t, err)
	assert.NoError(t, s.Validate([]byte(`{"n":10}`)))
	assert.Error(t, s.Validate([]byte(`{"n":1.5}`)))
	assert.Error(t, s.Validate([]byte(`{"n":11}`)))
}

func TestDefaultReplySchema(t *testing.T) {
	s := DefaultReplySchema()
	require.Same(t, s, DefaultReplySchema())

	assert.NoError(t, s.Validate([]byte(`{"returnValue":true}`)))
	assert.NoError(t, s.Validate([]byte(`{"returnValue":true,"value":3}`)))
	assert.NoError(t, s.Validate([]byte(`{"returnValue":false,"errorCode":-1,"errorText":"boom"}`)))

	assert.Error(t, s.Validate([]byte(`{}`)))
	assert.Error(t, s.Validate([]byte(`{"returnValue":false,"errorCode":"x"}`)))
	assert.Error(t, s.Validate([]byte(`[]`)))
}

func TestAcceptAllSchema(t *testing.T) {
	s := AcceptAllSchema()
	for _, payload := range []string{`{}`, `"x"`, `1`, `null`, `[1,2]`} {
		assert.NoError(t, s.Validate([]byte(payload)), payload)
	}
}
