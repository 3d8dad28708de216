// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	keywordDefinitions = "definitions"
	keywordMethods     = "methods"

	schemaResource = "mem://busrpc/schema.json"
)

// defaultReplySchemaText accepts {"returnValue":true,...} or
// {"returnValue":false,"errorCode":<int>,"errorText":<string>,...}.
const defaultReplySchemaText = `{"oneOf":[
	{"type":"object","properties":{
		"returnValue":{"enum":[true]}
	},"required":["returnValue"]},
	{"type":"object","properties":{
		"returnValue":{"enum":[false]},
		"errorCode":{"type":"integer"},
		"errorText":{"type":"string"}
	},"required":["returnValue"]}
]}`

// Schema is an immutable compiled validator. Copies of the pointer share the
// compiled representation.
type Schema struct {
	compiled *jsonschema.Schema
	source   []byte
}

// Source returns the JSON document the schema was compiled from.
func (s *Schema) Source() []byte { return s.source }

// Validate parses payload as JSON and checks it against the schema. Failures
// are returned as *ValidationError.
func (s *Schema) Validate(payload []byte) error {
	v, err := decodeValue(payload)
	if err != nil {
		return &ValidationError{Detail: "JSON parser error: " + err.Error()}
	}
	return s.ValidateValue(v)
}

// decodeValue decodes exactly one JSON document, keeping numbers as
// json.Number the way the validator expects them.
func decodeValue(payload []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var extra any
	if dec.More() || dec.Decode(&extra) != io.EOF {
		return nil, errors.New("trailing data after JSON document")
	}
	return v, nil
}

// ValidateValue checks an already decoded JSON value.
func (s *Schema) ValidateValue(v any) error {
	if err := s.compiled.Validate(v); err != nil {
		return &ValidationError{Detail: "JSON schema validation error: " + describeViolation(err)}
	}
	return nil
}

// ValidationError is a payload rejected by a schema.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string { return ErrValidation.Error() + ": " + e.Detail }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// describeViolation reduces a validator error to its innermost causes.
func describeViolation(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	var leaves []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			leaves = append(leaves, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return strings.Join(leaves, "; ")
}

// ParseSchema compiles a schema document. When sharedDefs is non-nil it is
// merged into the document's "definitions" first; local definitions win on
// name collision and definition bodies are never merged.
func ParseSchema(doc any, sharedDefs map[string]any) (*Schema, error) {
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: schema must be a JSON object, got %T", ErrSchema, doc)
	}
	if sharedDefs != nil {
		merged, err := mergeDefinitions(obj, sharedDefs)
		if err != nil {
			return nil, err
		}
		obj = merged
	}
	src, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	return compileSchema(src)
}

// mergeDefinitions returns a shallow copy of doc whose "definitions" holds
// the local definitions plus every shared definition not defined locally.
func mergeDefinitions(doc, shared map[string]any) (map[string]any, error) {
	defs := make(map[string]any, len(shared))
	if raw, ok := doc[keywordDefinitions]; ok {
		local, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %q must be an object", ErrSchema, keywordDefinitions)
		}
		for k, v := range local {
			defs[k] = v
		}
	}
	for k, v := range shared {
		if _, exists := defs[k]; exists {
			continue
		}
		defs[k] = v
	}

	out := make(map[string]any, len(doc)+1)
	for k, v := range doc {
		out[k] = v
	}
	out[keywordDefinitions] = defs
	return out, nil
}

func compileSchema(src []byte) (*Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft4
	if err := c.AddResource(schemaResource, bytes.NewReader(src)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	compiled, err := c.Compile(schemaResource)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	return &Schema{compiled: compiled, source: src}, nil
}

func mustCompileSchema(src string) *Schema {
	s, err := compileSchema([]byte(src))
	assertf(err == nil, "compile builtin schema", "%v", err)
	return s
}

var (
	defaultReplyOnce   sync.Once
	defaultReplySchema *Schema

	acceptAllOnce   sync.Once
	acceptAllSchema *Schema
)

// DefaultReplySchema returns the process-wide schema for the generic
// returnValue reply shape. It is built on first use and never mutated.
func DefaultReplySchema() *Schema {
	defaultReplyOnce.Do(func() {
		defaultReplySchema = mustCompileSchema(defaultReplySchemaText)
	})
	return defaultReplySchema
}

// AcceptAllSchema returns a schema that accepts any JSON value.
func AcceptAllSchema() *Schema {
	acceptAllOnce.Do(func() {
		acceptAllSchema = mustCompileSchema(`{}`)
	})
	return acceptAllSchema
}
