// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"context"
	"fmt"
	"sort"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// badReplyFallback is sent when a validation error reply cannot be encoded.
const badReplyFallback = `{"returnValue":false,"errorText":"non-representable validation error"}`

// Registry maps category paths to their method tables for one connection
// handle. It is not safe for concurrent use; the owning handle serializes
// access through its loop.
type Registry struct {
	tables map[string]*categoryTable

	// announce tells the bus about appended methods; nil when detached.
	announce func(path string, methods []string) error

	log     zerolog.Logger
	metrics *Metrics
	bus     Bus
}

// NewRegistry creates an empty registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{log: log, bus: BusPrivate}
}

func (r *Registry) table(category string) (*categoryTable, error) {
	path := NormalizeCategory(category)
	if t, ok := r.tables[path]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("%w: category %s", ErrNotFound, path)
}

// Has reports whether a category is registered.
func (r *Registry) Has(category string) bool {
	_, ok := r.tables[NormalizeCategory(category)]
	return ok
}

// RegisterCategory creates a category. Registering an existing path fails
// with ErrAlreadyRegistered and leaves the table unchanged.
func (r *Registry) RegisterCategory(category string, methods []Method, signals []Signal) error {
	if r.Has(category) {
		return fmt.Errorf("%w: category %s", ErrAlreadyRegistered, NormalizeCategory(category))
	}
	return r.RegisterCategoryAppend(category, methods, signals)
}

// RegisterCategoryAppend creates the category if needed and adds or
// overwrites the given methods and signals by name.
func (r *Registry) RegisterCategoryAppend(category string, methods []Method, signals []Signal) error {
	for _, m := range methods {
		assertf(m.Name != "", "register method", "empty method name in category %s", category)
		assertf(m.Func != nil, "register method", "method %q has no function", m.Name)
	}

	if r.tables == nil {
		r.tables = make(map[string]*categoryTable)
	}
	path := NormalizeCategory(category)
	t, ok := r.tables[path]
	if !ok {
		t = newCategoryTable(path)
		r.tables[path] = t
	}
	t.appendMethods(methods)
	t.appendSignals(signals)

	if r.announce == nil || len(methods) == 0 {
		return nil
	}
	names := make([]string, len(methods))
	for i, m := range methods {
		names[i] = m.Name
	}
	if err := r.announce(path, names); err != nil {
		r.log.Error().Err(err).Str("category", path).Msg("failed to notify the bus about category append")
		return fmt.Errorf("%w: append category %s: %v", ErrTransport, path, err)
	}
	return nil
}

// SetCategoryData sets the user data handed to every handler of the category.
func (r *Registry) SetCategoryData(category string, data any) error {
	t, err := r.table(category)
	if err != nil {
		return err
	}
	t.userData = data
	return nil
}

// CategoryData returns the user data of a category.
func (r *Registry) CategoryData(category string) (any, error) {
	t, err := r.table(category)
	if err != nil {
		return nil, err
	}
	return t.userData, nil
}

// SetCategoryDescription compiles the schemas described by doc into the
// category's methods and keeps a copy of doc. Methods mentioned only by the
// description become stubs that validate their input once registered.
func (r *Registry) SetCategoryDescription(category string, doc map[string]any) error {
	t, err := r.table(category)
	if err != nil {
		return err
	}
	return t.applyDescription(doc)
}

// Description returns a copy of the category description, or nil when none
// was set.
func (r *Registry) Description(category string) (map[string]any, error) {
	t, err := r.table(category)
	if err != nil {
		return nil, err
	}
	if t.description == nil {
		return nil, nil
	}
	return deepCopyJSON(t.description).(map[string]any), nil
}

// Lookup returns a snapshot of one method entry.
func (r *Registry) Lookup(category, method string) (MethodInfo, error) {
	t, err := r.table(category)
	if err != nil {
		return MethodInfo{}, err
	}
	e, ok := t.methods[method]
	if !ok {
		return MethodInfo{}, fmt.Errorf("%w: method %s in category %s", ErrNotFound, method, t.path)
	}
	return MethodInfo{Name: method, Flags: e.flags, Stub: e.isStub(), HasCallSchema: e.call != nil}, nil
}

// CategoryInfo is a snapshot of one category table.
type CategoryInfo struct {
	Path    string       `json:"path"`
	Methods []MethodInfo `json:"methods"`
	Signals []string     `json:"signals"`
}

// Categories returns snapshots of every category, sorted by path.
func (r *Registry) Categories() []CategoryInfo {
	out := make([]CategoryInfo, 0, len(r.tables))
	for path, t := range r.tables {
		out = append(out, CategoryInfo{Path: path, Methods: t.methodInfos(), Signals: t.signalNames()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Dispatch routes an inbound call to its handler. It reports whether the
// handler ran; unknown methods and invalid payloads are answered here. The
// caller keeps its reference to msg.
func (r *Registry) Dispatch(ctx context.Context, msg *Message) bool {
	path := NormalizeCategory(msg.Category())

	var entry *methodEntry
	t := r.tables[path]
	if t != nil {
		entry = t.methods[msg.Method()]
	}
	if entry == nil || entry.isStub() {
		r.metrics.observeCall(r.bus, path, msg.Method(), resultUnknown)
		r.replyUnknown(msg, path)
		return false
	}

	msg.bind(t.userData, entry)

	if entry.flags&FlagDeprecated != 0 {
		r.log.Warn().
			Str("sender", msg.SenderServiceName()).
			Str("category", path).
			Str("method", msg.Method()).
			Msg("call to deprecated method")
	}

	if entry.flags&FlagValidateIn != 0 && !r.validateCall(entry, msg) {
		r.metrics.observeCall(r.bus, path, msg.Method(), resultInvalid)
		return false
	}

	if err := entry.fn(ctx, msg); err != nil {
		r.metrics.observeCall(r.bus, path, msg.Method(), resultError)
		r.log.Error().Err(err).
			Str("sender", msg.SenderServiceName()).
			Str("category", path).
			Str("method", msg.Method()).
			Msg("method handler failed")
		if rerr := msg.Respond(errorReply(-1, err.Error())); rerr != nil {
			r.log.Error().Err(rerr).Str("category", path).Str("method", msg.Method()).Msg("failed to send handler error reply")
		}
		return true
	}
	r.metrics.observeCall(r.bus, path, msg.Method(), resultOK)
	return true
}

// validateCall checks msg against the entry's call schema. On failure it
// replies with the validation error itself and returns false.
func (r *Registry) validateCall(entry *methodEntry, msg *Message) bool {
	path := NormalizeCategory(msg.Category())
	assertf(entry.call != nil, "validate call",
		"method %s of category %s expects validation but no call schema was compiled",
		msg.Method(), path)

	err := entry.call.Validate(msg.Payload())
	if err == nil {
		return true
	}

	text := err.Error()
	if ve, ok := err.(*ValidationError); ok {
		text = ve.Detail
	}
	payload, merr := json.Marshal(validationReply{ReturnValue: false, ErrorText: text})
	if merr != nil {
		payload = []byte(badReplyFallback)
	}

	r.metrics.observeValidationFailure(r.bus, path, msg.Method())
	r.log.Error().
		Str("msgid", "INVALID_CALL").
		Str("sender", msg.SenderServiceName()).
		Str("category", path).
		Str("method", msg.Method()).
		RawJSON("error", payload).
		Msgf("Validation failed for request %s", msg.Payload())

	if err := msg.Respond(payload); err != nil {
		r.log.Error().Err(err).Str("msgid", "INVALID_CALL_RESPOND").Msg("failed to reply to invalid call")
	}
	return false
}

func (r *Registry) replyUnknown(msg *Message, path string) {
	r.log.Warn().
		Str("sender", msg.SenderServiceName()).
		Str("category", path).
		Str("method", msg.Method()).
		Msg("call to unknown method")
	text := fmt.Sprintf("Unknown method %q for category %q", msg.Method(), path)
	if err := msg.Respond(errorReply(-1, text)); err != nil {
		r.log.Error().Err(err).Str("category", path).Msg("failed to reply to unknown method call")
	}
}

type validationReply struct {
	ReturnValue bool   `json:"returnValue"`
	ErrorText   string `json:"errorText"`
}

type errorReplyDoc struct {
	ReturnValue bool   `json:"returnValue"`
	ErrorCode   int    `json:"errorCode"`
	ErrorText   string `json:"errorText"`
}

func errorReply(code int, text string) []byte {
	b, err := json.Marshal(errorReplyDoc{ReturnValue: false, ErrorCode: code, ErrorText: text})
	if err != nil {
		return []byte(badReplyFallback)
	}
	return b
}
