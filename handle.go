// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// WatchID identifies a sender liveness watch.
type WatchID uint64

// CancelHookID identifies a cancel notification callback.
type CancelHookID uint64

// HandleOption configures a Handle
type HandleOption func(*Handle)

// WithLogger sets the handle's logger
func WithLogger(log zerolog.Logger) HandleOption {
	return func(h *Handle) { h.log = log }
}

// WithMetrics records dispatch and subscription metrics
func WithMetrics(m *Metrics) HandleOption {
	return func(h *Handle) { h.metrics = m }
}

// WithHandleTransport attaches the handle to a bus transport
func WithHandleTransport(t Transport) HandleOption {
	return func(h *Handle) { h.transport = t }
}

// WithBus marks which side of a dual service the handle serves
func WithBus(b Bus) HandleOption {
	return func(h *Handle) { h.bus = b }
}

// WithReplyValidation checks outgoing replies against the reply and
// firstReply schemas and logs mismatches
func WithReplyValidation() HandleOption {
	return func(h *Handle) { h.validateReplies = true }
}

// Handle is one attachment of a named service to a bus. Registration and
// subscription state is owned by the loop the handle is attached to: the
// transport only posts work to that loop.
type Handle struct {
	name      string
	bus       Bus
	reg       *Registry
	transport Transport
	log       zerolog.Logger
	metrics   *Metrics

	validateReplies bool

	loop     atomic.Pointer[Loop]
	ownLoop  *Loop
	priority atomic.Int32

	rolesMu sync.Mutex
	roles   []*Role

	// loop-owned state
	nextID      uint64
	watches     map[string]map[WatchID]func()
	watchOwner  map[WatchID]string
	cancelHooks map[CancelHookID]func(token string)
	points      map[*SubscriptionPoint]struct{}

	serveMu     sync.Mutex
	serveCancel context.CancelFunc
	serveDone   chan error
	closed      bool
}

// NewHandle creates a handle for the service name. Until AttachToLoop is
// called the handle queues work on a private loop that nothing runs.
func NewHandle(name string, opts ...HandleOption) *Handle {
	h := &Handle{
		name: name,
		bus:  BusPrivate,
		log:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.With().Str("service", name).Str("bus", string(h.bus)).Logger()

	h.reg = NewRegistry(h.log)
	h.reg.metrics = h.metrics
	h.reg.bus = h.bus
	if h.transport != nil {
		h.reg.announce = h.transport.AppendCategory
	}

	h.ownLoop = NewLoop()
	h.loop.Store(h.ownLoop)
	return h
}

// RegisterService creates a handle for one side of a service.
func RegisterService(name string, public bool, opts ...HandleOption) *Handle {
	bus := BusPrivate
	if public {
		bus = BusPublic
	}
	return NewHandle(name, append([]HandleOption{WithBus(bus)}, opts...)...)
}

func (h *Handle) Name() string           { return h.name }
func (h *Handle) Bus() Bus               { return h.bus }
func (h *Handle) IsPublic() bool         { return h.bus == BusPublic }
func (h *Handle) Registry() *Registry    { return h.reg }
func (h *Handle) Transport() Transport   { return h.transport }
func (h *Handle) Loop() *Loop            { return h.loop.Load() }
func (h *Handle) Priority() int          { return int(h.priority.Load()) }
func (h *Handle) Logger() zerolog.Logger { return h.log }

func (h *Handle) String() string {
	return fmt.Sprintf("service %q (%s bus)", h.name, h.bus)
}

// RegisterCategory strictly registers a new category.
func (h *Handle) RegisterCategory(category string, methods []Method, signals []Signal) error {
	return h.reg.RegisterCategory(category, methods, signals)
}

// RegisterCategoryAppend creates or extends a category.
func (h *Handle) RegisterCategoryAppend(category string, methods []Method, signals []Signal) error {
	return h.reg.RegisterCategoryAppend(category, methods, signals)
}

// SetCategoryData sets the user data of a category.
func (h *Handle) SetCategoryData(category string, data any) error {
	return h.reg.SetCategoryData(category, data)
}

// SetCategoryDescription applies a category description document.
func (h *Handle) SetCategoryDescription(category string, doc map[string]any) error {
	return h.reg.SetCategoryDescription(category, doc)
}

// AttachToLoop moves the handle onto loop and starts serving the transport.
// Work queued before the first attach is carried over.
func (h *Handle) AttachToLoop(loop *Loop) error {
	if loop == nil {
		return errors.New("busrpc: nil loop")
	}
	old := h.loop.Swap(loop)
	if old == h.ownLoop && old != loop && old.Len() > 0 {
		if err := loop.Post(h.Priority(), func() { old.Drain() }); err != nil {
			return err
		}
	}

	h.serveMu.Lock()
	defer h.serveMu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if h.transport == nil || h.serveCancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.serveCancel = cancel
	h.serveDone = make(chan error, 1)
	go func() {
		err := h.transport.Serve(ctx, h)
		if err != nil && !errors.Is(err, context.Canceled) {
			h.log.Error().Err(err).Str("addr", h.transport.Addr()).Msg("transport stopped serving")
		}
		h.serveDone <- err
	}()
	h.log.Info().Str("addr", h.transport.Addr()).Msg("attached to loop")
	return nil
}

// SetPriority sets the loop priority of the handle's inbound work.
func (h *Handle) SetPriority(priority int) error {
	h.priority.Store(int32(priority))
	if ps, ok := h.transport.(PrioritySetter); ok {
		if err := ps.SetPriority(priority); err != nil {
			return fmt.Errorf("%w: set priority: %v", ErrTransport, err)
		}
	}
	return nil
}

// PushRole loads a role file and applies it to the handle.
func (h *Handle) PushRole(path string) error {
	role, err := LoadRole(path)
	if err != nil {
		return err
	}
	if !role.Allows(h.name) {
		return fmt.Errorf("%w: role %s does not allow service name %q", ErrNotFound, path, h.name)
	}
	if rp, ok := h.transport.(RolePusher); ok {
		if err := rp.PushRole(role); err != nil {
			return fmt.Errorf("%w: push role %s: %v", ErrTransport, path, err)
		}
	}
	h.rolesMu.Lock()
	h.roles = append(h.roles, role)
	h.rolesMu.Unlock()
	return nil
}

// Roles returns the roles pushed so far.
func (h *Handle) Roles() []*Role {
	h.rolesMu.Lock()
	defer h.rolesMu.Unlock()
	return append([]*Role(nil), h.roles...)
}

func (h *Handle) post(fn func()) error {
	return h.Loop().Post(h.Priority(), fn)
}

// Exec runs fn on the handle's loop and waits for it. Use it to read
// loop-owned state from other goroutines.
func (h *Handle) Exec(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := h.post(func() { defer close(done); fn() }); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deliver queues an inbound call for dispatch on the handle's loop. On
// success the handle owns the transport's reference to msg; on error the
// caller keeps it.
func (h *Handle) Deliver(ctx context.Context, msg *Message) error {
	return h.post(func() { h.Dispatch(ctx, msg) })
}

// Dispatch runs an inbound call on the calling goroutine and drops the
// caller's reference to msg afterwards.
func (h *Handle) Dispatch(ctx context.Context, msg *Message) bool {
	defer msg.Release()
	return h.reg.Dispatch(ctx, msg)
}

// DeliverCancel queues a cancel notification for a call token.
func (h *Handle) DeliverCancel(token string) error {
	return h.post(func() { h.fireCancel(token) })
}

// DeliverDisconnect queues the disconnect of a sender.
func (h *Handle) DeliverDisconnect(sender string) error {
	return h.post(func() { h.fireDisconnect(sender) })
}

// OnCancel registers fn to run when a caller cancels one of its calls.
func (h *Handle) OnCancel(fn func(token string)) CancelHookID {
	if h.cancelHooks == nil {
		h.cancelHooks = make(map[CancelHookID]func(string))
	}
	h.nextID++
	id := CancelHookID(h.nextID)
	h.cancelHooks[id] = fn
	return id
}

// RemoveCancelHook unregisters a cancel callback.
func (h *Handle) RemoveCancelHook(id CancelHookID) {
	delete(h.cancelHooks, id)
}

func (h *Handle) fireCancel(token string) {
	ids := make([]CancelHookID, 0, len(h.cancelHooks))
	for id := range h.cancelHooks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		// earlier hooks may have removed later ones
		if fn, ok := h.cancelHooks[id]; ok {
			fn(token)
		}
	}
}

// WatchSender registers a one-shot callback for the disconnect of sender.
// If the sender is already gone the callback is queued right away; it never
// runs inside WatchSender.
func (h *Handle) WatchSender(sender string, fn func()) WatchID {
	if h.watches == nil {
		h.watches = make(map[string]map[WatchID]func())
		h.watchOwner = make(map[WatchID]string)
	}
	h.nextID++
	id := WatchID(h.nextID)
	ws, ok := h.watches[sender]
	if !ok {
		ws = make(map[WatchID]func())
		h.watches[sender] = ws
	}
	ws[id] = fn
	h.watchOwner[id] = sender

	if h.transport != nil && !h.transport.Connected(sender) {
		if err := h.post(func() { h.fireDisconnect(sender) }); err != nil {
			h.log.Error().Err(err).Str("sender", sender).Msg("cannot queue disconnect of departed sender")
		}
	}
	return id
}

// CancelWatch removes a liveness watch. Unknown ids are ignored.
func (h *Handle) CancelWatch(id WatchID) {
	sender, ok := h.watchOwner[id]
	if !ok {
		return
	}
	delete(h.watchOwner, id)
	ws := h.watches[sender]
	delete(ws, id)
	if len(ws) == 0 {
		delete(h.watches, sender)
	}
}

// WatchCount returns the number of registered liveness watches.
func (h *Handle) WatchCount() int { return len(h.watchOwner) }

func (h *Handle) fireDisconnect(sender string) {
	ws := h.watches[sender]
	if len(ws) == 0 {
		return
	}
	delete(h.watches, sender)
	ids := make([]WatchID, 0, len(ws))
	for id := range ws {
		ids = append(ids, id)
		delete(h.watchOwner, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	h.log.Debug().Str("sender", sender).Int("watches", len(ids)).Msg("sender disconnected")
	for _, id := range ids {
		ws[id]()
	}
}

func (h *Handle) addPoint(p *SubscriptionPoint) {
	if h.points == nil {
		h.points = make(map[*SubscriptionPoint]struct{})
	}
	h.points[p] = struct{}{}
}

func (h *Handle) removePoint(p *SubscriptionPoint) {
	delete(h.points, p)
}

// SubscriptionInfo describes one tracked subscription.
type SubscriptionInfo struct {
	Token    string `json:"token"`
	Sender   string `json:"sender"`
	Service  string `json:"serviceName,omitempty"`
	Category string `json:"category"`
	Method   string `json:"method"`
}

// Subscriptions returns every subscription tracked by points bound to h.
func (h *Handle) Subscriptions() []SubscriptionInfo {
	var out []SubscriptionInfo
	for p := range h.points {
		out = append(out, p.infos()...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out
}

// Close stops the transport and flushes every subscription point bound to
// the handle. Call it from the loop goroutine or after the loop stopped.
func (h *Handle) Close() error {
	h.serveMu.Lock()
	if h.closed {
		h.serveMu.Unlock()
		return nil
	}
	h.closed = true
	cancel, done := h.serveCancel, h.serveDone
	h.serveMu.Unlock()

	for p := range h.points {
		p.Close()
	}

	var err error
	if h.transport != nil {
		if cancel != nil {
			cancel()
		}
		err = h.transport.Close()
		if done != nil {
			<-done
		}
	}
	return err
}
