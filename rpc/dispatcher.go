// Package rpc implements the request/notification/reply dispatcher shared
// by the control connection and the singleton channel. A single
// Dispatcher implementation is parametrized over codec.Serializer
// so the same request-routing, correlation, and rate-limiting logic
// serves both the msgpack control wire and the line-delimited JSON
// singleton wire.
package rpc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"tunnelctl/codec"
	"tunnelctl/rpcerr"
)

// SyncHandler answers a request inline, before Dispatch returns.
type SyncHandler func(ctx context.Context, params map[string]any) (any, error)

// AsyncHandler answers a request from a detached goroutine. The
// dispatcher hands its return value to the writer once it completes,
// one goroutine per in-flight request.
type AsyncHandler func(ctx context.Context, params map[string]any) (any, error)

// NotificationHandler handles a method call that carries no id and
// expects no reply.
type NotificationHandler func(ctx context.Context, params map[string]any)

type pendingCall struct {
	reply chan *envelope
}

// Dispatcher routes inbound envelopes to registered handlers and
// correlates outbound calls with their replies. One Dispatcher serves
// one connection.
type Dispatcher struct {
	codec  codec.Serializer
	send   func([]byte) error
	log    *zap.Logger
	nextID atomic.Uint32

	mu       sync.Mutex
	sync_    map[string]SyncHandler
	async    map[string]AsyncHandler
	notify   map[string]NotificationHandler
	limiters map[string]*rate.Limiter
	pending  map[uint32]*pendingCall
	closed   bool
}

// New builds a Dispatcher that serializes outbound envelopes with c and
// hands the resulting bytes to send (typically a frame.Writer.WriteFrame
// or a codec.JSONLine-newline-terminated conn write).
func New(c codec.Serializer, send func([]byte) error, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		codec:    c,
		send:     send,
		log:      log,
		sync_:    make(map[string]SyncHandler),
		async:    make(map[string]AsyncHandler),
		notify:   make(map[string]NotificationHandler),
		limiters: make(map[string]*rate.Limiter),
		pending:  make(map[uint32]*pendingCall),
	}
}

// RegisterSync registers a typed request handler invoked inline. It is a
// free function, not a method, because Go does not allow a generic method
// on a non-generic receiver type.
func RegisterSync[P, R any](d *Dispatcher, method string, h func(ctx context.Context, p P) (R, error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sync_[method] = func(ctx context.Context, params map[string]any) (any, error) {
		var p P
		if err := decodeParams(d.codec, params, &p); err != nil {
			return nil, rpcerr.ErrInvalidRPCData
		}
		return h(ctx, p)
	}
}

// RegisterAsync registers a typed request handler run on its own
// goroutine; its result is funneled back through Dispatch's write path
// once it completes.
func RegisterAsync[P, R any](d *Dispatcher, method string, h func(ctx context.Context, p P) (R, error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.async[method] = func(ctx context.Context, params map[string]any) (any, error) {
		var p P
		if err := decodeParams(d.codec, params, &p); err != nil {
			return nil, rpcerr.ErrInvalidRPCData
		}
		return h(ctx, p)
	}
}

// RegisterNotification registers a handler for a method called without an
// id; it has no reply to send and its completion is fire-and-forget.
func RegisterNotification[P any](d *Dispatcher, method string, h func(ctx context.Context, p P)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notify[method] = func(ctx context.Context, params map[string]any) {
		var p P
		if err := decodeParams(d.codec, params, &p); err != nil {
			d.log.Warn("rpc: dropping malformed notification", zap.String("method", method), zap.Error(err))
			return
		}
		h(ctx, p)
	}
}

// WithRateLimit attaches a token-bucket limiter to method, built once
// and reused across calls rather than reconstructed per request.
func (d *Dispatcher) WithRateLimit(method string, r rate.Limit, burst int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.limiters[method] = rate.NewLimiter(r, burst)
}

func decodeParams(c codec.Serializer, params any, out any) error {
	// params arrives already decoded once into a generic shape
	// (map[string]any for request params, or whatever the serializer
	// produced for a reply's `any` result field); round-trip it back
	// through the same serializer to land it in the caller's typed
	// struct instead of hand-rolling a generic-to-struct copier.
	raw := c.Encode(params)
	return c.Decode(raw, out)
}

// Dispatch decodes one inbound frame and routes it: a reply frame
// resolves (and removes) a pending outbound call; a notification frame
// (no id) runs its handler inline and sends no reply; a request frame with
// a sync handler answers before Dispatch returns; a request frame with an
// async handler spawns a goroutine that writes its own reply when done.
func (d *Dispatcher) Dispatch(ctx context.Context, frame []byte) error {
	var env envelope
	if err := d.codec.Decode(frame, &env); err != nil {
		return fmt.Errorf("rpc: decode envelope: %w", err)
	}

	if env.isReply() {
		d.resolvePending(&env)
		return nil
	}

	if env.isNotification() {
		d.mu.Lock()
		h, ok := d.notify[env.Method]
		d.mu.Unlock()
		if !ok {
			d.log.Debug("rpc: no handler for notification", zap.String("method", env.Method))
			return nil
		}
		h(ctx, env.Params)
		return nil
	}

	if lim := d.limiterFor(env.Method); lim != nil && !lim.Allow() {
		return d.reply(*env.ID, nil, rpcerr.ErrRateLimited)
	}

	d.mu.Lock()
	sh, isSync := d.sync_[env.Method]
	ah, isAsync := d.async[env.Method]
	d.mu.Unlock()

	switch {
	case isSync:
		result, err := sh(ctx, env.Params)
		return d.reply(*env.ID, result, err)
	case isAsync:
		id := *env.ID
		go func() {
			result, err := ah(ctx, env.Params)
			if rerr := d.reply(id, result, err); rerr != nil {
				d.log.Warn("rpc: writing async reply failed", zap.String("method", env.Method), zap.Error(rerr))
			}
		}()
		return nil
	default:
		return d.reply(*env.ID, nil, rpcerr.ErrMethodNotFound)
	}
}

func (d *Dispatcher) limiterFor(method string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.limiters[method]
}

func (d *Dispatcher) reply(id uint32, result any, err error) error {
	env := envelope{ID: &id, Result: result}
	if err != nil {
		env.Result = nil
		if de, ok := err.(*rpcerr.Error); ok {
			env.Error = &WireError{Code: de.Code, Message: de.Message}
		} else {
			env.Error = &WireError{Code: "Internal", Message: err.Error()}
		}
	}
	return d.write(&env)
}

func (d *Dispatcher) write(env *envelope) error {
	return d.send(d.codec.Encode(env))
}

func (d *Dispatcher) resolvePending(env *envelope) {
	if env.ID == nil {
		return
	}
	d.mu.Lock()
	pc, ok := d.pending[*env.ID]
	if ok {
		delete(d.pending, *env.ID)
	}
	d.mu.Unlock()
	if !ok {
		d.log.Debug("rpc: reply for unknown or already-resolved call", zap.Uint32("id", *env.ID))
		return
	}
	pc.reply <- env
}

// Close cancels every call still awaiting a reply, delivering a nil
// envelope to each waiter so Call returns an error rather than blocking
// forever when the connection tears down.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	pending := d.pending
	d.pending = make(map[uint32]*pendingCall)
	d.mu.Unlock()

	for _, pc := range pending {
		pc.reply <- nil
	}
}
