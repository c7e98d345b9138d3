// Package delegatedhttp implements the outbound-HTTP facade that, rather
// than opening sockets locally, turns a request into an RPC round-trip
// with the connected client.
package delegatedhttp

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Response is the result of a GET, whether served directly or delegated.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// Getter is the common shape of DirectClient, Facade, and Fallback, so
// any of the three can stand in for the others.
type Getter interface {
	Get(ctx context.Context, url string) (Response, error)
}

// Notifier is the subset of rpc.Dispatcher the facade needs to originate
// the makehttpreq notification.
type Notifier interface {
	Notify(method string, params any) error
}

type pendingRequest struct {
	mu     sync.Mutex
	result Response
	body   bytes.Buffer
	err    error
	done   chan struct{}
}

// nextReqID is the process-wide req_id counter shared by every Facade,
// so no two delegated requests in flight in this process share an id.
var nextReqID atomic.Uint32

// Facade parks one pendingRequest per in-flight delegated GET, keyed by a
// fresh req_id, and completes it as HandleHeaders/HandleBody are fed by
// the control connection's httpheaders/httpbody handlers.
type Facade struct {
	notifier Notifier
	log      *zap.Logger

	mu      sync.Mutex
	pending map[uint32]*pendingRequest
}

func New(notifier Notifier, log *zap.Logger) *Facade {
	return &Facade{notifier: notifier, log: log, pending: make(map[uint32]*pendingRequest)}
}

// Get allocates a fresh req_id, emits makehttpreq, and blocks until the
// client's httpbody stream delivers complete=true, ctx is cancelled, or
// the connection the Notifier belongs to tears down (a bare send
// failure). It returns the fully assembled body rather than an
// incrementally-streamed reader — see DESIGN.md.
func (f *Facade) Get(ctx context.Context, url string) (Response, error) {
	reqID := nextReqID.Add(1)
	pr := &pendingRequest{done: make(chan struct{})}

	f.mu.Lock()
	f.pending[reqID] = pr
	f.mu.Unlock()

	if err := f.notifier.Notify("makehttpreq", MakeHTTPReqParams{URL: url, Method: "GET", ReqID: reqID}); err != nil {
		f.remove(reqID)
		return Response{}, fmt.Errorf("delegatedhttp: emit makehttpreq: %w", err)
	}

	select {
	case <-pr.done:
		pr.mu.Lock()
		defer pr.mu.Unlock()
		return pr.result, pr.err
	case <-ctx.Done():
		f.remove(reqID)
		return Response{}, ctx.Err()
	}
}

// HandleHeaders feeds a delegated response's status and headers,
// answering the httpheaders RPC method. A req_id with no pending
// request (already completed, or never originated by this process) is
// ignored.
func (f *Facade) HandleHeaders(ctx context.Context, p HeadersParams) (struct{}, error) {
	pr := f.lookup(p.ReqID)
	if pr == nil {
		return struct{}{}, nil
	}
	pr.mu.Lock()
	pr.result.StatusCode = p.StatusCode
	pr.result.Headers = p.Headers
	pr.mu.Unlock()
	return struct{}{}, nil
}

// HandleBody feeds one body segment, answering the httpbody RPC
// method. The segment carrying Complete true finalizes the request and
// removes it from the pending map.
func (f *Facade) HandleBody(ctx context.Context, p BodyParams) (struct{}, error) {
	pr := f.lookup(p.ReqID)
	if pr == nil {
		return struct{}{}, nil
	}

	pr.mu.Lock()
	if len(p.Segment) > 0 {
		pr.body.Write(p.Segment)
	}
	if p.Complete {
		pr.result.Body = append([]byte(nil), pr.body.Bytes()...)
	}
	pr.mu.Unlock()

	if p.Complete {
		f.remove(p.ReqID)
		close(pr.done)
	}
	return struct{}{}, nil
}

func (f *Facade) lookup(reqID uint32) *pendingRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending[reqID]
}

func (f *Facade) remove(reqID uint32) {
	f.mu.Lock()
	delete(f.pending, reqID)
	f.mu.Unlock()
}

// Pending reports how many delegated requests are still in flight; used
// by tests to confirm the map drains.
func (f *Facade) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// Cancel aborts every in-flight request, delivering an error to each
// caller blocked in Get. Called when the owning connection tears down.
func (f *Facade) Cancel(err error) {
	f.mu.Lock()
	pending := f.pending
	f.pending = make(map[uint32]*pendingRequest)
	f.mu.Unlock()

	for _, pr := range pending {
		pr.mu.Lock()
		pr.err = err
		pr.mu.Unlock()
		close(pr.done)
	}
}
