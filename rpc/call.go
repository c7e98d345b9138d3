package rpc

import (
	"context"
	"fmt"

	"tunnelctl/codec"
	"tunnelctl/rpcerr"
)

// Notify sends a fire-and-forget request carrying no id: used for things
// like servermsg/serverlog where the peer does not answer.
func (d *Dispatcher) Notify(method string, params any) error {
	return d.write(&envelope{Method: method, Params: toParamsMap(d.codec, params)})
}

// Call sends a request and blocks until its reply arrives, ctx is
// cancelled, or Close unblocks every pending call. R is the expected
// result shape; Call is a free function because Go forbids a generic
// method on Dispatcher.
func Call[R any](ctx context.Context, d *Dispatcher, method string, params any) (R, error) {
	var zero R

	id := d.nextID.Add(1)
	pc := &pendingCall{reply: make(chan *envelope, 1)}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return zero, fmt.Errorf("rpc: dispatcher closed")
	}
	d.pending[id] = pc
	d.mu.Unlock()

	env := envelope{ID: &id, Method: method, Params: toParamsMap(d.codec, params)}
	if err := d.write(&env); err != nil {
		d.mu.Lock()
		delete(d.pending, id)
		d.mu.Unlock()
		return zero, err
	}

	select {
	case reply := <-pc.reply:
		if reply == nil {
			return zero, fmt.Errorf("rpc: call to %q cancelled: connection closed", method)
		}
		if reply.Error != nil {
			return zero, rpcerr.New(reply.Error.Code, reply.Error.Message)
		}
		var out R
		if err := decodeParams(d.codec, reply.Result, &out); err != nil {
			return zero, fmt.Errorf("rpc: decode result of %q: %w", method, err)
		}
		return out, nil
	case <-ctx.Done():
		d.mu.Lock()
		delete(d.pending, id)
		d.mu.Unlock()
		return zero, ctx.Err()
	}
}

// toParamsMap round-trips a typed params value through the connection's
// serializer into the map[string]any shape envelope.Params carries,
// mirroring how decodeParams goes the other direction.
func toParamsMap(c codec.Serializer, params any) map[string]any {
	if params == nil {
		return nil
	}
	raw := c.Encode(params)
	var m map[string]any
	if err := c.Decode(raw, &m); err != nil {
		return nil
	}
	return m
}
