package control

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"tunnelctl/bridge"
	"tunnelctl/delegatedhttp"
	"tunnelctl/rpc"
)

var errConnectionClosed = fmt.Errorf("control: connection closed")

// Context is the per-connection handler context: the concrete RPC
// surface of the control server is a set of methods bound to one of
// these. One Context is created per connection and disposed when the
// connection task returns.
type Context struct {
	log *zap.Logger

	dispatcher  *rpc.Dispatcher
	multiplexer *bridge.Multiplexer
	http        *delegatedhttp.Facade

	editor      EditorServer
	update      UpdateService
	pruner      Pruner
	portForward PortForwarder
	dial        Dialer
	config      Config

	didUpdate atomic.Bool

	mu     sync.Mutex
	server *RunningServer
}

// NewContext wires one connection's handler context. deps supplies the
// external collaborators (editor server, updater, pruner, port
// forwarder) the control methods delegate to; d is the connection's
// dispatcher, used both to register methods (see Register) and to emit
// unsolicited notifications (servermsg, makehttpreq).
func NewContext(d *rpc.Dispatcher, deps ServerDeps, log *zap.Logger) *Context {
	c := &Context{
		log:         log,
		dispatcher:  d,
		multiplexer: bridge.NewMultiplexer(log),
		editor:      deps.Editor,
		update:      deps.Update,
		pruner:      deps.Pruner,
		portForward: deps.PortForward,
		dial:        deps.Dial,
		config:      deps.Config,
	}
	c.http = delegatedhttp.New(d, log)
	return c
}

// DidUpdate reports whether an update handler on this connection set the
// one-shot did_update flag.
func (c *Context) DidUpdate() bool { return c.didUpdate.Load() }

// downloaderFor selects the Getter the editor-server install step fetches
// its artifact through: the delegated facade alone when the client set
// use_local_download, or a Fallback that tries a direct request first
// and only delegates to the client on failure otherwise (spec §4.5/§4.9).
func (c *Context) downloaderFor(useLocalDownload bool) delegatedhttp.Getter {
	if useLocalDownload {
		return c.http
	}
	return delegatedhttp.NewFallback(delegatedhttp.NewDirectClient(), c.http, c.log)
}

// serverLogSink returns a ServerLogFunc that mirrors each line as a
// serverlog notification toward the connected client.
func (c *Context) serverLogSink() ServerLogFunc {
	return func(level uint8, line string) {
		if err := c.dispatcher.Notify("serverlog", ServerLogParams{Line: line, Level: level}); err != nil {
			c.log.Debug("control: serverlog notify failed", zap.Error(err))
		}
	}
}

// Dispose tears down everything the connection accumulated: every
// attached bridge and every in-flight delegated HTTP request.
func (c *Context) Dispose() {
	c.multiplexer.Dispose()
	c.http.Cancel(errConnectionClosed)
}
