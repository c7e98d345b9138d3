package control

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"golang.org/x/time/rate"

	"tunnelctl/bridge"
	"tunnelctl/rpc"
	"tunnelctl/rpcerr"
)

// Register binds every RPC method of the control surface onto d.
// httpbody is registered under its own name here rather than shadowing
// unforward under a shared name.
func Register(d *rpc.Dispatcher, c *Context) {
	rpc.RegisterSync(d, "ping", c.handlePing)
	rpc.RegisterSync(d, "gethostname", c.handleGetHostname)
	rpc.RegisterAsync(d, "serve", c.handleServe)
	rpc.RegisterAsync(d, "update", c.handleUpdate)
	rpc.RegisterSync(d, "servermsg", c.handleServerMsg)
	rpc.RegisterSync(d, "prune", c.handlePrune)
	rpc.RegisterAsync(d, "callserverhttp", c.handleCallServerHTTP)
	rpc.RegisterAsync(d, "forward", c.handleForward)
	rpc.RegisterAsync(d, "unforward", c.handleUnforward)
	rpc.RegisterSync(d, "httpheaders", c.http.HandleHeaders)
	rpc.RegisterSync(d, "httpbody", c.http.HandleBody)

	// serve can install and launch a whole editor-server process and
	// dials a fresh connection to it per call, and callserverhttp opens a
	// fresh connection to it per call; both
	// are guarded against a runaway local peer hammering either one.
	d.WithRateLimit("serve", rate.Limit(2), 4)
	d.WithRateLimit("callserverhttp", rate.Limit(20), 40)
}

func (c *Context) handlePing(ctx context.Context, _ PingParams) (PingResult, error) {
	return PingResult{}, nil
}

func (c *Context) handleGetHostname(ctx context.Context, _ PingParams) (HostnameResult, error) {
	host, err := os.Hostname()
	if err != nil {
		return HostnameResult{}, fmt.Errorf("control: hostname: %w", err)
	}
	return HostnameResult{Value: host}, nil
}

func (c *Context) handleServe(ctx context.Context, p ServeParams) (ServeResult, error) {
	mode := LaunchMode{CommitID: p.CommitID, Quality: p.Quality, Extensions: p.Extensions}

	server, err := c.ensureServer(ctx, mode, p)
	if err != nil {
		return ServeResult{}, err
	}

	conn, err := c.dial(ctx, server.Socket)
	if err != nil {
		return ServeResult{}, fmt.Errorf("control: dial editor server: %w", err)
	}

	socketID := p.SocketID
	notifier := func(body []byte) error {
		return c.dispatcher.Notify("servermsg", ServerMsgParams{I: socketID, Body: body})
	}
	b := bridge.New(socketID, conn, p.Compress, notifier, c.log)
	if err := c.multiplexer.Register(b); err != nil {
		b.Close()
		return ServeResult{}, err
	}
	return ServeResult{}, nil
}

// ensureServer implements serve's install-or-reuse logic: the
// editor-server handle is guarded by Context.mu so it is initialized
// exactly once per context.
func (c *Context) ensureServer(ctx context.Context, mode LaunchMode, p ServeParams) (*RunningServer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.server != nil {
		if !c.server.LaunchMode.Equal(mode) {
			return nil, rpcerr.ErrMismatchedLaunchMode
		}
		return c.server, nil
	}

	if running, err := c.editor.GetRunning(ctx); err == nil && running != nil {
		c.server = running
		c.server.LaunchMode = mode
		return c.server, nil
	}

	sink := c.serverLogSink()
	downloader := c.downloaderFor(p.UseLocalDownload)

	if err := c.editor.Setup(ctx, p.ConnectionToken, downloader, sink); err != nil {
		return nil, fmt.Errorf("control: setup editor server: %w", err)
	}

	server, err := c.editor.ListenOnDefaultSocket(ctx, LaunchArgs{
		LaunchMode:       mode,
		ConnectionToken:  p.ConnectionToken,
		UseLocalDownload: p.UseLocalDownload,
		Platform:         c.config.Platform,
	}, sink)
	if err != nil {
		return nil, fmt.Errorf("control: launch editor server: %w", err)
	}
	server.LaunchMode = mode
	c.server = server
	return c.server, nil
}

// handleUpdate implements update's idempotence invariant: of N
// concurrent calls with do_update=true, the CompareAndSwap on
// didUpdate admits exactly one winner to actually perform the update.
func (c *Context) handleUpdate(ctx context.Context, p UpdateParams) (UpdateResult, error) {
	upToDate, err := c.update.CheckUpdate(ctx)
	if err != nil {
		return UpdateResult{}, fmt.Errorf("control: check update: %w", err)
	}

	if p.DoUpdate && !c.config.IntegratedCLI && !upToDate {
		if c.didUpdate.CompareAndSwap(false, true) {
			if err := c.update.PerformUpdate(ctx); err != nil {
				c.didUpdate.Store(false)
				return UpdateResult{}, fmt.Errorf("control: perform update: %w", err)
			}
		}
		upToDate = true
	}

	return UpdateResult{UpToDate: upToDate, DidUpdate: c.didUpdate.Load()}, nil
}

func (c *Context) handleServerMsg(ctx context.Context, p ServerMsgParams) (ServerMsgResult, error) {
	if !c.multiplexer.WriteMessage(p.I, p.Body) {
		return ServerMsgResult{}, rpcerr.ErrNoAttachedServer
	}
	return ServerMsgResult{}, nil
}

func (c *Context) handlePrune(ctx context.Context, _ PingParams) (PruneResult, error) {
	paths, err := c.pruner.Prune(ctx)
	if err != nil {
		return PruneResult{}, fmt.Errorf("control: prune: %w", err)
	}
	return PruneResult{Paths: paths}, nil
}

// handleCallServerHTTP opens a fresh HTTP/1 connection over the editor
// server's local socket for one request. It writes the request and
// parses the response by hand rather than through http.Client, since
// the standard client only dials network addresses, not an arbitrary
// local socket connection this handler already holds open.
func (c *Context) handleCallServerHTTP(ctx context.Context, p CallServerHTTPParams) (CallServerHTTPResult, error) {
	c.mu.Lock()
	server := c.server
	c.mu.Unlock()
	if server == nil {
		return CallServerHTTPResult{}, rpcerr.ErrNoAttachedServer
	}

	conn, err := c.dial(ctx, server.Socket)
	if err != nil {
		return CallServerHTTPResult{}, fmt.Errorf("control: dial editor server: %w", err)
	}
	defer conn.Close()

	req, err := http.NewRequestWithContext(ctx, p.Method, "http://editor-server"+p.Path, bytes.NewReader(p.Body))
	if err != nil {
		return CallServerHTTPResult{}, fmt.Errorf("control: build editor server request: %w", err)
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	if err := req.Write(conn); err != nil {
		return CallServerHTTPResult{}, fmt.Errorf("control: write editor server request: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		return CallServerHTTPResult{}, fmt.Errorf("control: read editor server response: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CallServerHTTPResult{}, fmt.Errorf("control: read editor server body: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return CallServerHTTPResult{Status: resp.StatusCode, Headers: headers, Body: body}, nil
}

func (c *Context) handleForward(ctx context.Context, p ForwardParams) (ForwardResult, error) {
	uri, err := c.portForward.Forward(ctx, p.Port)
	if err != nil {
		return ForwardResult{}, fmt.Errorf("control: forward: %w", err)
	}
	return ForwardResult{URI: uri}, nil
}

func (c *Context) handleUnforward(ctx context.Context, p UnforwardParams) (UnforwardResult, error) {
	if err := c.portForward.Unforward(ctx, p.Port); err != nil {
		return UnforwardResult{}, fmt.Errorf("control: unforward: %w", err)
	}
	return UnforwardResult{}, nil
}
