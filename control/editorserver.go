package control

import (
	"context"

	"tunnelctl/bridge"
	"tunnelctl/delegatedhttp"
)

// EditorConn is the connection type bridges and callserverhttp dial to
// talk to the embedded editor server.
type EditorConn = bridge.EditorConn

// This file names the narrow interfaces the core calls into for its
// external collaborators: installing and launching the editor server,
// self-update, port forwarding, and state pruning. Production wiring
// supplies real implementations in cmd/tunnelagent; tests supply fakes.

// LaunchMode identifies which editor-server build and extension set a
// connection asked for. Two serve calls on the same connection must
// agree on LaunchMode or the second is rejected with MismatchedLaunchMode.
type LaunchMode struct {
	CommitID   string
	Quality    string
	Extensions []string
}

func (m LaunchMode) Equal(o LaunchMode) bool {
	if m.CommitID != o.CommitID || m.Quality != o.Quality || len(m.Extensions) != len(o.Extensions) {
		return false
	}
	for i, e := range m.Extensions {
		if o.Extensions[i] != e {
			return false
		}
	}
	return true
}

// LaunchArgs is what a Context passes to EditorServer.ListenOnDefaultSocket
// to start a fresh instance.
type LaunchArgs struct {
	LaunchMode
	ConnectionToken  string
	UseLocalDownload bool
	// Platform is the host platform tag from Config, threaded through so
	// the launched editor server can be selected/started for this host.
	Platform string
}

// RunningServer is the editor-server handle cached in a Context once an
// instance is up.
type RunningServer struct {
	// Socket is the local socket or named pipe address callserverhttp
	// and serve dial into.
	Socket  string
	Version string
	LaunchMode
}

// ServerLogFunc receives one line the editor-server install/launch
// process logged. Setup and ListenOnDefaultSocket call it as they go so
// the connected client can mirror install progress; it is how
// EditorServer reports what it's doing without returning a value.
type ServerLogFunc func(level uint8, line string)

// EditorServer is the collaborator that installs, probes, and launches
// the embedded editor server.
type EditorServer interface {
	// GetRunning probes for an editor server already running outside
	// this process (e.g. left over from a previous connection on the
	// same host). A nil, nil return means none was found.
	GetRunning(ctx context.Context) (*RunningServer, error)
	// Setup installs the editor server if it is not already present,
	// fetching the install artifact through download (the delegated-HTTP
	// facade, or a Fallback from the direct client to the facade,
	// depending on the serve call's use_local_download flag) and streaming progress
	// through log.
	Setup(ctx context.Context, connectionToken string, download delegatedhttp.Getter, log ServerLogFunc) error
	// ListenOnDefaultSocket starts the editor server and returns its
	// socket address, streaming progress through log.
	ListenOnDefaultSocket(ctx context.Context, args LaunchArgs, log ServerLogFunc) (*RunningServer, error)
}

// UpdateService is the self-update collaborator driving the update RPC
// method.
type UpdateService interface {
	// CheckUpdate reports whether the running binary is already
	// up to date.
	CheckUpdate(ctx context.Context) (upToDate bool, err error)
	// PerformUpdate downloads and installs a newer build in place.
	PerformUpdate(ctx context.Context) error
}

// Pruner reaps stopped editor-server state directories for the prune
// RPC method.
type Pruner interface {
	Prune(ctx context.Context) (paths []string, err error)
}

// PortForwarder is the cloud tunnel port allocation collaborator
// driving forward/unforward.
type PortForwarder interface {
	Forward(ctx context.Context, port uint16) (uri string, err error)
	Unforward(ctx context.Context, port uint16) error
}

// Dialer opens a connection to the editor server's local socket address,
// shared by serve (to attach a bridge) and callserverhttp (for a
// one-shot HTTP/1 request).
type Dialer func(ctx context.Context, address string) (bridge.EditorConn, error)
