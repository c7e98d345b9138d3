// Command tunnelagent runs the control plane of a remote-development
// tunnel agent: it accepts connections on a control port, bridges them to
// an embedded editor server, and lets a second invocation on the same
// host attach to it through a local singleton socket instead of starting
// a duplicate tunnel.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"runtime"
	"time"

	"go.uber.org/zap"

	"tunnelctl/control"
	"tunnelctl/delegatedhttp"
	"tunnelctl/singleton"
)

func main() {
	var (
		controlAddr   = flag.String("control-addr", "127.0.0.1:0", "address to listen on for the control connection")
		singletonPath = flag.String("singleton-socket", defaultSingletonPath(), "unix socket path for the singleton IPC channel")
		version       = flag.String("version", "dev", "reported version string")
		integratedCLI = flag.Bool("integrated", false, "suppress self-update (binary embedded in a larger product)")
		platform      = flag.String("platform", runtime.GOOS, "host platform tag threaded into editor-server launch arguments")
		verbose       = flag.Bool("v", false, "enable debug logging")
	)
	flag.Parse()

	log, err := newLogger(*verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tunnelagent: logger setup failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if attachToRunningInstance(*singletonPath, log) {
		return
	}

	os.Exit(runPrimary(*controlAddr, *singletonPath, *version, *integratedCLI, *platform, log))
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func defaultSingletonPath() string {
	return os.TempDir() + "/tunnelagent.sock"
}

// attachToRunningInstance tries to dial an existing primary's singleton
// socket. If one answers, this invocation becomes a console attached to
// it and the caller must not start its own tunnel.
func attachToRunningInstance(path string, log *zap.Logger) (exitEntirely bool) {
	conn, err := net.DialTimeout("unix", path, 500*time.Millisecond)
	if err != nil {
		return false
	}
	defer conn.Close()

	interactive := isTerminal(os.Stdin)
	return singleton.RunClient(context.Background(), conn, os.Stdin, os.Stdout, interactive, log)
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

// runPrimary starts the control server and the singleton host, wiring
// the external collaborators (editor server setup/launch, self-update,
// cloud tunnel port allocation) from stubs — production builds
// substitute real implementations here.
func runPrimary(controlAddr, singletonSockPath, version string, integratedCLI bool, platform string, log *zap.Logger) int {
	ln, err := net.Listen("tcp", controlAddr)
	if err != nil {
		log.Error("tunnelagent: listen on control address failed", zap.Error(err))
		return 1
	}
	defer ln.Close()
	log.Info("tunnelagent: listening", zap.String("addr", ln.Addr().String()))

	os.Remove(singletonSockPath)
	singletonLn, err := net.Listen("unix", singletonSockPath)
	if err != nil {
		log.Error("tunnelagent: listen on singleton socket failed", zap.Error(err))
		return 1
	}
	defer singletonLn.Close()
	defer os.Remove(singletonSockPath)

	deps := control.ServerDeps{
		Editor:      unimplementedEditorServer{},
		Update:      unimplementedUpdateService{},
		Pruner:      noopPruner{},
		PortForward: unimplementedPortForwarder{},
		Dial:        dialEditorServer,
		Config: control.Config{
			Version:         version,
			ProtocolVersion: control.ProtocolVersion,
			IntegratedCLI:   integratedCLI,
			Platform:        platform,
		},
	}

	srv := control.NewServer(ln, deps, log)

	host := singleton.NewHost(srv.Shutdown, srv.RequestRestart, log)
	host.SetConnected(ln.Addr().String())
	go serveSingletonHost(singletonLn, host, log)

	term := srv.Serve(context.Background())
	log.Info("tunnelagent: serve loop returned", zap.String("next", term.Next.String()))

	switch term.Next {
	case control.NextExit:
		return 0
	case control.NextRestart, control.NextRespawn:
		return 75 // EX_TEMPFAIL-ish: ask the launcher to relaunch us
	default:
		return 1
	}
}

func serveSingletonHost(ln net.Listener, host *singleton.Host, log *zap.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go host.Serve(context.Background(), conn, nil)
	}
}

func dialEditorServer(ctx context.Context, address string) (control.EditorConn, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "unix", address)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type unimplementedEditorServer struct{}

func (unimplementedEditorServer) GetRunning(ctx context.Context) (*control.RunningServer, error) {
	return nil, nil
}

func (unimplementedEditorServer) Setup(ctx context.Context, connectionToken string, download delegatedhttp.Getter, log control.ServerLogFunc) error {
	return fmt.Errorf("tunnelagent: editor server install is not wired in this build")
}

func (unimplementedEditorServer) ListenOnDefaultSocket(ctx context.Context, args control.LaunchArgs, log control.ServerLogFunc) (*control.RunningServer, error) {
	return nil, fmt.Errorf("tunnelagent: editor server launch is not wired in this build")
}

type unimplementedUpdateService struct{}

func (unimplementedUpdateService) CheckUpdate(ctx context.Context) (bool, error) {
	return true, nil
}

func (unimplementedUpdateService) PerformUpdate(ctx context.Context) error {
	return fmt.Errorf("tunnelagent: self-update is not wired in this build")
}

type noopPruner struct{}

func (noopPruner) Prune(ctx context.Context) ([]string, error) { return nil, nil }

type unimplementedPortForwarder struct{}

func (unimplementedPortForwarder) Forward(ctx context.Context, port uint16) (string, error) {
	return "", fmt.Errorf("tunnelagent: port forwarding is not wired in this build")
}

func (unimplementedPortForwarder) Unforward(ctx context.Context, port uint16) error {
	return fmt.Errorf("tunnelagent: port forwarding is not wired in this build")
}
