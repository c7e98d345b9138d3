package control

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"tunnelctl/codec"
	"tunnelctl/frame"
	"tunnelctl/rpc"
)

// ProtocolVersion is reported in the version notification.
const ProtocolVersion = 1

// ServerDeps bundles the external collaborators a Server wires into
// every connection's Context.
type ServerDeps struct {
	Editor      EditorServer
	Update      UpdateService
	Pruner      Pruner
	PortForward PortForwarder
	Dial        Dialer
	Config      Config
}

// Next is the outer serve loop's reason for returning.
type Next int

const (
	NextRestart Next = iota
	NextExit
	NextRespawn
)

func (n Next) String() string {
	switch n {
	case NextRestart:
		return "restart"
	case NextExit:
		return "exit"
	case NextRespawn:
		return "respawn"
	default:
		return "unknown"
	}
}

// Termination is what Serve returns. The tunnel/listener itself is the
// caller's own value, already in its possession, so only Next travels
// back.
type Termination struct {
	Next Next
}

// Server owns the control-port listener and spawns one connection
// goroutine per inbound socket.
type Server struct {
	listener net.Listener
	deps     ServerDeps
	log      *zap.Logger

	shutdown   chan struct{}
	shutOnce   sync.Once
	restartRPC chan struct{}
	respawn    chan struct{}
}

func NewServer(listener net.Listener, deps ServerDeps, log *zap.Logger) *Server {
	return &Server{
		listener:   listener,
		deps:       deps,
		log:        log,
		shutdown:   make(chan struct{}),
		restartRPC: make(chan struct{}, 1),
		respawn:    make(chan struct{}, 1),
	}
}

// Shutdown fires the process-wide shutdown notifier that cascades into
// every open connection.
func (s *Server) Shutdown() {
	s.shutOnce.Do(func() { close(s.shutdown) })
}

// RequestRestart is the RPC-initiated restart path, distinct from the
// generic shutdown notifier: the singleton channel's keyboard 'r'
// control reaches this through the owning process, not through the
// control connection itself.
func (s *Server) RequestRestart() {
	select {
	case s.restartRPC <- struct{}{}:
	default:
	}
}

// Serve accepts connections until shutdown, an RPC-initiated restart, a
// connection-triggered respawn, or a listener error, and reports which.
func (s *Server) Serve(ctx context.Context) Termination {
	conns := make(chan net.Conn)
	acceptErr := make(chan error, 1)
	go func() {
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				acceptErr <- err
				return
			}
			conns <- conn
		}
	}()

	for {
		select {
		case <-s.shutdown:
			return Termination{Next: NextExit}
		case <-s.restartRPC:
			return Termination{Next: NextRestart}
		case <-s.respawn:
			return Termination{Next: NextRespawn}
		case err := <-acceptErr:
			s.log.Warn("control: listener accept failed", zap.Error(err))
			return Termination{Next: NextRestart}
		case conn := <-conns:
			go s.handleConn(ctx, conn)
		}
	}
}

// handleConn runs one connection's lifecycle: a version notification, a
// reader loop dispatching frames, a writer loop that is the sole
// producer to the socket, and a respawn signal when the connection's
// did_update flag ends up set.
func (s *Server) handleConn(ctx context.Context, netConn net.Conn) {
	log := s.log.With(zap.String("remote", netConn.RemoteAddr().String()))

	exit := make(chan struct{})
	var exitOnce sync.Once
	fireExit := func() { exitOnce.Do(func() { close(exit) }) }

	writeCh := make(chan []byte, 64)
	send := func(data []byte) error {
		select {
		case writeCh <- data:
			return nil
		case <-exit:
			return fmt.Errorf("control: connection closing")
		}
	}

	d := rpc.New(codec.Msgpack{}, send, log)
	hctx := NewContext(d, s.deps, log)
	Register(d, hctx)

	if err := d.Notify("version", VersionParams{Version: s.deps.Config.Version, ProtocolVersion: ProtocolVersion}); err != nil {
		log.Debug("control: failed to send version notification", zap.Error(err))
	}

	writerDone := make(chan struct{})
	fw := &frame.Writer{W: netConn}
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-exit:
				return
			case data := <-writeCh:
				if err := fw.WriteFrame(data); err != nil {
					log.Debug("control: write frame failed", zap.Error(err))
					fireExit()
					return
				}
			}
		}
	}()

	// Closing the net.Conn is how a blocked Read in the loop below
	// unblocks once exit fires — the idiomatic Go analogue of racing
	// every read against a close notifier. The process-wide shutdown
	// notifier fires exit too.
	go func() {
		select {
		case <-exit:
		case <-s.shutdown:
			fireExit()
		}
		_ = netConn.Close()
	}()

	fr := &frame.Reader{R: netConn}
	for {
		payload, err := fr.ReadFrame()
		if err != nil {
			log.Debug("control: connection read ended", zap.Error(err))
			break
		}
		if derr := d.Dispatch(ctx, payload); derr != nil {
			log.Warn("control: dispatch failed", zap.Error(derr))
		}
	}

	fireExit()
	<-writerDone
	d.Close()
	hctx.Dispose()

	if hctx.DidUpdate() {
		select {
		case s.respawn <- struct{}{}:
		default:
		}
	}
}
