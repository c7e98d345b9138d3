package singleton

import (
	"bufio"
	"context"
	"net"
	"sync"

	"go.uber.org/zap"

	"tunnelctl/codec"
	"tunnelctl/rpc"
)

// Host is the primary instance's side of the singleton channel: it
// accepts the local connection a second invocation opens, replays the
// log lines accumulated so far, answers status, and forwards the
// keyboard-originated shutdown/restart notifications to the owning
// process. Host is the necessary counterpart to the client's view of
// this exchange: something has to be on the other end of the channel
// the client attaches to.
type Host struct {
	log        *zap.Logger
	onShutdown func()
	onRestart  func()

	mu        sync.Mutex
	connected bool
	tunnel    string
}

func NewHost(onShutdown, onRestart func(), log *zap.Logger) *Host {
	return &Host{log: log, onShutdown: onShutdown, onRestart: onRestart}
}

// SetConnected and SetDisconnected update the status a subsequent
// status call reports.
func (h *Host) SetConnected(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected = true
	h.tunnel = name
}

func (h *Host) SetDisconnected() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected = false
	h.tunnel = ""
}

// Serve drives one attaching client connection: replay backlog first,
// then log_done, then dispatch whatever the client sends until it
// disconnects.
func (h *Host) Serve(ctx context.Context, conn net.Conn, backlog []LogParams) {
	send := func(data []byte) error {
		_, err := conn.Write(data)
		return err
	}
	d := rpc.New(codec.JSONLine{}, send, h.log)

	rpc.RegisterNotification(d, MethodShutdown, func(ctx context.Context, _ struct{}) {
		// Echo shutdown back to the attaching client: its own inbound
		// MethodShutdown handler is what sets its "exit entirely" flag, so
		// without this echo the client never learns its own request was
		// honored and would go on to start a tunnel of its own.
		if err := d.Notify(MethodShutdown, struct{}{}); err != nil {
			h.log.Debug("singleton: shutdown echo failed", zap.Error(err))
		}
		if h.onShutdown != nil {
			h.onShutdown()
		}
	})
	rpc.RegisterNotification(d, MethodRestart, func(ctx context.Context, _ struct{}) {
		if h.onRestart != nil {
			h.onRestart()
		}
	})
	rpc.RegisterSync(d, MethodStatus, func(ctx context.Context, _ struct{}) (StatusResult, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		return StatusResult{Tunnel: TunnelState{Connected: h.connected, Name: h.tunnel}}, nil
	})

	for _, line := range backlog {
		if err := d.Notify(MethodLog, line); err != nil {
			h.log.Debug("singleton: log replay failed", zap.Error(err))
			return
		}
	}
	if err := d.Notify(MethodLogDone, struct{}{}); err != nil {
		h.log.Debug("singleton: log_done notify failed", zap.Error(err))
		return
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := append(append([]byte(nil), scanner.Bytes()...), '\n')
		if err := d.Dispatch(ctx, line); err != nil {
			h.log.Warn("singleton: dispatch failed", zap.Error(err))
		}
	}
	d.Close()
}
