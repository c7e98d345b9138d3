package singleton

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"tunnelctl/codec"
	"tunnelctl/rpc"
)

// RunClient attaches to an already-running primary instance over conn
// and drives the console until the connection ends or the peer sends
// shutdown. It returns true ("exit entirely") when the caller must not
// go on to start its own tunnel.
func RunClient(ctx context.Context, conn net.Conn, stdin io.Reader, out io.Writer, interactive bool, log *zap.Logger) bool {
	send := func(data []byte) error {
		_, err := conn.Write(data)
		return err
	}
	d := rpc.New(codec.JSONLine{}, send, log)

	exitEntirely := make(chan bool, 1)
	shutdownRequested := make(chan struct{})
	var shutdownOnce sync.Once

	rpc.RegisterNotification(d, MethodShutdown, func(ctx context.Context, _ struct{}) {
		select {
		case exitEntirely <- true:
		default:
		}
		shutdownOnce.Do(func() { close(shutdownRequested) })
	})

	rpc.RegisterNotification(d, MethodLog, func(ctx context.Context, p LogParams) {
		if p.Level != nil {
			fmt.Fprintf(out, "[%s] %s: %s\n", *p.Level, p.Prefix, p.Message)
			return
		}
		fmt.Fprintf(out, "%s: %s\n", p.Prefix, p.Message)
	})

	rpc.RegisterNotification(d, MethodLogDone, func(ctx context.Context, _ struct{}) {
		printBanner(out, interactive)
		// The status reply is delivered by the dispatch loop below, which
		// is running this handler, so the call waits on its own goroutine.
		go func() {
			status, err := rpc.Call[StatusResult](ctx, d, MethodStatus, struct{}{})
			if err != nil {
				log.Debug("singleton: status call failed", zap.Error(err))
				return
			}
			if status.Tunnel.Connected {
				fmt.Fprintf(out, "\n%s\n", listeningLine(status.Tunnel.Name))
			}
		}()
	})

	// A dedicated goroutine reads stdin line by line. Blocking stdin
	// reads cannot share the loop below, but in Go this does not need a
	// literal OS thread the way a cooperative async runtime would: a
	// blocked goroutine never pins its carrier thread against the rest
	// of the program, it only needs its own goroutine with a handle (d)
	// it can safely call from concurrently.
	go readKeyboard(d, stdin)

	// Lines are read on their own goroutine so the select loop below can
	// notice shutdownRequested without waiting for the peer to close the
	// connection: the shutdown notification alone must be enough to stop
	// driving this console, per spec §4.8.
	lines := make(chan []byte, 16)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(conn)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			lines <- append(append([]byte(nil), scanner.Bytes()...), '\n')
		}
	}()

loop:
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if err := d.Dispatch(ctx, line); err != nil {
				log.Warn("singleton: dispatch failed", zap.Error(err))
			}
		case <-shutdownRequested:
			break loop
		}
	}
	d.Close()

	select {
	case v := <-exitEntirely:
		return v
	default:
		return false
	}
}

// readKeyboard translates the first character of each stdin line: 'x'
// requests shutdown and stops reading; 'r' requests a restart and keeps
// reading; anything else is ignored. EOF (not a tty) returns silently.
func readKeyboard(d *rpc.Dispatcher, stdin io.Reader) {
	reader := bufio.NewReader(stdin)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			switch line[0] {
			case 'x':
				_ = d.Notify(MethodShutdown, struct{}{})
				return
			case 'r':
				_ = d.Notify(MethodRestart, struct{}{})
			}
		}
		if err != nil {
			return
		}
	}
}

func printBanner(out io.Writer, interactive bool) {
	if interactive {
		fmt.Fprint(out, "\nOpen this link in your browser to use the tunnel.\n\nPress 'x' to stop the tunnel, or 'r' to restart it.\n")
		return
	}
	fmt.Fprint(out, "\nOpen this link in your browser to use the tunnel.\n")
}

func listeningLine(name string) string {
	return fmt.Sprintf("Open this link in your browser %s", name)
}
