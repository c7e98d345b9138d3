// Package bridge implements the server multiplexer: adapters mapping a
// client-chosen socket_id onto a connection to the embedded editor
// server, with optional per-direction gzip compression.
package bridge

import (
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
)

// EditorConn is the minimal surface a bridge needs from its connection to
// the embedded editor server.
type EditorConn interface {
	io.Reader
	io.Writer
	io.Closer
}

// Notifier delivers one servermsg payload to the connected client. A
// Bridge calls it from its own read-pump goroutine, already encoded per
// the compress flag.
type Notifier func(body []byte) error

// Bridge adapts one logical client stream, identified by SocketID, to an
// EditorConn. Bytes passed to Write are committed to an internal ordered
// queue before Write returns — this is why servermsg is registered as a
// synchronous RPC method rather than async: reordering would corrupt
// the compression stream.
type Bridge struct {
	SocketID uint16

	conn     EditorConn
	compress bool
	notify   Notifier
	log      *zap.Logger

	writeq chan []byte
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	closed bool
	err    error
}

// New creates a bridge over conn and starts its write and read pumps.
// When compress is set, servermsg bodies are treated as gzip members to
// decompress before writing to the editor server, and bytes read back
// from the editor server are gzip-compressed before being handed to
// notify.
func New(socketID uint16, conn EditorConn, compress bool, notify Notifier, log *zap.Logger) *Bridge {
	b := &Bridge{
		SocketID: socketID,
		conn:     conn,
		compress: compress,
		notify:   notify,
		log:      log,
		writeq:   make(chan []byte, 64),
		done:     make(chan struct{}),
	}
	go b.writeLoop()
	go b.readPump()
	return b
}

// Write enqueues body for delivery to the editor server, preserving
// dispatch order across concurrent callers. It returns once body is
// queued, not once actually written — the ordering guarantee comes from
// every caller funneling through the same channel, not from waiting on
// the I/O.
func (b *Bridge) Write(body []byte) error {
	select {
	case b.writeq <- body:
		return nil
	case <-b.done:
		return b.closedErr()
	}
}

func (b *Bridge) closedErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	return fmt.Errorf("bridge: socket %d is closed", b.SocketID)
}

func (b *Bridge) writeLoop() {
	for {
		select {
		case body := <-b.writeq:
			payload := body
			if b.compress {
				plain, err := gunzipDecompress(body)
				if err != nil {
					b.fail(fmt.Errorf("bridge: decompress servermsg body: %w", err))
					return
				}
				payload = plain
			}
			if _, err := b.conn.Write(payload); err != nil {
				b.fail(fmt.Errorf("bridge: write to editor server: %w", err))
				return
			}
		case <-b.done:
			return
		}
	}
}

func (b *Bridge) readPump() {
	buf := make([]byte, 32*1024)
	for {
		n, err := b.conn.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if b.compress {
				compressed, cerr := gzipCompress(chunk)
				if cerr != nil {
					b.fail(fmt.Errorf("bridge: compress editor server output: %w", cerr))
					return
				}
				chunk = compressed
			}
			if nerr := b.notify(chunk); nerr != nil {
				b.fail(nerr)
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				b.log.Debug("bridge: editor server read error", zap.Uint16("socket_id", b.SocketID), zap.Error(err))
			}
			b.fail(err)
			return
		}
	}
}

func (b *Bridge) fail(err error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.err = err
	b.mu.Unlock()
	b.once.Do(func() { close(b.done) })
	_ = b.conn.Close()
}

// Close tears the bridge down: the write and read pumps exit and the
// underlying connection is closed. Safe to call more than once.
func (b *Bridge) Close() {
	b.fail(fmt.Errorf("bridge: socket %d closed", b.SocketID))
}
