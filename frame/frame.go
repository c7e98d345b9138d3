// Package frame implements the length-prefixed framing used on every
// connection in this repository: a 4-byte big-endian length followed by
// exactly that many bytes of payload. It is the outermost layer of the
// wire protocol; the payload bytes are opaque here and are handed to a
// codec.Serializer by the caller.
//
// An earlier iteration of this framing carried a 14-byte header (magic,
// version, codec type, message type, sequence number, body length) to
// let one connection multiplex many in-flight RPCs behind a single
// dispatcher loop. Here the RPC envelope itself (method, id, params)
// already carries everything a receiver needs, so the frame layer is
// reduced to its essential job: solving TCP's sticky-packet problem.
package frame

import (
	"encoding/binary"
	"errors"
	"io"
	"sync/atomic"
)

// HeaderSize is the length, in bytes, of the frame length prefix.
const HeaderSize = 4

// DefaultMaxSize is the frame-size ceiling enforced by Reader when no
// explicit limit is configured. The wire protocol itself has no upper
// bound; this is a production safety net against a peer that sends a
// corrupt or hostile length prefix.
const DefaultMaxSize = 64 << 20 // 64 MiB

// ErrFrameTooLarge is returned by Reader.ReadFrame when a frame's
// declared length exceeds MaxSize.
var ErrFrameTooLarge = errors.New("frame: declared length exceeds maximum frame size")

// Reader reads length-prefixed frames from an underlying stream.
//
// Reader is not safe for concurrent use: each connection has exactly
// one read half, owned by one reader goroutine.
type Reader struct {
	R       io.Reader
	MaxSize int // 0 means DefaultMaxSize

	buf []byte
	rx  uint64 // atomically updated; see RxBytes
}

// ReadFrame reads one complete frame and returns its payload. The
// returned slice is only valid until the next call to ReadFrame — callers
// that need to retain it must copy.
func (r *Reader) ReadFrame() ([]byte, error) {
	var lenBuf [HeaderSize]byte
	if _, err := io.ReadFull(r.R, lenBuf[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	max := r.MaxSize
	if max == 0 {
		max = DefaultMaxSize
	}
	if int(n) > max {
		return nil, ErrFrameTooLarge
	}

	atomic.AddUint64(&r.rx, uint64(n)+HeaderSize)

	if cap(r.buf) < int(n) {
		r.buf = make([]byte, n)
	} else {
		r.buf = r.buf[:n]
	}
	if n > 0 {
		if _, err := io.ReadFull(r.R, r.buf); err != nil {
			return nil, err
		}
	}
	return r.buf, nil
}

// RxBytes returns the total number of bytes read so far, including the
// 4-byte length prefix of each frame.
func (r *Reader) RxBytes() uint64 { return atomic.LoadUint64(&r.rx) }

// Writer writes length-prefixed frames to an underlying stream.
//
// Writer is not safe for concurrent use on its own; callers must
// serialize writes the way the control connection's single writer
// goroutine does: it is the only producer writing to the socket.
type Writer struct {
	W io.Writer

	tx uint64 // atomically updated; see TxBytes
}

// WriteFrame writes the length prefix followed by payload as a single
// frame.
func (w *Writer) WriteFrame(payload []byte) error {
	var lenBuf [HeaderSize]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))

	if _, err := w.W.Write(lenBuf[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.W.Write(payload); err != nil {
			return err
		}
	}
	atomic.AddUint64(&w.tx, uint64(len(payload))+HeaderSize)
	return nil
}

// TxBytes returns the total number of bytes written so far, including
// frame length prefixes.
func (w *Writer) TxBytes() uint64 { return atomic.LoadUint64(&w.tx) }
