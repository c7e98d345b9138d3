package bridge

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestWriteOrderPreserved(t *testing.T) {
	editorSide, agentSide := net.Pipe()
	defer editorSide.Close()

	b := New(7, agentSide, false, func([]byte) error { return nil }, zap.NewNop())
	defer b.Close()

	received := make([]byte, 0, 4)
	readDone := make(chan struct{})
	go func() {
		buf := make([]byte, 1)
		for i := 0; i < 2; i++ {
			n, err := editorSide.Read(buf)
			if err != nil {
				break
			}
			received = append(received, buf[:n]...)
		}
		close(readDone)
	}()

	if err := b.Write([]byte{0x01}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := b.Write([]byte{0x02}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case <-readDone:
	case <-time.After(2 * time.Second):
		t.Fatal("editor side never received both writes")
	}

	if !bytes.Equal(received, []byte{0x01, 0x02}) {
		t.Errorf("received = %v, want [1 2]", received)
	}
}

func TestCompressedRoundTrip(t *testing.T) {
	editorSide, agentSide := net.Pipe()
	defer editorSide.Close()

	var notified bytes.Buffer
	var mu sync.Mutex
	notifyDone := make(chan struct{}, 1)
	b := New(1, agentSide, true, func(body []byte) error {
		mu.Lock()
		notified.Write(body)
		mu.Unlock()
		notifyDone <- struct{}{}
		return nil
	}, zap.NewNop())
	defer b.Close()

	plain := []byte("hello editor")
	compressed, err := gzipCompress(plain)
	if err != nil {
		t.Fatalf("gzipCompress: %v", err)
	}
	if err := b.Write(compressed); err != nil {
		t.Fatalf("Write: %v", err)
	}

	gotFromEditor := make([]byte, len(plain))
	if _, err := editorSide.Read(gotFromEditor); err != nil {
		t.Fatalf("editorSide.Read: %v", err)
	}
	if !bytes.Equal(gotFromEditor, plain) {
		t.Errorf("editor received %q, want %q (compress should decode before writing)", gotFromEditor, plain)
	}

	go editorSide.Write([]byte("reply bytes"))
	select {
	case <-notifyDone:
	case <-time.After(2 * time.Second):
		t.Fatal("notify never called for editor server output")
	}

	mu.Lock()
	wire := append([]byte(nil), notified.Bytes()...)
	mu.Unlock()
	decoded, err := gunzipDecompress(wire)
	if err != nil {
		t.Fatalf("notified payload was not gzip: %v", err)
	}
	if string(decoded) != "reply bytes" {
		t.Errorf("decoded notify payload = %q, want %q", decoded, "reply bytes")
	}
}

func TestMultiplexerRejectsDuplicateSocketID(t *testing.T) {
	m := NewMultiplexer(zap.NewNop())

	a1, a2 := net.Pipe()
	defer a1.Close()
	defer a2.Close()
	b1 := New(5, a2, false, func([]byte) error { return nil }, zap.NewNop())
	defer b1.Close()

	if err := m.Register(b1); err != nil {
		t.Fatalf("first Register: %v", err)
	}

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	b2 := New(5, c2, false, func([]byte) error { return nil }, zap.NewNop())
	defer b2.Close()

	if err := m.Register(b2); err == nil {
		t.Fatal("second Register with same socket_id: want error, got nil")
	}
}

func TestMultiplexerWriteMessageNoBridge(t *testing.T) {
	m := NewMultiplexer(zap.NewNop())
	if ok := m.WriteMessage(99, []byte{0x00}); ok {
		t.Error("WriteMessage() for unregistered socket_id = true, want false")
	}
}

func TestMultiplexerDisposeClearsBridges(t *testing.T) {
	m := NewMultiplexer(zap.NewNop())
	a1, a2 := net.Pipe()
	defer a1.Close()
	b := New(3, a2, false, func([]byte) error { return nil }, zap.NewNop())
	if err := m.Register(b); err != nil {
		t.Fatalf("Register: %v", err)
	}

	m.Dispose()

	if got := m.Count(); got != 0 {
		t.Errorf("Count() after Dispose = %d, want 0", got)
	}
}
