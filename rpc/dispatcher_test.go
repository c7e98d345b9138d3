package rpc

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"tunnelctl/codec"
)

// wire connects two Dispatchers back to back in memory: each send hands a
// copy of the bytes to the peer's Dispatch on a new goroutine, standing in
// for a socket.
type wire struct {
	mu   sync.Mutex
	to   *Dispatcher
	drop bool
}

func (w *wire) send(data []byte) error {
	w.mu.Lock()
	to, drop := w.to, w.drop
	w.mu.Unlock()
	if drop {
		return nil
	}
	frame := append([]byte(nil), data...)
	go func() {
		_ = to.Dispatch(context.Background(), frame)
	}()
	return nil
}

func newPair(t *testing.T) (a, b *Dispatcher) {
	t.Helper()
	log := zap.NewNop()
	c := codec.Msgpack{}

	wa := &wire{}
	wb := &wire{}
	a = New(c, wa.send, log)
	b = New(c, wb.send, log)
	wa.to, wb.to = b, a
	return a, b
}

type echoParams struct {
	Text string `codec:"text" json:"text"`
}

type echoResult struct {
	Text string `codec:"text" json:"text"`
}

func TestCallSyncRoundTrip(t *testing.T) {
	a, b := newPair(t)

	RegisterSync(b, "echo", func(ctx context.Context, p echoParams) (echoResult, error) {
		return echoResult{Text: "got:" + p.Text}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := Call[echoResult](ctx, a, "echo", echoParams{Text: "hi"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res.Text != "got:hi" {
		t.Errorf("Call() = %+v, want Text %q", res, "got:hi")
	}
}

func TestCallAsyncRoundTrip(t *testing.T) {
	a, b := newPair(t)

	done := make(chan struct{})
	RegisterAsync(b, "slowecho", func(ctx context.Context, p echoParams) (echoResult, error) {
		defer close(done)
		return echoResult{Text: p.Text}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := Call[echoResult](ctx, a, "slowecho", echoParams{Text: "async"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res.Text != "async" {
		t.Errorf("Call() = %+v, want Text %q", res, "async")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("async handler never ran")
	}
}

func TestCallMethodNotFound(t *testing.T) {
	a, _ := newPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Call[echoResult](ctx, a, "nosuchmethod", echoParams{})
	if err == nil {
		t.Fatal("Call() with unknown method: want error, got nil")
	}
}

func TestNotification(t *testing.T) {
	a, b := newPair(t)

	received := make(chan string, 1)
	RegisterNotification(b, "ping", func(ctx context.Context, p echoParams) {
		received <- p.Text
	})

	if err := a.Notify("ping", echoParams{Text: "hello"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	select {
	case text := <-received:
		if text != "hello" {
			t.Errorf("notification text = %q, want %q", text, "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("notification handler never ran")
	}
}

func TestCloseCancelsPendingCalls(t *testing.T) {
	a, b := newPair(t)

	// b never replies; hold the request so a's Call stays pending.
	hold := make(chan struct{})
	RegisterAsync(b, "hang", func(ctx context.Context, p echoParams) (echoResult, error) {
		<-hold
		return echoResult{}, nil
	})
	defer close(hold)

	errc := make(chan error, 1)
	go func() {
		_, err := Call[echoResult](context.Background(), a, "hang", echoParams{})
		errc <- err
	}()

	time.Sleep(50 * time.Millisecond)
	a.Close()

	select {
	case err := <-errc:
		if err == nil {
			t.Fatal("Call() after Close: want error, got nil")
		}
	case <-time.After(time.Second):
		t.Fatal("Call did not unblock after Close")
	}
}

func TestRateLimitRejectsBurst(t *testing.T) {
	a, b := newPair(t)
	b.WithRateLimit("limited", 0, 1)

	RegisterSync(b, "limited", func(ctx context.Context, p echoParams) (echoResult, error) {
		return echoResult{Text: p.Text}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := Call[echoResult](ctx, a, "limited", echoParams{Text: "1"}); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := Call[echoResult](ctx, a, "limited", echoParams{Text: "2"}); err == nil {
		t.Fatal("second call: want rate limit error, got nil")
	}
}
