package control

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"tunnelctl/bridge"
	"tunnelctl/codec"
	"tunnelctl/delegatedhttp"
	"tunnelctl/rpc"
)

type fakeEditor struct {
	mu      sync.Mutex
	running *RunningServer
	socket  string
}

func (f *fakeEditor) GetRunning(ctx context.Context) (*RunningServer, error) {
	return nil, nil
}

func (f *fakeEditor) Setup(ctx context.Context, token string, download delegatedhttp.Getter, log ServerLogFunc) error {
	return nil
}

func (f *fakeEditor) ListenOnDefaultSocket(ctx context.Context, args LaunchArgs, log ServerLogFunc) (*RunningServer, error) {
	return &RunningServer{Socket: f.socket, Version: "1.0", LaunchMode: args.LaunchMode}, nil
}

type fakeUpdate struct {
	mu          sync.Mutex
	upToDate    bool
	performed   int
	performErr  error
	performSlow chan struct{}
}

func (u *fakeUpdate) CheckUpdate(ctx context.Context) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.upToDate, nil
}

func (u *fakeUpdate) PerformUpdate(ctx context.Context) error {
	if u.performSlow != nil {
		<-u.performSlow
	}
	u.mu.Lock()
	u.performed++
	u.mu.Unlock()
	return u.performErr
}

type fakePruner struct{ paths []string }

func (p *fakePruner) Prune(ctx context.Context) ([]string, error) { return p.paths, nil }

type fakePortForward struct{}

func (fakePortForward) Forward(ctx context.Context, port uint16) (string, error) {
	return "tcp://example/forwarded", nil
}
func (fakePortForward) Unforward(ctx context.Context, port uint16) error { return nil }

func newTestContext(t *testing.T, dial Dialer) (*Context, *rpc.Dispatcher) {
	t.Helper()
	log := zap.NewNop()
	d := rpc.New(codec.Msgpack{}, func([]byte) error { return nil }, log)
	deps := ServerDeps{
		Editor:      &fakeEditor{},
		Update:      &fakeUpdate{upToDate: true},
		Pruner:      &fakePruner{},
		PortForward: fakePortForward{},
		Dial:        dial,
		Config:      Config{Version: "test", ProtocolVersion: ProtocolVersion},
	}
	c := NewContext(d, deps, log)
	Register(d, c)
	return c, d
}

func TestHandlePing(t *testing.T) {
	c, _ := newTestContext(t, nil)
	res, err := c.handlePing(context.Background(), PingParams{})
	if err != nil {
		t.Fatalf("handlePing: %v", err)
	}
	_ = res
}

func TestHandleGetHostname(t *testing.T) {
	c, _ := newTestContext(t, nil)
	res, err := c.handleGetHostname(context.Background(), PingParams{})
	if err != nil {
		t.Fatalf("handleGetHostname: %v", err)
	}
	if res.Value == "" {
		t.Error("handleGetHostname() returned empty hostname")
	}
}

func TestServeThenServerMsgDeliversBytes(t *testing.T) {
	editorSide, agentSide := net.Pipe()
	defer editorSide.Close()

	dial := func(ctx context.Context, addr string) (bridge.EditorConn, error) {
		return agentSide, nil
	}
	c, _ := newTestContext(t, dial)

	_, err := c.handleServe(context.Background(), ServeParams{
		SocketID:   7,
		CommitID:   "abc",
		Quality:    "stable",
		Extensions: []string{},
	})
	if err != nil {
		t.Fatalf("handleServe: %v", err)
	}

	received := make([]byte, 2)
	readDone := make(chan struct{})
	go func() {
		io := 0
		for io < 2 {
			n, err := editorSide.Read(received[io:])
			if err != nil {
				break
			}
			io += n
		}
		close(readDone)
	}()

	if _, err := c.handleServerMsg(context.Background(), ServerMsgParams{I: 7, Body: []byte{0x01, 0x02}}); err != nil {
		t.Fatalf("handleServerMsg: %v", err)
	}

	select {
	case <-readDone:
	case <-time.After(2 * time.Second):
		t.Fatal("editor server side never received servermsg bytes")
	}
	if received[0] != 0x01 || received[1] != 0x02 {
		t.Errorf("received = %v, want [1 2]", received)
	}
}

func TestServerMsgWithoutServeFails(t *testing.T) {
	c, _ := newTestContext(t, nil)
	_, err := c.handleServerMsg(context.Background(), ServerMsgParams{I: 99, Body: []byte{0x00}})
	if err == nil {
		t.Fatal("handleServerMsg without serve: want error, got nil")
	}

	// Connection remains usable afterward.
	if _, err := c.handlePing(context.Background(), PingParams{}); err != nil {
		t.Fatalf("ping after servermsg error: %v", err)
	}
}

func TestUpdateIdempotentUnderConcurrency(t *testing.T) {
	slow := make(chan struct{})
	upd := &fakeUpdate{upToDate: false, performSlow: slow}
	log := zap.NewNop()
	d := rpc.New(codec.Msgpack{}, func([]byte) error { return nil }, log)
	c := NewContext(d, ServerDeps{
		Editor: &fakeEditor{}, Update: upd, Pruner: &fakePruner{}, PortForward: fakePortForward{},
		Config: Config{},
	}, log)

	const n = 10
	results := make(chan UpdateResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.handleUpdate(context.Background(), UpdateParams{DoUpdate: true})
			if err != nil {
				t.Errorf("handleUpdate: %v", err)
				return
			}
			results <- res
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(slow)
	wg.Wait()
	close(results)

	for res := range results {
		if !res.UpToDate || !res.DidUpdate {
			t.Errorf("concurrent update result = %+v, want {true true}", res)
		}
	}
	upd.mu.Lock()
	defer upd.mu.Unlock()
	if upd.performed != 1 {
		t.Errorf("PerformUpdate called %d times, want exactly 1", upd.performed)
	}
}

func TestForwardUnforward(t *testing.T) {
	c, _ := newTestContext(t, nil)
	res, err := c.handleForward(context.Background(), ForwardParams{Port: 8080})
	if err != nil {
		t.Fatalf("handleForward: %v", err)
	}
	if res.URI == "" {
		t.Error("handleForward() returned empty uri")
	}
	if _, err := c.handleUnforward(context.Background(), UnforwardParams{Port: 8080}); err != nil {
		t.Fatalf("handleUnforward: %v", err)
	}
}

func TestPrune(t *testing.T) {
	log := zap.NewNop()
	d := rpc.New(codec.Msgpack{}, func([]byte) error { return nil }, log)
	c := NewContext(d, ServerDeps{
		Editor: &fakeEditor{}, Update: &fakeUpdate{upToDate: true},
		Pruner: &fakePruner{paths: []string{"/tmp/old-1"}}, PortForward: fakePortForward{},
	}, log)

	res, err := c.handlePrune(context.Background(), PingParams{})
	if err != nil {
		t.Fatalf("handlePrune: %v", err)
	}
	if len(res.Paths) != 1 || res.Paths[0] != "/tmp/old-1" {
		t.Errorf("handlePrune() = %+v, want [/tmp/old-1]", res)
	}
}

func TestDisposeEmptiesMultiplexer(t *testing.T) {
	_, agentSide := net.Pipe()
	dial := func(ctx context.Context, addr string) (bridge.EditorConn, error) {
		return agentSide, nil
	}
	c, _ := newTestContext(t, dial)
	if _, err := c.handleServe(context.Background(), ServeParams{SocketID: 1}); err != nil {
		t.Fatalf("handleServe: %v", err)
	}

	c.Dispose()

	if got := c.multiplexer.Count(); got != 0 {
		t.Errorf("multiplexer.Count() after Dispose = %d, want 0", got)
	}
	if got := c.http.Pending(); got != 0 {
		t.Errorf("http.Pending() after Dispose = %d, want 0", got)
	}
}
