package bridge

import (
	"sync"

	"go.uber.org/zap"

	"tunnelctl/rpcerr"
)

// Multiplexer is the registry of bridges on one connection.
type Multiplexer struct {
	mu      sync.Mutex
	bridges map[uint16]*Bridge
	log     *zap.Logger
}

func NewMultiplexer(log *zap.Logger) *Multiplexer {
	return &Multiplexer{bridges: make(map[uint16]*Bridge), log: log}
}

// Register adds b under its SocketID. A second registration for a
// socket_id already present is rejected rather than replacing the
// existing bridge: see the open-question decision in DESIGN.md
// (replacing would orphan the old bridge's in-flight ordered write
// queue mid-stream).
func (m *Multiplexer) Register(b *Bridge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.bridges[b.SocketID]; exists {
		return rpcerr.ErrBridgeExists
	}
	m.bridges[b.SocketID] = b
	return nil
}

// WriteMessage routes body to the bridge registered under socketID. It
// reports false if no such bridge exists, so the servermsg handler can
// answer NoAttachedServer.
func (m *Multiplexer) WriteMessage(socketID uint16, body []byte) bool {
	m.mu.Lock()
	b, ok := m.bridges[socketID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	if err := b.Write(body); err != nil {
		m.log.Debug("multiplexer: write_message failed", zap.Uint16("socket_id", socketID), zap.Error(err))
		return false
	}
	return true
}

// Count reports how many bridges are currently registered; used by
// tests asserting the connection-close invariant that zero bridges
// remain.
func (m *Multiplexer) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bridges)
}

// Dispose closes every registered bridge concurrently, waits for all to
// finish, and clears the registry.
func (m *Multiplexer) Dispose() {
	m.mu.Lock()
	bridges := m.bridges
	m.bridges = make(map[uint16]*Bridge)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, b := range bridges {
		wg.Add(1)
		go func(b *Bridge) {
			defer wg.Done()
			b.Close()
		}(b)
	}
	wg.Wait()
}
