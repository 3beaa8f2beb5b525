package transport

import (
	"context"
	"errors"
	"net"
	"sync"

	"bluetooth-peerlink/internal/peer"
)

// Memory is an in-process Transport for tests. Snapshots, established
// connections and failures are injected by the test through Publish, Deliver
// and Fail; nothing happens on its own.
type Memory struct {
	mu        sync.Mutex
	l         Listener
	running   bool
	starts    int
	stops     int
	localID   string
	localName string
	attempts  []peer.Peer
	closed    bool

	// StartErr, when set, is returned by the next StartDiscovery.
	StartErr error
	// ConnectErr, when set, is returned by every Connect.
	ConnectErr error
}

// NewMemory returns an idle in-memory transport.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) StartDiscovery(_ context.Context, localID, localName string, l Listener) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("transport: memory: closed")
	}
	if err := m.StartErr; err != nil {
		m.StartErr = nil
		return err
	}
	m.l = l
	m.running = true
	m.starts++
	m.localID, m.localName = localID, localName
	return nil
}

func (m *Memory) StopDiscovery() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		m.stops++
	}
	m.running = false
	return nil
}

func (m *Memory) Connect(_ context.Context, p peer.Peer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConnectErr != nil {
		return m.ConnectErr
	}
	m.attempts = append(m.attempts, p)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.running = false
	m.mu.Unlock()
	return nil
}

func (m *Memory) listener() Listener {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.l
}

// Publish delivers a discovery snapshot while discovery is running.
func (m *Memory) Publish(peers ...peer.Peer) {
	m.mu.Lock()
	l, running := m.l, m.running
	m.mu.Unlock()
	if running && l != nil {
		l.OnSnapshot(peers)
	}
}

// Deliver establishes a connection for peerID and returns the remote end.
func (m *Memory) Deliver(peerID, address string, incoming bool) net.Conn {
	local, remote := net.Pipe()
	if l := m.listener(); l != nil {
		l.OnConnected(peerID, local, address, incoming)
	}
	return remote
}

// Fail reports a failed attempt for peerID.
func (m *Memory) Fail(peerID string, err error) {
	if l := m.listener(); l != nil {
		l.OnConnectFailed(peerID, err)
	}
}

// Running reports whether discovery is active.
func (m *Memory) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Starts returns how many times discovery was started.
func (m *Memory) Starts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts
}

// Stops returns how many times running discovery was stopped.
func (m *Memory) Stops() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

// Local returns the identity passed to the last StartDiscovery.
func (m *Memory) Local() (id, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localID, m.localName
}

// Attempts returns the peers Connect was called with.
func (m *Memory) Attempts() []peer.Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]peer.Peer(nil), m.attempts...)
}
