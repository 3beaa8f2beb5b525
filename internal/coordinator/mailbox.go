package coordinator

import "sync"

type op struct {
	run func()
	// drop runs instead of run when the loop exits before reaching the op,
	// so resources carried by the op (sockets, reply channels) are released.
	drop func()
}

// mailbox is an unbounded FIFO with a single consumer. post never blocks,
// which lets the loop goroutine post to itself.
type mailbox struct {
	mu     sync.Mutex
	ops    []op
	closed bool
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

// post queues fn. It returns false, after running drop, once the mailbox is closed.
func (m *mailbox) post(fn, drop func()) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		if drop != nil {
			drop()
		}
		return false
	}
	m.ops = append(m.ops, op{run: fn, drop: drop})
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

func (m *mailbox) drain() []op {
	m.mu.Lock()
	defer m.mu.Unlock()
	ops := m.ops
	m.ops = nil
	return ops
}

// close rejects further posts and drops whatever is still queued.
func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	left := m.ops
	m.ops = nil
	m.mu.Unlock()
	for _, o := range left {
		if o.drop != nil {
			o.drop()
		}
	}
}
