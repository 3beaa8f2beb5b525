// Package session owns one established transport connection to one peer.
//
// A Session runs a dedicated blocking read goroutine and a writer goroutine
// draining a bounded queue, so Write never blocks the caller. Disconnected is
// reported exactly once, whether the socket failed or Stop was called.
package session

import (
	"errors"
	"fmt"
	"io"
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

var logger = logging.Logger("session")

const (
	// DefaultReadBufferSize matches the chunk size the RFCOMM channel delivers.
	DefaultReadBufferSize = 1024
	// DefaultQueueDepth bounds the number of pending writes.
	DefaultQueueDepth = 64
)

var (
	// ErrClosed is returned by Write after the session has ended.
	ErrClosed = errors.New("session: closed")
	// ErrStopped is the disconnect reason reported after an explicit Stop.
	ErrStopped = errors.New("session: stopped")
	// ErrQueueFull is returned by Write when the writer cannot keep up.
	ErrQueueFull = errors.New("session: write queue full")
)

// IOError wraps a read or write failure of the underlying socket.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string { return fmt.Sprintf("session: %s: %v", e.Op, e.Err) }

func (e *IOError) Unwrap() error { return e.Err }

// Handler receives the asynchronous events of a session. Calls come from the
// session's own goroutines, or from the caller of Stop for the final
// Disconnected; implementations must not block.
type Handler interface {
	DataWritten(s *Session, b []byte)
	DataReceived(s *Session, b []byte, n int)
	Disconnected(s *Session, reason error)
}

// Option tunes a Session.
type Option func(*Session)

// WithReadBufferSize sets the size of the read buffer.
func WithReadBufferSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.bufSize = n
		}
	}
}

// WithQueueDepth sets the capacity of the write queue.
func WithQueueDepth(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.queueDepth = n
		}
	}
}

// Session is the live, socket-owning object for one connection to one peer.
type Session struct {
	peerID   string
	peerName string
	conn     io.ReadWriteCloser
	h        Handler

	bufSize    int
	queueDepth int

	// qmu orders enqueues against shutdown: no Write succeeds once closeCh
	// is closed.
	qmu     sync.Mutex
	writeQ  chan []byte
	closeCh chan struct{}
	done    chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	closeErr  error
	wg        sync.WaitGroup
}

// New wraps an established connection. The session owns conn from now on;
// nothing else may read, write or close it.
func New(conn io.ReadWriteCloser, peerID, peerName string, h Handler, opts ...Option) *Session {
	s := &Session{
		peerID:     peerID,
		peerName:   peerName,
		conn:       conn,
		h:          h,
		bufSize:    DefaultReadBufferSize,
		queueDepth: DefaultQueueDepth,
		closeCh:    make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.writeQ = make(chan []byte, s.queueDepth)
	return s
}

// PeerID returns the identifier of the remote peer.
func (s *Session) PeerID() string { return s.peerID }

// PeerName returns the display name of the remote peer.
func (s *Session) PeerName() string { return s.peerName }

// Start launches the read and write goroutines. Calling it again is a no-op.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(2)
		go s.readLoop()
		go s.writeLoop()
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
}

// Done is closed once both goroutines of a started session have exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Closed reports whether the session has ended.
func (s *Session) Closed() bool {
	select {
	case <-s.closeCh:
		return true
	default:
		return false
	}
}

// Write queues a copy of b for the writer goroutine and returns immediately.
func (s *Session) Write(b []byte) error {
	buf := make([]byte, len(b))
	copy(buf, b)

	s.qmu.Lock()
	defer s.qmu.Unlock()
	if s.Closed() {
		return ErrClosed
	}
	select {
	case s.writeQ <- buf:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop closes the socket and reports Disconnected with ErrStopped before
// returning. Stopping an ended session is a no-op that returns nil.
func (s *Session) Stop() error {
	var err error
	s.shutdown(ErrStopped, &err)
	return err
}

func (s *Session) shutdown(reason error, closeErr *error) {
	s.stopOnce.Do(func() {
		s.qmu.Lock()
		close(s.closeCh)
		s.qmu.Unlock()
		s.closeErr = s.conn.Close()
		if closeErr != nil {
			*closeErr = s.closeErr
		}
		logger.Debugf("session with %s ended: %v", s.peerID, reason)
		s.h.Disconnected(s, reason)
	})
}

func (s *Session) readLoop() {
	defer s.wg.Done()
	buf := make([]byte, s.bufSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.h.DataReceived(s, chunk, n)
		}
		if err != nil {
			if s.Closed() {
				return
			}
			if errors.Is(err, io.EOF) {
				s.shutdown(io.EOF, nil)
			} else {
				s.shutdown(&IOError{Op: "read", Err: err}, nil)
			}
			return
		}
	}
}

func (s *Session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.closeCh:
			return
		case b := <-s.writeQ:
			if _, err := s.conn.Write(b); err != nil {
				if !s.Closed() {
					s.shutdown(&IOError{Op: "write", Err: err}, nil)
				}
				return
			}
			s.h.DataWritten(s, b)
		}
	}
}
