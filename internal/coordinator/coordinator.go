// Package coordinator owns the peer connection state machine.
//
// Design:
//   - One loop goroutine applies every state change. Transport callbacks,
//     session callbacks, timers and API calls only post closures to its
//     mailbox, so transitions are never interleaved.
//   - Discovery snapshots go through the registry; the resulting
//     availability changes are reported unless the coordinator holds a
//     stronger state for the peer (Connecting, Connected).
//   - One outbound attempt at a time. Attempts carry a context with the
//     connect timeout; a late socket for an abandoned attempt is closed.
//   - Disconnected and ConnectingFailed are reported, then forgotten: the
//     next snapshot reports the peer from scratch.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/multierr"

	"bluetooth-peerlink/internal/peer"
	"bluetooth-peerlink/internal/registry"
	"bluetooth-peerlink/internal/session"
	"bluetooth-peerlink/internal/transport"
)

var logger = logging.Logger("coordinator")

// DefaultConnectTimeout bounds an attempt whose transport never calls back.
const DefaultConnectTimeout = 20 * time.Second

var (
	ErrPeerNotFound      = errors.New("coordinator: peer not found")
	ErrConnectInProgress = errors.New("coordinator: connect already in progress")
	ErrConnectFailed     = errors.New("coordinator: connect failed")
	ErrConnectTimeout    = errors.New("coordinator: connect timed out")
	ErrAlreadyStarted    = errors.New("coordinator: already started")
)

// ErrReplaced is the disconnect cause of a session superseded by a newer
// connection to the same peer.
var ErrReplaced = errors.New("coordinator: session replaced")

// Sink consumes the event stream. Publish is called from the loop goroutine
// in transition order and must not call back into the Coordinator.
type Sink interface {
	Publish(ev peer.Event)
}

// Config tunes a Coordinator.
type Config struct {
	// ConnectTimeout defaults to DefaultConnectTimeout.
	ConnectTimeout time.Duration

	// SuppressWhileConnected stops peer reporting while any session is live:
	// the registry is cleared when a session is established and snapshots
	// are ignored until the last session ends.
	SuppressWhileConnected bool

	// SessionOptions are applied to every new session.
	SessionOptions []session.Option
}

type attempt struct {
	peer   peer.Peer
	gen    uint64
	cancel context.CancelFunc
	timer  *time.Timer
}

type link struct {
	peer peer.Peer
	s    *session.Session
}

// Coordinator drives discovery, connection attempts and sessions over one
// Transport and reports every change to a Sink.
type Coordinator struct {
	tr   transport.Transport
	sink Sink
	cfg  Config

	lifeMu  sync.Mutex
	running bool
	mbox    *mailbox
	quit    chan struct{}
	done    chan struct{}

	// Owned by the loop goroutine while it runs; reset by Start.
	ctx       context.Context
	cancel    context.CancelFunc
	lst       *listener
	sh        *sessionHandler
	reg       *registry.Registry
	states    map[string]peer.State
	links     map[string]*link
	attempt   *attempt
	gen       uint64
	localID   string
	localName string
	closing   bool
}

// New creates a stopped Coordinator. A nil sink discards events.
func New(tr transport.Transport, sink Sink, cfg Config) *Coordinator {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	return &Coordinator{
		tr:   tr,
		sink: sink,
		cfg:  cfg,
	}
}

// Start begins discovery under the given local identity. Only a transport
// that cannot run at all (see transport.ErrTransportUnavailable) makes Start
// fail; peer-level problems are reported as events.
func (c *Coordinator) Start(ctx context.Context, localID, localName string) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.running {
		return ErrAlreadyStarted
	}

	mb := newMailbox()
	c.mbox = mb
	c.quit = make(chan struct{})
	c.done = make(chan struct{})
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.lst = &listener{c: c, mb: mb}
	c.sh = &sessionHandler{c: c, mb: mb}
	c.reg = registry.New()
	c.states = make(map[string]peer.State)
	c.links = make(map[string]*link)
	c.attempt = nil
	c.closing = false
	c.localID, c.localName = localID, localName

	go c.run(mb, c.quit, c.done)

	if err := c.tr.StartDiscovery(ctx, localID, localName, c.lst); err != nil {
		close(c.quit)
		<-c.done
		c.cancel()
		c.mbox = nil
		return fmt.Errorf("coordinator: start discovery: %w", err)
	}
	c.running = true
	logger.Infof("started as %s (%s)", localName, localID)
	return nil
}

// Stop stops discovery, abandons the pending attempt, closes every session
// and discards the registry. Sessions report Disconnected before Stop
// returns. Stopping a stopped Coordinator is a no-op.
func (c *Coordinator) Stop() error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if !c.running {
		return nil
	}
	c.running = false

	errc := make(chan error, 1)
	c.mbox.post(func() { errc <- c.teardown() }, func() { errc <- nil })
	err := <-errc

	close(c.quit)
	<-c.done
	c.cancel()
	c.mbox = nil
	logger.Info("stopped")
	return err
}

// Running reports whether the Coordinator has been started and not stopped.
func (c *Coordinator) Running() bool {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	return c.running
}

// Connect asks for a connection to peerID. It returns true when an attempt
// was started; the outcome is reported as Connected or ConnectingFailed.
// A rejected request is reported as ConnectingFailed before Connect returns.
func (c *Coordinator) Connect(peerID string) bool {
	reply := make(chan bool, 1)
	if !c.post(func() { reply <- c.connect(peerID) }, func() { reply <- false }) {
		return false
	}
	return <-reply
}

// Send queues b on every live session and reports whether at least one
// session accepted it.
func (c *Coordinator) Send(b []byte) bool {
	reply := make(chan bool, 1)
	if !c.post(func() { reply <- c.send("", b) }, func() { reply <- false }) {
		return false
	}
	return <-reply
}

// SendTo queues b on the session of peerID.
func (c *Coordinator) SendTo(peerID string, b []byte) bool {
	reply := make(chan bool, 1)
	if !c.post(func() { reply <- c.send(peerID, b) }, func() { reply <- false }) {
		return false
	}
	return <-reply
}

// Peers lists every peer the Coordinator knows with its current state.
func (c *Coordinator) Peers() []peer.Status {
	reply := make(chan []peer.Status, 1)
	if !c.post(func() { reply <- c.peers() }, func() { reply <- nil }) {
		return nil
	}
	return <-reply
}

func (c *Coordinator) post(fn, drop func()) bool {
	c.lifeMu.Lock()
	mb := c.mbox
	running := c.running
	c.lifeMu.Unlock()
	if mb == nil || !running {
		if drop != nil {
			drop()
		}
		return false
	}
	return mb.post(fn, drop)
}

func (c *Coordinator) run(mb *mailbox, quit, done chan struct{}) {
	defer close(done)
	defer mb.close()
	for {
		select {
		case <-quit:
			return
		case <-mb.notify:
			for _, o := range mb.drain() {
				o.run()
			}
		}
	}
}

// Everything below runs on the loop goroutine.

func (c *Coordinator) emit(ev peer.Event) {
	if c.sink != nil {
		c.sink.Publish(ev)
	}
}

// report emits a single-peer change and records the held state.
func (c *Coordinator) report(p peer.Peer, st peer.State, cause error) {
	switch {
	case st.Transient(), st == peer.Unavailable:
		delete(c.states, p.ID)
	default:
		c.states[p.ID] = st
	}
	ev := peer.PeerChanged(peer.StatusOf(p, st))
	ev.Err = cause
	c.emit(ev)
}

func (c *Coordinator) connect(id string) bool {
	p, known := c.reg.Lookup(id)
	if !known {
		p = peer.Peer{ID: id}
		if l := c.links[id]; l != nil {
			p = l.peer
		}
	}

	if a := c.attempt; a != nil {
		err := fmt.Errorf("%w: attempt to %s pending", ErrConnectInProgress, a.peer.ID)
		logger.Warnf("connect %s: %v", id, err)
		if a.peer.ID != id && c.links[id] == nil {
			c.report(p, peer.ConnectingFailed, err)
			if known {
				c.reg.Forget(p)
			}
		}
		return false
	}
	if !known {
		err := fmt.Errorf("%w: %s", ErrPeerNotFound, id)
		logger.Warnf("connect: %v", err)
		if c.links[id] == nil {
			c.report(p, peer.ConnectingFailed, err)
		}
		return false
	}
	if c.links[id] != nil {
		logger.Infof("connect %s: already connected", id)
		return false
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ConnectTimeout)
	if err := c.tr.Connect(ctx, p); err != nil {
		cancel()
		err = fmt.Errorf("%w: %w", ErrConnectFailed, err)
		logger.Warnf("connect %s: %v", id, err)
		c.report(p, peer.ConnectingFailed, err)
		c.reg.Forget(p)
		return false
	}

	c.gen++
	gen, mb := c.gen, c.mbox
	c.attempt = &attempt{
		peer:   p,
		gen:    gen,
		cancel: cancel,
		timer: time.AfterFunc(c.cfg.ConnectTimeout, func() {
			mb.post(func() { c.connectTimedOut(gen) }, nil)
		}),
	}
	logger.Infof("connecting to %s (%s)", p.DisplayName(), p.ID)
	c.report(p, peer.Connecting, nil)
	return true
}

func (c *Coordinator) clearAttempt() {
	if a := c.attempt; a != nil {
		a.timer.Stop()
		a.cancel()
		c.attempt = nil
	}
}

func (c *Coordinator) failAttempt(cause error) {
	a := c.attempt
	c.clearAttempt()
	logger.Warnf("connect %s: %v", a.peer.ID, cause)
	c.report(a.peer, peer.ConnectingFailed, cause)
	c.reg.Forget(a.peer)
}

func (c *Coordinator) connectTimedOut(gen uint64) {
	if a := c.attempt; a == nil || a.gen != gen {
		return
	}
	c.failAttempt(fmt.Errorf("%w after %s", ErrConnectTimeout, c.cfg.ConnectTimeout))
}

func (c *Coordinator) onConnectFailed(id string, err error) {
	if a := c.attempt; a == nil || a.peer.ID != id {
		logger.Debugf("ignoring failure for %s without pending attempt: %v", id, err)
		return
	}
	c.failAttempt(fmt.Errorf("%w: %w", ErrConnectFailed, err))
}

func (c *Coordinator) onConnected(id string, conn io.ReadWriteCloser, address string, incoming bool) {
	a := c.attempt
	pending := a != nil && a.peer.ID == id
	if c.closing || (!incoming && !pending) {
		logger.Warnf("closing late connection to %s", id)
		if err := conn.Close(); err != nil {
			logger.Debugf("close late connection to %s: %v", id, err)
		}
		return
	}

	var p peer.Peer
	if pending {
		p = a.peer
		c.clearAttempt()
	} else if known, ok := c.reg.Lookup(id); ok {
		p = known
	} else {
		p = peer.Peer{ID: id}
	}
	if p.Address == "" {
		p.Address = address
	}

	if old := c.links[id]; old != nil {
		delete(c.links, id)
		logger.Infof("replacing session with %s", id)
		if err := old.s.Stop(); err != nil {
			logger.Debugf("close replaced session with %s: %v", id, err)
		}
		c.report(old.peer, peer.Disconnected, ErrReplaced)
	}

	s := session.New(conn, id, p.DisplayName(), c.sh, c.cfg.SessionOptions...)
	c.links[id] = &link{peer: p, s: s}
	if c.cfg.SuppressWhileConnected {
		c.reg.Reset()
	}
	logger.Infof("connected to %s (%s, incoming=%t)", p.DisplayName(), id, incoming)
	c.report(p, peer.Connected, nil)
	s.Start()
}

func (c *Coordinator) onDisconnected(s *session.Session, reason error) {
	l := c.links[s.PeerID()]
	if l == nil || l.s != s {
		return
	}
	delete(c.links, s.PeerID())
	logger.Infof("disconnected from %s: %v", s.PeerID(), reason)
	c.report(l.peer, peer.Disconnected, reason)
	c.reg.Forget(l.peer)
	c.restartDiscovery()
}

// restartDiscovery re-announces the last local identity after a drop.
func (c *Coordinator) restartDiscovery() {
	if err := c.tr.StopDiscovery(); err != nil {
		logger.Warnf("restart discovery: stop: %v", err)
	}
	if err := c.tr.StartDiscovery(c.ctx, c.localID, c.localName, c.lst); err != nil {
		logger.Errorf("restart discovery: %v", err)
	}
}

func (c *Coordinator) onSnapshot(peers []peer.Peer) {
	if c.closing || (c.cfg.SuppressWhileConnected && len(c.links) > 0) {
		return
	}
	changes := c.reg.Reconcile(peers)

	// A peer seen under a new address vanishes under the old one in the
	// same pass. Its id is still visible, so the Unavailable is dropped.
	visible := make(map[string]bool)
	for _, ch := range changes {
		if ch.State == peer.Available {
			visible[ch.Peer.ID] = true
		}
	}
	moved := make(map[string]bool)
	for _, ch := range changes {
		if ch.State == peer.Unavailable && visible[ch.Peer.ID] {
			moved[ch.Peer.ID] = true
		}
	}

	var out []peer.Status
	for _, ch := range changes {
		id := ch.Peer.ID
		if c.links[id] != nil || (c.attempt != nil && c.attempt.peer.ID == id) {
			continue
		}
		if moved[id] {
			if ch.State == peer.Unavailable || c.states[id] == peer.Available {
				continue
			}
		}
		if ch.State == peer.Available {
			c.states[id] = peer.Available
		} else {
			delete(c.states, id)
		}
		out = append(out, peer.StatusOf(ch.Peer, ch.State))
	}
	if len(out) > 0 {
		c.emit(peer.PeerChanged(out...))
	}
}

func (c *Coordinator) send(id string, b []byte) bool {
	sent := false
	for pid, l := range c.links {
		if id != "" && pid != id {
			continue
		}
		if err := l.s.Write(b); err != nil {
			logger.Warnf("send to %s: %v", pid, err)
			continue
		}
		sent = true
	}
	return sent
}

func (c *Coordinator) peers() []peer.Status {
	seen := make(map[string]bool)
	var out []peer.Status
	for _, p := range c.reg.Peers() {
		st, ok := c.states[p.ID]
		if !ok {
			st = peer.Available
		}
		seen[p.ID] = true
		out = append(out, peer.StatusOf(p, st))
	}
	for id, l := range c.links {
		if !seen[id] {
			seen[id] = true
			out = append(out, peer.StatusOf(l.peer, peer.Connected))
		}
	}
	if a := c.attempt; a != nil && !seen[a.peer.ID] {
		out = append(out, peer.StatusOf(a.peer, peer.Connecting))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Coordinator) teardown() error {
	var err error
	c.closing = true
	if a := c.attempt; a != nil {
		c.clearAttempt()
		c.report(a.peer, peer.ConnectingFailed, context.Canceled)
	}
	err = multierr.Append(err, c.tr.StopDiscovery())

	ids := make([]string, 0, len(c.links))
	for id := range c.links {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		l := c.links[id]
		delete(c.links, id)
		if cerr := l.s.Stop(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("coordinator: close session with %s: %w", id, cerr))
		}
		c.report(l.peer, peer.Disconnected, session.ErrStopped)
	}

	c.reg.Reset()
	c.states = make(map[string]peer.State)
	return err
}
