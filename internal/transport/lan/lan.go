// Package lan implements transport.Transport on a local network: peers
// announce themselves to a UDP multicast group and connect over TCP.
package lan

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/multierr"
	"golang.org/x/net/ipv4"

	"bluetooth-peerlink/internal/peer"
	"bluetooth-peerlink/internal/transport"
)

var logger = logging.Logger("lan")

const (
	DefaultGroup    = "239.255.77.77:40400"
	DefaultInterval = 2 * time.Second
	// expiryIntervals is how many announce intervals a peer stays visible
	// without being heard.
	expiryIntervals = 3
	helloTimeout    = 5 * time.Second
)

// Config tunes a Transport.
type Config struct {
	// Group is the multicast group address announcements go to.
	Group string
	// ListenAddr is the TCP address accepting connections; the port is
	// announced. Defaults to ":0".
	ListenAddr string
	// Interface restricts multicast to one interface by name.
	Interface string
	// Interval between announcements and snapshots.
	Interval time.Duration
	// Loopback keeps multicast loopback on so instances on one host see
	// each other.
	Loopback bool
}

// Transport is a transport.Transport over UDP multicast and TCP.
type Transport struct {
	cfg Config

	mu       sync.Mutex
	l        transport.Listener
	ln       net.Listener
	local    hello
	stop     context.CancelFunc
	loopDone sync.WaitGroup
	closed   bool
	conns    sync.WaitGroup
}

// New returns an idle Transport.
func New(cfg Config) *Transport {
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":0"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Transport{cfg: cfg}
}

// Addr returns the TCP listen address, or nil before the first start.
func (t *Transport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln == nil {
		return nil
	}
	return t.ln.Addr()
}

func (t *Transport) StartDiscovery(ctx context.Context, localID, localName string, l transport.Listener) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("lan: transport closed")
	}
	if t.stop != nil {
		t.stop()
		t.stop = nil
		t.loopDone.Wait()
	}

	group, err := net.ResolveUDPAddr("udp4", t.cfg.Group)
	if err != nil {
		return fmt.Errorf("lan: resolve group %s: %w", t.cfg.Group, err)
	}
	var ifi *net.Interface
	if t.cfg.Interface != "" {
		if ifi, err = net.InterfaceByName(t.cfg.Interface); err != nil {
			return fmt.Errorf("%w: %w", transport.ErrTransportUnavailable, err)
		}
	}

	if t.ln == nil {
		var lc net.ListenConfig
		ln, err := lc.Listen(ctx, "tcp4", t.cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("%w: listen: %w", transport.ErrTransportUnavailable, err)
		}
		t.ln = ln
		t.conns.Add(1)
		go t.acceptLoop(ln)
	}
	port := uint16(t.ln.Addr().(*net.TCPAddr).Port)

	rx, err := net.ListenMulticastUDP("udp4", ifi, group)
	if err != nil {
		return fmt.Errorf("%w: join %s: %w", transport.ErrTransportUnavailable, group, err)
	}
	tx, err := net.DialUDP("udp4", nil, group)
	if err != nil {
		rx.Close()
		return fmt.Errorf("%w: dial %s: %w", transport.ErrTransportUnavailable, group, err)
	}
	pc := ipv4.NewPacketConn(tx)
	if err := pc.SetMulticastLoopback(t.cfg.Loopback); err != nil {
		logger.Warnf("set multicast loopback: %v", err)
	}
	if err := pc.SetMulticastTTL(1); err != nil {
		logger.Warnf("set multicast ttl: %v", err)
	}
	if ifi != nil {
		if err := pc.SetMulticastInterface(ifi); err != nil {
			logger.Warnf("set multicast interface: %v", err)
		}
	}

	t.l = l
	t.local = hello{ID: localID, Name: localName}
	msg := announcement{ID: localID, Name: localName, Port: port}.marshal()

	loopCtx, cancel := context.WithCancel(context.Background())
	t.stop = cancel
	tbl := newTable(localID, expiryIntervals*t.cfg.Interval)
	t.loopDone.Add(3)
	go t.receive(loopCtx, rx, tbl)
	go t.announce(loopCtx, tx, msg)
	go t.publish(loopCtx, tbl, l)
	go func() {
		<-loopCtx.Done()
		rx.Close()
		tx.Close()
	}()
	logger.Infof("announcing %s on %s, accepting on %s", localName, group, t.ln.Addr())
	return nil
}

func (t *Transport) StopDiscovery() error {
	t.mu.Lock()
	stop := t.stop
	t.stop = nil
	t.mu.Unlock()
	if stop != nil {
		stop()
		t.loopDone.Wait()
	}
	return nil
}

// Connect dials p.Address (host:port) and sends the local hello.
func (t *Transport) Connect(ctx context.Context, p peer.Peer) error {
	if _, _, err := net.SplitHostPort(p.Address); err != nil {
		return fmt.Errorf("lan: peer %s: bad address %q: %w", p.ID, p.Address, err)
	}
	t.mu.Lock()
	l, local, closed := t.l, t.local, t.closed
	if !closed && l != nil {
		t.conns.Add(1)
	}
	t.mu.Unlock()
	switch {
	case closed:
		return errors.New("lan: transport closed")
	case l == nil:
		return errors.New("lan: discovery not started")
	}

	go func() {
		defer t.conns.Done()
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp4", p.Address)
		if err != nil {
			l.OnConnectFailed(p.ID, err)
			return
		}
		if err := writeHello(conn, local); err != nil {
			conn.Close()
			l.OnConnectFailed(p.ID, fmt.Errorf("lan: send hello: %w", err))
			return
		}
		l.OnConnected(p.ID, conn, p.Address, false)
	}()
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	ln := t.ln
	t.mu.Unlock()

	err := t.StopDiscovery()
	if ln != nil {
		err = multierr.Append(err, ln.Close())
	}
	t.conns.Wait()
	return err
}

func (t *Transport) acceptLoop(ln net.Listener) {
	defer t.conns.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warnf("accept: %v", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		go t.handshake(conn)
	}
}

func (t *Transport) handshake(conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(helloTimeout))
	h, err := readHello(conn)
	if err != nil {
		logger.Debugf("hello from %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	t.mu.Lock()
	l, closed := t.l, t.closed
	t.mu.Unlock()
	if closed || l == nil {
		conn.Close()
		return
	}
	logger.Infof("incoming connection from %s (%s)", h.Name, h.ID)
	l.OnConnected(h.ID, conn, conn.RemoteAddr().String(), true)
}

func (t *Transport) announce(ctx context.Context, tx *net.UDPConn, msg []byte) {
	defer t.loopDone.Done()
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := tx.Write(msg); err != nil && ctx.Err() == nil {
			logger.Debugf("announce: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (t *Transport) receive(ctx context.Context, rx *net.UDPConn, tbl *table) {
	defer t.loopDone.Done()
	buf := make([]byte, maxMessage)
	for {
		n, src, err := rx.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Debugf("receive: %v", err)
			continue
		}
		var a announcement
		if err := a.unmarshal(buf[:n]); err != nil {
			logger.Debugf("announcement from %s: %v", src, err)
			continue
		}
		tbl.heard(a, src.IP, time.Now())
	}
}

func (t *Transport) publish(ctx context.Context, tbl *table, l transport.Listener) {
	defer t.loopDone.Done()
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.OnSnapshot(tbl.snapshot(now))
		}
	}
}

// table remembers when each announcing peer was last heard.
type table struct {
	mu     sync.Mutex
	self   string
	expiry time.Duration
	seen   map[string]entry
}

type entry struct {
	p    peer.Peer
	last time.Time
}

func newTable(self string, expiry time.Duration) *table {
	return &table{self: self, expiry: expiry, seen: make(map[string]entry)}
}

func (t *table) heard(a announcement, ip net.IP, at time.Time) {
	if a.ID == t.self {
		return
	}
	addr := net.JoinHostPort(ip.String(), strconv.Itoa(int(a.Port)))
	t.mu.Lock()
	t.seen[a.ID] = entry{p: peer.Peer{ID: a.ID, Name: a.Name, Address: addr, Available: true}, last: at}
	t.mu.Unlock()
}

// snapshot returns the peers heard within the expiry, ordered by id, and
// drops the rest.
func (t *table) snapshot(now time.Time) []peer.Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]peer.Peer, 0, len(t.seen))
	for id, e := range t.seen {
		if now.Sub(e.last) > t.expiry {
			delete(t.seen, id)
			continue
		}
		out = append(out, e.p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
