// Package p2p implements transport.Transport over a libp2p host. Peers are
// found with mDNS on the local network and sessions run on libp2p streams.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	libpeer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	maddr "github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"

	"bluetooth-peerlink/internal/peer"
	"bluetooth-peerlink/internal/transport"
)

var logger = logging.Logger("p2p")

// ProtocolID is the stream protocol sessions run on.
const ProtocolID = protocol.ID("/peerlink/1.0.0")

const (
	DefaultServiceTag = "peerlink"
	DefaultInterval   = 5 * time.Second
	DefaultPeerTTL    = 30 * time.Second
)

// Config tunes a Transport.
type Config struct {
	// ListenAddrs are multiaddrs; defaults to an ephemeral TCP port on all
	// IPv4 interfaces.
	ListenAddrs []string
	// ServiceTag scopes mDNS discovery.
	ServiceTag string
	// Interval between snapshots.
	Interval time.Duration
	// PeerTTL is how long a peer found by mDNS stays visible without being
	// found again or connected.
	PeerTTL time.Duration
	// DisableMDNS leaves discovery to explicit AddPeer calls.
	DisableMDNS bool
}

// Transport is a transport.Transport over libp2p.
type Transport struct {
	cfg   Config
	addrs []maddr.Multiaddr

	mu      sync.Mutex
	h       host.Host
	l       transport.Listener
	mdns    mdns.Service
	stop    context.CancelFunc
	loop    sync.WaitGroup
	closed  bool
	pending sync.WaitGroup

	// fmu guards found and the host pointer as seen by discovery callbacks,
	// which must not wait on mu while mDNS shuts down.
	fmu     sync.Mutex
	hostRef host.Host
	found   map[libpeer.ID]found
}

type found struct {
	info libpeer.AddrInfo
	last time.Time
}

// New validates cfg and returns an idle Transport. The libp2p host is
// created by the first StartDiscovery.
func New(cfg Config) (*Transport, error) {
	if len(cfg.ListenAddrs) == 0 {
		cfg.ListenAddrs = []string{"/ip4/0.0.0.0/tcp/0"}
	}
	if cfg.ServiceTag == "" {
		cfg.ServiceTag = DefaultServiceTag
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.PeerTTL <= 0 {
		cfg.PeerTTL = DefaultPeerTTL
	}
	addrs := make([]maddr.Multiaddr, 0, len(cfg.ListenAddrs))
	for _, s := range cfg.ListenAddrs {
		a, err := maddr.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("p2p: listen address %q: %w", s, err)
		}
		addrs = append(addrs, a)
	}
	return &Transport{cfg: cfg, addrs: addrs}, nil
}

// ID returns the libp2p identity of the host, empty before the first start.
func (t *Transport) ID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.h == nil {
		return ""
	}
	return t.h.ID().String()
}

// Info returns the dialable address info of the host.
func (t *Transport) Info() libpeer.AddrInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.h == nil {
		return libpeer.AddrInfo{}
	}
	return libpeer.AddrInfo{ID: t.h.ID(), Addrs: t.h.Addrs()}
}

// StartDiscovery creates the host on first use with localName as its user
// agent, then starts mDNS and the snapshot loop. The host identity replaces
// localID on this medium.
func (t *Transport) StartDiscovery(ctx context.Context, localID, localName string, l transport.Listener) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("p2p: transport closed")
	}
	if t.h == nil {
		opts := []libp2p.Option{libp2p.ListenAddrs(t.addrs...)}
		if localName != "" {
			opts = append(opts, libp2p.UserAgent(localName))
		}
		h, err := libp2p.New(opts...)
		if err != nil {
			return fmt.Errorf("%w: libp2p host: %w", transport.ErrTransportUnavailable, err)
		}
		h.SetStreamHandler(ProtocolID, t.handleStream)
		t.h = h
		t.fmu.Lock()
		t.hostRef = h
		t.found = make(map[libpeer.ID]found)
		t.fmu.Unlock()
		logger.Infof("host %s listening on %v", h.ID(), h.Addrs())
	}
	t.l = l

	if t.stop != nil {
		t.stopLocked()
	}
	if !t.cfg.DisableMDNS {
		svc := mdns.NewMdnsService(t.h, t.cfg.ServiceTag, notifee{t})
		if err := svc.Start(); err != nil {
			return fmt.Errorf("%w: mdns: %w", transport.ErrTransportUnavailable, err)
		}
		t.mdns = svc
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	t.stop = cancel
	t.loop.Add(1)
	go t.publish(loopCtx, l)
	logger.Infof("discovery started as %s (%s), host %s", localName, localID, t.h.ID())
	return nil
}

func (t *Transport) stopLocked() error {
	var err error
	if t.mdns != nil {
		err = t.mdns.Close()
		t.mdns = nil
	}
	if t.stop != nil {
		t.stop()
		t.stop = nil
		t.loop.Wait()
	}
	return err
}

func (t *Transport) StopDiscovery() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.stopLocked(); err != nil {
		return fmt.Errorf("p2p: stop mdns: %w", err)
	}
	return nil
}

// Connect opens a stream to p. p.ID is the remote libp2p peer ID.
func (t *Transport) Connect(ctx context.Context, p peer.Peer) error {
	id, err := libpeer.Decode(p.ID)
	if err != nil {
		return fmt.Errorf("p2p: peer id %q: %w", p.ID, err)
	}
	t.mu.Lock()
	h, l, closed := t.h, t.l, t.closed
	if !closed && h != nil {
		t.pending.Add(1)
	}
	t.mu.Unlock()
	switch {
	case closed:
		return errors.New("p2p: transport closed")
	case h == nil || l == nil:
		return errors.New("p2p: discovery not started")
	}

	go func() {
		defer t.pending.Done()
		s, err := h.NewStream(ctx, id, ProtocolID)
		if err != nil {
			l.OnConnectFailed(p.ID, err)
			return
		}
		l.OnConnected(p.ID, s, s.Conn().RemoteMultiaddr().String(), false)
	}()
	return nil
}

// AddPeer records a peer found by other means, as mDNS would.
func (t *Transport) AddPeer(info libpeer.AddrInfo) {
	t.peerFound(info)
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	err := t.stopLocked()
	h := t.h
	t.mu.Unlock()

	if h != nil {
		err = multierr.Append(err, h.Close())
	}
	t.pending.Wait()
	return err
}

func (t *Transport) handleStream(s network.Stream) {
	t.mu.Lock()
	l, closed := t.l, t.closed
	t.mu.Unlock()
	if closed || l == nil {
		s.Reset()
		return
	}
	remote := s.Conn().RemotePeer()
	logger.Infof("incoming stream from %s", remote)
	l.OnConnected(remote.String(), s, s.Conn().RemoteMultiaddr().String(), true)
}

type notifee struct{ t *Transport }

func (n notifee) HandlePeerFound(info libpeer.AddrInfo) { n.t.peerFound(info) }

func (t *Transport) peerFound(info libpeer.AddrInfo) {
	h := t.host()
	if h == nil || info.ID == h.ID() {
		return
	}
	t.fmu.Lock()
	t.found[info.ID] = found{info: info, last: time.Now()}
	t.fmu.Unlock()

	// Connecting runs identify, which learns the peer's user agent.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := h.Connect(ctx, info); err != nil {
			logger.Debugf("connect to found peer %s: %v", info.ID, err)
		}
	}()
}

func (t *Transport) publish(ctx context.Context, l transport.Listener) {
	defer t.loop.Done()
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.OnSnapshot(t.snapshot(now))
		}
	}
}

// snapshot lists peers found within PeerTTL or still connected.
func (t *Transport) snapshot(now time.Time) []peer.Peer {
	h := t.host()
	t.fmu.Lock()
	defer t.fmu.Unlock()
	out := make([]peer.Peer, 0, len(t.found))
	for id, f := range t.found {
		connected := h.Network().Connectedness(id) == network.Connected
		if !connected && now.Sub(f.last) > t.cfg.PeerTTL {
			delete(t.found, id)
			continue
		}
		out = append(out, peer.Peer{
			ID:        id.String(),
			Name:      agent(h, id),
			Address:   addressOf(f.info),
			Available: true,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// host returns the libp2p host, nil before the first start.
func (t *Transport) host() host.Host {
	t.fmu.Lock()
	defer t.fmu.Unlock()
	return t.hostRef
}

func agent(h host.Host, id libpeer.ID) string {
	v, err := h.Peerstore().Get(id, "AgentVersion")
	if err != nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func addressOf(info libpeer.AddrInfo) string {
	if len(info.Addrs) == 0 {
		return info.ID.String()
	}
	return info.Addrs[0].Encapsulate(maddr.StringCast("/p2p/" + info.ID.String())).String()
}
