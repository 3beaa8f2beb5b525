// Package bluez implements transport.Transport over Bluetooth RFCOMM using
// a connmgr.Mgr: discovery snapshots come from SPP scans, connections are
// the RFCOMM sockets BlueZ hands to the registered Serial Port profiles.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/multierr"

	"bluetooth-peerlink/internal/connmgr"
	"bluetooth-peerlink/internal/peer"
	"bluetooth-peerlink/internal/transport"
)

var logger = logging.Logger("bluez")

const (
	// DefaultScanWindow is the length of one discovery pass.
	DefaultScanWindow = 12 * time.Second
	// DefaultRetryDelay separates retries after a failed scan or accept.
	DefaultRetryDelay = 2 * time.Second
)

// Config tunes a Transport.
type Config struct {
	ScanWindow time.Duration
	RetryDelay time.Duration
	// Channel is the RFCOMM channel of the server profile; zero selects
	// connmgr.DefaultRFCOMMChannel.
	Channel uint8
}

// Transport is a transport.Transport over a connmgr.Mgr.
type Transport struct {
	mgr connmgr.Mgr
	cfg Config

	// newConn wraps an FD received from BlueZ.
	newConn func(fd int) io.ReadWriteCloser

	mu        sync.Mutex
	l         transport.Listener
	serving   bool
	scanStop  context.CancelFunc
	scanDone  chan struct{}
	closed    bool
	lifeCtx   context.Context
	lifeClose context.CancelFunc
	wg        sync.WaitGroup
}

// New returns a Transport driving mgr. The Transport owns mgr and closes it.
func New(mgr connmgr.Mgr, cfg Config) *Transport {
	if cfg.ScanWindow <= 0 {
		cfg.ScanWindow = DefaultScanWindow
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		mgr:       mgr,
		cfg:       cfg,
		newConn:   func(fd int) io.ReadWriteCloser { return os.NewFile(uintptr(fd), "rfcomm") },
		lifeCtx:   ctx,
		lifeClose: cancel,
	}
}

// StartDiscovery checks the adapter, publishes localName as its alias,
// registers the SPP server once and starts a scan loop. The adapter address
// already identifies this device to others, so localID is only logged.
func (t *Transport) StartDiscovery(ctx context.Context, localID, localName string, l transport.Listener) error {
	a, err := t.mgr.Adapter(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", transport.ErrTransportUnavailable, err)
	}
	if !a.Powered {
		return fmt.Errorf("%w: adapter %s is powered off", transport.ErrTransportUnavailable, a.Path)
	}
	if localName != "" && a.Alias != localName {
		if err := t.mgr.SetAlias(ctx, localName); err != nil {
			logger.Warnf("set adapter alias: %v", err)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("bluez: transport closed")
	}
	t.l = l
	if !t.serving {
		name := localName
		if name == "" {
			name = "peerlink"
		}
		if err := t.mgr.StartServer(ctx, connmgr.ServerOptions{ServiceName: name, Channel: t.cfg.Channel}); err != nil {
			return fmt.Errorf("bluez: start server: %w", err)
		}
		t.serving = true
		t.wg.Add(1)
		go t.acceptLoop()
	}
	if t.scanStop == nil {
		scanCtx, cancel := context.WithCancel(t.lifeCtx)
		t.scanStop = cancel
		t.scanDone = make(chan struct{})
		go t.scanLoop(scanCtx, l, t.scanDone)
	}
	logger.Infof("discovery started on %s (%s) as %s", a.Address, localID, localName)
	return nil
}

// StopDiscovery ends the scan loop. Incoming connections keep being
// accepted and handed to the last listener.
func (t *Transport) StopDiscovery() error {
	t.mu.Lock()
	stop, done := t.scanStop, t.scanDone
	t.scanStop, t.scanDone = nil, nil
	t.mu.Unlock()
	if stop != nil {
		stop()
		<-done
	}
	return nil
}

// Connect dials p.Address, the BlueZ object path of the device.
func (t *Transport) Connect(ctx context.Context, p peer.Peer) error {
	if p.Address == "" {
		return fmt.Errorf("bluez: peer %s has no device path", p.ID)
	}
	t.mu.Lock()
	l, closed := t.l, t.closed
	if !closed {
		t.wg.Add(1)
	}
	t.mu.Unlock()
	if closed {
		return errors.New("bluez: transport closed")
	}
	if l == nil {
		t.wg.Done()
		return errors.New("bluez: discovery not started")
	}

	go func() {
		defer t.wg.Done()
		fd, err := t.mgr.Connect(ctx, connmgr.Device{Path: p.Address, MAC: p.ID})
		if err != nil {
			l.OnConnectFailed(p.ID, err)
			return
		}
		l.OnConnected(p.ID, t.newConn(fd), p.Address, false)
	}()
	return nil
}

// Close stops every loop and releases the manager.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	err := t.StopDiscovery()
	t.lifeClose()
	err = multierr.Append(err, t.mgr.Close())
	t.wg.Wait()
	return err
}

func (t *Transport) listener() transport.Listener {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.l
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		fd, dev, err := t.mgr.Accept(t.lifeCtx)
		if err != nil {
			if t.lifeCtx.Err() != nil {
				return
			}
			logger.Warnf("accept: %v", err)
			if !sleep(t.lifeCtx, t.cfg.RetryDelay) {
				return
			}
			continue
		}
		conn := t.newConn(fd)
		l := t.listener()
		if l == nil {
			conn.Close()
			continue
		}
		id := dev.MAC
		if id == "" {
			id = dev.Path
		}
		logger.Infof("incoming connection from %s", id)
		l.OnConnected(id, conn, dev.Path, true)
	}
}

func (t *Transport) scanLoop(ctx context.Context, l transport.Listener, done chan struct{}) {
	defer close(done)
	for {
		window, cancel := context.WithTimeout(ctx, t.cfg.ScanWindow)
		devs, err := t.mgr.ScanSPP(window)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Warnf("scan: %v", err)
			if !sleep(ctx, t.cfg.RetryDelay) {
				return
			}
			continue
		}
		l.OnSnapshot(peersOf(devs))
	}
}

// peersOf maps scan results to peers: ID is the MAC, Address the object path.
func peersOf(devs []connmgr.Device) []peer.Peer {
	out := make([]peer.Peer, 0, len(devs))
	for _, d := range devs {
		name := d.Alias
		if name == "" {
			name = d.Name
		}
		id := d.MAC
		if id == "" {
			id = d.Path
		}
		out = append(out, peer.Peer{ID: id, Name: name, Address: d.Path, Available: true})
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
