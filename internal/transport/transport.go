// Package transport defines the discovery and connection collaborator the
// coordinator drives, and provides an in-memory implementation for tests.
//
// Implementations live in subpackages: bluez (RFCOMM over BlueZ), lan (UDP
// multicast announcements plus TCP) and p2p (libp2p with mDNS).
package transport

import (
	"context"
	"errors"
	"io"

	"bluetooth-peerlink/internal/peer"
)

// ErrTransportUnavailable is wrapped by StartDiscovery when the radio or
// adapter is missing or disabled. It is the only fatal error of a start.
var ErrTransportUnavailable = errors.New("transport: unavailable")

// Listener receives the asynchronous results of a Transport. Calls may come
// from any goroutine and must not block.
type Listener interface {
	// OnSnapshot delivers the full set of currently visible peers.
	OnSnapshot(peers []peer.Peer)

	// OnConnected hands over an established socket. The listener owns conn.
	// incoming is true when the remote side initiated the connection.
	OnConnected(peerID string, conn io.ReadWriteCloser, address string, incoming bool)

	// OnConnectFailed reports the failure of an attempt started by Connect.
	OnConnectFailed(peerID string, err error)
}

// Transport abstracts discovery and raw connections over one medium.
type Transport interface {
	// StartDiscovery begins announcing the local identity and reporting
	// snapshots and incoming connections to l. Calling it again after
	// StopDiscovery restarts discovery.
	StartDiscovery(ctx context.Context, localID, localName string, l Listener) error

	// StopDiscovery stops announcing and scanning. Established connections
	// are not affected. Redundant calls are allowed.
	StopDiscovery() error

	// Connect starts an asynchronous attempt towards p. A nil error means the
	// attempt is in progress and its outcome arrives through the Listener;
	// a non-nil error is an immediate failure and no callback follows.
	// Implementations give up when ctx ends and report it as a failure.
	Connect(ctx context.Context, p peer.Peer) error

	// Close releases every resource of the transport.
	Close() error
}
