package coordinator

import (
	"io"

	"bluetooth-peerlink/internal/peer"
	"bluetooth-peerlink/internal/session"
)

// listener marshals transport callbacks onto the loop of one Start.
type listener struct {
	c  *Coordinator
	mb *mailbox
}

func (l *listener) OnSnapshot(peers []peer.Peer) {
	snap := append([]peer.Peer(nil), peers...)
	l.mb.post(func() { l.c.onSnapshot(snap) }, nil)
}

func (l *listener) OnConnected(peerID string, conn io.ReadWriteCloser, address string, incoming bool) {
	l.mb.post(
		func() { l.c.onConnected(peerID, conn, address, incoming) },
		func() {
			logger.Debugf("coordinator stopped, closing connection to %s", peerID)
			conn.Close()
		},
	)
}

func (l *listener) OnConnectFailed(peerID string, err error) {
	l.mb.post(func() { l.c.onConnectFailed(peerID, err) }, nil)
}

// sessionHandler marshals session events onto the loop.
type sessionHandler struct {
	c  *Coordinator
	mb *mailbox
}

func (h *sessionHandler) DataWritten(s *session.Session, b []byte) {
	h.mb.post(func() {
		if h.c.current(s) {
			h.c.emit(peer.Written(b))
		}
	}, nil)
}

func (h *sessionHandler) DataReceived(s *session.Session, b []byte, n int) {
	chunk := b[:n]
	h.mb.post(func() {
		if h.c.current(s) {
			h.c.emit(peer.Read(chunk))
		}
	}, nil)
}

func (h *sessionHandler) Disconnected(s *session.Session, reason error) {
	h.mb.post(func() { h.c.onDisconnected(s, reason) }, nil)
}

// current reports whether s is still the live session of its peer.
func (c *Coordinator) current(s *session.Session) bool {
	l := c.links[s.PeerID()]
	return l != nil && l.s == s
}
