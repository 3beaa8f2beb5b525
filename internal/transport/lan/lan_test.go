package lan

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"bluetooth-peerlink/internal/peer"
	"bluetooth-peerlink/internal/transport"
)

type connected struct {
	id, address string
	incoming    bool
	conn        io.ReadWriteCloser
}

type recListener struct {
	snaps  chan []peer.Peer
	conns  chan connected
	failed chan error
}

func newRecListener() *recListener {
	return &recListener{
		snaps:  make(chan []peer.Peer, 64),
		conns:  make(chan connected, 4),
		failed: make(chan error, 4),
	}
}

func (r *recListener) OnSnapshot(p []peer.Peer) {
	select {
	case r.snaps <- p:
	default:
	}
}

func (r *recListener) OnConnected(id string, conn io.ReadWriteCloser, address string, incoming bool) {
	r.conns <- connected{id: id, address: address, incoming: incoming, conn: conn}
}

func (r *recListener) OnConnectFailed(_ string, err error) { r.failed <- err }

func wait[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timed out")
	}
	var zero T
	return zero
}

func TestAnnouncementDecode(t *testing.T) {
	in := announcement{ID: "node-1", Name: "Kitchen", Port: 40480}
	var out announcement
	if err := out.unmarshal(in.marshal()); err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Fatalf("have %+v want %+v", out, in)
	}

	for name, b := range map[string][]byte{
		"empty":     nil,
		"truncated": in.marshal()[:5],
		"no port":   announcement{ID: "x"}.marshal(),
		"garbage":   {0xff, 0xff, 0xff},
	} {
		if err := out.unmarshal(b); !errors.Is(err, errMalformed) {
			t.Errorf("%s: have %v want errMalformed", name, err)
		}
	}
}

func TestHelloLeavesStreamIntact(t *testing.T) {
	var buf bytes.Buffer
	if err := writeHello(&buf, hello{ID: "B", Name: "Bravo"}); err != nil {
		t.Fatal(err)
	}
	buf.WriteString("payload")

	h, err := readHello(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if h.ID != "B" || h.Name != "Bravo" {
		t.Fatalf("hello %+v", h)
	}
	if rest := buf.String(); rest != "payload" {
		t.Fatalf("stream after hello %q", rest)
	}

	if _, err := readHello(bytes.NewReader([]byte{0xff, 0xff, 0x7f})); !errors.Is(err, errMalformed) {
		t.Fatalf("oversized hello: %v", err)
	}
}

func TestTableExpiresAndSkipsSelf(t *testing.T) {
	tbl := newTable("me", 3*time.Second)
	t0 := time.Now()
	ip := net.IPv4(10, 0, 0, 2)
	tbl.heard(announcement{ID: "me", Port: 1}, ip, t0)
	tbl.heard(announcement{ID: "b", Name: "Bravo", Port: 4000}, ip, t0)
	tbl.heard(announcement{ID: "a", Name: "Alpha", Port: 4001}, ip, t0.Add(2*time.Second))

	snap := tbl.snapshot(t0.Add(2 * time.Second))
	if len(snap) != 2 || snap[0].ID != "a" || snap[1].ID != "b" {
		t.Fatalf("snapshot %+v", snap)
	}
	if snap[1].Address != "10.0.0.2:4000" || snap[1].Name != "Bravo" {
		t.Fatalf("peer %+v", snap[1])
	}

	snap = tbl.snapshot(t0.Add(4 * time.Second))
	if len(snap) != 1 || snap[0].ID != "a" {
		t.Fatalf("after expiry %+v", snap)
	}
}

func TestConnectSendsHello(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("no loopback tcp: %v", err)
	}
	defer ln.Close()

	dialer := New(Config{})
	dl := newRecListener()
	dialer.l, dialer.local = dl, hello{ID: "A", Name: "Alpha"}

	acceptor := New(Config{})
	al := newRecListener()
	acceptor.l = al

	if err := dialer.Connect(context.Background(), peer.Peer{ID: "B", Address: "no-port"}); err == nil {
		t.Fatal("bad address accepted")
	}
	if err := dialer.Connect(context.Background(), peer.Peer{ID: "B", Address: ln.Addr().String()}); err != nil {
		t.Fatal(err)
	}
	server, err := ln.Accept()
	if err != nil {
		t.Fatal(err)
	}
	go acceptor.handshake(server)

	out := wait(t, dl.conns)
	in := wait(t, al.conns)
	defer out.conn.Close()
	defer in.conn.Close()
	if out.id != "B" || out.incoming {
		t.Fatalf("outgoing %+v", out)
	}
	if in.id != "A" || !in.incoming {
		t.Fatalf("incoming %+v", in)
	}

	go out.conn.Write([]byte("hi"))
	buf := make([]byte, 2)
	if _, err := io.ReadFull(in.conn, buf); err != nil || string(buf) != "hi" {
		t.Fatalf("read %q %v", buf, err)
	}

	// Dialing a closed port fails through the listener.
	addr := ln.Addr().String()
	ln.Close()
	if err := dialer.Connect(context.Background(), peer.Peer{ID: "B", Address: addr}); err != nil {
		t.Fatal(err)
	}
	wait(t, dl.failed)
}

func TestDiscoveryOverMulticast(t *testing.T) {
	if testing.Short() {
		t.Skip("multicast")
	}
	cfg := Config{Group: "239.255.77.78:40499", ListenAddr: "127.0.0.1:0", Interval: 50 * time.Millisecond, Loopback: true}
	a, b := New(cfg), New(cfg)
	defer a.Close()
	defer b.Close()

	al, bl := newRecListener(), newRecListener()
	if err := a.StartDiscovery(context.Background(), "A", "Alpha", al); err != nil {
		if errors.Is(err, transport.ErrTransportUnavailable) {
			t.Skipf("multicast unavailable: %v", err)
		}
		t.Fatal(err)
	}
	if err := b.StartDiscovery(context.Background(), "B", "Bravo", bl); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-bl.snaps:
			for _, p := range snap {
				if p.ID == "A" && p.Name == "Alpha" {
					if err := b.StopDiscovery(); err != nil {
						t.Fatal(err)
					}
					return
				}
			}
		case <-deadline:
			t.Skip("multicast not routed on this host")
		}
	}
}
