package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"bluetooth-peerlink/internal/peer"
	"bluetooth-peerlink/internal/transport"
)

var (
	phoneA = peer.Peer{ID: "A", Name: "Phone1", Address: "aa"}
	phoneB = peer.Peer{ID: "B", Name: "Phone2", Address: "bb"}
)

type recSink struct{ ch chan peer.Event }

func newRecSink() *recSink { return &recSink{ch: make(chan peer.Event, 256)} }

func (r *recSink) Publish(ev peer.Event) { r.ch <- ev }

func (r *recSink) next(t *testing.T) peer.Event {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return peer.Event{}
}

// expect reads the next event and checks it is a peerChanged carrying
// exactly the given statuses.
func (r *recSink) expect(t *testing.T, want ...peer.Status) peer.Event {
	t.Helper()
	ev := r.next(t)
	if ev.Kind != peer.KindPeerChanged {
		t.Fatalf("have %s event want peerChanged", ev.Kind)
	}
	if len(ev.Peers) != len(want) {
		t.Fatalf("have %+v want %+v", ev.Peers, want)
	}
	for i := range want {
		if ev.Peers[i] != want[i] {
			t.Fatalf("have %+v want %+v", ev.Peers, want)
		}
	}
	return ev
}

func (r *recSink) expectMessage(t *testing.T, want peer.Message) {
	t.Helper()
	ev := r.next(t)
	if ev.Kind != peer.KindMessaging || ev.Message == nil || *ev.Message != want {
		t.Fatalf("have %+v want messaging %+v", ev, want)
	}
}

func (r *recSink) expectNone(t *testing.T) {
	t.Helper()
	select {
	case ev := <-r.ch:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func st(p peer.Peer, s peer.State) peer.Status { return peer.StatusOf(p, s) }

func newTestCoordinator(t *testing.T, cfg Config) (*Coordinator, *transport.Memory, *recSink) {
	t.Helper()
	tr := transport.NewMemory()
	sink := newRecSink()
	c := New(tr, sink, cfg)
	if err := c.Start(context.Background(), "local-id", "Local"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { c.Stop() })
	return c, tr, sink
}

// settle waits until everything posted so far has been applied.
func settle(c *Coordinator) { c.Peers() }

func readString(t *testing.T, conn net.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("remote read: %v", err)
	}
	return string(buf[:n])
}

func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("have %v want EOF on closed connection", err)
	}
}

func TestAvailableUnavailableThenUnknownConnect(t *testing.T) {
	c, tr, sink := newTestCoordinator(t, Config{})

	tr.Publish(phoneA)
	sink.expect(t, st(phoneA, peer.Available))

	tr.Publish()
	sink.expect(t, st(phoneA, peer.Unavailable))

	if c.Connect("A") {
		t.Fatal("connect to vanished peer was accepted")
	}
	ev := sink.expect(t, peer.Status{ID: "A", State: peer.ConnectingFailed})
	if !errors.Is(ev.Err, ErrPeerNotFound) {
		t.Fatalf("cause %v want ErrPeerNotFound", ev.Err)
	}
	if len(tr.Attempts()) != 0 {
		t.Fatal("transport should not see an attempt for an unknown peer")
	}
}

func TestRepeatedSnapshotIsQuiet(t *testing.T) {
	c, tr, sink := newTestCoordinator(t, Config{})

	tr.Publish(phoneA, phoneB)
	sink.expect(t, st(phoneA, peer.Available), st(phoneB, peer.Available))

	tr.Publish(phoneA, phoneB)
	tr.Publish(phoneB, phoneA)
	settle(c)
	sink.expectNone(t)

	for i := 0; i < 3; i++ {
		tr.Publish(phoneB)
	}
	sink.expect(t, st(phoneA, peer.Unavailable))
	settle(c)
	sink.expectNone(t)
}

func TestConnectSendReceiveDisconnect(t *testing.T) {
	c, tr, sink := newTestCoordinator(t, Config{})

	tr.Publish(phoneA)
	sink.expect(t, st(phoneA, peer.Available))

	if !c.Connect("A") {
		t.Fatal("Connect rejected")
	}
	sink.expect(t, st(phoneA, peer.Connecting))
	if at := tr.Attempts(); len(at) != 1 || at[0].ID != "A" {
		t.Fatalf("attempts %+v", at)
	}

	remote := tr.Deliver("A", "aa", false)
	defer remote.Close()
	sink.expect(t, st(phoneA, peer.Connected))

	go remote.Write([]byte("hi"))
	sink.expectMessage(t, peer.Message{Dir: peer.Incoming, Text: "hi"})

	if !c.Send([]byte("yo")) {
		t.Fatal("Send found no session")
	}
	if got := readString(t, remote); got != "yo" {
		t.Fatalf("remote got %q", got)
	}
	sink.expectMessage(t, peer.Message{Dir: peer.Outgoing, Text: "yo"})

	if c.SendTo("B", []byte("x")) {
		t.Fatal("SendTo an unconnected peer succeeded")
	}

	startsBefore := tr.Starts()
	remote.Close()
	ev := sink.expect(t, st(phoneA, peer.Disconnected))
	if !errors.Is(ev.Err, io.EOF) {
		t.Fatalf("cause %v want EOF", ev.Err)
	}
	settle(c)
	if tr.Starts() != startsBefore+1 {
		t.Fatalf("discovery was not restarted: %d starts", tr.Starts())
	}
	if id, name := tr.Local(); id != "local-id" || name != "Local" {
		t.Fatalf("restart used %q/%q", id, name)
	}

	// Forgotten after the drop: the same snapshot reports A again.
	tr.Publish(phoneA)
	sink.expect(t, st(phoneA, peer.Available))
	if c.Send([]byte("gone")) {
		t.Fatal("Send succeeded without a session")
	}
}

func TestConcurrentConnectRejected(t *testing.T) {
	c, tr, sink := newTestCoordinator(t, Config{})

	tr.Publish(phoneA, phoneB)
	sink.expect(t, st(phoneA, peer.Available), st(phoneB, peer.Available))

	if !c.Connect("A") {
		t.Fatal("first Connect rejected")
	}
	sink.expect(t, st(phoneA, peer.Connecting))

	if c.Connect("B") {
		t.Fatal("second concurrent Connect accepted")
	}
	ev := sink.expect(t, st(phoneB, peer.ConnectingFailed))
	if !errors.Is(ev.Err, ErrConnectInProgress) {
		t.Fatalf("cause %v want ErrConnectInProgress", ev.Err)
	}

	if c.Connect("A") {
		t.Fatal("duplicate Connect accepted")
	}
	settle(c)
	sink.expectNone(t)
	if n := len(tr.Attempts()); n != 1 {
		t.Fatalf("transport saw %d attempts", n)
	}

	// B was forgotten and comes back with the next snapshot.
	tr.Publish(phoneA, phoneB)
	sink.expect(t, st(phoneB, peer.Available))
}

func TestConnectFailureReported(t *testing.T) {
	c, tr, sink := newTestCoordinator(t, Config{})

	tr.Publish(phoneA)
	sink.expect(t, st(phoneA, peer.Available))
	c.Connect("A")
	sink.expect(t, st(phoneA, peer.Connecting))

	tr.Fail("B", errors.New("unrelated"))
	tr.Fail("A", errors.New("refused"))
	ev := sink.expect(t, st(phoneA, peer.ConnectingFailed))
	if !errors.Is(ev.Err, ErrConnectFailed) {
		t.Fatalf("cause %v want ErrConnectFailed", ev.Err)
	}

	tr.Publish(phoneA)
	sink.expect(t, st(phoneA, peer.Available))
	if !c.Connect("A") {
		t.Fatal("retry after failure rejected")
	}
	sink.expect(t, st(phoneA, peer.Connecting))
}

func TestRetryStraightAfterFailure(t *testing.T) {
	c, tr, sink := newTestCoordinator(t, Config{})

	tr.Publish(phoneA, phoneB)
	sink.expect(t, st(phoneA, peer.Available), st(phoneB, peer.Available))

	c.Connect("B")
	sink.expect(t, st(phoneB, peer.Connecting))
	tr.Fail("B", errors.New("refused"))
	sink.expect(t, st(phoneB, peer.ConnectingFailed))

	// B is still in the last snapshot, so it can be retried at once.
	if !c.Connect("B") {
		t.Fatal("retry after failure rejected")
	}
	sink.expect(t, st(phoneB, peer.Connecting))
	tr.Fail("B", errors.New("refused again"))
	sink.expect(t, st(phoneB, peer.ConnectingFailed))

	c.Connect("A")
	sink.expect(t, st(phoneA, peer.Connecting))
	// A rejected attempt still names the peer.
	if c.Connect("B") {
		t.Fatal("Connect accepted while another attempt is pending")
	}
	ev := sink.expect(t, st(phoneB, peer.ConnectingFailed))
	if !errors.Is(ev.Err, ErrConnectInProgress) {
		t.Fatalf("cause %v want ErrConnectInProgress", ev.Err)
	}
	if n := len(tr.Attempts()); n != 3 {
		t.Fatalf("transport saw %d attempts want 3", n)
	}
}

func TestAddressChangeKeepsPeerAvailable(t *testing.T) {
	c, tr, sink := newTestCoordinator(t, Config{})

	tr.Publish(phoneA)
	sink.expect(t, st(phoneA, peer.Available))

	moved := phoneA
	moved.Address = "aa2"
	tr.Publish(moved, phoneB)
	sink.expect(t, st(phoneB, peer.Available))
	if peers := c.Peers(); len(peers) != 2 || peers[0] != st(phoneA, peer.Available) {
		t.Fatalf("peers %+v", peers)
	}

	// Forgotten and moved in the same pass: reported once as Available.
	c.Connect("A")
	sink.expect(t, st(phoneA, peer.Connecting))
	tr.Fail("A", errors.New("refused"))
	sink.expect(t, st(phoneA, peer.ConnectingFailed))
	tr.Publish(phoneA, phoneB)
	sink.expect(t, st(phoneA, peer.Available))
	settle(c)
	sink.expectNone(t)
}

func TestSynchronousTransportFailure(t *testing.T) {
	c, tr, sink := newTestCoordinator(t, Config{})

	tr.Publish(phoneA)
	sink.expect(t, st(phoneA, peer.Available))

	tr.ConnectErr = errors.New("adapter busy")
	if c.Connect("A") {
		t.Fatal("Connect accepted despite immediate failure")
	}
	ev := sink.expect(t, st(phoneA, peer.ConnectingFailed))
	if !errors.Is(ev.Err, ErrConnectFailed) {
		t.Fatalf("cause %v want ErrConnectFailed", ev.Err)
	}
}

func TestConnectTimeoutClosesLateSocket(t *testing.T) {
	c, tr, sink := newTestCoordinator(t, Config{ConnectTimeout: 50 * time.Millisecond})

	tr.Publish(phoneA)
	sink.expect(t, st(phoneA, peer.Available))
	c.Connect("A")
	sink.expect(t, st(phoneA, peer.Connecting))

	ev := sink.expect(t, st(phoneA, peer.ConnectingFailed))
	if !errors.Is(ev.Err, ErrConnectTimeout) {
		t.Fatalf("cause %v want ErrConnectTimeout", ev.Err)
	}

	late := tr.Deliver("A", "aa", false)
	defer late.Close()
	expectClosed(t, late)
	settle(c)
	sink.expectNone(t)
}

func TestNewConnectionReplacesSession(t *testing.T) {
	c, tr, sink := newTestCoordinator(t, Config{})

	tr.Publish(phoneA)
	sink.expect(t, st(phoneA, peer.Available))

	first := tr.Deliver("A", "aa", true)
	defer first.Close()
	sink.expect(t, st(phoneA, peer.Connected))

	second := tr.Deliver("A", "aa", true)
	defer second.Close()
	ev := sink.expect(t, st(phoneA, peer.Disconnected))
	if !errors.Is(ev.Err, ErrReplaced) {
		t.Fatalf("cause %v want ErrReplaced", ev.Err)
	}
	sink.expect(t, st(phoneA, peer.Connected))
	expectClosed(t, first)

	if !c.Send([]byte("new")) {
		t.Fatal("Send found no session")
	}
	if got := readString(t, second); got != "new" {
		t.Fatalf("second connection got %q", got)
	}
	sink.expectMessage(t, peer.Message{Dir: peer.Outgoing, Text: "new"})
	settle(c)
	sink.expectNone(t)
}

func TestStopIsIdempotent(t *testing.T) {
	c, tr, sink := newTestCoordinator(t, Config{})

	tr.Publish(phoneA, phoneB)
	sink.expect(t, st(phoneA, peer.Available), st(phoneB, peer.Available))
	remote := tr.Deliver("A", "aa", true)
	defer remote.Close()
	sink.expect(t, st(phoneA, peer.Connected))
	c.Connect("B")
	sink.expect(t, st(phoneB, peer.Connecting))

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// Both reports are published before Stop returns.
	sink.expect(t, st(phoneB, peer.ConnectingFailed))
	sink.expect(t, st(phoneA, peer.Disconnected))
	expectClosed(t, remote)
	if tr.Running() {
		t.Fatal("discovery still running")
	}

	if err := c.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	sink.expectNone(t)
	if c.Running() || c.Connect("A") || c.Send([]byte("x")) || c.Peers() != nil {
		t.Fatal("stopped coordinator still serves requests")
	}
	if tr.Starts() != 1 {
		t.Fatalf("stop restarted discovery: %d starts", tr.Starts())
	}

	// Deliveries after stop are refused and closed.
	late := tr.Deliver("A", "aa", true)
	defer late.Close()
	expectClosed(t, late)
}

func TestStartSurfacesUnavailableTransport(t *testing.T) {
	tr := transport.NewMemory()
	tr.StartErr = fmt.Errorf("%w: no adapter", transport.ErrTransportUnavailable)
	c := New(tr, nil, Config{})

	err := c.Start(context.Background(), "id", "name")
	if !errors.Is(err, transport.ErrTransportUnavailable) {
		t.Fatalf("have %v want ErrTransportUnavailable", err)
	}
	if c.Running() {
		t.Fatal("failed start left the coordinator running")
	}

	if err := c.Start(context.Background(), "id", "name"); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	defer c.Stop()
	if err := c.Start(context.Background(), "id", "name"); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("have %v want ErrAlreadyStarted", err)
	}
}

func TestRestartAfterStop(t *testing.T) {
	c, tr, sink := newTestCoordinator(t, Config{})

	tr.Publish(phoneA)
	sink.expect(t, st(phoneA, peer.Available))
	c.Stop()

	if err := c.Start(context.Background(), "local-id", "Local"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	// The registry was discarded, so A is new again.
	tr.Publish(phoneA)
	sink.expect(t, st(phoneA, peer.Available))
}

func TestSnapshotsDoNotOverrideHeldStates(t *testing.T) {
	c, tr, sink := newTestCoordinator(t, Config{})

	tr.Publish(phoneA, phoneB)
	sink.expect(t, st(phoneA, peer.Available), st(phoneB, peer.Available))
	remote := tr.Deliver("A", "aa", false)
	defer remote.Close()
	// Not pending and not incoming: a stray socket is refused.
	expectClosed(t, remote)

	c.Connect("A")
	sink.expect(t, st(phoneA, peer.Connecting))
	conn := tr.Deliver("A", "aa", false)
	defer conn.Close()
	sink.expect(t, st(phoneA, peer.Connected))

	// A drops out of discovery while connected: nothing is reported for it.
	tr.Publish(phoneB)
	settle(c)
	sink.expectNone(t)

	peers := c.Peers()
	if len(peers) != 2 || peers[0] != st(phoneA, peer.Connected) || peers[1] != st(phoneB, peer.Available) {
		t.Fatalf("peers %+v", peers)
	}

	conn.Close()
	sink.expect(t, st(phoneA, peer.Disconnected))
	tr.Publish(phoneB)
	sink.expect(t, st(phoneA, peer.Unavailable))
}

func TestSuppressWhileConnected(t *testing.T) {
	c, tr, sink := newTestCoordinator(t, Config{SuppressWhileConnected: true})

	tr.Publish(phoneA, phoneB)
	sink.expect(t, st(phoneA, peer.Available), st(phoneB, peer.Available))

	remote := tr.Deliver("A", "aa", true)
	defer remote.Close()
	sink.expect(t, st(phoneA, peer.Connected))

	tr.Publish()
	tr.Publish(phoneB)
	settle(c)
	sink.expectNone(t)
	if peers := c.Peers(); len(peers) != 1 || peers[0] != st(phoneA, peer.Connected) {
		t.Fatalf("peers %+v", peers)
	}
	if c.Connect("B") {
		t.Fatal("suppressed peer should not resolve")
	}
	sink.expect(t, peer.Status{ID: "B", State: peer.ConnectingFailed})

	remote.Close()
	sink.expect(t, st(phoneA, peer.Disconnected))
	tr.Publish(phoneA, phoneB)
	sink.expect(t, st(phoneA, peer.Available), st(phoneB, peer.Available))
}
