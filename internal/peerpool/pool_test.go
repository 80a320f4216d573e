package peerpool

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prxssh/slsk/internal/peerconn"
)

type fakeServerCommands struct {
	ip, port uint32
	calls    int
}

func (f *fakeServerCommands) GetPeerAddress(_ context.Context, _ string) (uint32, uint32, error) {
	f.calls++
	return f.ip, f.port, nil
}

func (f *fakeServerCommands) SendCantConnectToPeer(_ uint32, _ string) {}

func newTestConn(t *testing.T) *peerconn.Conn {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return peerconn.New(client, nil)
}

// newTestConnPair is like newTestConn but also hands back the peer end of
// the pipe, so a test can observe when the connection's socket closes.
func newTestConnPair(t *testing.T) (*peerconn.Conn, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return peerconn.New(client, nil), server
}

func TestPool_PromoteInboundResolvesPendingDial(t *testing.T) {
	p := New(nil, &fakeServerCommands{}, Callbacks{}, 10)

	future := &dialFuture{done: make(chan struct{})}
	p.pendingDial.Put(entryKey("alice", peerconn.TypeP), future)

	conn := newTestConn(t)
	if !p.promoteInbound("alice", peerconn.TypeP, conn) {
		t.Fatalf("expected promotion to succeed")
	}

	select {
	case <-future.done:
	default:
		t.Fatalf("expected the pending dial future to be resolved")
	}
	if future.conn != conn {
		t.Fatalf("future resolved with the wrong connection")
	}
	if _, ok := p.Lookup("alice", peerconn.TypeP); !ok {
		t.Fatalf("expected the promoted connection to be admitted")
	}

	// A second promotion attempt for the same (now-consumed) future must
	// not win the race again.
	other := newTestConn(t)
	if p.promoteInbound("alice", peerconn.TypeP, other) {
		t.Fatalf("expected a second promotion against an already-resolved future to fail")
	}
}

func TestPool_AdmitClosesReplacedConnection(t *testing.T) {
	p := New(nil, &fakeServerCommands{}, Callbacks{}, 10)

	first, firstPeer := newTestConnPair(t)
	first.Username = "alice"
	first.Type = peerconn.TypeP
	p.Admit(first, peerconn.TypeP)

	second := newTestConn(t)
	second.Username = "alice"
	second.Type = peerconn.TypeP
	p.Admit(second, peerconn.TypeP)

	if _, err := firstPeer.Write([]byte("x")); err == nil {
		t.Fatalf("expected the replaced connection's socket to be closed")
	}
}

func TestPool_CapEvictsOldestIdlePConnection(t *testing.T) {
	oldThreshold := idleEvictThreshold
	idleEvictThreshold = 5 * time.Millisecond
	defer func() { idleEvictThreshold = oldThreshold }()

	p := New(nil, &fakeServerCommands{}, Callbacks{}, 4)

	usernames := []string{"a", "b", "c", "d"}
	for _, u := range usernames {
		c := newTestConn(t)
		c.Username = u
		c.Type = peerconn.TypeP
		p.Admit(c, peerconn.TypeP)
	}

	time.Sleep(10 * time.Millisecond)

	if p.Count() != 4 {
		t.Fatalf("expected 4 tracked connections, got %d", p.Count())
	}

	newConn := newTestConn(t)
	newConn.Username = "e"
	newConn.Type = peerconn.TypeP
	p.Admit(newConn, peerconn.TypeP)

	if p.Count() != 4 {
		t.Fatalf("expected cap to hold at 4 after eviction+admit, got %d", p.Count())
	}

	if _, ok := p.Lookup("e", peerconn.TypeP); !ok {
		t.Fatalf("expected newly admitted connection 'e' to be present")
	}

	survivors := 0
	for _, u := range usernames {
		if _, ok := p.Lookup(u, peerconn.TypeP); ok {
			survivors++
		}
	}
	if survivors != 3 {
		t.Fatalf("expected exactly one of the original 4 to be evicted, got %d survivors", survivors)
	}
}

func TestPool_PendingConnectionsNeverEvicted(t *testing.T) {
	oldThreshold := idleEvictThreshold
	idleEvictThreshold = 1 * time.Millisecond
	defer func() { idleEvictThreshold = oldThreshold }()

	p := New(nil, &fakeServerCommands{}, Callbacks{}, 1)

	pending := newTestConn(t)
	pending.Username = "pinned"
	pending.Type = peerconn.TypeP
	p.Admit(pending, peerconn.TypeP)
	p.MarkPending("pinned", peerconn.TypeP)

	time.Sleep(5 * time.Millisecond)

	other := newTestConn(t)
	other.Username = "newcomer"
	other.Type = peerconn.TypeP
	p.Admit(other, peerconn.TypeP)

	if _, ok := p.Lookup("pinned", peerconn.TypeP); !ok {
		t.Fatalf("pinned (pending) connection must not be evicted")
	}
}

func TestPool_AddressResolutionCoalesces(t *testing.T) {
	fake := &fakeServerCommands{ip: 0x01020304, port: 2234}
	p := New(nil, fake, Callbacks{}, 10)

	ctx := context.Background()
	results := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func() {
			_, _, err := p.resolveAddress(ctx, "shared-user")
			results <- err
		}()
	}
	for i := 0; i < 5; i++ {
		if err := <-results; err != nil {
			t.Fatalf("resolveAddress returned error: %v", err)
		}
	}

	if fake.calls != 1 {
		t.Fatalf("expected exactly 1 server round trip, got %d", fake.calls)
	}
}
