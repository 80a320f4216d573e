package download

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/prxssh/slsk/internal/config"
	"github.com/prxssh/slsk/internal/events"
	"github.com/prxssh/slsk/internal/peerconn"
	"github.com/prxssh/slsk/internal/transfer"
	"github.com/prxssh/slsk/internal/wire"
)

type fakePool struct {
	connectErr error
	conn       *peerconn.Conn
}

func (f *fakePool) Connect(_ context.Context, _ string, _ peerconn.Type, _ uint32) (*peerconn.Conn, error) {
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	return f.conn, nil
}

func (f *fakePool) MarkPending(string, peerconn.Type)  {}
func (f *fakePool) ClearPending(string, peerconn.Type) {}

func newTestConn(t *testing.T, username string) *peerconn.Conn {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	c := peerconn.New(client, nil)
	c.Username = username
	c.Type = peerconn.TypeP
	return c
}

func TestManager_QueueFailsWhenConnectFails(t *testing.T) {
	m := New(&config.Config{MaxDownloadSlots: 1}, &fakePool{connectErr: errors.New("dial refused")}, events.NewBus(nil), nil)

	id := m.Queue(context.Background(), Result{Username: "alice", Filename: "song.mp3", Size: 100})

	var snap transfer.Snapshot
	deadline := time.After(2 * time.Second)
	for {
		s, ok := m.Get(id)
		if ok && (s.Status == transfer.StatusFailed || s.Status == transfer.StatusCompleted) {
			snap = s
			break
		}
		select {
		case <-deadline:
			t.Fatalf("transfer never reached a terminal state")
		case <-time.After(time.Millisecond):
		}
	}

	if snap.Status != transfer.StatusFailed {
		t.Fatalf("expected StatusFailed, got %v", snap.Status)
	}
	if snap.Err == nil {
		t.Fatalf("expected a failure error to be recorded")
	}
}

func TestManager_HandleTransferRequestResolvesAwaiter(t *testing.T) {
	m := New(nil, &fakePool{}, events.NewBus(nil), nil)
	conn := newTestConn(t, "alice")

	ch := make(chan *wire.TransferRequest, 1)
	m.registerAwaiter("Alice", 42, ch)
	defer m.unregisterAwaiter("Alice", 42)

	m.HandleTransferRequest(conn, &wire.TransferRequest{Token: 42, FileSize: 1234})

	select {
	case req := <-ch:
		if req.FileSize != 1234 {
			t.Fatalf("got FileSize %d, want 1234", req.FileSize)
		}
	case <-time.After(time.Second):
		t.Fatalf("awaiter channel was never signalled")
	}
}

func TestManager_MatchPendingF_ExactUsername(t *testing.T) {
	m := New(nil, &fakePool{}, events.NewBus(nil), nil)
	pt := &pendingTransfer{matchedCh: make(chan *peerconn.Conn, 1)}
	m.registerPendingF("alice", pt)

	got := m.matchPendingF("alice", 0)
	if got != pt {
		t.Fatalf("expected exact-username match")
	}
	if _, ok := m.pendingF["alice"]; ok && len(m.pendingF["alice"]) != 0 {
		t.Fatalf("matched entry should have been dequeued")
	}
}

func TestManager_MatchPendingF_SolePendingFallback(t *testing.T) {
	m := New(nil, &fakePool{}, events.NewBus(nil), nil)
	pt := &pendingTransfer{matchedCh: make(chan *peerconn.Conn, 1)}
	m.registerPendingF("ALICE", pt)

	// Connection reports a different-cased / mismatched username, but
	// since exactly one transfer is pending system-wide it still matches.
	got := m.matchPendingF("someoneElse", 0)
	if got != pt {
		t.Fatalf("expected sole-pending fallback to match")
	}
}

func TestManager_MatchPendingF_NoFallbackWhenMultiplePending(t *testing.T) {
	m := New(nil, &fakePool{}, events.NewBus(nil), nil)
	pt1 := &pendingTransfer{matchedCh: make(chan *peerconn.Conn, 1)}
	pt2 := &pendingTransfer{matchedCh: make(chan *peerconn.Conn, 1)}
	m.registerPendingF("alice", pt1)
	m.registerPendingF("bob", pt2)

	got := m.matchPendingF("carol", 0)
	if got != nil {
		t.Fatalf("expected no match when more than one transfer is pending")
	}
}

func TestManager_RegisterPendingF_CollisionDropsOlderEntry(t *testing.T) {
	m := New(nil, &fakePool{}, events.NewBus(nil), nil)

	older := &pendingTransfer{record: transfer.New("alice", "song.mp3", 10), matchedCh: make(chan *peerconn.Conn, 1)}
	newer := &pendingTransfer{record: transfer.New("alice", "song.mp3", 10), matchedCh: make(chan *peerconn.Conn, 1)}

	m.registerPendingF("alice", older)
	m.registerPendingF("alice", newer)

	if older.record.Snapshot().Status != transfer.StatusFailed {
		t.Fatalf("expected the older colliding entry to be failed, got %v", older.record.Snapshot().Status)
	}

	got := m.matchPendingF("alice", 0)
	if got != newer {
		t.Fatalf("expected the newer entry to remain pending")
	}
}

func TestManager_HandleInboundF_MatchesByUsername(t *testing.T) {
	m := New(nil, &fakePool{}, events.NewBus(nil), nil)
	pt := &pendingTransfer{record: transfer.New("alice", "song.mp3", 10), token: 42, matchedCh: make(chan *peerconn.Conn, 1)}
	m.registerPendingF("alice", pt)

	conn := newTestConn(t, "alice")
	conn.Type = peerconn.TypeF

	if !m.HandleInboundF(conn) {
		t.Fatalf("expected the inbound connection to be claimed")
	}

	select {
	case c := <-pt.matchedCh:
		if c != conn {
			t.Fatalf("unexpected connection delivered")
		}
	default:
		t.Fatalf("expected the connection to be handed to the waiting download")
	}
}

func TestManager_CancelPurgesPendingEntry(t *testing.T) {
	m := New(nil, &fakePool{}, events.NewBus(nil), nil)
	rec := transfer.New("alice", "song.mp3", 100)
	pt := &pendingTransfer{record: rec, matchedCh: make(chan *peerconn.Conn, 1)}

	m.mut.Lock()
	m.records[rec.ID] = rec
	m.mut.Unlock()
	m.registerPendingF("alice", pt)

	m.Cancel(rec.ID)

	if got := m.matchPendingF("alice", 0); got != nil {
		t.Fatalf("expected pending entry to be purged on cancel")
	}
	snap, _ := m.Get(rec.ID)
	if snap.Status != transfer.StatusCancelled {
		t.Fatalf("expected StatusCancelled, got %v", snap.Status)
	}
}
