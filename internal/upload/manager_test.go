package upload

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/prxssh/slsk/internal/config"
	"github.com/prxssh/slsk/internal/events"
	"github.com/prxssh/slsk/internal/peerconn"
	"github.com/prxssh/slsk/internal/transfer"
	"github.com/prxssh/slsk/internal/wire"
)

type fakePool struct{}

func (f *fakePool) Connect(context.Context, string, peerconn.Type, uint32) (*peerconn.Conn, error) {
	return nil, context.DeadlineExceeded
}
func (f *fakePool) MarkPending(string, peerconn.Type)  {}
func (f *fakePool) ClearPending(string, peerconn.Type) {}

type fakeIndex struct {
	files map[string]wire.SharedFile
}

func (f *fakeIndex) Lookup(path string) (wire.SharedFile, bool) {
	sf, ok := f.files[path]
	return sf, ok
}
func (f *fakeIndex) Totals() (int, int)                    { return 1, 1 }
func (f *fakeIndex) Match(string) []wire.SharedFile         { return nil }
func (f *fakeIndex) Folder(string) []wire.SharedFile        { return nil }

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

func TestManager_HandleQueueUpload_DeniedWhenNotShared(t *testing.T) {
	m := New(&config.Config{MaxUploadSlots: 1}, &fakePool{}, events.NewBus(nil), &fakeIndex{files: map[string]wire.SharedFile{}}, nil)
	conn := newTestConn(t, "alice")

	m.HandleQueueUpload(conn, &wire.QueueUpload{Filename: "missing.mp3"})

	m.mut.RLock()
	n := len(m.records)
	m.mut.RUnlock()
	if n != 0 {
		t.Fatalf("expected no transfer record for an unshared file, got %d", n)
	}
}

func TestManager_HandleQueueUpload_DeniedByLeechPolicy(t *testing.T) {
	idx := &fakeIndex{files: map[string]wire.SharedFile{"song.mp3": {Filename: "song.mp3", Size: 10}}}
	m := New(&config.Config{MaxUploadSlots: 1, MinSharedFiles: 100}, &fakePool{}, events.NewBus(nil), idx, nil)
	conn := newTestConn(t, "alice")

	m.HandleQueueUpload(conn, &wire.QueueUpload{Filename: "song.mp3"})

	m.mut.RLock()
	n := len(m.records)
	m.mut.RUnlock()
	if n != 0 {
		t.Fatalf("expected no transfer record when leech policy denies, got %d", n)
	}
}

func TestManager_HandleQueueUpload_AcceptedQueuesTransfer(t *testing.T) {
	tmp, err := os.CreateTemp(t.TempDir(), "song-*.mp3")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	tmp.Close()

	idx := &fakeIndex{files: map[string]wire.SharedFile{"song.mp3": {Filename: tmp.Name(), Size: 10}}}
	m := New(&config.Config{MaxUploadSlots: 1}, &fakePool{}, events.NewBus(nil), idx, nil)
	conn := newTestConn(t, "alice")

	m.HandleQueueUpload(conn, &wire.QueueUpload{Filename: "song.mp3"})

	deadline := time.After(2 * time.Second)
	for {
		m.mut.RLock()
		n := len(m.records)
		m.mut.RUnlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected a transfer record to be created")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestManager_HandleTransferResponse_ResolvesAwaiter(t *testing.T) {
	m := New(nil, &fakePool{}, events.NewBus(nil), &fakeIndex{}, nil)

	ch := make(chan *wire.TransferResponse, 1)
	m.registerAwaiter("alice", 7, ch)
	defer m.unregisterAwaiter("alice", 7)

	conn := newTestConn(t, "alice")
	m.HandleTransferResponse(conn, &wire.TransferResponse{Token: 7, Allowed: false, Reason: "nope"})

	select {
	case resp := <-ch:
		if resp.Allowed {
			t.Fatalf("expected Allowed=false")
		}
		if resp.Reason != "nope" {
			t.Fatalf("got reason %q, want nope", resp.Reason)
		}
	case <-time.After(time.Second):
		t.Fatalf("awaiter channel was never signalled")
	}
}

func TestManager_RegisterPendingF_CollisionDropsOlderEntry(t *testing.T) {
	m := New(nil, &fakePool{}, events.NewBus(nil), &fakeIndex{}, nil)

	older := &queuedUpload{record: transfer.New("alice", "song.mp3", 10), filename: "song.mp3", fConnCh: make(chan *peerconn.Conn, 1)}
	newer := &queuedUpload{record: transfer.New("alice", "song.mp3", 10), filename: "song.mp3", fConnCh: make(chan *peerconn.Conn, 1)}

	m.registerPendingF("alice", older)
	m.registerPendingF("alice", newer)

	if older.record.Snapshot().Status != transfer.StatusFailed {
		t.Fatalf("expected the older colliding entry to be failed, got %v", older.record.Snapshot().Status)
	}

	got := m.matchPendingF("alice")
	if got != newer {
		t.Fatalf("expected the newer entry to remain pending")
	}
}

func TestManager_HandleInboundF_MatchesByUsername(t *testing.T) {
	m := New(nil, &fakePool{}, events.NewBus(nil), &fakeIndex{}, nil)
	qu := &queuedUpload{record: transfer.New("alice", "song.mp3", 10), filename: "song.mp3", fConnCh: make(chan *peerconn.Conn, 1)}
	m.registerPendingF("alice", qu)

	conn := newTestConn(t, "alice")
	if !m.HandleInboundF(conn) {
		t.Fatalf("expected the inbound connection to be claimed")
	}

	select {
	case c := <-qu.fConnCh:
		if c != conn {
			t.Fatalf("unexpected connection delivered")
		}
	default:
		t.Fatalf("expected the connection to be handed to the waiting upload")
	}
}
