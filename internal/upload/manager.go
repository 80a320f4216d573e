// Package upload implements the Upload Manager: the symmetric
// counterpart to the Download Manager, driving the uploader side of a
// transfer from a received QueueUpload through to sent bytes (spec §4.4
// [ADDED] Upload Manager).
package upload

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/prxssh/slsk/internal/config"
	"github.com/prxssh/slsk/internal/events"
	"github.com/prxssh/slsk/internal/peerconn"
	"github.com/prxssh/slsk/internal/shareindex"
	"github.com/prxssh/slsk/internal/transfer"
	"github.com/prxssh/slsk/internal/wire"
)

// PoolCommands is the capability set the manager needs from the
// peer-connection pool, mirroring internal/download.PoolCommands.
type PoolCommands interface {
	Connect(ctx context.Context, username string, purpose peerconn.Type, token uint32) (*peerconn.Conn, error)
	MarkPending(username string, purpose peerconn.Type)
	ClearPending(username string, purpose peerconn.Type)
}

type queuedUpload struct {
	record     *transfer.Record
	conn       *peerconn.Conn
	filename   string
	token      uint32
	responseCh chan *wire.TransferResponse
	fConnCh    chan *peerconn.Conn
}

// Manager admits queued uploads, enforces the leech policy, and drives
// each accepted one through TransferRequest/TransferResponse to a
// completed "F" byte stream.
type Manager struct {
	cfg   *config.Config
	pool  PoolCommands
	bus   *events.Bus
	index shareindex.Index
	log   *slog.Logger

	sem chan struct{}

	mut     sync.RWMutex
	records map[uuid.UUID]*transfer.Record

	awaitMut sync.Mutex
	awaiting map[awaiterKey]chan *wire.TransferResponse

	pendingMut sync.Mutex
	// pendingF holds uploads whose TransferResponse has already been sent
	// and are now awaiting an "F" connection, keyed by lowercased
	// username, mirroring download.Manager's pendingF table (spec §4.4
	// [ADDED] Upload Manager "mirrors the downloader's pending-F
	// matching").
	pendingF map[string][]*queuedUpload

	nextToken atomic.Uint32
}

type awaiterKey struct {
	username string
	token    uint32
}

func New(cfg *config.Config, pool PoolCommands, bus *events.Bus, index shareindex.Index, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	slots := 4
	if cfg != nil && cfg.MaxUploadSlots > 0 {
		slots = cfg.MaxUploadSlots
	}
	return &Manager{
		cfg:      cfg,
		pool:     pool,
		bus:      bus,
		index:    index,
		log:      log.With("src", "upload"),
		awaiting: make(map[awaiterKey]chan *wire.TransferResponse),
		sem:      make(chan struct{}, slots),
		records:  make(map[uuid.UUID]*transfer.Record),
		pendingF: make(map[string][]*queuedUpload),
	}
}

func (m *Manager) Get(id uuid.UUID) (transfer.Snapshot, bool) {
	m.mut.RLock()
	rec, ok := m.records[id]
	m.mut.RUnlock()
	if !ok {
		return transfer.Snapshot{}, false
	}
	return rec.Snapshot(), true
}

func (m *Manager) publish(rec *transfer.Record) {
	snap := rec.Snapshot()
	m.bus.Publish(events.Event{
		Kind: events.KindTransferUpdate,
		Data: events.TransferUpdate{
			ID:          snap.ID.String(),
			Status:      snap.Status.String(),
			Transferred: snap.Transferred,
			Err:         snap.Err,
			LocalPath:   snap.LocalPath,
		},
	})
}

func (m *Manager) fail(rec *transfer.Record, err error) {
	rec.Fail(err)
	m.publish(rec)
}

// allowed applies the leech policy (spec §4.4 "enqueue by policy"): a
// peer whose own share is too small is denied, independent of queue
// position.
func (m *Manager) allowed(sharedFolders, sharedFiles int) (bool, string) {
	if m.cfg == nil {
		return true, ""
	}
	if m.cfg.MinSharedFiles > 0 && sharedFiles < m.cfg.MinSharedFiles {
		return false, "Too few shared files"
	}
	if m.cfg.MinSharedFolders > 0 && sharedFolders < m.cfg.MinSharedFolders {
		return false, "Too few shared folders"
	}
	return true, ""
}

// HandleQueueUpload must be wired to peerpool.Callbacks.OnQueueUpload. It
// is the entry point for the uploader side of a transfer: a remote peer
// asked to queue one of our shared files.
func (m *Manager) HandleQueueUpload(conn *peerconn.Conn, msg *wire.QueueUpload) {
	file, ok := m.index.Lookup(msg.Filename)
	if !ok {
		conn.SendPeer(&wire.UploadFailed{Filename: msg.Filename})
		return
	}

	folders, files := m.index.Totals()
	if ok, reason := m.allowed(folders, files); !ok {
		conn.SendPeer(&wire.UploadDenied{Filename: msg.Filename, Reason: reason})
		return
	}

	rec := transfer.New(conn.Username, msg.Filename, int64(file.Size))
	rec.SetStatus(transfer.StatusQueued)

	m.mut.Lock()
	m.records[rec.ID] = rec
	m.mut.Unlock()

	// file.Filename is the Index's own resolution of msg.Filename back to
	// an os.Open-able path; shareindex.Index owns that mapping (§6 — out
	// of scope here), so it is used as-is.
	go m.drive(context.Background(), rec, conn, msg.Filename, file.Filename, file.Size)
}

func (m *Manager) drive(ctx context.Context, rec *transfer.Record, conn *peerconn.Conn, wireFilename, localPath string, size uint64) {
	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		m.fail(rec, ctx.Err())
		return
	}
	defer func() { <-m.sem }()

	token := m.nextToken.Add(1)

	totalCtx, cancel := context.WithTimeout(ctx, m.totalTimeout())
	defer cancel()

	qu := &queuedUpload{
		record:     rec,
		conn:       conn,
		filename:   wireFilename,
		token:      token,
		responseCh: make(chan *wire.TransferResponse, 1),
		fConnCh:    make(chan *peerconn.Conn, 1),
	}

	// Callback-ordering invariant, mirroring download.Manager.drive: the
	// awaiter is registered before the request that can trigger its
	// response goes out.
	m.registerAwaiter(conn.Username, token, qu.responseCh)
	defer m.unregisterAwaiter(conn.Username, token)

	rec.SetStatus(transfer.StatusAccepted)
	m.publish(rec)
	conn.SendPeer(&wire.TransferRequest{Direction: 1, Token: token, Filename: wireFilename, FileSize: size})

	var resp *wire.TransferResponse
	select {
	case resp = <-qu.responseCh:
	case <-totalCtx.Done():
		m.fail(rec, fmt.Errorf("await transfer response: %w", totalCtx.Err()))
		return
	}
	if !resp.Allowed {
		m.fail(rec, fmt.Errorf("transfer response: %s", resp.Reason))
		return
	}

	rec.SetStatus(transfer.StatusAwaitFConn)
	m.publish(rec)

	m.registerPendingF(conn.Username, qu)
	defer m.purgePending(rec)

	fConn, err := m.awaitFConnection(totalCtx, conn.Username, qu)
	if err != nil {
		m.fail(rec, err)
		return
	}

	rec.SetStatus(transfer.StatusSending)
	m.publish(rec)

	if err := m.send(totalCtx, rec, fConn, localPath); err != nil {
		m.fail(rec, err)
		return
	}

	rec.SetStatus(transfer.StatusCompleted)
	m.publish(rec)
}

// awaitFConnection waits up to 5s for an inbound "F" connection matched
// by HandleInboundF (the remote downloader reaching us via its own
// OUTBOUND_F_DIAL), then falls back to dialing out ourselves, mirroring
// download.Manager.awaitFConnection. Either way we are the uploader, so
// we read the transfer-token/offset header the downloader sends rather
// than writing one (spec §4.3).
func (m *Manager) awaitFConnection(ctx context.Context, username string, qu *queuedUpload) (*peerconn.Conn, error) {
	select {
	case c := <-qu.fConnCh:
		if _, _, err := c.ReadFHeader(); err != nil {
			return nil, fmt.Errorf("read F header: %w", err)
		}
		return c, nil
	case <-time.After(5 * time.Second):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// The PeerInit token for an "F" connection is always 0 regardless of
	// the real transfer token (spec.md:85); the real token travels in the
	// unframed header sent after the connection is established.
	fConn, err := m.pool.Connect(ctx, username, peerconn.TypeF, 0)
	if err != nil {
		select {
		case c := <-qu.fConnCh:
			if _, _, err := c.ReadFHeader(); err != nil {
				return nil, fmt.Errorf("read F header: %w", err)
			}
			return c, nil
		case <-ctx.Done():
			return nil, fmt.Errorf("outbound F dial: %w", err)
		}
	}
	if _, _, err := fConn.ReadFHeader(); err != nil {
		return nil, fmt.Errorf("read F header: %w", err)
	}
	return fConn, nil
}

// registerAwaiter maps (username, token) to the channel drive() is
// blocked on for a TransferResponse, mirroring
// download.Manager.registerAwaiter.
func (m *Manager) registerAwaiter(username string, token uint32, ch chan *wire.TransferResponse) {
	m.awaitMut.Lock()
	defer m.awaitMut.Unlock()
	m.awaiting[awaiterKey{strings.ToLower(username), token}] = ch
}

func (m *Manager) unregisterAwaiter(username string, token uint32) {
	m.awaitMut.Lock()
	defer m.awaitMut.Unlock()
	delete(m.awaiting, awaiterKey{strings.ToLower(username), token})
}

// HandleTransferResponse must be wired to peerpool.Callbacks.OnTransferResponse.
func (m *Manager) HandleTransferResponse(conn *peerconn.Conn, msg *wire.TransferResponse) {
	m.awaitMut.Lock()
	ch, ok := m.awaiting[awaiterKey{strings.ToLower(conn.Username), msg.Token}]
	m.awaitMut.Unlock()
	if ok {
		select {
		case ch <- msg:
		default:
		}
	}
}

// registerPendingF enrolls an upload awaiting an inbound "F" connection.
// At most one pending entry may exist per (username, filename); a
// collision drops the older entry, failing it, before the new one is
// enqueued (spec §3 Pending File Transfer Table uniqueness, mirrored for
// the uploader side).
func (m *Manager) registerPendingF(username string, qu *queuedUpload) {
	key := strings.ToLower(username)

	m.pendingMut.Lock()
	defer m.pendingMut.Unlock()

	queue := m.pendingF[key]
	for i, existing := range queue {
		if strings.EqualFold(existing.filename, qu.filename) {
			m.dropCollided(existing)
			queue[i] = qu
			m.pendingF[key] = queue
			return
		}
	}
	m.pendingF[key] = append(queue, qu)
}

// dropCollided fails an older pending-F entry superseded by a fresh
// request for the same (username, filename).
func (m *Manager) dropCollided(qu *queuedUpload) {
	qu.record.Fail(fmt.Errorf("pending F entry superseded by a newer request for the same file"))
	m.publish(qu.record)
}

// HandleInboundF must be wired to peerpool.Callbacks.OnFileTransferConnection.
// It matches the connection's reported username against the pending-F
// table using exact, then case-insensitive, then sole-pending fallback,
// mirroring download.Manager.HandleInboundF, and reports whether it
// claimed the connection. This path is taken when the remote downloader
// reaches us via its own OUTBOUND_F_DIAL fallback instead of waiting for
// our own outbound dial in awaitFConnection.
func (m *Manager) HandleInboundF(conn *peerconn.Conn) bool {
	qu := m.matchPendingF(conn.Username)
	if qu == nil {
		return false
	}

	select {
	case qu.fConnCh <- conn:
	default:
		_ = conn.Close()
	}
	return true
}

func (m *Manager) matchPendingF(username string) *queuedUpload {
	key := strings.ToLower(username)

	m.pendingMut.Lock()
	defer m.pendingMut.Unlock()

	queue := m.pendingF[key]
	if len(queue) == 0 {
		// Sole-pending fallback across all users: only when exactly one
		// pending F upload exists system-wide.
		var sole *queuedUpload
		var soleKey string
		count := 0
		for k, q := range m.pendingF {
			for _, qu := range q {
				count++
				sole = qu
				soleKey = k
			}
		}
		if count == 1 {
			m.removeFromQueue(soleKey, sole)
			return sole
		}
		return nil
	}

	qu := queue[0]
	m.pendingF[key] = queue[1:]
	return qu
}

func (m *Manager) removeFromQueue(key string, target *queuedUpload) {
	queue := m.pendingF[key]
	for i, qu := range queue {
		if qu == target {
			m.pendingF[key] = append(queue[:i], queue[i+1:]...)
			return
		}
	}
}

func (m *Manager) purgePending(rec *transfer.Record) {
	m.pendingMut.Lock()
	defer m.pendingMut.Unlock()
	for key, queue := range m.pendingF {
		for i, qu := range queue {
			if qu.record == rec {
				m.pendingF[key] = append(queue[:i], queue[i+1:]...)
				return
			}
		}
	}
}

func (m *Manager) totalTimeout() time.Duration {
	if m.cfg != nil && m.cfg.TransferTotalTimeout > 0 {
		return m.cfg.TransferTotalTimeout
	}
	return 60 * time.Second
}

func (m *Manager) send(ctx context.Context, rec *transfer.Record, conn *peerconn.Conn, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("upload: open local file: %w", err)
	}
	defer f.Close()

	done := make(chan error, 1)
	go func() {
		n, copyErr := io.Copy(conn.RawConn(), f)
		rec.AddBytes(n)
		done <- copyErr
	}()

	select {
	case err := <-done:
		_ = conn.Close()
		return err
	case <-ctx.Done():
		_ = conn.Close()
		return ctx.Err()
	}
}
