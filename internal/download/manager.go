// Package download implements the Download Manager: the per-transfer
// state machine that drives a queued result to completion or failure
// without further caller intervention (spec §4.4).
package download

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/prxssh/slsk/internal/config"
	"github.com/prxssh/slsk/internal/events"
	"github.com/prxssh/slsk/internal/peerconn"
	"github.com/prxssh/slsk/internal/transfer"
	"github.com/prxssh/slsk/internal/wire"
)

// PoolCommands is the capability set the manager needs from the
// peer-connection pool (spec §9 interface abstractions).
type PoolCommands interface {
	Connect(ctx context.Context, username string, purpose peerconn.Type, token uint32) (*peerconn.Conn, error)
	MarkPending(username string, purpose peerconn.Type)
	ClearPending(username string, purpose peerconn.Type)
}

// Result is the minimal shape of a search result the caller wants to
// download; the full SharedFile/FileSearchResult types live in
// internal/wire.
type Result struct {
	Username string
	Filename string // SoulSeek path, backslash-separated, possibly @@root-prefixed
	Size     int64
}

type pendingTransfer struct {
	record    *transfer.Record
	token     uint32
	conn      *peerconn.Conn
	destPath  string
	matchedCh chan *peerconn.Conn
}

// Manager drives every queued download concurrently, bounded by a dial
// semaphore sized to MaxDownloadSlots (the same pattern as the teacher's
// pkg/peer/manager.go dialSem).
type Manager struct {
	cfg  *config.Config
	pool PoolCommands
	bus  *events.Bus
	log  *slog.Logger

	dialSem chan struct{}

	mut     sync.RWMutex
	records map[uuid.UUID]*transfer.Record

	pendingMut sync.Mutex
	// pendingF is keyed by lowercased username; each entry is a queue of
	// transfers awaiting an inbound "F" connection (spec §4.4
	// F-connection matching, §8 Pending-F uniqueness).
	pendingF map[string][]*pendingTransfer

	awaitMut sync.Mutex
	awaiting map[awaiterKey]chan *wire.TransferRequest

	nextToken atomic.Uint32
}

func New(cfg *config.Config, pool PoolCommands, bus *events.Bus, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	slots := 4
	if cfg != nil && cfg.MaxDownloadSlots > 0 {
		slots = cfg.MaxDownloadSlots
	}
	return &Manager{
		cfg:      cfg,
		pool:     pool,
		bus:      bus,
		log:      log.With("src", "download"),
		dialSem:  make(chan struct{}, slots),
		records:  make(map[uuid.UUID]*transfer.Record),
		pendingF: make(map[string][]*pendingTransfer),
		awaiting: make(map[awaiterKey]chan *wire.TransferRequest),
	}
}

// Queue enqueues a download and returns its transfer id immediately; the
// manager drives it to completion or failure in the background (spec
// §4.4 Contract).
func (m *Manager) Queue(ctx context.Context, res Result) uuid.UUID {
	rec := transfer.New(res.Username, res.Filename, res.Size)

	m.mut.Lock()
	m.records[rec.ID] = rec
	m.mut.Unlock()

	go m.drive(ctx, rec, res)

	return rec.ID
}

// Get returns a point-in-time snapshot of a transfer, if known.
func (m *Manager) Get(id uuid.UUID) (transfer.Snapshot, bool) {
	m.mut.RLock()
	rec, ok := m.records[id]
	m.mut.RUnlock()
	if !ok {
		return transfer.Snapshot{}, false
	}
	return rec.Snapshot(), true
}

// Cancel marks a transfer cancelled; any pending-F entry is purged and
// its connection, if any, is closed (spec §5 Cancellation).
func (m *Manager) Cancel(id uuid.UUID) {
	m.mut.RLock()
	rec, ok := m.records[id]
	m.mut.RUnlock()
	if !ok {
		return
	}
	rec.SetStatus(transfer.StatusCancelled)
	m.purgePending(rec)
}

func (m *Manager) purgePending(rec *transfer.Record) {
	key := strings.ToLower(rec.Username)

	m.pendingMut.Lock()
	defer m.pendingMut.Unlock()

	queue := m.pendingF[key]
	for i, pt := range queue {
		if pt.record == rec {
			if pt.conn != nil {
				_ = pt.conn.Close()
			}
			m.pendingF[key] = append(queue[:i], queue[i+1:]...)
			return
		}
	}
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

// drive runs the full state machine for one download (spec §4.4
// state diagram).
func (m *Manager) drive(ctx context.Context, rec *transfer.Record, res Result) {
	select {
	case m.dialSem <- struct{}{}:
	case <-ctx.Done():
		m.fail(rec, ctx.Err())
		return
	}
	defer func() { <-m.dialSem }()

	rec.SetStatus(transfer.StatusConnecting)
	m.publish(rec)

	token := m.nextToken.Add(1)

	totalCtx, cancel := context.WithTimeout(ctx, m.totalTimeout())
	defer cancel()

	conn, err := m.pool.Connect(totalCtx, res.Username, peerconn.TypeP, token)
	if err != nil {
		m.fail(rec, fmt.Errorf("connect: %w", err))
		return
	}
	rec.SetStatus(transfer.StatusConnected)
	m.publish(rec)

	pt := &pendingTransfer{
		record:    rec,
		token:     token,
		destPath:  Destination(m.downloadRoot(), res.Username, res.Filename),
		matchedCh: make(chan *peerconn.Conn, 1),
	}

	// Callback-ordering invariant: register before sending QueueUpload
	// (spec §4.4). The pool already wired conn's dispatch at admit time;
	// register our per-transfer waiter now.
	awaitCh := make(chan *wire.TransferRequest, 1)
	m.registerAwaiter(conn.Username, token, awaitCh)
	defer m.unregisterAwaiter(conn.Username, token)

	rec.SetStatus(transfer.StatusSendQueue)
	m.publish(rec)
	m.pool.MarkPending(res.Username, peerconn.TypeP)
	conn.SendPeer(&wire.QueueUpload{Filename: res.Filename})

	rec.SetStatus(transfer.StatusAwaitTransferRequest)
	m.publish(rec)

	var treq *wire.TransferRequest
	select {
	case treq = <-awaitCh:
	case <-time.After(60 * time.Second):
		rec.SetStatus(transfer.StatusWaiting)
		m.publish(rec)
		select {
		case treq = <-awaitCh:
		case <-totalCtx.Done():
			m.pool.ClearPending(res.Username, peerconn.TypeP)
			m.fail(rec, fmt.Errorf("await transfer request: %w", totalCtx.Err()))
			return
		}
	case <-totalCtx.Done():
		m.pool.ClearPending(res.Username, peerconn.TypeP)
		m.fail(rec, fmt.Errorf("await transfer request: %w", totalCtx.Err()))
		return
	}
	m.pool.ClearPending(res.Username, peerconn.TypeP)

	rec.ExpectedSize = int64(treq.FileSize)
	pt.token = treq.Token

	rec.SetStatus(transfer.StatusAccepted)
	m.publish(rec)
	conn.SendPeer(&wire.TransferResponse{Token: treq.Token, Allowed: true, FileSize: treq.FileSize})

	rec.SetStatus(transfer.StatusAwaitFConn)
	m.publish(rec)

	m.registerPendingF(res.Username, pt)
	defer m.purgePending(rec)

	fConn, err := m.awaitFConnection(totalCtx, conn, res.Username, pt)
	if err != nil {
		m.fail(rec, err)
		return
	}

	rec.SetStatus(transfer.StatusReceiving)
	m.publish(rec)

	if err := m.receive(totalCtx, rec, fConn, pt.destPath); err != nil {
		m.fail(rec, err)
		return
	}

	rec.LocalPath = pt.destPath
	rec.SetStatus(transfer.StatusCompleted)
	m.publish(rec)
}

func (m *Manager) downloadRoot() string {
	if m.cfg != nil && m.cfg.DownloadRoot != "" {
		return m.cfg.DownloadRoot
	}
	return "."
}

func (m *Manager) totalTimeout() time.Duration {
	if m.cfg != nil && m.cfg.TransferTotalTimeout > 0 {
		return m.cfg.TransferTotalTimeout
	}
	return 60 * time.Second
}

// registerPendingF enrolls a transfer awaiting an inbound "F" connection.
// At most one pending entry may exist per (username, filename); a
// collision drops the older entry, failing it, before the new one is
// enqueued (spec §3 Pending File Transfer Table uniqueness).
func (m *Manager) registerPendingF(username string, pt *pendingTransfer) {
	key := strings.ToLower(username)

	m.pendingMut.Lock()
	defer m.pendingMut.Unlock()

	queue := m.pendingF[key]
	for i, existing := range queue {
		if strings.EqualFold(existing.record.Filename, pt.record.Filename) {
			m.dropCollided(existing)
			queue[i] = pt
			m.pendingF[key] = queue
			return
		}
	}
	m.pendingF[key] = append(queue, pt)
}

// dropCollided fails an older pending-F entry superseded by a fresh
// request for the same (username, filename).
func (m *Manager) dropCollided(pt *pendingTransfer) {
	if pt.conn != nil {
		_ = pt.conn.Close()
	}
	pt.record.Fail(fmt.Errorf("pending F entry superseded by a newer request for the same file"))
	m.publish(pt.record)
}

// awaitFConnection waits up to 5s for an inbound "F" connection matched
// by HandleInboundF, then escalates to an outbound dial (spec §4.4). In
// both cases we are the downloader, so we send the transfer-token/offset
// header once the connection is in hand (spec §4.3, §4.4).
func (m *Manager) awaitFConnection(ctx context.Context, pConn *peerconn.Conn, username string, pt *pendingTransfer) (*peerconn.Conn, error) {
	select {
	case c := <-pt.matchedCh:
		if err := c.SendFHeader(pt.token, 0); err != nil {
			return nil, fmt.Errorf("send F header: %w", err)
		}
		return c, nil
	case <-time.After(5 * time.Second):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// OUTBOUND_F_DIAL: dial out and initiate the F handshake ourselves.
	fConn, err := m.pool.Connect(ctx, username, peerconn.TypeF, 0)
	if err != nil {
		select {
		case c := <-pt.matchedCh:
			if err := c.SendFHeader(pt.token, 0); err != nil {
				return nil, fmt.Errorf("send F header: %w", err)
			}
			return c, nil
		case <-ctx.Done():
			return nil, fmt.Errorf("outbound F dial: %w", err)
		}
	}
	if err := fConn.SendFHeader(pt.token, 0); err != nil {
		return nil, fmt.Errorf("send F header: %w", err)
	}
	return fConn, nil
}

func (m *Manager) receive(ctx context.Context, rec *transfer.Record, conn *peerconn.Conn, destPath string) error {
	w, err := newWriter(destPath, rec.ExpectedSize)
	if err != nil {
		return err
	}

	cw := &countingWriter{w: w, rec: rec}

	done := make(chan error, 1)
	go func() {
		_, copyErr := copyUntil(cw, conn.RawConn(), rec.ExpectedSize)
		done <- copyErr
	}()

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.publish(rec)
			}
		}
	}()

	select {
	case err := <-done:
		if err != nil {
			w.Abort()
			_ = conn.Close()
			return fmt.Errorf("receive: %w", err)
		}
	case <-ctx.Done():
		w.Abort()
		_ = conn.Close()
		return ctx.Err()
	}

	_ = conn.Close()
	if err := w.Finish(); err != nil {
		return err
	}
	if rec.ExpectedSize == 0 {
		m.log.Warn("download.completed_without_expected_size", slog.String("dest", destPath))
	}
	return nil
}

// --- inbound routing, wired by the composition root into peerpool.Callbacks ---

type awaiterKey struct {
	username string
	token    uint32
}

// registerAwaiter maps (username, token) to the channel drive() is
// blocked on.
func (m *Manager) registerAwaiter(username string, token uint32, ch chan *wire.TransferRequest) {
	m.awaitMut.Lock()
	defer m.awaitMut.Unlock()
	m.awaiting[awaiterKey{strings.ToLower(username), token}] = ch
}

func (m *Manager) unregisterAwaiter(username string, token uint32) {
	m.awaitMut.Lock()
	defer m.awaitMut.Unlock()
	delete(m.awaiting, awaiterKey{strings.ToLower(username), token})
}

// HandleTransferRequest must be wired to peerpool.Callbacks.OnTransferRequest.
func (m *Manager) HandleTransferRequest(conn *peerconn.Conn, msg *wire.TransferRequest) {
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

// HandleInboundF must be wired to peerpool.Callbacks.OnFileTransferConnection.
// It matches the connection's reported username against the pending-F
// table using exact, then case-insensitive, then sole-pending fallback
// (spec §4.4 F-connection matching), and reports whether it claimed the
// connection. An unmatched connection is left open and untouched: the
// caller offers it to the upload manager next, since an inbound "F"
// connection may equally be a remote downloader's own OUTBOUND_F_DIAL
// reaching us as the uploader. As the downloader, we send the
// transfer-token/offset header ourselves once matched (spec §4.3).
func (m *Manager) HandleInboundF(conn *peerconn.Conn) bool {
	pt := m.matchPendingF(conn.Username, 0)
	if pt == nil {
		return false
	}

	select {
	case pt.matchedCh <- conn:
	default:
		_ = conn.Close()
	}
	return true
}

func (m *Manager) matchPendingF(username string, token uint32) *pendingTransfer {
	key := strings.ToLower(username)

	m.pendingMut.Lock()
	defer m.pendingMut.Unlock()

	queue := m.pendingF[key]
	if len(queue) == 0 {
		// Sole-pending fallback across all users: only when exactly one
		// pending F transfer exists system-wide.
		var sole *pendingTransfer
		var soleKey string
		count := 0
		for k, q := range m.pendingF {
			for _, pt := range q {
				count++
				sole = pt
				soleKey = k
			}
		}
		if count == 1 {
			m.removeFromQueue(soleKey, sole)
			return sole
		}
		return nil
	}

	pt := queue[0]
	m.pendingF[key] = queue[1:]
	return pt
}

func (m *Manager) removeFromQueue(key string, target *pendingTransfer) {
	queue := m.pendingF[key]
	for i, pt := range queue {
		if pt == target {
			m.pendingF[key] = append(queue[:i], queue[i+1:]...)
			return
		}
	}
}
