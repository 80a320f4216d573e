// Package peerpool multiplexes peer connections: dialing, accepting,
// direct/indirect negotiation, cap enforcement with oldest-idle eviction,
// and routing of inbound messages to registered callbacks (spec §4.3).
package peerpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/prxssh/slsk/internal/heap"
	"github.com/prxssh/slsk/internal/peerconn"
	"github.com/prxssh/slsk/internal/syncmap"
	"github.com/prxssh/slsk/internal/wire"
)

var (
	ErrDirectDialFailed = errors.New("peerpool: direct dial failed")
	ErrIndirectTimeout  = errors.New("peerpool: indirect pierce wait timed out")
	ErrNoAddress        = errors.New("peerpool: could not resolve peer address")
)

// ServerCommands is the capability set the pool needs from the server
// session to drive the direct/indirect negotiation (spec §4.3, §9
// "interface abstractions for each consumer").
type ServerCommands interface {
	GetPeerAddress(ctx context.Context, username string) (ip uint32, port uint32, err error)
	SendCantConnectToPeer(token uint32, username string)
}

// Callbacks is the full routing surface the pool demultiplexes inbound
// peer messages to (spec §4.3 Routing).
type Callbacks struct {
	OnSearchResult            func(c *peerconn.Conn, msg *wire.FileSearchResult)
	OnFileTransferConnection  func(c *peerconn.Conn)
	OnUploadDenied            func(c *peerconn.Conn, msg *wire.UploadDenied)
	OnUploadFailed            func(c *peerconn.Conn, msg *wire.UploadFailed)
	OnQueueUpload             func(c *peerconn.Conn, msg *wire.QueueUpload)
	OnTransferRequest         func(c *peerconn.Conn, msg *wire.TransferRequest)
	OnTransferResponse        func(c *peerconn.Conn, msg *wire.TransferResponse)
	OnFolderContentsRequest   func(c *peerconn.Conn, msg *wire.FolderContentsRequest)
	OnFolderContentsResponse  func(c *peerconn.Conn, msg *wire.FolderContentsResponse)
	OnPlaceInQueueRequest     func(c *peerconn.Conn, msg *wire.PlaceInQueueRequest)
	OnGetSharedFileList       func(c *peerconn.Conn)
	OnUserIPDiscovered        func(username string, ip uint32, port uint32)
	OnDistributedSearch       func(c *peerconn.Conn, msg *wire.SearchRequest)
	// OnDistributedChildAdmitted fires whenever a "D" connection is
	// admitted, so the server session can register it as a fan-out
	// target (spec §3 Distributed Tree State, owned by the session).
	OnDistributedChildAdmitted func(c *peerconn.Conn)
}

// idleEvictThreshold is a var rather than a const so tests can shrink it
// instead of sleeping 60s for real.
var idleEvictThreshold = 60 * time.Second

type entry struct {
	conn    *peerconn.Conn
	purpose peerconn.Type
	pending int32 // outstanding requests; never evict while > 0
}

// Pool owns every live peer connection and the pending tables used by the
// direct/indirect state machine.
type Pool struct {
	log     *slog.Logger
	server  ServerCommands
	cb      Callbacks
	maxConn int

	ctx context.Context

	mut     sync.RWMutex
	entries map[string]*entry // keyed by username+"|"+purpose

	pendingDial  *syncmap.Map[string, *dialFuture]  // keyed by username+purpose
	pendingAddr  *syncmap.Map[string, *addrFuture]  // keyed by username
	pendingPierce *syncmap.Map[uint32, chan *peerconn.Conn] // keyed by token
}

type dialFuture struct {
	done chan struct{}
	once sync.Once
	conn *peerconn.Conn
	err  error
}

// resolve settles the future with (conn, err) at most once; it reports
// whether this call was the one that settled it. Both the leader's own
// dial and an inbound PeerInit promotion (spec §4.3 RESOLVE tie-break)
// race to resolve the same future, so only one may win.
func (f *dialFuture) resolve(conn *peerconn.Conn, err error) bool {
	won := false
	f.once.Do(func() {
		f.conn, f.err = conn, err
		close(f.done)
		won = true
	})
	return won
}

type addrFuture struct {
	done chan struct{}
	ip   uint32
	port uint32
	err  error
}

func New(log *slog.Logger, server ServerCommands, cb Callbacks, maxConn int) *Pool {
	if log == nil {
		log = slog.Default()
	}
	if maxConn <= 0 {
		maxConn = 500
	}
	return &Pool{
		log:           log.With("src", "peerpool"),
		server:        server,
		cb:            cb,
		maxConn:       maxConn,
		entries:       make(map[string]*entry),
		pendingDial:   syncmap.New[string, *dialFuture](),
		pendingAddr:   syncmap.New[string, *addrFuture](),
		pendingPierce: syncmap.New[uint32, chan *peerconn.Conn](),
	}
}

// Run stores ctx for connections started after this call; the pool
// itself has no long-running loop of its own beyond its connections'.
func (p *Pool) Run(ctx context.Context) {
	p.ctx = ctx
}

func entryKey(username string, purpose peerconn.Type) string {
	return username + "|" + string(purpose)
}

// Lookup returns a READY connection for (username, purpose) if one
// exists, without dialing.
func (p *Pool) Lookup(username string, purpose peerconn.Type) (*peerconn.Conn, bool) {
	p.mut.RLock()
	defer p.mut.RUnlock()

	e, ok := p.entries[entryKey(username, purpose)]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Connect implements the DIRECT_DIAL/INDIRECT state machine of spec
// §4.3. If a READY connection already exists it is reused.
func (p *Pool) Connect(ctx context.Context, username string, purpose peerconn.Type, token uint32) (*peerconn.Conn, error) {
	if c, ok := p.Lookup(username, purpose); ok {
		return c, nil
	}

	key := entryKey(username, purpose)
	future, isLeader := p.pendingDial.GetOrPut(key, &dialFuture{done: make(chan struct{})})
	if !isLeader {
		<-future.done
		return future.conn, future.err
	}

	conn, err := p.doConnect(ctx, username, purpose, token)
	if future.resolve(conn, err) {
		if err == nil {
			p.admit(conn, purpose)
		}
	} else if conn != nil {
		// An inbound PeerInit promoted this RESOLVE to READY before our
		// own dial finished (spec §4.3 tie-break); our dial is redundant.
		_ = conn.Close()
	}
	p.pendingDial.Delete(key)

	return future.conn, future.err
}

// promoteInbound resolves an outstanding RESOLVE for (username, purpose)
// with an inbound connection instead of admitting it as a separate entry
// (spec §4.3: "an inbound connection whose PeerInit names a user for
// whom we have a pending RESOLVE is promoted in place to READY for that
// purpose"). It reports whether it won the race and admitted c.
func (p *Pool) promoteInbound(username string, purpose peerconn.Type, c *peerconn.Conn) bool {
	future, ok := p.pendingDial.Get(entryKey(username, purpose))
	if !ok {
		return false
	}
	if !future.resolve(c, nil) {
		return false
	}
	c.Username = username
	c.Type = purpose
	p.admit(c, purpose)
	return true
}

func (p *Pool) doConnect(ctx context.Context, username string, purpose peerconn.Type, token uint32) (*peerconn.Conn, error) {
	ip, port, err := p.resolveAddress(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoAddress, err)
	}

	addr := fmt.Sprintf("%d.%d.%d.%d:%d", byte(ip>>24), byte(ip>>16), byte(ip>>8), byte(ip), port)

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, dialErr := peerconn.DialDirect(dialCtx, addr, 10*time.Second, p.log)
	cancel()

	if dialErr == nil {
		if err := conn.SendPeerInit(username, purpose, token); err != nil {
			_ = conn.Close()
		} else {
			conn.Username = username
			return conn, nil
		}
	}

	return p.connectIndirect(ctx, username, purpose, token)
}

func (p *Pool) connectIndirect(ctx context.Context, username string, purpose peerconn.Type, token uint32) (*peerconn.Conn, error) {
	waiter := make(chan *peerconn.Conn, 1)
	p.pendingPierce.Put(token, waiter)
	defer p.pendingPierce.Delete(token)

	p.server.SendCantConnectToPeer(token, username)

	select {
	case conn := <-waiter:
		if conn == nil {
			return nil, ErrDirectDialFailed
		}
		conn.Username = username
		conn.Type = purpose
		return conn, nil
	case <-time.After(15 * time.Second):
		return nil, ErrIndirectTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolveAddress coalesces concurrent GetPeerAddress calls for the same
// username into one server round trip (spec §4.3 "Peer-address request
// coalescing").
func (p *Pool) resolveAddress(ctx context.Context, username string) (ip, port uint32, err error) {
	future, isLeader := p.pendingAddr.GetOrPut(username, &addrFuture{done: make(chan struct{})})
	if !isLeader {
		<-future.done
		return future.ip, future.port, future.err
	}

	future.ip, future.port, future.err = p.server.GetPeerAddress(ctx, username)
	close(future.done)
	p.pendingAddr.Delete(username)

	if future.err == nil && p.cb.OnUserIPDiscovered != nil {
		p.cb.OnUserIPDiscovered(username, future.ip, future.port)
	}

	return future.ip, future.port, future.err
}

// AcceptIndirect resolves an inbound PierceFirewall(token) connection
// against an AWAIT_PIERCE waiter, promoting it to READY (spec §4.3).
func (p *Pool) AcceptIndirect(token uint32, conn *peerconn.Conn) bool {
	waiter, ok := p.pendingPierce.Get(token)
	if !ok {
		return false
	}
	select {
	case waiter <- conn:
		return true
	default:
		return false
	}
}

// Admit registers a connection obtained by some other means (e.g. an
// inbound direct PeerInit, or a connection promoted via AcceptIndirect)
// under the pool's cap/eviction and routing discipline.
func (p *Pool) Admit(conn *peerconn.Conn, purpose peerconn.Type) {
	p.admit(conn, purpose)
}

func (p *Pool) admit(conn *peerconn.Conn, purpose peerconn.Type) {
	p.enforceCap()

	key := entryKey(conn.Username, purpose)

	p.mut.Lock()
	prev, replaced := p.entries[key]
	p.entries[key] = &entry{conn: conn, purpose: purpose}
	p.mut.Unlock()

	if replaced && prev.conn != conn {
		_ = prev.conn.Close()
	}

	p.wireCallbacks(conn)

	ctx := p.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if purpose != peerconn.TypeF {
		conn.Start(ctx)
	}

	if purpose == peerconn.TypeD && p.cb.OnDistributedChildAdmitted != nil {
		p.cb.OnDistributedChildAdmitted(conn)
	}
}

// enforceCap closes the oldest idle "P" connection with no pending
// request if admitting a new connection would exceed max_connections.
// "F" connections currently transferring are never evicted (spec §4.3,
// §8 "No F eviction").
func (p *Pool) enforceCap() {
	p.mut.RLock()
	count := len(p.entries)
	p.mut.RUnlock()

	if count < p.maxConn {
		return
	}

	pq := heap.NewPriorityQueue[*entry](func(a, b *entry) bool {
		return a.conn.LastActivity().Before(b.conn.LastActivity())
	})

	p.mut.RLock()
	for _, e := range p.entries {
		if e.purpose != peerconn.TypeP {
			continue
		}
		if e.pending != 0 {
			continue
		}
		if time.Since(e.conn.LastActivity()) < idleEvictThreshold {
			continue
		}
		pq.Enqueue(e)
	}
	p.mut.RUnlock()

	victim, ok := pq.Dequeue()
	if !ok {
		p.log.Warn("peerpool.cap.no_evictable_connection", slog.Int("count", count))
		return
	}

	p.mut.Lock()
	delete(p.entries, entryKey(victim.conn.Username, victim.purpose))
	p.mut.Unlock()

	_ = victim.conn.Close()
	p.log.Debug("peerpool.evicted", slog.String("username", victim.conn.Username))
}

func (p *Pool) wireCallbacks(conn *peerconn.Conn) {
	conn.OnPeerMessage(func(c *peerconn.Conn, msg wire.PeerMessage) {
		p.dispatchPeer(c, msg)
	})
	conn.OnDistributedMessage(func(c *peerconn.Conn, msg wire.DistributedMessage) {
		p.dispatchDistributed(c, msg)
	})
}

func (p *Pool) dispatchPeer(c *peerconn.Conn, msg wire.PeerMessage) {
	switch m := msg.(type) {
	case *wire.FileSearchResult:
		if p.cb.OnSearchResult != nil {
			p.cb.OnSearchResult(c, m)
		}
	case *wire.UploadDenied:
		if p.cb.OnUploadDenied != nil {
			p.cb.OnUploadDenied(c, m)
		}
	case *wire.UploadFailed:
		if p.cb.OnUploadFailed != nil {
			p.cb.OnUploadFailed(c, m)
		}
	case *wire.QueueUpload:
		if p.cb.OnQueueUpload != nil {
			p.cb.OnQueueUpload(c, m)
		}
	case *wire.TransferRequest:
		if p.cb.OnTransferRequest != nil {
			p.cb.OnTransferRequest(c, m)
		}
	case *wire.TransferResponse:
		if p.cb.OnTransferResponse != nil {
			p.cb.OnTransferResponse(c, m)
		}
	case *wire.FolderContentsRequest:
		if p.cb.OnFolderContentsRequest != nil {
			p.cb.OnFolderContentsRequest(c, m)
		}
	case *wire.FolderContentsResponse:
		if p.cb.OnFolderContentsResponse != nil {
			p.cb.OnFolderContentsResponse(c, m)
		}
	case *wire.PlaceInQueueRequest:
		if p.cb.OnPlaceInQueueRequest != nil {
			p.cb.OnPlaceInQueueRequest(c, m)
		}
	case *wire.GetSharedFileList:
		if p.cb.OnGetSharedFileList != nil {
			p.cb.OnGetSharedFileList(c)
		}
	case *wire.UnknownPeer:
		p.log.Debug("peerpool.unknown_peer_message", slog.Int("code", int(m.Code)))
	default:
	}
}

func (p *Pool) dispatchDistributed(c *peerconn.Conn, msg wire.DistributedMessage) {
	switch m := msg.(type) {
	case *wire.SearchRequest:
		if p.cb.OnDistributedSearch != nil {
			p.cb.OnDistributedSearch(c, m)
		}
	case *wire.UnknownDistributed:
		p.log.Debug("peerpool.unknown_distributed_message", slog.Int("code", int(m.Code)))
	default:
	}
}

// AcceptRaw classifies a freshly-accepted socket (from the listener
// service) by reading its handshake message, then routes it to the
// direct-inbound or indirect-promotion path (spec §4.3 tie-breaks).
func (p *Pool) AcceptRaw(raw net.Conn, obfuscated bool) {
	c := peerconn.New(raw, p.log)

	msg, err := c.ReadHandshake(10 * time.Second)
	if err != nil {
		p.log.Debug("peerpool.accept.handshake_failed", slog.String("err", err.Error()))
		_ = c.Close()
		return
	}

	switch m := msg.(type) {
	case *wire.PeerInit:
		if m.ConnType == string(peerconn.TypeF) {
			if p.cb.OnFileTransferConnection != nil {
				p.cb.OnFileTransferConnection(c)
			}
			return
		}
		purpose := peerconn.Type(m.ConnType)
		if !p.promoteInbound(m.Username, purpose, c) {
			p.admit(c, purpose)
		}

	case *wire.PierceFirewall:
		if !p.AcceptIndirect(m.Token, c) {
			p.log.Debug("peerpool.accept.unmatched_pierce", slog.Uint64("token", uint64(m.Token)))
			_ = c.Close()
		}
	}
}

// MarkPending/ClearPending adjust a connection's outstanding-request
// count, keeping it ineligible for idle eviction while work is in
// flight (spec §4.3 Caps and eviction: "no pending request").
func (p *Pool) MarkPending(username string, purpose peerconn.Type) {
	p.mut.Lock()
	defer p.mut.Unlock()
	if e, ok := p.entries[entryKey(username, purpose)]; ok {
		e.pending++
	}
}

func (p *Pool) ClearPending(username string, purpose peerconn.Type) {
	p.mut.Lock()
	defer p.mut.Unlock()
	if e, ok := p.entries[entryKey(username, purpose)]; ok && e.pending > 0 {
		e.pending--
	}
}

// Remove drops a connection from the pool's tracking, e.g. after it
// closes.
func (p *Pool) Remove(username string, purpose peerconn.Type) {
	p.mut.Lock()
	defer p.mut.Unlock()
	delete(p.entries, entryKey(username, purpose))
}

// Count returns the number of tracked connections, for diagnostics and
// tests.
func (p *Pool) Count() int {
	p.mut.RLock()
	defer p.mut.RUnlock()
	return len(p.entries)
}
