// Package session implements the server connection: login/startup
// sequence, inbound dispatch table, and the single writer goroutine that
// preserves outbound wire order (spec §4.2).
package session

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/prxssh/slsk/internal/config"
	"github.com/prxssh/slsk/internal/events"
	"github.com/prxssh/slsk/internal/shareindex"
	"github.com/prxssh/slsk/internal/wire"
)

const protocolVersion = 160

var (
	ErrNotConnected  = errors.New("session: not connected")
	ErrLoginRejected = errors.New("session: login rejected")
	ErrLoginTimeout  = errors.New("session: login response timed out")
)

// handlerFunc processes one decoded server message. Handlers run on the
// receive loop and must not block on socket I/O (spec §4.2 "strictly
// non-blocking with respect to socket I/O").
type handlerFunc func(s *Session, msg wire.ServerMessage)

// Session owns one TCP connection to the index server.
type Session struct {
	cfg *config.Config
	log *slog.Logger
	bus *events.Bus

	conn net.Conn

	outq chan wire.ServerMessage

	dispatch map[uint32]handlerFunc

	mut             sync.RWMutex
	distributedKids []string

	pendingAddr *addrWaiters

	distTree   *distributedTree
	shareIndex shareindex.Index
	resultSink ResultSink

	cancel context.CancelFunc
	grp    *errgroup.Group

	loginResult chan error

	onConnectToPeer func(*wire.ConnectToPeer)
}

// SetConnectToPeerSink registers the callback invoked for inbound
// ConnectToPeer requests. The composition root wires this to the
// peerpool so session need not import it (spec §9 interface
// abstractions, avoiding an import cycle).
func (s *Session) SetConnectToPeerSink(fn func(*wire.ConnectToPeer)) {
	s.onConnectToPeer = fn
}

type addrWaiters struct {
	mut     sync.Mutex
	waiters map[string][]chan addrResult
}

type addrResult struct {
	ip, port uint32
	err      error
}

func newAddrWaiters() *addrWaiters {
	return &addrWaiters{waiters: make(map[string][]chan addrResult)}
}

// New constructs a Session bound to cfg/bus; Connect performs the actual
// network operation.
func New(cfg *config.Config, bus *events.Bus, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		cfg:         cfg,
		log:         log.With("src", "session"),
		bus:         bus,
		outq:        make(chan wire.ServerMessage, 128),
		pendingAddr: newAddrWaiters(),
		distTree:    newDistributedTree(),
		loginResult: make(chan error, 1),
	}
	s.dispatch = s.buildDispatchTable()
	return s
}

func (s *Session) buildDispatchTable() map[uint32]handlerFunc {
	return map[uint32]handlerFunc{
		wire.CodeLogin:             (*Session).handleLoginResponse,
		wire.CodeGetPeerAddress:    (*Session).handlePeerAddress,
		wire.CodeRoomList:          (*Session).handleRoomList,
		wire.CodeSayInRoom:         (*Session).handleSayInRoom,
		wire.CodePrivateMessage:    (*Session).handlePrivateMessage,
		wire.CodeConnectToPeer:     (*Session).handleConnectToPeer,
		wire.CodeUserStats:         (*Session).handleUserStats,
		wire.CodeCheckPrivileges:   (*Session).handleCheckPrivileges,
		wire.CodeBranchLevel:       (*Session).handleBranchLevel,
		wire.CodeBranchRoot:        (*Session).handleBranchRoot,
	}
}

// Connect dials host:port, sends Login, and blocks until either a
// LoginResponse arrives or the 500ms grace period elapses (spec §4.2).
func (s *Session) Connect(ctx context.Context, host string, port uint16, username, password string) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("session: dial %s: %w", addr, err)
	}
	s.conn = conn

	s.bus.Publish(events.Event{Kind: events.KindConnectionState, Data: events.ConnectionState{State: "connecting"}})

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	s.grp = g

	g.Go(func() error { return s.receiveLoop(gctx) })
	g.Go(func() error { return s.writeLoop(gctx) })

	hash := md5.Sum([]byte(username + password))
	s.send(&wire.Login{
		Username:        username,
		PasswordMD5Hex:  hex.EncodeToString(hash[:]),
		ProtocolVersion: protocolVersion,
	})

	select {
	case err := <-s.loginResult:
		if err != nil {
			s.bus.Publish(events.Event{Kind: events.KindConnectionState, Data: events.ConnectionState{State: "disconnected", Err: err}})
			return err
		}
	case <-time.After(s.gracePeriod()):
		// Grace period elapsed without a definitive reply; proceed
		// optimistically per spec §4.2 (the reference behavior treats
		// this as a soft timeout, not a hard failure).
	case <-ctx.Done():
		return ctx.Err()
	}

	s.runStartupSequence()
	s.bus.Publish(events.Event{Kind: events.KindConnectionState, Data: events.ConnectionState{State: "connected"}})
	return nil
}

func (s *Session) gracePeriod() time.Duration {
	if s.cfg != nil && s.cfg.LoginGrace > 0 {
		return s.cfg.LoginGrace
	}
	return 500 * time.Millisecond
}

// runStartupSequence emits the fixed post-login announcement sequence
// (spec §4.2).
func (s *Session) runStartupSequence() {
	listenPort := uint32(2234)
	if s.cfg != nil {
		listenPort = uint32(s.cfg.ListenPort)
	}
	s.send(&wire.SetListenPort{Port: listenPort, ObfuscatedPort: listenPort + 1})
	s.send(&wire.OnlineStatus{Status: 2})
	s.send(&wire.SharedFoldersFiles{Folders: 0, Files: 0})
	s.send(&wire.HaveNoParent{NoParent: true})
	accept := true
	if s.cfg != nil {
		accept = s.cfg.AcceptDistributedChildren
	}
	s.send(&wire.AcceptChildren{Accept: accept})
	s.send(&wire.BranchLevel{Level: 0})
}

// Disconnect cancels the receive task, drops the connection, and
// notifies listeners (spec §4.2).
func (s *Session) Disconnect() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
	if s.grp != nil {
		_ = s.grp.Wait()
	}
	s.bus.Publish(events.Event{Kind: events.KindConnectionState, Data: events.ConnectionState{State: "disconnected"}})
}

// send enqueues msg on the single outbound writer, preserving submission
// order (spec §4.2 Outbound).
func (s *Session) send(msg wire.ServerMessage) {
	select {
	case s.outq <- msg:
	default:
		s.log.Warn("session.outq.full.dropped", slog.Uint64("code", uint64(msg.ServerCode())))
	}
}

// JoinRoom, SayInRoom, PrivateMessage, FileSearch, WishlistSearch, and
// CheckPrivileges are the outbound command methods higher layers use;
// send is the only wire primitive (spec §4.2).
func (s *Session) JoinRoom(room string)           { s.send(&wire.JoinRoom{Room: room}) }
func (s *Session) SayInRoom(room, text string)    { s.send(&wire.SayInRoom{Room: room, Message: text}) }
func (s *Session) FileSearch(token uint32, q string) {
	s.send(&wire.FileSearch{Token: token, Query: q})
}
func (s *Session) WishlistSearch(token uint32, q string) {
	s.send(&wire.WishlistSearch{Token: token, Query: q})
}
func (s *Session) SendCantConnectToPeer(token uint32, username string) {
	s.send(&wire.CantConnectToPeer{Token: token, Username: username})
}

// GetPeerAddress implements peerpool.ServerCommands: it sends the request
// and blocks until the matching PeerAddress reply arrives or the
// configured timeout elapses (spec §4.3 "Peer-address request
// coalescing" is the pool's job; this method serves one request).
func (s *Session) GetPeerAddress(ctx context.Context, username string) (ip, port uint32, err error) {
	ch := make(chan addrResult, 1)

	s.pendingAddr.mut.Lock()
	s.pendingAddr.waiters[username] = append(s.pendingAddr.waiters[username], ch)
	s.pendingAddr.mut.Unlock()

	s.send(&wire.GetPeerAddress{Username: username})

	timeout := 10 * time.Second
	if s.cfg != nil && s.cfg.PeerAddressTimeout > 0 {
		timeout = s.cfg.PeerAddressTimeout
	}

	select {
	case res := <-ch:
		return res.ip, res.port, res.err
	case <-time.After(timeout):
		return 0, 0, fmt.Errorf("session: get peer address for %s: timeout", username)
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-s.outq:
			if !ok {
				return nil
			}
			if _, err := s.conn.Write(wire.EncodeServer(msg)); err != nil {
				return fmt.Errorf("session: write: %w", err)
			}
		}
	}
}

func (s *Session) receiveLoop(ctx context.Context) error {
	var buf []byte
	tmp := make([]byte, 8192)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		for {
			msg, consumed, err := wire.DecodeServer(buf)
			if errors.Is(err, wire.ErrNeedMore) {
				break
			}
			if err != nil {
				// Decode error on a single message: logged and skipped
				// (spec §4.2 Failure semantics, §7 propagation policy).
				s.log.Warn("session.decode.error", slog.String("err", err.Error()))
				buf = nil
				break
			}

			buf = buf[consumed:]
			s.dispatchMessage(msg)
		}

		n, err := s.conn.Read(tmp)
		if err != nil {
			s.bus.Publish(events.Event{Kind: events.KindConnectionState, Data: events.ConnectionState{State: "disconnected", Err: err}})
			return fmt.Errorf("session: read: %w", err)
		}
		buf = append(buf, tmp[:n]...)
	}
}

func (s *Session) dispatchMessage(msg wire.ServerMessage) {
	h, ok := s.dispatch[msg.ServerCode()]
	if !ok {
		return
	}
	h(s, msg)
}

func (s *Session) handleLoginResponse(msg wire.ServerMessage) {
	resp, ok := msg.(*wire.LoginResponse)
	if !ok {
		return
	}
	var err error
	if !resp.Success {
		err = fmt.Errorf("%w: %s", ErrLoginRejected, resp.Message)
	}
	select {
	case s.loginResult <- err:
	default:
	}
}

func (s *Session) handlePeerAddress(msg wire.ServerMessage) {
	addr, ok := msg.(*wire.PeerAddress)
	if !ok {
		return
	}

	s.pendingAddr.mut.Lock()
	waiters := s.pendingAddr.waiters[addr.Username]
	delete(s.pendingAddr.waiters, addr.Username)
	s.pendingAddr.mut.Unlock()

	for _, ch := range waiters {
		ch <- addrResult{ip: addr.IP, port: addr.Port}
	}

	s.bus.Publish(events.Event{Kind: events.KindPeerAddress, Data: addr})
}

func (s *Session) handleRoomList(msg wire.ServerMessage) {
	s.bus.Publish(events.Event{Kind: events.KindRoomMessage, Data: msg})
}

func (s *Session) handleSayInRoom(msg wire.ServerMessage) {
	s.bus.Publish(events.Event{Kind: events.KindRoomMessage, Data: msg})
}

func (s *Session) handlePrivateMessage(msg wire.ServerMessage) {
	s.bus.Publish(events.Event{Kind: events.KindPrivateMessage, Data: msg})
}

func (s *Session) handleConnectToPeer(msg wire.ServerMessage) {
	// The pool owns dialing in response to this message; wiring a direct
	// callback would create an import cycle (peerpool already depends on
	// session via ServerCommands), so the sink is injected by the
	// composition root instead (see cmd/slskd).
	if s.onConnectToPeer != nil {
		s.onConnectToPeer(msg.(*wire.ConnectToPeer))
	}
}

func (s *Session) handleUserStats(msg wire.ServerMessage) {
	_ = msg
}

func (s *Session) handleCheckPrivileges(msg wire.ServerMessage) {}

func (s *Session) handleBranchLevel(msg wire.ServerMessage) {
	s.mut.Lock()
	defer s.mut.Unlock()
	_ = msg
}

func (s *Session) handleBranchRoot(msg wire.ServerMessage) {}
