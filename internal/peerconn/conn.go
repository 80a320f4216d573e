// Package peerconn implements a single peer connection: the PeerInit /
// PierceFirewall handshake, per-type (P/F/D) framing, and an outbound
// queue that preserves per-connection FIFO order (spec §4.3, §5).
package peerconn

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/prxssh/slsk/internal/wire"
)

// Type is the fixed connection purpose negotiated by the handshake
// message (spec §4.3).
type Type string

const (
	TypeP Type = "P"
	TypeF Type = "F"
	TypeD Type = "D"
)

const outboundBacklog = 64

var (
	ErrClosed       = errors.New("peerconn: connection closed")
	ErrWrongType    = errors.New("peerconn: operation not valid for this connection type")
	ErrNotHandshook = errors.New("peerconn: handshake not yet performed")
)

// PeerMessageHandler receives decoded "P" messages in arrival order.
type PeerMessageHandler func(c *Conn, msg wire.PeerMessage)

// DistributedMessageHandler receives decoded "D" messages in arrival order.
type DistributedMessageHandler func(c *Conn, msg wire.DistributedMessage)

// Conn wraps one net.Conn to a peer. It is safe for concurrent use once
// Start has been called; callers must perform the handshake (SendPeerInit
// / SendPierceFirewall / ReadHandshake) before Start.
type Conn struct {
	raw net.Conn
	log *slog.Logger

	Type     Type
	Username string // remote username, known once handshake completes
	Token    uint32 // handshake token; 0 for F connections

	outq chan []byte

	onPeer        PeerMessageHandler
	onDistributed DistributedMessageHandler

	lastActivity atomic.Int64 // unix nano

	closeOnce sync.Once
	closed    chan struct{}
	cancel    context.CancelFunc
	grp       *errgroup.Group
}

// New wraps an already-established net.Conn. typ may be unset ("") until
// the handshake determines it.
func New(raw net.Conn, log *slog.Logger) *Conn {
	if log == nil {
		log = slog.Default()
	}
	c := &Conn{
		raw:    raw,
		log:    log.With("remote", raw.RemoteAddr().String()),
		outq:   make(chan []byte, outboundBacklog),
		closed: make(chan struct{}),
	}
	c.touch()
	return c
}

// DialDirect opens a new TCP connection to addr, used for the
// DIRECT_DIAL state (spec §4.3).
func DialDirect(ctx context.Context, addr string, timeout time.Duration, log *slog.Logger) (*Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	raw, err := dialer.DialContext(ctx, "tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("peerconn: dial %s: %w", addr, err)
	}
	return New(raw, log), nil
}

func (c *Conn) touch() { c.lastActivity.Store(time.Now().UnixNano()) }

// LastActivity reports when this connection last sent or received data;
// used by the pool's idle-eviction policy (spec §4.3 Caps and eviction).
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// SendPeerInit writes the PeerInit handshake frame as the initiator of a
// direct connection. It must be called before Start.
func (c *Conn) SendPeerInit(username string, typ Type, token uint32) error {
	frame := wire.EncodePeer(&wire.PeerInit{Username: username, ConnType: string(typ), Token: token})
	if _, err := c.raw.Write(frame); err != nil {
		return fmt.Errorf("peerconn: send PeerInit: %w", err)
	}
	c.Type = typ
	c.Token = token
	c.touch()
	return nil
}

// SendPierceFirewall writes the PierceFirewall handshake frame as the
// initiator of an indirect connection.
func (c *Conn) SendPierceFirewall(token uint32) error {
	frame := wire.EncodePeer(&wire.PierceFirewall{Token: token})
	if _, err := c.raw.Write(frame); err != nil {
		return fmt.Errorf("peerconn: send PierceFirewall: %w", err)
	}
	c.Token = token
	c.touch()
	return nil
}

// ReadHandshake blocks for the first frame on a freshly-accepted
// connection and classifies it as PeerInit or PierceFirewall. Callers on
// the accepting side use this to learn Type/Username/Token before
// deciding how to route the connection (spec §4.3 inbound negotiation).
func (c *Conn) ReadHandshake(deadline time.Duration) (msg wire.PeerMessage, err error) {
	_ = c.raw.SetReadDeadline(time.Now().Add(deadline))
	defer c.raw.SetReadDeadline(time.Time{})

	var buf []byte
	tmp := make([]byte, 4096)
	for {
		decoded, consumed, decErr := wire.DecodePeer(buf)
		if decErr == nil {
			switch m := decoded.(type) {
			case *wire.PeerInit:
				c.Username = m.Username
				c.Type = Type(m.ConnType)
				c.Token = m.Token
			case *wire.PierceFirewall:
				c.Type = TypeP // caller upgrades to F/D once matched by token
				c.Token = m.Token
			}
			c.touch()
			_ = consumed
			return decoded, nil
		}
		if !errors.Is(decErr, wire.ErrNeedMore) {
			return nil, fmt.Errorf("peerconn: handshake decode: %w", decErr)
		}

		n, readErr := c.raw.Read(tmp)
		if readErr != nil {
			return nil, fmt.Errorf("peerconn: handshake read: %w", readErr)
		}
		buf = append(buf, tmp[:n]...)
	}
}

// SendFHeader writes the raw (unframed) transfer-token and file-offset
// header a downloader sends on a newly-opened "F" connection before
// receiving file bytes (spec §4.3).
func (c *Conn) SendFHeader(token uint32, offset uint64) error {
	if c.Type != TypeF {
		return ErrWrongType
	}
	w := make([]byte, 12)
	binary.LittleEndian.PutUint32(w[0:4], token)
	binary.LittleEndian.PutUint64(w[4:12], offset)
	if _, err := c.raw.Write(w); err != nil {
		return fmt.Errorf("peerconn: send F header: %w", err)
	}
	c.touch()
	return nil
}

// ReadFHeader reads the token/offset header an uploader receives at the
// start of an "F" connection it accepted.
func (c *Conn) ReadFHeader() (token uint32, offset uint64, err error) {
	if c.Type != TypeF {
		return 0, 0, ErrWrongType
	}
	buf := make([]byte, 12)
	if _, err := io.ReadFull(c.raw, buf); err != nil {
		return 0, 0, fmt.Errorf("peerconn: read F header: %w", err)
	}
	c.touch()
	return binary.LittleEndian.Uint32(buf[0:4]), binary.LittleEndian.Uint64(buf[4:12]), nil
}

// RawConn exposes the underlying net.Conn for "F" connections, whose
// bytes are an unstructured stream handled directly by the download and
// upload managers.
func (c *Conn) RawConn() net.Conn {
	c.touch()
	return c.raw
}

// OnPeerMessage registers the callback invoked for decoded "P" messages.
// Must be called before Start.
func (c *Conn) OnPeerMessage(h PeerMessageHandler) { c.onPeer = h }

// OnDistributedMessage registers the callback invoked for decoded "D"
// messages. Must be called before Start.
func (c *Conn) OnDistributedMessage(h DistributedMessageHandler) { c.onDistributed = h }

// Start launches the read and write loops for a "P" or "D" connection. It
// must not be called for "F" connections, which are driven directly by
// the transfer managers via RawConn.
func (c *Conn) Start(ctx context.Context) {
	if c.Type == TypeF {
		c.log.Warn("peerconn.start.ignored", slog.String("reason", "F connections are not framed"))
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	c.grp = g

	g.Go(func() error { return c.readLoop(gctx) })
	g.Go(func() error { return c.writeLoop(gctx) })
}

// SendPeer enqueues a "P" message for the write loop. Non-blocking: if
// the outbound queue is full the message is dropped and logged, matching
// the teacher's queue-full handling for broadcast sends.
func (c *Conn) SendPeer(msg wire.PeerMessage) {
	c.enqueue(wire.EncodePeer(msg), msg.PeerCode())
}

// SendDistributed enqueues a "D" message for the write loop.
func (c *Conn) SendDistributed(msg wire.DistributedMessage) {
	c.enqueue(wire.EncodeDistributed(msg), msg.DistributedCode())
}

func (c *Conn) enqueue(frame []byte, code uint8) {
	select {
	case c.outq <- frame:
	case <-c.closed:
	default:
		c.log.Warn("peerconn.outq.full.dropped", slog.Int("code", int(code)))
	}
}

func (c *Conn) readLoop(ctx context.Context) error {
	var buf []byte
	tmp := make([]byte, 8192)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		for {
			var (
				consumed int
				err      error
			)
			var msg any
			switch c.Type {
			case TypeD:
				var dmsg wire.DistributedMessage
				dmsg, consumed, err = wire.DecodeDistributed(buf)
				msg = dmsg
			default:
				var pmsg wire.PeerMessage
				pmsg, consumed, err = wire.DecodePeer(buf)
				msg = pmsg
			}

			if errors.Is(err, wire.ErrNeedMore) {
				break
			}
			if err != nil {
				c.log.Warn("peerconn.decode.error", slog.String("err", err.Error()))
				// Drop one byte to resynchronize would be unsafe without
				// framing info; a decode error here means a corrupt
				// stream, so treat it as fatal.
				return err
			}

			buf = buf[consumed:]
			c.touch()

			switch m := msg.(type) {
			case wire.PeerMessage:
				if c.onPeer != nil {
					c.onPeer(c, m)
				}
			case wire.DistributedMessage:
				if c.onDistributed != nil {
					c.onDistributed(c, m)
				}
			}
		}

		n, err := c.raw.Read(tmp)
		if err != nil {
			return fmt.Errorf("peerconn: read: %w", err)
		}
		buf = append(buf, tmp[:n]...)
	}
}

func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-c.outq:
			if !ok {
				return nil
			}
			if _, err := c.raw.Write(frame); err != nil {
				return fmt.Errorf("peerconn: write: %w", err)
			}
			c.touch()
		}
	}
}

// Close tears down the connection and stops its loops, if running.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.cancel != nil {
			c.cancel()
		}
		err = c.raw.Close()
		if c.grp != nil {
			_ = c.grp.Wait()
		}
	})
	return err
}
