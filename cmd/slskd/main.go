// Command slskd runs the SoulSeek core as a standalone headless daemon:
// it connects to the index server, serves inbound peer connections, and
// exposes the event bus and transfer status over HTTP (spec §6, §9).
//
// A host application that wants its own UI should import the internal
// packages directly instead of shelling out to this binary; this is the
// reference wiring the composition root in internal/* was designed
// against.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prxssh/slsk/internal/config"
	"github.com/prxssh/slsk/internal/download"
	"github.com/prxssh/slsk/internal/eventbridge"
	"github.com/prxssh/slsk/internal/events"
	"github.com/prxssh/slsk/internal/listener"
	"github.com/prxssh/slsk/internal/logging"
	"github.com/prxssh/slsk/internal/nat"
	"github.com/prxssh/slsk/internal/peerconn"
	"github.com/prxssh/slsk/internal/peerpool"
	"github.com/prxssh/slsk/internal/session"
	"github.com/prxssh/slsk/internal/upload"
	"github.com/prxssh/slsk/internal/wire"
)

func main() {
	setupLogger()

	var (
		username   = flag.String("username", os.Getenv("SLSK_USERNAME"), "SoulSeek account username")
		password   = flag.String("password", os.Getenv("SLSK_PASSWORD"), "SoulSeek account password")
		downloadTo = flag.String("download-dir", "", "override the default download directory")
		bridgeAddr = flag.String("bridge-addr", "127.0.0.1:8080", "address the status/event HTTP bridge listens on")
	)
	flag.Parse()

	if *username == "" {
		slog.Error("slskd: -username (or SLSK_USERNAME) is required")
		os.Exit(1)
	}

	cfg := config.DefaultConfig()
	cfg.Username = *username
	cfg.Password = *password
	if *downloadTo != "" {
		cfg.DownloadRoot = *downloadTo
	}
	config.Swap(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bus := events.NewBus(slog.Default())
	defer bus.Close()

	sess := session.New(&cfg, bus, slog.Default())

	// download/upload need the pool to dial out, and the pool needs their
	// handlers to route inbound messages: break the cycle with callbacks
	// that close over these two vars, assigned once both sides exist.
	var downloads *download.Manager
	var uploads *upload.Manager

	shareIdx := emptyShareIndex{}
	sess.SetShareIndex(shareIdx)

	pool := peerpool.New(slog.Default(), sess, peerpool.Callbacks{
		OnQueueUpload:              func(c *peerconn.Conn, msg *wire.QueueUpload) { uploads.HandleQueueUpload(c, msg) },
		OnTransferRequest:          func(c *peerconn.Conn, msg *wire.TransferRequest) { downloads.HandleTransferRequest(c, msg) },
		OnTransferResponse:         func(c *peerconn.Conn, msg *wire.TransferResponse) { uploads.HandleTransferResponse(c, msg) },
		OnFileTransferConnection: func(c *peerconn.Conn) {
			if downloads.HandleInboundF(c) {
				return
			}
			if uploads.HandleInboundF(c) {
				return
			}
			_ = c.Close()
		},
		OnDistributedSearch:        func(c *peerconn.Conn, msg *wire.SearchRequest) { sess.HandleDistributedSearch(c, msg) },
		OnDistributedChildAdmitted: func(c *peerconn.Conn) { sess.AddDistributedChild(c) },
	}, cfg.MaxPeerConnections)
	pool.Run(ctx)

	downloads = download.New(&cfg, pool, bus, slog.Default())
	uploads = upload.New(&cfg, pool, bus, shareIdx, slog.Default())

	// A matched distributed search is answered by dialing (or reusing) a
	// direct "P" connection to the originator and sending the result
	// (spec §4.3 Distributed tree: "emit a direct search-result to the
	// search originator").
	sess.SetSearchResultSink(func(username string, result *wire.FileSearchResult) {
		go func() {
			c, err := pool.Connect(ctx, username, peerconn.TypeP, 0)
			if err != nil {
				slog.Debug("slskd: distributed search result undeliverable", slog.String("username", username), slog.String("err", err.Error()))
				return
			}
			c.SendPeer(result)
		}()
	})

	sess.SetConnectToPeerSink(func(m *wire.ConnectToPeer) {
		go dialIndirect(ctx, pool, m)
	})

	localIP := outboundIP()
	natSvc := nat.New(&cfg, localIP, slog.Default())
	if cfg.EnableUPnP {
		if err := natSvc.MapPort(ctx, "TCP", cfg.ListenPort, cfg.ListenPort); err != nil {
			slog.Warn("slskd: port mapping failed, falling back to whatever NAT the router already has", slog.String("err", err.Error()))
		}
		defer natSvc.RemoveAll(context.Background())
	}

	ln := listener.New(poolSink{pool}, slog.Default())
	go func() {
		if err := ln.Run(ctx, cfg.ListenPortRangeStart, cfg.ListenPortRangeEnd); err != nil && ctx.Err() == nil {
			slog.Error("slskd: listener exited", slog.String("err", err.Error()))
		}
	}()

	bridge := eventbridge.New(bus, downloads, uploads, slog.Default())
	httpSrv := &http.Server{Addr: *bridgeAddr, Handler: bridge.Router}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("slskd: event bridge exited", slog.String("err", err.Error()))
		}
	}()

	if err := sess.Connect(ctx, cfg.ServerHost, cfg.ServerPort, cfg.Username, cfg.Password); err != nil {
		slog.Error("slskd: login failed", slog.String("err", err.Error()))
		os.Exit(1)
	}

	slog.Info("slskd: running", slog.String("bridge", *bridgeAddr))
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	sess.Disconnect()
}

func setupLogger() {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slog.LevelInfo
	opts.SlogOpts.AddSource = false

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	slog.SetDefault(slog.New(h))
}

// poolSink adapts *peerpool.Pool to listener.Sink.
type poolSink struct{ pool *peerpool.Pool }

func (s poolSink) AcceptRaw(conn net.Conn, obfuscated bool) { s.pool.AcceptRaw(conn, obfuscated) }

// dialIndirect answers a server-relayed ConnectToPeer by dialing the
// requester back and piercing its firewall, admitting the resulting
// connection into the pool (spec §4.3 indirect connect).
func dialIndirect(ctx context.Context, pool *peerpool.Pool, m *wire.ConnectToPeer) {
	addr := net.JoinHostPort(ipString(m.IP), portString(m.Port))
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, err := peerconn.DialDirect(dialCtx, addr, 10*time.Second, slog.Default())
	if err != nil {
		slog.Debug("slskd: indirect dial failed", slog.String("username", m.Username), slog.String("err", err.Error()))
		return
	}
	if err := conn.SendPierceFirewall(m.Token); err != nil {
		_ = conn.Close()
		return
	}
	conn.Username = m.Username
	if !pool.AcceptIndirect(m.Token, conn) {
		pool.Admit(conn, peerconn.Type(m.Type))
	}
}

func ipString(ip uint32) string {
	return net.IPv4(byte(ip>>24), byte(ip>>16), byte(ip>>8), byte(ip)).String()
}

func portString(port uint32) string {
	return strconv.FormatUint(uint64(port), 10)
}

func outboundIP() net.IP {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return net.IPv4zero
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP
}

// emptyShareIndex answers "nothing shared" until a host application
// wires in a real scanner (spec §6, shareindex.Index is an excluded
// collaborator).
type emptyShareIndex struct{}

func (emptyShareIndex) Lookup(string) (wire.SharedFile, bool) { return wire.SharedFile{}, false }
func (emptyShareIndex) Totals() (int, int)                    { return 0, 0 }
func (emptyShareIndex) Match(string) []wire.SharedFile        { return nil }
func (emptyShareIndex) Folder(string) []wire.SharedFile       { return nil }
