package session

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/prxssh/slsk/internal/config"
	"github.com/prxssh/slsk/internal/events"
	"github.com/prxssh/slsk/internal/wire"
)

// fakeServer accepts one connection, reads the Login frame, and replies
// with a successful LoginResponse, then drains further frames.
func fakeServer(t *testing.T, ln net.Listener, accept chan<- *wire.Login) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	var buf []byte
	tmp := make([]byte, 4096)
	for {
		msg, consumed, err := wire.DecodeServer(buf)
		if err == nil {
			if login, ok := msg.(*wire.Login); ok {
				accept <- login
				resp := &wire.LoginResponse{Success: true, Message: "ok"}
				conn.Write(wire.EncodeServer(resp))
			}
			buf = buf[consumed:]
			continue
		}
		n, rerr := conn.Read(tmp)
		if rerr != nil {
			return
		}
		buf = append(buf, tmp[:n]...)
	}
}

func TestSession_ConnectPerformsLoginAndStartup(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()

	loginCh := make(chan *wire.Login, 1)
	go fakeServer(t, ln, loginCh)

	cfg := config.DefaultConfig()
	bus := events.NewBus(nil)
	s := New(&cfg, bus, nil)

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	p, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("failed to parse listener port: %v", err)
	}
	port := uint16(p)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := s.Connect(ctx, host, port, "alice", "secret"); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	defer s.Disconnect()

	select {
	case login := <-loginCh:
		if login.Username != "alice" {
			t.Fatalf("got username %q, want alice", login.Username)
		}
		if len(login.PasswordMD5Hex) != 32 {
			t.Fatalf("expected 32-char md5 hex, got %d chars", len(login.PasswordMD5Hex))
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server never received Login")
	}
}
