package peerconn

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prxssh/slsk/internal/wire"
)

func TestConn_SendPeerInitHandshake(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := New(client, nil)

	done := make(chan error, 1)
	go func() {
		err := c.SendPeerInit("alice", TypeP, 42)
		done <- err
	}()

	buf := make([]byte, 512)
	n, err := server.Read(buf)
	if err != nil {
		t.Fatalf("server read failed: %v", err)
	}

	msg, _, err := wire.DecodePeer(buf[:n])
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	init, ok := msg.(*wire.PeerInit)
	if !ok {
		t.Fatalf("decoded type %T, want *PeerInit", msg)
	}
	if init.Username != "alice" || init.ConnType != "P" || init.Token != 42 {
		t.Fatalf("unexpected PeerInit: %+v", init)
	}

	if err := <-done; err != nil {
		t.Fatalf("SendPeerInit returned error: %v", err)
	}
}

func TestConn_StartDeliversDecodedMessages(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := New(client, nil)
	c.Type = TypeP

	received := make(chan wire.PeerMessage, 1)
	c.OnPeerMessage(func(_ *Conn, msg wire.PeerMessage) {
		received <- msg
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	frame := wire.EncodePeer(&wire.UploadFailed{Filename: "x.mp3"})
	if _, err := server.Write(frame); err != nil {
		t.Fatalf("server write failed: %v", err)
	}

	select {
	case msg := <-received:
		uf, ok := msg.(*wire.UploadFailed)
		if !ok {
			t.Fatalf("received type %T, want *UploadFailed", msg)
		}
		if uf.Filename != "x.mp3" {
			t.Fatalf("filename %q, want x.mp3", uf.Filename)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for decoded message")
	}
}

func TestConn_LastActivityAdvancesOnTouch(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := New(client, nil)
	first := c.LastActivity()

	time.Sleep(5 * time.Millisecond)
	c.touch()

	if !c.LastActivity().After(first) {
		t.Fatalf("expected LastActivity to advance after touch")
	}
}
