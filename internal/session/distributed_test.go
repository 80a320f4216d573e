package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prxssh/slsk/internal/peerconn"
	"github.com/prxssh/slsk/internal/wire"
)

// pipeChild wraps one end of a net.Pipe as a peerconn.Conn of type "D"
// and hands the test the other end to read forwarded frames from.
func pipeChild(t *testing.T) (*peerconn.Conn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	c := peerconn.New(server, nil)
	c.Type = peerconn.TypeD
	c.Start(context.Background())
	t.Cleanup(func() { c.Close() })
	return c, client
}

// TestHandleDistributedSearch_FansOutToChildrenUnchanged exercises spec
// §8 scenario 4: an inbound SearchRequest on the "D" parent must be
// forwarded verbatim to every child, excluding the one it arrived from.
func TestHandleDistributedSearch_FansOutToChildrenUnchanged(t *testing.T) {
	s := &Session{distTree: newDistributedTree()}

	var children []*peerconn.Conn
	var rawEnds []net.Conn
	for i := 0; i < 3; i++ {
		c, raw := pipeChild(t)
		s.AddDistributedChild(c)
		children = append(children, c)
		rawEnds = append(rawEnds, raw)
	}

	origin, originRaw := pipeChild(t)
	s.AddDistributedChild(origin)
	_ = originRaw

	req := &wire.SearchRequest{Unknown: 0, Username: "bob", Token: 99, Query: "foo"}
	s.HandleDistributedSearch(origin, req)

	want := wire.EncodeDistributed(req)

	for i, raw := range rawEnds {
		_ = raw.SetReadDeadline(time.Now().Add(2 * time.Second))
		buf := make([]byte, len(want))
		if _, err := readFull(raw, buf); err != nil {
			t.Fatalf("child %d: read forwarded frame: %v", i, err)
		}
		if string(buf) != string(want) {
			t.Fatalf("child %d: forwarded frame mismatch\n got: %v\nwant: %v", i, buf, want)
		}
	}

	// The origin itself must not receive its own search back.
	_ = originRaw.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 1)
	if _, err := originRaw.Read(buf); err == nil {
		t.Fatalf("origin connection unexpectedly received a forwarded frame")
	}
}

// TestHandleDistributedSearch_MatchesLocalShareIndex covers the "direct
// search-result to the search originator" half of §4.3.
func TestHandleDistributedSearch_MatchesLocalShareIndex(t *testing.T) {
	s := &Session{distTree: newDistributedTree()}
	s.SetShareIndex(fakeIndex{matches: []wire.SharedFile{{Filename: "a.mp3", Size: 10}}})

	var delivered struct {
		username string
		result   *wire.FileSearchResult
	}
	s.SetSearchResultSink(func(username string, result *wire.FileSearchResult) {
		delivered.username = username
		delivered.result = result
	})

	req := &wire.SearchRequest{Username: "bob", Token: 7, Query: "foo"}
	s.HandleDistributedSearch(nil, req)

	if delivered.username != "bob" {
		t.Fatalf("result delivered to %q, want bob", delivered.username)
	}
	if delivered.result == nil || len(delivered.result.Files) != 1 {
		t.Fatalf("expected one matched file, got %+v", delivered.result)
	}
	if delivered.result.Token != 7 {
		t.Fatalf("result token = %d, want 7", delivered.result.Token)
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

type fakeIndex struct{ matches []wire.SharedFile }

func (f fakeIndex) Lookup(string) (wire.SharedFile, bool) { return wire.SharedFile{}, false }
func (f fakeIndex) Totals() (int, int)                    { return 0, 0 }
func (f fakeIndex) Match(string) []wire.SharedFile        { return f.matches }
func (f fakeIndex) Folder(string) []wire.SharedFile       { return nil }
