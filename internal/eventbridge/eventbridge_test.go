package eventbridge

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/prxssh/slsk/internal/events"
	"github.com/prxssh/slsk/internal/transfer"
)

type fakeTransfers struct {
	snap transfer.Snapshot
	ok   bool
}

func (f *fakeTransfers) Get(id uuid.UUID) (transfer.Snapshot, bool) { return f.snap, f.ok }

func TestBridge_StatusReturns200(t *testing.T) {
	b := New(events.NewBus(nil), &fakeTransfers{}, &fakeTransfers{}, nil)
	srv := httptest.NewServer(b.Router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d, want 200", resp.StatusCode)
	}
}

func TestBridge_TransferRequiresValidID(t *testing.T) {
	b := New(events.NewBus(nil), &fakeTransfers{}, &fakeTransfers{}, nil)
	srv := httptest.NewServer(b.Router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/transfers?id=not-a-uuid")
	if err != nil {
		t.Fatalf("GET /transfers: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", resp.StatusCode)
	}
}

func TestBridge_TransferFoundInDownloads(t *testing.T) {
	id := uuid.New()
	downloads := &fakeTransfers{snap: transfer.Snapshot{ID: id, Status: transfer.StatusCompleted}, ok: true}
	uploads := &fakeTransfers{}
	b := New(events.NewBus(nil), downloads, uploads, nil)
	srv := httptest.NewServer(b.Router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/transfers?id=" + id.String())
	if err != nil {
		t.Fatalf("GET /transfers: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d, want 200", resp.StatusCode)
	}
}

func TestBridge_EventsWSStreamsPublishedEvent(t *testing.T) {
	bus := events.NewBus(nil)
	b := New(bus, &fakeTransfers{}, &fakeTransfers{}, nil)
	srv := httptest.NewServer(b.Router)
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):] + "/events/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()

	bus.Publish(events.Event{Kind: events.KindConnectionState, Data: events.ConnectionState{State: "connected"}})

	var got events.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read ws message: %v", err)
	}
	if got.Kind != events.KindConnectionState {
		t.Fatalf("got kind %q, want %q", got.Kind, events.KindConnectionState)
	}
}
