// Package eventbridge exposes internal/events.Bus to any UI over HTTP
// and WebSocket (spec §6 "Emitted events transport"). It is the concrete
// consumer the core's design notes describe as "any UI" — no particular
// frontend is assumed.
package eventbridge

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/prxssh/slsk/internal/download"
	"github.com/prxssh/slsk/internal/events"
	"github.com/prxssh/slsk/internal/transfer"
	"github.com/prxssh/slsk/internal/upload"
)

// wsUpgrader mirrors the teacher pack's permissive same-origin-agnostic
// upgrader; a host embedding this in a browser UI is expected to enforce
// its own CORS policy in front of this server if needed.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Downloads is the subset of *download.Manager the bridge reads from.
type Downloads interface {
	Get(id uuid.UUID) (transfer.Snapshot, bool)
}

// Uploads is the subset of *upload.Manager the bridge reads from.
type Uploads interface {
	Get(id uuid.UUID) (transfer.Snapshot, bool)
}

// Bridge wires a gorilla/mux router exposing /status, /transfers, and a
// /events/ws live stream over the event bus.
type Bridge struct {
	Router *mux.Router

	bus       *events.Bus
	downloads Downloads
	uploads   Uploads
	log       *slog.Logger

	startedAt time.Time
}

func New(bus *events.Bus, downloads Downloads, uploads Uploads, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	b := &Bridge{
		Router:    mux.NewRouter(),
		bus:       bus,
		downloads: downloads,
		uploads:   uploads,
		log:       log.With("src", "eventbridge"),
		startedAt: time.Now(),
	}
	b.Router.HandleFunc("/status", b.handleStatus).Methods(http.MethodGet)
	b.Router.HandleFunc("/transfers", b.handleTransfer).Methods(http.MethodGet)
	b.Router.HandleFunc("/events/ws", b.handleEventsWS).Methods(http.MethodGet)
	return b
}

type statusResponse struct {
	Uptime string `json:"uptime"`
}

func (b *Bridge) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, statusResponse{Uptime: time.Since(b.startedAt).String()})
}

type transferResponse struct {
	ID           string  `json:"id"`
	Direction    string  `json:"direction"`
	Status       string  `json:"status"`
	Transferred  int64   `json:"transferred"`
	ExpectedSize int64   `json:"expected_size"`
	Err          string  `json:"error,omitempty"`
}

func (b *Bridge) handleTransfer(w http.ResponseWriter, r *http.Request) {
	idStr := r.URL.Query().Get("id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		http.Error(w, "invalid or missing id", http.StatusBadRequest)
		return
	}

	if snap, ok := b.downloads.Get(id); ok {
		writeJSON(w, toTransferResponse(snap, "download"))
		return
	}
	if snap, ok := b.uploads.Get(id); ok {
		writeJSON(w, toTransferResponse(snap, "upload"))
		return
	}
	http.Error(w, "transfer not found", http.StatusNotFound)
}

func toTransferResponse(snap transfer.Snapshot, direction string) transferResponse {
	resp := transferResponse{
		ID:           snap.ID.String(),
		Direction:    direction,
		Status:       snap.Status.String(),
		Transferred:  snap.Transferred,
		ExpectedSize: snap.ExpectedSize,
	}
	if snap.Err != nil {
		resp.Err = snap.Err.Error()
	}
	return resp
}

// handleEventsWS upgrades to a websocket and streams every bus event as
// JSON until the client disconnects, grounded on the teacher pack's
// apiSearchResultStream loop (read → filter → WriteJSON → continue).
func (b *Bridge) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := b.bus.Subscribe()
	defer sub.Unsubscribe()

	for ev := range sub.Events() {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

var _ Downloads = (*download.Manager)(nil)
var _ Uploads = (*upload.Manager)(nil)
