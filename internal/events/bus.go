// Package events implements the typed, in-process event stream that spec
// §9's Design Notes call for in place of the source's main-actor UI
// binding: a bounded channel of typed events per subscriber, with no UI
// thread dependency leaking into the core.
package events

import (
	"log/slog"
	"sync"
)

// Kind identifies the shape of an event's Data field.
type Kind string

const (
	KindConnectionState   Kind = "connection_state"
	KindSearchResults     Kind = "search_results"
	KindRoomMessage       Kind = "room_message"
	KindPrivateMessage    Kind = "private_message"
	KindTransferUpdate    Kind = "transfer_update"
	KindPeerAddress       Kind = "peer_address"
	KindUploadDenied      Kind = "upload_denied"
	KindUploadFailed      Kind = "upload_failed"
	KindFolderContents    Kind = "folder_contents_response"
)

// ConnectionState mirrors spec §6's "connecting | connected | disconnected"
// lifecycle events.
type ConnectionState struct {
	State string // "connecting", "connected", "disconnected"
	Err   error
}

// TransferUpdate mirrors spec §6's transfer-update event shape.
type TransferUpdate struct {
	ID          string
	Status      string
	Transferred int64
	Speed       float64
	Err         error
	LocalPath   string
}

// Event is one published occurrence; Data's concrete type is determined
// by Kind.
type Event struct {
	Kind Kind
	Data any
}

const subscriberBacklog = 64

// Bus is a bounded, in-process typed pub/sub. Publish never blocks the
// caller on a slow subscriber: a full subscriber channel drops the event
// and logs a warning, matching the teacher's BroadcastHave queue-full
// handling in pkg/peer/manager.go.
type Bus struct {
	log *slog.Logger

	mut  sync.RWMutex
	subs map[int]chan Event
	next int
}

func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		log:  log.With("src", "events"),
		subs: make(map[int]chan Event),
	}
}

// Subscription is a live handle returned by Subscribe; call Unsubscribe
// when the consumer is done.
type Subscription struct {
	id int
	ch chan Event
	b  *Bus
}

func (s *Subscription) Events() <-chan Event { return s.ch }

func (s *Subscription) Unsubscribe() {
	s.b.mut.Lock()
	defer s.b.mut.Unlock()

	if ch, ok := s.b.subs[s.id]; ok {
		delete(s.b.subs, s.id)
		close(ch)
	}
}

func (b *Bus) Subscribe() *Subscription {
	b.mut.Lock()
	defer b.mut.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, subscriberBacklog)
	b.subs[id] = ch

	return &Subscription{id: id, ch: ch, b: b}
}

// Publish fans ev out to every current subscriber.
func (b *Bus) Publish(ev Event) {
	b.mut.RLock()
	defer b.mut.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.log.Warn(
				"subscriber queue full; dropping event",
				slog.Int("subscriber", id),
				slog.String("kind", string(ev.Kind)),
			)
		}
	}
}

// Close terminates every subscriber channel; the bus must not be used
// afterward.
func (b *Bus) Close() {
	b.mut.Lock()
	defer b.mut.Unlock()

	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
