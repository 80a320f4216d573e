// Package transfer defines the shared Transfer Record vocabulary used by
// both the Download Manager and Upload Manager, so neither owns the
// other's bookkeeping while both report through the same event shape
// (spec §3 Data Model, §6 emitted transfer events).
package transfer

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the per-transfer state machine position. Values here cover
// both the download (§4.4) and upload (§4.4 [ADDED]) state machines;
// a given manager only ever assigns the subset relevant to its direction.
type Status int

const (
	StatusQueued Status = iota
	StatusConnecting
	StatusConnected
	StatusSendQueue
	StatusAwaitTransferRequest
	StatusWaiting
	StatusAccepted
	StatusAwaitFConn
	StatusOutboundFDial
	StatusReceiving
	StatusSending
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusSendQueue:
		return "send_queue"
	case StatusAwaitTransferRequest:
		return "await_transfer_request"
	case StatusWaiting:
		return "waiting"
	case StatusAccepted:
		return "accepted"
	case StatusAwaitFConn:
		return "await_f_conn"
	case StatusOutboundFDial:
		return "outbound_f_dial"
	case StatusReceiving:
		return "receiving"
	case StatusSending:
		return "sending"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Record is one transfer's mutable bookkeeping: identity, peer endpoint,
// byte accounting, and timing needed to compute speed.
type Record struct {
	mut sync.Mutex

	ID       uuid.UUID
	Username string
	Filename string
	LocalPath string
	Token    uint32

	ExpectedSize int64
	Transferred  int64

	Status Status
	Err    error

	startedAt time.Time
	lastTick  time.Time
	lastBytes int64
}

// New creates a Record in StatusQueued, stamping its id.
func New(username, filename string, expectedSize int64) *Record {
	return &Record{
		ID:           uuid.New(),
		Username:     username,
		Filename:     filename,
		ExpectedSize: expectedSize,
		Status:       StatusQueued,
	}
}

// SetStatus atomically transitions the record's status.
func (r *Record) SetStatus(s Status) {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.Status = s
	if s == StatusReceiving || s == StatusSending {
		if r.startedAt.IsZero() {
			r.startedAt = time.Now()
			r.lastTick = r.startedAt
		}
	}
}

// Fail marks the record failed with err, unless it is already terminal.
func (r *Record) Fail(err error) {
	r.mut.Lock()
	defer r.mut.Unlock()
	if r.Status == StatusCompleted || r.Status == StatusCancelled {
		return
	}
	r.Status = StatusFailed
	r.Err = err
}

// AddBytes accumulates received/sent bytes and returns the instantaneous
// speed in bytes/sec since the previous call (spec §4.4 "progress is
// reported periodically").
func (r *Record) AddBytes(n int64) (total int64, speed float64) {
	r.mut.Lock()
	defer r.mut.Unlock()

	r.Transferred += n
	now := time.Now()
	elapsed := now.Sub(r.lastTick).Seconds()
	if elapsed > 0 {
		speed = float64(r.Transferred-r.lastBytes) / elapsed
	}
	r.lastTick = now
	r.lastBytes = r.Transferred
	return r.Transferred, speed
}

// Snapshot returns a point-in-time copy safe to hand to an event
// subscriber without holding the record's lock.
type Snapshot struct {
	ID           uuid.UUID
	Username     string
	Filename     string
	LocalPath    string
	ExpectedSize int64
	Transferred  int64
	Status       Status
	Err          error
}

func (r *Record) Snapshot() Snapshot {
	r.mut.Lock()
	defer r.mut.Unlock()

	return Snapshot{
		ID:           r.ID,
		Username:     r.Username,
		Filename:     r.Filename,
		LocalPath:    r.LocalPath,
		ExpectedSize: r.ExpectedSize,
		Transferred:  r.Transferred,
		Status:       r.Status,
		Err:          r.Err,
	}
}

// Error is the typed incomplete_transfer error from spec §7.
type Error struct {
	Kind     string
	Expected int64
	Actual   int64
}

func (e *Error) Error() string {
	if e.Kind == "incomplete_transfer" {
		return "incomplete_transfer: expected " + strconv.FormatInt(e.Expected, 10) +
			" got " + strconv.FormatInt(e.Actual, 10)
	}
	return e.Kind
}
