package wire

import "fmt"

// DistributedMessage is implemented by every typed message exchanged over
// a distributed (search-tree) connection (spec §4.1, §3 distributed
// search tree). Like the peer family, distributed codes are a single
// byte.
type DistributedMessage interface {
	DistributedCode() uint8
	encodePayload() []byte
}

const (
	DCodeSearchRequest uint8 = 3
	DCodeBranchLevel   uint8 = 4
	DCodeBranchRoot    uint8 = 5
	DCodeChildDepth    uint8 = 7
	DCodeEmbeddedMessage uint8 = 93
)

// SearchRequest propagates a global search down the distributed tree to
// children, who forward it further and answer via a direct peer
// connection when they have matches.
type SearchRequest struct {
	Unknown  uint32
	Username string
	Token    uint32
	Query    string
}

func (m *SearchRequest) DistributedCode() uint8 { return DCodeSearchRequest }
func (m *SearchRequest) encodePayload() []byte {
	w := newWriter()
	w.u32(m.Unknown)
	w.str(m.Username)
	w.u32(m.Token)
	w.str(m.Query)
	return w.Bytes()
}
func decodeSearchRequest(r *reader) (DistributedMessage, error) {
	m := &SearchRequest{}
	var err error
	if m.Unknown, err = r.u32(); err != nil {
		return nil, err
	}
	if m.Username, err = r.str(); err != nil {
		return nil, err
	}
	if m.Token, err = r.u32(); err != nil {
		return nil, err
	}
	if m.Query, err = r.str(); err != nil {
		return nil, err
	}
	return m, nil
}

// DistributedBranchLevel announces the sender's depth in the search tree
// to its children (distinct Go type from the server family's BranchLevel,
// same wire shape).
type DistributedBranchLevel struct{ Level uint32 }

func (m *DistributedBranchLevel) DistributedCode() uint8 { return DCodeBranchLevel }
func (m *DistributedBranchLevel) encodePayload() []byte {
	w := newWriter()
	w.u32(m.Level)
	return w.Bytes()
}
func decodeDistributedBranchLevel(r *reader) (DistributedMessage, error) {
	m := &DistributedBranchLevel{}
	var err error
	if m.Level, err = r.u32(); err != nil {
		return nil, err
	}
	return m, nil
}

// DistributedBranchRoot announces the username at the root of the
// sender's branch.
type DistributedBranchRoot struct{ Root string }

func (m *DistributedBranchRoot) DistributedCode() uint8 { return DCodeBranchRoot }
func (m *DistributedBranchRoot) encodePayload() []byte {
	w := newWriter()
	w.str(m.Root)
	return w.Bytes()
}
func decodeDistributedBranchRoot(r *reader) (DistributedMessage, error) {
	m := &DistributedBranchRoot{}
	var err error
	if m.Root, err = r.str(); err != nil {
		return nil, err
	}
	return m, nil
}

// ChildDepth reports how many additional levels exist beneath the sender,
// used by a parent to judge fan-out health.
type ChildDepth struct{ Depth uint32 }

func (m *ChildDepth) DistributedCode() uint8 { return DCodeChildDepth }
func (m *ChildDepth) encodePayload() []byte {
	w := newWriter()
	w.u32(m.Depth)
	return w.Bytes()
}
func decodeChildDepth(r *reader) (DistributedMessage, error) {
	m := &ChildDepth{}
	var err error
	if m.Depth, err = r.u32(); err != nil {
		return nil, err
	}
	return m, nil
}

// EmbeddedMessage wraps a server-family message so it can be relayed
// verbatim down the distributed tree (the SearchRequest case in
// practice); this implementation decodes it into the opaque payload and
// lets the distributed-tree component re-dispatch it.
type EmbeddedMessage struct {
	DistributedCodeValue uint8
	Payload              []byte
}

func (m *EmbeddedMessage) DistributedCode() uint8 { return DCodeEmbeddedMessage }
func (m *EmbeddedMessage) encodePayload() []byte {
	w := newWriter()
	w.u8(m.DistributedCodeValue)
	w.rawBytes(m.Payload)
	return w.Bytes()
}
func decodeEmbeddedMessage(r *reader) (DistributedMessage, error) {
	m := &EmbeddedMessage{}
	code, err := r.u8()
	if err != nil {
		return nil, err
	}
	m.DistributedCodeValue = code
	m.Payload = append([]byte(nil), r.rest()...)
	return m, nil
}

// UnknownDistributed wraps any "D" code without a registered typed
// message.
type UnknownDistributed struct {
	Code    uint8
	Payload []byte
}

func (m *UnknownDistributed) DistributedCode() uint8 { return m.Code }
func (m *UnknownDistributed) encodePayload() []byte  { return m.Payload }

type distributedDecodeFunc func(*reader) (DistributedMessage, error)

var distributedDecoders = map[uint8]distributedDecodeFunc{
	DCodeSearchRequest:   decodeSearchRequest,
	DCodeBranchLevel:     decodeDistributedBranchLevel,
	DCodeBranchRoot:      decodeDistributedBranchRoot,
	DCodeChildDepth:      decodeChildDepth,
	DCodeEmbeddedMessage: decodeEmbeddedMessage,
}

// EncodeDistributed serializes msg into a complete wire frame:
// u32 length || u8 code || payload.
func EncodeDistributed(msg DistributedMessage) []byte {
	w := newWriter()
	w.u8(msg.DistributedCode())
	w.rawBytes(msg.encodePayload())
	return buildFrame(w.Bytes())
}

// DecodeDistributed decodes one complete frame from the head of buf,
// returning ErrNeedMore if buf is not yet a whole frame.
func DecodeDistributed(buf []byte) (msg DistributedMessage, consumed int, err error) {
	payload, consumed, err := splitFrame(buf)
	if err != nil {
		return nil, 0, err
	}

	r := newReader(payload)
	code, err := r.u8()
	if err != nil {
		return nil, 0, fmt.Errorf("wire: distributed frame missing code: %w", err)
	}

	decode, ok := distributedDecoders[code]
	if !ok {
		return &UnknownDistributed{Code: code, Payload: append([]byte(nil), r.rest()...)}, consumed, nil
	}

	msg, err = decode(r)
	if err != nil {
		return nil, 0, fmt.Errorf("wire: decode distributed code %d: %w", code, err)
	}
	return msg, consumed, nil
}
