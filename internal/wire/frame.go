// Package wire implements the framed codec described in spec §4.1: pure
// byte<->message functions for the server, peer ("P"), and distributed
// ("D") message families, sharing one length-prefixed little-endian
// framing and a common set of typed field readers/writers.
package wire

import "encoding/binary"

// reader is a cursor over an already-buffered frame payload. It never
// allocates proportional to an attacker-controlled length without first
// checking that length against the bytes actually available.
type reader struct {
	buf []byte
	pos int
}

func newReader(buf []byte) *reader { return &reader{buf: buf} }

func (r *reader) remaining() int { return len(r.buf) - r.pos }

func (r *reader) u8() (uint8, error) {
	if r.remaining() < 1 {
		return 0, ErrShortField
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) u16() (uint16, error) {
	if r.remaining() < 2 {
		return 0, ErrShortField
	}
	v := binary.LittleEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, ErrShortField
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if r.remaining() < 8 {
		return 0, ErrShortField
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *reader) boolean() (bool, error) {
	v, err := r.u8()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// str reads a u32 byte count followed by that many UTF-8 bytes. The count
// is bounds-checked against the remaining buffer before slicing, so a
// corrupt huge count fails cheaply instead of allocating.
func (r *reader) str() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	if int(n) < 0 || r.remaining() < int(n) {
		return "", ErrShortField
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

func (r *reader) rawBytes(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, ErrShortField
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// rest returns every byte not yet consumed, without copying.
func (r *reader) rest() []byte {
	b := r.buf[r.pos:]
	r.pos = len(r.buf)
	return b
}

// writer accumulates an encoded message payload.
type writer struct{ buf []byte }

func newWriter() *writer { return &writer{} }

func (w *writer) u8(v uint8) { w.buf = append(w.buf, v) }

func (w *writer) u16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) boolean(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *writer) str(s string) {
	w.u32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) rawBytes(b []byte) { w.buf = append(w.buf, b...) }

func (w *writer) Bytes() []byte { return w.buf }

// splitFrame extracts one u32-length-prefixed frame from buf. The length
// field is validated against MaxFrameSize before any slicing happens, so
// rejecting an oversized frame never requires buffering its declared size
// (spec §4.1, §8 "large-frame rejection").
//
// Returns ErrNeedMore when buf does not yet contain a complete frame.
func splitFrame(buf []byte) (payload []byte, consumed int, err error) {
	if len(buf) < 4 {
		return nil, 0, ErrNeedMore
	}

	length := binary.LittleEndian.Uint32(buf[0:4])
	if uint64(length) > MaxFrameSize {
		return nil, 0, ErrFrameTooLarge
	}

	total := 4 + int(length)
	if len(buf) < total {
		return nil, 0, ErrNeedMore
	}

	return buf[4:total], total, nil
}

// buildFrame prepends the u32 length prefix (covering code+payload) to an
// already-encoded code+payload buffer.
func buildFrame(codeAndPayload []byte) []byte {
	out := make([]byte, 4+len(codeAndPayload))
	binary.LittleEndian.PutUint32(out, uint32(len(codeAndPayload)))
	copy(out[4:], codeAndPayload)
	return out
}
