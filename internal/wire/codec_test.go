package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeServer_RoundTrip(t *testing.T) {
	original := &Login{
		Username:        "alice",
		PasswordMD5Hex:  "deadbeef",
		ProtocolVersion: 160,
	}

	frame := EncodeServer(original)

	decoded, consumed, err := DecodeServer(frame)
	if err != nil {
		t.Fatalf("DecodeServer returned error: %v", err)
	}
	if consumed != len(frame) {
		t.Fatalf("consumed %d bytes, want %d", consumed, len(frame))
	}

	got, ok := decoded.(*Login)
	if !ok {
		t.Fatalf("decoded type %T, want *Login", decoded)
	}
	if *got != *original {
		t.Fatalf("round trip mismatch:\n got: %+v\nwant: %+v", got, original)
	}
}

func TestEncodeDecodePeer_RoundTrip(t *testing.T) {
	original := &TransferRequest{
		Direction: 1,
		Token:     42,
		Filename:  "music/track.flac",
		FileSize:  123456789,
	}

	frame := EncodePeer(original)

	decoded, consumed, err := DecodePeer(frame)
	if err != nil {
		t.Fatalf("DecodePeer returned error: %v", err)
	}
	if consumed != len(frame) {
		t.Fatalf("consumed %d bytes, want %d", consumed, len(frame))
	}

	got, ok := decoded.(*TransferRequest)
	if !ok {
		t.Fatalf("decoded type %T, want *TransferRequest", decoded)
	}
	if *got != *original {
		t.Fatalf("round trip mismatch:\n got: %+v\nwant: %+v", got, original)
	}
}

func TestEncodeDecodeDistributed_RoundTrip(t *testing.T) {
	original := &SearchRequest{
		Unknown:  0,
		Username: "bob",
		Token:    7,
		Query:    "miles davis",
	}

	frame := EncodeDistributed(original)

	decoded, consumed, err := DecodeDistributed(frame)
	if err != nil {
		t.Fatalf("DecodeDistributed returned error: %v", err)
	}
	if consumed != len(frame) {
		t.Fatalf("consumed %d bytes, want %d", consumed, len(frame))
	}

	got, ok := decoded.(*SearchRequest)
	if !ok {
		t.Fatalf("decoded type %T, want *SearchRequest", decoded)
	}
	if *got != *original {
		t.Fatalf("round trip mismatch:\n got: %+v\nwant: %+v", got, original)
	}
}

func TestPeerInitPierceFirewall_RoundTrip(t *testing.T) {
	init := &PeerInit{Username: "alice", ConnType: "F", Token: 0}
	frame := EncodePeer(init)
	decoded, _, err := DecodePeer(frame)
	if err != nil {
		t.Fatalf("DecodePeer returned error: %v", err)
	}
	got, ok := decoded.(*PeerInit)
	if !ok {
		t.Fatalf("decoded type %T, want *PeerInit", decoded)
	}
	if *got != *init {
		t.Fatalf("round trip mismatch:\n got: %+v\nwant: %+v", got, init)
	}

	pierce := &PierceFirewall{Token: 77}
	frame2 := EncodePeer(pierce)
	decoded2, _, err := DecodePeer(frame2)
	if err != nil {
		t.Fatalf("DecodePeer returned error: %v", err)
	}
	got2, ok := decoded2.(*PierceFirewall)
	if !ok {
		t.Fatalf("decoded type %T, want *PierceFirewall", decoded2)
	}
	if *got2 != *pierce {
		t.Fatalf("round trip mismatch:\n got: %+v\nwant: %+v", got2, pierce)
	}
}

func TestDecodeServer_NeedsMoreData(t *testing.T) {
	full := EncodeServer(&SetListenPort{Port: 2234, ObfuscatedPort: 0})

	for cut := 0; cut < len(full); cut++ {
		_, _, err := DecodeServer(full[:cut])
		if !errors.Is(err, ErrNeedMore) {
			t.Fatalf("at cut %d: got err %v, want ErrNeedMore", cut, err)
		}
	}

	// The full frame must now decode cleanly.
	_, consumed, err := DecodeServer(full)
	if err != nil {
		t.Fatalf("full frame failed to decode: %v", err)
	}
	if consumed != len(full) {
		t.Fatalf("consumed %d, want %d", consumed, len(full))
	}
}

func TestDecodeServer_StopsAtFrameBoundary(t *testing.T) {
	first := EncodeServer(&SetListenPort{Port: 1, ObfuscatedPort: 2})
	second := EncodeServer(&HaveNoParent{NoParent: true})

	buf := append(append([]byte(nil), first...), second...)

	msg1, consumed1, err := DecodeServer(buf)
	if err != nil {
		t.Fatalf("decoding first frame failed: %v", err)
	}
	if consumed1 != len(first) {
		t.Fatalf("first frame consumed %d, want %d", consumed1, len(first))
	}
	if _, ok := msg1.(*SetListenPort); !ok {
		t.Fatalf("first message type %T, want *SetListenPort", msg1)
	}

	msg2, consumed2, err := DecodeServer(buf[consumed1:])
	if err != nil {
		t.Fatalf("decoding second frame failed: %v", err)
	}
	if consumed2 != len(second) {
		t.Fatalf("second frame consumed %d, want %d", consumed2, len(second))
	}
	if _, ok := msg2.(*HaveNoParent); !ok {
		t.Fatalf("second message type %T, want *HaveNoParent", msg2)
	}
}

func TestDecodeServer_RejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	lenPrefix := make([]byte, 4)
	// Declare a length far beyond MaxFrameSize without ever providing the
	// bytes; rejection must happen before any allocation proportional to
	// the declared length.
	huge := uint64(MaxFrameSize) + 1
	lenPrefix[0] = byte(huge)
	lenPrefix[1] = byte(huge >> 8)
	lenPrefix[2] = byte(huge >> 16)
	lenPrefix[3] = byte(huge >> 24)
	buf.Write(lenPrefix)

	_, _, err := DecodeServer(buf.Bytes())
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("got err %v, want ErrFrameTooLarge", err)
	}
}

func TestDecodeServer_UnknownCodePreservesPayload(t *testing.T) {
	w := newWriter()
	w.u32(99999)
	w.str("opaque-field")
	frame := buildFrame(w.Bytes())

	decoded, consumed, err := DecodeServer(frame)
	if err != nil {
		t.Fatalf("DecodeServer returned error: %v", err)
	}
	if consumed != len(frame) {
		t.Fatalf("consumed %d, want %d", consumed, len(frame))
	}

	unk, ok := decoded.(*UnknownServer)
	if !ok {
		t.Fatalf("decoded type %T, want *UnknownServer", decoded)
	}
	if unk.Code != 99999 {
		t.Fatalf("unknown code %d, want 99999", unk.Code)
	}
}

func TestDecodePeer_TruncatedStringFieldFails(t *testing.T) {
	w := newWriter()
	w.u8(PCodeQueueUpload)
	w.u32(1000) // claims a huge filename, but supplies none
	frame := buildFrame(w.Bytes())

	_, _, err := DecodePeer(frame)
	if !errors.Is(err, ErrShortField) {
		t.Fatalf("got err %v, want wrapped ErrShortField", err)
	}
}

func TestRoomList_RoundTripEmpty(t *testing.T) {
	original := &RoomList{}

	frame := EncodeServer(original)
	decoded, _, err := DecodeServer(frame)
	if err != nil {
		t.Fatalf("DecodeServer returned error: %v", err)
	}

	got, ok := decoded.(*RoomList)
	if !ok {
		t.Fatalf("decoded type %T, want *RoomList", decoded)
	}
	if len(got.Rooms) != 0 || len(got.Users) != 0 {
		t.Fatalf("expected empty RoomList, got %+v", got)
	}
}

func TestSharedFileList_RoundTrip(t *testing.T) {
	original := &SharedFileList{
		Folders: map[string][]SharedFile{
			"Music\\Jazz": {
				{
					Filename:  "Music\\Jazz\\track01.mp3",
					Size:      4096,
					Extension: "mp3",
					Attributes: []FileAttribute{
						{Code: 0, Value: 320},
						{Code: 1, Value: 180},
					},
				},
			},
		},
	}

	frame := EncodePeer(original)
	decoded, _, err := DecodePeer(frame)
	if err != nil {
		t.Fatalf("DecodePeer returned error: %v", err)
	}

	got, ok := decoded.(*SharedFileList)
	if !ok {
		t.Fatalf("decoded type %T, want *SharedFileList", decoded)
	}
	if len(got.Folders["Music\\Jazz"]) != 1 {
		t.Fatalf("expected 1 file in folder, got %d", len(got.Folders["Music\\Jazz"]))
	}
	gotFile := got.Folders["Music\\Jazz"][0]
	wantFile := original.Folders["Music\\Jazz"][0]
	if gotFile.Filename != wantFile.Filename || gotFile.Size != wantFile.Size {
		t.Fatalf("file mismatch:\n got: %+v\nwant: %+v", gotFile, wantFile)
	}
	if len(gotFile.Attributes) != len(wantFile.Attributes) {
		t.Fatalf("attribute count mismatch: got %d, want %d", len(gotFile.Attributes), len(wantFile.Attributes))
	}
}
