package wire

import "fmt"

// PeerMessage is implemented by every typed message exchanged over a
// direct peer connection (spec §4.1). Peer "P" messages use a u8 code,
// unlike the server family's u32.
type PeerMessage interface {
	PeerCode() uint8
	encodePayload() []byte
}

const (
	PCodePierceFirewall         uint8 = 0
	PCodePeerInit               uint8 = 1
	PCodeGetSharedFileList      uint8 = 4
	PCodeSharedFileList         uint8 = 5
	PCodeFileSearchResult       uint8 = 9
	PCodeFolderContentsRequest  uint8 = 36
	PCodeFolderContentsResponse uint8 = 37
	PCodeTransferRequest        uint8 = 40
	PCodeTransferResponse       uint8 = 41
	PCodeQueueUpload            uint8 = 43
	PCodePlaceInQueueRequest    uint8 = 51
	PCodePlaceInQueueResponse   uint8 = 44
	PCodeUploadFailed           uint8 = 46
	PCodeUploadDenied           uint8 = 50
)

// PeerInit is the handshake message sent by the initiator of a direct
// peer connection (spec §4.3). Token is meaningless (0) for "F"
// connections and caller-chosen for "P"/"D".
type PeerInit struct {
	Username string
	ConnType string // "P", "F", or "D"
	Token    uint32
}

func (m *PeerInit) PeerCode() uint8 { return PCodePeerInit }
func (m *PeerInit) encodePayload() []byte {
	w := newWriter()
	w.str(m.Username)
	w.str(m.ConnType)
	w.u32(m.Token)
	return w.Bytes()
}
func decodePeerInit(r *reader) (PeerMessage, error) {
	m := &PeerInit{}
	var err error
	if m.Username, err = r.str(); err != nil {
		return nil, err
	}
	if m.ConnType, err = r.str(); err != nil {
		return nil, err
	}
	if m.Token, err = r.u32(); err != nil {
		return nil, err
	}
	return m, nil
}

// PierceFirewall is the handshake message sent by the initiator of an
// indirect connection, after the other side asked the server to relay a
// ConnectToPeer request (spec §4.3).
type PierceFirewall struct{ Token uint32 }

func (m *PierceFirewall) PeerCode() uint8 { return PCodePierceFirewall }
func (m *PierceFirewall) encodePayload() []byte {
	w := newWriter()
	w.u32(m.Token)
	return w.Bytes()
}
func decodePierceFirewall(r *reader) (PeerMessage, error) {
	m := &PierceFirewall{}
	var err error
	if m.Token, err = r.u32(); err != nil {
		return nil, err
	}
	return m, nil
}

// GetSharedFileList requests the peer's entire share index (spec §6,
// ShareIndex consumer surface).
type GetSharedFileList struct{}

func (m *GetSharedFileList) PeerCode() uint8          { return PCodeGetSharedFileList }
func (m *GetSharedFileList) encodePayload() []byte    { return nil }
func decodeGetSharedFileList(r *reader) (PeerMessage, error) {
	return &GetSharedFileList{}, nil
}

// SharedFile describes one file entry within SharedFileList/FolderContents
// responses.
type SharedFile struct {
	Filename   string
	Size       uint64
	Extension  string
	Attributes []FileAttribute
}

// FileAttribute is a typed (bitrate, duration, ...) tag attached to a
// shared file entry.
type FileAttribute struct {
	Code  uint32
	Value uint32
}

// SharedFileList is the bulk response to GetSharedFileList, organized as
// folder -> files.
type SharedFileList struct {
	Folders map[string][]SharedFile
}

func (m *SharedFileList) PeerCode() uint8 { return PCodeSharedFileList }
func (m *SharedFileList) encodePayload() []byte {
	w := newWriter()
	w.u32(uint32(len(m.Folders)))
	for folder, files := range m.Folders {
		w.str(folder)
		w.u32(uint32(len(files)))
		for _, f := range files {
			encodeSharedFile(w, f)
		}
	}
	// Private folder count; this implementation never shares private
	// folders over the wire.
	w.u32(0)
	return w.Bytes()
}

func encodeSharedFile(w *writer, f SharedFile) {
	w.u8(1) // code byte, fixed per protocol
	w.str(f.Filename)
	w.u64(f.Size)
	w.str(f.Extension)
	w.u32(uint32(len(f.Attributes)))
	for _, attr := range f.Attributes {
		w.u32(attr.Code)
		w.u32(attr.Value)
	}
}

func decodeSharedFile(r *reader) (SharedFile, error) {
	var f SharedFile
	if _, err := r.u8(); err != nil {
		return f, err
	}
	var err error
	if f.Filename, err = r.str(); err != nil {
		return f, err
	}
	if f.Size, err = r.u64(); err != nil {
		return f, err
	}
	if f.Extension, err = r.str(); err != nil {
		return f, err
	}
	n, err := r.u32()
	if err != nil {
		return f, err
	}
	for i := uint32(0); i < n; i++ {
		code, err := r.u32()
		if err != nil {
			return f, err
		}
		val, err := r.u32()
		if err != nil {
			return f, err
		}
		f.Attributes = append(f.Attributes, FileAttribute{Code: code, Value: val})
	}
	return f, nil
}

func decodeSharedFileList(r *reader) (PeerMessage, error) {
	m := &SharedFileList{Folders: make(map[string][]SharedFile)}
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < n; i++ {
		folder, err := r.str()
		if err != nil {
			return nil, err
		}
		fn, err := r.u32()
		if err != nil {
			return nil, err
		}
		files := make([]SharedFile, 0, fn)
		for j := uint32(0); j < fn; j++ {
			f, err := decodeSharedFile(r)
			if err != nil {
				return nil, err
			}
			files = append(files, f)
		}
		m.Folders[folder] = files
	}
	return m, nil
}

// FileSearchResult carries matched files back to a searching peer over a
// direct connection, keyed by the originating search token.
type FileSearchResult struct {
	Username     string
	Token        uint32
	Files        []SharedFile
	FreeUploadSlot bool
	AvgSpeed     uint32
	QueueLength  uint64
}

func (m *FileSearchResult) PeerCode() uint8 { return PCodeFileSearchResult }
func (m *FileSearchResult) encodePayload() []byte {
	w := newWriter()
	w.str(m.Username)
	w.u32(m.Token)
	w.u32(uint32(len(m.Files)))
	for _, f := range m.Files {
		encodeSharedFile(w, f)
	}
	w.boolean(m.FreeUploadSlot)
	w.u32(m.AvgSpeed)
	w.u64(m.QueueLength)
	return w.Bytes()
}
func decodeFileSearchResult(r *reader) (PeerMessage, error) {
	m := &FileSearchResult{}
	var err error
	if m.Username, err = r.str(); err != nil {
		return nil, err
	}
	if m.Token, err = r.u32(); err != nil {
		return nil, err
	}
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < n; i++ {
		f, err := decodeSharedFile(r)
		if err != nil {
			return nil, err
		}
		m.Files = append(m.Files, f)
	}
	if m.FreeUploadSlot, err = r.boolean(); err != nil {
		return nil, err
	}
	if m.AvgSpeed, err = r.u32(); err != nil {
		return nil, err
	}
	if m.QueueLength, err = r.u64(); err != nil {
		return nil, err
	}
	return m, nil
}

// FolderContentsRequest/Response browse a single folder of a peer's share.
type FolderContentsRequest struct {
	Token  uint32
	Folder string
}

func (m *FolderContentsRequest) PeerCode() uint8 { return PCodeFolderContentsRequest }
func (m *FolderContentsRequest) encodePayload() []byte {
	w := newWriter()
	w.u32(m.Token)
	w.str(m.Folder)
	return w.Bytes()
}
func decodeFolderContentsRequest(r *reader) (PeerMessage, error) {
	m := &FolderContentsRequest{}
	var err error
	if m.Token, err = r.u32(); err != nil {
		return nil, err
	}
	if m.Folder, err = r.str(); err != nil {
		return nil, err
	}
	return m, nil
}

type FolderContentsResponse struct {
	Token   uint32
	Folder  string
	Files   []SharedFile
}

func (m *FolderContentsResponse) PeerCode() uint8 { return PCodeFolderContentsResponse }
func (m *FolderContentsResponse) encodePayload() []byte {
	w := newWriter()
	w.u32(m.Token)
	w.str(m.Folder)
	w.u32(uint32(len(m.Files)))
	for _, f := range m.Files {
		encodeSharedFile(w, f)
	}
	return w.Bytes()
}
func decodeFolderContentsResponse(r *reader) (PeerMessage, error) {
	m := &FolderContentsResponse{}
	var err error
	if m.Token, err = r.u32(); err != nil {
		return nil, err
	}
	if m.Folder, err = r.str(); err != nil {
		return nil, err
	}
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < n; i++ {
		f, err := decodeSharedFile(r)
		if err != nil {
			return nil, err
		}
		m.Files = append(m.Files, f)
	}
	return m, nil
}

// TransferRequest initiates a file transfer in either direction; Direction
// 0 means "peer wants to upload to us" and 1 means "peer wants to download
// from us" (spec §4.3, §5 transfer negotiation).
type TransferRequest struct {
	Direction uint32
	Token     uint32
	Filename  string
	FileSize  uint64
}

func (m *TransferRequest) PeerCode() uint8 { return PCodeTransferRequest }
func (m *TransferRequest) encodePayload() []byte {
	w := newWriter()
	w.u32(m.Direction)
	w.u32(m.Token)
	w.str(m.Filename)
	w.u64(m.FileSize)
	return w.Bytes()
}
func decodeTransferRequest(r *reader) (PeerMessage, error) {
	m := &TransferRequest{}
	var err error
	if m.Direction, err = r.u32(); err != nil {
		return nil, err
	}
	if m.Token, err = r.u32(); err != nil {
		return nil, err
	}
	if m.Filename, err = r.str(); err != nil {
		return nil, err
	}
	if m.FileSize, err = r.u64(); err != nil {
		return nil, err
	}
	return m, nil
}

// TransferResponse answers a TransferRequest: Allowed true lets the
// transfer start; false carries a human-readable Reason (e.g. "Queued",
// "File not shared", spec §5 reject reasons).
type TransferResponse struct {
	Token   uint32
	Allowed bool
	FileSize uint64
	Reason  string
}

func (m *TransferResponse) PeerCode() uint8 { return PCodeTransferResponse }
func (m *TransferResponse) encodePayload() []byte {
	w := newWriter()
	w.u32(m.Token)
	w.boolean(m.Allowed)
	if m.Allowed {
		w.u64(m.FileSize)
	} else {
		w.str(m.Reason)
	}
	return w.Bytes()
}
func decodeTransferResponse(r *reader) (PeerMessage, error) {
	m := &TransferResponse{}
	var err error
	if m.Token, err = r.u32(); err != nil {
		return nil, err
	}
	if m.Allowed, err = r.boolean(); err != nil {
		return nil, err
	}
	if m.Allowed {
		if m.FileSize, err = r.u64(); err != nil {
			return nil, err
		}
	} else {
		if m.Reason, err = r.str(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// QueueUpload asks a peer to queue us for a file we want to download from
// them (the peer-to-peer mirror of the server's upload queue).
type QueueUpload struct{ Filename string }

func (m *QueueUpload) PeerCode() uint8 { return PCodeQueueUpload }
func (m *QueueUpload) encodePayload() []byte {
	w := newWriter()
	w.str(m.Filename)
	return w.Bytes()
}
func decodeQueueUpload(r *reader) (PeerMessage, error) {
	m := &QueueUpload{}
	var err error
	if m.Filename, err = r.str(); err != nil {
		return nil, err
	}
	return m, nil
}

// PlaceInQueueRequest/Response report a queued download's position.
type PlaceInQueueRequest struct{ Filename string }

func (m *PlaceInQueueRequest) PeerCode() uint8 { return PCodePlaceInQueueRequest }
func (m *PlaceInQueueRequest) encodePayload() []byte {
	w := newWriter()
	w.str(m.Filename)
	return w.Bytes()
}
func decodePlaceInQueueRequest(r *reader) (PeerMessage, error) {
	m := &PlaceInQueueRequest{}
	var err error
	if m.Filename, err = r.str(); err != nil {
		return nil, err
	}
	return m, nil
}

type PlaceInQueueResponse struct {
	Filename string
	Place    uint32
}

func (m *PlaceInQueueResponse) PeerCode() uint8 { return PCodePlaceInQueueResponse }
func (m *PlaceInQueueResponse) encodePayload() []byte {
	w := newWriter()
	w.str(m.Filename)
	w.u32(m.Place)
	return w.Bytes()
}
func decodePlaceInQueueResponse(r *reader) (PeerMessage, error) {
	m := &PlaceInQueueResponse{}
	var err error
	if m.Filename, err = r.str(); err != nil {
		return nil, err
	}
	if m.Place, err = r.u32(); err != nil {
		return nil, err
	}
	return m, nil
}

// UploadFailed tells a downloader that a previously-accepted transfer
// could not be completed (e.g. source file vanished).
type UploadFailed struct{ Filename string }

func (m *UploadFailed) PeerCode() uint8 { return PCodeUploadFailed }
func (m *UploadFailed) encodePayload() []byte {
	w := newWriter()
	w.str(m.Filename)
	return w.Bytes()
}
func decodeUploadFailed(r *reader) (PeerMessage, error) {
	m := &UploadFailed{}
	var err error
	if m.Filename, err = r.str(); err != nil {
		return nil, err
	}
	return m, nil
}

// UploadDenied tells a queued downloader why their request was refused.
type UploadDenied struct {
	Filename string
	Reason   string
}

func (m *UploadDenied) PeerCode() uint8 { return PCodeUploadDenied }
func (m *UploadDenied) encodePayload() []byte {
	w := newWriter()
	w.str(m.Filename)
	w.str(m.Reason)
	return w.Bytes()
}
func decodeUploadDenied(r *reader) (PeerMessage, error) {
	m := &UploadDenied{}
	var err error
	if m.Filename, err = r.str(); err != nil {
		return nil, err
	}
	if m.Reason, err = r.str(); err != nil {
		return nil, err
	}
	return m, nil
}

// UnknownPeer wraps any "P" code without a registered typed message.
type UnknownPeer struct {
	Code    uint8
	Payload []byte
}

func (m *UnknownPeer) PeerCode() uint8          { return m.Code }
func (m *UnknownPeer) encodePayload() []byte    { return m.Payload }

type peerDecodeFunc func(*reader) (PeerMessage, error)

var peerDecoders = map[uint8]peerDecodeFunc{
	PCodePierceFirewall:         decodePierceFirewall,
	PCodePeerInit:               decodePeerInit,
	PCodeGetSharedFileList:      decodeGetSharedFileList,
	PCodeSharedFileList:         decodeSharedFileList,
	PCodeFileSearchResult:       decodeFileSearchResult,
	PCodeFolderContentsRequest:  decodeFolderContentsRequest,
	PCodeFolderContentsResponse: decodeFolderContentsResponse,
	PCodeTransferRequest:        decodeTransferRequest,
	PCodeTransferResponse:       decodeTransferResponse,
	PCodeQueueUpload:            decodeQueueUpload,
	PCodePlaceInQueueRequest:    decodePlaceInQueueRequest,
	PCodePlaceInQueueResponse:   decodePlaceInQueueResponse,
	PCodeUploadFailed:           decodeUploadFailed,
	PCodeUploadDenied:           decodeUploadDenied,
}

// EncodePeer serializes msg into a complete wire frame:
// u32 length || u8 code || payload.
func EncodePeer(msg PeerMessage) []byte {
	w := newWriter()
	w.u8(msg.PeerCode())
	w.rawBytes(msg.encodePayload())
	return buildFrame(w.Bytes())
}

// DecodePeer decodes one complete frame from the head of buf, returning
// ErrNeedMore if buf is not yet a whole frame.
func DecodePeer(buf []byte) (msg PeerMessage, consumed int, err error) {
	payload, consumed, err := splitFrame(buf)
	if err != nil {
		return nil, 0, err
	}

	r := newReader(payload)
	code, err := r.u8()
	if err != nil {
		return nil, 0, fmt.Errorf("wire: peer frame missing code: %w", err)
	}

	decode, ok := peerDecoders[code]
	if !ok {
		return &UnknownPeer{Code: code, Payload: append([]byte(nil), r.rest()...)}, consumed, nil
	}

	msg, err = decode(r)
	if err != nil {
		return nil, 0, fmt.Errorf("wire: decode peer code %d: %w", code, err)
	}
	return msg, consumed, nil
}
