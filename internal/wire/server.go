package wire

import "fmt"

// ServerMessage is implemented by every typed message exchanged with the
// index server. Server messages use a u32 code (spec §4.1).
type ServerMessage interface {
	ServerCode() uint32
	encodePayload() []byte
}

// Server message codes. Reference numbering consistent with the public
// SoulSeek protocol documentation; exact values are an implementation
// detail of this codec (spec §1 Non-goals: not altering the wire protocol
// of OUR server, but no alternative-server interop is claimed).
const (
	CodeLogin              uint32 = 1
	CodeSetListenPort       uint32 = 2
	CodeGetPeerAddress      uint32 = 3
	CodeWatchUser           uint32 = 5
	CodeUnwatchUser         uint32 = 6
	CodeGetUserStatus       uint32 = 7
	CodeSayInRoom           uint32 = 13
	CodeJoinRoom            uint32 = 14
	CodeLeaveRoom           uint32 = 15
	CodeUserJoinedRoom      uint32 = 16
	CodeUserLeftRoom        uint32 = 17
	CodeConnectToPeer       uint32 = 18
	CodePrivateMessage      uint32 = 22
	CodeAckPrivateMessage   uint32 = 23
	CodeFileSearch          uint32 = 26
	CodeSetStatus           uint32 = 28
	CodeSharedFoldersFiles  uint32 = 35
	CodeUserStats           uint32 = 36
	CodeRoomList            uint32 = 64
	CodeAdminMessage        uint32 = 66
	CodePrivilegedUsers     uint32 = 69
	CodeHaveNoParent        uint32 = 71
	CodeParentMinSpeed      uint32 = 83
	CodeParentSpeedRatio    uint32 = 84
	CodeCheckPrivileges     uint32 = 92
	CodeAcceptChildren      uint32 = 100
	CodePossibleParents     uint32 = 102
	CodeWishlistSearch      uint32 = 103
	CodeWishlistInterval    uint32 = 104
	CodeGetSimilarUsers     uint32 = 110
	CodeRoomTickerState     uint32 = 113
	CodeRoomTickerAdd       uint32 = 114
	CodeRoomTickerRemove    uint32 = 115
	CodeAddThingILike       uint32 = 51
	CodeAddThingIHate       uint32 = 117
	CodeGetRecommendations  uint32 = 54
	CodeGivePrivileges      uint32 = 123
	CodeBranchLevel         uint32 = 126
	CodeBranchRoot          uint32 = 127
	CodePrivateRoomUsers    uint32 = 133
	CodePrivateRoomAddUser  uint32 = 134
	CodePrivateRoomRemove   uint32 = 135
	CodeCantConnectToPeer   uint32 = 1001
)

// Login is the first message sent after connecting (spec §4.2). Password
// is carried alongside the protocol version; the codec treats both as
// opaque fields per spec §4.1 ("Login hash").
type Login struct {
	Username        string
	PasswordMD5Hex  string
	ProtocolVersion uint32
}

func (m *Login) ServerCode() uint32 { return CodeLogin }
func (m *Login) encodePayload() []byte {
	w := newWriter()
	w.str(m.Username)
	w.str(m.PasswordMD5Hex)
	w.u32(m.ProtocolVersion)
	return w.Bytes()
}
func decodeLogin(r *reader) (ServerMessage, error) {
	m := &Login{}
	var err error
	if m.Username, err = r.str(); err != nil {
		return nil, err
	}
	if m.PasswordMD5Hex, err = r.str(); err != nil {
		return nil, err
	}
	if m.ProtocolVersion, err = r.u32(); err != nil {
		return nil, err
	}
	return m, nil
}

// LoginResponse is decoded from the server's reply to Login; it shares the
// Login code in the reverse direction (client decodes, never encodes it).
type LoginResponse struct {
	Success bool
	Message string
}

func (m *LoginResponse) ServerCode() uint32  { return CodeLogin }
func (m *LoginResponse) encodePayload() []byte {
	w := newWriter()
	w.boolean(m.Success)
	w.str(m.Message)
	return w.Bytes()
}
func decodeLoginResponse(r *reader) (ServerMessage, error) {
	m := &LoginResponse{}
	var err error
	if m.Success, err = r.boolean(); err != nil {
		return nil, err
	}
	if m.Message, err = r.str(); err != nil {
		return nil, err
	}
	return m, nil
}

// decodeLoginEither decodes code 1 in either direction: a payload that
// parses as a Login and is consumed exactly is a Login, anything else is
// decoded as a LoginResponse.
func decodeLoginEither(r *reader) (ServerMessage, error) {
	start := r.pos
	if m, err := decodeLogin(r); err == nil && r.remaining() == 0 {
		return m, nil
	}
	r.pos = start
	return decodeLoginResponse(r)
}

// SetListenPort announces the client's listening ports (spec §4.2 startup
// sequence).
type SetListenPort struct {
	Port            uint32
	ObfuscatedPort  uint32
}

func (m *SetListenPort) ServerCode() uint32 { return CodeSetListenPort }
func (m *SetListenPort) encodePayload() []byte {
	w := newWriter()
	w.u32(m.Port)
	w.u32(m.ObfuscatedPort)
	return w.Bytes()
}
func decodeSetListenPort(r *reader) (ServerMessage, error) {
	m := &SetListenPort{}
	var err error
	if m.Port, err = r.u32(); err != nil {
		return nil, err
	}
	if m.ObfuscatedPort, err = r.u32(); err != nil {
		return nil, err
	}
	return m, nil
}

// GetPeerAddress requests a user's endpoint from the server.
type GetPeerAddress struct{ Username string }

func (m *GetPeerAddress) ServerCode() uint32   { return CodeGetPeerAddress }
func (m *GetPeerAddress) encodePayload() []byte {
	w := newWriter()
	w.str(m.Username)
	return w.Bytes()
}
func decodeGetPeerAddress(r *reader) (ServerMessage, error) {
	m := &GetPeerAddress{}
	var err error
	if m.Username, err = r.str(); err != nil {
		return nil, err
	}
	return m, nil
}

// PeerAddress is the server's reply to GetPeerAddress.
type PeerAddress struct {
	Username string
	IP       uint32 // big-endian-display IPv4, wire-encoded little-endian
	Port     uint32
}

func (m *PeerAddress) ServerCode() uint32 { return CodeGetPeerAddress }
func (m *PeerAddress) encodePayload() []byte {
	w := newWriter()
	w.str(m.Username)
	w.u32(m.IP)
	w.u32(m.Port)
	return w.Bytes()
}
func decodePeerAddress(r *reader) (ServerMessage, error) {
	m := &PeerAddress{}
	var err error
	if m.Username, err = r.str(); err != nil {
		return nil, err
	}
	if m.IP, err = r.u32(); err != nil {
		return nil, err
	}
	if m.Port, err = r.u32(); err != nil {
		return nil, err
	}
	return m, nil
}

// RoomList carries the server's snapshot of public rooms and their sizes.
type RoomList struct {
	Rooms []string
	Users []uint32
}

func (m *RoomList) ServerCode() uint32 { return CodeRoomList }
func (m *RoomList) encodePayload() []byte {
	w := newWriter()
	w.u32(uint32(len(m.Rooms)))
	for _, room := range m.Rooms {
		w.str(room)
	}
	w.u32(uint32(len(m.Users)))
	for _, count := range m.Users {
		w.u32(count)
	}
	return w.Bytes()
}
func decodeRoomList(r *reader) (ServerMessage, error) {
	m := &RoomList{}
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	m.Rooms = make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := r.str()
		if err != nil {
			return nil, err
		}
		m.Rooms = append(m.Rooms, s)
	}
	n2, err := r.u32()
	if err != nil {
		return nil, err
	}
	m.Users = make([]uint32, 0, n2)
	for i := uint32(0); i < n2; i++ {
		c, err := r.u32()
		if err != nil {
			return nil, err
		}
		m.Users = append(m.Users, c)
	}
	return m, nil
}

// JoinRoom requests (client->server) or announces (server->client) room
// membership.
type JoinRoom struct{ Room string }

func (m *JoinRoom) ServerCode() uint32 { return CodeJoinRoom }
func (m *JoinRoom) encodePayload() []byte {
	w := newWriter()
	w.str(m.Room)
	return w.Bytes()
}
func decodeJoinRoom(r *reader) (ServerMessage, error) {
	m := &JoinRoom{}
	var err error
	if m.Room, err = r.str(); err != nil {
		return nil, err
	}
	return m, nil
}

// SayInRoom is a chat message, either submitted or delivered.
type SayInRoom struct {
	Room     string
	Username string
	Message  string
}

func (m *SayInRoom) ServerCode() uint32 { return CodeSayInRoom }
func (m *SayInRoom) encodePayload() []byte {
	w := newWriter()
	w.str(m.Room)
	w.str(m.Message)
	return w.Bytes()
}
func decodeSayInRoom(r *reader) (ServerMessage, error) {
	m := &SayInRoom{}
	var err error
	if m.Room, err = r.str(); err != nil {
		return nil, err
	}
	if m.Username, err = r.str(); err != nil {
		return nil, err
	}
	if m.Message, err = r.str(); err != nil {
		return nil, err
	}
	return m, nil
}

// PrivateMessage is a direct user-to-user message relayed by the server.
type PrivateMessage struct {
	ID        uint32
	Timestamp uint32
	Username  string
	Message   string
	IsAdmin   bool
}

func (m *PrivateMessage) ServerCode() uint32 { return CodePrivateMessage }
func (m *PrivateMessage) encodePayload() []byte {
	w := newWriter()
	w.u32(m.ID)
	w.u32(m.Timestamp)
	w.str(m.Username)
	w.str(m.Message)
	w.boolean(m.IsAdmin)
	return w.Bytes()
}
func decodePrivateMessage(r *reader) (ServerMessage, error) {
	m := &PrivateMessage{}
	var err error
	if m.ID, err = r.u32(); err != nil {
		return nil, err
	}
	if m.Timestamp, err = r.u32(); err != nil {
		return nil, err
	}
	if m.Username, err = r.str(); err != nil {
		return nil, err
	}
	if m.Message, err = r.str(); err != nil {
		return nil, err
	}
	if m.IsAdmin, err = r.boolean(); err != nil {
		return nil, err
	}
	return m, nil
}

// FileSearch is an outbound global search (client->server) and its
// broadcast form (server->client, same fields plus originating username
// carried by ConnectToPeer-style distributed relay rather than here).
type FileSearch struct {
	Token uint32
	Query string
}

func (m *FileSearch) ServerCode() uint32 { return CodeFileSearch }
func (m *FileSearch) encodePayload() []byte {
	w := newWriter()
	w.u32(m.Token)
	w.str(m.Query)
	return w.Bytes()
}
func decodeFileSearch(r *reader) (ServerMessage, error) {
	m := &FileSearch{}
	var err error
	if m.Token, err = r.u32(); err != nil {
		return nil, err
	}
	if m.Query, err = r.str(); err != nil {
		return nil, err
	}
	return m, nil
}

// WishlistSearch is identical on the wire to FileSearch but submitted on
// the periodic wishlist timer rather than interactively.
type WishlistSearch struct {
	Token uint32
	Query string
}

func (m *WishlistSearch) ServerCode() uint32 { return CodeWishlistSearch }
func (m *WishlistSearch) encodePayload() []byte {
	w := newWriter()
	w.u32(m.Token)
	w.str(m.Query)
	return w.Bytes()
}
func decodeWishlistSearch(r *reader) (ServerMessage, error) {
	m := &WishlistSearch{}
	var err error
	if m.Token, err = r.u32(); err != nil {
		return nil, err
	}
	if m.Query, err = r.str(); err != nil {
		return nil, err
	}
	return m, nil
}

// ConnectToPeer is sent by the server to ask us to dial user, or is what we
// send to ask the server to ask someone else to dial us (spec §4.3).
type ConnectToPeer struct {
	Username string
	Type     string // "P", "F", or "D"
	IP       uint32
	Port     uint32
	Token    uint32
	Privileged bool
}

func (m *ConnectToPeer) ServerCode() uint32 { return CodeConnectToPeer }
func (m *ConnectToPeer) encodePayload() []byte {
	w := newWriter()
	w.str(m.Username)
	w.str(m.Type)
	w.u32(m.IP)
	w.u32(m.Port)
	w.u32(m.Token)
	w.boolean(m.Privileged)
	return w.Bytes()
}
func decodeConnectToPeer(r *reader) (ServerMessage, error) {
	m := &ConnectToPeer{}
	var err error
	if m.Username, err = r.str(); err != nil {
		return nil, err
	}
	if m.Type, err = r.str(); err != nil {
		return nil, err
	}
	if m.IP, err = r.u32(); err != nil {
		return nil, err
	}
	if m.Port, err = r.u32(); err != nil {
		return nil, err
	}
	if m.Token, err = r.u32(); err != nil {
		return nil, err
	}
	if m.Privileged, err = r.boolean(); err != nil {
		return nil, err
	}
	return m, nil
}

// CantConnectToPeer tells the server that a direct dial failed, asking it
// to relay ConnectToPeer to the other side (spec §4.3 INDIRECT state).
type CantConnectToPeer struct {
	Token    uint32
	Username string
}

func (m *CantConnectToPeer) ServerCode() uint32 { return CodeCantConnectToPeer }
func (m *CantConnectToPeer) encodePayload() []byte {
	w := newWriter()
	w.u32(m.Token)
	w.str(m.Username)
	return w.Bytes()
}
func decodeCantConnectToPeer(r *reader) (ServerMessage, error) {
	m := &CantConnectToPeer{}
	var err error
	if m.Token, err = r.u32(); err != nil {
		return nil, err
	}
	if m.Username, err = r.str(); err != nil {
		return nil, err
	}
	return m, nil
}

// HaveNoParent announces distributed-tree parent status to the server.
type HaveNoParent struct{ NoParent bool }

func (m *HaveNoParent) ServerCode() uint32 { return CodeHaveNoParent }
func (m *HaveNoParent) encodePayload() []byte {
	w := newWriter()
	w.boolean(m.NoParent)
	return w.Bytes()
}
func decodeHaveNoParent(r *reader) (ServerMessage, error) {
	m := &HaveNoParent{}
	var err error
	if m.NoParent, err = r.boolean(); err != nil {
		return nil, err
	}
	return m, nil
}

// AcceptChildren announces whether we accept distributed children.
type AcceptChildren struct{ Accept bool }

func (m *AcceptChildren) ServerCode() uint32 { return CodeAcceptChildren }
func (m *AcceptChildren) encodePayload() []byte {
	w := newWriter()
	w.boolean(m.Accept)
	return w.Bytes()
}
func decodeAcceptChildren(r *reader) (ServerMessage, error) {
	m := &AcceptChildren{}
	var err error
	if m.Accept, err = r.boolean(); err != nil {
		return nil, err
	}
	return m, nil
}

// BranchLevel (server variant) announces our distance from the tree root.
type BranchLevel struct{ Level uint32 }

func (m *BranchLevel) ServerCode() uint32 { return CodeBranchLevel }
func (m *BranchLevel) encodePayload() []byte {
	w := newWriter()
	w.u32(m.Level)
	return w.Bytes()
}
func decodeBranchLevelServer(r *reader) (ServerMessage, error) {
	m := &BranchLevel{}
	var err error
	if m.Level, err = r.u32(); err != nil {
		return nil, err
	}
	return m, nil
}

// BranchRoot (server variant) announces the root username of our branch.
type BranchRoot struct{ Root string }

func (m *BranchRoot) ServerCode() uint32 { return CodeBranchRoot }
func (m *BranchRoot) encodePayload() []byte {
	w := newWriter()
	w.str(m.Root)
	return w.Bytes()
}
func decodeBranchRootServer(r *reader) (ServerMessage, error) {
	m := &BranchRoot{}
	var err error
	if m.Root, err = r.str(); err != nil {
		return nil, err
	}
	return m, nil
}

// UserStats reports a user's shared-file totals and speed.
type UserStats struct {
	Username    string
	AvgSpeed    uint32
	UploadCount uint64
	Files       uint32
	Folders     uint32
}

func (m *UserStats) ServerCode() uint32 { return CodeUserStats }
func (m *UserStats) encodePayload() []byte {
	w := newWriter()
	w.str(m.Username)
	w.u32(m.AvgSpeed)
	w.u64(m.UploadCount)
	w.u32(m.Files)
	w.u32(m.Folders)
	return w.Bytes()
}
func decodeUserStats(r *reader) (ServerMessage, error) {
	m := &UserStats{}
	var err error
	if m.Username, err = r.str(); err != nil {
		return nil, err
	}
	if m.AvgSpeed, err = r.u32(); err != nil {
		return nil, err
	}
	if m.UploadCount, err = r.u64(); err != nil {
		return nil, err
	}
	if m.Files, err = r.u32(); err != nil {
		return nil, err
	}
	if m.Folders, err = r.u32(); err != nil {
		return nil, err
	}
	return m, nil
}

// CheckPrivileges requests/reports remaining privileged seconds.
type CheckPrivileges struct{ TimeLeftSeconds uint32 }

func (m *CheckPrivileges) ServerCode() uint32 { return CodeCheckPrivileges }
func (m *CheckPrivileges) encodePayload() []byte {
	w := newWriter()
	w.u32(m.TimeLeftSeconds)
	return w.Bytes()
}
func decodeCheckPrivileges(r *reader) (ServerMessage, error) {
	m := &CheckPrivileges{}
	var err error
	if m.TimeLeftSeconds, err = r.u32(); err != nil {
		return nil, err
	}
	return m, nil
}

// OnlineStatus (SetStatus) announces our presence (1=away, 2=online).
type OnlineStatus struct{ Status uint32 }

func (m *OnlineStatus) ServerCode() uint32 { return CodeSetStatus }
func (m *OnlineStatus) encodePayload() []byte {
	w := newWriter()
	w.u32(m.Status)
	return w.Bytes()
}
func decodeOnlineStatus(r *reader) (ServerMessage, error) {
	m := &OnlineStatus{}
	var err error
	if m.Status, err = r.u32(); err != nil {
		return nil, err
	}
	return m, nil
}

// SharedFoldersFiles announces local share totals (spec §6 ShareIndex
// consumer).
type SharedFoldersFiles struct {
	Folders uint32
	Files   uint32
}

func (m *SharedFoldersFiles) ServerCode() uint32 { return CodeSharedFoldersFiles }
func (m *SharedFoldersFiles) encodePayload() []byte {
	w := newWriter()
	w.u32(m.Folders)
	w.u32(m.Files)
	return w.Bytes()
}
func decodeSharedFoldersFiles(r *reader) (ServerMessage, error) {
	m := &SharedFoldersFiles{}
	var err error
	if m.Folders, err = r.u32(); err != nil {
		return nil, err
	}
	if m.Files, err = r.u32(); err != nil {
		return nil, err
	}
	return m, nil
}

// RoomTickerAdd/RoomTickerRemove carry a room's scrolling-ticker updates.
type RoomTickerAdd struct {
	Room     string
	Username string
	Ticker   string
}

func (m *RoomTickerAdd) ServerCode() uint32 { return CodeRoomTickerAdd }
func (m *RoomTickerAdd) encodePayload() []byte {
	w := newWriter()
	w.str(m.Room)
	w.str(m.Username)
	w.str(m.Ticker)
	return w.Bytes()
}
func decodeRoomTickerAdd(r *reader) (ServerMessage, error) {
	m := &RoomTickerAdd{}
	var err error
	if m.Room, err = r.str(); err != nil {
		return nil, err
	}
	if m.Username, err = r.str(); err != nil {
		return nil, err
	}
	if m.Ticker, err = r.str(); err != nil {
		return nil, err
	}
	return m, nil
}

type RoomTickerRemove struct {
	Room     string
	Username string
}

func (m *RoomTickerRemove) ServerCode() uint32 { return CodeRoomTickerRemove }
func (m *RoomTickerRemove) encodePayload() []byte {
	w := newWriter()
	w.str(m.Room)
	w.str(m.Username)
	return w.Bytes()
}
func decodeRoomTickerRemove(r *reader) (ServerMessage, error) {
	m := &RoomTickerRemove{}
	var err error
	if m.Room, err = r.str(); err != nil {
		return nil, err
	}
	if m.Username, err = r.str(); err != nil {
		return nil, err
	}
	return m, nil
}

// PrivateRoomUsers lists the membership of a private room we own/belong to.
type PrivateRoomUsers struct {
	Room  string
	Users []string
}

func (m *PrivateRoomUsers) ServerCode() uint32 { return CodePrivateRoomUsers }
func (m *PrivateRoomUsers) encodePayload() []byte {
	w := newWriter()
	w.str(m.Room)
	w.u32(uint32(len(m.Users)))
	for _, u := range m.Users {
		w.str(u)
	}
	return w.Bytes()
}
func decodePrivateRoomUsers(r *reader) (ServerMessage, error) {
	m := &PrivateRoomUsers{}
	var err error
	if m.Room, err = r.str(); err != nil {
		return nil, err
	}
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	m.Users = make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		u, err := r.str()
		if err != nil {
			return nil, err
		}
		m.Users = append(m.Users, u)
	}
	return m, nil
}

// AddThingILike / AddThingIHate register interest tags used by
// recommendation queries.
type AddThingILike struct{ Item string }

func (m *AddThingILike) ServerCode() uint32 { return CodeAddThingILike }
func (m *AddThingILike) encodePayload() []byte {
	w := newWriter()
	w.str(m.Item)
	return w.Bytes()
}
func decodeAddThingILike(r *reader) (ServerMessage, error) {
	m := &AddThingILike{}
	var err error
	if m.Item, err = r.str(); err != nil {
		return nil, err
	}
	return m, nil
}

type AddThingIHate struct{ Item string }

func (m *AddThingIHate) ServerCode() uint32 { return CodeAddThingIHate }
func (m *AddThingIHate) encodePayload() []byte {
	w := newWriter()
	w.str(m.Item)
	return w.Bytes()
}
func decodeAddThingIHate(r *reader) (ServerMessage, error) {
	m := &AddThingIHate{}
	var err error
	if m.Item, err = r.str(); err != nil {
		return nil, err
	}
	return m, nil
}

// GetRecommendations requests/returns globally liked items.
type GetRecommendations struct {
	Items  []string
	Ratings []int32
}

func (m *GetRecommendations) ServerCode() uint32 { return CodeGetRecommendations }
func (m *GetRecommendations) encodePayload() []byte {
	w := newWriter()
	w.u32(uint32(len(m.Items)))
	for i, item := range m.Items {
		w.str(item)
		w.u32(uint32(int32(m.Ratings[i])))
	}
	return w.Bytes()
}
func decodeGetRecommendations(r *reader) (ServerMessage, error) {
	m := &GetRecommendations{}
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < n; i++ {
		item, err := r.str()
		if err != nil {
			return nil, err
		}
		rating, err := r.u32()
		if err != nil {
			return nil, err
		}
		m.Items = append(m.Items, item)
		m.Ratings = append(m.Ratings, int32(rating))
	}
	return m, nil
}

// GetSimilarUsers requests/returns usernames with overlapping interests.
type GetSimilarUsers struct{ Users []string }

func (m *GetSimilarUsers) ServerCode() uint32 { return CodeGetSimilarUsers }
func (m *GetSimilarUsers) encodePayload() []byte {
	w := newWriter()
	w.u32(uint32(len(m.Users)))
	for _, u := range m.Users {
		w.str(u)
	}
	return w.Bytes()
}
func decodeGetSimilarUsers(r *reader) (ServerMessage, error) {
	m := &GetSimilarUsers{}
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < n; i++ {
		u, err := r.str()
		if err != nil {
			return nil, err
		}
		m.Users = append(m.Users, u)
	}
	return m, nil
}

// UnknownServer wraps any server-family code this codec has not registered
// a typed message for (spec §4.1: "tolerate arbitrary message arrivals
// including unknown codes").
type UnknownServer struct {
	Code    uint32
	Payload []byte
}

func (m *UnknownServer) ServerCode() uint32   { return m.Code }
func (m *UnknownServer) encodePayload() []byte { return m.Payload }

type serverDecodeFunc func(*reader) (ServerMessage, error)

var serverDecoders = map[uint32]serverDecodeFunc{
	CodeLogin:              decodeLoginEither, // Login or LoginResponse
	CodeSetListenPort:      decodeSetListenPort,
	CodeGetPeerAddress:     decodePeerAddress, // server->client direction
	CodeRoomList:           decodeRoomList,
	CodeJoinRoom:           decodeJoinRoom,
	CodeSayInRoom:          decodeSayInRoom,
	CodePrivateMessage:     decodePrivateMessage,
	CodeFileSearch:         decodeFileSearch,
	CodeWishlistSearch:     decodeWishlistSearch,
	CodeConnectToPeer:      decodeConnectToPeer,
	CodeCantConnectToPeer:  decodeCantConnectToPeer,
	CodeHaveNoParent:       decodeHaveNoParent,
	CodeAcceptChildren:     decodeAcceptChildren,
	CodeBranchLevel:        decodeBranchLevelServer,
	CodeBranchRoot:         decodeBranchRootServer,
	CodeUserStats:          decodeUserStats,
	CodeCheckPrivileges:    decodeCheckPrivileges,
	CodeSetStatus:          decodeOnlineStatus,
	CodeSharedFoldersFiles: decodeSharedFoldersFiles,
	CodeRoomTickerAdd:      decodeRoomTickerAdd,
	CodeRoomTickerRemove:   decodeRoomTickerRemove,
	CodePrivateRoomUsers:   decodePrivateRoomUsers,
	CodeAddThingILike:      decodeAddThingILike,
	CodeAddThingIHate:      decodeAddThingIHate,
	CodeGetRecommendations: decodeGetRecommendations,
	CodeGetSimilarUsers:    decodeGetSimilarUsers,
}

// EncodeServer serializes msg into a complete wire frame:
// u32 length || u32 code || payload.
func EncodeServer(msg ServerMessage) []byte {
	w := newWriter()
	w.u32(msg.ServerCode())
	w.rawBytes(msg.encodePayload())
	return buildFrame(w.Bytes())
}

// DecodeServer decodes one complete frame from the head of buf. It returns
// ErrNeedMore if buf does not yet hold a whole frame, so callers can feed
// a growing read buffer incrementally (spec §8 "frame boundary safety").
func DecodeServer(buf []byte) (msg ServerMessage, consumed int, err error) {
	payload, consumed, err := splitFrame(buf)
	if err != nil {
		return nil, 0, err
	}

	r := newReader(payload)
	code, err := r.u32()
	if err != nil {
		return nil, 0, fmt.Errorf("wire: server frame missing code: %w", err)
	}

	decode, ok := serverDecoders[code]
	if !ok {
		return &UnknownServer{Code: code, Payload: append([]byte(nil), r.rest()...)}, consumed, nil
	}

	msg, err = decode(r)
	if err != nil {
		return nil, 0, fmt.Errorf("wire: decode server code %d: %w", code, err)
	}
	return msg, consumed, nil
}
