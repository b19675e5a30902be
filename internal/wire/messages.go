package wire

// ProtocolByte identifies the mini-protocol occupying a freshly opened
// bidirectional QUIC stream (spec §4.2).
type ProtocolByte byte

const (
	ProtoHandshake     ProtocolByte = 0x01
	ProtoKeepAlive     ProtocolByte = 0x02
	ProtoPeerShare     ProtocolByte = 0x03
	ProtoMemoryFetch   ProtocolByte = 0x04
	ProtoMemorySync    ProtocolByte = 0x05
	ProtoMemoryPush    ProtocolByte = 0x06
	ProtoGroupExchange ProtocolByte = 0x07
)

// HandshakeMagic is the fixed magic value the initiator sends first;
// a mismatch is rejected without negotiation.
const HandshakeMagic uint32 = 0xC0DE11A1

// HandshakeRequest is sent by the initiator on the handshake mini-protocol.
type HandshakeRequest struct {
	Magic      uint32   `json:"magic"`
	VersionMin uint32   `json:"version_min"`
	VersionMax uint32   `json:"version_max"`
	NodeID     string   `json:"node_id"`
	Timestamp  string   `json:"timestamp"`
	Groups     []string `json:"groups"`
}

// HandshakeResponse is the responder's reply. Version 0 signals rejection.
type HandshakeResponse struct {
	Version      uint32   `json:"version"`
	NodeID       string   `json:"node_id"`
	Timestamp    string   `json:"timestamp"`
	Groups       []string `json:"groups"`
	RejectReason string   `json:"reject_reason,omitempty"`
}

// Ping is sent periodically on the keep-alive mini-protocol.
type Ping struct {
	Seq    uint64 `json:"seq"`
	SentAt int64  `json:"sent_at_ns"`
}

// Pong answers a Ping; RTT is RecvAt - SentAt at the initiator.
type Pong struct {
	Seq    uint64 `json:"seq"`
	SentAt int64  `json:"sent_at_ns"`
	RecvAt int64  `json:"recv_at_ns"`
}

// PeerShareRequest asks a peer to advertise some of its known peers.
type PeerShareRequest struct {
	MaxPeers int `json:"max_peers"`
}

// PeerShareEntry describes one advertised peer.
type PeerShareEntry struct {
	NodeID   string   `json:"node_id"`
	Addrs    []string `json:"addrs"`
	LastSeen string   `json:"last_seen"`
	Groups   []string `json:"groups"`
}

// PeerShareResponse answers a PeerShareRequest.
type PeerShareResponse struct {
	Peers []PeerShareEntry `json:"peers"`
}

// ItemHeader is the compact anti-entropy representation of an item.
type ItemHeader struct {
	ItemID     string `json:"item_id"`
	ItemType   string `json:"item_type"`
	Checksum   string `json:"checksum"`
	UpdatedAt  string `json:"updated_at"`
	AuthorID   string `json:"author_id"`
	IsDeletion bool   `json:"is_deletion"`
}

// SyncRequest drives anti-entropy header comparison for one group.
type SyncRequest struct {
	GroupID string `json:"group_id"`
	Since   string `json:"since"`
	Limit   int    `json:"limit"`
}

// SyncResponse answers a SyncRequest.
type SyncResponse struct {
	Items   []ItemHeader `json:"items"`
	HasMore bool         `json:"has_more"`
}

// FetchRequest asks for full items by id, capped at 100 per spec §4.2.
type FetchRequest struct {
	ItemIDs []string `json:"item_ids"`
}

// MaxFetchIDs is the hard cap on a single fetch request.
const MaxFetchIDs = 100

// Item is the full wire representation of a stored item, used by both the
// fetch response and the push mini-protocol.
type Item struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	AuthorID   string `json:"author_id"`
	GroupID    string `json:"group_id,omitempty"`
	Visibility string `json:"visibility"`
	Data       []byte `json:"data"`
	Checksum   string `json:"checksum"`
	KeyVersion int    `json:"key_version"`
	ParentID   string `json:"parent_id,omitempty"`
	IsCopy     bool   `json:"is_copy"`
	UpdatedAt  string `json:"updated_at"`
	IsTombstone bool  `json:"is_tombstone"`
}

// FetchResponse answers a FetchRequest and is also the payload shape used
// unsolicited by the push mini-protocol (spec §4.2).
type FetchResponse struct {
	Items []Item `json:"items"`
}

// PushAck is the receiver's reply to an unsolicited push.
type PushAck struct {
	Stored   []string `json:"stored"`
	Rejected []string `json:"rejected"`
}

// GroupDescriptorWire is the wire representation of a group descriptor
// exchanged on the group-exchange mini-protocol.
type GroupDescriptorWire struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Culture    string `json:"culture"`
	UpdatedAt  string `json:"updated_at"`
	Checksum   string `json:"checksum"`
	OwnerID    string `json:"owner_id"`
	OwnerPK    string `json:"owner_pubkey"`
	Signature  string `json:"signature"`
}

// DeletedCulture is the sentinel culture value marking a tombstone
// group descriptor (spec §3 invariant 6).
const DeletedCulture = "__deleted__"

// TombstoneItemType is the sentinel item type marking a tombstone item.
const TombstoneItemType = "__tombstone__"

// GroupExchange carries a node's full known set of group descriptors.
type GroupExchange struct {
	Descriptors []GroupDescriptorWire `json:"descriptors"`
}
