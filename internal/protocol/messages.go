package protocol

// MsgType identifies the semantic meaning of a message
type MsgType uint8

const (
	// Session control
	MsgPeerHello MsgType = 0x01
	MsgPeerBye   MsgType = 0x02

	// Rollback hot path
	MsgRollbackInput MsgType = 0x10
	MsgSyncTest      MsgType = 0x11

	// Diagnostics
	MsgPing          MsgType = 0x20
	MsgPong          MsgType = 0x21
	MsgBandwidthTest MsgType = 0x22
	MsgBandwidthAck  MsgType = 0x23

	// Host migration
	MsgHostHeartbeat     MsgType = 0x30
	MsgMigrationAnnounce MsgType = 0x31
	MsgStateRequest      MsgType = 0x32
	MsgStateResponse     MsgType = 0x33
	MsgHostReady         MsgType = 0x34
)

// Payload is implemented by every message body. The wire format is
// stable within a session; PeerHello negotiates the version up front.
type Payload interface {
	Type() MsgType
}

// InputFrame contains one player input for a single frame
type InputFrame struct {
	Frame Frame
	Input Input
}

// PeerHello is exchanged on connection
type PeerHello struct {
	Version int32
	Player  PlayerID
	Name    string
}

// PeerBye announces an orderly departure
type PeerBye struct {
	Player PlayerID
}

// RollbackInput carries one or more input frames from a player.
// The batcher may pack several frames into a single message.
type RollbackInput struct {
	Player   PlayerID
	Entries  []InputFrame
	SendTime int64 // unix micros at sender
}

// SyncTest carries the checksum tuple for a simulated frame
type SyncTest struct {
	Frame     Frame
	Checksums ChecksumTuple
	SendTime  int64
}

// Ping probes round-trip time
type Ping struct {
	ID uint64
	T0 int64 // sender monotonic-ish timestamp, echoed back verbatim
}

// Pong echoes a ping
type Pong struct {
	ID uint64
	T0 int64
	T1 int64 // receiver timestamp when the ping arrived
}

// BandwidthTest is one packet of a throughput burst
type BandwidthTest struct {
	TestID   uint32
	PacketID uint32
	Payload  []byte
}

// BandwidthAck acknowledges a bandwidth test packet
type BandwidthAck struct {
	TestID   uint32
	PacketID uint32
	Size     uint32
}

// HostHeartbeat is emitted periodically by the current host
type HostHeartbeat struct {
	Host     PlayerID
	Frame    Frame
	SendTime int64
}

// MigrationAnnounce starts a host migration
type MigrationAnnounce struct {
	NewHost PlayerID
	Reason  string
	Frame   Frame
}

// StateRequest asks a peer for its simulation state at a frame.
// Frame 0 with Latest set requests the peer's most recent snapshot.
type StateRequest struct {
	RequestID uint64
	Frame     Frame
	Latest    bool
}

// StateResponse answers a StateRequest. OK is false when the peer has
// no snapshot to offer for the requested frame.
type StateResponse struct {
	RequestID uint64
	Frame     Frame
	OK        bool
	State     []byte
	Checksums ChecksumTuple
}

// HostReady announces that the new host has loaded state and the
// session may resume
type HostReady struct {
	Host  PlayerID
	Frame Frame
}

func (PeerHello) Type() MsgType         { return MsgPeerHello }
func (PeerBye) Type() MsgType           { return MsgPeerBye }
func (RollbackInput) Type() MsgType     { return MsgRollbackInput }
func (SyncTest) Type() MsgType          { return MsgSyncTest }
func (Ping) Type() MsgType              { return MsgPing }
func (Pong) Type() MsgType              { return MsgPong }
func (BandwidthTest) Type() MsgType     { return MsgBandwidthTest }
func (BandwidthAck) Type() MsgType      { return MsgBandwidthAck }
func (HostHeartbeat) Type() MsgType     { return MsgHostHeartbeat }
func (MigrationAnnounce) Type() MsgType { return MsgMigrationAnnounce }
func (StateRequest) Type() MsgType      { return MsgStateRequest }
func (StateResponse) Type() MsgType     { return MsgStateResponse }
func (HostReady) Type() MsgType         { return MsgHostReady }
