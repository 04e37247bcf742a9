package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

// Header precedes every message on the wire.
// Fixed 6 bytes: [Type:1][Flags:1][Len:4]
const HeaderSize = 6

// MaxPayloadSize bounds a single message body. State responses carry
// full simulation snapshots, so the cap is generous.
const MaxPayloadSize = 1 << 20

const (
	FlagNone       uint8 = 0x00
	FlagCompressed uint8 = 0x01 // payload body is run-length compressed
)

var (
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")
	ErrUnknownMessage  = errors.New("unknown message type")
	ErrShortMessage    = errors.New("message truncated")
)

// Marshal serializes a payload with its header into a single buffer,
// suitable for datagram-style transports.
func Marshal(p Payload) ([]byte, error) {
	body := appendPayload(nil, p)
	if len(body) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, HeaderSize, HeaderSize+len(body))
	buf[0] = byte(p.Type())
	buf[1] = FlagNone
	binary.LittleEndian.PutUint32(buf[2:6], uint32(len(body)))
	return append(buf, body...), nil
}

// Unmarshal parses a single marshaled message.
func Unmarshal(b []byte) (Payload, error) {
	if len(b) < HeaderSize {
		return nil, ErrShortMessage
	}
	n := binary.LittleEndian.Uint32(b[2:6])
	if n > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	if len(b) < HeaderSize+int(n) {
		return nil, ErrShortMessage
	}
	return parsePayload(MsgType(b[0]), b[HeaderSize:HeaderSize+int(n)])
}

// Encode writes a message to a stream with its header.
func Encode(w io.Writer, p Payload) error {
	buf, err := Marshal(p)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Decode reads one message from a stream.
func Decode(r io.Reader) (Payload, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(header[2:6])
	if n > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return parsePayload(MsgType(header[0]), body)
}

func appendPayload(b []byte, p Payload) []byte {
	switch m := p.(type) {
	case PeerHello:
		b = appendU32(b, uint32(m.Version))
		b = appendStr(b, string(m.Player))
		b = appendStr(b, m.Name)
	case PeerBye:
		b = appendStr(b, string(m.Player))
	case RollbackInput:
		b = appendStr(b, string(m.Player))
		b = appendI64(b, m.SendTime)
		b = appendU16(b, uint16(len(m.Entries)))
		for _, e := range m.Entries {
			b = appendU32(b, uint32(e.Frame))
			b = appendBytes(b, e.Input)
		}
	case SyncTest:
		b = appendU32(b, uint32(m.Frame))
		b = appendChecksums(b, m.Checksums)
		b = appendI64(b, m.SendTime)
	case Ping:
		b = appendU64(b, m.ID)
		b = appendI64(b, m.T0)
	case Pong:
		b = appendU64(b, m.ID)
		b = appendI64(b, m.T0)
		b = appendI64(b, m.T1)
	case BandwidthTest:
		b = appendU32(b, m.TestID)
		b = appendU32(b, m.PacketID)
		b = appendBytes(b, m.Payload)
	case BandwidthAck:
		b = appendU32(b, m.TestID)
		b = appendU32(b, m.PacketID)
		b = appendU32(b, m.Size)
	case HostHeartbeat:
		b = appendStr(b, string(m.Host))
		b = appendU32(b, uint32(m.Frame))
		b = appendI64(b, m.SendTime)
	case MigrationAnnounce:
		b = appendStr(b, string(m.NewHost))
		b = appendStr(b, m.Reason)
		b = appendU32(b, uint32(m.Frame))
	case StateRequest:
		b = appendU64(b, m.RequestID)
		b = appendU32(b, uint32(m.Frame))
		b = appendBool(b, m.Latest)
	case StateResponse:
		b = appendU64(b, m.RequestID)
		b = appendU32(b, uint32(m.Frame))
		b = appendBool(b, m.OK)
		b = appendBytes(b, m.State)
		b = appendChecksums(b, m.Checksums)
	case HostReady:
		b = appendStr(b, string(m.Host))
		b = appendU32(b, uint32(m.Frame))
	}
	return b
}

func parsePayload(t MsgType, body []byte) (Payload, error) {
	r := &reader{b: body}
	var p Payload
	switch t {
	case MsgPeerHello:
		p = PeerHello{Version: int32(r.u32()), Player: PlayerID(r.str()), Name: r.str()}
	case MsgPeerBye:
		p = PeerBye{Player: PlayerID(r.str())}
	case MsgRollbackInput:
		m := RollbackInput{Player: PlayerID(r.str()), SendTime: r.i64()}
		n := int(r.u16())
		for i := 0; i < n && r.err == nil; i++ {
			m.Entries = append(m.Entries, InputFrame{
				Frame: Frame(r.u32()),
				Input: Input(r.bytes()),
			})
		}
		p = m
	case MsgSyncTest:
		p = SyncTest{Frame: Frame(r.u32()), Checksums: r.checksums(), SendTime: r.i64()}
	case MsgPing:
		p = Ping{ID: r.u64(), T0: r.i64()}
	case MsgPong:
		p = Pong{ID: r.u64(), T0: r.i64(), T1: r.i64()}
	case MsgBandwidthTest:
		p = BandwidthTest{TestID: r.u32(), PacketID: r.u32(), Payload: r.bytes()}
	case MsgBandwidthAck:
		p = BandwidthAck{TestID: r.u32(), PacketID: r.u32(), Size: r.u32()}
	case MsgHostHeartbeat:
		p = HostHeartbeat{Host: PlayerID(r.str()), Frame: Frame(r.u32()), SendTime: r.i64()}
	case MsgMigrationAnnounce:
		p = MigrationAnnounce{NewHost: PlayerID(r.str()), Reason: r.str(), Frame: Frame(r.u32())}
	case MsgStateRequest:
		p = StateRequest{RequestID: r.u64(), Frame: Frame(r.u32()), Latest: r.bool()}
	case MsgStateResponse:
		p = StateResponse{RequestID: r.u64(), Frame: Frame(r.u32()), OK: r.bool(), State: r.bytes(), Checksums: r.checksums()}
	case MsgHostReady:
		p = HostReady{Host: PlayerID(r.str()), Frame: Frame(r.u32())}
	default:
		return nil, ErrUnknownMessage
	}
	if r.err != nil {
		return nil, r.err
	}
	return p, nil
}

// Append helpers, little-endian throughout.

func appendU16(b []byte, v uint16) []byte {
	return append(b, byte(v), byte(v>>8))
}

func appendU32(b []byte, v uint32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func appendU64(b []byte, v uint64) []byte {
	return append(b,
		byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56),
	)
}

func appendI64(b []byte, v int64) []byte {
	return appendU64(b, uint64(v))
}

func appendBool(b []byte, v bool) []byte {
	if v {
		return append(b, 1)
	}
	return append(b, 0)
}

func appendBytes(b, v []byte) []byte {
	b = appendU32(b, uint32(len(v)))
	return append(b, v...)
}

func appendStr(b []byte, s string) []byte {
	b = appendU16(b, uint16(len(s)))
	return append(b, s...)
}

const (
	tupleHasDeep   uint8 = 0x01
	tupleHasNative uint8 = 0x02
)

func appendChecksums(b []byte, t ChecksumTuple) []byte {
	var flags uint8
	if t.HasDeep {
		flags |= tupleHasDeep
	}
	if t.HasNative {
		flags |= tupleHasNative
	}
	b = append(b, flags)
	b = appendU64(b, t.Basic)
	b = appendU64(b, t.Enhanced)
	b = appendU64(b, t.Deep)
	b = appendU64(b, t.Native)
	return b
}

// reader walks a payload body, latching the first error
type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.b) {
		r.err = ErrShortMessage
		return nil
	}
	v := r.b[r.off : r.off+n]
	r.off += n
	return v
}

func (r *reader) u8() uint8 {
	v := r.take(1)
	if v == nil {
		return 0
	}
	return v[0]
}

func (r *reader) u16() uint16 {
	v := r.take(2)
	if v == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(v)
}

func (r *reader) u32() uint32 {
	v := r.take(4)
	if v == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(v)
}

func (r *reader) u64() uint64 {
	v := r.take(8)
	if v == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(v)
}

func (r *reader) i64() int64 { return int64(r.u64()) }

func (r *reader) bool() bool { return r.u8() != 0 }

func (r *reader) bytes() []byte {
	n := int(r.u32())
	if r.err != nil || n == 0 {
		return nil
	}
	v := r.take(n)
	if v == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, v)
	return out
}

func (r *reader) str() string {
	n := int(r.u16())
	if r.err != nil {
		return ""
	}
	return string(r.take(n))
}

func (r *reader) checksums() ChecksumTuple {
	flags := r.u8()
	return ChecksumTuple{
		Basic:     r.u64(),
		Enhanced:  r.u64(),
		Deep:      r.u64(),
		Native:    r.u64(),
		HasDeep:   flags&tupleHasDeep != 0,
		HasNative: flags&tupleHasNative != 0,
	}
}
