// Package optimize implements the performance strategies: delta and
// generic state compression, input batching, replay frame-skip advice,
// and state buffer pooling.
package optimize

import (
	"encoding/binary"
	"errors"

	"github.com/andersfylling/rollplay/internal/protocol"
)

// ErrBadDelta is returned when a delta payload is malformed or does
// not fit its base.
var ErrBadDelta = errors.New("malformed delta payload")

// deltaBlockSize is the granularity of the block-wise diff. State
// fields that change between adjacent frames tend to cluster, so a
// small block keeps unchanged regions out of the delta.
const deltaBlockSize = 64

// deltaHeaderSize is [baseFrame:4][fullLen:4][numBlocks:4].
const deltaHeaderSize = 12

// DeltaCodec encodes a state as the block-wise difference against a
// base state saved at an earlier frame.
type DeltaCodec struct{}

// NewDeltaCodec returns the block-diff codec.
func NewDeltaCodec() *DeltaCodec {
	return &DeltaCodec{}
}

// Encode diffs current against base and returns the delta payload.
// The payload records the base frame so decompression can locate it in
// the snapshot ring.
func (DeltaCodec) Encode(baseFrame protocol.Frame, base, current []byte) []byte {
	blocks := make([]uint32, 0, 8)
	for off := 0; off < len(current); off += deltaBlockSize {
		end := off + deltaBlockSize
		if end > len(current) {
			end = len(current)
		}
		if !blockEqual(base, current, off, end) {
			blocks = append(blocks, uint32(off))
		}
	}

	out := make([]byte, deltaHeaderSize, deltaHeaderSize+len(blocks)*(6+deltaBlockSize))
	binary.LittleEndian.PutUint32(out[0:4], uint32(baseFrame))
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(current)))
	binary.LittleEndian.PutUint32(out[8:12], uint32(len(blocks)))

	var hdr [6]byte
	for _, off := range blocks {
		end := int(off) + deltaBlockSize
		if end > len(current) {
			end = len(current)
		}
		binary.LittleEndian.PutUint32(hdr[0:4], off)
		binary.LittleEndian.PutUint16(hdr[4:6], uint16(end-int(off)))
		out = append(out, hdr[:]...)
		out = append(out, current[off:end]...)
	}
	return out
}

// BaseFrame extracts the base frame a delta payload was diffed against.
func (DeltaCodec) BaseFrame(delta []byte) (protocol.Frame, error) {
	if len(delta) < deltaHeaderSize {
		return 0, ErrBadDelta
	}
	return protocol.Frame(binary.LittleEndian.Uint32(delta[0:4])), nil
}

// Apply reconstructs the full state from a base state and a delta.
// Apply(base, Encode(f, base, cur)) == cur, byte for byte.
func (DeltaCodec) Apply(base, delta []byte) ([]byte, error) {
	if len(delta) < deltaHeaderSize {
		return nil, ErrBadDelta
	}
	fullLen := int(binary.LittleEndian.Uint32(delta[4:8]))
	numBlocks := int(binary.LittleEndian.Uint32(delta[8:12]))

	out := make([]byte, fullLen)
	copy(out, base)

	off := deltaHeaderSize
	for i := 0; i < numBlocks; i++ {
		if off+6 > len(delta) {
			return nil, ErrBadDelta
		}
		blockOff := int(binary.LittleEndian.Uint32(delta[off : off+4]))
		blockLen := int(binary.LittleEndian.Uint16(delta[off+4 : off+6]))
		off += 6
		if off+blockLen > len(delta) || blockOff+blockLen > fullLen {
			return nil, ErrBadDelta
		}
		copy(out[blockOff:blockOff+blockLen], delta[off:off+blockLen])
		off += blockLen
	}
	if off != len(delta) {
		return nil, ErrBadDelta
	}
	return out, nil
}

func blockEqual(base, current []byte, off, end int) bool {
	if end > len(base) {
		return false
	}
	for i := off; i < end; i++ {
		if base[i] != current[i] {
			return false
		}
	}
	return true
}
