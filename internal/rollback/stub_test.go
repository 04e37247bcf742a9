package rollback

import (
	"encoding/binary"
	"hash/fnv"
	"sort"

	"github.com/pkg/errors"

	"github.com/andersfylling/rollplay/internal/protocol"
)

// stubSim is a scripted deterministic simulation: each player holds an
// accumulator that the first input byte is added into every frame.
type stubSim struct {
	frame   uint64
	players []protocol.PlayerID
	acc     map[protocol.PlayerID]int64

	advances  int
	panicNext bool
	paused    bool
}

func newStubSim(players ...protocol.PlayerID) *stubSim {
	sorted := append([]protocol.PlayerID(nil), players...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	acc := make(map[protocol.PlayerID]int64, len(sorted))
	for _, p := range sorted {
		acc[p] = 0
	}
	return &stubSim{players: sorted, acc: acc}
}

func (s *stubSim) Advance(inputs []PlayerInput) {
	if s.panicNext {
		panic("scripted failure")
	}
	s.advances++
	s.frame++
	for _, in := range inputs {
		if len(in.Input) > 0 {
			s.acc[in.Player] += int64(in.Input[0])
		}
	}
}

func (s *stubSim) SaveState() []byte {
	out := make([]byte, 0, 8+len(s.players)*8)
	out = binary.LittleEndian.AppendUint64(out, s.frame)
	for _, p := range s.players {
		out = binary.LittleEndian.AppendUint64(out, uint64(s.acc[p]))
	}
	return out
}

func (s *stubSim) LoadState(state []byte) error {
	if len(state) != 8+len(s.players)*8 {
		return errors.New("stub state size mismatch")
	}
	s.frame = binary.LittleEndian.Uint64(state[:8])
	for i, p := range s.players {
		s.acc[p] = int64(binary.LittleEndian.Uint64(state[8+i*8:]))
	}
	return nil
}

func (s *stubSim) Checksum(level protocol.ChecksumLevel) (uint64, bool) {
	switch level {
	case protocol.ChecksumBasic:
		var sum uint64
		for _, p := range s.players {
			sum += uint64(s.acc[p])
		}
		return s.frame ^ sum, true
	case protocol.ChecksumEnhanced, protocol.ChecksumDeep:
		h := fnv.New64a()
		h.Write(s.SaveState())
		v := h.Sum64()
		if level == protocol.ChecksumDeep {
			v ^= 0xD33D
		}
		return v, true
	}
	return 0, false
}

func (s *stubSim) Pause()  { s.paused = true }
func (s *stubSim) Resume() { s.paused = false }
