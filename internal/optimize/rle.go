package optimize

import "errors"

// ErrBadRLE is returned for truncated or malformed run-length payloads.
var ErrBadRLE = errors.New("malformed run-length payload")

// Codec is the pluggable generic compression capability. Compress and
// Decompress must be exact inverses and fully deterministic; the
// compressed form travels between peers.
type Codec struct {
	Name       string
	Compress   func([]byte) []byte
	Decompress func([]byte) ([]byte, error)
}

// RLECodec returns the deterministic reference codec. Simulation
// states are dominated by zero padding and repeated structure, which
// run-length encoding collapses.
//
// Format: a control byte c, then
//
//	c < 0x80: literal run, the next c+1 bytes are copied verbatim
//	c ≥ 0x80: repeat run, the next byte repeats (c-0x80)+3 times
func RLECodec() Codec {
	return Codec{
		Name:       "rle",
		Compress:   rleCompress,
		Decompress: rleDecompress,
	}
}

const (
	rleMaxLiteral = 0x80     // literal run length 1..128
	rleMinRepeat  = 3        // runs shorter than this stay literal
	rleMaxRepeat  = 0x7F + 3 // repeat run length 3..130
)

func rleCompress(src []byte) []byte {
	out := make([]byte, 0, len(src)/2+8)
	litStart := 0

	flushLiterals := func(end int) {
		for litStart < end {
			n := end - litStart
			if n > rleMaxLiteral {
				n = rleMaxLiteral
			}
			out = append(out, byte(n-1))
			out = append(out, src[litStart:litStart+n]...)
			litStart += n
		}
	}

	i := 0
	for i < len(src) {
		run := 1
		for i+run < len(src) && src[i+run] == src[i] && run < rleMaxRepeat {
			run++
		}
		if run >= rleMinRepeat {
			flushLiterals(i)
			out = append(out, byte(0x80+(run-rleMinRepeat)), src[i])
			i += run
			litStart = i
		} else {
			i += run
		}
	}
	flushLiterals(len(src))
	return out
}

func rleDecompress(src []byte) ([]byte, error) {
	out := make([]byte, 0, len(src)*2)
	i := 0
	for i < len(src) {
		c := src[i]
		i++
		if c < 0x80 {
			n := int(c) + 1
			if i+n > len(src) {
				return nil, ErrBadRLE
			}
			out = append(out, src[i:i+n]...)
			i += n
		} else {
			if i >= len(src) {
				return nil, ErrBadRLE
			}
			n := int(c-0x80) + rleMinRepeat
			b := src[i]
			i++
			for j := 0; j < n; j++ {
				out = append(out, b)
			}
		}
	}
	return out, nil
}
