package optimize

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestDeltaCodecLaws(t *testing.T) {
	codec := NewDeltaCodec()

	Convey("Delta encode/apply", t, func() {
		base := make([]byte, 1024)
		for i := range base {
			base[i] = byte(i % 251)
		}

		Convey("single changed field produces a small delta", func() {
			current := append([]byte(nil), base...)
			current[500] = 0xFF

			delta := codec.Encode(7, base, current)
			So(len(delta), ShouldBeLessThan, len(current))

			restored, err := codec.Apply(base, delta)
			So(err, ShouldBeNil)
			So(restored, ShouldResemble, current)

			frame, err := codec.BaseFrame(delta)
			So(err, ShouldBeNil)
			So(frame, ShouldEqual, 7)
		})

		Convey("identical states produce an empty block set", func() {
			current := append([]byte(nil), base...)
			delta := codec.Encode(7, base, current)
			So(len(delta), ShouldEqual, deltaHeaderSize)

			restored, err := codec.Apply(base, delta)
			So(err, ShouldBeNil)
			So(restored, ShouldResemble, current)
		})

		Convey("apply is exact when the state grows", func() {
			current := append(append([]byte(nil), base...), 0xAA, 0xBB, 0xCC)
			delta := codec.Encode(7, base, current)
			restored, err := codec.Apply(base, delta)
			So(err, ShouldBeNil)
			So(restored, ShouldResemble, current)
		})

		Convey("apply is exact when the state shrinks", func() {
			current := append([]byte(nil), base[:700]...)
			current[3] ^= 0x10
			delta := codec.Encode(7, base, current)
			restored, err := codec.Apply(base, delta)
			So(err, ShouldBeNil)
			So(restored, ShouldResemble, current)
		})

		Convey("truncated delta fails cleanly", func() {
			current := append([]byte(nil), base...)
			current[0] = 0xFF
			delta := codec.Encode(7, base, current)
			for n := 0; n < len(delta); n += 5 {
				_, err := codec.Apply(base, delta[:n])
				So(err, ShouldNotBeNil)
			}
		})
	})
}

func TestRLECodecLaws(t *testing.T) {
	codec := RLECodec()

	Convey("RLE compress/decompress", t, func() {
		cases := map[string][]byte{
			"empty":         {},
			"single byte":   {0x42},
			"short run":     {1, 1},
			"long zero run": make([]byte, 500),
			"alternating":   {1, 2, 1, 2, 1, 2, 1, 2},
			"mixed": append(append([]byte{9, 8, 7},
				make([]byte, 200)...), 5, 5, 5, 5, 1, 2, 3),
		}

		for name, src := range cases {
			Convey("round-trips "+name, func() {
				out, err := codec.Decompress(codec.Compress(src))
				So(err, ShouldBeNil)
				So(len(out), ShouldEqual, len(src))
				So(out, ShouldResemble, append([]byte{}, src...))
			})
		}

		Convey("repetitive input actually shrinks", func() {
			src := make([]byte, 4096)
			So(len(codec.Compress(src)), ShouldBeLessThan, len(src)/10)
		})

		Convey("run longer than the repeat cap round-trips", func() {
			src := make([]byte, rleMaxRepeat*3+17)
			for i := range src {
				src[i] = 0x7F
			}
			out, err := codec.Decompress(codec.Compress(src))
			So(err, ShouldBeNil)
			So(out, ShouldResemble, src)
		})

		Convey("literal stretch longer than 128 round-trips", func() {
			src := make([]byte, 300)
			for i := range src {
				src[i] = byte(i)
			}
			out, err := codec.Decompress(codec.Compress(src))
			So(err, ShouldBeNil)
			So(out, ShouldResemble, src)
		})

		Convey("truncated payload fails cleanly", func() {
			src := append(make([]byte, 100), 1, 2, 3)
			packed := codec.Compress(src)
			_, err := codec.Decompress(packed[:len(packed)-1])
			So(err, ShouldNotBeNil)
		})
	})
}
