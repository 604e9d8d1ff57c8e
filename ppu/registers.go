package ppu

import (
	"encoding/binary"
	"math"
)

// V128 is a vector register in guest byte order: byte 0 is the most significant.
type V128 [16]byte

func (v *V128) Word(i int) uint32 { return binary.BigEndian.Uint32(v[i*4:]) }

func (v *V128) SetWord(i int, w uint32) { binary.BigEndian.PutUint32(v[i*4:], w) }

func (v *V128) Float(i int) float32 { return math.Float32frombits(v.Word(i)) }

func (v *V128) SetFloat(i int, f float32) { v.SetWord(i, math.Float32bits(f)) }

func (v *V128) Halves() (hi uint64, lo uint64) {
	return binary.BigEndian.Uint64(v[:8]), binary.BigEndian.Uint64(v[8:])
}

func (v *V128) SetHalves(hi, lo uint64) {
	binary.BigEndian.PutUint64(v[:8], hi)
	binary.BigEndian.PutUint64(v[8:], lo)
}

// XER holds the fixed-point exception register split into its fields.
type XER struct {
	SO  bool
	OV  bool
	CA  bool
	CNT uint8
}

func (x XER) Pack() uint64 {
	var v uint64
	if x.SO {
		v |= 1 << 31
	}
	if x.OV {
		v |= 1 << 30
	}
	if x.CA {
		v |= 1 << 29
	}
	return v | uint64(x.CNT&0x7f)
}

func (x *XER) Unpack(v uint64) {
	x.SO = v>>31&1 != 0
	x.OV = v>>30&1 != 0
	x.CA = v>>29&1 != 0
	x.CNT = uint8(v & 0x7f)
}

// VSCR holds the vector status bits the interpreter tracks.
type VSCR struct {
	SAT bool
	NJ  bool
}

// CR is the condition register; field n occupies bits 4n..4n+3 counted from the top.
type CR uint32

func (c CR) Bit(i uint32) bool { return uint32(c)>>(31-i)&1 != 0 }

func (c *CR) SetBit(i uint32, v bool) {
	m := uint32(1) << (31 - i)
	if v {
		*c = CR(uint32(*c) | m)
	} else {
		*c = CR(uint32(*c) &^ m)
	}
}

func (c CR) Field(n uint32) uint32 { return uint32(c) >> (28 - 4*n) & 0xf }

func (c *CR) SetField(n uint32, v uint32) {
	shift := 28 - 4*n
	*c = CR(uint32(*c)&^(0xf<<shift) | (v&0xf)<<shift)
}

func (c *CR) setCompare(n uint32, lt, gt, eq, so bool) {
	var v uint32
	if lt {
		v |= 8
	}
	if gt {
		v |= 4
	}
	if eq {
		v |= 2
	}
	if so {
		v |= 1
	}
	c.SetField(n, v)
}

// FPSCR fields used by the interpreter.
const (
	fpscrFPRFShift = 12
	fpscrFPRFMask  = 0x1f << fpscrFPRFShift
	fpscrFPCCShift = 12
)
