package ppu

// Opcode is a raw 32-bit guest instruction word. Field accessors use the
// architecture's big-endian bit numbering (bit 0 is the most significant).
type Opcode uint32

func (op Opcode) Main() uint32 { return uint32(op) >> 26 }

func (op Opcode) RD() uint32 { return uint32(op) >> 21 & 31 }
func (op Opcode) RS() uint32 { return uint32(op) >> 21 & 31 }
func (op Opcode) RA() uint32 { return uint32(op) >> 16 & 31 }
func (op Opcode) RB() uint32 { return uint32(op) >> 11 & 31 }
func (op Opcode) RC() uint32 { return uint32(op) >> 6 & 31 }

func (op Opcode) BO() uint32   { return uint32(op) >> 21 & 31 }
func (op Opcode) BI() uint32   { return uint32(op) >> 16 & 31 }
func (op Opcode) TO() uint32   { return uint32(op) >> 21 & 31 }
func (op Opcode) CRFD() uint32 { return uint32(op) >> 23 & 7 }
func (op Opcode) CRFS() uint32 { return uint32(op) >> 18 & 7 }
func (op Opcode) CRBD() uint32 { return uint32(op) >> 21 & 31 }
func (op Opcode) CRBA() uint32 { return uint32(op) >> 16 & 31 }
func (op Opcode) CRBB() uint32 { return uint32(op) >> 11 & 31 }
func (op Opcode) L10() bool    { return uint32(op)>>21&1 != 0 }
func (op Opcode) CRM() uint32  { return uint32(op) >> 12 & 0xff }
func (op Opcode) FM() uint32   { return uint32(op) >> 17 & 0xff }

func (op Opcode) SIMM16() int64  { return int64(int16(op)) }
func (op Opcode) UIMM16() uint64 { return uint64(uint16(op)) }
func (op Opcode) DS() int64      { return int64(int16(op & 0xfffc)) }
func (op Opcode) BD() int64      { return int64(int16(op & 0xfffc)) }
func (op Opcode) LI() int64      { return int64(int32(op<<6) >> 6 &^ 3) }

func (op Opcode) AA() bool { return op>>1&1 != 0 }
func (op Opcode) LK() bool { return op&1 != 0 }
func (op Opcode) OE() bool { return op>>10&1 != 0 }
func (op Opcode) Rc() bool { return op&1 != 0 }

func (op Opcode) SH32() uint32 { return uint32(op) >> 11 & 31 }
func (op Opcode) MB32() uint32 { return uint32(op) >> 6 & 31 }
func (op Opcode) ME32() uint32 { return uint32(op) >> 1 & 31 }

// SH64 is the split six-bit shift of MD and XS forms.
func (op Opcode) SH64() uint32 { return uint32(op)>>11&31 | (uint32(op)>>1&1)<<5 }

// MBE64 is the split six-bit mask boundary of MD and MDS forms.
func (op Opcode) MBE64() uint32 {
	raw := uint32(op) >> 5 & 0x3f
	return raw>>1 | (raw&1)<<5
}

func (op Opcode) SPR() uint32 { return uint32(op)>>16&31 | (uint32(op)>>11&31)<<5 }

func (op Opcode) VD() uint32    { return uint32(op) >> 21 & 31 }
func (op Opcode) VS() uint32    { return uint32(op) >> 21 & 31 }
func (op Opcode) VA() uint32    { return uint32(op) >> 16 & 31 }
func (op Opcode) VB() uint32    { return uint32(op) >> 11 & 31 }
func (op Opcode) VC() uint32    { return uint32(op) >> 6 & 31 }
func (op Opcode) VUIMM() uint32 { return uint32(op) >> 16 & 31 }
func (op Opcode) VSIMM() int32  { return int32(op<<11) >> 27 }

func (op Opcode) FRD() uint32 { return uint32(op) >> 21 & 31 }
func (op Opcode) FRS() uint32 { return uint32(op) >> 21 & 31 }
func (op Opcode) FRA() uint32 { return uint32(op) >> 16 & 31 }
func (op Opcode) FRB() uint32 { return uint32(op) >> 11 & 31 }
func (op Opcode) FRC() uint32 { return uint32(op) >> 6 & 31 }

// HLEIndex is the function manager index carried by a HACK instruction.
func (op Opcode) HLEIndex() uint32 { return uint32(op) & 0x3ffffff }

// rotateMask returns the 64-bit mask with ones from bit mb through bit me, wrapping.
func rotateMask(mb, me uint32) uint64 {
	mask := ^uint64(0) << (^(me - mb) & 63)
	return mask>>(mb&63) | mask<<((64-mb)&63)
}
