package ppu

import "math/bits"

func (t *Thread) setCR0(v uint64) {
	t.CR.setCompare(0, int64(v) < 0, int64(v) > 0, v == 0, t.XER.SO)
}

func (t *Thread) setOV(ov bool) {
	t.XER.OV = ov
	if ov {
		t.XER.SO = true
	}
}

// addCarry returns a+b+c and the carry out of bit 0.
func addCarry(a, b uint64, c bool) (uint64, bool) {
	var ci uint64
	if c {
		ci = 1
	}
	s, co := bits.Add64(a, b, ci)
	return s, co != 0
}

func addOverflow(a, b, r uint64) bool {
	return (^(a^b)&(a^r))>>63 != 0
}

func mulhs64(a, b int64) int64 {
	hi, _ := bits.Mul64(uint64(a), uint64(b))
	if a < 0 {
		hi -= uint64(b)
	}
	if b < 0 {
		hi -= uint64(a)
	}
	return int64(hi)
}

func dup32(v uint32) uint64 { return uint64(v)<<32 | uint64(v) }

func (t *Thread) arithResult(op Opcode, d uint32, r uint64) {
	t.GPR[d] = r
	if op.Rc() {
		t.setCR0(r)
	}
}

func registerInteger(b *tableBuilder) {
	b.primary(7, "MULLI", handleMULLI)
	b.primary(8, "SUBFIC", handleSUBFIC)
	b.primary(10, "CMPLI", handleCMPLI)
	b.primary(11, "CMPI", handleCMPI)
	b.primary(12, "ADDIC", handleADDIC)
	b.primary(13, "ADDIC.", handleADDIC)
	b.primary(14, "ADDI", handleADDI)
	b.primary(15, "ADDIS", handleADDIS)
	b.primary(20, "RLWIMI", handleRLWIMI)
	b.primary(21, "RLWINM", handleRLWINM)
	b.primary(23, "RLWNM", handleRLWNM)
	b.primary(24, "ORI", handleORI)
	b.primary(25, "ORIS", handleORIS)
	b.primary(26, "XORI", handleXORI)
	b.primary(27, "XORIS", handleXORIS)
	b.primary(28, "ANDI.", handleANDI)
	b.primary(29, "ANDIS.", handleANDIS)

	b.same(30, 0, "RLDICL", handleRLDICL)
	b.same(30, 1, "RLDICL", handleRLDICL)
	b.same(30, 2, "RLDICR", handleRLDICR)
	b.same(30, 3, "RLDICR", handleRLDICR)
	b.same(30, 4, "RLDIC", handleRLDIC)
	b.same(30, 5, "RLDIC", handleRLDIC)
	b.same(30, 6, "RLDIMI", handleRLDIMI)
	b.same(30, 7, "RLDIMI", handleRLDIMI)
	b.same(30, 8, "RLDCL", handleRLDCL)
	b.same(30, 9, "RLDCR", handleRLDCR)

	b.same(31, 0, "CMP", handleCMP)
	b.same(31, 32, "CMPL", handleCMPL)
	b.xo(8, "SUBFC", handleSUBFC)
	b.xo(10, "ADDC", handleADDC)
	b.same(31, 9, "MULHDU", handleMULHDU)
	b.same(31, 11, "MULHWU", handleMULHWU)
	b.same(31, 73, "MULHD", handleMULHD)
	b.same(31, 75, "MULHW", handleMULHW)
	b.same(31, 24, "SLW", handleSLW)
	b.same(31, 26, "CNTLZW", handleCNTLZW)
	b.same(31, 27, "SLD", handleSLD)
	b.same(31, 28, "AND", handleAND)
	b.xo(40, "SUBF", handleSUBF)
	b.same(31, 58, "CNTLZD", handleCNTLZD)
	b.same(31, 60, "ANDC", handleANDC)
	b.xo(104, "NEG", handleNEG)
	b.same(31, 124, "NOR", handleNOR)
	b.xo(136, "SUBFE", handleSUBFE)
	b.xo(138, "ADDE", handleADDE)
	b.xo(200, "SUBFZE", handleSUBFZE)
	b.xo(202, "ADDZE", handleADDZE)
	b.xo(232, "SUBFME", handleSUBFME)
	b.xo(233, "MULLD", handleMULLD)
	b.xo(234, "ADDME", handleADDME)
	b.xo(235, "MULLW", handleMULLW)
	b.xo(266, "ADD", handleADD)
	b.same(31, 284, "EQV", handleEQV)
	b.same(31, 316, "XOR", handleXOR)
	b.same(31, 412, "ORC", handleORC)
	b.same(31, 444, "OR", handleOR)
	b.xo(457, "DIVDU", handleDIVDU)
	b.xo(459, "DIVWU", handleDIVWU)
	b.same(31, 476, "NAND", handleNAND)
	b.xo(489, "DIVD", handleDIVD)
	b.xo(491, "DIVW", handleDIVW)
	b.same(31, 536, "SRW", handleSRW)
	b.same(31, 539, "SRD", handleSRD)
	b.same(31, 792, "SRAW", handleSRAW)
	b.same(31, 794, "SRAD", handleSRAD)
	b.same(31, 824, "SRAWI", handleSRAWI)
	b.same(31, 826, "SRADI", handleSRADI)
	b.same(31, 827, "SRADI", handleSRADI)
	b.same(31, 922, "EXTSH", handleEXTSH)
	b.same(31, 954, "EXTSB", handleEXTSB)
	b.same(31, 986, "EXTSW", handleEXTSW)
}

func handleMULLI(t *Thread, op Opcode) bool {
	t.GPR[op.RD()] = uint64(int64(t.GPR[op.RA()]) * op.SIMM16())
	return true
}

func handleSUBFIC(t *Thread, op Opcode) bool {
	r, ca := addCarry(^t.GPR[op.RA()], uint64(op.SIMM16()), true)
	t.GPR[op.RD()] = r
	t.XER.CA = ca
	return true
}

func handleCMPLI(t *Thread, op Opcode) bool {
	a, b := t.GPR[op.RA()], op.UIMM16()
	if !op.L10() {
		a = uint64(uint32(a))
	}
	t.CR.setCompare(op.CRFD(), a < b, a > b, a == b, t.XER.SO)
	return true
}

func handleCMPI(t *Thread, op Opcode) bool {
	a, b := int64(t.GPR[op.RA()]), op.SIMM16()
	if !op.L10() {
		a = int64(int32(a))
	}
	t.CR.setCompare(op.CRFD(), a < b, a > b, a == b, t.XER.SO)
	return true
}

func handleADDIC(t *Thread, op Opcode) bool {
	r, ca := addCarry(t.GPR[op.RA()], uint64(op.SIMM16()), false)
	t.GPR[op.RD()] = r
	t.XER.CA = ca
	if op.Main() == 13 {
		t.setCR0(r)
	}
	return true
}

func handleADDI(t *Thread, op Opcode) bool {
	var a uint64
	if op.RA() != 0 {
		a = t.GPR[op.RA()]
	}
	t.GPR[op.RD()] = a + uint64(op.SIMM16())
	return true
}

func handleADDIS(t *Thread, op Opcode) bool {
	var a uint64
	if op.RA() != 0 {
		a = t.GPR[op.RA()]
	}
	t.GPR[op.RD()] = a + uint64(op.SIMM16()<<16)
	return true
}

func handleRLWIMI(t *Thread, op Opcode) bool {
	m := rotateMask(32+op.MB32(), 32+op.ME32())
	r := dup32(bits.RotateLeft32(uint32(t.GPR[op.RS()]), int(op.SH32())))&m | t.GPR[op.RA()]&^m
	t.arithResult(op, op.RA(), r)
	return true
}

func handleRLWINM(t *Thread, op Opcode) bool {
	r := dup32(bits.RotateLeft32(uint32(t.GPR[op.RS()]), int(op.SH32()))) & rotateMask(32+op.MB32(), 32+op.ME32())
	t.arithResult(op, op.RA(), r)
	return true
}

func handleRLWNM(t *Thread, op Opcode) bool {
	n := int(t.GPR[op.RB()] & 31)
	r := dup32(bits.RotateLeft32(uint32(t.GPR[op.RS()]), n)) & rotateMask(32+op.MB32(), 32+op.ME32())
	t.arithResult(op, op.RA(), r)
	return true
}

func handleORI(t *Thread, op Opcode) bool {
	t.GPR[op.RA()] = t.GPR[op.RS()] | op.UIMM16()
	return true
}

func handleORIS(t *Thread, op Opcode) bool {
	t.GPR[op.RA()] = t.GPR[op.RS()] | op.UIMM16()<<16
	return true
}

func handleXORI(t *Thread, op Opcode) bool {
	t.GPR[op.RA()] = t.GPR[op.RS()] ^ op.UIMM16()
	return true
}

func handleXORIS(t *Thread, op Opcode) bool {
	t.GPR[op.RA()] = t.GPR[op.RS()] ^ op.UIMM16()<<16
	return true
}

func handleANDI(t *Thread, op Opcode) bool {
	r := t.GPR[op.RS()] & op.UIMM16()
	t.GPR[op.RA()] = r
	t.setCR0(r)
	return true
}

func handleANDIS(t *Thread, op Opcode) bool {
	r := t.GPR[op.RS()] & (op.UIMM16() << 16)
	t.GPR[op.RA()] = r
	t.setCR0(r)
	return true
}

func handleRLDICL(t *Thread, op Opcode) bool {
	r := bits.RotateLeft64(t.GPR[op.RS()], int(op.SH64())) & rotateMask(op.MBE64(), 63)
	t.arithResult(op, op.RA(), r)
	return true
}

func handleRLDICR(t *Thread, op Opcode) bool {
	r := bits.RotateLeft64(t.GPR[op.RS()], int(op.SH64())) & rotateMask(0, op.MBE64())
	t.arithResult(op, op.RA(), r)
	return true
}

func handleRLDIC(t *Thread, op Opcode) bool {
	sh := op.SH64()
	r := bits.RotateLeft64(t.GPR[op.RS()], int(sh)) & rotateMask(op.MBE64(), 63-sh)
	t.arithResult(op, op.RA(), r)
	return true
}

func handleRLDIMI(t *Thread, op Opcode) bool {
	sh := op.SH64()
	m := rotateMask(op.MBE64(), 63-sh)
	r := bits.RotateLeft64(t.GPR[op.RS()], int(sh))&m | t.GPR[op.RA()]&^m
	t.arithResult(op, op.RA(), r)
	return true
}

func handleRLDCL(t *Thread, op Opcode) bool {
	r := bits.RotateLeft64(t.GPR[op.RS()], int(t.GPR[op.RB()]&63)) & rotateMask(op.MBE64(), 63)
	t.arithResult(op, op.RA(), r)
	return true
}

func handleRLDCR(t *Thread, op Opcode) bool {
	r := bits.RotateLeft64(t.GPR[op.RS()], int(t.GPR[op.RB()]&63)) & rotateMask(0, op.MBE64())
	t.arithResult(op, op.RA(), r)
	return true
}

func handleCMP(t *Thread, op Opcode) bool {
	a, b := int64(t.GPR[op.RA()]), int64(t.GPR[op.RB()])
	if !op.L10() {
		a, b = int64(int32(a)), int64(int32(b))
	}
	t.CR.setCompare(op.CRFD(), a < b, a > b, a == b, t.XER.SO)
	return true
}

func handleCMPL(t *Thread, op Opcode) bool {
	a, b := t.GPR[op.RA()], t.GPR[op.RB()]
	if !op.L10() {
		a, b = uint64(uint32(a)), uint64(uint32(b))
	}
	t.CR.setCompare(op.CRFD(), a < b, a > b, a == b, t.XER.SO)
	return true
}

// addExtended implements the add/subtract-from family: rd = a + b + carry-in.
func (t *Thread) addExtended(op Opcode, a, b uint64, ci bool, setCA bool) bool {
	r, ca := addCarry(a, b, ci)
	if setCA {
		t.XER.CA = ca
	}
	if op.OE() {
		t.setOV(addOverflow(a, b, r))
	}
	t.arithResult(op, op.RD(), r)
	return true
}

func handleSUBFC(t *Thread, op Opcode) bool {
	return t.addExtended(op, ^t.GPR[op.RA()], t.GPR[op.RB()], true, true)
}

func handleADDC(t *Thread, op Opcode) bool {
	return t.addExtended(op, t.GPR[op.RA()], t.GPR[op.RB()], false, true)
}

func handleSUBF(t *Thread, op Opcode) bool {
	return t.addExtended(op, ^t.GPR[op.RA()], t.GPR[op.RB()], true, false)
}

func handleNEG(t *Thread, op Opcode) bool {
	a := t.GPR[op.RA()]
	if op.OE() {
		t.setOV(a == 1<<63)
	}
	t.arithResult(op, op.RD(), -a)
	return true
}

func handleSUBFE(t *Thread, op Opcode) bool {
	return t.addExtended(op, ^t.GPR[op.RA()], t.GPR[op.RB()], t.XER.CA, true)
}

func handleADDE(t *Thread, op Opcode) bool {
	return t.addExtended(op, t.GPR[op.RA()], t.GPR[op.RB()], t.XER.CA, true)
}

func handleSUBFZE(t *Thread, op Opcode) bool {
	return t.addExtended(op, ^t.GPR[op.RA()], 0, t.XER.CA, true)
}

func handleADDZE(t *Thread, op Opcode) bool {
	return t.addExtended(op, t.GPR[op.RA()], 0, t.XER.CA, true)
}

func handleSUBFME(t *Thread, op Opcode) bool {
	return t.addExtended(op, ^t.GPR[op.RA()], ^uint64(0), t.XER.CA, true)
}

func handleADDME(t *Thread, op Opcode) bool {
	return t.addExtended(op, t.GPR[op.RA()], ^uint64(0), t.XER.CA, true)
}

func handleADD(t *Thread, op Opcode) bool {
	return t.addExtended(op, t.GPR[op.RA()], t.GPR[op.RB()], false, false)
}

func handleMULHDU(t *Thread, op Opcode) bool {
	hi, _ := bits.Mul64(t.GPR[op.RA()], t.GPR[op.RB()])
	t.arithResult(op, op.RD(), hi)
	return true
}

func handleMULHWU(t *Thread, op Opcode) bool {
	r := uint64(uint32(t.GPR[op.RA()])) * uint64(uint32(t.GPR[op.RB()])) >> 32
	t.arithResult(op, op.RD(), r)
	return true
}

func handleMULHD(t *Thread, op Opcode) bool {
	t.arithResult(op, op.RD(), uint64(mulhs64(int64(t.GPR[op.RA()]), int64(t.GPR[op.RB()]))))
	return true
}

func handleMULHW(t *Thread, op Opcode) bool {
	r := int64(int32(t.GPR[op.RA()])) * int64(int32(t.GPR[op.RB()])) >> 32
	t.arithResult(op, op.RD(), uint64(r))
	return true
}

func handleMULLD(t *Thread, op Opcode) bool {
	a, b := int64(t.GPR[op.RA()]), int64(t.GPR[op.RB()])
	r := a * b
	if op.OE() {
		t.setOV(mulhs64(a, b) != r>>63)
	}
	t.arithResult(op, op.RD(), uint64(r))
	return true
}

func handleMULLW(t *Thread, op Opcode) bool {
	r := int64(int32(t.GPR[op.RA()])) * int64(int32(t.GPR[op.RB()]))
	if op.OE() {
		t.setOV(r < -1<<31 || r >= 1<<31)
	}
	t.arithResult(op, op.RD(), uint64(r))
	return true
}

func handleDIVDU(t *Thread, op Opcode) bool {
	a, b := t.GPR[op.RA()], t.GPR[op.RB()]
	var r uint64
	if b != 0 {
		r = a / b
	}
	if op.OE() {
		t.setOV(b == 0)
	}
	t.arithResult(op, op.RD(), r)
	return true
}

func handleDIVWU(t *Thread, op Opcode) bool {
	a, b := uint32(t.GPR[op.RA()]), uint32(t.GPR[op.RB()])
	var r uint32
	if b != 0 {
		r = a / b
	}
	if op.OE() {
		t.setOV(b == 0)
	}
	t.arithResult(op, op.RD(), uint64(r))
	return true
}

func handleDIVD(t *Thread, op Opcode) bool {
	a, b := int64(t.GPR[op.RA()]), int64(t.GPR[op.RB()])
	o := b == 0 || (a == -1<<63 && b == -1)
	var r int64
	if !o {
		r = a / b
	}
	if op.OE() {
		t.setOV(o)
	}
	t.arithResult(op, op.RD(), uint64(r))
	return true
}

func handleDIVW(t *Thread, op Opcode) bool {
	a, b := int32(t.GPR[op.RA()]), int32(t.GPR[op.RB()])
	o := b == 0 || (a == -1<<31 && b == -1)
	var r uint32
	if !o {
		r = uint32(a / b)
	}
	if op.OE() {
		t.setOV(o)
	}
	t.arithResult(op, op.RD(), uint64(r))
	return true
}

func handleSLW(t *Thread, op Opcode) bool {
	n := t.GPR[op.RB()] & 63
	var r uint64
	if n < 32 {
		r = uint64(uint32(t.GPR[op.RS()]) << n)
	}
	t.arithResult(op, op.RA(), r)
	return true
}

func handleSRW(t *Thread, op Opcode) bool {
	n := t.GPR[op.RB()] & 63
	var r uint64
	if n < 32 {
		r = uint64(uint32(t.GPR[op.RS()]) >> n)
	}
	t.arithResult(op, op.RA(), r)
	return true
}

func handleSLD(t *Thread, op Opcode) bool {
	n := t.GPR[op.RB()] & 127
	var r uint64
	if n < 64 {
		r = t.GPR[op.RS()] << n
	}
	t.arithResult(op, op.RA(), r)
	return true
}

func handleSRD(t *Thread, op Opcode) bool {
	n := t.GPR[op.RB()] & 127
	var r uint64
	if n < 64 {
		r = t.GPR[op.RS()] >> n
	}
	t.arithResult(op, op.RA(), r)
	return true
}

func (t *Thread) shiftRightAlgebraic32(op Opcode, n uint64) {
	s := int64(int32(t.GPR[op.RS()]))
	if n > 31 {
		n = 63
	}
	r := s >> n
	t.XER.CA = s < 0 && uint64(s)&(1<<n-1) != 0
	t.arithResult(op, op.RA(), uint64(r))
}

func (t *Thread) shiftRightAlgebraic64(op Opcode, n uint64) {
	s := int64(t.GPR[op.RS()])
	var r int64
	var lost bool
	if n > 63 {
		r = s >> 63
		lost = s != 0
	} else {
		r = s >> n
		lost = n != 0 && uint64(s)<<(64-n) != 0
	}
	t.XER.CA = s < 0 && lost
	t.arithResult(op, op.RA(), uint64(r))
}

func handleSRAW(t *Thread, op Opcode) bool {
	t.shiftRightAlgebraic32(op, t.GPR[op.RB()]&63)
	return true
}

func handleSRAWI(t *Thread, op Opcode) bool {
	t.shiftRightAlgebraic32(op, uint64(op.SH32()))
	return true
}

func handleSRAD(t *Thread, op Opcode) bool {
	t.shiftRightAlgebraic64(op, t.GPR[op.RB()]&127)
	return true
}

func handleSRADI(t *Thread, op Opcode) bool {
	t.shiftRightAlgebraic64(op, uint64(op.SH64()))
	return true
}

func handleCNTLZW(t *Thread, op Opcode) bool {
	t.arithResult(op, op.RA(), uint64(bits.LeadingZeros32(uint32(t.GPR[op.RS()]))))
	return true
}

func handleCNTLZD(t *Thread, op Opcode) bool {
	t.arithResult(op, op.RA(), uint64(bits.LeadingZeros64(t.GPR[op.RS()])))
	return true
}

func handleAND(t *Thread, op Opcode) bool {
	t.arithResult(op, op.RA(), t.GPR[op.RS()]&t.GPR[op.RB()])
	return true
}

func handleANDC(t *Thread, op Opcode) bool {
	t.arithResult(op, op.RA(), t.GPR[op.RS()]&^t.GPR[op.RB()])
	return true
}

func handleOR(t *Thread, op Opcode) bool {
	t.arithResult(op, op.RA(), t.GPR[op.RS()]|t.GPR[op.RB()])
	return true
}

func handleORC(t *Thread, op Opcode) bool {
	t.arithResult(op, op.RA(), t.GPR[op.RS()]|^t.GPR[op.RB()])
	return true
}

func handleXOR(t *Thread, op Opcode) bool {
	t.arithResult(op, op.RA(), t.GPR[op.RS()]^t.GPR[op.RB()])
	return true
}

func handleNOR(t *Thread, op Opcode) bool {
	t.arithResult(op, op.RA(), ^(t.GPR[op.RS()] | t.GPR[op.RB()]))
	return true
}

func handleNAND(t *Thread, op Opcode) bool {
	t.arithResult(op, op.RA(), ^(t.GPR[op.RS()] & t.GPR[op.RB()]))
	return true
}

func handleEQV(t *Thread, op Opcode) bool {
	t.arithResult(op, op.RA(), ^(t.GPR[op.RS()] ^ t.GPR[op.RB()]))
	return true
}

func handleEXTSB(t *Thread, op Opcode) bool {
	t.arithResult(op, op.RA(), uint64(int64(int8(t.GPR[op.RS()]))))
	return true
}

func handleEXTSH(t *Thread, op Opcode) bool {
	t.arithResult(op, op.RA(), uint64(int64(int16(t.GPR[op.RS()]))))
	return true
}

func handleEXTSW(t *Thread, op Opcode) bool {
	t.arithResult(op, op.RA(), uint64(int64(int32(t.GPR[op.RS()]))))
	return true
}
