package ppu

import (
	"math/bits"

	"github.com/Plagman/rpcs3/vm"
)

func (t *Thread) eaD(op Opcode) uint32 {
	var a uint64
	if op.RA() != 0 {
		a = t.GPR[op.RA()]
	}
	return uint32(a + uint64(op.SIMM16()))
}

func (t *Thread) eaDS(op Opcode) uint32 {
	var a uint64
	if op.RA() != 0 {
		a = t.GPR[op.RA()]
	}
	return uint32(a + uint64(op.DS()))
}

func (t *Thread) eaX(op Opcode) uint32 {
	var a uint64
	if op.RA() != 0 {
		a = t.GPR[op.RA()]
	}
	return uint32(a + t.GPR[op.RB()])
}

func (t *Thread) readN(addr uint32, size uint32) (uint64, error) {
	mem := t.sys.Mem
	switch size {
	case 1:
		v, err := mem.Read8(addr)
		return uint64(v), err
	case 2:
		v, err := mem.Read16(addr)
		return uint64(v), err
	case 4:
		v, err := mem.Read32(addr)
		return uint64(v), err
	}
	return mem.Read64(addr)
}

func (t *Thread) writeN(addr uint32, size uint32, v uint64) error {
	mem := t.sys.Mem
	switch size {
	case 1:
		return mem.Write8(addr, uint8(v))
	case 2:
		return mem.Write16(addr, uint16(v))
	case 4:
		return mem.Write32(addr, uint32(v))
	}
	return mem.Write64(addr, v)
}

func signExtend(v uint64, size uint32) uint64 {
	shift := 64 - 8*size
	return uint64(int64(v<<shift) >> shift)
}

func (t *Thread) loadTo(d uint32, addr uint32, size uint32, signed bool) bool {
	v, err := t.readN(addr, size)
	if err != nil {
		t.Fault(err)
		return false
	}
	if signed {
		v = signExtend(v, size)
	}
	t.GPR[d] = v
	return true
}

func (t *Thread) storeFrom(s uint32, addr uint32, size uint32) bool {
	if err := t.writeN(addr, size, t.GPR[s]); err != nil {
		t.Fault(err)
		return false
	}
	return true
}

type eaFunc func(t *Thread, op Opcode) uint32

func loadHandler(ea eaFunc, size uint32, signed, update bool) Handler {
	return func(t *Thread, op Opcode) bool {
		addr := ea(t, op)
		if !t.loadTo(op.RD(), addr, size, signed) {
			return false
		}
		if update {
			t.GPR[op.RA()] = uint64(addr)
		}
		return true
	}
}

func storeHandler(ea eaFunc, size uint32, update bool) Handler {
	return func(t *Thread, op Opcode) bool {
		addr := ea(t, op)
		if !t.storeFrom(op.RS(), addr, size) {
			return false
		}
		if update {
			t.GPR[op.RA()] = uint64(addr)
		}
		return true
	}
}

func registerLoadStore(b *tableBuilder) {
	d := (*Thread).eaD
	x := (*Thread).eaX
	ds := (*Thread).eaDS

	b.primary(32, "LWZ", loadHandler(d, 4, false, false))
	b.primary(33, "LWZU", loadHandler(d, 4, false, true))
	b.primary(34, "LBZ", loadHandler(d, 1, false, false))
	b.primary(35, "LBZU", loadHandler(d, 1, false, true))
	b.primary(36, "STW", storeHandler(d, 4, false))
	b.primary(37, "STWU", storeHandler(d, 4, true))
	b.primary(38, "STB", storeHandler(d, 1, false))
	b.primary(39, "STBU", storeHandler(d, 1, true))
	b.primary(40, "LHZ", loadHandler(d, 2, false, false))
	b.primary(41, "LHZU", loadHandler(d, 2, false, true))
	b.primary(42, "LHA", loadHandler(d, 2, true, false))
	b.primary(43, "LHAU", loadHandler(d, 2, true, true))
	b.primary(44, "STH", storeHandler(d, 2, false))
	b.primary(45, "STHU", storeHandler(d, 2, true))
	b.primary(46, "LMW", handleLMW)
	b.primary(47, "STMW", handleSTMW)

	b.same(58, 0, "LD", loadHandler(ds, 8, false, false))
	b.same(58, 1, "LDU", loadHandler(ds, 8, false, true))
	b.same(58, 2, "LWA", loadHandler(ds, 4, true, false))
	b.same(62, 0, "STD", storeHandler(ds, 8, false))
	b.same(62, 1, "STDU", storeHandler(ds, 8, true))

	b.same(31, 21, "LDX", loadHandler(x, 8, false, false))
	b.same(31, 23, "LWZX", loadHandler(x, 4, false, false))
	b.same(31, 53, "LDUX", loadHandler(x, 8, false, true))
	b.same(31, 55, "LWZUX", loadHandler(x, 4, false, true))
	b.same(31, 87, "LBZX", loadHandler(x, 1, false, false))
	b.same(31, 119, "LBZUX", loadHandler(x, 1, false, true))
	b.same(31, 149, "STDX", storeHandler(x, 8, false))
	b.same(31, 151, "STWX", storeHandler(x, 4, false))
	b.same(31, 181, "STDUX", storeHandler(x, 8, true))
	b.same(31, 183, "STWUX", storeHandler(x, 4, true))
	b.same(31, 215, "STBX", storeHandler(x, 1, false))
	b.same(31, 247, "STBUX", storeHandler(x, 1, true))
	b.same(31, 279, "LHZX", loadHandler(x, 2, false, false))
	b.same(31, 311, "LHZUX", loadHandler(x, 2, false, true))
	b.same(31, 341, "LWAX", loadHandler(x, 4, true, false))
	b.same(31, 343, "LHAX", loadHandler(x, 2, true, false))
	b.same(31, 373, "LWAUX", loadHandler(x, 4, true, true))
	b.same(31, 375, "LHAUX", loadHandler(x, 2, true, true))
	b.same(31, 407, "STHX", storeHandler(x, 2, false))
	b.same(31, 439, "STHUX", storeHandler(x, 2, true))
	b.same(31, 534, "LWBRX", handleLWBRX)
	b.same(31, 662, "STWBRX", handleSTWBRX)
	b.same(31, 1014, "DCBZ", handleDCBZ)

	b.same(31, 20, "LWARX", handleLWARX)
	b.same(31, 84, "LDARX", handleLDARX)
	b.same(31, 150, "STWCX.", handleSTWCX)
	b.same(31, 214, "STDCX.", handleSTDCX)
}

func handleLMW(t *Thread, op Opcode) bool {
	addr := t.eaD(op)
	for r := op.RD(); r < 32; r++ {
		if !t.loadTo(r, addr, 4, false) {
			return false
		}
		addr += 4
	}
	return true
}

func handleSTMW(t *Thread, op Opcode) bool {
	addr := t.eaD(op)
	for r := op.RS(); r < 32; r++ {
		if !t.storeFrom(r, addr, 4) {
			return false
		}
		addr += 4
	}
	return true
}

func handleLWBRX(t *Thread, op Opcode) bool {
	v, err := t.sys.Mem.Read32(t.eaX(op))
	if err != nil {
		t.Fault(err)
		return false
	}
	t.GPR[op.RD()] = uint64(bits.ReverseBytes32(v))
	return true
}

func handleSTWBRX(t *Thread, op Opcode) bool {
	if err := t.sys.Mem.Write32(t.eaX(op), bits.ReverseBytes32(uint32(t.GPR[op.RS()]))); err != nil {
		t.Fault(err)
		return false
	}
	return true
}

var zeroLine [vm.ResGranule]byte

func handleDCBZ(t *Thread, op Opcode) bool {
	addr := t.eaX(op) &^ (vm.ResGranule - 1)
	if err := t.sys.Mem.WriteBytes(addr, zeroLine[:], false); err != nil {
		t.Fault(err)
		return false
	}
	return true
}
