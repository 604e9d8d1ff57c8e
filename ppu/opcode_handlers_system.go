package ppu

import (
	"fmt"

	"github.com/Plagman/rpcs3/ppuerrors"
)

const (
	sprXER    = 1
	sprLR     = 8
	sprCTR    = 9
	sprVRSAVE = 256
	sprTBL    = 268
	sprTBU    = 269
)

func registerSystem(b *tableBuilder) {
	b.primary(1, "HACK", handleHACK)
	b.primary(2, "TDI", handleTDI)
	b.primary(3, "TWI", handleTWI)
	b.primary(17, "SC", handleSC)

	b.same(31, 4, "TW", handleTW)
	b.same(31, 19, "MFCR", handleMFCR)
	b.same(31, 54, "DCBST", handleNOP)
	b.same(31, 68, "TD", handleTD)
	b.same(31, 86, "DCBF", handleNOP)
	b.same(31, 144, "MTCRF", handleMTCRF)
	b.same(31, 246, "DCBTST", handleNOP)
	b.same(31, 278, "DCBT", handleNOP)
	b.same(31, 339, "MFSPR", handleMFSPR)
	b.same(31, 371, "MFTB", handleMFTB)
	b.same(31, 467, "MTSPR", handleMTSPR)
	b.same(31, 598, "SYNC", handleNOP)
	b.same(31, 854, "EIEIO", handleNOP)
	b.same(31, 982, "ICBI", handleNOP)
}

func opUNK(t *Thread, op Opcode) bool {
	t.Fault(fmt.Errorf("0x%08x: opcode 0x%08x: %w", t.CIA, uint32(op), ppuerrors.ErrPUnknownOpcode))
	return false
}

func handleNOP(t *Thread, op Opcode) bool {
	return true
}

func handleHACK(t *Thread, op Opcode) bool {
	t.sys.Funcs.Call(t, op.HLEIndex())
	return t.state.Load()&(StateRet|StateStop|StateExit) == 0
}

func handleSC(t *Thread, op Opcode) bool {
	t.syscall()
	return t.state.Load()&(StateStop|StateExit) == 0
}

func trapCond(to uint32, a, b int64) bool {
	return (to&0x10 != 0 && a < b) ||
		(to&0x08 != 0 && a > b) ||
		(to&0x04 != 0 && a == b) ||
		(to&0x02 != 0 && uint64(a) < uint64(b)) ||
		(to&0x01 != 0 && uint64(a) > uint64(b))
}

func (t *Thread) trap(op Opcode, cond bool) bool {
	if !cond {
		return true
	}
	t.Fault(fmt.Errorf("0x%08x: %s: %w", t.CIA, Disasm(op, t.CIA), ppuerrors.ErrPTrap))
	return false
}

func handleTDI(t *Thread, op Opcode) bool {
	return t.trap(op, trapCond(op.TO(), int64(t.GPR[op.RA()]), op.SIMM16()))
}

func handleTWI(t *Thread, op Opcode) bool {
	a := int64(int32(t.GPR[op.RA()]))
	b := int64(int32(op.SIMM16()))
	return t.trap(op, trapCond(op.TO(), a, b))
}

func handleTD(t *Thread, op Opcode) bool {
	return t.trap(op, trapCond(op.TO(), int64(t.GPR[op.RA()]), int64(t.GPR[op.RB()])))
}

func handleTW(t *Thread, op Opcode) bool {
	a := int64(int32(t.GPR[op.RA()]))
	b := int64(int32(t.GPR[op.RB()]))
	return t.trap(op, trapCond(op.TO(), a, b))
}

func handleMFCR(t *Thread, op Opcode) bool {
	t.GPR[op.RD()] = uint64(uint32(t.CR))
	return true
}

func handleMTCRF(t *Thread, op Opcode) bool {
	crm := op.CRM()
	v := uint32(t.GPR[op.RS()])
	for n := uint32(0); n < 8; n++ {
		if crm&(0x80>>n) != 0 {
			t.CR.SetField(n, v>>(28-4*n))
		}
	}
	return true
}

func (t *Thread) readSPR(op Opcode, spr uint32) (uint64, bool) {
	switch spr {
	case sprXER:
		return t.XER.Pack(), true
	case sprLR:
		return t.LR, true
	case sprCTR:
		return t.CTR, true
	case sprVRSAVE:
		return uint64(t.VRSAVE), true
	case sprTBL:
		return t.sys.Timebase(), true
	case sprTBU:
		return t.sys.Timebase() >> 32, true
	}
	t.Fault(fmt.Errorf("0x%08x: spr %d: %w", t.CIA, spr, ppuerrors.ErrPUnknownOpcode))
	return 0, false
}

func handleMFSPR(t *Thread, op Opcode) bool {
	v, ok := t.readSPR(op, op.SPR())
	if ok {
		t.GPR[op.RD()] = v
	}
	return ok
}

func handleMFTB(t *Thread, op Opcode) bool {
	return handleMFSPR(t, op)
}

func handleMTSPR(t *Thread, op Opcode) bool {
	v := t.GPR[op.RS()]
	switch op.SPR() {
	case sprXER:
		t.XER.Unpack(v)
	case sprLR:
		t.LR = v
	case sprCTR:
		t.CTR = v
	case sprVRSAVE:
		t.VRSAVE = uint32(v)
	default:
		t.Fault(fmt.Errorf("0x%08x: spr %d: %w", t.CIA, op.SPR(), ppuerrors.ErrPUnknownOpcode))
		return false
	}
	return true
}
