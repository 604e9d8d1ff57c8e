package ppu

func registerBranch(b *tableBuilder) {
	b.primary(16, "BC", handleBC)
	b.primary(18, "B", handleB)

	b.same(19, 0, "MCRF", handleMCRF)
	b.same(19, 16, "BCLR", handleBCLR)
	b.same(19, 33, "CRNOR", crLogical(func(a, b bool) bool { return !(a || b) }))
	b.same(19, 129, "CRANDC", crLogical(func(a, b bool) bool { return a && !b }))
	b.same(19, 150, "ISYNC", handleNOP)
	b.same(19, 193, "CRXOR", crLogical(func(a, b bool) bool { return a != b }))
	b.same(19, 225, "CRNAND", crLogical(func(a, b bool) bool { return !(a && b) }))
	b.same(19, 257, "CRAND", crLogical(func(a, b bool) bool { return a && b }))
	b.same(19, 289, "CREQV", crLogical(func(a, b bool) bool { return a == b }))
	b.same(19, 417, "CRORC", crLogical(func(a, b bool) bool { return a || !b }))
	b.same(19, 449, "CROR", crLogical(func(a, b bool) bool { return a || b }))
	b.same(19, 528, "BCCTR", handleBCCTR)
}

// branchCond evaluates the BO/BI condition, decrementing CTR when BO asks for it.
func (t *Thread) branchCond(op Opcode, useCTR bool) bool {
	bo := op.BO()
	ctrOK := true
	if useCTR && bo&4 == 0 {
		t.CTR--
		ctrOK = (t.CTR != 0) != (bo&2 != 0)
	}
	condOK := bo&0x10 != 0 || t.CR.Bit(op.BI()) == (bo&8 != 0)
	return ctrOK && condOK
}

func (t *Thread) branchTo(op Opcode, target uint64) bool {
	if op.LK() {
		t.LR = uint64(t.CIA) + 4
	}
	t.CIA = uint32(target) &^ 3
	return false
}

func handleB(t *Thread, op Opcode) bool {
	target := uint64(op.LI())
	if !op.AA() {
		target += uint64(t.CIA)
	}
	return t.branchTo(op, target)
}

func handleBC(t *Thread, op Opcode) bool {
	if !t.branchCond(op, true) {
		if op.LK() {
			t.LR = uint64(t.CIA) + 4
		}
		return true
	}
	target := uint64(op.BD())
	if !op.AA() {
		target += uint64(t.CIA)
	}
	return t.branchTo(op, target)
}

func handleBCLR(t *Thread, op Opcode) bool {
	target := t.LR
	if !t.branchCond(op, true) {
		if op.LK() {
			t.LR = uint64(t.CIA) + 4
		}
		return true
	}
	return t.branchTo(op, target)
}

func handleBCCTR(t *Thread, op Opcode) bool {
	if !t.branchCond(op, false) {
		if op.LK() {
			t.LR = uint64(t.CIA) + 4
		}
		return true
	}
	return t.branchTo(op, t.CTR)
}

func handleMCRF(t *Thread, op Opcode) bool {
	t.CR.SetField(op.CRFD(), t.CR.Field(op.CRFS()))
	return true
}

func crLogical(f func(a, b bool) bool) Handler {
	return func(t *Thread, op Opcode) bool {
		t.CR.SetBit(op.CRBD(), f(t.CR.Bit(op.CRBA()), t.CR.Bit(op.CRBB())))
		return true
	}
}
