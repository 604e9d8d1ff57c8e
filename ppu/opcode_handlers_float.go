package ppu

import "math"

func registerFloat(b *tableBuilder) {
	d := (*Thread).eaD
	x := (*Thread).eaX

	b.primary(48, "LFS", loadFloat(d, false, false))
	b.primary(49, "LFSU", loadFloat(d, false, true))
	b.primary(50, "LFD", loadFloat(d, true, false))
	b.primary(51, "LFDU", loadFloat(d, true, true))
	b.primary(52, "STFS", storeFloat(d, false, false))
	b.primary(53, "STFSU", storeFloat(d, false, true))
	b.primary(54, "STFD", storeFloat(d, true, false))
	b.primary(55, "STFDU", storeFloat(d, true, true))
	b.same(31, 535, "LFSX", loadFloat(x, false, false))
	b.same(31, 599, "LFDX", loadFloat(x, true, false))
	b.same(31, 663, "STFSX", storeFloat(x, false, false))
	b.same(31, 727, "STFDX", storeFloat(x, true, false))

	for _, single := range []bool{false, true} {
		p := uint32(63)
		suffix := ""
		if single {
			p, suffix = 59, "S"
		}
		b.aform(p, 18, "FDIV"+suffix, fpArith(true, single, fdiv), fpArith(false, single, fdiv))
		b.aform(p, 20, "FSUB"+suffix, fpArith(true, single, fsub), fpArith(false, single, fsub))
		b.aform(p, 21, "FADD"+suffix, fpArith(true, single, fadd), fpArith(false, single, fadd))
		b.aform(p, 25, "FMUL"+suffix, fpArith(true, single, fmul), fpArith(false, single, fmul))
		b.aform(p, 29, "FMADD"+suffix, fpArith(true, single, fmadd), fpArith(false, single, fmadd))
	}

	b.same(63, 0, "FCMPU", handleFCMPU)
	b.split(63, 12, "FRSP", fpUnary(true, frsp), fpUnary(false, frsp))
	b.same(63, 15, "FCTIWZ", handleFCTIWZ)
	b.same(63, 40, "FNEG", fpUnary(false, func(v float64) float64 { return -v }))
	b.same(63, 72, "FMR", fpUnary(false, func(v float64) float64 { return v }))
	b.same(63, 264, "FABS", fpUnary(false, math.Abs))
	b.same(63, 583, "MFFS", handleMFFS)
	b.same(63, 711, "MTFSF", handleMTFSF)
}

func loadFloat(ea eaFunc, double, update bool) Handler {
	return func(t *Thread, op Opcode) bool {
		addr := ea(t, op)
		if double {
			v, err := t.sys.Mem.Read64(addr)
			if err != nil {
				t.Fault(err)
				return false
			}
			t.FPR[op.FRD()] = math.Float64frombits(v)
		} else {
			v, err := t.sys.Mem.Read32(addr)
			if err != nil {
				t.Fault(err)
				return false
			}
			t.FPR[op.FRD()] = float64(math.Float32frombits(v))
		}
		if update {
			t.GPR[op.RA()] = uint64(addr)
		}
		return true
	}
}

func storeFloat(ea eaFunc, double, update bool) Handler {
	return func(t *Thread, op Opcode) bool {
		addr := ea(t, op)
		var err error
		if double {
			err = t.sys.Mem.Write64(addr, math.Float64bits(t.FPR[op.FRS()]))
		} else {
			err = t.sys.Mem.Write32(addr, math.Float32bits(float32(t.FPR[op.FRS()])))
		}
		if err != nil {
			t.Fault(err)
			return false
		}
		if update {
			t.GPR[op.RA()] = uint64(addr)
		}
		return true
	}
}

type fpOp func(a, b, c float64) float64

func fadd(a, b, _ float64) float64  { return a + b }
func fsub(a, b, _ float64) float64  { return a - b }
func fdiv(a, b, _ float64) float64  { return a / b }
func fmul(a, _, c float64) float64  { return a * c }
func fmadd(a, b, c float64) float64 { return math.FMA(a, c, b) }
func frsp(v float64) float64        { return float64(float32(v)) }

// fprf classifies a result into the FPSCR result-flags encoding.
func fprf(v float64) uint32 {
	neg := math.Signbit(v)
	switch {
	case math.IsNaN(v):
		return 0x11
	case math.IsInf(v, 0):
		if neg {
			return 0x09
		}
		return 0x05
	case v == 0:
		if neg {
			return 0x12
		}
		return 0x02
	case math.Abs(v) < 0x1p-1022:
		if neg {
			return 0x18
		}
		return 0x14
	}
	if neg {
		return 0x08
	}
	return 0x04
}

func (t *Thread) fpResult(op Opcode, precise bool, r float64) {
	t.FPR[op.FRD()] = r
	if precise {
		t.FPSCR = t.FPSCR&^fpscrFPRFMask | fprf(r)<<fpscrFPRFShift
	}
	if op.Rc() {
		t.CR.SetField(1, t.FPSCR>>28)
	}
}

func fpArith(precise, single bool, f fpOp) Handler {
	return func(t *Thread, op Opcode) bool {
		r := f(t.FPR[op.FRA()], t.FPR[op.FRB()], t.FPR[op.FRC()])
		if single {
			r = float64(float32(r))
		}
		t.fpResult(op, precise, r)
		return true
	}
}

func fpUnary(precise bool, f func(float64) float64) Handler {
	return func(t *Thread, op Opcode) bool {
		t.fpResult(op, precise, f(t.FPR[op.FRB()]))
		return true
	}
}

func handleFCMPU(t *Thread, op Opcode) bool {
	a, b := t.FPR[op.FRA()], t.FPR[op.FRB()]
	var c uint32
	switch {
	case math.IsNaN(a) || math.IsNaN(b):
		c = 1
	case a < b:
		c = 8
	case a > b:
		c = 4
	default:
		c = 2
	}
	t.CR.SetField(op.CRFD(), c)
	t.FPSCR = t.FPSCR&^(0xf<<fpscrFPCCShift) | c<<fpscrFPCCShift
	return true
}

func handleFCTIWZ(t *Thread, op Opcode) bool {
	v := t.FPR[op.FRB()]
	var r int32
	switch {
	case math.IsNaN(v) || v <= -0x1p31:
		r = math.MinInt32
	case v >= 0x1p31:
		r = math.MaxInt32
	default:
		r = int32(v)
	}
	t.FPR[op.FRD()] = math.Float64frombits(uint64(uint32(r)))
	if op.Rc() {
		t.CR.SetField(1, t.FPSCR>>28)
	}
	return true
}

func handleMFFS(t *Thread, op Opcode) bool {
	t.FPR[op.FRD()] = math.Float64frombits(uint64(t.FPSCR))
	if op.Rc() {
		t.CR.SetField(1, t.FPSCR>>28)
	}
	return true
}

func handleMTFSF(t *Thread, op Opcode) bool {
	v := uint32(math.Float64bits(t.FPR[op.FRB()]))
	fm := op.FM()
	for n := uint32(0); n < 8; n++ {
		if fm&(0x80>>n) != 0 {
			shift := 28 - 4*n
			t.FPSCR = t.FPSCR&^(0xf<<shift) | v&(0xf<<shift)
		}
	}
	if op.Rc() {
		t.CR.SetField(1, t.FPSCR>>28)
	}
	return true
}
