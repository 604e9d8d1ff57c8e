package ppu

import "math"

func registerVector(b *tableBuilder) {
	b.same(31, 103, "LVX", handleLVX)
	b.same(31, 231, "STVX", handleSTVX)
	b.simd("LVLX", handleLVLX, handleLVLXWide, 31<<11|519)
	b.simd("LVRX", handleLVRX, handleLVRXWide, 31<<11|551)
	b.simd("STVLX", handleSTVLX, handleSTVLXWide, 31<<11|647)
	b.simd("STVRX", handleSTVRX, handleSTVRXWide, 31<<11|679)
	b.simd("VPERM", handleVPERM, handleVPERMWide, vaKeys(43)...)

	b.va(46, "VMADDFP", vectorFloat(true, vmaddfp), vectorFloat(false, vmaddfp))
	b.split(4, 10, "VADDFP", vectorFloat(true, vaddfp), vectorFloat(false, vaddfp))
	b.same(4, 128, "VADDUWM", vectorWord(func(a, b uint32) uint32 { return a + b }))
	b.same(4, 652, "VSPLTW", handleVSPLTW)
	b.split(4, 896, "VADDSWS", handleVADDSWSPrecise, handleVADDSWS)
	b.same(4, 908, "VSPLTISW", handleVSPLTISW)
	b.same(4, 1028, "VAND", vectorWord(func(a, b uint32) uint32 { return a & b }))
	b.same(4, 1152, "VSUBUWM", vectorWord(func(a, b uint32) uint32 { return a - b }))
	b.same(4, 1156, "VOR", vectorWord(func(a, b uint32) uint32 { return a | b }))
	b.same(4, 1220, "VXOR", vectorWord(func(a, b uint32) uint32 { return a ^ b }))
	b.same(4, 1540, "MFVSCR", handleMFVSCR)
	b.same(4, 1604, "MTVSCR", handleMTVSCR)
}

func handleLVX(t *Thread, op Opcode) bool {
	hi, lo, err := t.sys.Mem.Read128(t.eaX(op) &^ 15)
	if err != nil {
		t.Fault(err)
		return false
	}
	t.VR[op.VD()].SetHalves(hi, lo)
	return true
}

func handleSTVX(t *Thread, op Opcode) bool {
	hi, lo := t.VR[op.VS()].Halves()
	if err := t.sys.Mem.Write128(t.eaX(op)&^15, hi, lo); err != nil {
		t.Fault(err)
		return false
	}
	return true
}

func handleLVLX(t *Thread, op Opcode) bool {
	addr := t.eaX(op)
	tail := addr & 15
	var v V128
	for j := uint32(0); j < 16-tail; j++ {
		b, err := t.sys.Mem.Read8(addr + j)
		if err != nil {
			t.Fault(err)
			return false
		}
		v[j] = b
	}
	t.VR[op.VD()] = v
	return true
}

func handleLVRX(t *Thread, op Opcode) bool {
	addr := t.eaX(op)
	tail := addr & 15
	base := addr &^ 15
	var v V128
	for i := 16 - tail; i < 16; i++ {
		b, err := t.sys.Mem.Read8(base + i - 16 + tail)
		if err != nil {
			t.Fault(err)
			return false
		}
		v[i] = b
	}
	t.VR[op.VD()] = v
	return true
}

func handleSTVLX(t *Thread, op Opcode) bool {
	addr := t.eaX(op)
	tail := addr & 15
	src := &t.VR[op.VS()]
	for j := uint32(0); j < 16-tail; j++ {
		if err := t.sys.Mem.Write8(addr+j, src[j]); err != nil {
			t.Fault(err)
			return false
		}
	}
	return true
}

func handleSTVRX(t *Thread, op Opcode) bool {
	addr := t.eaX(op)
	tail := addr & 15
	base := addr &^ 15
	src := &t.VR[op.VS()]
	for i := 16 - tail; i < 16; i++ {
		if err := t.sys.Mem.Write8(base+i-16+tail, src[i]); err != nil {
			t.Fault(err)
			return false
		}
	}
	return true
}

func shl128(hi, lo uint64, n uint) (uint64, uint64) {
	switch {
	case n == 0:
		return hi, lo
	case n >= 128:
		return 0, 0
	case n >= 64:
		return lo << (n - 64), 0
	}
	return hi<<n | lo>>(64-n), lo << n
}

func shr128(hi, lo uint64, n uint) (uint64, uint64) {
	switch {
	case n == 0:
		return hi, lo
	case n >= 128:
		return 0, 0
	case n >= 64:
		return 0, hi >> (n - 64)
	}
	return hi >> n, lo>>n | hi<<(64-n)
}

func handleLVLXWide(t *Thread, op Opcode) bool {
	addr := t.eaX(op)
	hi, lo, err := t.sys.Mem.Read128(addr &^ 15)
	if err != nil {
		t.Fault(err)
		return false
	}
	hi, lo = shl128(hi, lo, uint(addr&15)*8)
	t.VR[op.VD()].SetHalves(hi, lo)
	return true
}

func handleLVRXWide(t *Thread, op Opcode) bool {
	addr := t.eaX(op)
	hi, lo, err := t.sys.Mem.Read128(addr &^ 15)
	if err != nil {
		t.Fault(err)
		return false
	}
	hi, lo = shr128(hi, lo, uint(16-addr&15)*8)
	t.VR[op.VD()].SetHalves(hi, lo)
	return true
}

func handleSTVLXWide(t *Thread, op Opcode) bool {
	addr := t.eaX(op)
	src := t.VR[op.VS()]
	if err := t.sys.Mem.WriteBytes(addr, src[:16-addr&15], false); err != nil {
		t.Fault(err)
		return false
	}
	return true
}

func handleSTVRXWide(t *Thread, op Opcode) bool {
	addr := t.eaX(op)
	tail := addr & 15
	src := t.VR[op.VS()]
	if err := t.sys.Mem.WriteBytes(addr&^15, src[16-tail:], false); err != nil {
		t.Fault(err)
		return false
	}
	return true
}

func handleVPERM(t *Thread, op Opcode) bool {
	a, b, c := t.VR[op.VA()], t.VR[op.VB()], t.VR[op.VC()]
	var v V128
	for i := range v {
		idx := c[i] & 0x1f
		if idx < 16 {
			v[i] = a[idx]
		} else {
			v[i] = b[idx-16]
		}
	}
	t.VR[op.VD()] = v
	return true
}

func handleVPERMWide(t *Thread, op Opcode) bool {
	var ab [32]byte
	copy(ab[:16], t.VR[op.VA()][:])
	copy(ab[16:], t.VR[op.VB()][:])
	c := t.VR[op.VC()]
	var v V128
	for i := 0; i < 16; i += 4 {
		v[i] = ab[c[i]&0x1f]
		v[i+1] = ab[c[i+1]&0x1f]
		v[i+2] = ab[c[i+2]&0x1f]
		v[i+3] = ab[c[i+3]&0x1f]
	}
	t.VR[op.VD()] = v
	return true
}

func vectorWord(f func(a, b uint32) uint32) Handler {
	return func(t *Thread, op Opcode) bool {
		a, b := &t.VR[op.VA()], &t.VR[op.VB()]
		var v V128
		for i := 0; i < 4; i++ {
			v.SetWord(i, f(a.Word(i), b.Word(i)))
		}
		t.VR[op.VD()] = v
		return true
	}
}

func saturate32(s int64) (int32, bool) {
	switch {
	case s > math.MaxInt32:
		return math.MaxInt32, true
	case s < math.MinInt32:
		return math.MinInt32, true
	}
	return int32(s), false
}

func (t *Thread) vaddsws(op Opcode) bool {
	a, b := &t.VR[op.VA()], &t.VR[op.VB()]
	var v V128
	sat := false
	for i := 0; i < 4; i++ {
		r, s := saturate32(int64(int32(a.Word(i))) + int64(int32(b.Word(i))))
		v.SetWord(i, uint32(r))
		sat = sat || s
	}
	t.VR[op.VD()] = v
	return sat
}

func handleVADDSWS(t *Thread, op Opcode) bool {
	t.vaddsws(op)
	return true
}

func handleVADDSWSPrecise(t *Thread, op Opcode) bool {
	if t.vaddsws(op) {
		t.VSCR.SAT = true
	}
	return true
}

func handleVSPLTW(t *Thread, op Opcode) bool {
	w := t.VR[op.VB()].Word(int(op.VUIMM() & 3))
	var v V128
	for i := 0; i < 4; i++ {
		v.SetWord(i, w)
	}
	t.VR[op.VD()] = v
	return true
}

func handleVSPLTISW(t *Thread, op Opcode) bool {
	w := uint32(op.VSIMM())
	var v V128
	for i := 0; i < 4; i++ {
		v.SetWord(i, w)
	}
	t.VR[op.VD()] = v
	return true
}

func handleMFVSCR(t *Thread, op Opcode) bool {
	var w uint32
	if t.VSCR.NJ {
		w |= 1 << 16
	}
	if t.VSCR.SAT {
		w |= 1
	}
	var v V128
	v.SetWord(3, w)
	t.VR[op.VD()] = v
	return true
}

func handleMTVSCR(t *Thread, op Opcode) bool {
	w := t.VR[op.VB()].Word(3)
	t.VSCR.NJ = w&(1<<16) != 0
	t.VSCR.SAT = w&1 != 0
	return true
}

// flushDenormal returns a signed zero for subnormal inputs.
func flushDenormal(f float32) float32 {
	b := math.Float32bits(f)
	if b&0x7f800000 == 0 {
		return math.Float32frombits(b & 0x80000000)
	}
	return f
}

type vfOp func(a, b, c float32) float32

func vaddfp(a, b, _ float32) float32 { return a + b }

func vmaddfp(a, b, c float32) float32 {
	return float32(math.FMA(float64(a), float64(c), float64(b)))
}

// vectorFloat applies f lane-wise. The precise flavour honours VSCR.NJ.
func vectorFloat(precise bool, f vfOp) Handler {
	return func(t *Thread, op Opcode) bool {
		a, b, c := &t.VR[op.VA()], &t.VR[op.VB()], &t.VR[op.VC()]
		nj := precise && t.VSCR.NJ
		var v V128
		for i := 0; i < 4; i++ {
			x, y, z := a.Float(i), b.Float(i), c.Float(i)
			if nj {
				x, y, z = flushDenormal(x), flushDenormal(y), flushDenormal(z)
			}
			r := f(x, y, z)
			if nj {
				r = flushDenormal(r)
			}
			v.SetFloat(i, r)
		}
		t.VR[op.VD()] = v
		return true
	}
}
