package ppu

import (
	"fmt"

	"github.com/Plagman/rpcs3/log"
	"github.com/Plagman/rpcs3/ppuerrors"
	"github.com/Plagman/rpcs3/vm"
	"github.com/klauspost/cpuid/v2"
)

// GranuleStatus is the outcome of one reservation attempt.
type GranuleStatus int

const (
	StatusSuccess GranuleStatus = iota
	StatusFail
	StatusAborted
)

func (s GranuleStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFail:
		return "fail"
	case StatusAborted:
		return "aborted"
	}
	return "unknown"
}

// Granule is a strategy for the reserve/commit pair of one reservation granule.
// addr is the 8-byte aligned word inside the granule; rtime is a counter value
// with the lock bits clear.
type Granule interface {
	TryReserve(mem *vm.Memory, addr uint32) (rtime uint64, rdata uint64, st GranuleStatus)
	TryCommit(mem *vm.Memory, addr uint32, rtime uint64, old uint64, new uint64) GranuleStatus
	Name() string
}

const txRetries = 16

// txGranule is the optimistic path: a bounded number of lock-free attempts,
// reporting StatusAborted on contention so the caller retries under the lock.
type txGranule struct{}

func (txGranule) Name() string { return "tx" }

func (txGranule) TryReserve(mem *vm.Memory, addr uint32) (uint64, uint64, GranuleStatus) {
	res, err := mem.Reservation(addr)
	if err != nil {
		return 0, 0, StatusFail
	}
	word, err := mem.Word(addr, vm.PageReadable)
	if err != nil {
		return 0, 0, StatusFail
	}
	for i := 0; i < txRetries; i++ {
		rtime := res.Load()
		if rtime&vm.ResLock != 0 {
			continue
		}
		rdata := word.Load()
		if res.Load() == rtime {
			return rtime, rdata, StatusSuccess
		}
	}
	return 0, 0, StatusAborted
}

func (txGranule) TryCommit(mem *vm.Memory, addr uint32, rtime uint64, old uint64, new uint64) GranuleStatus {
	res, err := mem.Reservation(addr)
	if err != nil {
		return StatusFail
	}
	word, err := mem.Word(addr, vm.PageWritable)
	if err != nil {
		return StatusFail
	}
	for i := 0; i < txRetries; i++ {
		v := res.Load()
		if v&^vm.ResLock != rtime {
			return StatusFail
		}
		if v&vm.ResLock != 0 || !res.CompareAndSwap(rtime, rtime|1) {
			continue
		}
		if word.Load() != old {
			res.Store(rtime)
			return StatusFail
		}
		word.Store(new)
		res.Store(rtime + vm.ResStep)
		return StatusSuccess
	}
	return StatusAborted
}

// lockGranule always takes the granule lock, waiting as long as needed.
type lockGranule struct{}

func (lockGranule) Name() string { return "lock" }

func (lockGranule) TryReserve(mem *vm.Memory, addr uint32) (uint64, uint64, GranuleStatus) {
	word, err := mem.Word(addr, vm.PageReadable)
	if err != nil {
		return 0, 0, StatusFail
	}
	rtime, err := mem.ResLock(addr)
	if err != nil {
		return 0, 0, StatusFail
	}
	rdata := word.Load()
	mem.ResRelease(addr, rtime)
	return rtime, rdata, StatusSuccess
}

func (lockGranule) TryCommit(mem *vm.Memory, addr uint32, rtime uint64, old uint64, new uint64) GranuleStatus {
	word, err := mem.Word(addr, vm.PageWritable)
	if err != nil {
		return StatusFail
	}
	base, err := mem.ResLock(addr)
	if err != nil {
		return StatusFail
	}
	if base != rtime || word.Load() != old {
		mem.ResRelease(addr, base)
		return StatusFail
	}
	word.Store(new)
	mem.ResRelease(addr, base+vm.ResStep)
	return StatusSuccess
}

// hostHasRTM reports whether the host offers hardware transactions.
func hostHasRTM() bool {
	return cpuid.CPU.Supports(cpuid.RTM)
}

// selectGranule picks the reservation strategy from the use_rtm setting.
func selectGranule(mode string) Granule {
	switch mode {
	case "on":
		return txGranule{}
	case "off":
		return lockGranule{}
	}
	if hostHasRTM() {
		return txGranule{}
	}
	return lockGranule{}
}

// unlocked runs fn with the thread excluded from passive memory synchronization.
func (t *Thread) unlocked(fn func()) {
	if !t.passive.Held() {
		fn()
		return
	}
	t.sys.Mem.PassiveUnlock(&t.passive)
	defer t.sys.Mem.PassiveLock(&t.passive)
	fn()
}

// reserve opens a reservation on the granule holding addr. Aborted optimistic
// attempts are retried on the lock path.
func (t *Thread) reserve(addr uint32) (rtime uint64, rdata uint64, ok bool) {
	mem := t.sys.Mem
	word := addr &^ 7
	st := StatusAborted
	if _, slow := t.sys.granule.(lockGranule); !slow {
		rtime, rdata, st = t.sys.granule.TryReserve(mem, word)
	}
	if st == StatusAborted {
		t.unlocked(func() {
			rtime, rdata, st = lockGranule{}.TryReserve(mem, word)
		})
	}
	return rtime, rdata, st == StatusSuccess
}

// loadReserve implements lwarx/ldarx for width 4 or 8.
func (t *Thread) loadReserve(addr uint32, width uint32) (uint64, bool) {
	if addr%width != 0 {
		t.Fault(fmt.Errorf("load reserve 0x%08x width %d: %w", addr, width, ppuerrors.ErrPUnalignedAtomic))
		return 0, false
	}
	rtime, rdata, ok := t.reserve(addr)
	if !ok {
		t.Fault(fmt.Errorf("load reserve 0x%08x: %w", addr, ppuerrors.ErrPAccessViolation))
		return 0, false
	}
	t.raddr = addr
	t.rtime = rtime
	t.rdata = rdata
	return rdata << ((addr & 7) * 8) >> ((64 - width*8) & 63), true
}

// storeConditional implements stwcx./stdcx. for width 4 or 8. The reservation
// is always cleared.
func (t *Thread) storeConditional(addr uint32, width uint32, value uint64) bool {
	raddr := t.raddr
	t.raddr = 0
	if addr%width != 0 {
		log.Error(log.PPUMonitoring, "Store conditional on misaligned address", "thread", t.String(), "addr", addr, "width", width)
		return false
	}
	if raddr == 0 || raddr != addr {
		return false
	}

	mem := t.sys.Mem
	word := addr &^ 7
	if mem.ResAcquire(word)&^vm.ResLock != t.rtime {
		return false
	}
	cur, err := mem.Word(word, vm.PageWritable)
	if err != nil || cur.Load() != t.rdata {
		return false
	}

	old := t.rdata
	next := value
	if width == 4 {
		shift := 32 - (addr&4)*8
		next = old&^(0xffffffff<<shift) | (value&0xffffffff)<<shift
	}

	st := StatusAborted
	if _, slow := t.sys.granule.(lockGranule); !slow {
		st = t.sys.granule.TryCommit(mem, word, t.rtime, old, next)
	}
	if st == StatusAborted {
		t.unlocked(func() {
			st = lockGranule{}.TryCommit(mem, word, t.rtime, old, next)
		})
	}
	return st == StatusSuccess
}

// Lwarx loads a reserved word. Exported for host-side tests and HLE code.
func (t *Thread) Lwarx(addr uint32) (uint32, bool) {
	v, ok := t.loadReserve(addr, 4)
	return uint32(v), ok
}

func (t *Thread) Ldarx(addr uint32) (uint64, bool) {
	return t.loadReserve(addr, 8)
}

func (t *Thread) Stwcx(addr uint32, v uint32) bool {
	return t.storeConditional(addr, 4, uint64(v))
}

func (t *Thread) Stdcx(addr uint32, v uint64) bool {
	return t.storeConditional(addr, 8, v)
}

func handleLWARX(t *Thread, op Opcode) bool {
	v, ok := t.loadReserve(t.eaX(op), 4)
	if ok {
		t.GPR[op.RD()] = v
	}
	return ok
}

func handleLDARX(t *Thread, op Opcode) bool {
	v, ok := t.loadReserve(t.eaX(op), 8)
	if ok {
		t.GPR[op.RD()] = v
	}
	return ok
}

func handleSTWCX(t *Thread, op Opcode) bool {
	ok := t.storeConditional(t.eaX(op), 4, t.GPR[op.RS()])
	t.CR.setCompare(0, false, false, ok, t.XER.SO)
	return true
}

func handleSTDCX(t *Thread, op Opcode) bool {
	ok := t.storeConditional(t.eaX(op), 8, t.GPR[op.RS()])
	t.CR.setCompare(0, false, false, ok, t.XER.SO)
	return true
}
