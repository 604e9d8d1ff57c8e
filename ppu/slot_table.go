package ppu

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Plagman/rpcs3/config"
	"github.com/Plagman/rpcs3/log"
	"github.com/Plagman/rpcs3/vm"
)

// HandleKind tags what a slot entry dispatches to.
type HandleKind uint32

const (
	KindNone HandleKind = iota
	KindInterpreter
	KindCompiled
	KindStub
)

// StubKind selects one of the built-in dispatch stubs.
type StubKind uint32

const (
	StubFallback StubKind = iota + 1
	StubRecompilerFallback
	StubBreak
	StubCheckTOC
	StubReturn
)

func (k StubKind) String() string {
	switch k {
	case StubFallback:
		return "fallback"
	case StubRecompilerFallback:
		return "recompiler_fallback"
	case StubBreak:
		return "break"
	case StubCheckTOC:
		return "check_toc"
	case StubReturn:
		return "return"
	}
	return fmt.Sprintf("stub(%d)", uint32(k))
}

// Handle is a tagged index: kind in the top four bits, index below.
type Handle uint32

func InterpreterHandle(id HandlerID) Handle { return Handle(uint32(KindInterpreter)<<28 | uint32(id)) }
func CompiledHandle(idx uint32) Handle     { return Handle(uint32(KindCompiled)<<28 | idx&0x0fffffff) }
func StubHandle(k StubKind) Handle         { return Handle(uint32(KindStub)<<28 | uint32(k)) }

func (h Handle) Kind() HandleKind { return HandleKind(h >> 28) }
func (h Handle) Index() uint32    { return uint32(h) & 0x0fffffff }

func (h Handle) String() string {
	switch h.Kind() {
	case KindInterpreter:
		return fmt.Sprintf("interpreter(%s)", InterpreterTables().Name(HandlerID(h.Index())))
	case KindCompiled:
		return fmt.Sprintf("compiled(%d)", h.Index())
	case KindStub:
		return StubKind(h.Index()).String()
	}
	return "none"
}

// Entry is a packed slot: original opcode in the high word, handle in the low word.
type Entry uint64

func MakeEntry(op Opcode, h Handle) Entry { return Entry(uint64(op)<<32 | uint64(h)) }

func (e Entry) Opcode() Opcode { return Opcode(e >> 32) }
func (e Entry) Handle() Handle { return Handle(e) }

// Func is a host callable installed for a guest address.
type Func func(t *Thread) Status

const slotsPerSegment = vm.PageSize / 4

type slotSegment [slotsPerSegment]atomic.Uint64

// SlotTable maps every registered 4-byte aligned guest address to an Entry.
// Writes are racy but idempotent; stale fallback entries heal on execution.
type SlotTable struct {
	sys  *System
	segs [vm.NumPages]atomic.Pointer[slotSegment]

	funcsMu sync.Mutex
	funcs   atomic.Pointer[[]Func]

	bpMu sync.Mutex
	bps  map[uint32]struct{}

	tocMu sync.RWMutex
	tocs  map[uint32]uint64
}

func newSlotTable(sys *System) *SlotTable {
	s := &SlotTable{sys: sys, bps: make(map[uint32]struct{}), tocs: make(map[uint32]uint64)}
	s.funcs.Store(&[]Func{})
	return s
}

func (s *SlotTable) llvm() bool {
	return s.sys.Config.Decoder == config.DecoderLLVM
}

func (s *SlotTable) fallbackStub() StubKind {
	if s.llvm() {
		return StubRecompilerFallback
	}
	return StubFallback
}

// Get returns the entry for addr, or zero when addr was never registered.
func (s *SlotTable) Get(addr uint32) Entry {
	seg := s.segs[addr/vm.PageSize].Load()
	if seg == nil {
		return 0
	}
	return Entry(seg[addr%vm.PageSize/4].Load())
}

// Set overwrites the entry for addr, committing storage on first use.
func (s *SlotTable) Set(addr uint32, e Entry) {
	i := addr / vm.PageSize
	seg := s.segs[i].Load()
	if seg == nil {
		seg = new(slotSegment)
		if !s.segs[i].CompareAndSwap(nil, seg) {
			seg = s.segs[i].Load()
		}
	}
	seg[addr%vm.PageSize/4].Store(uint64(e))
}

// Cache derives the interpreter entry for addr from current guest memory.
func (s *SlotTable) Cache(addr uint32) Entry {
	w, _ := s.sys.Mem.Read32(addr)
	op := Opcode(w)
	return MakeEntry(op, InterpreterHandle(s.sys.tables.Decode(op)))
}

// RegisterRange marks [addr, addr+size) executable and installs the fallback
// stub with the current guest opcode at every aligned address.
func (s *SlotTable) RegisterRange(addr, size uint32) {
	if size == 0 {
		log.Error(log.PPUMonitoring, "RegisterRange: empty range", "addr", addr)
		return
	}
	addr &^= 3
	size &^= 3
	start := addr &^ (vm.ProtSize - 1)
	s.sys.Mem.PageProtect(start, addr-start+size, vm.PageExecutable, 0)

	stub := StubHandle(s.fallbackStub())
	end := uint64(addr) + uint64(size)
	for a := uint64(addr); a < end; a += 4 {
		w, _ := s.sys.Mem.Read32(uint32(a))
		s.Set(uint32(a), MakeEntry(Opcode(w), stub))
	}
	log.Debug(log.PPUMonitoring, "RegisterRange", "addr", addr, "size", size, "stub", s.fallbackStub().String())
}

// AddFuncs appends host callables to the compiled-function arena and returns
// the index of the first one. The arena is copy-on-write so dispatch never locks.
func (s *SlotTable) AddFuncs(fns ...Func) uint32 {
	s.funcsMu.Lock()
	defer s.funcsMu.Unlock()
	old := *s.funcs.Load()
	next := make([]Func, len(old), len(old)+len(fns))
	copy(next, old)
	next = append(next, fns...)
	s.funcs.Store(&next)
	return uint32(len(old))
}

// Func returns the compiled callable at arena index idx.
func (s *SlotTable) Func(idx uint32) Func {
	fns := *s.funcs.Load()
	if int(idx) >= len(fns) {
		return nil
	}
	return fns[idx]
}

// SetCompiled points addr at an already added arena entry.
func (s *SlotTable) SetCompiled(addr uint32, idx uint32) {
	s.Set(addr, MakeEntry(s.Get(addr).Opcode(), CompiledHandle(idx)))
}

// RegisterFunction installs fn at addr. With a nil fn it re-primes every
// fallback entry in the range from the interpreter cache, except under the
// recompiler where compiled code supersedes interpretation.
func (s *SlotTable) RegisterFunction(addr, size uint32, fn Func) {
	if fn != nil {
		s.SetCompiled(addr, s.AddFuncs(fn))
		return
	}
	if size == 0 {
		log.Debug(log.PPUMonitoring, "RegisterFunction: empty range", "addr", addr)
		return
	}
	if s.llvm() {
		return
	}
	fallback := StubHandle(StubFallback)
	end := uint64(addr) + uint64(size)
	for a := uint64(addr &^ 3); a < end; a += 4 {
		if s.Get(uint32(a)).Handle() == fallback {
			s.Set(uint32(a), s.Cache(uint32(a)))
		}
	}
}

// SetTOC records the expected TOC for the function starting at addr and
// installs the TOC checking stub there.
func (s *SlotTable) SetTOC(addr uint32, toc uint64) {
	s.tocMu.Lock()
	s.tocs[addr] = toc
	s.tocMu.Unlock()
	s.Set(addr, MakeEntry(s.Get(addr).Opcode(), StubHandle(StubCheckTOC)))
}

func (s *SlotTable) TOC(addr uint32) (uint64, bool) {
	s.tocMu.RLock()
	defer s.tocMu.RUnlock()
	toc, ok := s.tocs[addr]
	return toc, ok
}
