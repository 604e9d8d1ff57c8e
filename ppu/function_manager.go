package ppu

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Plagman/rpcs3/log"
	"github.com/Plagman/rpcs3/ppuerrors"
	"github.com/Plagman/rpcs3/vm"
)

// HLEFunc is a host implementation of a guest-callable function.
type HLEFunc func(t *Thread) error

const (
	hleCapacity = 0x2000
	instrBLR    = 0x4e800020
)

type hleEntry struct {
	name string
	fn   HLEFunc
}

// FunctionManager owns the table of host functions callable from guest code.
// Function i lives at Addr()+8*i as a HACK(i) instruction followed by blr.
// Index 0 is the unregistered trap and index 1 the HLE return address.
type FunctionManager struct {
	sys  *System
	addr uint32

	mu   sync.Mutex
	list atomic.Pointer[[]hleEntry]
}

func newFunctionManager(sys *System) (*FunctionManager, error) {
	addr, err := sys.Mem.Alloc(hleCapacity*8, vm.Main, vm.PageSize)
	if err != nil {
		return nil, fmt.Errorf("function manager: %w", err)
	}
	sys.Mem.PageProtect(addr, hleCapacity*8, 0, vm.PageWritable)
	fm := &FunctionManager{sys: sys, addr: addr}
	fm.list.Store(&[]hleEntry{})

	fm.Register("unregistered", func(t *Thread) error {
		return fmt.Errorf("0x%08x: %w", t.CIA, ppuerrors.ErrPUnknownHLE)
	})
	fm.Register("return", func(t *Thread) error {
		t.state.Or(StateRet)
		return nil
	})
	return fm, nil
}

// Addr is the guest address of the first function slot.
func (fm *FunctionManager) Addr() uint32 { return fm.addr }

// FuncAddr is the guest address of function idx.
func (fm *FunctionManager) FuncAddr(idx uint32) uint32 { return fm.addr + 8*idx }

// ReturnAddr is the address guest code returns to at the end of a FastCall.
func (fm *FunctionManager) ReturnAddr() uint32 { return fm.FuncAddr(1) }

// Register adds a named host function and makes its guest stub executable.
func (fm *FunctionManager) Register(name string, fn HLEFunc) (uint32, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	old := *fm.list.Load()
	idx := uint32(len(old))
	if idx >= hleCapacity {
		return 0, fmt.Errorf("register %s: %w", name, ppuerrors.ErrMOutOfMemory)
	}
	addr := fm.FuncAddr(idx)
	mem := fm.sys.Mem
	if err := mem.SuperWrite32(addr, 1<<26|idx); err != nil {
		return 0, err
	}
	if err := mem.SuperWrite32(addr+4, instrBLR); err != nil {
		return 0, err
	}
	next := append(old[:len(old):len(old)], hleEntry{name: name, fn: fn})
	fm.list.Store(&next)

	fm.sys.Slots.RegisterRange(addr, 8)
	if idx == 1 {
		fm.sys.Slots.Set(addr, MakeEntry(Opcode(1<<26|idx), StubHandle(StubReturn)))
	}
	log.Trace(log.PPUMonitoring, "HLE function registered", "name", name, "index", idx, "addr", addr)
	return idx, nil
}

// Index finds a function by name.
func (fm *FunctionManager) Index(name string) (uint32, bool) {
	for i, e := range *fm.list.Load() {
		if e.name == name {
			return uint32(i), true
		}
	}
	return 0, false
}

func (fm *FunctionManager) Name(idx uint32) string {
	list := *fm.list.Load()
	if int(idx) < len(list) {
		return list[idx].name
	}
	return fmt.Sprintf("hle#%d", idx)
}

// Call runs function idx on t. Failures are guest faults.
func (fm *FunctionManager) Call(t *Thread, idx uint32) {
	list := *fm.list.Load()
	if int(idx) >= len(list) {
		t.Fault(fmt.Errorf("index %d: %w", idx, ppuerrors.ErrPUnknownHLE))
		return
	}
	e := list[idx]
	prev := t.currentFunction
	t.currentFunction = e.name
	err := e.fn(t)
	t.currentFunction = prev
	if err != nil {
		t.Fault(fmt.Errorf("%s: %w", e.name, err))
	}
}
