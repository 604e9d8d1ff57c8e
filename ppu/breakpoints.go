package ppu

import (
	"fmt"

	"github.com/Plagman/rpcs3/log"
	"github.com/Plagman/rpcs3/ppuerrors"
	"github.com/Plagman/rpcs3/vm"
	"golang.org/x/exp/slices"
)

// Breakpoint adds or removes the breakpoint stub at addr. It reports false
// when nothing changed; breakpoints are unavailable under the recompiler.
func (s *SlotTable) Breakpoint(addr uint32, adding bool) bool {
	if s.llvm() {
		return false
	}
	addr &^= 3
	s.bpMu.Lock()
	defer s.bpMu.Unlock()
	// The slot is authoritative: re-registering a range drops the stub.
	exists := s.HasBreakpoint(addr)
	if adding {
		if exists {
			log.Debug(log.DebuggerMonitoring, "Breakpoint already set", "addr", addr)
			return false
		}
		s.bps[addr] = struct{}{}
		s.Set(addr, MakeEntry(s.Get(addr).Opcode(), StubHandle(StubBreak)))
		return true
	}
	delete(s.bps, addr)
	if !exists {
		return false
	}
	s.Set(addr, s.Cache(addr))
	return true
}

func (s *SlotTable) SetBreakpoint(addr uint32) bool { return s.Breakpoint(addr, true) }

func (s *SlotTable) RemoveBreakpoint(addr uint32) bool { return s.Breakpoint(addr, false) }

func (s *SlotTable) ToggleBreakpoint(addr uint32) bool {
	return s.Breakpoint(addr, !s.HasBreakpoint(addr))
}

func (s *SlotTable) HasBreakpoint(addr uint32) bool {
	return s.Get(addr&^3).Handle() == StubHandle(StubBreak)
}

// Breakpoints lists the active breakpoint addresses in ascending order.
func (s *SlotTable) Breakpoints() []uint32 {
	s.bpMu.Lock()
	out := make([]uint32, 0, len(s.bps))
	for a := range s.bps {
		if !s.HasBreakpoint(a) {
			delete(s.bps, a)
			continue
		}
		out = append(out, a)
	}
	s.bpMu.Unlock()
	slices.Sort(out)
	return out
}

// Patch writes one instruction word into guest code and refreshes its slot,
// leaving breakpoint and fallback stubs in place.
func (s *SlotTable) Patch(addr uint32, value uint32) error {
	if s.llvm() && s.sys.Status() != SystemReady {
		log.Error(log.PPUMonitoring, "Patch failed: recompiler is in use", "addr", addr)
		return fmt.Errorf("patch 0x%08x: %w", addr, ppuerrors.ErrRPatchRefused)
	}
	if !s.sys.Mem.CheckAddr(addr, 4, 0) {
		log.Error(log.PPUMonitoring, "Patch failed: invalid memory address", "addr", addr)
		return fmt.Errorf("patch 0x%08x: %w", addr, ppuerrors.ErrMInvalidAddress)
	}
	if err := s.sys.Mem.SuperWrite32(addr, value); err != nil {
		return fmt.Errorf("patch 0x%08x: %w", addr, err)
	}
	if s.sys.Mem.CheckAddr(addr, 4, vm.PageExecutable) {
		switch s.Get(addr).Handle() {
		case StubHandle(StubBreak), StubHandle(StubFallback), StubHandle(StubRecompilerFallback):
		default:
			s.Set(addr, s.Cache(addr))
		}
	}
	log.Debug(log.PPUMonitoring, "Patched", "addr", addr, "value", value, "insn", Disasm(Opcode(value), addr))
	return nil
}
