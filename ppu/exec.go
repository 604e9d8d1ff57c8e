package ppu

import (
	"fmt"

	"github.com/Plagman/rpcs3/log"
	"github.com/Plagman/rpcs3/ppuerrors"
)

// statusFromState maps the state word to a dispatch status after a handler
// declined to advance.
func (t *Thread) statusFromState() Status {
	s := t.state.Load()
	switch {
	case s&StateRet != 0:
		return Return
	case s&(StateStop|StateExit) != 0:
		return Stop
	case s&(StateDbgPause|StateDbgGlobalStop) != 0:
		return DebugPause
	}
	return Continue
}

// PendingStatus is the dispatch status implied by the current state flags.
// Compiled code returns it when a handler declines to advance.
func (t *Thread) PendingStatus() Status { return t.statusFromState() }

// interpret runs one interpreter handler and advances CIA when it completes.
func (t *Thread) interpret(id HandlerID, op Opcode) Status {
	if t.sys.handlers[id](t, op) {
		t.CIA += 4
		return Continue
	}
	return t.statusFromState()
}

// dispatch executes one slot entry for the current CIA.
func (t *Thread) dispatch(e Entry) Status {
	h := e.Handle()
	switch h.Kind() {
	case KindInterpreter:
		return t.interpret(HandlerID(h.Index()), e.Opcode())
	case KindCompiled:
		if fn := t.sys.Slots.Func(h.Index()); fn != nil {
			return fn(t)
		}
	case KindStub:
		return t.runStub(StubKind(h.Index()))
	}
	t.Fault(fmt.Errorf("0x%08x: %w", t.CIA, ppuerrors.ErrPNotExecutable))
	return t.statusFromState()
}

// Step dispatches the slot entry at CIA once.
func (t *Thread) Step() Status {
	return t.dispatch(t.sys.Slots.Get(t.CIA))
}

// exec runs guest code from CIA until a return, stop or exit is raised.
func (t *Thread) exec() {
	batch := !t.sys.Slots.llvm()
	for {
		if t.state.Load() != 0 {
			if t.CheckState() {
				return
			}
			if t.state.Load()&StateDbgStep != 0 {
				t.Step()
				t.stepDone()
				continue
			}
		}
		if batch && t.CIA%32 == 0 && t.state.Load() == 0 && t.execBatch() {
			continue
		}
		if st := t.Step(); st == Return || st == Stop {
			return
		}
	}
}

// execBatch runs up to four consecutive interpreter entries from a 32-byte
// aligned CIA. It declines (returns false) when any of the four is not a
// plain interpreter entry, leaving stubs and compiled code to Step.
func (t *Thread) execBatch() bool {
	slots := t.sys.Slots
	base := t.CIA
	var es [4]Entry
	for i := range es {
		es[i] = slots.Get(base + uint32(i)*4)
		if es[i].Handle().Kind() != KindInterpreter {
			return false
		}
	}
	for _, e := range es {
		if !t.sys.handlers[e.Handle().Index()](t, e.Opcode()) {
			return true
		}
		t.CIA += 4
		if t.state.Load() != 0 {
			return true
		}
	}
	return true
}

func (t *Thread) runStub(kind StubKind) Status {
	slots := t.sys.Slots
	switch kind {
	case StubFallback:
		e := slots.Cache(t.CIA)
		slots.Set(t.CIA, e)
		return t.dispatch(e)
	case StubRecompilerFallback:
		return t.recompilerFallback()
	case StubBreak:
		return t.breakpointHit()
	case StubCheckTOC:
		return t.checkTOC()
	case StubReturn:
		t.state.Or(StateRet)
		return Return
	}
	t.Fault(fmt.Errorf("0x%08x: stub %d: %w", t.CIA, uint32(kind), ppuerrors.ErrPNotExecutable))
	return t.statusFromState()
}

// recompilerFallback interprets from CIA until control reaches an address
// whose entry is no longer the recompiler fallback, or the thread must stop.
func (t *Thread) recompilerFallback() Status {
	slots := t.sys.Slots
	tables := t.sys.tables
	self := StubHandle(StubRecompilerFallback)
	for {
		op := slots.Get(t.CIA).Opcode()
		if t.sys.handlers[tables.Decode(op)](t, op) {
			t.CIA += 4
			continue
		}
		if slots.Get(t.CIA).Handle() != self {
			break
		}
		if t.state.Load() != 0 && t.CheckState() {
			break
		}
	}
	return t.statusFromState()
}

func (t *Thread) breakpointHit() Status {
	if t.state.Load()&StateDbgStep == 0 {
		log.Info(log.DebuggerMonitoring, "Breakpoint", "thread", t.String(), "cia", t.CIA, "insn", Disasm(t.sys.Slots.Get(t.CIA).Opcode(), t.CIA))
		t.state.Or(StateDbgPause)
	}
	if t.CheckState() {
		return t.statusFromState()
	}
	st := t.dispatch(t.sys.Slots.Cache(t.CIA))
	t.stepDone()
	return st
}

func (t *Thread) checkTOC() Status {
	if toc, ok := t.sys.Slots.TOC(t.CIA); ok && t.GPR[2] != toc {
		log.Error(log.PPUMonitoring, "Unexpected TOC", "thread", t.String(), "cia", t.CIA, "toc", t.GPR[2], "expected", toc)
		if t.sys.Config.PauseOnFault && !t.TestAndSetState(StateDbgPause) && t.CheckState() {
			return t.statusFromState()
		}
	}
	return t.dispatch(t.sys.Slots.Cache(t.CIA))
}
