package recompiler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Plagman/rpcs3/log"
	"github.com/Plagman/rpcs3/ppu"
	"github.com/Plagman/rpcs3/ppuerrors"
)

// Backend turns fragments into cacheable objects and objects into host code.
type Backend interface {
	Name() string
	Translate(ctx context.Context, tctx *LinkContext, frag *Fragment) ([]byte, error)
	Link(tctx *LinkContext, blob []byte) (*Object, error)
}

// Object is a linked translation unit: entry points and link variables by
// symbol name.
type Object struct {
	Funcs map[string]ppu.Func
	Vars  map[string]*atomic.Uint64
}

// LinkContext is what compiled code may call back into.
type LinkContext struct {
	sys *ppu.System
}

func NewLinkContext(sys *ppu.System) *LinkContext {
	return &LinkContext{sys: sys}
}

func (l *LinkContext) System() *ppu.System { return l.sys }

// Trap faults the thread from compiled code.
func (l *LinkContext) Trap(t *ppu.Thread, addr uint32, err error) ppu.Status {
	t.Fault(fmt.Errorf("compiled 0x%08x: %w", addr, err))
	return t.PendingStatus()
}

// Check compares r2 with the TOC recorded for the function entry at addr.
// A mismatch is logged and, with pause_on_fault, pauses the thread in place.
// It reports true when the current execution must end.
func (l *LinkContext) Check(t *ppu.Thread, addr uint32, toc uint64) bool {
	if t.GPR[2] == toc {
		return false
	}
	log.Error(log.RecompilerModule, "Unexpected TOC", "thread", t.String(), "cia", addr, "toc", t.GPR[2], "expected", toc)
	return l.sys.Config.PauseOnFault && !t.TestAndSetState(ppu.StateDbgPause) && t.CheckState()
}

// Trace logs block entry for the recompiler module.
func (l *LinkContext) Trace(t *ppu.Thread, addr uint32) {
	log.Trace(log.RecompilerModule, "block", "thread", t.String(), "addr", addr)
}

// linker collects the output of every fragment of one module.
type linker struct {
	mu    sync.Mutex
	funcs map[string]ppu.Func
	vars  map[string]*atomic.Uint64
}

func newLinker() *linker {
	return &linker{funcs: make(map[string]ppu.Func), vars: make(map[string]*atomic.Uint64)}
}

func (lk *linker) add(obj *Object) error {
	lk.mu.Lock()
	defer lk.mu.Unlock()
	for name, fn := range obj.Funcs {
		if _, dup := lk.funcs[name]; dup {
			return fmt.Errorf("duplicate symbol %s: %w", name, ppuerrors.ErrRObjectCorrupt)
		}
		lk.funcs[name] = fn
	}
	for name, v := range obj.Vars {
		lk.vars[name] = v
	}
	return nil
}
