package ppu

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/Plagman/rpcs3/log"
	"github.com/Plagman/rpcs3/ppuerrors"
	"github.com/Plagman/rpcs3/vm"
)

// Thread is one guest hardware thread: its register file, reservation
// snapshot, control channel and a host goroutine pinned to an OS thread.
type Thread struct {
	ID   uint32
	Name string

	GPR    [32]uint64
	FPR    [32]float64
	VR     [32]V128
	CR     CR
	XER    XER
	LR     uint64
	CTR    uint64
	VRSAVE uint32
	FPSCR  uint32
	VSCR   VSCR
	CIA    uint32

	StackAddr uint32
	StackSize uint32

	raddr uint32
	rtime uint64
	rdata uint64

	prio   atomic.Int32
	joiner atomic.Uint32
	state  atomic.Uint32

	cmdq    CmdQueue
	notify  chan struct{}
	passive vm.Passive

	sys             *System
	currentFunction string
	waitStart       atomic.Int64
	lastErr         atomic.Pointer[error]
	started         atomic.Bool
	done            chan struct{}
}

func (t *Thread) String() string {
	return fmt.Sprintf("PPU[0x%x] %s", t.ID, t.Name)
}

// System returns the owning system.
func (t *Thread) System() *System { return t.sys }

func (t *Thread) State() uint32 { return t.state.Load() }

// AddState raises flags and wakes the thread.
func (t *Thread) AddState(f uint32) {
	t.state.Or(f)
	t.Notify()
}

// RemoveState clears flags and wakes the thread.
func (t *Thread) RemoveState(f uint32) {
	t.state.And(^f)
	t.Notify()
}

// TestAndSetState raises f and reports whether it was already set.
func (t *Thread) TestAndSetState(f uint32) bool {
	return t.state.Or(f)&f != 0
}

// Notify wakes the thread if it is blocked waiting for commands or state changes.
func (t *Thread) Notify() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

func (t *Thread) Prio() int32 { return t.prio.Load() }

func (t *Thread) SetPrio(p int32) { t.prio.Store(p) }

func (t *Thread) Joiner() Joiner { return Joiner(t.joiner.Load()) }

func (t *Thread) SetJoiner(j Joiner) { t.joiner.Store(uint32(j)) }

// LastError returns the most recent guest fault recorded on the thread.
func (t *Thread) LastError() error {
	if p := t.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Fault records a guest program fault and pauses or stops the thread.
func (t *Thread) Fault(err error) {
	t.lastErr.Store(&err)
	log.Error(log.PPUMonitoring, "Guest fault", "thread", t.String(), "cia", t.CIA, "code", ppuerrors.GetErrorName(err), "err", err.Error())
	if t.sys.Config.PauseOnFault {
		t.AddState(StateDbgPause)
		return
	}
	t.AddState(StateStop)
}

// waitNotify blocks until someone calls Notify, releasing memory meanwhile.
func (t *Thread) waitNotify() {
	t.release(func() {
		<-t.notify
	})
}

// release runs a blocking wait with the passive registration dropped.
func (t *Thread) release(wait func()) {
	held := t.passive.Held()
	t.sys.Mem.PassiveUnlock(&t.passive)
	t.waitStart.Store(time.Now().UnixNano())
	wait()
	t.waitStart.Store(0)
	if held {
		t.sys.Mem.PassiveLock(&t.passive)
	}
}

// WaitFor blocks the calling thread's goroutine, with memory released, until
// the deadline or a notification. It must be called from the thread itself.
func (t *Thread) WaitFor(d time.Duration) {
	t.release(func() {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-t.notify:
		case <-timer.C:
		}
	})
}

// CheckState handles pending state flags. It blocks while the thread is
// suspended or paused and reports true when the current execution must end.
func (t *Thread) CheckState() bool {
	for {
		s := t.state.Load()
		if s&(StateStop|StateExit|StateRet) != 0 {
			return true
		}
		if s&StateMemory != 0 {
			t.state.And(^StateMemory)
			if t.passive.Held() {
				t.sys.Mem.PassiveUnlock(&t.passive)
				t.sys.Mem.PassiveLock(&t.passive)
			}
			continue
		}
		if s&StateSignal != 0 {
			t.state.And(^StateSignal)
			continue
		}
		if s&(StateSuspend|StateDbgPause|StateDbgGlobalStop) != 0 {
			t.waitNotify()
			continue
		}
		return false
	}
}

// stepDone turns a pending single step into a pause.
func (t *Thread) stepDone() {
	if t.state.Load()&StateDbgStep != 0 {
		t.state.And(^StateDbgStep)
		t.state.Or(StateDbgPause)
	}
}

// Start launches the thread's host goroutine.
func (t *Thread) Start() {
	if !t.started.CompareAndSwap(false, true) {
		return
	}
	go t.run()
}

func (t *Thread) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(t.done)

	mem := t.sys.Mem
	mem.PassiveLock(&t.passive)
	defer mem.PassiveUnlock(&t.passive)
	log.Debug(log.PPUMonitoring, "Thread started", "thread", t.String())

	for {
		if t.state.Load()&^StateDbgStep != 0 && t.CheckState() {
			if t.state.Load()&(StateStop|StateExit) != 0 {
				break
			}
			t.state.And(^StateRet)
			continue
		}
		cmd := t.CmdWait()
		if cmd == 0 {
			continue
		}
		t.execCommand(cmd)
	}

	if t.Joiner() != Detached {
		t.SetJoiner(Exited)
	}
	t.sys.scheduler().Remove(t)
	log.Debug(log.PPUMonitoring, "Thread finished", "thread", t.String(), "state", StateString(t.state.Load()))
}

// Join waits until the thread's goroutine has finished. It stops nothing.
func (t *Thread) Join() {
	if t.started.Load() {
		<-t.done
	}
}

// Stop asks the thread to finish and wakes it.
func (t *Thread) Stop() {
	t.AddState(StateStop)
}

// Destroy stops and joins the thread, then releases its stack.
func (t *Thread) Destroy() {
	t.Stop()
	t.Join()
	if t.StackAddr != 0 {
		t.sys.Mem.Dealloc(nil, t.StackAddr, vm.Stack)
		t.StackAddr = 0
	}
	t.sys.forget(t)
}

// FastCall runs guest code at addr until it returns to the HLE stop address,
// saving and restoring the caller's CIA, TOC, LR and current function.
func (t *Thread) FastCall(addr uint32, rtoc uint64) {
	oldCIA, oldRTOC, oldLR, oldFunc := t.CIA, t.GPR[2], t.LR, t.currentFunction
	t.CIA = addr
	t.GPR[2] = rtoc
	t.LR = uint64(t.sys.Funcs.ReturnAddr())
	t.currentFunction = ""

	t.exec()

	t.CIA, t.GPR[2], t.LR, t.currentFunction = oldCIA, oldRTOC, oldLR, oldFunc
	t.state.And(^StateRet)
}

// StackPush reserves size bytes on the guest stack and returns their address.
func (t *Thread) StackPush(size uint32, align uint32) (uint32, error) {
	if align < 8 {
		align = 8
	}
	oldSP := uint32(t.GPR[1])
	sp := (oldSP - size) &^ (align - 1)
	sp -= 8
	if sp < t.StackAddr || sp > oldSP {
		err := fmt.Errorf("stack push 0x%x at sp 0x%x (stack 0x%x+0x%x): %w", size, oldSP, t.StackAddr, t.StackSize, ppuerrors.ErrPStackOverflow)
		t.Fault(err)
		return 0, err
	}
	// The pushed region starts zeroed apart from the back chain.
	if err := t.sys.Mem.WriteBytes(sp, make([]byte, oldSP-sp), false); err != nil {
		t.Fault(err)
		return 0, err
	}
	if err := t.sys.Mem.Write64(sp, uint64(oldSP)); err != nil {
		t.Fault(err)
		return 0, err
	}
	t.GPR[1] = uint64(sp)
	return sp + 8, nil
}

// StackPopVerbose releases a StackPush reservation, checking that it is the
// most recent one.
func (t *Thread) StackPopVerbose(addr uint32, size uint32) {
	sp := uint32(t.GPR[1])
	if sp+8 != addr {
		log.Error(log.PPUMonitoring, "Stack inconsistency", "thread", t.String(), "addr", addr, "sp", sp, "size", size)
		return
	}
	old, err := t.sys.Mem.Read64(sp)
	if err != nil {
		t.Fault(err)
		return
	}
	t.GPR[1] = old
}

// GetStackArg returns the address of the i-th stack-passed argument (1-based,
// counted past the eight register arguments).
func (t *Thread) GetStackArg(i uint32, align uint32) uint32 {
	if align != 1 && align != 2 && align != 4 && align != 8 && align != 16 {
		log.Error(log.PPUMonitoring, "GetStackArg: unsupported alignment", "align", align)
		align = 8
	}
	return uint32(t.GPR[1]) + 0x30 + 0x38 + (i-1)*8 + 8 - align
}
