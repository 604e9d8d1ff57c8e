package ppu

import (
	"context"
	"fmt"

	"github.com/Plagman/rpcs3/log"
	"github.com/Plagman/rpcs3/ppuerrors"
)

// maxSetArgs is the number of argument registers (r3..r10).
const maxSetArgs = 8

func (t *Thread) invalidCommand(c Cmd, used uint32) {
	if n := t.cmdq.Len(); used >= n {
		used = n - 1
	}
	t.CmdPop(used)
	t.Fault(fmt.Errorf("%s: %w", c, ppuerrors.ErrPInvalidCommand))
}

// execCommand consumes and runs the command at the head of the queue.
func (t *Thread) execCommand(c Cmd) {
	arg := c.Arg()
	log.Trace(log.PPUMonitoring, "Command", "thread", t.String(), "cmd", c.String())
	switch c.Tag() {
	case CmdOpcode:
		t.CmdPop(0)
		op := Opcode(arg)
		t.sys.handlers[t.sys.tables.Decode(op)](t, op)
	case CmdSetGPR:
		if arg >= 32 {
			t.invalidCommand(c, 1)
			return
		}
		t.GPR[arg] = t.CmdGet(1)
		t.CmdPop(1)
	case CmdSetArgs:
		if arg > maxSetArgs {
			t.invalidCommand(c, arg)
			return
		}
		for i := uint32(0); i < arg; i++ {
			t.GPR[3+i] = t.CmdGet(1 + i)
		}
		t.CmdPop(arg)
	case CmdLLECall:
		opd := arg
		if arg < 32 {
			opd = uint32(t.GPR[arg])
		}
		t.CmdPop(0)
		entry, err := t.sys.Mem.Read32(opd)
		if err != nil {
			t.Fault(err)
			return
		}
		toc, err := t.sys.Mem.Read32(opd + 4)
		if err != nil {
			t.Fault(err)
			return
		}
		t.FastCall(entry, uint64(toc))
	case CmdHLECall:
		t.CmdPop(0)
		t.sys.Funcs.Call(t, arg)
	case CmdPtrCall:
		idx := t.CmdGet(1)
		t.CmdPop(1)
		fn := t.sys.callback(idx)
		if fn == nil {
			t.Fault(fmt.Errorf("%s: callback %d: %w", c, idx, ppuerrors.ErrPInvalidCommand))
			return
		}
		fn(t)
	case CmdInitialize:
		t.CmdPop(0)
		if err := t.sys.Initialize(context.Background()); err != nil {
			log.Error(log.PPUMonitoring, "Initialization failed", "thread", t.String(), "err", err)
		}
	case CmdSleep:
		t.CmdPop(0)
		t.sys.scheduler().Sleep(t, 0)
	case CmdResetStack:
		t.CmdPop(0)
		t.GPR[1] = uint64(t.StackAddr + t.StackSize - 0x70)
	default:
		t.invalidCommand(c, 0)
	}
}
