package ppu

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/Plagman/rpcs3/vm"
	"golang.org/x/arch/ppc64/ppc64asm"
)

// Disasm renders one instruction in GNU syntax.
func Disasm(op Opcode, pc uint32) string {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(op))
	inst, err := ppc64asm.Decode(buf[:], binary.BigEndian)
	if err != nil {
		return fmt.Sprintf(".long 0x%08x", uint32(op))
	}
	return ppc64asm.GNUSyntax(inst, uint64(pc))
}

// Frame is one entry of a best-effort guest call stack.
type Frame struct {
	Addr uint32
	SP   uint32
}

// CallStack follows the back chain from r1, reporting each caller frame's
// saved return address while the frame lies inside the writable region around
// r1 with room for a full frame header above it.
func (t *Thread) CallStack() []Frame {
	mem := t.sys.Mem
	r1 := t.GPR[1]
	if r1 > 0xffffffff {
		return nil
	}
	sp := uint32(r1)
	if !mem.CheckAddr(sp, 8, vm.PageWritable) {
		return nil
	}
	stackMin := sp &^ (vm.ProtSize - 1)
	stackMax := uint64(stackMin) + vm.ProtSize
	for stackMin != 0 && mem.CheckAddr(stackMin-vm.ProtSize, vm.ProtSize, vm.PageWritable) {
		stackMin -= vm.ProtSize
	}
	for stackMax < 1<<32 && mem.CheckAddr(uint32(stackMax), vm.ProtSize, vm.PageWritable) {
		stackMax += vm.ProtSize
	}

	var frames []Frame
	cur, err := mem.Read64(sp)
	for err == nil && cur >= uint64(stackMin) && cur+0x200 < stackMax {
		addr, rerr := mem.Read64(uint32(cur) + 16)
		if rerr != nil {
			break
		}
		frames = append(frames, Frame{Addr: uint32(addr), SP: uint32(cur)})
		next, nerr := mem.Read64(uint32(cur))
		if next <= cur {
			break
		}
		cur, err = next, nerr
	}
	return frames
}

// WaitingFor returns how long the thread has been blocked, or zero when running.
func (t *Thread) WaitingFor() time.Duration {
	start := t.waitStart.Load()
	if start == 0 {
		return 0
	}
	return time.Since(time.Unix(0, start))
}

// Dump renders the thread state for debugging.
func (t *Thread) Dump() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", t)
	fmt.Fprintf(&b, "Joiner: %s\n", t.Joiner())
	fmt.Fprintf(&b, "State: %s\n", StateString(t.state.Load()))
	fmt.Fprintf(&b, "Priority: %d\n", t.Prio())
	fmt.Fprintf(&b, "Stack: 0x%x..0x%x\n", t.StackAddr, t.StackAddr+t.StackSize-1)
	if d := t.WaitingFor(); d > 0 {
		fmt.Fprintf(&b, "Waiting: %s\n", d)
	}
	if t.currentFunction != "" {
		fmt.Fprintf(&b, "Current function: %s\n", t.currentFunction)
	}
	e := t.sys.Slots.Get(t.CIA)
	fmt.Fprintf(&b, "CIA: 0x%08x  %s  [%s]\n", t.CIA, Disasm(e.Opcode(), t.CIA), e.Handle())
	if err := t.LastError(); err != nil {
		fmt.Fprintf(&b, "Last fault: %v\n", err)
	}

	b.WriteString("\nRegisters:\n")
	for i := 0; i < 32; i++ {
		fmt.Fprintf(&b, "r%-2d = 0x%016x", i, t.GPR[i])
		if i%4 == 3 {
			b.WriteByte('\n')
		} else {
			b.WriteString("  ")
		}
	}
	for i := 0; i < 32; i++ {
		fmt.Fprintf(&b, "f%-2d = %-24g", i, t.FPR[i])
		if i%4 == 3 {
			b.WriteByte('\n')
		}
	}
	for i := 0; i < 32; i++ {
		hi, lo := t.VR[i].Halves()
		fmt.Fprintf(&b, "v%-2d = 0x%016x%016x\n", i, hi, lo)
	}
	fmt.Fprintf(&b, "CR = 0x%08x\n", uint32(t.CR))
	fmt.Fprintf(&b, "LR = 0x%x\n", t.LR)
	fmt.Fprintf(&b, "CTR = 0x%x\n", t.CTR)
	fmt.Fprintf(&b, "VRSAVE = 0x%08x\n", t.VRSAVE)
	fmt.Fprintf(&b, "XER = [CA=%t | OV=%t | SO=%t | CNT=%d]\n", t.XER.CA, t.XER.OV, t.XER.SO, t.XER.CNT)
	fmt.Fprintf(&b, "FPSCR = 0x%08x\n", t.FPSCR)
	fmt.Fprintf(&b, "VSCR = [SAT=%t | NJ=%t]\n", t.VSCR.SAT, t.VSCR.NJ)
	fmt.Fprintf(&b, "Reservation addr: 0x%x time: 0x%x\n", t.raddr, t.rtime)

	if cmds := t.cmdq.Snapshot(); len(cmds) > 0 {
		b.WriteString("\nCommands:\n")
		for i, c := range cmds {
			fmt.Fprintf(&b, "%d: %s\n", i, c)
		}
	}

	b.WriteString("\nCall stack:\n")
	fmt.Fprintf(&b, "> from 0x%08x (0x0)\n", t.CIA)
	for _, f := range t.CallStack() {
		fmt.Fprintf(&b, "> from 0x%08x (sp=0x%08x)\n", f.Addr, f.SP)
	}
	return b.String()
}
