package ppu

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

// CmdTag identifies a thread control command. Zero marks an empty cell.
type CmdTag uint32

const (
	CmdOpcode CmdTag = iota + 1
	CmdSetGPR
	CmdSetArgs
	CmdLLECall
	CmdHLECall
	CmdPtrCall
	CmdInitialize
	CmdSleep
	CmdResetStack
)

func (c CmdTag) String() string {
	switch c {
	case CmdOpcode:
		return "opcode"
	case CmdSetGPR:
		return "set_gpr"
	case CmdSetArgs:
		return "set_args"
	case CmdLLECall:
		return "lle_call"
	case CmdHLECall:
		return "hle_call"
	case CmdPtrCall:
		return "ptr_call"
	case CmdInitialize:
		return "initialize"
	case CmdSleep:
		return "sleep"
	case CmdResetStack:
		return "reset_stack"
	}
	return fmt.Sprintf("cmd(%d)", uint32(c))
}

// Cmd is a command head cell: tag in the high word, argument in the low word.
// Payload cells following a head carry raw 64-bit values.
type Cmd uint64

func MakeCmd(tag CmdTag, arg uint32) Cmd { return Cmd(uint64(tag)<<32 | uint64(arg)) }

func (c Cmd) Tag() CmdTag { return CmdTag(c >> 32) }
func (c Cmd) Arg() uint32 { return uint32(c) }

func (c Cmd) String() string { return fmt.Sprintf("%s(0x%x)", c.Tag(), c.Arg()) }

const (
	cmdQueueSize = 64
	cmdSpin      = 100
)

// CmdQueue is a bounded many-producer single-consumer ring of 64-bit cells.
// Producers reserve a run of cells, write the tail cells, then publish the
// head; the consumer only ever looks at the head cell.
type CmdQueue struct {
	push  atomic.Uint32
	pop   atomic.Uint32
	cells [cmdQueueSize]atomic.Uint64
}

// PushBegin reserves count contiguous cells and returns the first position.
// It waits while the ring is full.
func (q *CmdQueue) PushBegin(count uint32) uint32 {
	if count == 0 || count > cmdQueueSize {
		panic(fmt.Sprintf("cmd queue: invalid reservation of %d cells", count))
	}
	for i := 0; ; i++ {
		pos := q.push.Load()
		if pos+count-q.pop.Load() > cmdQueueSize {
			if i > cmdSpin {
				runtime.Gosched()
			}
			continue
		}
		if q.push.CompareAndSwap(pos, pos+count) {
			return pos
		}
	}
}

func (q *CmdQueue) cell(pos uint32) *atomic.Uint64 {
	return &q.cells[pos%cmdQueueSize]
}

// Publish writes cells at pos, head last.
func (q *CmdQueue) Publish(pos uint32, cells []uint64) {
	for i := len(cells) - 1; i > 0; i-- {
		q.cell(pos + uint32(i)).Store(cells[i])
	}
	q.cell(pos).Store(cells[0])
}

// Head returns the cell at the consumer position.
func (q *CmdQueue) Head() Cmd {
	return Cmd(q.cell(q.pop.Load()).Load())
}

// Get returns the i-th cell after the consumer position.
func (q *CmdQueue) Get(i uint32) uint64 {
	return q.cell(q.pop.Load() + i).Load()
}

// PopEnd consumes the head cell and its used payload cells.
func (q *CmdQueue) PopEnd(used uint32) {
	pos := q.pop.Load()
	q.cell(pos).Swap(0)
	for i := uint32(1); i <= used; i++ {
		q.cell(pos + i).Store(0)
	}
	q.pop.Store(pos + used + 1)
}

// Len returns the number of reserved cells not yet consumed.
func (q *CmdQueue) Len() uint32 {
	return q.push.Load() - q.pop.Load()
}

// Snapshot returns the published head commands without consuming them.
func (q *CmdQueue) Snapshot() []Cmd {
	var out []Cmd
	pos, end := q.pop.Load(), q.push.Load()
	for pos != end {
		c := Cmd(q.cell(pos).Load())
		if c == 0 {
			break
		}
		out = append(out, c)
		pos += 1 + payloadCells(c)
	}
	return out
}

func payloadCells(c Cmd) uint32 {
	switch c.Tag() {
	case CmdSetGPR, CmdPtrCall:
		return 1
	case CmdSetArgs:
		return c.Arg()
	}
	return 0
}

// CmdPush enqueues one command with its payload cells.
func (t *Thread) CmdPush(c Cmd, payload ...uint64) {
	cells := make([]uint64, 0, 1+len(payload))
	cells = append(cells, uint64(c))
	t.CmdList(append(cells, payload...))
}

// CmdList enqueues a pre-encoded batch of cells. The consumer observes the
// whole batch at once because its first head cell is written last.
func (t *Thread) CmdList(cells []uint64) {
	if len(cells) == 0 {
		return
	}
	pos := t.cmdq.PushBegin(uint32(len(cells)))
	t.cmdq.Publish(pos, cells)
	t.Notify()
}

// CmdGet returns the i-th cell of the command being consumed.
func (t *Thread) CmdGet(i uint32) uint64 {
	return t.cmdq.Get(i)
}

// CmdPop consumes the current command and used payload cells.
func (t *Thread) CmdPop(used uint32) {
	t.cmdq.PopEnd(used)
}

// CmdWait returns the next published command head. It spins briefly, then
// blocks; it returns zero without consuming anything when state flags need
// attention, including stop.
func (t *Thread) CmdWait() Cmd {
	for i := 0; ; i++ {
		if t.state.Load()&(StateStop|StateExit) != 0 {
			return 0
		}
		if c := t.cmdq.Head(); c != 0 {
			return c
		}
		if i < cmdSpin {
			continue
		}
		if t.state.Load()&^StateDbgStep != 0 {
			return 0
		}
		t.waitNotify()
		i = 0
	}
}
