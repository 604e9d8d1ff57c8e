package ppu

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"github.com/Plagman/rpcs3/config"
	"github.com/Plagman/rpcs3/vm"
	"github.com/stretchr/testify/require"
)

const (
	insLI3_5    = 0x38600005 // li r3,5
	insADDI3_7  = 0x38630007 // addi r3,r3,7
	insBLR      = 0x4e800020
	insMFLR31   = 0x7fe802a6
	insMTLR31   = 0x7fe803a6
	insSC       = 0x44000002
	insSTW3_0_4 = 0x90640000 // stw r3,0(r4)
)

func li(rd uint32, v int16) uint32 { return 14<<26 | rd<<21 | uint32(uint16(v)) }

func bl(from, to uint32) uint32 { return 18<<26 | (to-from)&0x03fffffc | 1 }

func newTestSystem(t *testing.T, decoder config.Decoder) *System {
	t.Helper()
	cfg := config.Default()
	cfg.Decoder = decoder
	cfg.UseRTM = "off"
	sys, err := NewSystem(cfg, vm.New())
	require.NoError(t, err)
	return sys
}

// loadProgram copies words into fresh guest memory and registers them as code.
func loadProgram(t *testing.T, sys *System, words ...uint32) uint32 {
	t.Helper()
	size := uint32(len(words)) * 4
	addr, err := sys.Mem.Alloc(size, vm.Main, vm.PageSize)
	require.NoError(t, err)
	buf := make([]byte, size)
	for i, w := range words {
		binary.BigEndian.PutUint32(buf[i*4:], w)
	}
	require.NoError(t, sys.Mem.WriteBytes(addr, buf, false))
	sys.Slots.RegisterRange(addr, size)
	return addr
}

// newTestThread returns an unstarted thread usable from the test goroutine.
func newTestThread(t *testing.T, sys *System) *Thread {
	t.Helper()
	th, err := sys.NewThread(ThreadParams{Name: t.Name(), StackSize: 0x10000})
	require.NoError(t, err)
	th.state.Store(0)
	return th
}

func TestFastCallRunsToReturn(t *testing.T) {
	for _, dec := range []config.Decoder{config.DecoderPrecise, config.DecoderFast, config.DecoderLLVM} {
		t.Run(string(dec), func(t *testing.T) {
			sys := newTestSystem(t, dec)
			addr := loadProgram(t, sys, insLI3_5, insADDI3_7, insBLR)
			th := newTestThread(t, sys)
			th.CIA = 0x1234
			th.LR = 0x5678

			th.FastCall(addr, 0x99)
			require.Equal(t, uint64(12), th.GPR[3])
			require.Equal(t, uint32(0x1234), th.CIA)
			require.Equal(t, uint64(0x5678), th.LR)
			require.Zero(t, th.State()&StateRet)

			th.GPR[3] = 0
			th.FastCall(addr, 0x99)
			require.Equal(t, uint64(12), th.GPR[3])
		})
	}
}

func TestFallbackHealsToInterpreter(t *testing.T) {
	sys := newTestSystem(t, config.DecoderFast)
	addr := loadProgram(t, sys, insLI3_5, insADDI3_7, insBLR)
	require.Equal(t, StubHandle(StubFallback), sys.Slots.Get(addr).Handle())

	th := newTestThread(t, sys)
	th.FastCall(addr, 0)
	for a := addr; a < addr+12; a += 4 {
		e := sys.Slots.Get(a)
		require.Equal(t, KindInterpreter, e.Handle().Kind(), "0x%x", a)
		require.Equal(t, sys.Slots.Cache(a), e)
	}
}

func TestHLECallFromGuest(t *testing.T) {
	sys := newTestSystem(t, config.DecoderPrecise)
	idx, err := sys.Funcs.Register("add_one", func(t *Thread) error {
		t.GPR[3]++
		return nil
	})
	require.NoError(t, err)
	got, ok := sys.Funcs.Index("add_one")
	require.True(t, ok)
	require.Equal(t, idx, got)

	// The bl target depends on the load address, so patch it in afterwards.
	addr := loadProgram(t, sys, insMFLR31, li(3, 41), 0, insMTLR31, insBLR)
	require.NoError(t, sys.Slots.Patch(addr+8, bl(addr+8, sys.Funcs.FuncAddr(idx))))

	th := newTestThread(t, sys)
	th.FastCall(addr, 0)
	require.Equal(t, uint64(42), th.GPR[3])
	require.NoError(t, th.LastError())
}

func TestUnregisteredHLEFaults(t *testing.T) {
	sys := newTestSystem(t, config.DecoderFast)
	th := newTestThread(t, sys)
	th.FastCall(sys.Funcs.FuncAddr(0), 0)
	require.Error(t, th.LastError())
	require.NotZero(t, th.State()&StateStop)
}

func TestUnknownOpcodeStopsThread(t *testing.T) {
	sys := newTestSystem(t, config.DecoderFast)
	addr := loadProgram(t, sys, 0, insBLR)
	th := newTestThread(t, sys)
	th.FastCall(addr, 0)
	require.Error(t, th.LastError())
	require.NotZero(t, th.State()&StateStop)
}

func TestSyscalls(t *testing.T) {
	sys := newTestSystem(t, config.DecoderFast)
	var tty bytes.Buffer
	sys.TTY = &tty

	data, err := sys.Mem.Alloc(vm.ProtSize, vm.Main, 0)
	require.NoError(t, err)
	require.NoError(t, sys.Mem.WriteBytes(data, []byte("hello"), false))

	addr := loadProgram(t, sys, li(11, 403), insSC, li(11, 147), insSC, insBLR)
	th := newTestThread(t, sys)
	th.GPR[3], th.GPR[4], th.GPR[5], th.GPR[6] = 0, uint64(data), 5, uint64(data+0x100)
	th.FastCall(addr, 0)

	require.Equal(t, "hello", tty.String())
	n, err := sys.Mem.Read32(data + 0x100)
	require.NoError(t, err)
	require.Equal(t, uint32(5), n)
	require.Equal(t, uint64(timebaseFrequency), th.GPR[3])

	unknown := loadProgram(t, sys, li(11, 9999), insSC, insBLR)
	th.FastCall(unknown, 0)
	require.Equal(t, uint64(cellENOSYS), th.GPR[3])
}

func TestTTYWriteLengths(t *testing.T) {
	sys := newTestSystem(t, config.DecoderFast)
	var tty bytes.Buffer
	sys.TTY = &tty
	th := newTestThread(t, sys)

	data, err := sys.Mem.Alloc(3*vm.ProtSize, vm.Main, 0)
	require.NoError(t, err)
	payload := bytes.Repeat([]byte("0123456789"), 1000)
	require.NoError(t, sys.Mem.WriteBytes(data, payload, false))
	out := data + 3*vm.ProtSize - 4

	for _, n := range []uint64{0, 0xffffffff, 0x80000000} {
		th.GPR[3], th.GPR[4], th.GPR[5], th.GPR[6] = 0, uint64(data), n, uint64(out)
		require.Equal(t, uint64(cellOK), sysTTYWrite(th), "length 0x%x", n)
	}
	require.Zero(t, tty.Len())
	written, err := sys.Mem.Read32(out)
	require.NoError(t, err)
	require.Zero(t, written)

	th.GPR[5] = 0x7fffffff
	require.Equal(t, uint64(cellEFAULT), sysTTYWrite(th))
	require.Zero(t, tty.Len())

	th.GPR[5] = uint64(len(payload))
	require.Equal(t, uint64(cellOK), sysTTYWrite(th))
	require.Equal(t, payload, tty.Bytes())
	written, err = sys.Mem.Read32(out)
	require.NoError(t, err)
	require.Equal(t, uint32(len(payload)), written)
}

func TestThreadRunsEntryAndExits(t *testing.T) {
	sys := newTestSystem(t, config.DecoderFast)
	code := loadProgram(t, sys, insSTW3_0_4, li(11, 41), insSC)

	data, err := sys.Mem.Alloc(vm.ProtSize, vm.Main, 0)
	require.NoError(t, err)
	require.NoError(t, sys.Mem.Write32(data, code))
	require.NoError(t, sys.Mem.Write32(data+4, 0))

	th, err := sys.NewThread(ThreadParams{Name: "main", Entry: data, Arg0: 7, Arg1: uint64(data + 0x10), Prio: 1000, StackSize: 0x4000})
	require.NoError(t, err)
	require.Len(t, th.cmdq.Snapshot(), 2)
	sys.Run(th)

	done := make(chan struct{})
	go func() {
		th.Join()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("thread did not exit")
	}

	v, err := sys.Mem.Read32(data + 0x10)
	require.NoError(t, err)
	require.Equal(t, uint32(7), v)
	require.Equal(t, Exited, th.Joiner())
	require.Equal(t, SystemRunning, sys.Status())

	th.Destroy()
	require.Nil(t, sys.Thread(th.ID))
}

func TestStackPushPop(t *testing.T) {
	sys := newTestSystem(t, config.DecoderFast)
	th := newTestThread(t, sys)
	sp := th.GPR[1]

	a, err := th.StackPush(0x20, 16)
	require.NoError(t, err)
	require.Zero(t, a%16)
	require.Less(t, uint64(a), sp)
	th.StackPopVerbose(a, 0x20)
	require.Equal(t, sp, th.GPR[1])

	_, err = th.StackPush(th.StackSize*2, 8)
	require.Error(t, err)

	require.Equal(t, uint32(sp)+0x68, th.GetStackArg(1, 8))
	require.Equal(t, uint32(sp)+0x74, th.GetStackArg(2, 4))
}

func TestStackPushZeroesFrame(t *testing.T) {
	sys := newTestSystem(t, config.DecoderFast)
	th := newTestThread(t, sys)
	sp := uint32(th.GPR[1])

	dirty := bytes.Repeat([]byte{0xcc}, 0x100)
	require.NoError(t, sys.Mem.WriteBytes(sp-0x100, dirty, false))

	a, err := th.StackPush(0x40, 16)
	require.NoError(t, err)
	newSP := uint32(th.GPR[1])
	require.Equal(t, a-8, newSP)

	chain, err := sys.Mem.Read64(newSP)
	require.NoError(t, err)
	require.Equal(t, uint64(sp), chain)

	frame := make([]byte, sp-newSP-8)
	require.NoError(t, sys.Mem.ReadBytes(newSP+8, frame))
	require.Equal(t, make([]byte, len(frame)), frame)

	below := make([]byte, 8)
	require.NoError(t, sys.Mem.ReadBytes(newSP-8, below))
	require.Equal(t, dirty[:8], below)
}

func TestDumpAndDisasm(t *testing.T) {
	require.NotContains(t, Disasm(insLI3_5, 0), ".long")
	require.Contains(t, Disasm(insBLR, 0), "blr")

	sys := newTestSystem(t, config.DecoderFast)
	addr := loadProgram(t, sys, insLI3_5, insBLR)
	th := newTestThread(t, sys)
	th.CIA = addr
	th.CmdPush(MakeCmd(CmdSleep, 0))
	out := th.Dump()
	require.Contains(t, out, "Registers:")
	require.Contains(t, out, "sleep(0x0)")
	require.Contains(t, out, "Call stack:")
}

func TestCallStackFollowsBackChain(t *testing.T) {
	sys := newTestSystem(t, config.DecoderFast)
	addr := loadProgram(t, sys, insLI3_5, insBLR, insBLR)
	th := newTestThread(t, sys)

	sp := th.StackAddr + 0x1000
	caller := th.StackAddr + 0x2000
	outer := th.StackAddr + 0x3000
	th.GPR[1] = uint64(sp)
	mem := sys.Mem
	require.NoError(t, mem.Write64(sp, uint64(caller)))
	require.NoError(t, mem.Write64(sp+16, 0))
	require.NoError(t, mem.Write64(caller, uint64(outer)))
	require.NoError(t, mem.Write64(caller+16, uint64(addr+8)))
	require.NoError(t, mem.Write64(outer, 0))
	require.NoError(t, mem.Write64(outer+16, uint64(addr+4)))

	require.Equal(t, []Frame{{Addr: addr + 8, SP: caller}, {Addr: addr + 4, SP: outer}}, th.CallStack())
	require.Contains(t, th.Dump(), fmt.Sprintf("> from 0x%08x (sp=0x%08x)", addr+8, caller))

	// A chain running into the top of the stack stops short of it.
	top := th.StackAddr + th.StackSize - 0x100
	require.NoError(t, mem.Write64(outer, uint64(top)))
	require.NoError(t, mem.Write64(top+16, uint64(addr)))
	require.Len(t, th.CallStack(), 2)
}
