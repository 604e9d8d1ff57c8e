package ppu

import (
	"reflect"
	"testing"

	"github.com/Plagman/rpcs3/config"
	"github.com/Plagman/rpcs3/ppuerrors"
	"github.com/Plagman/rpcs3/vm"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tb := InterpreterTables()
	require.Equal(t, "ADDI", tb.Name(tb.Decode(insLI3_5)))
	require.Equal(t, "BCLR", tb.Name(tb.Decode(insBLR)))
	require.Equal(t, "SYNC", tb.Name(tb.Decode(0x7c0004ac)))
	require.Equal(t, "MFSPR", tb.Name(tb.Decode(insMFLR31)))
	require.Equal(t, "UNK", tb.Name(tb.Decode(0)))
	require.Equal(t, HandlerID(0), tb.Decode(0))
	require.Len(t, tb.Fast, len(tb.Precise))
}

func TestSIMDPairsCrossPatched(t *testing.T) {
	ptr := func(h Handler) uintptr { return reflect.ValueOf(h).Pointer() }
	for _, wide := range []bool{false, true} {
		tb := buildTables(wide)
		for _, op := range []Opcode{31<<26 | 519<<1, 31<<26 | 679<<1, 4<<26 | 43} {
			id := tb.Decode(op)
			require.NotZero(t, id)
			require.Equal(t, ptr(tb.Precise[id]), ptr(tb.Fast[id]), "%s wide=%t", tb.Name(id), wide)
		}
	}
}

func TestPreciseTracksSaturation(t *testing.T) {
	// vaddsws v0,v1,v2
	op := Opcode(4<<26 | 0<<21 | 1<<16 | 2<<11 | 896)
	for _, precise := range []bool{true, false} {
		sys := newTestSystem(t, config.DecoderFast)
		th := newTestThread(t, sys)
		th.VR[1].SetWord(0, 0x7fffffff)
		th.VR[2].SetWord(0, 1)
		h := InterpreterTables().Select(precise)[InterpreterTables().Decode(op)]
		require.True(t, h(th, op))
		require.Equal(t, uint32(0x7fffffff), th.VR[0].Word(0))
		require.Equal(t, precise, th.VSCR.SAT)
	}
}

func TestRegisterRange(t *testing.T) {
	sys := newTestSystem(t, config.DecoderFast)
	addr := loadProgram(t, sys, insLI3_5, insADDI3_7, insBLR)

	require.True(t, sys.Mem.CheckAddr(addr, 12, vm.PageExecutable))
	e := sys.Slots.Get(addr + 4)
	require.Equal(t, Opcode(insADDI3_7), e.Opcode())
	require.Equal(t, StubHandle(StubFallback), e.Handle())

	other, err := sys.Mem.Alloc(vm.ProtSize, vm.Main, vm.PageSize)
	require.NoError(t, err)
	sys.Slots.RegisterRange(other, 10)
	require.NotZero(t, sys.Slots.Get(other+4))
	require.Zero(t, sys.Slots.Get(other+8))

	sys.Slots.RegisterRange(other+0x100, 0)
	require.Zero(t, sys.Slots.Get(other+0x100))
}

func TestRegisterRangeUnderRecompiler(t *testing.T) {
	sys := newTestSystem(t, config.DecoderLLVM)
	addr := loadProgram(t, sys, insLI3_5, insBLR)
	require.Equal(t, StubHandle(StubRecompilerFallback), sys.Slots.Get(addr).Handle())

	sys.Slots.RegisterFunction(addr, 8, nil)
	require.Equal(t, StubHandle(StubRecompilerFallback), sys.Slots.Get(addr).Handle())
}

func TestRegisterFunction(t *testing.T) {
	sys := newTestSystem(t, config.DecoderFast)
	addr := loadProgram(t, sys, insLI3_5, insADDI3_7, insBLR)

	sys.Slots.RegisterFunction(addr, 12, nil)
	for a := addr; a < addr+12; a += 4 {
		require.Equal(t, sys.Slots.Cache(a), sys.Slots.Get(a))
	}

	// Breakpoint stubs survive re-priming.
	require.True(t, sys.Slots.SetBreakpoint(addr+4))
	sys.Slots.RegisterFunction(addr, 12, nil)
	require.True(t, sys.Slots.HasBreakpoint(addr+4))

	calls := 0
	sys.Slots.RegisterFunction(addr, 0, func(t *Thread) Status {
		calls++
		t.state.Or(StateRet)
		return Return
	})
	require.Equal(t, KindCompiled, sys.Slots.Get(addr).Handle().Kind())
	require.Equal(t, Opcode(insLI3_5), sys.Slots.Get(addr).Opcode())

	th := newTestThread(t, sys)
	th.CIA = addr
	require.Equal(t, Return, th.Step())
	require.Equal(t, 1, calls)
}

func TestBreakpoints(t *testing.T) {
	sys := newTestSystem(t, config.DecoderFast)
	addr := loadProgram(t, sys, insLI3_5, insBLR)

	require.True(t, sys.Slots.SetBreakpoint(addr))
	require.False(t, sys.Slots.SetBreakpoint(addr))
	require.True(t, sys.Slots.HasBreakpoint(addr))
	require.Equal(t, []uint32{addr}, sys.Slots.Breakpoints())
	require.Equal(t, Opcode(insLI3_5), sys.Slots.Get(addr).Opcode())

	require.True(t, sys.Slots.RemoveBreakpoint(addr))
	require.False(t, sys.Slots.RemoveBreakpoint(addr))
	require.Equal(t, sys.Slots.Cache(addr), sys.Slots.Get(addr))
	require.Empty(t, sys.Slots.Breakpoints())

	require.True(t, sys.Slots.ToggleBreakpoint(addr+4))
	require.True(t, sys.Slots.ToggleBreakpoint(addr+4))
	require.False(t, sys.Slots.HasBreakpoint(addr+4))

	llvm := newTestSystem(t, config.DecoderLLVM)
	code := loadProgram(t, llvm, insBLR)
	require.False(t, llvm.Slots.SetBreakpoint(code))
}

func TestBreakpointAfterRangeReregistered(t *testing.T) {
	sys := newTestSystem(t, config.DecoderFast)
	addr := loadProgram(t, sys, insLI3_5, insBLR)

	require.True(t, sys.Slots.SetBreakpoint(addr))
	sys.Slots.RegisterRange(addr, 8)
	require.False(t, sys.Slots.HasBreakpoint(addr))
	require.Empty(t, sys.Slots.Breakpoints())

	require.True(t, sys.Slots.SetBreakpoint(addr))
	require.True(t, sys.Slots.HasBreakpoint(addr))
	require.Equal(t, []uint32{addr}, sys.Slots.Breakpoints())

	sys.Slots.RegisterRange(addr, 8)
	require.False(t, sys.Slots.RemoveBreakpoint(addr))
	require.Equal(t, StubHandle(StubFallback), sys.Slots.Get(addr).Handle())
}

func TestBreakpointPausesThread(t *testing.T) {
	sys := newTestSystem(t, config.DecoderFast)
	addr := loadProgram(t, sys, insLI3_5, insADDI3_7, insBLR)
	require.True(t, sys.Slots.SetBreakpoint(addr+4))

	th := newTestThread(t, sys)
	done := make(chan struct{})
	go func() {
		th.FastCall(addr, 0)
		close(done)
	}()
	require.Eventually(t, func() bool { return th.State()&StateDbgPause != 0 }, waitTimeout, tick)
	require.Equal(t, uint64(5), th.GPR[3])

	th.RemoveState(StateDbgPause)
	<-done
	require.Equal(t, uint64(12), th.GPR[3])
	require.True(t, sys.Slots.HasBreakpoint(addr+4))
}

func TestPatch(t *testing.T) {
	sys := newTestSystem(t, config.DecoderFast)
	addr := loadProgram(t, sys, insLI3_5, insADDI3_7, insBLR)
	sys.Slots.RegisterFunction(addr, 12, nil)

	require.NoError(t, sys.Slots.Patch(addr+4, 0x38630064))
	require.Equal(t, Opcode(0x38630064), sys.Slots.Get(addr+4).Opcode())
	th := newTestThread(t, sys)
	th.FastCall(addr, 0)
	require.Equal(t, uint64(105), th.GPR[3])

	require.True(t, sys.Slots.SetBreakpoint(addr))
	require.NoError(t, sys.Slots.Patch(addr, li(3, 1)))
	require.True(t, sys.Slots.HasBreakpoint(addr))
	w, err := sys.Mem.Read32(addr)
	require.NoError(t, err)
	require.Equal(t, li(3, 1), w)

	err = sys.Slots.Patch(0xf0000000, 0)
	require.ErrorIs(t, err, ppuerrors.ErrMInvalidAddress)
}

func TestPatchUnderRecompiler(t *testing.T) {
	sys := newTestSystem(t, config.DecoderLLVM)
	addr := loadProgram(t, sys, insLI3_5, insBLR)
	require.NoError(t, sys.Slots.Patch(addr, li(3, 9)))
	require.Equal(t, StubHandle(StubRecompilerFallback), sys.Slots.Get(addr).Handle())

	sys.status.Store(int32(SystemRunning))
	err := sys.Slots.Patch(addr, li(3, 10))
	require.ErrorIs(t, err, ppuerrors.ErrRPatchRefused)
}

func TestCheckTOC(t *testing.T) {
	sys := newTestSystem(t, config.DecoderFast)
	sys.Config.PauseOnFault = false
	addr := loadProgram(t, sys, insLI3_5, insBLR)
	sys.Slots.SetTOC(addr, 0x8000)
	require.Equal(t, StubHandle(StubCheckTOC), sys.Slots.Get(addr).Handle())
	toc, ok := sys.Slots.TOC(addr)
	require.True(t, ok)
	require.Equal(t, uint64(0x8000), toc)

	th := newTestThread(t, sys)
	th.FastCall(addr, 0x1234)
	require.Equal(t, uint64(5), th.GPR[3])
	require.Zero(t, th.State()&StateDbgPause)
}
