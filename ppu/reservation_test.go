package ppu

import (
	"sync"
	"testing"
	"time"

	"github.com/Plagman/rpcs3/config"
	"github.com/Plagman/rpcs3/vm"
	"github.com/stretchr/testify/require"
)

const (
	waitTimeout = 5 * time.Second
	tick        = time.Millisecond
)

func forEachGranule(t *testing.T, fn func(t *testing.T, sys *System)) {
	for _, mode := range []string{"on", "off"} {
		t.Run(mode, func(t *testing.T) {
			sys := newTestSystem(t, config.DecoderFast)
			sys.SetGranule(mode)
			fn(t, sys)
		})
	}
}

func allocData(t *testing.T, sys *System) uint32 {
	t.Helper()
	addr, err := sys.Mem.Alloc(vm.ProtSize, vm.Main, vm.ProtSize)
	require.NoError(t, err)
	return addr
}

func TestSelectGranule(t *testing.T) {
	require.Equal(t, "tx", selectGranule("on").Name())
	require.Equal(t, "lock", selectGranule("off").Name())
	auto := selectGranule("auto").Name()
	if hostHasRTM() {
		require.Equal(t, "tx", auto)
	} else {
		require.Equal(t, "lock", auto)
	}
}

func TestReservationRoundTrip(t *testing.T) {
	forEachGranule(t, func(t *testing.T, sys *System) {
		addr := allocData(t, sys)
		require.NoError(t, sys.Mem.Write64(addr, 0x1111111122222222))
		th := newTestThread(t, sys)

		v, ok := th.Lwarx(addr + 4)
		require.True(t, ok)
		require.Equal(t, uint32(0x22222222), v)
		require.True(t, th.Stwcx(addr+4, 0x33333333))
		got, err := sys.Mem.Read64(addr)
		require.NoError(t, err)
		require.Equal(t, uint64(0x1111111133333333), got)

		// The reservation is consumed by the first store conditional.
		require.False(t, th.Stwcx(addr+4, 0x44444444))

		d, ok := th.Ldarx(addr)
		require.True(t, ok)
		require.Equal(t, uint64(0x1111111133333333), d)
		require.True(t, th.Stdcx(addr, 7))
		got, err = sys.Mem.Read64(addr)
		require.NoError(t, err)
		require.Equal(t, uint64(7), got)
	})
}

func TestReservationLostOnGranuleStore(t *testing.T) {
	forEachGranule(t, func(t *testing.T, sys *System) {
		addr := allocData(t, sys)
		a := newTestThread(t, sys)
		b := newTestThread(t, sys)

		_, ok := a.Lwarx(addr)
		require.True(t, ok)
		_, ok = b.Lwarx(addr)
		require.True(t, ok)
		require.True(t, b.Stwcx(addr, 1))
		require.False(t, a.Stwcx(addr, 2))

		// A plain store elsewhere in the 128-byte granule also breaks it.
		_, ok = a.Lwarx(addr)
		require.True(t, ok)
		require.NoError(t, sys.Mem.Write8(addr+100, 0xff))
		require.False(t, a.Stwcx(addr, 3))

		v, err := sys.Mem.Read32(addr)
		require.NoError(t, err)
		require.Equal(t, uint32(1), v)

		// Another granule does not interfere.
		_, ok = a.Lwarx(addr)
		require.True(t, ok)
		require.NoError(t, sys.Mem.Write8(addr+vm.ResGranule, 0xff))
		require.True(t, a.Stwcx(addr, 4))
	})
}

func TestStoreConditionalMismatch(t *testing.T) {
	forEachGranule(t, func(t *testing.T, sys *System) {
		addr := allocData(t, sys)
		th := newTestThread(t, sys)

		require.False(t, th.Stwcx(addr, 1))
		_, ok := th.Lwarx(addr)
		require.True(t, ok)
		require.False(t, th.Stwcx(addr+8, 1))
		require.Zero(t, th.raddr)

		_, ok = th.Lwarx(addr)
		require.True(t, ok)
		require.False(t, th.Stwcx(addr+2, 1))
		require.Zero(t, th.raddr)

		_, ok = th.Lwarx(addr + 2)
		require.False(t, ok)
		require.Error(t, th.LastError())
	})
}

func TestAtomicIncrementContention(t *testing.T) {
	const (
		workers = 4
		rounds  = 500
	)
	forEachGranule(t, func(t *testing.T, sys *System) {
		addr := allocData(t, sys)
		threads := make([]*Thread, workers)
		for i := range threads {
			threads[i] = newTestThread(t, sys)
		}

		var wg sync.WaitGroup
		for _, th := range threads {
			wg.Add(1)
			go func(th *Thread) {
				defer wg.Done()
				for i := 0; i < rounds; i++ {
					for {
						v, ok := th.Lwarx(addr)
						if ok && th.Stwcx(addr, v+1) {
							break
						}
					}
				}
			}(th)
		}
		wg.Wait()

		v, err := sys.Mem.Read32(addr)
		require.NoError(t, err)
		require.Equal(t, uint32(workers*rounds), v)
	})
}

func TestReservationInstructions(t *testing.T) {
	sys := newTestSystem(t, config.DecoderFast)
	addr := allocData(t, sys)
	require.NoError(t, sys.Mem.Write32(addr, 41))

	// lwarx r5,0,r4 ; addi r5,r5,1 ; stwcx. r5,0,r4 ; blr
	code := loadProgram(t, sys,
		31<<26|5<<21|0<<16|4<<11|20<<1,
		14<<26|5<<21|5<<16|1,
		31<<26|5<<21|0<<16|4<<11|150<<1|1,
		insBLR,
	)
	th := newTestThread(t, sys)
	th.GPR[4] = uint64(addr)
	th.FastCall(code, 0)

	v, err := sys.Mem.Read32(addr)
	require.NoError(t, err)
	require.Equal(t, uint32(42), v)
	require.True(t, th.CR.Bit(2))
}
