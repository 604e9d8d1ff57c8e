package vm

import (
	"errors"
	"sync"
	"testing"

	"github.com/Plagman/rpcs3/ppuerrors"
	"github.com/stretchr/testify/require"
)

func TestBigEndianAccess(t *testing.T) {
	m := New()
	require.NoError(t, m.Map(0x10000, 0x1000, PageReadable|PageWritable))

	require.NoError(t, m.Write32(0x10000, 0x11223344))
	b, err := m.Read8(0x10000)
	require.NoError(t, err)
	require.Equal(t, uint8(0x11), b)
	h, err := m.Read16(0x10002)
	require.NoError(t, err)
	require.Equal(t, uint16(0x3344), h)

	require.NoError(t, m.Write64(0x10008, 0x0102030405060708))
	w, err := m.Read32(0x1000c)
	require.NoError(t, err)
	require.Equal(t, uint32(0x05060708), w)

	// crosses a word boundary
	require.NoError(t, m.Write32(0x10006, 0xAABBCCDD))
	d, err := m.Read64(0x10000)
	require.NoError(t, err)
	require.Equal(t, uint64(0x11223344_0000AABB), d)
	w, err = m.Read32(0x10006)
	require.NoError(t, err)
	require.Equal(t, uint32(0xAABBCCDD), w)

	require.NoError(t, m.Write128(0x10010, 1, 2))
	hi, lo, err := m.Read128(0x10010)
	require.NoError(t, err)
	require.Equal(t, uint64(1), hi)
	require.Equal(t, uint64(2), lo)
}

func TestProtection(t *testing.T) {
	m := New()
	_, err := m.Read32(0x20000)
	require.True(t, errors.Is(err, ppuerrors.ErrPAccessViolation))

	require.NoError(t, m.Map(0x20000, 0x2000, PageReadable))
	require.True(t, m.CheckAddr(0x20000, 0x2000, PageReadable))
	require.False(t, m.CheckAddr(0x20000, 0x2000, PageWritable))
	require.False(t, m.CheckAddr(0x21000, 0x2000, PageReadable))

	err = m.Write32(0x20000, 1)
	require.True(t, errors.Is(err, ppuerrors.ErrPAccessViolation))
	require.NoError(t, m.SuperWrite32(0x20000, 7))
	v, err := m.Read32(0x20000)
	require.NoError(t, err)
	require.Equal(t, uint32(7), v)

	require.True(t, m.PageProtect(0x21000, 0x1000, PageWritable|PageExecutable, 0))
	require.True(t, m.CheckAddr(0x21000, 4, PageExecutable))
	require.False(t, m.CheckAddr(0x20000, 4, PageExecutable))

	err = m.Map(0x21000, 0x1000, PageReadable)
	require.True(t, errors.Is(err, ppuerrors.ErrMAlreadyMapped))

	m.Unmap(nil, 0x20000, 0x2000)
	require.False(t, m.CheckAddr(0x20000, 4, PageReadable))
}

func TestStoreBumpsReservation(t *testing.T) {
	m := New()
	require.NoError(t, m.Map(0x10000, 0x1000, PageReadable|PageWritable))

	before := m.ResAcquire(0x10080)
	require.NoError(t, m.Write8(0x100ff, 1))
	require.Equal(t, before+ResStep, m.ResAcquire(0x10080))
	// other granule untouched
	require.Equal(t, uint64(0), m.ResAcquire(0x10000))

	v, err := m.ResLock(0x10000)
	require.NoError(t, err)
	require.Equal(t, uint64(1), m.ResAcquire(0x10000)&ResLock)
	m.ResRelease(0x10000, v+ResStep)
	require.Equal(t, uint64(ResStep), m.ResAcquire(0x10000))

	m.ResUpdate(0x10000)
	require.Equal(t, uint64(2*ResStep), m.ResAcquire(0x10000))
}

func TestConcurrentByteStores(t *testing.T) {
	m := New()
	require.NoError(t, m.Map(0x10000, 0x1000, PageReadable|PageWritable))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for n := 0; n < 1000; n++ {
				require.NoError(t, m.Write8(0x10000+uint32(i), uint8(i+1)))
			}
		}(i)
	}
	wg.Wait()
	v, err := m.Read64(0x10000)
	require.NoError(t, err)
	require.Equal(t, uint64(0x0102030405060708), v)
	require.Equal(t, uint64(8000*ResStep), m.ResAcquire(0x10000))
}

func TestAllocator(t *testing.T) {
	m := New()
	a, err := m.Alloc(0x1800, Main, 0)
	require.NoError(t, err)
	require.Equal(t, uint32(0x10000), a)
	b, err := m.Alloc(0x1000, Main, 0x10000)
	require.NoError(t, err)
	require.Equal(t, uint32(0x20000), b)
	c, err := m.Alloc(0x1000, Main, 0)
	require.NoError(t, err)
	require.Equal(t, uint32(0x12000), c)

	require.Equal(t, uint32(0x2000), m.Dealloc(nil, a, Main))
	require.Equal(t, uint32(0), m.Dealloc(nil, a, Main))
	require.False(t, m.CheckAddr(a, 4, PageReadable))
	again, err := m.Alloc(0x1000, Main, 0)
	require.NoError(t, err)
	require.Equal(t, a, again)

	s, err := m.AllocStack(0x4000)
	require.NoError(t, err)
	require.Equal(t, uint32(0xD0000000), s)
	require.True(t, m.CheckAddr(s, 0x4000, PageReadable|PageWritable))
}

func TestAllocFixed(t *testing.T) {
	m := New()
	require.NoError(t, m.AllocFixed(0x400000, 0x1800, Main))
	require.True(t, m.CheckAddr(0x400000, 0x2000, PageReadable|PageWritable))
	require.ErrorIs(t, m.AllocFixed(0x401000, 0x1000, Main), ppuerrors.ErrMAlreadyMapped)
	require.ErrorIs(t, m.AllocFixed(0x400000, 0x1000, Stack), ppuerrors.ErrMInvalidAddress)

	// First-fit allocation skips the fixed range.
	a, err := m.Alloc(0x3f0000, Main, 0)
	require.NoError(t, err)
	require.Equal(t, uint32(0x10000), a)
	b, err := m.Alloc(0x1000, Main, 0)
	require.NoError(t, err)
	require.Equal(t, uint32(0x402000), b)
	require.Equal(t, uint32(0x2000), m.Dealloc(nil, 0x400000, Main))
}

func TestExclusiveWaitsForReaders(t *testing.T) {
	m := New()
	var reader Passive
	m.PassiveLock(&reader)
	require.True(t, reader.Held())

	done := make(chan struct{})
	go func() {
		m.Exclusive(nil, func() {})
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("exclusive section ran while a reader was registered")
	default:
	}
	m.PassiveUnlock(&reader)
	<-done

	// the caller's own registration does not block it
	m.PassiveLock(&reader)
	m.Exclusive(&reader, func() {})
	require.True(t, reader.Held())
	m.PassiveUnlock(&reader)
}
