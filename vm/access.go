package vm

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/Plagman/rpcs3/ppuerrors"
)

// read returns size bytes at addr as a big-endian integer.
func (m *Memory) read(addr uint32, size uint32) (uint64, error) {
	o := addr & 7
	if o+size <= 8 {
		w, err := m.Word(addr, PageReadable)
		if err != nil {
			return 0, err
		}
		v := w.Load() >> (64 - 8*(o+size))
		if size < 8 {
			v &= 1<<(8*size) - 1
		}
		return v, nil
	}
	var v uint64
	for i := uint32(0); i < size; i++ {
		b, err := m.read(addr+i, 1)
		if err != nil {
			return 0, err
		}
		v = v<<8 | b
	}
	return v, nil
}

// write stores size bytes at addr and bumps the reservation counter of the granule.
func (m *Memory) write(addr uint32, size uint32, v uint64, need Flags) error {
	o := addr & 7
	if o+size > 8 {
		for i := uint32(0); i < size; i++ {
			if err := m.write(addr+i, 1, v>>(8*(size-1-i)), need); err != nil {
				return err
			}
		}
		return nil
	}
	w, err := m.Word(addr, need)
	if err != nil {
		return err
	}
	res, _ := m.Reservation(addr)
	base := lockCounter(res)
	shift := 64 - 8*(o+size)
	mask := ^uint64(0)
	if size < 8 {
		mask = (1<<(8*size) - 1) << shift
	}
	w.Store(w.Load()&^mask | (v<<shift)&mask)
	res.Store(base + ResStep)
	return nil
}

func (m *Memory) Read8(addr uint32) (uint8, error) {
	v, err := m.read(addr, 1)
	return uint8(v), err
}

func (m *Memory) Read16(addr uint32) (uint16, error) {
	v, err := m.read(addr, 2)
	return uint16(v), err
}

func (m *Memory) Read32(addr uint32) (uint32, error) {
	v, err := m.read(addr, 4)
	return uint32(v), err
}

func (m *Memory) Read64(addr uint32) (uint64, error) {
	return m.read(addr, 8)
}

// Read128 returns the quadword at a 16-byte aligned address as two big-endian halves.
func (m *Memory) Read128(addr uint32) (hi uint64, lo uint64, err error) {
	addr &^= 15
	if hi, err = m.read(addr, 8); err != nil {
		return 0, 0, err
	}
	lo, err = m.read(addr+8, 8)
	return hi, lo, err
}

func (m *Memory) Write8(addr uint32, v uint8) error {
	return m.write(addr, 1, uint64(v), PageWritable)
}

func (m *Memory) Write16(addr uint32, v uint16) error {
	return m.write(addr, 2, uint64(v), PageWritable)
}

func (m *Memory) Write32(addr uint32, v uint32) error {
	return m.write(addr, 4, uint64(v), PageWritable)
}

func (m *Memory) Write64(addr uint32, v uint64) error {
	return m.write(addr, 8, v, PageWritable)
}

// Write128 stores a quadword at a 16-byte aligned address. Both halves live in
// the same reservation granule and are published under one lock.
func (m *Memory) Write128(addr uint32, hi uint64, lo uint64) error {
	addr &^= 15
	wh, err := m.Word(addr, PageWritable)
	if err != nil {
		return err
	}
	wl, _ := m.Word(addr+8, PageWritable)
	res, _ := m.Reservation(addr)
	base := lockCounter(res)
	wh.Store(hi)
	wl.Store(lo)
	res.Store(base + ResStep)
	return nil
}

// SuperWrite32 stores a word ignoring write protection. Used for code patches.
func (m *Memory) SuperWrite32(addr uint32, v uint32) error {
	if addr&3 != 0 {
		return fmt.Errorf("patch 0x%08x: %w", addr, ppuerrors.ErrMInvalidAddress)
	}
	return m.write(addr, 4, uint64(v), 0)
}

// ReadBytes copies guest memory into a host buffer.
func (m *Memory) ReadBytes(addr uint32, buf []byte) error {
	for i := range buf {
		b, err := m.read(addr+uint32(i), 1)
		if err != nil {
			return err
		}
		buf[i] = byte(b)
	}
	return nil
}

// WriteBytes copies a host buffer into guest memory, ignoring write protection
// when super is set.
func (m *Memory) WriteBytes(addr uint32, data []byte, super bool) error {
	need := PageWritable
	if super {
		need = 0
	}
	for i := 0; i < len(data); {
		a := addr + uint32(i)
		if a&7 == 0 && len(data)-i >= 8 {
			var v uint64
			for _, b := range data[i : i+8] {
				v = v<<8 | uint64(b)
			}
			if err := m.write(a, 8, v, need); err != nil {
				return err
			}
			i += 8
			continue
		}
		if err := m.write(a, 1, uint64(data[i]), need); err != nil {
			return err
		}
		i++
	}
	return nil
}

// lockCounter sets the lock bit of a reservation counter and returns its prior value.
func lockCounter(res *atomic.Uint64) uint64 {
	for i := 0; ; i++ {
		v := res.Load()
		if v&ResLock == 0 && res.CompareAndSwap(v, v|1) {
			return v
		}
		if i > 16 {
			runtime.Gosched()
		}
	}
}
