package vm

import (
	"fmt"

	"github.com/Plagman/rpcs3/log"
	"github.com/Plagman/rpcs3/ppuerrors"
	"golang.org/x/exp/slices"
)

// Location selects an allocation area.
type Location int

const (
	Main Location = iota
	User64K
	Stack
)

func (l Location) String() string {
	switch l {
	case Main:
		return "main"
	case User64K:
		return "user64k"
	case Stack:
		return "stack"
	}
	return fmt.Sprintf("location(%d)", int(l))
}

type area struct {
	base uint32
	size uint32
}

var defaultAreas = map[Location]area{
	Main:    {base: 0x00010000, size: 0x2FFF0000},
	User64K: {base: 0x30000000, size: 0x10000000},
	Stack:   {base: 0xD0000000, size: 0x10000000},
}

// block is a first-fit allocator over one area.
type block struct {
	base uint32
	size uint32
	used map[uint32]uint32 // addr -> size
}

func (b *block) find(size uint32, alignment uint32) (uint32, bool) {
	starts := make([]uint32, 0, len(b.used))
	for s := range b.used {
		starts = append(starts, s)
	}
	slices.Sort(starts)
	cur := uint64(b.base)
	for _, s := range starts {
		c := (cur + uint64(alignment) - 1) &^ uint64(alignment-1)
		if c+uint64(size) <= uint64(s) {
			return uint32(c), true
		}
		if e := uint64(s) + uint64(b.used[s]); e > cur {
			cur = e
		}
	}
	c := (cur + uint64(alignment) - 1) &^ uint64(alignment-1)
	if c+uint64(size) <= uint64(b.base)+uint64(b.size) {
		return uint32(c), true
	}
	return 0, false
}

// Alloc reserves and maps size bytes in the given area. alignment is rounded
// up to the protection granule.
func (m *Memory) Alloc(size uint32, loc Location, alignment uint32) (uint32, error) {
	if size == 0 {
		return 0, fmt.Errorf("alloc in %s: empty size: %w", loc, ppuerrors.ErrMInvalidAddress)
	}
	if alignment < ProtSize {
		alignment = ProtSize
	}
	size = align(size, ProtSize)

	m.mapMu.Lock()
	defer m.mapMu.Unlock()
	b, ok := m.blocks[loc]
	if !ok {
		return 0, fmt.Errorf("alloc in %s: %w", loc, ppuerrors.ErrMInvalidAddress)
	}
	addr, ok := b.find(size, alignment)
	if !ok {
		return 0, fmt.Errorf("alloc 0x%x in %s: %w", size, loc, ppuerrors.ErrMOutOfMemory)
	}
	if err := m.mapLocked(addr, size, PageReadable|PageWritable); err != nil {
		return 0, err
	}
	b.used[addr] = size
	log.Trace(log.MemoryModule, "alloc", "loc", loc.String(), "addr", addr, "size", size)
	return addr, nil
}

// AllocFixed reserves and maps [addr, addr+size) inside the given area.
func (m *Memory) AllocFixed(addr, size uint32, loc Location) error {
	if size == 0 || addr%ProtSize != 0 {
		return fmt.Errorf("alloc 0x%x size 0x%x in %s: %w", addr, size, loc, ppuerrors.ErrMInvalidAddress)
	}
	size = align(size, ProtSize)

	m.mapMu.Lock()
	defer m.mapMu.Unlock()
	b, ok := m.blocks[loc]
	if !ok || addr < b.base || uint64(addr)+uint64(size) > uint64(b.base)+uint64(b.size) {
		return fmt.Errorf("alloc 0x%x size 0x%x in %s: %w", addr, size, loc, ppuerrors.ErrMInvalidAddress)
	}
	if err := m.mapLocked(addr, size, PageReadable|PageWritable); err != nil {
		return err
	}
	b.used[addr] = size
	log.Trace(log.MemoryModule, "alloc fixed", "loc", loc.String(), "addr", addr, "size", size)
	return nil
}

// Dealloc releases an allocation made by Alloc and returns its size, or zero
// when addr does not start an allocation.
func (m *Memory) Dealloc(self *Passive, addr uint32, loc Location) uint32 {
	var size uint32
	m.Exclusive(self, func() {
		b, ok := m.blocks[loc]
		if !ok {
			return
		}
		if size, ok = b.used[addr]; !ok {
			return
		}
		delete(b.used, addr)
		m.unmapLocked(addr, size)
	})
	if size != 0 {
		log.Trace(log.MemoryModule, "dealloc", "loc", loc.String(), "addr", addr, "size", size)
	}
	return size
}

// AllocStack reserves a thread stack in the stack area.
func (m *Memory) AllocStack(size uint32) (uint32, error) {
	return m.Alloc(size, Stack, 0x10000)
}
