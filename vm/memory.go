// Package vm models the guest address space: 4 GiB of big-endian memory backed by
// 64 KiB pages, 4 KiB protection granules and one reservation counter per 128 bytes.
package vm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Plagman/rpcs3/ppuerrors"
)

const (
	PageSize   = 0x10000 // backing allocation unit
	ProtSize   = 0x1000  // protection granule
	NumPages   = 1 << 16 // 4 GiB / PageSize
	ResGranule = 128     // reservation granule
	ResStep    = 128     // counter increment per committed store
	ResLock    = 127     // lock bits of a reservation counter
)

// Flags are per 4 KiB protection bits.
type Flags uint32

const (
	PageReadable Flags = 1 << iota
	PageWritable
	PageExecutable
	PageAllocated
)

type page struct {
	prot  [PageSize / ProtSize]atomic.Uint32
	words [PageSize / 8]atomic.Uint64 // big-endian: byte 0 is the most significant
	res   [PageSize / ResGranule]atomic.Uint64
}

// Memory is the guest address space shared by all execution threads.
type Memory struct {
	pages [NumPages]atomic.Pointer[page]

	mapMu  sync.Mutex
	blocks map[Location]*block

	readers    atomic.Int64
	writer     atomic.Bool
	writerHook atomic.Pointer[func()]

	id uint64
}

var memoryIDs atomic.Uint64

// New returns an empty address space with the default allocation areas.
func New() *Memory {
	m := &Memory{blocks: make(map[Location]*block), id: memoryIDs.Add(1)}
	for loc, a := range defaultAreas {
		m.blocks[loc] = &block{base: a.base, size: a.size, used: make(map[uint32]uint32)}
	}
	return m
}

// ID distinguishes address spaces; it is never zero.
func (m *Memory) ID() uint64 { return m.id }

func (m *Memory) pageOf(addr uint32) *page {
	return m.pages[addr/PageSize].Load()
}

// CheckAddr reports whether every 4 KiB granule in [addr, addr+size) carries all of flags.
func (m *Memory) CheckAddr(addr uint32, size uint32, flags Flags) bool {
	if size == 0 {
		size = 1
	}
	end := uint64(addr) + uint64(size)
	if end > 1<<32 {
		return false
	}
	for a := uint64(addr) &^ (ProtSize - 1); a < end; a += ProtSize {
		p := m.pageOf(uint32(a))
		if p == nil {
			return false
		}
		if Flags(p.prot[(a%PageSize)/ProtSize].Load())&(flags|PageAllocated) != flags|PageAllocated {
			return false
		}
	}
	return true
}

// PageProtect sets and clears protection flags on the allocated granules of a range.
func (m *Memory) PageProtect(addr uint32, size uint32, set Flags, clear Flags) bool {
	end := uint64(addr) + uint64(size)
	ok := true
	for a := uint64(addr) &^ (ProtSize - 1); a < end; a += ProtSize {
		p := m.pageOf(uint32(a))
		if p == nil {
			ok = false
			continue
		}
		prot := &p.prot[(a%PageSize)/ProtSize]
		for {
			old := prot.Load()
			if old&uint32(PageAllocated) == 0 {
				ok = false
				break
			}
			if prot.CompareAndSwap(old, (old|uint32(set))&^uint32(clear)) {
				break
			}
		}
	}
	return ok
}

// Map commits and protects a 4 KiB aligned range.
func (m *Memory) Map(addr uint32, size uint32, flags Flags) error {
	m.mapMu.Lock()
	defer m.mapMu.Unlock()
	return m.mapLocked(addr, size, flags)
}

func (m *Memory) mapLocked(addr uint32, size uint32, flags Flags) error {
	if addr%ProtSize != 0 || size == 0 || uint64(addr)+uint64(size) > 1<<32 {
		return fmt.Errorf("map 0x%x size 0x%x: %w", addr, size, ppuerrors.ErrMInvalidAddress)
	}
	size = align(size, ProtSize)
	end := uint64(addr) + uint64(size)
	for a := uint64(addr); a < end; a += ProtSize {
		if p := m.pageOf(uint32(a)); p != nil && p.prot[(a%PageSize)/ProtSize].Load() != 0 {
			return fmt.Errorf("map 0x%x size 0x%x: %w", addr, size, ppuerrors.ErrMAlreadyMapped)
		}
	}
	for a := uint64(addr); a < end; a += ProtSize {
		idx := a / PageSize
		p := m.pages[idx].Load()
		if p == nil {
			p = new(page)
			m.pages[idx].Store(p)
		}
		p.prot[(a%PageSize)/ProtSize].Store(uint32(flags | PageAllocated))
	}
	return nil
}

// Unmap decommits a range. Running threads are excluded through the passive lock.
func (m *Memory) Unmap(self *Passive, addr uint32, size uint32) {
	m.Exclusive(self, func() {
		m.unmapLocked(addr, size)
	})
}

func (m *Memory) unmapLocked(addr uint32, size uint32) {
	end := uint64(addr) + uint64(align(size, ProtSize))
	for a := uint64(addr) &^ (ProtSize - 1); a < end; a += ProtSize {
		idx := a / PageSize
		p := m.pages[idx].Load()
		if p == nil {
			continue
		}
		sub := (a % PageSize) / ProtSize
		p.prot[sub].Store(0)
		for i := sub * ProtSize / 8; i < (sub+1)*ProtSize/8; i++ {
			p.words[i].Store(0)
		}
		live := false
		for i := range p.prot {
			if p.prot[i].Load() != 0 {
				live = true
				break
			}
		}
		if !live {
			m.pages[idx].Store(nil)
		}
	}
}

// Word returns the aligned 64-bit cell holding addr if its granule carries flags.
func (m *Memory) Word(addr uint32, flags Flags) (*atomic.Uint64, error) {
	p := m.pageOf(addr)
	if p == nil || Flags(p.prot[(addr%PageSize)/ProtSize].Load())&(flags|PageAllocated) != flags|PageAllocated {
		return nil, fmt.Errorf("address 0x%08x: %w", addr, ppuerrors.ErrPAccessViolation)
	}
	return &p.words[(addr%PageSize)/8], nil
}

// Reservation returns the reservation counter of the granule holding addr.
func (m *Memory) Reservation(addr uint32) (*atomic.Uint64, error) {
	p := m.pageOf(addr)
	if p == nil {
		return nil, fmt.Errorf("reservation 0x%08x: %w", addr, ppuerrors.ErrPAccessViolation)
	}
	return &p.res[(addr%PageSize)/ResGranule], nil
}

func align(v uint32, a uint32) uint32 {
	return (v + a - 1) &^ (a - 1)
}
