// Package recompiler prepares guest modules for execution: it primes the slot
// table for the interpreters and, under the recompiler decoder, translates
// functions into cached objects and installs their entry points.
package recompiler

import (
	"fmt"
	"sort"
)

// NoTOC marks a function without a known TOC value.
const NoTOC = ^uint64(0)

// Block is a contiguous run of guest code.
type Block struct {
	Addr uint32 `json:"addr"`
	Size uint32 `json:"size"`
}

// Function is a guest function as found by analysis.
type Function struct {
	Addr   uint32  `json:"addr"`
	Size   uint32  `json:"size"`
	TOC    uint64  `json:"toc"`
	Name   string  `json:"name,omitempty"`
	Blocks []Block `json:"blocks"`
}

// Segment is a loaded module segment.
type Segment struct {
	Addr  uint32 `json:"addr"`
	Size  uint32 `json:"size"`
	Flags uint32 `json:"flags"`
}

// Reloc is a relocation site inside module code.
type Reloc struct {
	Addr uint32 `json:"addr"`
	Type uint32 `json:"type"`
}

// Module describes one loaded guest module.
type Module struct {
	// Name is empty for the main executable, whose code is not relocated.
	Name   string     `json:"name"`
	Path   string     `json:"path"`
	Digest [20]byte   `json:"digest"`
	Funcs  []Function `json:"funcs"`
	Segs   []Segment  `json:"segs"`
	Relocs []Reloc    `json:"relocs"`
}

// reloc is the distance between block addresses and their symbol names.
func (m *Module) reloc() uint32 {
	if m.Name == "" || len(m.Segs) == 0 {
		return 0
	}
	return m.Segs[0].Addr
}

// Validate checks block bounds and sorts relocations by address.
func (m *Module) Validate() error {
	for _, f := range m.Funcs {
		for _, b := range f.Blocks {
			if b.Addr%4 != 0 || b.Size%4 != 0 {
				return fmt.Errorf("function 0x%x: misaligned block 0x%x+0x%x", f.Addr, b.Addr, b.Size)
			}
			if uint64(b.Addr)+uint64(b.Size) > 1<<32 {
				return fmt.Errorf("function 0x%x: block 0x%x+0x%x out of range", f.Addr, b.Addr, b.Size)
			}
		}
	}
	sort.Slice(m.Relocs, func(i, j int) bool { return m.Relocs[i].Addr < m.Relocs[j].Addr })
	return nil
}

// blockCount counts non-empty blocks of sized functions, the set that gets
// compiled entry points.
func (m *Module) blockCount() int {
	n := 0
	for _, f := range m.Funcs {
		if f.Size == 0 {
			continue
		}
		for _, b := range f.Blocks {
			if b.Size != 0 {
				n++
			}
		}
	}
	return n
}
