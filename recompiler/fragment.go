package recompiler

import (
	"encoding/binary"
	"fmt"
	"regexp"
	"runtime"
	"sort"
	"strings"

	"github.com/Plagman/rpcs3/config"
	"github.com/Plagman/rpcs3/vm"
	"github.com/klauspost/cpuid/v2"
	"golang.org/x/crypto/blake2b"
)

// FragmentBudget is the approximate amount of guest code per object.
const FragmentBudget = 100 * 1024

const objectVersion = "v3-tane"

// Entry is one compiled entry point: a single block named after its
// unrelocated address. Only a function's first block carries its TOC.
type Entry struct {
	Name string
	Addr uint32
	Size uint32
	TOC  uint64
}

// Fragment is the unit of translation and caching.
type Fragment struct {
	Suffix  uint32
	Reloc   uint32
	Segs    int
	Entries []Entry
	Relocs  []Reloc
	Bytes   int
	Hash    [blake2b.Size256]byte
	Object  string
	Globals []Global
}

// Global is a link-time variable and the value it is initialised with.
type Global struct {
	Name  string
	Value uint64
}

// relTOC makes a function's TOC relative to the relocation base.
func relTOC(toc uint64, reloc uint32) uint64 {
	if toc == NoTOC {
		return NoTOC
	}
	return toc - uint64(reloc)
}

func entryName(addr, reloc uint32) string {
	return fmt.Sprintf("__0x%x", addr-reloc)
}

// Partition splits the module's functions into fragments of about budget
// bytes each. A function never straddles two fragments.
func Partition(m *Module, budget int) []*Fragment {
	reloc := m.reloc()
	var out []*Fragment
	for fpos := 0; fpos < len(m.Funcs); {
		frag := &Fragment{Suffix: m.Funcs[fpos].Addr - reloc, Reloc: reloc, Segs: len(m.Segs)}
		for fpos < len(m.Funcs) {
			f := m.Funcs[fpos]
			if frag.Bytes+int(f.Size) > budget && frag.Bytes != 0 {
				break
			}
			for _, b := range f.Blocks {
				frag.Bytes += int(b.Size)
				toc := NoTOC
				if b.Addr == f.Addr {
					toc = f.TOC
				}
				frag.Entries = append(frag.Entries, Entry{Name: entryName(b.Addr, reloc), Addr: b.Addr, Size: b.Size, TOC: toc})
				frag.Relocs = append(frag.Relocs, relocsIn(m.Relocs, b.Addr, b.Size)...)
			}
			fpos++
		}
		out = append(out, frag)
	}
	return out
}

// relocsIn returns the relocations inside [addr, addr+size) of a sorted list.
func relocsIn(relocs []Reloc, addr, size uint32) []Reloc {
	lo := sort.Search(len(relocs), func(i int) bool { return relocs[i].Addr >= addr })
	hi := lo
	for hi < len(relocs) && uint64(relocs[hi].Addr) < uint64(addr)+uint64(size) {
		hi++
	}
	return relocs[lo:hi]
}

// hashFragment digests the fragment's code. Relocation sites contribute their
// type instead of their bytes, so relocated copies of the same code agree.
func hashFragment(mem *vm.Memory, m *Module, frag *Fragment) ([blake2b.Size256]byte, error) {
	h, _ := blake2b.New256(nil)
	reloc := m.reloc()
	var be [4]byte
	var be8 [8]byte
	put := func(v uint32) {
		binary.BigEndian.PutUint32(be[:], v)
		h.Write(be[:])
	}
	code := func(addr, size uint32) error {
		if size == 0 {
			return nil
		}
		buf := make([]byte, size)
		if err := mem.ReadBytes(addr, buf); err != nil {
			return fmt.Errorf("hash 0x%x+0x%x: %w", addr, size, err)
		}
		h.Write(buf)
		return nil
	}

	for _, e := range frag.Entries {
		if e.Size == 0 {
			continue
		}
		put(e.Addr - reloc)
		put(e.Size)
		binary.BigEndian.PutUint64(be8[:], relTOC(e.TOC, reloc))
		h.Write(be8[:])

		end := e.Addr + e.Size
		addr := e.Addr
		for _, r := range relocsIn(m.Relocs, e.Addr, e.Size) {
			roff := r.Addr &^ 3
			if roff > addr {
				if err := code(addr, roff-addr); err != nil {
					return [blake2b.Size256]byte{}, err
				}
			}
			put(r.Type)
			addr = roff + 4
		}
		if addr < end {
			if err := code(addr, end-addr); err != nil {
				return [blake2b.Size256]byte{}, err
			}
		}
	}
	var out [blake2b.Size256]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// Settings that change generated code.
const (
	settingNonWindows uint64 = 1 << iota
	settingFlushDenormals
)

func codegenSettings(cfg *config.Config) uint64 {
	var s uint64
	if runtime.GOOS != "windows" {
		s |= settingNonWindows
	}
	if cfg.SetDAZAndFTZ {
		s |= settingFlushDenormals
	}
	return s
}

var nonWord = regexp.MustCompile(`[^a-z0-9]+`)

// HostCPU names the code generation target: the configured CPU, or the
// host's brand string reduced to a file name.
func HostCPU(cfg *config.Config) string {
	if cfg.LLVMCPU != "" {
		return cfg.LLVMCPU
	}
	name := strings.Trim(nonWord.ReplaceAllString(strings.ToLower(cpuid.CPU.BrandName), "-"), "-")
	if name == "" {
		return runtime.GOARCH
	}
	return name
}

// ObjectName derives the cache object name of a fragment.
func ObjectName(hash [blake2b.Size256]byte, settings uint64, cpu string) string {
	var s [8]byte
	binary.BigEndian.PutUint64(s[:], settings)
	return fmt.Sprintf("%s-%s-%s-%s.obj", objectVersion, base57(hash[:16]), base57(s[:]), cpu)
}

// CachePath is the object namespace of a module.
func CachePath(m *Module) string {
	base := m.Path
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	return fmt.Sprintf("ppu-%s-%s/", base57(m.Digest[:]), base)
}

// globals lists the link variables of a fragment for a module.
func globals(mem *vm.Memory, m *Module, suffix uint32) []Global {
	out := []Global{
		{Name: fmt.Sprintf("__mptr%x", suffix), Value: mem.ID()},
		{Name: fmt.Sprintf("__cptr%x", suffix), Value: uint64(m.reloc())},
	}
	for i, seg := range m.Segs {
		out = append(out, Global{Name: fmt.Sprintf("__seg%d_%x", i, suffix), Value: uint64(seg.Addr)})
	}
	return out
}

// Plan partitions m and names every fragment's object.
func Plan(cfg *config.Config, mem *vm.Memory, m *Module) ([]*Fragment, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	settings := codegenSettings(cfg)
	cpu := HostCPU(cfg)
	frags := Partition(m, FragmentBudget)
	for _, f := range frags {
		hash, err := hashFragment(mem, m, f)
		if err != nil {
			return nil, err
		}
		f.Hash = hash
		f.Object = ObjectName(hash, settings, cpu)
		f.Globals = globals(mem, m, f.Suffix)
	}
	return frags, nil
}
