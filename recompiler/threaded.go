package recompiler

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/Plagman/rpcs3/ppu"
	"github.com/Plagman/rpcs3/ppuerrors"
)

const (
	threadedMagic   = "PPUT"
	threadedVersion = 2

	stepReloc = 1
)

// Threaded pre-decodes every block into a handler array. Its objects hold
// opcode words with their handler ids; linking binds them to the running
// interpreter table and produces one closure per block.
type Threaded struct{}

func (Threaded) Name() string { return "threaded" }

type step struct {
	op    ppu.Opcode
	id    ppu.HandlerID
	flags uint8
}

// Translate encodes the fragment:
//
//	magic[4] version:u32 suffix:u32 segs:u32 count:u32
//	count × { nameLen:u16 name rel:u32 toc:u64 n:u32 n × { op:u32 id:u16 flags:u8 } }
//
// toc is relative to the relocation base, or NoTOC.
func (Threaded) Translate(ctx context.Context, tctx *LinkContext, frag *Fragment) ([]byte, error) {
	mem := tctx.sys.Mem
	tables := tctx.sys.Tables()
	relocs := make(map[uint32]bool, len(frag.Relocs))
	for _, r := range frag.Relocs {
		relocs[r.Addr&^3] = true
	}

	buf := make([]byte, 0, 20+frag.Bytes*7/4)
	buf = append(buf, threadedMagic...)
	buf = binary.BigEndian.AppendUint32(buf, threadedVersion)
	buf = binary.BigEndian.AppendUint32(buf, frag.Suffix)
	buf = binary.BigEndian.AppendUint32(buf, uint32(frag.Segs))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(frag.Entries)))
	for _, e := range frag.Entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.Name)))
		buf = append(buf, e.Name...)
		buf = binary.BigEndian.AppendUint32(buf, e.Addr-frag.Reloc)
		buf = binary.BigEndian.AppendUint64(buf, relTOC(e.TOC, frag.Reloc))
		buf = binary.BigEndian.AppendUint32(buf, e.Size/4)
		for a := e.Addr; a < e.Addr+e.Size; a += 4 {
			w, err := mem.Read32(a)
			if err != nil {
				return nil, fmt.Errorf("%s at 0x%x: %w: %w", e.Name, a, ppuerrors.ErrRTranslationFailed, err)
			}
			op := ppu.Opcode(w)
			var flags uint8
			if relocs[a] {
				flags |= stepReloc
			}
			buf = binary.BigEndian.AppendUint32(buf, w)
			buf = binary.BigEndian.AppendUint16(buf, uint16(tables.Decode(op)))
			buf = append(buf, flags)
		}
	}
	return buf, nil
}

type reader struct {
	b   []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.b) < n {
		r.err = errors.New("truncated")
		return nil
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

// Link decodes an object and builds its block closures and link variables.
func (Threaded) Link(tctx *LinkContext, blob []byte) (*Object, error) {
	r := &reader{b: blob}
	if string(r.take(4)) != threadedMagic || r.u32() != threadedVersion {
		return nil, fmt.Errorf("threaded object header: %w", ppuerrors.ErrRObjectCorrupt)
	}
	suffix := r.u32()
	segs := r.u32()
	count := r.u32()
	if r.err != nil {
		return nil, fmt.Errorf("threaded object: %w: %w", ppuerrors.ErrRObjectCorrupt, r.err)
	}

	mptr := new(atomic.Uint64)
	cptr := new(atomic.Uint64)
	obj := &Object{
		Funcs: make(map[string]ppu.Func, count),
		Vars: map[string]*atomic.Uint64{
			fmt.Sprintf("__mptr%x", suffix): mptr,
			fmt.Sprintf("__cptr%x", suffix): cptr,
		},
	}
	for i := uint32(0); i < segs; i++ {
		obj.Vars[fmt.Sprintf("__seg%d_%x", i, suffix)] = new(atomic.Uint64)
	}

	nhandlers := len(tctx.sys.Handlers())
	for i := uint32(0); i < count && r.err == nil; i++ {
		name := string(r.take(int(r.u16())))
		rel := r.u32()
		toc := r.u64()
		n := r.u32()
		if uint64(n)*7 > uint64(len(r.b)) {
			r.err = errors.New("block exceeds object")
			break
		}
		steps := make([]step, n)
		for j := range steps {
			steps[j] = step{op: ppu.Opcode(r.u32()), id: ppu.HandlerID(r.u16())}
			if f := r.take(1); f != nil {
				steps[j].flags = f[0]
			}
			if int(steps[j].id) >= nhandlers {
				return nil, fmt.Errorf("%s: handler %d: %w", name, steps[j].id, ppuerrors.ErrRObjectCorrupt)
			}
		}
		obj.Funcs[name] = tctx.block(rel, toc, steps, mptr, cptr)
	}
	if r.err != nil {
		return nil, fmt.Errorf("threaded object: %w: %w", ppuerrors.ErrRObjectCorrupt, r.err)
	}
	return obj, nil
}

// block returns the host callable for one pre-decoded block. It runs until a
// handler declines to advance, a state flag is raised, or the block ends.
func (l *LinkContext) block(rel uint32, toc uint64, steps []step, mptr, cptr *atomic.Uint64) ppu.Func {
	checkTOC := l.sys.Config.Debug && toc != NoTOC
	return func(t *ppu.Thread) ppu.Status {
		base := uint32(cptr.Load()) + rel
		if mptr.Load() != l.sys.Mem.ID() {
			return l.Trap(t, base, ppuerrors.ErrRSymbolMissing)
		}
		if t.CIA < base || (t.CIA-base)/4 >= uint32(len(steps)) {
			return l.Trap(t, t.CIA, ppuerrors.ErrPNotExecutable)
		}
		l.Trace(t, base)
		if checkTOC && t.CIA == base && l.Check(t, base, toc+cptr.Load()) {
			return t.PendingStatus()
		}

		handlers := l.sys.Handlers()
		tables := l.sys.Tables()
		for i := (t.CIA - base) / 4; i < uint32(len(steps)); i++ {
			s := steps[i]
			op, id := s.op, s.id
			if s.flags&stepReloc != 0 {
				w, err := l.sys.Mem.Read32(t.CIA)
				if err != nil {
					return l.Trap(t, t.CIA, err)
				}
				op = ppu.Opcode(w)
				id = tables.Decode(op)
			}
			if !handlers[id](t, op) {
				return t.PendingStatus()
			}
			t.CIA += 4
			if t.State() != 0 {
				return ppu.Continue
			}
		}
		return ppu.Continue
	}
}
