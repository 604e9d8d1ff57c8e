package ppu

import (
	"sync"

	"golang.org/x/sys/cpu"
)

// Handler executes one guest instruction. It returns true when the instruction
// completed and CIA should advance by 4; false leaves CIA to the handler
// (branches) or to the state checker (faults, traps, thread exit).
type Handler func(t *Thread, op Opcode) bool

// HandlerID indexes the interpreter tables. Zero is the unknown-opcode handler.
type HandlerID uint16

const decodeKeys = 64 * 2048

// Tables holds the decode map shared by both interpreter flavours and the two
// handler tables built from it. Built once, read without locks.
type Tables struct {
	decode  [decodeKeys]HandlerID
	names   []string
	Precise []Handler
	Fast    []Handler
}

var (
	tablesOnce sync.Once
	tables     *Tables
)

// hasWideSIMD gates the byte-shuffle variants of the SIMD pairs.
var hasWideSIMD = cpu.X86.HasSSSE3 || cpu.ARM64.HasASIMD

// InterpreterTables returns the process-wide decode tables.
func InterpreterTables() *Tables {
	tablesOnce.Do(func() {
		tables = buildTables(hasWideSIMD)
	})
	return tables
}

func decodeKey(op Opcode) uint32 {
	p := op.Main()
	switch p {
	case 4:
		return p<<11 | uint32(op)&0x7ff
	case 19, 31, 59, 63:
		return p<<11 | uint32(op)>>1&0x3ff
	case 30:
		return p<<11 | uint32(op)>>1&0xf
	case 58, 62:
		return p<<11 | uint32(op)&3
	}
	return p << 11
}

// Decode maps an instruction word to its handler id.
func (tb *Tables) Decode(op Opcode) HandlerID {
	return tb.decode[decodeKey(op)]
}

// Name returns the mnemonic registered for id.
func (tb *Tables) Name(id HandlerID) string {
	if int(id) < len(tb.names) {
		return tb.names[id]
	}
	return "UNK"
}

// Select returns the handler table for the precise or fast flavour.
func (tb *Tables) Select(precise bool) []Handler {
	if precise {
		return tb.Precise
	}
	return tb.Fast
}

type tableBuilder struct {
	tb    *Tables
	pairs []HandlerID
	wide  map[HandlerID]Handler
}

func (b *tableBuilder) add(name string, precise, fast Handler) HandlerID {
	id := HandlerID(len(b.tb.names))
	b.tb.names = append(b.tb.names, name)
	b.tb.Precise = append(b.tb.Precise, precise)
	b.tb.Fast = append(b.tb.Fast, fast)
	return id
}

func (b *tableBuilder) bind(id HandlerID, keys ...uint32) {
	for _, k := range keys {
		b.tb.decode[k] = id
	}
}

// primary registers a D-form style opcode keyed by its primary field only.
func (b *tableBuilder) primary(p uint32, name string, h Handler) {
	b.bind(b.add(name, h, h), p<<11)
}

// same registers a handler identical in both flavours under one extended key.
func (b *tableBuilder) same(p, xo uint32, name string, h Handler) HandlerID {
	id := b.add(name, h, h)
	b.bind(id, p<<11|xo)
	return id
}

// split registers a handler whose precise flavour tracks extra status state.
func (b *tableBuilder) split(p, xo uint32, name string, precise, fast Handler) HandlerID {
	id := b.add(name, precise, fast)
	b.bind(id, p<<11|xo)
	return id
}

// simd registers a portable/wide pair under the given keys; the tables are
// cross-patched afterwards.
func (b *tableBuilder) simd(name string, portable, wide Handler, keys ...uint32) {
	id := b.add(name, portable, wide)
	b.bind(id, keys...)
	b.pairs = append(b.pairs, id)
	b.wide[id] = wide
}

// xo registers an XO-form opcode under both values of its OE bit.
func (b *tableBuilder) xo(xo uint32, name string, h Handler) {
	id := b.add(name, h, h)
	b.bind(id, 31<<11|xo, 31<<11|xo|0x200)
}

// vaKeys lists the decode keys of a VA-form vector opcode, which is keyed by
// its low six bits only.
func vaKeys(xo uint32) []uint32 {
	keys := make([]uint32, 0, 32)
	for hi := uint32(0); hi < 32; hi++ {
		keys = append(keys, 4<<11|hi<<6|xo)
	}
	return keys
}

func (b *tableBuilder) va(xo uint32, name string, precise, fast Handler) HandlerID {
	id := b.add(name, precise, fast)
	b.bind(id, vaKeys(xo)...)
	return id
}

// aform registers an A-form FP opcode keyed by its five-bit extended field.
func (b *tableBuilder) aform(p, xo uint32, name string, precise, fast Handler) {
	id := b.add(name, precise, fast)
	for hi := uint32(0); hi < 32; hi++ {
		b.bind(id, p<<11|hi<<5|xo)
	}
}

func buildTables(wideSIMD bool) *Tables {
	b := &tableBuilder{tb: &Tables{}, wide: make(map[HandlerID]Handler)}
	b.add("UNK", opUNK, opUNK)

	registerInteger(b)
	registerLoadStore(b)
	registerBranch(b)
	registerSystem(b)
	registerFloat(b)
	registerVector(b)

	for _, id := range b.pairs {
		if wideSIMD {
			b.tb.Precise[id] = b.wide[id]
		} else {
			b.tb.Fast[id] = b.tb.Precise[id]
		}
	}
	return b.tb
}
