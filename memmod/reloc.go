package memmod

import (
	"debug/elf"
	"fmt"
	"math"
	"unsafe"
)

// relocKind is the closed set of fixups the engine can apply. Each
// platform maps its own relocation type numbers onto these.
type relocKind uint8

const (
	relocNone relocKind = iota
	// relocAbsolute stores S.
	relocAbsolute
	// relocRelative stores B+A.
	relocRelative
	// relocDirect stores S+A.
	relocDirect
	// relocPCRel stores S+A-P.
	relocPCRel
	// relocPCRel32 stores S+A-P as a signed 32-bit value.
	relocPCRel32
	// relocCopy copies the symbol's bytes from S.
	relocCopy
)

func (k relocKind) String() string {
	switch k {
	case relocNone:
		return "none"
	case relocAbsolute:
		return "absolute"
	case relocRelative:
		return "relative"
	case relocDirect:
		return "direct"
	case relocPCRel:
		return "pcrel"
	case relocPCRel32:
		return "pcrel32"
	case relocCopy:
		return "copy"
	}
	return fmt.Sprintf("relocKind(%d)", uint8(k))
}

// relocation is one decoded entry. For REL entries the addend is implicit:
// it is the value already stored at the target, so explicit is false.
type relocation struct {
	offset   uint64
	sym      uint32
	typ      uint32
	addend   int64
	explicit bool
}

func decodeRelocation(b []byte, p *Platform, addend bool) relocation {
	rel := relocation{explicit: addend}
	w := p.wordSize()
	rel.offset = p.word(b)
	info := p.word(b[w:])
	if p.is64() {
		rel.sym, rel.typ = uint32(info>>32), uint32(info)
	} else {
		rel.sym, rel.typ = uint32(info>>8), uint32(info&0xff)
	}
	if addend {
		if p.is64() {
			rel.addend = int64(p.ByteOrder.Uint64(b[2*w:]))
		} else {
			rel.addend = int64(int32(p.ByteOrder.Uint32(b[2*w:])))
		}
	}
	return rel
}

// symbolResolver finds the run-time address of a named symbol outside the
// module's own definition.
type symbolResolver interface {
	resolve(name string) (uintptr, bool)
}

type relocator struct {
	r        *region
	p        *Platform
	syms     *symbolTable
	resolver symbolResolver
	resolved map[uint32]uint64
	applied  map[relocKind]int
}

func newRelocator(r *region, p *Platform, syms *symbolTable, resolver symbolResolver) *relocator {
	return &relocator{
		r:        r,
		p:        p,
		syms:     syms,
		resolver: resolver,
		resolved: make(map[uint32]uint64),
		applied:  make(map[relocKind]int),
	}
}

// apply runs every entry of one table through the fixup routine.
func (rl *relocator) apply(tab *relTable) (int, error) {
	if tab == nil {
		return 0, nil
	}
	entsize := rl.p.relSize()
	if tab.addend {
		entsize = rl.p.relaSize()
	}
	n := 0
	for off := 0; off+int(entsize) <= len(tab.raw); off += int(entsize) {
		rel := decodeRelocation(tab.raw[off:], rl.p, tab.addend)
		if err := rl.fixup(rel); err != nil {
			return n, fmt.Errorf("%s entry %d: %w", tab.name, n, err)
		}
		n++
	}
	return n, nil
}

// symbolAddress resolves S for a relocation. Index zero and nameless symbols
// are internal references; everything else goes through the resolver, and
// an unresolved weak symbol is zero.
func (rl *relocator) symbolAddress(idx uint32) (uint64, *symbol, error) {
	sym, err := rl.syms.at(uint64(idx))
	if err != nil {
		return 0, nil, err
	}
	if addr, ok := rl.resolved[idx]; ok {
		return addr, sym, nil
	}
	var addr uint64
	switch {
	case idx == 0 || sym.name == "":
		addr = rl.r.bias() + sym.value
	default:
		v, ok := rl.resolver.resolve(sym.name)
		switch {
		case ok:
			addr = uint64(v)
		case sym.bind == elf.STB_WEAK:
			addr = 0
		default:
			return 0, nil, fmt.Errorf("%w: %q", ErrSymbolNotFound, sym.name)
		}
	}
	rl.resolved[idx] = addr
	return addr, sym, nil
}

func (rl *relocator) fixup(rel relocation) error {
	kind, ok := rl.p.relocs[rel.typ]
	if !ok {
		return fmt.Errorf("%w: type %d for %s", ErrUnimplementedRelocation, rel.typ, rl.p.Machine)
	}
	if kind == relocNone {
		rl.applied[kind]++
		return nil
	}

	width := rl.p.wordSize()
	if kind == relocPCRel32 {
		width = 4
	}
	var (
		s   uint64
		sym *symbol
		err error
	)
	if kind != relocRelative {
		if s, sym, err = rl.symbolAddress(rel.sym); err != nil {
			return err
		}
	}
	if kind == relocCopy {
		width = sym.size
	}
	dst, ok := rl.r.slice(rel.offset, width)
	if !ok {
		return fmt.Errorf("%w: relocation target %#x", ErrOutOfBounds, rel.offset)
	}

	a := uint64(rel.addend)
	if !rel.explicit {
		switch kind {
		case relocPCRel32:
			a = uint64(int64(int32(rl.p.ByteOrder.Uint32(dst))))
		case relocRelative, relocDirect, relocPCRel:
			a = rl.p.word(dst)
		}
	}
	place := uint64(rl.r.real(rel.offset))
	switch kind {
	case relocAbsolute:
		rl.p.putWord(dst, s)
	case relocRelative:
		rl.p.putWord(dst, rl.r.bias()+a)
	case relocDirect:
		rl.p.putWord(dst, s+a)
	case relocPCRel:
		rl.p.putWord(dst, s+a-place)
	case relocPCRel32:
		v := int64(s + a - place)
		if v < math.MinInt32 || v > math.MaxInt32 {
			return fmt.Errorf("%w: %s at %#x", ErrRelocationOverflow, kind, rel.offset)
		}
		rl.p.ByteOrder.PutUint32(dst, uint32(int32(v)))
	case relocCopy:
		if s == 0 {
			return fmt.Errorf("%w: copy source for %q", ErrSymbolNotFound, sym.name)
		}
		if sym.size > 0 {
			copy(dst, unsafe.Slice((*byte)(unsafe.Pointer(uintptr(s))), sym.size))
		}
	}
	rl.applied[kind]++
	return nil
}
