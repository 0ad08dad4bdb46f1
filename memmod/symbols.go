package memmod

import (
	"debug/elf"
	"fmt"
)

type symbol struct {
	name  string
	value uint64
	size  uint64
	bind  elf.SymBind
	typ   elf.SymType
	shndx elf.SectionIndex
}

func (s *symbol) defined() bool {
	return s.shndx != elf.SHN_UNDEF && s.shndx != elf.SHN_ABS
}

// symbolTable is the dynamic symbol table as seen through the mapped image.
type symbolTable struct {
	raw    []byte
	count  uint64
	strtab []byte
	p      *Platform
}

func newSymbolTable(r *region, info *dynInfo, count uint64, p *Platform) (*symbolTable, error) {
	if count > 0 && count > ^uint64(0)/p.symSize() {
		return nil, fmt.Errorf("%w: dynamic symbol count %d", ErrOutOfBounds, count)
	}
	raw, ok := r.slice(info.symtab, count*p.symSize())
	if !ok {
		return nil, fmt.Errorf("%w: dynamic symbol table", ErrOutOfBounds)
	}
	return &symbolTable{raw: raw, count: count, strtab: info.strtab, p: p}, nil
}

func (t *symbolTable) at(i uint64) (*symbol, error) {
	if i >= t.count {
		return nil, fmt.Errorf("%w: symbol index %d of %d", ErrOutOfBounds, i, t.count)
	}
	b := t.raw[i*t.p.symSize():]
	bo := t.p.ByteOrder

	var (
		nameOff uint64
		info    byte
		sym     symbol
	)
	if t.p.is64() {
		nameOff = uint64(bo.Uint32(b[0:]))
		info = b[4]
		sym.shndx = elf.SectionIndex(bo.Uint16(b[6:]))
		sym.value = bo.Uint64(b[8:])
		sym.size = bo.Uint64(b[16:])
	} else {
		nameOff = uint64(bo.Uint32(b[0:]))
		sym.value = uint64(bo.Uint32(b[4:]))
		sym.size = uint64(bo.Uint32(b[8:]))
		info = b[12]
		sym.shndx = elf.SectionIndex(bo.Uint16(b[14:]))
	}
	sym.bind = elf.ST_BIND(info)
	sym.typ = elf.ST_TYPE(info)

	name, err := cstring(t.strtab, nameOff)
	if err != nil {
		return nil, fmt.Errorf("symbol %d name: %w", i, err)
	}
	sym.name = name
	return &sym, nil
}
