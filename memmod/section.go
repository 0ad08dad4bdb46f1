package memmod

import (
	"debug/elf"
	"fmt"
)

type sectionHeader struct {
	typ     elf.SectionType
	addr    uint64
	offset  uint64
	size    uint64
	entsize uint64
}

// readSection decodes section header i. Callers have checked the table bounds.
func readSection(data []byte, hdr *fileHeader, p *Platform, i uint64) sectionHeader {
	b := data[hdr.shoff+i*p.sectionSize():]
	w := p.wordSize()
	return sectionHeader{
		typ:     elf.SectionType(p.ByteOrder.Uint32(b[4:])),
		addr:    p.word(b[8+w:]),
		offset:  p.word(b[8+2*w:]),
		size:    p.word(b[8+3*w:]),
		entsize: p.word(b[16+5*w:]),
	}
}

// countDynamicSymbols finds the SHT_DYNSYM section backing DT_SYMTAB and
// derives the number of symbols from its size; the dynamic table has no count.
func countDynamicSymbols(data []byte, hdr *fileHeader, p *Platform, symtab uint64) (uint64, error) {
	var (
		found bool
		dsym  sectionHeader
	)
	for i := uint64(0); i < hdr.shnum; i++ {
		sh := readSection(data, hdr, p, i)
		if sh.typ != elf.SHT_DYNSYM {
			continue
		}
		if found {
			return 0, ErrMultipleDynamicSymbols
		}
		found = true
		dsym = sh
	}

	switch {
	case !found:
		return 0, ErrNoDynamicSymbolSection
	case dsym.addr != symtab:
		return 0, fmt.Errorf("%w: section at %#x, DT_SYMTAB at %#x", ErrSymbolTableMismatch, dsym.addr, symtab)
	case dsym.entsize != p.symSize():
		return 0, fmt.Errorf("%w: dynamic symbol entry size %d", ErrEntrySizeMismatch, dsym.entsize)
	case !span(dsym.offset, dsym.size, uint64(len(data))):
		return 0, fmt.Errorf("%w: dynamic symbol section offset/size", ErrOutOfBounds)
	}
	return dsym.size / p.symSize(), nil
}
