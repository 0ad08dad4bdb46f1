// Package elftest builds small, synthetic ELF shared objects for loader
// tests. Images are laid out so that file offsets equal link addresses minus
// Base, with every table the loader reads placed inside a loadable segment.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"slices"
)

// Fixed layout, as offsets from Builder.Base.
const (
	PageSize = 0x1000
	TextAddr = 0x0c00
	TextCap  = 0x0400
	DataAddr = 0x1000
)

// Section indices in every built image.
const (
	SectionNull = iota
	SectionDynsym
	SectionDynstr
	SectionText
	SectionData
	SectionShstrtab
	sectionCount
)

// Symbol is a dynamic symbol. Symbols[i] in a Builder gets symbol table
// index i+1. Value is an offset from Base unless Absolute is set.
type Symbol struct {
	Name      string
	Value     uint64
	Size      uint64
	Bind      elf.SymBind
	Type      elf.SymType
	Undefined bool
	Absolute  bool
}

// Reloc is a relocation entry. Offset is relative to Base; Symbol is a
// dynamic symbol table index.
type Reloc struct {
	Offset uint64
	Symbol uint32
	Type   uint32
	Addend int64
}

// Dyn is a raw dynamic table entry.
type Dyn struct {
	Tag elf.DynTag
	Val uint64
}

// Builder describes an image. The zero value builds an empty x86-64 shared
// object.
type Builder struct {
	Class   elf.Class
	Machine elf.Machine
	Type    elf.Type
	OSABI   elf.OSABI
	Base    uint64
	Entry   uint64

	Text []byte
	Data []byte
	BSS  uint64

	Symbols []Symbol
	Needed  []string
	RPath   string
	RunPath string

	Rel     []Reloc
	Rela    []Reloc
	PLT     []Reloc
	PLTRela bool

	// Init and Fini are function offsets from Base. InitArray and FiniArray
	// hold function offsets too; the builder stores them through RELATIVE
	// relocations the way a linker would.
	Init      uint64
	Fini      uint64
	InitArray []uint64
	FiniArray []uint64

	// Extra entries are appended to the dynamic table after the generated
	// ones; Omit drops generated entries by tag.
	Extra []Dyn
	Omit  []elf.DynTag

	// StoreAddends writes each RELA addend into its target word as well, the
	// way GNU ld leaves them. Only targets in text, data and the arrays are
	// written.
	StoreAddends bool

	// OmitDynsymSection retypes the dynamic symbol section so no SHT_DYNSYM
	// exists.
	OmitDynsymSection bool
}

// Image is a built ELF file plus the link addresses of its interesting parts.
type Image struct {
	Bytes []byte

	Base          uint64
	DynstrAddr    uint64
	DynstrSize    uint64
	SymtabAddr    uint64
	DynamicAddr   uint64
	InitArrayAddr uint64
	FiniArrayAddr uint64
	BSSAddr       uint64

	phoff   uint64
	shoff   uint64
	phentsz uint64
	shentsz uint64
}

// ProgramHeaderOffset returns the file offset of program header i.
func (img *Image) ProgramHeaderOffset(i int) int {
	return int(img.phoff + uint64(i)*img.phentsz)
}

// SectionHeaderOffset returns the file offset of section header i.
func (img *Image) SectionHeaderOffset(i int) int {
	return int(img.shoff + uint64(i)*img.shentsz)
}

type abi struct {
	is64 bool
	bo   binary.ByteOrder
}

func (a abi) word() uint64 {
	if a.is64 {
		return 8
	}
	return 4
}

func (a abi) putWord(b *bytes.Buffer, v uint64) {
	if a.is64 {
		_ = binary.Write(b, a.bo, v)
		return
	}
	_ = binary.Write(b, a.bo, uint32(v))
}

func (a abi) put32(b *bytes.Buffer, v uint32) { _ = binary.Write(b, a.bo, v) }
func (a abi) put16(b *bytes.Buffer, v uint16) { _ = binary.Write(b, a.bo, v) }

func relativeType(m elf.Machine) uint32 {
	switch m {
	case elf.EM_AARCH64:
		return uint32(elf.R_AARCH64_RELATIVE)
	case elf.EM_386:
		return uint32(elf.R_386_RELATIVE)
	default:
		return uint32(elf.R_X86_64_RELATIVE)
	}
}

type strtab struct {
	buf  bytes.Buffer
	offs map[string]uint64
}

func newStrtab() *strtab {
	t := &strtab{offs: map[string]uint64{"": 0}}
	t.buf.WriteByte(0)
	return t
}

func (t *strtab) add(s string) uint64 {
	if off, ok := t.offs[s]; ok {
		return off
	}
	off := uint64(t.buf.Len())
	t.buf.WriteString(s)
	t.buf.WriteByte(0)
	t.offs[s] = off
	return off
}

func align(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

// Build lays out and encodes the image.
func (b Builder) Build() (*Image, error) {
	if b.Class == elf.ELFCLASSNONE {
		b.Class = elf.ELFCLASS64
	}
	if b.Machine == elf.EM_NONE {
		b.Machine = elf.EM_X86_64
	}
	if b.Type == elf.ET_NONE {
		b.Type = elf.ET_DYN
	}
	a := abi{is64: b.Class == elf.ELFCLASS64, bo: binary.LittleEndian}
	w := a.word()
	if len(b.Text) > TextCap {
		return nil, fmt.Errorf("text is %d bytes, at most %d fit", len(b.Text), TextCap)
	}

	var (
		ehsize, phentsz, shentsz, symsz, relsz, relasz uint64
	)
	if a.is64 {
		ehsize, phentsz, shentsz, symsz, relsz, relasz = 64, 56, 64, elf.Sym64Size, 16, 24
	} else {
		ehsize, phentsz, shentsz, symsz, relsz, relasz = 52, 32, 40, elf.Sym32Size, 8, 12
	}
	const phnum = 3

	img := &Image{Base: b.Base, phoff: ehsize, phentsz: phentsz, shentsz: shentsz}

	// Data segment: data, bss-free arrays, dynamic table.
	dataEnd := uint64(DataAddr) + uint64(len(b.Data))
	initArrayOff := align(dataEnd, 8)
	finiArrayOff := initArrayOff + uint64(len(b.InitArray))*w
	dynOff := align(finiArrayOff+uint64(len(b.FiniArray))*w, 8)
	img.InitArrayAddr = b.Base + initArrayOff
	img.FiniArrayAddr = b.Base + finiArrayOff

	rel := slices.Clone(b.Rel)
	rela := slices.Clone(b.Rela)
	arrays := []struct {
		off     uint64
		entries []uint64
	}{{initArrayOff, b.InitArray}, {finiArrayOff, b.FiniArray}}
	stored := map[uint64]uint64{}
	for _, arr := range arrays {
		for i, fn := range arr.entries {
			off := arr.off + uint64(i)*w
			r := Reloc{Offset: off, Type: relativeType(b.Machine)}
			if b.Machine == elf.EM_386 {
				stored[off] = b.Base + fn
				rel = append(rel, r)
			} else {
				r.Addend = int64(b.Base + fn)
				rela = append(rela, r)
			}
		}
	}

	// Tables in the text segment, after the program headers.
	dynstr := newStrtab()
	symNames := make([]uint64, len(b.Symbols))
	for i, s := range b.Symbols {
		symNames[i] = dynstr.add(s.Name)
	}
	neededOffs := make([]uint64, len(b.Needed))
	for i, n := range b.Needed {
		neededOffs[i] = dynstr.add(n)
	}
	var rpathOff, runpathOff uint64
	if b.RPath != "" {
		rpathOff = dynstr.add(b.RPath)
	}
	if b.RunPath != "" {
		runpathOff = dynstr.add(b.RunPath)
	}

	symtabOff := align(ehsize+phnum*phentsz, 8)
	symtabSize := uint64(len(b.Symbols)+1) * symsz
	dynstrOff := symtabOff + symtabSize
	dynstrSize := uint64(dynstr.buf.Len())
	relaOff := align(dynstrOff+dynstrSize, 8)
	relOff := relaOff + uint64(len(rela))*relasz
	pltEnt := relsz
	if b.PLTRela {
		pltEnt = relasz
	}
	pltOff := relOff + uint64(len(rel))*relsz
	tablesEnd := pltOff + uint64(len(b.PLT))*pltEnt
	if tablesEnd > TextAddr {
		return nil, fmt.Errorf("tables end at %#x, past text at %#x", tablesEnd, TextAddr)
	}
	img.SymtabAddr = b.Base + symtabOff
	img.DynstrAddr = b.Base + dynstrOff
	img.DynstrSize = dynstrSize

	// Dynamic table.
	var dyn []Dyn
	for _, off := range neededOffs {
		dyn = append(dyn, Dyn{elf.DT_NEEDED, off})
	}
	if b.RPath != "" {
		dyn = append(dyn, Dyn{elf.DT_RPATH, rpathOff})
	}
	if b.RunPath != "" {
		dyn = append(dyn, Dyn{elf.DT_RUNPATH, runpathOff})
	}
	dyn = append(dyn,
		Dyn{elf.DT_STRTAB, img.DynstrAddr},
		Dyn{elf.DT_STRSZ, dynstrSize},
		Dyn{elf.DT_SYMTAB, img.SymtabAddr},
		Dyn{elf.DT_SYMENT, symsz},
	)
	if len(rela) > 0 {
		dyn = append(dyn,
			Dyn{elf.DT_RELA, b.Base + relaOff},
			Dyn{elf.DT_RELASZ, uint64(len(rela)) * relasz},
			Dyn{elf.DT_RELAENT, relasz},
		)
	}
	if len(rel) > 0 {
		dyn = append(dyn,
			Dyn{elf.DT_REL, b.Base + relOff},
			Dyn{elf.DT_RELSZ, uint64(len(rel)) * relsz},
			Dyn{elf.DT_RELENT, relsz},
		)
	}
	if len(b.PLT) > 0 {
		enc := elf.DT_REL
		if b.PLTRela {
			enc = elf.DT_RELA
		}
		dyn = append(dyn,
			Dyn{elf.DT_JMPREL, b.Base + pltOff},
			Dyn{elf.DT_PLTRELSZ, uint64(len(b.PLT)) * pltEnt},
			Dyn{elf.DT_PLTREL, uint64(enc)},
		)
		// The PLT encoding's size and entry size tags are required even
		// without a DT_RELA or DT_REL table.
		if b.PLTRela && len(rela) == 0 {
			dyn = append(dyn, Dyn{elf.DT_RELASZ, 0}, Dyn{elf.DT_RELAENT, relasz})
		}
		if !b.PLTRela && len(rel) == 0 {
			dyn = append(dyn, Dyn{elf.DT_RELSZ, 0}, Dyn{elf.DT_RELENT, relsz})
		}
	}
	if b.Init != 0 {
		dyn = append(dyn, Dyn{elf.DT_INIT, b.Base + b.Init})
	}
	if b.Fini != 0 {
		dyn = append(dyn, Dyn{elf.DT_FINI, b.Base + b.Fini})
	}
	if len(b.InitArray) > 0 {
		dyn = append(dyn,
			Dyn{elf.DT_INIT_ARRAY, img.InitArrayAddr},
			Dyn{elf.DT_INIT_ARRAYSZ, uint64(len(b.InitArray)) * w},
		)
	}
	if len(b.FiniArray) > 0 {
		dyn = append(dyn,
			Dyn{elf.DT_FINI_ARRAY, img.FiniArrayAddr},
			Dyn{elf.DT_FINI_ARRAYSZ, uint64(len(b.FiniArray)) * w},
		)
	}
	dyn = slices.DeleteFunc(dyn, func(d Dyn) bool { return slices.Contains(b.Omit, d.Tag) })
	dyn = append(dyn, b.Extra...)
	dyn = append(dyn, Dyn{elf.DT_NULL, 0})

	dynSize := uint64(len(dyn)) * 2 * w
	dataFileEnd := dynOff + dynSize
	img.DynamicAddr = b.Base + dynOff
	img.BSSAddr = b.Base + dataFileEnd

	// Section names and headers follow the data segment in the file.
	shstr := newStrtab()
	names := [sectionCount]uint64{}
	for i, n := range []string{"", ".dynsym", ".dynstr", ".text", ".data", ".shstrtab"} {
		names[i] = shstr.add(n)
	}
	shstrOff := dataFileEnd
	shoff := align(shstrOff+uint64(shstr.buf.Len()), 8)
	img.shoff = shoff

	out := &bytes.Buffer{}

	// ELF header.
	out.Write([]byte(elf.ELFMAG))
	out.WriteByte(byte(b.Class))
	out.WriteByte(byte(elf.ELFDATA2LSB))
	out.WriteByte(byte(elf.EV_CURRENT))
	out.WriteByte(byte(b.OSABI))
	out.Write(make([]byte, elf.EI_NIDENT-8))
	a.put16(out, uint16(b.Type))
	a.put16(out, uint16(b.Machine))
	a.put32(out, uint32(elf.EV_CURRENT))
	entry := uint64(0)
	if b.Entry != 0 {
		entry = b.Base + b.Entry
	}
	a.putWord(out, entry)
	a.putWord(out, ehsize)
	a.putWord(out, shoff)
	a.put32(out, 0)
	a.put16(out, uint16(ehsize))
	a.put16(out, uint16(phentsz))
	a.put16(out, phnum)
	a.put16(out, uint16(shentsz))
	a.put16(out, sectionCount)
	a.put16(out, SectionShstrtab)

	// Program headers.
	phdr := func(typ elf.ProgType, flags elf.ProgFlag, off, filesz, memsz, alignment uint64) {
		a.put32(out, uint32(typ))
		if a.is64 {
			a.put32(out, uint32(flags))
		}
		a.putWord(out, off)
		a.putWord(out, b.Base+off)
		a.putWord(out, b.Base+off)
		a.putWord(out, filesz)
		a.putWord(out, memsz)
		if !a.is64 {
			a.put32(out, uint32(flags))
		}
		a.putWord(out, alignment)
	}
	phdr(elf.PT_LOAD, elf.PF_R|elf.PF_X, 0, TextAddr+TextCap, TextAddr+TextCap, PageSize)
	phdr(elf.PT_LOAD, elf.PF_R|elf.PF_W, DataAddr, dataFileEnd-DataAddr, dataFileEnd-DataAddr+b.BSS, PageSize)
	phdr(elf.PT_DYNAMIC, elf.PF_R|elf.PF_W, dynOff, dynSize, dynSize, w)

	pad := func(to uint64) {
		if n := int(to) - out.Len(); n > 0 {
			out.Write(make([]byte, n))
		}
	}

	// Symbols.
	pad(symtabOff)
	out.Write(make([]byte, symsz))
	for i, s := range b.Symbols {
		shndx := uint16(SectionText)
		value := b.Base + s.Value
		switch {
		case s.Undefined:
			shndx, value = uint16(elf.SHN_UNDEF), 0
		case s.Absolute:
			shndx, value = uint16(elf.SHN_ABS), s.Value
		case s.Type == elf.STT_OBJECT:
			shndx = SectionData
		}
		info := byte(s.Bind)<<4 | byte(s.Type)&0xf
		a.put32(out, uint32(symNames[i]))
		if a.is64 {
			out.WriteByte(info)
			out.WriteByte(0)
			a.put16(out, shndx)
			a.putWord(out, value)
			a.putWord(out, s.Size)
		} else {
			a.putWord(out, value)
			a.putWord(out, s.Size)
			out.WriteByte(info)
			out.WriteByte(0)
			a.put16(out, shndx)
		}
	}
	out.Write(dynstr.buf.Bytes())

	// Relocations.
	writeRel := func(r Reloc, withAddend bool) {
		a.putWord(out, b.Base+r.Offset)
		if a.is64 {
			a.putWord(out, uint64(r.Symbol)<<32|uint64(r.Type))
		} else {
			a.putWord(out, uint64(r.Symbol)<<8|uint64(r.Type&0xff))
		}
		if withAddend {
			a.putWord(out, uint64(r.Addend))
		}
	}
	pad(relaOff)
	for _, r := range rela {
		writeRel(r, true)
	}
	for _, r := range rel {
		writeRel(r, false)
	}
	for _, r := range b.PLT {
		writeRel(r, b.PLTRela)
	}

	// Text.
	pad(TextAddr)
	out.Write(b.Text)
	pad(TextAddr + TextCap)

	// Data, arrays and the dynamic table.
	out.Write(b.Data)
	pad(initArrayOff)
	for _, arr := range arrays {
		for i := range arr.entries {
			a.putWord(out, stored[arr.off+uint64(i)*w])
		}
	}
	pad(dynOff)
	for _, d := range dyn {
		if a.is64 {
			_ = binary.Write(out, a.bo, int64(d.Tag))
		} else {
			_ = binary.Write(out, a.bo, int32(d.Tag))
		}
		a.putWord(out, d.Val)
	}

	// Section names and headers.
	out.Write(shstr.buf.Bytes())
	pad(shoff)
	shdr := func(name uint64, typ elf.SectionType, flags elf.SectionFlag, off, size uint64, link uint32, entsize uint64) {
		a.put32(out, uint32(name))
		a.put32(out, uint32(typ))
		a.putWord(out, uint64(flags))
		addr := uint64(0)
		if flags&elf.SHF_ALLOC != 0 {
			addr = b.Base + off
		}
		a.putWord(out, addr)
		a.putWord(out, off)
		a.putWord(out, size)
		a.put32(out, link)
		a.put32(out, 0)
		a.putWord(out, 8)
		a.putWord(out, entsize)
	}
	dynsymType := elf.SHT_DYNSYM
	if b.OmitDynsymSection {
		dynsymType = elf.SHT_PROGBITS
	}
	out.Write(make([]byte, shentsz))
	shdr(names[SectionDynsym], dynsymType, elf.SHF_ALLOC, symtabOff, symtabSize, SectionDynstr, symsz)
	shdr(names[SectionDynstr], elf.SHT_STRTAB, elf.SHF_ALLOC, dynstrOff, dynstrSize, 0, 0)
	shdr(names[SectionText], elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, TextAddr, TextCap, 0, 0)
	shdr(names[SectionData], elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, DataAddr, dataFileEnd-DataAddr, 0, 0)
	shdr(names[SectionShstrtab], elf.SHT_STRTAB, 0, shstrOff, uint64(shstr.buf.Len()), 0, 0)

	img.Bytes = out.Bytes()
	if b.StoreAddends {
		for _, r := range rela {
			if r.Offset < TextAddr || r.Offset+w > dataFileEnd {
				continue
			}
			if a.is64 {
				a.bo.PutUint64(img.Bytes[r.Offset:], uint64(r.Addend))
			} else {
				a.bo.PutUint32(img.Bytes[r.Offset:], uint32(r.Addend))
			}
		}
	}
	return img, nil
}

// MustBuild is Build for fixtures that are known to be valid.
func (b Builder) MustBuild() *Image {
	img, err := b.Build()
	if err != nil {
		panic(err)
	}
	return img
}
