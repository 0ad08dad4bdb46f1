package memmod

import (
	"bytes"
	"debug/elf"
	"fmt"
)

type fileHeader struct {
	typ      elf.Type
	machine  elf.Machine
	entry    uint64
	phoff    uint64
	shoff    uint64
	phnum    uint64
	shnum    uint64
	shstrndx uint64
}

// span reports whether [off, off+size) lies inside a buffer of length n.
func span(off, size, n uint64) bool {
	return off <= n && size <= n-off
}

// table reports whether count entries of entsize bytes starting at off fit in n.
func table(off, count, entsize, n uint64) bool {
	if entsize != 0 && count > n/entsize {
		return false
	}
	return span(off, count*entsize, n)
}

// validateHeader checks the fixed ELF header against the buffer and the target
// platform. Nothing is allocated or mapped here.
func validateHeader(data []byte, p *Platform) (*fileHeader, error) {
	n := uint64(len(data))
	if n < p.headerSize() {
		return nil, ErrShortImage
	}
	ident := data[:elf.EI_NIDENT]
	switch {
	case !bytes.Equal(ident[:4], []byte(elf.ELFMAG)):
		return nil, ErrNotELF
	case elf.Class(ident[elf.EI_CLASS]) != p.Class:
		return nil, fmt.Errorf("%w: class %s", ErrUnsupportedImage, elf.Class(ident[elf.EI_CLASS]))
	case elf.Data(ident[elf.EI_DATA]) != elf.ELFDATA2LSB:
		return nil, fmt.Errorf("%w: data ordering %s", ErrUnsupportedImage, elf.Data(ident[elf.EI_DATA]))
	case elf.Version(ident[elf.EI_VERSION]) != elf.EV_CURRENT:
		return nil, fmt.Errorf("%w: file version %d", ErrUnsupportedImage, ident[elf.EI_VERSION])
	case !acceptedOSABI(elf.OSABI(ident[elf.EI_OSABI])):
		return nil, fmt.Errorf("%w: OS ABI %s", ErrUnsupportedImage, elf.OSABI(ident[elf.EI_OSABI]))
	case ident[elf.EI_ABIVERSION] != 0:
		return nil, fmt.Errorf("%w: OS ABI version %d", ErrUnsupportedImage, ident[elf.EI_ABIVERSION])
	}

	bo := p.ByteOrder
	w := p.wordSize()
	hdr := &fileHeader{
		typ:     elf.Type(bo.Uint16(data[16:])),
		machine: elf.Machine(bo.Uint16(data[18:])),
		entry:   p.word(data[24:]),
		phoff:   p.word(data[24+w:]),
		shoff:   p.word(data[24+2*w:]),
	}
	version := bo.Uint32(data[20:])
	tail := data[28+3*w:]
	ehsize := uint64(bo.Uint16(tail[0:]))
	phentsize := uint64(bo.Uint16(tail[2:]))
	hdr.phnum = uint64(bo.Uint16(tail[4:]))
	shentsize := uint64(bo.Uint16(tail[6:]))
	hdr.shnum = uint64(bo.Uint16(tail[8:]))
	hdr.shstrndx = uint64(bo.Uint16(tail[10:]))

	switch {
	case hdr.machine != p.Machine:
		return nil, fmt.Errorf("%w: foreign machine (provided: %s, expected: %s)", ErrUnsupportedImage, hdr.machine, p.Machine)
	case hdr.typ != elf.ET_DYN && hdr.typ != elf.ET_EXEC:
		return nil, fmt.Errorf("%w: object type %s", ErrUnsupportedImage, hdr.typ)
	case version != uint32(elf.EV_CURRENT):
		return nil, fmt.Errorf("%w: object version %d", ErrUnsupportedImage, version)
	case ehsize != p.headerSize():
		return nil, fmt.Errorf("%w: main header size %d", ErrBadHeaderSize, ehsize)
	case phentsize != p.progSize():
		return nil, fmt.Errorf("%w: program header size %d", ErrBadHeaderSize, phentsize)
	case shentsize != p.sectionSize():
		return nil, fmt.Errorf("%w: section header size %d", ErrBadHeaderSize, shentsize)
	case !table(hdr.phoff, hdr.phnum, phentsize, n):
		return nil, fmt.Errorf("%w: program header offset/count", ErrOutOfBounds)
	case !table(hdr.shoff, hdr.shnum, shentsize, n):
		return nil, fmt.Errorf("%w: section header offset/count", ErrOutOfBounds)
	}

	if hdr.shstrndx != uint64(elf.SHN_UNDEF) {
		if err := validateSectionNames(data, hdr, p); err != nil {
			return nil, err
		}
	}
	return hdr, nil
}

func acceptedOSABI(abi elf.OSABI) bool {
	return abi == elf.ELFOSABI_NONE || abi == elf.ELFOSABI_LINUX
}

func validateSectionNames(data []byte, hdr *fileHeader, p *Platform) error {
	if hdr.shstrndx >= hdr.shnum {
		return fmt.Errorf("%w: section header string table index", ErrOutOfBounds)
	}
	sh := readSection(data, hdr, p, hdr.shstrndx)
	if !span(sh.offset, sh.size, uint64(len(data))) {
		return fmt.Errorf("%w: section name table offset/size", ErrOutOfBounds)
	}
	if sh.typ != elf.SHT_STRTAB {
		return fmt.Errorf("%w: section name table has type %s", ErrBadStringTable, sh.typ)
	}
	if sh.size == 0 {
		return nil
	}
	return checkStringTable(data[sh.offset : sh.offset+sh.size])
}

func checkStringTable(tab []byte) error {
	switch {
	case len(tab) == 0:
		return fmt.Errorf("%w: empty", ErrBadStringTable)
	case tab[0] != 0:
		return fmt.Errorf("%w: doesn't start with null byte", ErrBadStringTable)
	case tab[len(tab)-1] != 0:
		return fmt.Errorf("%w: doesn't end with null byte", ErrBadStringTable)
	}
	return nil
}

// cstring returns the NUL-terminated string at off. The table must already
// have passed checkStringTable.
func cstring(tab []byte, off uint64) (string, error) {
	if off >= uint64(len(tab)) {
		return "", fmt.Errorf("%w: string table index %#x", ErrOutOfBounds, off)
	}
	end := bytes.IndexByte(tab[off:], 0)
	if end < 0 {
		return "", fmt.Errorf("%w: unterminated string at %#x", ErrBadStringTable, off)
	}
	return string(tab[off : off+uint64(end)]), nil
}
