package memmod

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"runtime"
)

// Platform describes the ABI an image must be built for: word size, machine,
// struct sizes and the relocation encodings the engine knows how to apply.
type Platform struct {
	Name      string
	Class     elf.Class
	Machine   elf.Machine
	PageSize  uint64
	ByteOrder binary.ByteOrder

	relocs map[uint32]relocKind
}

var (
	PlatformAMD64 = &Platform{
		Name:      "amd64",
		Class:     elf.ELFCLASS64,
		Machine:   elf.EM_X86_64,
		PageSize:  4096,
		ByteOrder: binary.LittleEndian,
		relocs: map[uint32]relocKind{
			uint32(elf.R_X86_64_NONE):     relocNone,
			uint32(elf.R_X86_64_64):       relocDirect,
			uint32(elf.R_X86_64_PC32):     relocPCRel32,
			uint32(elf.R_X86_64_COPY):     relocCopy,
			uint32(elf.R_X86_64_GLOB_DAT): relocAbsolute,
			uint32(elf.R_X86_64_JMP_SLOT): relocAbsolute,
			uint32(elf.R_X86_64_RELATIVE): relocRelative,
			uint32(elf.R_X86_64_PC64):     relocPCRel,
		},
	}

	Platform386 = &Platform{
		Name:      "386",
		Class:     elf.ELFCLASS32,
		Machine:   elf.EM_386,
		PageSize:  4096,
		ByteOrder: binary.LittleEndian,
		relocs: map[uint32]relocKind{
			uint32(elf.R_386_NONE):     relocNone,
			uint32(elf.R_386_32):       relocDirect,
			uint32(elf.R_386_PC32):     relocPCRel,
			uint32(elf.R_386_COPY):     relocCopy,
			uint32(elf.R_386_GLOB_DAT): relocAbsolute,
			uint32(elf.R_386_JMP_SLOT): relocAbsolute,
			uint32(elf.R_386_RELATIVE): relocRelative,
		},
	}

	PlatformARM64 = &Platform{
		Name:      "arm64",
		Class:     elf.ELFCLASS64,
		Machine:   elf.EM_AARCH64,
		PageSize:  4096,
		ByteOrder: binary.LittleEndian,
		relocs: map[uint32]relocKind{
			uint32(elf.R_AARCH64_NONE):      relocNone,
			256:                             relocNone, // R_AARCH64_NONE as emitted by older binutils
			uint32(elf.R_AARCH64_ABS64):     relocDirect,
			uint32(elf.R_AARCH64_PREL64):    relocPCRel,
			uint32(elf.R_AARCH64_PREL32):    relocPCRel32,
			uint32(elf.R_AARCH64_COPY):      relocCopy,
			uint32(elf.R_AARCH64_GLOB_DAT):  relocAbsolute,
			uint32(elf.R_AARCH64_JUMP_SLOT): relocAbsolute,
			uint32(elf.R_AARCH64_RELATIVE):  relocRelative,
		},
	}
)

// HostPlatform returns the platform matching the running binary.
func HostPlatform() (*Platform, error) {
	switch runtime.GOARCH {
	case "amd64":
		return PlatformAMD64, nil
	case "386":
		return Platform386, nil
	case "arm64":
		return PlatformARM64, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedArch, runtime.GOARCH)
	}
}

func (p *Platform) is64() bool {
	return p.Class == elf.ELFCLASS64
}

func (p *Platform) wordSize() uint64 {
	if p.is64() {
		return 8
	}
	return 4
}

func (p *Platform) headerSize() uint64 {
	if p.is64() {
		return 64
	}
	return 52
}

func (p *Platform) progSize() uint64 {
	if p.is64() {
		return 56
	}
	return 32
}

func (p *Platform) sectionSize() uint64 {
	if p.is64() {
		return 64
	}
	return 40
}

func (p *Platform) dynSize() uint64 {
	if p.is64() {
		return 16
	}
	return 8
}

func (p *Platform) symSize() uint64 {
	if p.is64() {
		return elf.Sym64Size
	}
	return elf.Sym32Size
}

func (p *Platform) relSize() uint64 {
	if p.is64() {
		return 16
	}
	return 8
}

func (p *Platform) relaSize() uint64 {
	if p.is64() {
		return 24
	}
	return 12
}

// word reads a target-sized word from the start of b.
func (p *Platform) word(b []byte) uint64 {
	if p.is64() {
		return p.ByteOrder.Uint64(b)
	}
	return uint64(p.ByteOrder.Uint32(b))
}

func (p *Platform) putWord(b []byte, v uint64) {
	if p.is64() {
		p.ByteOrder.PutUint64(b, v)
		return
	}
	p.ByteOrder.PutUint32(b, uint32(v))
}

func (p *Platform) pageDown(v uint64) uint64 {
	return v &^ (p.PageSize - 1)
}

func (p *Platform) pageUp(v uint64) (uint64, bool) {
	up := (v + p.PageSize - 1) &^ (p.PageSize - 1)
	return up, up >= v
}
