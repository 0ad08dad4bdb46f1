package memmod

import (
	"debug/elf"
	"fmt"
	"math"
)

type segment struct {
	offset uint64
	vaddr  uint64
	filesz uint64
	memsz  uint64
	flags  elf.ProgFlag
}

// layout is the address range an image needs: its page-aligned link-time
// base, the total mapping length, and the segments that drive the mapping.
type layout struct {
	base    uint64
	size    uint64
	loads   []segment
	dynamic segment
}

func readProgram(data []byte, hdr *fileHeader, p *Platform, i uint64) (elf.ProgType, segment) {
	b := data[hdr.phoff+i*p.progSize():]
	bo := p.ByteOrder
	typ := elf.ProgType(bo.Uint32(b[0:]))
	if p.is64() {
		return typ, segment{
			flags:  elf.ProgFlag(bo.Uint32(b[4:])),
			offset: bo.Uint64(b[8:]),
			vaddr:  bo.Uint64(b[16:]),
			filesz: bo.Uint64(b[32:]),
			memsz:  bo.Uint64(b[40:]),
		}
	}
	return typ, segment{
		offset: uint64(bo.Uint32(b[4:])),
		vaddr:  uint64(bo.Uint32(b[8:])),
		filesz: uint64(bo.Uint32(b[16:])),
		memsz:  uint64(bo.Uint32(b[20:])),
		flags:  elf.ProgFlag(bo.Uint32(b[24:])),
	}
}

// processProgramHeaders validates every program header and computes the
// mapping the image needs.
func processProgramHeaders(data []byte, hdr *fileHeader, p *Platform) (*layout, error) {
	n := uint64(len(data))
	lay := &layout{}
	var (
		low        = uint64(math.MaxUint64)
		high       uint64
		hasDynamic bool
	)
	for i := uint64(0); i < hdr.phnum; i++ {
		typ, seg := readProgram(data, hdr, p, i)
		if !span(seg.offset, seg.filesz, n) {
			return nil, fmt.Errorf("%w: program header %d offset/size", ErrOutOfBounds, i)
		}
		if seg.filesz > seg.memsz {
			return nil, fmt.Errorf("%w: program header %d file size exceeds memory size", ErrOutOfBounds, i)
		}

		switch typ {
		case elf.PT_LOAD:
			if seg.memsz == 0 {
				continue
			}
			end := seg.vaddr + seg.memsz
			if end < seg.vaddr {
				return nil, fmt.Errorf("%w: program header %d address range wraps", ErrOutOfBounds, i)
			}
			low = min(low, seg.vaddr)
			high = max(high, end)
			lay.loads = append(lay.loads, seg)
		case elf.PT_DYNAMIC:
			if hasDynamic {
				return nil, ErrMultipleDynamicSegments
			}
			hasDynamic = true
			lay.dynamic = seg
		}
	}

	if len(lay.loads) == 0 {
		return nil, ErrNoLoadableSegments
	}
	if !hasDynamic {
		return nil, ErrNoDynamicSegment
	}

	lay.base = p.pageDown(low)
	size, ok := p.pageUp(high - lay.base)
	if !ok || size > math.MaxInt {
		return nil, fmt.Errorf("%w: image span %#x", ErrOutOfBounds, high-lay.base)
	}
	lay.size = size
	return lay, nil
}
