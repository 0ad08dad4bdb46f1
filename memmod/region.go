package memmod

import (
	"debug/elf"
	"fmt"
	"unsafe"
)

// Prot is a page protection requested from a Mapper.
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

func (prot Prot) String() string {
	b := []byte("---")
	if prot&ProtRead != 0 {
		b[0] = 'r'
	}
	if prot&ProtWrite != 0 {
		b[1] = 'w'
	}
	if prot&ProtExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

func segmentProt(flags elf.ProgFlag) Prot {
	var prot Prot
	if flags&elf.PF_R != 0 {
		prot |= ProtRead
	}
	if flags&elf.PF_W != 0 {
		prot |= ProtWrite
	}
	if flags&elf.PF_X != 0 {
		prot |= ProtExec
	}
	return prot
}

// Mapper reserves, protects and releases the memory backing a module image.
// Map must return zero-filled, readable and writable memory of exactly length
// bytes. When fixed is set the mapping must start at hint or fail.
type Mapper interface {
	Map(hint uintptr, length int, fixed bool) ([]byte, error)
	Protect(mem []byte, prot Prot) error
	Unmap(mem []byte) error
}

// region is the mapped image. Every module-internal address is handled as a
// link-time virtual address and converted to an index into mem here.
type region struct {
	mem  []byte
	base uint64
}

func (r *region) addr() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(r.mem)))
}

// bias is what has to be added to a link-time address to get a real one.
func (r *region) bias() uint64 {
	return uint64(r.addr()) - r.base
}

func (r *region) real(vaddr uint64) uintptr {
	return uintptr(vaddr + r.bias())
}

// slice returns the bytes at [vaddr, vaddr+size) or false if any of them fall
// outside the mapping.
func (r *region) slice(vaddr, size uint64) ([]byte, bool) {
	if vaddr < r.base {
		return nil, false
	}
	off := vaddr - r.base
	if !span(off, size, uint64(len(r.mem))) {
		return nil, false
	}
	return r.mem[off : off+size : off+size], true
}

func (r *region) contains(vaddr uint64) bool {
	_, ok := r.slice(vaddr, 1)
	return ok
}

// mapImage reserves the whole span writable and copies every loadable
// segment's file bytes to its place. The memsz/filesz tail stays zero.
func mapImage(mapper Mapper, data []byte, lay *layout, fixed bool) (*region, error) {
	mem, err := mapper.Map(uintptr(lay.base), int(lay.size), fixed)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMapFailed, err)
	}
	if len(mem) != int(lay.size) {
		_ = mapper.Unmap(mem)
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrMapFailed, len(mem), lay.size)
	}
	r := &region{mem: mem, base: lay.base}
	for _, seg := range lay.loads {
		dst, ok := r.slice(seg.vaddr, seg.memsz)
		if !ok {
			_ = mapper.Unmap(mem)
			return nil, fmt.Errorf("%w: segment at %#x", ErrOutOfBounds, seg.vaddr)
		}
		copy(dst, data[seg.offset:seg.offset+seg.filesz])
	}
	return r, nil
}

// protectImage applies the final permissions page by page. It runs after
// relocation because relocations are written into segments that end up
// read-only. A page shared by two segments gets the union of their
// permissions, and pages that stay read-write are left alone.
func protectImage(mapper Mapper, r *region, lay *layout, p *Platform) error {
	ps := int(p.PageSize)
	npages := (len(r.mem) + ps - 1) / ps
	prots := make([]Prot, npages)
	covered := make([]bool, npages)
	for _, seg := range lay.loads {
		start := int(p.pageDown(seg.vaddr-r.base)) / ps
		end, _ := p.pageUp(seg.vaddr - r.base + seg.memsz)
		for i := start; i < min(int(end)/ps, npages); i++ {
			prots[i] |= segmentProt(seg.flags)
			covered[i] = true
		}
	}

	for start := 0; start < npages; {
		end := start + 1
		for end < npages && covered[end] == covered[start] && prots[end] == prots[start] {
			end++
		}
		prot := prots[start]
		if covered[start] && prot != ProtRead|ProtWrite {
			lo, hi := start*ps, min(end*ps, len(r.mem))
			if err := mapper.Protect(r.mem[lo:hi], prot); err != nil {
				return fmt.Errorf("%w: pages at %#x (%s): %w", ErrProtectFailed, r.base+uint64(lo), prot, err)
			}
		}
		start = end
	}
	return nil
}
