package memmod

import (
	"debug/elf"
	"fmt"
)

// dynSlots covers DT_NULL through DT_PREINIT_ARRAYSZ. Higher tags are not
// ones this loader acts on and are skipped.
const dynSlots = int(elf.DT_PREINIT_ARRAYSZ) + 1

// dynIndex is the dynamic table keyed by tag. DT_NEEDED is the only
// multi-valued tag in range; its string offsets are kept in order.
type dynIndex struct {
	slots  [dynSlots]uint64
	set    [dynSlots]bool
	needed []uint64
}

func (d *dynIndex) get(tag elf.DynTag) (uint64, bool) {
	return d.slots[tag], d.set[tag]
}

func (d *dynIndex) has(tag elf.DynTag) bool {
	return d.set[tag]
}

// indexDynamic walks the PT_DYNAMIC entries up to DT_NULL. A second entry for
// a single-valued tag is an error, not an overwrite.
func indexDynamic(data []byte, dyn segment, p *Platform) (*dynIndex, error) {
	idx := &dynIndex{}
	entsize := p.dynSize()
	raw := data[dyn.offset : dyn.offset+dyn.filesz]
	for off := uint64(0); off+entsize <= uint64(len(raw)); off += entsize {
		var tag int64
		if p.is64() {
			tag = int64(p.ByteOrder.Uint64(raw[off:]))
		} else {
			tag = int64(int32(p.ByteOrder.Uint32(raw[off:])))
		}
		val := p.word(raw[off+entsize/2:])

		switch {
		case elf.DynTag(tag) == elf.DT_NULL:
			return idx, nil
		case elf.DynTag(tag) == elf.DT_NEEDED:
			idx.needed = append(idx.needed, val)
		case tag < 0 || tag >= int64(dynSlots):
		default:
			if idx.set[tag] {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateDynamicEntry, elf.DynTag(tag))
			}
			idx.slots[tag], idx.set[tag] = val, true
		}
	}
	return idx, nil
}

// relTable is a located relocation table inside the mapped image.
type relTable struct {
	name   string
	raw    []byte
	addend bool
}

// funcArray is a constructor or destructor array inside the mapped image.
type funcArray struct {
	vaddr uint64
	count uint64
}

// dynInfo is everything the later stages need from the dynamic table, with
// every table already bounds-checked against the mapped image.
type dynInfo struct {
	strtab       []byte
	symtab       uint64
	rel          *relTable
	rela         *relTable
	plt          *relTable
	init         uint64
	fini         uint64
	initArray    funcArray
	finiArray    funcArray
	preinitArray funcArray
	needed       []string
	rpath        string
	runpath      string
}

// resolve checks the cross-referencing requirements between tags and locates
// every table inside the mapped image.
func (d *dynIndex) resolve(r *region, p *Platform) (*dynInfo, error) {
	info := &dynInfo{}

	strtab, ok := d.get(elf.DT_STRTAB)
	if !ok {
		return nil, fmt.Errorf("%w: no %s", ErrMissingDynamicEntry, elf.DT_STRTAB)
	}
	strsz, ok := d.get(elf.DT_STRSZ)
	if !ok {
		return nil, fmt.Errorf("%w: %s requires %s", ErrMissingCompanionEntry, elf.DT_STRTAB, elf.DT_STRSZ)
	}
	if info.strtab, ok = r.slice(strtab, strsz); !ok {
		return nil, fmt.Errorf("%w: dynamic string table", ErrOutOfBounds)
	}
	if err := checkStringTable(info.strtab); err != nil {
		return nil, fmt.Errorf("dynamic string table: %w", err)
	}

	if info.symtab, ok = d.get(elf.DT_SYMTAB); !ok {
		return nil, fmt.Errorf("%w: no %s", ErrMissingDynamicEntry, elf.DT_SYMTAB)
	}
	syment, ok := d.get(elf.DT_SYMENT)
	if !ok {
		return nil, fmt.Errorf("%w: %s requires %s", ErrMissingCompanionEntry, elf.DT_SYMTAB, elf.DT_SYMENT)
	}
	if syment != p.symSize() {
		return nil, fmt.Errorf("%w: %s is %d, want %d", ErrEntrySizeMismatch, elf.DT_SYMENT, syment, p.symSize())
	}

	var err error
	if d.has(elf.DT_RELA) {
		if info.rela, err = d.relocations(r, elf.DT_RELA, elf.DT_RELASZ, elf.DT_RELAENT, p.relaSize(), true); err != nil {
			return nil, err
		}
	}
	if d.has(elf.DT_REL) {
		if info.rel, err = d.relocations(r, elf.DT_REL, elf.DT_RELSZ, elf.DT_RELENT, p.relSize(), false); err != nil {
			return nil, err
		}
	}
	if d.has(elf.DT_JMPREL) {
		if info.plt, err = d.pltRelocations(r, p); err != nil {
			return nil, err
		}
	}

	for _, fn := range []struct {
		tag elf.DynTag
		dst *uint64
	}{
		{elf.DT_INIT, &info.init},
		{elf.DT_FINI, &info.fini},
	} {
		v, ok := d.get(fn.tag)
		if !ok {
			continue
		}
		if !r.contains(v) {
			return nil, fmt.Errorf("%w: %s at %#x", ErrOutOfBounds, fn.tag, v)
		}
		*fn.dst = v
	}

	for _, arr := range []struct {
		tag, sizeTag elf.DynTag
		dst          *funcArray
	}{
		{elf.DT_INIT_ARRAY, elf.DT_INIT_ARRAYSZ, &info.initArray},
		{elf.DT_FINI_ARRAY, elf.DT_FINI_ARRAYSZ, &info.finiArray},
		{elf.DT_PREINIT_ARRAY, elf.DT_PREINIT_ARRAYSZ, &info.preinitArray},
	} {
		if *arr.dst, err = d.functionArray(r, p, arr.tag, arr.sizeTag); err != nil {
			return nil, err
		}
	}

	for _, off := range d.needed {
		name, err := cstring(info.strtab, off)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", elf.DT_NEEDED, err)
		}
		info.needed = append(info.needed, name)
	}

	// DT_RUNPATH supersedes DT_RPATH.
	if off, ok := d.get(elf.DT_RUNPATH); ok {
		if info.runpath, err = cstring(info.strtab, off); err != nil {
			return nil, fmt.Errorf("%s: %w", elf.DT_RUNPATH, err)
		}
	} else if off, ok := d.get(elf.DT_RPATH); ok {
		if info.rpath, err = cstring(info.strtab, off); err != nil {
			return nil, fmt.Errorf("%s: %w", elf.DT_RPATH, err)
		}
	}
	return info, nil
}

func (d *dynIndex) relocations(r *region, tag, sizeTag, entTag elf.DynTag, entsize uint64, addend bool) (*relTable, error) {
	addr, _ := d.get(tag)
	size, ok := d.get(sizeTag)
	if !ok {
		return nil, fmt.Errorf("%w: %s requires %s", ErrMissingCompanionEntry, tag, sizeTag)
	}
	ent, ok := d.get(entTag)
	if !ok {
		return nil, fmt.Errorf("%w: %s requires %s", ErrMissingCompanionEntry, tag, entTag)
	}
	return locateRelocations(r, tag, addr, size, ent, entsize, addend)
}

func (d *dynIndex) pltRelocations(r *region, p *Platform) (*relTable, error) {
	addr, _ := d.get(elf.DT_JMPREL)
	size, ok := d.get(elf.DT_PLTRELSZ)
	if !ok {
		return nil, fmt.Errorf("%w: %s requires %s", ErrMissingCompanionEntry, elf.DT_JMPREL, elf.DT_PLTRELSZ)
	}
	encoding, ok := d.get(elf.DT_PLTREL)
	if !ok {
		return nil, fmt.Errorf("%w: %s requires %s", ErrMissingCompanionEntry, elf.DT_JMPREL, elf.DT_PLTREL)
	}

	var (
		sizeTag, entTag elf.DynTag
		entsize         uint64
		addend          bool
	)
	switch elf.DynTag(encoding) {
	case elf.DT_RELA:
		sizeTag, entTag, entsize, addend = elf.DT_RELASZ, elf.DT_RELAENT, p.relaSize(), true
	case elf.DT_REL:
		sizeTag, entTag, entsize, addend = elf.DT_RELSZ, elf.DT_RELENT, p.relSize(), false
	default:
		return nil, fmt.Errorf("%w: %d", ErrBadPLTEncoding, encoding)
	}
	encSize, ok := d.get(sizeTag)
	if !ok {
		return nil, fmt.Errorf("%w: %s with %s encoding requires %s", ErrMissingCompanionEntry, elf.DT_JMPREL, elf.DynTag(encoding), sizeTag)
	}
	ent, ok := d.get(entTag)
	if !ok {
		return nil, fmt.Errorf("%w: %s with %s encoding requires %s", ErrMissingCompanionEntry, elf.DT_JMPREL, elf.DynTag(encoding), entTag)
	}
	if encSize%entsize != 0 {
		return nil, fmt.Errorf("%w: %s size %d is not a multiple of %d", ErrEntrySizeMismatch, sizeTag, encSize, entsize)
	}
	return locateRelocations(r, elf.DT_JMPREL, addr, size, ent, entsize, addend)
}

func locateRelocations(r *region, tag elf.DynTag, addr, size, ent, entsize uint64, addend bool) (*relTable, error) {
	if ent != entsize {
		return nil, fmt.Errorf("%w: %s entries are %d bytes, want %d", ErrEntrySizeMismatch, tag, ent, entsize)
	}
	if size%entsize != 0 {
		return nil, fmt.Errorf("%w: %s size %d is not a multiple of %d", ErrEntrySizeMismatch, tag, size, entsize)
	}
	raw, ok := r.slice(addr, size)
	if !ok {
		return nil, fmt.Errorf("%w: %s table", ErrOutOfBounds, tag)
	}
	return &relTable{name: tag.String(), raw: raw, addend: addend}, nil
}

func (d *dynIndex) functionArray(r *region, p *Platform, tag, sizeTag elf.DynTag) (funcArray, error) {
	addr, ok := d.get(tag)
	if !ok {
		return funcArray{}, nil
	}
	size, ok := d.get(sizeTag)
	if !ok {
		return funcArray{}, fmt.Errorf("%w: %s requires %s", ErrMissingCompanionEntry, tag, sizeTag)
	}
	if size%p.wordSize() != 0 {
		return funcArray{}, fmt.Errorf("%w: %s size %d is not a multiple of %d", ErrEntrySizeMismatch, tag, size, p.wordSize())
	}
	if _, ok := r.slice(addr, size); !ok {
		return funcArray{}, fmt.Errorf("%w: %s", ErrOutOfBounds, tag)
	}
	return funcArray{vaddr: addr, count: size / p.wordSize()}, nil
}
