package memmod

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProtectSharedPageGetsUnion(t *testing.T) {
	p := *PlatformAMD64
	p.PageSize = 0x4000

	mapper := &heapMapper{}
	mem, err := mapper.Map(0, 3*0x4000, false)
	require.NoError(t, err)
	r := &region{mem: mem}
	lay := &layout{
		size: uint64(len(mem)),
		loads: []segment{
			{vaddr: 0, memsz: 0x1000, flags: elf.PF_R},
			{vaddr: 0x1000, memsz: 0x5000, flags: elf.PF_R | elf.PF_X},
			{vaddr: 0x6000, memsz: 0x2000, flags: elf.PF_R},
			{vaddr: 0x8000, memsz: 0x1000, flags: elf.PF_R | elf.PF_W},
		},
	}

	require.NoError(t, protectImage(mapper, r, lay, &p))
	// The first page holds R and R-X, the second R-X and R. The third
	// belongs to the RW segment alone.
	require.Equal(t, []protectCall{
		{offset: 0, length: 0x8000, prot: ProtRead | ProtExec},
	}, mapper.protects)
}

func TestProtectKeepsSharedPageWritable(t *testing.T) {
	p := *PlatformAMD64
	p.PageSize = 0x4000

	mapper := &heapMapper{}
	mem, err := mapper.Map(0, 2*0x4000, false)
	require.NoError(t, err)
	r := &region{mem: mem}
	lay := &layout{
		size: uint64(len(mem)),
		loads: []segment{
			{vaddr: 0, memsz: 0x5000, flags: elf.PF_R | elf.PF_X},
			{vaddr: 0x5000, memsz: 0x1000, flags: elf.PF_R | elf.PF_W},
		},
	}

	require.NoError(t, protectImage(mapper, r, lay, &p))
	require.Equal(t, []protectCall{
		{offset: 0, length: 0x4000, prot: ProtRead | ProtExec},
		{offset: 0x4000, length: 0x4000, prot: ProtRead | ProtWrite | ProtExec},
	}, mapper.protects)
}
