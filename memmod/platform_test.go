package memmod

import (
	"debug/elf"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHostPlatform(t *testing.T) {
	p, err := HostPlatform()
	switch runtime.GOARCH {
	case "amd64":
		require.Same(t, PlatformAMD64, p)
	case "386":
		require.Same(t, Platform386, p)
	case "arm64":
		require.Same(t, PlatformARM64, p)
	default:
		require.ErrorIs(t, err, ErrUnsupportedArch)
		return
	}
	require.NoError(t, err)
}

func TestPlatformLayouts(t *testing.T) {
	for _, p := range []*Platform{PlatformAMD64, Platform386, PlatformARM64} {
		t.Run(p.Name, func(t *testing.T) {
			if p.Class == elf.ELFCLASS64 {
				require.Equal(t, uint64(elf.Sym64Size), p.symSize())
				require.Equal(t, uint64(24), p.relaSize())
			} else {
				require.Equal(t, uint64(elf.Sym32Size), p.symSize())
				require.Equal(t, uint64(12), p.relaSize())
			}
			require.Equal(t, relocRelative, relocKindOf(t, p, map[elf.Machine]uint32{
				elf.EM_X86_64:  uint32(elf.R_X86_64_RELATIVE),
				elf.EM_386:     uint32(elf.R_386_RELATIVE),
				elf.EM_AARCH64: uint32(elf.R_AARCH64_RELATIVE),
			}[p.Machine]))
		})
	}
}

func relocKindOf(t *testing.T, p *Platform, typ uint32) relocKind {
	t.Helper()
	kind, ok := p.relocs[typ]
	require.True(t, ok, "type %d", typ)
	return kind
}

func TestPageRounding(t *testing.T) {
	p := PlatformAMD64
	require.Equal(t, uint64(0x1000), p.pageDown(0x1fff))
	up, ok := p.pageUp(0x1001)
	require.True(t, ok)
	require.Equal(t, uint64(0x2000), up)
	_, ok = p.pageUp(^uint64(0) - 2)
	require.False(t, ok)
}

func TestProtString(t *testing.T) {
	require.Equal(t, "r-x", (ProtRead | ProtExec).String())
	require.Equal(t, "rw-", segmentProt(elf.PF_R|elf.PF_W).String())
	require.Equal(t, "---", Prot(0).String())
}
