package memmod

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/elfloader/internal/elftest"
)

func TestOpenRejectsTruncatedAndForeignInput(t *testing.T) {
	h := newHarness(t, PlatformAMD64)

	_, err := h.session.Open([]byte{0x7f, 'E', 'L'}, Callbacks{})
	require.ErrorIs(t, err, ErrShortImage)

	img := elftest.Builder{}.MustBuild()
	bad := append([]byte(nil), img.Bytes...)
	bad[1] = 'X'
	_, err = h.session.Open(bad, Callbacks{})
	require.ErrorIs(t, err, ErrNotELF)

	_, err = h.session.Open(elftest.Builder{Machine: elf.EM_AARCH64}.MustBuild().Bytes, Callbacks{})
	require.ErrorIs(t, err, ErrUnsupportedImage)

	_, err = h.session.Open(elftest.Builder{Type: elf.ET_REL}.MustBuild().Bytes, Callbacks{})
	require.ErrorIs(t, err, ErrUnsupportedImage)

	require.Empty(t, h.mapper.maps)
}

func TestOpenAcceptsLinuxOSABI(t *testing.T) {
	h := newHarness(t, PlatformAMD64)
	h.mustOpen(elftest.Builder{OSABI: elf.ELFOSABI_LINUX}, Callbacks{})

	_, err := h.open(elftest.Builder{OSABI: elf.ELFOSABI_FREEBSD}, Callbacks{})
	require.ErrorIs(t, err, ErrUnsupportedImage)
}

func TestOpenRejectsProgramHeaderPastBuffer(t *testing.T) {
	h := newHarness(t, PlatformAMD64)
	img := elftest.Builder{Data: make([]byte, 16)}.MustBuild()

	// p_offset of the data segment
	off := img.ProgramHeaderOffset(1) + 8
	binary.LittleEndian.PutUint64(img.Bytes[off:], uint64(len(img.Bytes)))

	_, err := h.session.Open(img.Bytes, Callbacks{})
	require.ErrorIs(t, err, ErrOutOfBounds)
	require.Empty(t, h.mapper.maps)
}

func TestOpenRejectsBadEntrySizes(t *testing.T) {
	h := newHarness(t, PlatformAMD64)
	img := elftest.Builder{}.MustBuild()

	// e_phentsize
	binary.LittleEndian.PutUint16(img.Bytes[54:], 32)
	_, err := h.session.Open(img.Bytes, Callbacks{})
	require.ErrorIs(t, err, ErrBadHeaderSize)
	require.Empty(t, h.mapper.maps)
}

func TestOpenLookupClose(t *testing.T) {
	h := newHarness(t, PlatformAMD64)
	m, err := h.open(elftest.Builder{
		Data: make([]byte, 16),
		Symbols: []elftest.Symbol{
			{Name: "StartW", Value: elftest.TextAddr, Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC},
			{Name: "counter", Value: elftest.DataAddr, Size: 8, Bind: elf.STB_GLOBAL, Type: elf.STT_OBJECT},
			{Name: "puts", Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC, Undefined: true},
			{Name: "version", Value: 3, Bind: elf.STB_GLOBAL, Absolute: true},
		},
	}, Callbacks{})
	require.NoError(t, err)
	require.Len(t, h.mapper.maps, 1)

	base := h.base()
	addr, err := h.session.Lookup(m, "StartW")
	require.NoError(t, err)
	require.Equal(t, uintptr(base+elftest.TextAddr), addr)

	addr, err = h.session.Lookup(m, "counter")
	require.NoError(t, err)
	require.Equal(t, uintptr(base+elftest.DataAddr), addr)

	for _, name := range []string{"puts", "version", "missing"} {
		_, err = h.session.Lookup(m, name)
		require.ErrorIs(t, err, ErrSymbolNotFound, name)
	}

	start, length := m.MappedRange()
	require.Equal(t, uintptr(base), start)
	require.Equal(t, 2*elftest.PageSize, length)
	require.Zero(t, m.Entry())

	require.NoError(t, h.session.Close(m))
	require.Equal(t, 1, h.mapper.unmaps)
	start, length = m.MappedRange()
	require.Zero(t, start)
	require.Zero(t, length)
	_, err = m.Symbol("StartW")
	require.ErrorIs(t, err, ErrModuleClosed)

	require.NoError(t, h.session.Close(m))
	require.NoError(t, h.session.Close(nil))
	require.Equal(t, 1, h.mapper.unmaps)
}

func TestLastErrorIsConsumedOnce(t *testing.T) {
	h := newHarness(t, PlatformAMD64)
	_, ok := h.session.LastError()
	require.False(t, ok)

	_, err := h.session.Open(nil, Callbacks{})
	require.Error(t, err)

	msg, ok := h.session.LastError()
	require.True(t, ok)
	require.Equal(t, err.Error(), msg)

	_, ok = h.session.LastError()
	require.False(t, ok)
}

func TestProtectionsAppliedAfterRelocation(t *testing.T) {
	h := newHarness(t, PlatformAMD64)
	h.mustOpen(elftest.Builder{
		Data: make([]byte, 8),
		Rela: []elftest.Reloc{{Offset: elftest.DataAddr, Type: uint32(elf.R_X86_64_RELATIVE)}},
	}, Callbacks{})

	// The data segment stays read-write and is left alone.
	require.Equal(t, []protectCall{{offset: 0, length: elftest.PageSize, prot: ProtRead | ProtExec}}, h.mapper.protects)
}

func TestWeakSymbolResolvesToZero(t *testing.T) {
	build := func(bind elf.SymBind) elftest.Builder {
		return elftest.Builder{
			Data:    le64(^uint64(0)),
			Symbols: []elftest.Symbol{{Name: "maybe", Bind: bind, Type: elf.STT_FUNC, Undefined: true}},
			Rela:    []elftest.Reloc{{Offset: elftest.DataAddr, Symbol: 1, Type: uint32(elf.R_X86_64_GLOB_DAT)}},
		}
	}

	h := newHarness(t, PlatformAMD64)
	h.mustOpen(build(elf.STB_WEAK), Callbacks{})
	require.Zero(t, h.word64(elftest.DataAddr))

	h = newHarness(t, PlatformAMD64)
	_, err := h.open(build(elf.STB_GLOBAL), Callbacks{})
	require.ErrorIs(t, err, ErrSymbolNotFound)
	require.ErrorContains(t, err, `"maybe"`)
	require.Equal(t, 1, h.mapper.unmaps)
}

func TestConstructorAndDestructorOrder(t *testing.T) {
	h := newHarness(t, PlatformAMD64)
	const (
		initFn = elftest.TextAddr + 0x00
		finiFn = elftest.TextAddr + 0x10
	)
	m, err := h.open(elftest.Builder{
		Symbols: []elftest.Symbol{
			{Name: "_init", Value: initFn, Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC},
			{Name: "_fini", Value: finiFn, Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC},
			{Name: "work", Value: elftest.TextAddr + 0x80, Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC},
		},
		Init:      initFn,
		Fini:      finiFn,
		InitArray: []uint64{elftest.TextAddr + 0x20, elftest.TextAddr + 0x28},
		FiniArray: []uint64{elftest.TextAddr + 0x30, elftest.TextAddr + 0x38, elftest.TextAddr + 0x40},
	}, Callbacks{})
	require.NoError(t, err)

	at := func(off uint64) uintptr { return uintptr(h.base() + off) }
	require.Equal(t, []uintptr{at(initFn), at(elftest.TextAddr + 0x20), at(elftest.TextAddr + 0x28)}, h.inv.calls)

	_, err = m.Symbol("_init")
	require.ErrorIs(t, err, ErrSymbolNotFound)
	_, err = m.Symbol("_fini")
	require.ErrorIs(t, err, ErrSymbolNotFound)
	require.Len(t, m.Exports(), 1)

	h.inv.calls = nil
	destructors := []uintptr{at(elftest.TextAddr + 0x40), at(elftest.TextAddr + 0x38), at(elftest.TextAddr + 0x30), at(finiFn)}
	require.NoError(t, m.Close())
	require.Equal(t, destructors, h.inv.calls)
}

func TestFailedOpenSkipsDestructors(t *testing.T) {
	h := newHarness(t, PlatformAMD64)
	_, err := h.open(elftest.Builder{
		Symbols:   []elftest.Symbol{{Name: "gone", Bind: elf.STB_GLOBAL, Undefined: true}},
		Rela:      []elftest.Reloc{{Offset: elftest.DataAddr, Symbol: 1, Type: uint32(elf.R_X86_64_64)}},
		Data:      make([]byte, 8),
		Fini:      elftest.TextAddr,
		FiniArray: []uint64{elftest.TextAddr + 0x8},
	}, Callbacks{})
	require.ErrorIs(t, err, ErrSymbolNotFound)
	require.Empty(t, h.inv.calls)
	require.Equal(t, 1, h.mapper.unmaps)
}

func TestTeardownReportsDestructorFailures(t *testing.T) {
	h := newHarness(t, PlatformAMD64)
	m := h.mustOpen(elftest.Builder{Fini: elftest.TextAddr}, Callbacks{})

	m.invoker = func(uintptr) error { return ErrNativeCallUnsupported }
	err := h.session.Close(m)
	require.ErrorIs(t, err, ErrNativeCallUnsupported)
	require.Equal(t, 1, h.mapper.unmaps)

	msg, ok := h.session.LastError()
	require.True(t, ok)
	require.Contains(t, msg, "fini")
}

func TestConstructorFailureFailsOpen(t *testing.T) {
	h := newHarness(t, PlatformAMD64, WithInvoker(func(uintptr) error { return ErrNativeCallUnsupported }))
	_, err := h.open(elftest.Builder{Init: elftest.TextAddr}, Callbacks{})
	require.ErrorIs(t, err, ErrNativeCallUnsupported)
	require.Equal(t, 1, h.mapper.unmaps)
}

func TestCallExportTriesUnderscoreVariant(t *testing.T) {
	h := newHarness(t, PlatformAMD64)
	m := h.mustOpen(elftest.Builder{
		Symbols: []elftest.Symbol{{Name: "_StartW", Value: elftest.TextAddr, Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC}},
	}, Callbacks{})

	require.NoError(t, m.CallExport("StartW"))
	require.Equal(t, []uintptr{uintptr(h.base() + elftest.TextAddr)}, h.inv.calls)

	require.ErrorIs(t, m.CallExport("Other"), ErrSymbolNotFound)
	require.Error(t, m.CallExport("  "))
}

func TestEntryPoint(t *testing.T) {
	h := newHarness(t, PlatformAMD64)
	m := h.mustOpen(elftest.Builder{Entry: elftest.TextAddr + 4}, Callbacks{})
	require.Equal(t, uintptr(h.base()+elftest.TextAddr+4), m.Entry())

	_, err := h.open(elftest.Builder{Entry: 0x10000}, Callbacks{})
	require.ErrorIs(t, err, ErrOutOfBounds)
}

func TestExecutableMapsAtLinkAddress(t *testing.T) {
	p, err := HostPlatform()
	if err != nil {
		t.Skip(err)
	}
	const base = 0x2_0000_0000
	s := NewSession(WithInvoker((&invocations{}).invoke))
	classes := map[*Platform]elf.Class{PlatformAMD64: elf.ELFCLASS64, Platform386: elf.ELFCLASS32, PlatformARM64: elf.ELFCLASS64}
	img := elftest.Builder{
		Class:   classes[p],
		Machine: p.Machine,
		Type:    elf.ET_EXEC,
		Base:    base,
		Entry:   elftest.TextAddr,
	}.MustBuild()
	if p.Class == elf.ELFCLASS32 {
		t.Skip("link address does not fit a 32-bit address space")
	}

	m, err := s.Open(img.Bytes, Callbacks{})
	if err != nil {
		require.ErrorIs(t, err, ErrMapFailed)
		t.Skipf("cannot place a fixed mapping here: %v", err)
	}
	defer m.Close()

	start, _ := m.MappedRange()
	require.Equal(t, uintptr(base), start)
	require.Equal(t, uintptr(base+elftest.TextAddr), m.Entry())
}

func TestOpenFileReadsFromFs(t *testing.T) {
	fs := newMemFs(t, map[string][]byte{
		"/lib/libtest.so": elftest.Builder{
			Symbols: []elftest.Symbol{{Name: "f", Value: elftest.TextAddr, Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC}},
		}.MustBuild().Bytes,
	})
	h := newHarness(t, PlatformAMD64, WithFs(fs))

	m, err := h.session.OpenFile("/lib/libtest.so", Callbacks{})
	require.NoError(t, err)
	defer m.Close()
	_, err = m.Symbol("f")
	require.NoError(t, err)

	_, err = h.session.OpenFile("/lib/missing.so", Callbacks{})
	require.Error(t, err)
	msg, ok := h.session.LastError()
	require.True(t, ok)
	require.Contains(t, msg, "read library file")
}

func TestDlFunctions(t *testing.T) {
	require.Nil(t, Dlopen([]byte("nope"), Callbacks{}))
	require.NotEmpty(t, Dlerror())
	require.Empty(t, Dlerror())

	require.Zero(t, Dlsym(nil, "x"))
	require.Contains(t, Dlerror(), ErrInvalidHandle.Error())

	require.True(t, Dlclose(nil))
	require.Empty(t, Dlerror())
}
