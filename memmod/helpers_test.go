package memmod

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/elfloader/internal/elftest"
)

// heapMapper hands out Go-allocated memory and records what the engine asks
// of it. Nothing it maps is executable.
type heapMapper struct {
	maps     [][]byte
	protects []protectCall
	unmaps   int
	mapErr   error
}

type protectCall struct {
	offset int
	length int
	prot   Prot
}

func (m *heapMapper) Map(hint uintptr, length int, fixed bool) ([]byte, error) {
	if m.mapErr != nil {
		return nil, m.mapErr
	}
	if fixed {
		return nil, errors.New("heap mapper cannot place fixed mappings")
	}
	mem := make([]byte, length)
	m.maps = append(m.maps, mem)
	return mem, nil
}

func (m *heapMapper) Protect(mem []byte, prot Prot) error {
	base := m.maps[len(m.maps)-1]
	off := int(uintptrOf(mem) - uintptrOf(base))
	m.protects = append(m.protects, protectCall{offset: off, length: len(mem), prot: prot})
	return nil
}

func (m *heapMapper) Unmap(mem []byte) error {
	m.unmaps++
	return nil
}

func (m *heapMapper) last() []byte {
	if len(m.maps) == 0 {
		return nil
	}
	return m.maps[len(m.maps)-1]
}

func uintptrOf(b []byte) uintptr {
	r := region{mem: b}
	return r.addr()
}

type invocations struct {
	calls []uintptr
}

func (inv *invocations) invoke(fn uintptr) error {
	inv.calls = append(inv.calls, fn)
	return nil
}

type harness struct {
	t       *testing.T
	mapper  *heapMapper
	inv     *invocations
	session *Session
}

func newHarness(t *testing.T, p *Platform, opts ...Option) *harness {
	t.Helper()
	h := &harness{t: t, mapper: &heapMapper{}, inv: &invocations{}}
	opts = append([]Option{
		WithPlatform(p),
		WithMapper(h.mapper),
		WithInvoker(h.inv.invoke),
	}, opts...)
	h.session = NewSession(opts...)
	return h
}

func (h *harness) open(b elftest.Builder, cb Callbacks) (*Module, error) {
	h.t.Helper()
	img, err := b.Build()
	require.NoError(h.t, err)
	return h.session.Open(img.Bytes, cb)
}

func (h *harness) mustOpen(b elftest.Builder, cb Callbacks) *Module {
	h.t.Helper()
	m, err := h.open(b, cb)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = m.Close() })
	return m
}

// base is the run-time address of link address 0 for the last mapping.
func (h *harness) base() uint64 {
	return uint64(uintptrOf(h.mapper.last()))
}

func (h *harness) word64(off uint64) uint64 {
	return binary.LittleEndian.Uint64(h.mapper.last()[off:])
}

func (h *harness) word32(off uint64) uint32 {
	return binary.LittleEndian.Uint32(h.mapper.last()[off:])
}

func le64(vals ...uint64) []byte {
	b := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(b[8*i:], v)
	}
	return b
}

func le32(vals ...uint32) []byte {
	b := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(b[4*i:], v)
	}
	return b
}

func newMemFs(t *testing.T, files map[string][]byte) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	for name, data := range files {
		require.NoError(t, afero.WriteFile(fs, name, data, 0o644))
	}
	return fs
}
