package memmod

import (
	"debug/elf"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/elfloader/internal/elftest"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	h := newHarness(t, PlatformAMD64, WithMetrics(metrics))

	m, err := h.open(elftest.Builder{
		Data:   le64(0, 0),
		Needed: []string{"liba.so"},
		Rela: []elftest.Reloc{
			{Offset: elftest.DataAddr, Type: uint32(elf.R_X86_64_RELATIVE)},
			{Offset: elftest.DataAddr + 8, Type: uint32(elf.R_X86_64_RELATIVE)},
		},
	}, Callbacks{Load: func(soname, _, _ string) (Dependency, error) { return soname, nil }})
	require.NoError(t, err)

	_, err = h.session.Open(nil, Callbacks{})
	require.Error(t, err)

	require.Equal(t, 1.0, testutil.ToFloat64(metrics.opens.WithLabelValues("success")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.opens.WithLabelValues("error")))
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.relocations.WithLabelValues("relative")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.dependencies))
	require.Equal(t, float64(2*elftest.PageSize), testutil.ToFloat64(metrics.mappedBytes))

	require.NoError(t, m.Close())
	require.Zero(t, testutil.ToFloat64(metrics.mappedBytes))
}

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	m.opened("success")
	m.relocated(relocRelative, 1)
	m.dependencyLoaded()
	m.mapped(1)
	m.unmapped(1)
}
