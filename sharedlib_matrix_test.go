package elfloader

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/elfloader/memmod"
)

type sharedLibTarget struct {
	goarch    string
	zigTarget string
	platform  *memmod.Platform
}

var sharedLibTargets = []sharedLibTarget{
	{goarch: "386", zigTarget: "x86-linux-gnu", platform: memmod.Platform386},
	{goarch: "amd64", zigTarget: "x86_64-linux-gnu", platform: memmod.PlatformAMD64},
	{goarch: "arm64", zigTarget: "aarch64-linux-gnu", platform: memmod.PlatformARM64},
}

// TestLinkSharedLibraryMatrix links a real C library for every supported
// ABI without executing any of it: symbols resolve to placeholders and
// constructors are only recorded.
func TestLinkSharedLibraryMatrix(t *testing.T) {
	requireCommand(t, "zig")
	outDir := t.TempDir()

	for _, target := range sharedLibTargets {
		t.Run("linux-"+target.goarch, func(t *testing.T) {
			path := buildOneSharedLib(t, outDir, target)

			var (
				loaded []string
				calls  []uintptr
			)
			mapper := &heapMapper{}
			session := memmod.NewSession(
				memmod.WithPlatform(target.platform),
				memmod.WithMapper(mapper),
				memmod.WithInvoker(func(fn uintptr) error {
					calls = append(calls, fn)
					return nil
				}),
			)
			callbacks := memmod.Callbacks{
				Load: func(soname, rpath, runpath string) (memmod.Dependency, error) {
					loaded = append(loaded, soname)
					return soname, nil
				},
				Resolve: func(dep memmod.Dependency, name string) (uintptr, bool) {
					return 0x1000, true
				},
			}

			module, err := session.OpenFile(path, callbacks)
			require.NoError(t, err)
			require.Contains(t, loaded, "libc.so.6")

			start, err := module.Symbol("StartW")
			require.NoError(t, err)
			base, size := module.MappedRange()
			require.GreaterOrEqual(t, start, base)
			require.Less(t, start, base+uintptr(size))
			require.NotEmpty(t, calls, "constructor was not scheduled")

			constructors := len(calls)
			require.NoError(t, module.CallExport("StartWStatus"))
			require.Len(t, calls, constructors+1)

			require.NoError(t, session.Close(module))
			require.Zero(t, mapper.live)
			require.Greater(t, len(calls), constructors+1, "destructor was not scheduled")
		})
	}
}

func buildOneSharedLib(t *testing.T, outDir string, target sharedLibTarget) string {
	t.Helper()

	outputPath := filepath.Join(outDir, fmt.Sprintf("basic_linux-%s.so", target.goarch))
	sourcePath := filepath.Join("testdata", "c", "basic.c")

	cmd := exec.Command("zig", "cc",
		"-target", target.zigTarget,
		"-shared", "-fPIC",
		"-O2", "-g0",
		"-o", outputPath,
		sourcePath,
	)
	cmd.Env = append(
		os.Environ(),
		"ZIG_GLOBAL_CACHE_DIR="+filepath.Join(os.TempDir(), "elfloader-zig-global-cache"),
		"ZIG_LOCAL_CACHE_DIR="+filepath.Join(os.TempDir(), "elfloader-zig-local-cache"),
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build shared lib target=%s: %v\n%s", target.zigTarget, err, output)
	}
	return outputPath
}

func requireCommand(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not found in PATH", name)
	}
	if runtime.GOOS == "windows" {
		t.Skip("zig-built fixtures are linked on unix hosts only")
	}
}
