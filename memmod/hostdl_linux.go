//go:build linux && cgo

package memmod

import (
	"debug/elf"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"unsafe"

	"github.com/prometheus/procfs"
)

const (
	rtldNow     = 2
	rtldDefault = 0
)

type libdl struct {
	dlopen  uintptr
	dlsym   uintptr
	dlclose uintptr
	dlerror uintptr
}

var (
	libdlOnce sync.Once
	libdlAPI  libdl
	libdlErr  error
)

// systemLibrary is a handle returned by the host's dlopen.
type systemLibrary uintptr

// SystemCallbacks returns callbacks backed by the host C library loader.
// Dependencies are looked up in the module's DT_RUNPATH or DT_RPATH
// directories first and then by bare soname.
func SystemCallbacks() (Callbacks, error) {
	api, err := loadLibdl()
	if err != nil {
		return Callbacks{}, fmt.Errorf("%w: %w", ErrSystemLoaderUnavailable, err)
	}
	return Callbacks{
		Load: func(soname, rpath, runpath string) (Dependency, error) {
			var lastErr error
			for _, candidate := range systemCandidates(soname, rpath, runpath) {
				handle, err := api.open(candidate)
				if err == nil {
					return handle, nil
				}
				lastErr = err
			}
			return nil, lastErr
		},
		Resolve: func(dep Dependency, name string) (uintptr, bool) {
			handle := systemLibrary(rtldDefault)
			if dep != nil {
				lib, ok := dep.(systemLibrary)
				if !ok {
					return 0, false
				}
				handle = lib
			}
			addr, err := api.sym(handle, name)
			return addr, err == nil && addr != 0
		},
		Unload: func(dep Dependency) {
			if lib, ok := dep.(systemLibrary); ok && lib != 0 {
				_ = cCall1(api.dlclose, uintptr(lib))
			}
		},
	}, nil
}

func systemCandidates(soname, rpath, runpath string) []string {
	if strings.Contains(soname, "/") {
		return []string{soname}
	}
	dirs := runpath
	if dirs == "" {
		dirs = rpath
	}
	var out []string
	for _, dir := range filepath.SplitList(dirs) {
		if dir == "" || strings.Contains(dir, "$ORIGIN") {
			continue
		}
		out = append(out, filepath.Join(dir, soname))
	}
	return append(out, soname)
}

func (api *libdl) open(path string) (systemLibrary, error) {
	cPath, err := cString(path)
	if err != nil {
		return 0, err
	}

	// dlerror state is per thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	_ = cCall0(api.dlerror)
	handle := cCall2(api.dlopen, uintptr(unsafe.Pointer(&cPath[0])), rtldNow)
	runtime.KeepAlive(cPath)
	if handle == 0 {
		if err := api.lastError(); err != nil {
			return 0, fmt.Errorf("dlopen(%s): %w", path, err)
		}
		return 0, fmt.Errorf("dlopen(%s): unknown error", path)
	}
	return systemLibrary(handle), nil
}

func (api *libdl) sym(handle systemLibrary, name string) (uintptr, error) {
	cName, err := cString(name)
	if err != nil {
		return 0, err
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	_ = cCall0(api.dlerror)
	addr := cCall2(api.dlsym, uintptr(handle), uintptr(unsafe.Pointer(&cName[0])))
	runtime.KeepAlive(cName)
	if err := api.lastError(); err != nil {
		return 0, fmt.Errorf("dlsym(%s): %w", name, err)
	}
	return addr, nil
}

func (api *libdl) lastError() error {
	ptr := cCall0(api.dlerror)
	if ptr == 0 {
		return nil
	}
	const maxLen = 1 << 16
	var msg []byte
	for i := uintptr(0); i < maxLen; i++ {
		ch := *(*byte)(unsafe.Pointer(ptr + i))
		if ch == 0 {
			break
		}
		msg = append(msg, ch)
	}
	return errors.New(string(msg))
}

func cString(s string) ([]byte, error) {
	if strings.IndexByte(s, 0) >= 0 {
		return nil, fmt.Errorf("string %q contains NUL", s)
	}
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b, nil
}

func loadLibdl() (*libdl, error) {
	libdlOnce.Do(func() {
		libdlErr = initLibdl()
	})
	if libdlErr != nil {
		return nil, libdlErr
	}
	return &libdlAPI, nil
}

func initLibdl() error {
	path, base, err := findRuntimeLibc()
	if err != nil {
		return err
	}
	f, err := elf.Open(path)
	if err != nil {
		return fmt.Errorf("open elf %s: %w", path, err)
	}
	defer f.Close()

	var syms []elf.Symbol
	if dyn, err := f.DynamicSymbols(); err == nil {
		syms = append(syms, dyn...)
	}
	if all, err := f.Symbols(); err == nil {
		syms = append(syms, all...)
	}

	for _, fn := range []struct {
		name string
		dst  *uintptr
	}{
		{"dlopen", &libdlAPI.dlopen},
		{"dlsym", &libdlAPI.dlsym},
		{"dlclose", &libdlAPI.dlclose},
		{"dlerror", &libdlAPI.dlerror},
	} {
		off, ok := symbolOffset(syms, fn.name)
		if !ok {
			return fmt.Errorf("resolve libc symbol %s in %s: not found", fn.name, path)
		}
		*fn.dst = base + off
	}
	return nil
}

func symbolOffset(syms []elf.Symbol, want string) (uintptr, bool) {
	for _, s := range syms {
		if s.Value == 0 {
			continue
		}
		if s.Name == want || strings.HasPrefix(s.Name, want+"@") {
			return uintptr(s.Value), true
		}
	}
	return 0, false
}

// findRuntimeLibc picks the executable mapping most likely to be the C
// library and returns its path and load base.
func findRuntimeLibc() (string, uintptr, error) {
	self, err := procfs.Self()
	if err != nil {
		return "", 0, fmt.Errorf("open /proc/self: %w", err)
	}
	maps, err := self.ProcMaps()
	if err != nil {
		return "", 0, fmt.Errorf("read /proc/self/maps: %w", err)
	}

	var (
		best      *procfs.ProcMap
		bestScore = -1
	)
	for _, m := range maps {
		if m.Perms == nil || !m.Perms.Execute || !strings.HasPrefix(m.Pathname, "/") {
			continue
		}
		if score := libcScore(m.Pathname); score > bestScore {
			best, bestScore = m, score
		}
	}
	if best == nil || bestScore < 0 {
		return "", 0, errors.New("failed to locate runtime libc mapping")
	}
	path := strings.TrimSuffix(best.Pathname, " (deleted)")
	if best.Offset < 0 || best.StartAddr < uintptr(best.Offset) {
		return "", 0, fmt.Errorf("invalid libc mapping base for %s", path)
	}
	return path, best.StartAddr - uintptr(best.Offset), nil
}

func libcScore(path string) int {
	p := strings.ToLower(filepath.Base(path))
	switch {
	case strings.HasPrefix(p, "libc.so"):
		return 100
	case strings.HasPrefix(p, "libc-"):
		return 95
	case strings.HasPrefix(p, "ld-musl"):
		return 90
	case strings.Contains(p, "musl"):
		return 85
	case strings.HasPrefix(p, "ld-linux"):
		return 80
	default:
		return -1
	}
}
