package elfloader

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/afero"

	"github.com/sliverarmory/elfloader/memmod"
)

var (
	ErrDependencyCycle = errors.New("elfloader: dependency cycle")
	ErrLibraryNotFound = errors.New("elfloader: library not found")
)

// Namespace is a set of loaded libraries that resolve symbols against each
// other. Dependencies are found by soname on the namespace's filesystem and
// loaded through the same engine; what cannot be found there is handed to
// the host's dynamic linker unless that fallback is disabled.
//
// One lock guards every open, lookup and close, so a Namespace is safe for
// concurrent use.
type Namespace struct {
	mu sync.RWMutex

	session     *memmod.Session
	fs          afero.Fs
	logger      log.Logger
	searchPaths []string
	system      *memmod.Callbacks

	modules map[string]*nsModule
	order   []*nsModule
	loading map[string]bool
}

type nsModule struct {
	path   string
	module *memmod.Module
	refs   int
}

// systemDependency wraps a handle from the host loader so it can be told
// apart from libraries loaded into the namespace.
type systemDependency struct {
	dep memmod.Dependency
}

type namespaceConfig struct {
	fs          afero.Fs
	logger      log.Logger
	searchPaths []string
	noSystem    bool
	session     []memmod.Option
}

// Option configures a Namespace.
type Option func(*namespaceConfig)

// WithSearchPaths adds directories searched after a library's own
// DT_RUNPATH or DT_RPATH.
func WithSearchPaths(paths ...string) Option {
	return func(c *namespaceConfig) {
		c.searchPaths = append(c.searchPaths, paths...)
	}
}

// WithoutSystemFallback stops dependencies that are not found on the
// filesystem from being loaded by the host's dynamic linker.
func WithoutSystemFallback() Option {
	return func(c *namespaceConfig) {
		c.noSystem = true
	}
}

// WithFs sets the filesystem libraries are read from.
func WithFs(fs afero.Fs) Option {
	return func(c *namespaceConfig) {
		c.fs = fs
	}
}

// WithLogger sets the logger for the namespace and its engine session.
func WithLogger(logger log.Logger) Option {
	return func(c *namespaceConfig) {
		c.logger = logger
	}
}

// WithSessionOptions passes options through to the engine session.
func WithSessionOptions(opts ...memmod.Option) Option {
	return func(c *namespaceConfig) {
		c.session = append(c.session, opts...)
	}
}

// NewNamespace returns an empty namespace.
func NewNamespace(opts ...Option) *Namespace {
	cfg := namespaceConfig{
		fs:     afero.NewOsFs(),
		logger: log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	sessionOpts := append([]memmod.Option{
		memmod.WithLogger(cfg.logger),
		memmod.WithFs(cfg.fs),
	}, cfg.session...)

	ns := &Namespace{
		session:     memmod.NewSession(sessionOpts...),
		fs:          cfg.fs,
		logger:      cfg.logger,
		searchPaths: cfg.searchPaths,
		modules:     make(map[string]*nsModule),
		loading:     make(map[string]bool),
	}
	if !cfg.noSystem {
		if system, err := memmod.SystemCallbacks(); err == nil {
			ns.system = &system
		} else {
			level.Debug(ns.logger).Log("msg", "system loader fallback unavailable", "err", err)
		}
	}
	return ns
}

// Load opens an in-memory image. Its $ORIGIN is the working directory.
func (ns *Namespace) Load(data []byte) (*Library, error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()

	m, err := ns.session.Open(data, ns.callbacks("."))
	if err != nil {
		return nil, fmt.Errorf("elfloader: load library: %w", err)
	}
	entry := &nsModule{module: m, refs: 1}
	ns.order = append(ns.order, entry)
	return &Library{ns: ns, entry: entry}, nil
}

// LoadFile opens the library at path, or takes another reference to it if
// it is already loaded.
func (ns *Namespace) LoadFile(path string) (*Library, error) {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	entry, err := ns.loadPath(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("elfloader: load library %s: %w", path, err)
	}
	return &Library{ns: ns, entry: entry}, nil
}

// Loaded returns the paths of the file-backed libraries currently loaded,
// in load order.
func (ns *Namespace) Loaded() []string {
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	var out []string
	for _, entry := range ns.order {
		if entry.path != "" {
			out = append(out, entry.path)
		}
	}
	return out
}

// loadPath must be called with mu held.
func (ns *Namespace) loadPath(path string) (*nsModule, error) {
	if entry, ok := ns.modules[path]; ok {
		entry.refs++
		return entry, nil
	}
	if ns.loading[path] {
		return nil, fmt.Errorf("%w: %s", ErrDependencyCycle, path)
	}
	ns.loading[path] = true
	defer delete(ns.loading, path)

	data, err := afero.ReadFile(ns.fs, path)
	if err != nil {
		return nil, err
	}
	m, err := ns.session.Open(data, ns.callbacks(filepath.Dir(path)))
	if err != nil {
		return nil, err
	}

	entry := &nsModule{path: path, module: m, refs: 1}
	ns.modules[path] = entry
	ns.order = append(ns.order, entry)
	level.Debug(ns.logger).Log("msg", "library loaded", "path", path, "deps", len(m.Dependencies()))
	return entry, nil
}

// release drops one reference and closes the module when it was the last.
// It must be called with mu held.
func (ns *Namespace) release(entry *nsModule) error {
	entry.refs--
	if entry.refs > 0 {
		return nil
	}
	if entry.path != "" {
		delete(ns.modules, entry.path)
	}
	ns.order = slices.DeleteFunc(ns.order, func(e *nsModule) bool { return e == entry })

	err := ns.session.Close(entry.module)
	level.Debug(ns.logger).Log("msg", "library unloaded", "path", entry.path)
	return err
}

// callbacks wires the engine to the namespace for a module whose $ORIGIN is
// origin. They run while the namespace lock is held by the open in progress.
func (ns *Namespace) callbacks(origin string) memmod.Callbacks {
	return memmod.Callbacks{
		Load: func(soname, rpath, runpath string) (memmod.Dependency, error) {
			if path, ok := ns.find(soname, rpath, runpath, origin); ok {
				return ns.loadPath(path)
			}
			if ns.system != nil {
				dep, err := ns.system.Load(soname, rpath, runpath)
				if err != nil {
					return nil, fmt.Errorf("%w: %s: %w", ErrLibraryNotFound, soname, err)
				}
				return systemDependency{dep: dep}, nil
			}
			return nil, fmt.Errorf("%w: %s", ErrLibraryNotFound, soname)
		},
		Resolve: ns.resolve,
		Unload: func(dep memmod.Dependency) {
			switch d := dep.(type) {
			case *nsModule:
				if err := ns.release(d); err != nil {
					level.Warn(ns.logger).Log("msg", "releasing dependency", "path", d.path, "err", err)
				}
			case systemDependency:
				ns.system.Unload(d.dep)
			}
		},
	}
}

func (ns *Namespace) resolve(dep memmod.Dependency, name string) (uintptr, bool) {
	switch d := dep.(type) {
	case *nsModule:
		addr, err := d.module.Symbol(name)
		return addr, err == nil
	case systemDependency:
		return ns.system.Resolve(d.dep, name)
	case nil:
		for _, entry := range ns.order {
			if addr, err := entry.module.Symbol(name); err == nil {
				return addr, true
			}
		}
		if ns.system != nil {
			return ns.system.Resolve(nil, name)
		}
	}
	return 0, false
}

// find locates soname the way the dynamic linker does: a name with a slash is
// a path; otherwise DT_RUNPATH (or DT_RPATH when there is no runpath), then
// the namespace search paths.
func (ns *Namespace) find(soname, rpath, runpath, origin string) (string, bool) {
	if strings.ContainsRune(soname, '/') {
		path := filepath.Clean(expandOrigin(soname, origin))
		return path, ns.isFile(path)
	}

	hint := runpath
	if hint == "" {
		hint = rpath
	}
	dirs := append(filepath.SplitList(hint), ns.searchPaths...)
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		path := filepath.Clean(filepath.Join(expandOrigin(dir, origin), soname))
		if ns.isFile(path) {
			return path, true
		}
	}
	return "", false
}

func (ns *Namespace) isFile(path string) bool {
	info, err := ns.fs.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() || info.Mode()&os.ModeSymlink != 0
}

func expandOrigin(s, origin string) string {
	s = strings.ReplaceAll(s, "${ORIGIN}", origin)
	return strings.ReplaceAll(s, "$ORIGIN", origin)
}
