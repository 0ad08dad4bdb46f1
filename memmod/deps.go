package memmod

import (
	"errors"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Dependency is whatever the host's Load callback hands back for a loaded
// dependency. The engine never looks inside it.
type Dependency any

// Callbacks connect a module to the libraries it depends on.
//
// Load is called once per DT_NEEDED entry, in declaration order. Resolve is
// asked for external symbols, first with each dependency in turn and then
// with a nil Dependency meaning the default namespace. Unload releases a
// dependency returned by Load.
type Callbacks struct {
	Load    func(soname, rpath, runpath string) (Dependency, error)
	Resolve func(dep Dependency, symbol string) (uintptr, bool)
	Unload  func(dep Dependency)
}

// withDefaults fills in missing callbacks with ones that fail cleanly.
func (c Callbacks) withDefaults() Callbacks {
	if c.Load == nil {
		c.Load = func(soname, _, _ string) (Dependency, error) {
			return nil, ErrNoLoader
		}
	}
	if c.Resolve == nil {
		c.Resolve = func(Dependency, string) (uintptr, bool) { return 0, false }
	}
	if c.Unload == nil {
		c.Unload = func(Dependency) {}
	}
	return c
}

// loadDependencies calls Load for each needed soname. Every dependency is
// recorded on m as soon as it is acquired so a later failure releases it.
func (m *Module) loadDependencies(info *dynInfo, logger log.Logger) error {
	for _, name := range info.needed {
		dep, err := m.callbacks.Load(name, info.rpath, info.runpath)
		if err == nil && dep == nil {
			err = errors.New("loader returned no handle")
		}
		if err != nil {
			return fmt.Errorf("%w %q: %w", ErrDependencyLoad, name, err)
		}
		m.deps = append(m.deps, dep)
		m.needed = append(m.needed, name)
		m.metrics.dependencyLoaded()
		level.Debug(logger).Log("msg", "dependency loaded", "soname", name)
	}
	return nil
}

// moduleResolver looks a name up in the dependencies, then in the module's
// own exports, then in the default namespace.
type moduleResolver struct {
	m *Module
}

func (mr moduleResolver) resolve(name string) (uintptr, bool) {
	m := mr.m
	for _, dep := range m.deps {
		if addr, ok := m.callbacks.Resolve(dep, name); ok && addr != 0 {
			return addr, true
		}
	}
	if addr, ok := findExport(m.exports, name); ok {
		return addr, true
	}
	if addr, ok := m.callbacks.Resolve(nil, name); ok && addr != 0 {
		return addr, true
	}
	return 0, false
}
