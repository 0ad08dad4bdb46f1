// Package elfloader loads ELF shared objects from memory without the host's
// dynamic linker. Libraries are opened into a Namespace, which finds their
// dependencies on a filesystem and serializes access to the loader.
package elfloader

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sliverarmory/elfloader/memmod"
)

var (
	ErrLibraryClosed = errors.New("elfloader: library is closed")
	ErrEmptyImage    = errors.New("elfloader: empty library image")
)

var defaultNamespace = sync.OnceValue(func() *Namespace {
	return NewNamespace()
})

// Library is a module loaded into a Namespace. It is safe for concurrent use.
type Library struct {
	ns     *Namespace
	entry  *nsModule
	closed bool
}

// LoadLibrary loads a shared library image from memory into the default
// namespace.
func LoadLibrary(data []byte) (*Library, error) {
	return defaultNamespace().Load(data)
}

// LoadLibraryFile loads a shared library from disk into the default
// namespace.
func LoadLibraryFile(path string) (*Library, error) {
	return defaultNamespace().LoadFile(path)
}

// Symbol returns the address of an exported symbol.
func (library *Library) Symbol(name string) (uintptr, error) {
	library.ns.mu.RLock()
	defer library.ns.mu.RUnlock()

	if library.closed {
		return 0, ErrLibraryClosed
	}
	return library.entry.module.Symbol(name)
}

// CallExport resolves and calls a zero-argument exported function.
func (library *Library) CallExport(name string) error {
	library.ns.mu.RLock()
	defer library.ns.mu.RUnlock()

	if library.closed {
		return ErrLibraryClosed
	}
	if err := library.entry.module.CallExport(name); err != nil {
		return fmt.Errorf("elfloader: call export %q: %w", name, err)
	}
	return nil
}

// Entry returns the library's entry point, or 0.
func (library *Library) Entry() uintptr {
	library.ns.mu.RLock()
	defer library.ns.mu.RUnlock()

	if library.closed {
		return 0
	}
	return library.entry.module.Entry()
}

// MappedRange returns the start and length of the library's mapping.
func (library *Library) MappedRange() (uintptr, int) {
	library.ns.mu.RLock()
	defer library.ns.mu.RUnlock()

	if library.closed {
		return 0, 0
	}
	return library.entry.module.MappedRange()
}

// Dependencies returns the sonames the library was linked against.
func (library *Library) Dependencies() []string {
	library.ns.mu.RLock()
	defer library.ns.mu.RUnlock()

	if library.closed {
		return nil
	}
	return library.entry.module.Dependencies()
}

// Module exposes the underlying engine module. It must not be closed
// directly.
func (library *Library) Module() *memmod.Module {
	return library.entry.module
}

// Close drops the library's reference. The module is unloaded once nothing
// else in the namespace depends on it.
func (library *Library) Close() error {
	library.ns.mu.Lock()
	defer library.ns.mu.Unlock()

	if library.closed {
		return nil
	}
	library.closed = true
	if err := library.ns.release(library.entry); err != nil {
		return fmt.Errorf("elfloader: close library: %w", err)
	}
	return nil
}
