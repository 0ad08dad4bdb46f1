package memmod

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
)

// Module is a loaded ELF image. It owns its mapping, its export list and
// the dependencies acquired for it. A Module is not safe for concurrent use.
type Module struct {
	platform  *Platform
	mapper    Mapper
	invoker   Invoker
	callbacks Callbacks
	logger    log.Logger
	metrics   *Metrics

	region  *region
	exports []Export
	deps    []Dependency
	needed  []string
	entry   uintptr

	fini      uint64
	finiArray funcArray

	opened bool
	closed bool
}

// Symbol returns the address of an exported symbol. When a name is exported
// more than once the first definition wins.
func (m *Module) Symbol(name string) (uintptr, error) {
	if m == nil {
		return 0, ErrInvalidHandle
	}
	if m.closed {
		return 0, ErrModuleClosed
	}
	addr, ok := findExport(m.exports, name)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrSymbolNotFound, name)
	}
	return addr, nil
}

// Entry returns the image's entry point, or 0 when it has none.
func (m *Module) Entry() uintptr {
	if m == nil || m.closed {
		return 0
	}
	return m.entry
}

// MappedRange returns the start and length of the module's mapping. A closed
// module reports (0, 0).
func (m *Module) MappedRange() (uintptr, int) {
	if m == nil || m.closed || m.region == nil {
		return 0, 0
	}
	return m.region.addr(), len(m.region.mem)
}

// Dependencies returns the sonames of the dependencies loaded for the
// module, in declaration order.
func (m *Module) Dependencies() []string {
	if m == nil || m.closed {
		return nil
	}
	return append([]string(nil), m.needed...)
}

// Exports returns a copy of the module's export list.
func (m *Module) Exports() []Export {
	if m == nil || m.closed {
		return nil
	}
	return append([]Export(nil), m.exports...)
}

// CallExport resolves and calls a zero-argument exported function. When the
// name is not exported as given, the variant with a leading underscore added
// or removed is tried.
func (m *Module) CallExport(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("export name cannot be empty")
	}

	candidates := []string{name}
	if strings.HasPrefix(name, "_") {
		candidates = append(candidates, strings.TrimPrefix(name, "_"))
	} else {
		candidates = append(candidates, "_"+name)
	}

	var (
		addr uintptr
		err  error
	)
	for _, candidate := range candidates {
		addr, err = m.Symbol(candidate)
		if err == nil {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("resolve export %q: %w", name, err)
	}
	return m.invoker(addr)
}

// Close runs the module's destructors and releases everything it holds.
// Closing a nil or already closed module is a no-op.
func (m *Module) Close() error {
	if m == nil || m.closed {
		return nil
	}
	m.closed = true

	var result *multierror.Error
	if m.opened {
		result = multierror.Append(result, m.runDestructors())
	}
	result = multierror.Append(result, m.release())
	level.Debug(m.logger).Log("msg", "module closed", "deps", len(m.needed))
	return result.ErrorOrNil()
}

// abort tears down a module whose open failed. Its destructors never run.
func (m *Module) abort() {
	m.fini = 0
	m.finiArray = funcArray{}
	m.closed = true
	if err := m.release(); err != nil {
		level.Warn(m.logger).Log("msg", "releasing partially loaded module", "err", err)
	}
}

// runDestructors calls DT_FINI_ARRAY in reverse and then DT_FINI.
func (m *Module) runDestructors() error {
	var result *multierror.Error
	w := m.platform.wordSize()
	for i := m.finiArray.count; i > 0; i-- {
		fn, ok := m.arrayEntry(m.finiArray.vaddr + (i-1)*w)
		if !ok {
			continue
		}
		if err := m.invoker(fn); err != nil {
			result = multierror.Append(result, fmt.Errorf("fini_array[%d]: %w", i-1, err))
		}
	}
	if m.fini != 0 {
		if err := m.invoker(m.region.real(m.fini)); err != nil {
			result = multierror.Append(result, fmt.Errorf("fini: %w", err))
		}
	}
	return result.ErrorOrNil()
}

// runConstructors calls DT_PREINIT_ARRAY (executables only), DT_INIT and then
// DT_INIT_ARRAY in order, stopping at the first failure.
func (m *Module) runConstructors(info *dynInfo, exec bool) error {
	if exec {
		if err := m.runArray("preinit_array", info.preinitArray); err != nil {
			return err
		}
	}
	if info.init != 0 {
		if err := m.invoker(m.region.real(info.init)); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}
	return m.runArray("init_array", info.initArray)
}

func (m *Module) runArray(name string, arr funcArray) error {
	w := m.platform.wordSize()
	for i := uint64(0); i < arr.count; i++ {
		fn, ok := m.arrayEntry(arr.vaddr + i*w)
		if !ok {
			continue
		}
		if err := m.invoker(fn); err != nil {
			return fmt.Errorf("%s[%d]: %w", name, i, err)
		}
	}
	return nil
}

// arrayEntry reads a relocated function pointer. 0 and -1 are placeholders.
func (m *Module) arrayEntry(vaddr uint64) (uintptr, bool) {
	b, ok := m.region.slice(vaddr, m.platform.wordSize())
	if !ok {
		return 0, false
	}
	fn := m.platform.word(b)
	none := ^uint64(0) >> (64 - 8*m.platform.wordSize())
	if fn == 0 || fn == none {
		return 0, false
	}
	return uintptr(fn), true
}

// release unloads the dependencies in order, unmaps the image and drops the
// export list. It is shared by Close and failed opens.
func (m *Module) release() error {
	var result *multierror.Error
	for _, dep := range m.deps {
		m.callbacks.Unload(dep)
	}
	m.deps = nil

	if m.region != nil {
		size := len(m.region.mem)
		if err := m.mapper.Unmap(m.region.mem); err != nil {
			result = multierror.Append(result, fmt.Errorf("unmap: %w", err))
		} else {
			m.metrics.unmapped(size)
		}
		m.region = nil
	}
	m.exports = nil
	m.entry = 0
	return result.ErrorOrNil()
}
