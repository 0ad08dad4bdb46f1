package memmod

import (
	"debug/elf"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/afero"
)

// Session opens and closes modules and keeps the last error reported by any
// of its operations. A Session performs no locking; callers that share one
// between goroutines must serialize Open, Lookup and Close themselves.
type Session struct {
	logger       log.Logger
	metrics      *Metrics
	platform     *Platform
	platformErr  error
	mapper       Mapper
	customMapper bool
	invoker      Invoker
	fs           afero.Fs

	lastErr error
}

// NewSession returns a session targeting the host platform unless
// WithPlatform says otherwise.
func NewSession(opts ...Option) *Session {
	s := &Session{
		logger:  log.NewNopLogger(),
		mapper:  DefaultMapper(),
		invoker: NativeInvoker(),
		fs:      afero.NewOsFs(),
	}
	s.platform, s.platformErr = HostPlatform()
	for _, opt := range opts {
		opt(s)
	}

	// Real mappings are protected in host pages, which may be larger than
	// the ABI's.
	if !s.customMapper && s.platform != nil {
		if host := uint64(PageSize()); host > s.platform.PageSize {
			p := *s.platform
			p.PageSize = host
			s.platform = &p
		}
	}
	return s
}

// Platform returns the ABI the session loads images for.
func (s *Session) Platform() (*Platform, error) {
	return s.platform, s.platformErr
}

// Open loads an ELF image from memory. The buffer is only read during the
// call.
func (s *Session) Open(data []byte, callbacks Callbacks) (*Module, error) {
	m, err := s.open(data, callbacks)
	if err != nil {
		s.metrics.opened("error")
		level.Warn(s.logger).Log("msg", "open failed", "err", err)
		return nil, s.fail(err)
	}
	s.metrics.opened("success")
	return m, nil
}

// OpenFile reads the whole file and opens it as Open does.
func (s *Session) OpenFile(path string, callbacks Callbacks) (*Module, error) {
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		s.metrics.opened("error")
		return nil, s.fail(fmt.Errorf("read library file: %w", err))
	}
	return s.Open(data, callbacks)
}

// Lookup returns the address of an exported symbol of m.
func (s *Session) Lookup(m *Module, name string) (uintptr, error) {
	addr, err := m.Symbol(name)
	if err != nil {
		return 0, s.fail(err)
	}
	return addr, nil
}

// Close closes m. It is a no-op for nil or already closed modules.
func (s *Session) Close(m *Module) error {
	if err := m.Close(); err != nil {
		return s.fail(err)
	}
	return nil
}

// LastError returns the message of the most recent failure and clears it.
// A second call without an intervening failure reports false.
func (s *Session) LastError() (string, bool) {
	if s.lastErr == nil {
		return "", false
	}
	msg := s.lastErr.Error()
	s.lastErr = nil
	return msg, true
}

func (s *Session) fail(err error) error {
	s.lastErr = err
	return err
}

func (s *Session) open(data []byte, callbacks Callbacks) (*Module, error) {
	if s.platformErr != nil {
		return nil, s.platformErr
	}
	p := s.platform

	hdr, err := validateHeader(data, p)
	if err != nil {
		return nil, err
	}
	lay, err := processProgramHeaders(data, hdr, p)
	if err != nil {
		return nil, err
	}
	level.Debug(s.logger).Log("msg", "image validated", "type", hdr.typ, "machine", hdr.machine, "phnum", hdr.phnum)

	exec := hdr.typ == elf.ET_EXEC
	r, err := mapImage(s.mapper, data, lay, exec)
	if err != nil {
		return nil, err
	}
	m := &Module{
		platform:  p,
		mapper:    s.mapper,
		invoker:   s.invoker,
		callbacks: callbacks.withDefaults(),
		logger:    s.logger,
		metrics:   s.metrics,
		region:    r,
	}
	s.metrics.mapped(len(r.mem))
	level.Debug(s.logger).Log("msg", "region mapped", "addr", fmt.Sprintf("%#x", r.addr()), "len", len(r.mem))

	if err := s.link(m, data, hdr, lay); err != nil {
		m.abort()
		return nil, err
	}
	m.opened = true
	return m, nil
}

// link runs every stage after mapping. Anything it acquires is recorded on m
// so the caller can tear it down on failure.
func (s *Session) link(m *Module, data []byte, hdr *fileHeader, lay *layout) error {
	p, r := m.platform, m.region

	idx, err := indexDynamic(data, lay.dynamic, p)
	if err != nil {
		return err
	}
	info, err := idx.resolve(r, p)
	if err != nil {
		return err
	}
	level.Debug(s.logger).Log("msg", "dynamic table indexed", "needed", len(info.needed))

	count, err := countDynamicSymbols(data, hdr, p, info.symtab)
	if err != nil {
		return err
	}
	syms, err := newSymbolTable(r, info, count, p)
	if err != nil {
		return err
	}

	if err := m.loadDependencies(info, s.logger); err != nil {
		return err
	}
	if m.exports, err = buildExports(syms, r, info); err != nil {
		return err
	}

	rl := newRelocator(r, p, syms, moduleResolver{m: m})
	for _, tab := range []*relTable{info.rel, info.rela, info.plt} {
		n, err := rl.apply(tab)
		if err != nil {
			return err
		}
		if tab != nil {
			level.Debug(s.logger).Log("msg", "relocation table applied", "table", tab.name, "count", n)
		}
	}
	for kind, n := range rl.applied {
		s.metrics.relocated(kind, n)
	}

	if hdr.entry != 0 {
		if !r.contains(hdr.entry) {
			return fmt.Errorf("%w: entry point %#x", ErrOutOfBounds, hdr.entry)
		}
		m.entry = r.real(hdr.entry)
	}

	if err := protectImage(m.mapper, r, lay, p); err != nil {
		return err
	}

	m.fini = info.fini
	m.finiArray = info.finiArray
	return m.runConstructors(info, hdr.typ == elf.ET_EXEC)
}
