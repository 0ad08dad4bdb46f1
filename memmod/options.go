package memmod

import (
	"github.com/go-kit/log"
	"github.com/spf13/afero"
)

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger used for load diagnostics.
func WithLogger(logger log.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics enables metric collection.
func WithMetrics(m *Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// WithPlatform selects the ABI images must be built for.
func WithPlatform(p *Platform) Option {
	return func(s *Session) {
		if p != nil {
			s.platform, s.platformErr = p, nil
		}
	}
}

// WithMapper replaces the memory mapper.
func WithMapper(mapper Mapper) Option {
	return func(s *Session) {
		if mapper != nil {
			s.mapper = mapper
			s.customMapper = true
		}
	}
}

// WithInvoker replaces the function used to call constructors, destructors
// and exports.
func WithInvoker(invoker Invoker) Option {
	return func(s *Session) {
		if invoker != nil {
			s.invoker = invoker
		}
	}
}

// WithFs sets the filesystem OpenFile reads from.
func WithFs(fs afero.Fs) Option {
	return func(s *Session) {
		if fs != nil {
			s.fs = fs
		}
	}
}
