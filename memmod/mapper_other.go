//go:build !linux && !darwin && !freebsd

package memmod

import "os"

type unsupportedMapper struct{}

// DefaultMapper returns a mapper that fails on every call; this OS has no
// mmap-backed implementation.
func DefaultMapper() Mapper {
	return unsupportedMapper{}
}

func (unsupportedMapper) Map(hint uintptr, length int, fixed bool) ([]byte, error) {
	return nil, ErrUnsupportedOS
}

func (unsupportedMapper) Protect(mem []byte, prot Prot) error {
	return ErrUnsupportedOS
}

func (unsupportedMapper) Unmap(mem []byte) error {
	return ErrUnsupportedOS
}

func PageSize() int {
	return os.Getpagesize()
}
