//go:build linux || darwin || freebsd

package memmod

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

type unixMapper struct{}

// DefaultMapper returns the mmap-backed mapper used when no other is
// configured.
func DefaultMapper() Mapper {
	return unixMapper{}
}

func (unixMapper) Map(hint uintptr, length int, fixed bool) ([]byte, error) {
	if length <= 0 {
		return nil, fmt.Errorf("invalid mapping length %d", length)
	}
	flags := unix.MAP_PRIVATE | unix.MAP_ANON
	if !fixed {
		hint = 0
	} else {
		flags |= mapFixedNoReplace
	}
	ptr, err := unix.MmapPtr(-1, 0, unsafe.Pointer(hint), uintptr(length), unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return nil, os.NewSyscallError("mmap", err)
	}
	if fixed && uintptr(ptr) != hint {
		_ = unix.MunmapPtr(ptr, uintptr(length))
		return nil, fmt.Errorf("fixed mapping at %#x landed at %#x", hint, uintptr(ptr))
	}
	return unsafe.Slice((*byte)(ptr), length), nil
}

func (unixMapper) Protect(mem []byte, prot Prot) error {
	if len(mem) == 0 {
		return nil
	}
	return os.NewSyscallError("mprotect", unix.Mprotect(mem, unixProt(prot)))
}

func (unixMapper) Unmap(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	return os.NewSyscallError("munmap", unix.MunmapPtr(unsafe.Pointer(unsafe.SliceData(mem)), uintptr(len(mem))))
}

func unixProt(prot Prot) int {
	var out int
	if prot&ProtRead != 0 {
		out |= unix.PROT_READ
	}
	if prot&ProtWrite != 0 {
		out |= unix.PROT_WRITE
	}
	if prot&ProtExec != 0 {
		out |= unix.PROT_EXEC
	}
	return out
}

// PageSize reports the host page size.
func PageSize() int {
	return unix.Getpagesize()
}
