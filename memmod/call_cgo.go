//go:build cgo && (linux || darwin || freebsd)

package memmod

/*
#include <stdint.h>

typedef uintptr_t (*elfloader_fn0)(void);

static uintptr_t elfloader_call0(uintptr_t fn) {
	return ((elfloader_fn0)fn)();
}
*/
import "C"

import "fmt"

// Invoker calls a native zero-argument function at fn.
type Invoker func(fn uintptr) error

// NativeInvoker calls fn on the current thread through a C trampoline.
func NativeInvoker() Invoker {
	return func(fn uintptr) error {
		if fn == 0 {
			return fmt.Errorf("%w: nil function", ErrInvalidHandle)
		}
		_ = cCall0(fn)
		return nil
	}
}

func cCall0(fn uintptr) uintptr {
	return uintptr(C.elfloader_call0(C.uintptr_t(fn)))
}
