//go:build linux && cgo

package memmod

/*
#include <stdint.h>

typedef uintptr_t (*elfloader_fn1)(uintptr_t);
typedef uintptr_t (*elfloader_fn2)(uintptr_t, uintptr_t);

static uintptr_t elfloader_call1(uintptr_t fn, uintptr_t a0) {
	return ((elfloader_fn1)fn)(a0);
}

static uintptr_t elfloader_call2(uintptr_t fn, uintptr_t a0, uintptr_t a1) {
	return ((elfloader_fn2)fn)(a0, a1);
}
*/
import "C"

func cCall1(fn, a0 uintptr) uintptr {
	return uintptr(C.elfloader_call1(C.uintptr_t(fn), C.uintptr_t(a0)))
}

func cCall2(fn, a0, a1 uintptr) uintptr {
	return uintptr(C.elfloader_call2(C.uintptr_t(fn), C.uintptr_t(a0), C.uintptr_t(a1)))
}
