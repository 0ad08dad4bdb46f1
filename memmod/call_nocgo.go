//go:build !cgo || !(linux || darwin || freebsd)

package memmod

// Invoker calls a native zero-argument function at fn.
type Invoker func(fn uintptr) error

// NativeInvoker returns an invoker that refuses to run native code; this
// build has no C trampoline.
func NativeInvoker() Invoker {
	return func(uintptr) error {
		return ErrNativeCallUnsupported
	}
}
