//go:build !linux || !cgo

package memmod

// SystemCallbacks is only available on linux builds with cgo.
func SystemCallbacks() (Callbacks, error) {
	return Callbacks{}, ErrSystemLoaderUnavailable
}
