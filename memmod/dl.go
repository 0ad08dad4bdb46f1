package memmod

// The functions below mirror the classic dlopen family on top of a single
// package-level Session. Like their C counterparts they share one error slot,
// so they must not be called from more than one goroutine at a time.

var defaultSession = NewSession()

// Dlopen loads an image from memory and returns nil on failure.
func Dlopen(data []byte, callbacks Callbacks) *Module {
	m, err := defaultSession.Open(data, callbacks)
	if err != nil {
		return nil
	}
	return m
}

// DlopenFile loads an image from disk and returns nil on failure.
func DlopenFile(path string, callbacks Callbacks) *Module {
	m, err := defaultSession.OpenFile(path, callbacks)
	if err != nil {
		return nil
	}
	return m
}

// Dlsym returns the address of an exported symbol, or 0.
func Dlsym(m *Module, name string) uintptr {
	addr, err := defaultSession.Lookup(m, name)
	if err != nil {
		return 0
	}
	return addr
}

// Dlclose closes m and reports whether every destructor and release step
// succeeded.
func Dlclose(m *Module) bool {
	return defaultSession.Close(m) == nil
}

// Dlerror returns and clears the last error, or "" if there is none.
func Dlerror() string {
	msg, _ := defaultSession.LastError()
	return msg
}
