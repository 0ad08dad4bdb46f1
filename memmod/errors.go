package memmod

import "errors"

// Malformed input.
var (
	ErrShortImage              = errors.New("not enough data")
	ErrNotELF                  = errors.New("not an ELF file")
	ErrUnsupportedImage        = errors.New("unsupported ELF image")
	ErrBadHeaderSize           = errors.New("bogus ELF header entry size")
	ErrOutOfBounds             = errors.New("offset or size out of bounds")
	ErrBadStringTable          = errors.New("malformed string table")
	ErrNoLoadableSegments      = errors.New("no loadable segments")
	ErrNoDynamicSegment        = errors.New("no PT_DYNAMIC segment")
	ErrMultipleDynamicSegments = errors.New("multiple PT_DYNAMIC segments")
	ErrDuplicateDynamicEntry   = errors.New("duplicate dynamic table entry")
	ErrMissingDynamicEntry     = errors.New("missing required dynamic table entry")
	ErrMissingCompanionEntry   = errors.New("missing companion dynamic table entry")
	ErrEntrySizeMismatch       = errors.New("table entry size mismatch")
	ErrBadPLTEncoding          = errors.New("bogus DT_PLTREL encoding")
	ErrNoDynamicSymbolSection  = errors.New("no dynamic symbol table section")
	ErrMultipleDynamicSymbols  = errors.New("multiple dynamic symbol table sections")
	ErrSymbolTableMismatch     = errors.New("dynamic symbol table section does not match DT_SYMTAB")
	ErrUnimplementedRelocation = errors.New("unimplemented relocation")
	ErrRelocationOverflow      = errors.New("relocation value out of range")
	ErrUnsupportedArch         = errors.New("unsupported architecture")
)

// Linking.
var (
	ErrNoLoader       = errors.New("no dependency loader")
	ErrDependencyLoad = errors.New("couldn't load dependency")
	ErrSymbolNotFound = errors.New("symbol not found")
)

// Resources and lifecycle.
var (
	ErrMapFailed               = errors.New("mmap failed")
	ErrProtectFailed           = errors.New("mprotect failed")
	ErrUnsupportedOS           = errors.New("memory mapping is not supported on this OS")
	ErrInvalidHandle           = errors.New("bogus library handle")
	ErrModuleClosed            = errors.New("module is closed")
	ErrNativeCallUnsupported   = errors.New("calling native code requires cgo")
	ErrSystemLoaderUnavailable = errors.New("system dynamic loader is unavailable")
)
