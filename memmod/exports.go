package memmod

// Export is a symbol the module defines, at its run-time address.
type Export struct {
	Name    string
	Address uintptr
}

// buildExports collects every named, defined symbol. The constructor and
// destructor functions are called by the loader and are left out. Duplicate
// names are kept; lookups take the first.
func buildExports(syms *symbolTable, r *region, info *dynInfo) ([]Export, error) {
	var hidden []uint64
	if info.init != 0 {
		hidden = append(hidden, info.init)
	}
	if info.fini != 0 {
		hidden = append(hidden, info.fini)
	}

	keep := make([]Export, 0, syms.count)
	for i := uint64(1); i < syms.count; i++ {
		sym, err := syms.at(i)
		if err != nil {
			return nil, err
		}
		if sym.name == "" || !sym.defined() {
			continue
		}
		if containsAddr(hidden, sym.value) {
			continue
		}
		keep = append(keep, Export{Name: sym.name, Address: r.real(sym.value)})
	}

	exports := make([]Export, len(keep))
	copy(exports, keep)
	return exports, nil
}

func containsAddr(addrs []uint64, v uint64) bool {
	for _, a := range addrs {
		if a == v {
			return true
		}
	}
	return false
}

func findExport(exports []Export, name string) (uintptr, bool) {
	for _, e := range exports {
		if e.Name == name {
			return e.Address, true
		}
	}
	return 0, false
}
