//go:build darwin || freebsd

package memmod

// Without MAP_FIXED_NOREPLACE the address is only a hint; Map checks where
// the kernel actually placed the mapping.
const mapFixedNoReplace = 0
