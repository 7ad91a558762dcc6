//go:build !linux && !darwin

package cache

// softFileLimit has no portable equivalent on this platform; callers fall
// back to the conservative default (spec.md §4.1 failure semantics).
func softFileLimit() (uint64, bool) {
	return 0, false
}

// RaiseFileLimit is a no-op on platforms without RLIMIT_NOFILE (spec.md §5).
func RaiseFileLimit() (restore func(), err error) {
	return func() {}, nil
}
