//go:build linux || darwin

package cache

import "syscall"

// softFileLimit returns the process's current soft RLIMIT_NOFILE.
func softFileLimit() (uint64, bool) {
	var rlimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rlimit); err != nil {
		return 0, false
	}
	return uint64(rlimit.Cur), true
}

const preferredSoftLimit = 4096

// RaiseFileLimit raises the process's soft RLIMIT_NOFILE to at least
// preferredSoftLimit (capped at the hard limit), per spec.md §5. It returns
// a restore func that puts the original limit back, to be deferred by the
// caller (typically cmd/turbo-prompt-opt's main).
func RaiseFileLimit() (restore func(), err error) {
	var original syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &original); err != nil {
		return func() {}, err
	}

	target := original
	if target.Cur < preferredSoftLimit {
		target.Cur = preferredSoftLimit
		if target.Cur > target.Max && target.Max != 0 {
			target.Cur = target.Max
		}
		if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &target); err != nil {
			return func() {}, err
		}
	}

	return func() {
		_ = syscall.Setrlimit(syscall.RLIMIT_NOFILE, &original)
	}, nil
}
