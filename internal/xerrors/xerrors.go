// Package xerrors defines turbo-gepa's error taxonomy (spec.md §7): typed
// failures that callers can discriminate with errors.As, instead of the
// source's exception-based control flow (spec.md §9, "Exceptions for
// control flow").
package xerrors

import (
	"fmt"
	"sync"
)

// TaskLLMFailure wraps a failure from the task-model runner for a single
// example. It never propagates past the Evaluator: it degrades that one
// example to quality=0 (spec.md §4.2 step 3c, §7).
type TaskLLMFailure struct {
	ExampleID string
	Err       error
}

func (e *TaskLLMFailure) Error() string {
	return fmt.Sprintf("task llm failure for example %s: %v", e.ExampleID, e.Err)
}

func (e *TaskLLMFailure) Unwrap() error { return e.Err }

// ReflectionLLMFailure aborts a single mutation batch; the orchestrator
// continues with the existing queue (spec.md §4.6 step 5, §7).
type ReflectionLLMFailure struct {
	Err error
}

func (e *ReflectionLLMFailure) Error() string {
	return fmt.Sprintf("reflection llm failure: %v", e.Err)
}

func (e *ReflectionLLMFailure) Unwrap() error { return e.Err }

// TemperatureUnsupported is recognized by substring match on the underlying
// provider error (spec.md §4.5, §7) and triggers a one-time retry without
// the temperature parameter plus a global disable.
type TemperatureUnsupported struct {
	Model string
	Err   error
}

func (e *TemperatureUnsupported) Error() string {
	return fmt.Sprintf("model %s does not support temperature: %v", e.Model, e.Err)
}

func (e *TemperatureUnsupported) Unwrap() error { return e.Err }

// IsTemperatureUnsupported applies the substring heuristic from spec.md
// §4.5: "temperature" / "does not support" / "not supported".
func IsTemperatureUnsupported(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsFold(msg, "temperature") || containsFold(msg, "does not support") || containsFold(msg, "not supported")
}

// CacheIOFailure is a transient file error; callers retry internally (see
// cache package) and on exhaustion log and continue (spec.md §7).
type CacheIOFailure struct {
	Path string
	Err  error
}

func (e *CacheIOFailure) Error() string {
	return fmt.Sprintf("cache io failure at %s: %v", e.Path, e.Err)
}

func (e *CacheIOFailure) Unwrap() error { return e.Err }

// StateCorruption marks an unreadable/corrupt checkpoint file; the caller
// starts fresh with a warning (spec.md §4.1, §7).
type StateCorruption struct {
	Path string
	Err  error
}

func (e *StateCorruption) Error() string {
	return fmt.Sprintf("state corruption at %s: %v", e.Path, e.Err)
}

func (e *StateCorruption) Unwrap() error { return e.Err }

// ConfigError is fail-fast: invalid config or a missing required model
// (spec.md §7).
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Reason)
}

// Errs is a bounded, deduplicating multi-error accumulator, grounded on
// cmn/cos/err.go's Errs type: caps retained errors and skips duplicates by
// message so one failing example doesn't spam a batch's error log N times.
type Errs struct {
	mu   sync.Mutex
	errs []error
}

const maxErrs = 4

// Add records err unless it is nil, already present (by message), or the
// cap has been reached.
func (e *Errs) Add(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.errs {
		if existing.Error() == err.Error() {
			return
		}
	}
	if len(e.errs) < maxErrs {
		e.errs = append(e.errs, err)
	}
}

// Err returns a combined error, or nil if none were recorded.
func (e *Errs) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.errs) == 0 {
		return nil
	}
	msg := e.errs[0].Error()
	for _, err := range e.errs[1:] {
		msg += "; " + err.Error()
	}
	return fmt.Errorf("%s", msg)
}

// Len reports how many distinct errors have been recorded so far.
func (e *Errs) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.errs)
}

func containsFold(s, substr string) bool {
	return indexFold(s, substr) >= 0
}

// indexFold is a tiny ASCII-case-insensitive substring search, avoiding a
// strings.ToLower allocation on the hot error-classification path.
func indexFold(s, substr string) int {
	n, m := len(s), len(substr)
	if m == 0 {
		return 0
	}
	for i := 0; i+m <= n; i++ {
		matched := true
		for j := 0; j < m; j++ {
			a, b := s[i+j], substr[j]
			if a >= 'A' && a <= 'Z' {
				a += 'a' - 'A'
			}
			if b >= 'A' && b <= 'Z' {
				b += 'a' - 'A'
			}
			if a != b {
				matched = false
				break
			}
		}
		if matched {
			return i
		}
	}
	return -1
}
