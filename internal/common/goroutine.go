// -----------------------------------------------------------------------
// Safe Goroutine - Panic-protected goroutine wrappers
// -----------------------------------------------------------------------

package common

import (
	"fmt"
	"os"
	"runtime"

	"github.com/ternarybob/arbor"
)

// PanicError carries a recovered panic value and the stack it was raised on
type PanicError struct {
	Name  string
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Name, e.Value)
}

// SafeGo runs a function in a goroutine with panic recovery.
// Panics are logged but don't crash the process.
//
// Example:
//
//	common.SafeGo(logger, "checkpoint-writer", s.run)
func SafeGo(logger arbor.ILogger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logPanic(logger, newPanicError(name, r))
			}
		}()

		fn()
	}()
}

// RunSafe calls fn and converts a panic into a *PanicError, so a single
// endpoint worker crashing is reported as that endpoint's failure.
func RunSafe(logger arbor.ILogger, name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			perr := newPanicError(name, r)
			logPanic(logger, perr)
			err = perr
		}
	}()

	return fn()
}

func newPanicError(name string, r any) *PanicError {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return &PanicError{Name: name, Value: r, Stack: string(buf[:n])}
}

func logPanic(logger arbor.ILogger, perr *PanicError) {
	if logger == nil {
		fmt.Fprintf(os.Stderr, "PANIC in goroutine %s: %v\n%s\n", perr.Name, perr.Value, perr.Stack)
		return
	}
	logger.Error().
		Str("goroutine", perr.Name).
		Str("panic", fmt.Sprintf("%v", perr.Value)).
		Str("stack", perr.Stack).
		Msg("Recovered from panic")
}
