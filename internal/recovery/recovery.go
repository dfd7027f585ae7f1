// Package recovery turns panics in timer and delivery callbacks into log
// entries and asynchronous errors instead of process crashes.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// PanicError wraps a recovered panic value.
type PanicError struct {
	Callback string
	Value    any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Callback, e.Value)
}

// RecoverWithLog recovers from panics and logs them with the provided logger.
// Use it with defer at the top of goroutines and callbacks:
//
//	time.AfterFunc(d, func() {
//	    defer recovery.RecoverWithLog(logger, "heartbeat")
//	    // ...
//	})
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
	}
}

// RecoverToError recovers from panics, logs them, and hands a *PanicError
// to report. report may be nil.
func RecoverToError(logger *slog.Logger, name string, report func(error)) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
		if report != nil {
			report(&PanicError{Callback: name, Value: r})
		}
	}
}

func logPanic(logger *slog.Logger, name string, r any) {
	if logger == nil {
		return
	}
	logger.Error("panic recovered",
		"callback", name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
}
