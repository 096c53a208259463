// Package async starts background goroutines with panic containment: a
// panicking worker is reported through the relay's logger with its stack
// instead of taking the whole process down.
package async

import (
	"runtime/debug"

	"jura/internal/logging"
)

// Go runs fn on its own goroutine under the containment of Protect.
// name identifies the worker in panic reports.
func Go(logger logging.Logger, name string, fn func()) {
	go Protect(logger, name, fn)
}

// Protect invokes fn inline and turns a panic into an error log entry.
// The recovered value and stack are reported under the worker name.
func Protect(logger logging.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if name == "" {
				name = "worker"
			}
			logging.OrNop(logger).Error("%s panicked: %v\n%s", name, r, debug.Stack())
		}
	}()
	fn()
}
