package observability

import (
	"fmt"
	"runtime/debug"
)

// RecoverPanic logs a recovered panic with its stack. Call it deferred at the
// top of background goroutines (catalog watcher, limiter sweep, reset job) so a
// bug in one of them does not take down the gateway.
//
//	go func() {
//		defer observability.RecoverPanic(logger, "plan watcher")
//		...
//	}()
//
// The panic is not re-raised.
func RecoverPanic(logger *Logger, component string) {
	if r := recover(); r != nil {
		logPanic(logger, component, r)
	}
}

// RecoverPanicWithCallback is RecoverPanic followed by callback, run only when a panic occurred
func RecoverPanicWithCallback(logger *Logger, component string, callback func()) {
	if r := recover(); r != nil {
		logPanic(logger, component, r)
		if callback != nil {
			callback()
		}
	}
}

// PanicError converts a recovered value into an error; nil stays nil
func PanicError(r interface{}) error {
	if r != nil {
		return fmt.Errorf("panic: %v", r)
	}
	return nil
}

func logPanic(logger *Logger, component string, r interface{}) {
	logger.WithFields(map[string]interface{}{
		"panic":     fmt.Sprint(r),
		"stack":     string(debug.Stack()),
		"component": component,
	}).Error("panic recovered")
}
