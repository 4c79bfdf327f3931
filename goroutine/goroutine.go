// Package goroutine provides utilities for safely launching goroutines with panic recovery.
package goroutine

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// SafeGo launches fn in a goroutine. A panic is logged with its stack trace
// instead of crashing the process.
func SafeGo(log *slog.Logger, name string, fn func()) {
	go Run(log, name, fn)
}

// Run calls fn on the current goroutine with the same recovery as SafeGo.
// It reports whether fn completed without panicking.
func Run(log *slog.Logger, name string, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("goroutine panicked",
				"goroutine", name,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
			ok = false
		}
	}()
	fn()
	return true
}
