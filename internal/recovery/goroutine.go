package recovery

import (
	"runtime/debug"

	"github.com/akaytatsu/cortex-sub000/internal/logger"
)

// SafeGo runs a function in a goroutine with automatic panic recovery.
// This prevents any single goroutine panic from crashing the entire server.
func SafeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("PANIC recovered in goroutine '%s': %v", name, r)
				logger.Errorf("Stack trace:\n%s", debug.Stack())
			}
		}()
		fn()
	}()
}

// SafeGoWithCleanup runs a function in a goroutine with panic recovery and cleanup.
// The cleanup function runs whether or not the goroutine panicked.
func SafeGoWithCleanup(name string, fn func(), cleanup func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("PANIC recovered in goroutine '%s': %v", name, r)
				logger.Errorf("Stack trace:\n%s", debug.Stack())
			}
			if cleanup != nil {
				cleanup()
			}
		}()
		fn()
	}()
}

// SafeCall invokes fn synchronously with panic recovery. It is meant for the
// body of periodic loops where one failing pass must not stop the ticker.
func SafeCall(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("PANIC recovered in '%s': %v", name, r)
			logger.Errorf("Stack trace:\n%s", debug.Stack())
		}
	}()
	fn()
}
