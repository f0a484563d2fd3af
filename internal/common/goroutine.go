package common

import (
	"fmt"
	"os"
	"runtime"
	"sync/atomic"

	"github.com/ternarybob/arbor"
)

var goroutineCounter int64

// GetGoroutineCount returns how many goroutines were spawned through
// SafeGo, for the status endpoint.
func GetGoroutineCount() int64 {
	return atomic.LoadInt64(&goroutineCounter)
}

// SafeGo runs fn in a goroutine that survives panics. A panicking
// worker slot, lease renewer, or broadcast loop logs the stack and
// dies alone instead of taking the process down.
func SafeGo(logger arbor.ILogger, name string, fn func()) {
	atomic.AddInt64(&goroutineCounter, 1)

	go func() {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			if logger == nil {
				fmt.Fprintf(os.Stderr, "PANIC in goroutine %s: %v\n%s\n", name, r, buf[:n])
				return
			}
			logger.Error().
				Str("goroutine", name).
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(buf[:n])).
				Msg("Recovered from panic in goroutine")
		}()
		fn()
	}()
}
