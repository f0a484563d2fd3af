package interfaces

import (
	"time"
)

// Ticker abstracts time.Ticker so tests can drive ticks manually.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Clock provides wall-clock time and timers. Injected everywhere timing
// matters so tests control the clock.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTicker(d time.Duration) Ticker
}
