package common

import (
	"time"

	"github.com/ternarybob/conveyor/internal/interfaces"
)

// systemClock is the production interfaces.Clock backed by the runtime.
type systemClock struct{}

// NewSystemClock returns a Clock that reads real time. Tests substitute a
// fake so timer-driven paths (leases, backoff, cron) run without sleeping.
func NewSystemClock() interfaces.Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

func (systemClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (systemClock) NewTicker(d time.Duration) interfaces.Ticker {
	return &systemTicker{ticker: time.NewTicker(d)}
}

type systemTicker struct {
	ticker *time.Ticker
}

func (t *systemTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t *systemTicker) Stop() {
	t.ticker.Stop()
}
