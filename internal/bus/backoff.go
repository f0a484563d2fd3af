package bus

import (
	"math"
	"math/rand"
	"time"

	"github.com/ternarybob/conveyor/internal/models"
)

// backoffDelay computes the redelivery delay after a failed attempt:
// min(initial * multiplier^(attempt-1), max), jittered by +/-20% so
// synchronized failures fan out.
func backoffDelay(policy models.RetryPolicy, attempt int) time.Duration {
	policy = policy.Normalize()
	if attempt < 1 {
		attempt = 1
	}

	backoff := float64(policy.InitialBackoff.Std()) * math.Pow(policy.Multiplier, float64(attempt-1))
	if max := float64(policy.MaxBackoff.Std()); backoff > max {
		backoff = max
	}

	jitter := backoff * 0.2 * (rand.Float64()*2 - 1)
	backoff += jitter
	if backoff < float64(time.Millisecond) {
		backoff = float64(policy.InitialBackoff.Std())
	}
	return time.Duration(backoff)
}
