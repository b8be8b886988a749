package postgres

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

// retryDelay computes the reschedule delay for a failed job using exponential
// backoff with full jitter: random(0, min(RetryCap, RetryBase*2^attempts)).
func retryDelay(attempts int) time.Duration {
	backoff := float64(domain.RetryBase) * math.Pow(2, float64(attempts))
	if backoff > float64(domain.RetryCap) {
		backoff = float64(domain.RetryCap)
	}
	if backoff <= 0 {
		return domain.RetryBase
	}
	return rand.N(time.Duration(backoff) + 1)
}
