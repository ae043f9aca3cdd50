package notify

import (
	"context"
	"math/rand"
	"time"

	"github.com/finsentry/finsentry/internal/config"
)

// backoffDelay computes the delay before the (attempt+1)th try: exponential
// growth capped at MaxDelay, with ±25% jitter so synchronized retries spread
// out. attempt is zero-based.
func backoffDelay(policy config.RetryConfig, attempt int, rng *rand.Rand) time.Duration {
	delay := policy.InitialDelay
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * policy.Multiplier)
		if policy.MaxDelay > 0 && delay >= policy.MaxDelay {
			delay = policy.MaxDelay
			break
		}
	}
	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	jitter := time.Duration((rng.Float64()*2 - 1) * 0.25 * float64(delay))
	delay += jitter
	if delay < 0 {
		delay = 0
	}
	return delay
}

// sleep waits for d or until ctx is cancelled, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
