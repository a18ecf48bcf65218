package transport

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/perchsocial/go-client/internal/config"
)

// newBackoff builds the deterministic exponential policy shared by the
// HTTP retry loop. Randomization is disabled so the delay before
// attempt n is exactly min(initial * 2^(n-1), max), which keeps retry
// behavior reproducible across HTTP, refresh, and realtime reconnect.
func newBackoff(retry config.Retry) *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retry.InitialDelay
	policy.MaxInterval = retry.MaxDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0
	policy.Reset()
	return policy
}

// BackoffDelays returns the delay sequence the retry policy produces:
// one delay between each of the MaxAttempts attempts.
func BackoffDelays(retry config.Retry) []time.Duration {
	policy := newBackoff(retry)
	if retry.MaxAttempts < 2 {
		return nil
	}
	delays := make([]time.Duration, 0, retry.MaxAttempts-1)
	for i := 0; i < retry.MaxAttempts-1; i++ {
		delays = append(delays, policy.NextBackOff())
	}
	return delays
}
