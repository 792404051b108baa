package session

import (
	"math/rand"
	"time"
)

// NextBackoffDelay is the wait after failed dial attempt N (1-based). The
// delay grows by Multiplier per attempt up to MaxDelay; jitter scales the
// result into [0.5, 1.5) of that value and skips the first attempt.
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	mult := max(cfg.Multiplier, 1.0)
	delay := cfg.InitialDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * mult)
		if cfg.MaxDelay > 0 && delay >= cfg.MaxDelay {
			delay = cfg.MaxDelay
			break
		}
	}
	if !cfg.Jitter || attempt <= 1 {
		return delay
	}
	f := 1.0
	if rng != nil {
		f = 0.5 + rng.Float64()
	}
	return time.Duration(float64(delay) * f)
}
