package session

import (
	"math"
	"math/rand"
	"time"

	"custody-mint-sync/internal/config"
)

// NextDelay returns the wait before the next dial after attempt consecutive failures
// (0-based): base * multiplier^attempt plus up to cfg.Jitter, clamped to [base, max].
func NextDelay(cfg config.BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.Base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	mult := cfg.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(cfg.Base) * math.Pow(mult, float64(attempt))
	if cfg.Jitter > 0 && rng != nil {
		delay += rng.Float64() * float64(cfg.Jitter)
	}
	if cfg.Max > 0 && delay > float64(cfg.Max) {
		delay = float64(cfg.Max)
	}
	if delay < float64(cfg.Base) {
		delay = float64(cfg.Base)
	}
	return time.Duration(delay)
}
