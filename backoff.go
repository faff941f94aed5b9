package relais

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig defines the delay between two passes over the candidate
// list.
type BackoffConfig struct {
	// Delay before the second pass, and between every pass when
	// `Multiplier` is 1.
	Delay      time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	// Jitter spreads the delay over [0.5, 1.5) of its value.
	Jitter bool
}

// NextDelay returns the delay to wait after the `pass`-th failed pass
// (1-based).
func (cfg BackoffConfig) NextDelay(pass int, rng *rand.Rand) time.Duration {
	if cfg.Delay <= 0 {
		return 0
	}
	multiplier := cfg.Multiplier
	if multiplier < 1.0 {
		multiplier = 1.0
	}
	delay := float64(cfg.Delay)
	if pass > 1 {
		delay = delay * math.Pow(multiplier, float64(pass-1))
	}
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	// uncapped delays overflow after enough passes.
	if delay >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}
