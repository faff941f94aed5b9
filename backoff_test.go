package relais

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoff_NextDelay(t *testing.T) {
	cfg := BackoffConfig{Delay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: 50 * time.Millisecond}
	require.Equal(t, 10*time.Millisecond, cfg.NextDelay(1, nil))
	require.Equal(t, 20*time.Millisecond, cfg.NextDelay(2, nil))
	require.Equal(t, 40*time.Millisecond, cfg.NextDelay(3, nil))
	require.Equal(t, 50*time.Millisecond, cfg.NextDelay(4, nil))
	require.Equal(t, 50*time.Millisecond, cfg.NextDelay(40, nil))

	constant := BackoffConfig{Delay: 10 * time.Millisecond, Multiplier: 0.5}
	require.Equal(t, 10*time.Millisecond, constant.NextDelay(5, nil))

	require.Zero(t, BackoffConfig{}.NextDelay(3, nil))
}

func TestBackoff_Uncapped(t *testing.T) {
	cfg := BackoffConfig{Delay: time.Second, Multiplier: 2}
	for _, pass := range []int{40, 64, 2000} {
		require.Equal(t, time.Duration(math.MaxInt64), cfg.NextDelay(pass, nil), pass)
	}
	jittered := BackoffConfig{Delay: time.Second, Multiplier: 10, Jitter: true}
	require.Positive(t, jittered.NextDelay(500, rand.New(rand.NewSource(1))))
}

func TestBackoff_Jitter(t *testing.T) {
	cfg := BackoffConfig{Delay: 100 * time.Millisecond, Multiplier: 1, Jitter: true}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		delay := cfg.NextDelay(1, rng)
		require.GreaterOrEqual(t, delay, 50*time.Millisecond)
		require.Less(t, delay, 150*time.Millisecond)
	}
}
