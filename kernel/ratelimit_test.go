package kernel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateLimiterImmediateBudget(t *testing.T) {
	rl := NewRateLimiter(3, time.Hour)

	for i := 0; i < 3; i++ {
		trigger, suppressed := rl.ShouldTrigger()
		require.True(t, trigger, "call %d should be within immediate budget", i)
		require.Zero(t, suppressed)
	}

	trigger, _ := rl.ShouldTrigger()
	require.False(t, trigger, "budget exhausted and cooldown has not elapsed")
}

func TestRateLimiterCooldownAfterBudget(t *testing.T) {
	rl := NewRateLimiter(1, 10*time.Millisecond)
	now := time.Unix(0, 0)
	rl.nowFn = func() time.Time { return now }

	trigger, _ := rl.ShouldTrigger()
	require.True(t, trigger)

	trigger, _ = rl.ShouldTrigger()
	require.False(t, trigger)

	trigger, _ = rl.ShouldTrigger()
	require.False(t, trigger)

	now = now.Add(11 * time.Millisecond)
	trigger, suppressed := rl.ShouldTrigger()
	require.True(t, trigger)
	require.Equal(t, uint32(2), suppressed)
}

func TestRateLimiterReset(t *testing.T) {
	rl := NewRateLimiter(1, time.Hour)
	rl.ShouldTrigger()
	rl.ShouldTrigger() // suppressed, budget spent

	rl.Reset()

	trigger, suppressed := rl.ShouldTrigger()
	require.True(t, trigger)
	require.Zero(t, suppressed)
}
