package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFakeSleepAdvancesTime(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	fake := NewFake(start)

	require.NoError(t, fake.Sleep(context.Background(), 5*time.Second))
	require.NoError(t, fake.Sleep(context.Background(), 10*time.Second))

	require.Equal(t, start.Add(15*time.Second), fake.Now())
	require.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, fake.Sleeps())
}

func TestFakeSleepHonorsCancelledContext(t *testing.T) {
	fake := NewFake(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, fake.Sleep(ctx, time.Second), context.Canceled)
	require.Equal(t, time.Unix(0, 0), fake.Now())
}

func TestRealSleepReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Real().Sleep(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
}
