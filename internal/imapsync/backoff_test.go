package imapsync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffDelayCapsAndGrows(t *testing.T) {
	prevMax := time.Duration(0)
	for attempt := 1; attempt <= maxTransportAttempts; attempt++ {
		ceiling := backoffBase * time.Duration(int64(1)<<uint(attempt-1))
		if ceiling > backoffCap {
			ceiling = backoffCap
		}
		d := backoffDelay(attempt)
		require.LessOrEqual(t, d, ceiling)
		require.GreaterOrEqual(t, d, ceiling/2)
		require.GreaterOrEqual(t, d, prevMax)
		prevMax = ceiling
	}
	capped := backoffDelay(maxTransportAttempts + 10)
	require.LessOrEqual(t, capped, backoffCap)
	require.GreaterOrEqual(t, capped, backoffCap/2)
}

func TestSleepForRetryRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := sleepForRetry(ctx, 10)
	require.ErrorIs(t, err, context.Canceled)
}
