package async

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunEvery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	RunEvery(ctx, 20*time.Millisecond, func() {
		calls.Add(1)
	})

	require.Eventually(t, func() bool {
		return calls.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	time.Sleep(50 * time.Millisecond)
	after := calls.Load()
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, after, calls.Load(), "ticker must stop after cancellation")
}
