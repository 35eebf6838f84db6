package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunnerPollsAgentUntilStopped(t *testing.T) {
	var polls atomic.Int64
	r := NewRunner("counter", AgentFunc(func(nowMS int64) int {
		polls.Add(1)
		return 1
	}), nil)

	r.Start(context.Background())
	require.Eventually(t, func() bool { return polls.Load() > 10 },
		time.Second, time.Millisecond)

	r.Stop()
	settled := polls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, settled, polls.Load())
}

func TestRunnerBacksOffWhenIdle(t *testing.T) {
	var polls atomic.Int64
	r := NewRunner("idle", AgentFunc(func(nowMS int64) int {
		polls.Add(1)
		return 0
	}), nil)

	r.Start(context.Background())
	defer r.Stop()

	time.Sleep(50 * time.Millisecond)
	// A busy agent would rack up tens of thousands of polls in 50ms. An idle
	// one sleeps between cycles.
	assert.Less(t, polls.Load(), int64(2000))
	assert.Greater(t, polls.Load(), int64(0))
}

func TestRunnerStopsOnContextCancel(t *testing.T) {
	var polls atomic.Int64
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRunner("ctx", AgentFunc(func(nowMS int64) int {
		polls.Add(1)
		return 1
	}), nil)

	r.Start(ctx)
	require.Eventually(t, func() bool { return polls.Load() > 0 },
		time.Second, time.Millisecond)

	cancel()
	require.Eventually(t, func() bool {
		settled := polls.Load()
		time.Sleep(5 * time.Millisecond)
		return polls.Load() == settled
	}, time.Second, 10*time.Millisecond)

	r.Stop()
}

func TestRunnerStopWithoutStartIsNoOp(t *testing.T) {
	r := NewRunner("never-started", AgentFunc(func(nowMS int64) int { return 0 }), nil)
	r.Stop()
}
