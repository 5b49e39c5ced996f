package poller

// ============================================================================
// Polling Scheduler Test File
// Purpose: Verify cadence, degradation after consecutive failures,
// recovery on success, gating, and the no-overlap rule
// ============================================================================

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFetch = errors.New("backend down")

func TestImmediateFirstFetch(t *testing.T) {
	var calls atomic.Int32
	p := New(Config{
		Name:     "map",
		Interval: time.Hour, // only the immediate fetch can fire
		Fetch: func(context.Context) error {
			calls.Add(1)
			return nil
		},
	})
	p.Start(context.Background())
	defer p.Stop()

	require.Eventually(t, func() bool { return calls.Load() == 1 },
		time.Second, 5*time.Millisecond)
}

// TestDegradesAfterThreeFailures: the interval doubles only once three
// consecutive fetches have failed.
func TestDegradesAfterThreeFailures(t *testing.T) {
	p := New(Config{Name: "map", Interval: time.Minute, Fetch: func(context.Context) error { return errFetch }})

	ctx := context.Background()
	p.fetchOnce(ctx)
	assert.False(t, p.Degraded())
	p.fetchOnce(ctx)
	assert.False(t, p.Degraded())
	p.fetchOnce(ctx)
	assert.True(t, p.Degraded())

	// Degraded interval is capped at twice the base.
	assert.Equal(t, 2*time.Minute, p.currentInterval())
}

func TestRecoveryResetsInterval(t *testing.T) {
	fail := true
	p := New(Config{Name: "map", Interval: time.Minute, Fetch: func(context.Context) error {
		if fail {
			return errFetch
		}
		return nil
	}})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		p.fetchOnce(ctx)
	}
	require.True(t, p.Degraded())

	fail = false
	p.fetchOnce(ctx)
	assert.False(t, p.Degraded())
	assert.Equal(t, time.Minute, p.currentInterval())

	// One failure after recovery does not re-degrade.
	fail = true
	p.fetchOnce(ctx)
	assert.False(t, p.Degraded())
}

func TestOnDegradedEdgeTriggered(t *testing.T) {
	var transitions []bool
	fail := true
	p := New(Config{
		Name: "map", Interval: time.Minute,
		Fetch: func(context.Context) error {
			if fail {
				return errFetch
			}
			return nil
		},
		OnDegraded: func(d bool) { transitions = append(transitions, d) },
	})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		p.fetchOnce(ctx) // degrades at the 3rd, stays degraded
	}
	fail = false
	p.fetchOnce(ctx)

	// Exactly one enter and one leave, no repeats while staying degraded.
	assert.Equal(t, []bool{true, false}, transitions)
}

// TestNoOverlap: a trigger during an in-flight fetch is skipped, never
// queued.
func TestNoOverlap(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	p := New(Config{Name: "map", Interval: time.Hour, Fetch: func(context.Context) error {
		calls.Add(1)
		<-release
		return nil
	}})

	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		p.fetchOnce(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return calls.Load() == 1 },
		time.Second, time.Millisecond)

	p.TriggerNow(ctx) // skipped: fetch in flight
	close(release)
	<-done
	assert.Equal(t, int32(1), calls.Load())
}

func TestGateSkipsWithoutFailing(t *testing.T) {
	var calls atomic.Int32
	gateOpen := atomic.Bool{}
	p := New(Config{
		Name:     "chat",
		Interval: 10 * time.Millisecond,
		Fetch: func(context.Context) error {
			calls.Add(1)
			return nil
		},
		Gate: func() bool { return gateOpen.Load() },
	})
	p.Start(context.Background())
	defer p.Stop()

	// First fetch is unconditional; ticks are gated off.
	require.Eventually(t, func() bool { return calls.Load() >= 1 },
		time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, p.Degraded())

	gateOpen.Store(true)
	require.Eventually(t, func() bool { return calls.Load() >= 3 },
		time.Second, time.Millisecond)
}

func TestStopWaitsForInflight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	p := New(Config{Name: "map", Interval: time.Hour, Fetch: func(context.Context) error {
		close(started)
		<-release
		return nil
	}})
	p.Start(context.Background())

	<-started
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	p.Stop() // must block until the fetch returns
}
