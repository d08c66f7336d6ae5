package periodic

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStart_InvokesRunPeriodically(t *testing.T) {
	t.Parallel()

	var ticks atomic.Int32

	s := New("test", 10*time.Millisecond, func(context.Context) {
		ticks.Add(1)
	}, testLogger())

	require.NoError(t, s.Start())

	defer s.Close()

	require.Eventually(t, func() bool {
		return ticks.Load() >= 3
	}, time.Second, 5*time.Millisecond)
}

func TestStop_BlocksUntilRunCompletes(t *testing.T) {
	t.Parallel()

	running := make(chan struct{})
	finished := atomic.Bool{}

	s := New("test", 5*time.Millisecond, func(ctx context.Context) {
		select {
		case running <- struct{}{}:
		default:
		}

		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
	}, testLogger())

	require.NoError(t, s.Start())

	<-running
	require.NoError(t, s.Stop())
	assert.True(t, finished.Load(), "Stop must wait for the in-flight run")
}

func TestRuns_NeverOverlap(t *testing.T) {
	t.Parallel()

	var concurrent, maxConcurrent atomic.Int32

	s := New("test", time.Millisecond, func(context.Context) {
		n := concurrent.Add(1)

		if n > maxConcurrent.Load() {
			maxConcurrent.Store(n)
		}

		time.Sleep(10 * time.Millisecond)
		concurrent.Add(-1)
	}, testLogger())

	require.NoError(t, s.Start())
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, s.Stop())

	assert.Equal(t, int32(1), maxConcurrent.Load())
}

func TestStart_Twice_RestartsWorker(t *testing.T) {
	t.Parallel()

	var ticks atomic.Int32

	s := New("test", 10*time.Millisecond, func(context.Context) {
		ticks.Add(1)
	}, testLogger())

	require.NoError(t, s.Start())
	require.NoError(t, s.Start())

	defer s.Close()

	require.Eventually(t, func() bool {
		return ticks.Load() >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestStop_WithoutStartIsSafe(t *testing.T) {
	t.Parallel()

	s := New("test", time.Second, func(context.Context) {}, testLogger())

	require.NoError(t, s.Stop())
}

func TestSetPeriod_ZeroStops(t *testing.T) {
	t.Parallel()

	var ticks atomic.Int32

	s := New("test", 5*time.Millisecond, func(context.Context) {
		ticks.Add(1)
	}, testLogger())

	require.NoError(t, s.Start())
	require.NoError(t, s.SetPeriod(0))

	n := ticks.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, ticks.Load(), "no ticks after SetPeriod(0)")
}

func TestClose_MakesStartAndStopFail(t *testing.T) {
	t.Parallel()

	s := New("test", time.Second, func(context.Context) {}, testLogger())

	require.NoError(t, s.Close())
	require.ErrorIs(t, s.Start(), ErrClosed)
	require.ErrorIs(t, s.Stop(), ErrClosed)
	require.NoError(t, s.Close(), "Close is idempotent")
}

func TestRun_PanicIsContained(t *testing.T) {
	t.Parallel()

	var ticks atomic.Int32

	s := New("test", 5*time.Millisecond, func(context.Context) {
		ticks.Add(1)
		panic("tick gone wrong")
	}, testLogger())

	require.NoError(t, s.Start())

	defer s.Close()

	require.Eventually(t, func() bool {
		return ticks.Load() >= 2
	}, time.Second, 2*time.Millisecond, "worker survives a panicking run")
}
