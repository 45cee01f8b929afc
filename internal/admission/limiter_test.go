package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/inferflow/testutil"
)

func newTestLimiter(maxConcurrent, maxAdmitted int, queueTimeout time.Duration) *Limiter {
	return New(Config{
		MaxConcurrent: maxConcurrent,
		MaxAdmitted:   maxAdmitted,
		QueueTimeout:  queueTimeout,
		DrainGrace:    5 * time.Second,
	}, zap.NewNop())
}

func TestLimiter_AcquireRelease(t *testing.T) {
	l := newTestLimiter(2, 4, time.Second)

	ticket, err := l.Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, ticket)

	stats := l.Stats()
	assert.Equal(t, 1, stats.Running)
	assert.Equal(t, 1, stats.Admitted)

	l.Release(ticket)
	stats = l.Stats()
	assert.Equal(t, 0, stats.Running)
	assert.Equal(t, 0, stats.Admitted)
}

func TestLimiter_QueueFull_FailsImmediately(t *testing.T) {
	// MaxConcurrent=1, MaxAdmitted=4: one running + three waiting fills
	// admission; every further attempt must be rejected without waiting.
	l := newTestLimiter(1, 4, 10*time.Second)
	ctx := testutil.TestContext(t)

	holder, err := l.Acquire(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { l.Release(holder) })

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, err := l.Acquire(ctx)
			if err == nil {
				l.Release(ticket)
			}
		}()
		ok := testutil.WaitFor(func() bool { return l.Stats().Waiting == i+1 }, 2*time.Second)
		require.True(t, ok, "waiter %d should be parked", i+1)
	}

	// Admission ceiling reached: exactly the overflow attempts fail, fast.
	for i := 0; i < 3; i++ {
		start := time.Now()
		_, err := l.Acquire(ctx)
		assert.ErrorIs(t, err, ErrQueueFull)
		assert.Less(t, time.Since(start), 100*time.Millisecond, "rejection must not wait")
	}

	l.Release(holder)
	wg.Wait()
}

func TestLimiter_MaxConcurrentOne_NeverOverlaps(t *testing.T) {
	l := newTestLimiter(1, 8, 5*time.Second)
	ctx := testutil.TestContext(t)

	var running atomic.Int32
	var maxSeen atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Do(ctx, func(ctx context.Context) error {
				cur := running.Add(1)
				for {
					prev := maxSeen.Load()
					if cur <= prev || maxSeen.CompareAndSwap(prev, cur) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				running.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen.Load(), "two callers must never run simultaneously")
}

func TestLimiter_QueueTimeout_ReleasesAdmission(t *testing.T) {
	l := newTestLimiter(1, 4, 100*time.Millisecond)
	ctx := testutil.TestContext(t)

	holder, err := l.Acquire(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { l.Release(holder) })

	start := time.Now()
	_, err = l.Acquire(ctx)
	require.ErrorIs(t, err, ErrQueueTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	// Admission released: the slot is immediately reusable.
	stats := l.Stats()
	assert.Equal(t, 1, stats.Admitted, "only the holder should remain admitted")
	assert.Equal(t, 0, stats.Waiting)
}

func TestLimiter_ContextCancel_ReleasesAdmission(t *testing.T) {
	l := newTestLimiter(1, 4, 10*time.Second)

	holder, err := l.Acquire(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { l.Release(holder) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := l.Acquire(ctx)
		done <- err
	}()

	ok := testutil.WaitFor(func() bool { return l.Stats().Waiting == 1 }, 2*time.Second)
	require.True(t, ok, "caller should be parked")

	cancel()
	err, ok = testutil.WaitForChannel(done, 2*time.Second)
	require.True(t, ok)
	assert.ErrorIs(t, err, context.Canceled)

	stats := l.Stats()
	assert.Equal(t, 1, stats.Admitted)
	assert.Equal(t, 0, stats.Waiting)
}

func TestLimiter_Drain(t *testing.T) {
	l := newTestLimiter(1, 4, time.Second)
	ctx := testutil.TestContext(t)

	holder, err := l.Acquire(ctx)
	require.NoError(t, err)

	drainDone := make(chan error, 1)
	go func() { drainDone <- l.Drain(ctx) }()

	ok := testutil.WaitFor(func() bool { return l.Stats().Draining }, 2*time.Second)
	require.True(t, ok)

	// New acquisitions fail immediately once draining.
	_, err = l.Acquire(ctx)
	assert.ErrorIs(t, err, ErrShuttingDown)

	// The admitted ticket runs to completion and unblocks the drain.
	l.Release(holder)
	err, ok = testutil.WaitForChannel(drainDone, 2*time.Second)
	require.True(t, ok)
	assert.NoError(t, err)
}

func TestLimiter_Drain_GraceElapses(t *testing.T) {
	l := New(Config{
		MaxConcurrent: 1,
		MaxAdmitted:   2,
		QueueTimeout:  time.Second,
		DrainGrace:    50 * time.Millisecond,
	}, zap.NewNop())

	holder, err := l.Acquire(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { l.Release(holder) })

	err = l.Drain(context.Background())
	assert.Error(t, err, "drain should give up after the grace period")
}

func TestLimiter_DoubleRelease_NoOp(t *testing.T) {
	l := newTestLimiter(1, 2, time.Second)

	ticket, err := l.Acquire(context.Background())
	require.NoError(t, err)

	l.Release(ticket)
	l.Release(ticket) // programming error, must not corrupt counters
	l.Release(nil)

	stats := l.Stats()
	assert.Equal(t, 0, stats.Running)
	assert.Equal(t, 0, stats.Admitted)

	// Counters intact: capacity is still fully available.
	t2, err := l.Acquire(context.Background())
	require.NoError(t, err)
	l.Release(t2)
}

func TestLimiter_FIFO_Handoff(t *testing.T) {
	l := newTestLimiter(1, 8, 5*time.Second)
	ctx := testutil.TestContext(t)

	holder, err := l.Acquire(ctx)
	require.NoError(t, err)

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			ticket, err := l.Acquire(ctx)
			require.NoError(t, err)
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			l.Release(ticket)
		}(i)
		ok := testutil.WaitFor(func() bool { return l.Stats().Waiting == i }, 2*time.Second)
		require.True(t, ok, "waiter %d should be parked before the next arrives", i)
	}

	l.Release(holder)
	wg.Wait()

	assert.Equal(t, []int{1, 2, 3}, order, "slots must be granted in arrival order")
}

func TestLimiter_Do_ReleasesOnError(t *testing.T) {
	l := newTestLimiter(1, 2, time.Second)
	ctx := testutil.TestContext(t)

	wantErr := assert.AnError
	err := l.Do(ctx, func(ctx context.Context) error { return wantErr })
	assert.ErrorIs(t, err, wantErr)

	stats := l.Stats()
	assert.Equal(t, 0, stats.Running)
	assert.Equal(t, 0, stats.Admitted)
}

// Mirrors the production tuning scenario: MaxConcurrent=1, MaxAdmitted=2,
// QueueTimeout=200ms. Caller 1 runs, caller 2 waits on the second admission
// slot, caller 3 is rejected immediately, caller 2 then succeeds.
func TestLimiter_BurstScenario(t *testing.T) {
	l := newTestLimiter(1, 2, 200*time.Millisecond)
	ctx := testutil.TestContext(t)

	caller1Done := make(chan struct{})
	caller2Done := make(chan error, 1)

	t1, err := l.Acquire(ctx)
	require.NoError(t, err)
	go func() {
		time.Sleep(100 * time.Millisecond)
		l.Release(t1)
		close(caller1Done)
	}()

	go func() {
		t2, err := l.Acquire(ctx)
		if err == nil {
			l.Release(t2)
		}
		caller2Done <- err
	}()
	ok := testutil.WaitFor(func() bool { return l.Stats().Waiting == 1 }, 2*time.Second)
	require.True(t, ok, "caller 2 should hold the second admission slot")

	start := time.Now()
	_, err = l.Acquire(ctx)
	assert.ErrorIs(t, err, ErrQueueFull, "caller 3 must be rejected")
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	err, ok = testutil.WaitForChannel(caller2Done, 2*time.Second)
	require.True(t, ok)
	assert.NoError(t, err, "caller 2 should succeed once caller 1 releases")
	<-caller1Done
}
