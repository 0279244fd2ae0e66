package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow/pkg/core/errs"
)

type fakeLocker struct {
	mu       sync.Mutex
	grant    bool
	locks    int
	unlocks  int
	lastKey  int64
	lockErr  error
	unlocked chan struct{}
}

func (f *fakeLocker) TryAdvisoryLock(ctx context.Context, key int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastKey = key
	if f.lockErr != nil {
		return false, f.lockErr
	}
	if f.grant {
		f.locks++
	}
	return f.grant, nil
}

func (f *fakeLocker) AdvisoryUnlock(ctx context.Context, key int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unlocks++
	return nil
}

func (f *fakeLocker) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locks, f.unlocks
}

func (f *fakeLocker) key() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastKey
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func TestPoolRunsSubmittedJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewPool(2, 16, nil)
	p.Start(ctx)

	var done int64
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit(Job{Name: "count", Run: func(ctx context.Context) error {
			atomic.AddInt64(&done, 1)
			return nil
		}}))
	}

	waitUntil(t, func() bool { return atomic.LoadInt64(&done) == 5 })
	cancel()
	p.Wait()
}

func TestPoolKeepsGoingAfterJobError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewPool(1, 4, nil)
	p.Start(ctx)

	var done int64
	require.NoError(t, p.Submit(Job{Name: "boom", Run: func(ctx context.Context) error {
		return errs.Errorf(errs.KindTransient, "test", "boom")
	}}))
	require.NoError(t, p.Submit(Job{Name: "after", Run: func(ctx context.Context) error {
		atomic.AddInt64(&done, 1)
		return nil
	}}))

	waitUntil(t, func() bool { return atomic.LoadInt64(&done) == 1 })
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	p := NewPool(1, 1, nil) // not started: nothing drains the queue
	noop := Job{Name: "noop", Run: func(ctx context.Context) error { return nil }}

	require.NoError(t, p.Submit(noop))
	err := p.Submit(noop)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindTransient))
}

func TestLeaderTickerRunsWhileLeading(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	locker := &fakeLocker{grant: true}
	var runs int64
	tk := &LeaderTicker{
		Name:     "ack_poll",
		Key:      42,
		Interval: 3 * time.Millisecond,
		Locker:   locker,
		Fn: func(ctx context.Context) error {
			atomic.AddInt64(&runs, 1)
			return nil
		},
	}
	go tk.Run(ctx)

	waitUntil(t, func() bool { return atomic.LoadInt64(&runs) >= 2 })
	cancel()

	waitUntil(t, func() bool {
		locks, unlocks := locker.counts()
		return locks > 0 && locks == unlocks
	})
	assert.Equal(t, int64(42), locker.key())
}

func TestLeaderTickerSkipsWithoutLock(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	locker := &fakeLocker{grant: false}
	var runs int64
	tk := &LeaderTicker{
		Name:     "ack_poll",
		Key:      42,
		Interval: 3 * time.Millisecond,
		Locker:   locker,
		Fn: func(ctx context.Context) error {
			atomic.AddInt64(&runs, 1)
			return nil
		},
	}
	tk.Run(ctx)

	assert.Zero(t, atomic.LoadInt64(&runs))
	_, unlocks := locker.counts()
	assert.Zero(t, unlocks)
}

func TestDailyRunnerFiresAtScheduledHour(t *testing.T) {
	locker := &fakeLocker{grant: true}
	var runs int64
	var slept []time.Duration
	iterations := 0

	r := &DailyRunner{
		Name:    "retention",
		Key:     7,
		HourUTC: 2,
		Locker:  locker,
		Fn: func(ctx context.Context) error {
			atomic.AddInt64(&runs, 1)
			return nil
		},
		Now: func() time.Time { return time.Date(2025, 12, 27, 23, 30, 0, 0, time.UTC) },
		sleep: func(ctx context.Context, d time.Duration) bool {
			slept = append(slept, d)
			iterations++
			return iterations == 1 // one scheduled round, then stop
		},
	}
	r.Run(context.Background())

	assert.Equal(t, int64(1), atomic.LoadInt64(&runs))
	require.Len(t, slept, 2)
	assert.Equal(t, 2*time.Hour+30*time.Minute, slept[0])
}

func TestNextDaily(t *testing.T) {
	before := time.Date(2025, 12, 27, 1, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 12, 27, 2, 0, 0, 0, time.UTC), nextDaily(before, 2))

	exactly := time.Date(2025, 12, 27, 2, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 12, 28, 2, 0, 0, 0, time.UTC), nextDaily(exactly, 2))

	late := time.Date(2025, 12, 27, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 12, 28, 2, 0, 0, 0, time.UTC), nextDaily(late, 2))
}
