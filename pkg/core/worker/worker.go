// Package worker is the background execution plane: a bounded job queue with
// at-least-once semantics and leader-elected periodic tickers for the
// singleton jobs (ack polling, retention).
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"orderflow/pkg/core/errs"
)

// Job is one unit of background work. Jobs must be idempotent; a crashed
// worker's job is re-submitted by its producer.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Pool runs jobs from a bounded queue. A full queue pushes back on the
// producer instead of buffering unboundedly.
type Pool struct {
	queue   chan Job
	workers int
	log     *zap.Logger
	wg      sync.WaitGroup
}

func NewPool(workers, queueSize int, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		queue:   make(chan Job, queueSize),
		workers: workers,
		log:     log,
	}
}

// Submit enqueues a job without blocking. A full queue is a transient error;
// the producer retries or sheds load.
func (p *Pool) Submit(job Job) error {
	select {
	case p.queue <- job:
		return nil
	default:
		return errs.Errorf(errs.KindTransient, "worker.submit", "queue full, job %s rejected", job.Name)
	}
}

// Start launches the workers. They drain the queue until the context is
// cancelled, then exit; Wait blocks until all of them are done.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-p.queue:
					p.runJob(ctx, job)
				}
			}
		}()
	}
}

func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) runJob(ctx context.Context, job Job) {
	start := time.Now()
	if err := job.Run(ctx); err != nil {
		p.log.Warn("job failed",
			zap.String("job", job.Name),
			zap.Duration("took", time.Since(start)),
			zap.Error(err))
		return
	}
	p.log.Debug("job done",
		zap.String("job", job.Name),
		zap.Duration("took", time.Since(start)))
}

// Locker is the advisory-lock surface for leader election; *store.Store
// satisfies it.
type Locker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (bool, error)
	AdvisoryUnlock(ctx context.Context, key int64) error
}

// LeaderTicker runs fn on a fixed interval on at most one process: each tick
// first takes the advisory lock and skips the round when another instance
// holds it.
type LeaderTicker struct {
	Name     string
	Key      int64
	Interval time.Duration
	Locker   Locker
	Fn       func(ctx context.Context) error
	Log      *zap.Logger
}

// Run ticks until the context ends. Errors from fn are logged, never fatal;
// the next tick retries.
func (t *LeaderTicker) Run(ctx context.Context) {
	log := t.Log
	if log == nil {
		log = zap.NewNop()
	}
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick(ctx, log)
		}
	}
}

func (t *LeaderTicker) tick(ctx context.Context, log *zap.Logger) {
	got, err := t.Locker.TryAdvisoryLock(ctx, t.Key)
	if err != nil {
		log.Warn("leader lock unavailable", zap.String("task", t.Name), zap.Error(err))
		return
	}
	if !got {
		return // another instance leads this task
	}
	defer func() {
		if err := t.Locker.AdvisoryUnlock(ctx, t.Key); err != nil {
			log.Warn("leader lock not released", zap.String("task", t.Name), zap.Error(err))
		}
	}()

	if err := t.Fn(ctx); err != nil {
		log.Warn("periodic task failed", zap.String("task", t.Name), zap.Error(err))
	}
}

// DailyRunner fires fn once per day at a fixed UTC hour, behind the same
// leader election as LeaderTicker.
type DailyRunner struct {
	Name    string
	Key     int64
	HourUTC int
	Locker  Locker
	Fn      func(ctx context.Context) error
	Log     *zap.Logger
	Now     func() time.Time

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) bool
}

// Run sleeps until the next scheduled instant, executes under the lock, and
// repeats until the context ends.
func (r *DailyRunner) Run(ctx context.Context) {
	log := r.Log
	if log == nil {
		log = zap.NewNop()
	}
	now := r.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	sleep := r.sleep
	if sleep == nil {
		sleep = waitFor
	}

	for {
		next := nextDaily(now(), r.HourUTC)
		if !sleep(ctx, next.Sub(now())) {
			return
		}
		t := &LeaderTicker{Name: r.Name, Key: r.Key, Locker: r.Locker, Fn: r.Fn, Log: log}
		t.tick(ctx, log)
	}
}

func nextDaily(now time.Time, hourUTC int) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), hourUTC, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// waitFor sleeps for d or until the context ends; it reports whether the full
// duration elapsed.
func waitFor(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
