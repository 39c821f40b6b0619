// Package poller runs periodic fetch jobs on a drift-free schedule.
// Tick k fires at tick0 + k*interval regardless of how long earlier
// ticks took; overrunning work causes ticks to be skipped, never queued.
package poller

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"cryptoflow/internal/exchange"
	"cryptoflow/internal/metrics"
)

const defaultMaxRetries = 3

// Job is one periodic fetch task.
type Job struct {
	Name         string
	Interval     time.Duration
	InitialDelay time.Duration
	Jitter       time.Duration // uniform extra delay budget per tick
	MaxRetries   uint64        // in-tick retries, defaults to 3
	Run          func(ctx context.Context) error
}

// Scheduler drives a set of jobs, one goroutine each.
type Scheduler struct {
	jobs   []Job
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewScheduler creates an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Add registers a job. Must be called before Start.
func (s *Scheduler) Add(job Job) {
	if job.MaxRetries == 0 {
		job.MaxRetries = defaultMaxRetries
	}
	s.jobs = append(s.jobs, job)
}

// Start launches every registered job.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for _, job := range s.jobs {
		s.wg.Add(1)
		go func(job Job) {
			defer s.wg.Done()
			s.runJob(ctx, job)
		}(job)
	}
}

// Stop cancels all jobs and waits for in-flight work.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	if job.InitialDelay > 0 {
		if !sleepCtx(ctx, job.InitialDelay) {
			return
		}
	}

	start := time.Now()
	for k := int64(1); ; k++ {
		next := start.Add(time.Duration(k) * job.Interval)
		now := time.Now()

		// A tick that became due while the previous run was still in
		// progress is skipped, keeping the schedule anchored to tick0.
		if !next.After(now) {
			metrics.PollerSkippedTicks.WithLabelValues(job.Name).Inc()
			continue
		}

		delay := next.Sub(now)
		if job.Jitter > 0 {
			delay += time.Duration(rand.Int63n(int64(job.Jitter)))
		}
		if !sleepCtx(ctx, delay) {
			return
		}

		metrics.PollerTicks.WithLabelValues(job.Name).Inc()
		s.runOnce(ctx, job)
	}
}

// runOnce executes one tick with bounded in-tick retries. Rate-limit
// errors skip the tick immediately: retrying against an exhausted token
// bucket only burns the budget further.
func (s *Scheduler) runOnce(ctx context.Context, job Job) {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), job.MaxRetries), ctx)

	err := backoff.Retry(func() error {
		err := job.Run(ctx)
		var rateErr *exchange.RateLimitError
		if errors.As(err, &rateErr) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)

	if err == nil || ctx.Err() != nil {
		return
	}

	var rateErr *exchange.RateLimitError
	if errors.As(err, &rateErr) {
		log.Debug().Str("job", job.Name).Msg("tick skipped, rate limited")
		return
	}

	metrics.PollerErrors.WithLabelValues(job.Name).Inc()
	log.Warn().Err(err).Str("job", job.Name).Msg("poll failed after retries")
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
