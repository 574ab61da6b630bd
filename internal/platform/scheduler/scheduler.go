// Package scheduler drives the recurring background passes over the
// hospital queues. One runner owns one task; ticks never overlap, and
// Stop lets an in-flight tick finish before returning.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Task is one background pass. The context is cancelled when the runner
// shuts down.
type Task func(ctx context.Context)

// Runner fires a task on a fixed interval.
type Runner struct {
	name     string
	interval time.Duration
	task     Task
	log      zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewRunner creates a runner; it does not start ticking until Start.
func NewRunner(name string, interval time.Duration, task Task, log zerolog.Logger) *Runner {
	return &Runner{name: name, interval: interval, task: task, log: log}
}

// Start launches the tick loop. Calling Start twice is a no-op.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.loop(ctx)
	r.log.Info().Str("job", r.name).Dur("interval", r.interval).Msg("scheduler started")
}

func (r *Runner) loop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			r.task(ctx)
			elapsed := time.Since(start)
			if elapsed > r.interval {
				r.log.Warn().Str("job", r.name).Dur("elapsed", elapsed).Msg("tick ran longer than interval")
			}
		}
	}
}

// Stop halts future ticks and waits for an in-flight tick to finish.
// Safe to call before Start or more than once.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	cancel, done := r.cancel, r.done
	r.started = false
	r.mu.Unlock()

	cancel()
	<-done
	r.log.Info().Str("job", r.name).Msg("scheduler stopped")
}
