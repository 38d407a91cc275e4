package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every interval.
type TickFunc func(ctx context.Context, tick time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
}

// Scheduler owns a set of periodic tasks and tears them down together.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger

	mu     sync.Mutex
	tasks  map[*Task]struct{}
	closed bool
}

// Task is a cancelable periodic job.
type Task struct {
	name     string
	interval time.Duration
	tick     TickFunc
	cancel   context.CancelFunc
	done     chan struct{}
	kick     chan struct{}
}

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// Stop cancels the task and waits for an in-flight tick to return.
func (t *Task) Stop() {
	t.cancel()
	<-t.done
}

// Trigger requests an immediate tick without resetting the schedule. It never blocks.
func (t *Task) Trigger() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

// Done is closed once the task has exited.
func (t *Task) Done() <-chan struct{} { return t.done }

// New constructs a Scheduler instance. opts.Interval is the default task interval.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Logger(),
		tasks:  make(map[*Task]struct{}),
	}
}

// Every starts tick on its own goroutine, firing once immediately and then on
// every interval until the task is stopped, ctx ends, or the scheduler closes.
// A non-positive interval uses the scheduler default.
func (s *Scheduler) Every(ctx context.Context, name string, interval time.Duration, tick TickFunc) *Task {
	if interval <= 0 {
		interval = s.opts.Interval
	}
	taskCtx, cancel := context.WithCancel(ctx)
	task := &Task{
		name:     name,
		interval: interval,
		tick:     tick,
		cancel:   cancel,
		done:     make(chan struct{}),
		kick:     make(chan struct{}, 1),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		close(task.done)
		return task
	}
	s.tasks[task] = struct{}{}
	s.mu.Unlock()

	go func() {
		defer close(task.done)
		defer s.forget(task)
		s.loop(taskCtx, task, true)
	}()
	return task
}

// Run blocks, invoking the tick function at each interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	task := &Task{name: "run", interval: s.opts.Interval, tick: tick, kick: make(chan struct{}, 1), done: make(chan struct{})}
	s.loop(ctx, task, false)
	return ctx.Err()
}

// Close stops every task started through Every and waits for them to exit.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	tasks := make([]*Task, 0, len(s.tasks))
	for t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		t.Stop()
	}
}

func (s *Scheduler) forget(t *Task) {
	s.mu.Lock()
	delete(s.tasks, t)
	s.mu.Unlock()
}

func (s *Scheduler) loop(ctx context.Context, task *Task, immediate bool) {
	tick := task.tick
	logger := s.logger.With().Str("task", task.name).Logger()

	if immediate {
		s.invoke(ctx, logger, tick, time.Now().UTC())
	}

	next := s.nextTick(time.Now().UTC(), task.interval)
	for {
		delay := time.Until(next)
		if delay < 0 {
			next = s.nextTick(time.Now().UTC(), task.interval)
			delay = time.Until(next)
		}

		timer := time.NewTimer(delay)
		logger.Debug().Time("next_tick", next).Msg("waiting for next tick")

		fired := next
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-task.kick:
			timer.Stop()
			fired = time.Now().UTC()
		case <-timer.C:
			next = next.Add(task.interval)
		}

		s.invoke(ctx, logger, tick, s.bucketStart(fired, task.interval))
	}
}

func (s *Scheduler) invoke(ctx context.Context, logger zerolog.Logger, tick TickFunc, at time.Time) {
	if tick == nil || ctx.Err() != nil {
		return
	}
	if err := tick(ctx, at); err != nil {
		logger.Error().Err(err).Time("tick", at).Msg("tick execution failed")
	}
}

func (s *Scheduler) nextTick(now time.Time, interval time.Duration) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(interval)
	}
	bucket := now.Truncate(interval)
	if !bucket.After(now) {
		bucket = bucket.Add(interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time, interval time.Duration) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(interval)
}
