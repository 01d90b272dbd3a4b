package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

var (
	ErrStopped = errors.New("scheduler stopped")
)

// CommitHook runs after every committed task, still on the scheduler goroutine.
type CommitHook func() error

type task struct {
	fn     func() error
	commit bool
	result chan error
}

// Scheduler runs closures one at a time on a single goroutine. All state owned by the
// scheduler must only be touched from within scheduled closures.
//
// A task accepted by the scheduler always runs to completion; the context only bounds
// the wait for acceptance. Scheduling from within a scheduled closure deadlocks.
type Scheduler struct {
	tasks chan task
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once

	muHooks sync.Mutex
	hooks   []CommitHook
}

func New() *Scheduler {
	s := &Scheduler{
		tasks: make(chan task),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go s.loop()
	return s
}

// OnCommit registers a hook executed after each ScheduleAndCommit task.
func (s *Scheduler) OnCommit(hook CommitHook) {
	s.muHooks.Lock()
	defer s.muHooks.Unlock()
	s.hooks = append(s.hooks, hook)
}

// Schedule runs fn on the scheduler and returns its error. A panic inside fn is
// recovered and returned as an error.
func (s *Scheduler) Schedule(ctx context.Context, fn func() error) error {
	return s.submit(ctx, task{fn: fn})
}

// ScheduleAndCommit runs fn followed by the commit hooks. Hooks are skipped when fn
// fails, so a later reader never observes a half applied batch in persisted state.
func (s *Scheduler) ScheduleAndCommit(ctx context.Context, fn func() error) error {
	return s.submit(ctx, task{fn: fn, commit: true})
}

// Commit runs the commit hooks on the scheduler.
func (s *Scheduler) Commit(ctx context.Context) error {
	return s.ScheduleAndCommit(ctx, func() error { return nil })
}

// Stop stops the scheduler after the running task. Pending Schedule calls fail with
// ErrStopped.
func (s *Scheduler) Stop() {
	s.once.Do(func() {
		close(s.quit)
	})
	<-s.done
}

func (s *Scheduler) submit(ctx context.Context, t task) error {
	t.result = make(chan error, 1)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return ErrStopped
	case s.tasks <- t:
	}

	return <-t.result
}

func (s *Scheduler) loop() {
	defer close(s.done)

	for {
		select {
		case <-s.quit:
			return
		case t := <-s.tasks:
			t.result <- s.run(t)
		}
	}
}

func (s *Scheduler) run(t task) error {
	if err := protect(t.fn); err != nil {
		return err
	}
	if !t.commit {
		return nil
	}

	s.muHooks.Lock()
	hooks := append([]CommitHook(nil), s.hooks...)
	s.muHooks.Unlock()

	for _, hook := range hooks {
		if err := protect(hook); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
	}
	return nil
}

func protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("scheduler task panic", "panic", r, "stack", string(debug.Stack()))
			if e, ok := r.(error); ok {
				err = fmt.Errorf("task panic: %w", e)
			} else {
				err = fmt.Errorf("task panic: %v", r)
			}
		}
	}()
	return fn()
}

// Call runs fn on the scheduler and returns its value.
func Call[T any](ctx context.Context, s *Scheduler, fn func() (T, error)) (T, error) {
	var result T
	err := s.Schedule(ctx, func() error {
		var err error
		result, err = fn()
		return err
	})
	return result, err
}

// Get runs fn on the scheduler and returns its value.
func Get[T any](ctx context.Context, s *Scheduler, fn func() T) (T, error) {
	return Call(ctx, s, func() (T, error) {
		return fn(), nil
	})
}
