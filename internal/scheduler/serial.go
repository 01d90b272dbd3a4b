package scheduler

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Serial runs adapter calls one at a time. Unlike Scheduler the caller's goroutine
// executes fn, so fn may block on I/O and honour ctx.
type Serial struct {
	sem *semaphore.Weighted
}

func NewSerial() *Serial {
	return &Serial{sem: semaphore.NewWeighted(1)}
}

// Run waits for the previous call to finish and runs fn.
func (s *Serial) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)

	return fn(ctx)
}
