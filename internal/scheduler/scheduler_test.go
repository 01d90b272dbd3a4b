package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_RunsTasksSerially(t *testing.T) {
	s := New()
	defer s.Stop()

	var running, maxRunning int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Schedule(context.Background(), func() error {
				n := atomic.AddInt32(&running, 1)
				if n > atomic.LoadInt32(&maxRunning) {
					atomic.StoreInt32(&maxRunning, n)
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, maxRunning)
}

func TestScheduler_ReturnsTaskError(t *testing.T) {
	s := New()
	defer s.Stop()

	errBoom := errors.New("boom")
	err := s.Schedule(context.Background(), func() error { return errBoom })
	assert.ErrorIs(t, err, errBoom)
}

func TestScheduler_RecoversPanic(t *testing.T) {
	s := New()
	defer s.Stop()

	errInvariant := errors.New("invariant")
	err := s.Schedule(context.Background(), func() error { panic(errInvariant) })
	require.Error(t, err)
	assert.ErrorIs(t, err, errInvariant)

	// still usable
	assert.NoError(t, s.Schedule(context.Background(), func() error { return nil }))
}

func TestScheduler_CommitHooks(t *testing.T) {
	s := New()
	defer s.Stop()

	var commits int
	s.OnCommit(func() error {
		commits++
		return nil
	})

	require.NoError(t, s.Schedule(context.Background(), func() error { return nil }))
	assert.Equal(t, 0, commits)

	require.NoError(t, s.ScheduleAndCommit(context.Background(), func() error { return nil }))
	assert.Equal(t, 1, commits)

	err := s.ScheduleAndCommit(context.Background(), func() error { return errors.New("failed") })
	assert.Error(t, err)
	assert.Equal(t, 1, commits, "failed task is not committed")

	require.NoError(t, s.Commit(context.Background()))
	assert.Equal(t, 2, commits)
}

func TestScheduler_CanceledBeforeAcceptance(t *testing.T) {
	s := New()
	defer s.Stop()

	release := make(chan struct{})
	go func() {
		_ = s.Schedule(context.Background(), func() error {
			<-release
			return nil
		})
	}()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Schedule(ctx, func() error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	close(release)
}

func TestScheduler_Stopped(t *testing.T) {
	s := New()
	s.Stop()

	err := s.Schedule(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, ErrStopped)
}

func TestCall(t *testing.T) {
	s := New()
	defer s.Stop()

	v, err := Call(context.Background(), s, func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	name, err := Get(context.Background(), s, func() string { return "tree" })
	require.NoError(t, err)
	assert.Equal(t, "tree", name)
}

func TestSerial(t *testing.T) {
	serial := NewSerial()

	var running, maxRunning int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = serial.Run(context.Background(), func(ctx context.Context) error {
				n := atomic.AddInt32(&running, 1)
				if n > atomic.LoadInt32(&maxRunning) {
					atomic.StoreInt32(&maxRunning, n)
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, maxRunning)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := serial.Run(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
