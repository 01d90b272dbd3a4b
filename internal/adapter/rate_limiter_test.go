package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/openmined/syftsync/internal/engine"
	"github.com/openmined/syftsync/internal/fs"
	"github.com/openmined/syftsync/internal/tree"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func testOp(typ tree.OperationType, id, parent tree.NodeID) engine.ExecutableOperation {
	return engine.ExecutableOperation{
		Type:  typ,
		Model: engine.OperationModel{NodeModel: tree.NodeModel{ID: id, ParentID: parent, Type: tree.File}},
	}
}

func TestRateLimiter_Backoff(t *testing.T) {
	clock := &fakeClock{now: testTime}
	r := NewRateLimiter(RateLimiterConfig{MinDelay: time.Second, MaxDelay: 4 * time.Second, Now: clock.Now})
	ctx := context.Background()
	op := testOp(tree.Edit, 7, 1)

	assert.True(t, r.CanExecute(ctx, op))

	delays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}
	for _, d := range delays {
		r.HandleFailure(op, engine.Error, fs.Unknown)
		assert.False(t, r.CanExecute(ctx, op))
		clock.Advance(d - time.Millisecond)
		assert.False(t, r.CanExecute(ctx, op))
		clock.Advance(time.Millisecond)
		assert.True(t, r.CanExecute(ctx, op))
	}

	r.HandleSuccess(ctx, op)
	r.HandleFailure(op, engine.Error, fs.Unknown)
	clock.Advance(time.Second)
	assert.True(t, r.CanExecute(ctx, op))
}

func TestRateLimiter_IgnoresSkips(t *testing.T) {
	r := NewRateLimiter(RateLimiterConfig{Now: (&fakeClock{now: testTime}).Now})
	op := testOp(tree.Delete, 7, 1)

	for _, code := range []engine.ExecutionResultCode{engine.Offline, engine.Cancelled, engine.AccessRateLimitExceeded} {
		r.HandleFailure(op, code, fs.Unknown)
	}
	assert.True(t, r.CanExecute(context.Background(), op))
}

func TestRateLimiter_Parent(t *testing.T) {
	r := NewRateLimiter(RateLimiterConfig{Now: (&fakeClock{now: testTime}).Now})
	ctx := context.Background()

	r.HandleFailure(testOp(tree.Create, 7, 3), engine.Error, fs.TooManyChildren)
	assert.False(t, r.CanExecute(ctx, testOp(tree.Create, 8, 3)))
	assert.False(t, r.CanExecute(ctx, testOp(tree.Move, 9, 3)))
	assert.True(t, r.CanExecute(ctx, testOp(tree.Create, 8, 4)))

	r.HandleFailure(testOp(tree.Create, 10, 4), engine.Error, fs.InvalidName)
	assert.True(t, r.CanExecute(ctx, testOp(tree.Create, 11, 4)))

	r.Reset()
	assert.True(t, r.CanExecute(ctx, testOp(tree.Create, 8, 3)))
}

func TestRateLimiter_Revisions(t *testing.T) {
	r := NewRateLimiter(RateLimiterConfig{RevisionsPerMinute: 2})
	ctx := context.Background()
	op := testOp(tree.Edit, 7, 1)

	r.HandleSuccess(ctx, op)
	assert.True(t, r.CanExecute(ctx, op))
	r.HandleSuccess(ctx, op)
	assert.False(t, r.CanExecute(ctx, op))

	// other files have their own budget
	assert.True(t, r.CanExecute(ctx, testOp(tree.Edit, 8, 1)))
	// moves are not revisions
	assert.True(t, r.CanExecute(ctx, testOp(tree.Move, 7, 1)))
}
