package adapter

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/openmined/syftsync/internal/engine"
	"github.com/openmined/syftsync/internal/fs"
	"github.com/openmined/syftsync/internal/tree"
)

const (
	DefaultMinRetryDelay = 5 * time.Second
	DefaultMaxRetryDelay = 10 * time.Minute
)

type RateLimiterConfig struct {
	MinDelay time.Duration
	MaxDelay time.Duration
	// RevisionsPerMinute caps file revision uploads, zero disables the cap.
	RevisionsPerMinute int64
	Now                func() time.Time
}

type backoff struct {
	delay time.Duration
	until time.Time
}

// RateLimiter postpones operations on nodes that keep failing. Every failure doubles
// the delay of the node, a success resets it. Create and Move are also limited per
// destination directory when the directory rejects new children.
type RateLimiter struct {
	minDelay time.Duration
	maxDelay time.Duration
	now      func() time.Time

	mu      sync.Mutex
	items   map[tree.NodeID]*backoff
	parents map[tree.NodeID]*backoff

	revisions *limiter.Limiter
}

func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = DefaultMinRetryDelay
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = max(DefaultMaxRetryDelay, cfg.MinDelay)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	r := &RateLimiter{
		minDelay: cfg.MinDelay,
		maxDelay: cfg.MaxDelay,
		now:      cfg.Now,
		items:    make(map[tree.NodeID]*backoff),
		parents:  make(map[tree.NodeID]*backoff),
	}
	if cfg.RevisionsPerMinute > 0 {
		rate := limiter.Rate{Period: time.Minute, Limit: cfg.RevisionsPerMinute}
		r.revisions = limiter.New(memory.NewStore(), rate)
	}
	return r
}

// CanExecute reports whether op may touch the file system now.
func (r *RateLimiter) CanExecute(ctx context.Context, op engine.ExecutableOperation) bool {
	r.mu.Lock()
	now := r.now()
	if b := r.items[op.Model.ID]; b != nil && now.Before(b.until) {
		r.mu.Unlock()
		return false
	}
	if affectsParent(op) {
		if b := r.parents[op.Model.ParentID]; b != nil && now.Before(b.until) {
			r.mu.Unlock()
			return false
		}
	}
	r.mu.Unlock()

	if r.revisions != nil && isRevisionUpload(op) {
		lctx, err := r.revisions.Peek(ctx, revisionKey(op))
		if err != nil {
			slog.Warn("revision rate limiter", "id", op.Model.ID, "error", err)
			return true
		}
		if lctx.Remaining <= 0 {
			return false
		}
	}
	return true
}

func (r *RateLimiter) HandleSuccess(ctx context.Context, op engine.ExecutableOperation) {
	r.mu.Lock()
	delete(r.items, op.Model.ID)
	if affectsParent(op) {
		delete(r.parents, op.Model.ParentID)
	}
	r.mu.Unlock()

	if r.revisions != nil && isRevisionUpload(op) {
		if _, err := r.revisions.Get(ctx, revisionKey(op)); err != nil {
			slog.Warn("revision rate limiter", "id", op.Model.ID, "error", err)
		}
	}
}

func (r *RateLimiter) HandleFailure(op engine.ExecutableOperation, code engine.ExecutionResultCode, errorCode fs.ErrorCode) {
	switch code {
	case engine.Error, engine.NameConflict, engine.DirtyNode, engine.DirtyBranch, engine.DirtyDestination:
	default:
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.grow(r.items, op.Model.ID)
	if affectsParent(op) && errorCode == fs.TooManyChildren {
		r.grow(r.parents, op.Model.ParentID)
	}
}

func (r *RateLimiter) grow(m map[tree.NodeID]*backoff, id tree.NodeID) {
	b := m[id]
	if b == nil {
		b = &backoff{}
		m[id] = b
	}
	if b.delay == 0 {
		b.delay = r.minDelay
	} else {
		b.delay = min(2*b.delay, r.maxDelay)
	}
	b.until = r.now().Add(b.delay)
}

// Reset forgets all delays.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.items)
	clear(r.parents)
}

func affectsParent(op engine.ExecutableOperation) bool {
	return op.Type == tree.Create || op.Type == tree.Move
}

func isRevisionUpload(op engine.ExecutableOperation) bool {
	return op.Type == tree.Edit && op.Model.Type == tree.File
}

func revisionKey(op engine.ExecutableOperation) string {
	return strconv.FormatUint(uint64(op.Model.ID), 10)
}
