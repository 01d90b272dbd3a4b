package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openmined/syftsync/internal/scheduler"
	"github.com/openmined/syftsync/internal/tree"
)

var (
	ErrSyncAlreadyRunning = errors.New("sync already running")
)

// Repository keys of the engine state.
const (
	KeySynced       = "synced"
	KeyLocalUpdate  = "update.local"
	KeyRemoteUpdate = "update.remote"
	KeyPropagation  = "propagation"
	KeyIDs          = "ids"
)

// ReplicaAdapter is one replica as seen by the engine.
type ReplicaAdapter interface {
	SyncAdapter

	// Enumerate returns the current state of the replica in its own ids, parents before
	// children, the root excluded.
	Enumerate(ctx context.Context) ([]tree.NodeModel, error)
}

// Repository persists values by key. Get reports false for a missing key.
type Repository interface {
	Get(key string, v any) (bool, error)
	Set(key string, v any) error
}

type Option func(*Engine)

// WithMaxTransfers bounds the number of concurrent file transfers.
func WithMaxTransfers(n int) Option {
	return func(e *Engine) {
		e.maxTransfers = n
	}
}

// WithRepository persists the trees after every committed change.
func WithRepository(repo Repository) Option {
	return func(e *Engine) {
		e.repo = repo
	}
}

// Engine runs sync cycles between a local and a remote replica. A cycle detects the
// changes of both replicas, reconciles them and propagates the result.
type Engine struct {
	local        ReplicaAdapter
	remote       ReplicaAdapter
	ids          *IDGenerator
	repo         Repository
	maxTransfers int

	sched          *scheduler.Scheduler
	trees          *Trees
	stats          *Statistics
	detection      [2]*UpdateDetection
	reconciliation *Reconciliation
	propagation    *TreePropagation

	muSync sync.Mutex
}

func New(local, remote ReplicaAdapter, ids *IDGenerator, opts ...Option) *Engine {
	e := &Engine{
		local:        local,
		remote:       remote,
		ids:          ids,
		maxTransfers: DefaultMaxTransfers,
		sched:        scheduler.New(),
		trees:        NewTrees(),
		stats:        &Statistics{},
	}
	for _, opt := range opts {
		opt(e)
	}

	e.detection = [2]*UpdateDetection{
		Local:  NewUpdateDetection(Local, e.trees),
		Remote: NewUpdateDetection(Remote, e.trees),
	}
	e.reconciliation = NewReconciliation(e.trees)
	e.propagation = NewTreePropagation(e.sched, e.trees, local, remote, e.stats, e.maxTransfers)

	if e.repo != nil {
		e.sched.OnCommit(e.save)
	}
	return e
}

// Load restores the persisted trees. A missing state leaves the trees empty.
func (e *Engine) Load(ctx context.Context) error {
	if e.repo == nil {
		return nil
	}

	return e.sched.Schedule(ctx, func() error {
		var last tree.NodeID
		if _, err := e.repo.Get(KeyIDs, &last); err != nil {
			return fmt.Errorf("load ids: %w", err)
		}
		e.ids.Observe(last)

		if err := loadTree(e.repo, KeySynced, e.trees.Synced, SyncedModel{}); err != nil {
			return err
		}
		if err := loadTree(e.repo, KeyLocalUpdate, e.trees.Local, UpdateModel{}); err != nil {
			return err
		}
		if err := loadTree(e.repo, KeyRemoteUpdate, e.trees.Remote, UpdateModel{}); err != nil {
			return err
		}
		if err := loadTree(e.repo, KeyPropagation, e.trees.Propagation, PropagationModel{}); err != nil {
			return err
		}

		slog.Info("engine state loaded", "synced", e.trees.Synced.Len(), "propagation", e.trees.Propagation.Len(), "lastId", e.ids.Last())
		return nil
	})
}

func loadTree[M tree.Model[M]](repo Repository, key string, t *tree.Tree[M], root M) error {
	var models []M
	found, err := repo.Get(key, &models)
	if err != nil {
		return fmt.Errorf("load %s: %w", key, err)
	}
	if found {
		t.Load(root, models)
	}
	return nil
}

// save runs on the scheduler.
func (e *Engine) save() error {
	values := []struct {
		key   string
		value any
	}{
		{KeySynced, e.trees.Synced.Models()},
		{KeyLocalUpdate, e.trees.Local.Models()},
		{KeyRemoteUpdate, e.trees.Remote.Models()},
		{KeyPropagation, e.trees.Propagation.Models()},
		{KeyIDs, e.ids.Last()},
	}
	for _, v := range values {
		if err := e.repo.Set(v.key, v.value); err != nil {
			return fmt.Errorf("save %s: %w", v.key, err)
		}
	}
	return nil
}

// Sync runs one cycle. It fails with ErrSyncAlreadyRunning while another cycle runs.
func (e *Engine) Sync(ctx context.Context) (StatisticsSnapshot, error) {
	if !e.muSync.TryLock() {
		return StatisticsSnapshot{}, ErrSyncAlreadyRunning
	}
	defer e.muSync.Unlock()

	e.stats.Reset()
	tStart := time.Now()

	var localState, remoteState []tree.NodeModel
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		localState, err = e.local.Enumerate(gctx)
		if err != nil {
			return fmt.Errorf("enumerate local: %w", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		remoteState, err = e.remote.Enumerate(gctx)
		if err != nil {
			return fmt.Errorf("enumerate remote: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return StatisticsSnapshot{}, err
	}
	tEnumerate := time.Since(tStart)

	err := e.sched.ScheduleAndCommit(ctx, func() error {
		if err := e.detection[Local].Execute(localState); err != nil {
			return err
		}
		if err := e.detection[Remote].Execute(remoteState); err != nil {
			return err
		}
		e.reconciliation.Execute()
		return nil
	})
	if err != nil {
		return StatisticsSnapshot{}, fmt.Errorf("reconcile: %w", err)
	}
	tReconcile := time.Since(tStart) - tEnumerate

	propagationErr := e.propagation.Execute(ctx)

	// persist whatever was propagated, also after a failure
	if err := e.sched.Commit(context.WithoutCancel(ctx)); err != nil {
		propagationErr = errors.Join(propagationErr, err)
	}

	stats := e.stats.Snapshot()
	if propagationErr != nil {
		return stats, fmt.Errorf("propagate: %w", propagationErr)
	}

	slog.Info("sync cycle",
		"local", len(localState),
		"remote", len(remoteState),
		"succeeded", stats.Succeeded,
		"failed", stats.Failed,
		"skipped", stats.Skipped,
		"tsEnumerate", tEnumerate,
		"tsReconcile", tReconcile,
		"tsTotal", time.Since(tStart),
	)
	return stats, nil
}

// Run syncs once, then again every interval and on every trigger, until ctx is done.
func (e *Engine) Run(ctx context.Context, interval time.Duration, trigger <-chan struct{}) error {
	e.runSync(ctx)

	// a timer instead of a ticker so slow cycles do not queue up ticks
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		case <-trigger:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		e.runSync(ctx)
		timer.Reset(interval)
	}
}

func (e *Engine) runSync(ctx context.Context) {
	if _, err := e.Sync(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrSyncAlreadyRunning) {
		slog.Error("sync cycle failed", "error", err)
	}
}

// Status is a summary of the engine state.
type Status struct {
	Synced       int                `json:"synced"`
	LocalUpdate  int                `json:"local_update"`
	RemoteUpdate int                `json:"remote_update"`
	Propagation  int                `json:"propagation"`
	Pending      int                `json:"pending"`
	LastID       tree.NodeID        `json:"last_id"`
	Statistics   StatisticsSnapshot `json:"statistics"`
}

func (e *Engine) Status(ctx context.Context) (Status, error) {
	return scheduler.Get(ctx, e.sched, func() Status {
		pending := 0
		tree.PreOrder(e.trees.Propagation.Root(), func(n *PropagationNode) bool {
			if !n.Model().Unchanged() {
				pending++
			}
			return true
		})
		return Status{
			Synced:       e.trees.Synced.Len(),
			LocalUpdate:  e.trees.Local.Len(),
			RemoteUpdate: e.trees.Remote.Len(),
			Propagation:  e.trees.Propagation.Len(),
			Pending:      pending,
			LastID:       e.ids.Last(),
			Statistics:   e.stats.Snapshot(),
		}
	})
}

// Close stops the tree scheduler. The engine cannot be used afterwards.
func (e *Engine) Close() {
	e.sched.Stop()
}
