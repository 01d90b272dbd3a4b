package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/openmined/syftsync/internal/engine"
	"github.com/openmined/syftsync/internal/fs"
	"github.com/openmined/syftsync/internal/ignore"
	"github.com/openmined/syftsync/internal/scheduler"
	"github.com/openmined/syftsync/internal/tree"
)

var (
	ErrNoRevisionSource = errors.New("adapter has no revision source")
)

// Repository keys of the adapter trees.
const (
	KeyLocal  = "adapter.local"
	KeyRemote = "adapter.remote"
)

// RevisionSource opens file content on the other replica. id and expected are in the
// ids of the source replica.
type RevisionSource interface {
	OpenRevision(ctx context.Context, id tree.NodeID, expected tree.NodeModel) (fs.Revision, error)
}

type Option func(*Adapter)

func WithIgnore(l *ignore.List) Option {
	return func(a *Adapter) {
		a.ignore = l
	}
}

func WithRateLimiter(l *RateLimiter) Option {
	return func(a *Adapter) {
		a.limiter = l
	}
}

func WithFileVersionMapping(m *FileVersionMapping) Option {
	return func(a *Adapter) {
		a.versions = m
	}
}

// WithRepository persists the adapter tree under key after every committed change.
func WithRepository(repo engine.Repository, key string) Option {
	return func(a *Adapter) {
		a.repo = repo
		a.repoKey = key
	}
}

// WithMinFileAge refuses to read files written less than d ago.
func WithMinFileAge(d time.Duration) Option {
	return func(a *Adapter) {
		a.minFileAge = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Adapter) {
		a.now = now
	}
}

// Adapter binds a file system client to the engine. It keeps a tree of the replica in
// engine ids, translates operations into client calls and classifies their failures.
// The tree is only accessed from the adapter scheduler.
type Adapter struct {
	name   string
	client fs.Client
	ids    *engine.IDGenerator

	sched  *scheduler.Scheduler
	serial *scheduler.Serial
	tree   *Tree

	limiter  *RateLimiter
	versions *FileVersionMapping
	ignore   *ignore.List
	source   RevisionSource

	repo    engine.Repository
	repoKey string

	minFileAge time.Duration
	now        func() time.Time

	enabled atomic.Bool
	cleaned atomic.Bool
}

var (
	_ engine.ReplicaAdapter = (*Adapter)(nil)
	_ RevisionSource        = (*Adapter)(nil)
)

func New(name string, client fs.Client, ids *engine.IDGenerator, opts ...Option) *Adapter {
	a := &Adapter{
		name:   name,
		client: client,
		ids:    ids,
		sched:  scheduler.New(),
		serial: scheduler.NewSerial(),
		tree:   NewTree(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.limiter == nil {
		a.limiter = NewRateLimiter(RateLimiterConfig{})
	}
	if a.versions == nil {
		a.versions = NewFileVersionMapping(0)
	}
	if a.repo != nil {
		a.sched.OnCommit(a.save)
	}
	a.enabled.Store(true)
	return a
}

func (a *Adapter) Name() string {
	return a.name
}

// SetSource sets the replica file content is read from.
func (a *Adapter) SetSource(src RevisionSource) {
	a.source = src
}

// SetEnabled takes the replica online or offline. An offline adapter answers every
// operation with Offline and enumerates its last known state. Going online forgets
// all retry delays.
func (a *Adapter) SetEnabled(enabled bool) {
	if a.enabled.Swap(enabled) == enabled {
		return
	}
	if enabled {
		a.limiter.Reset()
	}
	slog.Info("adapter state", "replica", a.name, "enabled", enabled)
}

func (a *Adapter) Enabled() bool {
	return a.enabled.Load()
}

// Load restores the persisted adapter tree.
func (a *Adapter) Load(ctx context.Context) error {
	if a.repo == nil {
		return nil
	}
	return a.sched.Schedule(ctx, func() error {
		var models []Model
		found, err := a.repo.Get(a.repoKey, &models)
		if err != nil {
			return fmt.Errorf("load %s: %w", a.repoKey, err)
		}
		if !found {
			return nil
		}
		a.tree.Load(Model{}, models)
		for _, m := range models {
			a.ids.Observe(m.ID)
		}
		slog.Info("adapter state loaded", "replica", a.name, "nodes", a.tree.Len())
		return nil
	})
}

// save runs on the scheduler.
func (a *Adapter) save() error {
	if err := a.repo.Set(a.repoKey, a.tree.Models()); err != nil {
		return fmt.Errorf("save %s: %w", a.repoKey, err)
	}
	return nil
}

// Close stops the adapter scheduler.
func (a *Adapter) Close() {
	a.sched.Stop()
}

// Enumerate walks the replica and returns its state in engine ids. Known client ids
// keep their engine id as long as the type does not change.
func (a *Adapter) Enumerate(ctx context.Context) ([]tree.NodeModel, error) {
	if !a.Enabled() {
		slog.Info("adapter offline, reusing last state", "replica", a.name)
		return scheduler.Get(ctx, a.sched, a.state)
	}

	tStart := time.Now()
	root, err := a.client.GetInfo(ctx, fs.NodeInfo{})
	if err != nil {
		return nil, fmt.Errorf("%s root: %w", a.name, err)
	}

	var infos []fs.NodeInfo
	if err := a.walk(ctx, root, &infos); err != nil {
		return nil, err
	}
	a.cleaned.Store(true)

	var models []tree.NodeModel
	err = a.sched.ScheduleAndCommit(ctx, func() error {
		a.refresh(root, infos)
		models = a.state()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s refresh: %w", a.name, err)
	}

	slog.Debug("adapter enumerate", "replica", a.name, "nodes", len(models), "tsEnumerate", time.Since(tStart))
	return models, nil
}

// walk lists dir and then its subdirectories, so parents always come first.
func (a *Adapter) walk(ctx context.Context, dir fs.NodeInfo, infos *[]fs.NodeInfo) error {
	if !a.cleaned.Load() {
		if err := a.client.DeleteRevision(ctx, dir); err != nil {
			slog.Warn("adapter transfer leftovers", "replica", a.name, "path", dir.Path, "error", err)
		}
	}

	var dirs []fs.NodeInfo
	for info, err := range a.client.Enumerate(ctx, dir) {
		if err != nil {
			return fmt.Errorf("%s enumerate %q: %w", a.name, dir.Path, err)
		}
		if a.ignore != nil && a.ignore.ShouldIgnore(info.Path, info.IsDir) {
			continue
		}
		*infos = append(*infos, info)
		if info.IsDir {
			dirs = append(dirs, info)
		}
	}

	for _, d := range dirs {
		if err := a.walk(ctx, d, infos); err != nil {
			return err
		}
	}
	return nil
}

// refresh rebuilds the tree from an enumeration. It runs on the scheduler.
func (a *Adapter) refresh(root fs.NodeInfo, infos []fs.NodeInfo) {
	ids := map[string]tree.NodeID{root.ID: tree.RootID}
	models := make([]Model, 0, len(infos))

	for _, info := range infos {
		if _, seen := ids[info.ID]; seen {
			slog.Warn("adapter duplicate object skipped", "replica", a.name, "path", info.Path)
			continue
		}
		parentID, ok := ids[info.ParentID]
		if !ok {
			// below a skipped duplicate
			continue
		}

		typ := nodeType(info)
		var id tree.NodeID
		if n := a.tree.NodeByAltID(info.ID); n != nil && !n.IsRoot() && n.Type() == typ {
			id = n.ID()
		} else {
			id = a.ids.Next()
		}
		ids[info.ID] = id

		m := tree.NodeModel{ID: id, ParentID: parentID, Name: info.Name, Type: typ}
		if typ == tree.File {
			m.Size = info.Size
			m.LastWriteTime = info.LastWriteTime
		}
		models = append(models, Model{NodeModel: m, AltID: info.ID})
	}

	a.tree.Load(Model{AltID: root.ID}, models)
}

// state returns the tree as the engine sees it. It runs on the scheduler.
func (a *Adapter) state() []tree.NodeModel {
	models := make([]tree.NodeModel, 0, a.tree.Len())
	tree.PreOrder(a.tree.Root(), func(n *Node) bool {
		m := n.Model().NodeModel
		if m.Type == tree.File {
			m = a.versions.Map(m)
		}
		models = append(models, m)
		return true
	})
	return models
}

// ExecuteOperation applies op to the replica. File transfers run concurrently, all
// other operations one at a time.
func (a *Adapter) ExecuteOperation(ctx context.Context, op engine.ExecutableOperation) (engine.ExecutionResult, error) {
	if isFileTransfer(op) {
		return a.execute(ctx, op)
	}

	var result engine.ExecutionResult
	err := a.serial.Run(ctx, func(ctx context.Context) error {
		var err error
		result, err = a.execute(ctx, op)
		return err
	})
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return engine.Result(engine.Cancelled), nil
	}
	return result, err
}

func (a *Adapter) execute(ctx context.Context, op engine.ExecutableOperation) (engine.ExecutionResult, error) {
	var (
		p     prepared
		early *engine.ExecutionResult
	)
	err := a.sched.Schedule(ctx, func() error {
		if early = a.checkPreconditions(op); early != nil {
			return nil
		}
		var err error
		p, err = a.prepare(op)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return engine.Result(engine.Cancelled), nil
		}
		return engine.ExecutionResult{}, fmt.Errorf("%s prepare %s: %w", a.name, op, err)
	}
	if early != nil {
		a.logResult(op, *early, nil)
		return *early, nil
	}

	if !a.limiter.CanExecute(ctx, op) {
		result := engine.Result(engine.AccessRateLimitExceeded)
		a.logResult(op, result, nil)
		return result, nil
	}
	if ctx.Err() != nil {
		return engine.Result(engine.Cancelled), nil
	}

	final, execErr := a.run(ctx, op, p)

	var result engine.ExecutionResult
	err = a.sched.ScheduleAndCommit(context.WithoutCancel(ctx), func() error {
		if execErr == nil {
			result = a.handleSuccess(context.WithoutCancel(ctx), op, final)
			return nil
		}
		var err error
		result, err = a.handleFailure(op, p, execErr)
		return err
	})
	if err != nil {
		return engine.ExecutionResult{}, fmt.Errorf("%s %s: %w", a.name, op, err)
	}

	a.logResult(op, result, execErr)
	return result, nil
}

func (a *Adapter) logResult(op engine.ExecutableOperation, result engine.ExecutionResult, err error) {
	attrs := []any{"replica", a.name, "op", op.Type, "id", op.Model.ID, "name", op.Model.Name, "code", result.Code}
	if op.Model.Type == tree.File && isFileTransfer(op) {
		attrs = append(attrs, "size", humanize.Bytes(uint64(max(op.Model.Size, 0))))
	}

	switch {
	case result.Succeeded():
		slog.Info("adapter operation", attrs...)
	case err != nil:
		slog.Warn("adapter operation", append(attrs, "error", err)...)
	default:
		slog.Debug("adapter operation", attrs...)
	}
}

func isFileTransfer(op engine.ExecutableOperation) bool {
	return op.Model.Type == tree.File && (op.Type == tree.Create || op.Type == tree.Edit)
}
