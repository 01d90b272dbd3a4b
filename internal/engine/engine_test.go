package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmined/syftsync/internal/tree"
)

func TestEngine_PropagatesCreatedFile(t *testing.T) {
	env := newTestEnv(t)
	id := env.local.write(tree.RootID, "a.txt", 3)

	stats := env.sync(t)
	assert.Equal(t, StatisticsSnapshot{Succeeded: 1}, stats)

	m, ok := env.remote.get(id)
	require.True(t, ok)
	assert.Equal(t, "a.txt", m.Name)
	assert.EqualValues(t, 3, m.Size)

	env.state(t, func(trees *Trees) {
		synced := trees.Synced.NodeByID(id)
		require.NotNil(t, synced)
		assert.Equal(t, id, synced.Model().AltID)
		assert.Zero(t, trees.Propagation.Len())
		assert.Zero(t, trees.Local.Len())
	})
}

func TestEngine_PropagatesRemoteDirectoryTree(t *testing.T) {
	env := newTestEnv(t)
	d := env.remote.mkdir(tree.RootID, "docs")
	env.remote.write(d, "report.pdf", 42)
	sub := env.remote.mkdir(d, "img")
	env.remote.write(sub, "logo.png", 7)

	paths := env.converged(t)
	assert.Equal(t, map[string]int64{
		"docs":              -1,
		"docs/report.pdf":   42,
		"docs/img":          -1,
		"docs/img/logo.png": 7,
	}, paths)
}

func TestEngine_SecondSyncIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	d := env.local.mkdir(tree.RootID, "d")
	env.local.write(d, "f", 1)
	env.remote.write(tree.RootID, "g", 2)
	env.sync(t)

	env.local.resetOperations()
	env.remote.resetOperations()

	stats := env.sync(t)
	assert.Equal(t, StatisticsSnapshot{}, stats)
	assert.Empty(t, env.local.operations())
	assert.Empty(t, env.remote.operations())
}

func TestEngine_PropagatesRenameMoveAndEdit(t *testing.T) {
	env := newTestEnv(t)
	d := env.local.mkdir(tree.RootID, "d")
	f := env.local.write(tree.RootID, "f.txt", 1)
	env.converged(t)

	env.local.move(f, d, "g.txt")
	env.remote.edit(f, 9)

	paths := env.converged(t)
	assert.Equal(t, map[string]int64{"d": -1, "d/g.txt": 9}, paths)
}

func TestEngine_DeletesDirectoryInSecondPass(t *testing.T) {
	env := newTestEnv(t)
	d := env.local.mkdir(tree.RootID, "d")
	env.local.write(d, "f", 1)
	keep := env.local.write(tree.RootID, "keep", 1)
	env.converged(t)
	env.remote.resetOperations()

	env.local.remove(d)
	env.local.edit(keep, 5)
	env.sync(t)

	ops := env.remote.operations()
	require.Len(t, ops, 2)
	assert.Equal(t, tree.Edit, ops[0].Type)
	assert.Equal(t, tree.Delete, ops[1].Type)
	assert.Equal(t, d, ops[1].Model.ID)
	assert.Equal(t, map[string]int64{"keep": 5}, env.remote.paths())
}

func TestEngine_DirectoryDeletionWaitsForPendingMoves(t *testing.T) {
	env := newTestEnv(t)
	d := env.local.mkdir(tree.RootID, "d")
	f := env.local.write(d, "f", 1)
	e := env.local.mkdir(tree.RootID, "e")
	env.converged(t)

	// the move out of d fails on the remote replica, so d must survive there
	env.local.move(f, e, "f")
	env.local.remove(d)
	env.remote.force(f, Error)
	env.sync(t)

	_, ok := env.remote.get(d)
	assert.True(t, ok)

	delete(env.remote.forced, f)
	paths := env.converged(t)
	assert.Equal(t, map[string]int64{"e": -1, "e/f": 1}, paths)
}

func TestEngine_EditConflictRemoteWins(t *testing.T) {
	env := newTestEnv(t)
	f := env.local.write(tree.RootID, "f.txt", 1)
	env.converged(t)

	env.local.edit(f, 5)
	env.remote.edit(f, 7)

	paths := env.converged(t)
	assert.Equal(t, map[string]int64{"f.txt": 7}, paths)
	assert.Equal(t, []string{"f (conflict 1).txt"}, env.local.backups)
	assert.Empty(t, env.remote.backups)
}

func TestEngine_DeleteEditConflictRestores(t *testing.T) {
	env := newTestEnv(t)
	f := env.local.write(tree.RootID, "f.txt", 1)
	env.converged(t)

	env.local.remove(f)
	env.remote.edit(f, 4)

	paths := env.converged(t)
	assert.Equal(t, map[string]int64{"f.txt": 4}, paths)
}

func TestEngine_DeletedDirectoryWithChangeBeneathIsRestored(t *testing.T) {
	env := newTestEnv(t)
	d := env.local.mkdir(tree.RootID, "d")
	f := env.local.write(d, "f", 1)
	env.local.write(d, "other", 2)
	env.converged(t)

	env.remote.remove(d)
	env.local.edit(f, 8)

	paths := env.converged(t)
	assert.Equal(t, map[string]int64{"d": -1, "d/f": 8, "d/other": 2}, paths)
}

func TestEngine_NameClashGetsConflictName(t *testing.T) {
	env := newTestEnv(t)
	env.local.write(tree.RootID, "a.txt", 1)
	env.remote.write(tree.RootID, "a.txt", 2)

	paths := env.converged(t)
	assert.Equal(t, map[string]int64{"a.txt": 2, "a (conflict 1).txt": 1}, paths)
}

func TestEngine_IdenticalCreationsAreLinked(t *testing.T) {
	env := newTestEnv(t)
	local := env.local.write(tree.RootID, "same.txt", 3)
	remote := env.remote.write(tree.RootID, "same.txt", 3)
	m, _ := env.local.get(local)
	env.remote.mu.Lock()
	rm := env.remote.nodes[remote]
	rm.LastWriteTime = m.LastWriteTime
	env.remote.nodes[remote] = rm
	env.remote.mu.Unlock()

	stats := env.sync(t)
	assert.Equal(t, StatisticsSnapshot{}, stats)
	env.state(t, func(trees *Trees) {
		synced := trees.Synced.NodeByID(local)
		require.NotNil(t, synced)
		assert.Equal(t, remote, synced.Model().AltID)
	})
}

func TestEngine_CyclicMovesKeepRemoteMove(t *testing.T) {
	env := newTestEnv(t)
	a := env.local.mkdir(tree.RootID, "a")
	b := env.local.mkdir(tree.RootID, "b")
	env.converged(t)

	env.local.move(a, b, "a")
	env.remote.move(b, a, "b")

	paths := env.converged(t)
	assert.Equal(t, map[string]int64{"a": -1, "a/b": -1}, paths)
}

func TestEngine_FailedOperationIsRetriedNextCycle(t *testing.T) {
	env := newTestEnv(t)
	f := env.local.write(tree.RootID, "f", 1)
	env.remote.force(f, Error)

	stats := env.sync(t)
	assert.Equal(t, StatisticsSnapshot{Failed: 1}, stats)
	_, ok := env.remote.get(f)
	assert.False(t, ok)

	delete(env.remote.forced, f)
	stats = env.sync(t)
	assert.Equal(t, StatisticsSnapshot{Succeeded: 1}, stats)
	_, ok = env.remote.get(f)
	assert.True(t, ok)
}

func TestEngine_OfflineStopsTheWalk(t *testing.T) {
	env := newTestEnv(t)
	a := env.local.mkdir(tree.RootID, "a")
	env.local.mkdir(tree.RootID, "b")
	env.local.mkdir(tree.RootID, "c")
	env.remote.force(a, Offline)

	stats := env.sync(t)
	assert.Equal(t, StatisticsSnapshot{Skipped: 1}, stats)
	assert.Empty(t, env.remote.paths())
}

func TestEngine_DirtyNodeSkipsChildren(t *testing.T) {
	env := newTestEnv(t)
	a := env.local.mkdir(tree.RootID, "a")
	env.local.mkdir(a, "inner")
	env.local.mkdir(tree.RootID, "b")
	env.remote.force(a, DirtyNode)

	stats := env.sync(t)
	assert.Equal(t, StatisticsSnapshot{Succeeded: 1, Skipped: 1}, stats)
	assert.Equal(t, map[string]int64{"b": -1}, env.remote.paths())
}

func TestEngine_DirtyBranchSkipsLaterSiblings(t *testing.T) {
	env := newTestEnv(t)
	p := env.local.mkdir(tree.RootID, "p")
	a := env.local.mkdir(p, "a")
	env.local.mkdir(a, "inner")
	env.local.mkdir(p, "b")
	env.local.write(p, "c", 1)
	q := env.local.mkdir(tree.RootID, "q")
	env.remote.force(a, DirtyBranch)

	stats := env.sync(t)
	assert.Equal(t, StatisticsSnapshot{Succeeded: 2, Skipped: 1}, stats)
	assert.Equal(t, map[string]int64{"p": -1, "q": -1}, env.remote.paths())

	var ids []tree.NodeID
	for _, op := range env.remote.operations() {
		ids = append(ids, op.Model.ID)
	}
	assert.Equal(t, []tree.NodeID{p, a, q}, ids)

	delete(env.remote.forced, a)
	paths := env.converged(t)
	assert.Equal(t, map[string]int64{"p": -1, "p/a": -1, "p/a/inner": -1, "p/b": -1, "p/c": 1, "q": -1}, paths)
}

func TestEngine_SyncAlreadyRunning(t *testing.T) {
	env := newTestEnv(t)
	env.engine.muSync.Lock()
	defer env.engine.muSync.Unlock()

	_, err := env.engine.Sync(context.Background())
	assert.ErrorIs(t, err, ErrSyncAlreadyRunning)
}

func TestEngine_SyncCancelled(t *testing.T) {
	env := newTestEnv(t)
	env.local.write(tree.RootID, "f", 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.engine.Sync(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, env.remote.paths())
}

type concurrencyReplica struct {
	*memReplica
	running atomic.Int32
	max     atomic.Int32
}

func (r *concurrencyReplica) ExecuteOperation(ctx context.Context, op ExecutableOperation) (ExecutionResult, error) {
	n := r.running.Add(1)
	defer r.running.Add(-1)
	for {
		cur := r.max.Load()
		if n <= cur || r.max.CompareAndSwap(cur, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return r.memReplica.ExecuteOperation(ctx, op)
}

func TestEngine_FileTransfersAreBounded(t *testing.T) {
	ids := NewIDGenerator(0)
	local := newMemReplica(t, ids)
	remote := &concurrencyReplica{memReplica: newMemReplica(t, ids)}
	e := New(local, remote, ids, WithMaxTransfers(2))
	t.Cleanup(e.Close)

	for i := 0; i < 10; i++ {
		local.write(tree.RootID, string(rune('a'+i)), int64(i))
	}

	stats, err := e.Sync(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 10, stats.Succeeded)
	assert.Len(t, remote.paths(), 10)
	assert.LessOrEqual(t, remote.max.Load(), int32(2))
}

type mapRepository struct {
	mu     sync.Mutex
	values map[string][]byte
}

func (r *mapRepository) Get(key string, v any) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.values[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, v)
}

func (r *mapRepository) Set(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[key] = data
	return nil
}

func TestEngine_StateSurvivesRestart(t *testing.T) {
	repo := &mapRepository{values: make(map[string][]byte)}
	env := newTestEnv(t, WithRepository(repo))
	d := env.local.mkdir(tree.RootID, "d")
	env.local.write(d, "f", 1)
	env.sync(t)

	restarted := New(env.local, env.remote, NewIDGenerator(0), WithRepository(repo))
	t.Cleanup(restarted.Close)
	require.NoError(t, restarted.Load(context.Background()))

	status, err := restarted.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, status.Synced)
	assert.Equal(t, 0, status.Pending)
	assert.Equal(t, env.ids.Last(), status.LastID)

	stats, err := restarted.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatisticsSnapshot{}, stats)
}

func TestEngine_RunSyncsOnTrigger(t *testing.T) {
	env := newTestEnv(t)
	trigger := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- env.engine.Run(ctx, time.Hour, trigger) }()

	id := env.local.write(tree.RootID, "late", 1)
	trigger <- struct{}{}

	assert.Eventually(t, func() bool {
		_, ok := env.remote.get(id)
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
