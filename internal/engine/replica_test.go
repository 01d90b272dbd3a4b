package engine

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openmined/syftsync/internal/tree"
	"github.com/openmined/syftsync/internal/utils"
)

var baseTime = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

// memReplica is an in-memory replica. Nodes created by the engine keep the id of the
// operation, nodes created by the test get fresh ids from the shared generator.
type memReplica struct {
	t   *testing.T
	ids *IDGenerator

	mu      sync.Mutex
	nodes   map[tree.NodeID]tree.NodeModel
	forced  map[tree.NodeID]ExecutionResultCode
	ops     []ExecutableOperation
	backups []string
	tick    int
}

func newMemReplica(t *testing.T, ids *IDGenerator) *memReplica {
	return &memReplica{
		t:      t,
		ids:    ids,
		nodes:  make(map[tree.NodeID]tree.NodeModel),
		forced: make(map[tree.NodeID]ExecutionResultCode),
	}
}

func (r *memReplica) now() time.Time {
	r.tick++
	return baseTime.Add(time.Duration(r.tick) * time.Second)
}

func (r *memReplica) mkdir(parent tree.NodeID, name string) tree.NodeID {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.ids.Next()
	r.nodes[id] = tree.NodeModel{ID: id, ParentID: parent, Name: name, Type: tree.Directory}
	return id
}

func (r *memReplica) write(parent tree.NodeID, name string, size int64) tree.NodeID {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.ids.Next()
	r.nodes[id] = tree.NodeModel{ID: id, ParentID: parent, Name: name, Type: tree.File, Size: size, LastWriteTime: r.now()}
	return id
}

func (r *memReplica) edit(id tree.NodeID, size int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.mustGet(id)
	m.Size, m.LastWriteTime = size, r.now()
	r.nodes[id] = m
}

func (r *memReplica) move(id, parent tree.NodeID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.mustGet(id)
	m.ParentID, m.Name = parent, name
	r.nodes[id] = m
}

func (r *memReplica) remove(id tree.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mustGet(id)
	r.removeLocked(id)
}

func (r *memReplica) force(id tree.NodeID, code ExecutionResultCode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forced[id] = code
}

func (r *memReplica) get(id tree.NodeID) (tree.NodeModel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.nodes[id]
	return m, ok
}

// paths returns path -> size of every node, directories have size -1.
func (r *memReplica) paths() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make(map[string]int64, len(r.nodes))
	for id, m := range r.nodes {
		size := m.Size
		if m.Type == tree.Directory {
			size = -1
		}
		result[r.pathLocked(id)] = size
	}
	return result
}

func (r *memReplica) operations() []ExecutableOperation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.ops)
}

func (r *memReplica) resetOperations() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = nil
}

func (r *memReplica) mustGet(id tree.NodeID) tree.NodeModel {
	m, ok := r.nodes[id]
	require.True(r.t, ok, "node %d does not exist", id)
	return m
}

func (r *memReplica) pathLocked(id tree.NodeID) string {
	m := r.nodes[id]
	if m.ParentID == tree.RootID {
		return m.Name
	}
	return r.pathLocked(m.ParentID) + "/" + m.Name
}

func (r *memReplica) removeLocked(id tree.NodeID) {
	for cid, m := range r.nodes {
		if m.ParentID == id {
			r.removeLocked(cid)
		}
	}
	delete(r.nodes, id)
}

func (r *memReplica) childIDs(parent tree.NodeID) []tree.NodeID {
	var ids []tree.NodeID
	for id, m := range r.nodes {
		if m.ParentID == parent {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

func (r *memReplica) sibling(parent tree.NodeID, name string, except tree.NodeID) tree.NodeID {
	for _, id := range r.childIDs(parent) {
		if id != except && r.nodes[id].Name == name {
			return id
		}
	}
	return tree.RootID
}

func (r *memReplica) isDir(id tree.NodeID) bool {
	if id == tree.RootID {
		return true
	}
	m, ok := r.nodes[id]
	return ok && m.Type == tree.Directory
}

func (r *memReplica) Enumerate(ctx context.Context) ([]tree.NodeModel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var state []tree.NodeModel
	var walk func(parent tree.NodeID)
	walk = func(parent tree.NodeID) {
		for _, id := range r.childIDs(parent) {
			state = append(state, r.nodes[id])
			walk(id)
		}
	}
	walk(tree.RootID)
	return state, ctx.Err()
}

func (r *memReplica) ExecuteOperation(ctx context.Context, op ExecutableOperation) (ExecutionResult, error) {
	if err := ctx.Err(); err != nil {
		return Result(Cancelled), nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.ops = append(r.ops, op)
	m := op.Model.NodeModel
	if code, ok := r.forced[m.ID]; ok {
		return Result(code), nil
	}

	switch op.Type {
	case tree.Create:
		if _, ok := r.nodes[m.ID]; ok {
			return Result(Error), nil
		}
		if !r.isDir(m.ParentID) {
			return Result(DirtyBranch), nil
		}
		if id := r.sibling(m.ParentID, m.Name, m.ID); id != tree.RootID {
			return ExecutionResult{Code: NameConflict, ConflictingID: id}, nil
		}
		r.nodes[m.ID] = m

	case tree.Edit:
		cur, ok := r.nodes[m.ID]
		if !ok {
			return Result(DirtyNode), nil
		}
		if op.Backup {
			r.backups = append(r.backups, utils.UniqueConflictName(cur.Name, func(name string) bool {
				return r.sibling(cur.ParentID, name, tree.RootID) != tree.RootID || slices.Contains(r.backups, name)
			}))
		}
		r.nodes[m.ID] = cur.WithAttributesFrom(m)

	case tree.Move:
		cur, ok := r.nodes[m.ID]
		if !ok {
			return Result(DirtyNode), nil
		}
		if !r.isDir(m.ParentID) {
			return Result(DirtyDestination), nil
		}
		if id := r.sibling(m.ParentID, m.Name, m.ID); id != tree.RootID {
			return ExecutionResult{Code: NameConflict, ConflictingID: id}, nil
		}
		r.nodes[m.ID] = cur.WithLinkFrom(m)

	case tree.Delete:
		if _, ok := r.nodes[m.ID]; !ok {
			return Result(Success), nil
		}
		r.removeLocked(m.ID)
	}

	return Result(Success), nil
}

// testEnv is an engine between two in-memory replicas.
type testEnv struct {
	ids    *IDGenerator
	local  *memReplica
	remote *memReplica
	engine *Engine
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	ids := NewIDGenerator(0)
	env := &testEnv{
		ids:    ids,
		local:  newMemReplica(t, ids),
		remote: newMemReplica(t, ids),
	}
	env.engine = New(env.local, env.remote, ids, opts...)
	t.Cleanup(env.engine.Close)
	return env
}

func (env *testEnv) sync(t *testing.T) StatisticsSnapshot {
	t.Helper()
	stats, err := env.engine.Sync(context.Background())
	require.NoError(t, err)
	return stats
}

// converged syncs until nothing is left to propagate and checks both replicas match.
func (env *testEnv) converged(t *testing.T) map[string]int64 {
	t.Helper()
	for i := 0; i < 3; i++ {
		if stats := env.sync(t); stats == (StatisticsSnapshot{}) {
			break
		}
	}
	require.Equal(t, env.local.paths(), env.remote.paths())
	return env.local.paths()
}

// state runs fn on the engine scheduler.
func (env *testEnv) state(t *testing.T, fn func(trees *Trees)) {
	t.Helper()
	err := env.engine.sched.Schedule(context.Background(), func() error {
		fn(env.engine.trees)
		return nil
	})
	require.NoError(t, err)
}
