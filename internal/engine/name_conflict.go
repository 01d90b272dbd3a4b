package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/openmined/syftsync/internal/scheduler"
	"github.com/openmined/syftsync/internal/tree"
)

// maxTempNameAttempts bounds the search for a temporary name no sibling holds.
const maxTempNameAttempts = 10

// TempUniqueName returns a name for moving a node out of the way. Callers check the
// result against the known siblings.
func TempUniqueName(name string) string {
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if base == "" {
		base, ext = name, ""
	}
	return fmt.Sprintf("%s~%s%s", base, uuid.NewString()[:8], ext)
}

// NameConflictResolution renames a node occupying the destination name of another
// operation. Only nodes that are themselves about to be deleted, renamed or moved are
// renamed; a node with no pending change is never touched.
type NameConflictResolution struct {
	replica     Replica
	sched       *scheduler.Scheduler
	trees       *Trees
	adapter     SyncAdapter
	propagating *PropagatingNodes
	uniqueName  func(string) string
}

func NewNameConflictResolution(
	replica Replica,
	sched *scheduler.Scheduler,
	trees *Trees,
	adapter SyncAdapter,
	propagating *PropagatingNodes,
) *NameConflictResolution {
	return &NameConflictResolution{
		replica:     replica,
		sched:       sched,
		trees:       trees,
		adapter:     adapter,
		propagating: propagating,
		uniqueName:  TempUniqueName,
	}
}

// Execute renames the conflicting node with the given own id and reports whether the
// rename succeeded. A locked node is not renamed.
func (p *NameConflictResolution) Execute(ctx context.Context, id tree.NodeID) (bool, error) {
	if id == tree.RootID {
		return false, nil
	}

	// the lock is keyed by the propagation node id, the local id
	lockID, err := scheduler.Get(ctx, p.sched, func() tree.NodeID {
		if node := p.trees.PropagationByOwnID(p.replica, id); node != nil {
			return node.ID()
		}
		return tree.RootID
	})
	if err != nil {
		return false, err
	}
	if lockID == tree.RootID {
		return false, nil
	}

	renamed, ok, err := LockAndExecute(p.propagating, lockID, func() (bool, error) {
		return p.execute(ctx, id)
	})
	return ok && renamed, err
}

func (p *NameConflictResolution) execute(ctx context.Context, id tree.NodeID) (bool, error) {
	op, err := scheduler.Call(ctx, p.sched, func() (*ExecutableOperation, error) {
		return p.temporaryRenameOperation(id), nil
	})
	if err != nil || op == nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	result, err := p.adapter.ExecuteOperation(ctx, *op)
	if err != nil {
		return false, err
	}

	slog.Debug("name conflict rename", "replica", p.replica, "id", id, "name", op.Model.Name, "code", result.Code)
	return result.Succeeded(), nil
}

func (p *NameConflictResolution) temporaryRenameOperation(id tree.NodeID) *ExecutableOperation {
	node := p.trees.PropagationByOwnID(p.replica, id)
	if node == nil {
		return nil
	}

	status := node.Model().Status(p.replica)
	if !status.Contains(Deleted) && !status.Contains(Renamed) && !status.Contains(Moved) {
		return nil
	}

	var original tree.NodeModel
	if own := p.trees.Update(p.replica).NodeByID(id); own != nil {
		original = own.Model().NodeModel
	} else if synced := SyncedOwnModel(p.replica, p.trees.Synced.NodeByID(node.ID())); synced != nil {
		original = synced.NodeModel
	} else {
		panic(fmt.Errorf("%s node id=%d: original node model is missing", p.replica, id))
	}

	model := OperationModel{NodeModel: original}
	model.Name = p.freeName(original.ParentID, original.Name)

	return &ExecutableOperation{Type: tree.Move, Model: model}
}

// freeName draws temporary names until one is held by no known child of the parent.
// Must run on the scheduler.
func (p *NameConflictResolution) freeName(parentID tree.NodeID, name string) string {
	candidate := p.uniqueName(name)
	for i := 1; i < maxTempNameAttempts && p.nameTaken(parentID, candidate); i++ {
		candidate = p.uniqueName(name)
	}
	return candidate
}

// nameTaken reports whether a child of the parent, given by its id on the replica, holds
// the name in the update tree or the synced tree.
func (p *NameConflictResolution) nameTaken(parentID tree.NodeID, name string) bool {
	if parent := p.trees.Update(p.replica).NodeByID(parentID); parent != nil && len(parent.ChildrenByName(name)) > 0 {
		return true
	}

	synced := p.trees.SyncedByOwnID(p.replica, parentID)
	if parentID == tree.RootID {
		synced = p.trees.Synced.Root()
	}
	return synced != nil && len(synced.ChildrenByName(name)) > 0
}
