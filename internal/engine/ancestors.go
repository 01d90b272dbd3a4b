package engine

import (
	"fmt"

	"github.com/openmined/syftsync/internal/tree"
)

// executeWithMissingUpdateAncestors applies ops to the update tree of the replica. Before
// a Create or Move, the ancestors missing in the update tree are copied from the synced
// tree with Unchanged status.
func executeWithMissingUpdateAncestors(trees *Trees, r Replica, ops ...tree.Operation[UpdateModel]) {
	updateTree := trees.Update(r)
	for _, op := range ops {
		if op.Type == tree.Create || op.Type == tree.Move {
			updateTree.Execute(missingUpdateAncestors(trees, r, op.Model.ParentID)...)
		}
		updateTree.Execute(op)
	}
}

func missingUpdateAncestors(trees *Trees, r Replica, parentID tree.NodeID) []tree.Operation[UpdateModel] {
	updateTree := trees.Update(r)
	if node := updateTree.NodeByID(parentID); node != nil {
		if node.Model().Status.Contains(Deleted) {
			panic(fmt.Errorf("%s update tree node id=%d status is deleted", r, node.ID()))
		}
		return nil
	}

	synced := trees.SyncedByOwnID(r, parentID)
	if synced == nil {
		panic(&tree.Error{Op: tree.Create, ID: parentID, Err: tree.ErrParentNotFound})
	}

	var stack []*SyncedNode
	var existing *UpdateNode
	for existing == nil && !synced.IsRoot() {
		stack = append(stack, synced)
		synced = synced.Parent()
		existing = updateTree.NodeByID(synced.Model().OwnID(r))
	}
	if existing != nil && existing.Model().Status.Contains(Deleted) {
		panic(fmt.Errorf("%s update tree parent node id=%d status is deleted", r, existing.ID()))
	}

	ops := make([]tree.Operation[UpdateModel], 0, len(stack))
	for i := len(stack) - 1; i >= 0; i-- {
		own := SyncedOwnModel(r, stack[i])
		ops = append(ops, tree.NewOperation(tree.Create, UpdateModel{NodeModel: own.NodeModel}))
	}
	return ops
}

// executeWithMissingPropagationAncestors applies ops to the propagation tree, copying the
// missing ancestors of created and moved nodes from the synced tree.
func executeWithMissingPropagationAncestors(trees *Trees, ops ...tree.Operation[PropagationModel]) {
	for _, op := range ops {
		if op.Type == tree.Create || op.Type == tree.Move {
			trees.Propagation.Execute(missingPropagationAncestors(trees, op.Model.ParentID)...)
		}
		trees.Propagation.Execute(op)
	}
}

func missingPropagationAncestors(trees *Trees, parentID tree.NodeID) []tree.Operation[PropagationModel] {
	if trees.Propagation.NodeByID(parentID) != nil {
		return nil
	}

	synced := trees.Synced.NodeByID(parentID)
	if synced == nil {
		panic(&tree.Error{Op: tree.Create, ID: parentID, Err: fmt.Errorf("%w: synced tree", tree.ErrParentNotFound)})
	}

	var stack []*SyncedNode
	var existing *PropagationNode
	for existing == nil && !synced.IsRoot() {
		stack = append(stack, synced)
		synced = synced.Parent()
		existing = trees.Propagation.NodeByID(synced.ID())
	}
	if existing != nil {
		m := existing.Model()
		if m.RemoteStatus.Contains(Deleted) || m.LocalStatus.Contains(Deleted) {
			panic(fmt.Errorf("propagation tree parent node id=%d status is deleted", existing.ID()))
		}
	}

	ops := make([]tree.Operation[PropagationModel], 0, len(stack))
	for i := len(stack) - 1; i >= 0; i-- {
		m := stack[i].Model()
		ops = append(ops, tree.NewOperation(tree.Create, PropagationModel{NodeModel: m.NodeModel, AltID: m.AltID}))
	}
	return ops
}
