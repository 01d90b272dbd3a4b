package adapter

import (
	"log/slog"

	"github.com/openmined/syftsync/internal/engine"
	"github.com/openmined/syftsync/internal/tree"
)

type precondition func(op engine.ExecutableOperation, node, parent *Node) *engine.ExecutionResult

func outcome(code engine.ExecutionResultCode) *engine.ExecutionResult {
	r := engine.Result(code)
	return &r
}

// checkPreconditions returns the result of an operation that must not reach the file
// system, nil when it may proceed. It runs on the scheduler.
func (a *Adapter) checkPreconditions(op engine.ExecutableOperation) *engine.ExecutionResult {
	node := a.tree.NodeByID(op.Model.ID)
	var parent *Node
	if op.Type == tree.Create || op.Type == tree.Move {
		parent = a.tree.NodeByID(op.Model.ParentID)
	}

	checks := []precondition{
		a.creatingExistingNode,
		a.deletingMissingNode,
		a.isReplicaRoot,
		a.isOffline,
		a.branchIsDirty,
		a.nodeOrParentIsDirty,
		a.destinationBranchIsDirty,
		a.deletingBranchWithDirtyNodes,
		a.isCyclicMove,
	}
	for _, check := range checks {
		if r := check(op, node, parent); r != nil {
			return r
		}
	}
	return nil
}

// creatingExistingNode treats a repeated Create as done.
func (a *Adapter) creatingExistingNode(op engine.ExecutableOperation, node, _ *Node) *engine.ExecutionResult {
	if op.Type == tree.Create && node != nil {
		return outcome(engine.Success)
	}
	return nil
}

func (a *Adapter) deletingMissingNode(op engine.ExecutableOperation, node, _ *Node) *engine.ExecutionResult {
	if op.Type == tree.Delete && node == nil {
		return outcome(engine.Success)
	}
	return nil
}

func (a *Adapter) isReplicaRoot(op engine.ExecutableOperation, node, _ *Node) *engine.ExecutionResult {
	if op.Model.ID == tree.RootID || (node != nil && node.IsRoot()) {
		slog.Warn("adapter operation on replica root", "replica", a.name, "op", op.Type)
		return outcome(engine.DirtyNode)
	}
	return nil
}

func (a *Adapter) isOffline(engine.ExecutableOperation, *Node, *Node) *engine.ExecutionResult {
	if !a.Enabled() {
		return outcome(engine.Offline)
	}
	return nil
}

// branchIsDirty checks the directory the node lives in and all its ancestors.
func (a *Adapter) branchIsDirty(op engine.ExecutableOperation, node, parent *Node) *engine.ExecutionResult {
	var dir *Node
	switch {
	case op.Type == tree.Create:
		dir = parent
	case node != nil:
		dir = node.Parent()
	default:
		slog.Debug("adapter node not found", "replica", a.name, "op", op.Type, "id", op.Model.ID)
	}

	if dir == nil || !dir.IsDirectory() || branchDirty(dir) {
		return outcome(engine.DirtyBranch)
	}
	return nil
}

func (a *Adapter) nodeOrParentIsDirty(op engine.ExecutableOperation, node, parent *Node) *engine.ExecutionResult {
	n := node
	if n == nil {
		n = parent
	}
	status := n.Model().Status
	if status.IsLostOrDeleted() {
		return outcome(engine.DirtyNode)
	}
	if op.Type != tree.Move && status.HasAny(DirtyAttributes|DirtyPlaceholder) {
		return outcome(engine.DirtyNode)
	}
	return nil
}

func (a *Adapter) destinationBranchIsDirty(op engine.ExecutableOperation, node, parent *Node) *engine.ExecutionResult {
	if op.Type != tree.Move || node == nil || node.ParentID() == op.Model.ParentID {
		return nil
	}
	if parent == nil || !parent.IsDirectory() || branchDirty(parent) {
		return outcome(engine.DirtyDestination)
	}
	return nil
}

// deletingBranchWithDirtyNodes keeps directories that might hold unknown content.
func (a *Adapter) deletingBranchWithDirtyNodes(op engine.ExecutableOperation, node, _ *Node) *engine.ExecutionResult {
	if op.Type == tree.Delete && node.IsDirectory() && node.Model().Status.HasAny(DirtyChildren|DirtyDescendants) {
		return outcome(engine.DirtyNode)
	}
	return nil
}

func (a *Adapter) isCyclicMove(op engine.ExecutableOperation, node, parent *Node) *engine.ExecutionResult {
	if op.Type != tree.Move || !node.IsDirectory() || node.ParentID() == op.Model.ParentID {
		return nil
	}
	if parent == node || parent.IsDescendantOf(node) {
		return outcome(engine.DirtyDestination)
	}
	return nil
}

// branchDirty reports whether dir or any of its ancestors no longer matches the file
// system.
func branchDirty(dir *Node) bool {
	for _, n := range dir.FromNodeToRoot() {
		if n.Model().Status.HasAny(DirtyNodeMask) {
			return true
		}
	}
	return false
}
