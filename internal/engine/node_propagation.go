package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/openmined/syftsync/internal/scheduler"
	"github.com/openmined/syftsync/internal/tree"
)

// maxNameConflictRetries bounds how often an operation is retried after renaming the
// node occupying its destination.
const maxNameConflictRetries = 1

// NodePropagation applies the pending changes of one propagation node to one replica,
// one atomic status at a time. After every successful operation the trees are brought
// in line with the new state of the replica.
type NodePropagation struct {
	replica      Replica
	sched        *scheduler.Scheduler
	trees        *Trees
	adapter      SyncAdapter
	propagating  *PropagatingNodes
	stats        *Statistics
	nameConflict *NameConflictResolution
	restoration  *DeletedChildrenRestoration
}

func NewNodePropagation(
	replica Replica,
	sched *scheduler.Scheduler,
	trees *Trees,
	adapter SyncAdapter,
	propagating *PropagatingNodes,
	stats *Statistics,
) *NodePropagation {
	return &NodePropagation{
		replica:      replica,
		sched:        sched,
		trees:        trees,
		adapter:      adapter,
		propagating:  propagating,
		stats:        stats,
		nameConflict: NewNameConflictResolution(replica, sched, trees, adapter, propagating),
		restoration:  NewDeletedChildrenRestoration(replica, trees),
	}
}

// Execute propagates the filtered own status of the propagation node with the given id.
// A node already being propagated is reported as SkippedInternally. The returned error
// is set for faults only, every expected outcome is a result code.
func (p *NodePropagation) Execute(ctx context.Context, id tree.NodeID, filter StatusFilter) (ExecutionResultCode, error) {
	code, ok, err := LockAndExecute(p.propagating, id, func() (ExecutionResultCode, error) {
		return p.execute(ctx, id, filter)
	})
	if err != nil {
		return faultCode(err)
	}
	if !ok {
		p.stats.Record(SkippedInternally)
		return SkippedInternally, nil
	}
	return code, nil
}

func (p *NodePropagation) execute(ctx context.Context, id tree.NodeID, filter StatusFilter) (ExecutionResultCode, error) {
	statuses, err := scheduler.Get(ctx, p.sched, func() []UpdateStatus {
		node := p.trees.Propagation.NodeByID(id)
		if node == nil {
			return nil
		}
		m := node.Model()
		return Statuses(filter(m, m.Status(p.replica)))
	})
	if err != nil {
		return Error, err
	}

	for _, status := range statuses {
		if err := ctx.Err(); err != nil {
			return Error, err
		}

		op, ok, err := p.operation(ctx, id, status)
		if err != nil {
			return Error, err
		}
		if !ok {
			// the node was removed meanwhile
			return Success, nil
		}

		code, err := p.executeOperation(ctx, status, op)
		if err != nil || code != Success {
			return code, err
		}
	}

	return Success, nil
}

// operation builds the operation propagating the status. ok is false when the node no
// longer exists.
func (p *NodePropagation) operation(ctx context.Context, id tree.NodeID, status UpdateStatus) (ExecutableOperation, bool, error) {
	type built struct {
		op ExecutableOperation
		ok bool
	}
	b, err := scheduler.Get(ctx, p.sched, func() built {
		node := p.trees.Propagation.NodeByID(id)
		if node == nil {
			return built{}
		}

		var original *tree.NodeModel
		if own := p.trees.Update(p.replica).NodeByID(node.Model().OwnID(p.replica)); own != nil {
			m := own.Model().NodeModel
			original = &m
		} else if synced := SyncedOwnModel(p.replica, p.trees.Synced.NodeByID(id)); synced != nil {
			original = &synced.NodeModel
		}

		op := newOperation(PropagationOwnModel(p.replica, node), original, status, node.Model().Backup)
		return built{op: op, ok: true}
	})
	return b.op, b.ok, err
}

func (p *NodePropagation) executeOperation(ctx context.Context, status UpdateStatus, op ExecutableOperation) (ExecutionResultCode, error) {
	canAdjust, err := scheduler.Get(ctx, p.sched, func() bool {
		return p.canAdjustSyncedTree(op, status)
	})
	if err != nil {
		return Error, err
	}
	if !canAdjust {
		slog.Debug("propagation skipped, synced tree cannot be adjusted", "replica", p.replica, "op", op)
		p.stats.Record(SkippedInternally)
		return SkippedInternally, nil
	}

	code, err := p.executeOnAdapter(ctx, op)
	if err != nil {
		return code, err
	}
	p.stats.Record(code)
	if code != Success {
		slog.Debug("propagation failed", "replica", p.replica, "op", op, "code", code)
		return code, nil
	}

	slog.Debug("propagated", "replica", p.replica, "op", op)
	err = p.sched.ScheduleAndCommit(ctx, func() error {
		node := p.trees.PropagationByOwnID(p.replica, op.Model.ID)
		if node == nil {
			return fmt.Errorf("%s propagation node id=%d: %w", p.replica, op.Model.ID, tree.ErrNodeNotFound)
		}

		p.adjustSyncedTree(node, status)
		p.adjustOtherUpdateTree(node, status)
		p.adjustOwnUpdateTree(node, op)
		p.restoreDeletedChildren(node, status)
		p.adjustPropagationTree(node, status)
		return nil
	})
	if err != nil {
		return Error, err
	}

	return Success, nil
}

func (p *NodePropagation) executeOnAdapter(ctx context.Context, op ExecutableOperation) (ExecutionResultCode, error) {
	if err := ctx.Err(); err != nil {
		return Cancelled, nil
	}

	for attempt := 0; ; attempt++ {
		result, err := p.adapter.ExecuteOperation(ctx, op)
		if err != nil {
			return faultCode(err)
		}
		if ctx.Err() != nil {
			return Cancelled, nil
		}

		if result.Code != NameConflict || result.ConflictingID == tree.RootID || attempt >= maxNameConflictRetries {
			return result.Code, nil
		}

		renamed, err := p.nameConflict.Execute(ctx, result.ConflictingID)
		if err != nil {
			return faultCode(err)
		}
		if !renamed {
			return result.Code, nil
		}
	}
}

// statusToEqualize returns the part of the other replica's status the propagated status
// makes equal on both replicas.
func statusToEqualize(other UpdateStatus, status UpdateStatus) UpdateStatus {
	if status.Contains(Deleted) {
		return Deleted
	}
	return other.Intersect(Extended(status))
}

// otherSyncedModel expresses the other replica's update node as a synced model with the
// id of the propagation node. ok is false when its parent is not synced yet.
func (p *NodePropagation) otherSyncedModel(other *UpdateNode, id tree.NodeID) (OperationModel, bool) {
	model := OperationModel{NodeModel: other.Model().NodeModel}
	model.ID = id
	if p.replica == Local {
		parent := p.trees.Synced.NodeByAltID(other.ParentID())
		if parent == nil {
			return model, false
		}
		model.ParentID = parent.ID()
	}
	return model, true
}

// canAdjustSyncedTree reports whether the synced tree can follow the operation. An
// equalizing move that would put a node under its own descendant is rejected.
func (p *NodePropagation) canAdjustSyncedTree(op ExecutableOperation, status UpdateStatus) bool {
	if op.Model.AltID == tree.RootID {
		return true
	}

	other := p.trees.Update(p.replica.Other()).NodeByID(op.Model.AltID)
	if other == nil {
		return true
	}

	toEqualize := statusToEqualize(other.Model().Status, status)
	if toEqualize == Unchanged {
		return true
	}

	node := p.trees.PropagationByOwnID(p.replica, op.Model.ID)
	if node == nil {
		return false
	}
	model, ok := p.otherSyncedModel(other, node.ID())
	if !ok {
		return false
	}

	for _, s := range Statuses(toEqualize) {
		original := p.trees.Synced.NodeByID(model.ID)
		var originalModel *tree.NodeModel
		if original != nil {
			m := original.Model().NodeModel
			originalModel = &m
		}

		equalize := newOperation(model, originalModel, s, false)
		if equalize.Type != tree.Move || equalize.Model.ParentID == original.ParentID() {
			continue
		}

		parent := p.trees.Synced.NodeByID(model.ParentID)
		if parent == nil {
			return false
		}
		for ; !parent.IsRoot(); parent = parent.Parent() {
			if parent == original {
				return false
			}
		}
	}

	return true
}

func (p *NodePropagation) adjustSyncedTree(node *PropagationNode, status UpdateStatus) {
	other := p.trees.Update(p.replica.Other()).NodeByID(node.Model().OtherID(p.replica))
	if other == nil {
		return
	}

	toEqualize := statusToEqualize(other.Model().Status, status)
	if toEqualize == Unchanged {
		return
	}

	model, ok := p.otherSyncedModel(other, node.ID())
	if !ok {
		panic(fmt.Errorf("%s update node id=%d: parent is not synced", p.replica.Other(), other.ID()))
	}

	for _, s := range Statuses(toEqualize) {
		var originalModel *tree.NodeModel
		if original := p.trees.Synced.NodeByID(model.ID); original != nil {
			m := original.Model().NodeModel
			originalModel = &m
		}

		op := newOperation(model, originalModel, s, false)
		p.trees.Synced.Execute(tree.NewOperation(op.Type, SyncedModel{
			NodeModel: op.Model.NodeModel,
			AltID:     node.Model().AltID,
		}))
	}
}

func (p *NodePropagation) adjustOtherUpdateTree(node *PropagationNode, status UpdateStatus) {
	otherTree := p.trees.Update(p.replica.Other())
	other := otherTree.NodeByID(node.Model().OtherID(p.replica))
	if other == nil {
		return
	}

	toEqualize := statusToEqualize(other.Model().Status, status)
	if toEqualize == Unchanged {
		return
	}

	newStatus := other.Model().Status.Minus(toEqualize)
	if toEqualize.Contains(Deleted) {
		newStatus = Unchanged
	}
	if newStatus == other.Model().Status {
		return
	}

	adjustUpdateNodeStatus(otherTree, other, newStatus)
}

func (p *NodePropagation) adjustOwnUpdateTree(node *PropagationNode, op ExecutableOperation) {
	ownTree := p.trees.Update(p.replica)
	own := ownTree.NodeByID(node.Model().OwnID(p.replica))
	synced := SyncedOwnModel(p.replica, p.trees.Synced.NodeByID(node.ID()))

	status := Unchanged
	if own != nil {
		status = own.Model().Status.Intersect(Edited)
	}

	switch {
	case synced == nil && op.Type == tree.Delete:
		status = Unchanged
	case synced == nil:
		status = Created
	case op.Type == tree.Delete:
		status = Deleted
	default:
		if op.Type == tree.Edit {
			status = status.Minus(Edited)
		}
		if op.Model.Name != synced.Name {
			status = status.Union(Renamed)
		}
		if op.Model.ParentID != synced.ParentID {
			status = status.Union(Moved)
		}
	}

	if own == nil && status == Unchanged {
		return
	}

	var current, model *UpdateModel
	if own != nil {
		m := own.Model()
		current = &m
	}
	// a deleted node goes away with all its descendants
	if op.Type != tree.Delete {
		base := op.Model.NodeModel
		if own != nil && op.Type == tree.Move {
			// pending content changes of the replica are kept
			base = base.WithAttributesFrom(own.Model().NodeModel)
		}
		model = &UpdateModel{NodeModel: base, Status: status}
	}

	var prevParent *UpdateNode
	if own != nil {
		prevParent = own.Parent()
	}

	executeWithMissingUpdateAncestors(p.trees, p.replica, tree.Equalize(current, model, updateMetadataEqual)...)

	tree.PruneUnchangedLeaves(ownTree, own, updateUnchanged)
	tree.PruneUnchangedLeaves(ownTree, prevParent, updateUnchanged)
}

func (p *NodePropagation) restoreDeletedChildren(node *PropagationNode, status UpdateStatus) {
	if status == Created && node.IsDirectory() && p.restoration.ShouldRestore(node) {
		p.restoration.Execute(node)
	}
}

func (p *NodePropagation) adjustPropagationTree(node *PropagationNode, status UpdateStatus) {
	m := node.Model()
	m = m.WithStatus(p.replica, m.Status(p.replica).Minus(status))
	// an Edit is applied to one replica only
	m.Backup = m.Backup && status != Edited
	p.trees.Propagation.Execute(tree.NewOperation(tree.Update, m))
}

// faultCode classifies an unexpected error. Cancellation is never reported as Error.
func faultCode(err error) (ExecutionResultCode, error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Cancelled, nil
	}
	return Error, err
}
