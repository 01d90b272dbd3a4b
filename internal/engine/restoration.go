package engine

import (
	"fmt"

	"github.com/openmined/syftsync/internal/tree"
)

// DeletedChildrenRestoration replays the deleted descendants of a directory restored on
// its own replica. Each synced child gets Deleted|Restore in the own update tree and
// Created|Restore as the own status of its propagation node, so the walk recreates it.
// Children that escaped the branch by an independent move, and children deleted on both
// replicas, are left alone.
//
// All methods must run on the tree scheduler.
type DeletedChildrenRestoration struct {
	replica Replica
	trees   *Trees
}

func NewDeletedChildrenRestoration(replica Replica, trees *Trees) *DeletedChildrenRestoration {
	return &DeletedChildrenRestoration{replica: replica, trees: trees}
}

// ShouldRestore reports whether the node is being restored on the own replica.
func (p *DeletedChildrenRestoration) ShouldRestore(node *PropagationNode) bool {
	return node.Model().Status(p.replica).Contains(Created | Restore)
}

func (p *DeletedChildrenRestoration) Execute(start *PropagationNode) {
	if start.IsRoot() {
		panic(&tree.Error{Op: tree.Create, ID: start.ID(), Err: tree.ErrRootOperation})
	}

	synced := p.trees.Synced.NodeByID(start.ID())
	if synced == nil {
		panic(fmt.Errorf("synced tree node id=%d does not exist", start.ID()))
	}

	for _, child := range synced.Children() {
		switch {
		case p.movedOutOfBranch(child):
			// restored on its own
		case p.pseudoDeleted(child):
			p.createDeletedOwnUpdateNode(child)
		default:
			p.restorePropagationNode(child)
			p.createDeletedOwnUpdateNode(child)
		}
	}
}

// movedOutOfBranch reports whether the child survived the deletion on the own replica,
// which is the case when it is still present in the own update tree.
func (p *DeletedChildrenRestoration) movedOutOfBranch(synced *SyncedNode) bool {
	return p.trees.Update(p.replica).NodeByID(synced.Model().OwnID(p.replica)) != nil
}

// pseudoDeleted reports an indirect Delete-Delete conflict.
func (p *DeletedChildrenRestoration) pseudoDeleted(synced *SyncedNode) bool {
	node := p.trees.Propagation.NodeByID(synced.ID())
	return node != nil &&
		node.Model().LocalStatus.Contains(Deleted) &&
		node.Model().RemoteStatus.Contains(Deleted)
}

func (p *DeletedChildrenRestoration) createDeletedOwnUpdateNode(synced *SyncedNode) {
	own := SyncedOwnModel(p.replica, synced)
	if p.trees.Update(p.replica).NodeByID(own.ID) != nil {
		panic(&tree.Error{Op: tree.Create, ID: own.ID, Err: tree.ErrNodeExists})
	}

	model := UpdateModel{NodeModel: own.NodeModel, Status: Deleted | Restore}
	executeWithMissingUpdateAncestors(p.trees, p.replica,
		tree.Equalize(nil, &model, updateMetadataEqual)...)
}

func (p *DeletedChildrenRestoration) restorePropagationNode(synced *SyncedNode) {
	current := p.trees.Propagation.NodeByID(synced.ID())

	var model PropagationModel
	var currentModel *PropagationModel
	if current != nil {
		m := current.Model()
		currentModel = &m
		model = m
	} else {
		m := synced.Model()
		model = PropagationModel{NodeModel: m.NodeModel, AltID: m.AltID}
	}
	model = model.WithStatus(p.replica, Created|Restore)

	executeWithMissingPropagationAncestors(p.trees,
		tree.Equalize(currentModel, &model, propagationMetadataEqual)...)
}
