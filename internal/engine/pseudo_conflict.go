package engine

import (
	"fmt"
	"log/slog"

	"github.com/openmined/syftsync/internal/tree"
)

type ConflictType uint8

const (
	NoConflict ConflictType = iota
	CreateCreatePseudo
	EditEditPseudo
	MoveMovePseudo
	DeleteDeletePseudo
)

func (c ConflictType) String() string {
	switch c {
	case NoConflict:
		return "none"
	case CreateCreatePseudo:
		return "create-create-pseudo"
	case EditEditPseudo:
		return "edit-edit-pseudo"
	case MoveMovePseudo:
		return "move-move-pseudo"
	case DeleteDeletePseudo:
		return "delete-delete-pseudo"
	default:
		return fmt.Sprintf("ConflictType(%d)", uint8(c))
	}
}

type pseudoConflict struct {
	Type   ConflictType
	Status UpdateStatus
}

// detectPseudoConflicts lists the changes made identically on both replicas. A node
// takes part in at most an Edit-Edit, a Move-Move and a Delete-Delete pseudo conflict.
// Both models are in local ids.
func detectPseudoConflicts(remote, local UpdateModel) []pseudoConflict {
	var result []pseudoConflict
	conflicting := remote.Status.Intersect(local.Status)

	if conflicting.Contains(Edited) && remote.ContentEqual(local.NodeModel) {
		result = append(result, pseudoConflict{Type: EditEditPseudo, Status: Edited})
	}

	moved := Unchanged
	if conflicting.Contains(Renamed) && remote.Name == local.Name {
		moved = moved.Union(Renamed)
	}
	if conflicting.Contains(Moved) && remote.ParentID == local.ParentID {
		moved = moved.Union(Moved)
	}
	if moved != Unchanged {
		result = append(result, pseudoConflict{Type: MoveMovePseudo, Status: moved})
	}

	if conflicting.Contains(Deleted) {
		result = append(result, pseudoConflict{Type: DeleteDeletePseudo, Status: Deleted})
	}

	return result
}

// resolvePseudoConflict records an identical change of both replicas in the synced tree
// and clears it from both update trees. remote and local are in local ids.
func resolvePseudoConflict(trees *Trees, remote, local UpdateModel, conflict pseudoConflict) {
	if conflict.Status == Unchanged {
		return
	}

	var op tree.OperationType
	switch conflict.Type {
	case CreateCreatePseudo:
		op = tree.Create
	case EditEditPseudo:
		op = tree.Edit
	case MoveMovePseudo:
		op = tree.Move
	case DeleteDeletePseudo:
		op = tree.Delete
	default:
		panic(fmt.Errorf("invalid pseudo conflict type %s", conflict.Type))
	}

	adjustRemoteForPseudoConflict(trees, remote, conflict.Status)
	adjustLocalForPseudoConflict(trees, local, conflict.Status)

	model := SyncedModel{NodeModel: local.NodeModel, AltID: remote.ID}
	if op != tree.Create && op != tree.Delete {
		synced := trees.Synced.NodeByID(local.ID)
		if synced == nil {
			panic(fmt.Errorf("synced tree node id=%d does not exist", local.ID))
		}
		if op == tree.Move {
			if remote.Name != local.Name {
				model.Name = synced.Name()
			}
			if remote.ParentID != local.ParentID {
				model.ParentID = synced.ParentID()
			}
		}
		model.AltID = synced.Model().AltID
	}

	slog.Debug("pseudo conflict resolved", "type", conflict.Type, "id", local.ID, "status", conflict.Status)
	trees.Synced.Execute(tree.NewOperation(op, model))
}

func adjustRemoteForPseudoConflict(trees *Trees, remote UpdateModel, status UpdateStatus) {
	id := remote.ID
	if synced := trees.Synced.NodeByID(remote.ID); synced != nil {
		id = synced.Model().AltID
	}
	// a missing node means the parent was deleted on the replica
	if node := trees.Remote.NodeByID(id); node != nil {
		adjustUpdateNodeStatus(trees.Remote, node, node.Model().Status.Minus(status))
	}
}

func adjustLocalForPseudoConflict(trees *Trees, local UpdateModel, status UpdateStatus) {
	if node := trees.Local.NodeByID(local.ID); node != nil {
		adjustUpdateNodeStatus(trees.Local, node, node.Model().Status.Minus(status))
	}
}

func adjustUpdateNodeStatus(t *UpdateTree, node *UpdateNode, status UpdateStatus) {
	if node.Model().Status != status {
		t.Execute(tree.NewOperation(tree.Update, node.Model().WithStatus(status)))
	}
	tree.PruneUnchangedLeaves(t, node, updateUnchanged)
}

// PseudoConflictPropagation clears pseudo conflicts of a propagation node before its
// changes are propagated, so an already equal state is not applied a second time.
//
// Execute must run on the tree scheduler.
type PseudoConflictPropagation struct {
	trees *Trees
}

func NewPseudoConflictPropagation(trees *Trees) *PseudoConflictPropagation {
	return &PseudoConflictPropagation{trees: trees}
}

func (p *PseudoConflictPropagation) Execute(node *PropagationNode, filter StatusFilter) {
	remote, local, ok := p.prepare(node, filter)
	if !ok {
		return
	}

	for _, conflict := range detectPseudoConflicts(remote, local) {
		resolvePseudoConflict(p.trees, remote, local, conflict)

		resolved := conflict.Status
		if local.Name != remote.Name {
			resolved = resolved.Minus(Renamed)
		}
		if local.ParentID != remote.ParentID {
			resolved = resolved.Minus(Moved)
		}

		// re-read, the node model is replaced by every update
		current := p.trees.Propagation.NodeByID(node.ID())
		if current == nil {
			return
		}
		m := current.Model()
		m.RemoteStatus = m.RemoteStatus.Minus(resolved)
		m.LocalStatus = m.LocalStatus.Minus(resolved)
		p.trees.Propagation.Execute(tree.NewOperation(tree.Update, m))
	}
}

func (p *PseudoConflictPropagation) prepare(node *PropagationNode, filter StatusFilter) (UpdateModel, UpdateModel, bool) {
	m := node.Model()
	conflicting := filter(m, m.RemoteStatus.Intersect(m.LocalStatus))
	if conflicting == Unchanged {
		return UpdateModel{}, UpdateModel{}, false
	}

	remoteNode := p.trees.Remote.NodeByID(m.AltID)
	localNode := p.trees.Local.NodeByID(m.ID)
	if remoteNode == nil || localNode == nil {
		return UpdateModel{}, UpdateModel{}, false
	}

	remoteModel, localModel := remoteNode.Model(), localNode.Model()
	renamed := localModel.Name != remoteModel.Name || localModel.Name != m.Name
	moved := localModel.ParentID != mappedFromRemote(p.trees, remoteModel).ParentID || localModel.ParentID != m.ParentID

	conflicting = conflicting.Intersect(remoteModel.Status).Intersect(localModel.Status)
	if renamed {
		conflicting = conflicting.Minus(Renamed)
	}
	if moved {
		conflicting = conflicting.Minus(Moved)
	}
	if conflicting == Unchanged {
		return UpdateModel{}, UpdateModel{}, false
	}

	remote, local := prepareModels(p.trees, remoteNode, localNode)
	return remote.WithStatus(conflicting), local.WithStatus(conflicting), true
}
