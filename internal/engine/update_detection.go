package engine

import (
	"fmt"
	"log/slog"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/openmined/syftsync/internal/tree"
)

// UpdateDetection rebuilds the update tree of a replica by comparing the current state
// of the replica with the synced tree.
//
// A node missing from the synced tree is Created. A synced node missing from the state
// is Deleted; below a deleted directory only the directory itself is recorded. Name,
// parent and file content differences give Renamed, Moved and Edited. Unchanged
// ancestors of changed nodes are kept so the update tree stays connected.
//
// Execute must run on the tree scheduler.
type UpdateDetection struct {
	replica Replica
	trees   *Trees
}

func NewUpdateDetection(replica Replica, trees *Trees) *UpdateDetection {
	return &UpdateDetection{replica: replica, trees: trees}
}

// Execute replaces the update tree with the changes found in state. state holds the
// models of all nodes of the replica in its own ids, parents before children, the root
// excluded.
func (d *UpdateDetection) Execute(state []tree.NodeModel) error {
	byID := make(map[tree.NodeID]tree.NodeModel, len(state))
	for _, m := range state {
		if m.ID == tree.RootID {
			return fmt.Errorf("%s state: %w", d.replica, tree.ErrRootOperation)
		}
		if _, ok := byID[m.ID]; ok {
			return fmt.Errorf("%s state id=%d: %w", d.replica, m.ID, tree.ErrNodeExists)
		}
		byID[m.ID] = m
	}

	statuses := make(map[tree.NodeID]UpdateStatus)
	for _, m := range state {
		if s := d.status(m); s != Unchanged {
			statuses[m.ID] = s
		}
	}

	var deleted []UpdateModel
	tree.PreOrder(d.trees.Synced.Root(), func(n *SyncedNode) bool {
		own := SyncedOwnModel(d.replica, n)
		if _, ok := byID[own.ID]; ok {
			return true
		}
		parent := SyncedOwnModel(d.replica, n.Parent())
		if _, ok := byID[parent.ID]; ok || parent.ID == tree.RootID {
			deleted = append(deleted, UpdateModel{NodeModel: own.NodeModel, Status: Deleted})
		}
		return true
	})

	// nodes to keep: changed ones with their ancestors in the current state
	keep := mapset.NewThreadUnsafeSet[tree.NodeID]()
	mark := func(id tree.NodeID) {
		for id != tree.RootID && keep.Add(id) {
			m, ok := byID[id]
			if !ok {
				return
			}
			id = m.ParentID
		}
	}
	for id := range statuses {
		mark(id)
	}
	for _, m := range deleted {
		mark(m.ParentID)
	}

	updateTree := d.trees.Update(d.replica)
	updateTree.Clear()
	for _, m := range state {
		if !keep.Contains(m.ID) {
			continue
		}
		if _, ok := byID[m.ParentID]; !ok && m.ParentID != tree.RootID {
			return fmt.Errorf("%s state id=%d: %w", d.replica, m.ID, tree.ErrParentNotFound)
		}
		updateTree.Execute(tree.NewOperation(tree.Create, UpdateModel{NodeModel: m, Status: statuses[m.ID]}))
	}
	for _, m := range deleted {
		updateTree.Execute(tree.NewOperation(tree.Create, m))
	}

	slog.Debug("update detection", "replica", d.replica, "nodes", len(state), "changed", len(statuses), "deleted", len(deleted))
	return nil
}

func (d *UpdateDetection) status(m tree.NodeModel) UpdateStatus {
	synced := SyncedOwnModel(d.replica, d.trees.SyncedByOwnID(d.replica, m.ID))
	if synced == nil {
		return Created
	}
	if synced.Type != m.Type {
		panic(&tree.Error{Op: tree.Update, ID: m.ID, Err: tree.ErrTypeMismatch})
	}

	status := Unchanged
	if m.Type == tree.File && !m.ContentEqual(synced.NodeModel) {
		status |= Edited
	}
	if m.Name != synced.Name {
		status |= Renamed
	}
	if m.ParentID != synced.ParentID {
		status |= Moved
	}
	return status
}
