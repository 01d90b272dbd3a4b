package engine

import (
	"fmt"
)

// mappedFromRemote translates a remote update model to local ids where the synced tree
// knows them. Ids of nodes unknown to the synced tree stay as they are; new ids are
// shared by both replicas.
func mappedFromRemote(trees *Trees, m UpdateModel) UpdateModel {
	if synced := trees.Synced.NodeByAltID(m.ID); synced != nil {
		m.ID = synced.ID()
	}
	if parent := trees.Synced.NodeByAltID(m.ParentID); parent != nil {
		m.ParentID = parent.ID()
	}
	return m
}

// prepareModels returns the remote and the local view of the same node, both in local
// ids. A missing side is derived from the synced tree, or from the present side when the
// node is new. A node whose ancestor is deleted on a replica is reported as Deleted on
// that replica.
func prepareModels(trees *Trees, remote, local *UpdateNode) (UpdateModel, UpdateModel) {
	if remote == nil && local == nil {
		panic(fmt.Errorf("prepare models: both nodes are missing"))
	}
	return prepareRemoteModel(trees, remote, local), prepareLocalModel(trees, remote, local)
}

func prepareLocalModel(trees *Trees, remote, local *UpdateNode) UpdateModel {
	if local != nil {
		return local.Model()
	}

	if remote.Model().Status.Minus(Restore) == Created {
		return mappedFromRemote(trees, remote.Model()).WithStatus(Unchanged)
	}

	synced := trees.Synced.NodeByAltID(remote.ID())
	if synced == nil {
		panic(fmt.Errorf("synced tree node alt id=%d does not exist", remote.ID()))
	}
	if node := trees.Local.NodeByID(synced.ID()); node != nil {
		return node.Model()
	}

	model := UpdateModel{NodeModel: synced.Model().NodeModel}
	if remote.Model().Status != Unchanged && nearestParentDeleted(trees, Local, synced) {
		model.Status = Deleted
	}
	return model
}

func prepareRemoteModel(trees *Trees, remote, local *UpdateNode) UpdateModel {
	if remote != nil {
		return mappedFromRemote(trees, remote.Model())
	}

	if local.Model().Status.Minus(Restore) == Created {
		return local.Model().WithStatus(Unchanged)
	}

	synced := trees.Synced.NodeByID(local.ID())
	if synced == nil {
		panic(fmt.Errorf("synced tree node id=%d does not exist", local.ID()))
	}
	if node := trees.Remote.NodeByID(synced.Model().AltID); node != nil {
		return mappedFromRemote(trees, node.Model())
	}

	model := UpdateModel{NodeModel: synced.Model().NodeModel}
	if local.Model().Status != Unchanged && nearestParentDeleted(trees, Remote, synced) {
		model.Status = Deleted
	}
	return model
}

// nearestParentDeleted reports whether the closest ancestor of the synced node present in
// the update tree of the replica is deleted.
func nearestParentDeleted(trees *Trees, r Replica, synced *SyncedNode) bool {
	updateTree := trees.Update(r)
	for node := synced.Parent(); node != nil; node = node.Parent() {
		if parent := updateTree.NodeByID(node.Model().OwnID(r)); parent != nil {
			return parent.Model().Status.Contains(Deleted)
		}
	}
	return false
}
