package engine

import (
	"log/slog"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/openmined/syftsync/internal/tree"
	"github.com/openmined/syftsync/internal/utils"
)

// Reconciliation rebuilds the propagation tree from both update trees.
//
// Changes detected on the local replica are to be applied to the remote replica and go
// to RemoteStatus; remote changes go to LocalStatus. Conflicting changes are settled
// with the remote replica winning:
//
//   - Edit-Edit with different content keeps the remote content, the local file is
//     backed up before it is overwritten.
//   - Rename-Rename and Move-Move to different destinations keep the remote destination.
//   - A deletion conflicting with a change of the node, or with a change below a deleted
//     directory, is dropped and the node is restored on the replica that deleted it.
//   - A node moved out of a directory deleted on the other replica is recreated there.
//   - A deletion below a directory deleted on the other replica is dropped.
//   - Moves forming a cycle lose the local move.
//   - Two nodes ending up with the same name get the local one renamed.
//
// Identical changes on both replicas are left to PseudoConflictPropagation, except
// creations which are matched here so both nodes get linked in the synced tree.
//
// Execute must run on the tree scheduler.
type Reconciliation struct {
	trees *Trees
}

func NewReconciliation(trees *Trees) *Reconciliation {
	return &Reconciliation{trees: trees}
}

type reconEntry struct {
	synced *SyncedNode
	local  *UpdateModel
	remote *UpdateModel
	model  PropagationModel
}

// localChange is the status detected on the local replica.
func (e *reconEntry) localChange() UpdateStatus {
	if e.local == nil {
		return Unchanged
	}
	return e.local.Status
}

// remoteChange is the status detected on the remote replica.
func (e *reconEntry) remoteChange() UpdateStatus {
	if e.remote == nil {
		return Unchanged
	}
	return e.remote.Status
}

func (e *reconEntry) change(r Replica) UpdateStatus {
	if r == Remote {
		return e.remoteChange()
	}
	return e.localChange()
}

func (r *Reconciliation) Execute() {
	r.matchCreatedNodes()

	entries := r.collect()
	for _, e := range entries {
		r.resolveNodeConflicts(e)
	}

	ids := make([]tree.NodeID, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	r.resolveCyclicMoves(entries, ids)
	r.resolveDeletions(entries, ids)
	r.resolveNameClashes(entries, ids)
	r.build(entries, ids)
}

// matchCreatedNodes links nodes created on both replicas with the same name, type and
// content under the same parent.
func (r *Reconciliation) matchCreatedNodes() {
	var created []tree.NodeID
	tree.PreOrder(r.trees.Remote.Root(), func(n *UpdateNode) bool {
		if n.Model().Status.Contains(Created) {
			created = append(created, n.ID())
		}
		return true
	})

	for _, id := range created {
		node := r.trees.Remote.NodeByID(id)
		if node == nil || !node.Model().Status.Contains(Created) {
			continue
		}
		remote := mappedFromRemote(r.trees, node.Model())

		parent := r.trees.Local.NodeByID(remote.ParentID)
		if parent == nil {
			continue
		}
		for _, child := range parent.ChildrenByName(remote.Name) {
			local := child.Model()
			if !local.Status.Contains(Created) || local.Type != remote.Type {
				continue
			}
			if local.Type == tree.File && !local.ContentEqual(remote.NodeModel) {
				continue
			}
			resolvePseudoConflict(r.trees, remote, local, pseudoConflict{Type: CreateCreatePseudo, Status: Created})
			break
		}
	}
}

func (r *Reconciliation) collect() map[tree.NodeID]*reconEntry {
	entries := make(map[tree.NodeID]*reconEntry)
	entry := func(id tree.NodeID) *reconEntry {
		e, ok := entries[id]
		if !ok {
			e = &reconEntry{synced: r.trees.Synced.NodeByID(id)}
			entries[id] = e
		}
		return e
	}

	altIDs := make(map[tree.NodeID]tree.NodeID)
	tree.PreOrder(r.trees.Local.Root(), func(n *UpdateNode) bool {
		if m := n.Model(); m.Status != Unchanged {
			entry(m.ID).local = &m
		}
		return true
	})
	tree.PreOrder(r.trees.Remote.Root(), func(n *UpdateNode) bool {
		if m := n.Model(); m.Status != Unchanged {
			mapped := mappedFromRemote(r.trees, m)
			entry(mapped.ID).remote = &mapped
			altIDs[mapped.ID] = m.ID
		}
		return true
	})

	for id, e := range entries {
		altID := id
		switch {
		case e.synced != nil:
			altID = e.synced.Model().AltID
		case e.remote != nil:
			altID = altIDs[id]
		}
		e.model = PropagationModel{
			NodeModel:    r.merge(id, e),
			AltID:        altID,
			LocalStatus:  e.remoteChange(),
			RemoteStatus: e.localChange(),
		}
	}
	return entries
}

// merge overlays the local and then the remote changes on the synced model.
func (r *Reconciliation) merge(id tree.NodeID, e *reconEntry) tree.NodeModel {
	var base tree.NodeModel
	switch {
	case e.synced != nil:
		base = e.synced.Model().NodeModel
	case e.remote != nil:
		base = e.remote.NodeModel
	default:
		base = e.local.NodeModel
	}

	for _, m := range []*UpdateModel{e.local, e.remote} {
		if m == nil || m.Status == Unchanged || m.Status.Contains(Deleted) {
			continue
		}
		if m.Status.Contains(Created) {
			base = m.NodeModel
			continue
		}
		if m.Status.Contains(Renamed) {
			base.Name = m.Name
		}
		if m.Status.Contains(Moved) {
			base.ParentID = m.ParentID
		}
		if m.Status.Contains(Edited) {
			base = base.WithAttributesFrom(m.NodeModel)
		}
	}

	base.ID = id
	return base
}

// resolveNodeConflicts settles conflicting changes of the same node.
func (r *Reconciliation) resolveNodeConflicts(e *reconEntry) {
	local, remote := e.localChange(), e.remoteChange()
	if local == Unchanged || remote == Unchanged {
		return
	}

	switch {
	case local.Contains(Deleted) && remote.Contains(Deleted):
		// pseudo conflict
	case local.Contains(Deleted):
		slog.Debug("local deletion dropped, node changed remotely", "id", e.model.ID, "status", remote)
		e.model.LocalStatus = Created | Restore
		e.model.RemoteStatus = Unchanged
	case remote.Contains(Deleted):
		slog.Debug("remote deletion dropped, node changed locally", "id", e.model.ID, "status", local)
		e.model.RemoteStatus = Created | Restore
		e.model.LocalStatus = Unchanged
	default:
		if local.Contains(Edited) && remote.Contains(Edited) && !e.local.ContentEqual(e.remote.NodeModel) {
			slog.Debug("edit conflict, remote content wins", "id", e.model.ID)
			e.model.RemoteStatus = e.model.RemoteStatus.Minus(Edited)
			e.model.Backup = true
		}
		if local.Contains(Renamed) && remote.Contains(Renamed) && e.local.Name != e.remote.Name {
			e.model.RemoteStatus = e.model.RemoteStatus.Minus(Renamed)
		}
		if local.Contains(Moved) && remote.Contains(Moved) && e.local.ParentID != e.remote.ParentID {
			e.model.RemoteStatus = e.model.RemoteStatus.Minus(Moved)
		}
	}
}

// targetParent returns the parent a node ends up under once all changes are applied.
func (r *Reconciliation) targetParent(entries map[tree.NodeID]*reconEntry, id tree.NodeID) (tree.NodeID, bool) {
	if e, ok := entries[id]; ok {
		return e.model.ParentID, true
	}
	if synced := r.trees.Synced.NodeByID(id); synced != nil {
		return synced.ParentID(), true
	}
	return tree.RootID, false
}

// targetBeneath reports whether the node ends up below ancestor.
func (r *Reconciliation) targetBeneath(entries map[tree.NodeID]*reconEntry, id, ancestor tree.NodeID) bool {
	for steps := 0; steps <= len(entries)+r.trees.Synced.Len(); steps++ {
		parent, ok := r.targetParent(entries, id)
		if !ok || id == tree.RootID {
			return false
		}
		if parent == ancestor {
			return true
		}
		id = parent
	}
	return false
}

// resolveCyclicMoves reverts local moves that would place a node below itself when
// combined with remote moves.
func (r *Reconciliation) resolveCyclicMoves(entries map[tree.NodeID]*reconEntry, ids []tree.NodeID) {
	for _, id := range ids {
		for {
			cycle := r.cycle(entries, id)
			if cycle == nil {
				break
			}

			reverted := false
			for _, cid := range cycle {
				e := entries[cid]
				if e == nil || e.synced == nil || !e.model.RemoteStatus.Contains(Moved) || e.remoteChange().Contains(Moved) {
					continue
				}
				slog.Info("cyclic move, local move reverted", "id", cid)
				e.model.ParentID = e.synced.ParentID()
				e.model.RemoteStatus = e.model.RemoteStatus.Minus(Moved)
				e.model.LocalStatus = e.model.LocalStatus.Union(Moved)
				reverted = true
				break
			}
			if !reverted {
				panic(&tree.Error{Op: tree.Move, ID: id, Err: tree.ErrCyclicMove})
			}
		}
	}
}

// cycle returns the nodes forming a cycle through id, nil when there is none.
func (r *Reconciliation) cycle(entries map[tree.NodeID]*reconEntry, id tree.NodeID) []tree.NodeID {
	path := []tree.NodeID{id}
	visited := mapset.NewThreadUnsafeSet(id)
	for current := id; ; {
		parent, ok := r.targetParent(entries, current)
		if !ok || parent == tree.RootID {
			return nil
		}
		if parent == id {
			return path
		}
		if !visited.Add(parent) {
			// cycle not passing through id
			return nil
		}
		path = append(path, parent)
		current = parent
	}
}

// resolveDeletions settles deletions conflicting with changes below the deleted node.
func (r *Reconciliation) resolveDeletions(entries map[tree.NodeID]*reconEntry, ids []tree.NodeID) {
	for _, replica := range []Replica{Local, Remote} {
		// deleted on replica, so the deletion is applied to the other one
		other := replica.Other()
		for _, id := range ids {
			dir := entries[id]
			if !dir.model.Status(other).Contains(Deleted) || dir.model.Status(replica).Contains(Deleted) || dir.model.Type != tree.Directory {
				continue
			}

			if r.changedBeneath(entries, ids, id, replica) {
				slog.Debug("deletion dropped, changes below the directory", "id", id, "replica", replica)
				dir.model = dir.model.WithStatus(replica, Created|Restore).WithStatus(other, Unchanged)
			}
		}
	}

	for _, replica := range []Replica{Local, Remote} {
		other := replica.Other()
		for _, id := range ids {
			dir := entries[id]
			if !dir.model.Status(other).Contains(Deleted) || dir.model.Type != tree.Directory || dir.synced == nil {
				continue
			}

			for _, cid := range ids {
				child := entries[cid]
				if cid == id || child.synced == nil || !child.synced.IsDescendantOf(dir.synced) {
					continue
				}

				status := child.model.Status(replica)
				switch {
				case status == Unchanged || status.Contains(Created):
				case status.Contains(Deleted):
					slog.Debug("indirect deletion dropped", "id", cid, "replica", replica)
					child.model = child.model.WithStatus(replica, Unchanged)
				case child.change(replica) == Unchanged && !r.targetBeneath(entries, cid, id):
					slog.Debug("node moved out of a deleted directory is recreated", "id", cid, "replica", replica)
					child.model = child.model.WithStatus(replica, Created|Restore)
				}
			}
		}
	}
}

// changedBeneath reports whether a change to be applied to the replica ends up below
// the directory.
func (r *Reconciliation) changedBeneath(entries map[tree.NodeID]*reconEntry, ids []tree.NodeID, dir tree.NodeID, replica Replica) bool {
	for _, id := range ids {
		status := entries[id].model.Status(replica)
		if id == dir || status == Unchanged || status.Contains(Deleted) {
			continue
		}
		if r.targetBeneath(entries, id, dir) {
			return true
		}
	}
	return false
}

// resolveNameClashes gives a conflict name to nodes ending up with the name of another
// node in the same directory. A node that keeps its name on the remote replica is never
// renamed.
func (r *Reconciliation) resolveNameClashes(entries map[tree.NodeID]*reconEntry, ids []tree.NodeID) {
	type member struct {
		id    tree.NodeID
		entry *reconEntry
	}
	groups := make(map[tree.NodeID]map[string][]member)
	add := func(parent tree.NodeID, name string, m member) {
		byName, ok := groups[parent]
		if !ok {
			byName = make(map[string][]member)
			groups[parent] = byName
		}
		byName[name] = append(byName[name], m)
	}

	for _, id := range ids {
		e := entries[id]
		if e.model.LocalStatus.Contains(Deleted) || e.model.RemoteStatus.Contains(Deleted) {
			continue
		}
		add(e.model.ParentID, e.model.Name, member{id: id, entry: e})
	}

	for parentID, byName := range groups {
		if synced := r.trees.Synced.NodeByID(parentID); synced != nil {
			for _, child := range synced.Children() {
				if _, ok := entries[child.ID()]; !ok {
					add(parentID, child.Name(), member{id: child.ID()})
				}
			}
		}

		taken := func(name string) bool {
			_, ok := byName[name]
			return ok
		}

		names := make([]string, 0, len(byName))
		for name := range byName {
			names = append(names, name)
		}
		slices.Sort(names)

		for _, name := range names {
			members := byName[name]
			if len(members) < 2 {
				continue
			}

			keep := slices.IndexFunc(members, func(m member) bool {
				return m.entry == nil || !arrivesOn(m.entry.model, Remote)
			})
			if keep < 0 {
				keep = 0
			}

			for i, m := range members {
				if i == keep || m.entry == nil {
					continue
				}
				newName := utils.UniqueConflictName(name, taken)
				slog.Info("name clash, node renamed", "id", m.id, "name", name, "new_name", newName)
				byName[newName] = []member{m}

				m.entry.model.Name = newName
				for _, replica := range []Replica{Local, Remote} {
					if s := m.entry.model.Status(replica); !s.Contains(Created) {
						m.entry.model = m.entry.model.WithStatus(replica, s.Union(Renamed))
					}
				}
			}
			byName[name] = []member{members[keep]}
		}
	}
}

// arrivesOn reports whether the node takes its name on the replica by a pending change.
func arrivesOn(m PropagationModel, r Replica) bool {
	s := m.Status(r)
	return s != Unchanged && (s.Contains(Created) || s.Contains(Renamed) || s.Contains(Moved))
}

// build fills the propagation tree with the changed nodes and their ancestors.
func (r *Reconciliation) build(entries map[tree.NodeID]*reconEntry, ids []tree.NodeID) {
	propagation := r.trees.Propagation
	propagation.Clear()

	var ensure func(id tree.NodeID, depth int) bool
	ensure = func(id tree.NodeID, depth int) bool {
		if id == tree.RootID || propagation.NodeByID(id) != nil {
			return true
		}
		if depth > len(entries)+r.trees.Synced.Len() {
			panic(&tree.Error{Op: tree.Create, ID: id, Err: tree.ErrCyclicMove})
		}

		var model PropagationModel
		if e, ok := entries[id]; ok {
			model = e.model
		} else if synced := r.trees.Synced.NodeByID(id); synced != nil {
			m := synced.Model()
			model = PropagationModel{NodeModel: m.NodeModel, AltID: m.AltID}
		} else {
			return false
		}

		if !ensure(model.ParentID, depth+1) {
			return false
		}
		parent := propagation.NodeByID(model.ParentID)
		if pm := parent.Model(); pm.LocalStatus.Contains(Deleted) || pm.RemoteStatus.Contains(Deleted) {
			return false
		}

		if existing := propagation.NodeByAltID(model.AltID); existing != nil && !existing.IsRoot() {
			slog.Warn("propagation node alt id already in use", "id", id, "alt_id", model.AltID, "existing", existing.ID())
			return false
		}

		propagation.Execute(tree.NewOperation(tree.Create, model))
		return true
	}

	pending := 0
	for _, id := range ids {
		if entries[id].model.Unchanged() {
			continue
		}
		if !ensure(id, 0) {
			slog.Warn("change not propagated, parent is missing", "id", id)
			continue
		}
		pending++
	}

	slog.Debug("reconciliation", "changed", len(entries), "pending", pending)
}
