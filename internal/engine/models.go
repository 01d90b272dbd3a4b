package engine

import (
	"github.com/openmined/syftsync/internal/tree"
)

// SyncedModel is a node both replicas agree on. ID is the local id, AltID the remote id.
type SyncedModel struct {
	tree.NodeModel
	AltID tree.NodeID `json:"alt_id"`
}

func (m SyncedModel) WithBase(b tree.NodeModel) SyncedModel {
	m.NodeModel = b
	return m
}

// OwnID returns the id of the node on the replica.
func (m SyncedModel) OwnID(r Replica) tree.NodeID {
	if r == Remote {
		return m.AltID
	}
	return m.ID
}

// UpdateModel is a node of an update tree, in the ids of its replica.
type UpdateModel struct {
	tree.NodeModel
	Status UpdateStatus `json:"status"`
}

func (m UpdateModel) WithBase(b tree.NodeModel) UpdateModel {
	m.NodeModel = b
	return m
}

func (m UpdateModel) WithStatus(s UpdateStatus) UpdateModel {
	m.Status = s
	return m
}

// PropagationModel merges the changes of both replicas. ID is the local id, AltID the
// remote id. LocalStatus holds the changes still to be applied to the local replica,
// RemoteStatus the changes still to be applied to the remote replica.
type PropagationModel struct {
	tree.NodeModel
	AltID        tree.NodeID  `json:"alt_id"`
	LocalStatus  UpdateStatus `json:"local_status"`
	RemoteStatus UpdateStatus `json:"remote_status"`
	Backup       bool         `json:"backup,omitempty"`
}

func (m PropagationModel) WithBase(b tree.NodeModel) PropagationModel {
	m.NodeModel = b
	return m
}

func (m PropagationModel) OwnID(r Replica) tree.NodeID {
	if r == Remote {
		return m.AltID
	}
	return m.ID
}

func (m PropagationModel) OtherID(r Replica) tree.NodeID {
	return m.OwnID(r.Other())
}

func (m PropagationModel) Status(r Replica) UpdateStatus {
	if r == Remote {
		return m.RemoteStatus
	}
	return m.LocalStatus
}

func (m PropagationModel) WithStatus(r Replica, s UpdateStatus) PropagationModel {
	if r == Remote {
		m.RemoteStatus = s
	} else {
		m.LocalStatus = s
	}
	return m
}

// Unchanged reports whether no change is pending on either replica.
func (m PropagationModel) Unchanged() bool {
	return m.LocalStatus == Unchanged && m.RemoteStatus == Unchanged
}

type (
	SyncedTree      = tree.Tree[SyncedModel]
	SyncedNode      = tree.Node[SyncedModel]
	UpdateTree      = tree.Tree[UpdateModel]
	UpdateNode      = tree.Node[UpdateModel]
	PropagationTree = tree.Tree[PropagationModel]
	PropagationNode = tree.Node[PropagationModel]
)

func NewSyncedTree() *SyncedTree {
	return tree.New(SyncedModel{}, tree.WithAltIndex(func(m SyncedModel) (any, bool) {
		return m.AltID, true
	}))
}

func NewUpdateTree() *UpdateTree {
	return tree.New(UpdateModel{})
}

func NewPropagationTree() *PropagationTree {
	return tree.New(PropagationModel{}, tree.WithAltIndex(func(m PropagationModel) (any, bool) {
		return m.AltID, true
	}))
}

func syncedMetadataEqual(a, b SyncedModel) bool {
	return a.AltID == b.AltID
}

func updateMetadataEqual(a, b UpdateModel) bool {
	return a.Status == b.Status
}

func propagationMetadataEqual(a, b PropagationModel) bool {
	return a.AltID == b.AltID &&
		a.LocalStatus == b.LocalStatus &&
		a.RemoteStatus == b.RemoteStatus &&
		a.Backup == b.Backup
}

func updateUnchanged(m UpdateModel) bool {
	return m.Status == Unchanged
}

func propagationUnchanged(m PropagationModel) bool {
	return m.Unchanged()
}

// Trees holds the state shared by the propagation pipelines. It is only accessed from
// the tree scheduler.
type Trees struct {
	Synced      *SyncedTree
	Local       *UpdateTree
	Remote      *UpdateTree
	Propagation *PropagationTree
}

func NewTrees() *Trees {
	return &Trees{
		Synced:      NewSyncedTree(),
		Local:       NewUpdateTree(),
		Remote:      NewUpdateTree(),
		Propagation: NewPropagationTree(),
	}
}

// Update returns the update tree of the replica.
func (t *Trees) Update(r Replica) *UpdateTree {
	if r == Remote {
		return t.Remote
	}
	return t.Local
}

// SyncedByOwnID looks the synced node up by its id on the replica.
func (t *Trees) SyncedByOwnID(r Replica, id tree.NodeID) *SyncedNode {
	if r == Remote {
		return t.Synced.NodeByAltID(id)
	}
	return t.Synced.NodeByID(id)
}

// PropagationByOwnID looks the propagation node up by its id on the replica.
func (t *Trees) PropagationByOwnID(r Replica, id tree.NodeID) *PropagationNode {
	if r == Remote {
		return t.Propagation.NodeByAltID(id)
	}
	return t.Propagation.NodeByID(id)
}

// SyncedOwnModel returns the synced node expressed in the ids of the replica, nil for a
// nil node.
func SyncedOwnModel(r Replica, node *SyncedNode) *OperationModel {
	if node == nil {
		return nil
	}
	m := node.Model()
	model := OperationModel{NodeModel: m.NodeModel, AltID: m.AltID}
	if r == Remote && !node.IsRoot() {
		model.ID, model.AltID = m.AltID, m.ID
		model.ParentID = node.Parent().Model().AltID
	}
	return &model
}

// PropagationOwnModel returns the propagation node expressed in the ids of the replica.
func PropagationOwnModel(r Replica, node *PropagationNode) OperationModel {
	m := node.Model()
	model := OperationModel{NodeModel: m.NodeModel, AltID: m.AltID}
	if r == Remote && !node.IsRoot() {
		model.ID, model.AltID = m.AltID, m.ID
		model.ParentID = node.Parent().Model().AltID
	}
	return model
}
