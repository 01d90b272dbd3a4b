package engine

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/openmined/syftsync/internal/tree"
)

// PropagatingNodes grants at most one in-flight propagation per node id. Locking never
// blocks: a node that is already locked is reported as not acquired.
type PropagatingNodes struct {
	ids mapset.Set[tree.NodeID]
}

func NewPropagatingNodes() *PropagatingNodes {
	return &PropagatingNodes{ids: mapset.NewSet[tree.NodeID]()}
}

// TryLock locks the node and reports whether it succeeded.
func (p *PropagatingNodes) TryLock(id tree.NodeID) bool {
	return p.ids.Add(id)
}

func (p *PropagatingNodes) Unlock(id tree.NodeID) {
	p.ids.Remove(id)
}

// IsLocked reports whether a propagation of the node is in flight.
func (p *PropagatingNodes) IsLocked(id tree.NodeID) bool {
	return p.ids.Contains(id)
}

// LockAndExecute runs fn while holding the node lock. ok is false when the node was
// already locked and fn did not run.
func LockAndExecute[T any](p *PropagatingNodes, id tree.NodeID, fn func() (T, error)) (result T, ok bool, err error) {
	if !p.TryLock(id) {
		return result, false, nil
	}
	defer p.Unlock(id)

	result, err = fn()
	return result, true, err
}
