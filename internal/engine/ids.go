package engine

import (
	"sync/atomic"

	"github.com/openmined/syftsync/internal/tree"
)

// IDGenerator hands out node ids for both replicas. Ids grow monotonically, so a larger
// id was always assigned later.
type IDGenerator struct {
	last atomic.Uint64
}

// NewIDGenerator continues after last.
func NewIDGenerator(last tree.NodeID) *IDGenerator {
	g := &IDGenerator{}
	g.last.Store(uint64(last))
	return g
}

func (g *IDGenerator) Next() tree.NodeID {
	return tree.NodeID(g.last.Add(1))
}

// Last returns the most recently assigned id.
func (g *IDGenerator) Last() tree.NodeID {
	return tree.NodeID(g.last.Load())
}

// Observe makes sure id is never handed out again.
func (g *IDGenerator) Observe(id tree.NodeID) {
	for {
		last := g.last.Load()
		if uint64(id) <= last || g.last.CompareAndSwap(last, uint64(id)) {
			return
		}
	}
}
