package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/openmined/syftsync/internal/scheduler"
	"github.com/openmined/syftsync/internal/tree"
)

// TreePropagation walks the propagation tree and applies the pending changes to both
// replicas. The first pass propagates everything except directory deletion, the second
// pass propagates directory deletion. Changes that could not be propagated stay in the
// propagation tree; running Execute again retries them.
type TreePropagation struct {
	sched        *scheduler.Scheduler
	trees        *Trees
	pseudo       *PseudoConflictPropagation
	local        *NodePropagation
	remote       *NodePropagation
	fileTransfer *FileTransfer
	restoration  *DeletedChildrenRestoration

	walker                *tree.Walker[PropagationModel]
	skipNode              bool
	skipLocalDirDeletion  bool
	skipRemoteDirDeletion bool
}

// NewTreePropagation wires the per-node pipelines of both replicas around one set of
// trees. All pipelines share one PropagatingNodes lock table.
func NewTreePropagation(
	sched *scheduler.Scheduler,
	trees *Trees,
	localAdapter SyncAdapter,
	remoteAdapter SyncAdapter,
	stats *Statistics,
	maxTransfers int,
) *TreePropagation {
	propagating := NewPropagatingNodes()
	local := NewNodePropagation(Local, sched, trees, localAdapter, propagating, stats)
	remote := NewNodePropagation(Remote, sched, trees, remoteAdapter, propagating, stats)

	return &TreePropagation{
		sched:        sched,
		trees:        trees,
		pseudo:       NewPseudoConflictPropagation(trees),
		local:        local,
		remote:       remote,
		fileTransfer: NewFileTransfer(maxTransfers, local, remote, sched, trees),
		restoration:  NewDeletedChildrenRestoration(Remote, trees),
	}
}

// Execute runs both passes. Only faults and cancellation are returned as errors.
func (p *TreePropagation) Execute(ctx context.Context) error {
	slog.Info("propagation started")

	if err := p.fileTransfer.Start(ctx); err != nil {
		return err
	}

	err := p.firstPass(ctx)
	if ferr := p.fileTransfer.Finish(); ferr != nil && !errors.Is(ferr, context.Canceled) {
		err = errors.Join(err, ferr)
	}
	if err != nil {
		return err
	}

	if err := p.secondPass(ctx); err != nil {
		return err
	}

	slog.Info("propagation finished")
	return nil
}

func (p *TreePropagation) firstPass(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.skipLocalDirDeletion, p.skipRemoteDirDeletion = false, false
	return p.walk(ctx, firstPassFilter)
}

func (p *TreePropagation) secondPass(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	skip, err := scheduler.Get(ctx, p.sched, p.shouldSkipDirectoryDeletion)
	if err != nil {
		return err
	}
	if skip {
		return nil
	}

	return p.walk(ctx, secondPassFilter)
}

func (p *TreePropagation) walk(ctx context.Context, filter StatusFilter) error {
	include := func(n *PropagationNode) bool {
		m := n.Model()
		return filter(m, m.LocalStatus) != Unchanged || filter(m, m.RemoteStatus) != Unchanged
	}
	prune := func(n *PropagationNode) {
		if n.IsLeaf() && n.Model().Unchanged() {
			p.trees.Propagation.Execute(tree.NewOperation(tree.Delete, n.Model()))
		}
	}

	err := p.sched.Schedule(ctx, func() error {
		p.walker = tree.NewWalker(p.trees.Propagation, p.trees.Propagation.Root(), include, prune)
		return nil
	})
	if err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		id, err := scheduler.Get(ctx, p.sched, func() tree.NodeID {
			if node := p.walker.Next(); node != nil {
				return node.ID()
			}
			return tree.RootID
		})
		if err != nil {
			return err
		}
		if id == tree.RootID {
			return nil
		}

		if err := p.propagateNode(ctx, id, filter); err != nil {
			return err
		}
	}
}

func (p *TreePropagation) propagateNode(ctx context.Context, id tree.NodeID, filter StatusFilter) error {
	restoreRemoteFirst, err := scheduler.Get(ctx, p.sched, func() bool {
		node := p.trees.Propagation.NodeByID(id)
		if node == nil {
			return false
		}
		p.pseudo.Execute(node, optionallySkippingDirectoryDeletion(filter, p.skipLocalDirDeletion || p.skipRemoteDirDeletion))
		return p.restoration.ShouldRestore(node)
	})
	if err != nil {
		return err
	}

	p.skipNode = false

	order := []Replica{Local, Remote}
	if restoreRemoteFirst {
		order = []Replica{Remote, Local}
	}
	for _, r := range order {
		if err := p.propagateReplica(ctx, r, id, filter); err != nil {
			return err
		}
	}

	if p.skipNode {
		return nil
	}
	return p.scheduleFileTransfer(ctx, id)
}

func (p *TreePropagation) propagateReplica(ctx context.Context, r Replica, id tree.NodeID, filter StatusFilter) error {
	if p.skipNode {
		return nil
	}

	skip := p.skipLocalDirDeletion
	propagation := p.local
	if r == Remote {
		skip = p.skipRemoteDirDeletion
		propagation = p.remote
	}

	code, err := propagation.Execute(ctx, id, skippingFileTransfer(optionallySkippingDirectoryDeletion(filter, skip)))
	if err != nil {
		return err
	}

	return p.adjustTraversal(ctx, code)
}

// adjustTraversal skips the remaining work depending on the failure. The other replica
// of a failed node is skipped as well.
func (p *TreePropagation) adjustTraversal(ctx context.Context, code ExecutionResultCode) error {
	if code == Success {
		return nil
	}
	p.skipNode = true

	return p.sched.Schedule(ctx, func() error {
		switch code {
		case Offline:
			p.walker.SkipToRoot()
		case DirtyBranch:
			p.walker.SkipToParent()
		default:
			p.walker.SkipChildren()
		}
		return nil
	})
}

func (p *TreePropagation) scheduleFileTransfer(ctx context.Context, id tree.NodeID) error {
	model, err := scheduler.Get(ctx, p.sched, func() *PropagationModel {
		if node := p.trees.Propagation.NodeByID(id); node != nil {
			m := node.Model()
			return &m
		}
		return nil
	})
	if err != nil || model == nil {
		return err
	}

	for _, r := range []Replica{Remote, Local} {
		if err := p.fileTransfer.Schedule(r, *model); err != nil {
			return err
		}
	}
	return nil
}

// shouldSkipDirectoryDeletion reports whether directory deletion is skipped on both
// replicas. A directory is not deleted on a replica with pending moves, as it might
// still hold the nodes to be moved.
func (p *TreePropagation) shouldSkipDirectoryDeletion() bool {
	p.skipLocalDirDeletion, p.skipRemoteDirDeletion = false, false

	tree.PreOrder(p.trees.Propagation.Root(), func(n *PropagationNode) bool {
		m := n.Model()
		p.skipRemoteDirDeletion = p.skipRemoteDirDeletion || m.RemoteStatus.Contains(Moved)
		p.skipLocalDirDeletion = p.skipLocalDirDeletion || m.LocalStatus.Contains(Moved)
		return !(p.skipLocalDirDeletion && p.skipRemoteDirDeletion)
	})

	switch {
	case p.skipLocalDirDeletion && p.skipRemoteDirDeletion:
		slog.Info("pending moves on both replicas, directory deletion skipped")
		return true
	case p.skipRemoteDirDeletion:
		slog.Info("pending moves on the remote replica, directory deletion skipped", "replica", Remote)
	case p.skipLocalDirDeletion:
		slog.Info("pending moves on the local replica, directory deletion skipped", "replica", Local)
	}
	return false
}
