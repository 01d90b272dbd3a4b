package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/openmined/syftsync/internal/engine"
	"github.com/openmined/syftsync/internal/fs"
	"github.com/openmined/syftsync/internal/tree"
)

// handleFailure runs on the scheduler. It returns an error only for failures the client
// contract does not describe.
func (a *Adapter) handleFailure(op engine.ExecutableOperation, p prepared, failure error) (engine.ExecutionResult, error) {
	if r := a.resolveNameConflict(op, failure); r != nil {
		a.limiter.HandleFailure(op, r.Code, fs.DuplicateName)
		return *r, nil
	}

	code, err := a.classify(p, failure)
	if err != nil {
		return engine.ExecutionResult{}, err
	}
	a.limiter.HandleFailure(op, code, fs.Code(failure))
	return engine.Result(code), nil
}

// classify maps a failure to a result code and marks the affected nodes dirty.
func (a *Adapter) classify(p prepared, failure error) (engine.ExecutionResultCode, error) {
	if errors.Is(failure, context.Canceled) || errors.Is(failure, context.DeadlineExceeded) {
		return engine.Cancelled, nil
	}

	var revErr *RevisionError
	if errors.As(failure, &revErr) {
		if revErr.Code == fs.LastWriteTimeTooRecent {
			return engine.DirtyNode, nil
		}
		return engine.Error, nil
	}

	var fsErr *fs.Error
	if !errors.As(failure, &fsErr) {
		return 0, fmt.Errorf("unexpected failure: %w", failure)
	}

	switch fsErr.Code {
	case fs.DuplicateName:
		return engine.NameConflict, nil
	case fs.InvalidName, fs.TooManyChildren:
		return engine.Error, nil
	case fs.Offline:
		return engine.Offline, nil
	}

	var failed *Node
	if fsErr.ObjectID != "" {
		failed = a.tree.NodeByAltID(fsErr.ObjectID)
	}
	if failed == nil {
		return engine.Error, nil
	}
	if failed.IsRoot() {
		slog.Error("adapter replica root failed", "replica", a.name, "code", fsErr.Code, "error", fsErr.Err)
		return engine.Error, nil
	}

	branchCode, nodeCode := engine.DirtyBranch, engine.DirtyNode
	if dirtyDestination(p, fsErr.ObjectID) {
		branchCode, nodeCode = engine.DirtyDestination, engine.DirtyDestination
	}

	switch fsErr.Code {
	case fs.DirectoryNotFound:
		// any ancestor might have diverged, the replica root itself is never marked
		parent := failed.Parent()
		if parent.IsRoot() {
			slog.Warn("adapter replica root not found", "replica", a.name, "id", failed.ID(), "error", fsErr.Err)
			return engine.Error, nil
		}
		a.appendDirty(parent.Parent(), DirtyChildren)
		return branchCode, nil
	case fs.PathNotFound, fs.IdentityMismatch, fs.ObjectNotFound:
		a.appendDirty(failed.Parent(), DirtyChildren)
		return branchCode, nil
	case fs.MetadataMismatch:
		a.appendDirty(failed, DirtyAttributes)
		return nodeCode, nil
	case fs.SharingViolation, fs.UnauthorizedAccess, fs.IntegrityFailure:
		return nodeCode, nil
	case fs.Unknown:
		a.appendDirty(failed, DirtyAttributes)
		return engine.Error, nil
	default:
		return engine.Error, nil
	}
}

// dirtyDestination reports whether the failed object belongs to the destination of a
// move rather than to the moved node.
func dirtyDestination(p prepared, objectID string) bool {
	if p.dest == nil || objectID == p.info.ID || objectID == p.info.ParentID {
		return false
	}
	return objectID == p.dest.ID || objectID == p.dest.ParentID
}

// appendDirty sets flags on node. Ancestors of a node that stopped matching the file
// system learn that they hold dirty descendants.
func (a *Adapter) appendDirty(node *Node, flags NodeStatus) {
	m := node.Model()
	if m.Status.Has(flags) {
		return
	}
	m.Status |= flags
	a.tree.Execute(tree.NewOperation(tree.Update, m))
	slog.Debug("adapter node dirty", "replica", a.name, "id", node.ID(), "status", m.Status)

	if !flags.HasAny(DirtyNodeMask | DirtyChildren) {
		return
	}
	for _, ancestor := range node.FromParentToRoot() {
		am := ancestor.Model()
		if am.Status.Has(DirtyDescendants) {
			break
		}
		am.Status |= DirtyDescendants
		a.tree.Execute(tree.NewOperation(tree.Update, am))
	}
}

// resolveNameConflict finds the node occupying the name a Create or Move failed on.
// It returns nil when failure is not a name collision.
func (a *Adapter) resolveNameConflict(op engine.ExecutableOperation, failure error) *engine.ExecutionResult {
	if op.Type != tree.Create && op.Type != tree.Move {
		return nil
	}
	var revErr *RevisionError
	if errors.As(failure, &revErr) || fs.Code(failure) != fs.DuplicateName {
		return nil
	}

	node := a.tree.NodeByID(op.Model.ID)
	parent := a.tree.NodeByID(op.Model.ParentID)
	if r := a.branchIsDirty(op, node, parent); r != nil {
		return r
	}
	if r := a.destinationBranchIsDirty(op, node, parent); r != nil {
		return r
	}
	if parent == nil {
		if op.Type == tree.Move {
			return outcome(engine.DirtyDestination)
		}
		return outcome(engine.DirtyBranch)
	}

	for _, n := range parent.ChildrenByName(op.Model.Name) {
		if n.ID() != op.Model.ID && !n.Model().Status.IsLostOrDeleted() {
			return &engine.ExecutionResult{Code: engine.NameConflict, ConflictingID: n.ID()}
		}
	}
	// the occupant is not known yet
	a.appendDirty(parent, DirtyChildren)
	return outcome(engine.NameConflict)
}
