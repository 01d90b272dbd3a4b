package adapter

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openmined/syftsync/internal/engine"
	"github.com/openmined/syftsync/internal/fs"
	"github.com/openmined/syftsync/internal/tree"
)

// prepared is an operation translated into client terms.
type prepared struct {
	info fs.NodeInfo
	// dest is the new location of a moved node.
	dest *fs.NodeInfo
	// branch holds the known content of a deleted directory by client id.
	branch map[string]Model
}

// prepare runs on the scheduler after the preconditions passed.
func (a *Adapter) prepare(op engine.ExecutableOperation) (prepared, error) {
	switch op.Type {
	case tree.Create:
		parent := a.tree.NodeByID(op.Model.ParentID)
		info := childInfo(parent, op.Model.Name)
		info.IsDir = op.Model.IsDirectory()
		return prepared{info: info}, nil

	case tree.Edit:
		node := a.tree.NodeByID(op.Model.ID)
		if node.IsDirectory() {
			return prepared{}, fmt.Errorf("edit of directory id=%d", op.Model.ID)
		}
		info := toNodeInfo(node)
		info.Backup = op.Backup
		return prepared{info: info}, nil

	case tree.Move:
		node := a.tree.NodeByID(op.Model.ID)
		info := toNodeInfo(node)
		dest := childInfo(a.tree.NodeByID(op.Model.ParentID), op.Model.Name)
		dest.ID = info.ID
		dest.IsDir = info.IsDir
		dest.Size = info.Size
		dest.LastWriteTime = info.LastWriteTime
		return prepared{info: info, dest: &dest}, nil

	case tree.Delete:
		node := a.tree.NodeByID(op.Model.ID)
		p := prepared{info: toNodeInfo(node)}
		if node.IsDirectory() {
			p.branch = make(map[string]Model)
			tree.PreOrder(node, func(n *Node) bool {
				p.branch[n.Model().AltID] = n.Model()
				return true
			})
		}
		return p, nil

	default:
		return prepared{}, fmt.Errorf("unsupported operation %s", op.Type)
	}
}

// run performs the client calls of op. It returns the state of the node afterwards.
func (a *Adapter) run(ctx context.Context, op engine.ExecutableOperation, p prepared) (fs.NodeInfo, error) {
	var (
		final fs.NodeInfo
		err   error
	)
	switch op.Type {
	case tree.Create:
		if p.info.IsDir {
			final, err = a.client.CreateDirectory(ctx, p.info)
		} else {
			final, err = a.transfer(ctx, op, func(rev fs.Revision) (fs.RevisionCreationProcess, error) {
				return a.client.CreateFile(ctx, p.info, tempName(op), rev)
			})
		}
	case tree.Edit:
		final, err = a.transfer(ctx, op, func(rev fs.Revision) (fs.RevisionCreationProcess, error) {
			return a.client.CreateRevision(ctx, p.info, tempName(op), rev)
		})
	case tree.Move:
		err = a.client.Move(ctx, p.info, *p.dest)
		final = *p.dest
	case tree.Delete:
		if p.info.IsDir {
			err = a.verifyBranch(ctx, p.info, p.branch)
		}
		if err == nil {
			err = a.client.Delete(ctx, p.info)
		}
		return p.info, err
	}
	if err != nil {
		return fs.NodeInfo{}, err
	}

	if err := a.client.SetInSyncState(ctx, final); err != nil {
		slog.Debug("adapter in sync state", "replica", a.name, "path", final.Path, "error", err)
	}
	return final, nil
}

// transfer copies the content op refers to from the source replica.
func (a *Adapter) transfer(ctx context.Context, op engine.ExecutableOperation, start func(fs.Revision) (fs.RevisionCreationProcess, error)) (fs.NodeInfo, error) {
	if a.source == nil {
		return fs.NodeInfo{}, ErrNoRevisionSource
	}

	rev, err := a.source.OpenRevision(ctx, op.Model.AltID, op.Model.NodeModel)
	if err != nil {
		return fs.NodeInfo{}, err
	}
	defer rev.Close()

	process, err := start(rev)
	if err != nil {
		return fs.NodeInfo{}, err
	}
	defer process.Close()

	return process.Finish(ctx)
}

// verifyBranch makes sure a directory holds nothing the adapter does not know before
// it is deleted. Ignored entries do not count.
func (a *Adapter) verifyBranch(ctx context.Context, dir fs.NodeInfo, known map[string]Model) error {
	for info, err := range a.client.Enumerate(ctx, dir) {
		if err != nil {
			return err
		}
		if a.ignore != nil && a.ignore.ShouldIgnore(info.Path, info.IsDir) {
			continue
		}

		m, ok := known[info.ID]
		switch {
		case !ok, m.Name != info.Name, m.IsDirectory() != info.IsDir:
			return fs.NewError(fs.MetadataMismatch, dir.ID, fmt.Errorf("unknown entry %q", info.Path))
		case !info.IsDir && !m.ContentEqual(tree.NodeModel{Size: info.Size, LastWriteTime: info.LastWriteTime}):
			return fs.NewError(fs.MetadataMismatch, dir.ID, fmt.Errorf("changed entry %q", info.Path))
		}

		if info.IsDir {
			if err := a.verifyBranch(ctx, info, known); err != nil {
				return err
			}
		}
	}
	return nil
}

func tempName(op engine.ExecutableOperation) string {
	return fs.TempName(op.Model.ID.String())
}

// handleSuccess runs on the scheduler.
func (a *Adapter) handleSuccess(ctx context.Context, op engine.ExecutableOperation, final fs.NodeInfo) engine.ExecutionResult {
	a.limiter.HandleSuccess(ctx, op)
	if r := a.checkBeforeApplying(op); r != nil {
		return *r
	}
	a.apply(op, final)
	return engine.Result(engine.Success)
}

// checkBeforeApplying catches tree changes made while the client call was running.
func (a *Adapter) checkBeforeApplying(op engine.ExecutableOperation) *engine.ExecutionResult {
	node := a.tree.NodeByID(op.Model.ID)
	switch op.Type {
	case tree.Create:
		if node != nil {
			return outcome(engine.Success)
		}
		if parent := a.tree.NodeByID(op.Model.ParentID); parent == nil || !parent.IsDirectory() {
			return outcome(engine.DirtyBranch)
		}
	case tree.Delete:
		if node == nil {
			return outcome(engine.Success)
		}
	default:
		if node == nil {
			return outcome(engine.DirtyBranch)
		}
		if op.Type == tree.Move && node.ParentID() != op.Model.ParentID {
			parent := a.tree.NodeByID(op.Model.ParentID)
			if parent == nil || !parent.IsDirectory() || parent == node || parent.IsDescendantOf(node) {
				return outcome(engine.DirtyDestination)
			}
		}
	}
	return nil
}

// apply mirrors a successful operation in the tree.
func (a *Adapter) apply(op engine.ExecutableOperation, final fs.NodeInfo) {
	switch op.Type {
	case tree.Create:
		m := Model{
			NodeModel: tree.NodeModel{
				ID:       op.Model.ID,
				ParentID: op.Model.ParentID,
				Name:     op.Model.Name,
				Type:     op.Model.Type,
			},
			AltID: final.ID,
		}
		if m.Type == tree.File {
			m.Size = final.Size
			m.LastWriteTime = final.LastWriteTime
		}
		a.dropStale(final.ID)
		a.tree.Execute(tree.NewOperation(tree.Create, m))
		if m.Type == tree.File {
			a.versions.Add(op.Model.ID, op.Model.NodeModel, m.NodeModel)
		}

	case tree.Edit:
		m := a.tree.NodeByID(op.Model.ID).Model()
		m.Size = final.Size
		m.LastWriteTime = final.LastWriteTime
		if final.ID != "" && final.ID != m.AltID {
			a.dropStale(final.ID)
			m.AltID = final.ID
		}
		a.tree.Execute(tree.NewOperation(tree.Edit, m))
		a.versions.Add(op.Model.ID, op.Model.NodeModel, m.NodeModel)

	case tree.Move:
		m := a.tree.NodeByID(op.Model.ID).Model()
		m.ParentID = op.Model.ParentID
		m.Name = op.Model.Name
		a.tree.Execute(tree.NewOperation(tree.Move, m))

	case tree.Delete:
		a.tree.Execute(tree.NewOperation(tree.Delete, a.tree.NodeByID(op.Model.ID).Model()))
		a.versions.Remove(op.Model.ID)
	}
}

// dropStale unlinks a client id reused by the file system from the node still holding
// it, which then waits for the next enumeration.
func (a *Adapter) dropStale(altID string) {
	n := a.tree.NodeByAltID(altID)
	if n == nil || n.IsRoot() {
		return
	}
	m := n.Model()
	m.AltID = ""
	m.Status |= DirtyDeleted
	a.tree.Execute(tree.NewOperation(tree.Update, m))
}
