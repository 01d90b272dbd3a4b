package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/openmined/syftsync/internal/fs"
	"github.com/openmined/syftsync/internal/scheduler"
	"github.com/openmined/syftsync/internal/tree"
)

// RevisionError is a failure to read the source of a transfer. It never marks nodes of
// the destination replica dirty.
type RevisionError struct {
	Code fs.ErrorCode
	Err  error
}

func (e *RevisionError) Error() string {
	return fmt.Sprintf("revision %s: %v", e.Code, e.Err)
}

func (e *RevisionError) Unwrap() error {
	return e.Err
}

// OpenRevision opens the content of file id, provided it still has the expected size
// and write time.
func (a *Adapter) OpenRevision(ctx context.Context, id tree.NodeID, expected tree.NodeModel) (fs.Revision, error) {
	info, err := scheduler.Call(ctx, a.sched, func() (fs.NodeInfo, error) {
		node := a.tree.NodeByID(id)
		if node == nil || node.IsDirectory() {
			return fs.NodeInfo{}, &RevisionError{Code: fs.ObjectNotFound, Err: fmt.Errorf("%s file id=%d not found", a.name, id)}
		}
		m := node.Model()
		if m.Status.HasAny(DirtyNodeMask) {
			return fs.NodeInfo{}, &RevisionError{Code: fs.MetadataMismatch, Err: fmt.Errorf("%s file id=%d is %s", a.name, id, m.Status)}
		}
		if !a.versions.Map(m.NodeModel).ContentEqual(expected) {
			return fs.NodeInfo{}, &RevisionError{Code: fs.MetadataMismatch, Err: fmt.Errorf("%s file id=%d changed", a.name, id)}
		}
		return toNodeInfo(node), nil
	})
	if err != nil {
		return nil, err
	}

	if a.minFileAge > 0 && a.now().Sub(info.LastWriteTime) < a.minFileAge {
		return nil, &RevisionError{Code: fs.LastWriteTimeTooRecent, Err: fmt.Errorf("%s file %q written at %s", a.name, info.Path, info.LastWriteTime)}
	}

	if err := a.client.Hydrate(ctx, info); err != nil {
		return nil, revisionError(err)
	}
	rev, err := a.client.OpenFile(ctx, info)
	if err != nil {
		return nil, revisionError(err)
	}
	return rev, nil
}

func revisionError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &RevisionError{Code: fs.Code(err), Err: err}
}
