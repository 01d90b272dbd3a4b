package fs

import (
	"context"
	"io"
	"iter"
	"time"
)

// NodeInfo describes a file system object as seen by a Client. ID and ParentID are
// client specific identities, Path is slash separated and relative to the client root.
// The root itself has an empty Path.
type NodeInfo struct {
	ID            string    `json:"id,omitempty"`
	ParentID      string    `json:"parent_id,omitempty"`
	Path          string    `json:"path"`
	Name          string    `json:"name"`
	IsDir         bool      `json:"is_dir"`
	Size          int64     `json:"size,omitempty"`
	LastWriteTime time.Time `json:"last_write_time,omitempty"`
	RevisionID    string    `json:"revision_id,omitempty"`

	// Backup asks CreateRevision to keep the overwritten content under a conflict name.
	Backup bool `json:"-"`
}

func (i NodeInfo) IsRoot() bool {
	return i.Path == ""
}

// Revision is a readable snapshot of file content.
type Revision interface {
	io.ReadCloser
	Size() int64
	LastWriteTime() time.Time
}

// RevisionCreationProcess is a file transfer in progress. The content stays invisible
// until Finish succeeds. Close discards an unfinished transfer.
type RevisionCreationProcess interface {
	Finish(ctx context.Context) (NodeInfo, error)
	Close() error
}

// Client accesses one replica. Every method fails with *Error for expected file system
// failures.
type Client interface {
	// GetInfo returns the current state of the object at info.Path. When info.ID is set
	// the identity must match.
	GetInfo(ctx context.Context, info NodeInfo) (NodeInfo, error)

	// Enumerate lists the children of a directory. Every call starts over.
	Enumerate(ctx context.Context, dir NodeInfo) iter.Seq2[NodeInfo, error]

	// OpenFile opens the content of the file info for reading.
	OpenFile(ctx context.Context, info NodeInfo) (Revision, error)

	CreateDirectory(ctx context.Context, info NodeInfo) (NodeInfo, error)

	// CreateFile starts writing a new file from content. tempName is the hidden name
	// used until the transfer is finished.
	CreateFile(ctx context.Context, info NodeInfo, tempName string, content Revision) (RevisionCreationProcess, error)

	// CreateRevision starts replacing the content of the existing file info.
	CreateRevision(ctx context.Context, info NodeInfo, tempName string, content Revision) (RevisionCreationProcess, error)

	// Move renames or moves info to dest. dest.ParentID names the destination directory.
	Move(ctx context.Context, info NodeInfo, dest NodeInfo) error

	// Delete removes info, keeping it recoverable where the client supports it.
	Delete(ctx context.Context, info NodeInfo) error
	DeletePermanently(ctx context.Context, info NodeInfo) error

	// DeleteRevision drops leftovers of unfinished transfers of info.
	DeleteRevision(ctx context.Context, info NodeInfo) error

	// Hydrate makes the content of info locally available.
	Hydrate(ctx context.Context, info NodeInfo) error

	// SetInSyncState marks info as synchronized.
	SetInSyncState(ctx context.Context, info NodeInfo) error
}
