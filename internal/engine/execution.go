package engine

import (
	"context"
	"fmt"

	"github.com/openmined/syftsync/internal/tree"
)

// Replica is one side of the synchronization.
type Replica uint8

const (
	Local Replica = iota
	Remote
)

func (r Replica) Other() Replica {
	if r == Local {
		return Remote
	}
	return Local
}

func (r Replica) String() string {
	if r == Local {
		return "local"
	}
	return "remote"
}

type ExecutionResultCode uint8

const (
	Success ExecutionResultCode = iota
	NameConflict
	DirtyNode
	DirtyBranch
	DirtyDestination
	Offline
	Cancelled
	Error
	SkippedInternally
	AccessRateLimitExceeded
)

func (c ExecutionResultCode) String() string {
	switch c {
	case Success:
		return "success"
	case NameConflict:
		return "name-conflict"
	case DirtyNode:
		return "dirty-node"
	case DirtyBranch:
		return "dirty-branch"
	case DirtyDestination:
		return "dirty-destination"
	case Offline:
		return "offline"
	case Cancelled:
		return "cancelled"
	case Error:
		return "error"
	case SkippedInternally:
		return "skipped-internally"
	case AccessRateLimitExceeded:
		return "access-rate-limit-exceeded"
	default:
		return fmt.Sprintf("ExecutionResultCode(%d)", uint8(c))
	}
}

// IsSkip reports whether the code means the operation was not attempted or was
// postponed, as opposed to failed.
func (c ExecutionResultCode) IsSkip() bool {
	switch c {
	case DirtyBranch, DirtyNode, DirtyDestination, Offline, SkippedInternally, AccessRateLimitExceeded, Cancelled:
		return true
	default:
		return false
	}
}

// ExecutionResult is the outcome of one adapter operation. ConflictingID names the
// node occupying the destination name on NameConflict, zero when unknown.
type ExecutionResult struct {
	Code          ExecutionResultCode
	ConflictingID tree.NodeID
}

func Result(code ExecutionResultCode) ExecutionResult {
	return ExecutionResult{Code: code}
}

func (r ExecutionResult) Succeeded() bool {
	return r.Code == Success
}

// OperationModel is a node model in the ids of the replica it is sent to. AltID is the
// id of the same node on the other replica, zero when unknown.
type OperationModel struct {
	tree.NodeModel
	AltID tree.NodeID `json:"alt_id"`
}

func (m OperationModel) WithBase(b tree.NodeModel) OperationModel {
	m.NodeModel = b
	return m
}

// ExecutableOperation is the unit of work sent to an adapter. Type is one of Create,
// Edit, Move and Delete.
type ExecutableOperation struct {
	Type   tree.OperationType
	Model  OperationModel
	Backup bool
}

func (o ExecutableOperation) String() string {
	return fmt.Sprintf("%s id=%d parent=%d name=%q", o.Type, o.Model.ID, o.Model.ParentID, o.Model.Name)
}

// SyncAdapter executes operations on one replica. A returned error is an unexpected
// fault; every expected outcome is reported through the result code.
type SyncAdapter interface {
	ExecuteOperation(ctx context.Context, op ExecutableOperation) (ExecutionResult, error)
}
