package engine

import (
	"fmt"

	"github.com/openmined/syftsync/internal/tree"
)

func operationType(status UpdateStatus) tree.OperationType {
	switch status {
	case Created:
		return tree.Create
	case Edited:
		return tree.Edit
	case Renamed, Moved, RenamedAndMoved:
		return tree.Move
	case Deleted:
		return tree.Delete
	default:
		panic(fmt.Errorf("update status %s has no operation", status))
	}
}

// newOperation builds the operation propagating a single status. model carries the
// desired state, original the current state on the replica; original is required for
// everything but Create.
func newOperation(model OperationModel, original *tree.NodeModel, status UpdateStatus, backup bool) ExecutableOperation {
	typ := operationType(status)
	if typ != tree.Create && original == nil {
		panic(fmt.Errorf("%s operation id=%d: original node model is missing", typ, model.ID))
	}

	var result OperationModel
	switch typ {
	case tree.Create:
		result = model
	case tree.Edit:
		result = OperationModel{
			NodeModel: original.WithAttributesFrom(model.NodeModel),
			AltID:     model.AltID,
		}
	case tree.Move:
		base := *original
		if status.Contains(Renamed) {
			base.Name = model.Name
		}
		if status.Contains(Moved) {
			base.ParentID = model.ParentID
		}
		result = OperationModel{NodeModel: base, AltID: model.AltID}
	case tree.Delete:
		result = OperationModel{NodeModel: *original, AltID: model.AltID}
	}

	return ExecutableOperation{
		Type:   typ,
		Model:  result,
		Backup: backup && typ == tree.Edit,
	}
}
