package engine

import "github.com/openmined/syftsync/internal/tree"

// StatusFilter narrows the status of a propagation node to the part one step should
// propagate.
type StatusFilter func(m PropagationModel, s UpdateStatus) UpdateStatus

// firstPassFilter propagates everything except directory deletion.
func firstPassFilter(m PropagationModel, s UpdateStatus) UpdateStatus {
	if m.Type == tree.Directory {
		return s.Minus(Deleted)
	}
	return s
}

// secondPassFilter propagates directory deletion only.
func secondPassFilter(m PropagationModel, s UpdateStatus) UpdateStatus {
	if m.Type == tree.Directory {
		return s.Intersect(Deleted)
	}
	return Unchanged
}

// fileTransferFilter keeps the content changes of files.
func fileTransferFilter(m PropagationModel, s UpdateStatus) UpdateStatus {
	if m.Type == tree.File && (s.Contains(Created) || s.Contains(Edited)) {
		return s.Intersect(Created | Edited | Restore)
	}
	return Unchanged
}

// skippingFileTransfer drops the content changes of files, they are propagated by the
// file transfer pipeline.
func skippingFileTransfer(origin StatusFilter) StatusFilter {
	return func(m PropagationModel, s UpdateStatus) UpdateStatus {
		s = origin(m, s)
		if m.Type == tree.File && (s.Contains(Created) || s.Contains(Edited)) {
			return s.Minus(Created | Edited)
		}
		return s
	}
}

// optionallySkippingDirectoryDeletion drops directory deletion when skip is set.
func optionallySkippingDirectoryDeletion(origin StatusFilter, skip bool) StatusFilter {
	return func(m PropagationModel, s UpdateStatus) UpdateStatus {
		s = origin(m, s)
		if skip && m.Type == tree.Directory && s.Contains(Deleted) {
			return s.Minus(Deleted)
		}
		return s
	}
}
