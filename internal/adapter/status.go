package adapter

import (
	"strings"
)

// NodeStatus holds the dirty flags of an adapter tree node. A dirty node no longer
// reliably matches the file system and waits for the next enumeration.
type NodeStatus uint16

const (
	// DirtyPlaceholder: a node known to exist whose type and attributes are unknown.
	DirtyPlaceholder NodeStatus = 1 << iota
	// DirtyAttributes: the attributes changed in the file system.
	DirtyAttributes
	// DirtyParent: the node was moved to an unknown parent.
	DirtyParent
	// DirtyDeleted: the node was deleted from the file system.
	DirtyDeleted
	// DirtyChildren: the directory might hold unknown children.
	DirtyChildren
	// DirtyDescendants: a node below the directory is dirty.
	DirtyDescendants

	DirtyNodeMask = DirtyPlaceholder | DirtyAttributes | DirtyParent | DirtyDeleted
	DirtyMask     = DirtyNodeMask | DirtyChildren | DirtyDescendants
)

func (s NodeStatus) Has(flags NodeStatus) bool {
	return s&flags == flags
}

func (s NodeStatus) HasAny(flags NodeStatus) bool {
	return s&flags != 0
}

func (s NodeStatus) IsLostOrDeleted() bool {
	return s.HasAny(DirtyParent | DirtyDeleted)
}

func (s NodeStatus) String() string {
	if s == 0 {
		return "none"
	}
	names := []struct {
		flag NodeStatus
		name string
	}{
		{DirtyPlaceholder, "placeholder"},
		{DirtyAttributes, "attributes"},
		{DirtyParent, "parent"},
		{DirtyDeleted, "deleted"},
		{DirtyChildren, "children"},
		{DirtyDescendants, "descendants"},
	}
	var parts []string
	for _, n := range names {
		if s.Has(n.flag) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}
