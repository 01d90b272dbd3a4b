package engine

import (
	"fmt"
	"strings"
)

// UpdateStatus is the set of changes a node went through relative to the synced tree.
type UpdateStatus uint8

const (
	Unchanged UpdateStatus = 0
	Created   UpdateStatus = 1 << (iota - 1)
	Edited
	Renamed
	Moved
	Deleted
	Restore

	RenamedAndMoved = Renamed | Moved
)

var statusNames = []struct {
	status UpdateStatus
	name   string
}{
	{Created, "created"},
	{Edited, "edited"},
	{Renamed, "renamed"},
	{Moved, "moved"},
	{Deleted, "deleted"},
	{Restore, "restore"},
}

func (s UpdateStatus) String() string {
	if s == Unchanged {
		return "unchanged"
	}
	var parts []string
	for _, n := range statusNames {
		if s&n.status != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Contains reports whether all bits of o are set. Asking for Unchanged is a programming
// error.
func (s UpdateStatus) Contains(o UpdateStatus) bool {
	if o == Unchanged {
		panic(fmt.Errorf("update status %s: contains unchanged", s))
	}
	if s == Unchanged {
		return false
	}
	return s&o == o
}

// Intersect keeps the bits of s present in o. Restore travels with Created and Deleted.
func (s UpdateStatus) Intersect(o UpdateStatus) UpdateStatus {
	if o&(Deleted|Created) != 0 {
		o |= Restore
	}
	return s & o
}

// Minus clears the bits of o from s. Restore is cleared together with Created and Deleted.
func (s UpdateStatus) Minus(o UpdateStatus) UpdateStatus {
	if o&(Deleted|Created) != 0 {
		o |= Restore
	}
	return s &^ o
}

// Union combines two statuses. Created followed by Deleted cancels out, Deleted
// absorbs any earlier change. Deleted followed by a change or a second Created is a
// programming error.
func (s UpdateStatus) Union(o UpdateStatus) UpdateStatus {
	switch {
	case s == o:
		return s
	case s == Unchanged:
		return o
	case o == Unchanged:
		return s
	case s.Contains(Created) && o.Contains(Deleted):
		return Unchanged
	case o.Contains(Deleted):
		return o
	case s.Contains(Created):
		return s
	case o.Contains(Created) || s.Contains(Deleted):
		panic(fmt.Errorf("update status %s: cannot union with %s", s, o))
	default:
		return s | o
	}
}

// Split returns the individual change bits of s. Restore is not a change on its own.
func (s UpdateStatus) Split() []UpdateStatus {
	var result []UpdateStatus
	for _, n := range statusNames {
		if n.status != Restore && s&n.status != 0 {
			result = append(result, n.status)
		}
	}
	return result
}

// Statuses returns the atomic statuses to propagate one at a time. Renamed and Moved
// stay together, so a rename combined with a move is a single Move operation.
func Statuses(s UpdateStatus) []UpdateStatus {
	renamedAndMoved := s.Intersect(RenamedAndMoved)

	var result []UpdateStatus
	if renamedAndMoved != Unchanged {
		result = append(result, renamedAndMoved)
	}
	return append(result, s.Minus(renamedAndMoved).Split()...)
}

// Extended widens Created to every status a creation carries implicitly.
func Extended(s UpdateStatus) UpdateStatus {
	if s.Contains(Created) {
		return Created | Edited | RenamedAndMoved
	}
	return s
}
