package tree

import (
	"slices"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// Node is a handle to a node stored in a Tree arena. The parent is referenced by id,
// children by a set of ids.
type Node[M Model[M]] struct {
	tree     *Tree[M]
	model    M
	children mapset.Set[NodeID]
}

func (n *Node[M]) ID() NodeID {
	return n.model.Base().ID
}

func (n *Node[M]) Model() M {
	return n.model
}

func (n *Node[M]) Name() string {
	return n.model.Base().Name
}

func (n *Node[M]) Type() NodeType {
	return n.model.Base().Type
}

func (n *Node[M]) ParentID() NodeID {
	return n.model.Base().ParentID
}

func (n *Node[M]) IsRoot() bool {
	return n == n.tree.root
}

func (n *Node[M]) IsLeaf() bool {
	return n.children.Cardinality() == 0
}

func (n *Node[M]) IsDirectory() bool {
	return n.Type() == Directory
}

// Parent returns nil for the root.
func (n *Node[M]) Parent() *Node[M] {
	if n.IsRoot() {
		return nil
	}
	return n.tree.nodes[n.ParentID()]
}

// ChildIDs returns the ids of the children in ascending order.
func (n *Node[M]) ChildIDs() []NodeID {
	ids := n.children.ToSlice()
	slices.Sort(ids)
	return ids
}

// Children returns the children in ascending id order.
func (n *Node[M]) Children() []*Node[M] {
	ids := n.ChildIDs()
	children := make([]*Node[M], 0, len(ids))
	for _, id := range ids {
		children = append(children, n.tree.nodes[id])
	}
	return children
}

// ChildrenByName returns the children having the given name. A tree does not enforce
// name uniqueness, so there might be more than one.
func (n *Node[M]) ChildrenByName(name string) []*Node[M] {
	var result []*Node[M]
	for _, child := range n.Children() {
		if child.Name() == name {
			result = append(result, child)
		}
	}
	return result
}

// FromNodeToRoot returns the node followed by all its ancestors, root included.
func (n *Node[M]) FromNodeToRoot() []*Node[M] {
	var path []*Node[M]
	for node := n; node != nil; node = node.Parent() {
		path = append(path, node)
	}
	return path
}

// FromParentToRoot returns all ancestors of the node, root included.
func (n *Node[M]) FromParentToRoot() []*Node[M] {
	if n.IsRoot() {
		return nil
	}
	return n.Parent().FromNodeToRoot()
}

// IsDescendantOf reports whether ancestor appears on the path from the parent to the root.
func (n *Node[M]) IsDescendantOf(ancestor *Node[M]) bool {
	for node := n.Parent(); node != nil; node = node.Parent() {
		if node == ancestor {
			return true
		}
	}
	return false
}

// Path returns the slash separated path from the root, the root excluded.
func (n *Node[M]) Path() string {
	var names []string
	for node := n; node != nil && !node.IsRoot(); node = node.Parent() {
		names = append(names, node.Name())
	}
	slices.Reverse(names)
	return strings.Join(names, "/")
}
