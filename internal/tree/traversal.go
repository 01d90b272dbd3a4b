package tree

// Walker is a passive depth-first traversal: the caller pulls nodes one at a time with
// Next and may mutate the tree between calls. The walker only keeps node ids, children
// are read when the walk first descends into a node, so children added while a node is
// being visited are still walked.
//
// Nodes are returned in pre-order. The starting node is not returned.
type Walker[M Model[M]] struct {
	tree    *Tree[M]
	stack   []walkFrame
	include func(*Node[M]) bool
	post    func(*Node[M])
}

type walkFrame struct {
	id       NodeID
	children []NodeID
	loaded   bool
	next     int
}

// NewWalker starts a walk below start. include filters the returned nodes, nodes that
// are not included are still descended into. post, when set, is called for every
// node below start once the walk leaves it.
func NewWalker[M Model[M]](t *Tree[M], start *Node[M], include func(*Node[M]) bool, post func(*Node[M])) *Walker[M] {
	return &Walker[M]{
		tree:    t,
		stack:   []walkFrame{{id: start.ID()}},
		include: include,
		post:    post,
	}
}

// Next returns the next node or nil when the walk is over.
func (w *Walker[M]) Next() *Node[M] {
	for len(w.stack) > 0 {
		top := &w.stack[len(w.stack)-1]
		node := w.tree.NodeByID(top.id)
		if node == nil {
			// removed while walking
			w.stack = w.stack[:len(w.stack)-1]
			continue
		}

		if !top.loaded {
			top.children = node.ChildIDs()
			top.loaded = true
		}

		if top.next >= len(top.children) {
			w.stack = w.stack[:len(w.stack)-1]
			if len(w.stack) > 0 && w.post != nil {
				w.post(node)
			}
			continue
		}

		childID := top.children[top.next]
		top.next++

		child := w.tree.NodeByID(childID)
		if child == nil || child.ParentID() != node.ID() {
			continue
		}

		w.stack = append(w.stack, walkFrame{id: childID})
		if w.include == nil || w.include(child) {
			return child
		}
	}
	return nil
}

// SkipChildren prevents descending into the children of the node returned last.
func (w *Walker[M]) SkipChildren() {
	if len(w.stack) < 2 {
		return
	}
	top := &w.stack[len(w.stack)-1]
	top.loaded = true
	top.children = nil
}

// SkipToParent skips the children and the remaining siblings of the node returned
// last. The walk continues after its parent.
func (w *Walker[M]) SkipToParent() {
	w.SkipChildren()
	if len(w.stack) < 3 {
		return
	}
	parent := &w.stack[len(w.stack)-2]
	parent.next = len(parent.children)
}

// SkipToRoot ends the walk.
func (w *Walker[M]) SkipToRoot() {
	w.stack = w.stack[:0]
}

// PreOrder visits all nodes below start in pre-order, start excluded. The walk stops
// as soon as visit returns false; PreOrder then returns false as well.
func PreOrder[M Model[M]](start *Node[M], visit func(*Node[M]) bool) bool {
	for _, child := range start.Children() {
		if !visit(child) || !PreOrder(child, visit) {
			return false
		}
	}
	return true
}
