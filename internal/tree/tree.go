package tree

import (
	"errors"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
)

var (
	ErrNodeNotFound   = errors.New("tree node does not exist")
	ErrNodeExists     = errors.New("tree node already exists")
	ErrParentNotFound = errors.New("tree parent node does not exist")
	ErrNotDirectory   = errors.New("tree parent node is not a directory")
	ErrCyclicMove     = errors.New("tree node cannot be moved into its own descendant")
	ErrRootOperation  = errors.New("tree root cannot be altered")
	ErrTypeMismatch   = errors.New("tree node type cannot change")
)

// Error describes a violated tree invariant. Trees panic with *Error; the scheduler
// owning the tree turns the panic back into an error.
type Error struct {
	Op  OperationType
	ID  NodeID
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("tree %s id=%d: %v", e.Op, e.ID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Change is reported to observers after an operation is applied. Old is nil for
// Create, New is nil for Delete.
type Change[M Model[M]] struct {
	Type OperationType
	Old  *M
	New  *M
}

// Observer receives tree changes.
type Observer[M Model[M]] func(Change[M])

// AltKeyFunc extracts the secondary index key of a model. ok=false keeps the model out
// of the index.
type AltKeyFunc[M Model[M]] func(M) (key any, ok bool)

// Tree is an arena of nodes indexed by NodeID. It is not safe for concurrent use;
// every tree is owned by a single scheduler.
type Tree[M Model[M]] struct {
	nodes     map[NodeID]*Node[M]
	root      *Node[M]
	altKey    AltKeyFunc[M]
	alt       map[any]NodeID
	observers []Observer[M]
}

type Option[M Model[M]] func(*Tree[M])

// WithAltIndex maintains a secondary index used by NodeByAltID.
func WithAltIndex[M Model[M]](key AltKeyFunc[M]) Option[M] {
	return func(t *Tree[M]) {
		t.altKey = key
		t.alt = make(map[any]NodeID)
	}
}

// New creates a tree holding only the root node built from root.
func New[M Model[M]](root M, opts ...Option[M]) *Tree[M] {
	t := &Tree[M]{
		nodes: make(map[NodeID]*Node[M]),
	}
	for _, opt := range opts {
		opt(t)
	}

	base := root.Base()
	base.ID = RootID
	base.ParentID = RootID
	base.Type = Directory
	t.root = t.newNode(root.WithBase(base))
	t.nodes[RootID] = t.root
	t.index(t.root.model)

	return t
}

func (t *Tree[M]) newNode(m M) *Node[M] {
	return &Node[M]{tree: t, model: m, children: mapset.NewThreadUnsafeSet[NodeID]()}
}

func (t *Tree[M]) Root() *Node[M] {
	return t.root
}

// Len returns the number of nodes, the root excluded.
func (t *Tree[M]) Len() int {
	return len(t.nodes) - 1
}

// NodeByID returns nil when the node does not exist.
func (t *Tree[M]) NodeByID(id NodeID) *Node[M] {
	return t.nodes[id]
}

// NodeByAltID looks the node up in the secondary index. It returns nil when the tree
// has no index or the key is unknown.
func (t *Tree[M]) NodeByAltID(key any) *Node[M] {
	if t.alt == nil {
		return nil
	}
	id, ok := t.alt[key]
	if !ok {
		return nil
	}
	return t.nodes[id]
}

// Observe registers fn to be called after every applied operation.
func (t *Tree[M]) Observe(fn Observer[M]) {
	t.observers = append(t.observers, fn)
}

// Execute applies the operations in order.
func (t *Tree[M]) Execute(ops ...Operation[M]) {
	for _, op := range ops {
		t.apply(op)
	}
}

// Models returns the models of all nodes in pre-order, the root excluded. Loading
// them back in the same order recreates the tree.
func (t *Tree[M]) Models() []M {
	models := make([]M, 0, t.Len())
	var walk func(n *Node[M])
	walk = func(n *Node[M]) {
		for _, child := range n.Children() {
			models = append(models, child.model)
			walk(child)
		}
	}
	walk(t.root)
	return models
}

// Clear removes all nodes except the root.
func (t *Tree[M]) Clear() {
	for _, child := range t.root.Children() {
		t.apply(Operation[M]{Type: Delete, Model: child.model})
	}
}

// Load replaces the content of the tree with models given in pre-order.
func (t *Tree[M]) Load(root M, models []M) {
	t.Clear()
	base := root.Base()
	base.ID, base.ParentID, base.Type = RootID, RootID, Directory
	t.unindex(t.root.model)
	t.root.model = root.WithBase(base)
	t.index(t.root.model)
	for _, m := range models {
		t.apply(Operation[M]{Type: Create, Model: m})
	}
}

func (t *Tree[M]) apply(op Operation[M]) {
	id := op.Model.Base().ID
	node := t.nodes[id]

	var old *M
	if node != nil {
		m := node.model
		old = &m
	}

	switch op.Type {
	case Create:
		if node != nil {
			panic(&Error{Op: op.Type, ID: id, Err: ErrNodeExists})
		}
		node = t.create(op.Model)
	case Update:
		t.mustModify(op.Type, node, id)
		cur := node.model.Base()
		t.setModel(node, op.Model.WithBase(cur))
	case Edit:
		t.mustModify(op.Type, node, id)
		base := op.Model.Base()
		cur := node.model.Base()
		base = base.WithLinkFrom(cur)
		base.ID, base.Type = cur.ID, cur.Type
		t.setModel(node, op.Model.WithBase(base))
	case Move:
		t.mustModify(op.Type, node, id)
		t.move(node, op.Model)
	case Delete:
		t.mustModify(op.Type, node, id)
		t.delete(node)
		return
	default:
		panic(&Error{Op: op.Type, ID: id, Err: fmt.Errorf("unknown operation")})
	}

	m := node.model
	t.notify(Change[M]{Type: op.Type, Old: old, New: &m})
}

func (t *Tree[M]) mustModify(op OperationType, node *Node[M], id NodeID) {
	if node == nil {
		panic(&Error{Op: op, ID: id, Err: ErrNodeNotFound})
	}
	if node.IsRoot() && op != Update {
		panic(&Error{Op: op, ID: id, Err: ErrRootOperation})
	}
}

func (t *Tree[M]) directory(op OperationType, id, parentID NodeID) *Node[M] {
	parent := t.nodes[parentID]
	if parent == nil {
		panic(&Error{Op: op, ID: id, Err: fmt.Errorf("%w: parent id=%d", ErrParentNotFound, parentID)})
	}
	if !parent.IsDirectory() {
		panic(&Error{Op: op, ID: id, Err: fmt.Errorf("%w: parent id=%d", ErrNotDirectory, parentID)})
	}
	return parent
}

func (t *Tree[M]) create(m M) *Node[M] {
	base := m.Base()
	if base.ID == RootID {
		panic(&Error{Op: Create, ID: base.ID, Err: ErrRootOperation})
	}
	parent := t.directory(Create, base.ID, base.ParentID)

	node := t.newNode(m)
	t.nodes[base.ID] = node
	parent.children.Add(base.ID)
	t.index(m)

	return node
}

func (t *Tree[M]) move(node *Node[M], m M) {
	cur := node.model.Base()
	base := m.Base().WithAttributesFrom(cur)
	base.ID, base.Type = cur.ID, cur.Type

	if base.ParentID != cur.ParentID {
		parent := t.directory(Move, cur.ID, base.ParentID)
		if parent == node || parent.IsDescendantOf(node) {
			panic(&Error{Op: Move, ID: cur.ID, Err: ErrCyclicMove})
		}
		t.nodes[cur.ParentID].children.Remove(cur.ID)
		parent.children.Add(cur.ID)
	}

	t.setModel(node, m.WithBase(base))
}

func (t *Tree[M]) delete(node *Node[M]) {
	for _, child := range node.Children() {
		t.delete(child)
	}

	m := node.model
	id := m.Base().ID
	if parent := node.Parent(); parent != nil {
		parent.children.Remove(id)
	}
	t.unindex(m)
	delete(t.nodes, id)

	t.notify(Change[M]{Type: Delete, Old: &m})
}

func (t *Tree[M]) setModel(node *Node[M], m M) {
	t.unindex(node.model)
	node.model = m
	t.index(m)
}

func (t *Tree[M]) index(m M) {
	if t.altKey == nil {
		return
	}
	if key, ok := t.altKey(m); ok {
		t.alt[key] = m.Base().ID
	}
}

func (t *Tree[M]) unindex(m M) {
	if t.altKey == nil {
		return
	}
	if key, ok := t.altKey(m); ok && t.alt[key] == m.Base().ID {
		delete(t.alt, key)
	}
}

func (t *Tree[M]) notify(c Change[M]) {
	for _, fn := range t.observers {
		fn(c)
	}
}
