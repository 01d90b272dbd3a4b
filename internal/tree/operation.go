package tree

import "fmt"

type OperationType uint8

const (
	Create OperationType = iota
	Update
	Edit
	Move
	Delete
)

func (t OperationType) String() string {
	switch t {
	case Create:
		return "create"
	case Update:
		return "update"
	case Edit:
		return "edit"
	case Move:
		return "move"
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("OperationType(%d)", uint8(t))
	}
}

// Operation is a single tree mutation.
//
//   - Create adds the node; the parent must exist.
//   - Update replaces metadata only.
//   - Edit replaces attributes and metadata, keeping name and parent.
//   - Move replaces name, parent and metadata, keeping attributes.
//   - Delete removes the node with its whole subtree.
type Operation[M Model[M]] struct {
	Type  OperationType
	Model M
}

func NewOperation[M Model[M]](typ OperationType, m M) Operation[M] {
	return Operation[M]{Type: typ, Model: m}
}

// MetadataEqualFunc compares the metadata part of two models.
type MetadataEqualFunc[M Model[M]] func(a, b M) bool

// Equalize returns the operations turning the current model into the incoming one.
// A nil current model yields Create, a nil incoming model yields Delete.
func Equalize[M Model[M]](current, incoming *M, metadataEqual MetadataEqualFunc[M]) []Operation[M] {
	switch {
	case current == nil && incoming == nil:
		return nil
	case current == nil:
		return []Operation[M]{{Type: Create, Model: *incoming}}
	case incoming == nil:
		return []Operation[M]{{Type: Delete, Model: *current}}
	}

	cur, in := (*current).Base(), (*incoming).Base()
	if cur.Type != in.Type {
		panic(&Error{Op: Update, ID: in.ID, Err: ErrTypeMismatch})
	}

	var ops []Operation[M]
	if !in.LinkEqual(cur) {
		ops = append(ops, Operation[M]{Type: Move, Model: *incoming})
	}
	if !in.AttributesEqual(cur) {
		ops = append(ops, Operation[M]{Type: Edit, Model: *incoming})
	}
	// Move and Edit carry metadata along.
	if len(ops) == 0 && metadataEqual != nil && !metadataEqual(*current, *incoming) {
		ops = append(ops, Operation[M]{Type: Update, Model: *incoming})
	}

	return ops
}

// PruneUnchangedLeaves deletes node if it is an unchanged leaf, then repeats the
// check with the parent until a node is kept. A nil or already removed node is ignored.
func PruneUnchangedLeaves[M Model[M]](t *Tree[M], node *Node[M], unchanged func(M) bool) {
	if node != nil && t.NodeByID(node.ID()) != node {
		return
	}
	for node != nil && !node.IsRoot() && node.IsLeaf() && unchanged(node.model) {
		parent := node.Parent()
		t.Execute(Operation[M]{Type: Delete, Model: node.model})
		node = parent
	}
}
