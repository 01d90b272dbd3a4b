package adapter

import (
	"path"

	"github.com/openmined/syftsync/internal/fs"
	"github.com/openmined/syftsync/internal/tree"
)

// Model is an adapter tree node. The tree mirrors the file system in engine ids;
// AltID is the client id of the object. Attributes are the raw file system values.
type Model struct {
	tree.NodeModel
	AltID  string     `json:"alt_id,omitempty"`
	Status NodeStatus `json:"status,omitempty"`
}

func (m Model) WithBase(b tree.NodeModel) Model {
	m.NodeModel = b
	return m
}

type (
	Tree = tree.Tree[Model]
	Node = tree.Node[Model]
)

func NewTree() *Tree {
	return tree.New(Model{}, tree.WithAltIndex(func(m Model) (any, bool) {
		return m.AltID, m.AltID != ""
	}))
}

func nodeType(info fs.NodeInfo) tree.NodeType {
	if info.IsDir {
		return tree.Directory
	}
	return tree.File
}

// toNodeInfo describes an existing node to the client.
func toNodeInfo(n *Node) fs.NodeInfo {
	m := n.Model()
	info := fs.NodeInfo{
		ID:            m.AltID,
		Path:          n.Path(),
		Name:          m.Name,
		IsDir:         m.IsDirectory(),
		Size:          m.Size,
		LastWriteTime: m.LastWriteTime,
	}
	if parent := n.Parent(); parent != nil {
		info.ParentID = parent.Model().AltID
	}
	return info
}

// childInfo describes a new or moved child of parent to the client.
func childInfo(parent *Node, name string) fs.NodeInfo {
	return fs.NodeInfo{
		ParentID: parent.Model().AltID,
		Path:     path.Join(parent.Path(), name),
		Name:     name,
	}
}
