package tree

import (
	"fmt"
	"time"
)

// NodeID is the engine-internal identity of a node. Ids are allocated from a single
// monotonically increasing sequence shared by both replicas, so an id assigned on one
// replica never collides with an id assigned on the other.
type NodeID uint64

// RootID is the id of the root node in every tree.
const RootID NodeID = 0

func (id NodeID) String() string {
	return fmt.Sprintf("%d", uint64(id))
}

type NodeType uint8

const (
	File NodeType = iota
	Directory
)

func (t NodeType) String() string {
	switch t {
	case File:
		return "file"
	case Directory:
		return "dir"
	default:
		return fmt.Sprintf("NodeType(%d)", uint8(t))
	}
}

// NodeModel holds the fields shared by the models of all trees.
//
// Identity: ID.
// Link: ParentID and Name.
// Attributes: ContentVersion, Size and LastWriteTime.
// Everything a concrete model adds on top of NodeModel is metadata.
type NodeModel struct {
	ID             NodeID    `json:"id"`
	ParentID       NodeID    `json:"parent_id"`
	Name           string    `json:"name"`
	Type           NodeType  `json:"type"`
	ContentVersion int64     `json:"content_version,omitempty"`
	Size           int64     `json:"size,omitempty"`
	LastWriteTime  time.Time `json:"last_write_time,omitempty"`
}

// Base returns the model itself. Concrete models embed NodeModel and inherit it.
func (m NodeModel) Base() NodeModel {
	return m
}

// WithBase makes NodeModel a Model of itself.
func (m NodeModel) WithBase(b NodeModel) NodeModel {
	return b
}

func (m NodeModel) IsDirectory() bool {
	return m.Type == Directory
}

// LinkEqual reports whether both models have the same name and parent.
func (m NodeModel) LinkEqual(o NodeModel) bool {
	return m.ParentID == o.ParentID && m.Name == o.Name
}

// AttributesEqual reports whether both models carry the same attributes.
func (m NodeModel) AttributesEqual(o NodeModel) bool {
	return m.ContentVersion == o.ContentVersion &&
		m.Size == o.Size &&
		m.LastWriteTime.Equal(o.LastWriteTime)
}

// ContentEqual reports whether two file models describe the same content.
// Content versions are replica local, so only size and write time are compared.
func (m NodeModel) ContentEqual(o NodeModel) bool {
	return m.Size == o.Size &&
		m.LastWriteTime.Truncate(time.Microsecond).Equal(o.LastWriteTime.Truncate(time.Microsecond))
}

// WithLinkFrom copies name and parent from o.
func (m NodeModel) WithLinkFrom(o NodeModel) NodeModel {
	m.ParentID = o.ParentID
	m.Name = o.Name
	return m
}

// WithAttributesFrom copies content version, size and write time from o.
func (m NodeModel) WithAttributesFrom(o NodeModel) NodeModel {
	m.ContentVersion = o.ContentVersion
	m.Size = o.Size
	m.LastWriteTime = o.LastWriteTime
	return m
}

// Model is implemented by every tree node model. Implementations are value types
// embedding NodeModel.
type Model[M any] interface {
	Base() NodeModel
	WithBase(NodeModel) M
}
