package adapter

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/openmined/syftsync/internal/tree"
)

const DefaultFileVersionMappingSize = 4096

// FileVersion links the content the adapter was asked to write with what the file
// system reported afterwards.
type FileVersion struct {
	Size          int64
	LastWriteTime time.Time

	ObservedSize          int64
	ObservedLastWriteTime time.Time
}

// FileVersionMapping remembers the files written by the adapter, so that file system
// rounding of their write times does not come back as an edit.
type FileVersionMapping struct {
	cache *lru.Cache[tree.NodeID, FileVersion]
}

func NewFileVersionMapping(size int) *FileVersionMapping {
	if size <= 0 {
		size = DefaultFileVersionMappingSize
	}
	cache, err := lru.New[tree.NodeID, FileVersion](size)
	if err != nil {
		// only fails for a non positive size
		panic(err)
	}
	return &FileVersionMapping{cache: cache}
}

// Add records that written was stored as observed.
func (m *FileVersionMapping) Add(id tree.NodeID, written, observed tree.NodeModel) {
	m.cache.Add(id, FileVersion{
		Size:                  written.Size,
		LastWriteTime:         written.LastWriteTime,
		ObservedSize:          observed.Size,
		ObservedLastWriteTime: observed.LastWriteTime,
	})
}

func (m *FileVersionMapping) Remove(id tree.NodeID) {
	m.cache.Remove(id)
}

// Map returns the written attributes when raw still carries the observed ones, raw
// otherwise. A file changed since it was written drops its mapping.
func (m *FileVersionMapping) Map(raw tree.NodeModel) tree.NodeModel {
	v, ok := m.cache.Get(raw.ID)
	if !ok {
		return raw
	}
	if raw.Size != v.ObservedSize || !raw.LastWriteTime.Equal(v.ObservedLastWriteTime) {
		m.cache.Remove(raw.ID)
		return raw
	}
	raw.Size = v.Size
	raw.LastWriteTime = v.LastWriteTime
	return raw
}

func (m *FileVersionMapping) Len() int {
	return m.cache.Len()
}
