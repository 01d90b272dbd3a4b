package localfs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmined/syftsync/internal/fs"
)

var testTime = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

type bytesRevision struct {
	*strings.Reader
	lwt time.Time
}

func (r *bytesRevision) Size() int64              { return r.Reader.Size() }
func (r *bytesRevision) LastWriteTime() time.Time { return r.lwt }
func (r *bytesRevision) Close() error             { return nil }

func content(s string) fs.Revision {
	return &bytesRevision{Reader: strings.NewReader(s), lwt: testTime}
}

func newTestClient(t *testing.T) (*Client, string) {
	t.Helper()
	dir := t.TempDir()
	c, err := New(dir)
	require.NoError(t, err)
	return c, c.Root()
}

func writeFile(t *testing.T, root, rel, data string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
}

func children(t *testing.T, c *Client, dir fs.NodeInfo) map[string]fs.NodeInfo {
	t.Helper()
	result := make(map[string]fs.NodeInfo)
	for info, err := range c.Enumerate(context.Background(), dir) {
		require.NoError(t, err)
		result[info.Name] = info
	}
	return result
}

func TestNew_MissingRoot(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, ErrRootNotFound)
}

func TestEnumerate(t *testing.T) {
	c, root := newTestClient(t)
	ctx := context.Background()

	writeFile(t, root, "a.txt", "hello")
	writeFile(t, root, "dir/b.txt", "x")
	writeFile(t, root, fs.TempName("1"), "partial")

	rootInfo, err := c.GetInfo(ctx, fs.NodeInfo{})
	require.NoError(t, err)
	assert.True(t, rootInfo.IsDir)
	assert.NotEmpty(t, rootInfo.ID)

	top := children(t, c, rootInfo)
	require.Len(t, top, 2)
	assert.EqualValues(t, 5, top["a.txt"].Size)
	assert.Equal(t, rootInfo.ID, top["a.txt"].ParentID)
	assert.True(t, top["dir"].IsDir)

	sub := children(t, c, top["dir"])
	require.Len(t, sub, 1)
	assert.Equal(t, "dir/b.txt", sub["b.txt"].Path)
	assert.Equal(t, top["dir"].ID, sub["b.txt"].ParentID)
}

func TestGetInfo_Errors(t *testing.T) {
	c, root := newTestClient(t)
	ctx := context.Background()
	writeFile(t, root, "a.txt", "hello")

	_, err := c.GetInfo(ctx, fs.NodeInfo{Path: "missing.txt"})
	assert.Equal(t, fs.PathNotFound, fs.Code(err))

	_, err = c.GetInfo(ctx, fs.NodeInfo{Path: "nodir/missing.txt"})
	assert.Equal(t, fs.DirectoryNotFound, fs.Code(err))

	_, err = c.GetInfo(ctx, fs.NodeInfo{Path: "a.txt", ID: "not-the-id"})
	assert.Equal(t, fs.IdentityMismatch, fs.Code(err))
}

func TestCreateFile(t *testing.T) {
	c, root := newTestClient(t)
	ctx := context.Background()

	rootInfo, err := c.GetInfo(ctx, fs.NodeInfo{})
	require.NoError(t, err)

	target := fs.NodeInfo{Path: "new.txt", Name: "new.txt", ParentID: rootInfo.ID}
	p, err := c.CreateFile(ctx, target, fs.TempName("7"), content("payload"))
	require.NoError(t, err)

	// invisible until finished
	assert.NoFileExists(t, filepath.Join(root, "new.txt"))
	assert.Empty(t, children(t, c, rootInfo))

	info, err := p.Finish(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Close())

	assert.EqualValues(t, 7, info.Size)
	assert.True(t, info.LastWriteTime.Equal(testTime))
	data, err := os.ReadFile(filepath.Join(root, "new.txt"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCreateFile_DuplicateName(t *testing.T) {
	c, root := newTestClient(t)
	ctx := context.Background()
	writeFile(t, root, "taken.txt", "x")

	_, err := c.CreateFile(ctx, fs.NodeInfo{Path: "taken.txt", Name: "taken.txt"}, "", content("y"))
	assert.Equal(t, fs.DuplicateName, fs.Code(err))

	_, err = c.CreateFile(ctx, fs.NodeInfo{Path: "gone/f.txt", Name: "f.txt", ParentID: "p"}, "", content("y"))
	var fsErr *fs.Error
	require.ErrorAs(t, err, &fsErr)
	assert.Equal(t, fs.DirectoryNotFound, fsErr.Code)
	assert.Equal(t, "p", fsErr.ObjectID)
}

func TestCreateFile_CloseDiscards(t *testing.T) {
	c, root := newTestClient(t)
	ctx := context.Background()

	p, err := c.CreateFile(ctx, fs.NodeInfo{Path: "f.txt", Name: "f.txt"}, fs.TempName("1"), content("data"))
	require.NoError(t, err)
	require.NoError(t, p.Close())

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCreateRevision_Backup(t *testing.T) {
	c, root := newTestClient(t)
	ctx := context.Background()
	writeFile(t, root, "f.txt", "old")

	current, err := c.GetInfo(ctx, fs.NodeInfo{Path: "f.txt"})
	require.NoError(t, err)
	current.Backup = true

	p, err := c.CreateRevision(ctx, current, fs.TempName("1"), content("newer"))
	require.NoError(t, err)
	_, err = p.Finish(ctx)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(root, "f.txt"))
	require.NoError(t, err)
	assert.Equal(t, "newer", string(data))

	backup, err := os.ReadFile(filepath.Join(root, "f (conflict 1).txt"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(backup))
}

func TestCreateRevision_ChangedMeanwhile(t *testing.T) {
	c, root := newTestClient(t)
	ctx := context.Background()
	writeFile(t, root, "f.txt", "old")

	current, err := c.GetInfo(ctx, fs.NodeInfo{Path: "f.txt"})
	require.NoError(t, err)

	p, err := c.CreateRevision(ctx, current, fs.TempName("1"), content("newer"))
	require.NoError(t, err)
	defer p.Close()

	writeFile(t, root, "f.txt", "local edit")

	_, err = p.Finish(ctx)
	assert.Equal(t, fs.MetadataMismatch, fs.Code(err))

	data, err := os.ReadFile(filepath.Join(root, "f.txt"))
	require.NoError(t, err)
	assert.Equal(t, "local edit", string(data))
}

func TestMove(t *testing.T) {
	c, root := newTestClient(t)
	ctx := context.Background()
	writeFile(t, root, "a.txt", "x")
	require.NoError(t, os.Mkdir(filepath.Join(root, "d"), 0o755))
	writeFile(t, root, "d/taken.txt", "y")

	src, err := c.GetInfo(ctx, fs.NodeInfo{Path: "a.txt"})
	require.NoError(t, err)
	dir, err := c.GetInfo(ctx, fs.NodeInfo{Path: "d"})
	require.NoError(t, err)

	err = c.Move(ctx, src, fs.NodeInfo{Path: "d/taken.txt", Name: "taken.txt", ParentID: dir.ID})
	assert.Equal(t, fs.DuplicateName, fs.Code(err))

	require.NoError(t, c.Move(ctx, src, fs.NodeInfo{Path: "d/b.txt", Name: "b.txt", ParentID: dir.ID}))
	assert.FileExists(t, filepath.Join(root, "d", "b.txt"))

	err = c.Move(ctx, src, fs.NodeInfo{Path: "c.txt", Name: "c.txt"})
	assert.Equal(t, fs.PathNotFound, fs.Code(err))
}

func TestDelete(t *testing.T) {
	c, root := newTestClient(t)
	ctx := context.Background()
	writeFile(t, root, "f.txt", "x")
	writeFile(t, root, "d/g.txt", "y")

	f, err := c.GetInfo(ctx, fs.NodeInfo{Path: "f.txt"})
	require.NoError(t, err)
	d, err := c.GetInfo(ctx, fs.NodeInfo{Path: "d"})
	require.NoError(t, err)

	changed := f
	changed.Size = 99
	assert.Equal(t, fs.MetadataMismatch, fs.Code(c.Delete(ctx, changed)))

	require.NoError(t, c.Delete(ctx, f))
	require.NoError(t, c.Delete(ctx, d))
	assert.NoFileExists(t, filepath.Join(root, "f.txt"))
	assert.NoDirExists(t, filepath.Join(root, "d"))

	assert.Equal(t, fs.UnauthorizedAccess, fs.Code(c.Delete(ctx, fs.NodeInfo{})))
}

func TestDelete_Trash(t *testing.T) {
	root := t.TempDir()
	trash := filepath.Join(t.TempDir(), "trash")
	c, err := New(root, WithTrash(trash))
	require.NoError(t, err)
	ctx := context.Background()

	writeFile(t, c.Root(), "f.txt", "x")
	f, err := c.GetInfo(ctx, fs.NodeInfo{Path: "f.txt"})
	require.NoError(t, err)

	require.NoError(t, c.Delete(ctx, f))
	entries, err := os.ReadDir(trash)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasSuffix(entries[0].Name(), "-f.txt"))
}

func TestDeleteRevision(t *testing.T) {
	c, root := newTestClient(t)
	ctx := context.Background()
	writeFile(t, root, fs.TempName("3"), "partial")
	writeFile(t, root, "keep.txt", "x")

	require.NoError(t, c.DeleteRevision(ctx, fs.NodeInfo{}))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "keep.txt", entries[0].Name())
}

func TestOpenFile(t *testing.T) {
	c, root := newTestClient(t)
	ctx := context.Background()
	writeFile(t, root, "f.txt", "abc")

	info, err := c.GetInfo(ctx, fs.NodeInfo{Path: "f.txt"})
	require.NoError(t, err)

	rev, err := c.OpenFile(ctx, info)
	require.NoError(t, err)
	defer rev.Close()
	assert.EqualValues(t, 3, rev.Size())

	stale := info
	stale.LastWriteTime = stale.LastWriteTime.Add(-time.Hour)
	_, err = c.OpenFile(ctx, stale)
	assert.Equal(t, fs.MetadataMismatch, fs.Code(err))
}

func TestValidName(t *testing.T) {
	for _, name := range []string{"", ".", "..", "a/b", fs.TempName("1")} {
		assert.Equal(t, fs.InvalidName, fs.Code(validName(name)), name)
	}
	assert.NoError(t, validName("ok.txt"))
}
