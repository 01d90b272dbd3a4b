package localfs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"iter"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/openmined/syftsync/internal/fs"
	"github.com/openmined/syftsync/internal/utils"
)

var (
	ErrRootNotFound = errors.New("root directory does not exist")
)

type Option func(*Client)

// WithTrash makes Delete move objects into dir instead of removing them. dir must not
// be inside the client root.
func WithTrash(dir string) Option {
	return func(c *Client) {
		c.trashDir = dir
	}
}

// Client is a fs.Client over a directory on disk.
type Client struct {
	root     string
	trashDir string
}

var _ fs.Client = (*Client)(nil)

func New(root string, opts ...Option) (*Client, error) {
	resolved, err := utils.ResolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %q: %w", root, err)
	}
	if !utils.DirExists(resolved) {
		return nil, fmt.Errorf("%w: %s", ErrRootNotFound, resolved)
	}

	c := &Client{root: resolved}
	for _, opt := range opts {
		opt(c)
	}
	if c.trashDir != "" {
		if err := utils.EnsureDir(c.trashDir); err != nil {
			return nil, fmt.Errorf("create trash %q: %w", c.trashDir, err)
		}
	}
	return c, nil
}

func (c *Client) Root() string {
	return c.root
}

func (c *Client) abs(rel string) string {
	return filepath.Join(c.root, filepath.FromSlash(rel))
}

func pathID(rel string) string {
	sum := sha256.Sum256([]byte(rel))
	return hex.EncodeToString(sum[:8])
}

func parentPath(rel string) string {
	dir := path.Dir(rel)
	if dir == "." || dir == "/" {
		return ""
	}
	return dir
}

func (c *Client) toInfo(rel, parentID string, fi os.FileInfo) fs.NodeInfo {
	info := fs.NodeInfo{
		ID:            fileID(rel, fi),
		ParentID:      parentID,
		Path:          rel,
		Name:          path.Base(rel),
		IsDir:         fi.IsDir(),
		LastWriteTime: fi.ModTime().UTC(),
	}
	if rel == "" {
		info.Name = ""
	}
	if !info.IsDir {
		info.Size = fi.Size()
		info.RevisionID = fmt.Sprintf("%x-%x", fi.Size(), fi.ModTime().UnixNano())
	}
	return info
}

// stat returns the object at rel, verifying the expected id when set.
func (c *Client) stat(rel, expectedID string) (fs.NodeInfo, error) {
	fi, err := os.Lstat(c.abs(rel))
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			if rel != "" && !utils.DirExists(c.abs(parentPath(rel))) {
				return fs.NodeInfo{}, fs.NewError(fs.DirectoryNotFound, expectedID, err)
			}
			return fs.NodeInfo{}, fs.NewError(fs.PathNotFound, expectedID, err)
		}
		return fs.NodeInfo{}, mapError(err, expectedID)
	}

	parentID := ""
	if rel != "" {
		if pfi, err := os.Lstat(c.abs(parentPath(rel))); err == nil {
			parentID = fileID(parentPath(rel), pfi)
		}
	}

	info := c.toInfo(rel, parentID, fi)
	if expectedID != "" && info.ID != expectedID {
		return fs.NodeInfo{}, fs.NewError(fs.IdentityMismatch, expectedID, fmt.Errorf("%s: found id %s", rel, info.ID))
	}
	return info, nil
}

// statParent verifies the destination directory of a new or moved object.
func (c *Client) statParent(info fs.NodeInfo) (fs.NodeInfo, error) {
	if err := validName(info.Name); err != nil {
		return fs.NodeInfo{}, err
	}
	parent, err := c.stat(parentPath(info.Path), info.ParentID)
	if err != nil {
		var fsErr *fs.Error
		if errors.As(err, &fsErr) && (fsErr.Code == fs.PathNotFound || fsErr.Code == fs.DirectoryNotFound) {
			fsErr.Code = fs.DirectoryNotFound
			fsErr.ObjectID = info.ParentID
		}
		return fs.NodeInfo{}, err
	}
	if !parent.IsDir {
		return fs.NodeInfo{}, fs.NewError(fs.IdentityMismatch, info.ParentID, fmt.Errorf("%s is not a directory", parent.Path))
	}
	return parent, nil
}

// checkFree fails with DuplicateName when rel is taken.
func (c *Client) checkFree(rel string) error {
	if _, err := os.Lstat(c.abs(rel)); err == nil {
		return fs.NewError(fs.DuplicateName, "", fmt.Errorf("%s already exists", rel))
	}
	return nil
}

// checkMetadata fails with MetadataMismatch when a file changed since expected was seen.
func checkMetadata(current, expected fs.NodeInfo) error {
	if current.IsDir != expected.IsDir {
		return fs.NewError(fs.IdentityMismatch, expected.ID, fmt.Errorf("%s changed type", current.Path))
	}
	if current.IsDir || expected.LastWriteTime.IsZero() {
		return nil
	}
	if current.Size != expected.Size || !current.LastWriteTime.Equal(expected.LastWriteTime) {
		return fs.NewError(fs.MetadataMismatch, expected.ID, fmt.Errorf("%s changed", current.Path))
	}
	return nil
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || fs.IsTempName(name) {
		return fs.NewError(fs.InvalidName, "", fmt.Errorf("invalid name %q", name))
	}
	return nil
}

func mapError(err error, objectID string) error {
	var fsErr *fs.Error
	switch {
	case errors.As(err, &fsErr):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, iofs.ErrNotExist):
		return fs.NewError(fs.ObjectNotFound, objectID, err)
	case errors.Is(err, iofs.ErrExist):
		return fs.NewError(fs.DuplicateName, "", err)
	case errors.Is(err, iofs.ErrPermission):
		return fs.NewError(fs.UnauthorizedAccess, objectID, err)
	case errors.Is(err, syscall.EBUSY), errors.Is(err, syscall.ETXTBSY):
		return fs.NewError(fs.SharingViolation, objectID, err)
	case errors.Is(err, syscall.ENAMETOOLONG):
		return fs.NewError(fs.InvalidName, objectID, err)
	default:
		return fs.NewError(fs.Unknown, objectID, err)
	}
}

func (c *Client) GetInfo(ctx context.Context, info fs.NodeInfo) (fs.NodeInfo, error) {
	if err := ctx.Err(); err != nil {
		return fs.NodeInfo{}, err
	}
	return c.stat(info.Path, info.ID)
}

func (c *Client) Enumerate(ctx context.Context, dir fs.NodeInfo) iter.Seq2[fs.NodeInfo, error] {
	return func(yield func(fs.NodeInfo, error) bool) {
		current, err := c.stat(dir.Path, dir.ID)
		if err != nil {
			yield(fs.NodeInfo{}, err)
			return
		}

		entries, err := os.ReadDir(c.abs(dir.Path))
		if err != nil {
			yield(fs.NodeInfo{}, mapError(err, current.ID))
			return
		}

		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				yield(fs.NodeInfo{}, err)
				return
			}
			if fs.IsTempName(entry.Name()) {
				continue
			}
			// only regular files and directories are synchronized
			if !entry.IsDir() && !entry.Type().IsRegular() {
				continue
			}

			fi, err := entry.Info()
			if errors.Is(err, iofs.ErrNotExist) {
				continue
			}
			if err != nil {
				if !yield(fs.NodeInfo{}, mapError(err, "")) {
					return
				}
				continue
			}
			if !yield(c.toInfo(path.Join(dir.Path, entry.Name()), current.ID, fi), nil) {
				return
			}
		}
	}
}

func (c *Client) OpenFile(ctx context.Context, info fs.NodeInfo) (fs.Revision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	current, err := c.stat(info.Path, info.ID)
	if err != nil {
		return nil, err
	}
	if err := checkMetadata(current, info); err != nil {
		return nil, err
	}

	f, err := os.Open(c.abs(info.Path))
	if err != nil {
		return nil, mapError(err, info.ID)
	}
	return &revision{File: f, size: current.Size, lastWriteTime: current.LastWriteTime}, nil
}

func (c *Client) CreateDirectory(ctx context.Context, info fs.NodeInfo) (fs.NodeInfo, error) {
	if err := ctx.Err(); err != nil {
		return fs.NodeInfo{}, err
	}
	if _, err := c.statParent(info); err != nil {
		return fs.NodeInfo{}, err
	}
	if err := os.Mkdir(c.abs(info.Path), 0o755); err != nil {
		return fs.NodeInfo{}, mapError(err, "")
	}
	return c.stat(info.Path, "")
}

func (c *Client) CreateFile(ctx context.Context, info fs.NodeInfo, tempName string, content fs.Revision) (fs.RevisionCreationProcess, error) {
	if _, err := c.statParent(info); err != nil {
		return nil, err
	}
	if err := c.checkFree(info.Path); err != nil {
		return nil, err
	}
	return c.writeTemp(ctx, info, tempName, content, false)
}

func (c *Client) CreateRevision(ctx context.Context, info fs.NodeInfo, tempName string, content fs.Revision) (fs.RevisionCreationProcess, error) {
	current, err := c.stat(info.Path, info.ID)
	if err != nil {
		return nil, err
	}
	if err := checkMetadata(current, info); err != nil {
		return nil, err
	}
	return c.writeTemp(ctx, info, tempName, content, true)
}

func (c *Client) writeTemp(ctx context.Context, info fs.NodeInfo, tempName string, content fs.Revision, replace bool) (fs.RevisionCreationProcess, error) {
	if tempName == "" {
		tempName = fs.TempName("x")
	}
	tempPath := path.Join(parentPath(info.Path), tempName)

	f, err := os.OpenFile(c.abs(tempPath), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, mapError(err, info.ParentID)
	}

	p := &process{client: c, info: info, tempPath: tempPath, replace: replace}

	_, err = io.Copy(f, &contextReader{ctx: ctx, r: content})
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		lwt := content.LastWriteTime()
		err = os.Chtimes(c.abs(tempPath), lwt, lwt)
	}
	if err != nil {
		p.Close()
		return nil, mapError(err, info.ID)
	}
	return p, nil
}

func (c *Client) Move(ctx context.Context, info fs.NodeInfo, dest fs.NodeInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.stat(info.Path, info.ID); err != nil {
		return err
	}
	if _, err := c.statParent(dest); err != nil {
		return err
	}
	// a case-only rename finds the object itself at the destination
	if !strings.EqualFold(info.Path, dest.Path) {
		if err := c.checkFree(dest.Path); err != nil {
			return err
		}
	}
	if err := os.Rename(c.abs(info.Path), c.abs(dest.Path)); err != nil {
		return mapError(err, info.ID)
	}
	return nil
}

func (c *Client) Delete(ctx context.Context, info fs.NodeInfo) error {
	if c.trashDir == "" {
		return c.DeletePermanently(ctx, info)
	}
	if err := c.checkDeletable(ctx, info); err != nil {
		return err
	}

	target := filepath.Join(c.trashDir, uuid.NewString()+"-"+info.Name)
	if err := os.Rename(c.abs(info.Path), target); err != nil {
		if !errors.Is(err, syscall.EXDEV) {
			return mapError(err, info.ID)
		}
		// trash on another device
		slog.Debug("localfs trash on other device, deleting", "path", info.Path)
		return c.remove(info)
	}
	return nil
}

func (c *Client) DeletePermanently(ctx context.Context, info fs.NodeInfo) error {
	if err := c.checkDeletable(ctx, info); err != nil {
		return err
	}
	return c.remove(info)
}

func (c *Client) checkDeletable(ctx context.Context, info fs.NodeInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if info.IsRoot() {
		return fs.NewError(fs.UnauthorizedAccess, info.ID, errors.New("root cannot be deleted"))
	}
	current, err := c.stat(info.Path, info.ID)
	if err != nil {
		return err
	}
	return checkMetadata(current, info)
}

func (c *Client) remove(info fs.NodeInfo) error {
	if err := os.RemoveAll(c.abs(info.Path)); err != nil {
		return mapError(err, info.ID)
	}
	return nil
}

// DeleteRevision removes the leftovers of unfinished transfers in the directory info.
func (c *Client) DeleteRevision(ctx context.Context, info fs.NodeInfo) error {
	entries, err := os.ReadDir(c.abs(info.Path))
	if err != nil {
		return mapError(err, info.ID)
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() || !fs.IsTempName(entry.Name()) {
			continue
		}
		rel := path.Join(info.Path, entry.Name())
		if err := os.Remove(c.abs(rel)); err != nil && !errors.Is(err, iofs.ErrNotExist) {
			return mapError(err, "")
		}
		slog.Debug("localfs removed transfer leftover", "path", rel)
	}
	return nil
}

// Hydrate only verifies the file exists, local content is always available.
func (c *Client) Hydrate(ctx context.Context, info fs.NodeInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.stat(info.Path, info.ID)
	return err
}

// SetInSyncState has nothing to record for plain directories.
func (c *Client) SetInSyncState(ctx context.Context, _ fs.NodeInfo) error {
	return ctx.Err()
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
