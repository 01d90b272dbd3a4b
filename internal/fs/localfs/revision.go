package localfs

import (
	"context"
	"errors"
	iofs "io/fs"
	"os"
	"path"
	"sync"
	"time"

	"github.com/openmined/syftsync/internal/fs"
	"github.com/openmined/syftsync/internal/utils"
)

type revision struct {
	*os.File
	size          int64
	lastWriteTime time.Time
}

func (r *revision) Size() int64 {
	return r.size
}

func (r *revision) LastWriteTime() time.Time {
	return r.lastWriteTime
}

// process is a written hidden file waiting to be renamed to its final name.
type process struct {
	client   *Client
	info     fs.NodeInfo
	tempPath string
	replace  bool

	mu       sync.Mutex
	finished bool
	closed   bool
}

func (p *process) Finish(ctx context.Context) (fs.NodeInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.finished {
		return fs.NodeInfo{}, fs.NewError(fs.Unknown, p.info.ID, errors.New("transfer already completed"))
	}
	if err := ctx.Err(); err != nil {
		return fs.NodeInfo{}, err
	}

	c := p.client
	if p.replace {
		current, err := c.stat(p.info.Path, p.info.ID)
		if err != nil {
			return fs.NodeInfo{}, err
		}
		if err := checkMetadata(current, p.info); err != nil {
			return fs.NodeInfo{}, err
		}
		if p.info.Backup {
			if err := p.backup(); err != nil {
				return fs.NodeInfo{}, err
			}
		}
	} else {
		if _, err := c.statParent(p.info); err != nil {
			return fs.NodeInfo{}, err
		}
		if err := c.checkFree(p.info.Path); err != nil {
			return fs.NodeInfo{}, err
		}
	}

	if err := os.Rename(c.abs(p.tempPath), c.abs(p.info.Path)); err != nil {
		return fs.NodeInfo{}, mapError(err, p.info.ID)
	}
	p.finished = true

	return c.stat(p.info.Path, "")
}

// backup keeps the overwritten content next to the file under a conflict name.
func (p *process) backup() error {
	c := p.client
	dir := parentPath(p.info.Path)
	name := utils.UniqueConflictName(p.info.Name, func(candidate string) bool {
		_, err := os.Lstat(c.abs(path.Join(dir, candidate)))
		return !errors.Is(err, iofs.ErrNotExist)
	})
	if err := os.Rename(c.abs(p.info.Path), c.abs(path.Join(dir, name))); err != nil {
		return mapError(err, p.info.ID)
	}
	return nil
}

func (p *process) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if p.finished {
		return nil
	}
	if err := os.Remove(p.client.abs(p.tempPath)); err != nil && !errors.Is(err, iofs.ErrNotExist) {
		return mapError(err, "")
	}
	return nil
}
