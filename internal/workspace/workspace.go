package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/openmined/syftsync/internal/utils"
)

const (
	logsDir  = "logs"
	trashDir = "trash"
	dbDir    = "db"
	lockFile = "syftsync.lock"
	logFile  = "syftsync.log"
)

var (
	ErrWorkspaceLocked = errors.New("workspace locked by another process")
)

// Workspace is the state directory of one synchronization pair.
type Workspace struct {
	Root     string
	LogsDir  string
	DBDir    string
	TrashDir string

	flock *flock.Flock
}

func NewWorkspace(stateDir string) (*Workspace, error) {
	root, err := utils.ResolvePath(stateDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", stateDir, err)
	}

	return &Workspace{
		Root:     root,
		LogsDir:  filepath.Join(root, logsDir),
		DBDir:    filepath.Join(root, dbDir),
		TrashDir: filepath.Join(root, trashDir),
		flock:    flock.New(filepath.Join(root, lockFile)),
	}, nil
}

// LogFile is the path of the rotating log file.
func (w *Workspace) LogFile() string {
	return filepath.Join(w.LogsDir, logFile)
}

// TrashFor is the trash of a replica, deleted items are moved there.
func (w *Workspace) TrashFor(replica string) string {
	return filepath.Join(w.TrashDir, replica)
}

// Lock keeps other syftsync processes out of the workspace.
func (w *Workspace) Lock() error {
	if err := utils.EnsureDir(w.Root); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", w.Root, err)
	}

	locked, err := w.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock workspace: %w", err)
	}
	if !locked {
		return ErrWorkspaceLocked
	}
	return nil
}

func (w *Workspace) Unlock() error {
	// only the holder removes the lock file
	if !w.flock.Locked() {
		return nil
	}
	if err := w.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock workspace: %w", err)
	}
	return os.Remove(w.flock.Path())
}

// Setup locks the workspace and creates its directories.
func (w *Workspace) Setup() error {
	if err := w.Lock(); err != nil {
		return err
	}

	for _, dir := range []string{w.LogsDir, w.DBDir, w.TrashDir} {
		if err := utils.EnsureDir(dir); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	slog.Info("workspace", "root", w.Root)
	return nil
}
