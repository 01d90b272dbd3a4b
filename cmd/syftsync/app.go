package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/openmined/syftsync/internal/adapter"
	"github.com/openmined/syftsync/internal/config"
	"github.com/openmined/syftsync/internal/engine"
	"github.com/openmined/syftsync/internal/fs/localfs"
	"github.com/openmined/syftsync/internal/ignore"
	"github.com/openmined/syftsync/internal/store"
	"github.com/openmined/syftsync/internal/utils"
	"github.com/openmined/syftsync/internal/workspace"
)

const (
	localName  = "local"
	remoteName = "remote"
)

// app is the wired engine over the two replica directories of a config.
type app struct {
	cfg    *config.Config
	ws     *workspace.Workspace
	repo   store.Repository
	log    io.Closer
	engine *engine.Engine
	local  *adapter.Adapter
	remote *adapter.Adapter
	ignore [2]*ignore.List
}

var errNoState = errors.New("no sync state yet, run sync first")

// newApp locks the workspace of cfg, opens the state store and restores the persisted
// state of the adapters and the engine. An inspecting app leaves the workspace
// unlocked and never syncs.
func newApp(ctx context.Context, cfg *config.Config, inspect bool) (a *app, err error) {
	ws, err := workspace.NewWorkspace(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	if inspect {
		if !utils.DirExists(ws.DBDir) {
			return nil, errNoState
		}
	} else if err := ws.Setup(); err != nil {
		return nil, err
	}

	a = &app{cfg: cfg, ws: ws}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	if inspect {
		logLevel.Set(level)
	} else {
		a.log = setupLogging(level, ws.LogFile())
	}

	if a.repo, err = store.Open(cfg.StoreBackend, ws.DBDir); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a.ignore = [2]*ignore.List{a.listFor(cfg.LocalDir), a.listFor(cfg.RemoteDir)}

	ids := engine.NewIDGenerator(0)
	if a.local, err = a.newAdapter(localName, cfg.LocalDir, adapter.KeyLocal, ids, a.ignore[0], cfg.LocalEnabled); err != nil {
		return nil, err
	}
	if a.remote, err = a.newAdapter(remoteName, cfg.RemoteDir, adapter.KeyRemote, ids, a.ignore[1], cfg.RemoteEnabled); err != nil {
		return nil, err
	}

	// file content of one replica is read from the other
	a.local.SetSource(a.remote)
	a.remote.SetSource(a.local)

	a.engine = engine.New(a.local, a.remote, ids,
		engine.WithMaxTransfers(cfg.MaxTransfers),
		engine.WithRepository(a.repo),
	)

	for _, load := range []func(context.Context) error{a.local.Load, a.remote.Load, a.engine.Load} {
		if err := load(ctx); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *app) listFor(dir string) *ignore.List {
	l := ignore.New(dir, a.cfg.Ignore...)
	l.Load()
	return l
}

func (a *app) newAdapter(name, dir, key string, ids *engine.IDGenerator, ignored *ignore.List, enabled bool) (*adapter.Adapter, error) {
	client, err := localfs.New(dir, localfs.WithTrash(a.ws.TrashFor(name)))
	if err != nil {
		return nil, fmt.Errorf("%s replica: %w", name, err)
	}

	limiter := adapter.NewRateLimiter(adapter.RateLimiterConfig{
		MinDelay:           a.cfg.RateLimit.MinDelay.Std(),
		MaxDelay:           a.cfg.RateLimit.MaxDelay.Std(),
		RevisionsPerMinute: a.cfg.RateLimit.RevisionsPerMinute,
	})

	ad := adapter.New(name, client, ids,
		adapter.WithIgnore(ignored),
		adapter.WithRateLimiter(limiter),
		adapter.WithRepository(a.repo, key),
		adapter.WithMinFileAge(a.cfg.MinFileAge.Std()),
	)
	ad.SetEnabled(enabled)
	return ad, nil
}

// Close stops the engine and releases the workspace.
func (a *app) Close() {
	if a.engine != nil {
		a.engine.Close()
	}
	for _, ad := range []*adapter.Adapter{a.local, a.remote} {
		if ad != nil {
			ad.Close()
		}
	}

	var errs []error
	if a.repo != nil {
		errs = append(errs, a.repo.Close())
	}
	errs = append(errs, a.ws.Unlock())
	if err := errors.Join(errs...); err != nil {
		slog.Warn("app close", "error", err)
	}
	if a.log != nil {
		slog.SetDefault(slog.New(newConsoleHandler(os.Stdout)))
		a.log.Close()
	}
}
