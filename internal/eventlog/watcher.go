package eventlog

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/rjeczalik/notify"

	"github.com/openmined/syftsync/internal/fs"
)

var (
	ErrWatcherNotStarted = errors.New("watcher not started")
)

const (
	DefaultBufferSize      = 1024
	DefaultDebounceTimeout = 50 * time.Millisecond
	rawEventBufferSize     = 64
)

// FilterCallback returns true for relative paths whose events are dropped.
type FilterCallback func(path string) bool

type Option func(*WatcherClient)

// WithBufferSize sets how many events are retained for readers lagging behind.
func WithBufferSize(n int) Option {
	return func(w *WatcherClient) {
		if n > 0 {
			w.bufferSize = n
		}
	}
}

func WithDebounceTimeout(d time.Duration) Option {
	return func(w *WatcherClient) {
		w.debounceTimeout = d
	}
}

func WithFilter(cb FilterCallback) Option {
	return func(w *WatcherClient) {
		w.filter = cb
	}
}

// WatcherClient is an event log over recursive file system notifications of a
// directory. Events are debounced per path and kept in a bounded log; every event has
// a position, and a reader asking for a position that already left the log is told to
// refresh.
type WatcherClient struct {
	root            string
	bufferSize      int
	debounceTimeout time.Duration
	filter          FilterCallback

	raw  chan notify.EventInfo
	done chan struct{}
	wg   sync.WaitGroup

	debounceMu sync.Mutex
	pending    map[string]fs.Event
	timers     map[string]*time.Timer

	mu     sync.Mutex
	events []fs.Event
	next   uint64
	signal chan struct{}
}

var _ fs.EventLogClient = (*WatcherClient)(nil)

func NewWatcherClient(root string, opts ...Option) *WatcherClient {
	w := &WatcherClient{
		root:            root,
		bufferSize:      DefaultBufferSize,
		debounceTimeout: DefaultDebounceTimeout,
		done:            make(chan struct{}),
		pending:         make(map[string]fs.Event),
		timers:          make(map[string]*time.Timer),
		signal:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *WatcherClient) Start(ctx context.Context) error {
	slog.Info("event log start", "dir", w.root)

	w.raw = make(chan notify.EventInfo, rawEventBufferSize)
	if err := notify.Watch(filepath.Join(w.root, "..."), w.raw, notify.All); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.receive(ctx)
	return nil
}

func (w *WatcherClient) Stop() {
	select {
	case <-w.done:
		return
	default:
	}
	close(w.done)

	if w.raw != nil {
		notify.Stop(w.raw)
	}
	w.wg.Wait()

	w.debounceMu.Lock()
	for path, timer := range w.timers {
		timer.Stop()
		delete(w.timers, path)
	}
	w.debounceMu.Unlock()

	slog.Info("event log stopped", "dir", w.root)
}

// Position returns the position following the newest event.
func (w *WatcherClient) Position() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.next
}

// ReadEvents returns the events from position on. It blocks while there are none.
func (w *WatcherClient) ReadEvents(ctx context.Context, position uint64) (fs.EventBatch, error) {
	for {
		w.mu.Lock()
		first := w.next - uint64(len(w.events))
		switch {
		case position < first || position > w.next:
			batch := fs.EventBatch{
				Events:          append([]fs.Event(nil), w.events...),
				Position:        w.next,
				RefreshRequired: true,
			}
			w.mu.Unlock()
			return batch, nil
		case position < w.next:
			batch := fs.EventBatch{
				Events:   append([]fs.Event(nil), w.events[position-first:]...),
				Position: w.next,
			}
			w.mu.Unlock()
			return batch, nil
		}
		signal := w.signal
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			return fs.EventBatch{}, ctx.Err()
		case <-w.done:
			return fs.EventBatch{}, ErrWatcherNotStarted
		case <-signal:
		}
	}
}

func (w *WatcherClient) receive(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ei, ok := <-w.raw:
			if !ok {
				return
			}
			w.handle(ei.Path(), eventType(ei.Event()))
		}
	}
}

func (w *WatcherClient) handle(absPath string, typ fs.EventType) {
	rel, err := filepath.Rel(w.root, absPath)
	if err != nil || rel == "." {
		return
	}
	rel = filepath.ToSlash(rel)
	if fs.IsTempName(filepath.Base(rel)) {
		return
	}
	if w.filter != nil && w.filter(rel) {
		return
	}
	w.debounce(fs.Event{Type: typ, Path: rel, Time: time.Now()})
}

// debounce collapses the bursts of events a single write produces.
func (w *WatcherClient) debounce(ev fs.Event) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if timer, ok := w.timers[ev.Path]; ok {
		timer.Stop()
	}
	if prev, ok := w.pending[ev.Path]; ok && prev.Type == fs.EventCreated && ev.Type == fs.EventChanged {
		ev.Type = fs.EventCreated
	}
	w.pending[ev.Path] = ev

	path := ev.Path
	w.timers[path] = time.AfterFunc(w.debounceTimeout, func() {
		w.flush(path)
	})
}

func (w *WatcherClient) flush(path string) {
	w.debounceMu.Lock()
	ev, ok := w.pending[path]
	delete(w.pending, path)
	delete(w.timers, path)
	w.debounceMu.Unlock()

	if ok {
		w.append(ev)
	}
}

func (w *WatcherClient) append(ev fs.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.events = append(w.events, ev)
	if over := len(w.events) - w.bufferSize; over > 0 {
		w.events = append(w.events[:0:0], w.events[over:]...)
	}
	w.next++

	close(w.signal)
	w.signal = make(chan struct{})

	slog.Debug("event log", "type", ev.Type, "path", ev.Path, "position", w.next)
}

func eventType(e notify.Event) fs.EventType {
	switch {
	case e&notify.Create != 0:
		return fs.EventCreated
	case e&notify.Remove != 0:
		return fs.EventDeleted
	case e&notify.Rename != 0:
		return fs.EventRenamed
	default:
		return fs.EventChanged
	}
}
