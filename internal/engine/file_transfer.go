package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/openmined/syftsync/internal/queue"
	"github.com/openmined/syftsync/internal/scheduler"
	"github.com/openmined/syftsync/internal/tree"
)

// DefaultMaxTransfers is the number of file transfers running at the same time.
const DefaultMaxTransfers = 4

var (
	ErrTransferNotStarted = errors.New("file transfer not started")
	ErrTransferStarted    = errors.New("file transfer already started")
)

type transferStatus uint8

const (
	transferNotStarted transferStatus = iota
	transferStarted
	transferFinishing
)

func (s transferStatus) String() string {
	switch s {
	case transferNotStarted:
		return "not-started"
	case transferStarted:
		return "started"
	case transferFinishing:
		return "finishing"
	default:
		return fmt.Sprintf("transferStatus(%d)", uint8(s))
	}
}

type fileTransfer struct {
	replica Replica
	model   PropagationModel
	retries int
}

func (t *fileTransfer) String() string {
	return fmt.Sprintf("%s %q parent=%d id=%d", t.replica, t.model.Name, t.model.ParentID, t.model.ID)
}

// FileTransfer propagates file content separately from the tree walk, with a bounded
// number of transfers running concurrently. The pipeline can be started and finished
// any number of times.
//
// Transfers under a directory that reported DirtyBranch are dropped. A transfer skipped
// internally is retried once, after every scheduled transfer has been attempted.
type FileTransfer struct {
	max         int
	propagation [2]*NodePropagation
	sched       *scheduler.Scheduler
	trees       *Trees

	mu           sync.Mutex
	status       transferStatus
	ctx          context.Context
	scheduled    *queue.PriorityQueue[*fileTransfer]
	skipped      *queue.PriorityQueue[*fileTransfer]
	executing    int
	dirtyFolders mapset.Set[tree.NodeID]
	done         chan struct{}
	err          error
}

func NewFileTransfer(max int, local, remote *NodePropagation, sched *scheduler.Scheduler, trees *Trees) *FileTransfer {
	if max <= 0 {
		max = DefaultMaxTransfers
	}
	return &FileTransfer{
		max:          max,
		propagation:  [2]*NodePropagation{Local: local, Remote: remote},
		sched:        sched,
		trees:        trees,
		scheduled:    queue.NewPriorityQueue[*fileTransfer](),
		skipped:      queue.NewPriorityQueue[*fileTransfer](),
		dirtyFolders: mapset.NewThreadUnsafeSet[tree.NodeID](),
	}
}

// Start starts accepting transfers. Transfers run with ctx.
func (p *FileTransfer) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status != transferNotStarted {
		return fmt.Errorf("%w: status %s", ErrTransferStarted, p.status)
	}

	p.ctx = ctx
	p.done = make(chan struct{})
	p.err = nil
	p.dirtyFolders.Clear()
	p.status = transferStarted
	return nil
}

// Schedule queues the content transfer of the node to the replica, if the node has
// content to transfer.
func (p *FileTransfer) Schedule(r Replica, model PropagationModel) error {
	if fileTransferFilter(model, model.Status(r)) == Unchanged {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status != transferStarted {
		return fmt.Errorf("%w: status %s", ErrTransferNotStarted, p.status)
	}

	t := &fileTransfer{replica: r, model: model}
	p.scheduled.Enqueue(t, 0)
	slog.Debug("file transfer scheduled", "transfer", t)
	p.handleExecution()
	return nil
}

// Finish waits until every scheduled transfer completed, including the retries of
// skipped ones. After cancellation pending transfers are dropped and Finish returns
// once the running ones returned.
func (p *FileTransfer) Finish() error {
	p.mu.Lock()
	if p.status != transferStarted {
		defer p.mu.Unlock()
		return fmt.Errorf("%w: status %s", ErrTransferNotStarted, p.status)
	}
	p.status = transferFinishing
	p.handleExecution()
	done := p.done
	p.mu.Unlock()

	<-done

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	return p.ctx.Err()
}

// handleExecution must be called with mu held.
func (p *FileTransfer) handleExecution() {
	if p.ctx.Err() != nil {
		p.scheduled.Clear()
		p.skipped.Clear()
	}

	for p.executing < p.max {
		t, ok := p.next()
		if !ok {
			break
		}
		if p.dirtyFolders.Contains(t.model.ParentID) {
			slog.Debug("file transfer dropped, branch is dirty", "transfer", t)
			continue
		}

		p.executing++
		go p.run(p.ctx, t)
	}

	if p.status == transferFinishing && p.executing == 0 && p.scheduled.Len() == 0 && p.skipped.Len() == 0 {
		p.status = transferNotStarted
		close(p.done)
	}
}

func (p *FileTransfer) next() (*fileTransfer, bool) {
	if p.ctx.Err() != nil {
		return nil, false
	}
	if t, ok := p.scheduled.Dequeue(); ok {
		return t, true
	}
	if p.status == transferFinishing {
		return p.skipped.Dequeue()
	}
	return nil, false
}

func (p *FileTransfer) run(ctx context.Context, t *fileTransfer) {
	code, err := p.execute(ctx, t)
	if err != nil {
		slog.Error("file transfer failed", "transfer", t, "error", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.executing--
	if err != nil && p.err == nil {
		p.err = err
	}

	switch {
	case code == DirtyBranch:
		p.dirtyFolders.Add(t.model.ParentID)
	case code == SkippedInternally && t.retries < 1:
		t.retries++
		p.skipped.Enqueue(t, t.retries)
		slog.Debug("file transfer postponed", "transfer", t)
	}

	p.handleExecution()
}

func (p *FileTransfer) execute(ctx context.Context, t *fileTransfer) (ExecutionResultCode, error) {
	slog.Debug("file transfer started", "transfer", t)

	code, err := p.propagation[t.replica].Execute(ctx, t.model.ID, fileTransferFilter)
	if err != nil {
		return code, err
	}

	err = p.sched.Schedule(ctx, func() error {
		tree.PruneUnchangedLeaves(p.trees.Propagation, p.trees.Propagation.NodeByID(t.model.ID), propagationUnchanged)
		return nil
	})
	if err != nil {
		return faultCode(err)
	}

	slog.Debug("file transfer finished", "transfer", t, "code", code)
	return code, nil
}
