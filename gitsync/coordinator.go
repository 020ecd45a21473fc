// Package gitsync runs the network-facing repository operations (push,
// pull and clone) on a shared worker pool. Each project admits one
// operation at a time through its Slot; a second submission fails fast
// instead of queueing behind the first. Operations are futures: the
// caller waits on the result while the worker holds the project's
// exclusive lock for the duration, bounded by the coordinator timeout.
package gitsync

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"strata/checkpoint"
	"strata/errs"
	"strata/gitbridge"
)

// Kind names a sync operation.
type Kind string

const (
	KindPush  Kind = "push"
	KindPull  Kind = "pull"
	KindClone Kind = "clone"
)

// State is an operation's lifecycle position.
type State string

const (
	StateInProgress State = "in_progress"
	StateSuccess    State = "success"
	StateFailed     State = "failed"
	StateConflict   State = "conflict"
)

// Defaults applied when the configuration leaves them zero.
const (
	DefaultTimeout = 60 * time.Second
	DefaultWorkers = 4
)

// Target is everything an operation needs from a project: its bridge and
// checkpoint service, the exclusive lock serializing project mutations,
// and the Slot gating concurrent sync.
type Target struct {
	ProjectID   string
	Bridge      *gitbridge.Bridge
	Checkpoints *checkpoint.Service
	Lock        sync.Locker
	Slot        *Slot
	Actor       string
}

func (t Target) validate() error {
	if t.Bridge == nil || t.Checkpoints == nil || t.Lock == nil || t.Slot == nil {
		return errs.New(errs.Internal, "sync target is incomplete")
	}
	return nil
}

// Operation is a queued or running sync job. It resolves exactly once.
type Operation struct {
	id        string
	kind      Kind
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	mu         sync.Mutex
	state      State
	detail     string
	paths      []string
	finishedAt time.Time
	err        error
}

func newOperation(kind Kind) *Operation {
	return &Operation{
		id:        uuid.NewString(),
		kind:      kind,
		startedAt: time.Now(),
		state:     StateInProgress,
		done:      make(chan struct{}),
	}
}

// ID returns the operation's identifier.
func (o *Operation) ID() string { return o.id }

// Cancel aborts the operation's transfer. Already-finished operations
// are unaffected.
func (o *Operation) Cancel() { o.cancel() }

// Wait blocks until the operation resolves and returns its error: nil
// for success, the conflict or failure otherwise. Waiting is abandoned
// when ctx ends; the operation itself keeps running.
func (o *Operation) Wait(ctx context.Context) error {
	select {
	case <-o.done:
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Record is a point-in-time view of an operation.
type Record struct {
	ID            string
	Kind          Kind
	State         State
	Detail        string
	ConflictPaths []string
	StartedAt     time.Time
	FinishedAt    time.Time
}

// Snapshot captures the operation's current state.
func (o *Operation) Snapshot() Record {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Record{
		ID:            o.id,
		Kind:          o.kind,
		State:         o.state,
		Detail:        o.detail,
		ConflictPaths: append([]string(nil), o.paths...),
		StartedAt:     o.startedAt,
		FinishedAt:    o.finishedAt,
	}
}

func (o *Operation) finish(state State, detail string, paths []string, err error) {
	o.mu.Lock()
	o.state = state
	o.detail = detail
	o.paths = paths
	o.err = err
	o.finishedAt = time.Now()
	o.mu.Unlock()
	close(o.done)
}

// Slot is a project's sync gate: at most one operation in flight, with
// the most recent resolved one retained for inspection.
type Slot struct {
	mu      sync.Mutex
	current *Operation
	last    *Operation
}

func (s *Slot) begin(op *Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return errs.New(errs.State, "sync already in progress")
	}
	s.current = op
	return nil
}

func (s *Slot) end(op *Operation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == op {
		s.current = nil
		s.last = op
	}
}

// Current returns the in-flight operation, or the last resolved one, or
// nil when the project has never synced.
func (s *Slot) Current() *Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return s.current
	}
	return s.last
}

// Coordinator owns the worker pool. One coordinator serves all projects.
type Coordinator struct {
	timeout time.Duration
	jobs    chan *job
	stop    chan struct{}
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

type job struct {
	project string
	op      *Operation
	slot    *Slot
	ctx     context.Context
	run     func(ctx context.Context) (string, error)
}

// NewCoordinator starts workers goroutines consuming the FIFO job queue.
// Zero values select the defaults.
func NewCoordinator(workers int, timeout time.Duration) *Coordinator {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Coordinator{
		timeout: timeout,
		jobs:    make(chan *job, 128),
		stop:    make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	return c
}

// Push queues a push for the target project.
func (c *Coordinator) Push(t Target) (*Operation, error) {
	return c.submit(t, KindPush, func(ctx context.Context) (string, error) {
		t.Lock.Lock()
		defer t.Lock.Unlock()
		return push(ctx, t)
	})
}

// Pull queues a pull for the target project.
func (c *Coordinator) Pull(t Target) (*Operation, error) {
	return c.submit(t, KindPull, func(ctx context.Context) (string, error) {
		t.Lock.Lock()
		defer t.Lock.Unlock()
		return pull(ctx, t)
	})
}

// Clone queues a clone of url into the target project.
func (c *Coordinator) Clone(t Target, url string) (*Operation, error) {
	return c.submit(t, KindClone, func(ctx context.Context) (string, error) {
		t.Lock.Lock()
		defer t.Lock.Unlock()
		return clone(ctx, t, url)
	})
}

func (c *Coordinator) submit(t Target, kind Kind, run func(ctx context.Context) (string, error)) (*Operation, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}
	op := newOperation(kind)
	ctx, cancel := context.WithCancel(context.Background())
	op.cancel = cancel

	if err := t.Slot.begin(op); err != nil {
		cancel()
		return nil, err
	}
	j := &job{project: t.ProjectID, op: op, slot: t.Slot, ctx: ctx, run: run}

	// Enqueueing is serialized against Close: a job admitted here is
	// guaranteed to be run by a worker or failed by the drain.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.abandon(j)
		return nil, errs.New(errs.State, "sync coordinator is shut down")
	}
	c.jobs <- j
	c.mu.Unlock()
	return op, nil
}

func (c *Coordinator) worker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case j := <-c.jobs:
			c.runJob(j)
		}
	}
}

func (c *Coordinator) runJob(j *job) {
	ctx, cancel := context.WithTimeout(j.ctx, c.timeout)
	defer cancel()

	// A job cancelled while queued never runs.
	var detail string
	err := j.ctx.Err()
	if err == nil {
		detail, err = j.run(ctx)
	}
	switch {
	case err == nil:
		j.op.finish(StateSuccess, detail, nil, nil)
	case errs.KindOf(err) == errs.Conflict:
		j.op.finish(StateConflict, err.Error(), errs.PathsOf(err), err)
	case j.ctx.Err() == context.Canceled:
		j.op.finish(StateFailed, "sync cancelled", nil, errs.New(errs.State, "sync cancelled"))
	case ctx.Err() == context.DeadlineExceeded:
		j.op.finish(StateFailed, fmt.Sprintf("sync timed out after %s", c.timeout), nil,
			errs.Wrapf(errs.Network, err, "sync timed out after %s", c.timeout))
	default:
		j.op.finish(StateFailed, err.Error(), nil, err)
	}
	j.slot.end(j.op)

	rec := j.op.Snapshot()
	log.Printf("sync %s %s on %s: %s (%s)", rec.Kind, rec.ID[:8], j.project, rec.State, rec.FinishedAt.Sub(rec.StartedAt).Round(time.Millisecond))
}

func (c *Coordinator) abandon(j *job) {
	j.op.finish(StateFailed, "daemon shutting down", nil, errs.New(errs.State, "sync aborted: daemon shutting down"))
	j.slot.end(j.op)
	j.op.cancel()
}

// Close stops the workers after their current jobs and fails anything
// still queued. Further submissions are rejected.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.stop)
	c.wg.Wait()
	for {
		select {
		case j := <-c.jobs:
			c.abandon(j)
		default:
			return
		}
	}
}
