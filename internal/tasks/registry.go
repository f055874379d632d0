// Package tasks tracks share and download progress and owns the lifecycle
// of the goroutines doing the work.
package tasks

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"p2pshare/internal/domain"
)

var (
	ErrNotFound     = errors.New("task not found")
	ErrNotResumable = errors.New("task cannot be resumed")

	// Cancellation causes seen by running jobs through context.Cause.
	ErrCanceled = errors.New("canceled by user")
	ErrTimedOut = errors.New("no progress before timeout")
)

// RunFunc does the work of a task. It is restarted with the same function
// on resume.
type RunFunc func(ctx context.Context) error

type entry struct {
	task    domain.Task
	run     RunFunc
	ctx     context.Context
	cancel  context.CancelCauseFunc
	running bool
	// restart is set when a resume arrives while a stopped job is still
	// unwinding; finish relaunches it.
	restart bool
}

// Options configures the stall and timeout heuristics.
type Options struct {
	StallAfter   time.Duration
	TimeoutAfter time.Duration
	CleanupDelay time.Duration
}

// Registry is safe for concurrent use.
type Registry struct {
	opts Options
	log  *slog.Logger
	now  func() time.Time

	mu      sync.Mutex
	tasks   map[string]*entry
	subs    map[chan struct{}]struct{}
	wg      sync.WaitGroup
	baseCtx context.Context
}

func NewRegistry(ctx context.Context, opts Options, log *slog.Logger) *Registry {
	return &Registry{
		opts:    opts,
		log:     log.With("component", "tasks"),
		now:     time.Now,
		tasks:   make(map[string]*entry),
		subs:    make(map[chan struct{}]struct{}),
		baseCtx: ctx,
	}
}

// Create registers a new task in status starting.
func (r *Registry) Create(typ domain.TaskType, fileName string) domain.Task {
	t := domain.Task{
		ID:           uuid.NewString(),
		Type:         typ,
		Status:       domain.StatusStarting,
		FileName:     fileName,
		LastProgress: r.now(),
	}
	r.mu.Lock()
	r.tasks[t.ID] = &entry{task: t}
	r.mu.Unlock()
	r.notify()
	return t
}

func (r *Registry) Get(id string) (domain.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tasks[id]
	if !ok {
		return domain.Task{}, false
	}
	return e.task, true
}

// Snapshot copies every task, keyed by id.
func (r *Registry) Snapshot() map[string]domain.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]domain.Task, len(r.tasks))
	for id, e := range r.tasks {
		out[id] = e.task
	}
	return out
}

// Update applies fn to the task without touching its progress clock.
func (r *Registry) Update(id string, fn func(*domain.Task)) {
	r.mu.Lock()
	e, ok := r.tasks[id]
	if ok {
		fn(&e.task)
	}
	r.mu.Unlock()
	if ok {
		r.notify()
	}
}

// Progress applies fn, resets the progress clock and brings a stalled task
// back to downloading. Tasks already canceled or timed out are left alone.
func (r *Registry) Progress(id string, fn func(*domain.Task)) {
	r.mu.Lock()
	e, ok := r.tasks[id]
	if ok {
		switch e.task.Status {
		case domain.StatusCanceled, domain.StatusTimeout:
			r.mu.Unlock()
			return
		}
		fn(&e.task)
		e.task.LastProgress = r.now()
		if e.task.Status == domain.StatusStalled {
			e.task.Status = domain.StatusDownloading
		}
	}
	r.mu.Unlock()
	if ok {
		r.notify()
	}
}

// Start runs fn for the task in its own goroutine.
func (r *Registry) Start(id string, fn RunFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tasks[id]
	if !ok {
		return ErrNotFound
	}
	e.run = fn
	r.launchLocked(id, e)
	return nil
}

func (r *Registry) launchLocked(id string, e *entry) {
	ctx, cancel := context.WithCancelCause(r.baseCtx)
	e.ctx = ctx
	e.cancel = cancel
	e.running = true
	e.restart = false
	run := e.run
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		err := run(ctx)
		r.finish(id, ctx, err)
		cancel(nil)
	}()
}

func (r *Registry) finish(id string, ctx context.Context, err error) {
	r.mu.Lock()
	e, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.running = false
	if e.restart {
		r.launchLocked(id, e)
		r.mu.Unlock()
		return
	}
	if err != nil {
		cause := context.Cause(ctx)
		switch {
		case errors.Is(cause, ErrCanceled):
			e.task.Status = domain.StatusCanceled
		case errors.Is(cause, ErrTimedOut):
			e.task.Status = domain.StatusTimeout
		default:
			if !e.task.Status.Terminal() {
				e.task.Status = domain.StatusFailed
			}
			if e.task.Error == "" {
				e.task.Error = err.Error()
			}
		}
	}
	status := e.task.Status
	r.mu.Unlock()

	if err != nil {
		r.log.Info("task ended", "id", id, "status", status, "error", err)
	}
	r.notify()
}

// Cancel marks the task canceled, stops its job and forgets it after the
// cleanup delay.
func (r *Registry) Cancel(id string) error {
	r.mu.Lock()
	e, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	e.task.Status = domain.StatusCanceled
	if e.cancel != nil {
		e.cancel(ErrCanceled)
	}
	r.mu.Unlock()
	r.notify()

	time.AfterFunc(r.opts.CleanupDelay, func() { r.Cleanup([]string{id}) })
	return nil
}

// Resume restarts a timed-out, stalled or failed-but-resumable task.
func (r *Registry) Resume(id string) error {
	r.mu.Lock()
	e, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	switch e.task.Status {
	case domain.StatusStalled, domain.StatusTimeout:
	case domain.StatusFailed:
		if !e.task.CanResume() {
			r.mu.Unlock()
			return ErrNotResumable
		}
	default:
		r.mu.Unlock()
		return ErrNotResumable
	}
	if !e.running && e.run == nil {
		r.mu.Unlock()
		return ErrNotResumable
	}
	e.task.Status = domain.StatusDownloading
	e.task.Error = ""
	e.task.LastProgress = r.now()
	switch {
	case !e.running:
		r.launchLocked(id, e)
	case e.ctx.Err() != nil:
		e.restart = true
	}
	r.mu.Unlock()

	r.log.Info("task resumed", "id", id)
	r.notify()
	return nil
}

// Cleanup forgets the given tasks, stopping any that still run.
func (r *Registry) Cleanup(ids []string) {
	r.mu.Lock()
	for _, id := range ids {
		e, ok := r.tasks[id]
		if !ok {
			continue
		}
		if e.running && e.cancel != nil {
			e.cancel(ErrCanceled)
		}
		delete(r.tasks, id)
	}
	r.mu.Unlock()
	r.notify()
}

// CheckTimeouts marks tasks without recent progress as stalled, and past
// the timeout as timed out, stopping their jobs.
func (r *Registry) CheckTimeouts() {
	now := r.now()
	changed := false
	r.mu.Lock()
	for id, e := range r.tasks {
		switch e.task.Status {
		case domain.StatusStarting, domain.StatusDownloading, domain.StatusStalled:
		default:
			continue
		}
		idle := now.Sub(e.task.LastProgress)
		switch {
		case idle >= r.opts.TimeoutAfter:
			e.task.Status = domain.StatusTimeout
			if e.cancel != nil {
				e.cancel(ErrTimedOut)
			}
			changed = true
			r.log.Warn("task timed out", "id", id, "file", e.task.FileName, "idle", idle)
		case idle >= r.opts.StallAfter && e.task.Status != domain.StatusStalled:
			e.task.Status = domain.StatusStalled
			changed = true
			r.log.Info("task stalled", "id", id, "file", e.task.FileName, "idle", idle)
		}
	}
	r.mu.Unlock()
	if changed {
		r.notify()
	}
}

// Watch runs CheckTimeouts every interval until ctx is done.
func (r *Registry) Watch(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.CheckTimeouts()
		}
	}
}

// Subscribe returns a channel signalled after every change. The returned
// func unsubscribes.
func (r *Registry) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	r.mu.Lock()
	r.subs[ch] = struct{}{}
	r.mu.Unlock()
	return ch, func() {
		r.mu.Lock()
		delete(r.subs, ch)
		r.mu.Unlock()
	}
}

func (r *Registry) notify() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ch := range r.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Wait blocks until every started job has returned.
func (r *Registry) Wait() {
	r.wg.Wait()
}
