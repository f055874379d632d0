// Package monitor is the terminal task view. It polls the daemon for task
// progress, flags downloads that stop moving and clears finished tasks.
package monitor

import (
	"fmt"
	"sort"
	"time"

	"p2pshare/internal/domain"
)

const (
	PollInterval = 2 * time.Second
	StallAfter   = 30 * time.Second
	TimeoutAfter = 2 * time.Minute
)

// Notice is a user-facing message. Err notices are shown in red.
type Notice struct {
	Text string
	Err  bool
}

type entry struct {
	task    domain.Task
	changed time.Time
	// canceled locally; later snapshots cannot revive the task
	canceled bool
}

// Board is the monitor's view of the daemon's tasks.
type Board struct {
	entries map[string]*entry
	order   []string
}

func NewBoard() *Board {
	return &Board{entries: make(map[string]*entry)}
}

// Tasks returns the tracked tasks in first-seen order.
func (b *Board) Tasks() []domain.Task {
	out := make([]domain.Task, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.entries[id].task)
	}
	return out
}

func (b *Board) Len() int { return len(b.order) }

// Result is what a reconcile asks the caller to do.
type Result struct {
	Cleanup []string
	Notices []Notice
}

// Reconcile merges a progress snapshot taken at now. Tasks seen for the
// first time are added as reported. For known tasks the reported status
// wins unless the user canceled locally; downloads whose percentage and
// byte count stay unchanged are marked stalled after StallAfter and timed
// out after TimeoutAfter. Tasks that end up terminal are dropped and
// returned for cleanup.
func (b *Board) Reconcile(now time.Time, snapshot map[string]domain.Task) Result {
	var res Result

	ids := make([]string, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		in := snapshot[id]
		e, ok := b.entries[id]
		if !ok {
			b.entries[id] = &entry{task: in, changed: now}
			b.order = append(b.order, id)
			continue
		}

		status := in.Status
		if e.canceled {
			status = domain.StatusCanceled
		}
		if in.Type == domain.TaskDownload {
			moved := in.Percent != e.task.Percent || in.BytesTransferred != e.task.BytesTransferred
			if moved {
				e.changed = now
			} else if status == domain.StatusDownloading || status == domain.StatusStarting {
				switch idle := now.Sub(e.changed); {
				case idle >= TimeoutAfter:
					status = domain.StatusTimeout
					res.Notices = append(res.Notices, Notice{Text: fmt.Sprintf("Download of %s timed out", in.FileName), Err: true})
				case idle >= StallAfter:
					status = domain.StatusStalled
				}
			}
		}
		e.task = in
		e.task.Status = status

		if status.Terminal() {
			res.Cleanup = append(res.Cleanup, id)
			b.remove(id)
		}
	}
	return res
}

// MarkCanceled records a user cancel so the task stays canceled.
func (b *Board) MarkCanceled(id string) {
	if e, ok := b.entries[id]; ok {
		e.canceled = true
		e.task.Status = domain.StatusCanceled
	}
}

// MarkResumed flips a resumed task back to downloading and restarts its
// stall clock.
func (b *Board) MarkResumed(id string, now time.Time) {
	if e, ok := b.entries[id]; ok {
		e.task.Status = domain.StatusDownloading
		e.changed = now
	}
}

func (b *Board) remove(id string) {
	delete(b.entries, id)
	for i, o := range b.order {
		if o == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			return
		}
	}
}
