package queue

import (
	"context"
	"sync"

	cerrors "github.com/bitswalk/fetchkit/src/common/errors"
	"github.com/bitswalk/fetchkit/src/fetchkit/resource"
)

// MirrorPolicy is the slice of the mirror policy the queue needs: the next
// selection for a resource, and the completion hook that clears retry budget.
type MirrorPolicy interface {
	Next(res *resource.ResourceFile, prevMirrorID string, cause error) (*resource.Selection, error)
	DownloadComplete(resourceID string)
}

// TaskState is the lifecycle state of a download task.
type TaskState int

const (
	TaskQueued TaskState = iota
	TaskRunning
	TaskCompleted
	TaskFailed
	TaskCancelled
)

func (s TaskState) String() string {
	switch s {
	case TaskQueued:
		return "queued"
	case TaskRunning:
		return "running"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	case TaskCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Task is the per-resource lifecycle object the queue tracks. It survives
// across mirror retries, owns the current downloadable, and wakes waiters
// exactly once when it reaches a terminal state.
type Task struct {
	request *resource.DownloadRequest
	policy  MirrorPolicy

	mu              sync.Mutex
	state           TaskState
	current         *resource.Downloadable
	initialConsumed bool
	err             error

	done     chan struct{}
	complete sync.Once
}

// NewTask creates a task for the request. The request's initial downloadable,
// if present, is consumed by the first Advance.
func NewTask(request *resource.DownloadRequest, policy MirrorPolicy) *Task {
	return &Task{
		request: request,
		policy:  policy,
		done:    make(chan struct{}),
	}
}

// ID returns the resource id the task is keyed by.
func (t *Task) ID() string { return t.request.ID() }

// Request returns the download request the task is driving.
func (t *Task) Request() *resource.DownloadRequest { return t.request }

// State returns the current lifecycle state.
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// CurrentDownloadable returns the live handle, or nil if none is chosen yet.
func (t *Task) CurrentDownloadable() *resource.Downloadable {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Priority returns the scheduling priority of the task's downloadable (the
// current one, or the request's initial one before first dispatch).
func (t *Task) Priority() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current != nil {
		return t.current.Priority()
	}
	if t.request.Initial != nil {
		return t.request.Initial.Priority()
	}
	return 0
}

// SetPriority sets the scheduling priority on whichever downloadable the next
// dispatch will use.
func (t *Task) SetPriority(p int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current != nil {
		t.current.SetPriority(p)
	}
	if t.request.Initial != nil {
		t.request.Initial.SetPriority(p)
	}
}

// Advance asks the mirror policy for the next selection and swaps in the new
// downloadable. The first call (prev == nil) consumes the request's initial
// selection when one exists, since the policy already spent budget on it.
// Returns (nil, nil) when the mirrors are exhausted.
func (t *Task) Advance(prev *resource.Downloadable, cause error) (*resource.Downloadable, error) {
	t.mu.Lock()
	if t.state == TaskCancelled || t.state == TaskCompleted || t.state == TaskFailed {
		t.mu.Unlock()
		return nil, cerrors.ErrDownloadCancelled.WithMessage("task already terminal")
	}

	if prev == nil && !t.initialConsumed && t.request.Initial != nil {
		t.initialConsumed = true
		t.current = t.request.Initial
		t.state = TaskRunning
		d := t.current
		t.mu.Unlock()
		return d, nil
	}

	prevMirrorID := ""
	if prev != nil {
		prevMirrorID = prev.Mirror().ID
	}
	t.initialConsumed = true
	t.mu.Unlock()

	sel, err := t.policy.Next(&t.request.Resource, prevMirrorID, cause)
	if err != nil {
		return nil, err
	}
	if sel == nil {
		return nil, nil
	}

	t.mu.Lock()
	t.current = sel.Downloadable
	t.state = TaskRunning
	d := t.current
	t.mu.Unlock()
	return d, nil
}

// adopt installs a recovered downloadable without consulting the policy.
// Used when the transport resumes a transfer from a previous process
// lifetime.
func (t *Task) adopt(d *resource.Downloadable) {
	t.mu.Lock()
	t.current = d
	t.initialConsumed = true
	t.state = TaskRunning
	t.mu.Unlock()
}

// Cancel cancels the underlying downloadable if one exists; otherwise the
// task moves directly to Cancelled. With a live downloadable the transition
// waits for the transport's terminal event, so a caller that has seen Wait
// return never races a late file-moved callback.
func (t *Task) Cancel() {
	t.mu.Lock()
	d := t.current
	t.mu.Unlock()

	if d != nil {
		d.Cancel()
		return
	}
	t.Complete(cerrors.ErrDownloadCancelled)
}

// Complete transitions the task to a terminal state and wakes waiters. Safe
// to call more than once; only the first call takes effect.
func (t *Task) Complete(err error) {
	t.complete.Do(func() {
		t.mu.Lock()
		t.err = err
		switch {
		case err == nil:
			t.state = TaskCompleted
		case cerrors.Is(err, cerrors.ErrDownloadCancelled):
			t.state = TaskCancelled
		default:
			t.state = TaskFailed
		}
		t.current = nil
		t.mu.Unlock()
		close(t.done)
	})
}

// Done returns a channel closed when the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait suspends the caller until the task is terminal: nil on success, the
// terminal error on failure, a cancellation error on cancel. The resumption
// happens exactly once per waiter regardless of how completion raced.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Err returns the terminal error, or nil before completion and on success.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}
