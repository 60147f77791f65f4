package buildsys

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrTasksFailed = errors.New("buildsys: tag tasks failed")
	ErrWaitTimeout = errors.New("buildsys: timed out waiting for tasks")
	ErrEmptyBatch  = errors.New("buildsys: empty batch")
)

// Client is the build tag service contract used by the masher.
type Client interface {
	// ListTags returns the names of every tag the build belongs to.
	ListTags(ctx context.Context, nvr string) ([]string, error)
	// Submit sends every queued action as one request. The returned handle
	// covers the asynchronous tasks the service started.
	Submit(ctx context.Context, batch *Batch) (*Pending, error)
}

// TaskState mirrors the build system's task states.
type TaskState int

const (
	TaskFree     TaskState = 0
	TaskOpen     TaskState = 1
	TaskClosed   TaskState = 2
	TaskCanceled TaskState = 3
	TaskAssigned TaskState = 4
	TaskFailed   TaskState = 5
)

func (s TaskState) String() string {
	switch s {
	case TaskFree:
		return "FREE"
	case TaskOpen:
		return "OPEN"
	case TaskClosed:
		return "CLOSED"
	case TaskCanceled:
		return "CANCELED"
	case TaskAssigned:
		return "ASSIGNED"
	case TaskFailed:
		return "FAILED"
	}
	return fmt.Sprintf("STATE(%d)", int(s))
}

// TaskWatcher reports task progress.
type TaskWatcher interface {
	TaskFinished(ctx context.Context, id int64) (bool, error)
	TaskState(ctx context.Context, id int64) (TaskState, error)
}

// TaskError lists the tasks that did not close cleanly.
type TaskError struct {
	Failed map[int64]TaskState
}

func (e *TaskError) Error() string {
	ids := make([]int64, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%d=%s", id, e.Failed[id]))
	}
	return fmt.Sprintf("%s: %s", ErrTasksFailed, strings.Join(parts, ", "))
}

func (e *TaskError) Unwrap() error { return ErrTasksFailed }

// Fault is a per-call failure inside a batched request.
type Fault struct {
	Action TagAction
	Code   int
	Msg    string
}

// BatchError is returned by Submit when some calls in the batch faulted.
// Tasks started by the other calls are still reported on the Pending handle.
type BatchError struct {
	Faults []Fault
}

func (e *BatchError) Error() string {
	parts := make([]string, 0, len(e.Faults))
	for _, f := range e.Faults {
		parts = append(parts, fmt.Sprintf("%s: %s (%d)", f.Action, f.Msg, f.Code))
	}
	return "buildsys: batch faults: " + strings.Join(parts, "; ")
}

// Pending is a handle on every task started by one Submit.
type Pending struct {
	tasks   []int64
	watcher TaskWatcher
	poll    time.Duration
	timeout time.Duration
}

// NewPending builds a handle. timeout <= 0 waits forever.
func NewPending(tasks []int64, watcher TaskWatcher, poll, timeout time.Duration) *Pending {
	if poll <= 0 {
		poll = time.Second
	}
	return &Pending{tasks: append([]int64(nil), tasks...), watcher: watcher, poll: poll, timeout: timeout}
}

func (p *Pending) Tasks() []int64 {
	if p == nil {
		return nil
	}
	return append([]int64(nil), p.tasks...)
}

// Wait blocks until every task has finished and returns a *TaskError when
// any of them failed or was canceled.
func (p *Pending) Wait(ctx context.Context) error {
	if p == nil || len(p.tasks) == 0 {
		return nil
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	open := append([]int64(nil), p.tasks...)
	for {
		remaining := open[:0]
		for _, id := range open {
			done, err := p.watcher.TaskFinished(ctx, id)
			if err != nil {
				return fmt.Errorf("check task %d: %w", id, err)
			}
			if !done {
				remaining = append(remaining, id)
			}
		}
		open = remaining
		if len(open) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: %d still open", ErrWaitTimeout, len(open))
			}
			return ctx.Err()
		case <-time.After(p.poll):
		}
	}

	failed := map[int64]TaskState{}
	for _, id := range p.tasks {
		state, err := p.watcher.TaskState(ctx, id)
		if err != nil {
			return fmt.Errorf("task %d info: %w", id, err)
		}
		if state == TaskFailed || state == TaskCanceled {
			failed[id] = state
		}
	}
	if len(failed) > 0 {
		return &TaskError{Failed: failed}
	}
	return nil
}
