package queue

import (
	"context"
	"sync"
	"time"

	"github.com/tanq16/vidq/internal/utils"
)

// Task is one whole-video download owned by the Manager until it reaches a terminal status.
type Task struct {
	ID        string
	Request   utils.Request
	Priority  int
	CreatedAt time.Time

	seq     uint64
	index   int
	cancel  context.CancelCauseFunc
	requeue bool

	mu         sync.Mutex
	status     utils.TaskStatus
	result     utils.Result
	startedAt  time.Time
	finishedAt time.Time
	attempts   int
	done       chan struct{}
}

func newTask(id string, req utils.Request, seq uint64, now time.Time) *Task {
	return &Task{
		ID:        id,
		Request:   req,
		Priority:  req.Priority,
		CreatedAt: now,
		seq:       seq,
		index:     -1,
		status:    utils.StatusPending,
		done:      make(chan struct{}),
	}
}

func (t *Task) Status() utils.TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Task) Result() utils.Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

func (t *Task) Err() error {
	return t.Result().Err
}

func (t *Task) StartedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startedAt
}

func (t *Task) FinishedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finishedAt
}

// Starts counts how many times the task went DOWNLOADING. Pauses make it exceed one.
func (t *Task) Starts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// QueueWait is the time between submission and the most recent start.
func (t *Task) QueueWait() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.startedAt.IsZero() {
		return 0
	}
	return t.startedAt.Sub(t.CreatedAt)
}

func (t *Task) Duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.startedAt.IsZero() {
		return 0
	}
	if t.finishedAt.IsZero() {
		return time.Since(t.startedAt)
	}
	return t.finishedAt.Sub(t.startedAt)
}

// Done is closed once the task reaches a terminal status.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

func (t *Task) Wait(ctx context.Context) (utils.Result, error) {
	select {
	case <-t.done:
		res := t.Result()
		return res, res.Err
	case <-ctx.Done():
		return utils.Result{}, ctx.Err()
	}
}

func (t *Task) setStatus(s utils.TaskStatus, now time.Time) {
	t.mu.Lock()
	t.status = s
	if s == utils.StatusDownloading {
		t.startedAt = now
		t.attempts++
	}
	t.mu.Unlock()
}

// settle records the terminal status and result. It reports false if the task was already terminal.
func (t *Task) settle(s utils.TaskStatus, res utils.Result, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.IsTerminal() {
		return false
	}
	t.status = s
	res.EndTime = now
	t.result = res
	t.finishedAt = now
	close(t.done)
	return true
}
