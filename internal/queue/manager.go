package queue

import (
	"cmp"
	"container/heap"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tanq16/vidq/internal/config"
	"github.com/tanq16/vidq/internal/utils"
)

var (
	ErrAdmissionRejected = errors.New("download queue is full")
	ErrCancelled         = errors.New("download cancelled")
	ErrPaused            = errors.New("downloads paused")
	ErrShutdown          = errors.New("download queue shut down")
)

// Runner performs the transfer for a task. It must return promptly once ctx is cancelled.
type Runner func(ctx context.Context, t *Task) utils.Result

type StatusHook func(t *Task, status utils.TaskStatus)

type transition struct {
	task   *Task
	status utils.TaskStatus
}

type QueueStatus struct {
	Active        int  `json:"activeCount"`
	Pending       int  `json:"pendingCount"`
	MaxConcurrent int  `json:"maxConcurrent"`
	TotalTracked  int  `json:"totalTracked"`
	Paused        bool `json:"paused"`
}

func (s QueueStatus) Utilization() float64 {
	if s.MaxConcurrent <= 0 {
		return 0
	}
	return float64(s.Active) / float64(s.MaxConcurrent)
}

func (s QueueStatus) IsFull() bool {
	return s.Active >= s.MaxConcurrent
}

func (s QueueStatus) HasPending() bool {
	return s.Pending > 0
}

type Manager struct {
	cfg    config.QueueConfig
	runner Runner

	mu            sync.Mutex
	tasks         map[string]*Task
	pending       taskHeap
	inFlight      map[string]*Task
	draining      map[string]*Task
	maxConcurrent int
	paused        bool
	closed        bool
	seq           uint64
	hooks         []StatusHook
	events        []transition
	dispatchMu    sync.Mutex
	evictHooks    []func(id string)

	baseCtx    context.Context
	baseCancel context.CancelCauseFunc
	wg         sync.WaitGroup
	now        func() time.Time
	log        zerolog.Logger
}

func NewManager(cfg config.QueueConfig, runner Runner) *Manager {
	if cfg.HardCap <= 0 {
		cfg.HardCap = 10
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 50
	}
	if cfg.RetainTerminal <= 0 {
		cfg.RetainTerminal = 100
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Manager{
		cfg:           cfg,
		runner:        runner,
		tasks:         make(map[string]*Task),
		inFlight:      make(map[string]*Task),
		draining:      make(map[string]*Task),
		maxConcurrent: max(1, min(cfg.MaxConcurrent, cfg.HardCap)),
		baseCtx:       ctx,
		baseCancel:    cancel,
		now:           time.Now,
		log:           utils.GetLogger("queue"),
	}
}

// OnStatus registers a hook for every status transition. Hooks run outside the manager lock.
func (m *Manager) OnStatus(fn StatusHook) {
	m.mu.Lock()
	m.hooks = append(m.hooks, fn)
	m.mu.Unlock()
}

// OnEvict registers a hook called with the id of every task dropped by Cleanup.
func (m *Manager) OnEvict(fn func(id string)) {
	m.mu.Lock()
	m.evictHooks = append(m.evictHooks, fn)
	m.mu.Unlock()
}

// Submit creates a task for req. When the queue is full the task is returned already FAILED
// together with ErrAdmissionRejected.
func (m *Manager) Submit(req utils.Request) (*Task, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShutdown
	}
	now := m.now()
	m.seq++
	t := newTask(uuid.NewString(), req, m.seq, now)
	m.tasks[t.ID] = t

	var fired []transition
	if m.pending.Len()+len(m.inFlight)+len(m.draining) >= m.cfg.Capacity {
		err := fmt.Errorf("%w: %d tasks tracked", ErrAdmissionRejected, m.cfg.Capacity)
		t.settle(utils.StatusFailed, utils.Failure(err, now), now)
		fired = append(fired, transition{t, utils.StatusFailed})
		m.unlockAndDispatch(fired)
		m.log.Warn().Str("taskId", t.ID).Str("title", req.Title).Msg("queue full, task rejected")
		return t, err
	}
	heap.Push(&m.pending, t)
	fired = append(fired, transition{t, utils.StatusPending})
	fired = append(fired, m.promoteLocked()...)
	m.unlockAndDispatch(fired)
	m.log.Debug().Str("taskId", t.ID).Str("title", req.Title).Int("priority", t.Priority).Msg("task submitted")
	return t, nil
}

func (m *Manager) promoteLocked() []transition {
	var fired []transition
	for !m.paused && !m.closed && len(m.inFlight) < m.maxConcurrent && m.pending.Len() > 0 {
		t := heap.Pop(&m.pending).(*Task)
		fired = append(fired, m.startLocked(t))
	}
	return fired
}

func (m *Manager) startLocked(t *Task) transition {
	ctx, cancel := context.WithCancelCause(m.baseCtx)
	t.cancel = cancel
	t.setStatus(utils.StatusDownloading, m.now())
	m.inFlight[t.ID] = t
	m.wg.Add(1)
	go m.run(ctx, t)
	return transition{t, utils.StatusDownloading}
}

func (m *Manager) run(ctx context.Context, t *Task) {
	defer m.wg.Done()
	res := m.invoke(ctx, t)
	m.finish(t, res)
}

func (m *Manager) invoke(ctx context.Context, t *Task) (res utils.Result) {
	start := m.now()
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Str("taskId", t.ID).Interface("panic", r).Msg("runner panicked")
			res = utils.Failure(fmt.Errorf("runner panic: %v", r), start)
		}
	}()
	return m.runner(ctx, t)
}

func (m *Manager) finish(t *Task, res utils.Result) {
	m.mu.Lock()
	delete(m.inFlight, t.ID)
	var fired []transition
	switch {
	case t.Status().IsTerminal():
	case t.requeue && !res.Success:
		t.requeue = false
		delete(m.draining, t.ID)
		heap.Push(&m.pending, t)
		m.log.Info().Str("taskId", t.ID).Msg("task requeued after pause")
	default:
		if t.requeue {
			t.requeue = false
			delete(m.draining, t.ID)
		}
		status := utils.StatusCompleted
		if !res.Success {
			status = utils.StatusFailed
			if res.Err == nil {
				res.Err = errors.New("download failed")
			}
		}
		if t.settle(status, res, m.now()) {
			fired = append(fired, transition{t, status})
		}
	}
	if t.cancel != nil {
		t.cancel(nil)
	}
	fired = append(fired, m.promoteLocked()...)
	m.unlockAndDispatch(fired)
}

// Cancel stops a pending or running task. Running tasks are marked CANCELLED right away and
// tear down in the background.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok || t.Status().IsTerminal() {
		m.mu.Unlock()
		return false
	}
	now := m.now()
	switch {
	case t.index >= 0:
		heap.Remove(&m.pending, t.index)
	case m.inFlight[id] == t:
		delete(m.inFlight, id)
		t.cancel(ErrCancelled)
	case m.draining[id] == t:
		delete(m.draining, id)
		t.requeue = false
	}
	var fired []transition
	if t.settle(utils.StatusCancelled, utils.Failure(ErrCancelled, t.StartedAt()), now) {
		fired = append(fired, transition{t, utils.StatusCancelled})
	}
	fired = append(fired, m.promoteLocked()...)
	m.unlockAndDispatch(fired)
	m.log.Info().Str("taskId", id).Msg("task cancelled")
	return true
}

// SetMaxConcurrent changes the in-flight limit. Values outside [1, hard cap] are ignored.
func (m *Manager) SetMaxConcurrent(n int) bool {
	if n <= 0 || n > m.cfg.HardCap {
		m.log.Warn().Int("requested", n).Int("hardCap", m.cfg.HardCap).Msg("ignoring max concurrent update")
		return false
	}
	m.mu.Lock()
	raised := n > m.maxConcurrent
	m.maxConcurrent = n
	var fired []transition
	if raised {
		fired = m.promoteLocked()
	}
	m.unlockAndDispatch(fired)
	return true
}

func (m *Manager) MaxConcurrent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxConcurrent
}

// PauseAll stops promotion and sends every running task back to PENDING.
func (m *Manager) PauseAll() {
	m.mu.Lock()
	if m.paused {
		m.mu.Unlock()
		return
	}
	m.paused = true
	var fired []transition
	for id, t := range m.inFlight {
		delete(m.inFlight, id)
		m.draining[id] = t
		t.requeue = true
		t.setStatus(utils.StatusPending, m.now())
		t.cancel(ErrPaused)
		fired = append(fired, transition{t, utils.StatusPending})
	}
	slices.SortFunc(fired, func(a, b transition) int { return cmp.Compare(a.task.seq, b.task.seq) })
	m.unlockAndDispatch(fired)
	m.log.Info().Int("requeued", len(fired)).Msg("downloads paused")
}

func (m *Manager) ResumeAll() {
	m.mu.Lock()
	if !m.paused {
		m.mu.Unlock()
		return
	}
	m.paused = false
	fired := m.promoteLocked()
	m.unlockAndDispatch(fired)
	m.log.Info().Int("started", len(fired)).Msg("downloads resumed")
}

func (m *Manager) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

func (m *Manager) Get(id string) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	return t, ok
}

// Tasks lists every tracked task in submission order.
func (m *Manager) Tasks() []*Task {
	m.mu.Lock()
	out := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	m.mu.Unlock()
	slices.SortFunc(out, func(a, b *Task) int { return cmp.Compare(a.seq, b.seq) })
	return out
}

func (m *Manager) Snapshot() QueueStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return QueueStatus{
		Active:        len(m.inFlight),
		Pending:       m.pending.Len() + len(m.draining),
		MaxConcurrent: m.maxConcurrent,
		TotalTracked:  len(m.tasks),
		Paused:        m.paused,
	}
}

// Cleanup drops the oldest terminal tasks beyond the retention limit and returns their ids.
func (m *Manager) Cleanup() []string {
	m.mu.Lock()
	var terminal []*Task
	for _, t := range m.tasks {
		if t.Status().IsTerminal() {
			terminal = append(terminal, t)
		}
	}
	var removed []string
	if over := len(terminal) - m.cfg.RetainTerminal; over > 0 {
		slices.SortFunc(terminal, func(a, b *Task) int {
			return a.FinishedAt().Compare(b.FinishedAt())
		})
		for _, t := range terminal[:over] {
			delete(m.tasks, t.ID)
			removed = append(removed, t.ID)
		}
	}
	hooks := slices.Clone(m.evictHooks)
	m.mu.Unlock()
	for _, id := range removed {
		for _, fn := range hooks {
			fn(id)
		}
	}
	if len(removed) > 0 {
		m.log.Debug().Int("removed", len(removed)).Msg("cleaned up finished tasks")
	}
	return removed
}

// Start runs Cleanup on the configured interval until ctx is done or the manager shuts down.
func (m *Manager) Start(ctx context.Context) {
	interval := m.cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Cleanup()
			case <-ctx.Done():
				return
			case <-m.baseCtx.Done():
				return
			}
		}
	}()
}

// Shutdown cancels every pending and running task and waits for runners until ctx expires.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	now := m.now()
	var fired []transition
	cancelled := utils.Failure(ErrShutdown, now)
	for m.pending.Len() > 0 {
		t := heap.Pop(&m.pending).(*Task)
		if t.settle(utils.StatusCancelled, cancelled, now) {
			fired = append(fired, transition{t, utils.StatusCancelled})
		}
	}
	for _, set := range []map[string]*Task{m.inFlight, m.draining} {
		for id, t := range set {
			delete(set, id)
			t.requeue = false
			if t.settle(utils.StatusCancelled, cancelled, now) {
				fired = append(fired, transition{t, utils.StatusCancelled})
			}
		}
	}
	m.unlockAndDispatch(fired)
	m.baseCancel(ErrShutdown)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.log.Info().Msg("queue shut down")
		return nil
	case <-ctx.Done():
		m.log.Warn().Msg("queue shutdown timed out waiting for runners")
		return ctx.Err()
	}
}

// unlockAndDispatch queues transitions while still holding m.mu so hooks observe them in the
// order they happened, then releases the lock and runs the hooks.
func (m *Manager) unlockAndDispatch(fired []transition) {
	m.events = append(m.events, fired...)
	m.mu.Unlock()
	m.dispatch()
}

// dispatch drains queued transitions. A caller that finds another goroutine draining leaves its
// events to that goroutine, which also makes nested calls from inside a hook safe.
func (m *Manager) dispatch() {
	for {
		if !m.dispatchMu.TryLock() {
			return
		}
		for {
			m.mu.Lock()
			batch := m.events
			m.events = nil
			hooks := slices.Clone(m.hooks)
			m.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, tr := range batch {
				for _, fn := range hooks {
					fn(tr.task, tr.status)
				}
			}
		}
		m.dispatchMu.Unlock()
		m.mu.Lock()
		more := len(m.events) > 0
		m.mu.Unlock()
		if !more {
			return
		}
	}
}
