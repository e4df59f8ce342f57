package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tanq16/vidq/internal/config"
	"github.com/tanq16/vidq/internal/utils"
)

// gatedRunner blocks each task until the test releases it by title.
type gatedRunner struct {
	mu      sync.Mutex
	gates   map[string]chan bool
	started []string
}

func newGatedRunner() *gatedRunner {
	return &gatedRunner{gates: make(map[string]chan bool)}
}

func (g *gatedRunner) gate(title string) chan bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.gates[title]
	if !ok {
		ch = make(chan bool, 1)
		g.gates[title] = ch
	}
	return ch
}

func (g *gatedRunner) run(ctx context.Context, t *Task) utils.Result {
	start := time.Now()
	g.mu.Lock()
	g.started = append(g.started, t.Request.Title)
	g.mu.Unlock()
	select {
	case ok := <-g.gate(t.Request.Title):
		if ok {
			return utils.Success([]string{t.Request.Title}, start, 1)
		}
		return utils.Failure(errors.New("transfer failed"), start)
	case <-ctx.Done():
		return utils.Failure(context.Cause(ctx), start)
	}
}

func (g *gatedRunner) release(title string, ok bool) { g.gate(title) <- ok }

func (g *gatedRunner) startOrder() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.started...)
}

func testConfig(maxConcurrent, capacity int) config.QueueConfig {
	cfg := config.Default().Queue
	cfg.MaxConcurrent = maxConcurrent
	cfg.Capacity = capacity
	return cfg
}

func waitStatus(t *testing.T, task *Task, want utils.TaskStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for task.Status() != want {
		if time.Now().After(deadline) {
			t.Fatalf("task %s status = %s, want %s", task.Request.Title, task.Status(), want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitDrained(t *testing.T, m *Manager) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		m.mu.Lock()
		n := len(m.draining)
		m.mu.Unlock()
		if n == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("%d paused tasks never returned to the queue", n)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func submit(t *testing.T, m *Manager, title string, priority int) *Task {
	t.Helper()
	task, err := m.Submit(utils.Request{Title: title, Priority: priority})
	if err != nil {
		t.Fatalf("submit %s: %v", title, err)
	}
	return task
}

func TestTwoRunningThreePending(t *testing.T) {
	g := newGatedRunner()
	m := NewManager(testConfig(2, 10), g.run)
	defer m.Shutdown(context.Background())

	a := submit(t, m, "A", 0)
	b := submit(t, m, "B", 0)
	c := submit(t, m, "C", 0)
	d := submit(t, m, "D", -1)
	e := submit(t, m, "E", 0)

	for _, task := range []*Task{a, b} {
		if task.Status() != utils.StatusDownloading {
			t.Errorf("%s = %s, want DOWNLOADING", task.Request.Title, task.Status())
		}
	}
	for _, task := range []*Task{c, d, e} {
		if task.Status() != utils.StatusPending {
			t.Errorf("%s = %s, want PENDING", task.Request.Title, task.Status())
		}
	}
	if s := m.Snapshot(); s.Active != 2 || s.Pending != 3 || !s.IsFull() || !s.HasPending() {
		t.Errorf("snapshot = %+v", s)
	}

	g.release("A", true)
	waitStatus(t, a, utils.StatusCompleted)
	waitStatus(t, d, utils.StatusDownloading)
	if c.Status() != utils.StatusPending {
		t.Error("lower priority value should have been promoted first")
	}

	g.release("B", false)
	waitStatus(t, b, utils.StatusFailed)
	waitStatus(t, c, utils.StatusDownloading)
	if e.Status() != utils.StatusPending {
		t.Error("E should still wait behind C")
	}

	g.release("D", true)
	waitStatus(t, e, utils.StatusDownloading)
	g.release("C", true)
	g.release("E", true)
	waitStatus(t, e, utils.StatusCompleted)

	got := g.startOrder()
	if len(got) != 5 {
		t.Fatalf("start order = %v", got)
	}
	first := map[string]bool{got[0]: true, got[1]: true}
	if !first["A"] || !first["B"] || got[2] != "D" || got[3] != "C" || got[4] != "E" {
		t.Errorf("start order = %v, want A and B then D, C, E", got)
	}
	if err := b.Err(); err == nil {
		t.Error("failed task has no error")
	}
}

func TestAdmissionRejectedWhenFull(t *testing.T) {
	g := newGatedRunner()
	m := NewManager(testConfig(1, 3), g.run)
	defer m.Shutdown(context.Background())
	for _, title := range []string{"A", "B", "C"} {
		submit(t, m, title, 0)
	}
	task, err := m.Submit(utils.Request{Title: "D"})
	if !errors.Is(err, ErrAdmissionRejected) {
		t.Fatalf("err = %v, want ErrAdmissionRejected", err)
	}
	if task.Status() != utils.StatusFailed {
		t.Errorf("status = %s", task.Status())
	}
	select {
	case <-task.Done():
	default:
		t.Error("rejected task future not completed")
	}
	if s := m.Snapshot(); s.Pending != 2 || s.Active != 1 {
		t.Errorf("rejected task entered the queue: %+v", s)
	}
}

func TestCancel(t *testing.T) {
	g := newGatedRunner()
	m := NewManager(testConfig(1, 10), g.run)
	defer m.Shutdown(context.Background())
	a := submit(t, m, "A", 0)
	b := submit(t, m, "B", 0)
	c := submit(t, m, "C", 0)

	if !m.Cancel(b.ID) {
		t.Fatal("cancel pending returned false")
	}
	if b.Status() != utils.StatusCancelled || m.Snapshot().Pending != 1 {
		t.Errorf("pending cancel: status=%s snapshot=%+v", b.Status(), m.Snapshot())
	}

	if !m.Cancel(a.ID) {
		t.Fatal("cancel running returned false")
	}
	if a.Status() != utils.StatusCancelled {
		t.Errorf("running task status = %s, want CANCELLED immediately", a.Status())
	}
	if c.Status() != utils.StatusDownloading {
		t.Errorf("next task not promoted after cancel: %s", c.Status())
	}
	if _, err := a.Wait(context.Background()); !errors.Is(err, ErrCancelled) {
		t.Errorf("wait err = %v", err)
	}
	if m.Cancel(a.ID) {
		t.Error("cancelling a terminal task should report false")
	}
	if m.Cancel("missing") {
		t.Error("cancelling an unknown id should report false")
	}
	g.release("C", true)
	waitStatus(t, c, utils.StatusCompleted)
	if a.Status() != utils.StatusCancelled {
		t.Error("runner teardown overwrote the cancelled status")
	}
}

func TestSetMaxConcurrent(t *testing.T) {
	tests := []struct {
		name    string
		n       int
		applied bool
		want    int
	}{
		{"zero ignored", 0, false, 1},
		{"negative ignored", -2, false, 1},
		{"above hard cap ignored", 11, false, 1},
		{"hard cap accepted", 10, true, 10},
		{"raise", 3, true, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGatedRunner()
			m := NewManager(testConfig(1, 20), g.run)
			defer m.Shutdown(context.Background())
			for _, title := range []string{"A", "B", "C", "D"} {
				submit(t, m, title, 0)
			}
			if got := m.SetMaxConcurrent(tt.n); got != tt.applied {
				t.Errorf("SetMaxConcurrent(%d) = %v", tt.n, got)
			}
			if m.MaxConcurrent() != tt.want {
				t.Errorf("max = %d, want %d", m.MaxConcurrent(), tt.want)
			}
			if active := m.Snapshot().Active; active != min(tt.want, 4) {
				t.Errorf("active = %d, want %d", active, min(tt.want, 4))
			}
		})
	}
}

func TestPauseRequeuesAndResumeRestarts(t *testing.T) {
	g := newGatedRunner()
	m := NewManager(testConfig(2, 10), g.run)
	defer m.Shutdown(context.Background())
	var mu sync.Mutex
	var downloadingWhilePaused int
	m.OnStatus(func(task *Task, s utils.TaskStatus) {
		if s == utils.StatusDownloading && m.Paused() {
			mu.Lock()
			downloadingWhilePaused++
			mu.Unlock()
		}
	})
	a := submit(t, m, "A", 0)
	b := submit(t, m, "B", 0)
	c := submit(t, m, "C", 0)

	m.PauseAll()
	if !m.Paused() {
		t.Fatal("not paused")
	}
	for _, task := range []*Task{a, b, c} {
		if task.Status() != utils.StatusPending {
			t.Errorf("%s = %s, want PENDING", task.Request.Title, task.Status())
		}
	}
	d := submit(t, m, "D", 0)
	waitDrained(t, m)
	if s := m.Snapshot(); s.Active != 0 || s.Pending != 4 {
		t.Errorf("snapshot while paused = %+v", s)
	}
	if d.Status() != utils.StatusPending {
		t.Error("submission started while paused")
	}

	m.ResumeAll()
	waitStatus(t, a, utils.StatusDownloading)
	waitStatus(t, b, utils.StatusDownloading)
	if a.Starts() != 2 || b.Starts() != 2 {
		t.Errorf("starts = %d/%d, want 2/2", a.Starts(), b.Starts())
	}
	if c.Status() != utils.StatusPending || d.Status() != utils.StatusPending {
		t.Error("only two tasks may run")
	}
	mu.Lock()
	defer mu.Unlock()
	if downloadingWhilePaused != 0 {
		t.Errorf("%d tasks went DOWNLOADING while paused", downloadingWhilePaused)
	}
}

func TestCleanupRetainsRecentTerminal(t *testing.T) {
	g := newGatedRunner()
	cfg := testConfig(4, 10)
	cfg.RetainTerminal = 2
	m := NewManager(cfg, g.run)
	defer m.Shutdown(context.Background())
	var evicted []string
	m.OnEvict(func(id string) { evicted = append(evicted, id) })

	var tasks []*Task
	for _, title := range []string{"A", "B", "C", "D"} {
		task := submit(t, m, title, 0)
		g.release(title, true)
		waitStatus(t, task, utils.StatusCompleted)
		tasks = append(tasks, task)
	}
	running := submit(t, m, "E", 0)
	removed := m.Cleanup()
	if len(removed) != 2 || len(evicted) != 2 {
		t.Fatalf("removed %v, evicted %v", removed, evicted)
	}
	for _, task := range tasks[:2] {
		if _, ok := m.Get(task.ID); ok {
			t.Errorf("%s should have been evicted", task.Request.Title)
		}
	}
	for _, task := range append(tasks[2:], running) {
		if _, ok := m.Get(task.ID); !ok {
			t.Errorf("%s should be kept", task.Request.Title)
		}
	}
}

func TestShutdownCancelsEverything(t *testing.T) {
	g := newGatedRunner()
	m := NewManager(testConfig(1, 10), g.run)
	a := submit(t, m, "A", 0)
	b := submit(t, m, "B", 0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	for _, task := range []*Task{a, b} {
		if task.Status() != utils.StatusCancelled {
			t.Errorf("%s = %s", task.Request.Title, task.Status())
		}
	}
	if _, err := m.Submit(utils.Request{Title: "late"}); !errors.Is(err, ErrShutdown) {
		t.Errorf("submit after shutdown err = %v", err)
	}
}

func TestRunnerPanicFailsTask(t *testing.T) {
	m := NewManager(testConfig(1, 10), func(context.Context, *Task) utils.Result { panic("boom") })
	defer m.Shutdown(context.Background())
	task := submit(t, m, "A", 0)
	waitStatus(t, task, utils.StatusFailed)
}

func TestStatusHooksSeeOrderedTransitions(t *testing.T) {
	g := newGatedRunner()
	m := NewManager(testConfig(1, 10), g.run)
	defer m.Shutdown(context.Background())
	var mu sync.Mutex
	var seen []utils.TaskStatus
	m.OnStatus(func(_ *Task, s utils.TaskStatus) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	task := submit(t, m, "A", 0)
	g.release("A", true)
	waitStatus(t, task, utils.StatusCompleted)
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == 3 || time.Now().After(deadline) {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []utils.TaskStatus{utils.StatusPending, utils.StatusDownloading, utils.StatusCompleted}
	if len(seen) != len(want) {
		t.Fatalf("seen %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("seen %v, want %v", seen, want)
		}
	}
}
