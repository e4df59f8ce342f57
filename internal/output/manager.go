package output

import (
	"cmp"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/tanq16/vidq/internal/broadcast"
	"github.com/tanq16/vidq/internal/utils"
	"golang.org/x/term"
)

type TaskOutput struct {
	ID             string
	Title          string
	Status         utils.TaskStatus
	Downloaded     int64
	Total          int64
	Percent        int
	Speed          float64
	Parts          int
	CompletedParts int
	StartTime      time.Time
	LastUpdated    time.Time
	Error          error
	Index          int
}

type ErrorReport struct {
	Title string
	Error error
	Time  time.Time
}

// Manager renders live task state to a terminal. It is a broadcast observer, so the engine
// feeds it the same events it sends to websocket clients.
type Manager struct {
	mu          sync.RWMutex
	tasks       map[string]*TaskOutput
	count       int
	errors      []ErrorReport
	numLines    int
	out         io.Writer
	interactive bool
	displayTick time.Duration
	doneCh      chan struct{}
	displayWg   sync.WaitGroup
	started     bool
	stopOnce    sync.Once
	now         func() time.Time
}

func NewManager(out io.Writer) *Manager {
	m := &Manager{
		tasks:       make(map[string]*TaskOutput),
		out:         out,
		displayTick: 300 * time.Millisecond,
		doneCh:      make(chan struct{}),
		now:         time.Now,
	}
	if f, ok := out.(*os.File); ok {
		m.interactive = term.IsTerminal(int(f.Fd()))
	}
	return m
}

func (m *Manager) ID() string { return "terminal" }

// Deliver applies one engine event. It only touches in-memory state; drawing happens on the
// display ticker.
func (m *Manager) Deliver(ev broadcast.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := m.taskLocked(ev.TaskID)
	info.LastUpdated = m.now()
	switch ev.Type {
	case broadcast.TypeStatus:
		info.Status = ev.Status
	case broadcast.TypeProgress:
		info.Percent = ev.Progress
	case broadcast.TypeDetailed:
		if d := ev.Detail; d != nil {
			if d.Title != "" {
				info.Title = d.Title
			}
			info.Downloaded = d.Downloaded
			info.Total = d.Total
			info.Percent = d.Percent
			info.Speed = d.SpeedBps
			info.Parts = d.PartCount()
			info.CompletedParts = d.CompletedParts()
		}
	}
	return nil
}

// Close stops the display and prints the summary. Safe to call more than once.
func (m *Manager) Close() error {
	m.StopDisplay()
	return nil
}

// Track names a task before its first event arrives.
func (m *Manager) Track(taskID, title string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.taskLocked(taskID).Title = title
}

func (m *Manager) taskLocked(taskID string) *TaskOutput {
	info, ok := m.tasks[taskID]
	if !ok {
		m.count++
		now := m.now()
		info = &TaskOutput{
			ID:          taskID,
			Title:       taskID,
			Status:      utils.StatusPending,
			StartTime:   now,
			LastUpdated: now,
			Index:       m.count,
		}
		m.tasks[taskID] = info
	}
	return info
}

// ReportError records a failure that happened outside the engine, or the final error of a task.
func (m *Manager) ReportError(taskID, title string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if taskID != "" {
		info := m.taskLocked(taskID)
		info.Error = err
		if info.Status != utils.StatusFailed && info.Status != utils.StatusCancelled {
			info.Status = utils.StatusFailed
		}
		title = info.Title
	}
	m.errors = append(m.errors, ErrorReport{Title: title, Error: err, Time: m.now()})
}

func (m *Manager) Get(taskID string) (TaskOutput, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.tasks[taskID]
	if !ok {
		return TaskOutput{}, false
	}
	return *info, true
}

func (m *Manager) Counts() (completed, failed, total int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, info := range m.tasks {
		switch info.Status {
		case utils.StatusCompleted:
			completed++
		case utils.StatusFailed, utils.StatusCancelled:
			failed++
		}
	}
	return completed, failed, len(m.tasks)
}

// Message describes the task by its current status.
func (t TaskOutput) Message() string {
	switch t.Status {
	case utils.StatusDownloading:
		return "Downloading " + t.Title
	case utils.StatusCompleted:
		return "Completed " + t.Title
	case utils.StatusCancelled:
		return "Cancelled " + t.Title
	case utils.StatusFailed:
		return "Failed " + t.Title
	default:
		return "Waiting... " + t.Title
	}
}

func (m *Manager) GetStatusIndicator(status utils.TaskStatus) string {
	switch status {
	case utils.StatusCompleted:
		return successStyle.Render(StyleSymbols["pass"])
	case utils.StatusFailed:
		return errorStyle.Render(StyleSymbols["fail"])
	case utils.StatusCancelled:
		return warningStyle.Render(StyleSymbols["warning"])
	case utils.StatusPending:
		return pendingStyle.Render(StyleSymbols["pending"])
	default:
		return infoStyle.Render(StyleSymbols["bullet"])
	}
}

func styleMessage(status utils.TaskStatus, msg string) string {
	switch status {
	case utils.StatusCompleted:
		return successStyle.Render(msg)
	case utils.StatusFailed:
		return errorStyle.Render(msg)
	case utils.StatusCancelled:
		return warningStyle.Render(msg)
	default:
		return pendingStyle.Render(msg)
	}
}

func (m *Manager) sortTasksLocked() (active, pending, finished []*TaskOutput) {
	all := make([]*TaskOutput, 0, len(m.tasks))
	for _, info := range m.tasks {
		all = append(all, info)
	}
	slices.SortFunc(all, func(a, b *TaskOutput) int { return cmp.Compare(a.Index, b.Index) })
	for _, t := range all {
		switch {
		case t.Status.IsTerminal():
			finished = append(finished, t)
		case t.Status == utils.StatusPending:
			pending = append(pending, t)
		default:
			active = append(active, t)
		}
	}
	return active, pending, finished
}

// render lays out at most maxLines lines. Active downloads come first and finished ones are
// trimmed when space runs out.
func (m *Manager) render(maxLines int) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	indent := strings.Repeat(" ", 2)
	active, pending, finished := m.sortTasksLocked()

	needed := 2*len(active) + len(pending) + len(finished)
	if needed > maxLines {
		keep := max(maxLines-(needed-len(finished)), 0)
		if len(finished) > keep {
			finished = finished[len(finished)-keep:]
		}
	}

	var lines []string
	for _, t := range active {
		elapsed := m.now().Sub(t.StartTime).Round(time.Second)
		lines = append(lines, fmt.Sprintf("%s%s %s %s", indent, m.GetStatusIndicator(t.Status),
			debugStyle.Render(elapsed.String()), styleMessage(t.Status, t.Message())))
		bar := PrintProgressBar(t.Downloaded, t.Total, 30)
		detail := fmt.Sprintf("%s/%s", utils.FormatBytes(uint64(t.Downloaded)), utils.FormatBytes(uint64(max(t.Total, 0))))
		if t.Parts > 1 {
			detail += fmt.Sprintf(" %s %d/%d parts", StyleSymbols["bullet"], t.CompletedParts, t.Parts)
		}
		lines = append(lines, fmt.Sprintf("%s%s%s %s %s", indent+indent+indent, bar, debugStyle.Render(detail),
			StyleSymbols["bullet"], debugStyle.Render(utils.FormatRate(t.Speed))))
	}
	for _, t := range pending {
		lines = append(lines, fmt.Sprintf("%s%s %s", indent, m.GetStatusIndicator(t.Status),
			pendingStyle.Render(t.Message())))
	}
	for _, t := range finished {
		total := t.LastUpdated.Sub(t.StartTime).Round(time.Second)
		lines = append(lines, fmt.Sprintf("%s%s %s %s", indent, m.GetStatusIndicator(t.Status),
			debugStyle.Render(total.String()), styleMessage(t.Status, t.Message())))
	}
	if len(lines) > maxLines {
		lines = lines[:maxLines]
	}
	return lines
}

func (m *Manager) updateDisplay() {
	lines := m.render(getTerminalHeight() - 3)
	if m.numLines > 0 {
		fmt.Fprintf(m.out, "\033[%dA\033[J", m.numLines)
	}
	for _, line := range lines {
		fmt.Fprintln(m.out, line)
	}
	m.numLines = len(lines)
}

// StartDisplay redraws on a ticker when out is a terminal. Otherwise only the summary is printed.
func (m *Manager) StartDisplay() {
	m.started = true
	m.displayWg.Add(1)
	go func() {
		defer m.displayWg.Done()
		ticker := time.NewTicker(m.displayTick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if m.interactive {
					m.updateDisplay()
				}
			case <-m.doneCh:
				if m.interactive {
					m.updateDisplay()
				}
				m.ShowSummary()
				return
			}
		}
	}()
}

func (m *Manager) StopDisplay() {
	m.stopOnce.Do(func() {
		close(m.doneCh)
		if !m.started {
			return
		}
		m.displayWg.Wait()
	})
}

func (m *Manager) displayErrors() {
	m.mu.RLock()
	errs := slices.Clone(m.errors)
	m.mu.RUnlock()
	if len(errs) == 0 {
		return
	}
	fmt.Fprintln(m.out)
	fmt.Fprintln(m.out, strings.Repeat(" ", 2)+errorStyle.Bold(true).Render("Errors:"))
	for i, e := range errs {
		fmt.Fprintf(m.out, "%s%s %s %s\n",
			strings.Repeat(" ", 4),
			errorStyle.Render(fmt.Sprintf("%d.", i+1)),
			debugStyle.Render(fmt.Sprintf("[%s]", e.Time.Format("15:04:05"))),
			errorStyle.Render(e.Title))
		for _, line := range wrapText(fmt.Sprintf("Error: %v", e.Error), 6) {
			fmt.Fprintf(m.out, "%s%s\n", strings.Repeat(" ", 6), errorStyle.Render(line))
		}
	}
}

func (m *Manager) ShowSummary() {
	completed, failed, total := m.Counts()
	fmt.Fprintln(m.out)
	fmt.Fprintln(m.out, strings.Repeat(" ", 2)+success2Style.Render(fmt.Sprintf("Completed %d of %d", completed, total)))
	if failed > 0 {
		fmt.Fprintln(m.out, strings.Repeat(" ", 2)+errorStyle.Render(fmt.Sprintf("Failed %d of %d", failed, total)))
	}
	m.displayErrors()
	fmt.Fprintln(m.out)
}
