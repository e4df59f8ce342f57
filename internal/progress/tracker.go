package progress

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tanq16/vidq/internal/utils"
)

const DefaultWindow = 10

type PartProgress struct {
	CID        int64            `json:"cid"`
	Title      string           `json:"title,omitempty"`
	Downloaded int64            `json:"downloadedBytes"`
	Total      int64            `json:"totalBytes"`
	Status     utils.TaskStatus `json:"status"`
}

func (p PartProgress) done() bool {
	return p.Status == utils.StatusCompleted || (p.Total > 0 && p.Downloaded >= p.Total)
}

type Detailed struct {
	TaskID     string
	Title      string
	Downloaded int64
	Total      int64
	Percent    int
	SpeedBps   float64
	Remaining  time.Duration
	Status     utils.TaskStatus
	Parts      []PartProgress
	StartedAt  time.Time
	UpdatedAt  time.Time
}

func (d Detailed) PartCount() int {
	return len(d.Parts)
}

func (d Detailed) CompletedParts() int {
	n := 0
	for _, p := range d.Parts {
		if p.Status == utils.StatusCompleted {
			n++
		}
	}
	return n
}

// Publisher receives every progress change. The broadcast hub implements it.
type Publisher interface {
	Publish(d Detailed)
}

// Store persists the task percentage. Failures are logged and never surface to callers.
type Store interface {
	SaveProgress(ctx context.Context, taskID string, percent int) error
}

type snapshot struct {
	at    time.Time
	bytes int64
}

type taskState struct {
	mu        sync.Mutex
	ring      []snapshot
	parts     map[int64]*PartProgress
	order     []int64
	detail    Detailed
	persisted int
	// held is set while the task is queued or finished. Late byte counts from a runner that
	// is still tearing down are recorded but keep the status and are not published.
	held bool
}

type Tracker struct {
	mu        sync.RWMutex
	tasks     map[string]*taskState
	window    int
	publisher Publisher
	store     Store
	now       func() time.Time
	log       zerolog.Logger
}

type Option func(*Tracker)

func WithPublisher(p Publisher) Option {
	return func(t *Tracker) { t.publisher = p }
}

func WithStore(s Store) Option {
	return func(t *Tracker) { t.store = s }
}

func WithWindow(n int) Option {
	return func(t *Tracker) {
		if n >= 2 {
			t.window = n
		}
	}
}

func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		tasks:  make(map[string]*taskState),
		window: DefaultWindow,
		now:    time.Now,
		log:    utils.GetLogger("progress"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) state(taskID string) *taskState {
	t.mu.RLock()
	st, ok := t.tasks[taskID]
	t.mu.RUnlock()
	if ok {
		return st
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok = t.tasks[taskID]; ok {
		return st
	}
	st = &taskState{
		parts:     make(map[int64]*PartProgress),
		detail:    Detailed{TaskID: taskID, Status: utils.StatusPending, StartedAt: t.now()},
		persisted: -1,
	}
	t.tasks[taskID] = st
	return st
}

// Register seeds a task with its parts so the aggregate accounts for parts not yet started.
func (t *Tracker) Register(taskID, title string, parts []utils.Part) {
	st := t.state(taskID)
	st.mu.Lock()
	st.detail.Title = title
	for _, p := range parts {
		id := p.StableID()
		if _, ok := st.parts[id]; ok {
			continue
		}
		st.parts[id] = &PartProgress{CID: id, Title: p.Title, Total: p.EstimatedSize, Status: utils.StatusPending}
		st.order = append(st.order, id)
	}
	st.detail.Parts = st.partsLocked()
	st.mu.Unlock()
}

// UpdateProgress records a whole-task byte count. Once SetStatus has moved the task out of
// DOWNLOADING the counts are kept but the status stays and nothing is published.
func (t *Tracker) UpdateProgress(taskID string, current, total int64) Detailed {
	st := t.state(taskID)
	st.mu.Lock()
	now := t.now()
	if st.held {
		st.detail.Downloaded = current
		st.detail.Total = total
		st.detail.Percent = percent(current, total)
		d := st.copyLocked()
		st.mu.Unlock()
		return d
	}
	t.pushLocked(st, now, current)
	st.detail.Downloaded = current
	st.detail.Total = total
	st.detail.Percent = percent(current, total)
	st.detail.Status = utils.StatusDownloading
	if total > 0 && current >= total {
		st.detail.Status = utils.StatusCompleted
	}
	t.rateLocked(st)
	st.detail.UpdatedAt = now
	d := st.copyLocked()
	persist := st.markPersistLocked()
	st.mu.Unlock()
	t.emit(d, persist)
	return d
}

// UpdatePartProgress records one part and recomputes the task aggregate from all known parts.
func (t *Tracker) UpdatePartProgress(taskID string, part PartProgress) Detailed {
	st := t.state(taskID)
	st.mu.Lock()
	now := t.now()
	p, ok := st.parts[part.CID]
	if !ok {
		p = &PartProgress{CID: part.CID}
		st.parts[part.CID] = p
		st.order = append(st.order, part.CID)
	}
	if part.Title != "" {
		p.Title = part.Title
	}
	p.Downloaded = part.Downloaded
	if part.Total > 0 {
		p.Total = part.Total
	}
	p.Status = part.Status
	if p.Status == "" {
		p.Status = utils.StatusDownloading
		if p.Total > 0 && p.Downloaded >= p.Total {
			p.Status = utils.StatusCompleted
		}
	}

	var downloaded, total int64
	allDone := true
	for _, pp := range st.parts {
		downloaded += pp.Downloaded
		total += pp.Total
		if !pp.done() {
			allDone = false
		}
	}
	if st.held {
		st.detail.Downloaded = downloaded
		st.detail.Total = total
		st.detail.Percent = percent(downloaded, total)
		st.detail.Parts = st.partsLocked()
		d := st.copyLocked()
		st.mu.Unlock()
		return d
	}
	t.pushLocked(st, now, downloaded)
	st.detail.Downloaded = downloaded
	st.detail.Total = total
	st.detail.Percent = percent(downloaded, total)
	st.detail.Status = utils.StatusDownloading
	if allDone && total > 0 && downloaded >= total {
		st.detail.Status = utils.StatusCompleted
	}
	t.rateLocked(st)
	st.detail.Parts = st.partsLocked()
	st.detail.UpdatedAt = now
	d := st.copyLocked()
	persist := st.markPersistLocked()
	st.mu.Unlock()
	t.emit(d, persist)
	return d
}

func (t *Tracker) SetStatus(taskID string, status utils.TaskStatus) Detailed {
	st := t.state(taskID)
	st.mu.Lock()
	st.detail.Status = status
	st.detail.UpdatedAt = t.now()
	st.held = status != utils.StatusDownloading
	if status.IsTerminal() || status == utils.StatusPaused || status == utils.StatusPending {
		st.detail.SpeedBps = 0
		st.detail.Remaining = 0
		st.ring = st.ring[:0]
	}
	if status == utils.StatusCompleted && st.detail.Total > 0 {
		st.detail.Downloaded = st.detail.Total
		st.detail.Percent = 100
	}
	d := st.copyLocked()
	persist := st.markPersistLocked()
	st.mu.Unlock()
	t.emit(d, persist)
	return d
}

func (t *Tracker) Get(taskID string) (Detailed, bool) {
	t.mu.RLock()
	st, ok := t.tasks[taskID]
	t.mu.RUnlock()
	if !ok {
		return Detailed{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.copyLocked(), true
}

func (t *Tracker) Remove(taskID string) {
	t.mu.Lock()
	delete(t.tasks, taskID)
	t.mu.Unlock()
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.tasks)
}

func (t *Tracker) pushLocked(st *taskState, at time.Time, bytes int64) {
	st.ring = append(st.ring, snapshot{at: at, bytes: bytes})
	if over := len(st.ring) - t.window; over > 0 {
		st.ring = slices.Delete(st.ring, 0, over)
	}
}

func (t *Tracker) rateLocked(st *taskState) {
	st.detail.SpeedBps = speed(st.ring)
	st.detail.Remaining = 0
	if st.detail.SpeedBps > 0 && st.detail.Total > st.detail.Downloaded {
		secs := float64(st.detail.Total-st.detail.Downloaded) / st.detail.SpeedBps
		st.detail.Remaining = time.Duration(secs * float64(time.Second))
	}
}

func (st *taskState) partsLocked() []PartProgress {
	out := make([]PartProgress, 0, len(st.order))
	for _, id := range st.order {
		out = append(out, *st.parts[id])
	}
	return out
}

func (st *taskState) copyLocked() Detailed {
	d := st.detail
	d.Parts = slices.Clone(st.detail.Parts)
	return d
}

func (st *taskState) markPersistLocked() bool {
	if st.detail.Percent == st.persisted {
		return false
	}
	st.persisted = st.detail.Percent
	return true
}

func (t *Tracker) emit(d Detailed, persist bool) {
	if t.publisher != nil {
		t.publisher.Publish(d)
	}
	if persist && t.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := t.store.SaveProgress(ctx, d.TaskID, d.Percent); err != nil {
			t.log.Warn().Err(err).Str("taskId", d.TaskID).Msg("progress write-through failed")
		}
	}
}

// speed is bytes per second across the retained window.
func speed(ring []snapshot) float64 {
	if len(ring) < 2 {
		return 0
	}
	first, last := ring[0], ring[len(ring)-1]
	elapsedMs := last.at.Sub(first.at).Milliseconds()
	if elapsedMs <= 0 {
		return 0
	}
	delta := last.bytes - first.bytes
	if delta <= 0 {
		return 0
	}
	return float64(delta) * 1000 / float64(elapsedMs)
}

func percent(current, total int64) int {
	if total <= 0 {
		return 0
	}
	p := current * 100 / total
	return int(max(0, min(p, 100)))
}
