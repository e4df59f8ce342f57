package broadcast

import (
	"sync"
	"time"
)

type lastSent struct {
	at       time.Time
	progress int
}

// Throttle decides per task whether a progress value is worth sending.
type Throttle struct {
	mu   sync.Mutex
	last map[string]lastSent
	now  func() time.Time
}

func NewThrottle() *Throttle {
	return &Throttle{last: make(map[string]lastSent), now: time.Now}
}

// Allow records the value as sent when it returns true.
func (t *Throttle) Allow(taskID string, progress int, interval time.Duration, threshold int, enabled bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	prev, seen := t.last[taskID]
	send := !enabled ||
		!seen ||
		progress <= 0 || progress >= 100 ||
		now.Sub(prev.at) >= interval ||
		abs(progress-prev.progress) >= threshold
	if send {
		t.last[taskID] = lastSent{at: now, progress: progress}
	}
	return send
}

func (t *Throttle) Clear(taskID string) {
	t.mu.Lock()
	delete(t.last, taskID)
	t.mu.Unlock()
}

func (t *Throttle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.last)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
