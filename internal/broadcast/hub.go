package broadcast

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tanq16/vidq/internal/config"
	"github.com/tanq16/vidq/internal/progress"
	"github.com/tanq16/vidq/internal/utils"
)

var ErrObserverClosed = errors.New("observer closed")

type Observer interface {
	ID() string
	Deliver(Event) error
	Close() error
}

type funcObserver struct {
	id string
	fn func(Event) error
}

// Func adapts a plain function into an Observer.
func Func(id string, fn func(Event) error) Observer {
	return &funcObserver{id: id, fn: fn}
}

func (f *funcObserver) ID() string            { return f.id }
func (f *funcObserver) Deliver(e Event) error { return f.fn(e) }
func (f *funcObserver) Close() error          { return nil }

// Hub fans events out to every registered observer.
type Hub struct {
	mu        sync.RWMutex
	observers map[string]Observer
	throttle  *Throttle
	cfg       config.BroadcastConfig
	log       zerolog.Logger
}

func NewHub(cfg config.BroadcastConfig) *Hub {
	return &Hub{
		observers: make(map[string]Observer),
		throttle:  NewThrottle(),
		cfg:       cfg,
		log:       utils.GetLogger("broadcast"),
	}
}

func (h *Hub) Register(o Observer) {
	h.mu.Lock()
	old, ok := h.observers[o.ID()]
	h.observers[o.ID()] = o
	h.mu.Unlock()
	if ok && old != o {
		old.Close()
	}
	h.log.Debug().Str("observer", o.ID()).Msg("observer registered")
}

func (h *Hub) Unregister(id string) bool {
	h.mu.Lock()
	o, ok := h.observers[id]
	delete(h.observers, id)
	h.mu.Unlock()
	if ok {
		o.Close()
	}
	return ok
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// Broadcast sends a progress event for taskID unless the throttle suppresses it.
func (h *Hub) Broadcast(taskID string, progress int, interval time.Duration, threshold int, throttling bool) bool {
	if !h.throttle.Allow(taskID, progress, interval, threshold, throttling) {
		return false
	}
	h.deliver(ProgressEvent(taskID, progress))
	return true
}

func (h *Hub) BroadcastProgress(taskID string, progress int) bool {
	return h.Broadcast(taskID, progress, h.cfg.UpdateInterval, h.cfg.DeltaThreshold, h.cfg.Throttling)
}

// BroadcastStatus is never throttled. Terminal statuses drop the task's throttle state.
func (h *Hub) BroadcastStatus(taskID string, status utils.TaskStatus) {
	if status.IsTerminal() {
		h.throttle.Clear(taskID)
	}
	h.deliver(StatusEvent(taskID, status))
}

// Publish implements progress.Publisher.
func (h *Hub) Publish(d progress.Detailed) {
	if !h.throttle.Allow(d.TaskID, d.Percent, h.cfg.UpdateInterval, h.cfg.DeltaThreshold, h.cfg.Throttling) {
		return
	}
	h.deliver(DetailedEvent(d))
}

func (h *Hub) deliver(ev Event) {
	h.mu.RLock()
	targets := make([]Observer, 0, len(h.observers))
	for _, o := range h.observers {
		targets = append(targets, o)
	}
	h.mu.RUnlock()

	for _, o := range targets {
		if err := o.Deliver(ev); err != nil {
			h.log.Warn().Err(err).Str("observer", o.ID()).Msg("delivery failed, dropping observer")
			h.remove(o)
		}
	}
}

// remove drops o only if it is still the registered observer for its id.
func (h *Hub) remove(o Observer) {
	h.mu.Lock()
	cur, ok := h.observers[o.ID()]
	if ok && cur == o {
		delete(h.observers, o.ID())
	}
	h.mu.Unlock()
	o.Close()
}

func (h *Hub) Close() {
	h.mu.Lock()
	observers := h.observers
	h.observers = make(map[string]Observer)
	h.mu.Unlock()
	for _, o := range observers {
		o.Close()
	}
}
