package engine

import (
	"os"
	"sync"

	"github.com/tanq16/vidq/internal/queue"
	"github.com/tanq16/vidq/internal/utils"
)

// outputClaims keeps the output files of live tasks apart. A task's paths are claimed at
// submit time and released once it is terminal and its runner has returned.
type outputClaims struct {
	mu      sync.Mutex
	seq     uint64
	owner   map[string]uint64
	claims  map[uint64][]string
	byTask  map[string]uint64
	running map[string]bool
}

func newOutputClaims() *outputClaims {
	return &outputClaims{
		owner:   make(map[string]uint64),
		claims:  make(map[uint64][]string),
		byTask:  make(map[string]uint64),
		running: make(map[string]bool),
	}
}

func (c *outputClaims) inUse(path string) bool {
	_, ok := c.owner[path]
	return ok
}

// claim renames every part output and the merge output of req that collides with a live
// task or an existing file, and reserves the result.
func (c *outputClaims) claim(req *utils.Request) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	id := c.seq
	take := func(path string) string {
		if _, err := os.Stat(path); c.inUse(path) || err == nil {
			path = utils.RenewOutputPath(path, c.inUse)
		}
		c.owner[path] = id
		c.claims[id] = append(c.claims[id], path)
		return path
	}
	for i := range req.Parts {
		req.Parts[i].OutputPath = take(req.Parts[i].OutputPath)
	}
	if req.MergeOutput != "" {
		req.MergeOutput = take(req.MergeOutput)
	}
	return id
}

// bind ties a claim to the task queued with it.
func (c *outputClaims) bind(t *queue.Task, id uint64) {
	c.mu.Lock()
	c.byTask[t.ID] = id
	c.mu.Unlock()
	c.settle(t)
}

func (c *outputClaims) discard(id uint64) {
	c.mu.Lock()
	c.dropLocked(id)
	c.mu.Unlock()
}

func (c *outputClaims) runStarted(taskID string) {
	c.mu.Lock()
	c.running[taskID] = true
	c.mu.Unlock()
}

func (c *outputClaims) runEnded(t *queue.Task) {
	c.mu.Lock()
	delete(c.running, t.ID)
	c.mu.Unlock()
	c.settle(t)
}

// settle releases the paths of t when it is terminal and no runner is writing them.
func (c *outputClaims) settle(t *queue.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running[t.ID] || !t.Status().IsTerminal() {
		return
	}
	id, ok := c.byTask[t.ID]
	if !ok {
		return
	}
	delete(c.byTask, t.ID)
	c.dropLocked(id)
}

func (c *outputClaims) dropLocked(id uint64) {
	for _, path := range c.claims[id] {
		if c.owner[path] == id {
			delete(c.owner, path)
		}
	}
	delete(c.claims, id)
}
