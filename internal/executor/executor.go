package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tanq16/vidq/internal/utils"
	"golang.org/x/sync/semaphore"
)

var (
	ErrCapacityTimeout = errors.New("timed out waiting for an execution slot")
	ErrShutdown        = errors.New("executor is shut down")
)

// Executor runs units of work under an adjustable concurrency ceiling.
// The ceiling is enforced by holding back units of a semaphore sized to the hard maximum.
type Executor struct {
	sem     *semaphore.Weighted
	hardMax int

	mu       sync.Mutex
	ceiling  int
	reserved int // semaphore units held to enforce the ceiling
	owed     int // reservations to collect from the next releases
	closed   bool

	wg         sync.WaitGroup
	baseCtx    context.Context
	baseCancel context.CancelFunc

	active      atomic.Int64
	queued      atomic.Int64
	acquired    atomic.Int64
	executed    atomic.Int64
	queuedTotal atomic.Int64
	timedOut    atomic.Int64
	rejected    atomic.Int64
	waitNanos   atomic.Int64
	execNanos   atomic.Int64
	lastUpdate  atomic.Int64
	startedAt   time.Time

	log zerolog.Logger
}

type Stats struct {
	Active      int64
	Queued      int64
	Concurrency int
	Executed    int64
	QueuedTotal int64
	TimedOut    int64
	Rejected    int64
	AverageWait time.Duration
	AverageExec time.Duration
	StartedAt   time.Time
	LastUpdate  time.Time
}

func New(initial, hardMax int) *Executor {
	if hardMax <= 0 {
		hardMax = 1
	}
	initial = max(1, min(initial, hardMax))
	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		sem:        semaphore.NewWeighted(int64(hardMax)),
		hardMax:    hardMax,
		ceiling:    initial,
		baseCtx:    ctx,
		baseCancel: cancel,
		startedAt:  time.Now(),
		log:        utils.GetLogger("executor"),
	}
	if r := hardMax - initial; r > 0 {
		e.sem.TryAcquire(int64(r))
		e.reserved = r
	}
	return e
}

func (e *Executor) Concurrency() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ceiling
}

func (e *Executor) HardMax() int {
	return e.hardMax
}

// SetConcurrency moves the ceiling, clamped to [1, hardMax]. Lowering it below the number of
// running bodies takes effect as those bodies finish.
func (e *Executor) SetConcurrency(n int) int {
	n = max(1, min(n, e.hardMax))
	e.mu.Lock()
	defer e.mu.Unlock()
	old := e.ceiling
	for e.ceiling < n {
		if e.owed > 0 {
			e.owed--
		} else {
			e.sem.Release(1)
			e.reserved--
		}
		e.ceiling++
	}
	for e.ceiling > n {
		if e.sem.TryAcquire(1) {
			e.reserved++
		} else {
			e.owed++
		}
		e.ceiling--
	}
	if old != n {
		e.log.Info().Int("from", old).Int("to", n).Msg("concurrency ceiling changed")
	}
	return n
}

func (e *Executor) release() {
	e.mu.Lock()
	if e.owed > 0 {
		e.owed--
		e.reserved++
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	e.sem.Release(1)
}

func (e *Executor) IsAtCapacity() bool {
	return int(e.active.Load()) >= e.Concurrency()
}

func (e *Executor) begin() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.wg.Add(1)
	return true
}

// Run executes fn once a slot is free. If no slot frees up within timeout the call fails with
// ErrCapacityTimeout and fn never runs. A timeout of zero waits as long as ctx allows.
func (e *Executor) Run(ctx context.Context, timeout time.Duration, label string, fn func(ctx context.Context) error) error {
	if !e.begin() {
		return ErrShutdown
	}
	defer e.wg.Done()
	_, err := execute(e, ctx, timeout, label, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Submit is the asynchronous form of Run that carries a result value.
func Submit[T any](e *Executor, ctx context.Context, timeout time.Duration, label string, fn func(ctx context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	if !e.begin() {
		f.err = ErrShutdown
		close(f.done)
		return f
	}
	go func() {
		defer e.wg.Done()
		defer close(f.done)
		f.value, f.err = execute(e, ctx, timeout, label, fn)
	}()
	return f
}

func execute[T any](e *Executor, ctx context.Context, timeout time.Duration, label string, fn func(ctx context.Context) (T, error)) (value T, err error) {
	log := e.log.With().Str("label", label).Logger()
	ctx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(e.baseCtx, func() { cancel(ErrShutdown) })
	defer stop()
	defer cancel(nil)
	queuedAt := time.Now()
	e.queued.Add(1)
	e.queuedTotal.Add(1)
	acqCtx := ctx
	if timeout > 0 {
		var cancelAcq context.CancelFunc
		acqCtx, cancelAcq = context.WithTimeout(ctx, timeout)
		defer cancelAcq()
	}
	acqErr := e.sem.Acquire(acqCtx, 1)
	e.queued.Add(-1)
	e.touch()
	if acqErr != nil {
		if ctx.Err() != nil {
			return value, context.Cause(ctx)
		}
		e.timedOut.Add(1)
		log.Warn().Dur("timeout", timeout).Msg("no execution slot available")
		return value, fmt.Errorf("%w: %s after %s", ErrCapacityTimeout, label, timeout)
	}
	e.acquired.Add(1)
	e.waitNanos.Add(int64(time.Since(queuedAt)))
	e.active.Add(1)

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", label, r)
		}
		e.execNanos.Add(int64(time.Since(start)))
		e.executed.Add(1)
		if err != nil {
			e.rejected.Add(1)
			log.Debug().Err(err).Msg("task body failed")
		}
		e.active.Add(-1)
		e.release()
		e.touch()
	}()
	return fn(ctx)
}

func (e *Executor) touch() {
	e.lastUpdate.Store(time.Now().UnixNano())
}

func (e *Executor) Stats() Stats {
	s := Stats{
		Active:      e.active.Load(),
		Queued:      e.queued.Load(),
		Concurrency: e.Concurrency(),
		Executed:    e.executed.Load(),
		QueuedTotal: e.queuedTotal.Load(),
		TimedOut:    e.timedOut.Load(),
		Rejected:    e.rejected.Load(),
		StartedAt:   e.startedAt,
	}
	if n := e.acquired.Load(); n > 0 {
		s.AverageWait = time.Duration(e.waitNanos.Load() / n)
	}
	if n := s.Executed; n > 0 {
		s.AverageExec = time.Duration(e.execNanos.Load() / n)
	}
	if ns := e.lastUpdate.Load(); ns > 0 {
		s.LastUpdate = time.Unix(0, ns)
	}
	return s
}

// Shutdown refuses new work and waits up to timeout for running bodies before cancelling them.
func (e *Executor) Shutdown(timeout time.Duration) bool {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.baseCancel()
		return true
	case <-time.After(timeout):
		e.log.Warn().Int64("active", e.active.Load()).Msg("shutdown timeout, cancelling running tasks")
		e.baseCancel()
		<-done
		return false
	}
}
