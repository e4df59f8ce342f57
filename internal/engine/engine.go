package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"github.com/tanq16/vidq/internal/broadcast"
	"github.com/tanq16/vidq/internal/cache"
	"github.com/tanq16/vidq/internal/config"
	"github.com/tanq16/vidq/internal/executor"
	"github.com/tanq16/vidq/internal/metadata"
	"github.com/tanq16/vidq/internal/playlist"
	"github.com/tanq16/vidq/internal/progress"
	"github.com/tanq16/vidq/internal/queue"
	"github.com/tanq16/vidq/internal/resource"
	"github.com/tanq16/vidq/internal/retry"
	"github.com/tanq16/vidq/internal/segment"
	"github.com/tanq16/vidq/internal/store"
	"github.com/tanq16/vidq/internal/transport"
	"github.com/tanq16/vidq/internal/utils"
)

var ErrInvalidRequest = errors.New("invalid download request")

// Store is the write-through record of task state. *store.Store implements it.
type Store interface {
	progress.Store
	SaveTask(ctx context.Context, id string, req utils.Request, status utils.TaskStatus, createdAt time.Time) error
	UpdateStatus(ctx context.Context, id string, status utils.TaskStatus, errMsg string) error
}

type Merger interface {
	Merge(ctx context.Context, files []string, outputPath string) error
}

type options struct {
	transport utils.Transport
	sampler   resource.Sampler
	store     Store
	observers []broadcast.Observer
	metadata  *metadata.Service
	merger    Merger
}

type Option func(*options)

func WithTransport(t utils.Transport) Option {
	return func(o *options) { o.transport = t }
}

func WithSampler(s resource.Sampler) Option {
	return func(o *options) { o.sampler = s }
}

func WithStore(s Store) Option {
	return func(o *options) { o.store = s }
}

func WithObserver(obs broadcast.Observer) Option {
	return func(o *options) { o.observers = append(o.observers, obs) }
}

func WithMetadata(m *metadata.Service) Option {
	return func(o *options) { o.metadata = m }
}

func WithMerger(m Merger) Option {
	return func(o *options) { o.merger = m }
}

// Engine wires the queue, executor, retry, monitor, progress and broadcast components together.
type Engine struct {
	cfg config.Config

	queue     *queue.Manager
	executor  *executor.Executor
	retry     *retry.Manager
	monitor   *resource.Monitor
	tracker   *progress.Tracker
	timing    *progress.TimeLogger
	hub       *broadcast.Hub
	strategy  *segment.Strategy
	transport utils.Transport
	metadata  *metadata.Service
	merger    Merger
	store     Store
	ownsStore bool
	outputs   *outputClaims

	log zerolog.Logger
}

func New(cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		cfg:      cfg,
		executor: executor.New(cfg.Executor.MaxConcurrency, cfg.Executor.HardMax),
		retry:    retry.NewManager(cfg.Retry),
		timing:   progress.NewTimeLogger(),
		hub:      broadcast.NewHub(cfg.Broadcast),
		strategy: segment.NewStrategy(cfg.Segment),
		merger:   o.merger,
		store:    o.store,
		outputs:  newOutputClaims(),
		log:      utils.GetLogger("engine"),
	}
	if e.merger == nil {
		e.merger = playlist.NewMerger()
	}

	client := utils.NewHTTPClient(cfg.HTTP)
	httpT := transport.NewHTTP(client)
	s3T := transport.NewS3(cfg.S3)
	e.transport = o.transport
	if e.transport == nil {
		e.transport = transport.Default(httpT, s3T)
	}
	e.metadata = o.metadata
	if e.metadata == nil {
		e.metadata = metadata.NewService(cfg.Cache, playlist.NewResolver(client), httpT, s3T)
	}

	if e.store == nil && cfg.Store.Path != "" {
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("error opening store: %w", err)
		}
		e.store = st
		e.ownsStore = true
	}

	trackerOpts := []progress.Option{progress.WithPublisher(e.hub), progress.WithWindow(cfg.Progress.Window)}
	if e.store != nil {
		trackerOpts = append(trackerOpts, progress.WithStore(e.store))
	}
	e.tracker = progress.NewTracker(trackerOpts...)

	sampler := o.sampler
	if sampler == nil {
		sampler = resource.NewHostSampler(cfg.Resource.DiskPath)
	}
	e.monitor = resource.NewMonitor(cfg.Resource, sampler, e.executor, cfg.Executor.MaxConcurrency)
	e.monitor.OnLowDisk(func(s resource.Snapshot) {
		e.log.Warn().Str("free", utils.FormatBytes(s.FreeDiskBytes)).Msg("low disk space, pausing all downloads")
		e.queue.PauseAll()
	})

	e.queue = queue.NewManager(cfg.Queue, e.run)
	e.queue.OnStatus(e.onStatus)
	e.queue.OnEvict(e.tracker.Remove)

	for _, obs := range o.observers {
		e.hub.Register(obs)
	}
	return e, nil
}

// Start launches the background loops. They stop when ctx is done or on Shutdown.
func (e *Engine) Start(ctx context.Context) {
	e.metadata.Cache().Start(ctx)
	e.monitor.Start(ctx)
	e.queue.Start(ctx)
	e.log.Info().Int("maxConcurrent", e.queue.MaxConcurrent()).Int("executor", e.executor.Concurrency()).Msg("engine started")
}

func validate(req utils.Request) error {
	if req.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidRequest)
	}
	if len(req.Parts) == 0 {
		return fmt.Errorf("%w: %s has no parts", ErrInvalidRequest, req.Title)
	}
	for i, p := range req.Parts {
		if p.URL == "" {
			return fmt.Errorf("%w: part %d of %s has no url", ErrInvalidRequest, i+1, req.Title)
		}
	}
	return nil
}

// Submit validates req, checks host resources, assigns output paths and queues the task.
// Output paths never collide with those of another live task or with an existing file.
func (e *Engine) Submit(ctx context.Context, req utils.Request) (*queue.Task, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	if err := e.monitor.CheckAdmission(ctx, req.PartCount()); err != nil {
		e.log.Warn().Err(err).Str("title", req.Title).Msg("task refused")
		return nil, err
	}
	if req.OutputDir == "" {
		req.OutputDir = e.cfg.OutputDir
	}
	req.Parts = slices.Clone(req.Parts)
	segment.AssignOutputPaths(&req)
	if req.MergeOutput != "" && !filepath.IsAbs(req.MergeOutput) {
		req.MergeOutput = filepath.Join(req.OutputDir, req.MergeOutput)
	}
	claim := e.outputs.claim(&req)
	t, err := e.queue.Submit(req)
	if t == nil {
		e.outputs.discard(claim)
		return nil, err
	}
	e.outputs.bind(t, claim)
	return t, err
}

// Resolve turns a locator into a request template without queueing it.
func (e *Engine) Resolve(ctx context.Context, locator string) (utils.Request, error) {
	return e.metadata.Resolve(ctx, locator)
}

func (e *Engine) Status(id string) (utils.TaskStatus, *progress.Detailed, bool) {
	t, ok := e.queue.Get(id)
	if !ok {
		return "", nil, false
	}
	d, ok := e.tracker.Get(id)
	if !ok {
		return t.Status(), nil, true
	}
	return t.Status(), &d, true
}

func (e *Engine) Task(id string) (*queue.Task, bool) {
	return e.queue.Get(id)
}

func (e *Engine) Tasks() []*queue.Task {
	return e.queue.Tasks()
}

func (e *Engine) QueueStatus() queue.QueueStatus {
	return e.queue.Snapshot()
}

type SystemStatus struct {
	Resources        resource.Snapshot
	Queue            queue.QueueStatus
	QueueUtilization float64
	Executor         executor.Stats
	Cache            cache.Stats
	Timing           progress.TimeStats
	Observers        int
}

// SystemStatus reports the latest resource reading, sampling once if none exists yet.
func (e *Engine) SystemStatus(ctx context.Context) (SystemStatus, error) {
	snap := e.monitor.Latest()
	if snap.TakenAt.IsZero() {
		var err error
		if snap, err = e.monitor.Check(ctx); err != nil {
			return SystemStatus{}, err
		}
	}
	qs := e.queue.Snapshot()
	return SystemStatus{
		Resources:        snap,
		Queue:            qs,
		QueueUtilization: qs.Utilization(),
		Executor:         e.executor.Stats(),
		Cache:            e.metadata.Cache().Stats(),
		Timing:           e.timing.Stats(),
		Observers:        e.hub.Len(),
	}, nil
}

func (e *Engine) Cancel(id string) bool {
	return e.queue.Cancel(id)
}

func (e *Engine) SetMaxConcurrency(n int) bool {
	return e.queue.SetMaxConcurrent(n)
}

func (e *Engine) PauseAll() {
	e.queue.PauseAll()
}

// ResumeAll also re-arms the low-disk signal.
func (e *Engine) ResumeAll() {
	e.monitor.ClearDiskPause()
	e.queue.ResumeAll()
}

func (e *Engine) Hub() *broadcast.Hub {
	return e.hub
}

func (e *Engine) Metadata() *metadata.Service {
	return e.metadata
}

// Shutdown cancels pending and running tasks, waits for them within ctx, then stops the
// background loops and closes observers.
func (e *Engine) Shutdown(ctx context.Context) error {
	var errs []error
	if err := e.queue.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("queue: %w", err))
	}
	if !e.executor.Shutdown(e.cfg.Executor.ShutdownTimeout) {
		e.log.Warn().Msg("executor did not drain before its shutdown timeout")
	}
	e.monitor.Stop()
	e.metadata.Cache().Stop()
	e.hub.Close()
	if closer, ok := e.store.(interface{ Close() error }); ok && e.ownsStore {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
	}
	stats := e.timing.Stats()
	e.log.Info().Int64("downloads", stats.Total).Int64("ok", stats.Successful).Int64("failed", stats.Failed).
		Dur("avg", stats.AverageDuration).Msg("engine stopped")
	return errors.Join(errs...)
}
