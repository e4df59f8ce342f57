package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/tanq16/vidq/internal/progress"
	"github.com/tanq16/vidq/internal/queue"
	"github.com/tanq16/vidq/internal/store"
	"github.com/tanq16/vidq/internal/utils"
	"golang.org/x/sync/errgroup"
)

// run downloads every part of t, then merges them when the request names a merge output.
func (e *Engine) run(ctx context.Context, t *queue.Task) utils.Result {
	start := time.Now()
	req := t.Request
	log := e.log.With().Str("taskId", t.ID).Str("title", req.Title).Logger()
	e.outputs.runStarted(t.ID)
	defer e.outputs.runEnded(t)
	if ctx.Err() != nil {
		return utils.Failure(context.Cause(ctx), start)
	}
	e.tracker.Register(t.ID, req.Title, req.Parts)

	decision := e.strategy.Decide(req)
	log.Debug().Bool("segmented", decision.Segmented).Str("reason", decision.Reason).Msg("segmentation decided")
	e.timing.Start(t.ID, req.Title, req.SourceURL, req.TotalEstimatedSize(), len(req.Parts))

	var total atomic.Int64
	files := make([]string, len(req.Parts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrentParts)
	for i, p := range req.Parts {
		g.Go(func() error {
			conns := 1
			if decision.Segmented {
				size := p.EstimatedSize
				if size <= 0 {
					size = req.TotalEstimatedSize() / int64(len(req.Parts))
				}
				conns = e.strategy.OptimalConnections(size, e.monitor.Latest(), e.cfg.Resource.CPUThreshold, e.cfg.Resource.MemoryThreshold)
			}
			partStart := time.Now()
			n, err := e.downloadPart(gctx, t.ID, p, conns)
			if err != nil {
				log.Warn().Err(err).Int("part", p.PartNumber).Msg("part failed")
				return fmt.Errorf("part %d: %w", p.PartNumber, err)
			}
			total.Add(n)
			files[i] = p.OutputPath
			e.timing.Segment(t.ID, i, time.Since(partStart), n)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.finishFailed(ctx, t, err, total.Load())
		return utils.Failure(err, start)
	}

	if req.MergeOutput != "" {
		log.Debug().Int("files", len(files)).Str("output", req.MergeOutput).Msg("merging parts")
		if err := e.merger.Merge(ctx, files, req.MergeOutput); err != nil {
			err = fmt.Errorf("error merging parts: %w", err)
			e.finishFailed(ctx, t, err, total.Load())
			return utils.Failure(err, start)
		}
		files = []string{req.MergeOutput}
	}
	e.timing.Complete(t.ID, true, nil, total.Load())
	return utils.Success(files, start, total.Load())
}

// finishFailed records a failed run. Runs stopped by a cancel, a pause or shutdown are not
// failures. A cancelled task also loses its partial files; paused and shut down tasks keep
// them to resume from.
func (e *Engine) finishFailed(ctx context.Context, t *queue.Task, err error, bytes int64) {
	cause := context.Cause(ctx)
	switch {
	case ctx.Err() == nil:
		e.timing.Complete(t.ID, false, err, bytes)
	case errors.Is(cause, queue.ErrCancelled):
		e.timing.Interrupted(t.ID, cause)
		e.removePartials(t)
	default:
		e.timing.Interrupted(t.ID, cause)
	}
}

func (e *Engine) removePartials(t *queue.Task) {
	paths := make([]string, 0, len(t.Request.Parts)+1)
	for _, p := range t.Request.Parts {
		paths = append(paths, p.OutputPath)
	}
	if t.Request.MergeOutput != "" {
		paths = append(paths, t.Request.MergeOutput)
	}
	for _, path := range paths {
		if err := utils.CleanFunction(path); err != nil {
			e.log.Warn().Err(err).Str("taskId", t.ID).Str("path", path).Msg("error removing partial files")
		}
	}
}

// downloadPart moves one part through the executor and the retry manager and returns its size.
func (e *Engine) downloadPart(ctx context.Context, taskID string, p utils.Part, conns int) (int64, error) {
	cid := p.StableID()
	label := fmt.Sprintf("%s/part%d", taskID, p.PartNumber)
	var got atomic.Int64
	report := func(downloaded, total int64) {
		got.Store(downloaded)
		if ctx.Err() != nil {
			return
		}
		e.tracker.UpdatePartProgress(taskID, progress.PartProgress{CID: cid, Title: p.Title, Downloaded: downloaded, Total: total})
	}
	err := e.executor.Run(ctx, e.cfg.Executor.AcquireTimeout, label, func(ctx context.Context) error {
		return e.retry.Execute(ctx, label, func(ctx context.Context) error {
			return e.transport.Download(ctx, utils.TransferJob{
				URL:         p.URL,
				OutputPath:  p.OutputPath,
				Connections: conns,
				Progress:    report,
			})
		})
	})
	if err != nil {
		e.tracker.UpdatePartProgress(taskID, progress.PartProgress{CID: cid, Downloaded: got.Load(), Status: utils.StatusFailed})
		return 0, err
	}
	size := got.Load()
	if fi, statErr := os.Stat(p.OutputPath); statErr == nil {
		size = fi.Size()
	}
	e.tracker.UpdatePartProgress(taskID, progress.PartProgress{CID: cid, Downloaded: size, Total: size, Status: utils.StatusCompleted})
	return size, nil
}

// onStatus forwards every queue transition to the tracker, the hub and the store.
func (e *Engine) onStatus(t *queue.Task, status utils.TaskStatus) {
	switch status {
	case utils.StatusPending:
		e.tracker.Register(t.ID, t.Request.Title, t.Request.Parts)
	case utils.StatusDownloading:
		e.timing.QueueWait(t.ID, t.QueueWait())
	}
	e.tracker.SetStatus(t.ID, status)
	e.hub.BroadcastStatus(t.ID, status)
	e.persist(t, status)
	if status.IsTerminal() {
		e.outputs.settle(t)
	}
}

func (e *Engine) persist(t *queue.Task, status utils.TaskStatus) {
	if e.store == nil {
		return
	}
	var msg string
	if status.IsTerminal() {
		if err := t.Err(); err != nil {
			msg = err.Error()
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := e.store.UpdateStatus(ctx, t.ID, status, msg)
	if errors.Is(err, store.ErrNotFound) {
		err = e.store.SaveTask(ctx, t.ID, t.Request, status, t.CreatedAt)
		if err == nil && msg != "" {
			err = e.store.UpdateStatus(ctx, t.ID, status, msg)
		}
	}
	if err != nil {
		e.log.Warn().Err(err).Str("taskId", t.ID).Str("status", string(status)).Msg("status write-through failed")
	}
}
