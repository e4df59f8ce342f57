package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/tanq16/vidq/internal/output"
	"github.com/tanq16/vidq/internal/queue"
	"github.com/tanq16/vidq/internal/utils"
)

// Job is one source handed to the CLI, either as an argument or as a batch file entry.
type Job struct {
	Link      string `yaml:"link"`
	Title     string `yaml:"title,omitempty"`
	OutputDir string `yaml:"dir,omitempty"`
	Merge     string `yaml:"merge,omitempty"`
	Priority  int    `yaml:"priority,omitempty"`
}

// Engine is the part of engine.Engine the scheduler drives.
type Engine interface {
	Resolve(ctx context.Context, locator string) (utils.Request, error)
	Submit(ctx context.Context, req utils.Request) (*queue.Task, error)
}

type Summary struct {
	Submitted int
	Completed int
	Failed    int
}

// Run resolves jobs with numWorkers workers, submits them, and waits for every task to settle.
// Failures are reported to display and counted in the summary; the returned error is non-nil when
// anything failed.
func Run(ctx context.Context, eng Engine, display *output.Manager, jobs []Job, numWorkers int) (Summary, error) {
	log := utils.GetLogger("scheduler")
	jobCh := make(chan Job, len(jobs))
	for _, job := range jobs {
		jobCh <- job
	}
	close(jobCh)

	var (
		mu      sync.Mutex
		tasks   []*queue.Task
		summary Summary
		wg      sync.WaitGroup
	)
	for range max(numWorkers, 1) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobCh {
				task, err := submit(ctx, eng, job)
				mu.Lock()
				if err != nil {
					summary.Failed++
					mu.Unlock()
					log.Warn().Err(err).Str("link", job.Link).Msg("job not submitted")
					display.ReportError("", job.Link, err)
					continue
				}
				summary.Submitted++
				tasks = append(tasks, task)
				mu.Unlock()
				display.Track(task.ID, task.Request.Title)
			}
		}()
	}
	wg.Wait()

	for _, task := range tasks {
		if _, err := task.Wait(ctx); err != nil {
			summary.Failed++
			display.ReportError(task.ID, task.Request.Title, err)
			continue
		}
		summary.Completed++
	}
	if summary.Failed > 0 {
		return summary, fmt.Errorf("%d of %d downloads failed", summary.Failed, len(jobs))
	}
	return summary, nil
}

func submit(ctx context.Context, eng Engine, job Job) (*queue.Task, error) {
	req, err := eng.Resolve(ctx, job.Link)
	if err != nil {
		return nil, fmt.Errorf("error resolving %s: %w", job.Link, err)
	}
	if job.Title != "" {
		req.Title = job.Title
		if req.MergeOutput != "" {
			req.MergeOutput = utils.SanitizeFileName(job.Title) + ".mp4"
		}
	}
	if job.OutputDir != "" {
		req.OutputDir = job.OutputDir
	}
	if job.Merge != "" {
		req.MergeOutput = job.Merge
	}
	req.Priority = job.Priority
	return eng.Submit(ctx, req)
}
