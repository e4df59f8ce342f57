package scheduler

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tanq16/vidq/internal/config"
	"github.com/tanq16/vidq/internal/output"
	"github.com/tanq16/vidq/internal/queue"
	"github.com/tanq16/vidq/internal/utils"
)

type fakeEngine struct {
	queue *queue.Manager

	mu        sync.Mutex
	submitted []utils.Request
}

func newFakeEngine(t *testing.T) *fakeEngine {
	cfg := config.Default().Queue
	runner := func(ctx context.Context, task *queue.Task) utils.Result {
		if strings.Contains(task.Request.Title, "broken") {
			return utils.Failure(errors.New("http-status (status 404)"), time.Now())
		}
		return utils.Success([]string{task.Request.Title + ".mp4"}, time.Now(), 10)
	}
	f := &fakeEngine{queue: queue.NewManager(cfg, runner)}
	t.Cleanup(func() { f.queue.Shutdown(context.Background()) })
	return f
}

func (f *fakeEngine) Resolve(ctx context.Context, locator string) (utils.Request, error) {
	if strings.HasPrefix(locator, "ftp://") {
		return utils.Request{}, errors.New("unsupported scheme")
	}
	title := locator[strings.LastIndex(locator, "/")+1:]
	req := utils.Request{Title: title, SourceURL: locator, Parts: []utils.Part{{URL: locator}}}
	if strings.HasSuffix(locator, ".m3u8") {
		req.MergeOutput = title + ".mp4"
	}
	return req, nil
}

func (f *fakeEngine) Submit(ctx context.Context, req utils.Request) (*queue.Task, error) {
	f.mu.Lock()
	f.submitted = append(f.submitted, req)
	f.mu.Unlock()
	return f.queue.Submit(req)
}

func TestRunReportsEveryOutcome(t *testing.T) {
	eng := newFakeEngine(t)
	display := output.NewManager(io.Discard)
	jobs := []Job{
		{Link: "https://cdn.example.com/one"},
		{Link: "https://cdn.example.com/broken"},
		{Link: "ftp://cdn.example.com/nope"},
		{Link: "https://cdn.example.com/three"},
	}

	summary, err := Run(context.Background(), eng, display, jobs, 2)
	if err == nil || !strings.Contains(err.Error(), "2 of 4") {
		t.Errorf("err = %v, want 2 of 4 failed", err)
	}
	want := Summary{Submitted: 3, Completed: 2, Failed: 2}
	if summary != want {
		t.Errorf("summary = %+v, want %+v", summary, want)
	}
	// display is not subscribed to engine events here, so it only knows about tracked tasks and reported errors
	_, failed, total := display.Counts()
	if failed != 1 || total != 3 {
		t.Errorf("display counts = %d failed of %d", failed, total)
	}
}

func TestJobOverrides(t *testing.T) {
	eng := newFakeEngine(t)
	jobs := []Job{
		{Link: "https://cdn.example.com/show/index.m3u8", Title: "Pilot Episode", OutputDir: "/media/tv", Priority: 4},
		{Link: "https://cdn.example.com/clip", Merge: "clip-full.mp4"},
	}
	if _, err := Run(context.Background(), eng, output.NewManager(io.Discard), jobs, 1); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(eng.submitted) != 2 {
		t.Fatalf("submitted %d requests", len(eng.submitted))
	}
	first := eng.submitted[0]
	if first.Title != "Pilot Episode" || first.OutputDir != "/media/tv" || first.Priority != 4 {
		t.Errorf("first = %+v", first)
	}
	if first.MergeOutput != "Pilot_Episode.mp4" {
		t.Errorf("merge output = %q", first.MergeOutput)
	}
	if eng.submitted[1].MergeOutput != "clip-full.mp4" {
		t.Errorf("explicit merge output = %q", eng.submitted[1].MergeOutput)
	}
}
