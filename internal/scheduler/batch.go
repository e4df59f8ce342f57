package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/tanq16/vidq/internal/resource"
	"github.com/tanq16/vidq/internal/utils"
	"gopkg.in/yaml.v3"
)

// BatchFile is the YAML layout of a batch file:
//
//	downloads:
//	  - link: https://cdn.example.com/show/index.m3u8
//	    title: Pilot
//	    priority: -1
type BatchFile struct {
	Downloads []Job `yaml:"downloads"`
}

// ReadBatch parses a batch file and drops entries without a link.
func ReadBatch(path string) ([]Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading batch file: %w", err)
	}
	var batch BatchFile
	if err := yaml.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("error parsing batch file %s: %w", path, err)
	}
	log := utils.GetLogger("scheduler")
	jobs := make([]Job, 0, len(batch.Downloads))
	for i, job := range batch.Downloads {
		if job.Link == "" {
			log.Warn().Int("entry", i+1).Str("file", path).Msg("batch entry has no link, skipping")
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Watch re-reads path every interval and submits entries it has not submitted before. Entries
// refused for lack of resources are tried again on the next pass.
func Watch(ctx context.Context, eng Engine, path string, interval time.Duration) {
	log := utils.GetLogger("watcher").With().Str("file", path).Logger()
	seen := make(map[Job]bool)
	scan := func() {
		jobs, err := ReadBatch(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				log.Warn().Err(err).Msg("batch scan failed")
			}
			return
		}
		for _, job := range jobs {
			if seen[job] {
				continue
			}
			task, err := submit(ctx, eng, job)
			if errors.Is(err, resource.ErrResourceExhausted) {
				log.Warn().Err(err).Str("link", job.Link).Msg("batch entry deferred")
				continue
			}
			seen[job] = true
			if err != nil {
				log.Warn().Err(err).Str("link", job.Link).Msg("batch entry rejected")
				continue
			}
			log.Info().Str("taskId", task.ID).Str("title", task.Request.Title).Msg("batch entry queued")
		}
	}

	scan()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			scan()
		case <-ctx.Done():
			return
		}
	}
}
