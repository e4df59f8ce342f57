package progress

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tanq16/vidq/internal/utils"
)

type timeRecord struct {
	title    string
	url      string
	size     int64
	segments int
	start    time.Time
}

type TimeStats struct {
	Total           int64
	Successful      int64
	Failed          int64
	Interrupted     int64
	TotalDuration   time.Duration
	AverageDuration time.Duration
	InProgress      int
}

func (s TimeStats) SuccessRate() float64 {
	done := s.Successful + s.Failed
	if done == 0 {
		return 0
	}
	return float64(s.Successful) / float64(done)
}

// TimeLogger records how long downloads wait, run and how fast they go.
type TimeLogger struct {
	mu      sync.Mutex
	records map[string]timeRecord

	total       atomic.Int64
	successful  atomic.Int64
	failed      atomic.Int64
	interrupted atomic.Int64
	totalNanos  atomic.Int64

	now func() time.Time
	log zerolog.Logger
}

func NewTimeLogger() *TimeLogger {
	return &TimeLogger{
		records: make(map[string]timeRecord),
		now:     time.Now,
		log:     utils.GetLogger("timing"),
	}
}

func (l *TimeLogger) QueueWait(taskID string, wait time.Duration) {
	l.log.Info().Str("taskId", taskID).Dur("wait", wait).Msg("task left the queue")
}

func (l *TimeLogger) Start(taskID, title, url string, size int64, segments int) {
	l.mu.Lock()
	l.records[taskID] = timeRecord{title: title, url: url, size: size, segments: segments, start: l.now()}
	l.mu.Unlock()
	l.total.Add(1)
	l.log.Info().Str("taskId", taskID).Str("title", title).Str("size", utils.FormatBytes(uint64(max(size, 0)))).
		Int("segments", segments).Msg("download started")
}

// Complete closes the record for taskID and returns the measured duration.
func (l *TimeLogger) Complete(taskID string, success bool, err error, bytes int64) time.Duration {
	l.mu.Lock()
	rec, ok := l.records[taskID]
	delete(l.records, taskID)
	l.mu.Unlock()
	if !ok {
		l.log.Warn().Str("taskId", taskID).Msg("no timing record for task")
		return 0
	}
	elapsed := l.now().Sub(rec.start)
	l.totalNanos.Add(int64(elapsed))
	if success {
		l.successful.Add(1)
	} else {
		l.failed.Add(1)
	}
	var rate float64
	if bytes > 0 && elapsed > 0 {
		rate = float64(bytes) / elapsed.Seconds()
	}
	ev := l.log.Info()
	if !success {
		ev = l.log.Warn().Err(err)
	}
	ev.Str("taskId", taskID).Str("title", rec.title).Dur("elapsed", elapsed).
		Str("size", utils.FormatBytes(uint64(max(bytes, 0)))).Str("rate", utils.FormatRate(rate)).
		Bool("success", success).Msg("download finished")
	return elapsed
}

// Interrupted drops the record of a run that was cancelled or paused. It counts as neither
// a success nor a failure.
func (l *TimeLogger) Interrupted(taskID string, cause error) {
	l.mu.Lock()
	rec, ok := l.records[taskID]
	delete(l.records, taskID)
	l.mu.Unlock()
	if !ok {
		return
	}
	l.interrupted.Add(1)
	l.log.Info().Str("taskId", taskID).Str("title", rec.title).Dur("elapsed", l.now().Sub(rec.start)).
		AnErr("cause", cause).Msg("download interrupted")
}

func (l *TimeLogger) Segment(taskID string, index int, elapsed time.Duration, bytes int64) {
	var rate float64
	if elapsed > 0 {
		rate = float64(bytes) / elapsed.Seconds()
	}
	l.log.Debug().Str("taskId", taskID).Int("segment", index).Dur("elapsed", elapsed).
		Str("rate", utils.FormatRate(rate)).Msg("segment finished")
}

func (l *TimeLogger) Stats() TimeStats {
	l.mu.Lock()
	inProgress := len(l.records)
	l.mu.Unlock()
	s := TimeStats{
		Total:         l.total.Load(),
		Successful:    l.successful.Load(),
		Failed:        l.failed.Load(),
		Interrupted:   l.interrupted.Load(),
		TotalDuration: time.Duration(l.totalNanos.Load()),
		InProgress:    inProgress,
	}
	if done := s.Successful + s.Failed; done > 0 {
		s.AverageDuration = s.TotalDuration / time.Duration(done)
	}
	return s
}
