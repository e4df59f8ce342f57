package utils

import (
	"context"
	"hash/fnv"
	"time"
)

type TaskStatus string

const (
	StatusPending     TaskStatus = "PENDING"
	StatusDownloading TaskStatus = "DOWNLOADING"
	StatusPaused      TaskStatus = "PAUSED"
	StatusCompleted   TaskStatus = "COMPLETED"
	StatusFailed      TaskStatus = "FAILED"
	StatusCancelled   TaskStatus = "CANCELLED"
)

func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s TaskStatus) IsActive() bool {
	return s == StatusDownloading
}

// Code is the numeric status used on the event stream.
func (s TaskStatus) Code() int {
	switch s {
	case StatusDownloading:
		return 1
	case StatusCompleted:
		return 2
	case StatusFailed, StatusCancelled:
		return 3
	default:
		return 0
	}
}

// Part is one segment or sub-stream of a task. Parts are not modified after submission.
type Part struct {
	CID           int64  `yaml:"cid,omitempty" json:"cid,omitempty"`
	Title         string `yaml:"title,omitempty" json:"title,omitempty"`
	PartNumber    int    `yaml:"part,omitempty" json:"part,omitempty"`
	URL           string `yaml:"url" json:"url"`
	OutputPath    string `yaml:"op,omitempty" json:"outputPath,omitempty"`
	EstimatedSize int64  `yaml:"size,omitempty" json:"estimatedSize,omitempty"`
	DatabaseID    int64  `yaml:"-" json:"-"`
}

// StableID prefers the persisted id, then the CID, then a hash of the URL.
func (p Part) StableID() int64 {
	if p.DatabaseID > 0 {
		return p.DatabaseID
	}
	if p.CID > 0 {
		return p.CID
	}
	return HashID(p.URL)
}

func HashID(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64() &^ (1 << 63))
}

type Request struct {
	Title           string            `yaml:"title"`
	SourceURL       string            `yaml:"link"`
	Parts           []Part            `yaml:"parts,omitempty"`
	OutputDir       string            `yaml:"dir,omitempty"`
	Priority        int               `yaml:"priority,omitempty"`
	EnableSegmented bool              `yaml:"segmented,omitempty"`
	EstimatedSize   int64             `yaml:"size,omitempty"`
	MergeOutput     string            `yaml:"merge,omitempty"`
	Metadata        map[string]string `yaml:"metadata,omitempty"`
}

func (r Request) PartCount() int {
	return len(r.Parts)
}

func (r Request) IsMultiPart() bool {
	return len(r.Parts) > 1
}

func (r Request) TotalEstimatedSize() int64 {
	if r.EstimatedSize > 0 {
		return r.EstimatedSize
	}
	var total int64
	for _, p := range r.Parts {
		total += p.EstimatedSize
	}
	return total
}

type Result struct {
	Success    bool
	Err        error
	FilePaths  []string
	StartTime  time.Time
	EndTime    time.Time
	TotalBytes int64
}

func Success(paths []string, start time.Time, bytes int64) Result {
	return Result{Success: true, FilePaths: paths, StartTime: start, EndTime: time.Now(), TotalBytes: bytes}
}

func Failure(err error, start time.Time) Result {
	return Result{Success: false, Err: err, StartTime: start, EndTime: time.Now()}
}

func (r Result) Duration() time.Duration {
	if r.StartTime.IsZero() || r.EndTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// ProgressFunc receives cumulative downloaded bytes and the expected total (0 if unknown).
type ProgressFunc func(downloaded, total int64)

type TransferJob struct {
	URL         string
	OutputPath  string
	Connections int
	Progress    ProgressFunc
}

// Transport moves the bytes of one part. Implementations must honour ctx cancellation.
type Transport interface {
	Download(ctx context.Context, job TransferJob) error
}
