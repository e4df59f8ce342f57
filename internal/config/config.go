package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/tanq16/vidq/internal/utils"
	"gopkg.in/yaml.v3"
)

type QueueConfig struct {
	MaxConcurrent   int           `yaml:"max_concurrent"`
	Capacity        int           `yaml:"capacity"`
	HardCap         int           `yaml:"hard_cap"`
	RetainTerminal  int           `yaml:"retain_terminal"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

type ExecutorConfig struct {
	MaxConcurrency  int           `yaml:"max_concurrency"`
	HardMax         int           `yaml:"hard_max"`
	AcquireTimeout  time.Duration `yaml:"acquire_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type ResourceConfig struct {
	Interval        time.Duration `yaml:"interval"`
	CPUThreshold    float64       `yaml:"cpu_threshold"`
	MemoryThreshold float64       `yaml:"memory_threshold"`
	LowWatermark    float64       `yaml:"low_watermark"`
	MinFreeDiskGB   float64       `yaml:"min_free_disk_gb"`
	AvgPartSizeMB   int64         `yaml:"avg_part_size_mb"`
	DiskPath        string        `yaml:"disk_path"`
}

type ProgressConfig struct {
	Window int `yaml:"window"`
}

type BroadcastConfig struct {
	UpdateInterval time.Duration `yaml:"update_interval"`
	DeltaThreshold int           `yaml:"delta_threshold"`
	Throttling     bool          `yaml:"throttling"`
}

type CacheConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	MaxSize       int           `yaml:"max_size"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	DefaultAttempts int           `yaml:"default_attempts"`
	DefaultDelay    time.Duration `yaml:"default_delay"`
	BaseDelay       time.Duration `yaml:"base_delay"`
	Multiplier      float64       `yaml:"multiplier"`
}

type SegmentConfig struct {
	Enabled       bool  `yaml:"enabled"`
	MinSizeMB     int64 `yaml:"min_size_mb"`
	SegmentSizeMB int64 `yaml:"segment_size_mb"`
	MaxSegments   int   `yaml:"max_segments"`
	MaxParts      int   `yaml:"max_parts"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type S3Config struct {
	Profile    string `yaml:"profile"`
	PartSizeMB int64  `yaml:"part_size_mb"`
}

type Config struct {
	Queue              QueueConfig            `yaml:"queue"`
	Executor           ExecutorConfig         `yaml:"executor"`
	Resource           ResourceConfig         `yaml:"resource"`
	Progress           ProgressConfig         `yaml:"progress"`
	Broadcast          BroadcastConfig        `yaml:"broadcast"`
	Cache              CacheConfig            `yaml:"cache"`
	Retry              RetryConfig            `yaml:"retry"`
	Segment            SegmentConfig          `yaml:"segment"`
	HTTP               utils.HTTPClientConfig `yaml:"http"`
	Store              StoreConfig            `yaml:"store"`
	S3                 S3Config               `yaml:"s3"`
	MaxConcurrentParts int                    `yaml:"max_concurrent_parts"`
	OutputDir          string                 `yaml:"output_dir"`
}

func Default() Config {
	return Config{
		Queue: QueueConfig{
			MaxConcurrent:   3,
			Capacity:        50,
			HardCap:         10,
			RetainTerminal:  100,
			CleanupInterval: time.Minute,
		},
		Executor: ExecutorConfig{
			MaxConcurrency:  4,
			HardMax:         16,
			AcquireTimeout:  30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Resource: ResourceConfig{
			Interval:        5 * time.Second,
			CPUThreshold:    0.8,
			MemoryThreshold: 0.8,
			LowWatermark:    0.5,
			MinFreeDiskGB:   1,
			AvgPartSizeMB:   500,
			DiskPath:        ".",
		},
		Progress: ProgressConfig{Window: 10},
		Broadcast: BroadcastConfig{
			UpdateInterval: time.Second,
			DeltaThreshold: 5,
			Throttling:     true,
		},
		Cache: CacheConfig{
			TTL:           30 * time.Minute,
			MaxSize:       1000,
			SweepInterval: 5 * time.Minute,
		},
		Retry: RetryConfig{
			MaxAttempts:     5,
			DefaultAttempts: 2,
			DefaultDelay:    time.Second,
			BaseDelay:       time.Second,
			Multiplier:      2.0,
		},
		Segment: SegmentConfig{
			Enabled:       true,
			MinSizeMB:     50,
			SegmentSizeMB: 10,
			MaxSegments:   8,
			MaxParts:      8,
		},
		HTTP: utils.HTTPClientConfig{
			Timeout:   60 * time.Second,
			KATimeout: 60 * time.Second,
			UserAgent: utils.ToolUserAgent,
			Headers:   map[string]string{},
		},
		S3:                 S3Config{PartSizeMB: 16},
		MaxConcurrentParts: 4,
		OutputDir:          ".",
	}
}

// Load reads a YAML file on top of the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("error reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("error parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Queue.HardCap <= 0 {
		errs = append(errs, errors.New("queue.hard_cap must be positive"))
	}
	if c.Queue.MaxConcurrent <= 0 || c.Queue.MaxConcurrent > c.Queue.HardCap {
		errs = append(errs, fmt.Errorf("queue.max_concurrent must be in [1, %d]", c.Queue.HardCap))
	}
	if c.Queue.Capacity <= 0 {
		errs = append(errs, errors.New("queue.capacity must be positive"))
	}
	if c.Executor.HardMax <= 0 || c.Executor.MaxConcurrency <= 0 || c.Executor.MaxConcurrency > c.Executor.HardMax {
		errs = append(errs, fmt.Errorf("executor.max_concurrency must be in [1, %d]", c.Executor.HardMax))
	}
	if c.Resource.Interval <= 0 {
		errs = append(errs, errors.New("resource.interval must be positive"))
	}
	for name, v := range map[string]float64{
		"resource.cpu_threshold":    c.Resource.CPUThreshold,
		"resource.memory_threshold": c.Resource.MemoryThreshold,
		"resource.low_watermark":    c.Resource.LowWatermark,
	} {
		if v <= 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be in (0, 1]", name))
		}
	}
	if c.Progress.Window < 2 {
		errs = append(errs, errors.New("progress.window must be at least 2"))
	}
	if c.Cache.TTL <= 0 || c.Cache.MaxSize <= 0 {
		errs = append(errs, errors.New("cache.ttl and cache.max_size must be positive"))
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("retry.max_attempts must be positive"))
	}
	if c.MaxConcurrentParts <= 0 {
		errs = append(errs, errors.New("max_concurrent_parts must be positive"))
	}
	return errors.Join(errs...)
}
