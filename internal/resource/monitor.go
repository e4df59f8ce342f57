package resource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tanq16/vidq/internal/config"
	"github.com/tanq16/vidq/internal/utils"
)

var ErrResourceExhausted = errors.New("insufficient system resources")

type ExhaustedError struct {
	Reason   string
	Snapshot Snapshot
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrResourceExhausted, e.Reason)
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrResourceExhausted
}

type Snapshot struct {
	CPUUsage           float64
	MemoryUsage        float64
	DiskUsage          float64
	FreeMemoryBytes    uint64
	FreeDiskBytes      uint64
	CurrentConcurrency int
	MaxConcurrency     int
	TakenAt            time.Time
}

func (s Snapshot) AvailableMemoryMB() uint64 {
	return s.FreeMemoryBytes / uint64(utils.MB)
}

func (s Snapshot) AvailableDiskGB() float64 {
	return float64(s.FreeDiskBytes) / float64(utils.GB)
}

// Throttle is the concurrency ceiling the monitor tunes.
type Throttle interface {
	Concurrency() int
	SetConcurrency(n int) int
}

type Monitor struct {
	cfg            config.ResourceConfig
	sampler        Sampler
	throttle       Throttle
	maxConcurrency int

	mu         sync.RWMutex
	latest     Snapshot
	diskPaused bool
	handlers   []func(Snapshot)

	log    zerolog.Logger
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

func NewMonitor(cfg config.ResourceConfig, sampler Sampler, throttle Throttle, maxConcurrency int) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.LowWatermark <= 0 {
		cfg.LowWatermark = 0.5
	}
	if cfg.AvgPartSizeMB <= 0 {
		cfg.AvgPartSizeMB = 500
	}
	return &Monitor{
		cfg:            cfg,
		sampler:        sampler,
		throttle:       throttle,
		maxConcurrency: max(1, maxConcurrency),
		log:            utils.GetLogger("resource"),
	}
}

// OnLowDisk registers fn to be called once each time free disk falls below the minimum.
func (m *Monitor) OnLowDisk(fn func(Snapshot)) {
	m.mu.Lock()
	m.handlers = append(m.handlers, fn)
	m.mu.Unlock()
}

func (m *Monitor) minFreeBytes() uint64 {
	return uint64(m.cfg.MinFreeDiskGB * float64(utils.GB))
}

func (m *Monitor) snapshot(s Sample) Snapshot {
	return Snapshot{
		CPUUsage:           s.CPUUsage,
		MemoryUsage:        s.MemoryUsage,
		DiskUsage:          s.DiskUsage,
		FreeMemoryBytes:    s.FreeMemoryBytes,
		FreeDiskBytes:      s.FreeDiskBytes,
		CurrentConcurrency: m.throttle.Concurrency(),
		MaxConcurrency:     m.maxConcurrency,
		TakenAt:            time.Now(),
	}
}

// Check runs one monitoring pass: sample, tune the ceiling, and raise the low-disk signal.
func (m *Monitor) Check(ctx context.Context) (Snapshot, error) {
	sample, err := m.sampler.Sample(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap := m.snapshot(sample)
	current := snap.CurrentConcurrency
	switch {
	case snap.MemoryUsage > m.cfg.MemoryThreshold || snap.CPUUsage > m.cfg.CPUThreshold:
		if current > 1 {
			snap.CurrentConcurrency = m.throttle.SetConcurrency(current - 1)
			m.log.Info().Float64("cpu", snap.CPUUsage).Float64("mem", snap.MemoryUsage).
				Int("concurrency", snap.CurrentConcurrency).Msg("high load, lowering concurrency")
		}
	case snap.MemoryUsage < m.cfg.LowWatermark && snap.CPUUsage < m.cfg.LowWatermark && current < m.maxConcurrency:
		snap.CurrentConcurrency = m.throttle.SetConcurrency(current + 1)
		m.log.Debug().Int("concurrency", snap.CurrentConcurrency).Msg("load is low, raising concurrency")
	}

	var fire []func(Snapshot)
	m.mu.Lock()
	m.latest = snap
	if snap.FreeDiskBytes < m.minFreeBytes() && !m.diskPaused {
		m.diskPaused = true
		fire = append(fire, m.handlers...)
	}
	m.mu.Unlock()
	if len(fire) > 0 {
		m.log.Warn().Str("free", utils.FormatBytes(snap.FreeDiskBytes)).Msg("disk space low, pausing downloads")
		for _, fn := range fire {
			fn(snap)
		}
	}
	return snap, nil
}

func (m *Monitor) Latest() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

func (m *Monitor) DiskPaused() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.diskPaused
}

// ClearDiskPause re-arms the low-disk signal after an operator has freed space.
func (m *Monitor) ClearDiskPause() {
	m.mu.Lock()
	m.diskPaused = false
	m.mu.Unlock()
}

// CheckAdmission reports whether a task with partCount parts may start now.
// A failed sample does not block admission.
func (m *Monitor) CheckAdmission(ctx context.Context, partCount int) error {
	if m.DiskPaused() {
		return &ExhaustedError{Reason: "downloads are paused for low disk space", Snapshot: m.Latest()}
	}
	sample, err := m.sampler.Sample(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("resource sample failed, admitting without check")
		return nil
	}
	snap := m.snapshot(sample)
	if snap.MemoryUsage > m.cfg.MemoryThreshold {
		return &ExhaustedError{Reason: fmt.Sprintf("memory usage %.0f%% above threshold", snap.MemoryUsage*100), Snapshot: snap}
	}
	if snap.CPUUsage > m.cfg.CPUThreshold {
		return &ExhaustedError{Reason: fmt.Sprintf("cpu usage %.0f%% above threshold", snap.CPUUsage*100), Snapshot: snap}
	}
	required := uint64(max(partCount, 1))*uint64(m.cfg.AvgPartSizeMB*utils.MB) + m.minFreeBytes()
	if snap.FreeDiskBytes < required {
		return &ExhaustedError{
			Reason:   fmt.Sprintf("need %s free disk, have %s", utils.FormatBytes(required), utils.FormatBytes(snap.FreeDiskBytes)),
			Snapshot: snap,
		}
	}
	return nil
}

func (m *Monitor) HasEnoughResources(ctx context.Context, partCount int) bool {
	return m.CheckAdmission(ctx, partCount) == nil
}

// Start runs Check every interval until ctx is done or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go func() {
		defer close(m.doneCh)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := m.Check(ctx); err != nil {
					m.log.Warn().Err(err).Msg("resource check failed")
				}
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			}
		}
	}()
}

func (m *Monitor) Stop() {
	if m.stopCh == nil {
		return
	}
	m.once.Do(func() { close(m.stopCh) })
	<-m.doneCh
}
