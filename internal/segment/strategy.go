package segment

import (
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/tanq16/vidq/internal/config"
	"github.com/tanq16/vidq/internal/resource"
	"github.com/tanq16/vidq/internal/utils"
)

// Decision explains whether a request is split into ranged connections.
type Decision struct {
	Segmented   bool
	Connections int
	Reason      string
}

type Strategy struct {
	cfg  config.SegmentConfig
	cpus int
}

func NewStrategy(cfg config.SegmentConfig) *Strategy {
	return &Strategy{cfg: cfg, cpus: runtime.NumCPU()}
}

func (s *Strategy) Decide(req utils.Request) Decision {
	if !s.cfg.Enabled {
		return Decision{Connections: 1, Reason: "segmented downloads disabled"}
	}
	if !req.EnableSegmented {
		return Decision{Connections: 1, Reason: "segmentation not requested"}
	}
	size := req.TotalEstimatedSize()
	minSize := s.cfg.MinSizeMB * utils.MB / 5
	if size > 0 && size < minSize {
		return Decision{Connections: 1, Reason: fmt.Sprintf("size %s below %s", utils.FormatBytes(uint64(size)), utils.FormatBytes(uint64(minSize)))}
	}
	if req.PartCount() > s.cfg.MaxParts {
		return Decision{Connections: 1, Reason: fmt.Sprintf("too many parts (%d)", req.PartCount())}
	}
	n := s.Connections(size)
	return Decision{Segmented: true, Connections: n, Reason: fmt.Sprintf("size %s, %d connections", utils.FormatBytes(uint64(max(size, 0))), n)}
}

func (s *Strategy) ShouldSegment(req utils.Request) bool {
	return s.Decide(req).Segmented
}

// Connections is ceil(size/segment size), bounded by max segments and twice the CPU count.
func (s *Strategy) Connections(size int64) int {
	if size <= 0 {
		return 1
	}
	segSize := max(s.cfg.SegmentSizeMB, 1) * utils.MB
	n := int((size + segSize - 1) / segSize)
	n = max(1, min(n, s.cfg.MaxSegments))
	return min(n, 2*s.cpus)
}

// OptimalConnections halves the connection count while the host is under CPU or memory pressure.
func (s *Strategy) OptimalConnections(size int64, snap resource.Snapshot, cpuThreshold, memThreshold float64) int {
	n := s.Connections(size)
	if snap.CPUUsage > cpuThreshold || snap.MemoryUsage > memThreshold {
		n = max(1, n/2)
	}
	return n
}

// OutputFileName is title_partTitle.mp4 with unsafe characters replaced.
func OutputFileName(title, partTitle string) string {
	name := title
	if partTitle != "" && partTitle != title {
		name = title + "_" + partTitle
	}
	return utils.SanitizeFileName(name) + ".mp4"
}

// AssignOutputPaths fills in missing part output paths under dir.
func AssignOutputPaths(req *utils.Request) {
	dir := req.OutputDir
	if dir == "" {
		dir = "."
	}
	for i := range req.Parts {
		p := &req.Parts[i]
		if p.OutputPath != "" {
			continue
		}
		partTitle := p.Title
		if partTitle == "" && req.IsMultiPart() {
			partTitle = fmt.Sprintf("P%d", i+1)
		}
		p.OutputPath = filepath.Join(dir, OutputFileName(req.Title, partTitle))
		if p.PartNumber == 0 {
			p.PartNumber = i + 1
		}
	}
}
