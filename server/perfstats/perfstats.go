// Package perfstats is a single place where we record the performance of the
// frame pipeline, so that it's easy to compare different detectors and
// the performance of different hardware.
package perfstats

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

type PerfStats struct {
	Detect_Nanoseconds  atomic.Uint64 // Time spent waiting for the detector
	Project_Nanoseconds atomic.Uint64 // Time spent in filter + projection
}

var Stats = PerfStats{}

func Update(stat *atomic.Uint64, value int64) {
	vu := uint64(value)
	// We don't bother about strict correctness here, with CompareAndSwap,
	// because this is just sampled stats, and it's OK to miss one or two samples.
	if stat.Load() == 0 {
		stat.Store(vu)
	} else {
		stat.Store((stat.Load()*63 + vu) >> 6)
	}
}

// UpdateSince records the time elapsed since 'start'
func UpdateSince(stat *atomic.Uint64, start time.Time) {
	Update(stat, time.Since(start).Nanoseconds())
}

// Snapshot is a JSON-friendly copy of the stats, in milliseconds
type Snapshot struct {
	DetectMS  float64 `json:"detectMS"`
	ProjectMS float64 `json:"projectMS"`
}

func (s *PerfStats) Snapshot() Snapshot {
	return Snapshot{
		DetectMS:  float64(s.Detect_Nanoseconds.Load()) / 1e6,
		ProjectMS: float64(s.Project_Nanoseconds.Load()) / 1e6,
	}
}

func (s *PerfStats) String() string {
	snap := s.Snapshot()
	b := &strings.Builder{}
	fmt.Fprintf(b, "Detect: %0.3f ms, ", snap.DetectMS)
	fmt.Fprintf(b, "Project: %0.3f ms", snap.ProjectMS)
	return b.String()
}
