package heap

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"time"
)

// StatsAccumulator keeps summary statistics for a stream of samples without
// retaining the samples themselves.
type StatsAccumulator struct {
	n     uint64
	sum   float64
	sumSq float64
	min   float64
	max   float64
}

// Record adds a sample
func (a *StatsAccumulator) Record(v float64) {
	if a.n == 0 || v < a.min {
		a.min = v
	}
	if a.n == 0 || v > a.max {
		a.max = v
	}
	a.n++
	a.sum += v
	a.sumSq += v * v
}

// Count returns the number of samples recorded
func (a *StatsAccumulator) Count() uint64 {
	return a.n
}

// Sum returns the sum of all samples
func (a *StatsAccumulator) Sum() float64 {
	return a.sum
}

// Min returns the smallest sample, or 0 if none were recorded
func (a *StatsAccumulator) Min() float64 {
	return a.min
}

// Max returns the largest sample, or 0 if none were recorded
func (a *StatsAccumulator) Max() float64 {
	return a.max
}

// Average returns the mean sample, or 0 if none were recorded
func (a *StatsAccumulator) Average() float64 {
	if a.n == 0 {
		return 0
	}
	return a.sum / float64(a.n)
}

// StdDev returns the population standard deviation of the samples
func (a *StatsAccumulator) StdDev() float64 {
	if a.n == 0 {
		return 0
	}
	avg := a.Average()
	v := a.sumSq/float64(a.n) - avg*avg
	if v < 0 {
		// Guard against rounding pushing the variance below zero.
		return 0
	}
	return math.Sqrt(v)
}

// CumulativeHeapStats aggregates per-collection measurements over the life
// of the heap. Time unit is seconds.
type CumulativeHeapStats struct {
	NumCollections uint64

	// GCWallTime accumulates pause wall times.
	GCWallTime StatsAccumulator

	// GCCPUTime accumulates pause CPU times.
	GCCPUTime StatsAccumulator

	// FinalHeapSize is the heap capacity after the most recent collection.
	FinalHeapSize uint64

	// UsedBefore accumulates bytes allocated just before each collection.
	UsedBefore StatsAccumulator

	// UsedAfter accumulates bytes alive after each collection.
	UsedAfter StatsAccumulator
}

// HeapInfo is a point-in-time summary of the heap, safe to request at any
// time outside a collection.
type HeapInfo struct {
	// NumCollections is the number of collections since creation.
	NumCollections uint64
	// TotalAllocatedBytes is cumulative over the heap's lifetime.
	TotalAllocatedBytes uint64
	// AllocatedBytes currently allocated; some may be unreachable unless a
	// collection just finished.
	AllocatedBytes uint64
	// ExternalBytes is off-heap memory credited to live cells.
	ExternalBytes uint64
	// HeapSize is the current capacity in bytes.
	HeapSize uint64
	// MallocSizeEstimate is the runtime's reported root-held malloc usage
	// plus credited external memory.
	MallocSizeEstimate uint64
	// FullStats covers full collections. YoungGenStats stays zeroed: this
	// collector is not generational.
	FullStats     CumulativeHeapStats
	YoungGenStats CumulativeHeapStats
}

// recordGCStats folds one collection's measurements into the cumulative
// stats. wallTime and cpuTime are in seconds.
func (s *CumulativeHeapStats) record(wallTime, cpuTime float64, finalHeapSize, usedBefore, usedAfter uint64) {
	s.NumCollections++
	s.GCWallTime.Record(wallTime)
	s.GCCPUTime.Record(cpuTime)
	s.FinalHeapSize = finalHeapSize
	s.UsedBefore.Record(float64(usedBefore))
	s.UsedAfter.Record(float64(usedAfter))
}

type statsSummary struct {
	Count   uint64  `json:"count"`
	Sum     float64 `json:"sum"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Average float64 `json:"average"`
	StdDev  float64 `json:"stddev"`
}

func summarize(a *StatsAccumulator) statsSummary {
	return statsSummary{
		Count:   a.Count(),
		Sum:     a.Sum(),
		Min:     a.Min(),
		Max:     a.Max(),
		Average: a.Average(),
		StdDev:  a.StdDev(),
	}
}

type statsDump struct {
	HeapName            string       `json:"heap_name"`
	NumCollections      uint64       `json:"num_collections"`
	TotalAllocatedBytes uint64       `json:"total_allocated_bytes"`
	AllocatedBytes      uint64       `json:"allocated_bytes"`
	HeapSize            uint64       `json:"heap_size"`
	TotalGCWallTime     float64      `json:"total_gc_wall_time"`
	TotalGCCPUTime      float64      `json:"total_gc_cpu_time"`
	ElapsedTime         float64      `json:"elapsed_time"`
	GCWallTime          statsSummary `json:"gc_wall_time"`
	GCCPUTime           statsSummary `json:"gc_cpu_time"`
	UsedBefore          statsSummary `json:"used_before"`
	UsedAfter           statsSummary `json:"used_after"`
}

// PrintAllCollectedStats writes the cumulative collection statistics as JSON,
// followed by the runtime's own root-scan phase breakdown.
func (gc *GC) PrintAllCollectedStats(w io.Writer) error {
	dump := statsDump{
		HeapName:            gc.cfg.Name,
		NumCollections:      gc.cumStats.NumCollections,
		TotalAllocatedBytes: gc.totalAllocatedBytes,
		AllocatedBytes:      gc.allocatedBytes,
		HeapSize:            gc.heapSize,
		TotalGCWallTime:     gc.cumStats.GCWallTime.Sum(),
		TotalGCCPUTime:      gc.cumStats.GCCPUTime.Sum(),
		ElapsedTime:         time.Since(gc.execStart).Seconds(),
		GCWallTime:          summarize(&gc.cumStats.GCWallTime),
		GCCPUTime:           summarize(&gc.cumStats.GCCPUTime),
		UsedBefore:          summarize(&gc.cumStats.UsedBefore),
		UsedAfter:           summarize(&gc.cumStats.UsedAfter),
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(dump); err != nil {
		return fmt.Errorf("write stats: %w", err)
	}
	gc.callbacks.PrintRuntimeGCStats(w)
	return nil
}
