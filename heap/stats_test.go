package heap

import (
	"math"
	"testing"
)

func TestStatsAccumulatorEmpty(t *testing.T) {
	var a StatsAccumulator
	if a.Count() != 0 || a.Sum() != 0 || a.Min() != 0 || a.Max() != 0 {
		t.Error("empty accumulator should read as zeros")
	}
	if a.Average() != 0 || a.StdDev() != 0 {
		t.Error("empty accumulator average/stddev should be zero")
	}
}

func TestStatsAccumulator(t *testing.T) {
	var a StatsAccumulator
	for _, v := range []float64{4, 2, 8, 6} {
		a.Record(v)
	}

	if a.Count() != 4 {
		t.Errorf("count = %d", a.Count())
	}
	if a.Sum() != 20 {
		t.Errorf("sum = %g", a.Sum())
	}
	if a.Min() != 2 || a.Max() != 8 {
		t.Errorf("min/max = %g/%g", a.Min(), a.Max())
	}
	if a.Average() != 5 {
		t.Errorf("average = %g", a.Average())
	}
	// Population stddev of {4,2,8,6} is sqrt(5).
	if got := a.StdDev(); math.Abs(got-math.Sqrt(5)) > 1e-9 {
		t.Errorf("stddev = %g", got)
	}
}

func TestStatsAccumulatorNegativeSamples(t *testing.T) {
	var a StatsAccumulator
	a.Record(-3)
	a.Record(1)
	if a.Min() != -3 || a.Max() != 1 {
		t.Errorf("min/max = %g/%g", a.Min(), a.Max())
	}
}

func TestCumulativeHeapStatsRecord(t *testing.T) {
	var s CumulativeHeapStats
	s.record(0.5, 0.25, 4096, 1000, 600)
	s.record(1.5, 0.75, 8192, 2000, 800)

	if s.NumCollections != 2 {
		t.Errorf("collections = %d", s.NumCollections)
	}
	if s.GCWallTime.Sum() != 2.0 {
		t.Errorf("wall sum = %g", s.GCWallTime.Sum())
	}
	if s.GCCPUTime.Sum() != 1.0 {
		t.Errorf("cpu sum = %g", s.GCCPUTime.Sum())
	}
	if s.FinalHeapSize != 8192 {
		t.Errorf("final heap size = %d", s.FinalHeapSize)
	}
	if s.UsedBefore.Max() != 2000 || s.UsedAfter.Max() != 800 {
		t.Errorf("used before/after max = %g/%g", s.UsedBefore.Max(), s.UsedAfter.Max())
	}
}
