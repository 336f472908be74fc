package pulse

import (
	"errors"
	"math"
	"testing"
)

func TestAnalyzeWindowsVolatility(t *testing.T) {
	// Steady signal, then one turbulent hour, then steady again.
	var ts []int64
	var vs []float64
	for i := 0; i < 6*60; i++ {
		tsec := int64(i) * 60
		v := 70.0
		if tsec >= 2*3600 && tsec < 3*3600 {
			v = 70 + 15*math.Sin(float64(i))
		}
		ts = append(ts, tsec)
		vs = append(vs, v)
	}

	stats, err := AnalyzeWindows(ts, vs, 0, 6*3600, MovingWindowConfig{
		Width: 3600, Step: 3600, Statistic: Volatility, Threshold: 1.5,
	})
	if err != nil {
		t.Fatalf("AnalyzeWindows: %v", err)
	}
	if len(stats) != 6 {
		t.Fatalf("got %d windows, want 6", len(stats))
	}
	for _, w := range stats {
		turbulent := w.Start == 2*3600
		if w.Flagged != turbulent {
			t.Errorf("window at %d: flagged=%v, want %v (stat %v)", w.Start, w.Flagged, turbulent, w.Value)
		}
	}
}

func TestAnalyzeWindowsOverlap(t *testing.T) {
	ts := make([]int64, 120)
	vs := make([]float64, 120)
	for i := range ts {
		ts[i] = int64(i) * 60
		vs[i] = float64(i)
	}
	stats, err := AnalyzeWindows(ts, vs, 0, 7200, MovingWindowConfig{
		Width: 3600, Step: 900, Statistic: TrendSlope, Threshold: 10,
	})
	if err != nil {
		t.Fatalf("AnalyzeWindows: %v", err)
	}
	// Windows start every 900s while a full window fits: 0..3600.
	if len(stats) != 5 {
		t.Fatalf("got %d windows, want 5", len(stats))
	}
	for _, w := range stats {
		// value = t/60, so the slope is 1/60 everywhere.
		if math.Abs(w.Value-1.0/60) > 1e-12 {
			t.Errorf("window at %d: slope %v, want %v", w.Start, w.Value, 1.0/60)
		}
		if w.Flagged {
			t.Errorf("uniform slope flagged at %d", w.Start)
		}
	}
}

func TestAnalyzeWindowsRangeStatistic(t *testing.T) {
	ts := []int64{0, 100, 200, 1000, 1100, 1200}
	vs := []float64{70, 75, 72, 70, 90, 60}
	stats, err := AnalyzeWindows(ts, vs, 0, 2000, MovingWindowConfig{
		Width: 1000, Step: 1000, Statistic: ValueRange, Threshold: 0.5,
	})
	if err != nil {
		t.Fatalf("AnalyzeWindows: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("got %d windows, want 2", len(stats))
	}
	if stats[0].Value != 5 || stats[1].Value != 30 {
		t.Errorf("ranges %v, %v; want 5, 30", stats[0].Value, stats[1].Value)
	}
}

func TestAnalyzeWindowsSkipsSparseWindows(t *testing.T) {
	ts := []int64{0, 60, 5000}
	vs := []float64{70, 71, 72}
	stats, err := AnalyzeWindows(ts, vs, 0, 7200, MovingWindowConfig{
		Width: 3600, Step: 3600, Statistic: Volatility, Threshold: 1.5,
	})
	if err != nil {
		t.Fatalf("AnalyzeWindows: %v", err)
	}
	// The second hour has a single point: too few for a stddev.
	if len(stats) != 1 || stats[0].Start != 0 {
		t.Fatalf("windows %+v, want only the first hour", stats)
	}
}

func TestAnalyzeWindowsInvalidConfig(t *testing.T) {
	_, err := AnalyzeWindows([]int64{0}, []float64{1}, 0, 100, MovingWindowConfig{Width: 0, Step: 10})
	if !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("got %v, want ErrInvalidRange", err)
	}
}
