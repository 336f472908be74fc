package pulse

import (
	"errors"
	"math"
	"testing"
)

// dailyCycle builds hourly observations following a sinusoidal daily
// pattern around a base level.
func dailyCycle(days int, base, amplitude float64) ([]int64, []float64) {
	n := days * 24
	ts := make([]int64, n)
	vs := make([]float64, n)
	for i := 0; i < n; i++ {
		ts[i] = int64(i) * 3600
		phase := float64(i%24) / 24
		vs[i] = base + amplitude*math.Sin(2*math.Pi*phase)
	}
	return ts, vs
}

func TestDecomposeInsufficientData(t *testing.T) {
	ts, vs := dailyCycle(1, 70, 10)
	_, err := Decompose(ts[:10], vs[:10], SeasonalConfig{Period: 86400, MinDataPoints: 24})
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("got %v, want ErrInsufficientData", err)
	}
}

func TestDecomposeMismatchedSlices(t *testing.T) {
	ts, vs := dailyCycle(2, 70, 10)
	_, err := Decompose(ts[:len(ts)-1], vs, SeasonalConfig{Period: 86400, MinDataPoints: 24})
	if !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("got %v, want ErrValidationFailed", err)
	}
}

func TestDecomposeComponentsAlign(t *testing.T) {
	ts, vs := dailyCycle(7, 70, 10)
	d, err := Decompose(ts, vs, SeasonalConfig{Period: 86400, MinDataPoints: 24, Model: Additive})
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	n := len(vs)
	if len(d.Trend) != n || len(d.Seasonal) != n || len(d.Residual) != n {
		t.Fatalf("component lengths %d/%d/%d, want %d", len(d.Trend), len(d.Seasonal), len(d.Residual), n)
	}
	if len(d.Pattern) != seasonalBins {
		t.Fatalf("pattern has %d bins", len(d.Pattern))
	}

	// The additive identity holds by construction.
	for i := range vs {
		if math.Abs(d.Trend[i]+d.Seasonal[i]+d.Residual[i]-vs[i]) > 1e-9 {
			t.Fatalf("components at %d do not reconstruct the observation", i)
		}
	}

	// The pattern carries no net level.
	var sum float64
	for _, v := range d.Pattern {
		sum += v
	}
	if math.Abs(sum) > 1e-9 {
		t.Errorf("additive pattern sums to %v", sum)
	}
}

func TestDecomposeRecoversDailyPattern(t *testing.T) {
	ts, vs := dailyCycle(7, 70, 10)
	d, err := Decompose(ts, vs, SeasonalConfig{Period: 86400, MinDataPoints: 24, Model: Additive})
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}

	// A clean periodic signal leaves small residuals relative to the
	// seasonal amplitude.
	var maxResid float64
	for _, r := range d.Residual {
		if a := math.Abs(r); a > maxResid {
			maxResid = a
		}
	}
	if maxResid > 3 {
		t.Errorf("max residual %v for a clean 10-amplitude cycle", maxResid)
	}

	// The pattern peak should land near the sine peak (hour 6).
	peak := 0
	for b, v := range d.Pattern {
		if v > d.Pattern[peak] {
			peak = b
		}
	}
	if peak < 4 || peak > 8 {
		t.Errorf("pattern peaks at bin %d, want near 6", peak)
	}
}

func TestDecomposeMultiplicative(t *testing.T) {
	ts, vs := dailyCycle(7, 70, 10)
	d, err := Decompose(ts, vs, SeasonalConfig{Period: 86400, MinDataPoints: 24, Model: Multiplicative})
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	var sum float64
	for _, v := range d.Pattern {
		sum += v
	}
	if math.Abs(sum/seasonalBins-1) > 1e-9 {
		t.Errorf("multiplicative pattern mean %v, want 1", sum/seasonalBins)
	}
	for i := range vs {
		if math.Abs(d.Residual[i]-1) > 0.5 {
			t.Fatalf("residual[%d] = %v, want near 1", i, d.Residual[i])
		}
	}
}

func TestDeviationsFlagsInjectedSpike(t *testing.T) {
	ts, vs := dailyCycle(7, 70, 10)
	spikeAt := 80
	vs[spikeAt] += 40

	d, err := Decompose(ts, vs, SeasonalConfig{Period: 86400, MinDataPoints: 24, Model: Additive})
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	idx, scores := d.Deviations(3.0)
	found := false
	for i, j := range idx {
		if j == spikeAt {
			found = true
			if scores[i] <= 3 {
				t.Errorf("spike score %v, want > 3", scores[i])
			}
		}
	}
	if !found {
		t.Fatalf("spike at %d not flagged; flagged %v", spikeAt, idx)
	}
}

func TestDeviationsConstantResidual(t *testing.T) {
	ts := make([]int64, 48)
	vs := make([]float64, 48)
	for i := range vs {
		ts[i] = int64(i) * 3600
		vs[i] = 70
	}
	d, err := Decompose(ts, vs, SeasonalConfig{Period: 86400, MinDataPoints: 24, Model: Additive})
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	if idx, _ := d.Deviations(3.0); len(idx) != 0 {
		t.Errorf("constant series flagged %v", idx)
	}
}
