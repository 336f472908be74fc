package pulse

import (
	"context"
	"fmt"
	"math"
)

// SeasonalDecomposition splits an observed series into trend, seasonal, and
// residual components. All component slices are parallel to Timestamps.
type SeasonalDecomposition struct {
	Timestamps []int64
	Observed   []float64
	Trend      []float64
	Seasonal   []float64
	Residual   []float64
	// Pattern is the normalized per-phase seasonal profile: one value per
	// phase bin across the configured period.
	Pattern []float64
	Model   SeasonalModel
}

// seasonalBins is the phase resolution of the extracted pattern. One bin
// per hour of a daily cycle at the default period.
const seasonalBins = 24

// Decompose performs moving-average seasonal decomposition of the series.
// Timestamps must be ascending; values is parallel to ts. The trend is a
// centered moving average over a tenth of the period, the seasonal
// component is the normalized mean of the detrended values per phase bin,
// and the residual is what neither explains.
func Decompose(ts []int64, values []float64, cfg SeasonalConfig) (*SeasonalDecomposition, error) {
	if len(ts) != len(values) {
		return nil, fmt.Errorf("%w: %d timestamps for %d values", ErrValidationFailed, len(ts), len(values))
	}
	min := cfg.MinDataPoints
	if min < 2 {
		min = 2
	}
	if len(values) < min {
		return nil, fmt.Errorf("%w: %d observations, need %d", ErrInsufficientData, len(values), min)
	}
	if cfg.Period <= 0 {
		return nil, fmt.Errorf("%w: period %d", ErrInvalidRange, cfg.Period)
	}

	n := len(values)
	d := &SeasonalDecomposition{
		Timestamps: ts,
		Observed:   values,
		Trend:      make([]float64, n),
		Seasonal:   make([]float64, n),
		Residual:   make([]float64, n),
		Pattern:    make([]float64, seasonalBins),
		Model:      cfg.Model,
	}

	// Centered moving average over a window of period/10 time units. The
	// window slides with two pointers so the pass stays linear.
	half := cfg.Period / 20
	if half < 1 {
		half = 1
	}
	lo, hi := 0, 0
	var sum float64
	for i := 0; i < n; i++ {
		for hi < n && ts[hi] <= ts[i]+half {
			sum += values[hi]
			hi++
		}
		for lo < hi && ts[lo] < ts[i]-half {
			sum -= values[lo]
			lo++
		}
		d.Trend[i] = sum / float64(hi-lo)
	}

	// Detrend, then average by position in the cycle.
	detrended := make([]float64, n)
	bins := make([]int, n)
	binSum := make([]float64, seasonalBins)
	binCount := make([]int, seasonalBins)
	for i := 0; i < n; i++ {
		if cfg.Model == Multiplicative {
			if d.Trend[i] != 0 {
				detrended[i] = values[i] / d.Trend[i]
			} else {
				detrended[i] = 1
			}
		} else {
			detrended[i] = values[i] - d.Trend[i]
		}
		phase := ((ts[i] % cfg.Period) + cfg.Period) % cfg.Period
		bin := int(phase * seasonalBins / cfg.Period)
		bins[i] = bin
		binSum[bin] += detrended[i]
		binCount[bin]++
	}

	neutral := 0.0
	if cfg.Model == Multiplicative {
		neutral = 1.0
	}
	for b := 0; b < seasonalBins; b++ {
		if binCount[b] > 0 {
			d.Pattern[b] = binSum[b] / float64(binCount[b])
		} else {
			d.Pattern[b] = neutral
		}
	}

	// Normalize so the pattern carries no net level: additive bins sum to
	// zero, multiplicative bins average to one.
	var patternMean float64
	for _, v := range d.Pattern {
		patternMean += v
	}
	patternMean /= seasonalBins
	for b := range d.Pattern {
		if cfg.Model == Multiplicative {
			if patternMean != 0 {
				d.Pattern[b] /= patternMean
			}
		} else {
			d.Pattern[b] -= patternMean
		}
	}

	for i := 0; i < n; i++ {
		d.Seasonal[i] = d.Pattern[bins[i]]
		if cfg.Model == Multiplicative {
			denom := d.Trend[i] * d.Seasonal[i]
			if denom != 0 {
				d.Residual[i] = values[i] / denom
			} else {
				d.Residual[i] = 1
			}
		} else {
			d.Residual[i] = values[i] - d.Trend[i] - d.Seasonal[i]
		}
	}
	return d, nil
}

// Deviations returns the indices whose residual sits more than threshold
// residual standard deviations from the residual mean, with the z-score of
// each.
func (d *SeasonalDecomposition) Deviations(threshold float64) ([]int, []float64) {
	var sum, sumSq float64
	n := float64(len(d.Residual))
	for _, r := range d.Residual {
		sum += r
		sumSq += r * r
	}
	mean := sum / n
	variance := sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	stddev := math.Sqrt(variance)
	if stddev == 0 {
		return nil, nil
	}

	var idx []int
	var scores []float64
	for i, r := range d.Residual {
		z := (r - mean) / stddev
		if math.Abs(z) > threshold {
			idx = append(idx, i)
			scores = append(scores, z)
		}
	}
	return idx, scores
}

func (p *Pipeline) seasonalEvents(ctx context.Context, keys []string, from, to int64) ([]DetectionEvent, error) {
	cfg := p.cfg.Seasonal
	var events []DetectionEvent
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return events, err
		}
		ts, vs, err := p.observations(key, from, to)
		if err != nil {
			return events, &AnalyzerError{Analyzer: "seasonal", Key: key, Err: err}
		}
		if len(vs) < cfg.MinDataPoints {
			continue
		}
		d, err := Decompose(ts, vs, cfg)
		if err != nil {
			return events, &AnalyzerError{Analyzer: "seasonal", Key: key, Err: err}
		}
		idx, scores := d.Deviations(cfg.DeviationThreshold)
		for i, j := range idx {
			events = append(events, DetectionEvent{
				Keys:      []string{key},
				Kind:      EventSeasonalDeviation,
				Time:      ts[j],
				Score:     scores[i],
				Threshold: cfg.DeviationThreshold,
				Values:    []float64{vs[j]},
			})
		}
	}
	return events, nil
}
