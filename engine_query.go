package pulse

import (
	"fmt"
	"math"

	"github.com/DataDog/sketches-go/ddsketch"
)

// Outlier pairs a flagged observation with its z-score.
type Outlier struct {
	Timestamp int64
	Value     float64
	Score     float64
}

// QueryRange returns the records for key with from <= timestamp < to across
// all chunks, in ascending timestamp order. An empty result is not an
// error.
func (e *Engine) QueryRange(key string, from, to int64) ([]Record, error) {
	if to <= from {
		return nil, fmt.Errorf("%w: [%d, %d)", ErrInvalidRange, from, to)
	}
	chunks, err := e.chunksInRange(from, to)
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, c := range chunks {
		recs, err := c.GetRange(key, from, to)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

// QuerySamples returns the scalar observations for key in [from, to),
// expanding waveform records into one record per decoded sample.
func (e *Engine) QuerySamples(key string, from, to int64) ([]Record, error) {
	recs, err := e.QueryRange(key, from, to)
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, rec := range recs {
		if rec.Waveform == nil {
			out = append(out, rec)
			continue
		}
		for _, sample := range rec.Expand() {
			if sample.Timestamp >= from && sample.Timestamp < to {
				out = append(out, sample)
			}
		}
	}
	return out, nil
}

// observationsInRange visits every scalar observation for key in [from, to)
// across chunks, in ascending timestamp order.
func (e *Engine) observationsInRange(key string, from, to int64, fn func(ts int64, v float64)) error {
	if to <= from {
		return fmt.Errorf("%w: [%d, %d)", ErrInvalidRange, from, to)
	}
	chunks, err := e.chunksInRange(from, to)
	if err != nil {
		return err
	}
	for _, c := range chunks {
		recs, err := c.GetRange(key, from, to)
		if err != nil {
			return err
		}
		forEachObservation(recs, from, to, fn)
	}
	return nil
}

// Trend buckets the observations for key into fixed-width intervals aligned
// to from and returns the mean of each non-empty bucket.
func (e *Engine) Trend(key string, from, to, bucketWidth int64) ([]TrendPoint, error) {
	if bucketWidth <= 0 {
		return nil, fmt.Errorf("%w: bucket width %d", ErrInvalidRange, bucketWidth)
	}

	var points []TrendPoint
	var bucketStart int64
	var sum float64
	var count int64
	flush := func() {
		if count > 0 {
			points = append(points, TrendPoint{Timestamp: bucketStart, Value: sum / float64(count)})
		}
		sum, count = 0, 0
	}

	err := e.observationsInRange(key, from, to, func(ts int64, v float64) {
		start := from + ((ts-from)/bucketWidth)*bucketWidth
		if count > 0 && start != bucketStart {
			flush()
		}
		bucketStart = start
		sum += v
		count++
	})
	if err != nil {
		return nil, err
	}
	flush()
	return points, nil
}

// TrendMatching computes Trend for every key matching the filter.
func (e *Engine) TrendMatching(filter KeyFilter, from, to, bucketWidth int64) (map[string][]TrendPoint, error) {
	keys, err := e.Keys()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]TrendPoint)
	for _, key := range keys {
		if !filter.Matches(key) {
			continue
		}
		points, err := e.Trend(key, from, to, bucketWidth)
		if err != nil {
			return nil, err
		}
		if len(points) > 0 {
			out[key] = points
		}
	}
	return out, nil
}

// Stats computes min, max, mean, and count for key over [from, to) by
// merging per-chunk partial sums, so the result is identical to a
// single-pass scan of the flattened range.
func (e *Engine) Stats(key string, from, to int64) (Summary, error) {
	if to <= from {
		return Summary{}, fmt.Errorf("%w: [%d, %d)", ErrInvalidRange, from, to)
	}
	chunks, err := e.chunksInRange(from, to)
	if err != nil {
		return Summary{}, err
	}
	var total partialSummary
	for _, c := range chunks {
		recs, err := c.GetRange(key, from, to)
		if err != nil {
			return Summary{}, err
		}
		total.merge(summarizeSeq(recs, from, to))
	}
	if total.count == 0 {
		return Summary{}, fmt.Errorf("%w: %s in [%d, %d)", ErrKeyNotFound, key, from, to)
	}
	return total.summary(), nil
}

// Outliers flags observations whose z-score against the range's population
// mean and standard deviation exceeds threshold. A constant series has zero
// spread and yields no outliers.
func (e *Engine) Outliers(key string, from, to int64, threshold float64) ([]Outlier, error) {
	// Buffer the observations so the statistics and the flagged set come
	// from one consistent snapshot even while writers are active.
	var ts []int64
	var vs []float64
	var sum, sumSq float64
	if err := e.observationsInRange(key, from, to, func(t int64, v float64) {
		ts = append(ts, t)
		vs = append(vs, v)
		sum += v
		sumSq += v * v
	}); err != nil {
		return nil, err
	}
	n := len(vs)
	if n == 0 {
		return nil, nil
	}

	mean := sum / float64(n)
	variance := sumSq/float64(n) - mean*mean
	if variance < 0 {
		variance = 0
	}
	stddev := math.Sqrt(variance)
	if stddev == 0 {
		return nil, nil
	}

	var out []Outlier
	for i, v := range vs {
		z := (v - mean) / stddev
		if math.Abs(z) > threshold {
			out = append(out, Outlier{Timestamp: ts[i], Value: v, Score: z})
		}
	}
	return out, nil
}

// RateOfChange returns the value delta per period between consecutive
// observations. Pairs with identical timestamps are skipped.
func (e *Engine) RateOfChange(key string, from, to, period int64) ([]RatePoint, error) {
	if period <= 0 {
		return nil, fmt.Errorf("%w: period %d", ErrInvalidRange, period)
	}
	var out []RatePoint
	var prevTS int64
	var prevV float64
	have := false
	err := e.observationsInRange(key, from, to, func(ts int64, v float64) {
		if have && ts != prevTS {
			rate := (v - prevV) / float64(ts-prevTS) * float64(period)
			out = append(out, RatePoint{Timestamp: ts, Rate: rate})
		}
		prevTS, prevV = ts, v
		have = true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FitLinearTrend fits a least-squares line to the observations for key in
// [from, to). At least two observations are required.
func (e *Engine) FitLinearTrend(key string, from, to int64) (LinearTrend, error) {
	var ts []float64
	var vs []float64
	if err := e.observationsInRange(key, from, to, func(t int64, v float64) {
		ts = append(ts, float64(t))
		vs = append(vs, v)
	}); err != nil {
		return LinearTrend{}, err
	}
	n := len(vs)
	if n < 2 {
		return LinearTrend{}, fmt.Errorf("%w: %d observations for linear trend", ErrInsufficientData, n)
	}

	var sumT, sumV float64
	for i := range vs {
		sumT += ts[i]
		sumV += vs[i]
	}
	meanT := sumT / float64(n)
	meanV := sumV / float64(n)

	var covTV, varT float64
	for i := range vs {
		dt := ts[i] - meanT
		covTV += dt * (vs[i] - meanV)
		varT += dt * dt
	}
	var slope float64
	if varT > 0 {
		slope = covTV / varT
	}
	intercept := meanV - slope*meanT

	var ssRes, ssTot float64
	for i := range vs {
		fit := intercept + slope*ts[i]
		ssRes += (vs[i] - fit) * (vs[i] - fit)
		ssTot += (vs[i] - meanV) * (vs[i] - meanV)
	}
	r2 := 1.0
	if ssTot > 0 {
		r2 = 1 - ssRes/ssTot
	}

	return LinearTrend{
		Slope:      slope,
		Intercept:  intercept,
		RSquared:   r2,
		FirstValue: vs[0],
		LastValue:  vs[n-1],
		DataPoints: n,
	}, nil
}

// Distribution computes spread statistics and quantile estimates for key
// over [from, to). Quantiles come from a relative-accuracy sketch, so they
// are estimates; min, max, mean, and stddev are exact.
func (e *Engine) Distribution(key string, from, to int64, quantiles []float64) (Distribution, error) {
	sketch, err := ddsketch.NewDefaultDDSketch(0.01)
	if err != nil {
		return Distribution{}, err
	}

	var total partialSummary
	if err := e.observationsInRange(key, from, to, func(_ int64, v float64) {
		total.add(v)
		_ = sketch.Add(v)
	}); err != nil {
		return Distribution{}, err
	}
	if total.count == 0 {
		return Distribution{}, fmt.Errorf("%w: %s in [%d, %d)", ErrKeyNotFound, key, from, to)
	}

	mean := total.sum / float64(total.count)
	variance := total.sumSq/float64(total.count) - mean*mean
	if variance < 0 {
		variance = 0
	}

	dist := Distribution{
		Summary: total.summary(),
		Stddev:  math.Sqrt(variance),
	}
	if len(quantiles) > 0 {
		dist.Quantiles = make(map[float64]float64, len(quantiles))
		for _, q := range quantiles {
			v, err := sketch.GetValueAtQuantile(q)
			if err != nil {
				return Distribution{}, fmt.Errorf("quantile %g: %w", q, err)
			}
			dist.Quantiles[q] = v
		}
	}
	return dist, nil
}
