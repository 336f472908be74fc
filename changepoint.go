package pulse

import (
	"context"
	"fmt"
	"math"
)

// Changepoint marks a sustained level shift in a series.
type Changepoint struct {
	// Index is the position of the first observation of the new level.
	Index int
	// Timestamp is the timestamp at Index.
	Timestamp int64
	// MeanBefore and MeanAfter are the segment means either side of the
	// shift.
	MeanBefore float64
	MeanAfter  float64
	// Score is the detection statistic relative to its decision boundary;
	// values above 1 crossed the boundary.
	Score float64
}

// DetectChangepoints finds sustained level shifts in the series using the
// configured method. Timestamps must be ascending and parallel to values.
// At least two full minimum segments of data are required.
func DetectChangepoints(ctx context.Context, ts []int64, values []float64, cfg ChangepointConfig) ([]Changepoint, error) {
	if len(ts) != len(values) {
		return nil, fmt.Errorf("%w: %d timestamps for %d values", ErrValidationFailed, len(ts), len(values))
	}
	minSeg := cfg.MinSegment
	if minSeg < 2 {
		minSeg = 2
	}
	if len(values) < 2*minSeg {
		return nil, fmt.Errorf("%w: %d observations, need %d", ErrInsufficientData, len(values), 2*minSeg)
	}

	sigma := populationStddev(values)
	if sigma == 0 {
		return nil, nil
	}

	var indices []int
	var scores []float64
	var err error
	switch cfg.Method {
	case PELT:
		indices, err = peltChangepoints(ctx, values, cfg.Penalty, minSeg)
		if err != nil {
			return nil, err
		}
		indices, scores = filterByMagnitude(values, indices, cfg.Threshold*sigma)
	default:
		indices, scores = cusumChangepoints(values, cfg.Threshold, sigma)
	}

	out := make([]Changepoint, 0, len(indices))
	prev := 0
	for i, idx := range indices {
		next := len(values)
		if i+1 < len(indices) {
			next = indices[i+1]
		}
		out = append(out, Changepoint{
			Index:      idx,
			Timestamp:  ts[idx],
			MeanBefore: mean(values[prev:idx]),
			MeanAfter:  mean(values[idx:next]),
			Score:      scores[i],
		})
		prev = idx
	}
	return out, nil
}

// cusumChangepoints runs a two-sided CUSUM against the running mean of the
// current segment. The reference mean tracks the segment seen so far, so a
// drifting baseline does not accumulate spurious signal; both sums reset
// after each detection.
func cusumChangepoints(values []float64, threshold, sigma float64) ([]int, []float64) {
	k := 0.5 * sigma
	h := threshold * sigma

	var indices []int
	var scores []float64
	segStart := 0
	segSum := values[0]
	var sPos, sNeg float64

	for i := 1; i < len(values); i++ {
		ref := segSum / float64(i-segStart)
		dev := values[i] - ref
		sPos = math.Max(0, sPos+dev-k)
		sNeg = math.Max(0, sNeg-dev-k)
		if sPos > h || sNeg > h {
			indices = append(indices, i)
			scores = append(scores, math.Max(sPos, sNeg)/h)
			segStart = i
			segSum = values[i]
			sPos, sNeg = 0, 0
			continue
		}
		segSum += values[i]
	}
	return indices, scores
}

// peltChangepoints segments the series by pruned exact linear-time
// segmentation with a Gaussian variance cost. The returned indices are the
// starts of new segments, ascending.
func peltChangepoints(ctx context.Context, values []float64, penalty float64, minSeg int) ([]int, error) {
	n := len(values)
	beta := penalty * math.Log(float64(n))

	// Prefix sums give O(1) segment cost.
	prefix := make([]float64, n+1)
	prefixSq := make([]float64, n+1)
	for i, v := range values {
		prefix[i+1] = prefix[i] + v
		prefixSq[i+1] = prefixSq[i] + v*v
	}
	cost := func(s, t int) float64 {
		m := float64(t - s)
		mu := (prefix[t] - prefix[s]) / m
		variance := (prefixSq[t]-prefixSq[s])/m - mu*mu
		if variance < 1e-8 {
			variance = 1e-8
		}
		return m / 2 * math.Log(variance)
	}

	f := make([]float64, n+1)
	last := make([]int, n+1)
	f[0] = -beta
	candidates := []int{0}

	for t := minSeg; t <= n; t++ {
		if t%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		best := math.Inf(1)
		bestS := 0
		for _, s := range candidates {
			if t-s < minSeg {
				continue
			}
			c := f[s] + cost(s, t) + beta
			if c < best {
				best = c
				bestS = s
			}
		}
		f[t] = best
		last[t] = bestS

		// Prune candidates that can never become optimal again.
		kept := candidates[:0]
		for _, s := range candidates {
			if t-s < minSeg || f[s]+cost(s, t) <= f[t] {
				kept = append(kept, s)
			}
		}
		candidates = kept
		// A new candidate start is only usable once both the segment
		// before it and the segment after it can reach full length.
		if nc := t - minSeg + 1; nc >= minSeg {
			candidates = append(candidates, nc)
		}
	}

	var indices []int
	for t := n; t > 0; t = last[t] {
		if last[t] > 0 {
			indices = append(indices, last[t])
		}
	}
	for i, j := 0, len(indices)-1; i < j; i, j = i+1, j-1 {
		indices[i], indices[j] = indices[j], indices[i]
	}
	return indices, nil
}

// filterByMagnitude keeps only segmentation boundaries whose mean shift
// exceeds minShift, scoring each by shift over boundary.
func filterByMagnitude(values []float64, indices []int, minShift float64) ([]int, []float64) {
	if minShift <= 0 {
		minShift = math.SmallestNonzeroFloat64
	}
	var kept []int
	var scores []float64
	prev := 0
	for i, idx := range indices {
		next := len(values)
		if i+1 < len(indices) {
			next = indices[i+1]
		}
		shift := math.Abs(mean(values[idx:next]) - mean(values[prev:idx]))
		if shift > minShift {
			kept = append(kept, idx)
			scores = append(scores, shift/minShift)
			prev = idx
		}
	}
	return kept, scores
}

func (p *Pipeline) changepointEvents(ctx context.Context, keys []string, from, to int64) ([]DetectionEvent, error) {
	cfg := p.cfg.Changepoint
	minSeg := cfg.MinSegment
	if minSeg < 2 {
		minSeg = 2
	}

	var events []DetectionEvent
	for _, key := range keys {
		ts, vs, err := p.observations(key, from, to)
		if err != nil {
			return events, &AnalyzerError{Analyzer: "changepoint", Key: key, Err: err}
		}
		if len(vs) < 2*minSeg {
			continue
		}
		cps, err := DetectChangepoints(ctx, ts, vs, cfg)
		if err != nil {
			return events, &AnalyzerError{Analyzer: "changepoint", Key: key, Err: err}
		}
		for _, cp := range cps {
			events = append(events, DetectionEvent{
				Keys:      []string{key},
				Kind:      EventChangepoint,
				Time:      cp.Timestamp,
				Score:     cp.Score,
				Threshold: 1,
				Values:    []float64{cp.MeanBefore, cp.MeanAfter},
			})
		}
	}
	return events, nil
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func populationStddev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	mu := mean(values)
	var sumSq float64
	for _, v := range values {
		sumSq += (v - mu) * (v - mu)
	}
	return math.Sqrt(sumSq / float64(len(values)))
}
