package pulse

import (
	"context"
	"fmt"
	"math"
)

// WindowStat is the tracked statistic of one sliding window.
type WindowStat struct {
	Start int64
	End   int64
	// Value is the window's statistic: stddev, slope, or range per the
	// configured statistic.
	Value float64
	Count int
	// Flagged marks windows whose Value deviates from the run of windows
	// beyond the threshold; Score is the deviation in stddev units.
	Flagged bool
	Score   float64
}

// AnalyzeWindows slides fixed-width windows across the series, computes the
// configured statistic per window, and flags windows whose statistic sits
// more than cfg.Threshold standard deviations from the mean across all
// windows. Windows with too few observations for the statistic are skipped.
func AnalyzeWindows(ts []int64, values []float64, from, to int64, cfg MovingWindowConfig) ([]WindowStat, error) {
	if len(ts) != len(values) {
		return nil, fmt.Errorf("%w: %d timestamps for %d values", ErrValidationFailed, len(ts), len(values))
	}
	if cfg.Width <= 0 || cfg.Step <= 0 {
		return nil, fmt.Errorf("%w: width %d step %d", ErrInvalidRange, cfg.Width, cfg.Step)
	}

	minPoints := 2
	if cfg.Statistic == ValueRange {
		minPoints = 1
	}

	var stats []WindowStat
	lo := 0
	for start := from; start+cfg.Width <= to; start += cfg.Step {
		end := start + cfg.Width
		for lo < len(ts) && ts[lo] < start {
			lo++
		}
		hi := lo
		for hi < len(ts) && ts[hi] < end {
			hi++
		}
		count := hi - lo
		if count < minPoints {
			continue
		}
		stats = append(stats, WindowStat{
			Start: start,
			End:   end,
			Value: windowStatistic(ts[lo:hi], values[lo:hi], cfg.Statistic),
			Count: count,
		})
	}
	if len(stats) < 2 {
		return stats, nil
	}

	vals := make([]float64, len(stats))
	for i, w := range stats {
		vals[i] = w.Value
	}
	mu := mean(vals)
	sigma := populationStddev(vals)
	if sigma == 0 {
		return stats, nil
	}
	for i := range stats {
		z := (stats[i].Value - mu) / sigma
		stats[i].Score = z
		stats[i].Flagged = math.Abs(z) > cfg.Threshold
	}
	return stats, nil
}

func windowStatistic(ts []int64, values []float64, stat WindowStatistic) float64 {
	switch stat {
	case TrendSlope:
		return windowSlope(ts, values)
	case ValueRange:
		lo, hi := values[0], values[0]
		for _, v := range values {
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		return hi - lo
	default:
		return populationStddev(values)
	}
}

func windowSlope(ts []int64, values []float64) float64 {
	n := float64(len(values))
	var sumT, sumV float64
	for i := range values {
		sumT += float64(ts[i])
		sumV += values[i]
	}
	meanT := sumT / n
	meanV := sumV / n
	var cov, varT float64
	for i := range values {
		dt := float64(ts[i]) - meanT
		cov += dt * (values[i] - meanV)
		varT += dt * dt
	}
	if varT == 0 {
		return 0
	}
	return cov / varT
}

func (p *Pipeline) windowEvents(ctx context.Context, keys []string, from, to int64) ([]DetectionEvent, error) {
	cfg := p.cfg.MovingWindow
	var events []DetectionEvent
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return events, err
		}
		ts, vs, err := p.observations(key, from, to)
		if err != nil {
			return events, &AnalyzerError{Analyzer: "moving_window", Key: key, Err: err}
		}
		if len(vs) == 0 {
			continue
		}
		stats, err := AnalyzeWindows(ts, vs, from, to, cfg)
		if err != nil {
			return events, &AnalyzerError{Analyzer: "moving_window", Key: key, Err: err}
		}
		for _, w := range stats {
			if !w.Flagged {
				continue
			}
			events = append(events, DetectionEvent{
				Keys:        []string{key},
				Kind:        EventWindowDeviation,
				Time:        w.Start,
				WindowStart: w.Start,
				WindowEnd:   w.End,
				Score:       w.Score,
				Threshold:   cfg.Threshold,
				Values:      []float64{w.Value},
			})
		}
	}
	return events, nil
}
