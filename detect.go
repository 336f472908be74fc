package pulse

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// EventKind classifies a detection event.
type EventKind int

const (
	// EventSeasonalDeviation marks an observation whose seasonal residual
	// is beyond the deviation threshold.
	EventSeasonalDeviation EventKind = iota
	// EventJointAnomaly marks an aligned multi-series vector scored
	// anomalous as a group.
	EventJointAnomaly
	// EventChangepoint marks a sustained level shift in a series.
	EventChangepoint
	// EventWindowDeviation marks a sliding window whose tracked statistic
	// deviates from the run of windows.
	EventWindowDeviation
)

func (k EventKind) String() string {
	switch k {
	case EventSeasonalDeviation:
		return "seasonal_deviation"
	case EventJointAnomaly:
		return "joint_anomaly"
	case EventChangepoint:
		return "changepoint"
	case EventWindowDeviation:
		return "window_deviation"
	default:
		return "unknown"
	}
}

// DetectionEvent is one finding from an analyzer.
type DetectionEvent struct {
	// Keys lists the series involved; joint anomalies carry the whole
	// group, everything else a single key.
	Keys []string
	Kind EventKind
	// Time is the timestamp of the flagged observation, or the window
	// start for window-level events.
	Time int64
	// WindowStart and WindowEnd bound window-level events; zero for
	// point events.
	WindowStart int64
	WindowEnd   int64
	// Score is the analyzer's anomaly measure; Threshold is the cutoff it
	// exceeded, in the same units.
	Score     float64
	Threshold float64
	// Values holds the observation(s) behind the event, ordered like Keys.
	Values []float64
}

// AnalyzerReport is one analyzer's outcome over a pipeline run. A failed
// analyzer reports its error here without affecting the others.
type AnalyzerReport struct {
	Analyzer string
	Events   []DetectionEvent
	Err      error
}

// Pipeline runs the configured analyzers over engine data.
type Pipeline struct {
	engine *Engine
	cfg    DetectionConfig
}

// NewPipeline creates a detection pipeline over the engine.
func NewPipeline(e *Engine, cfg DetectionConfig) *Pipeline {
	return &Pipeline{engine: e, cfg: cfg}
}

// Run executes the enabled analyzers concurrently over [from, to) for the
// given keys (all engine keys when keys is empty). Each analyzer's events
// and error land in its own report; one analyzer failing does not cancel
// the others. Run itself fails only when the engine is unusable or ctx is
// done.
func (p *Pipeline) Run(ctx context.Context, keys []string, from, to int64) ([]AnalyzerReport, error) {
	if len(keys) == 0 {
		var err error
		keys, err = p.engine.Keys()
		if err != nil {
			return nil, err
		}
	}

	type analyzerJob struct {
		name string
		fn   func(context.Context) ([]DetectionEvent, error)
	}
	var jobs []analyzerJob
	if p.cfg.Seasonal.Enabled {
		jobs = append(jobs, analyzerJob{"seasonal", func(ctx context.Context) ([]DetectionEvent, error) {
			return p.seasonalEvents(ctx, keys, from, to)
		}})
	}
	if p.cfg.Multivariate.Enabled {
		jobs = append(jobs, analyzerJob{"multivariate", func(ctx context.Context) ([]DetectionEvent, error) {
			return p.jointEvents(ctx, keys, from, to)
		}})
	}
	if p.cfg.Changepoint.Enabled {
		jobs = append(jobs, analyzerJob{"changepoint", func(ctx context.Context) ([]DetectionEvent, error) {
			return p.changepointEvents(ctx, keys, from, to)
		}})
	}
	if p.cfg.MovingWindow.Enabled {
		jobs = append(jobs, analyzerJob{"moving_window", func(ctx context.Context) ([]DetectionEvent, error) {
			return p.windowEvents(ctx, keys, from, to)
		}})
	}

	// The report slice is sized before any goroutine starts so each
	// analyzer writes only its own preallocated slot.
	reports := make([]AnalyzerReport, len(jobs))
	var g errgroup.Group
	for i, job := range jobs {
		report := &reports[i]
		report.Analyzer = job.name
		fn := job.fn
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			report.Events, report.Err = fn(ctx)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}

// observations loads the scalar observations for one key as parallel
// timestamp and value slices.
func (p *Pipeline) observations(key string, from, to int64) ([]int64, []float64, error) {
	var ts []int64
	var vs []float64
	err := p.engine.observationsInRange(key, from, to, func(t int64, v float64) {
		ts = append(ts, t)
		vs = append(vs, v)
	})
	if err != nil {
		return nil, nil, err
	}
	return ts, vs, nil
}
