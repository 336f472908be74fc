package pulse

import (
	"fmt"
	"math"
	"strings"
)

// Record is a single immutable observation for a subject metric. It carries
// either a scalar value or, for sampled waveform segments such as ECG leads,
// a Waveform holding the ordered sample vector.
type Record struct {
	// Key identifies the series in "subject|code|unit" form
	// (e.g., "patient-7|8867-4|beats/min").
	Key string
	// Timestamp is the observation time. The engine treats timestamps as
	// opaque int64 units chosen by the caller; seconds and milliseconds
	// both work as long as the chunk duration uses the same unit.
	Timestamp int64
	// Value is the scalar measurement. Ignored when Waveform is set.
	Value float64
	// Waveform holds the sample vector for waveform records, nil otherwise.
	Waveform *Waveform
}

// Waveform is a sampled segment attached to a Record. Decoded sample values
// are Origin + Samples[i]*Factor, observed at Timestamp + i*Period.
type Waveform struct {
	// Origin is the value offset added to each scaled sample.
	Origin float64
	// Period is the sampling interval in the same units as timestamps.
	Period float64
	// Factor scales raw samples before the origin offset is applied.
	Factor float64
	// Samples are the raw sample readings in acquisition order.
	Samples []float64
}

// IsWaveform reports whether the record carries a sample vector.
func (r Record) IsWaveform() bool {
	return r.Waveform != nil
}

// SampleValue returns the decoded value of sample i.
func (w *Waveform) SampleValue(i int) float64 {
	return w.Origin + w.Samples[i]*w.Factor
}

// SampleTime returns the timestamp of sample i for a segment starting at base.
func (w *Waveform) SampleTime(base int64, i int) int64 {
	return base + int64(math.Round(float64(i)*w.Period))
}

// Expand flattens the record into scalar observations. Scalar records expand
// to themselves; waveform records expand to one scalar record per decoded
// sample.
func (r Record) Expand() []Record {
	if r.Waveform == nil {
		return []Record{r}
	}
	out := make([]Record, 0, len(r.Waveform.Samples))
	for i := range r.Waveform.Samples {
		out = append(out, Record{
			Key:       r.Key,
			Timestamp: r.Waveform.SampleTime(r.Timestamp, i),
			Value:     r.Waveform.SampleValue(i),
		})
	}
	return out
}

// finite reports whether every value carried by the record is a finite number.
func (r Record) finite() bool {
	if r.Waveform == nil {
		return !math.IsNaN(r.Value) && !math.IsInf(r.Value, 0)
	}
	w := r.Waveform
	for i := range w.Samples {
		v := w.SampleValue(i)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// observations returns how many scalar observations the record contributes.
func (r Record) observations() int {
	if r.Waveform == nil {
		return 1
	}
	return len(r.Waveform.Samples)
}

// MetricKey is the parsed form of a composite series key.
type MetricKey struct {
	Subject string
	Code    string
	Unit    string
}

// String returns the canonical "subject|code|unit" form.
func (k MetricKey) String() string {
	return k.Subject + "|" + k.Code + "|" + k.Unit
}

// ParseMetricKey splits a composite key into its three parts.
func ParseMetricKey(key string) (MetricKey, error) {
	parts := strings.Split(key, "|")
	if len(parts) != 3 {
		return MetricKey{}, fmt.Errorf("metric key %q: want subject|code|unit", key)
	}
	return MetricKey{Subject: parts[0], Code: parts[1], Unit: parts[2]}, nil
}

// KeyFilter selects series by subject and/or code. Empty fields match any
// value, so {Code: "8867-4"} selects the heart-rate series of every subject.
type KeyFilter struct {
	Subject string
	Code    string
}

// Matches reports whether the composite key satisfies the filter.
// Keys that do not parse never match.
func (f KeyFilter) Matches(key string) bool {
	mk, err := ParseMetricKey(key)
	if err != nil {
		return false
	}
	if f.Subject != "" && mk.Subject != f.Subject {
		return false
	}
	if f.Code != "" && mk.Code != f.Code {
		return false
	}
	return true
}

// TrendPoint is one bucket of a trend query.
type TrendPoint struct {
	Timestamp int64
	Value     float64
}

// RatePoint is one point of a rate-of-change query.
type RatePoint struct {
	Timestamp int64
	Rate      float64
}

// Summary holds single-pass statistics for a record sequence.
type Summary struct {
	Min   float64
	Max   float64
	Mean  float64
	Count int64
}

// LinearTrend describes a least-squares fit over a record sequence.
type LinearTrend struct {
	// Slope is the value change per timestamp unit.
	Slope     float64
	Intercept float64
	// RSquared is the coefficient of determination of the fit (0-1).
	RSquared   float64
	FirstValue float64
	LastValue  float64
	DataPoints int
}

// Distribution extends Summary with spread statistics computed across chunks.
type Distribution struct {
	Summary
	// Stddev is the population standard deviation.
	Stddev float64
	// Quantiles maps requested quantiles (0-1) to estimated values.
	Quantiles map[float64]float64
}
