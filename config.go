package pulse

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level engine configuration. The zero value is not
// usable; start from DefaultConfig and override fields as needed.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Retention RetentionConfig `yaml:"retention"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Detection DetectionConfig `yaml:"detection"`

	// InMemory disables the snapshot store entirely; the engine keeps all
	// data in process memory with no durability.
	InMemory bool `yaml:"in_memory"`
}

// StorageConfig controls chunk sizing and the hot/cold lifecycle.
type StorageConfig struct {
	// ChunkDuration is the width of each chunk window in timestamp units.
	ChunkDuration int64 `yaml:"chunk_duration"`
	// ColdAfter is how far behind the newest ingested timestamp a chunk's
	// window end must be before the background sweep compresses it.
	ColdAfter int64 `yaml:"cold_after"`
	// Codec selects the compression codec for cold chunks.
	Codec Codec `yaml:"codec"`
	// SweepInterval is how often the background sweep demotes cold chunks
	// and applies retention. Zero disables the sweeper.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// RetentionConfig controls automatic expiry of old records.
type RetentionConfig struct {
	// MaxAge is the maximum record age, in timestamp units, relative to
	// the newest ingested timestamp. Zero disables retention.
	MaxAge int64 `yaml:"max_age"`
}

// SnapshotConfig controls the durable chunk snapshot store.
type SnapshotConfig struct {
	Path string `yaml:"path"`
	// KeyPassword, when set, encrypts snapshot payloads at rest.
	KeyPassword string `yaml:"key_password"`
}

// DetectionConfig groups the pattern-detection analyzers.
type DetectionConfig struct {
	Seasonal     SeasonalConfig     `yaml:"seasonal"`
	Multivariate MultivariateConfig `yaml:"multivariate"`
	Changepoint  ChangepointConfig  `yaml:"changepoint"`
	MovingWindow MovingWindowConfig `yaml:"moving_window"`
}

// SeasonalModel selects how the seasonal component combines with trend.
type SeasonalModel int

const (
	// Additive models observation = trend + seasonal + residual.
	Additive SeasonalModel = iota
	// Multiplicative models observation = trend * seasonal * residual.
	Multiplicative
)

func (m SeasonalModel) String() string {
	switch m {
	case Additive:
		return "additive"
	case Multiplicative:
		return "multiplicative"
	default:
		return "unknown"
	}
}

// ParseSeasonalModel maps a model name to its enum value.
func ParseSeasonalModel(s string) (SeasonalModel, error) {
	switch s {
	case "additive", "":
		return Additive, nil
	case "multiplicative":
		return Multiplicative, nil
	default:
		return Additive, fmt.Errorf("unknown seasonal model %q", s)
	}
}

// UnmarshalYAML decodes a seasonal model from its name.
func (m *SeasonalModel) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseSeasonalModel(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// MarshalYAML encodes a seasonal model as its name.
func (m SeasonalModel) MarshalYAML() (any, error) {
	return m.String(), nil
}

// SeasonalConfig controls seasonal decomposition.
type SeasonalConfig struct {
	// Enabled toggles the analyzer in pipeline runs.
	Enabled bool `yaml:"enabled"`
	// Period is the expected cycle length in timestamp units.
	Period int64 `yaml:"period"`
	// MinDataPoints is the minimum observations required to decompose.
	MinDataPoints int `yaml:"min_data_points"`
	// Model selects additive or multiplicative decomposition.
	Model SeasonalModel `yaml:"model"`
	// DeviationThreshold flags residuals beyond this many residual
	// standard deviations.
	DeviationThreshold float64 `yaml:"deviation_threshold"`
}

// MultivariateMethod selects the joint anomaly scoring method.
type MultivariateMethod int

const (
	// Mahalanobis scores aligned vectors by their Mahalanobis distance
	// from the group mean.
	Mahalanobis MultivariateMethod = iota
	// IsolationForestMethod scores aligned vectors by isolation depth in
	// an ensemble of random trees.
	IsolationForestMethod
)

func (m MultivariateMethod) String() string {
	switch m {
	case Mahalanobis:
		return "mahalanobis"
	case IsolationForestMethod:
		return "isolation_forest"
	default:
		return "unknown"
	}
}

// ParseMultivariateMethod maps a method name to its enum value.
func ParseMultivariateMethod(s string) (MultivariateMethod, error) {
	switch s {
	case "mahalanobis", "":
		return Mahalanobis, nil
	case "isolation_forest":
		return IsolationForestMethod, nil
	default:
		return Mahalanobis, fmt.Errorf("unknown multivariate method %q", s)
	}
}

// UnmarshalYAML decodes a multivariate method from its name.
func (m *MultivariateMethod) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseMultivariateMethod(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// MarshalYAML encodes a multivariate method as its name.
func (m MultivariateMethod) MarshalYAML() (any, error) {
	return m.String(), nil
}

// MultivariateConfig controls joint anomaly detection across correlated
// series.
type MultivariateConfig struct {
	// Enabled toggles the analyzer in pipeline runs.
	Enabled bool `yaml:"enabled"`
	// Groups lists explicit key groups to analyze together. Explicit
	// groups bypass the correlation gate; CorrelationThreshold applies
	// only to auto-detected groups.
	Groups [][]string `yaml:"groups"`
	// AutoGroup derives groups from pairwise correlation when no explicit
	// groups are configured.
	AutoGroup bool `yaml:"auto_group"`
	// CorrelationThreshold is the minimum absolute Pearson correlation
	// for two series to share a group.
	CorrelationThreshold float64 `yaml:"correlation_threshold"`
	// AlignmentTolerance is the maximum timestamp distance, in timestamp
	// units, for observations from different series to align into one
	// vector.
	AlignmentTolerance int64 `yaml:"alignment_tolerance"`
	// Method selects the joint scoring method.
	Method MultivariateMethod `yaml:"method"`
	// Threshold is the anomaly score cutoff. For Mahalanobis it is in
	// distance units; for isolation forest it is in (0, 1).
	Threshold float64 `yaml:"threshold"`
	// Trees and SampleSize size the isolation forest ensemble.
	Trees      int `yaml:"trees"`
	SampleSize int `yaml:"sample_size"`
	// Seed fixes the forest's random source for reproducible runs.
	Seed int64 `yaml:"seed"`
}

// ChangepointMethod selects the changepoint detection algorithm.
type ChangepointMethod int

const (
	// CUSUM accumulates deviations from the current segment mean and
	// flags when the cumulative sum crosses a threshold.
	CUSUM ChangepointMethod = iota
	// PELT performs pruned exact optimal segmentation.
	PELT
)

func (m ChangepointMethod) String() string {
	switch m {
	case CUSUM:
		return "cusum"
	case PELT:
		return "pelt"
	default:
		return "unknown"
	}
}

// ParseChangepointMethod maps a method name to its enum value.
func ParseChangepointMethod(s string) (ChangepointMethod, error) {
	switch s {
	case "cusum", "":
		return CUSUM, nil
	case "pelt":
		return PELT, nil
	default:
		return CUSUM, fmt.Errorf("unknown changepoint method %q", s)
	}
}

// UnmarshalYAML decodes a changepoint method from its name.
func (m *ChangepointMethod) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseChangepointMethod(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// MarshalYAML encodes a changepoint method as its name.
func (m ChangepointMethod) MarshalYAML() (any, error) {
	return m.String(), nil
}

// ChangepointConfig controls level-shift detection.
type ChangepointConfig struct {
	// Enabled toggles the analyzer in pipeline runs.
	Enabled bool `yaml:"enabled"`
	Method  ChangepointMethod `yaml:"method"`
	// Threshold scales the decision boundary in units of the series
	// standard deviation.
	Threshold float64 `yaml:"threshold"`
	// Penalty is the PELT segmentation penalty per changepoint.
	Penalty float64 `yaml:"penalty"`
	// MinSegment is the minimum PELT segment length.
	MinSegment int `yaml:"min_segment"`
}

// WindowStatistic selects which per-window statistic the moving-window
// analyzer tracks.
type WindowStatistic int

const (
	// Volatility tracks the per-window standard deviation.
	Volatility WindowStatistic = iota
	// TrendSlope tracks the per-window least-squares slope.
	TrendSlope
	// ValueRange tracks max minus min per window.
	ValueRange
)

func (s WindowStatistic) String() string {
	switch s {
	case Volatility:
		return "volatility"
	case TrendSlope:
		return "trend_slope"
	case ValueRange:
		return "range"
	default:
		return "unknown"
	}
}

// ParseWindowStatistic maps a statistic name to its enum value.
func ParseWindowStatistic(s string) (WindowStatistic, error) {
	switch s {
	case "volatility", "":
		return Volatility, nil
	case "trend_slope":
		return TrendSlope, nil
	case "range":
		return ValueRange, nil
	default:
		return Volatility, fmt.Errorf("unknown window statistic %q", s)
	}
}

// UnmarshalYAML decodes a window statistic from its name.
func (s *WindowStatistic) UnmarshalYAML(value *yaml.Node) error {
	var name string
	if err := value.Decode(&name); err != nil {
		return err
	}
	parsed, err := ParseWindowStatistic(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MarshalYAML encodes a window statistic as its name.
func (s WindowStatistic) MarshalYAML() (any, error) {
	return s.String(), nil
}

// MovingWindowConfig controls sliding-window statistic tracking.
type MovingWindowConfig struct {
	// Enabled toggles the analyzer in pipeline runs.
	Enabled bool `yaml:"enabled"`
	// Width is the window width in timestamp units.
	Width int64 `yaml:"width"`
	// Step is the window advance in timestamp units.
	Step int64 `yaml:"step"`
	// Statistic selects which per-window statistic is tracked.
	Statistic WindowStatistic `yaml:"statistic"`
	// Threshold flags windows whose statistic deviates from the mean of
	// all windows by more than this many standard deviations.
	Threshold float64 `yaml:"threshold"`
}

// DefaultConfig returns a configuration tuned for second-resolution
// physiological monitoring: hour-wide chunks, compression after a day, and
// daily seasonal cycles.
func DefaultConfig() Config {
	return Config{
		Storage: StorageConfig{
			ChunkDuration: 3600,
			ColdAfter:     86400,
			Codec:         CodecSnappy,
			SweepInterval: time.Minute,
		},
		Retention: RetentionConfig{
			MaxAge: 0,
		},
		Snapshot: SnapshotConfig{
			Path: "pulse.db",
		},
		Detection: DetectionConfig{
			Seasonal: SeasonalConfig{
				Enabled:            true,
				Period:             86400,
				MinDataPoints:      24,
				Model:              Additive,
				DeviationThreshold: 3.0,
			},
			Multivariate: MultivariateConfig{
				Enabled:              true,
				AutoGroup:            true,
				CorrelationThreshold: 0.7,
				AlignmentTolerance:   30,
				Method:               Mahalanobis,
				Threshold:            3.0,
				Trees:                100,
				SampleSize:           256,
				Seed:                 1,
			},
			Changepoint: ChangepointConfig{
				Enabled:    true,
				Method:     CUSUM,
				Threshold:  2.0,
				Penalty:    1.0,
				MinSegment: 5,
			},
			MovingWindow: MovingWindowConfig{
				Enabled:   true,
				Width:     3600,
				Step:      900,
				Statistic: Volatility,
				Threshold: 1.5,
			},
		},
		InMemory: true,
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c Config) Validate() error {
	if c.Storage.ChunkDuration <= 0 {
		return fmt.Errorf("storage: chunk_duration must be positive, got %d", c.Storage.ChunkDuration)
	}
	if c.Storage.ColdAfter < 0 {
		return fmt.Errorf("storage: cold_after must not be negative, got %d", c.Storage.ColdAfter)
	}
	if c.Retention.MaxAge < 0 {
		return fmt.Errorf("retention: max_age must not be negative, got %d", c.Retention.MaxAge)
	}
	if !c.InMemory && c.Snapshot.Path == "" {
		return fmt.Errorf("snapshot: path required unless in_memory is set")
	}
	if c.Detection.Seasonal.Period <= 0 {
		return fmt.Errorf("detection: seasonal period must be positive, got %d", c.Detection.Seasonal.Period)
	}
	if mw := c.Detection.MovingWindow; mw.Width <= 0 || mw.Step <= 0 {
		return fmt.Errorf("detection: moving window width and step must be positive")
	}
	if mw := c.Detection.MovingWindow; mw.Step > mw.Width {
		return fmt.Errorf("detection: moving window step %d exceeds width %d", mw.Step, mw.Width)
	}
	return nil
}

// LoadConfig reads a YAML configuration file, applying defaults for any
// fields the file leaves unset.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
