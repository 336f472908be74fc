// Package pulse is an embedded time-series store and analytics engine for
// high-frequency physiological observations such as heart rate, blood
// pressure, oxygen saturation, and sampled waveforms.
//
// Records are routed into fixed-width time chunks. Recent chunks stay hot
// and writable; once a chunk falls behind the cold horizon the background
// sweep compresses it into a read-only payload, and an optional SQLite
// snapshot store persists chunks across restarts.
//
//	engine, err := pulse.NewEngine(pulse.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Close()
//
//	key := pulse.MetricKey{Subject: "patient-7", Code: "8867-4", Unit: "bpm"}.String()
//	engine.Ingest(pulse.Record{Key: key, Timestamp: now, Value: 72})
//
//	stats, err := engine.Stats(key, now-3600, now)
//
// On top of the store, a detection Pipeline runs four analyzers over any
// time range: seasonal decomposition with residual deviation flagging,
// joint anomaly detection across correlated series, changepoint detection
// (CUSUM or PELT), and sliding-window statistic tracking.
//
//	pipe := pulse.NewPipeline(engine, cfg.Detection)
//	reports, err := pipe.Run(ctx, nil, from, to)
//
// Timestamps are opaque int64 values; the engine only assumes they are
// ordered and that configuration durations share their unit.
package pulse
