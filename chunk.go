package pulse

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// CompressionState is the lifecycle state of a chunk's representation.
type CompressionState int

const (
	// Uncompressed chunks hold live per-key record sequences and accept
	// writes.
	Uncompressed CompressionState = iota
	// Compressed chunks hold a single codec-compressed payload and are
	// read-only.
	Compressed
)

// String returns the human-readable state name.
func (s CompressionState) String() string {
	switch s {
	case Uncompressed:
		return "uncompressed"
	case Compressed:
		return "compressed"
	default:
		return "unknown"
	}
}

// ChunkMetadata is a point-in-time snapshot of a chunk's bookkeeping.
type ChunkMetadata struct {
	CreatedAt        int64
	LastAccess       int64
	RecordCount      int64
	SizeBytes        int64
	CompressionRatio float64
}

// Advisory fullness thresholds, used by Full.
const (
	chunkFullRecords = 10_000
	chunkFullBytes   = 1 << 20
)

// TimeChunk owns every record whose timestamp falls in its half-open window
// [start, end). Per-key sequences are kept sorted ascending by timestamp so
// range queries, latest-value lookup, and rate computations never re-sort.
type TimeChunk struct {
	start int64
	end   int64

	mu      sync.RWMutex
	series  map[string][]Record
	state   CompressionState
	codec   Codec
	blob    []byte
	version uint64

	createdAt   int64
	lastAccess  atomic.Int64
	recordCount int64
	sizeBytes   int64
	ratio       float64
}

// NewTimeChunk creates an empty uncompressed chunk for [start, end).
func NewTimeChunk(start, end int64) (*TimeChunk, error) {
	if end <= start {
		return nil, &ChunkError{Op: "new", Start: start, End: end, Err: ErrInvalidRange}
	}
	now := time.Now().Unix()
	c := &TimeChunk{
		start:     start,
		end:       end,
		series:    make(map[string][]Record),
		createdAt: now,
		ratio:     1.0,
	}
	c.lastAccess.Store(now)
	return c, nil
}

// Start returns the inclusive window start.
func (c *TimeChunk) Start() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.start
}

// End returns the exclusive window end.
func (c *TimeChunk) End() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.end
}

// Contains reports whether the timestamp falls inside the chunk window.
func (c *TimeChunk) Contains(ts int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inWindow(ts)
}

// inWindow is Contains for callers already holding the lock.
func (c *TimeChunk) inWindow(ts int64) bool {
	return ts >= c.start && ts < c.end
}

// State returns the current compression state.
func (c *TimeChunk) State() CompressionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Metadata returns a snapshot of the chunk's bookkeeping counters.
func (c *TimeChunk) Metadata() ChunkMetadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ChunkMetadata{
		CreatedAt:        c.createdAt,
		LastAccess:       c.lastAccess.Load(),
		RecordCount:      c.recordCount,
		SizeBytes:        c.sizeBytes,
		CompressionRatio: c.ratio,
	}
}

func (c *TimeChunk) touch() {
	c.lastAccess.Store(time.Now().Unix())
}

// Append inserts a record into its key's sequence, preserving ascending
// timestamp order. Ingestion is near-chronological so the common case is a
// tail append; out-of-order records are placed by binary search. A failed
// append leaves the chunk untouched.
func (c *TimeChunk) Append(rec Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.inWindow(rec.Timestamp) {
		return &ChunkError{Op: "append", Start: c.start, End: c.end, Err: ErrOutOfTimeRange,
			Detail: fmt.Sprintf("timestamp %d", rec.Timestamp)}
	}
	if c.state == Compressed {
		return &ChunkError{Op: "append", Start: c.start, End: c.end, Err: ErrColdWriteRejected}
	}

	seq := c.series[rec.Key]
	if n := len(seq); n == 0 || seq[n-1].Timestamp <= rec.Timestamp {
		seq = append(seq, rec)
	} else {
		idx := sort.Search(n, func(i int) bool { return seq[i].Timestamp > rec.Timestamp })
		seq = append(seq, Record{})
		copy(seq[idx+1:], seq[idx:])
		seq[idx] = rec
	}
	c.series[rec.Key] = seq

	c.version++
	c.recordCount++
	c.sizeBytes += recordSizeEstimate(rec)
	c.touch()
	return nil
}

// Full reports whether the chunk has grown past its advisory limits.
func (c *TimeChunk) Full() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.recordCount > chunkFullRecords || c.sizeBytes > chunkFullBytes
}

// Keys returns every series key present in the chunk.
func (c *TimeChunk) Keys() ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.touch()

	series, err := c.activeSeries()
	if err != nil {
		return nil, err
	}
	return sortedKeys(series), nil
}

// GetRange returns the records for key with from <= timestamp < to, in
// ascending timestamp order. A missing key or empty range yields an empty
// slice, not an error. Compressed chunks are decoded transiently; the
// decoded form is not retained.
func (c *TimeChunk) GetRange(key string, from, to int64) ([]Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.touch()

	series, err := c.activeSeries()
	if err != nil {
		return nil, err
	}
	seq := seqRange(series[key], from, to)
	out := make([]Record, len(seq))
	copy(out, seq)
	return out, nil
}

// GetMetric returns the full ordered sequence for key.
func (c *TimeChunk) GetMetric(key string) ([]Record, error) {
	return c.GetRange(key, c.start, c.end)
}

// GetLatest returns the newest record for key.
func (c *TimeChunk) GetLatest(key string) (Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.touch()

	series, err := c.activeSeries()
	if err != nil {
		return Record{}, err
	}
	seq := series[key]
	if len(seq) == 0 {
		return Record{}, &ChunkError{Op: "latest", Start: c.start, End: c.end, Err: ErrKeyNotFound, Detail: key}
	}
	return seq[len(seq)-1], nil
}

// Summarize computes min, max, mean, and count over the key's sequence in a
// single pass. Waveform records contribute each decoded sample as one
// observation. An absent key is an error, matching latest-value lookup.
func (c *TimeChunk) Summarize(key string) (Summary, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.touch()

	series, err := c.activeSeries()
	if err != nil {
		return Summary{}, err
	}
	if _, ok := series[key]; !ok {
		return Summary{}, &ChunkError{Op: "summarize", Start: c.start, End: c.end, Err: ErrKeyNotFound, Detail: key}
	}

	partial := summarizeSeq(series[key], c.start, c.end)
	return partial.summary(), nil
}

// Compress transitions the chunk to its compressed, read-only
// representation. The payload is encoded outside the write lock so
// concurrent readers keep working against the uncompressed form; the swap
// retries if a writer slipped in between encode and swap. Compressing an
// already compressed chunk is a no-op. On failure the uncompressed data
// remains intact and readable.
func (c *TimeChunk) Compress(codec Codec) error {
	for {
		c.mu.RLock()
		if c.state == Compressed {
			c.mu.RUnlock()
			return nil
		}
		version := c.version
		for key, seq := range c.series {
			for _, rec := range seq {
				if !rec.finite() {
					c.mu.RUnlock()
					return &ChunkError{Op: "compress", Start: c.start, End: c.end,
						Err: ErrCompressionFailed, Detail: "non-finite value in " + key}
				}
			}
		}
		raw, err := encodeChunkPayload(c.series)
		c.mu.RUnlock()
		if err != nil {
			return &ChunkError{Op: "compress", Start: c.start, End: c.end, Err: ErrCompressionFailed, Detail: err.Error()}
		}

		blob, err := compressPayload(codec, raw)
		if err != nil {
			return &ChunkError{Op: "compress", Start: c.start, End: c.end, Err: err}
		}

		c.mu.Lock()
		if c.version != version {
			c.mu.Unlock()
			continue // a writer raced the encode; retry against current data
		}
		c.blob = blob
		c.codec = codec
		c.state = Compressed
		c.series = nil
		c.sizeBytes = int64(len(blob))
		if len(blob) > 0 {
			c.ratio = float64(len(raw)) / float64(len(blob))
		}
		c.touch()
		c.mu.Unlock()
		return nil
	}
}

// Decompress rehydrates a compressed chunk back to its writable form.
func (c *TimeChunk) Decompress() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Uncompressed {
		return nil
	}
	series, err := c.decodeBlob()
	if err != nil {
		return err
	}
	c.series = series
	c.state = Uncompressed
	c.blob = nil
	c.ratio = 1.0
	c.version++
	c.recomputeCountersLocked()
	c.touch()
	return nil
}

// Validate re-checks the chunk invariants: every record inside the window
// and every per-key sequence sorted ascending. For compressed chunks this
// also exercises the payload checksum.
func (c *TimeChunk) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.end <= c.start {
		return &ChunkError{Op: "validate", Start: c.start, End: c.end, Err: ErrValidationFailed, Detail: "end <= start"}
	}

	series, err := c.activeSeries()
	if err != nil {
		return err
	}
	for key, seq := range series {
		prev := c.start - 1
		for _, rec := range seq {
			if !c.inWindow(rec.Timestamp) {
				return &ChunkError{Op: "validate", Start: c.start, End: c.end, Err: ErrValidationFailed,
					Detail: fmt.Sprintf("%s: timestamp %d outside window", key, rec.Timestamp)}
			}
			if rec.Timestamp < prev {
				return &ChunkError{Op: "validate", Start: c.start, End: c.end, Err: ErrDataCorrupted,
					Detail: fmt.Sprintf("%s: sequence not sorted at %d", key, rec.Timestamp)}
			}
			prev = rec.Timestamp
		}
	}
	return nil
}

// Merge folds other's records into this chunk and widens the window to
// cover both. The windows must overlap or touch; merging disjoint chunks
// has no well-defined window and is rejected. The merged chunk is always
// uncompressed.
func (c *TimeChunk) Merge(other *TimeChunk) error {
	if other == nil || other == c {
		return &ChunkError{Op: "merge", Start: c.Start(), End: c.End(), Err: ErrInvalidRange, Detail: "nil or self merge"}
	}

	// Lock in window order so concurrent merges cannot deadlock.
	first, second := c, other
	if second.Start() < first.Start() || (second.Start() == first.Start() && second.End() < first.End()) {
		first, second = second, first
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	if other.start > c.end || c.start > other.end {
		return &ChunkError{Op: "merge", Start: c.start, End: c.end, Err: ErrInvalidRange,
			Detail: fmt.Sprintf("window [%d,%d) is neither adjacent nor overlapping", other.start, other.end)}
	}

	mine, err := c.activeSeriesLocked()
	if err != nil {
		return err
	}
	theirs, err := other.activeSeriesLocked()
	if err != nil {
		return err
	}

	merged := make(map[string][]Record, len(mine)+len(theirs))
	for key, seq := range mine {
		merged[key] = append([]Record(nil), seq...)
	}
	for key, seq := range theirs {
		merged[key] = mergeSorted(merged[key], seq)
	}

	if other.start < c.start {
		c.start = other.start
	}
	if other.end > c.end {
		c.end = other.end
	}
	c.series = merged
	c.state = Uncompressed
	c.blob = nil
	c.ratio = 1.0
	c.version++
	c.recomputeCountersLocked()
	c.touch()
	return nil
}

// Cleanup drops records with timestamp < retainAfter and returns how many
// were removed. Compressed chunks are rewritten in place with the same
// codec.
func (c *TimeChunk) Cleanup(retainAfter int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	series, err := c.activeSeriesLocked()
	if err != nil {
		return 0, err
	}

	removed := 0
	kept := make(map[string][]Record, len(series))
	for key, seq := range series {
		idx := sort.Search(len(seq), func(i int) bool { return seq[i].Timestamp >= retainAfter })
		removed += idx
		if idx < len(seq) {
			kept[key] = append([]Record(nil), seq[idx:]...)
		}
	}
	if removed == 0 {
		return 0, nil
	}

	if c.state == Compressed {
		raw, err := encodeChunkPayload(kept)
		if err != nil {
			return 0, &ChunkError{Op: "cleanup", Start: c.start, End: c.end, Err: ErrCompressionFailed, Detail: err.Error()}
		}
		blob, err := compressPayload(c.codec, raw)
		if err != nil {
			return 0, &ChunkError{Op: "cleanup", Start: c.start, End: c.end, Err: err}
		}
		c.blob = blob
		c.sizeBytes = int64(len(blob))
		if len(blob) > 0 {
			c.ratio = float64(len(raw)) / float64(len(blob))
		}
		c.recordCount -= int64(removed)
	} else {
		c.series = kept
		c.recomputeCountersLocked()
	}
	c.version++
	c.touch()
	return removed, nil
}

// activeSeries returns the live series map for uncompressed chunks, or a
// transiently decoded copy for compressed chunks. Callers must hold at
// least a read lock.
func (c *TimeChunk) activeSeries() (map[string][]Record, error) {
	if c.state == Uncompressed {
		return c.series, nil
	}
	return c.decodeBlob()
}

// activeSeriesLocked is activeSeries for callers holding the write lock.
func (c *TimeChunk) activeSeriesLocked() (map[string][]Record, error) {
	return c.activeSeries()
}

func (c *TimeChunk) decodeBlob() (map[string][]Record, error) {
	raw, _, err := decompressPayload(c.blob)
	if err != nil {
		return nil, &ChunkError{Op: "decode", Start: c.start, End: c.end, Err: err}
	}
	series, err := decodeChunkPayload(raw)
	if err != nil {
		return nil, &ChunkError{Op: "decode", Start: c.start, End: c.end, Err: err}
	}
	return series, nil
}

// exportBlob returns the chunk's payload in compressed form without
// changing its state, encoding hot chunks on the fly.
func (c *TimeChunk) exportBlob(codec Codec) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.state == Compressed {
		return append([]byte(nil), c.blob...), nil
	}
	raw, err := encodeChunkPayload(c.series)
	if err != nil {
		return nil, &ChunkError{Op: "export", Start: c.start, End: c.end, Err: ErrCompressionFailed, Detail: err.Error()}
	}
	return compressPayload(codec, raw)
}

// newChunkFromBlob rebuilds a compressed chunk from a stored payload.
func newChunkFromBlob(start, end int64, blob []byte) (*TimeChunk, error) {
	c, err := NewTimeChunk(start, end)
	if err != nil {
		return nil, err
	}
	raw, codec, err := decompressPayload(blob)
	if err != nil {
		return nil, &ChunkError{Op: "restore", Start: start, End: end, Err: err}
	}
	series, err := decodeChunkPayload(raw)
	if err != nil {
		return nil, &ChunkError{Op: "restore", Start: start, End: end, Err: err}
	}
	c.state = Compressed
	c.codec = codec
	c.blob = append([]byte(nil), blob...)
	c.series = nil
	c.sizeBytes = int64(len(blob))
	if len(blob) > 0 {
		c.ratio = float64(len(raw)) / float64(len(blob))
	}
	for _, seq := range series {
		c.recordCount += int64(len(seq))
	}
	return c, nil
}

// recomputeCountersLocked rebuilds record count and size from the live
// series map. Callers must hold the write lock on an uncompressed chunk.
func (c *TimeChunk) recomputeCountersLocked() {
	c.recordCount = 0
	c.sizeBytes = 0
	for _, seq := range c.series {
		c.recordCount += int64(len(seq))
		for _, rec := range seq {
			c.sizeBytes += recordSizeEstimate(rec)
		}
	}
}

// partialSummary accumulates mergeable statistics across chunks.
type partialSummary struct {
	min   float64
	max   float64
	sum   float64
	sumSq float64
	count int64
}

func (p *partialSummary) add(v float64) {
	if p.count == 0 || v < p.min {
		p.min = v
	}
	if p.count == 0 || v > p.max {
		p.max = v
	}
	p.sum += v
	p.sumSq += v * v
	p.count++
}

func (p *partialSummary) merge(other partialSummary) {
	if other.count == 0 {
		return
	}
	if p.count == 0 || other.min < p.min {
		p.min = other.min
	}
	if p.count == 0 || other.max > p.max {
		p.max = other.max
	}
	p.sum += other.sum
	p.sumSq += other.sumSq
	p.count += other.count
}

func (p *partialSummary) summary() Summary {
	s := Summary{Min: p.min, Max: p.max, Count: p.count}
	if p.count > 0 {
		s.Mean = p.sum / float64(p.count)
	}
	return s
}

// summarizeSeq accumulates the scalar observations of seq that fall in
// [from, to), expanding waveform records into their decoded samples.
func summarizeSeq(seq []Record, from, to int64) partialSummary {
	var p partialSummary
	forEachObservation(seq, from, to, func(_ int64, v float64) {
		p.add(v)
	})
	return p
}

// forEachObservation visits every scalar observation of seq inside
// [from, to) in timestamp order, decoding waveform samples in place.
func forEachObservation(seq []Record, from, to int64, fn func(ts int64, v float64)) {
	for _, rec := range seqRange(seq, from, to) {
		if rec.Waveform == nil {
			fn(rec.Timestamp, rec.Value)
			continue
		}
		w := rec.Waveform
		for i := range w.Samples {
			ts := w.SampleTime(rec.Timestamp, i)
			if ts >= from && ts < to {
				fn(ts, w.SampleValue(i))
			}
		}
	}
}

// seqRange returns the sub-slice of a sorted sequence whose timestamps fall
// in [from, to).
func seqRange(seq []Record, from, to int64) []Record {
	if len(seq) == 0 || from >= to {
		return nil
	}
	lo := sort.Search(len(seq), func(i int) bool { return seq[i].Timestamp >= from })
	hi := sort.Search(len(seq), func(i int) bool { return seq[i].Timestamp >= to })
	return seq[lo:hi]
}

// mergeSorted merges two timestamp-sorted sequences into a new slice.
func mergeSorted(a, b []Record) []Record {
	if len(a) == 0 {
		return append([]Record(nil), b...)
	}
	if len(b) == 0 {
		return a
	}
	out := make([]Record, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i].Timestamp <= b[j].Timestamp {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

func recordSizeEstimate(rec Record) int64 {
	size := int64(16 + len(rec.Key))
	if rec.Waveform != nil {
		size += 24 + int64(8*len(rec.Waveform.Samples))
	}
	return size
}

func sortedKeys(series map[string][]Record) []string {
	keys := make([]string, 0, len(series))
	for key := range series {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
