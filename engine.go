package pulse

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Engine is the time-windowed storage engine. It routes every record to the
// chunk owning its timestamp, creating chunk windows on demand, and runs an
// optional background sweep that compresses cold chunks, applies retention,
// and persists to the snapshot store.
type Engine struct {
	cfg Config

	mu     sync.RWMutex
	chunks map[int64]*TimeChunk
	starts []int64
	maxTS  int64
	seen   bool
	closed bool

	store  *SnapshotStore
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates an engine from cfg, restoring any chunks present in the
// snapshot store and starting the background sweep.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:    cfg,
		chunks: make(map[int64]*TimeChunk),
	}

	if !cfg.InMemory {
		store, err := OpenSnapshotStore(cfg.Snapshot)
		if err != nil {
			return nil, err
		}
		e.store = store
		if err := e.restore(); err != nil {
			store.Close()
			return nil, err
		}
	}

	if cfg.Storage.SweepInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		e.cancel = cancel
		e.wg.Add(1)
		go e.sweepLoop(ctx)
	}
	return e, nil
}

// Ingest stores a single record. The owning chunk is created on demand; a
// record older than the cold horizon lands in a compressed chunk and is
// rejected rather than silently dropped.
func (e *Engine) Ingest(rec Record) error {
	if rec.Key == "" {
		return fmt.Errorf("%w: empty key", ErrValidationFailed)
	}
	c, err := e.chunkFor(e.windowStart(rec.Timestamp))
	if err != nil {
		return err
	}
	if err := c.Append(rec); err != nil {
		return err
	}
	e.observe(rec.Timestamp)
	return nil
}

// IngestBatch stores records in order, stopping at the first failure. It
// returns how many records were stored.
func (e *Engine) IngestBatch(recs []Record) (int, error) {
	for i, rec := range recs {
		if err := e.Ingest(rec); err != nil {
			return i, err
		}
	}
	return len(recs), nil
}

// windowStart floors ts to its chunk window start, correct for negative
// timestamps.
func (e *Engine) windowStart(ts int64) int64 {
	d := e.cfg.Storage.ChunkDuration
	return ts - ((ts%d)+d)%d
}

// chunkFor returns the chunk owning the window starting at start, creating
// it if needed. Creation is idempotent under concurrent ingest.
func (e *Engine) chunkFor(start int64) (*TimeChunk, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, ErrClosed
	}
	c, ok := e.chunks[start]
	e.mu.RUnlock()
	if ok {
		return c, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if c, ok := e.chunks[start]; ok {
		return c, nil
	}
	c, err := NewTimeChunk(start, start+e.cfg.Storage.ChunkDuration)
	if err != nil {
		return nil, err
	}
	e.chunks[start] = c
	idx := sort.Search(len(e.starts), func(i int) bool { return e.starts[i] >= start })
	e.starts = append(e.starts, 0)
	copy(e.starts[idx+1:], e.starts[idx:])
	e.starts[idx] = start
	return c, nil
}

// observe advances the newest-seen timestamp, which anchors the cold
// horizon and retention cutoff.
func (e *Engine) observe(ts int64) {
	e.mu.Lock()
	if !e.seen || ts > e.maxTS {
		e.maxTS = ts
		e.seen = true
	}
	e.mu.Unlock()
}

// chunksInRange returns the chunks whose windows intersect [from, to), in
// ascending window order.
func (e *Engine) chunksInRange(from, to int64) ([]*TimeChunk, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}
	var out []*TimeChunk
	for _, start := range e.starts {
		c := e.chunks[start]
		if c.End() <= from {
			continue
		}
		if c.Start() >= to {
			break
		}
		out = append(out, c)
	}
	return out, nil
}

// allChunks returns every chunk in ascending window order.
func (e *Engine) allChunks() ([]*TimeChunk, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}
	out := make([]*TimeChunk, 0, len(e.starts))
	for _, start := range e.starts {
		out = append(out, e.chunks[start])
	}
	return out, nil
}

// Keys returns every series key present in the engine, sorted.
func (e *Engine) Keys() ([]string, error) {
	chunks, err := e.allChunks()
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{})
	for _, c := range chunks {
		keys, err := c.Keys()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			set[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// Latest returns the newest record for key across all chunks.
func (e *Engine) Latest(key string) (Record, error) {
	chunks, err := e.allChunks()
	if err != nil {
		return Record{}, err
	}
	for i := len(chunks) - 1; i >= 0; i-- {
		rec, err := chunks[i].GetLatest(key)
		if err == nil {
			return rec, nil
		}
		if !IsKeyNotFound(err) {
			return Record{}, err
		}
	}
	return Record{}, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
}

// DemoteBefore compresses every chunk whose window ends at or before
// horizon, persisting each compressed chunk when a snapshot store is
// configured.
func (e *Engine) DemoteBefore(horizon int64) error {
	chunks, err := e.allChunks()
	if err != nil {
		return err
	}
	for _, c := range chunks {
		if c.End() > horizon || c.State() == Compressed {
			continue
		}
		if err := c.Compress(e.cfg.Storage.Codec); err != nil {
			return err
		}
		if e.store != nil {
			if err := e.persistChunk(c); err != nil {
				return err
			}
		}
	}
	return nil
}

// CleanupBefore removes every record older than cutoff, dropping chunks
// that become empty. It returns how many records were removed.
func (e *Engine) CleanupBefore(cutoff int64) (int, error) {
	chunks, err := e.allChunks()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, c := range chunks {
		if c.End() <= cutoff {
			n := int(c.Metadata().RecordCount)
			if err := e.dropChunk(c); err != nil {
				return removed, err
			}
			removed += n
			continue
		}
		if c.Start() >= cutoff {
			break
		}
		n, err := c.Cleanup(cutoff)
		if err != nil {
			return removed, err
		}
		removed += n
	}
	return removed, nil
}

func (e *Engine) dropChunk(c *TimeChunk) error {
	e.mu.Lock()
	delete(e.chunks, c.Start())
	idx := sort.Search(len(e.starts), func(i int) bool { return e.starts[i] >= c.Start() })
	if idx < len(e.starts) && e.starts[idx] == c.Start() {
		e.starts = append(e.starts[:idx], e.starts[idx+1:]...)
	}
	e.mu.Unlock()

	if e.store != nil {
		return e.store.Delete(c.Start())
	}
	return nil
}

// Rehydrate returns the chunk whose window starts at start to writable
// form.
func (e *Engine) Rehydrate(start int64) error {
	e.mu.RLock()
	c, ok := e.chunks[start]
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if !ok {
		return fmt.Errorf("%w: no chunk at %d", ErrKeyNotFound, start)
	}
	return c.Decompress()
}

// MergeChunks folds the chunk starting at bStart into the one starting at
// aStart. The windows must touch or overlap. The later window start is
// retired; the surviving chunk keeps the earlier start and covers the
// union of both windows.
func (e *Engine) MergeChunks(aStart, bStart int64) error {
	if bStart < aStart {
		aStart, bStart = bStart, aStart
	}
	e.mu.RLock()
	a, aok := e.chunks[aStart]
	b, bok := e.chunks[bStart]
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if !aok || !bok {
		return fmt.Errorf("%w: no chunk at %d", ErrKeyNotFound, bStart)
	}
	if err := a.Merge(b); err != nil {
		return err
	}
	if err := e.dropChunk(b); err != nil {
		return err
	}
	if e.store != nil {
		return e.persistChunk(a)
	}
	return nil
}

// sweepLoop periodically compresses cold chunks and applies retention.
func (e *Engine) sweepLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.Storage.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep()
		}
	}
}

func (e *Engine) sweep() {
	e.mu.RLock()
	seen, maxTS := e.seen, e.maxTS
	e.mu.RUnlock()
	if !seen {
		return
	}
	// Sweep failures are retried on the next tick; a transient snapshot
	// store error must not stop ingestion.
	_ = e.DemoteBefore(maxTS - e.cfg.Storage.ColdAfter)
	if e.cfg.Retention.MaxAge > 0 {
		_, _ = e.CleanupBefore(maxTS - e.cfg.Retention.MaxAge)
	}
}

// Snapshot persists every chunk to the snapshot store.
func (e *Engine) Snapshot() error {
	if e.store == nil {
		return nil
	}
	chunks, err := e.allChunks()
	if err != nil {
		return err
	}
	for _, c := range chunks {
		if err := e.persistChunk(c); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) persistChunk(c *TimeChunk) error {
	blob, err := c.exportBlob(e.cfg.Storage.Codec)
	if err != nil {
		return err
	}
	return e.store.Save(StoredChunk{
		Start: c.Start(),
		End:   c.End(),
		State: c.State(),
		Blob:  blob,
	})
}

// restore loads every stored chunk back into memory. Chunks the store saved
// as uncompressed return to writable form; the rest stay compressed until a
// query or merge needs them.
func (e *Engine) restore() error {
	stored, err := e.store.LoadAll()
	if err != nil {
		return err
	}
	for _, sc := range stored {
		c, err := newChunkFromBlob(sc.Start, sc.End, sc.Blob)
		if err != nil {
			return err
		}
		if sc.State == Uncompressed {
			if err := c.Decompress(); err != nil {
				return err
			}
		}
		e.chunks[sc.Start] = c
		e.starts = append(e.starts, sc.Start)
		for _, key := range mustKeys(c) {
			if rec, err := c.GetLatest(key); err == nil {
				if !e.seen || rec.Timestamp > e.maxTS {
					e.maxTS = rec.Timestamp
					e.seen = true
				}
			}
		}
	}
	sort.Slice(e.starts, func(i, j int) bool { return e.starts[i] < e.starts[j] })
	return nil
}

func mustKeys(c *TimeChunk) []string {
	keys, err := c.Keys()
	if err != nil {
		return nil
	}
	return keys
}

// Close stops the background sweep, persists a final snapshot, and releases
// the snapshot store. Further calls on the engine return ErrClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
		e.wg.Wait()
	}

	var err error
	if e.store != nil {
		err = e.Snapshot()
		if cerr := e.store.Close(); err == nil {
			err = cerr
		}
	}

	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return err
}

// IsKeyNotFound reports whether err denotes a missing series key.
func IsKeyNotFound(err error) bool {
	return errors.Is(err, ErrKeyNotFound)
}
