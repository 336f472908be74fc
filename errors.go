package pulse

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the pulse package. All failures are recoverable
// at the call boundary: a failed append or compress leaves the chunk exactly
// as it was before the call.
var (
	// ErrClosed is returned when operations are attempted on a closed engine.
	ErrClosed = errors.New("engine is closed")

	// ErrInvalidRange is returned for a chunk window with end <= start.
	ErrInvalidRange = errors.New("invalid time range")

	// ErrOutOfTimeRange is returned when a record timestamp falls outside
	// the chunk window.
	ErrOutOfTimeRange = errors.New("timestamp outside chunk range")

	// ErrCompressionFailed is returned when a chunk cannot be compressed,
	// for example because it holds non-finite values.
	ErrCompressionFailed = errors.New("chunk compression failed")

	// ErrValidationFailed is returned when chunk or analyzer input
	// invariants do not hold.
	ErrValidationFailed = errors.New("validation failed")

	// ErrDataCorrupted is returned when a compressed payload fails its
	// checksum or cannot be decoded.
	ErrDataCorrupted = errors.New("data corrupted")

	// ErrKeyNotFound is returned when a series key has no data.
	ErrKeyNotFound = errors.New("key not found")

	// ErrColdWriteRejected is returned when a write targets a compressed
	// chunk. Cold chunks are read-only unless explicitly rehydrated.
	ErrColdWriteRejected = errors.New("write rejected: chunk is cold")

	// ErrInsufficientData is returned when an analyzer has fewer points
	// than its configured minimum.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrMismatchedGroup is returned when a multivariate group has fewer
	// than two resolvable members.
	ErrMismatchedGroup = errors.New("mismatched metric group")
)

// ChunkError wraps a chunk operation failure with the chunk window.
type ChunkError struct {
	Op     string
	Start  int64
	End    int64
	Detail string
	Err    error
}

func (e *ChunkError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("chunk [%d,%d) %s: %s: %v", e.Start, e.End, e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("chunk [%d,%d) %s: %v", e.Start, e.End, e.Op, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// AnalyzerError wraps a pattern-detection failure with the analyzer name and
// the series it was inspecting.
type AnalyzerError struct {
	Analyzer string
	Key      string
	Err      error
}

func (e *AnalyzerError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s analyzer: %s: %v", e.Analyzer, e.Key, e.Err)
	}
	return fmt.Sprintf("%s analyzer: %v", e.Analyzer, e.Err)
}

func (e *AnalyzerError) Unwrap() error {
	return e.Err
}
