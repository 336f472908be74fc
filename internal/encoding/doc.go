// Package encoding provides the wire primitives used by chunk payloads.
//
// Timestamps are stored with delta-of-delta varint encoding, which reduces
// near-chronological monitoring data to one or two bytes per sample. Values
// are stored as raw little-endian float64 columns; the chunk-level codec
// (snappy, zstd, lz4, s2) handles byte-level compression on top.
package encoding
