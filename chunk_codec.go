package pulse

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"gopkg.in/yaml.v3"

	"github.com/pulsedb/pulse/internal/encoding"
)

// Codec selects the byte-level compression applied to cold chunk payloads.
type Codec int

const (
	// CodecSnappy is the default codec: fast with moderate ratios.
	CodecSnappy Codec = iota
	// CodecZstd favors compression ratio over speed, suited to archival
	// chunks that are rarely read.
	CodecZstd
	// CodecLZ4 favors decompression speed.
	CodecLZ4
	// CodecS2 is a snappy-compatible codec tuned for modern CPUs.
	CodecS2
	// CodecNone stores payloads uncompressed.
	CodecNone
)

// String returns the codec's configuration name.
func (c Codec) String() string {
	switch c {
	case CodecSnappy:
		return "snappy"
	case CodecZstd:
		return "zstd"
	case CodecLZ4:
		return "lz4"
	case CodecS2:
		return "s2"
	case CodecNone:
		return "none"
	default:
		return "unknown"
	}
}

// ParseCodec resolves a configuration name to a Codec.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "snappy", "":
		return CodecSnappy, nil
	case "zstd":
		return CodecZstd, nil
	case "lz4":
		return CodecLZ4, nil
	case "s2":
		return CodecS2, nil
	case "none":
		return CodecNone, nil
	default:
		return 0, fmt.Errorf("unknown codec %q", name)
	}
}

// UnmarshalYAML decodes a codec from its configuration name.
func (c *Codec) UnmarshalYAML(value *yaml.Node) error {
	var name string
	if err := value.Decode(&name); err != nil {
		return err
	}
	parsed, err := ParseCodec(name)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// MarshalYAML encodes the codec as its configuration name.
func (c Codec) MarshalYAML() (interface{}, error) {
	return c.String(), nil
}

// Blob layout: magic, version, codec, stored flag, raw length, xxhash of the
// raw payload, then the (possibly compressed) payload bytes.
const (
	blobMagic   = "PLSC"
	blobVersion = 1

	blobHeaderSize = 4 + 1 + 1 + 1 + 4 + 8
)

// zstd encoders and decoders are pooled: the klauspost implementation is
// designed for reuse and allocates heavily on first use.
var zstdEncoderPool = sync.Pool{
	New: func() any {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		if err != nil {
			panic(fmt.Sprintf("zstd encoder init: %v", err))
		}
		return enc
	},
}

var zstdDecoderPool = sync.Pool{
	New: func() any {
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			panic(fmt.Sprintf("zstd decoder init: %v", err))
		}
		return dec
	},
}

var lz4CompressorPool = sync.Pool{
	New: func() any {
		return &lz4.Compressor{}
	},
}

// encodeChunkPayload serializes the per-key record sequences into the raw
// chunk payload: a timestamp column, a value column, and the waveform
// segments for each series.
func encodeChunkPayload(series map[string][]Record) ([]byte, error) {
	buf := &bytes.Buffer{}

	keys := sortedKeys(series)
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(keys))); err != nil {
		return nil, err
	}

	for _, key := range keys {
		records := series[key]
		if err := encoding.WriteString(buf, key); err != nil {
			return nil, err
		}

		timestamps := make([]int64, len(records))
		values := make([]float64, len(records))
		var waveformIdx []int
		for i, rec := range records {
			timestamps[i] = rec.Timestamp
			values[i] = rec.Value
			if rec.Waveform != nil {
				waveformIdx = append(waveformIdx, i)
			}
		}

		if err := encoding.WriteTimestamps(buf, timestamps); err != nil {
			return nil, err
		}
		if err := encoding.WriteFloat64s(buf, values); err != nil {
			return nil, err
		}

		if err := binary.Write(buf, binary.LittleEndian, uint32(len(waveformIdx))); err != nil {
			return nil, err
		}
		for _, i := range waveformIdx {
			w := records[i].Waveform
			if err := binary.Write(buf, binary.LittleEndian, uint32(i)); err != nil {
				return nil, err
			}
			for _, f := range []float64{w.Origin, w.Period, w.Factor} {
				if err := binary.Write(buf, binary.LittleEndian, f); err != nil {
					return nil, err
				}
			}
			if err := encoding.WriteFloat64s(buf, w.Samples); err != nil {
				return nil, err
			}
		}
	}

	return buf.Bytes(), nil
}

// decodeChunkPayload rebuilds per-key record sequences from a raw payload.
func decodeChunkPayload(raw []byte) (map[string][]Record, error) {
	reader := bytes.NewReader(raw)

	var seriesCount uint32
	if err := binary.Read(reader, binary.LittleEndian, &seriesCount); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataCorrupted, err)
	}

	series := make(map[string][]Record, seriesCount)
	for s := uint32(0); s < seriesCount; s++ {
		key, err := encoding.ReadString(reader)
		if err != nil {
			return nil, fmt.Errorf("%w: series key: %v", ErrDataCorrupted, err)
		}
		timestamps, err := encoding.ReadTimestamps(reader)
		if err != nil {
			return nil, fmt.Errorf("%w: timestamps for %s: %v", ErrDataCorrupted, key, err)
		}
		values, err := encoding.ReadFloat64s(reader)
		if err != nil {
			return nil, fmt.Errorf("%w: values for %s: %v", ErrDataCorrupted, key, err)
		}
		if len(values) != len(timestamps) {
			return nil, fmt.Errorf("%w: column length mismatch for %s", ErrDataCorrupted, key)
		}

		records := make([]Record, len(timestamps))
		for i := range records {
			records[i] = Record{Key: key, Timestamp: timestamps[i], Value: values[i]}
		}

		var waveformCount uint32
		if err := binary.Read(reader, binary.LittleEndian, &waveformCount); err != nil {
			return nil, fmt.Errorf("%w: waveform count for %s: %v", ErrDataCorrupted, key, err)
		}
		for j := uint32(0); j < waveformCount; j++ {
			var idx uint32
			if err := binary.Read(reader, binary.LittleEndian, &idx); err != nil {
				return nil, fmt.Errorf("%w: waveform index for %s: %v", ErrDataCorrupted, key, err)
			}
			if int(idx) >= len(records) {
				return nil, fmt.Errorf("%w: waveform index %d out of range for %s", ErrDataCorrupted, idx, key)
			}
			w := &Waveform{}
			for _, dst := range []*float64{&w.Origin, &w.Period, &w.Factor} {
				if err := binary.Read(reader, binary.LittleEndian, dst); err != nil {
					return nil, fmt.Errorf("%w: waveform header for %s: %v", ErrDataCorrupted, key, err)
				}
			}
			samples, err := encoding.ReadFloat64s(reader)
			if err != nil {
				return nil, fmt.Errorf("%w: waveform samples for %s: %v", ErrDataCorrupted, key, err)
			}
			w.Samples = samples
			records[idx].Waveform = w
		}

		series[key] = records
	}

	return series, nil
}

// compressPayload frames and compresses a raw payload into a chunk blob.
func compressPayload(codec Codec, raw []byte) ([]byte, error) {
	compressed, stored, err := compressBytes(codec, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCompressionFailed, codec, err)
	}

	blob := make([]byte, blobHeaderSize, blobHeaderSize+len(compressed))
	copy(blob, blobMagic)
	blob[4] = blobVersion
	blob[5] = byte(codec)
	if stored {
		blob[6] = 1
	}
	binary.LittleEndian.PutUint32(blob[7:], uint32(len(raw)))
	binary.LittleEndian.PutUint64(blob[11:], xxhash.Sum64(raw))
	return append(blob, compressed...), nil
}

// decompressPayload verifies and unpacks a chunk blob back to the raw payload.
func decompressPayload(blob []byte) ([]byte, Codec, error) {
	if len(blob) < blobHeaderSize || string(blob[:4]) != blobMagic {
		return nil, 0, fmt.Errorf("%w: bad blob header", ErrDataCorrupted)
	}
	if blob[4] != blobVersion {
		return nil, 0, fmt.Errorf("%w: unsupported blob version %d", ErrDataCorrupted, blob[4])
	}
	codec := Codec(blob[5])
	stored := blob[6] == 1
	rawLen := binary.LittleEndian.Uint32(blob[7:])
	checksum := binary.LittleEndian.Uint64(blob[11:])
	payload := blob[blobHeaderSize:]

	raw, err := decompressBytes(codec, stored, payload, int(rawLen))
	if err != nil {
		return nil, codec, fmt.Errorf("%w: %s: %v", ErrDataCorrupted, codec, err)
	}
	if len(raw) != int(rawLen) {
		return nil, codec, fmt.Errorf("%w: length mismatch", ErrDataCorrupted)
	}
	if xxhash.Sum64(raw) != checksum {
		return nil, codec, fmt.Errorf("%w: checksum mismatch", ErrDataCorrupted)
	}
	return raw, codec, nil
}

// compressBytes returns the compressed payload. The stored flag indicates
// the payload was kept raw because the codec could not shrink it.
func compressBytes(codec Codec, raw []byte) (out []byte, stored bool, err error) {
	switch codec {
	case CodecNone:
		return append([]byte(nil), raw...), true, nil
	case CodecSnappy:
		return snappy.Encode(nil, raw), false, nil
	case CodecS2:
		return s2.Encode(nil, raw), false, nil
	case CodecZstd:
		enc := zstdEncoderPool.Get().(*zstd.Encoder)
		defer zstdEncoderPool.Put(enc)
		return enc.EncodeAll(raw, nil), false, nil
	case CodecLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(raw)))
		lc := lz4CompressorPool.Get().(*lz4.Compressor)
		defer lz4CompressorPool.Put(lc)
		n, err := lc.CompressBlock(raw, dst)
		if err != nil {
			return nil, false, err
		}
		if n == 0 {
			// Incompressible block.
			return append([]byte(nil), raw...), true, nil
		}
		return dst[:n], false, nil
	default:
		return nil, false, fmt.Errorf("unknown codec %d", codec)
	}
}

func decompressBytes(codec Codec, stored bool, payload []byte, rawLen int) ([]byte, error) {
	if stored {
		return append([]byte(nil), payload...), nil
	}
	switch codec {
	case CodecSnappy:
		return snappy.Decode(nil, payload)
	case CodecS2:
		return s2.Decode(nil, payload)
	case CodecZstd:
		dec := zstdDecoderPool.Get().(*zstd.Decoder)
		defer zstdDecoderPool.Put(dec)
		return dec.DecodeAll(payload, nil)
	case CodecLZ4:
		dst := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(payload, dst)
		if err != nil {
			return nil, err
		}
		return dst[:n], nil
	default:
		return nil, fmt.Errorf("unknown codec %d", codec)
	}
}
