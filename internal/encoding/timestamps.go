package encoding

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// WriteTimestamps writes a timestamp column using delta-of-delta encoding.
//
// The first timestamp is stored as a full zigzag varint, the second as a
// delta from the first, and every later timestamp as the difference between
// consecutive deltas. Regularly sampled data collapses to a single zero
// byte per timestamp.
func WriteTimestamps(buf *bytes.Buffer, timestamps []int64) error {
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(timestamps))); err != nil {
		return err
	}

	var scratch [binary.MaxVarintLen64]byte
	var prevTS, prevDelta int64
	for i, ts := range timestamps {
		var v int64
		switch i {
		case 0:
			v = ts
		case 1:
			v = ts - prevTS
			prevDelta = v
		default:
			delta := ts - prevTS
			v = delta - prevDelta
			prevDelta = delta
		}
		prevTS = ts

		n := binary.PutUvarint(scratch[:], zigzag(v))
		if _, err := buf.Write(scratch[:n]); err != nil {
			return err
		}
	}
	return nil
}

// ReadTimestamps reads a delta-of-delta encoded timestamp column.
func ReadTimestamps(reader *bytes.Reader) ([]int64, error) {
	var count uint32
	if err := binary.Read(reader, binary.LittleEndian, &count); err != nil {
		return nil, err
	}

	out := make([]int64, 0, count)
	var prevTS, prevDelta int64
	for i := uint32(0); i < count; i++ {
		raw, err := binary.ReadUvarint(reader)
		if err != nil {
			return nil, errors.Join(ErrShortBuffer, err)
		}
		v := unzigzag(raw)

		var ts int64
		switch i {
		case 0:
			ts = v
		case 1:
			prevDelta = v
			ts = prevTS + v
		default:
			prevDelta += v
			ts = prevTS + prevDelta
		}
		prevTS = ts
		out = append(out, ts)
	}
	return out, nil
}

func zigzag(v int64) uint64 {
	return uint64((v << 1) ^ (v >> 63))
}

func unzigzag(v uint64) int64 {
	return int64(v>>1) ^ -int64(v&1)
}
