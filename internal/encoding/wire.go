package encoding

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
)

// ErrShortBuffer is returned when a reader runs out of data mid-field.
var ErrShortBuffer = errors.New("encoding: short buffer")

// WriteString writes a length-prefixed string to the buffer.
func WriteString(buf *bytes.Buffer, s string) error {
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := buf.WriteString(s)
	return err
}

// ReadString reads a length-prefixed string from the reader.
func ReadString(reader *bytes.Reader) (string, error) {
	var length uint32
	if err := binary.Read(reader, binary.LittleEndian, &length); err != nil {
		return "", err
	}
	if int(length) > reader.Len() {
		return "", ErrShortBuffer
	}
	raw := make([]byte, length)
	if _, err := reader.Read(raw); err != nil {
		return "", err
	}
	return string(raw), nil
}

// WriteFloat64s writes a length-prefixed column of float64 values.
func WriteFloat64s(buf *bytes.Buffer, values []float64) error {
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(values))); err != nil {
		return err
	}
	raw := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(raw[8*i:], math.Float64bits(v))
	}
	_, err := buf.Write(raw)
	return err
}

// ReadFloat64s reads a length-prefixed column of float64 values.
func ReadFloat64s(reader *bytes.Reader) ([]float64, error) {
	var count uint32
	if err := binary.Read(reader, binary.LittleEndian, &count); err != nil {
		return nil, err
	}
	if int(count)*8 > reader.Len() {
		return nil, ErrShortBuffer
	}
	raw := make([]byte, 8*count)
	if _, err := reader.Read(raw); err != nil {
		return nil, err
	}
	out := make([]float64, count)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:]))
	}
	return out, nil
}
