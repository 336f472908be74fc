package encoding

import (
	"bytes"
	"math"
	"testing"
)

func TestStringRoundTrip(t *testing.T) {
	buf := &bytes.Buffer{}
	values := []string{"", "p1|8867-4|beats/min", "p2|85354-9|mmHg"}
	for _, s := range values {
		if err := WriteString(buf, s); err != nil {
			t.Fatalf("write %q: %v", s, err)
		}
	}

	reader := bytes.NewReader(buf.Bytes())
	for _, want := range values {
		got, err := ReadString(reader)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	}
}

func TestReadStringShortBuffer(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := WriteString(buf, "heart-rate"); err != nil {
		t.Fatalf("write: %v", err)
	}
	truncated := buf.Bytes()[:6]
	if _, err := ReadString(bytes.NewReader(truncated)); err == nil {
		t.Fatal("expected error on truncated input")
	}
}

func TestFloat64sRoundTrip(t *testing.T) {
	buf := &bytes.Buffer{}
	values := []float64{72.0, 72.5, -1.25, 0, math.MaxFloat64}
	if err := WriteFloat64s(buf, values); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := ReadFloat64s(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != len(values) {
		t.Fatalf("got %d values, want %d", len(got), len(values))
	}
	for i := range values {
		if got[i] != values[i] {
			t.Fatalf("value %d: got %v, want %v", i, got[i], values[i])
		}
	}
}

func TestTimestampsRoundTrip(t *testing.T) {
	cases := [][]int64{
		nil,
		{1700000000},
		{1700000000, 1700000060, 1700000120, 1700000180},
		{1700000000, 1700000059, 1700000121, 1700000180, 1700000240},
		{-100, 0, 100, 5000, 5001},
	}

	for _, timestamps := range cases {
		buf := &bytes.Buffer{}
		if err := WriteTimestamps(buf, timestamps); err != nil {
			t.Fatalf("write: %v", err)
		}
		got, err := ReadTimestamps(bytes.NewReader(buf.Bytes()))
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if len(got) != len(timestamps) {
			t.Fatalf("got %d timestamps, want %d", len(got), len(timestamps))
		}
		for i := range timestamps {
			if got[i] != timestamps[i] {
				t.Fatalf("timestamp %d: got %d, want %d", i, got[i], timestamps[i])
			}
		}
	}
}

func TestRegularIntervalCompression(t *testing.T) {
	timestamps := make([]int64, 1000)
	for i := range timestamps {
		timestamps[i] = 1700000000 + int64(i)*60
	}

	buf := &bytes.Buffer{}
	if err := WriteTimestamps(buf, timestamps); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Regular intervals should encode to roughly one byte per timestamp
	// after the first two, far below the 8 bytes of raw encoding.
	if buf.Len() > 2*len(timestamps) {
		t.Fatalf("encoded size %d exceeds 2 bytes per timestamp", buf.Len())
	}
}
