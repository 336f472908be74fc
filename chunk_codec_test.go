package pulse

import (
	"errors"
	"reflect"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestParseCodec(t *testing.T) {
	cases := []struct {
		in   string
		want Codec
		ok   bool
	}{
		{"snappy", CodecSnappy, true},
		{"zstd", CodecZstd, true},
		{"lz4", CodecLZ4, true},
		{"s2", CodecS2, true},
		{"none", CodecNone, true},
		{"gzip", 0, false},
	}
	for _, tc := range cases {
		got, err := ParseCodec(tc.in)
		if tc.ok != (err == nil) {
			t.Errorf("ParseCodec(%q): err %v", tc.in, err)
			continue
		}
		if tc.ok && got != tc.want {
			t.Errorf("ParseCodec(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestCodecYAMLRoundTrip(t *testing.T) {
	type holder struct {
		Codec Codec `yaml:"codec"`
	}
	out, err := yaml.Marshal(holder{Codec: CodecZstd})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var back holder
	if err := yaml.Unmarshal(out, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back.Codec != CodecZstd {
		t.Errorf("round trip gave %v", back.Codec)
	}
}

func TestChunkPayloadRoundTrip(t *testing.T) {
	series := map[string][]Record{
		"hr": {
			{Key: "hr", Timestamp: 0, Value: 70},
			{Key: "hr", Timestamp: 60, Value: 72.5},
			{Key: "hr", Timestamp: 120, Value: -3},
		},
		"ecg": {
			{Key: "ecg", Timestamp: 30, Waveform: &Waveform{
				Origin: -1, Period: 2.5, Factor: 0.5, Samples: []float64{0, 1, 2},
			}},
			{Key: "ecg", Timestamp: 90, Value: 1},
		},
	}

	raw, err := encodeChunkPayload(series)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	back, err := decodeChunkPayload(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(series, back) {
		t.Errorf("payload round trip mismatch:\n in  %v\n out %v", series, back)
	}
}

func TestCompressPayloadChecksum(t *testing.T) {
	raw := []byte("0123456789 payload bytes 0123456789")
	for _, codec := range []Codec{CodecSnappy, CodecZstd, CodecLZ4, CodecS2, CodecNone} {
		blob, err := compressPayload(codec, raw)
		if err != nil {
			t.Fatalf("%v: compress: %v", codec, err)
		}
		got, gotCodec, err := decompressPayload(blob)
		if err != nil {
			t.Fatalf("%v: decompress: %v", codec, err)
		}
		if gotCodec != codec {
			t.Errorf("codec %v decoded as %v", codec, gotCodec)
		}
		if string(got) != string(raw) {
			t.Errorf("%v: payload mismatch", codec)
		}

		// Flip a payload byte; the checksum must catch it.
		bad := append([]byte(nil), blob...)
		bad[len(bad)-1] ^= 0xff
		if _, _, err := decompressPayload(bad); !errors.Is(err, ErrDataCorrupted) {
			t.Errorf("%v: corrupted payload gave %v, want ErrDataCorrupted", codec, err)
		}
	}
}

func TestDecompressPayloadTruncated(t *testing.T) {
	if _, _, err := decompressPayload([]byte("PLS")); !errors.Is(err, ErrDataCorrupted) {
		t.Errorf("truncated blob gave %v, want ErrDataCorrupted", err)
	}
	if _, _, err := decompressPayload(nil); !errors.Is(err, ErrDataCorrupted) {
		t.Errorf("nil blob gave %v, want ErrDataCorrupted", err)
	}
}
