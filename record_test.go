package pulse

import (
	"testing"
)

func TestMetricKeyString(t *testing.T) {
	key := MetricKey{Subject: "patient-7", Code: "8867-4", Unit: "bpm"}
	s := key.String()
	if s != "patient-7|8867-4|bpm" {
		t.Fatalf("String() = %q", s)
	}
	back, err := ParseMetricKey(s)
	if err != nil {
		t.Fatalf("ParseMetricKey: %v", err)
	}
	if back != key {
		t.Errorf("round trip gave %+v", back)
	}
}

func TestParseMetricKeyMalformed(t *testing.T) {
	for _, s := range []string{"", "a|b", "a|b|c|d"} {
		if _, err := ParseMetricKey(s); err == nil {
			t.Errorf("ParseMetricKey(%q): expected error", s)
		}
	}
}

func TestKeyFilterMatches(t *testing.T) {
	key := MetricKey{Subject: "patient-7", Code: "8867-4", Unit: "bpm"}.String()
	cases := []struct {
		filter KeyFilter
		want   bool
	}{
		{KeyFilter{}, true},
		{KeyFilter{Subject: "patient-7"}, true},
		{KeyFilter{Code: "8867-4"}, true},
		{KeyFilter{Subject: "patient-7", Code: "8867-4"}, true},
		{KeyFilter{Subject: "patient-9"}, false},
		{KeyFilter{Code: "8480-6"}, false},
	}
	for _, tc := range cases {
		if got := tc.filter.Matches(key); got != tc.want {
			t.Errorf("filter %+v: got %v, want %v", tc.filter, got, tc.want)
		}
	}
}

func TestWaveformSampleValue(t *testing.T) {
	w := &Waveform{Origin: 100, Period: 10, Factor: 2, Samples: []float64{0, 1, -1, 4}}
	want := []float64{100, 102, 98, 108}
	for i, v := range want {
		if got := w.SampleValue(i); got != v {
			t.Errorf("SampleValue(%d) = %v, want %v", i, got, v)
		}
	}
}

func TestWaveformSampleTime(t *testing.T) {
	w := &Waveform{Period: 2.5}
	cases := []struct {
		i    int
		want int64
	}{
		{0, 1000}, {1, 1003}, {2, 1005}, {3, 1008}, {4, 1010},
	}
	for _, tc := range cases {
		if got := w.SampleTime(1000, tc.i); got != tc.want {
			t.Errorf("SampleTime(1000, %d) = %d, want %d", tc.i, got, tc.want)
		}
	}
}

func TestRecordExpand(t *testing.T) {
	rec := Record{Key: "ecg", Timestamp: 500, Waveform: &Waveform{
		Origin: 1, Period: 2, Factor: 0.5, Samples: []float64{2, 4},
	}}
	out := rec.Expand()
	if len(out) != 2 {
		t.Fatalf("Expand gave %d records", len(out))
	}
	if out[0].Timestamp != 500 || out[0].Value != 2 || out[0].Key != "ecg" {
		t.Errorf("sample 0: %+v", out[0])
	}
	if out[1].Timestamp != 502 || out[1].Value != 3 {
		t.Errorf("sample 1: %+v", out[1])
	}
	if out[0].Waveform != nil {
		t.Errorf("expanded records must be scalar")
	}

	scalar := Record{Key: "hr", Timestamp: 10, Value: 70}
	if got := scalar.Expand(); len(got) != 1 || got[0] != scalar {
		t.Errorf("scalar Expand gave %v", got)
	}
}
