package pulse

import (
	"math"
	"testing"
)

func TestPearson(t *testing.T) {
	a := []float64{1, 2, 3, 4, 5}
	b := []float64{2, 4, 6, 8, 10}
	if r := pearson(a, b); math.Abs(r-1) > 1e-12 {
		t.Errorf("perfectly correlated: r = %v", r)
	}
	c := []float64{10, 8, 6, 4, 2}
	if r := pearson(a, c); math.Abs(r+1) > 1e-12 {
		t.Errorf("perfectly anti-correlated: r = %v", r)
	}
	flat := []float64{3, 3, 3, 3, 3}
	if r := pearson(a, flat); r != 0 {
		t.Errorf("zero-variance input: r = %v", r)
	}
}

func TestAlignSeries(t *testing.T) {
	series := map[string]obsSeries{
		"hr": {
			ts: []int64{0, 60, 120, 300},
			vs: []float64{70, 72, 74, 76},
		},
		"bp": {
			ts: []int64{5, 65, 200, 302},
			vs: []float64{120, 122, 124, 126},
		},
	}

	aligned := alignSeries([]string{"hr", "bp"}, series, 10)
	if len(aligned.Rows) != 3 {
		t.Fatalf("got %d aligned rows, want 3: %+v", len(aligned.Rows), aligned)
	}
	wantRows := [][2]float64{{70, 120}, {72, 122}, {76, 126}}
	for i, row := range aligned.Rows {
		if row[0] != wantRows[i][0] || row[1] != wantRows[i][1] {
			t.Errorf("row %d = %v, want %v", i, row, wantRows[i])
		}
	}
	// The unaligned observations (hr@120 vs bp@200) are consumed without
	// producing a row.
	if aligned.Times[2] != 302 {
		t.Errorf("last aligned time %d, want 302", aligned.Times[2])
	}
}

func TestAlignSeriesNoOverlap(t *testing.T) {
	series := map[string]obsSeries{
		"a": {ts: []int64{0, 100}, vs: []float64{1, 2}},
		"b": {ts: []int64{5000, 5100}, vs: []float64{3, 4}},
	}
	aligned := alignSeries([]string{"a", "b"}, series, 10)
	if len(aligned.Rows) != 0 {
		t.Errorf("disjoint series aligned: %+v", aligned)
	}
}

func TestInvertMatrixIdentity(t *testing.T) {
	m := [][]float64{
		{4, 1, 0},
		{1, 3, 1},
		{0, 1, 2},
	}
	inv, err := invertMatrix(m)
	if err != nil {
		t.Fatalf("invertMatrix: %v", err)
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var got float64
			for k := 0; k < 3; k++ {
				got += m[i][k] * inv[k][j]
			}
			want := 0.0
			if i == j {
				want = 1.0
			}
			if math.Abs(got-want) > 1e-9 {
				t.Errorf("(m * inv)[%d][%d] = %v", i, j, got)
			}
		}
	}
}

func TestInvertMatrixSingular(t *testing.T) {
	m := [][]float64{
		{1, 2},
		{2, 4},
	}
	if _, err := invertMatrix(m); err == nil {
		t.Fatalf("expected error for singular matrix")
	}
}

func TestMahalanobisFlagsOutlier(t *testing.T) {
	// Points along value2 = 2*value1, plus one that breaks the relation.
	var rows [][]float64
	for i := 0; i < 40; i++ {
		x := 70 + float64(i%5)
		rows = append(rows, []float64{x, 2 * x})
	}
	rows = append(rows, []float64{74, 120})

	scores, err := mahalanobisScores(rows)
	if err != nil {
		t.Fatalf("mahalanobisScores: %v", err)
	}
	last := scores[len(scores)-1]
	for i, s := range scores[:len(scores)-1] {
		if s >= last {
			t.Fatalf("inlier %d scored %v, outlier scored %v", i, s, last)
		}
	}
	if last < 3 {
		t.Errorf("outlier distance %v, want > 3", last)
	}
}

func TestCorrelatedGroups(t *testing.T) {
	n := 30
	hr := obsSeries{ts: make([]int64, n), vs: make([]float64, n)}
	bp := obsSeries{ts: make([]int64, n), vs: make([]float64, n)}
	noise := obsSeries{ts: make([]int64, n), vs: make([]float64, n)}
	for i := 0; i < n; i++ {
		t := int64(i) * 60
		hr.ts[i], bp.ts[i], noise.ts[i] = t, t, t
		hr.vs[i] = 70 + float64(i%7)
		bp.vs[i] = 110 + 2*float64(i%7)
		noise.vs[i] = float64((i*37)%11)
	}
	series := map[string]obsSeries{"hr": hr, "bp": bp, "noise": noise}

	groups := correlatedGroups([]string{"hr", "bp", "noise"}, series, 5, 0.9)
	if len(groups) != 1 {
		t.Fatalf("got groups %v, want one", groups)
	}
	if len(groups[0]) != 2 {
		t.Fatalf("group %v, want {bp, hr}", groups[0])
	}
	members := map[string]bool{groups[0][0]: true, groups[0][1]: true}
	if !members["hr"] || !members["bp"] {
		t.Errorf("group %v, want hr and bp", groups[0])
	}
}

func TestIsolationForestScoresOutlierHigher(t *testing.T) {
	var rows [][]float64
	for i := 0; i < 256; i++ {
		rows = append(rows, []float64{
			70 + float64(i%10),
			110 + float64(i%10),
		})
	}
	rows = append(rows, []float64{300, -50})

	forest := newIsolationForest(rows, 100, 128, 1)
	outlier := forest.score(rows[len(rows)-1])
	inlier := forest.score(rows[0])
	if outlier <= inlier {
		t.Fatalf("outlier scored %v, inlier %v", outlier, inlier)
	}
	if outlier < 0.6 {
		t.Errorf("outlier score %v, want clearly anomalous", outlier)
	}
	if inlier > 0.6 {
		t.Errorf("inlier score %v, want unremarkable", inlier)
	}
}
