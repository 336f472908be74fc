package pulse

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// obsSeries is one series' observations as parallel slices.
type obsSeries struct {
	ts []int64
	vs []float64
}

// AlignedVectors holds the time-aligned observation matrix for a group of
// series: Times[i] pairs with the row Rows[i], whose columns follow Keys.
type AlignedVectors struct {
	Keys  []string
	Times []int64
	Rows  [][]float64
}

// alignSeries walks all cursors forward, emitting a row whenever every
// series has an observation within tolerance of the latest cursor head.
// When they do not, the series furthest behind is advanced. Each
// observation is consumed at most once.
func alignSeries(keys []string, series map[string]obsSeries, tolerance int64) AlignedVectors {
	out := AlignedVectors{Keys: keys}
	k := len(keys)
	cursors := make([]int, k)
	for {
		pivot := int64(math.MinInt64)
		exhausted := false
		for i, key := range keys {
			s := series[key]
			if cursors[i] >= len(s.ts) {
				exhausted = true
				break
			}
			if t := s.ts[cursors[i]]; t > pivot {
				pivot = t
			}
		}
		if exhausted {
			break
		}

		aligned := true
		lagIdx, lagTime := -1, int64(math.MaxInt64)
		for i, key := range keys {
			s := series[key]
			t := s.ts[cursors[i]]
			if pivot-t > tolerance {
				aligned = false
			}
			if t < lagTime {
				lagTime = t
				lagIdx = i
			}
		}

		if aligned {
			row := make([]float64, k)
			for i, key := range keys {
				row[i] = series[key].vs[cursors[i]]
				cursors[i]++
			}
			out.Times = append(out.Times, pivot)
			out.Rows = append(out.Rows, row)
			continue
		}
		cursors[lagIdx]++
	}
	return out
}

// pearson computes the Pearson correlation coefficient of two equal-length
// samples. Zero-variance input yields zero.
func pearson(a, b []float64) float64 {
	n := float64(len(a))
	if n == 0 {
		return 0
	}
	meanA, meanB := mean(a), mean(b)
	var cov, varA, varB float64
	for i := range a {
		da := a[i] - meanA
		db := b[i] - meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0
	}
	return cov / math.Sqrt(varA*varB)
}

// correlatedGroups clusters keys greedily: a key joins the first group
// where its absolute pairwise correlation with every member meets the
// threshold, measured over the pairwise-aligned rows.
func correlatedGroups(keys []string, series map[string]obsSeries, tolerance int64, threshold float64) [][]string {
	correlated := func(a, b string) bool {
		av := alignSeries([]string{a, b}, series, tolerance)
		if len(av.Rows) < 3 {
			return false
		}
		colA := make([]float64, len(av.Rows))
		colB := make([]float64, len(av.Rows))
		for i, row := range av.Rows {
			colA[i] = row[0]
			colB[i] = row[1]
		}
		return math.Abs(pearson(colA, colB)) >= threshold
	}

	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	var groups [][]string
next:
	for _, key := range sorted {
		for gi, group := range groups {
			ok := true
			for _, member := range group {
				if !correlated(key, member) {
					ok = false
					break
				}
			}
			if ok {
				groups[gi] = append(groups[gi], key)
				continue next
			}
		}
		groups = append(groups, []string{key})
	}

	var out [][]string
	for _, group := range groups {
		if len(group) >= 2 {
			out = append(out, group)
		}
	}
	return out
}

// mahalanobisScores returns the Mahalanobis distance of each row from the
// sample mean. The covariance matrix is regularized before inversion so a
// near-singular group still scores.
func mahalanobisScores(rows [][]float64) ([]float64, error) {
	n := len(rows)
	if n < 2 {
		return nil, fmt.Errorf("%w: %d aligned vectors", ErrInsufficientData, n)
	}
	dim := len(rows[0])

	mu := make([]float64, dim)
	for _, row := range rows {
		for j, v := range row {
			mu[j] += v
		}
	}
	for j := range mu {
		mu[j] /= float64(n)
	}

	cov := make([][]float64, dim)
	for i := range cov {
		cov[i] = make([]float64, dim)
	}
	for _, row := range rows {
		for i := 0; i < dim; i++ {
			for j := 0; j < dim; j++ {
				cov[i][j] += (row[i] - mu[i]) * (row[j] - mu[j])
			}
		}
	}
	for i := 0; i < dim; i++ {
		for j := 0; j < dim; j++ {
			cov[i][j] /= float64(n)
		}
		cov[i][i] += 1e-6
	}

	inv, err := invertMatrix(cov)
	if err != nil {
		return nil, err
	}

	scores := make([]float64, n)
	diff := make([]float64, dim)
	for r, row := range rows {
		for j := range row {
			diff[j] = row[j] - mu[j]
		}
		var d2 float64
		for i := 0; i < dim; i++ {
			var s float64
			for j := 0; j < dim; j++ {
				s += inv[i][j] * diff[j]
			}
			d2 += diff[i] * s
		}
		if d2 < 0 {
			d2 = 0
		}
		scores[r] = math.Sqrt(d2)
	}
	return scores, nil
}

// invertMatrix inverts a square matrix by Gauss-Jordan elimination with
// partial pivoting.
func invertMatrix(m [][]float64) ([][]float64, error) {
	dim := len(m)
	aug := make([][]float64, dim)
	for i := range aug {
		aug[i] = make([]float64, 2*dim)
		copy(aug[i], m[i])
		aug[i][dim+i] = 1
	}

	for col := 0; col < dim; col++ {
		pivot := col
		for r := col + 1; r < dim; r++ {
			if math.Abs(aug[r][col]) > math.Abs(aug[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(aug[pivot][col]) < 1e-12 {
			return nil, fmt.Errorf("%w: singular covariance matrix", ErrValidationFailed)
		}
		aug[col], aug[pivot] = aug[pivot], aug[col]

		p := aug[col][col]
		for j := range aug[col] {
			aug[col][j] /= p
		}
		for r := 0; r < dim; r++ {
			if r == col {
				continue
			}
			factor := aug[r][col]
			if factor == 0 {
				continue
			}
			for j := range aug[r] {
				aug[r][j] -= factor * aug[col][j]
			}
		}
	}

	inv := make([][]float64, dim)
	for i := range inv {
		inv[i] = aug[i][dim:]
	}
	return inv, nil
}

// isolationForest is an ensemble of random isolation trees over
// multivariate points. Points isolated in fewer splits score closer to 1.
type isolationForest struct {
	trees      []*isoNode
	sampleSize int
}

type isoNode struct {
	splitDim   int
	splitValue float64
	left       *isoNode
	right      *isoNode
	size       int
}

func newIsolationForest(rows [][]float64, trees, sampleSize int, seed int64) *isolationForest {
	if sampleSize > len(rows) {
		sampleSize = len(rows)
	}
	maxDepth := int(math.Ceil(math.Log2(float64(sampleSize)))) + 1
	rng := rand.New(rand.NewSource(seed))

	f := &isolationForest{sampleSize: sampleSize}
	sample := make([][]float64, sampleSize)
	for t := 0; t < trees; t++ {
		perm := rng.Perm(len(rows))
		for i := 0; i < sampleSize; i++ {
			sample[i] = rows[perm[i]]
		}
		f.trees = append(f.trees, buildIsoTree(sample, rng, 0, maxDepth))
	}
	return f
}

func buildIsoTree(rows [][]float64, rng *rand.Rand, depth, maxDepth int) *isoNode {
	if len(rows) <= 1 || depth >= maxDepth {
		return &isoNode{size: len(rows)}
	}
	dim := len(rows[0])

	// Pick a dimension that still has spread; a degenerate sample becomes
	// a leaf.
	for attempt := 0; attempt < dim; attempt++ {
		d := rng.Intn(dim)
		lo, hi := rows[0][d], rows[0][d]
		for _, row := range rows {
			if row[d] < lo {
				lo = row[d]
			}
			if row[d] > hi {
				hi = row[d]
			}
		}
		if lo == hi {
			continue
		}
		split := lo + rng.Float64()*(hi-lo)
		var left, right [][]float64
		for _, row := range rows {
			if row[d] < split {
				left = append(left, row)
			} else {
				right = append(right, row)
			}
		}
		return &isoNode{
			splitDim:   d,
			splitValue: split,
			left:       buildIsoTree(left, rng, depth+1, maxDepth),
			right:      buildIsoTree(right, rng, depth+1, maxDepth),
		}
	}
	return &isoNode{size: len(rows)}
}

func (f *isolationForest) score(row []float64) float64 {
	var total float64
	for _, tree := range f.trees {
		total += pathLength(tree, row, 0)
	}
	avg := total / float64(len(f.trees))
	c := averagePathLength(f.sampleSize)
	if c == 0 {
		return 0
	}
	return math.Pow(2, -avg/c)
}

func pathLength(node *isoNode, row []float64, depth int) float64 {
	if node.left == nil {
		return float64(depth) + averagePathLength(node.size)
	}
	if row[node.splitDim] < node.splitValue {
		return pathLength(node.left, row, depth+1)
	}
	return pathLength(node.right, row, depth+1)
}

// averagePathLength is the expected unsuccessful-search depth of a binary
// search tree of n nodes.
func averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	h := math.Log(float64(n-1)) + 0.5772156649
	return 2*h - 2*float64(n-1)/float64(n)
}

func (p *Pipeline) jointEvents(ctx context.Context, keys []string, from, to int64) ([]DetectionEvent, error) {
	cfg := p.cfg.Multivariate

	series := make(map[string]obsSeries, len(keys))
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ts, vs, err := p.observations(key, from, to)
		if err != nil {
			return nil, &AnalyzerError{Analyzer: "multivariate", Key: key, Err: err}
		}
		if len(vs) > 0 {
			series[key] = obsSeries{ts: ts, vs: vs}
		}
	}

	present := make([]string, 0, len(series))
	for key := range series {
		present = append(present, key)
	}

	groups := cfg.Groups
	if len(groups) == 0 {
		if !cfg.AutoGroup {
			return nil, nil
		}
		groups = correlatedGroups(present, series, cfg.AlignmentTolerance, cfg.CorrelationThreshold)
	}

	var events []DetectionEvent
	for _, group := range groups {
		if err := ctx.Err(); err != nil {
			return events, err
		}
		members := make([]string, 0, len(group))
		for _, key := range group {
			if _, ok := series[key]; ok {
				members = append(members, key)
			}
		}
		if len(members) < 2 {
			return events, &AnalyzerError{Analyzer: "multivariate", Key: fmt.Sprint(group),
				Err: fmt.Errorf("%w: %d members with data", ErrMismatchedGroup, len(members))}
		}

		aligned := alignSeries(members, series, cfg.AlignmentTolerance)
		if len(aligned.Rows) < 2 {
			continue
		}

		var scores []float64
		var err error
		switch cfg.Method {
		case IsolationForestMethod:
			forest := newIsolationForest(aligned.Rows, cfg.Trees, cfg.SampleSize, cfg.Seed)
			scores = make([]float64, len(aligned.Rows))
			for i, row := range aligned.Rows {
				scores[i] = forest.score(row)
			}
		default:
			scores, err = mahalanobisScores(aligned.Rows)
			if err != nil {
				return events, &AnalyzerError{Analyzer: "multivariate", Key: fmt.Sprint(members), Err: err}
			}
		}

		for i, score := range scores {
			if score > cfg.Threshold {
				events = append(events, DetectionEvent{
					Keys:      members,
					Kind:      EventJointAnomaly,
					Time:      aligned.Times[i],
					Score:     score,
					Threshold: cfg.Threshold,
					Values:    append([]float64(nil), aligned.Rows[i]...),
				})
			}
		}
	}
	return events, nil
}
