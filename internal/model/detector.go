package model

import (
	"errors"
	"math"
	"math/rand/v2"
	"slices"
)

const eulerGamma = 0.5772156649015329

// DetectorParams tune isolation forest fitting.
type DetectorParams struct {
	NEstimators   int     `mapstructure:"n_estimators"`
	MaxSamples    int     `mapstructure:"max_samples"`
	Contamination float64 `mapstructure:"contamination"`
	Seed          uint64  `mapstructure:"seed"`
}

// DefaultDetectorParams returns the production fitting parameters.
func DefaultDetectorParams() DetectorParams {
	return DetectorParams{
		NEstimators:   100,
		MaxSamples:    256,
		Contamination: 0.20,
		Seed:          DefaultSeed,
	}
}

// IsoNode is one node of an isolation tree. Size is the training sample
// count that reached a leaf.
type IsoNode struct {
	Leaf      bool    `json:"leaf,omitempty"`
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Size      int     `json:"size"`
}

// IsoTree is a single isolation tree; node 0 is the root.
type IsoTree struct {
	Nodes []IsoNode `json:"nodes"`
}

// IsolationForest scores outliers by average isolation depth.
type IsolationForest struct {
	Trees      []IsoTree `json:"trees"`
	MaxSamples int       `json:"max_samples"`
	// Offset shifts ScoreSamples so that DecisionFunction is negative for the
	// contamination share of the training data.
	Offset float64 `json:"offset"`
}

// FitIsolationForest grows p.NEstimators trees on random subsamples of X.
func FitIsolationForest(X [][]float64, p DetectorParams) (*IsolationForest, error) {
	if len(X) == 0 {
		return nil, ErrEmptyDataset
	}
	if p.NEstimators <= 0 || p.MaxSamples <= 0 {
		return nil, errors.New("model: detector params must be positive")
	}
	if p.Contamination <= 0 || p.Contamination > 0.5 {
		return nil, errors.New("model: contamination must be in (0, 0.5]")
	}

	rng := newRand(p.Seed)
	psi := min(p.MaxSamples, len(X))
	limit := int(math.Ceil(math.Log2(math.Max(float64(psi), 2))))

	forest := &IsolationForest{MaxSamples: psi}
	for t := 0; t < p.NEstimators; t++ {
		sample := rng.Perm(len(X))[:psi]
		b := isoBuilder{x: X, rng: rng, limit: limit}
		b.grow(sample, 0)
		forest.Trees = append(forest.Trees, IsoTree{Nodes: b.nodes})
	}

	scores := make([]float64, len(X))
	for i, row := range X {
		scores[i] = forest.ScoreSamples(row)
	}
	forest.Offset = percentile(scores, 100*p.Contamination)
	return forest, nil
}

// ScoreSamples returns the negated anomaly score in [-1, 0); lower is more
// anomalous.
func (f *IsolationForest) ScoreSamples(x []float64) float64 {
	if len(f.Trees) == 0 {
		return 0
	}
	var depth float64
	for i := range f.Trees {
		depth += f.Trees[i].pathLength(x)
	}
	mean := depth / float64(len(f.Trees))
	return -math.Pow(2, -mean/averagePathLength(f.MaxSamples))
}

// DecisionFunction is ScoreSamples minus Offset: negative for outliers,
// positive for inliers.
func (f *IsolationForest) DecisionFunction(x []float64) float64 {
	return f.ScoreSamples(x) - f.Offset
}

func (t IsoTree) pathLength(x []float64) float64 {
	if len(t.Nodes) == 0 {
		return 0
	}
	idx, depth := 0, 0
	for !t.Nodes[idx].Leaf {
		node := t.Nodes[idx]
		if x[node.Feature] < node.Threshold {
			idx = node.Left
		} else {
			idx = node.Right
		}
		depth++
	}
	return float64(depth) + averagePathLength(t.Nodes[idx].Size)
}

type isoBuilder struct {
	x     [][]float64
	rng   *rand.Rand
	limit int
	nodes []IsoNode
}

func (b *isoBuilder) grow(rows []int, depth int) int {
	id := len(b.nodes)
	b.nodes = append(b.nodes, IsoNode{Leaf: true, Size: len(rows)})
	if depth >= b.limit || len(rows) <= 1 {
		return id
	}

	var candidates []int
	lo := make([]float64, NumFeatures)
	hi := make([]float64, NumFeatures)
	for f := 0; f < NumFeatures; f++ {
		lo[f], hi[f] = math.Inf(1), math.Inf(-1)
		for _, i := range rows {
			lo[f] = math.Min(lo[f], b.x[i][f])
			hi[f] = math.Max(hi[f], b.x[i][f])
		}
		if hi[f] > lo[f] {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return id
	}

	f := candidates[b.rng.IntN(len(candidates))]
	threshold := lo[f] + b.rng.Float64()*(hi[f]-lo[f])

	var left, right []int
	for _, i := range rows {
		if b.x[i][f] < threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return id
	}

	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)
	node := &b.nodes[id]
	node.Leaf = false
	node.Feature = f
	node.Threshold = threshold
	node.Left = l
	node.Right = r
	return id
}

// averagePathLength is the expected path length of an unsuccessful BST
// search among n points.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

// percentile uses linear interpolation between closest ranks.
func percentile(values []float64, q float64) float64 {
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
