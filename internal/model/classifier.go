package model

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ClassifierParams tune gradient-boosted tree fitting.
type ClassifierParams struct {
	NEstimators    int     `mapstructure:"n_estimators"`
	MaxDepth       int     `mapstructure:"max_depth"`
	LearningRate   float64 `mapstructure:"learning_rate"`
	Lambda         float64 `mapstructure:"lambda"`
	MinChildWeight float64 `mapstructure:"min_child_weight"`
	// PosWeight scales positive rows. Zero derives negatives/positives from the data.
	PosWeight float64 `mapstructure:"pos_weight"`
}

// DefaultClassifierParams returns the production fitting parameters.
func DefaultClassifierParams() ClassifierParams {
	return ClassifierParams{
		NEstimators:    100,
		MaxDepth:       4,
		LearningRate:   0.1,
		Lambda:         1.0,
		MinChildWeight: 1.0,
	}
}

// TreeNode is one node of a regression tree stored in a flat slice.
// Value is the Newton step at the node, kept on internal nodes too so
// predictions can be attributed along the decision path.
type TreeNode struct {
	Leaf      bool    `json:"leaf,omitempty"`
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Value     float64 `json:"value"`
	Cover     float64 `json:"cover"`
}

// Tree is a single boosting stage; node 0 is the root.
type Tree struct {
	Nodes []TreeNode `json:"nodes"`
}

// Classifier is a binary gradient-boosted tree ensemble trained on logloss.
type Classifier struct {
	Features     []string  `json:"features"`
	BaseScore    float64   `json:"base_score"`
	LearningRate float64   `json:"learning_rate"`
	Trees        []Tree    `json:"trees"`
	Importances  []float64 `json:"importances"`
}

// FitClassifier trains a classifier with Newton boosting. Positive rows are
// weighted by p.PosWeight (or the negative/positive ratio) to counter class
// imbalance.
func FitClassifier(ds Dataset, p ClassifierParams) (*Classifier, error) {
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	if p.NEstimators <= 0 || p.MaxDepth <= 0 || p.LearningRate <= 0 {
		return nil, errors.New("model: classifier params must be positive")
	}

	n := ds.Len()
	neg, pos := ds.ClassCounts()
	posWeight := p.PosWeight
	if posWeight <= 0 {
		posWeight = float64(neg) / float64(max(pos, 1))
		if posWeight <= 0 {
			posWeight = 1
		}
	}

	weights := make([]float64, n)
	var wSum, wPos float64
	for i, y := range ds.Y {
		weights[i] = 1
		if y == 1 {
			weights[i] = posWeight
			wPos += posWeight
		}
		wSum += weights[i]
	}
	prior := math.Min(math.Max(wPos/wSum, 1e-6), 1-1e-6)

	clf := &Classifier{
		Features:     FeatureNames[:],
		BaseScore:    math.Log(prior / (1 - prior)),
		LearningRate: p.LearningRate,
		Importances:  make([]float64, NumFeatures),
	}

	b := &treeBuilder{
		x:      ds.X,
		params: p,
		grad:   make([]float64, n),
		hess:   make([]float64, n),
		order:  presort(ds.X),
		inNode: make([]int, n),
		gains:  clf.Importances,
	}

	margin := make([]float64, n)
	for i := range margin {
		margin[i] = clf.BaseScore
	}

	all := make([]int, n)
	for i := range all {
		all[i] = i
	}

	for t := 0; t < p.NEstimators; t++ {
		for i := range margin {
			prob := sigmoid(margin[i])
			y := float64(ds.Y[i])
			b.grad[i] = weights[i] * (prob - y)
			b.hess[i] = weights[i] * prob * (1 - prob)
		}

		tree := b.build(all)
		clf.Trees = append(clf.Trees, tree)
		for i, row := range ds.X {
			margin[i] += p.LearningRate * tree.leafValue(row)
		}
	}

	var total float64
	for _, g := range clf.Importances {
		total += g
	}
	if total > 0 {
		for i := range clf.Importances {
			clf.Importances[i] /= total
		}
	}
	return clf, nil
}

// Margin returns the raw log-odds for x.
func (c *Classifier) Margin(x []float64) float64 {
	m := c.BaseScore
	for i := range c.Trees {
		m += c.LearningRate * c.Trees[i].leafValue(x)
	}
	return m
}

// PredictProba returns P(fraud) for x.
func (c *Classifier) PredictProba(x []float64) float64 {
	return sigmoid(c.Margin(x))
}

// Predict returns the class label at a 0.5 probability cut.
func (c *Classifier) Predict(x []float64) int {
	if c.PredictProba(x) >= 0.5 {
		return 1
	}
	return 0
}

// PredictAll labels every row of X.
func (c *Classifier) PredictAll(X [][]float64) []int {
	out := make([]int, len(X))
	for i, row := range X {
		out[i] = c.Predict(row)
	}
	return out
}

// Contributions attributes the margin of x to each feature by walking every
// tree's decision path and crediting the change in node value to the split
// feature. bias plus the sum of contributions equals Margin(x).
func (c *Classifier) Contributions(x []float64) (contribs []float64, bias float64, err error) {
	if len(x) != NumFeatures {
		return nil, 0, fmt.Errorf("model: attribution needs %d features, got %d", NumFeatures, len(x))
	}
	if len(c.Trees) == 0 {
		return nil, 0, errors.New("model: classifier has no trees")
	}

	contribs = make([]float64, NumFeatures)
	bias = c.BaseScore
	for _, tree := range c.Trees {
		if len(tree.Nodes) == 0 {
			return nil, 0, errors.New("model: empty tree")
		}
		idx := 0
		bias += c.LearningRate * tree.Nodes[0].Value
		for !tree.Nodes[idx].Leaf {
			node := tree.Nodes[idx]
			next := node.Right
			if x[node.Feature] <= node.Threshold {
				next = node.Left
			}
			contribs[node.Feature] += c.LearningRate * (tree.Nodes[next].Value - node.Value)
			idx = next
		}
	}
	return contribs, bias, nil
}

func (t Tree) leafValue(x []float64) float64 {
	if len(t.Nodes) == 0 {
		return 0
	}
	idx := 0
	for !t.Nodes[idx].Leaf {
		node := t.Nodes[idx]
		if x[node.Feature] <= node.Threshold {
			idx = node.Left
		} else {
			idx = node.Right
		}
	}
	return t.Nodes[idx].Value
}

type treeBuilder struct {
	x      [][]float64
	params ClassifierParams
	grad   []float64
	hess   []float64
	order  [][]int // row indices sorted by each feature
	inNode []int   // stamp per row, equal to the current node's stamp when a member
	stamp  int
	gains  []float64
	nodes  []TreeNode
}

type split struct {
	feature   int
	threshold float64
	gain      float64
}

func (b *treeBuilder) build(rows []int) Tree {
	b.nodes = make([]TreeNode, 0, 1<<(b.params.MaxDepth+1))
	b.grow(rows, 0)
	return Tree{Nodes: b.nodes}
}

func (b *treeBuilder) grow(rows []int, depth int) int {
	var g, h float64
	for _, i := range rows {
		g += b.grad[i]
		h += b.hess[i]
	}

	id := len(b.nodes)
	b.nodes = append(b.nodes, TreeNode{
		Leaf:  true,
		Value: -g / (h + b.params.Lambda),
		Cover: h,
	})

	if depth >= b.params.MaxDepth || len(rows) < 2 {
		return id
	}

	best, ok := b.bestSplit(rows, g, h)
	if !ok {
		return id
	}

	var left, right []int
	for _, i := range rows {
		if b.x[i][best.feature] <= best.threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return id
	}

	b.gains[best.feature] += best.gain
	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)

	node := &b.nodes[id]
	node.Leaf = false
	node.Feature = best.feature
	node.Threshold = best.threshold
	node.Left = l
	node.Right = r
	return id
}

func (b *treeBuilder) bestSplit(rows []int, g, h float64) (split, bool) {
	b.stamp++
	for _, i := range rows {
		b.inNode[i] = b.stamp
	}

	lambda := b.params.Lambda
	minChild := b.params.MinChildWeight
	parent := g * g / (h + lambda)

	best := split{gain: 1e-12}
	found := false
	for f := 0; f < NumFeatures; f++ {
		var gl, hl float64
		prev := -1
		for _, i := range b.order[f] {
			if b.inNode[i] != b.stamp {
				continue
			}
			if prev >= 0 && b.x[i][f] > b.x[prev][f] && hl >= minChild && h-hl >= minChild {
				gr, hr := g-gl, h-hl
				gain := gl*gl/(hl+lambda) + gr*gr/(hr+lambda) - parent
				if gain > best.gain {
					best = split{feature: f, threshold: (b.x[prev][f] + b.x[i][f]) / 2, gain: gain}
					found = true
				}
			}
			gl += b.grad[i]
			hl += b.hess[i]
			prev = i
		}
	}
	return best, found
}

func presort(x [][]float64) [][]int {
	order := make([][]int, NumFeatures)
	for f := range order {
		idx := make([]int, len(x))
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(a, b int) bool { return x[idx[a]][f] < x[idx[b]][f] })
		order[f] = idx
	}
	return order
}

func sigmoid(v float64) float64 {
	return 1 / (1 + math.Exp(-v))
}
