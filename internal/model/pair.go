package model

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Pair is the unit that is trained, persisted, and promoted together.
type Pair struct {
	Classifier *Classifier
	Detector   *IsolationForest
}

// Validate reports whether both halves are usable for scoring.
func (p *Pair) Validate() error {
	if p == nil || p.Classifier == nil || p.Detector == nil {
		return errors.New("model: incomplete pair")
	}
	if len(p.Classifier.Trees) == 0 {
		return errors.New("model: classifier has no trees")
	}
	if len(p.Detector.Trees) == 0 {
		return errors.New("model: detector has no trees")
	}
	if len(p.Classifier.Features) != NumFeatures {
		return fmt.Errorf("model: classifier trained on %d features, want %d", len(p.Classifier.Features), NumFeatures)
	}
	for i, name := range p.Classifier.Features {
		if name != FeatureNames[i] {
			return fmt.Errorf("model: feature %d is %q, want %q", i, name, FeatureNames[i])
		}
	}
	for i, tree := range p.Classifier.Trees {
		if err := checkNodes(len(tree.Nodes), func(j int) (bool, int, int, int) {
			n := tree.Nodes[j]
			return n.Leaf, n.Feature, n.Left, n.Right
		}); err != nil {
			return fmt.Errorf("model: classifier tree %d: %w", i, err)
		}
	}
	for i, tree := range p.Detector.Trees {
		if err := checkNodes(len(tree.Nodes), func(j int) (bool, int, int, int) {
			n := tree.Nodes[j]
			return n.Leaf, n.Feature, n.Left, n.Right
		}); err != nil {
			return fmt.Errorf("model: detector tree %d: %w", i, err)
		}
	}
	return nil
}

// checkNodes verifies a flat tree: split features are in range and every
// child index points past its parent, so traversal always terminates at a leaf.
func checkNodes(n int, node func(int) (leaf bool, feature, left, right int)) error {
	if n == 0 {
		return errors.New("empty tree")
	}
	for j := 0; j < n; j++ {
		leaf, feature, left, right := node(j)
		if leaf {
			continue
		}
		if feature < 0 || feature >= NumFeatures {
			return fmt.Errorf("node %d splits on feature %d", j, feature)
		}
		if left <= j || left >= n || right <= j || right >= n {
			return fmt.Errorf("node %d has children %d/%d outside (%d, %d)", j, left, right, j, n)
		}
	}
	return nil
}

// FitPair trains the classifier and the detector concurrently on ds.
func FitPair(ctx context.Context, ds Dataset, cp ClassifierParams, dp DetectorParams) (*Pair, error) {
	if err := ds.Validate(); err != nil {
		return nil, err
	}

	var pair Pair
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		clf, err := FitClassifier(ds, cp)
		if err != nil {
			return fmt.Errorf("fit classifier: %w", err)
		}
		pair.Classifier = clf
		return nil
	})
	g.Go(func() error {
		det, err := FitIsolationForest(ds.X, dp)
		if err != nil {
			return fmt.Errorf("fit detector: %w", err)
		}
		pair.Detector = det
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &pair, nil
}
