package model

import (
	"math"
	"slices"
)

// F1 is the harmonic mean of precision and recall for the positive class.
// Undefined ratios count as zero.
func F1(yTrue, yPred []int) float64 {
	var tp, fp, fn float64
	for i := range yTrue {
		switch {
		case yTrue[i] == 1 && yPred[i] == 1:
			tp++
		case yTrue[i] == 0 && yPred[i] == 1:
			fp++
		case yTrue[i] == 1 && yPred[i] == 0:
			fn++
		}
	}
	denom := 2*tp + fp + fn
	if denom == 0 {
		return 0
	}
	return 2 * tp / denom
}

// Round rounds half away from zero to the given number of decimal places.
func Round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}

// StratifiedSplit partitions ds into train and test sets, keeping the class
// ratio in both. Each class contributes round(testFrac*count) test rows.
func StratifiedSplit(ds Dataset, testFrac float64, seed uint64) (train, test Dataset) {
	rng := newRand(seed)

	var byClass [2][]int
	for i, y := range ds.Y {
		byClass[y] = append(byClass[y], i)
	}

	var trainIdx, testIdx []int
	for _, idx := range byClass {
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
		nTest := int(math.Round(testFrac * float64(len(idx))))
		if nTest >= len(idx) && len(idx) > 1 {
			nTest = len(idx) - 1
		}
		testIdx = append(testIdx, idx[:nTest]...)
		trainIdx = append(trainIdx, idx[nTest:]...)
	}

	slices.Sort(trainIdx)
	slices.Sort(testIdx)
	rng.Shuffle(len(trainIdx), func(i, j int) { trainIdx[i], trainIdx[j] = trainIdx[j], trainIdx[i] })
	rng.Shuffle(len(testIdx), func(i, j int) { testIdx[i], testIdx[j] = testIdx[j], testIdx[i] })
	return ds.Subset(trainIdx), ds.Subset(testIdx)
}
