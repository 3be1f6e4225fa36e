package model

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
)

// DefaultSeed keeps synthetic data and splits reproducible.
const DefaultSeed uint64 = 42

// ErrEmptyDataset is returned when fitting on zero rows.
var ErrEmptyDataset = errors.New("model: dataset is empty")

// Dataset is a labelled feature matrix. Y holds 0 (legit) or 1 (fraud).
type Dataset struct {
	X [][]float64
	Y []int
}

// Len returns the number of rows.
func (d Dataset) Len() int {
	return len(d.Y)
}

// ClassCounts returns the number of negative and positive rows.
func (d Dataset) ClassCounts() (neg, pos int) {
	for _, y := range d.Y {
		if y == 1 {
			pos++
		} else {
			neg++
		}
	}
	return neg, pos
}

// Validate checks shape and label domain.
func (d Dataset) Validate() error {
	if len(d.Y) == 0 {
		return ErrEmptyDataset
	}
	if len(d.X) != len(d.Y) {
		return fmt.Errorf("model: %d rows but %d labels", len(d.X), len(d.Y))
	}
	for i, row := range d.X {
		if len(row) != NumFeatures {
			return fmt.Errorf("model: row %d has %d features, want %d", i, len(row), NumFeatures)
		}
		if d.Y[i] != 0 && d.Y[i] != 1 {
			return fmt.Errorf("model: row %d has label %d", i, d.Y[i])
		}
	}
	return nil
}

// Subset returns the rows at idx, sharing row storage.
func (d Dataset) Subset(idx []int) Dataset {
	out := Dataset{X: make([][]float64, len(idx)), Y: make([]int, len(idx))}
	for i, j := range idx {
		out.X[i] = d.X[j]
		out.Y[i] = d.Y[j]
	}
	return out
}

// Append adds one labelled row.
func (d *Dataset) Append(v Vector, fraud bool) {
	d.X = append(d.X, v.Values())
	y := 0
	if fraud {
		y = 1
	}
	d.Y = append(d.Y, y)
}

// Synthetic generates n labelled rows, 80% legitimate and 20% fraudulent,
// shuffled with the given seed.
func Synthetic(n int, seed uint64) Dataset {
	rng := newRand(seed)
	nLegit := int(float64(n) * 0.80)
	nFraud := n - nLegit

	ds := Dataset{X: make([][]float64, 0, n), Y: make([]int, 0, n)}
	for i := 0; i < nLegit; i++ {
		ds.X = append(ds.X, legitRow(rng))
		ds.Y = append(ds.Y, 0)
	}
	for i := 0; i < nFraud; i++ {
		ds.X = append(ds.X, fraudRow(rng))
		ds.Y = append(ds.Y, 1)
	}

	perm := rng.Perm(n)
	return ds.Subset(perm)
}

var (
	fraudHours = []float64{0, 1, 2, 3, 4, 5, 22, 23}
	devices    = []float64{0, 1, 2}
)

func legitRow(r *rand.Rand) []float64 {
	hour := float64(8 + r.IntN(14))
	return []float64{
		clip(lognormal(r, 4.0, 1.0), 5, 3000),
		weightedChoice(r, devices, []float64{0.5, 0.35, 0.15}),
		hour,
		clip(float64(poisson(r, 1)), 0, 5),
		clip(lognormal(r, 6, 0.8), 10, 10_000),
		uniform(r, 0.5, 2.0),
		uniform(r, 0.0, 0.3),
		weightedChoice(r, []float64{0, 1}, []float64{0.95, 0.05}),
	}
}

func fraudRow(r *rand.Rand) []float64 {
	hour := fraudHours[r.IntN(len(fraudHours))]
	return []float64{
		clip(lognormal(r, 7.0, 1.3), 2000, 100_000),
		weightedChoice(r, devices, []float64{0.6, 0.2, 0.2}),
		hour,
		clip(float64(poisson(r, 6)), 0, 20),
		clip(lognormal(r, 9, 1.0), 5000, 500_000),
		clip(lognormal(r, 1.5, 0.8), 1, 50),
		uniform(r, 0.5, 1.0),
		weightedChoice(r, []float64{0, 1}, []float64{0.4, 0.6}),
	}
}

func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

func lognormal(r *rand.Rand, mu, sigma float64) float64 {
	return math.Exp(mu + sigma*r.NormFloat64())
}

// poisson uses Knuth's multiplication method; lambda is small here.
func poisson(r *rand.Rand, lambda float64) int {
	limit := math.Exp(-lambda)
	k := 0
	p := 1.0
	for {
		p *= r.Float64()
		if p <= limit {
			return k
		}
		k++
	}
}

func uniform(r *rand.Rand, lo, hi float64) float64 {
	return lo + r.Float64()*(hi-lo)
}

func weightedChoice(r *rand.Rand, values, weights []float64) float64 {
	u := r.Float64()
	acc := 0.0
	for i, w := range weights {
		acc += w
		if u < acc {
			return values[i]
		}
	}
	return values[len(values)-1]
}

func clip(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
