package threshold

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeBounds(t *testing.T) {
	for _, tc := range []struct {
		age   int
		trust float64
	}{
		{0, 0}, {0, 1}, {30, 0.3}, {365, 0.7}, {3650, 1}, {-50, -3}, {100000, 9},
	} {
		got := Compute(tc.age, tc.trust)
		assert.GreaterOrEqual(t, got, 0.25, "age=%d trust=%v", tc.age, tc.trust)
		assert.LessOrEqual(t, got, 0.75, "age=%d trust=%v", tc.age, tc.trust)
	}
}

func TestComputeKnownValues(t *testing.T) {
	// age factor at the midpoint is exactly 0.5
	assert.Equal(t, 0.5, Compute(180, 0.5))
	assert.Equal(t, 0.258, Compute(0, 0))
	assert.Equal(t, 0.75, Compute(3650, 1))
}

func TestComputeClampsTrust(t *testing.T) {
	assert.Equal(t, Compute(200, 1), Compute(200, 4))
	assert.Equal(t, Compute(200, 0), Compute(200, -1))
}

func TestComputeMonotonic(t *testing.T) {
	prev := Compute(0, 0.5)
	for age := 10; age <= 1000; age += 10 {
		cur := Compute(age, 0.5)
		assert.GreaterOrEqual(t, cur, prev)
		prev = cur
	}
	assert.Less(t, Compute(90, 0.1), Compute(90, 0.9))
}

func TestDecide(t *testing.T) {
	d := Decide(50, 0.5)
	assert.True(t, d.Flagged)
	assert.Equal(t, 0.0, d.Margin)

	d = Decide(49.99, 0.5)
	assert.False(t, d.Flagged)
	assert.Equal(t, -0.0001, d.Margin)

	d = Decide(80, 0.3)
	assert.True(t, d.Flagged)
	assert.Equal(t, 0.5, d.Margin)
	assert.Equal(t, 0.3, d.Threshold)
}
