package trust

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWilsonLowerBoundEdges(t *testing.T) {
	assert.Equal(t, 0.0, WilsonLowerBound(0, 0))
	assert.Equal(t, 0.0, WilsonLowerBound(0, 10))
	assert.InDelta(t, 0.82, WilsonLowerBound(50, 55), 0.05)
}

func TestWilsonLowerBoundGrowsWithSample(t *testing.T) {
	assert.Greater(t, WilsonLowerBound(50, 55), WilsonLowerBound(1, 1))

	prev := -1.0
	for k := 1; k <= 50; k++ {
		score := WilsonLowerBound(10*k, 11*k)
		assert.GreaterOrEqual(t, score, prev, "k=%d", k)
		prev = score
	}
}

func TestWilsonLowerBoundRange(t *testing.T) {
	for total := 0; total <= 60; total++ {
		for up := 0; up <= total; up++ {
			score := WilsonLowerBound(up, total)
			if math.IsNaN(score) || score < 0 || score > 1 {
				t.Fatalf("wilson(%d, %d) = %v, want within [0,1]", up, total, score)
			}
		}
	}
}
