package generation

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogSoftmax(t *testing.T) {
	out := logSoftmax([]float32{1, 2, 3, 1000})
	var sum float64
	for _, v := range out {
		assert.LessOrEqual(t, v, float32(0))
		sum += math.Exp(float64(v))
	}
	assert.InDelta(t, 1, sum, 1e-6)
	assert.InDelta(t, 0, out[3], 1e-6)

	uniform := logSoftmax([]float32{0, 0})
	assert.InDelta(t, -math.Ln2, uniform[0], 1e-6)
}

func TestHammingDiversity(t *testing.T) {
	scores := []float32{0, 0, 0, 0}
	hammingDiversity(scores, []int64{1, 1, 3}, 0.5)
	assert.Equal(t, []float32{0, -1, 0, -0.5}, scores)

	untouched := []float32{1, 2}
	hammingDiversity(untouched, []int64{0}, 0)
	assert.Equal(t, []float32{1, 2}, untouched)
}

func TestTopK(t *testing.T) {
	rows := [][]float32{{0.1, 0.9, 0.5}, {0.9, 0.2, 0.7}}
	got := topK(rows, 4)
	require.Len(t, got, 4)
	// equal scores keep the lower flattened index first
	assert.Equal(t, []candidate{{0.9, 1}, {0.9, 3}, {0.7, 5}, {0.5, 2}}, got)

	assert.Len(t, topK([][]float32{{1}}, 3), 1)
	assert.Equal(t, 1, argmax([]float32{0.5, 0.9, 0.9}))
}

func TestBeamHypotheses(t *testing.T) {
	h := newBeamHypotheses(2, 1, false)
	h.add([]int64{1}, -1, nil, 1)
	h.add([]int64{1, 2}, -4, nil, 2)
	assert.Len(t, h.beams, 2)
	assert.InDelta(t, -2, h.worstScore, 1e-9)

	// worse than everything kept
	h.add([]int64{3}, -3, nil, 1)
	assert.Len(t, h.beams, 2)

	h.add([]int64{4}, -1.5, []int{0}, 1)
	require.Len(t, h.beams, 2)
	assert.InDelta(t, -1.5, h.worstScore, 1e-9)
	assert.Equal(t, []int64{1}, h.beams[0].tokens)
	assert.Equal(t, []int64{4}, h.beams[1].tokens)

	assert.False(t, h.isDone(-1, 1))
	assert.True(t, h.isDone(-3, 1))
	assert.False(t, newBeamHypotheses(2, 1, true).isDone(0, 1))

	h.earlyStopping = true
	assert.True(t, h.isDone(0, 1))
}
