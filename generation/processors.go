package generation

import (
	"math"
	"sort"
)

// logSoftmax returns log(softmax(logits)) computed with the max subtracted first.
func logSoftmax(logits []float32) []float32 {
	maxLogit := float32(math.Inf(-1))
	for _, l := range logits {
		if l > maxLogit {
			maxLogit = l
		}
	}
	out := make([]float32, len(logits))
	if math.IsInf(float64(maxLogit), -1) {
		copy(out, logits)
		return out
	}
	var sum float64
	for _, l := range logits {
		sum += math.Exp(float64(l - maxLogit))
	}
	logSum := float32(math.Log(sum))
	for i, l := range logits {
		out[i] = l - maxLogit - logSum
	}
	return out
}

// hammingDiversity subtracts penalty times the number of times each token was already picked by
// the earlier groups of the same input row during the current step.
func hammingDiversity(scores []float32, previousGroupTokens []int64, penalty float64) {
	if penalty == 0 {
		return
	}
	frequency := map[int64]int{}
	for _, token := range previousGroupTokens {
		frequency[token]++
	}
	for token, count := range frequency {
		if token >= 0 && int(token) < len(scores) {
			scores[token] -= float32(penalty * float64(count))
		}
	}
}

func argmax(values []float32) int {
	best := 0
	for i := 1; i < len(values); i++ {
		if values[i] > values[best] {
			best = i
		}
	}
	return best
}

type candidate struct {
	score float32
	// index into the flattened [group_size x vocab] scores
	index int
}

// topK returns the k highest scores of the flattened rows, best first. Ties keep the lower index first.
func topK(rows [][]float32, k int) []candidate {
	best := make([]candidate, 0, k+1)
	worse := func(a, b candidate) bool {
		if a.score != b.score {
			return a.score < b.score
		}
		return a.index > b.index
	}
	offset := 0
	for _, row := range rows {
		for i, score := range row {
			c := candidate{score: score, index: offset + i}
			if len(best) == k && !worse(best[k-1], c) {
				continue
			}
			pos := sort.Search(len(best), func(j int) bool { return worse(best[j], c) })
			best = append(best, candidate{})
			copy(best[pos+1:], best[pos:])
			best[pos] = c
			if len(best) > k {
				best = best[:k]
			}
		}
		offset += len(row)
	}
	return best
}
