package generation

import "math"

type hypothesis struct {
	tokens      []int64
	beamIndices []int
	score       float64
}

// beamHypotheses keeps the best finished sequences of one group of one input row.
type beamHypotheses struct {
	beams         []hypothesis
	size          int
	lengthPenalty float64
	worstScore    float64
	earlyStopping bool
}

func newBeamHypotheses(size int, lengthPenalty float64, earlyStopping bool) *beamHypotheses {
	return &beamHypotheses{
		size:          size,
		lengthPenalty: lengthPenalty,
		earlyStopping: earlyStopping,
		worstScore:    1e9,
	}
}

func (h *beamHypotheses) normalise(sumLogprobs float32, generatedLen int) float64 {
	return float64(sumLogprobs) / math.Pow(float64(generatedLen), h.lengthPenalty)
}

// add stores a finished sequence, evicting the worst one once more than size are kept.
func (h *beamHypotheses) add(tokens []int64, sumLogprobs float32, beamIndices []int, generatedLen int) {
	score := h.normalise(sumLogprobs, generatedLen)
	if len(h.beams) >= h.size && score <= h.worstScore {
		return
	}
	h.beams = append(h.beams, hypothesis{
		tokens:      append([]int64(nil), tokens...),
		beamIndices: append([]int(nil), beamIndices...),
		score:       score,
	})
	if len(h.beams) <= h.size {
		h.worstScore = min(score, h.worstScore)
		return
	}
	worst := 0
	for i := range h.beams {
		if h.beams[i].score < h.beams[worst].score {
			worst = i
		}
	}
	h.beams = append(h.beams[:worst], h.beams[worst+1:]...)
	h.worstScore = h.beams[0].score
	for _, b := range h.beams[1:] {
		h.worstScore = min(h.worstScore, b.score)
	}
}

// isDone reports whether no open beam can still enter the kept sequences. bestSumLogprobs is the
// best running score of the current step.
func (h *beamHypotheses) isDone(bestSumLogprobs float32, generatedLen int) bool {
	if len(h.beams) < h.size {
		return false
	}
	if h.earlyStopping {
		return true
	}
	return h.worstScore >= h.normalise(bestSumLogprobs, generatedLen)
}
