package generation

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"go.uber.org/zap"
)

// initialBeamScore keeps all but the first beam of each group out of the first step's top k, so the
// identical starting beams do not produce duplicate candidates.
const initialBeamScore = -1e9

// groupBeamSearch is diverse beam search: the beams are split in groups that are decoded one after
// the other at every step, each group penalised for the tokens the previous groups just picked.
// With a single group it is plain beam search.
func (d *decoder) groupBeamSearch(ctx context.Context, prompts [][]int64, promptMask [][]int64) (*Output, error) {
	batchSize := len(prompts)
	numBeams := d.cfg.NumBeams
	numGroups := d.cfg.NumBeamGroups
	groupSize := numBeams / numGroups
	promptLength := len(prompts[0])
	candidatesToKeep := 2 * groupSize

	ids := make([][]int64, batchSize*numBeams)
	mask := make([][]int64, batchSize*numBeams)
	history := make([][]int, batchSize*numBeams)
	beamScores := make([]float32, batchSize*numBeams)
	for b := range batchSize {
		for k := range numBeams {
			beam := b*numBeams + k
			ids[beam] = append([]int64(nil), prompts[b]...)
			mask[beam] = append([]int64(nil), promptMask[b]...)
			if k%groupSize != 0 {
				beamScores[beam] = initialBeamScore
			}
		}
	}

	hyps := make([]*beamHypotheses, batchSize*numGroups)
	for i := range hyps {
		hyps[i] = newBeamHypotheses(groupSize, d.cfg.LengthPenalty, d.cfg.EarlyStopping)
	}
	done := make([]bool, batchSize*numGroups)
	var scores [][][]float32

	steps := 0
	for step := 0; step < d.cfg.MaxNewTokens; step++ {
		logits, err := d.forward(ctx, ids, mask)
		if err != nil {
			return nil, err
		}
		generatedLen := step + 1

		var processed [][]float32
		if d.cfg.scoresRequested() {
			processed = make([][]float32, len(ids))
		}
		currentTokens := make([]int64, len(ids))
		nextScores := make([]float32, len(ids))
		source := make([]int, len(ids))

		for g := range numGroups {
			for b := range batchSize {
				groupStart := b*numBeams + g*groupSize
				hypIdx := b*numGroups + g

				rows := make([][]float32, groupSize)
				for i := range groupSize {
					beam := groupStart + i
					row := logSoftmax(logits[beam])
					if g > 0 {
						hammingDiversity(row, currentTokens[b*numBeams:groupStart], d.cfg.DiversityPenalty)
					}
					if processed != nil {
						processed[beam] = append([]float32(nil), row...)
					}
					for v := range row {
						row[v] += beamScores[beam]
					}
					rows[i] = row
				}

				if done[hypIdx] {
					for i := range groupSize {
						nextScores[groupStart+i] = 0
						currentTokens[groupStart+i] = d.tokens.pad
						source[groupStart+i] = groupStart
					}
					continue
				}

				candidates := topK(rows, candidatesToKeep)
				filled := 0
				for rank, c := range candidates {
					origin := groupStart + c.index/d.vocabSize
					token := int64(c.index % d.vocabSize)
					if d.tokens.hasEOS && token == d.tokens.eos {
						if rank >= groupSize {
							continue
						}
						hyps[hypIdx].add(ids[origin], c.score, append(slices.Clone(history[origin]), origin), generatedLen)
					} else {
						beam := groupStart + filled
						nextScores[beam] = c.score
						currentTokens[beam] = token
						source[beam] = origin
						filled++
					}
					if filled == groupSize {
						break
					}
				}
				if filled < groupSize {
					return nil, fmt.Errorf("beam group %d of row %d only has %d of %d open beams", g, b, filled, groupSize)
				}
				done[hypIdx] = hyps[hypIdx].isDone(candidates[0].score, generatedLen)
			}
		}

		if processed != nil {
			scores = append(scores, processed)
		}
		nextIDs := make([][]int64, len(ids))
		nextMask := make([][]int64, len(ids))
		nextHistory := make([][]int, len(ids))
		for beam, src := range source {
			nextIDs[beam] = append(append(make([]int64, 0, len(ids[src])+1), ids[src]...), currentTokens[beam])
			nextMask[beam] = append(append(make([]int64, 0, len(mask[src])+1), mask[src]...), 1)
			nextHistory[beam] = append(append(make([]int, 0, len(history[src])+1), history[src]...), src)
		}
		ids, mask, history, beamScores = nextIDs, nextMask, nextHistory, nextScores
		steps++

		if allDone(done) {
			break
		}
	}

	d.logger.Debug("beam search finished", zap.Int("steps", steps), zap.Bool("allGroupsDone", allDone(done)))
	return d.finalizeBeams(ids, beamScores, history, hyps, done, promptLength, scores)
}

func (d *decoder) finalizeBeams(ids [][]int64, beamScores []float32, history [][]int, hyps []*beamHypotheses,
	done []bool, promptLength int, scores [][][]float32,
) (*Output, error) {
	numBeams := d.cfg.NumBeams
	numGroups := d.cfg.NumBeamGroups
	groupSize := numBeams / numGroups
	batchSize := len(ids) / numBeams

	for hypIdx, h := range hyps {
		if done[hypIdx] {
			continue
		}
		b, g := hypIdx/numGroups, hypIdx%numGroups
		for i := range groupSize {
			beam := b*numBeams + g*groupSize + i
			h.add(ids[beam], beamScores[beam], history[beam], len(ids[beam])-promptLength)
		}
	}

	returned := d.cfg.NumReturnSequences
	best := make([]hypothesis, 0, batchSize*returned)
	for b := range batchSize {
		var candidates []hypothesis
		for g := range numGroups {
			candidates = append(candidates, hyps[b*numGroups+g].beams...)
		}
		if len(candidates) < returned {
			return nil, fmt.Errorf("row %d has %d finished sequences, %d requested", b, len(candidates), returned)
		}
		sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score < candidates[j].score })
		for j := range returned {
			best = append(best, candidates[len(candidates)-1-j])
		}
	}

	longest := 0
	for _, h := range best {
		longest = max(longest, len(h.tokens))
	}
	width := min(longest+1, promptLength+d.cfg.MaxNewTokens)

	sequences := make([][]int64, len(best))
	sequenceScores := make([]float32, len(best))
	beamIndices := make([][]int, len(best))
	for i, h := range best {
		row := make([]int64, width)
		for k := range row {
			row[k] = d.tokens.pad
		}
		copy(row, h.tokens)
		if len(h.tokens) < width && d.tokens.hasEOS {
			row[len(h.tokens)] = d.tokens.eos
		}
		sequences[i] = row
		sequenceScores[i] = float32(h.score)

		indices := make([]int, width-promptLength)
		for k := range indices {
			indices[k] = -1
		}
		copy(indices, h.beamIndices)
		beamIndices[i] = indices
	}
	return newOutput(d.cfg, sequences, sequenceScores, scores, beamIndices), nil
}

func allDone(done []bool) bool {
	for _, d := range done {
		if !d {
			return false
		}
	}
	return true
}
