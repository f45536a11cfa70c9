package generation

import "context"

func (d *decoder) greedy(ctx context.Context, ids [][]int64, mask [][]int64) (*Output, error) {
	unfinished := make([]bool, len(ids))
	for i := range unfinished {
		unfinished[i] = true
	}
	var scores [][][]float32

	for step := 0; step < d.cfg.MaxNewTokens; step++ {
		logits, err := d.forward(ctx, ids, mask)
		if err != nil {
			return nil, err
		}
		if d.cfg.scoresRequested() {
			scores = append(scores, logits)
		}
		running := false
		for i, row := range logits {
			next := int64(argmax(row))
			if !unfinished[i] {
				next = d.tokens.pad
			}
			ids[i] = append(ids[i], next)
			mask[i] = append(mask[i], 1)
			if d.tokens.hasEOS && next == d.tokens.eos {
				unfinished[i] = false
			}
			running = running || unfinished[i]
		}
		if !running {
			break
		}
	}
	return newOutput(d.cfg, ids, nil, scores, nil), nil
}
