package generation

// Output is the structured result of Generate. Only Sequences is set unless ReturnDictInGenerate is on.
type Output struct {
	// Sequences holds NumReturnSequences rows per input row, prompt included, right padded.
	Sequences [][]int64
	// SequencesScores is the length normalised score of each returned beam search sequence.
	SequencesScores []float32
	// Scores holds the processed scores of each step, one [batch*num_beams][vocab] matrix per step.
	Scores [][][]float32
	// BeamIndices is the beam each generated token of a returned sequence came from, -1 past its end.
	BeamIndices [][]int
}

func newOutput(cfg Config, sequences [][]int64, sequenceScores []float32, scores [][][]float32, beamIndices [][]int) *Output {
	out := &Output{Sequences: sequences}
	if !cfg.ReturnDictInGenerate {
		return out
	}
	if cfg.OutputScores {
		out.SequencesScores = sequenceScores
		out.Scores = scores
		out.BeamIndices = beamIndices
	}
	return out
}
