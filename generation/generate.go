package generation

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// LogitsModel is a causal language model that can score the next token of a batch of sequences.
type LogitsModel interface {
	// NextTokenLogits returns one row of vocabulary logits per input sequence.
	NextTokenLogits(ctx context.Context, inputIDs [][]int64, attentionMask [][]int64) ([][]float32, error)
	VocabSize() int
}

// TokenConfig is implemented by models that declare their special tokens.
type TokenConfig interface {
	EOSTokenID() (int64, bool)
	PadTokenID() (int64, bool)
}

// Inputs is a rectangular batch of prompts. A nil AttentionMask attends every position.
type Inputs struct {
	InputIDs      [][]int64
	AttentionMask [][]int64
	Device        string
}

// NewInputs wraps a single tokenized prompt.
func NewInputs(ids []int64, device string) Inputs {
	mask := make([]int64, len(ids))
	for i := range mask {
		mask[i] = 1
	}
	return Inputs{
		InputIDs:      [][]int64{append([]int64(nil), ids...)},
		AttentionMask: [][]int64{mask},
		Device:        device,
	}
}

// Generator runs greedy or grouped beam search decoding.
type Generator struct {
	Logger *zap.Logger
}

// Generate decodes with a zero value Generator.
func Generate(ctx context.Context, model LogitsModel, inputs Inputs, cfg Config) (*Output, error) {
	return (&Generator{}).Generate(ctx, model, inputs, cfg)
}

// Generate extends every prompt of inputs by at most cfg.MaxNewTokens tokens.
func (g *Generator) Generate(ctx context.Context, model LogitsModel, inputs Inputs, cfg Config) (*Output, error) {
	if model == nil {
		return nil, errors.New("no model to generate with")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid generation config: %w", err)
	}
	prompts, mask, err := validateInputs(inputs)
	if err != nil {
		return nil, err
	}
	vocabSize := model.VocabSize()
	if vocabSize <= 0 {
		return nil, fmt.Errorf("model reports vocab size %d", vocabSize)
	}

	tokens := resolveTokens(model, cfg)
	if tokens.hasEOS && (tokens.eos < 0 || tokens.eos >= int64(vocabSize)) {
		return nil, fmt.Errorf("eos token %d is outside the vocabulary of %d tokens", tokens.eos, vocabSize)
	}
	if tokens.pad < 0 || tokens.pad >= int64(vocabSize) {
		return nil, fmt.Errorf("pad token %d is outside the vocabulary of %d tokens", tokens.pad, vocabSize)
	}
	logger := g.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("generate",
		zap.Int("batch", len(prompts)),
		zap.Int("promptLength", len(prompts[0])),
		zap.Int("maxNewTokens", cfg.MaxNewTokens),
		zap.Int("numBeams", cfg.NumBeams),
		zap.Int("numBeamGroups", cfg.NumBeamGroups),
		zap.Float64("diversityPenalty", cfg.DiversityPenalty),
		zap.Bool("hasEOS", tokens.hasEOS),
		zap.Int64("pad", tokens.pad),
	)

	d := &decoder{
		model:     model,
		cfg:       cfg,
		tokens:    tokens,
		vocabSize: vocabSize,
		logger:    logger,
	}
	if cfg.NumBeams == 1 {
		return d.greedy(ctx, prompts, mask)
	}
	return d.groupBeamSearch(ctx, prompts, mask)
}

type specialTokens struct {
	eos    int64
	pad    int64
	hasEOS bool
}

// resolveTokens prefers the config ids over the model ones. The pad token falls back to eos, then 0.
func resolveTokens(model LogitsModel, cfg Config) specialTokens {
	var t specialTokens
	tokenConfig, hasTokenConfig := model.(TokenConfig)
	switch {
	case cfg.EOSTokenID != nil:
		t.eos, t.hasEOS = *cfg.EOSTokenID, true
	case hasTokenConfig:
		t.eos, t.hasEOS = tokenConfig.EOSTokenID()
	}
	switch {
	case cfg.PadTokenID != nil:
		t.pad = *cfg.PadTokenID
	case hasTokenConfig:
		if pad, ok := tokenConfig.PadTokenID(); ok {
			t.pad = pad
		} else if t.hasEOS {
			t.pad = t.eos
		}
	case t.hasEOS:
		t.pad = t.eos
	}
	return t
}

func validateInputs(inputs Inputs) ([][]int64, [][]int64, error) {
	if len(inputs.InputIDs) == 0 {
		return nil, nil, errors.New("inputs contain no sequences")
	}
	length := len(inputs.InputIDs[0])
	if length == 0 {
		return nil, nil, errors.New("input sequences are empty")
	}
	if inputs.AttentionMask != nil && len(inputs.AttentionMask) != len(inputs.InputIDs) {
		return nil, nil, fmt.Errorf("attention mask has %d rows for %d sequences", len(inputs.AttentionMask), len(inputs.InputIDs))
	}
	ids := make([][]int64, len(inputs.InputIDs))
	mask := make([][]int64, len(inputs.InputIDs))
	for i, row := range inputs.InputIDs {
		if len(row) != length {
			return nil, nil, fmt.Errorf("sequence %d has length %d, expected %d", i, len(row), length)
		}
		ids[i] = append([]int64(nil), row...)
		if inputs.AttentionMask == nil {
			mask[i] = make([]int64, length)
			for k := range mask[i] {
				mask[i][k] = 1
			}
			continue
		}
		if len(inputs.AttentionMask[i]) != length {
			return nil, nil, fmt.Errorf("attention mask row %d has length %d, expected %d", i, len(inputs.AttentionMask[i]), length)
		}
		mask[i] = append([]int64(nil), inputs.AttentionMask[i]...)
	}
	return ids, mask, nil
}

type decoder struct {
	model     LogitsModel
	logger    *zap.Logger
	tokens    specialTokens
	cfg       Config
	vocabSize int
}

// forward runs one model pass, checking the context first.
func (d *decoder) forward(ctx context.Context, ids [][]int64, mask [][]int64) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logits, err := d.model.NextTokenLogits(ctx, ids, mask)
	if err != nil {
		return nil, err
	}
	if len(logits) != len(ids) {
		return nil, fmt.Errorf("model returned %d logit rows for %d sequences", len(logits), len(ids))
	}
	for i, row := range logits {
		if len(row) != d.vocabSize {
			return nil, fmt.Errorf("logit row %d has %d values, expected vocab size %d", i, len(row), d.vocabSize)
		}
	}
	return logits, nil
}
