package generation

import (
	"errors"
	"fmt"
)

// Config holds the decoding knobs of a generate call. Zero values of the pointer fields mean the
// token ids are resolved from the model.
type Config struct {
	EOSTokenID           *int64
	PadTokenID           *int64
	MaxNewTokens         int
	NumBeams             int
	NumBeamGroups        int
	NumReturnSequences   int
	DiversityPenalty     float64
	LengthPenalty        float64
	EarlyStopping        bool
	OutputScores         bool
	ReturnDictInGenerate bool
}

// Option is the interface for all config option functions.
type Option func(c *Config)

// NewConfig returns a greedy single sequence config with the given options applied.
func NewConfig(opts ...Option) Config {
	c := Config{
		NumBeams:           1,
		NumBeamGroups:      1,
		NumReturnSequences: 1,
		LengthPenalty:      1,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func WithMaxNewTokens(n int) Option {
	return func(c *Config) {
		c.MaxNewTokens = n
	}
}

func WithNumBeams(n int) Option {
	return func(c *Config) {
		c.NumBeams = n
	}
}

// WithNumBeamGroups splits the beams into groups that are kept apart by the diversity penalty.
func WithNumBeamGroups(n int) Option {
	return func(c *Config) {
		c.NumBeamGroups = n
	}
}

func WithDiversityPenalty(penalty float64) Option {
	return func(c *Config) {
		c.DiversityPenalty = penalty
	}
}

// WithLengthPenalty sets the exponent applied to the generated length when scoring finished beams.
// Values above 1 favour longer sequences.
func WithLengthPenalty(penalty float64) Option {
	return func(c *Config) {
		c.LengthPenalty = penalty
	}
}

func WithEarlyStopping(enabled bool) Option {
	return func(c *Config) {
		c.EarlyStopping = enabled
	}
}

func WithNumReturnSequences(n int) Option {
	return func(c *Config) {
		c.NumReturnSequences = n
	}
}

// WithOutputScores records the processed scores of every step. They are only returned together
// with WithReturnDictInGenerate.
func WithOutputScores(enabled bool) Option {
	return func(c *Config) {
		c.OutputScores = enabled
	}
}

func WithReturnDictInGenerate(enabled bool) Option {
	return func(c *Config) {
		c.ReturnDictInGenerate = enabled
	}
}

func WithEOSTokenID(id int64) Option {
	return func(c *Config) {
		c.EOSTokenID = &id
	}
}

func WithPadTokenID(id int64) Option {
	return func(c *Config) {
		c.PadTokenID = &id
	}
}

// Validate reports every inconsistent setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.MaxNewTokens < 1 {
		errs = append(errs, fmt.Errorf("max_new_tokens must be at least 1, got %d", c.MaxNewTokens))
	}
	if c.NumBeams < 1 {
		errs = append(errs, fmt.Errorf("num_beams must be at least 1, got %d", c.NumBeams))
	}
	if c.NumBeamGroups < 1 {
		errs = append(errs, fmt.Errorf("num_beam_groups must be at least 1, got %d", c.NumBeamGroups))
	}
	if c.NumBeams >= 1 && c.NumBeamGroups >= 1 {
		if c.NumBeamGroups > c.NumBeams {
			errs = append(errs, fmt.Errorf("num_beam_groups (%d) cannot be larger than num_beams (%d)", c.NumBeamGroups, c.NumBeams))
		} else if c.NumBeams%c.NumBeamGroups != 0 {
			errs = append(errs, fmt.Errorf("num_beams (%d) must be divisible by num_beam_groups (%d)", c.NumBeams, c.NumBeamGroups))
		}
	}
	if c.DiversityPenalty < 0 {
		errs = append(errs, fmt.Errorf("diversity_penalty cannot be negative, got %g", c.DiversityPenalty))
	}
	if c.DiversityPenalty > 0 && c.NumBeamGroups == 1 {
		errs = append(errs, errors.New("diversity_penalty is only used with num_beam_groups > 1"))
	}
	if c.DiversityPenalty == 0 && c.NumBeamGroups > 1 {
		errs = append(errs, errors.New("diversity_penalty must be greater than 0 with num_beam_groups > 1, otherwise the groups are identical"))
	}
	if c.NumReturnSequences < 1 {
		errs = append(errs, fmt.Errorf("num_return_sequences must be at least 1, got %d", c.NumReturnSequences))
	}
	if c.NumReturnSequences > c.NumBeams && c.NumBeams >= 1 {
		errs = append(errs, fmt.Errorf("num_return_sequences (%d) cannot be larger than num_beams (%d)", c.NumReturnSequences, c.NumBeams))
	}
	if c.NumBeams == 1 && c.NumReturnSequences > 1 {
		errs = append(errs, errors.New("greedy search returns a single sequence per input, set num_beams > 1"))
	}
	return errors.Join(errs...)
}

// scoresRequested is true when the per step scores end up in the output.
func (c Config) scoresRequested() bool {
	return c.OutputScores && c.ReturnDictInGenerate
}
