// Package beamrepro reproduces a failure of grouped beam search with per step scores: it loads a tiny
// causal language model in bfloat16 on cpu and runs diverse beam search over a fixed prompt.
package beamrepro

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/knights-analytics/beamrepro/generation"
	"github.com/knights-analytics/beamrepro/options"
)

const (
	ModelID = "sshleifer/tiny-gpt2"
	DType   = options.BFloat16
	Device  = options.CPU
	Prompt  = "this code will crash because"
)

// GenerationConfig is the decoding setup that reaches grouped beam search with score output.
func GenerationConfig() generation.Config {
	return generation.NewConfig(
		generation.WithMaxNewTokens(10),
		generation.WithNumBeams(4),
		generation.WithNumBeamGroups(2),
		generation.WithOutputScores(true),
		generation.WithDiversityPenalty(0.1),
		generation.WithReturnDictInGenerate(true),
	)
}

// Generator runs text generation.
type Generator interface {
	Generate(ctx context.Context, model generation.LogitsModel, inputs generation.Inputs, cfg generation.Config) (*generation.Output, error)
}

// Harness prints a diagnostic header, acquires the model and runs the generate call once.
type Harness struct {
	Out       io.Writer
	Provider  Provider
	Generator Generator
	Logger    *zap.Logger
	// Version looks up a library version for the header. Defaults to ModuleVersion.
	Version func(modulePath string) string
}

// Run returns nil when the environment cannot provide the model. Otherwise it returns the error of the
// generate call as is.
func (h *Harness) Run(ctx context.Context) error {
	if h.Provider == nil {
		return errors.New("harness has no provider")
	}
	out := h.Out
	if out == nil {
		out = os.Stdout
	}
	logger := h.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	version := h.Version
	if version == nil {
		version = ModuleVersion
	}
	generator := h.Generator
	if generator == nil {
		generator = &generation.Generator{Logger: logger}
	}

	if _, err := fmt.Fprintln(out, "--- bug reproduction script ---"); err != nil {
		return err
	}
	for _, library := range h.Provider.Libraries() {
		if _, err := fmt.Fprintf(out, "%s version: %s\n", library, version(library)); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(out, "loading model '%s' with dtype=%s on device='%s'...\n", ModelID, DType, Device); err != nil {
		return err
	}

	acquisition, err := h.Provider.Acquire(ctx, Request{ModelID: ModelID, DType: DType, Device: Device})
	if err != nil {
		return err
	}
	if acquisition.Status == EnvironmentUnavailable {
		logger.Debug("skipping, model unavailable", zap.Error(acquisition.Reason))
		return nil
	}
	if acquisition.Release != nil {
		defer func() {
			if releaseErr := acquisition.Release(); releaseErr != nil {
				logger.Warn("releasing model", zap.Error(releaseErr))
			}
		}()
	}

	acquisition.Model.Eval()
	if _, err = fmt.Fprintln(out, "model loaded successfully."); err != nil {
		return err
	}

	ids, err := acquisition.Tokenizer.Encode(Prompt)
	if err != nil {
		return err
	}
	device := acquisition.Device
	if device == "" {
		device = Device
	}
	inputs := generation.NewInputs(ids, string(device))
	if _, err = fmt.Fprintf(out, "input prompt: '%s'\n", Prompt); err != nil {
		return err
	}
	logger.Debug("generating", zap.Int64s("inputIDs", ids))

	_, err = generator.Generate(ctx, acquisition.Model, inputs, GenerationConfig())
	return err
}
