package beamrepro

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/beamrepro/generation"
	"github.com/knights-analytics/beamrepro/options"
)

type fakeProvider struct {
	err         error
	requests    []Request
	acquisition Acquisition
}

func (p *fakeProvider) Acquire(_ context.Context, req Request) (Acquisition, error) {
	p.requests = append(p.requests, req)
	return p.acquisition, p.err
}

func (p *fakeProvider) Libraries() []string {
	return []string{"example.com/runtime", "example.com/tokenizer"}
}

// fakeModel always prefers token 1 a little over the others.
type fakeModel struct {
	events *[]string
	vocab  int
}

func (m *fakeModel) NextTokenLogits(_ context.Context, inputIDs [][]int64, _ [][]int64) ([][]float32, error) {
	*m.events = append(*m.events, "forward")
	out := make([][]float32, len(inputIDs))
	for i := range out {
		out[i] = make([]float32, m.vocab)
		out[i][1] = 0.5
	}
	return out, nil
}

func (m *fakeModel) VocabSize() int {
	return m.vocab
}

func (m *fakeModel) Eval() {
	*m.events = append(*m.events, "eval")
}

type fakeTokenizer struct {
	err  error
	text string
}

func (t *fakeTokenizer) Encode(text string) ([]int64, error) {
	t.text = text
	return []int64{3, 1, 4}, t.err
}

type fakeGenerator struct {
	err    error
	events *[]string
	inputs generation.Inputs
	config generation.Config
	calls  int
}

func (g *fakeGenerator) Generate(_ context.Context, _ generation.LogitsModel, inputs generation.Inputs, cfg generation.Config) (*generation.Output, error) {
	*g.events = append(*g.events, "generate")
	g.calls++
	g.inputs = inputs
	g.config = cfg
	if g.err != nil {
		return nil, g.err
	}
	return &generation.Output{}, nil
}

type fixture struct {
	out       *bytes.Buffer
	provider  *fakeProvider
	tokenizer *fakeTokenizer
	generator *fakeGenerator
	harness   *Harness
	events    []string
	released  int
}

func newFixture() *fixture {
	f := &fixture{out: &bytes.Buffer{}, tokenizer: &fakeTokenizer{}}
	f.provider = &fakeProvider{acquisition: Acquisition{
		Status:    Loaded,
		Model:     &fakeModel{vocab: 5, events: &f.events},
		Tokenizer: f.tokenizer,
		Device:    options.CPU,
		Release: func() error {
			f.released++
			return nil
		},
	}}
	f.generator = &fakeGenerator{events: &f.events}
	f.harness = &Harness{
		Out:       f.out,
		Provider:  f.provider,
		Generator: f.generator,
		Version:   func(string) string { return "v0.0.0-test" },
	}
	return f
}

func (f *fixture) lines() []string {
	return strings.Split(strings.TrimSuffix(f.out.String(), "\n"), "\n")
}

var header = []string{
	"--- bug reproduction script ---",
	"example.com/runtime version: v0.0.0-test",
	"example.com/tokenizer version: v0.0.0-test",
	"loading model 'sshleifer/tiny-gpt2' with dtype=bfloat16 on device='cpu'...",
}

func TestRunSkipsWhenEnvironmentUnavailable(t *testing.T) {
	f := newFixture()
	f.provider.acquisition = Acquisition{Status: EnvironmentUnavailable, Reason: errors.New("no network")}

	require.NoError(t, f.harness.Run(context.Background()))
	assert.Equal(t, header, f.lines())
	assert.Equal(t, 0, f.generator.calls)
	assert.Empty(t, f.events)
}

func TestRunSuccess(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.harness.Run(context.Background()))

	expected := append(append([]string(nil), header...),
		"model loaded successfully.",
		"input prompt: 'this code will crash because'",
	)
	assert.Equal(t, expected, f.lines())
	assert.Equal(t, []Request{{ModelID: "sshleifer/tiny-gpt2", DType: options.BFloat16, Device: options.CPU}}, f.provider.requests)
	assert.Equal(t, []string{"eval", "generate"}, f.events)
	assert.Equal(t, "this code will crash because", f.tokenizer.text)
	assert.Equal(t, [][]int64{{3, 1, 4}}, f.generator.inputs.InputIDs)
	assert.Equal(t, [][]int64{{1, 1, 1}}, f.generator.inputs.AttentionMask)
	assert.Equal(t, "cpu", f.generator.inputs.Device)
	assert.Equal(t, 1, f.released)
}

func TestRunGenerationConfig(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.harness.Run(context.Background()))

	assert.Equal(t, generation.Config{
		MaxNewTokens:         10,
		NumBeams:             4,
		NumBeamGroups:        2,
		DiversityPenalty:     0.1,
		OutputScores:         true,
		ReturnDictInGenerate: true,
		LengthPenalty:        1,
		NumReturnSequences:   1,
	}, f.generator.config)
	assert.NoError(t, f.generator.config.Validate())
}

func TestRunPropagatesGenerationError(t *testing.T) {
	f := newFixture()
	failure := errors.New("index out of range in beam indices")
	f.generator.err = failure

	err := f.harness.Run(context.Background())
	require.Error(t, err)
	assert.Same(t, failure, err)
	lines := f.lines()
	require.Len(t, lines, 6)
	assert.Equal(t, "model loaded successfully.", lines[4])
	assert.Equal(t, "input prompt: 'this code will crash because'", lines[5])
	assert.Equal(t, 1, f.released)
}

func TestRunPropagatesUnexpectedErrors(t *testing.T) {
	f := newFixture()
	failure := errors.New("malformed tokenizer.json")
	f.provider.err = failure
	err := f.harness.Run(context.Background())
	assert.ErrorIs(t, err, failure)
	assert.Equal(t, header, f.lines())

	f = newFixture()
	f.tokenizer.err = errors.New("cannot encode")
	err = f.harness.Run(context.Background())
	assert.ErrorContains(t, err, "cannot encode")
	assert.Equal(t, 0, f.generator.calls)

	assert.Error(t, (&Harness{}).Run(context.Background()))
}

func TestRunWithBeamSearch(t *testing.T) {
	f := newFixture()
	f.harness.Generator = nil

	require.NoError(t, f.harness.Run(context.Background()))
	assert.Equal(t, "eval", f.events[0])
	// one forward pass per new token
	assert.Len(t, f.events, 11)
}
