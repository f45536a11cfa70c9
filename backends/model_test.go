package backends

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/beamrepro/options"
)

// fakeSession returns logits whose value encodes batch row, position and vocab index.
type fakeSession struct {
	inputIDs, attentionMask, positionIDs []int64
	err                                  error
	offset                               float32
	vocab                                int
	destroyed                            bool
}

func (s *fakeSession) run(inputIDs, attentionMask, positionIDs []int64, batchSize, sequenceLength int) ([]float32, error) {
	s.inputIDs, s.attentionMask, s.positionIDs = inputIDs, attentionMask, positionIDs
	if s.err != nil {
		return nil, s.err
	}
	logits := make([]float32, 0, batchSize*sequenceLength*s.vocab)
	for b := range batchSize {
		for p := range sequenceLength {
			for v := range s.vocab {
				logits = append(logits, float32(b*100+p*10+v)+s.offset)
			}
		}
	}
	return logits, nil
}

func (s *fakeSession) destroy() error {
	s.destroyed = true
	return nil
}

func fakeModel(session *fakeSession, dtype options.DType) *Model {
	eos := int64(9)
	return &Model{
		session: session,
		DType:   dtype,
		Config:  ModelConfig{VocabSize: session.vocab, EOSTokenIDs: []int64{eos}},
	}
}

func TestNextTokenLogitsRequiresEval(t *testing.T) {
	model := fakeModel(&fakeSession{vocab: 3}, options.Float32)
	_, err := model.NextTokenLogits(context.Background(), [][]int64{{1}}, nil)
	assert.ErrorIs(t, err, ErrNotInferenceMode)

	model.Eval()
	_, err = model.NextTokenLogits(context.Background(), [][]int64{{1}}, nil)
	assert.NoError(t, err)
}

func TestNextTokenLogitsLastPosition(t *testing.T) {
	session := &fakeSession{vocab: 3}
	model := fakeModel(session, options.Float32)
	model.Eval()

	logits, err := model.NextTokenLogits(context.Background(), [][]int64{{4, 5, 6}, {7, 8}}, [][]int64{{1, 1, 1}, {1, 1}})
	require.NoError(t, err)
	require.Len(t, logits, 2)
	assert.Equal(t, []float32{20, 21, 22}, logits[0])
	assert.Equal(t, []float32{120, 121, 122}, logits[1])

	// the short row is left padded with eos and its positions start after the padding
	assert.Equal(t, []int64{4, 5, 6, 9, 7, 8}, session.inputIDs)
	assert.Equal(t, []int64{1, 1, 1, 0, 1, 1}, session.attentionMask)
	assert.Equal(t, []int64{0, 1, 2, 0, 0, 1}, session.positionIDs)
}

func TestNextTokenLogitsRoundsToDType(t *testing.T) {
	model := fakeModel(&fakeSession{vocab: 2, offset: 1.01171875}, options.BFloat16)
	model.Eval()
	logits, err := model.NextTokenLogits(context.Background(), [][]int64{{1}}, nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{1.015625, 2.015625}, logits[0])
}

func TestNextTokenLogitsErrors(t *testing.T) {
	failure := errors.New("session failed")
	model := fakeModel(&fakeSession{vocab: 2, err: failure}, options.Float32)
	model.Eval()
	_, err := model.NextTokenLogits(context.Background(), [][]int64{{1}}, nil)
	assert.ErrorIs(t, err, failure)

	model = fakeModel(&fakeSession{vocab: 2}, options.Float32)
	model.Config.VocabSize = 3
	model.Eval()
	_, err = model.NextTokenLogits(context.Background(), [][]int64{{1}}, nil)
	assert.ErrorContains(t, err, "expected")

	_, err = model.NextTokenLogits(context.Background(), [][]int64{{1}}, [][]int64{{1, 1}})
	assert.Error(t, err)
	_, err = model.NextTokenLogits(context.Background(), nil, nil)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = model.NextTokenLogits(ctx, [][]int64{{1}}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNextTokenLogitsPositionLimit(t *testing.T) {
	session := &fakeSession{vocab: 2}
	model := fakeModel(session, options.Float32)
	model.Config.MaxPositionEmbeddings = 2
	model.Eval()
	_, err := model.NextTokenLogits(context.Background(), [][]int64{{1, 1}}, nil)
	require.NoError(t, err)
	session.inputIDs = nil
	_, err = model.NextTokenLogits(context.Background(), [][]int64{{1, 1, 1}}, nil)
	assert.ErrorIs(t, err, ErrSequenceTooLong)
	assert.Nil(t, session.inputIDs)
}

func TestFlattenLeftPaddedMask(t *testing.T) {
	ids, mask, positions, length, err := flattenLeftPadded([][]int64{{0, 5, 6}}, [][]int64{{0, 1, 1}}, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, length)
	assert.Equal(t, []int64{0, 5, 6}, ids)
	assert.Equal(t, []int64{0, 1, 1}, mask)
	assert.Equal(t, []int64{0, 0, 1}, positions)

	_, _, _, _, err = flattenLeftPadded([][]int64{{}}, nil, 0)
	assert.Error(t, err)
}

func TestGetOnnxModelPath(t *testing.T) {
	err := GetOnnxModelPath(&Model{Path: "/nonexistent/model"})
	assert.ErrorIs(t, err, ErrMissingModelFiles)

	dir := t.TempDir()
	assert.ErrorIs(t, GetOnnxModelPath(&Model{Path: dir}), ErrMissingModelFiles)

	writeFile(t, dir, "model.onnx", "")
	model := &Model{Path: dir}
	require.NoError(t, GetOnnxModelPath(model))
	assert.Equal(t, dir+"/model.onnx", model.OnnxPath)

	writeFile(t, dir, "decoder.onnx", "")
	assert.Error(t, GetOnnxModelPath(&Model{Path: dir}))
	model = &Model{Path: dir, OnnxFilename: "decoder.onnx"}
	require.NoError(t, GetOnnxModelPath(model))
	assert.Equal(t, dir+"/decoder.onnx", model.OnnxPath)
	assert.ErrorIs(t, GetOnnxModelPath(&Model{Path: dir, OnnxFilename: "other.onnx"}), ErrMissingModelFiles)
}

func TestLoadModelMissingFiles(t *testing.T) {
	opts := options.Defaults()
	opts.Backend = "GO"

	_, err := LoadModel(t.TempDir(), "", opts)
	assert.ErrorIs(t, err, ErrMissingModelFiles)

	dir := t.TempDir()
	writeFile(t, dir, "model.onnx", "")
	_, err = LoadModel(dir, "", opts)
	assert.ErrorIs(t, err, ErrMissingModelFiles)
}

func TestCreateGoModelBackendDevice(t *testing.T) {
	opts := options.Defaults()
	opts.Backend = "GO"
	opts.Device = options.CUDA
	err := CreateModelBackend(&Model{}, opts)
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
}

func TestInitialiseRuntime(t *testing.T) {
	opts := options.Defaults()
	opts.Backend = "GO"
	assert.NoError(t, InitialiseRuntime(opts))
	opts.Backend = "TPU"
	assert.Error(t, InitialiseRuntime(opts))
}
