package backends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/knights-analytics/beamrepro/options"
	"github.com/knights-analytics/beamrepro/util/fileutil"
)

// session is a loaded causal language model graph. run returns the logits flattened as
// [batch, sequence, vocab].
type session interface {
	run(inputIDs, attentionMask, positionIDs []int64, batchSize, sequenceLength int) ([]float32, error)
	destroy() error
}

type InputOutputInfo struct {
	// The name of the input or output
	Name string
	// The input or output's dimensions, -1 for dynamic axes
	Dimensions []int64
}

type Model struct {
	Tokenizer    *Tokenizer
	Destroy      func() error
	session      session
	Backend      string
	Path         string
	OnnxFilename string
	OnnxPath     string
	DType        options.DType
	Device       options.Device
	OnnxBytes    []byte
	InputsMeta   []InputOutputInfo
	OutputsMeta  []InputOutputInfo
	Config       ModelConfig
	inference    bool
}

// LoadModel loads the onnx causal language model and the tokenizer at path. If the folder holds more
// than one .onnx file, onnxFilename selects the one to use.
func LoadModel(path string, onnxFilename string, options *options.Options) (*Model, error) {
	model := &Model{
		Backend:      options.Backend,
		Path:         path,
		OnnxFilename: onnxFilename,
		DType:        options.DType,
		Device:       options.Device,
	}

	if err := GetOnnxModelPath(model); err != nil {
		return nil, err
	}
	if err := loadModelConfig(model); err != nil {
		return nil, err
	}
	onnxBytes, err := fileutil.ReadFileBytes(model.OnnxPath)
	if err != nil {
		return nil, err
	}
	model.OnnxBytes = onnxBytes

	if err = CreateModelBackend(model, options); err != nil {
		return nil, err
	}
	if err = LoadTokenizer(model, options); err != nil {
		return nil, errors.Join(err, model.session.destroy())
	}

	model.Destroy = func() error {
		var destroyErr error
		if model.Tokenizer != nil {
			destroyErr = model.Tokenizer.Destroy()
		}
		if model.session != nil {
			destroyErr = errors.Join(destroyErr, model.session.destroy())
			model.session = nil
		}
		return destroyErr
	}
	return model, nil
}

// InitialiseRuntime prepares the process wide state a backend needs before models can be loaded.
// Errors wrap ErrRuntimeUnavailable when the runtime itself is missing.
func InitialiseRuntime(s *options.Options) error {
	switch s.Backend {
	case "ORT":
		return initialiseORT(s)
	case "GO":
		return nil
	default:
		return fmt.Errorf("backend %s not recognized", s.Backend)
	}
}

func CreateModelBackend(model *Model, s *options.Options) error {
	switch s.Backend {
	case "ORT":
		return createORTModelBackend(model, s)
	case "GO":
		return createGoModelBackend(model, s)
	default:
		return fmt.Errorf("backend %s not recognized", s.Backend)
	}
}

func GetOnnxModelPath(model *Model) error {
	exists, err := fileutil.FileExists(model.Path)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s does not exist", ErrMissingModelFiles, model.Path)
	}
	onnxFiles, err := getOnnxFiles(model.Path)
	if err != nil {
		return err
	}
	if len(onnxFiles) == 0 {
		return fmt.Errorf("%w: no .onnx file detected at %s. There should be exactly one .onnx file", ErrMissingModelFiles, model.Path)
	}
	if len(onnxFiles) > 1 {
		if model.OnnxFilename == "" {
			return fmt.Errorf("multiple .onnx file detected at %s and no OnnxFilename specified", model.Path)
		}
		for i := range onnxFiles {
			if onnxFiles[i][1] == model.OnnxFilename {
				model.OnnxPath = fileutil.PathJoinSafe(model.Path, onnxFiles[i][0], onnxFiles[i][1])
				return nil
			}
		}
		return fmt.Errorf("%w: file %s not found at %s", ErrMissingModelFiles, model.OnnxFilename, model.Path)
	}
	model.OnnxPath = fileutil.PathJoinSafe(model.Path, onnxFiles[0][0], onnxFiles[0][1])
	return nil
}

func getOnnxFiles(path string) ([][]string, error) {
	var onnxFiles [][]string
	walker := func(_ context.Context, _ string, parent string, info os.FileInfo, _ io.Reader) (toContinue bool, err error) {
		if strings.HasSuffix(info.Name(), ".onnx") {
			onnxFiles = append(onnxFiles, []string{parent, info.Name()})
		}
		return true, nil
	}
	err := fileutil.WalkDir()(context.Background(), path, walker)
	return onnxFiles, err
}

// Eval puts the model into inference mode. Forward passes are refused before it is called.
func (m *Model) Eval() {
	m.inference = true
}

// VocabSize is the width of the logits the model produces.
func (m *Model) VocabSize() int {
	return m.Config.VocabSize
}

// EOSTokenID returns the first end of sequence token declared by the model configs.
func (m *Model) EOSTokenID() (int64, bool) {
	if len(m.Config.EOSTokenIDs) == 0 {
		return 0, false
	}
	return m.Config.EOSTokenIDs[0], true
}

func (m *Model) PadTokenID() (int64, bool) {
	if m.Config.PadTokenID == nil {
		return 0, false
	}
	return *m.Config.PadTokenID, true
}

// NextTokenLogits runs the full sequences through the model and returns the logits at the last
// position of each row, rounded to the model dtype. Rows shorter than the longest one are left padded.
func (m *Model) NextTokenLogits(ctx context.Context, inputIDs [][]int64, attentionMask [][]int64) ([][]float32, error) {
	if !m.inference {
		return nil, ErrNotInferenceMode
	}
	if m.session == nil {
		return nil, errors.New("model has been destroyed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	batchSize := len(inputIDs)
	if batchSize == 0 {
		return nil, errors.New("no sequences to process")
	}
	if attentionMask != nil && len(attentionMask) != batchSize {
		return nil, fmt.Errorf("attention mask has %d rows for %d sequences", len(attentionMask), batchSize)
	}

	ids, mask, positions, sequenceLength, err := flattenLeftPadded(inputIDs, attentionMask, m.padding())
	if err != nil {
		return nil, err
	}
	if err := checkSequenceLength(sequenceLength, m.Config.MaxPositionEmbeddings); err != nil {
		return nil, err
	}
	logits, err := m.session.run(ids, mask, positions, batchSize, sequenceLength)
	if err != nil {
		return nil, err
	}

	vocabSize := m.VocabSize()
	if len(logits) != batchSize*sequenceLength*vocabSize {
		return nil, fmt.Errorf("model returned %d logits, expected %d x %d x %d", len(logits), batchSize, sequenceLength, vocabSize)
	}
	out := make([][]float32, batchSize)
	for b := range batchSize {
		start := (b*sequenceLength + sequenceLength - 1) * vocabSize
		row := make([]float32, vocabSize)
		copy(row, logits[start:start+vocabSize])
		RoundToDType(row, m.DType)
		out[b] = row
	}
	return out, nil
}

func (m *Model) padding() int64 {
	if pad, ok := m.PadTokenID(); ok {
		return pad
	}
	if eos, ok := m.EOSTokenID(); ok {
		return eos
	}
	return 0
}

// flattenLeftPadded builds the [batch, sequence] input_ids, attention_mask and position_ids backing
// slices. Position ids follow the attention mask so that left padding does not shift them.
func flattenLeftPadded(inputIDs [][]int64, attentionMask [][]int64, pad int64) ([]int64, []int64, []int64, int, error) {
	sequenceLength := 0
	for i, row := range inputIDs {
		if len(row) == 0 {
			return nil, nil, nil, 0, fmt.Errorf("sequence %d is empty", i)
		}
		if attentionMask != nil && len(attentionMask[i]) != len(row) {
			return nil, nil, nil, 0, fmt.Errorf("sequence %d has %d tokens and %d mask values", i, len(row), len(attentionMask[i]))
		}
		sequenceLength = max(sequenceLength, len(row))
	}

	size := len(inputIDs) * sequenceLength
	ids := make([]int64, size)
	mask := make([]int64, size)
	positions := make([]int64, size)
	counter := 0
	for i, row := range inputIDs {
		padLength := sequenceLength - len(row)
		var seen int64
		for k := range sequenceLength {
			if k < padLength {
				ids[counter] = pad
				positions[counter] = 0
			} else {
				ids[counter] = row[k-padLength]
				maskValue := int64(1)
				if attentionMask != nil {
					maskValue = attentionMask[i][k-padLength]
				}
				mask[counter] = maskValue
				seen += maskValue
				positions[counter] = max(seen-1, 0)
			}
			counter++
		}
	}
	return ids, mask, positions, sequenceLength, nil
}
