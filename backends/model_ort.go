//go:build cgo && (ORT || ALL)

package backends

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/knights-analytics/beamrepro/options"
	"github.com/knights-analytics/beamrepro/util/fileutil"
)

type ortSession struct {
	session    *ort.DynamicAdvancedSession
	inputNames []string
}

func initialiseORT(s *options.Options) error {
	if ort.IsInitialized() {
		return errors.New("another ORT environment is currently active, and only one can be active at one time")
	}

	o := s.ORTOptions
	// Set pre-initialisation options
	if o.LibraryPath != nil {
		ortPathExists, err := fileutil.FileExists(*o.LibraryPath)
		if err != nil {
			return err
		}
		if !ortPathExists {
			return fmt.Errorf("%w: cannot find the ort library at: %s", ErrRuntimeUnavailable, *o.LibraryPath)
		}
		ort.SetSharedLibraryPath(*o.LibraryPath)
	}

	// Start OnnxRuntime
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("%w: %w", ErrRuntimeUnavailable, err)
	}

	sessionOptions, err := configureSessionOptions(o)
	if err != nil {
		return errors.Join(err, ort.DestroyEnvironment())
	}
	s.BackendOptions = sessionOptions
	s.Destroy = func() error {
		return errors.Join(sessionOptions.Destroy(), ort.DestroyEnvironment())
	}
	return nil
}

func configureSessionOptions(o *options.OrtOptions) (*ort.SessionOptions, error) {
	if o.Telemetry != nil {
		if err := ort.EnableTelemetry(); err != nil {
			return nil, err
		}
	} else {
		if err := ort.DisableTelemetry(); err != nil {
			return nil, err
		}
	}

	sessionOptions, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*ort.SessionOptions, error) {
		return nil, errors.Join(err, sessionOptions.Destroy())
	}

	if o.IntraOpNumThreads != nil {
		if err = sessionOptions.SetIntraOpNumThreads(*o.IntraOpNumThreads); err != nil {
			return fail(err)
		}
	}
	if o.InterOpNumThreads != nil {
		if err = sessionOptions.SetInterOpNumThreads(*o.InterOpNumThreads); err != nil {
			return fail(err)
		}
	}
	if o.CPUMemArena != nil {
		if err = sessionOptions.SetCpuMemArena(*o.CPUMemArena); err != nil {
			return fail(err)
		}
	}
	if o.MemPattern != nil {
		if err = sessionOptions.SetMemPattern(*o.MemPattern); err != nil {
			return fail(err)
		}
	}
	if o.CudaOptions != nil {
		cudaOptions, optErr := ort.NewCUDAProviderOptions()
		if optErr != nil {
			return fail(fmt.Errorf("%w: %w", ErrDeviceUnavailable, optErr))
		}
		if len(o.CudaOptions) > 0 {
			if optErr = cudaOptions.Update(o.CudaOptions); optErr != nil {
				return fail(optErr)
			}
		}
		if err = sessionOptions.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			return fail(fmt.Errorf("%w: %w", ErrDeviceUnavailable, err))
		}
	}
	return sessionOptions, nil
}

func createORTModelBackend(model *Model, s *options.Options) error {
	sessionOptions, ok := s.BackendOptions.(*ort.SessionOptions)
	if !ok {
		return fmt.Errorf("%w: ORT environment has not been initialised", ErrRuntimeUnavailable)
	}

	inputs, outputs, err := loadInputOutputMetaORT(model.OnnxBytes)
	if err != nil {
		return err
	}
	inputNames, err := causalLMInputNames(inputs)
	if err != nil {
		return err
	}
	if !slices.ContainsFunc(outputs, func(info InputOutputInfo) bool { return info.Name == "logits" }) {
		return fmt.Errorf("model at %s has no logits output", model.Path)
	}

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(
		model.OnnxBytes,
		inputNames,
		[]string{"logits"},
		sessionOptions,
	)
	if err != nil {
		return err
	}
	model.session = &ortSession{session: session, inputNames: inputNames}
	model.InputsMeta = inputs
	model.OutputsMeta = outputs
	return nil
}

func loadInputOutputMetaORT(onnxBytes []byte) ([]InputOutputInfo, []InputOutputInfo, error) {
	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(onnxBytes)
	if err != nil {
		return nil, nil, err
	}
	return convertORTInputOutputs(inputs), convertORTInputOutputs(outputs), nil
}

func convertORTInputOutputs(inputOutputs []ort.InputOutputInfo) []InputOutputInfo {
	inputOutputsStandardised := make([]InputOutputInfo, len(inputOutputs))
	for i, inputOutput := range inputOutputs {
		inputOutputsStandardised[i] = InputOutputInfo{
			Name:       inputOutput.Name,
			Dimensions: inputOutput.Dimensions,
		}
	}
	return inputOutputsStandardised
}

// causalLMInputNames checks the graph only consumes inputs that can be fed without a cache.
func causalLMInputNames(inputs []InputOutputInfo) ([]string, error) {
	names := make([]string, 0, len(inputs))
	for _, input := range inputs {
		switch {
		case input.Name == "input_ids", input.Name == "attention_mask", input.Name == "position_ids":
			names = append(names, input.Name)
		case strings.HasPrefix(input.Name, "past_key_values"):
			return nil, fmt.Errorf("input %s not supported: export the model without past key values", input.Name)
		default:
			return nil, fmt.Errorf("input %s not recognized", input.Name)
		}
	}
	if !slices.Contains(names, "input_ids") {
		return nil, errors.New("model has no input_ids input")
	}
	return names, nil
}

func (s *ortSession) run(inputIDs, attentionMask, positionIDs []int64, batchSize, sequenceLength int) ([]float32, error) {
	shape := ort.NewShape(int64(batchSize), int64(sequenceLength))
	inputTensors := make([]ort.Value, 0, len(s.inputNames))
	outputTensors := []ort.Value{nil}
	defer func() {
		for _, t := range inputTensors {
			t.Destroy()
		}
		for _, t := range outputTensors {
			if t != nil {
				t.Destroy()
			}
		}
	}()

	for _, name := range s.inputNames {
		var backing []int64
		switch name {
		case "input_ids":
			backing = inputIDs
		case "attention_mask":
			backing = attentionMask
		case "position_ids":
			backing = positionIDs
		}
		t, err := ort.NewTensor(shape, backing)
		if err != nil {
			return nil, err
		}
		inputTensors = append(inputTensors, t)
	}

	if err := s.session.Run(inputTensors, outputTensors); err != nil {
		return nil, err
	}
	logitsTensor, ok := outputTensors[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("logits output has type %T, expected float32 tensor", outputTensors[0])
	}
	data := logitsTensor.GetData()
	logits := make([]float32, len(data))
	copy(logits, data)
	return logits, nil
}

func (s *ortSession) destroy() error {
	return s.session.Destroy()
}
