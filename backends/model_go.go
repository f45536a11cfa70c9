package backends

import (
	"fmt"

	"github.com/advancedclimatesystems/gonnx"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/beamrepro/options"
)

type goSession struct {
	model      *gonnx.Model
	inputNames []string
}

func createGoModelBackend(model *Model, s *options.Options) error {
	if s.Device != options.CPU {
		return fmt.Errorf("%w: the GO backend only runs on cpu, %s requested", ErrDeviceUnavailable, s.Device)
	}

	goModel, err := gonnx.NewModelFromBytes(model.OnnxBytes)
	if err != nil {
		return err
	}
	inputs, outputs := loadInputOutputMetaGo(goModel)
	inputNames, err := causalLMInputNamesGo(inputs)
	if err != nil {
		return err
	}
	hasLogits := false
	for _, output := range outputs {
		if output.Name == "logits" {
			hasLogits = true
		}
	}
	if !hasLogits {
		return fmt.Errorf("model at %s has no logits output", model.Path)
	}

	model.session = &goSession{model: goModel, inputNames: inputNames}
	model.InputsMeta = inputs
	model.OutputsMeta = outputs
	return nil
}

func loadInputOutputMetaGo(model *gonnx.Model) ([]InputOutputInfo, []InputOutputInfo) {
	var inputs, outputs []InputOutputInfo

	inputShapes := model.InputShapes()
	for _, name := range model.InputNames() {
		shape := inputShapes[name]
		dimensions := make([]int64, len(shape))
		for i, y := range shape {
			dimensions[i] = y.Size
		}
		inputs = append(inputs, InputOutputInfo{
			Name:       name,
			Dimensions: dimensions,
		})
	}
	outputShapes := model.OutputShapes()
	for _, name := range model.OutputNames() {
		shape := outputShapes[name]
		dimensions := make([]int64, len(shape))
		for i, y := range shape {
			dimensions[i] = y.Size
		}
		outputs = append(outputs, InputOutputInfo{
			Name:       name,
			Dimensions: dimensions,
		})
	}
	return inputs, outputs
}

func causalLMInputNamesGo(inputs []InputOutputInfo) ([]string, error) {
	names := make([]string, 0, len(inputs))
	hasInputIDs := false
	for _, input := range inputs {
		switch input.Name {
		case "input_ids":
			hasInputIDs = true
			names = append(names, input.Name)
		case "attention_mask", "position_ids":
			names = append(names, input.Name)
		default:
			return nil, fmt.Errorf("input %s not recognized", input.Name)
		}
	}
	if !hasInputIDs {
		return nil, fmt.Errorf("model has no input_ids input")
	}
	return names, nil
}

func (s *goSession) run(inputIDs, attentionMask, positionIDs []int64, batchSize, sequenceLength int) ([]float32, error) {
	inputMap := map[string]tensor.Tensor{}
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
		inputMap[name] = tensor.New(
			tensor.WithShape(batchSize, sequenceLength),
			tensor.WithBacking(backing),
		)
	}

	outputs, err := s.model.Run(inputMap)
	if err != nil {
		return nil, err
	}
	logitsTensor, ok := outputs["logits"]
	if !ok {
		return nil, fmt.Errorf("logits missing from model outputs")
	}
	logits, ok := logitsTensor.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("logits output has type %T, expected []float32", logitsTensor.Data())
	}
	return logits, nil
}

func (s *goSession) destroy() error {
	return nil
}
