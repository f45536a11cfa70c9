package backends

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/knights-analytics/beamrepro/util/fileutil"
)

// ModelConfig holds the fields of config.json and generation_config.json that generation needs.
type ModelConfig struct {
	ModelType             string
	TorchDType            string
	EOSTokenIDs           []int64
	BOSTokenID            *int64
	PadTokenID            *int64
	VocabSize             int
	MaxPositionEmbeddings int
}

func loadModelConfig(model *Model) error {
	configPath := fileutil.PathJoinSafe(model.Path, "config.json")
	configMap, err := readJSONMap(configPath)
	if err != nil {
		return err
	}
	if configMap == nil {
		return fmt.Errorf("%w: no config.json at %s", ErrMissingModelFiles, model.Path)
	}
	if err = model.Config.apply(configMap); err != nil {
		return fmt.Errorf("config.json at %s: %w", model.Path, err)
	}

	// generation_config.json takes precedence for the special tokens, as in transformers
	generationConfigPath := fileutil.PathJoinSafe(model.Path, "generation_config.json")
	generationMap, err := readJSONMap(generationConfigPath)
	if err != nil {
		return err
	}
	if generationMap != nil {
		if err = model.Config.applyTokens(generationMap); err != nil {
			return fmt.Errorf("generation_config.json at %s: %w", model.Path, err)
		}
	}

	if model.Config.VocabSize <= 0 {
		return fmt.Errorf("config.json at %s does not define a positive vocab_size", model.Path)
	}
	return nil
}

// readJSONMap returns nil without error when the file does not exist.
func readJSONMap(path string) (map[string]any, error) {
	exists, err := fileutil.FileExists(path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	configBytes, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return nil, err
	}
	configMap := map[string]any{}
	if err = jsoniter.Unmarshal(configBytes, &configMap); err != nil {
		return nil, err
	}
	return configMap, nil
}

func (c *ModelConfig) apply(configMap map[string]any) error {
	if modelType, ok := configMap["model_type"].(string); ok {
		c.ModelType = modelType
	}
	if torchDType, ok := configMap["torch_dtype"].(string); ok {
		c.TorchDType = torchDType
	}
	if vocabSizeRaw, exists := configMap["vocab_size"]; exists {
		vocabSize, ok := vocabSizeRaw.(float64)
		if !ok {
			return errors.New("vocab_size is not a number")
		}
		c.VocabSize = int(vocabSize)
	}
	// gpt2 style configs call it n_positions
	for _, key := range []string{"max_position_embeddings", "n_positions"} {
		if raw, exists := configMap[key]; exists {
			if v, ok := raw.(float64); ok {
				c.MaxPositionEmbeddings = int(v)
				break
			}
		}
	}
	return c.applyTokens(configMap)
}

func (c *ModelConfig) applyTokens(configMap map[string]any) error {
	if eosRaw, exists := configMap["eos_token_id"]; exists && eosRaw != nil {
		var eosTokenIDs []int64
		switch v := eosRaw.(type) {
		case []any:
			for i, item := range v {
				num, ok := item.(float64)
				if !ok {
					return fmt.Errorf("eos_token_id contains non-numeric value at index %d", i)
				}
				eosTokenIDs = append(eosTokenIDs, int64(num))
			}
		case float64:
			eosTokenIDs = []int64{int64(v)}
		default:
			return errors.New("eos_token_id must be either a number or an array of numbers")
		}
		c.EOSTokenIDs = eosTokenIDs
	}
	for key, target := range map[string]**int64{"bos_token_id": &c.BOSTokenID, "pad_token_id": &c.PadTokenID} {
		raw, exists := configMap[key]
		if !exists || raw == nil {
			continue
		}
		v, ok := raw.(float64)
		if !ok {
			return fmt.Errorf("%s is not a number", key)
		}
		id := int64(v)
		*target = &id
	}
	return nil
}
