package backends

import (
	"fmt"

	"github.com/knights-analytics/beamrepro/options"
	"github.com/knights-analytics/beamrepro/util/fileutil"
)

type Tokenizer struct {
	RustTokenizer    *RustTokenizer
	GoTokenizer      *GoTokenizer
	Destroy          func() error
	Runtime          string
	MaxAllowedTokens int
}

func LoadTokenizer(model *Model, s *options.Options) error {
	tokenizerPath := fileutil.PathJoinSafe(model.Path, "tokenizer.json")
	exists, err := fileutil.FileExists(tokenizerPath)
	if err != nil {
		return fmt.Errorf("error checking for existence of tokenizer.json: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: no tokenizer.json at %s", ErrMissingModelFiles, model.Path)
	}
	tokenizerBytes, err := fileutil.ReadFileBytes(tokenizerPath)
	if err != nil {
		return err
	}
	switch s.Backend {
	case "ORT":
		return loadRustTokenizer(tokenizerBytes, model)
	case "GO":
		return loadGoTokenizer(tokenizerBytes, model)
	default:
		return fmt.Errorf("runtime %s not recognized", s.Backend)
	}
}

// Encode tokenizes text exactly as given, adding the special tokens the tokenizer is configured with.
// Prompts longer than the model position limit are rejected rather than truncated.
func (t *Tokenizer) Encode(text string) ([]int64, error) {
	var ids []int64
	var err error
	switch t.Runtime {
	case "RUST":
		ids, err = encodeRust(t, text)
	case "GO":
		ids, err = encodeGo(t, text)
	default:
		return nil, fmt.Errorf("runtime %s not recognized", t.Runtime)
	}
	if err != nil {
		return nil, err
	}
	if err := checkSequenceLength(len(ids), t.MaxAllowedTokens); err != nil {
		return nil, err
	}
	return ids, nil
}

// checkSequenceLength rejects sequences past limit. A limit of 0 means unknown.
func checkSequenceLength(length int, limit int) error {
	if limit > 0 && length > limit {
		return fmt.Errorf("%w: %d tokens, the model accepts %d", ErrSequenceTooLong, length, limit)
	}
	return nil
}

func (t *Tokenizer) Decode(tokens []int64, skipSpecialTokens bool) (string, error) {
	switch t.Runtime {
	case "RUST":
		return decodeRust(t, tokens, skipSpecialTokens)
	case "GO":
		return decodeGo(t, tokens, skipSpecialTokens), nil
	}
	return "", fmt.Errorf("runtime %s not recognized", t.Runtime)
}
