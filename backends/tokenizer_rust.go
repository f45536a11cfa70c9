//go:build ORT || ALL

package backends

import (
	"github.com/daulet/tokenizers"

	"github.com/knights-analytics/beamrepro/util/safeconv"
)

type RustTokenizer struct {
	Tokenizer *tokenizers.Tokenizer
	Options   []tokenizers.EncodeOption
}

func loadRustTokenizer(tokenizerBytes []byte, model *Model) error {
	tk, tkErr := tokenizers.FromBytes(tokenizerBytes)
	if tkErr != nil {
		return tkErr
	}
	model.Tokenizer = &Tokenizer{
		Runtime: "RUST",
		RustTokenizer: &RustTokenizer{
			Tokenizer: tk,
			Options:   []tokenizers.EncodeOption{tokenizers.WithReturnTokens(), tokenizers.WithReturnAttentionMask()},
		},
		MaxAllowedTokens: model.Config.MaxPositionEmbeddings,
		Destroy: func() error {
			return tk.Close()
		},
	}
	return nil
}

func encodeRust(tk *Tokenizer, input string) ([]int64, error) {
	rustTK := tk.RustTokenizer
	output := rustTK.Tokenizer.EncodeWithOptions(input, true, rustTK.Options...)
	return safeconv.Uint32sToInt64s(output.IDs), nil
}

func decodeRust(tk *Tokenizer, tokens []int64, skipSpecialTokens bool) (string, error) {
	ids, err := safeconv.Int64sToUint32s(tokens)
	if err != nil {
		return "", err
	}
	return tk.RustTokenizer.Tokenizer.Decode(ids, skipSpecialTokens), nil
}
