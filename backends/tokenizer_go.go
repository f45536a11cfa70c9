package backends

import (
	"bytes"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"

	"github.com/knights-analytics/beamrepro/util/safeconv"
)

type GoTokenizer struct {
	Tokenizer *tokenizer.Tokenizer
}

func loadGoTokenizer(tokenizerBytes []byte, model *Model) error {
	tk, tkErr := pretrained.FromReader(bytes.NewReader(tokenizerBytes))
	if tkErr != nil {
		return tkErr
	}
	model.Tokenizer = &Tokenizer{
		Runtime:          "GO",
		GoTokenizer:      &GoTokenizer{Tokenizer: tk},
		MaxAllowedTokens: model.Config.MaxPositionEmbeddings,
		Destroy: func() error {
			return nil
		},
	}
	return nil
}

func encodeGo(tk *Tokenizer, input string) ([]int64, error) {
	output, err := tk.GoTokenizer.Tokenizer.EncodeSingle(input, true)
	if err != nil {
		return nil, err
	}
	return safeconv.IntsToInt64s(output.Ids), nil
}

func decodeGo(tk *Tokenizer, tokens []int64, skipSpecialTokens bool) string {
	return tk.GoTokenizer.Tokenizer.Decode(safeconv.Int64sToInts(tokens), skipSpecialTokens)
}
