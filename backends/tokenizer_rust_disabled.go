//go:build !ORT && !ALL

package backends

import "errors"

type RustTokenizer struct{}

func loadRustTokenizer(_ []byte, _ *Model) error {
	return errors.New("rust Tokenizer is not enabled")
}

func encodeRust(_ *Tokenizer, _ string) ([]int64, error) {
	return nil, errors.New("rust Tokenizer is not enabled")
}

func decodeRust(_ *Tokenizer, _ []int64, _ bool) (string, error) {
	return "", errors.New("rust Tokenizer is not enabled")
}
