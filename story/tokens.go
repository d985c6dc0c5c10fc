package story

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/tiktoken-go/tokenizer"
)

// perMessageOverhead approximates the role/framing tokens the chat format adds.
const perMessageOverhead = 4

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
	codecErr  error
)

// CountTokens estimates how many prompt tokens turns will cost.
func CountTokens(turns []Turn) (int, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	if codecErr != nil {
		return 0, errors.Wrap(codecErr, "load tokenizer")
	}
	total := 0
	for _, t := range turns {
		ids, _, err := codec.Encode(t.Content)
		if err != nil {
			return 0, errors.Wrap(err, "encode turn")
		}
		total += len(ids) + perMessageOverhead
	}
	return total, nil
}
