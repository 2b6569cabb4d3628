// Package tokencount estimates prompt/completion token counts with
// tiktoken-go/tokenizer's cl100k_base codec, for use when an upstream
// response omits a usage object and for the executors' CountTokens endpoint.
package tokencount

import (
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tiktoken-go/tokenizer"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
	codecErr  error
)

func getCodec() (tokenizer.Codec, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return codec, codecErr
}

// Count returns the number of cl100k_base tokens in text.
func Count(text string) (int, error) {
	c, err := getCodec()
	if err != nil {
		return 0, err
	}
	ids, _, err := c.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// CountMessages extracts every message's "content" string field from an
// OpenAI-style chat-completions request body and returns the token total
// across all of them, roughly matching how upstreams bill prompt tokens.
func CountMessages(reqBody []byte) (int, error) {
	total := 0
	var encErr error
	gjson.GetBytes(reqBody, "messages").ForEach(func(_, msg gjson.Result) bool {
		content := msg.Get("content")
		if content.Type != gjson.String {
			return true
		}
		n, err := Count(content.String())
		if err != nil {
			encErr = err
			return false
		}
		total += n
		return true
	})
	if encErr != nil {
		return 0, encErr
	}
	return total, nil
}
