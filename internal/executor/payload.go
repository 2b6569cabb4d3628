package executor

import (
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// defaultMaxTokensCap is the ceiling applied to max_tokens for upstreams that
// reject arbitrarily large completions requests.
const defaultMaxTokensCap = 10240

// normalizeContentArrays flattens every message's `content` array into a
// plain string, joining text parts with "\n" and dropping any non-text part
// (image_url, input_audio, etc.) with a warning, since Copilot's
// chat-completions endpoint only accepts string content.
func normalizeContentArrays(body []byte) []byte {
	messages := gjson.GetBytes(body, "messages")
	if !messages.IsArray() {
		return body
	}

	out := body
	for i, msg := range messages.Array() {
		content := msg.Get("content")
		if !content.IsArray() {
			continue
		}

		var textParts []string
		for _, part := range content.Array() {
			if part.Get("type").String() != "text" {
				log.WithField("type", part.Get("type").String()).Warn("executor: dropping non-text content part for copilot request")
				continue
			}
			textParts = append(textParts, part.Get("text").String())
		}

		path := "messages." + strconv.Itoa(i) + ".content"
		updated, err := sjson.SetBytes(out, path, strings.Join(textParts, "\n"))
		if err != nil {
			log.WithError(err).Warn("executor: failed to flatten content array")
			continue
		}
		out = updated
	}
	return out
}

// clampMaxTokens lowers max_tokens to cap when present and larger, or when
// cap is the only thing this call needs set. cap<=0 disables clamping.
func clampMaxTokens(body []byte, cap int) []byte {
	if cap <= 0 {
		return body
	}
	field := gjson.GetBytes(body, "max_tokens")
	if !field.Exists() || field.Int() <= int64(cap) {
		return body
	}
	updated, err := sjson.SetBytes(body, "max_tokens", cap)
	if err != nil {
		log.WithError(err).Warn("executor: failed to clamp max_tokens")
		return body
	}
	return updated
}
