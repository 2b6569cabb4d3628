package executor

import (
	"github.com/brightloom-dev/llmgateway/internal/logging"
	log "github.com/sirupsen/logrus"
)

const verboseSnippetLimit = 512

// logVerboseSnippet emits a truncated request/response body pair at Debug
// level, gated behind internal/logging.VerboseEnabled so this capture never
// runs on the hot path unless an operator explicitly turned it on (the
// VERBOSE_LOGGING env var).
func logVerboseSnippet(provider, accountID string, reqBody, respBody []byte) {
	if !logging.VerboseEnabled() {
		return
	}
	log.WithFields(log.Fields{
		"provider": provider,
		"account":  accountID,
	}).Debugf("request=%s response=%s", snippet(reqBody), snippet(respBody))
}

func snippet(b []byte) string {
	if len(b) > verboseSnippetLimit {
		return string(b[:verboseSnippetLimit]) + "...(truncated)"
	}
	return string(b)
}
