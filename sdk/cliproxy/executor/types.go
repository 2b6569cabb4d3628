// Package executor defines the request/response envelope ProviderExecutor
// implementations (Copilot, OpenAI-compatible, Anthropic-compatible) speak,
// independent of any one wire protocol.
package executor

import "net/http"

// Request is one inbound chat-completions call, already decoded from the
// client's JSON body.
type Request struct {
	// Model is the client-requested model name, before any provider-level
	// remapping.
	Model string
	// Body is the raw, still-untouched JSON body bytes. Executors normalise
	// this per their own quirks (e.g. Copilot's content-array flattening)
	// before dispatch.
	Body []byte
	// Stream is true for `stream: true` chat-completions requests.
	Stream bool
	// Endpoint identifies which inbound route produced this request, so an
	// executor can special-case `/models` handling.
	Endpoint string
	// Headers carries a copy of the inbound request headers an executor may
	// need to pass through (notably Accept).
	Headers http.Header
}

// SelectedAuthCallbackMetadataKey, when present in Options.Metadata, maps to
// a func(providerID, accountID string) the selector invokes once a candidate
// is chosen and admitted, just before dispatch. Callers use it to learn
// which provider/account actually served a request for logging/traffic
// capture without the selector itself taking a dependency on those
// concerns.
const SelectedAuthCallbackMetadataKey = "selected_auth_callback"

// Options carries per-call knobs that do not belong in the wire body, such
// as routing metadata threaded through from the selector.
type Options struct {
	Metadata map[string]any
}

// Response is a single non-streaming upstream response, relayed to the
// client unmodified.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// StreamChunk is one line read from an upstream SSE stream, without its
// trailing newline: a `data: ...` line keeps its prefix, and the blank line
// separating two events arrives as an empty chunk.
type StreamChunk struct {
	Data []byte
	Err  error
}

// StreamResult carries the channel a streaming executor delivers chunks on,
// in the exact order read from upstream, plus the initial HTTP response
// metadata (status/header) observed before the first chunk.
type StreamResult struct {
	StatusCode int
	Header     http.Header
	Chunks     <-chan StreamChunk
}
