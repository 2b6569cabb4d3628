package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/brightloom-dev/llmgateway/internal/tokencount"
	coreauth "github.com/brightloom-dev/llmgateway/sdk/cliproxy/auth"
	cliproxyexecutor "github.com/brightloom-dev/llmgateway/sdk/cliproxy/executor"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicExecutor dispatches chat-completions calls against a
// Claude-Messages-shaped upstream, translating the OpenAI-style request body
// to Anthropic's wire format before dispatch and translating the response
// (or each streamed event) back to the OpenAI envelope, so the rest of the
// gateway never has to know the upstream speaks a different protocol.
type AnthropicExecutor struct {
	id               string
	baseURL          string
	apiKey           string
	anthropicVersion string
	modelMapping     map[string]string
	requestTimeout   time.Duration
	globalProxyURL   string
}

// NewAnthropicExecutor builds an AnthropicExecutor.
func NewAnthropicExecutor(id, baseURL, apiKey, anthropicVersion string, modelMapping map[string]string, requestTimeout time.Duration, globalProxyURL string) *AnthropicExecutor {
	if anthropicVersion == "" {
		anthropicVersion = "2023-06-01"
	}
	return &AnthropicExecutor{
		id:               id,
		baseURL:          strings.TrimRight(baseURL, "/"),
		apiKey:           apiKey,
		anthropicVersion: anthropicVersion,
		modelMapping:     modelMapping,
		requestTimeout:   requestTimeout,
		globalProxyURL:   globalProxyURL,
	}
}

func (e *AnthropicExecutor) Identifier() string { return e.id }

func (e *AnthropicExecutor) mappedModel(model string) string {
	if mapped, ok := e.modelMapping[model]; ok {
		return mapped
	}
	return model
}

func (e *AnthropicExecutor) buildRequest(ctx context.Context, req cliproxyexecutor.Request, stream bool) (*http.Request, error) {
	body := bytes.Clone(req.Body)
	if model := gjson.GetBytes(body, "model").String(); model != "" {
		body, _ = sjson.SetBytes(body, "model", e.mappedModel(model))
	}
	anthropicBody := chatToAnthropicRequest(body, stream)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/messages", bytes.NewReader(anthropicBody))
	if err != nil {
		return nil, NewConfigError(fmt.Sprintf("%s: building request", e.id), err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", e.apiKey)
	httpReq.Header.Set("anthropic-version", e.anthropicVersion)
	return httpReq, nil
}

// Execute performs a single non-streaming call, translating the Anthropic
// response back into an OpenAI chat-completions envelope.
func (e *AnthropicExecutor) Execute(ctx context.Context, auth *coreauth.Auth, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (cliproxyexecutor.Response, error) {
	httpReq, err := e.buildRequest(ctx, req, false)
	if err != nil {
		return cliproxyexecutor.Response{}, err
	}

	client := newProxyAwareHTTPClient(ctx, e.globalProxyURL, auth, e.requestTimeout, e.id)
	httpResp, err := client.Do(httpReq)
	if err != nil {
		return cliproxyexecutor.Response{}, NewUpstreamTransportError(err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return cliproxyexecutor.Response{}, NewUpstreamTransportError(err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return cliproxyexecutor.Response{}, NewUpstreamHTTPErrorWithRetryAfter(httpResp.StatusCode, string(data), parseRetryAfter(httpResp.Header))
	}

	chatBody := anthropicToChatResponse(data)
	header := httpResp.Header.Clone()
	header.Set("Content-Type", "application/json")
	logVerboseSnippet(e.id, auth.ID, req.Body, chatBody)
	return cliproxyexecutor.Response{StatusCode: httpResp.StatusCode, Header: header, Body: chatBody}, nil
}

// ExecuteStream performs a streaming call, translating each Anthropic SSE
// event into an OpenAI-style chat.completion.chunk line before handing it to
// the common idle-timeout relay.
func (e *AnthropicExecutor) ExecuteStream(ctx context.Context, auth *coreauth.Auth, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (*cliproxyexecutor.StreamResult, error) {
	httpReq, err := e.buildRequest(ctx, req, true)
	if err != nil {
		return nil, err
	}

	client := newProxyAwareHTTPClient(ctx, e.globalProxyURL, auth, 0, e.id)
	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, NewUpstreamTransportError(err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		data, _ := io.ReadAll(httpResp.Body)
		_ = httpResp.Body.Close()
		return nil, NewUpstreamHTTPErrorWithRetryAfter(httpResp.StatusCode, string(data), parseRetryAfter(httpResp.Header))
	}

	translated := make(chan cliproxyexecutor.StreamChunk)
	raw := make(chan cliproxyexecutor.StreamChunk)
	go relaySSEStream(httpResp.Body, raw)
	go translateAnthropicStream(raw, translated)

	return &cliproxyexecutor.StreamResult{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header.Clone(),
		Chunks:     translated,
	}, nil
}

// CountTokens estimates the request's prompt token count locally, since
// Anthropic-compatible upstreams expose no uniform counting endpoint across
// vendors.
func (e *AnthropicExecutor) CountTokens(ctx context.Context, auth *coreauth.Auth, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (cliproxyexecutor.Response, error) {
	n, err := tokencount.CountMessages(req.Body)
	if err != nil {
		return cliproxyexecutor.Response{}, NewConfigError(fmt.Sprintf("%s: counting tokens", e.id), err)
	}
	body, _ := sjson.SetBytes([]byte(`{}`), "model", req.Model)
	body, _ = sjson.SetBytes(body, "token_count", n)
	return cliproxyexecutor.Response{StatusCode: http.StatusOK, Body: body}, nil
}

// Refresh is a no-op: this provider authenticates with a static API key.
func (e *AnthropicExecutor) Refresh(ctx context.Context, auth *coreauth.Auth) (*coreauth.Auth, error) {
	return auth, nil
}

// HttpRequest allows raw passthrough calls against this upstream.
func (e *AnthropicExecutor) HttpRequest(ctx context.Context, auth *coreauth.Auth, req *http.Request) (*http.Response, error) {
	req.Header.Set("x-api-key", e.apiKey)
	req.Header.Set("anthropic-version", e.anthropicVersion)
	client := newProxyAwareHTTPClient(ctx, e.globalProxyURL, auth, e.requestTimeout, e.id)
	return client.Do(req)
}

// ---------------------------------------------------------------------------
// Request translation: OpenAI chat-completions body -> Anthropic Messages body
// ---------------------------------------------------------------------------

func chatToAnthropicRequest(body []byte, stream bool) []byte {
	out := []byte(`{}`)
	out, _ = sjson.SetBytes(out, "model", gjson.GetBytes(body, "model").String())
	out, _ = sjson.SetBytes(out, "stream", stream)

	maxTokens := gjson.GetBytes(body, "max_tokens").Int()
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	out, _ = sjson.SetBytes(out, "max_tokens", maxTokens)

	if temp := gjson.GetBytes(body, "temperature"); temp.Exists() {
		out, _ = sjson.SetBytes(out, "temperature", temp.Value())
	}
	if topP := gjson.GetBytes(body, "top_p"); topP.Exists() {
		out, _ = sjson.SetBytes(out, "top_p", topP.Value())
	}

	var systemParts []string
	var anthropicMessages []map[string]any

	for _, msg := range gjson.GetBytes(body, "messages").Array() {
		role := msg.Get("role").String()
		switch role {
		case "system":
			if text := contentAsText(msg.Get("content")); text != "" {
				systemParts = append(systemParts, text)
			}
		case "tool":
			anthropicMessages = append(anthropicMessages, map[string]any{
				"role": "user",
				"content": []map[string]any{{
					"type":        "tool_result",
					"tool_use_id": msg.Get("tool_call_id").String(),
					"content":     contentAsText(msg.Get("content")),
				}},
			})
		case "assistant":
			blocks := []map[string]any{}
			if text := contentAsText(msg.Get("content")); text != "" {
				blocks = append(blocks, map[string]any{"type": "text", "text": text})
			}
			for _, tc := range msg.Get("tool_calls").Array() {
				args := tc.Get("function.arguments").String()
				if args == "" {
					args = "{}"
				}
				input := gjson.Parse(args).Value()
				blocks = append(blocks, map[string]any{
					"type":  "tool_use",
					"id":    tc.Get("id").String(),
					"name":  tc.Get("function.name").String(),
					"input": input,
				})
			}
			anthropicMessages = append(anthropicMessages, map[string]any{"role": "assistant", "content": blocks})
		default:
			anthropicMessages = append(anthropicMessages, map[string]any{
				"role": "user",
				"content": []map[string]any{{
					"type": "text",
					"text": contentAsText(msg.Get("content")),
				}},
			})
		}
	}

	if len(systemParts) > 0 {
		out, _ = sjson.SetBytes(out, "system", strings.Join(systemParts, "\n\n"))
	}
	out, _ = sjson.SetBytes(out, "messages", anthropicMessages)

	if tools := gjson.GetBytes(body, "tools").Array(); len(tools) > 0 {
		var anthropicTools []map[string]any
		for _, tool := range tools {
			anthropicTools = append(anthropicTools, map[string]any{
				"name":         tool.Get("function.name").String(),
				"description":  tool.Get("function.description").String(),
				"input_schema": tool.Get("function.parameters").Value(),
			})
		}
		out, _ = sjson.SetBytes(out, "tools", anthropicTools)
	}

	return out
}

// contentAsText flattens an OpenAI message content field (string or an
// array of typed blocks) into plain text, joined on newlines.
func contentAsText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if content.IsArray() {
		var parts []string
		for _, part := range content.Array() {
			if part.Get("type").String() == "text" {
				parts = append(parts, part.Get("text").String())
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// ---------------------------------------------------------------------------
// Response translation: Anthropic Messages response -> OpenAI chat response
// ---------------------------------------------------------------------------

func anthropicToChatResponse(body []byte) []byte {
	out := []byte(`{"object":"chat.completion"}`)
	out, _ = sjson.SetBytes(out, "id", gjson.GetBytes(body, "id").String())
	out, _ = sjson.SetBytes(out, "model", gjson.GetBytes(body, "model").String())

	var text strings.Builder
	var toolCalls []map[string]any
	for _, block := range gjson.GetBytes(body, "content").Array() {
		switch block.Get("type").String() {
		case "text":
			text.WriteString(block.Get("text").String())
		case "tool_use":
			toolCalls = append(toolCalls, map[string]any{
				"id":   block.Get("id").String(),
				"type": "function",
				"function": map[string]any{
					"name":      block.Get("name").String(),
					"arguments": block.Get("input").Raw,
				},
			})
		}
	}

	message := map[string]any{"role": "assistant", "content": text.String()}
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
		message["content"] = nil
	}

	finishReason := anthropicStopReasonToChat(gjson.GetBytes(body, "stop_reason").String())
	choice := map[string]any{"index": 0, "message": message, "finish_reason": finishReason}
	out, _ = sjson.SetBytes(out, "choices", []map[string]any{choice})

	if usage := gjson.GetBytes(body, "usage"); usage.Exists() {
		out, _ = sjson.SetBytes(out, "usage", map[string]any{
			"prompt_tokens":     usage.Get("input_tokens").Int(),
			"completion_tokens": usage.Get("output_tokens").Int(),
			"total_tokens":      usage.Get("input_tokens").Int() + usage.Get("output_tokens").Int(),
		})
	}
	return out
}

func anthropicStopReasonToChat(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}

// ---------------------------------------------------------------------------
// Streaming translation: Anthropic SSE events -> OpenAI chat.completion.chunk
// ---------------------------------------------------------------------------

type anthropicStreamState struct {
	blockKinds map[int]string
	model      string
	id         string
}

// translateAnthropicStream consumes raw SSE lines from the upstream (already
// relayed by relaySSEStream) and emits translated OpenAI-style "data: ..."
// lines on out, preserving arrival order and propagating any relay error.
func translateAnthropicStream(in <-chan cliproxyexecutor.StreamChunk, out chan<- cliproxyexecutor.StreamChunk) {
	defer close(out)
	state := &anthropicStreamState{blockKinds: map[int]string{}}

	for chunk := range in {
		if chunk.Err != nil {
			out <- chunk
			continue
		}
		line := bytes.TrimSpace(chunk.Data)
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if string(payload) == "[DONE]" {
			out <- cliproxyexecutor.StreamChunk{Data: []byte("data: [DONE]")}
			continue
		}
		if translated := translateOneAnthropicEvent(payload, state); translated != nil {
			out <- cliproxyexecutor.StreamChunk{Data: translated}
		}
	}
}

func translateOneAnthropicEvent(payload []byte, state *anthropicStreamState) []byte {
	eventType := gjson.GetBytes(payload, "type").String()

	chunk := map[string]any{"object": "chat.completion.chunk"}
	var delta map[string]any
	finishReason := ""

	switch eventType {
	case "message_start":
		state.id = gjson.GetBytes(payload, "message.id").String()
		state.model = gjson.GetBytes(payload, "message.model").String()
		delta = map[string]any{"role": "assistant"}
	case "content_block_start":
		idx := int(gjson.GetBytes(payload, "index").Int())
		blockType := gjson.GetBytes(payload, "content_block.type").String()
		state.blockKinds[idx] = blockType
		if blockType == "tool_use" {
			delta = map[string]any{"tool_calls": []map[string]any{{
				"index": idx,
				"id":    gjson.GetBytes(payload, "content_block.id").String(),
				"type":  "function",
				"function": map[string]any{
					"name":      gjson.GetBytes(payload, "content_block.name").String(),
					"arguments": "",
				},
			}}}
		} else {
			return nil
		}
	case "content_block_delta":
		idx := int(gjson.GetBytes(payload, "index").Int())
		deltaType := gjson.GetBytes(payload, "delta.type").String()
		switch deltaType {
		case "text_delta":
			delta = map[string]any{"content": gjson.GetBytes(payload, "delta.text").String()}
		case "input_json_delta":
			delta = map[string]any{"tool_calls": []map[string]any{{
				"index":    idx,
				"function": map[string]any{"arguments": gjson.GetBytes(payload, "delta.partial_json").String()},
			}}}
		default:
			return nil
		}
	case "message_delta":
		finishReason = anthropicStopReasonToChat(gjson.GetBytes(payload, "delta.stop_reason").String())
		delta = map[string]any{}
	case "message_stop":
		return nil
	default:
		return nil
	}

	choice := map[string]any{"index": 0, "delta": delta}
	if finishReason != "" {
		choice["finish_reason"] = finishReason
	} else {
		choice["finish_reason"] = nil
	}
	chunk["id"] = state.id
	chunk["model"] = state.model
	chunk["choices"] = []map[string]any{choice}

	data, err := sjsonMarshal(chunk)
	if err != nil {
		return nil
	}
	return append([]byte("data: "), data...)
}

// sjsonMarshal serializes a plain map via sjson's set-onto-empty idiom,
// keeping the module's JSON-patch style instead of encoding/json.Marshal.
func sjsonMarshal(v map[string]any) ([]byte, error) {
	out := []byte(`{}`)
	var err error
	for k, val := range v {
		out, err = sjson.SetBytes(out, k, val)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
