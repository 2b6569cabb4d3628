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

// OpenAIExecutor dispatches chat-completions calls against any
// OpenAI-compatible upstream configured with a base URL, API key, and an
// optional per-model name mapping. It applies no body normalisation beyond
// the model-id rewrite and the requested stream flag; rate limiting for this
// provider operates at provider granularity, not per-account, so auth is
// typically a single synthetic slot.
type OpenAIExecutor struct {
	id             string
	baseURL        string
	apiKey         string
	modelMapping   map[string]string
	requestTimeout time.Duration
	globalProxyURL string
}

// NewOpenAIExecutor builds an OpenAIExecutor. id names the provider for
// error messages and logging (e.g. "openai-compat:groq").
func NewOpenAIExecutor(id, baseURL, apiKey string, modelMapping map[string]string, requestTimeout time.Duration, globalProxyURL string) *OpenAIExecutor {
	return &OpenAIExecutor{
		id:             id,
		baseURL:        strings.TrimRight(baseURL, "/"),
		apiKey:         apiKey,
		modelMapping:   modelMapping,
		requestTimeout: requestTimeout,
		globalProxyURL: globalProxyURL,
	}
}

func (e *OpenAIExecutor) Identifier() string { return e.id }

func (e *OpenAIExecutor) mappedModel(model string) string {
	if mapped, ok := e.modelMapping[model]; ok {
		return mapped
	}
	return model
}

func (e *OpenAIExecutor) buildRequest(ctx context.Context, req cliproxyexecutor.Request, stream bool) (*http.Request, error) {
	body := bytes.Clone(req.Body)
	if model := gjson.GetBytes(body, "model").String(); model != "" {
		if mapped := e.mappedModel(model); mapped != model {
			body, _ = sjson.SetBytes(body, "model", mapped)
		}
	}
	body, _ = sjson.SetBytes(body, "stream", stream)

	endpoint := req.Endpoint
	if endpoint == "" {
		endpoint = "/chat/completions"
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, NewConfigError(fmt.Sprintf("%s: building request", e.id), err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	return httpReq, nil
}

// Execute performs a single non-streaming chat-completions call.
func (e *OpenAIExecutor) Execute(ctx context.Context, auth *coreauth.Auth, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (cliproxyexecutor.Response, error) {
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

	logVerboseSnippet(e.id, auth.ID, req.Body, data)
	return cliproxyexecutor.Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header.Clone(),
		Body:       data,
	}, nil
}

// ExecuteStream performs a streaming chat-completions call, relaying each SSE
// line in arrival order using the same idle-timeout relay as the Copilot
// executor.
func (e *OpenAIExecutor) ExecuteStream(ctx context.Context, auth *coreauth.Auth, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (*cliproxyexecutor.StreamResult, error) {
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

	out := make(chan cliproxyexecutor.StreamChunk)
	go relaySSEStream(httpResp.Body, out)

	return &cliproxyexecutor.StreamResult{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header.Clone(),
		Chunks:     out,
	}, nil
}

// CountTokens estimates the request's prompt token count locally with
// tokencount's cl100k_base codec, since OpenAI-compatible upstreams expose no
// uniform counting endpoint of their own.
func (e *OpenAIExecutor) CountTokens(ctx context.Context, auth *coreauth.Auth, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (cliproxyexecutor.Response, error) {
	n, err := tokencount.CountMessages(req.Body)
	if err != nil {
		return cliproxyexecutor.Response{}, NewConfigError(fmt.Sprintf("%s: counting tokens", e.id), err)
	}
	body, _ := sjson.SetBytes([]byte(`{}`), "model", req.Model)
	body, _ = sjson.SetBytes(body, "token_count", n)
	return cliproxyexecutor.Response{StatusCode: http.StatusOK, Body: body}, nil
}

// Refresh is a no-op: OpenAI-compatible upstreams authenticate with a static
// API key, not a refreshable bearer.
func (e *OpenAIExecutor) Refresh(ctx context.Context, auth *coreauth.Auth) (*coreauth.Auth, error) {
	return auth, nil
}

// HttpRequest allows raw passthrough calls (e.g. /models) against this
// upstream.
func (e *OpenAIExecutor) HttpRequest(ctx context.Context, auth *coreauth.Auth, req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+e.apiKey)
	client := newProxyAwareHTTPClient(ctx, e.globalProxyURL, auth, e.requestTimeout, e.id)
	return client.Do(req)
}
