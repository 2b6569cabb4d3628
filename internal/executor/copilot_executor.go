package executor

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/brightloom-dev/llmgateway/internal/copilotauth"
	"github.com/brightloom-dev/llmgateway/internal/tokencache"
	"github.com/brightloom-dev/llmgateway/internal/tokencount"
	coreauth "github.com/brightloom-dev/llmgateway/sdk/cliproxy/auth"
	cliproxyexecutor "github.com/brightloom-dev/llmgateway/sdk/cliproxy/executor"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// copilotExchanger adapts copilotauth.Flow to tokencache.Exchanger.
type copilotExchanger struct {
	flow *copilotauth.Flow
}

func (e copilotExchanger) Exchange(ctx context.Context, refreshToken string) (string, time.Time, error) {
	resp, err := e.flow.ExchangeCopilotToken(ctx, refreshToken)
	if err != nil {
		return "", time.Time{}, err
	}
	return resp.Token, time.Unix(resp.ExpiresAt, 0), nil
}

// CopilotExecutor dispatches chat-completions calls against GitHub Copilot,
// managing the GitHub-token -> Copilot-bearer exchange per account.
type CopilotExecutor struct {
	flow *copilotauth.Flow

	globalProxyURL string
	requestTimeout time.Duration
	maxTokensCap   int

	// copilotAPIBase overrides copilotauth.CopilotAPIBase; tests point it at
	// an httptest.Server in place of api.individual.githubcopilot.com.
	copilotAPIBase string

	mu     sync.Mutex
	caches map[string]*tokencache.Cache
}

// NewCopilotExecutor builds a CopilotExecutor. requestTimeout applies to
// non-streaming calls only; maxTokensCap<=0 disables max_tokens clamping.
func NewCopilotExecutor(flow *copilotauth.Flow, globalProxyURL string, requestTimeout time.Duration, maxTokensCap int) *CopilotExecutor {
	if flow == nil {
		flow = copilotauth.NewFlow(nil)
	}
	return &CopilotExecutor{
		flow:           flow,
		globalProxyURL: globalProxyURL,
		requestTimeout: requestTimeout,
		maxTokensCap:   maxTokensCap,
		caches:         make(map[string]*tokencache.Cache),
	}
}

func (e *CopilotExecutor) Identifier() string { return "github-copilot" }

func (e *CopilotExecutor) cacheFor(auth *coreauth.Auth) *tokencache.Cache {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.caches[auth.ID]; ok {
		return c
	}
	c := tokencache.New(copilotExchanger{flow: e.flow}, auth.RefreshToken())
	e.caches[auth.ID] = c
	return c
}

func (e *CopilotExecutor) prepareBody(req cliproxyexecutor.Request) []byte {
	body := bytes.Clone(req.Body)
	body = normalizeContentArrays(body)
	body = clampMaxTokens(body, e.maxTokensCap)
	if gjson.GetBytes(body, "parallel_tool_calls").Exists() {
		if cleaned, err := sjson.DeleteBytes(body, "parallel_tool_calls"); err == nil {
			body = cleaned
		}
	}
	return body
}

func (e *CopilotExecutor) buildRequest(ctx context.Context, auth *coreauth.Auth, body []byte, stream bool) (*http.Request, error) {
	bearer, err := e.cacheFor(auth).Get(ctx)
	if err != nil {
		return nil, NewTokenError(err)
	}

	body, _ = sjson.SetBytes(body, "stream", stream)

	apiBase := e.copilotAPIBase
	if apiBase == "" {
		apiBase = copilotauth.CopilotAPIBase
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, NewConfigError("building copilot request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+bearer)
	httpReq.Header.Set("Editor-Version", copilotauth.EditorVersion)
	httpReq.Header.Set("Copilot-Integration-Id", copilotauth.IntegrationID)
	httpReq.Header.Set("OpenAI-Intent", "conversation-panel")
	return httpReq, nil
}

// Execute performs a single non-streaming chat-completions call.
func (e *CopilotExecutor) Execute(ctx context.Context, auth *coreauth.Auth, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (cliproxyexecutor.Response, error) {
	body := e.prepareBody(req)
	httpReq, err := e.buildRequest(ctx, auth, body, false)
	if err != nil {
		return cliproxyexecutor.Response{}, err
	}

	client := newProxyAwareHTTPClient(ctx, e.globalProxyURL, auth, e.requestTimeout, "github-copilot")
	httpResp, err := client.Do(httpReq)
	if err != nil {
		return cliproxyexecutor.Response{}, NewUpstreamTransportError(err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return cliproxyexecutor.Response{}, NewUpstreamTransportError(err)
	}

	if httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden {
		e.cacheFor(auth).Invalidate()
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return cliproxyexecutor.Response{}, NewUpstreamHTTPErrorWithRetryAfter(httpResp.StatusCode, string(data), parseRetryAfter(httpResp.Header))
	}

	logVerboseSnippet("github-copilot", auth.ID, body, data)
	return cliproxyexecutor.Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header.Clone(),
		Body:       data,
	}, nil
}

// ExecuteStream performs a streaming chat-completions call, relaying each
// SSE line to the returned channel in the order read from upstream. A read
// that stalls past idleReadTimeout is reported as a StreamTruncated error.
func (e *CopilotExecutor) ExecuteStream(ctx context.Context, auth *coreauth.Auth, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (*cliproxyexecutor.StreamResult, error) {
	body := e.prepareBody(req)
	httpReq, err := e.buildRequest(ctx, auth, body, true)
	if err != nil {
		return nil, err
	}

	client := newProxyAwareHTTPClient(ctx, e.globalProxyURL, auth, 0, "github-copilot")
	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, NewUpstreamTransportError(err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		data, _ := io.ReadAll(httpResp.Body)
		_ = httpResp.Body.Close()
		if httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden {
			e.cacheFor(auth).Invalidate()
		}
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

// CountTokens estimates the request's prompt token count locally, since
// Copilot's chat-completions endpoint exposes no counting endpoint of its own.
func (e *CopilotExecutor) CountTokens(ctx context.Context, auth *coreauth.Auth, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (cliproxyexecutor.Response, error) {
	n, err := tokencount.CountMessages(req.Body)
	if err != nil {
		return cliproxyexecutor.Response{}, NewConfigError("github-copilot: counting tokens", err)
	}
	body, _ := sjson.SetBytes([]byte(`{}`), "model", req.Model)
	body, _ = sjson.SetBytes(body, "token_count", n)
	return cliproxyexecutor.Response{StatusCode: http.StatusOK, Body: body}, nil
}

// Refresh drops auth's cached bearer and forces a fresh token exchange. The
// provider selector does not call it: after a 401/403 it cools the account
// instead (see internal/provider/select.go).
func (e *CopilotExecutor) Refresh(ctx context.Context, auth *coreauth.Auth) (*coreauth.Auth, error) {
	cache := e.cacheFor(auth)
	cache.Invalidate()
	if _, err := cache.Get(ctx); err != nil {
		return nil, NewTokenError(err)
	}
	return auth, nil
}

// HttpRequest allows raw passthrough calls (e.g. /models) authenticated with
// this account's bearer.
func (e *CopilotExecutor) HttpRequest(ctx context.Context, auth *coreauth.Auth, req *http.Request) (*http.Response, error) {
	bearer, err := e.cacheFor(auth).Get(ctx)
	if err != nil {
		return nil, NewTokenError(err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Editor-Version", copilotauth.EditorVersion)
	req.Header.Set("Copilot-Integration-Id", copilotauth.IntegrationID)
	client := newProxyAwareHTTPClient(ctx, e.globalProxyURL, auth, e.requestTimeout, "github-copilot")
	return client.Do(req)
}
