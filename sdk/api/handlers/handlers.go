// Package handlers implements the gateway's inbound HTTP surface (spec.md
// §6A): a thin gin adapter that decodes a chat-completions request, hands it
// to the provider registry's select-and-execute loop, and relays the result
// (or stream) back unmodified. It holds no selection or failover logic of
// its own.
package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/brightloom-dev/llmgateway/internal/config"
	"github.com/brightloom-dev/llmgateway/internal/executor"
	"github.com/brightloom-dev/llmgateway/internal/provider"
	"github.com/brightloom-dev/llmgateway/internal/registry"
	"github.com/brightloom-dev/llmgateway/internal/tokencount"
	"github.com/brightloom-dev/llmgateway/internal/traffic"
	"github.com/brightloom-dev/llmgateway/internal/usageledger"
	cliproxyexecutor "github.com/brightloom-dev/llmgateway/sdk/cliproxy/executor"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// ErrorResponse is the OpenAI-style error envelope returned for every
// non-2xx response this gateway produces itself (upstream error bodies are
// passed through unmodified instead).
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries a human-readable message plus the OpenAI error
// taxonomy fields clients already know how to branch on.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// BuildErrorResponseBody renders status/errText as an OpenAI-compatible JSON
// error body. If errText is already valid JSON (an upstream error payload
// relayed as-is), it is returned unchanged.
func BuildErrorResponseBody(status int, errText string) []byte {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	trimmed := strings.TrimSpace(errText)
	if trimmed == "" {
		trimmed = http.StatusText(status)
	}
	if json.Valid([]byte(trimmed)) {
		return []byte(trimmed)
	}

	errType := "invalid_request_error"
	var code string
	switch status {
	case http.StatusUnauthorized:
		errType, code = "authentication_error", "invalid_api_key"
	case http.StatusForbidden:
		errType, code = "permission_error", "insufficient_quota"
	case http.StatusTooManyRequests:
		errType, code = "rate_limit_error", "rate_limit_exceeded"
	case http.StatusNotFound:
		errType, code = "invalid_request_error", "model_not_found"
	default:
		if status >= http.StatusInternalServerError {
			errType, code = "server_error", "internal_server_error"
		}
	}

	payload, err := json.Marshal(ErrorResponse{Error: ErrorDetail{Message: trimmed, Type: errType, Code: code}})
	if err != nil {
		return []byte(`{"error":{"message":"internal server error","type":"server_error","code":"internal_server_error"}}`)
	}
	return payload
}

// statusFromError maps a dispatch error to the HTTP status this gateway
// reports to the client. A *executor.Error carries its own upstream status
// for KindUpstreamHTTP; every other kind gets a fixed status appropriate to
// what the client can do about it.
func statusFromError(err error) int {
	execErr, ok := err.(*executor.Error)
	if !ok {
		return http.StatusInternalServerError
	}
	switch execErr.Kind {
	case executor.KindUpstreamHTTP:
		if execErr.StatusCode > 0 {
			return execErr.StatusCode
		}
		return http.StatusBadGateway
	case executor.KindNoProviderAvailable:
		return http.StatusServiceUnavailable
	case executor.KindStreamTruncated:
		return http.StatusBadGateway
	case executor.KindConfig, executor.KindToken:
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

// Handler owns everything the HTTP layer needs to serve spec.md §6A's
// routes: the provider registry to dispatch through, the model registry to
// render /models from, and the two optional observability collaborators
// (traffic recorder, usage ledger) that observe completed requests without
// ever influencing them.
type Handler struct {
	Cfg      *config.GatewayConfig
	Registry *provider.Registry
	Models   *registry.Registry
	Recorder *traffic.Recorder
	Ledger   *usageledger.Ledger
}

// NewHandler builds a Handler. recorder and ledger may be nil when traffic
// recording or the credit subsystem are disabled.
func NewHandler(cfg *config.GatewayConfig, reg *provider.Registry, models *registry.Registry, recorder *traffic.Recorder, ledger *usageledger.Ledger) *Handler {
	return &Handler{Cfg: cfg, Registry: reg, Models: models, Recorder: recorder, Ledger: ledger}
}

// RegisterRoutes mounts every route spec.md §6A names onto engine, including
// the alias paths and the usage-ledger routes when configured.
func (h *Handler) RegisterRoutes(engine *gin.Engine) {
	engine.Use(h.authMiddleware())

	engine.POST("/chat/completions", h.ChatCompletions)
	engine.POST("/v1/chat/completions", h.ChatCompletions)
	engine.GET("/v1/models", h.ListModels)
	engine.GET("/models", h.ListModels)
	engine.GET("/healthz", h.Healthz)

	if h.Ledger != nil {
		engine.POST("/api-keys", h.CreateAPIKey)
		engine.GET("/balance", h.Balance)
	}
}

// authMiddleware rejects any request whose Authorization header does not
// match MasterKey, when one is configured. Comparison is constant-time to
// avoid leaking the key's length/prefix via timing.
func (h *Handler) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.FullPath() == "/healthz" {
			c.Next()
			return
		}
		master := strings.TrimSpace(h.Cfg.MasterKey)
		if master == "" {
			c.Next()
			return
		}
		presented := bearerToken(c.GetHeader("Authorization"))
		if subtle.ConstantTimeCompare([]byte(presented), []byte(master)) != 1 {
			writeError(c, http.StatusUnauthorized, "invalid api key")
			c.Abort()
			return
		}
		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return strings.TrimSpace(header)
}

func writeError(c *gin.Context, status int, message string) {
	c.Data(status, "application/json", BuildErrorResponseBody(status, message))
}

// ChatCompletions serves POST /chat/completions (and its /v1 alias): decode
// the inbound body, dispatch through the provider registry, and relay the
// response or stream back verbatim.
func (h *Handler) ChatCompletions(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, "failed to read request body")
		return
	}

	model := gjson.GetBytes(body, "model").String()
	if strings.TrimSpace(model) == "" {
		writeError(c, http.StatusBadRequest, "model is required")
		return
	}
	stream := gjson.GetBytes(body, "stream").Bool()

	req := cliproxyexecutor.Request{
		Model:    model,
		Body:     body,
		Stream:   stream,
		Endpoint: "/chat/completions",
		Headers:  c.Request.Header.Clone(),
	}
	var selectedProvider, selectedAccount string
	opts := cliproxyexecutor.Options{Metadata: map[string]any{
		"idempotency_key": idempotencyKey(c),
		cliproxyexecutor.SelectedAuthCallbackMetadataKey: func(providerID, accountID string) {
			selectedProvider, selectedAccount = providerID, accountID
		},
	}}

	if stream {
		h.executeStream(c, model, req, opts, body, &selectedProvider, &selectedAccount)
		return
	}
	h.executeNonStream(c, model, req, opts, body, &selectedProvider, &selectedAccount)
}

func idempotencyKey(c *gin.Context) string {
	if key := strings.TrimSpace(c.GetHeader("Idempotency-Key")); key != "" {
		return key
	}
	return uuid.NewString()
}

func readBody(c *gin.Context) ([]byte, error) {
	defer func() { _ = c.Request.Body.Close() }()
	return io.ReadAll(c.Request.Body)
}

func (h *Handler) executeNonStream(c *gin.Context, model string, req cliproxyexecutor.Request, opts cliproxyexecutor.Options, reqBody []byte, providerID, accountID *string) {
	resp, err := h.Registry.Execute(c.Request.Context(), model, req, opts)
	if err != nil {
		status := statusFromError(err)
		if h.Recorder != nil {
			_ = h.Recorder.RecordNonStream(*providerID, *accountID, c.Request.Header, reqBody, status, []byte(err.Error()))
		}
		writeError(c, status, err.Error())
		return
	}

	if h.Recorder != nil {
		_ = h.Recorder.RecordNonStream(*providerID, *accountID, c.Request.Header, reqBody, resp.StatusCode, resp.Body)
	}
	h.recordUsage(c, *providerID, model, reqBody, resp.Body)

	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	c.Data(status, "application/json", resp.Body)
}

func (h *Handler) executeStream(c *gin.Context, model string, req cliproxyexecutor.Request, opts cliproxyexecutor.Options, reqBody []byte, providerID, accountID *string) {
	result, err := h.Registry.ExecuteStream(c.Request.Context(), model, req, opts)
	if err != nil {
		status := statusFromError(err)
		if h.Recorder != nil {
			_ = h.Recorder.RecordStream(*providerID, *accountID, c.Request.Header, reqBody, status, 0, 0)
		}
		writeError(c, status, err.Error())
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	status := result.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	c.Status(status)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		writeError(c, http.StatusInternalServerError, "streaming not supported by this response writer")
		return
	}

	chunkCount := 0
	totalBytes := 0
	ctx := c.Request.Context()
	var lastChunk []byte
drain:
	for {
		select {
		case <-ctx.Done():
			break drain
		case chunk, ok := <-result.Chunks:
			if !ok {
				break drain
			}
			if chunk.Err != nil {
				_, _ = c.Writer.Write([]byte("event: error\ndata: "))
				_, _ = c.Writer.Write(BuildErrorResponseBody(statusFromError(chunk.Err), chunk.Err.Error()))
				_, _ = c.Writer.Write([]byte("\n\n"))
				flusher.Flush()
				break drain
			}
			chunkCount++
			totalBytes += len(chunk.Data)
			lastChunk = chunk.Data
			if _, err := c.Writer.Write(chunk.Data); err != nil {
				break drain
			}
			if _, err := c.Writer.Write([]byte("\n")); err != nil {
				break drain
			}
			flusher.Flush()
		}
	}

	if h.Recorder != nil {
		_ = h.Recorder.RecordStream(*providerID, *accountID, c.Request.Header, reqBody, status, chunkCount, totalBytes)
	}
	h.recordUsage(c, *providerID, model, reqBody, lastChunk)
}

// recordUsage emits a UsageEvent when the credit subsystem is enabled,
// reading prompt/completion token counts from the response body's OpenAI
// "usage" object when present. It never blocks or fails the request: the
// ledger purely observes completed requests.
func (h *Handler) recordUsage(c *gin.Context, providerID, model string, reqBody, respBody []byte) {
	if h.Ledger == nil {
		return
	}
	keyID := bearerToken(c.GetHeader("Authorization"))
	if keyID == "" {
		return
	}
	usage := gjson.GetBytes(respBody, "usage")
	promptTokens := int(usage.Get("prompt_tokens").Int())
	completionTokens := int(usage.Get("completion_tokens").Int())
	if !usage.Exists() {
		promptTokens, completionTokens = h.estimateTokens(reqBody, respBody)
	}
	ev := usageledger.UsageEvent{
		APIKeyID:         keyID,
		Model:            model,
		ProviderID:       providerID,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		Timestamp:        time.Now(),
	}
	_ = h.Ledger.RecordUsage(c.Request.Context(), ev)
}

// estimateTokens approximates prompt and completion token counts locally
// with tokencount when an upstream response omits a usage object entirely.
// Failures are swallowed: an estimate of zero is better than blocking or
// failing an otherwise-successful request.
func (h *Handler) estimateTokens(reqBody, respBody []byte) (prompt, completion int) {
	prompt, _ = tokencount.CountMessages(reqBody)
	if content := gjson.GetBytes(respBody, "choices.0.message.content"); content.Type == gjson.String {
		completion, _ = tokencount.Count(content.String())
	}
	return prompt, completion
}

// ListModels serves GET /v1/models and its unprefixed alias: the union of
// every registered provider's model list. Per scenario S6, once every
// provider has been disabled this returns 503 rather than an empty list.
func (h *Handler) ListModels(c *gin.Context) {
	if !h.Registry.HasEnabledProviders() {
		writeError(c, http.StatusServiceUnavailable, "no provider available to serve this request")
		return
	}
	h.Registry.RefreshModels(c.Request.Context(), h.Models)
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   h.Models.GetAvailableModels("openai"),
	})
}

// Healthz always reports 200: by the time the HTTP server is serving
// traffic, the registry has already finished constructing providers.
func (h *Handler) Healthz(c *gin.Context) {
	c.Status(http.StatusOK)
}

// apiKeyRequest is the body POST /api-keys accepts: an id and an initial
// credit balance in cents.
type apiKeyRequest struct {
	ID           string `json:"id"`
	InitialCents int64  `json:"initial_credit_cents"`
}

// CreateAPIKey serves POST /api-keys, mounted only when the usage ledger is
// configured.
func (h *Handler) CreateAPIKey(c *gin.Context) {
	var req apiKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.ID) == "" {
		writeError(c, http.StatusBadRequest, "id is required")
		return
	}
	if err := h.Ledger.CreateAPIKey(c.Request.Context(), req.ID, req.InitialCents); err != nil {
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": req.ID, "credit_cents": req.InitialCents})
}

// Balance serves GET /balance, reporting the remaining credit for the key
// presented in Authorization.
func (h *Handler) Balance(c *gin.Context) {
	keyID := bearerToken(c.GetHeader("Authorization"))
	if keyID == "" {
		writeError(c, http.StatusUnauthorized, "missing api key")
		return
	}
	cents, err := h.Ledger.Balance(c.Request.Context(), keyID)
	if err != nil {
		if err == usageledger.ErrKeyNotFound {
			writeError(c, http.StatusNotFound, "unknown api key")
			return
		}
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"credit_cents": cents})
}
