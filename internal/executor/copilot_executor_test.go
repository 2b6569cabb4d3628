package executor

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brightloom-dev/llmgateway/internal/copilotauth"
	coreauth "github.com/brightloom-dev/llmgateway/sdk/cliproxy/auth"
	cliproxyexecutor "github.com/brightloom-dev/llmgateway/sdk/cliproxy/executor"
	"github.com/tidwall/gjson"
)

func newTestExecutor(tokenServer, upstream *httptest.Server) *CopilotExecutor {
	flow := copilotauth.NewFlowForTest(tokenServer.Client(), tokenServer.URL, tokenServer.URL)
	exec := NewCopilotExecutor(flow, "", 5*time.Second, defaultMaxTokensCap)
	exec.copilotAPIBase = upstream.URL
	return exec
}

func tokenServerReturning(bearer string) *httptest.Server {
	expiresAt := strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10)
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"token":"` + bearer + `","expires_at":` + expiresAt + `}`))
	}))
}

func TestCopilotExecutorExecuteInjectsHeadersAndFlattensContent(t *testing.T) {
	var gotAuth, gotEditorVersion, gotIntegrationID string
	var gotBody []byte

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotAuth = r.Header.Get("Authorization")
		gotEditorVersion = r.Header.Get("Editor-Version")
		gotIntegrationID = r.Header.Get("Copilot-Integration-Id")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"chatcmpl-1","choices":[{"message":{"role":"assistant","content":"hi"}}]}`))
	}))
	defer upstream.Close()

	tokenServer := tokenServerReturning("cp_bearer")
	defer tokenServer.Close()

	exec := newTestExecutor(tokenServer, upstream)
	auth := &coreauth.Auth{ID: "acct-1", Provider: "github-copilot", Metadata: map[string]any{"refresh_token": "gho_x"}}
	req := cliproxyexecutor.Request{
		Model: "gpt-4o",
		Body:  []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":[{"type":"text","text":"hello"}]}],"max_tokens":50000}`),
	}

	resp, err := exec.Execute(context.Background(), auth, req, cliproxyexecutor.Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if gotAuth != "Bearer cp_bearer" {
		t.Fatalf("unexpected Authorization header: %q", gotAuth)
	}
	if gotEditorVersion != copilotauth.EditorVersion || gotIntegrationID != copilotauth.IntegrationID {
		t.Fatalf("unexpected copilot identity headers: %q %q", gotEditorVersion, gotIntegrationID)
	}
	content := gjson.GetBytes(gotBody, "messages.0.content")
	if content.Type != gjson.String || content.String() != "hello" {
		t.Fatalf("expected the content array flattened to %q, got %s", "hello", content.Raw)
	}
}

func TestCopilotExecutorExecuteStreamRelaysChunksInOrder(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range []string{
			"data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n",
			"data: {\"choices\":[{\"delta\":{\"content\":\"b\"}}]}\n\n",
			"data: [DONE]\n\n",
		} {
			_, _ = w.Write([]byte(line))
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	tokenServer := tokenServerReturning("cp_bearer")
	defer tokenServer.Close()

	exec := newTestExecutor(tokenServer, upstream)
	auth := &coreauth.Auth{ID: "acct-1", Provider: "github-copilot", Metadata: map[string]any{"refresh_token": "gho_x"}}
	req := cliproxyexecutor.Request{Model: "gpt-4o", Stream: true, Body: []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)}

	result, err := exec.ExecuteStream(context.Background(), auth, req, cliproxyexecutor.Options{})
	if err != nil {
		t.Fatalf("ExecuteStream: %v", err)
	}

	var received []string
	for chunk := range result.Chunks {
		if chunk.Err != nil {
			t.Fatalf("unexpected chunk error: %v", chunk.Err)
		}
		if len(chunk.Data) == 0 {
			continue
		}
		received = append(received, string(chunk.Data))
	}
	want := []string{
		`data: {"choices":[{"delta":{"content":"a"}}]}`,
		`data: {"choices":[{"delta":{"content":"b"}}]}`,
		"data: [DONE]",
	}
	if len(received) != len(want) {
		t.Fatalf("expected %d relayed lines, got %d: %v", len(want), len(received), received)
	}
	for i, line := range want {
		if received[i] != line {
			t.Fatalf("line %d: expected %q, got %q", i, line, received[i])
		}
	}
}

func TestCopilotExecutorExecuteStreamReportsIdleTimeout(t *testing.T) {
	block := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n"))
		flusher.Flush()
		<-block
	}))
	defer upstream.Close()
	defer close(block)

	tokenServer := tokenServerReturning("cp_bearer")
	defer tokenServer.Close()

	origTimeout := idleReadTimeout
	idleReadTimeout = 50 * time.Millisecond
	defer func() { idleReadTimeout = origTimeout }()

	exec := newTestExecutor(tokenServer, upstream)
	auth := &coreauth.Auth{ID: "acct-1", Provider: "github-copilot", Metadata: map[string]any{"refresh_token": "gho_x"}}
	req := cliproxyexecutor.Request{Model: "gpt-4o", Stream: true, Body: []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)}

	result, err := exec.ExecuteStream(context.Background(), auth, req, cliproxyexecutor.Options{})
	if err != nil {
		t.Fatalf("ExecuteStream: %v", err)
	}

	var sawTruncation bool
	for chunk := range result.Chunks {
		if chunk.Err != nil {
			sawTruncation = true
		}
	}
	if !sawTruncation {
		t.Fatal("expected a stream-truncated error once the idle timeout elapsed")
	}
}

func TestCopilotExecutorExecuteInvalidatesTokenOn401(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
	}))
	defer upstream.Close()

	var exchanges int32
	expiresAt := strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10)
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&exchanges, 1)
		_, _ = w.Write([]byte(`{"token":"cp_bearer","expires_at":` + expiresAt + `}`))
	}))
	defer tokenServer.Close()

	exec := newTestExecutor(tokenServer, upstream)
	auth := &coreauth.Auth{ID: "acct-1", Provider: "github-copilot", Metadata: map[string]any{"refresh_token": "gho_x"}}
	req := cliproxyexecutor.Request{Model: "gpt-4o", Body: []byte(`{"model":"gpt-4o","messages":[]}`)}

	_, err := exec.Execute(context.Background(), auth, req, cliproxyexecutor.Options{})
	if err == nil {
		t.Fatal("expected an error on a 401 upstream response")
	}
	execErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if execErr.Kind != KindUpstreamHTTP || execErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unexpected error: %+v", execErr)
	}
	// The cached bearer was dropped, so the next call exchanges a new one.
	if _, err := exec.Execute(context.Background(), auth, req, cliproxyexecutor.Options{}); err == nil {
		t.Fatal("expected the second call to fail on the 401 upstream too")
	}
	if n := atomic.LoadInt32(&exchanges); n != 2 {
		t.Fatalf("expected the 401 to force a second token exchange, got %d exchanges", n)
	}
}
