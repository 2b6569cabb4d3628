package executor

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	coreauth "github.com/brightloom-dev/llmgateway/sdk/cliproxy/auth"
	cliproxyexecutor "github.com/brightloom-dev/llmgateway/sdk/cliproxy/executor"
	"github.com/tidwall/gjson"
)

func TestChatToAnthropicRequestLiftsSystemAndDefaultsMaxTokens(t *testing.T) {
	body := []byte(`{"model":"claude-3","messages":[{"role":"system","content":"be terse"},{"role":"user","content":"hi"}]}`)
	out := chatToAnthropicRequest(body, false)

	if gjson.GetBytes(out, "system").String() != "be terse" {
		t.Fatalf("expected system lifted out, got %s", out)
	}
	if gjson.GetBytes(out, "max_tokens").Int() != defaultAnthropicMaxTokens {
		t.Fatalf("expected default max_tokens, got %d", gjson.GetBytes(out, "max_tokens").Int())
	}
	messages := gjson.GetBytes(out, "messages").Array()
	if len(messages) != 1 || messages[0].Get("role").String() != "user" {
		t.Fatalf("expected one user message, got %s", out)
	}
}

func TestChatToAnthropicRequestTranslatesToolCalls(t *testing.T) {
	body := []byte(`{"model":"claude-3","messages":[
		{"role":"user","content":"what's the weather"},
		{"role":"assistant","content":"","tool_calls":[{"id":"call_1","function":{"name":"get_weather","arguments":"{\"city\":\"nyc\"}"}}]},
		{"role":"tool","tool_call_id":"call_1","content":"72F"}
	]}`)
	out := chatToAnthropicRequest(body, false)

	messages := gjson.GetBytes(out, "messages").Array()
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d: %s", len(messages), out)
	}
	toolUse := messages[1].Get("content.0")
	if toolUse.Get("type").String() != "tool_use" || toolUse.Get("name").String() != "get_weather" {
		t.Fatalf("expected tool_use block, got %s", messages[1].Raw)
	}
	toolResult := messages[2].Get("content.0")
	if toolResult.Get("type").String() != "tool_result" || toolResult.Get("tool_use_id").String() != "call_1" {
		t.Fatalf("expected tool_result block, got %s", messages[2].Raw)
	}
}

func TestAnthropicToChatResponseExtractsTextAndUsage(t *testing.T) {
	body := []byte(`{"id":"msg_1","model":"claude-3","stop_reason":"end_turn","content":[{"type":"text","text":"hello there"}],"usage":{"input_tokens":10,"output_tokens":5}}`)
	out := anthropicToChatResponse(body)

	if gjson.GetBytes(out, "choices.0.message.content").String() != "hello there" {
		t.Fatalf("expected text content, got %s", out)
	}
	if gjson.GetBytes(out, "choices.0.finish_reason").String() != "stop" {
		t.Fatalf("expected finish_reason stop, got %s", out)
	}
	if gjson.GetBytes(out, "usage.total_tokens").Int() != 15 {
		t.Fatalf("expected total_tokens 15, got %d", gjson.GetBytes(out, "usage.total_tokens").Int())
	}
}

func TestAnthropicToChatResponseExtractsToolUse(t *testing.T) {
	body := []byte(`{"id":"msg_2","model":"claude-3","stop_reason":"tool_use","content":[{"type":"tool_use","id":"call_9","name":"get_weather","input":{"city":"nyc"}}]}`)
	out := anthropicToChatResponse(body)

	if gjson.GetBytes(out, "choices.0.finish_reason").String() != "tool_calls" {
		t.Fatalf("expected finish_reason tool_calls, got %s", out)
	}
	toolCall := gjson.GetBytes(out, "choices.0.message.tool_calls.0")
	if toolCall.Get("function.name").String() != "get_weather" {
		t.Fatalf("expected translated tool call, got %s", out)
	}
}

func TestAnthropicExecutorExecuteTranslatesRoundTrip(t *testing.T) {
	var gotBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","model":"claude-3","stop_reason":"end_turn","content":[{"type":"text","text":"hi back"}],"usage":{"input_tokens":3,"output_tokens":2}}`))
	}))
	defer upstream.Close()

	exec := NewAnthropicExecutor("anthropic-compat:example", upstream.URL, "sk-ant-test", "", nil, 5*time.Second, "")
	req := cliproxyexecutor.Request{Model: "claude-3", Body: []byte(`{"model":"claude-3","messages":[{"role":"user","content":"hi"}]}`)}

	resp, err := exec.Execute(context.Background(), &coreauth.Auth{ID: "slot", Provider: exec.Identifier()}, req, cliproxyexecutor.Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if gjson.GetBytes(gotBody, "max_tokens").Int() != defaultAnthropicMaxTokens {
		t.Fatalf("expected translated request to carry max_tokens, got %s", gotBody)
	}
	if gjson.GetBytes(resp.Body, "choices.0.message.content").String() != "hi back" {
		t.Fatalf("expected translated response content, got %s", resp.Body)
	}
}

func TestTranslateAnthropicStreamEmitsTextDeltasAndFinish(t *testing.T) {
	in := make(chan cliproxyexecutor.StreamChunk, 8)
	in <- cliproxyexecutor.StreamChunk{Data: []byte(`data: {"type":"message_start","message":{"id":"msg_1","model":"claude-3"}}`)}
	in <- cliproxyexecutor.StreamChunk{Data: []byte(`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`)}
	in <- cliproxyexecutor.StreamChunk{Data: []byte(`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi"}}`)}
	in <- cliproxyexecutor.StreamChunk{Data: []byte(`data: {"type":"content_block_stop","index":0}`)}
	in <- cliproxyexecutor.StreamChunk{Data: []byte(`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"}}`)}
	in <- cliproxyexecutor.StreamChunk{Data: []byte(`data: {"type":"message_stop"}`)}
	close(in)

	out := make(chan cliproxyexecutor.StreamChunk)
	go translateAnthropicStream(in, out)

	var contents []string
	var sawFinish bool
	for chunk := range out {
		if chunk.Err != nil {
			t.Fatalf("unexpected error: %v", chunk.Err)
		}
		if content := gjson.GetBytes(chunk.Data, "choices.0.delta.content"); content.Exists() {
			contents = append(contents, content.String())
		}
		if fr := gjson.GetBytes(chunk.Data, "choices.0.finish_reason"); fr.Exists() && fr.String() == "stop" {
			sawFinish = true
		}
	}
	if len(contents) != 1 || contents[0] != "hi" {
		t.Fatalf("expected one text delta %q, got %v", "hi", contents)
	}
	if !sawFinish {
		t.Fatal("expected a translated finish_reason chunk")
	}
}
