package provider

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/brightloom-dev/llmgateway/internal/executor"
	"github.com/brightloom-dev/llmgateway/internal/ratelimit"
	coreauth "github.com/brightloom-dev/llmgateway/sdk/cliproxy/auth"
	cliproxyexecutor "github.com/brightloom-dev/llmgateway/sdk/cliproxy/executor"
)

// scriptedExecutor returns a canned sequence of results, one per call to
// Execute, so tests can drive the selector through a retry-then-succeed or
// retry-then-exhaust sequence without a real upstream.
type scriptedExecutor struct {
	id      string
	results []error
	calls   int
}

func (s *scriptedExecutor) Identifier() string { return s.id }

func (s *scriptedExecutor) Execute(ctx context.Context, a *coreauth.Auth, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (cliproxyexecutor.Response, error) {
	idx := s.calls
	s.calls++
	if idx >= len(s.results) {
		return cliproxyexecutor.Response{StatusCode: 200}, nil
	}
	if err := s.results[idx]; err != nil {
		return cliproxyexecutor.Response{}, err
	}
	return cliproxyexecutor.Response{StatusCode: 200}, nil
}

func (s *scriptedExecutor) ExecuteStream(ctx context.Context, a *coreauth.Auth, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (*cliproxyexecutor.StreamResult, error) {
	ch := make(chan cliproxyexecutor.StreamChunk)
	close(ch)
	return &cliproxyexecutor.StreamResult{Chunks: ch}, nil
}

func (s *scriptedExecutor) CountTokens(ctx context.Context, a *coreauth.Auth, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (cliproxyexecutor.Response, error) {
	return cliproxyexecutor.Response{}, nil
}

func (s *scriptedExecutor) Refresh(ctx context.Context, a *coreauth.Auth) (*coreauth.Auth, error) {
	return a, nil
}

func (s *scriptedExecutor) HttpRequest(ctx context.Context, a *coreauth.Auth, req *http.Request) (*http.Response, error) {
	return nil, nil
}

func newTestRegistry(t *testing.T, providerID string, exec coreauth.ProviderExecutor, accountIDs ...string) (*Registry, *coreauth.Manager) {
	t.Helper()
	mgr := coreauth.NewManager(nil, coreauth.NewRoundRobinSelector(), coreauth.NoopHook{})
	mgr.RegisterExecutor(exec)
	for _, id := range accountIDs {
		if _, err := mgr.Register(context.Background(), &coreauth.Auth{ID: id, Provider: providerID}); err != nil {
			t.Fatalf("registering account %s: %v", id, err)
		}
	}

	reg := NewRegistry(mgr)
	reg.entries = append(reg.entries, entry{id: providerID, priority: 0, enabled: true, limiter: nil})
	return reg, mgr
}

func TestExecuteAdvancesWithinProviderOnFailoverEligibleError(t *testing.T) {
	se := &scriptedExecutor{id: "copilot", results: []error{
		executor.NewUpstreamHTTPError(http.StatusServiceUnavailable, "down"),
	}}
	reg, _ := newTestRegistry(t, "copilot", se, "acct-1", "acct-2")

	resp, err := reg.Execute(context.Background(), "gpt-4o", cliproxyexecutor.Request{}, cliproxyexecutor.Options{})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if se.calls != 2 {
		t.Errorf("expected exactly 2 calls (one failure, one success), got %d", se.calls)
	}
}

func TestExecuteReturnsImmediatelyOnNonFailoverEligibleError(t *testing.T) {
	se := &scriptedExecutor{id: "copilot", results: []error{
		executor.NewUpstreamHTTPError(http.StatusBadRequest, "bad request"),
	}}
	reg, _ := newTestRegistry(t, "copilot", se, "acct-1", "acct-2")

	_, err := reg.Execute(context.Background(), "gpt-4o", cliproxyexecutor.Request{}, cliproxyexecutor.Options{})
	if err == nil {
		t.Fatal("expected the 400 to be returned verbatim")
	}
	if se.calls != 1 {
		t.Errorf("expected exactly 1 call (no failover on a non-retryable 4xx), got %d", se.calls)
	}
}

func TestExecuteExhaustsAfterSameProviderRetryBudget(t *testing.T) {
	se := &scriptedExecutor{id: "copilot", results: []error{
		executor.NewUpstreamHTTPError(http.StatusServiceUnavailable, "down"),
		executor.NewUpstreamHTTPError(http.StatusServiceUnavailable, "down"),
		executor.NewUpstreamHTTPError(http.StatusServiceUnavailable, "down"),
	}}
	reg, _ := newTestRegistry(t, "copilot", se, "acct-1")

	_, err := reg.Execute(context.Background(), "gpt-4o", cliproxyexecutor.Request{}, cliproxyexecutor.Options{})
	if err == nil {
		t.Fatal("expected NoProviderAvailable once the retry budget is exhausted")
	}
	execErr, ok := err.(*executor.Error)
	if !ok || execErr.Kind != executor.KindNoProviderAvailable {
		t.Fatalf("expected KindNoProviderAvailable, got %v", err)
	}
	reason, ok := execErr.Reasons["copilot"]
	if !ok {
		t.Fatalf("expected a recorded reason for provider %q, got %v", "copilot", execErr.Reasons)
	}
	if !strings.Contains(reason, "down") {
		t.Errorf("expected the last dispatch error to be named in the reason, got %q", reason)
	}
	if !strings.Contains(execErr.Error(), "copilot: ") {
		t.Errorf("expected the 503 body to name the provider, got %q", execErr.Error())
	}
}

func TestExecuteMarksAccountCoolingOn429(t *testing.T) {
	se := &scriptedExecutor{id: "compat", results: []error{
		executor.NewUpstreamHTTPErrorWithRetryAfter(http.StatusTooManyRequests, "slow down", 5),
	}}
	reg, mgr := newTestRegistry(t, "compat", se, "compat")

	_, err := reg.Execute(context.Background(), "gpt-4o-mini", cliproxyexecutor.Request{}, cliproxyexecutor.Options{})
	if err == nil {
		t.Fatal("expected exhaustion (single account, one failure)")
	}

	a, ok := mgr.GetByID("compat")
	if !ok {
		t.Fatal("expected the pseudo-account to remain registered")
	}
	if !a.Cooling(time.Now()) {
		t.Error("expected the account to be cooling after a 429")
	}
}

func TestAdmitsRespectsAccountLimiter(t *testing.T) {
	se := &scriptedExecutor{id: "copilot"}
	reg, _ := newTestRegistry(t, "copilot", se, "acct-1")
	reg.accountLimiters["acct-1"] = ratelimit.NewLimiter([]ratelimit.Rule{{Duration: time.Minute, Max: 0}})

	_, err := reg.Execute(context.Background(), "gpt-4o", cliproxyexecutor.Request{}, cliproxyexecutor.Options{})
	if err == nil {
		t.Fatal("expected no admission since the account limiter never admits")
	}
	if se.calls != 0 {
		t.Errorf("expected the executor never to be called, got %d calls", se.calls)
	}
}
