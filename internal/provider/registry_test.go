package provider

import (
	"context"
	"net/http"
	"testing"

	"github.com/brightloom-dev/llmgateway/internal/config"
	coreauth "github.com/brightloom-dev/llmgateway/sdk/cliproxy/auth"
	cliproxyexecutor "github.com/brightloom-dev/llmgateway/sdk/cliproxy/executor"
)

type stubExecutor struct{ id string }

func (s stubExecutor) Identifier() string { return s.id }
func (s stubExecutor) Execute(ctx context.Context, a *coreauth.Auth, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (cliproxyexecutor.Response, error) {
	return cliproxyexecutor.Response{}, nil
}
func (s stubExecutor) ExecuteStream(ctx context.Context, a *coreauth.Auth, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (*cliproxyexecutor.StreamResult, error) {
	return nil, nil
}
func (s stubExecutor) CountTokens(ctx context.Context, a *coreauth.Auth, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (cliproxyexecutor.Response, error) {
	return cliproxyexecutor.Response{}, nil
}
func (s stubExecutor) Refresh(ctx context.Context, a *coreauth.Auth) (*coreauth.Auth, error) {
	return a, nil
}
func (s stubExecutor) HttpRequest(ctx context.Context, a *coreauth.Auth, req *http.Request) (*http.Response, error) {
	return nil, nil
}

func TestBuildOrdersProvidersByPriorityAscending(t *testing.T) {
	cfg := &config.GatewayConfig{
		Providers: []config.ProviderConfig{
			{ID: "slow", Type: config.ProviderOpenAICompatible, Enabled: true, Priority: 10, BaseURL: "https://b", APIKey: "k"},
			{ID: "fast", Type: config.ProviderOpenAICompatible, Enabled: true, Priority: 1, BaseURL: "https://a", APIKey: "k"},
		},
	}

	mgr := coreauth.NewManager(nil, coreauth.NewRoundRobinSelector(), coreauth.NoopHook{})
	reg, err := Build(cfg, mgr, func(p config.ProviderConfig) (coreauth.ProviderExecutor, error) {
		return stubExecutor{id: p.ID}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ids := reg.orderedProviderIDs()
	if len(ids) != 2 || ids[0] != "fast" || ids[1] != "slow" {
		t.Fatalf("expected [fast slow] in priority order, got %v", ids)
	}
}

func TestBuildRegistersOneAuthPerCopilotAccount(t *testing.T) {
	cfg := &config.GatewayConfig{
		Providers: []config.ProviderConfig{
			{ID: "github-copilot", Type: config.ProviderGitHubCopilot, Enabled: true, Priority: 0, Accounts: []config.AccountConfig{
				{ID: "acct-a", Token: "tok-a"},
				{ID: "acct-b", Token: "tok-b"},
			}},
		},
	}

	mgr := coreauth.NewManager(nil, coreauth.NewRoundRobinSelector(), coreauth.NoopHook{})
	if _, err := Build(cfg, mgr, func(p config.ProviderConfig) (coreauth.ProviderExecutor, error) {
		return stubExecutor{id: p.ID}, nil
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := mgr.GetByID("acct-a"); !ok {
		t.Error("expected acct-a to be registered")
	}
	if _, ok := mgr.GetByID("acct-b"); !ok {
		t.Error("expected acct-b to be registered")
	}
}

func TestBuildSkipsDisabledProviders(t *testing.T) {
	cfg := &config.GatewayConfig{
		Providers: []config.ProviderConfig{
			{ID: "disabled-one", Type: config.ProviderOpenAICompatible, Enabled: false, BaseURL: "https://b", APIKey: "k"},
		},
	}

	mgr := coreauth.NewManager(nil, coreauth.NewRoundRobinSelector(), coreauth.NoopHook{})
	reg, err := Build(cfg, mgr, func(p config.ProviderConfig) (coreauth.ProviderExecutor, error) {
		t.Fatal("newExecutor should not be called for a disabled provider")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reg.orderedProviderIDs()) != 0 {
		t.Error("expected no enabled providers")
	}
}
