// Package provider wires the gateway's configured providers (GitHub
// Copilot, and any number of OpenAI-compatible/Anthropic-compatible
// upstreams) into the credential manager and runs the priority-ordered
// select-and-execute loop described by spec.md §4.5-§4.7: walk providers in
// ascending priority, retry within a provider up to K=2 times before
// advancing, and classify every failure into either a cooldown-and-failover
// or a terminal client-facing error.
package provider

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/brightloom-dev/llmgateway/internal/config"
	"github.com/brightloom-dev/llmgateway/internal/copilotauth"
	"github.com/brightloom-dev/llmgateway/internal/executor"
	"github.com/brightloom-dev/llmgateway/internal/ratelimit"
	coreauth "github.com/brightloom-dev/llmgateway/sdk/cliproxy/auth"
	cliproxyexecutor "github.com/brightloom-dev/llmgateway/sdk/cliproxy/executor"
)

// sameProviderRetries is K in spec.md §4.5: the number of additional
// attempts against the same provider (each with a different account, where
// possible) before the selector advances to the next provider in priority
// order.
const sameProviderRetries = 2

// entry is one configured provider's priority-walk metadata. For
// github-copilot, the credential manager holds one Auth per account under
// Provider == entry.id. For the single-slot compat providers, the manager
// holds exactly one pseudo-Auth with ID == Provider == entry.id, so the
// existing cooldown/retry machinery in coreauth.Manager applies uniformly
// to both shapes.
type entry struct {
	id       string
	priority int
	enabled  bool
	limiter  *ratelimit.Limiter

	// modelsURL is this provider's live /models endpoint, used by
	// RefreshModels to populate the model registry from the upstream itself
	// rather than only the static startup catalogue. Empty when the provider
	// type has no well-known /models endpoint to call.
	modelsURL string
	// modelsFetchedAt is when modelsURL was last fetched successfully;
	// RefreshModels treats entries older than modelsCacheTTL as stale.
	modelsFetchedAt time.Time
}

// Registry owns the priority-ordered provider list and the per-account and
// per-provider rate limiters admission is checked against before dispatch.
type Registry struct {
	mgr *coreauth.Manager

	mu              sync.RWMutex
	entries         []entry
	accountLimiters map[string]*ratelimit.Limiter
}

// NewRegistry builds an empty Registry bound to mgr.
func NewRegistry(mgr *coreauth.Manager) *Registry {
	return &Registry{mgr: mgr, accountLimiters: make(map[string]*ratelimit.Limiter)}
}

func toRules(rules []config.RateLimitRule) []ratelimit.Rule {
	out := make([]ratelimit.Rule, 0, len(rules))
	for _, r := range rules {
		out = append(out, ratelimit.Rule{Duration: time.Duration(r.DurationSeconds) * time.Second, Max: r.MaxRequests})
	}
	return out
}

// Build populates a Registry from a validated GatewayConfig: every enabled
// provider is registered with its priority and rate limiter, every Copilot
// account becomes an Auth under that provider's id, and every single-slot
// compat provider becomes a pseudo-Auth under its own id. newExecutor
// constructs the ProviderExecutor for one ProviderConfig; callers supply it
// so this package stays independent of the concrete executor wiring (token
// caches, proxy pools) that requires process-wide singletons to build.
func Build(cfg *config.GatewayConfig, mgr *coreauth.Manager, newExecutor func(config.ProviderConfig) (coreauth.ProviderExecutor, error)) (*Registry, error) {
	reg := NewRegistry(mgr)
	ctx := context.Background()

	for _, p := range cfg.Providers {
		if !p.Enabled {
			continue
		}

		exec, err := newExecutor(p)
		if err != nil {
			return nil, executor.NewConfigError("constructing executor for provider "+p.ID, err)
		}
		mgr.RegisterExecutor(providerScopedExecutor{id: p.ID, inner: exec})

		reg.mu.Lock()
		reg.entries = append(reg.entries, entry{
			id:        p.ID,
			priority:  p.Priority,
			enabled:   true,
			limiter:   ratelimit.NewLimiter(toRules(p.RateLimits)),
			modelsURL: modelsURLFor(p),
		})
		reg.mu.Unlock()

		switch p.Type {
		case config.ProviderGitHubCopilot:
			for _, acct := range p.Accounts {
				a := &coreauth.Auth{
					ID:       acct.ID,
					Provider: p.ID,
					Label:    acct.ID,
					Metadata: map[string]any{"refresh_token": acct.Token},
				}
				if acct.Proxy != nil {
					a.Metadata["proxy_url"] = proxyURLFromConfig(acct.Proxy)
				}
				if _, err := mgr.Register(ctx, a); err != nil {
					return nil, err
				}
				reg.mu.Lock()
				reg.accountLimiters[acct.ID] = ratelimit.NewLimiter(toRules(acct.RateLimits))
				reg.mu.Unlock()
			}
		default:
			pseudo := &coreauth.Auth{
				ID:       p.ID,
				Provider: p.ID,
				Label:    p.ID,
				Metadata: map[string]any{"base_url": p.BaseURL, "api_key": p.APIKey},
			}
			if _, err := mgr.Register(ctx, pseudo); err != nil {
				return nil, err
			}
			reg.mu.Lock()
			reg.accountLimiters[p.ID] = ratelimit.NewLimiter(nil)
			reg.mu.Unlock()
		}
	}

	reg.mu.Lock()
	sort.SliceStable(reg.entries, func(i, j int) bool { return reg.entries[i].priority < reg.entries[j].priority })
	reg.mu.Unlock()

	return reg, nil
}

// modelsURLFor returns the live /models endpoint for p's upstream, or "" if
// that provider type has no well-known one to call.
func modelsURLFor(p config.ProviderConfig) string {
	switch p.Type {
	case config.ProviderGitHubCopilot:
		return copilotauth.CopilotAPIBase + "/models"
	case config.ProviderOpenAICompatible:
		return strings.TrimRight(p.BaseURL, "/") + "/models"
	case config.ProviderAnthropicCompatible:
		return strings.TrimRight(p.BaseURL, "/") + "/v1/models"
	default:
		return ""
	}
}

func proxyURLFromConfig(p *config.ProxyConfig) string {
	if p == nil || p.Host == "" {
		return ""
	}
	auth := ""
	if p.Username != "" {
		auth = p.Username
		if p.Password != "" {
			auth += ":" + p.Password
		}
		auth += "@"
	}
	if p.Port != 0 {
		return "http://" + auth + p.Host + ":" + strconv.Itoa(p.Port)
	}
	return "http://" + auth + p.Host
}

// providerScopedExecutor lets one ProviderExecutor implementation (e.g. one
// OpenAICompatible client configured twice with different base URLs) be
// registered under two distinct provider ids in coreauth.Manager, whose
// executor map is keyed by Identifier().
type providerScopedExecutor struct {
	id    string
	inner coreauth.ProviderExecutor
}

func (p providerScopedExecutor) Identifier() string { return p.id }

func (p providerScopedExecutor) Execute(ctx context.Context, auth *coreauth.Auth, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (cliproxyexecutor.Response, error) {
	return p.inner.Execute(ctx, auth, req, opts)
}

func (p providerScopedExecutor) ExecuteStream(ctx context.Context, auth *coreauth.Auth, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (*cliproxyexecutor.StreamResult, error) {
	return p.inner.ExecuteStream(ctx, auth, req, opts)
}

func (p providerScopedExecutor) CountTokens(ctx context.Context, auth *coreauth.Auth, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (cliproxyexecutor.Response, error) {
	return p.inner.CountTokens(ctx, auth, req, opts)
}

func (p providerScopedExecutor) Refresh(ctx context.Context, auth *coreauth.Auth) (*coreauth.Auth, error) {
	return p.inner.Refresh(ctx, auth)
}

func (p providerScopedExecutor) HttpRequest(ctx context.Context, auth *coreauth.Auth, req *http.Request) (*http.Response, error) {
	return p.inner.HttpRequest(ctx, auth, req)
}
