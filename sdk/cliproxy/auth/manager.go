package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	cliproxyexecutor "github.com/brightloom-dev/llmgateway/sdk/cliproxy/executor"
)

// ProviderExecutor dispatches calls against one upstream provider using the
// credentials held on whichever Auth the Manager hands it.
type ProviderExecutor interface {
	Identifier() string
	Execute(ctx context.Context, auth *Auth, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (cliproxyexecutor.Response, error)
	ExecuteStream(ctx context.Context, auth *Auth, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (*cliproxyexecutor.StreamResult, error)
	CountTokens(ctx context.Context, auth *Auth, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (cliproxyexecutor.Response, error)
	Refresh(ctx context.Context, auth *Auth) (*Auth, error)
	HttpRequest(ctx context.Context, auth *Auth, req *http.Request) (*http.Response, error)
}

// Selector orders the eligible candidates for a provider/model pair and
// returns the one to try next.
type Selector interface {
	Pick(ctx context.Context, provider, model string, opts cliproxyexecutor.Options, candidates []*Auth) (*Auth, error)
}

// Store optionally persists Auth state across restarts. The gateway's static
// YAML-driven config does not need one; it exists so a future persistence
// layer has somewhere to hook in without changing Manager's shape.
type Store interface {
	Save(ctx context.Context, a *Auth) error
}

// Hook is notified whenever an Auth's runtime state changes.
type Hook interface {
	OnAuthUpdated(ctx context.Context, a *Auth)
}

// NoopHook discards all notifications.
type NoopHook struct{}

func (NoopHook) OnAuthUpdated(context.Context, *Auth) {}

// ErrNoProviderAvailable is returned by pickNext when no enabled, non-cooling
// Auth remains for the requested provider.
var ErrNoProviderAvailable = fmt.Errorf("auth: no account available for provider")

// Manager owns the set of registered Auths and Provider executors and
// implements the retry/advance selection spec.md §4.5 describes: callers
// repeatedly call pickNext, adding the returned Auth's ID to tried, until
// either a call succeeds or every candidate across every provider in
// priority order is exhausted.
type Manager struct {
	store    Store
	selector Selector
	hook     Hook

	mu            sync.RWMutex
	auths         map[string]*Auth
	byProvider    map[string][]*Auth
	providerOrder []string
	executors     map[string]ProviderExecutor
}

// NewManager builds a Manager. store and selector may be nil; hook defaults
// to NoopHook when nil.
func NewManager(store Store, selector Selector, hook Hook) *Manager {
	if hook == nil {
		hook = NoopHook{}
	}
	return &Manager{
		store:      store,
		selector:   selector,
		hook:       hook,
		auths:      make(map[string]*Auth),
		byProvider: make(map[string][]*Auth),
		executors:  make(map[string]ProviderExecutor),
	}
}

// RegisterExecutor attaches a ProviderExecutor to the provider name it
// reports via Identifier.
func (m *Manager) RegisterExecutor(executor ProviderExecutor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executors[executor.Identifier()] = executor
}

// Register adds or replaces an Auth. Registering an ID that already exists
// overwrites the previous entry; callers that need to preserve runtime state
// across a config reload must copy it forward themselves.
func (m *Manager) Register(ctx context.Context, a *Auth) (*Auth, error) {
	if a == nil || a.ID == "" {
		return nil, fmt.Errorf("auth: cannot register an auth without an ID")
	}

	m.mu.Lock()
	if _, exists := m.auths[a.ID]; !exists {
		if _, seen := m.byProvider[a.Provider]; !seen {
			m.providerOrder = append(m.providerOrder, a.Provider)
		}
		m.byProvider[a.Provider] = append(m.byProvider[a.Provider], a)
	} else {
		list := m.byProvider[a.Provider]
		for i, existing := range list {
			if existing.ID == a.ID {
				list[i] = a
				break
			}
		}
	}
	m.auths[a.ID] = a
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Save(ctx, a); err != nil {
			return nil, err
		}
	}
	m.hook.OnAuthUpdated(ctx, a)
	return a, nil
}

// GetByID returns the Auth registered under id, if any.
func (m *Manager) GetByID(id string) (*Auth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.auths[id]
	return a, ok
}

// List returns every registered Auth, in registration order.
func (m *Manager) List() []*Auth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Auth, 0, len(m.auths))
	for _, provider := range m.providerOrder {
		out = append(out, m.byProvider[provider]...)
	}
	return out
}

// pickNext returns the next untried, enabled, non-cooling Auth for provider
// along with its executor. Candidates already present in tried are skipped,
// implementing the "advance past the current account" half of spec.md
// §4.5's retry loop; the caller adds the returned Auth's ID to tried before
// calling again on failure.
func (m *Manager) pickNext(ctx context.Context, provider, model string, opts cliproxyexecutor.Options, tried map[string]struct{}) (*Auth, ProviderExecutor, error) {
	m.mu.RLock()
	executor, ok := m.executors[provider]
	all := m.byProvider[provider]
	m.mu.RUnlock()

	if !ok {
		return nil, nil, fmt.Errorf("auth: no executor registered for provider %q", provider)
	}

	now := time.Now()
	candidates := make([]*Auth, 0, len(all))
	for _, a := range all {
		if a.Disabled {
			continue
		}
		if _, skip := tried[a.ID]; skip {
			continue
		}
		if a.Cooling(now) {
			continue
		}
		candidates = append(candidates, a)
	}
	if len(candidates) == 0 {
		return nil, nil, ErrNoProviderAvailable
	}

	if m.selector != nil {
		picked, err := m.selector.Pick(ctx, provider, model, opts, candidates)
		if err != nil {
			return nil, nil, err
		}
		if picked == nil {
			return nil, nil, ErrNoProviderAvailable
		}
		return picked, executor, nil
	}

	return candidates[0], executor, nil
}

// PickNext exposes pickNext for the orchestrator and executors outside this
// package.
func (m *Manager) PickNext(ctx context.Context, provider, model string, opts cliproxyexecutor.Options, tried map[string]struct{}) (*Auth, ProviderExecutor, error) {
	return m.pickNext(ctx, provider, model, opts, tried)
}

// Executor returns the registered executor for provider, if any.
func (m *Manager) Executor(provider string) (ProviderExecutor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.executors[provider]
	return e, ok
}

// Providers returns the set of provider names with at least one registered
// Auth, used to drive the priority walk across providers.
func (m *Manager) Providers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.providerOrder))
	copy(out, m.providerOrder)
	return out
}
