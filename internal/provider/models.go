package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/brightloom-dev/llmgateway/internal/registry"
	coreauth "github.com/brightloom-dev/llmgateway/sdk/cliproxy/auth"
	log "github.com/sirupsen/logrus"
)

// modelsCacheTTL is the §4.6 cache window: a provider's /models response is
// reused for this long before RefreshModels fetches it again.
const modelsCacheTTL = 5 * time.Minute

// modelsFetchTimeout bounds a single provider's live /models call so a slow
// or unreachable upstream never stalls the whole refresh.
const modelsFetchTimeout = 5 * time.Second

// RefreshModels re-fetches the /models endpoint for every enabled provider
// whose cached catalogue is missing or older than modelsCacheTTL, and pushes
// a successful result into models under that provider's id and priority so
// GetAvailableModels's union reflects it. A provider whose fetch fails or
// that has no known /models endpoint keeps whatever static or previously
// fetched catalogue it already has registered.
func (r *Registry) RefreshModels(ctx context.Context, models *registry.Registry) {
	now := time.Now()
	for _, e := range r.snapshotEntries() {
		if e.modelsURL == "" {
			continue
		}
		if now.Sub(e.modelsFetchedAt) < modelsCacheTTL {
			continue
		}

		fetchCtx, cancel := context.WithTimeout(ctx, modelsFetchTimeout)
		fetched, err := r.fetchProviderModels(fetchCtx, e)
		cancel()
		if err != nil {
			log.WithFields(log.Fields{"provider": e.id, "error": err}).Warn("models: live fetch failed, keeping cached catalogue")
			continue
		}

		// Upstream listings carry bare ids; keep the context-window metadata
		// the registry already holds for them.
		for _, m := range fetched {
			if known := models.GetModelInfo(m.ID, ""); known != nil {
				m.ContextLength = known.ContextLength
				m.MaxCompletionTokens = known.MaxCompletionTokens
			}
		}
		models.RegisterClient(e.id, "", e.priority, fetched)
		r.markModelsFetched(e.id, now)
	}
}

// snapshotEntries returns a copy of every registered entry, safe to range
// over without holding r.mu.
func (r *Registry) snapshotEntries() []entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// markModelsFetched records that e's /models endpoint was just fetched
// successfully, so RefreshModels doesn't re-fetch it again for modelsCacheTTL.
func (r *Registry) markModelsFetched(providerID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.entries {
		if r.entries[i].id == providerID {
			r.entries[i].modelsFetchedAt = at
			return
		}
	}
}

// fetchProviderModels performs the live GET against e.modelsURL, authenticated
// via whatever account the provider's own executor would normally dispatch
// with, and maps the OpenAI-style {"data":[{"id": "..."}]} body into
// ModelInfo entries owned by e.id.
func (r *Registry) fetchProviderModels(ctx context.Context, e entry) ([]*registry.ModelInfo, error) {
	exec, ok := r.mgr.Executor(e.id)
	if !ok {
		return nil, fmt.Errorf("no executor registered for provider %q", e.id)
	}
	auth := r.firstUsableAuth(e.id)
	if auth == nil {
		return nil, fmt.Errorf("no usable account for provider %q", e.id)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, e.modelsURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := exec.HttpRequest(ctx, auth, httpReq)
	if err != nil {
		return nil, err
	}
	if resp == nil || resp.Body == nil {
		return nil, fmt.Errorf("empty response from %s", e.modelsURL)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, e.modelsURL)
	}

	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}

	out := make([]*registry.ModelInfo, 0, len(body.Data))
	for _, m := range body.Data {
		if m.ID == "" {
			continue
		}
		out = append(out, &registry.ModelInfo{ID: m.ID, Object: "model", OwnedBy: e.id})
	}
	return out, nil
}

// firstUsableAuth returns the first registered, non-disabled, non-cooling
// Auth for providerID, or nil if none is available right now.
func (r *Registry) firstUsableAuth(providerID string) *coreauth.Auth {
	now := time.Now()
	for _, a := range r.mgr.List() {
		if a.Provider != providerID || a.Disabled || a.Cooling(now) {
			continue
		}
		return a
	}
	return nil
}
