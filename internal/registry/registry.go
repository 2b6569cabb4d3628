// Package registry holds the gateway's static model metadata and the
// per-provider model lists each executor contributes at startup (or after a
// /models refresh), so the inbound /v1/models endpoint can return a single
// deduplicated union enriched with context-window metadata.
package registry

import (
	"sort"
	"sync"
)

// ModelInfo is the metadata the gateway knows about one model id, used to
// render and enrich /models responses. Request dispatch does not consult it:
// OpenAI-compatible and Anthropic-compatible requests pass max_tokens through
// unclamped.
type ModelInfo struct {
	ID                  string   `json:"id"`
	Object              string   `json:"object"`
	Created             int64    `json:"created,omitempty"`
	OwnedBy             string   `json:"owned_by"`
	Type                string   `json:"type,omitempty"`
	DisplayName         string   `json:"display_name,omitempty"`
	Description         string   `json:"description,omitempty"`
	ContextLength       int      `json:"context_length,omitempty"`
	MaxCompletionTokens int      `json:"max_completion_tokens,omitempty"`
	SupportedParameters []string `json:"supported_parameters,omitempty"`
	// UserDefined marks a model added from config's model_mapping rather
	// than the static catalogue below.
	UserDefined bool `json:"-"`
}

// clientEntry is one registered client's current model list plus the
// priority it was registered with, so the union in GetAvailableModels can be
// walked in a fixed, priority-ascending order instead of Go's randomized map
// iteration, and so a model id shared by two clients keeps the
// higher-priority (lower-priority-number) one's metadata.
type clientEntry struct {
	clientID string
	priority int
	models   []*ModelInfo
}

// Registry holds every provider's currently known models, keyed by the
// client id that registered them (e.g. a provider identifier), so a
// provider's models can be replaced wholesale on refresh or removed entirely
// when the provider goes away.
type Registry struct {
	mu      sync.RWMutex
	byOwner map[string]*clientEntry
}

var (
	globalOnce sync.Once
	global     *Registry
)

// GetGlobalRegistry returns the process-wide Registry singleton.
func GetGlobalRegistry() *Registry {
	globalOnce.Do(func() {
		global = &Registry{byOwner: make(map[string]*clientEntry)}
	})
	return global
}

// RegisterClient replaces clientID's model list. providerType is currently
// unused for lookup (kept so call sites read naturally as
// `reg.RegisterClient(id, "openai-compatible", priority, models)`) but is
// reserved for a future per-protocol filter. priority orders clientID against
// every other registered client in GetAvailableModels's union, lower values
// first, matching the provider priority walk in internal/provider.
func (r *Registry) RegisterClient(clientID, providerType string, priority int, models []*ModelInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byOwner[clientID] = &clientEntry{clientID: clientID, priority: priority, models: models}
}

// UnregisterClient drops clientID's model list entirely.
func (r *Registry) UnregisterClient(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byOwner, clientID)
}

// orderedEntries returns every registered client entry sorted by ascending
// priority, then by client id for a stable tie-break, so repeated calls with
// unchanged registrations always walk clients in the same order.
func (r *Registry) orderedEntries() []*clientEntry {
	out := make([]*clientEntry, 0, len(r.byOwner))
	for _, e := range r.byOwner {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].priority != out[j].priority {
			return out[i].priority < out[j].priority
		}
		return out[i].clientID < out[j].clientID
	})
	return out
}

// GetAvailableModels returns the union of every registered model, deduped by
// id and preferring the higher-priority (lower priority number) client's
// metadata on a collision, rendered as OpenAI-style /models entries. format
// is accepted for call-site symmetry with the teacher's multi-format
// registry but this gateway only ever renders the OpenAI shape.
func (r *Registry) GetAvailableModels(format string) []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []map[string]any
	for _, entry := range r.orderedEntries() {
		for _, m := range entry.models {
			if _, ok := seen[m.ID]; ok {
				continue
			}
			seen[m.ID] = struct{}{}
			out = append(out, convertModelToMap(m))
		}
	}
	return out
}

// GetModelProviders returns the provider-type labels of every registration
// carrying modelID, in priority order.
func (r *Registry) GetModelProviders(modelID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var providers []string
	for _, entry := range r.orderedEntries() {
		for _, m := range entry.models {
			if m.ID == modelID {
				providers = append(providers, m.Type)
			}
		}
	}
	return providers
}

// GetModelInfo returns the highest-priority registered ModelInfo matching
// modelID (and, if providerType is non-empty, matching Type too), or nil.
func (r *Registry) GetModelInfo(modelID, providerType string) *ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, entry := range r.orderedEntries() {
		for _, m := range entry.models {
			if m.ID != modelID {
				continue
			}
			if providerType != "" && m.Type != providerType {
				continue
			}
			return m
		}
	}
	return nil
}

// convertModelToMap renders a ModelInfo as the OpenAI /models JSON shape,
// omitting context/completion-token fields when unset so clients that don't
// expect them see a plain {id, object, owned_by, created}.
func convertModelToMap(m *ModelInfo) map[string]any {
	out := map[string]any{
		"id":       m.ID,
		"object":   "model",
		"owned_by": m.OwnedBy,
		"created":  m.Created,
	}
	if m.ContextLength > 0 {
		out["context_length"] = m.ContextLength
		out["context_window"] = m.ContextLength
	}
	if m.MaxCompletionTokens > 0 {
		out["max_completion_tokens"] = m.MaxCompletionTokens
		out["max_tokens"] = m.MaxCompletionTokens
	}
	return out
}
