package provider

import (
	"context"
	"net/http"
	"time"

	"github.com/brightloom-dev/llmgateway/internal/executor"
	"github.com/brightloom-dev/llmgateway/internal/ratelimit"
	cliproxyexecutor "github.com/brightloom-dev/llmgateway/sdk/cliproxy/executor"
	log "github.com/sirupsen/logrus"
)

// cooldown durations per spec.md §4.7. A 401/403 cools the account for
// unauthorizedCooldown on the first failure and the selector moves on; the
// Copilot executor has already dropped that account's cached bearer, so the
// next call on it exchanges a fresh one. No inline refresh-and-retry is made
// on the same account.
const (
	unauthorizedCooldown = 10 * time.Minute
	serverErrorCooldown  = 60 * time.Second
	transportCooldown    = 30 * time.Second
	minRateLimitCooldown = 30 * time.Second
)

// orderedProviderIDs returns the enabled provider ids in ascending priority
// order, snapshotted under the read lock.
func (r *Registry) orderedProviderIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		if e.enabled {
			ids = append(ids, e.id)
		}
	}
	return ids
}

// HasEnabledProviders reports whether at least one provider is currently
// enabled, so GET /models can return 503 instead of an empty union once
// every provider has been disabled (spec scenario S6).
func (r *Registry) HasEnabledProviders() bool {
	return len(r.orderedProviderIDs()) > 0
}

func (r *Registry) providerLimiter(id string) *ratelimit.Limiter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.id == id {
			return e.limiter
		}
	}
	return nil
}

func (r *Registry) accountLimiter(accountID string) *ratelimit.Limiter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.accountLimiters[accountID]
}

// admits reports whether both the provider-level and account-level windows
// allow a call right now, per the "both must admit" Open Question
// resolution. ratelimit.AdmitAll checks and records across both limiters
// under a single critical section, so a refusal by either one never leaves
// the other's window consumed for a request that never dispatches.
func (r *Registry) admits(providerID, accountID string, now time.Time) bool {
	return ratelimit.AdmitAll(now, r.providerLimiter(providerID), r.accountLimiter(accountID))
}

// classify maps a dispatch error to a cooldown decision: how long to cool
// the slot for, and whether the selector may advance to another candidate
// at all.
func classify(err error) (cooldown time.Duration, failoverEligible bool) {
	execErr, ok := err.(*executor.Error)
	if !ok {
		return transportCooldown, true
	}

	switch execErr.Kind {
	case executor.KindUpstreamTransport:
		return transportCooldown, true
	case executor.KindUpstreamHTTP:
		switch {
		case execErr.StatusCode == http.StatusUnauthorized || execErr.StatusCode == http.StatusForbidden:
			return unauthorizedCooldown, true
		case execErr.StatusCode == http.StatusTooManyRequests:
			d := minRateLimitCooldown
			if retry := time.Duration(execErr.RetryAfterSeconds) * time.Second; retry > d {
				d = retry
			}
			return d, true
		case execErr.StatusCode >= 500:
			return serverErrorCooldown, true
		default:
			// Other 4xx: client-facing error, not failover-eligible.
			return 0, false
		}
	case executor.KindStreamTruncated:
		return 0, false
	default:
		return 0, false
	}
}

// notifySelectedAuth invokes the caller-supplied selected-auth callback, if
// any was threaded through opts.Metadata, so an observer (traffic recorder,
// usage ledger) can learn which provider/account served this attempt.
func notifySelectedAuth(opts cliproxyexecutor.Options, providerID, accountID string) {
	if opts.Metadata == nil {
		return
	}
	cb, ok := opts.Metadata[cliproxyexecutor.SelectedAuthCallbackMetadataKey].(func(string, string))
	if !ok || cb == nil {
		return
	}
	cb(providerID, accountID)
}

// Execute runs the full select-and-execute loop for a non-streaming call:
// walk providers in priority order, retry up to sameProviderRetries times
// within a provider (excluding already-tried accounts), and advance on any
// failover-eligible error. Returns the first successful response, or
// NoProviderAvailable once every candidate is exhausted.
func (r *Registry) Execute(ctx context.Context, model string, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (cliproxyexecutor.Response, error) {
	reasons := make(map[string]string)
	for _, providerID := range r.orderedProviderIDs() {
		tried := make(map[string]struct{})
		for attempt := 0; attempt <= sameProviderRetries; attempt++ {
			a, exec, err := r.mgr.PickNext(ctx, providerID, model, opts, tried)
			if err != nil {
				if _, seen := reasons[providerID]; !seen {
					reasons[providerID] = "no eligible account (all cooling or disabled)"
				}
				break // provider exhausted; advance
			}
			tried[a.ID] = struct{}{}

			if !r.admits(providerID, a.ID, time.Now()) {
				reasons[providerID] = "rate limited"
				continue
			}
			notifySelectedAuth(opts, providerID, a.ID)

			resp, err := exec.Execute(ctx, a, req, opts)
			if err == nil {
				a.MarkActive()
				return resp, nil
			}
			reasons[providerID] = err.Error()

			cooldown, failoverEligible := classify(err)
			if cooldown > 0 {
				code := ""
				if ee, ok := err.(*executor.Error); ok {
					code = string(ee.Kind)
				}
				a.MarkCooling(time.Now().Add(cooldown), code, err.Error())
			}
			if !failoverEligible {
				return cliproxyexecutor.Response{}, err
			}
			log.WithFields(log.Fields{"provider": providerID, "account": a.ID, "error": err}).Warn("dispatch failed, advancing")
		}
	}
	return cliproxyexecutor.Response{}, executor.NewNoProviderAvailableError(reasons)
}

// ExecuteStream is Execute's streaming counterpart. Once at least one chunk
// has been relayed to the caller, a mid-stream error is surfaced as a
// truncated stream rather than retried on another provider (the client has
// already received partial output).
func (r *Registry) ExecuteStream(ctx context.Context, model string, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (*cliproxyexecutor.StreamResult, error) {
	reasons := make(map[string]string)
	for _, providerID := range r.orderedProviderIDs() {
		tried := make(map[string]struct{})
		for attempt := 0; attempt <= sameProviderRetries; attempt++ {
			a, exec, err := r.mgr.PickNext(ctx, providerID, model, opts, tried)
			if err != nil {
				if _, seen := reasons[providerID]; !seen {
					reasons[providerID] = "no eligible account (all cooling or disabled)"
				}
				break
			}
			tried[a.ID] = struct{}{}

			if !r.admits(providerID, a.ID, time.Now()) {
				reasons[providerID] = "rate limited"
				continue
			}
			notifySelectedAuth(opts, providerID, a.ID)

			result, err := exec.ExecuteStream(ctx, a, req, opts)
			if err == nil {
				a.MarkActive()
				return result, nil
			}
			reasons[providerID] = err.Error()

			cooldown, failoverEligible := classify(err)
			if cooldown > 0 {
				code := ""
				if ee, ok := err.(*executor.Error); ok {
					code = string(ee.Kind)
				}
				a.MarkCooling(time.Now().Add(cooldown), code, err.Error())
			}
			if !failoverEligible {
				return nil, err
			}
			log.WithFields(log.Fields{"provider": providerID, "account": a.ID, "error": err}).Warn("stream dispatch failed, advancing")
		}
	}
	return nil, executor.NewNoProviderAvailableError(reasons)
}
