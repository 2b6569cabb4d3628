package executor

import (
	"fmt"
	"sort"
	"strings"
)

// ErrorKind classifies a dispatch failure so the orchestrator and selector
// know whether to retry, advance to the next account, or give up entirely.
type ErrorKind string

const (
	// KindConfig means the gateway itself is misconfigured for this
	// provider/account; retrying another account will not help.
	KindConfig ErrorKind = "config_error"
	// KindToken means credential exchange failed.
	KindToken ErrorKind = "token_error"
	// KindAccountCooling means the chosen account is in cooldown and was
	// skipped before a call was attempted.
	KindAccountCooling ErrorKind = "account_cooling"
	// KindProviderCooling means every account for the provider is cooling.
	KindProviderCooling ErrorKind = "provider_cooling"
	// KindUpstreamTransport means the HTTP call to the upstream itself
	// failed (DNS, TLS, connection reset, timeout).
	KindUpstreamTransport ErrorKind = "upstream_transport"
	// KindUpstreamHTTP means the upstream responded with a non-2xx status.
	KindUpstreamHTTP ErrorKind = "upstream_http"
	// KindNoProviderAvailable means every provider in priority order was
	// exhausted without a success.
	KindNoProviderAvailable ErrorKind = "no_provider_available"
	// KindStreamTruncated means a streaming response that had already
	// started failed mid-relay: the upstream read failed or went idle for
	// longer than the relay's timeout.
	KindStreamTruncated ErrorKind = "stream_truncated"
)

// Error is the typed error every executor returns, carrying enough context
// for the selector to decide whether advancing to another account/provider
// can help and for the HTTP layer to render an OpenAI-style error body.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	// RetryAfterSeconds carries the upstream's Retry-After hint for a 429
	// response, 0 when absent.
	RetryAfterSeconds int
	// Reasons carries, for KindNoProviderAvailable, each provider id's last
	// skip/failure reason, so the 503 body can name why every provider was
	// unusable rather than a single fixed string.
	Reasons map[string]string
	cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	if len(e.Reasons) > 0 {
		ids := make([]string, 0, len(e.Reasons))
		for id := range e.Reasons {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		parts := make([]string, 0, len(ids))
		for _, id := range ids {
			parts = append(parts, fmt.Sprintf("%s: %s", id, e.Reasons[id]))
		}
		msg = fmt.Sprintf("%s (%s)", msg, strings.Join(parts, "; "))
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether trying the next account/provider could plausibly
// succeed where this one failed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindAccountCooling, KindProviderCooling, KindUpstreamTransport, KindUpstreamHTTP, KindToken:
		return true
	default:
		return false
	}
}

func newError(kind ErrorKind, status int, message string, cause error) *Error {
	return &Error{Kind: kind, StatusCode: status, Message: message, cause: cause}
}

// NewConfigError reports a gateway misconfiguration.
func NewConfigError(message string, cause error) *Error {
	return newError(KindConfig, 0, message, cause)
}

// NewTokenError reports a credential refresh failure.
func NewTokenError(cause error) *Error {
	return newError(KindToken, 0, "token refresh failed", cause)
}

// NewAccountCoolingError reports that the selector found no eligible account.
func NewAccountCoolingError(accountID string) *Error {
	return newError(KindAccountCooling, 0, fmt.Sprintf("account %q is cooling down", accountID), nil)
}

// NewProviderCoolingError reports that every account for a provider is
// cooling down.
func NewProviderCoolingError(provider string) *Error {
	return newError(KindProviderCooling, 0, fmt.Sprintf("all accounts for provider %q are cooling down", provider), nil)
}

// NewUpstreamTransportError wraps a transport-level failure (dial, TLS,
// timeout) reaching the upstream.
func NewUpstreamTransportError(cause error) *Error {
	return newError(KindUpstreamTransport, 0, "upstream request failed", cause)
}

// NewUpstreamHTTPError wraps a non-2xx upstream response.
func NewUpstreamHTTPError(status int, body string) *Error {
	return newError(KindUpstreamHTTP, status, body, nil)
}

// NewUpstreamHTTPErrorWithRetryAfter wraps a non-2xx upstream response that
// carried a Retry-After hint (meaningful for 429s; retryAfterSeconds is 0
// when the upstream did not send one).
func NewUpstreamHTTPErrorWithRetryAfter(status int, body string, retryAfterSeconds int) *Error {
	e := newError(KindUpstreamHTTP, status, body, nil)
	e.RetryAfterSeconds = retryAfterSeconds
	return e
}

// NewNoProviderAvailableError reports total exhaustion across every
// registered provider. reasons carries each provider id's last skip/failure
// reason (account cooling, rate limited, the upstream error text, ...), for
// debuggability in the 503 body.
func NewNoProviderAvailableError(reasons map[string]string) *Error {
	e := newError(KindNoProviderAvailable, 0, "no provider available to serve this request", nil)
	e.Reasons = reasons
	return e
}

// NewStreamTruncatedError reports a read error or idle timeout on a stream
// whose 2xx response was already handed to the caller, so the caller must
// not retry on another account.
func NewStreamTruncatedError(cause error) *Error {
	return newError(KindStreamTruncated, 0, "stream ended before a terminal event", cause)
}
