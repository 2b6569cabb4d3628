// Package executor implements the ProviderExecutor contracts the gateway
// dispatches requests through: one for GitHub Copilot, one for generic
// OpenAI-compatible upstreams, and one for Anthropic-compatible upstreams.
package executor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	coreauth "github.com/brightloom-dev/llmgateway/sdk/cliproxy/auth"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

var (
	httpClientCache      = make(map[string]*http.Client)
	httpClientCacheMutex sync.RWMutex
	proxyInfoOnce        sync.Map
)

func maskProxyURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u == nil {
		return "<invalid-proxy-url>"
	}
	if u.User != nil {
		u.User = url.UserPassword("****", "****")
	}
	return u.String()
}

func noProxyEnvRaw() string {
	if v := strings.TrimSpace(os.Getenv("NO_PROXY")); v != "" {
		return v
	}
	return strings.TrimSpace(os.Getenv("no_proxy"))
}

func parseNoProxyList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func shouldBypassProxy(host string, patterns []string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" || len(patterns) == 0 {
		return false
	}
	if h, _, err := net.SplitHostPort(host); err == nil && h != "" {
		host = h
	}
	for _, p := range patterns {
		if p == "*" {
			return true
		}
		if host == p {
			return true
		}
		if strings.HasPrefix(p, ".") && strings.HasSuffix(host, p) {
			return true
		}
		if !strings.HasPrefix(p, ".") && strings.HasSuffix(host, "."+p) {
			return true
		}
	}
	return false
}

func logProxyOnce(key, msg string, args ...any) {
	if _, loaded := proxyInfoOnce.LoadOrStore(key, struct{}{}); loaded {
		return
	}
	log.Infof(msg, args...)
}

// newProxyAwareHTTPClient resolves, in priority order, the account's own
// proxy override then the gateway's global proxy, falls back to a direct
// transport, and caches built clients (Timeout=0, so a cached transport is
// never accidentally applied to a long-lived stream) keyed on proxy URL and
// NO_PROXY so repeated calls for the same account reuse connections.
func newProxyAwareHTTPClient(ctx context.Context, globalProxyURL string, account *coreauth.Auth, timeout time.Duration, service string) *http.Client {
	var proxyURL, proxySource string
	if account != nil {
		proxyURL = strings.TrimSpace(account.ProxyURL())
		if proxyURL != "" {
			proxySource = "account"
		}
	}
	if proxyURL == "" && strings.TrimSpace(globalProxyURL) != "" {
		proxyURL = strings.TrimSpace(globalProxyURL)
		proxySource = "global"
	}

	noProxyRaw := ""
	var noProxyList []string
	if proxyURL != "" {
		noProxyRaw = noProxyEnvRaw()
		noProxyList = parseNoProxyList(noProxyRaw)
	}

	cacheKey := proxyURL
	if proxyURL != "" && noProxyRaw != "" {
		cacheKey = proxyURL + "|no_proxy=" + strings.ToLower(noProxyRaw)
	}

	httpClientCacheMutex.RLock()
	if cached, ok := httpClientCache[cacheKey]; ok {
		httpClientCacheMutex.RUnlock()
		if timeout > 0 {
			return &http.Client{Transport: cached.Transport, Timeout: timeout}
		}
		return cached
	}
	httpClientCacheMutex.RUnlock()

	httpClient := &http.Client{}

	if proxyURL != "" {
		transport := buildProxyTransport(proxyURL, noProxyList, service)
		if transport != nil {
			httpClient.Transport = transport
			httpClientCacheMutex.Lock()
			httpClientCache[cacheKey] = httpClient
			httpClientCacheMutex.Unlock()
			logProxyOnce(
				fmt.Sprintf("proxy.enabled.%s.%s", strings.ToLower(service), maskProxyURL(proxyURL)),
				"proxy: service=%s enabled proxy=%s source=%s no_proxy=%q",
				service, maskProxyURL(proxyURL), proxySource, noProxyRaw,
			)
			if timeout > 0 {
				return &http.Client{Transport: transport, Timeout: timeout}
			}
			return httpClient
		}
		log.Debugf("executor: failed to set up proxy %s, falling back to direct transport", maskProxyURL(proxyURL))
	}

	if rt, ok := ctx.Value(roundTripperContextKey{}).(http.RoundTripper); ok && rt != nil {
		httpClient.Transport = rt
	}

	if proxyURL == "" && httpClient.Transport == nil {
		httpClientCacheMutex.Lock()
		httpClientCache[cacheKey] = httpClient
		httpClientCacheMutex.Unlock()
	}

	if timeout > 0 {
		return &http.Client{Transport: httpClient.Transport, Timeout: timeout}
	}
	return httpClient
}

// roundTripperContextKey lets a caller inject a test transport via context.
type roundTripperContextKey struct{}

func buildProxyTransport(proxyURL string, noProxyList []string, service string) *http.Transport {
	if proxyURL == "" {
		return nil
	}

	parsed, err := url.Parse(proxyURL)
	if err != nil {
		log.Errorf("executor: parse proxy URL failed: %v", err)
		return nil
	}

	switch parsed.Scheme {
	case "socks5":
		var auth *proxy.Auth
		if parsed.User != nil {
			password, _ := parsed.User.Password()
			auth = &proxy.Auth{User: parsed.User.Username(), Password: password}
		}
		dialer, err := proxy.SOCKS5("tcp", parsed.Host, auth, proxy.Direct)
		if err != nil {
			log.Errorf("executor: create SOCKS5 dialer failed: %v", err)
			return nil
		}
		direct := &net.Dialer{}
		return &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				if shouldBypassProxy(addr, noProxyList) {
					logProxyOnce(
						fmt.Sprintf("proxy.bypass.%s.%s", strings.ToLower(service), strings.ToLower(addr)),
						"proxy: service=%s bypass host=%s reason=NO_PROXY", service, addr,
					)
					return direct.DialContext(ctx, network, addr)
				}
				return dialer.Dial(network, addr)
			},
		}
	case "http", "https":
		return &http.Transport{
			Proxy: func(req *http.Request) (*url.URL, error) {
				if req != nil && req.URL != nil && shouldBypassProxy(req.URL.Hostname(), noProxyList) {
					logProxyOnce(
						fmt.Sprintf("proxy.bypass.%s.%s", strings.ToLower(service), strings.ToLower(req.URL.Hostname())),
						"proxy: service=%s bypass host=%s reason=NO_PROXY", service, req.URL.Hostname(),
					)
					return nil, nil
				}
				return parsed, nil
			},
		}
	default:
		log.Errorf("executor: unsupported proxy scheme: %s", parsed.Scheme)
		return nil
	}
}
