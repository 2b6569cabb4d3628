// Package config loads and validates the gateway's YAML configuration file:
// the provider list, global timeouts, the inbound master key, and the
// optional usage ledger DSN.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProviderType enumerates the three supported upstream kinds.
type ProviderType string

const (
	ProviderGitHubCopilot      ProviderType = "github-copilot"
	ProviderOpenAICompatible   ProviderType = "openai-compatible"
	ProviderAnthropicCompatible ProviderType = "anthropic-compatible"
)

// RateLimitRule is one admission window: at most MaxRequests within Duration
// seconds.
type RateLimitRule struct {
	DurationSeconds int `yaml:"duration" json:"duration"`
	MaxRequests     int `yaml:"max_requests" json:"max_requests"`
}

// ProxyConfig optionally overrides the gateway-wide proxy for one Copilot
// account.
type ProxyConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
}

// AccountConfig is one Copilot account: a refresh token plus optional
// per-account proxy and rate limit overrides.
type AccountConfig struct {
	ID         string          `yaml:"id" json:"id"`
	Token      string          `yaml:"token" json:"token"`
	Proxy      *ProxyConfig    `yaml:"proxy,omitempty" json:"proxy,omitempty"`
	RateLimits []RateLimitRule `yaml:"rate_limits,omitempty" json:"rate_limits,omitempty"`
}

// ProviderConfig is one entry in the top-level `providers` list.
type ProviderConfig struct {
	// ID distinguishes two providers of the same Type (e.g. two
	// openai-compatible upstreams). Defaults to Type when omitted, which is
	// fine as long as Type appears at most once without an explicit ID.
	ID         string            `yaml:"id,omitempty" json:"id,omitempty"`
	Type       ProviderType      `yaml:"type" json:"type"`
	Enabled    bool              `yaml:"enabled" json:"enabled"`
	Priority   int               `yaml:"priority" json:"priority"`
	RateLimits []RateLimitRule   `yaml:"rate_limits,omitempty" json:"rate_limits,omitempty"`

	// Copilot-only.
	Accounts []AccountConfig `yaml:"accounts,omitempty" json:"accounts,omitempty"`

	// openai-compatible / anthropic-compatible only.
	BaseURL          string            `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	APIKey           string            `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	ModelMapping     map[string]string `yaml:"model_mapping,omitempty" json:"model_mapping,omitempty"`
	AnthropicVersion string            `yaml:"anthropic_version,omitempty" json:"anthropic_version,omitempty"`
}

// UsageLedgerConfig enables the optional Postgres-backed credit subsystem.
type UsageLedgerConfig struct {
	DSN string `yaml:"dsn" json:"dsn"`
}

// GatewayConfig is the full, validated contents of the gateway's config
// file.
type GatewayConfig struct {
	Providers []ProviderConfig `yaml:"providers" json:"providers"`

	TokenRefreshIntervalSeconds int    `yaml:"token_refresh_interval,omitempty" json:"token_refresh_interval,omitempty"`
	RequestTimeoutSeconds       int    `yaml:"request_timeout,omitempty" json:"request_timeout,omitempty"`
	RecordTraffic               bool   `yaml:"record_traffic,omitempty" json:"record_traffic,omitempty"`
	MasterKey                   string `yaml:"master_key,omitempty" json:"master_key,omitempty"`
	Listen                       string `yaml:"listen,omitempty" json:"listen,omitempty"`
	LogLevel                     string `yaml:"log_level,omitempty" json:"log_level,omitempty"`

	ProxyURL string `yaml:"proxy-url,omitempty" json:"proxy-url,omitempty"`

	UsageLedger *UsageLedgerConfig `yaml:"usage_ledger,omitempty" json:"usage_ledger,omitempty"`
}

// ConfigError reports a fail-fast configuration problem detected before any
// provider object is constructed.
type ConfigError struct {
	Path    string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("config: %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("config: %s", e.Message)
}

func newConfigError(path, format string, args ...any) *ConfigError {
	return &ConfigError{Path: path, Message: fmt.Sprintf(format, args...)}
}

const (
	defaultTokenRefreshIntervalSeconds = 1500
	defaultRequestTimeoutSeconds       = 100
	defaultListen                      = ":8080"
	defaultLogLevel                    = "info"
)

// Load reads, parses, and validates the gateway config file at path,
// applying defaults for any omitted optional field.
func Load(path string) (*GatewayConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, newConfigError(path, "reading config file: %v", err)
	}

	var cfg GatewayConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, newConfigError(path, "parsing yaml: %v", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *GatewayConfig) applyDefaults() {
	if c.TokenRefreshIntervalSeconds <= 0 {
		c.TokenRefreshIntervalSeconds = defaultTokenRefreshIntervalSeconds
	}
	if c.RequestTimeoutSeconds <= 0 {
		c.RequestTimeoutSeconds = defaultRequestTimeoutSeconds
	}
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = defaultListen
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = defaultLogLevel
	}
}

// Validate checks every structural invariant the config must satisfy before
// the registry is allowed to construct providers: known provider types,
// base_url/api_key present for the compat providers, at least one account
// for every Copilot provider.
func (c *GatewayConfig) Validate() error {
	if len(c.Providers) == 0 {
		return newConfigError("providers", "at least one provider must be configured")
	}

	seenIDs := make(map[string]struct{}, len(c.Providers))
	for i := range c.Providers {
		if strings.TrimSpace(c.Providers[i].ID) == "" {
			c.Providers[i].ID = string(c.Providers[i].Type)
		}
		id := c.Providers[i].ID
		path := fmt.Sprintf("providers[%d]", i)
		if _, dup := seenIDs[id]; dup {
			return newConfigError(path, "duplicate provider id %q; set an explicit id to disambiguate", id)
		}
		seenIDs[id] = struct{}{}
	}

	for i, p := range c.Providers {
		path := fmt.Sprintf("providers[%d]", i)
		switch p.Type {
		case ProviderGitHubCopilot:
			if len(p.Accounts) == 0 {
				return newConfigError(path, "github-copilot provider requires at least one account")
			}
			for j, acct := range p.Accounts {
				if strings.TrimSpace(acct.ID) == "" {
					return newConfigError(fmt.Sprintf("%s.accounts[%d]", path, j), "account id must not be empty")
				}
				if strings.TrimSpace(acct.Token) == "" {
					return newConfigError(fmt.Sprintf("%s.accounts[%d]", path, j), "account token must not be empty")
				}
			}
		case ProviderOpenAICompatible, ProviderAnthropicCompatible:
			if strings.TrimSpace(p.BaseURL) == "" {
				return newConfigError(path, "%s provider requires base_url", p.Type)
			}
			if strings.TrimSpace(p.APIKey) == "" {
				return newConfigError(path, "%s provider requires api_key", p.Type)
			}
		default:
			return newConfigError(path, "unknown provider type %q", p.Type)
		}
	}

	if c.UsageLedger != nil && strings.TrimSpace(c.UsageLedger.DSN) == "" {
		return newConfigError("usage_ledger", "dsn must not be empty when usage_ledger is configured")
	}

	return nil
}
