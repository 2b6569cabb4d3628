// Package copilotauth implements the GitHub device-code onboarding flow used
// to mint the long-lived GitHub token an Account's TokenCache exchanges for
// short-lived Copilot bearers. It is the one-shot operator script named out
// of scope by the core spec, exposed here as the `copilot-login` CLI
// subcommand's engine.
package copilotauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// DeviceCodeResponse is GitHub's response to a device-code request.
type DeviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

type accessTokenResponse struct {
	AccessToken string `json:"access_token"`
	Error       string `json:"error"`
}

// CopilotTokenResponse is the Copilot token-exchange response: a bearer good
// until ExpiresAt (unix seconds).
type CopilotTokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
	RefreshIn int    `json:"refresh_in"`
}

// GitHubUser is the subset of GitHub's /user response the gateway cares
// about, used only to label an account with a human-readable identity.
type GitHubUser struct {
	Login string `json:"login"`
	Email string `json:"email"`
}

// Flow drives the GitHub device-code flow and the Copilot token exchange. A
// Flow is stateless beyond its HTTP client and safe for concurrent use.
type Flow struct {
	httpClient   *http.Client
	githubBase   string
	githubAPIBase string
}

// NewFlow builds a Flow using the given HTTP client, or a default
// 30s-timeout client if client is nil.
func NewFlow(client *http.Client) *Flow {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Flow{httpClient: client, githubBase: githubBaseURL, githubAPIBase: githubAPIBaseURL}
}

// newFlowWithBases is used by tests to point the flow at an httptest.Server
// instead of the real github.com/api.github.com endpoints.
func newFlowWithBases(client *http.Client, githubBase, githubAPIBase string) *Flow {
	return &Flow{httpClient: client, githubBase: githubBase, githubAPIBase: githubAPIBase}
}

// NewFlowForTest builds a Flow pointed at fake github/api.github.com bases.
// Exported so other packages' tests (e.g. the Copilot executor) can stand up
// an httptest.Server in place of GitHub's token-exchange endpoint.
func NewFlowForTest(client *http.Client, githubBase, githubAPIBase string) *Flow {
	return newFlowWithBases(client, githubBase, githubAPIBase)
}

// GetDeviceCode requests a fresh device code from GitHub.
func (f *Flow) GetDeviceCode(ctx context.Context) (*DeviceCodeResponse, error) {
	body, _ := json.Marshal(map[string]string{
		"client_id": GitHubClientID,
		"scope":     GitHubAppScopes,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.githubBase+deviceCodePath, bytes.NewReader(body))
	if err != nil {
		return nil, newAuthError(ErrTypeExchangeFailed, err)
	}
	for k, v := range standardHeaders() {
		req.Header.Set(k, v)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, newAuthError(ErrTypeExchangeFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newAuthError(ErrTypeExchangeFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newAuthError(ErrTypeExchangeFailed, fmt.Errorf("status %d: %s", resp.StatusCode, raw))
	}

	var dc DeviceCodeResponse
	if err := json.Unmarshal(raw, &dc); err != nil {
		return nil, newAuthError(ErrTypeExchangeFailed, err)
	}
	return &dc, nil
}

// PollAccessToken polls GitHub until the operator has authorized the device
// code (or it expires), returning the resulting GitHub access token.
func (f *Flow) PollAccessToken(ctx context.Context, dc *DeviceCodeResponse) (string, error) {
	if dc == nil {
		return "", newAuthError(ErrTypeExchangeFailed, fmt.Errorf("nil device code"))
	}

	interval := time.Duration(dc.Interval+1) * time.Second
	deadline := time.Now().Add(time.Duration(dc.ExpiresIn) * time.Second)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(interval):
		}

		token, err := f.tryGetAccessToken(ctx, dc.DeviceCode)
		if err == nil && token != "" {
			return token, nil
		}

		switch {
		case err == ErrAuthorizationPending:
			continue
		case err == ErrSlowDown:
			interval += 5 * time.Second
		case err == ErrAccessDenied || err == ErrDeviceCodeExpired:
			return "", err
		case err != nil:
			log.Warnf("copilot device flow: poll error: %v", err)
		}
	}
	return "", ErrDeviceCodeExpired
}

func (f *Flow) tryGetAccessToken(ctx context.Context, deviceCode string) (string, error) {
	body, _ := json.Marshal(map[string]string{
		"client_id":   GitHubClientID,
		"device_code": deviceCode,
		"grant_type":  "urn:ietf:params:oauth:grant-type:device_code",
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.githubBase+accessTokenPath, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	for k, v := range standardHeaders() {
		req.Header.Set(k, v)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var tr accessTokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		if values, parseErr := url.ParseQuery(string(raw)); parseErr == nil {
			tr.AccessToken = values.Get("access_token")
			tr.Error = values.Get("error")
		}
	}

	switch tr.Error {
	case "":
		if tr.AccessToken != "" {
			return tr.AccessToken, nil
		}
		return "", ErrAuthorizationPending
	case string(ErrTypeAuthorizationPending):
		return "", ErrAuthorizationPending
	case string(ErrTypeSlowDown):
		return "", ErrSlowDown
	case string(ErrTypeAccessDenied):
		return "", ErrAccessDenied
	case string(ErrTypeExpiredToken):
		return "", ErrDeviceCodeExpired
	default:
		return "", newAuthError(ErrTypeExchangeFailed, fmt.Errorf("oauth error: %s", tr.Error))
	}
}

// ExchangeCopilotToken trades a GitHub access token for a short-lived
// Copilot bearer. This is the same exchange TokenCache performs on every
// refresh; Flow exposes it directly so `copilot-login` can validate the
// account before printing a config fragment.
func (f *Flow) ExchangeCopilotToken(ctx context.Context, githubToken string) (*CopilotTokenResponse, error) {
	if strings.TrimSpace(githubToken) == "" {
		return nil, ErrNoGitHubToken
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.githubAPIBase+copilotTokenPath, nil)
	if err != nil {
		return nil, newAuthError(ErrTypeExchangeFailed, err)
	}
	for k, v := range githubHeaders(githubToken) {
		req.Header.Set(k, v)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, newAuthError(ErrTypeExchangeFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newAuthError(ErrTypeExchangeFailed, err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, newAuthError(ErrTypeNoSubscription, fmt.Errorf("status %d: %s", resp.StatusCode, raw))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newAuthError(ErrTypeExchangeFailed, fmt.Errorf("status %d: %s", resp.StatusCode, raw))
	}

	var tr CopilotTokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return nil, newAuthError(ErrTypeExchangeFailed, err)
	}
	return &tr, nil
}

// GetGitHubUser fetches the authenticated user's login, used only to label
// an onboarded account.
func (f *Flow) GetGitHubUser(ctx context.Context, githubToken string) (*GitHubUser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.githubAPIBase+userInfoPath, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "token "+githubToken)
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github user lookup failed: status %d: %s", resp.StatusCode, raw)
	}

	var u GitHubUser
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Onboard runs the full device flow end to end: request a device code,
// invoke onDeviceCode so the caller can show it to the operator, poll until
// authorized, and exchange the result for a Copilot bearer so the account
// can be validated before it is saved.
func (f *Flow) Onboard(ctx context.Context, onDeviceCode func(*DeviceCodeResponse)) (githubToken string, user *GitHubUser, err error) {
	dc, err := f.GetDeviceCode(ctx)
	if err != nil {
		return "", nil, err
	}
	if onDeviceCode != nil {
		onDeviceCode(dc)
	}

	githubToken, err = f.PollAccessToken(ctx, dc)
	if err != nil {
		return "", nil, err
	}

	if _, err := f.ExchangeCopilotToken(ctx, githubToken); err != nil {
		return "", nil, fmt.Errorf("github token obtained but copilot access check failed: %w", err)
	}

	user, err = f.GetGitHubUser(ctx, githubToken)
	if err != nil {
		log.Warnf("copilot device flow: could not fetch github user: %v", err)
		user = &GitHubUser{}
	}
	return githubToken, user, nil
}
