package copilotauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetDeviceCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != deviceCodePath {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(DeviceCodeResponse{
			DeviceCode: "dev123", UserCode: "ABCD-1234",
			VerificationURI: "https://github.com/login/device",
			ExpiresIn:       900, Interval: 5,
		})
	}))
	defer srv.Close()

	f := newFlowWithBases(srv.Client(), srv.URL, srv.URL)
	dc, err := f.GetDeviceCode(context.Background())
	if err != nil {
		t.Fatalf("GetDeviceCode: %v", err)
	}
	if dc.UserCode != "ABCD-1234" {
		t.Fatalf("expected user code ABCD-1234, got %q", dc.UserCode)
	}
}

func TestPollAccessTokenRetriesOnAuthorizationPending(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			_ = json.NewEncoder(w).Encode(accessTokenResponse{Error: string(ErrTypeAuthorizationPending)})
			return
		}
		_ = json.NewEncoder(w).Encode(accessTokenResponse{AccessToken: "gho_test"})
	}))
	defer srv.Close()

	f := newFlowWithBases(srv.Client(), srv.URL, srv.URL)
	dc := &DeviceCodeResponse{DeviceCode: "dev123", Interval: 0, ExpiresIn: 5}

	token, err := f.PollAccessToken(context.Background(), dc)
	if err != nil {
		t.Fatalf("PollAccessToken: %v", err)
	}
	if token != "gho_test" {
		t.Fatalf("expected gho_test, got %q", token)
	}
	if calls != 3 {
		t.Fatalf("expected 3 polls before success, got %d", calls)
	}
}

func TestPollAccessTokenPropagatesAccessDenied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(accessTokenResponse{Error: string(ErrTypeAccessDenied)})
	}))
	defer srv.Close()

	f := newFlowWithBases(srv.Client(), srv.URL, srv.URL)
	dc := &DeviceCodeResponse{DeviceCode: "dev123", Interval: 0, ExpiresIn: 5}

	if _, err := f.PollAccessToken(context.Background(), dc); err != ErrAccessDenied {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
}

func TestExchangeCopilotTokenRejectsEmptyToken(t *testing.T) {
	f := NewFlow(nil)
	if _, err := f.ExchangeCopilotToken(context.Background(), ""); err != ErrNoGitHubToken {
		t.Fatalf("expected ErrNoGitHubToken, got %v", err)
	}
}

func TestExchangeCopilotTokenParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "token gho_abc" {
			t.Fatalf("unexpected Authorization header %q", got)
		}
		_ = json.NewEncoder(w).Encode(CopilotTokenResponse{Token: "bearer-xyz", ExpiresAt: 1234567890})
	}))
	defer srv.Close()

	f := newFlowWithBases(srv.Client(), srv.URL, srv.URL)
	tr, err := f.ExchangeCopilotToken(context.Background(), "gho_abc")
	if err != nil {
		t.Fatalf("ExchangeCopilotToken: %v", err)
	}
	if tr.Token != "bearer-xyz" || tr.ExpiresAt != 1234567890 {
		t.Fatalf("unexpected token response: %+v", tr)
	}
}

func TestExchangeCopilotTokenSurfacesNoSubscription(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"no subscription"}`))
	}))
	defer srv.Close()

	f := newFlowWithBases(srv.Client(), srv.URL, srv.URL)
	_, err := f.ExchangeCopilotToken(context.Background(), "gho_abc")
	if err == nil {
		t.Fatal("expected an error")
	}
	var authErr *AuthError
	if ae, ok := err.(*AuthError); ok {
		authErr = ae
	}
	if authErr == nil || authErr.Type != ErrTypeNoSubscription {
		t.Fatalf("expected ErrTypeNoSubscription, got %v", err)
	}
}

func TestAuthErrorUnwrap(t *testing.T) {
	cause := context.DeadlineExceeded
	e := newAuthError(ErrTypeExchangeFailed, cause)
	if e.Unwrap() != cause {
		t.Fatal("expected Unwrap to return the wrapped cause")
	}
	if e.Error() == "" {
		t.Fatal("expected non-empty error message")
	}
}
