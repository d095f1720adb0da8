package googleauth

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"
)

type mockRT struct {
	roundTrip func(req *http.Request) (*http.Response, error)
}

func (m *mockRT) RoundTrip(req *http.Request) (*http.Response, error) {
	return m.roundTrip(req)
}

func response(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

func testClient(rt http.RoundTripper, now time.Time) *Client {
	return &Client{
		authBaseURL:  AuthBaseURL,
		tokenBaseURL: TokenBaseURL,
		clientID:     "client-1",
		clientSecret: "secret-1",
		redirectURI:  "http://localhost:3000/api/auth/google/callback",
		scope:        Scope,
		httpClient:   &http.Client{Transport: rt},
		now:          func() time.Time { return now },
	}
}

func TestBuildAuthorizeURL(t *testing.T) {
	client := testClient(nil, time.Now())
	raw, err := client.BuildAuthorizeURL("state-123")
	if err != nil {
		t.Fatalf("build authorize url: %v", err)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse authorize url: %v", err)
	}
	if parsed.Host != "accounts.google.com" {
		t.Fatalf("unexpected host: %s", parsed.Host)
	}
	query := parsed.Query()
	if query.Get("access_type") != "offline" {
		t.Fatalf("expected offline access_type, got %q", query.Get("access_type"))
	}
	if query.Get("prompt") != "consent" {
		t.Fatalf("expected consent prompt, got %q", query.Get("prompt"))
	}
	if query.Get("state") != "state-123" {
		t.Fatalf("expected state to round-trip, got %q", query.Get("state"))
	}
	if !strings.Contains(query.Get("scope"), "spreadsheets") {
		t.Fatalf("expected spreadsheets scope, got %q", query.Get("scope"))
	}
}

func TestExchangeAuthorizationCode(t *testing.T) {
	now := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	client := testClient(&mockRT{
		roundTrip: func(req *http.Request) (*http.Response, error) {
			if req.URL.Host != "oauth2.googleapis.com" || req.URL.Path != TokenPath {
				t.Fatalf("unexpected token endpoint: %s", req.URL)
			}
			body, _ := io.ReadAll(req.Body)
			values, _ := url.ParseQuery(string(body))
			if values.Get("grant_type") != "authorization_code" {
				t.Fatalf("unexpected grant_type: %q", values.Get("grant_type"))
			}
			if values.Get("code") != "code-1" {
				t.Fatalf("unexpected code: %q", values.Get("code"))
			}
			return response(http.StatusOK, `{"access_token":"at-1","refresh_token":"rt-1","token_type":"Bearer","expires_in":3600}`), nil
		},
	}, now)
	cred, err := client.ExchangeAuthorizationCode(context.Background(), "code-1")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if cred.AccessToken != "at-1" || cred.RefreshToken != "rt-1" {
		t.Fatalf("unexpected credential: %#v", cred)
	}
	if !cred.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("expected expiry at %s, got %s", now.Add(time.Hour), cred.ExpiresAt)
	}
}

func TestRefreshKeepsRefreshToken(t *testing.T) {
	client := testClient(&mockRT{
		roundTrip: func(req *http.Request) (*http.Response, error) {
			return response(http.StatusOK, `{"access_token":"at-2","token_type":"Bearer","expires_in":3600}`), nil
		},
	}, time.Now())
	cred, err := client.RefreshAccessToken(context.Background(), "rt-1")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if cred.RefreshToken != "rt-1" {
		t.Fatalf("expected refresh token preserved, got %q", cred.RefreshToken)
	}
}

func TestRefreshIfNeededSkipsFreshCredential(t *testing.T) {
	now := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	calls := 0
	client := testClient(&mockRT{
		roundTrip: func(req *http.Request) (*http.Response, error) {
			calls++
			return response(http.StatusOK, `{"access_token":"at-2","expires_in":3600}`), nil
		},
	}, now)
	cred := Credential{AccessToken: "at-1", RefreshToken: "rt-1", ExpiresAt: now.Add(time.Hour)}
	got, refreshed, err := client.RefreshIfNeeded(context.Background(), cred)
	if err != nil {
		t.Fatalf("refresh if needed: %v", err)
	}
	if refreshed || calls != 0 {
		t.Fatalf("expected no refresh call, got refreshed=%v calls=%d", refreshed, calls)
	}
	if got.AccessToken != "at-1" {
		t.Fatalf("expected credential unchanged")
	}
}

func TestRefreshIfNeededRefreshesExpiredCredential(t *testing.T) {
	now := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	calls := 0
	client := testClient(&mockRT{
		roundTrip: func(req *http.Request) (*http.Response, error) {
			calls++
			return response(http.StatusOK, `{"access_token":"at-2","expires_in":3600}`), nil
		},
	}, now)
	cred := Credential{AccessToken: "at-1", RefreshToken: "rt-1", ExpiresAt: now.Add(-time.Minute)}
	got, refreshed, err := client.RefreshIfNeeded(context.Background(), cred)
	if err != nil {
		t.Fatalf("refresh if needed: %v", err)
	}
	if !refreshed || calls != 1 {
		t.Fatalf("expected exactly one refresh call, got refreshed=%v calls=%d", refreshed, calls)
	}
	if !got.ExpiresAt.After(cred.ExpiresAt) {
		t.Fatalf("expected strictly later expiry, got %s", got.ExpiresAt)
	}
}

func TestRefreshIfNeededRefreshesInsideBuffer(t *testing.T) {
	now := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	calls := 0
	client := testClient(&mockRT{
		roundTrip: func(req *http.Request) (*http.Response, error) {
			calls++
			return response(http.StatusOK, `{"access_token":"at-2","expires_in":3600}`), nil
		},
	}, now)
	cred := Credential{AccessToken: "at-1", RefreshToken: "rt-1", ExpiresAt: now.Add(2 * time.Minute)}
	_, refreshed, err := client.RefreshIfNeeded(context.Background(), cred)
	if err != nil {
		t.Fatalf("refresh if needed: %v", err)
	}
	if !refreshed || calls != 1 {
		t.Fatalf("expected refresh inside 5 minute buffer, got refreshed=%v calls=%d", refreshed, calls)
	}
}

func TestRefreshIfNeededProviderRejection(t *testing.T) {
	now := time.Now()
	client := testClient(&mockRT{
		roundTrip: func(req *http.Request) (*http.Response, error) {
			return response(http.StatusBadRequest, `{"error":"invalid_grant"}`), nil
		},
	}, now)
	cred := Credential{AccessToken: "at-1", RefreshToken: "rt-1", ExpiresAt: now.Add(-time.Minute)}
	_, _, err := client.RefreshIfNeeded(context.Background(), cred)
	if err != ErrRefreshFailed {
		t.Fatalf("expected ErrRefreshFailed, got %v", err)
	}
}

func TestRefreshIfNeededAbsentCredential(t *testing.T) {
	client := testClient(nil, time.Now())
	_, _, err := client.RefreshIfNeeded(context.Background(), Credential{})
	if err != ErrNotAuthenticated {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestParseRedirectURL(t *testing.T) {
	client := testClient(nil, time.Now())
	code, state, err := client.ParseRedirectURL("http://localhost:3000/api/auth/google/callback?code=abc&state=xyz")
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	if code != "abc" || state != "xyz" {
		t.Fatalf("unexpected code/state: %q %q", code, state)
	}
	if _, _, err := client.ParseRedirectURL("http://localhost:3000/cb?error=access_denied"); err == nil {
		t.Fatalf("expected error for denied redirect")
	}
}
