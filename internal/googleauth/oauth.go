package googleauth

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"formulai/engine/internal/egress"
	"formulai/engine/internal/llm"
)

const (
	AuthBaseURL   = "https://accounts.google.com"
	AuthorizePath = "/o/oauth2/v2/auth"
	TokenBaseURL  = "https://oauth2.googleapis.com"
	TokenPath     = "/token"
	Scope         = "https://www.googleapis.com/auth/spreadsheets https://www.googleapis.com/auth/drive.readonly"
)

// Tokens are refreshed this long before their recorded expiry.
const RefreshBuffer = 5 * time.Minute

var (
	ErrNotAuthenticated = errors.New("google not authenticated")
	ErrRefreshFailed    = errors.New("google token refresh failed")
)

type Credential struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
}

type Client struct {
	authBaseURL  string
	tokenBaseURL string
	clientID     string
	clientSecret string
	redirectURI  string
	scope        string
	httpClient   *http.Client
	now          func() time.Time
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

func NewClient(clientID, clientSecret, redirectURI string) *Client {
	transport := egress.NewAllowlistRoundTripper(http.DefaultTransport, []string{"oauth2.googleapis.com"})
	return &Client{
		authBaseURL:  AuthBaseURL,
		tokenBaseURL: TokenBaseURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURI:  redirectURI,
		scope:        Scope,
		httpClient: &http.Client{
			Timeout:   60 * time.Second,
			Transport: transport,
		},
		now: time.Now,
	}
}

func GenerateState() (string, error) {
	raw := make([]byte, 24)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func (c *Client) BuildAuthorizeURL(state string) (string, error) {
	base, err := url.Parse(c.authBaseURL)
	if err != nil {
		return "", err
	}
	base.Path = AuthorizePath
	query := base.Query()
	query.Set("client_id", c.clientID)
	query.Set("redirect_uri", c.redirectURI)
	query.Set("response_type", "code")
	query.Set("scope", c.scope)
	query.Set("access_type", "offline")
	query.Set("prompt", "consent")
	query.Set("state", strings.TrimSpace(state))
	base.RawQuery = query.Encode()
	return base.String(), nil
}

func (c *Client) ParseRedirectURL(redirectURL string) (string, string, error) {
	parsed, err := url.Parse(strings.TrimSpace(redirectURL))
	if err != nil {
		return "", "", err
	}
	query := parsed.Query()
	if oauthErr := strings.TrimSpace(query.Get("error")); oauthErr != "" {
		return "", "", fmt.Errorf("oauth error: %s", oauthErr)
	}
	code := strings.TrimSpace(query.Get("code"))
	state := strings.TrimSpace(query.Get("state"))
	if code == "" {
		return "", "", errors.New("missing code in redirect URL")
	}
	return code, state, nil
}

func (c *Client) ExchangeAuthorizationCode(ctx context.Context, code string) (Credential, error) {
	values := url.Values{}
	values.Set("grant_type", "authorization_code")
	values.Set("code", strings.TrimSpace(code))
	values.Set("redirect_uri", c.redirectURI)
	values.Set("client_id", c.clientID)
	values.Set("client_secret", c.clientSecret)
	return c.postToken(ctx, values)
}

func (c *Client) RefreshAccessToken(ctx context.Context, refreshToken string) (Credential, error) {
	values := url.Values{}
	values.Set("grant_type", "refresh_token")
	values.Set("refresh_token", strings.TrimSpace(refreshToken))
	values.Set("client_id", c.clientID)
	values.Set("client_secret", c.clientSecret)
	cred, err := c.postToken(ctx, values)
	if err != nil {
		return Credential{}, err
	}
	// Google omits the refresh token on refresh grants; keep the one we have.
	if cred.RefreshToken == "" {
		cred.RefreshToken = refreshToken
	}
	return cred, nil
}

// RefreshIfNeeded returns the credential to use for the next request,
// refreshing it first when it is within RefreshBuffer of expiry. The second
// return reports whether a refresh call was issued. A provider rejection maps
// to ErrRefreshFailed; the caller must treat the user as logged out.
func (c *Client) RefreshIfNeeded(ctx context.Context, cred Credential) (Credential, bool, error) {
	if strings.TrimSpace(cred.AccessToken) == "" && strings.TrimSpace(cred.RefreshToken) == "" {
		return Credential{}, false, ErrNotAuthenticated
	}
	if !cred.ExpiresAt.IsZero() && c.now().Before(cred.ExpiresAt.Add(-RefreshBuffer)) {
		return cred, false, nil
	}
	if strings.TrimSpace(cred.RefreshToken) == "" {
		return Credential{}, false, ErrRefreshFailed
	}
	refreshed, err := c.RefreshAccessToken(ctx, cred.RefreshToken)
	if err != nil {
		if errors.Is(err, llm.ErrUnauthorized) {
			return Credential{}, true, ErrRefreshFailed
		}
		return Credential{}, true, err
	}
	return refreshed, true, nil
}

func (c *Client) postToken(ctx context.Context, values url.Values) (Credential, error) {
	endpoint, err := url.Parse(c.tokenBaseURL)
	if err != nil {
		return Credential{}, err
	}
	endpoint.Path = TokenPath
	body := bytes.NewBufferString(values.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), body)
	if err != nil {
		return Credential{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, llm.ErrEgressBlocked) {
			return Credential{}, llm.ErrEgressBlocked
		}
		return Credential{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusBadRequest {
		return Credential{}, llm.ErrUnauthorized
	}
	if resp.StatusCode >= 500 {
		return Credential{}, llm.ErrUnavailable
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errorBody, _ := io.ReadAll(resp.Body)
		return Credential{}, fmt.Errorf("oauth token exchange failed: %s - %s", resp.Status, strings.TrimSpace(string(errorBody)))
	}
	var payload tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Credential{}, err
	}
	if strings.TrimSpace(payload.AccessToken) == "" {
		return Credential{}, errors.New("oauth token response missing access_token")
	}
	expiresAt := c.now().UTC()
	if payload.ExpiresIn > 0 {
		expiresAt = expiresAt.Add(time.Duration(payload.ExpiresIn) * time.Second)
	}
	return Credential{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		TokenType:    payload.TokenType,
		ExpiresAt:    expiresAt,
	}, nil
}
