package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"formulai/engine/internal/errinfo"
	"formulai/engine/internal/googleauth"
	"formulai/engine/internal/llm"
	"formulai/engine/internal/secrets"
)

type authCompleteParams struct {
	RedirectURL  string `json:"redirect_url,omitempty"`
	Code         string `json:"code,omitempty"`
	State        string `json:"state,omitempty"`
	AccountLabel string `json:"account_label,omitempty"`
}

// AuthStart begins the OAuth flow: it returns the authorize URL for the UI to
// open and remembers the state for AuthComplete to verify.
func (e *Engine) AuthStart(ctx context.Context, _ json.RawMessage) (any, *errinfo.ErrorInfo) {
	state, err := googleauth.GenerateState()
	if err != nil {
		return nil, errinfo.UpstreamUnavailable(errinfo.PhaseAuth, err.Error())
	}
	authorizeURL, err := e.oauth.BuildAuthorizeURL(state)
	if err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseAuth, err.Error())
	}
	e.authMu.Lock()
	e.pendingState = state
	e.authMu.Unlock()
	e.logger.Info("auth.flow_started")
	return map[string]any{
		"authorize_url": authorizeURL,
		"state":         state,
	}, nil
}

// AuthComplete exchanges the authorization code for tokens and stores the
// credential. Accepts either the full redirect URL or an explicit code+state.
func (e *Engine) AuthComplete(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var p authCompleteParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseAuth, "invalid params")
	}
	code := strings.TrimSpace(p.Code)
	state := strings.TrimSpace(p.State)
	if p.RedirectURL != "" {
		parsedCode, parsedState, err := e.oauth.ParseRedirectURL(p.RedirectURL)
		if err != nil {
			return nil, errinfo.ValidationFailed(errinfo.PhaseAuth, err.Error())
		}
		code, state = parsedCode, parsedState
	}
	if code == "" {
		return nil, errinfo.ValidationFailed(errinfo.PhaseAuth, "missing authorization code")
	}
	e.authMu.Lock()
	expected := e.pendingState
	e.authMu.Unlock()
	if expected == "" || state != expected {
		return nil, errinfo.ValidationFailed(errinfo.PhaseAuth, "state mismatch")
	}
	cred, err := e.oauth.ExchangeAuthorizationCode(ctx, code)
	if err != nil {
		switch {
		case errors.Is(err, llm.ErrUnauthorized):
			return nil, errinfo.ValidationFailed(errinfo.PhaseAuth, "authorization code rejected")
		case errors.Is(err, llm.ErrEgressBlocked):
			return nil, errinfo.EgressBlocked(errinfo.PhaseAuth, "oauth2.googleapis.com")
		default:
			return nil, errinfo.UpstreamUnavailable(errinfo.PhaseAuth, err.Error())
		}
	}
	if err := e.secrets.SetGoogleCredential(&secrets.GoogleCredential{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		AccountLabel: strings.TrimSpace(p.AccountLabel),
		ExpiresAt:    cred.ExpiresAt,
	}); err != nil {
		return nil, errinfo.FileWriteFailed(errinfo.PhaseAuth, err.Error())
	}
	e.authMu.Lock()
	e.pendingState = ""
	e.authMu.Unlock()
	e.logger.Info("auth.connected", "expires_at", cred.ExpiresAt.UTC().Format(time.RFC3339))
	return map[string]any{
		"connected":  true,
		"expires_at": cred.ExpiresAt.UTC().Format(time.RFC3339),
	}, nil
}

func (e *Engine) AuthStatus(ctx context.Context, _ json.RawMessage) (any, *errinfo.ErrorInfo) {
	stored, err := e.secrets.GetGoogleCredential()
	if err != nil {
		return nil, errinfo.FileReadFailed(errinfo.PhaseAuth, err.Error())
	}
	if stored == nil || (strings.TrimSpace(stored.AccessToken) == "" && strings.TrimSpace(stored.RefreshToken) == "") {
		return map[string]any{"connected": false}, nil
	}
	result := map[string]any{"connected": true}
	if !stored.ExpiresAt.IsZero() {
		result["expires_at"] = stored.ExpiresAt.UTC().Format(time.RFC3339)
		result["expired"] = e.now().After(stored.ExpiresAt)
	}
	if stored.AccountLabel != "" {
		result["account_label"] = stored.AccountLabel
	}
	return result, nil
}

func (e *Engine) AuthDisconnect(ctx context.Context, _ json.RawMessage) (any, *errinfo.ErrorInfo) {
	if err := e.secrets.SetGoogleCredential(nil); err != nil {
		return nil, errinfo.FileWriteFailed(errinfo.PhaseAuth, err.Error())
	}
	e.logger.Info("auth.disconnected")
	return map[string]any{"connected": false}, nil
}
