package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"formulai/engine/internal/errinfo"
	"formulai/engine/internal/llm"
	"formulai/engine/internal/settings"
)

type setAPIKeyParams struct {
	APIKey string `json:"api_key"`
}

func (e *Engine) ProvidersGetStatus(ctx context.Context, _ json.RawMessage) (any, *errinfo.ErrorInfo) {
	settingsData, err := e.settings.Load()
	if err != nil {
		return nil, errinfo.FileReadFailed(errinfo.PhaseSettings, err.Error())
	}
	key, err := e.secrets.GetOpenAIKey()
	if err != nil {
		return nil, errinfo.FileReadFailed(errinfo.PhaseSettings, err.Error())
	}
	entry := settingsData.Providers[settings.ProviderOpenAI]
	return map[string]any{
		"provider_id": settings.ProviderOpenAI,
		"configured":  strings.TrimSpace(key) != "",
		"enabled":     entry.Enabled,
		"model_id":    entry.ModelID,
	}, nil
}

func (e *Engine) ProvidersSetApiKey(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var p setAPIKeyParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseSettings, "invalid params")
	}
	if strings.TrimSpace(p.APIKey) == "" {
		return nil, errinfo.ValidationFailed(errinfo.PhaseSettings, "api_key is required")
	}
	if err := e.secrets.SetOpenAIKey(strings.TrimSpace(p.APIKey)); err != nil {
		return nil, errinfo.FileWriteFailed(errinfo.PhaseSettings, err.Error())
	}
	e.logger.Info("providers.api_key_set")
	return map[string]any{"ok": true}, nil
}

func (e *Engine) ProvidersClearApiKey(ctx context.Context, _ json.RawMessage) (any, *errinfo.ErrorInfo) {
	if err := e.secrets.ClearOpenAIKey(); err != nil {
		return nil, errinfo.FileWriteFailed(errinfo.PhaseSettings, err.Error())
	}
	e.logger.Info("providers.api_key_cleared")
	return map[string]any{"ok": true}, nil
}

func (e *Engine) ProvidersValidate(ctx context.Context, _ json.RawMessage) (any, *errinfo.ErrorInfo) {
	key, err := e.secrets.GetOpenAIKey()
	if err != nil {
		return nil, errinfo.FileReadFailed(errinfo.PhaseSettings, err.Error())
	}
	if strings.TrimSpace(key) == "" {
		return nil, errinfo.ValidationFailed(errinfo.PhaseSettings, "no api key configured")
	}
	if err := e.llm.ValidateKey(ctx, key); err != nil {
		switch {
		case errors.Is(err, llm.ErrUnauthorized):
			return nil, errinfo.ValidationFailed(errinfo.PhaseSettings, "api key rejected")
		case errors.Is(err, llm.ErrRateLimited):
			return nil, errinfo.RateLimited(errinfo.PhaseSettings)
		case errors.Is(err, llm.ErrEgressBlocked):
			return nil, errinfo.EgressBlocked(errinfo.PhaseSettings, "api.openai.com")
		default:
			return nil, errinfo.UpstreamUnavailable(errinfo.PhaseSettings, err.Error())
		}
	}
	return map[string]any{"valid": true}, nil
}
