package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"formulai/engine/internal/appdirs"
	"formulai/engine/internal/envutil"
	"formulai/engine/internal/errinfo"
	"formulai/engine/internal/googleauth"
	"formulai/engine/internal/history"
	"formulai/engine/internal/interpret"
	"formulai/engine/internal/llm"
	"formulai/engine/internal/logging"
	"formulai/engine/internal/openai"
	"formulai/engine/internal/secrets"
	"formulai/engine/internal/settings"
	"formulai/engine/internal/sheets"
	"formulai/engine/internal/undo"
)

const (
	EngineVersion = "0.1.0"
	APIVersion    = "1"
)

const defaultRedirectURI = "http://localhost:3000/api/auth/google-callback"

// LLMClient is the provider surface the engine depends on.
type LLMClient interface {
	ValidateKey(ctx context.Context, apiKey string) error
	ChatJSON(ctx context.Context, apiKey, model string, messages []llm.Message) (string, error)
}

// OAuthClient is the Google OAuth surface the engine depends on.
type OAuthClient interface {
	BuildAuthorizeURL(state string) (string, error)
	ParseRedirectURL(redirectURL string) (string, string, error)
	ExchangeAuthorizationCode(ctx context.Context, code string) (googleauth.Credential, error)
	RefreshIfNeeded(ctx context.Context, cred googleauth.Credential) (googleauth.Credential, bool, error)
}

type Engine struct {
	dataDir     string
	settings    *settings.Store
	secrets     *secrets.Store
	oauth       OAuthClient
	llm         LLMClient
	interpreter *interpret.Interpreter
	sheetsAPI   *sheets.Client
	reader      *sheets.Reader
	ledger      *undo.Ledger
	history     *history.Log
	logger      *slog.Logger
	now         func() time.Time

	authMu       sync.Mutex
	pendingState string

	applyMu    sync.Mutex
	applyLocks map[string]*sync.Mutex
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func New(opts ...Option) (*Engine, error) {
	engine := &Engine{logger: logging.Nop()}
	for _, opt := range opts {
		opt(engine)
	}
	dataDir, err := appdirs.DataDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	engine.dataDir = dataDir
	engine.settings = settings.NewStore(filepath.Join(dataDir, "settings.json"))
	engine.secrets = secrets.NewStore(filepath.Join(dataDir, "secrets.enc"), filepath.Join(dataDir, "master.key"))

	settingsData, err := engine.settings.Load()
	if err != nil {
		return nil, err
	}

	redirectURI := strings.TrimSpace(os.Getenv("FORMULAI_GOOGLE_REDIRECT_URI"))
	if redirectURI == "" {
		redirectURI = defaultRedirectURI
	}
	engine.oauth = googleauth.NewClient(
		os.Getenv("FORMULAI_GOOGLE_CLIENT_ID"),
		os.Getenv("FORMULAI_GOOGLE_CLIENT_SECRET"),
		redirectURI,
	)

	if envutil.Bool("FORMULAI_FAKE_OPENAI") {
		engine.llm = newFakeOpenAI()
	} else {
		engine.llm = openai.NewClient()
	}
	engine.interpreter = interpret.New(engine.llm, engine.logger.With("component", "interpret"))

	engine.sheetsAPI = sheets.NewClient()
	cacheTTL := time.Duration(settingsData.CacheTTLMinutes) * time.Minute
	engine.reader = sheets.NewReader(engine.sheetsAPI, sheets.NewCache(cacheTTL), engine.logger.With("component", "sheets"))

	engine.ledger = undo.NewLedger()
	engine.history = history.NewLog(settingsData.HistoryLimit)
	engine.now = time.Now
	engine.applyLocks = make(map[string]*sync.Mutex)
	engine.logger.Debug("engine.init", "data_dir", dataDir, "cache_ttl_minutes", settingsData.CacheTTLMinutes, "fake_openai", envutil.Bool("FORMULAI_FAKE_OPENAI"))
	return engine, nil
}

func (e *Engine) EngineGetInfo(ctx context.Context, _ json.RawMessage) (any, *errinfo.ErrorInfo) {
	return map[string]any{
		"engine_version": EngineVersion,
		"api_version":    APIVersion,
	}, nil
}

// accessToken loads the stored Google credential, refreshes it when inside
// the expiry buffer, persists the refreshed credential, and returns the token
// to use. At most one refresh call is issued.
func (e *Engine) accessToken(ctx context.Context, phase string) (string, *errinfo.ErrorInfo) {
	stored, err := e.secrets.GetGoogleCredential()
	if err != nil {
		return "", errinfo.FileReadFailed(phase, err.Error())
	}
	if stored == nil {
		return "", errinfo.NotAuthenticated(phase)
	}
	cred := googleauth.Credential{
		AccessToken:  stored.AccessToken,
		RefreshToken: stored.RefreshToken,
		ExpiresAt:    stored.ExpiresAt,
	}
	refreshed, didRefresh, err := e.oauth.RefreshIfNeeded(ctx, cred)
	if err != nil {
		switch {
		case errors.Is(err, googleauth.ErrNotAuthenticated):
			return "", errinfo.NotAuthenticated(phase)
		case errors.Is(err, googleauth.ErrRefreshFailed):
			// The provider rejected the refresh token; the user is logged out.
			if clearErr := e.secrets.SetGoogleCredential(nil); clearErr != nil {
				e.logger.Warn("auth.clear_failed", "error", clearErr.Error())
			}
			e.logger.Info("auth.refresh_rejected")
			return "", errinfo.RefreshFailed(phase, "token refresh rejected by provider")
		case errors.Is(err, llm.ErrEgressBlocked):
			return "", errinfo.EgressBlocked(phase, "oauth2.googleapis.com")
		default:
			return "", errinfo.UpstreamUnavailable(phase, err.Error())
		}
	}
	if didRefresh {
		if saveErr := e.secrets.SetGoogleCredential(&secrets.GoogleCredential{
			AccessToken:  refreshed.AccessToken,
			RefreshToken: refreshed.RefreshToken,
			AccountLabel: stored.AccountLabel,
			ExpiresAt:    refreshed.ExpiresAt,
		}); saveErr != nil {
			return "", errinfo.FileWriteFailed(phase, saveErr.Error())
		}
		e.logger.Info("auth.token_refreshed", "expires_at", refreshed.ExpiresAt.UTC().Format(time.RFC3339))
	}
	return refreshed.AccessToken, nil
}

// sheetsError maps provider failures onto the error taxonomy.
func (e *Engine) sheetsError(phase string, err error, spreadsheetID, sheetTitle string) *errinfo.ErrorInfo {
	var info *errinfo.ErrorInfo
	var remote *sheets.RemoteError
	switch {
	case errors.Is(err, sheets.ErrAuthExpired):
		info = errinfo.AuthExpired(phase)
	case errors.Is(err, sheets.ErrPermissionDenied):
		info = errinfo.PermissionDenied(phase, "no access to this spreadsheet")
	case errors.Is(err, sheets.ErrNotFound):
		info = errinfo.TargetNotFound(phase, "spreadsheet or sheet not found")
	case errors.Is(err, sheets.ErrRateLimited):
		info = errinfo.RateLimited(phase)
	case errors.As(err, &remote):
		info = errinfo.RemoteError(phase, remote.Status, remote.Message)
	case errors.Is(err, llm.ErrEgressBlocked):
		info = errinfo.EgressBlocked(phase, "sheets.googleapis.com")
	default:
		info = errinfo.RemoteError(phase, 0, err.Error())
	}
	info.SpreadsheetID = spreadsheetID
	info.SheetTitle = sheetTitle
	return info
}

// applyLock serializes snapshot+apply per (spreadsheet, sheet) so concurrent
// applies cannot interleave their snapshots.
func (e *Engine) applyLock(spreadsheetID, sheetTitle string) *sync.Mutex {
	key := spreadsheetID + ":" + sheetTitle
	e.applyMu.Lock()
	defer e.applyMu.Unlock()
	lock, ok := e.applyLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		e.applyLocks[key] = lock
	}
	return lock
}

func (e *Engine) openAIModel() (string, error) {
	settingsData, err := e.settings.Load()
	if err != nil {
		return "", err
	}
	model := settingsData.Providers[settings.ProviderOpenAI].ModelID
	if strings.TrimSpace(model) == "" {
		return "", fmt.Errorf("no model configured for provider %s", settings.ProviderOpenAI)
	}
	return model, nil
}
