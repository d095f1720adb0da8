package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const schemaVersion = 1

const (
	ProviderOpenAI = "openai"

	defaultModelID      = "gpt-4"
	defaultCacheTTLMins = 10
	defaultHistoryLimit = 100
)

type ProviderSettings struct {
	Enabled bool   `json:"enabled"`
	ModelID string `json:"model_id,omitempty"`
}

type Settings struct {
	SchemaVersion   int                         `json:"schema_version"`
	Providers       map[string]ProviderSettings `json:"providers"`
	CacheTTLMinutes int                         `json:"cache_ttl_minutes,omitempty"`
	HistoryLimit    int                         `json:"history_limit,omitempty"`
}

type Store struct {
	path string
	mu   sync.Mutex
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Load() (*Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultSettings(), nil
		}
		return nil, err
	}
	var settings Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, err
	}
	backfillSettings(&settings)
	return &settings, nil
}

func (s *Store) Save(settings *Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	backfillSettings(settings)
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

func (s *Store) Update(fn func(*Settings)) (*Settings, error) {
	settings, err := s.Load()
	if err != nil {
		return nil, err
	}
	fn(settings)
	return settings, s.Save(settings)
}

func defaultSettings() *Settings {
	return &Settings{
		SchemaVersion: schemaVersion,
		Providers: map[string]ProviderSettings{
			ProviderOpenAI: {Enabled: true, ModelID: defaultModelID},
		},
		CacheTTLMinutes: defaultCacheTTLMins,
		HistoryLimit:    defaultHistoryLimit,
	}
}

func backfillSettings(settings *Settings) {
	if settings.SchemaVersion == 0 {
		settings.SchemaVersion = schemaVersion
	}
	if settings.Providers == nil {
		settings.Providers = map[string]ProviderSettings{}
	}
	entry, ok := settings.Providers[ProviderOpenAI]
	if !ok {
		entry = ProviderSettings{Enabled: true}
	}
	if strings.TrimSpace(entry.ModelID) == "" {
		entry.ModelID = defaultModelID
	}
	settings.Providers[ProviderOpenAI] = entry
	if settings.CacheTTLMinutes <= 0 {
		settings.CacheTTLMinutes = defaultCacheTTLMins
	}
	if settings.HistoryLimit <= 0 {
		settings.HistoryLimit = defaultHistoryLimit
	}
}
