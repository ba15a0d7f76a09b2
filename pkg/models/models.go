// Package models holds the closed set of models a user can pick from.
package models

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderAnthropic Provider = "anthropic"
)

// Model describes one selectable entry.
type Model struct {
	ID            string   `json:"id" yaml:"id"`
	Name          string   `json:"name" yaml:"name"`
	Provider      Provider `json:"provider" yaml:"provider"`
	ProviderModel string   `json:"-" yaml:"-"`
	Description   string   `json:"description" yaml:"description"`
	Thinking      bool     `json:"thinking" yaml:"thinking"`
}

const DefaultID = "gemini-3-pro"

var table = []Model{
	{
		ID:            "gemini-3-pro",
		Name:          "Gemini 3 Pro",
		Provider:      ProviderGoogle,
		ProviderModel: "gemini-3-pro-preview",
		Description:   "Google's most capable model, with thinking",
		Thinking:      true,
	},
	{
		ID:            "claude-sonnet-4-5",
		Name:          "Claude Sonnet 4.5",
		Provider:      ProviderAnthropic,
		ProviderModel: "claude-sonnet-4-5-20250929",
		Description:   "Fast and capable for everyday builds",
	},
	{
		ID:            "claude-opus-4-5",
		Name:          "Claude Opus 4.5",
		Provider:      ProviderAnthropic,
		ProviderModel: "claude-opus-4-5-20251101",
		Description:   "Most capable Anthropic model for complex apps",
	},
}

// All returns a copy of the table in display order.
func All() []Model {
	return append([]Model(nil), table...)
}

func Lookup(id string) (Model, bool) {
	for _, m := range table {
		if m.ID == id {
			return m, true
		}
	}
	return Model{}, false
}

func IsValid(id string) bool {
	_, ok := Lookup(id)
	return ok
}

func Default() Model {
	m, _ := Lookup(DefaultID)
	return m
}

// Resolve maps any selector to a model. Unknown or empty ids resolve to the
// default.
func Resolve(id string) Model {
	if m, ok := Lookup(id); ok {
		return m
	}
	if id != "" {
		log.Debug().Str("component", "models").Str("model_id", id).Msg("unknown model id, using default")
	}
	return Default()
}

// StorageKey is the key the chosen model id is persisted under.
const StorageKey = "ai-model"

// PreferenceStore persists the chosen model in a small YAML file.
type PreferenceStore struct {
	path string
}

func NewPreferenceStore(path string) *PreferenceStore {
	return &PreferenceStore{path: path}
}

// DefaultPreferencesPath is $XDG_CONFIG_HOME/forge/preferences.yaml.
func DefaultPreferencesPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", errors.Wrap(err, "resolve user config dir")
	}
	return filepath.Join(dir, "forge", "preferences.yaml"), nil
}

// Load returns the stored model id, or the default when the file is missing,
// unreadable or holds an id outside the table.
func (p *PreferenceStore) Load() string {
	if p == nil || p.path == "" {
		return DefaultID
	}
	b, err := os.ReadFile(p.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("component", "models").Str("path", p.path).Msg("read preferences")
		}
		return DefaultID
	}
	var prefs map[string]string
	if err := yaml.Unmarshal(b, &prefs); err != nil {
		log.Warn().Err(err).Str("component", "models").Str("path", p.path).Msg("parse preferences")
		return DefaultID
	}
	id := prefs[StorageKey]
	if !IsValid(id) {
		return DefaultID
	}
	return id
}

// Save stores id. Ids outside the table are rejected.
func (p *PreferenceStore) Save(id string) error {
	if p == nil || p.path == "" {
		return errors.New("preference store is not initialized")
	}
	if !IsValid(id) {
		return errors.Errorf("unknown model id %q", id)
	}
	b, err := yaml.Marshal(map[string]string{StorageKey: id})
	if err != nil {
		return errors.Wrap(err, "marshal preferences")
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return errors.Wrap(err, "create preferences dir")
	}
	if err := os.WriteFile(p.path, b, 0o600); err != nil {
		return errors.Wrap(err, "write preferences")
	}
	return nil
}
