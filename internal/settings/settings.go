// Package settings persists the user's client settings in a YAML file.
package settings

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	perrors "github.com/p-blackswan/analyst/internal/errors"
	"github.com/p-blackswan/analyst/internal/llm"
)

// Model is a selectable generation model.
type Model struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Models lists the selectable chat models.
var Models = []Model{
	{ID: "gemini-2.5-flash", Name: "Gemini Flash (Fast)"},
	{ID: "gemini-2.5-flash-thinking", Name: "Gemini Flash Thinking (Reasoning)"},
	{ID: "gemini-3-pro-preview", Name: "Gemini Pro (Complex)"},
}

var fontSizes = map[string]bool{"small": true, "medium": true, "large": true}

// Settings are the persisted user preferences.
type Settings struct {
	Model           string  `yaml:"model" json:"model"`
	Temperature     float32 `yaml:"temperature" json:"temperature"`
	Language        string  `yaml:"language" json:"language"`
	FontSize        string  `yaml:"font_size" json:"fontSize"`
	FontFamily      string  `yaml:"font_family" json:"fontFamily"`
	UserPreferences string  `yaml:"user_preferences" json:"userPreferences"`
	// CustomAPIKey may reference the environment as ${VAR}.
	CustomAPIKey string `yaml:"custom_api_key,omitempty" json:"-"`
}

// Defaults returns the settings used before anything is saved.
func Defaults() Settings {
	return Settings{
		Model:       "gemini-2.5-flash",
		Temperature: 0.7,
		Language:    "English",
		FontSize:    "medium",
		FontFamily:  "Inter",
	}
}

// Validate checks ranges and enumerations.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.Model) == "" {
		return fmt.Errorf("%w: model is required", perrors.ErrInvalidInput)
	}
	if s.Temperature < 0 || s.Temperature > 1 {
		return fmt.Errorf("%w: temperature must be between 0 and 1", perrors.ErrInvalidInput)
	}
	if !fontSizes[s.FontSize] {
		return fmt.Errorf("%w: unknown font size %q", perrors.ErrInvalidInput, s.FontSize)
	}
	return nil
}

// View is the client-facing form; the credential is never echoed.
type View struct {
	Settings
	HasCustomAPIKey bool    `json:"hasCustomApiKey"`
	CustomAPIKey    string  `json:"customApiKey,omitempty"`
	Models          []Model `json:"models"`
}

// View returns the client-facing form of s.
func (s Settings) View() View {
	v := View{Settings: s, Models: Models}
	if key := expandEnv(s.CustomAPIKey); key != "" {
		v.HasCustomAPIKey = true
		v.CustomAPIKey = llm.MaskKey(key)
	}
	return v
}

// Patch is a partial settings update.
type Patch struct {
	Model           *string  `json:"model"`
	Temperature     *float32 `json:"temperature"`
	Language        *string  `json:"language"`
	FontSize        *string  `json:"fontSize"`
	FontFamily      *string  `json:"fontFamily"`
	UserPreferences *string  `json:"userPreferences"`
	CustomAPIKey    *string  `json:"customApiKey"`
}

// Apply returns s with p's fields applied.
func (p Patch) Apply(s Settings) Settings {
	if p.Model != nil {
		s.Model = strings.TrimSpace(*p.Model)
	}
	if p.Temperature != nil {
		s.Temperature = *p.Temperature
	}
	if p.Language != nil {
		s.Language = *p.Language
	}
	if p.FontSize != nil {
		s.FontSize = *p.FontSize
	}
	if p.FontFamily != nil {
		s.FontFamily = *p.FontFamily
	}
	if p.UserPreferences != nil {
		s.UserPreferences = *p.UserPreferences
	}
	if p.CustomAPIKey != nil {
		s.CustomAPIKey = strings.TrimSpace(*p.CustomAPIKey)
	}
	return s
}

// Store keeps settings in memory and mirrors them to a YAML file. An empty
// path keeps them in memory only.
type Store struct {
	mu      sync.RWMutex
	path    string
	current Settings
	logger  zerolog.Logger
}

// Open loads settings from path, falling back to Defaults when the file
// does not exist yet.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		path:    path,
		current: Defaults(),
		logger:  logger.With().Str("component", "settings").Logger(),
	}
	if path == "" {
		return s, nil
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("settings: read %s: %w", path, err)
	}
	loaded, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("settings: parse %s: %w", path, err)
	}
	s.current = loaded
	return s, nil
}

// Parse decodes YAML settings over Defaults.
func Parse(data []byte) (Settings, error) {
	out := Defaults()
	if err := yaml.Unmarshal(data, &out); err != nil {
		return Settings{}, err
	}
	if err := out.Validate(); err != nil {
		return Settings{}, err
	}
	return out, nil
}

// Get returns the current settings.
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// StoredAPIKey returns the saved credential with ${VAR} references
// expanded.
func (s *Store) StoredAPIKey() string {
	return expandEnv(s.Get().CustomAPIKey)
}

// Update validates and persists p.
func (s *Store) Update(p Patch) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := p.Apply(s.current)
	if err := next.Validate(); err != nil {
		return Settings{}, err
	}
	if err := s.save(next); err != nil {
		return Settings{}, err
	}
	s.current = next
	return next, nil
}

// SetAPIKey saves key as the stored credential.
func (s *Store) SetAPIKey(key string) error {
	_, err := s.Update(Patch{CustomAPIKey: &key})
	return err
}

func (s *Store) save(v Settings) error {
	if s.path == "" {
		return nil
	}
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("settings: encode: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".settings-*.yaml")
	if err != nil {
		return fmt.Errorf("%w: settings: %w", perrors.ErrStorage, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: settings: %w", perrors.ErrStorage, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: settings: %w", perrors.ErrStorage, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: settings: %w", perrors.ErrStorage, err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("%w: settings: %w", perrors.ErrStorage, err)
	}
	s.logger.Debug().Str("path", s.path).Msg("settings saved")
	return nil
}

// VerifyModel is used for credential checks.
const VerifyModel = "gemini-2.5-flash"

// VerifyKey checks a credential with a minimal generation.
func VerifyKey(ctx context.Context, gen llm.Generator, key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: empty API key", perrors.ErrInvalidInput)
	}
	_, err := gen.Generate(ctx, llm.Request{
		Model:    VerifyModel,
		Contents: []llm.Turn{{Role: llm.RoleUser, Parts: []llm.Part{llm.TextPart("Test connection")}}},
		APIKey:   strings.TrimSpace(key),
	})
	if err != nil {
		return fmt.Errorf("verifying API key: %w", err)
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`^\$\{([A-Za-z_][A-Za-z0-9_]*)\}$`)

// expandEnv resolves a whole-value ${VAR} reference.
func expandEnv(v string) string {
	if m := envVarPattern.FindStringSubmatch(strings.TrimSpace(v)); m != nil {
		return os.Getenv(m[1])
	}
	return v
}
