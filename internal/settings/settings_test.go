package settings

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/analyst/internal/errors"
	"github.com/p-blackswan/analyst/internal/llm"
)

func TestOpen_MissingFileUsesDefaults(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "settings.yaml"), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, Defaults(), s.Get())
}

func TestUpdate_PersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	s, err := Open(path, zerolog.Nop())
	require.NoError(t, err)

	model := "gemini-3-pro-preview"
	temp := float32(0.2)
	prefs := "Use bullet points"
	_, err = s.Update(Patch{Model: &model, Temperature: &temp, UserPreferences: &prefs})
	require.NoError(t, err)
	require.NoError(t, s.SetAPIKey("AIza-test-key-123456"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	reloaded, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	got := reloaded.Get()
	assert.Equal(t, model, got.Model)
	assert.InDelta(t, 0.2, got.Temperature, 0.0001)
	assert.Equal(t, prefs, got.UserPreferences)
	assert.Equal(t, "AIza-test-key-123456", reloaded.StoredAPIKey())
	assert.Equal(t, "Inter", got.FontFamily)
}

func TestUpdate_RejectsInvalid(t *testing.T) {
	s, err := Open("", zerolog.Nop())
	require.NoError(t, err)

	hot := float32(1.5)
	_, err = s.Update(Patch{Temperature: &hot})
	assert.ErrorIs(t, err, perrors.ErrInvalidInput)

	huge := "huge"
	_, err = s.Update(Patch{FontSize: &huge})
	assert.ErrorIs(t, err, perrors.ErrInvalidInput)

	assert.Equal(t, Defaults(), s.Get())
}

func TestParse_KeepsDefaultsForMissingFields(t *testing.T) {
	got, err := Parse([]byte("temperature: 0\nlanguage: Deutsch\n"))
	require.NoError(t, err)
	assert.Equal(t, float32(0), got.Temperature)
	assert.Equal(t, "Deutsch", got.Language)
	assert.Equal(t, "gemini-2.5-flash", got.Model)
}

func TestStoredAPIKey_ExpandsEnv(t *testing.T) {
	t.Setenv("ANALYST_TEST_KEY", "from-env")
	s, err := Open("", zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.SetAPIKey("${ANALYST_TEST_KEY}"))
	assert.Equal(t, "from-env", s.StoredAPIKey())
}

func TestView_MasksKey(t *testing.T) {
	s := Defaults()
	assert.False(t, s.View().HasCustomAPIKey)

	s.CustomAPIKey = "AIzaSyVeryLongSecret"
	v := s.View()
	assert.True(t, v.HasCustomAPIKey)
	assert.NotContains(t, v.CustomAPIKey, "VeryLong")
	assert.Len(t, v.Models, 3)
}

type genFunc func(context.Context, llm.Request) (*llm.Response, error)

func (f genFunc) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return f(ctx, req)
}

func TestVerifyKey(t *testing.T) {
	var seen llm.Request
	ok := genFunc(func(_ context.Context, req llm.Request) (*llm.Response, error) {
		seen = req
		return &llm.Response{Text: "ok"}, nil
	})
	require.NoError(t, VerifyKey(context.Background(), ok, " key "))
	assert.Equal(t, "key", seen.APIKey)
	assert.Equal(t, VerifyModel, seen.Model)
	assert.Equal(t, "Test connection", seen.Contents[0].Parts[0].Text)

	bad := genFunc(func(context.Context, llm.Request) (*llm.Response, error) {
		return nil, errors.New("API key not valid")
	})
	assert.Error(t, VerifyKey(context.Background(), bad, "key"))
	assert.ErrorIs(t, VerifyKey(context.Background(), ok, " "), perrors.ErrInvalidInput)
}
