package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	perrors "github.com/p-blackswan/analyst/internal/errors"
)

func TestResolveAPIKey_Precedence(t *testing.T) {
	k, err := ResolveAPIKey("override", "stored", "env")
	require.NoError(t, err)
	assert.Equal(t, "override", k)

	k, err = ResolveAPIKey("  ", "stored", "env")
	require.NoError(t, err)
	assert.Equal(t, "stored", k)

	k, err = ResolveAPIKey("", "", "env")
	require.NoError(t, err)
	assert.Equal(t, "env", k)

	_, err = ResolveAPIKey("", "", "")
	assert.ErrorIs(t, err, perrors.ErrAuthFailure)
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "****", MaskKey("short"))
	assert.Equal(t, "abcd…6789", MaskKey("abcdef0123456789"))
}

func TestToGenaiContents(t *testing.T) {
	contents := toGenaiContents([]Turn{
		{Role: RoleUser, Parts: []Part{TextPart("hello")}},
		{Role: RoleModel, Parts: []Part{TextPart("hi")}},
		{Role: RoleUser, Parts: []Part{TextPart("see"), BlobPart("image/png", []byte{1, 2})}},
	})
	require.Len(t, contents, 3)
	assert.Equal(t, "model", contents[1].Role)
	require.Len(t, contents[2].Parts, 2)
	assert.Equal(t, "see", contents[2].Parts[0].Text)
	require.NotNil(t, contents[2].Parts[1].InlineData)
	assert.Equal(t, "image/png", contents[2].Parts[1].InlineData.MIMEType)
}

func TestToGenaiSchema(t *testing.T) {
	assert.Nil(t, toGenaiSchema(nil))
	s := toGenaiSchema(&Schema{
		Type: TypeObject,
		Properties: map[string]*Schema{
			"tags":  {Type: TypeArray, Items: &Schema{Type: TypeString}},
			"kind":  {Type: TypeString, Enum: []string{"a", "b"}},
			"score": {Type: TypeInteger},
		},
	})
	assert.Equal(t, genai.TypeObject, s.Type)
	assert.Equal(t, genai.TypeArray, s.Properties["tags"].Type)
	assert.Equal(t, genai.TypeString, s.Properties["tags"].Items.Type)
	assert.Equal(t, []string{"a", "b"}, s.Properties["kind"].Enum)
	assert.Equal(t, genai.TypeInteger, s.Properties["score"].Type)
}

func TestMapError(t *testing.T) {
	err := mapError(genai.APIError{Code: 429, Status: "RESOURCE_EXHAUSTED", Message: "quota"})
	var apiErr *perrors.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 429, apiErr.StatusCode)
	assert.True(t, perrors.IsQuota(err))

	assert.ErrorIs(t, mapError(context.Canceled), context.Canceled)
	assert.False(t, perrors.IsQuota(mapError(errors.New("boom"))))
	assert.Nil(t, mapError(nil))
}

func fakeGemini(t *testing.T, status int, body any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGenerate_Text(t *testing.T) {
	srv := fakeGemini(t, http.StatusOK, map[string]any{
		"candidates": []any{map[string]any{
			"content": map[string]any{"role": "model", "parts": []any{map[string]any{"text": "Hello there"}}},
		}},
	})
	g := NewGemini(zerolog.Nop(), WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))

	resp, err := g.Generate(context.Background(), Request{
		Model:             "gemini-2.5-flash",
		SystemInstruction: "be brief",
		Temperature:       Float32(0.7),
		Contents:          []Turn{{Role: RoleUser, Parts: []Part{TextPart("hi")}}},
		APIKey:            "test-key",
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello there", resp.Text)
}

func TestGenerate_QuotaError(t *testing.T) {
	srv := fakeGemini(t, http.StatusTooManyRequests, map[string]any{
		"error": map[string]any{"code": 429, "message": "Resource has been exhausted", "status": "RESOURCE_EXHAUSTED"},
	})
	g := NewGemini(zerolog.Nop(), WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))

	_, err := g.Generate(context.Background(), Request{
		Model:    "gemini-2.5-flash",
		Contents: []Turn{{Role: RoleUser, Parts: []Part{TextPart("hi")}}},
		APIKey:   "test-key",
	})
	require.Error(t, err)
	assert.True(t, perrors.IsQuota(err))
}

func TestGenerate_NoKey(t *testing.T) {
	g := NewGemini(zerolog.Nop())
	_, err := g.Generate(context.Background(), Request{Model: "m"})
	assert.ErrorIs(t, err, perrors.ErrAuthFailure)
}

func TestClientCachedPerKey(t *testing.T) {
	g := NewGemini(zerolog.Nop())
	a, err := g.client(context.Background(), "key-a")
	require.NoError(t, err)
	again, err := g.client(context.Background(), "key-a")
	require.NoError(t, err)
	b, err := g.client(context.Background(), "key-b")
	require.NoError(t, err)
	assert.Same(t, a, again)
	assert.NotSame(t, a, b)
}

func TestDownload_SendsKeyAsHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("x-goog-api-key"))
		assert.NotContains(t, r.URL.RawQuery, "secret")
		w.Header().Set("Content-Type", "video/mp4")
		w.Write([]byte("MP4DATA"))
	}))
	defer srv.Close()

	g := NewGemini(zerolog.Nop(), WithHTTPClient(srv.Client()))
	body, ct, err := g.Download(context.Background(), srv.URL+"/files/v1:download?alt=media", "secret")
	require.NoError(t, err)
	defer body.Close()
	data, _ := io.ReadAll(body)
	assert.Equal(t, "MP4DATA", string(data))
	assert.Equal(t, "video/mp4", ct)
}

func TestDownload_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	g := NewGemini(zerolog.Nop(), WithHTTPClient(srv.Client()))
	_, _, err := g.Download(context.Background(), srv.URL, "k")
	var apiErr *perrors.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
}
