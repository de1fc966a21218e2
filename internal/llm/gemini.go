package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	perrors "github.com/p-blackswan/analyst/internal/errors"
	"github.com/p-blackswan/analyst/lru"
)

const (
	serviceName      = "gemini"
	clientCacheSize  = 32
	clientCacheTTL   = time.Hour
	defaultVideoPoll = 5 * time.Second
)

// Gemini implements Generator and VideoGenerator with the Google GenAI SDK.
// Clients are cached per credential.
type Gemini struct {
	mu         sync.Mutex
	clients    *lru.Cache[string, *genai.Client]
	httpClient *http.Client
	baseURL    string
	logger     zerolog.Logger
}

// GeminiOption configures the adapter.
type GeminiOption func(*Gemini)

// WithHTTPClient sets the HTTP client used by the SDK and for downloads.
func WithHTTPClient(c *http.Client) GeminiOption {
	return func(g *Gemini) { g.httpClient = c }
}

// WithBaseURL points the SDK at a different endpoint, e.g. a proxy.
func WithBaseURL(u string) GeminiOption {
	return func(g *Gemini) { g.baseURL = u }
}

// NewGemini creates the adapter.
func NewGemini(logger zerolog.Logger, opts ...GeminiOption) *Gemini {
	g := &Gemini{
		clients:    lru.New[string, *genai.Client](clientCacheSize, lru.WithTTL[string, *genai.Client](clientCacheTTL)),
		httpClient: &http.Client{Timeout: 10 * time.Minute},
		logger:     logger.With().Str("component", "gemini").Logger(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Gemini) client(ctx context.Context, apiKey string) (*genai.Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: no API key for %s", perrors.ErrAuthFailure, serviceName)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.clients.Get(apiKey); ok {
		return c, nil
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: g.httpClient,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: g.baseURL,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating %s client: %w", serviceName, err)
	}
	g.clients.Put(apiKey, c)
	g.logger.Debug().Str("key", MaskKey(apiKey)).Msg("client created")
	return c, nil
}

// Generate runs a single generateContent call.
func (g *Gemini) Generate(ctx context.Context, req Request) (*Response, error) {
	c, err := g.client(ctx, req.APIKey)
	if err != nil {
		return nil, err
	}

	cfg := &genai.GenerateContentConfig{
		Temperature:      req.Temperature,
		ResponseMIMEType: req.ResponseMIMEType,
		ResponseSchema:   toGenaiSchema(req.ResponseSchema),
	}
	if req.SystemInstruction != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemInstruction, genai.RoleUser)
	}

	resp, err := c.Models.GenerateContent(ctx, req.Model, toGenaiContents(req.Contents), cfg)
	if err != nil {
		return nil, mapError(err)
	}
	return &Response{Text: resp.Text()}, nil
}

// GenerateVideo starts a video generation and polls until it is done.
func (g *Gemini) GenerateVideo(ctx context.Context, req VideoRequest) (string, error) {
	c, err := g.client(ctx, req.APIKey)
	if err != nil {
		return "", err
	}
	poll := req.PollInterval
	if poll <= 0 {
		poll = defaultVideoPoll
	}

	op, err := c.Models.GenerateVideos(ctx, req.Model, req.Prompt, nil, &genai.GenerateVideosConfig{
		NumberOfVideos: 1,
		Resolution:     req.Resolution,
		AspectRatio:    req.AspectRatio,
	})
	if err != nil {
		return "", mapError(err)
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for !op.Done {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
		op, err = c.Operations.GetVideosOperation(ctx, op, nil)
		if err != nil {
			return "", mapError(err)
		}
		g.logger.Debug().Str("operation", op.Name).Bool("done", op.Done).Msg("video operation polled")
	}

	if len(op.Error) > 0 {
		return "", &perrors.APIError{Service: serviceName, Message: fmt.Sprintf("video generation failed: %v", op.Error)}
	}
	if op.Response == nil || len(op.Response.GeneratedVideos) == 0 ||
		op.Response.GeneratedVideos[0].Video == nil || op.Response.GeneratedVideos[0].Video.URI == "" {
		return "", &perrors.APIError{Service: serviceName, Message: "video generation returned no URI"}
	}
	return op.Response.GeneratedVideos[0].Video.URI, nil
}

// Download fetches a generated file. The key is sent as a header and never
// placed in the URL.
func (g *Gemini) Download(ctx context.Context, uri, apiKey string) (io.ReadCloser, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, "", fmt.Errorf("building download request: %w", err)
	}
	req.Header.Set("x-goog-api-key", apiKey)
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: download: %w", perrors.ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, "", &perrors.APIError{Service: serviceName, StatusCode: resp.StatusCode, Message: "download failed"}
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

func toGenaiContents(turns []Turn) []*genai.Content {
	out := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		parts := make([]*genai.Part, 0, len(t.Parts))
		for _, p := range t.Parts {
			if p.Blob != nil {
				parts = append(parts, genai.NewPartFromBytes(p.Blob.Data, p.Blob.MIMEType))
				continue
			}
			parts = append(parts, genai.NewPartFromText(p.Text))
		}
		out = append(out, genai.NewContentFromParts(parts, genai.Role(t.Role)))
	}
	return out
}

func toGenaiSchema(s *Schema) *genai.Schema {
	if s == nil {
		return nil
	}
	out := &genai.Schema{Enum: s.Enum, Items: toGenaiSchema(s.Items)}
	switch s.Type {
	case TypeObject:
		out.Type = genai.TypeObject
	case TypeArray:
		out.Type = genai.TypeArray
	case TypeInteger:
		out.Type = genai.TypeInteger
	default:
		out.Type = genai.TypeString
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for k, v := range s.Properties {
			out.Properties[k] = toGenaiSchema(v)
		}
	}
	return out
}

// mapError converts SDK errors into perrors.APIError so quota and retry
// classification work on them.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &perrors.APIError{
			Service:    serviceName,
			StatusCode: apiErr.Code,
			Status:     apiErr.Status,
			Message:    apiErr.Message,
			Err:        err,
		}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return &perrors.APIError{
			Service:    serviceName,
			StatusCode: apiErrPtr.Code,
			Status:     apiErrPtr.Status,
			Message:    apiErrPtr.Message,
			Err:        err,
		}
	}
	return &perrors.APIError{Service: serviceName, Message: err.Error(), Err: err}
}
