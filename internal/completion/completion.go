// Package completion wraps the conversational generation capability with
// cooperative cancellation.
package completion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/analyst/internal/errors"
	"github.com/p-blackswan/analyst/internal/llm"
)

// FallbackReply is returned when the provider succeeds with no text.
const FallbackReply = "I couldn't generate a response."

// blankText replaces empty turn text; the provider rejects empty parts.
const blankText = " "

// Params selects the model and sampling for one call.
type Params struct {
	Model       string
	Temperature float32
	// APIKey is the resolved credential for this call.
	APIKey string
}

// Observer receives completion latencies.
type Observer interface {
	ObserveCompletion(seconds float64)
}

// Service runs chat completions.
type Service struct {
	gen      llm.Generator
	observer Observer
	logger   zerolog.Logger
}

// New creates a completion service. observer may be nil.
func New(gen llm.Generator, observer Observer, logger zerolog.Logger) *Service {
	return &Service{
		gen:      gen,
		observer: observer,
		logger:   logger.With().Str("component", "completion").Logger(),
	}
}

type result struct {
	resp *llm.Response
	err  error
}

// Complete sends history followed by the new turn and returns the reply.
// A context that is already done fails with ErrCanceled before any call is
// made; one that ends mid-flight fails with ErrCanceled as soon as it ends
// and aborts the underlying request.
func (s *Service) Complete(ctx context.Context, history []llm.Turn, turn []llm.Part, systemInstruction string, p Params) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", perrors.ErrCanceled, err)
	}

	contents := make([]llm.Turn, 0, len(history)+1)
	for _, t := range history {
		contents = append(contents, llm.Turn{Role: t.Role, Parts: fillBlank(t.Parts)})
	}
	contents = append(contents, llm.Turn{Role: llm.RoleUser, Parts: newTurnParts(turn)})

	req := llm.Request{
		Model:             p.Model,
		SystemInstruction: systemInstruction,
		Temperature:       llm.Float32(p.Temperature),
		Contents:          contents,
		APIKey:            p.APIKey,
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	started := time.Now()
	done := make(chan result, 1)
	go func() {
		resp, err := s.gen.Generate(callCtx, req)
		done <- result{resp: resp, err: err}
	}()

	select {
	case <-ctx.Done():
		s.logger.Debug().Str("model", p.Model).Msg("completion canceled")
		return "", fmt.Errorf("%w: %w", perrors.ErrCanceled, ctx.Err())
	case r := <-done:
		if s.observer != nil {
			s.observer.ObserveCompletion(time.Since(started).Seconds())
		}
		if r.err != nil {
			if ctx.Err() != nil {
				return "", fmt.Errorf("%w: %w", perrors.ErrCanceled, ctx.Err())
			}
			return "", fmt.Errorf("completion: %w", r.err)
		}
		if r.resp == nil || strings.TrimSpace(r.resp.Text) == "" {
			s.logger.Warn().Str("model", p.Model).Msg("empty completion, using fallback")
			return FallbackReply, nil
		}
		return r.resp.Text, nil
	}
}

func fillBlank(parts []llm.Part) []llm.Part {
	out := make([]llm.Part, 0, len(parts))
	for _, p := range parts {
		if p.Blob == nil && strings.TrimSpace(p.Text) == "" {
			p.Text = blankText
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		out = append(out, llm.TextPart(blankText))
	}
	return out
}

// newTurnParts drops empty text when a binary part carries the turn and
// sends a single space when nothing else is present.
func newTurnParts(parts []llm.Part) []llm.Part {
	out := make([]llm.Part, 0, len(parts))
	hasBlob := false
	for _, p := range parts {
		if p.Blob != nil {
			hasBlob = true
		}
	}
	for _, p := range parts {
		if p.Blob == nil && strings.TrimSpace(p.Text) == "" {
			if hasBlob {
				continue
			}
			p.Text = blankText
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		out = append(out, llm.TextPart(blankText))
	}
	return out
}
