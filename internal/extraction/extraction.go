// Package extraction re-derives the structured project record from the
// conversation. It is an enrichment step: every failure returns the
// current snapshot unchanged.
package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/analyst/internal/llm"
	"github.com/p-blackswan/analyst/internal/models"
)

const promptTemplate = `Analyze the conversation history (and any attached file) about a business model.
Extract or update the structured data for the project.
Keep existing data if no new information is provided for that section.

Current Data Context:
%s

Conversation History:
%s

Return the updated ProjectData JSON.`

// Result labels reported to the Recorder.
const (
	ResultUpdated   = "updated"
	ResultUnchanged = "unchanged"
	ResultFailed    = "failed"
	ResultMalformed = "malformed"
)

// Recorder receives one result label per extraction.
type Recorder interface {
	RecordExtraction(result string)
}

// Request is one extraction call.
type Request struct {
	Transcript string
	Current    models.ProjectData
	// Attachment is forwarded inline when present.
	Attachment *llm.Blob
	APIKey     string
}

// Service calls the structured-output model.
type Service struct {
	gen      llm.Generator
	model    string
	recorder Recorder
	logger   zerolog.Logger
}

// New creates an extraction service. recorder may be nil.
func New(gen llm.Generator, model string, recorder Recorder, logger zerolog.Logger) *Service {
	return &Service{
		gen:      gen,
		model:    model,
		recorder: recorder,
		logger:   logger.With().Str("component", "extraction").Logger(),
	}
}

// Extract returns the revised snapshot, or req.Current on any failure.
// Generated artifacts (report, media, podcast) are carried over from the
// current snapshot since the model never produces them.
func (s *Service) Extract(ctx context.Context, req Request) models.ProjectData {
	current := req.Current.Normalize()

	ctxJSON, err := json.Marshal(extractable(current))
	if err != nil {
		s.record(ResultFailed)
		return req.Current
	}

	parts := []llm.Part{llm.TextPart(fmt.Sprintf(promptTemplate, ctxJSON, req.Transcript))}
	if req.Attachment != nil {
		parts = append(parts, llm.Part{Blob: req.Attachment})
	}

	resp, err := s.gen.Generate(ctx, llm.Request{
		Model:            s.model,
		Contents:         []llm.Turn{{Role: llm.RoleUser, Parts: parts}},
		ResponseMIMEType: "application/json",
		ResponseSchema:   Schema(),
		APIKey:           req.APIKey,
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("extraction call failed")
		s.record(ResultFailed)
		return req.Current
	}
	if resp == nil || strings.TrimSpace(resp.Text) == "" {
		s.record(ResultUnchanged)
		return req.Current
	}

	next, err := Parse(resp.Text)
	if err != nil {
		s.logger.Warn().Err(err).Msg("extraction returned malformed JSON")
		s.record(ResultMalformed)
		return req.Current
	}

	next.ExecutiveSummary = current.ExecutiveSummary
	next.GeneratedMedia = current.GeneratedMedia
	next.PodcastScript = current.PodcastScript
	assignIDs(&next, current)

	if next.Equal(current) {
		s.record(ResultUnchanged)
		return req.Current
	}
	s.record(ResultUpdated)
	return next
}

func (s *Service) record(result string) {
	if s.recorder != nil {
		s.recorder.RecordExtraction(result)
	}
}

// Parse decodes model output, tolerating a surrounding code fence. Only a
// JSON object is accepted; null, arrays and scalars are errors.
func Parse(text string) (models.ProjectData, error) {
	body := StripFence(text)
	if !strings.HasPrefix(body, "{") {
		return models.ProjectData{}, fmt.Errorf("decoding project data: expected a JSON object")
	}
	var out models.ProjectData
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return models.ProjectData{}, fmt.Errorf("decoding project data: %w", err)
	}
	return out, nil
}

// StripFence removes a leading ```json or ``` marker and a trailing ```.
func StripFence(text string) string {
	t := strings.TrimSpace(text)
	switch {
	case strings.HasPrefix(t, "```json"):
		t = strings.TrimPrefix(t, "```json")
	case strings.HasPrefix(t, "```"):
		t = strings.TrimPrefix(t, "```")
	default:
		return t
	}
	t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	return strings.TrimSpace(t)
}

func extractable(d models.ProjectData) models.ProjectData {
	d.ExecutiveSummary = ""
	d.GeneratedMedia = nil
	d.PodcastScript = ""
	return d
}

// assignIDs fills missing item ids, reusing the id of a matching item in
// prev so repeated extractions of the same facts compare equal.
func assignIDs(d *models.ProjectData, prev models.ProjectData) {
	stakeholders := make(map[string]string, len(prev.Stakeholders))
	for _, s := range prev.Stakeholders {
		stakeholders[s.Name] = s.ID
	}
	for i := range d.Stakeholders {
		d.Stakeholders[i].ID = pickID(d.Stakeholders[i].ID, stakeholders[d.Stakeholders[i].Name])
	}

	swot := make(map[string]string, len(prev.SWOT))
	for _, item := range prev.SWOT {
		swot[string(item.Type)+"|"+item.Content] = item.ID
	}
	for i := range d.SWOT {
		d.SWOT[i].ID = pickID(d.SWOT[i].ID, swot[string(d.SWOT[i].Type)+"|"+d.SWOT[i].Content])
	}

	metrics := make(map[string]string, len(prev.KeyMetrics))
	for _, m := range prev.KeyMetrics {
		metrics[m.Label] = m.ID
	}
	for i := range d.KeyMetrics {
		d.KeyMetrics[i].ID = pickID(d.KeyMetrics[i].ID, metrics[d.KeyMetrics[i].Label])
	}
}

func pickID(id, previous string) string {
	switch {
	case id != "":
		return id
	case previous != "":
		return previous
	default:
		return uuid.NewString()
	}
}

// Schema describes the ProjectData shape requested from the model.
func Schema() *llm.Schema {
	str := func() *llm.Schema { return &llm.Schema{Type: llm.TypeString} }
	integer := func() *llm.Schema { return &llm.Schema{Type: llm.TypeInteger} }
	swotTypes := make([]string, 0, len(models.SWOTTypes))
	for _, t := range models.SWOTTypes {
		swotTypes = append(swotTypes, string(t))
	}

	return &llm.Schema{
		Type: llm.TypeObject,
		Properties: map[string]*llm.Schema{
			"stakeholders": {Type: llm.TypeArray, Items: &llm.Schema{
				Type: llm.TypeObject,
				Properties: map[string]*llm.Schema{
					"id":            str(),
					"name":          str(),
					"type":          str(),
					"needs":         str(),
					"interestScore": integer(),
					"powerScore":    integer(),
				},
			}},
			"swot": {Type: llm.TypeArray, Items: &llm.Schema{
				Type: llm.TypeObject,
				Properties: map[string]*llm.Schema{
					"id":          str(),
					"content":     str(),
					"type":        {Type: llm.TypeString, Enum: swotTypes},
					"impactScore": integer(),
				},
			}},
			"keyMetrics": {Type: llm.TypeArray, Items: &llm.Schema{
				Type: llm.TypeObject,
				Properties: map[string]*llm.Schema{
					"id":    str(),
					"label": str(),
					"value": str(),
				},
			}},
			"keyAssumptions":   {Type: llm.TypeArray, Items: str()},
			"valueProposition": str(),
			"customerSegments": {Type: llm.TypeArray, Items: str()},
		},
	}
}
