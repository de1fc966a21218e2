package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/analyst/internal/llm"
	"github.com/p-blackswan/analyst/internal/models"
)

type fakeGenerator struct {
	text string
	err  error
	last llm.Request
}

func (f *fakeGenerator) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Response{Text: f.text}, nil
}

type recorder []string

func (r *recorder) RecordExtraction(result string) { *r = append(*r, result) }

func snapshot() models.ProjectData {
	d := models.EmptyProjectData()
	d.ValueProposition = "Cheap textbooks"
	d.CustomerSegments = []string{"Parents"}
	d.ExecutiveSummary = "# Summary"
	d.GeneratedMedia = []models.GeneratedMedia{{ID: "m1", Type: models.MediaVideo, URL: "https://x/v.mp4"}}
	return d
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestExtract_UpdatesAndPreservesArtifacts(t *testing.T) {
	gen := &fakeGenerator{text: "```json\n" + `{
		"stakeholders":[{"name":"Students","type":"Customer","needs":"Low prices","powerScore":14}],
		"swot":[{"content":"Cheap","type":"strength"},{"content":"??","type":"other"}],
		"valueProposition":"Cheap textbooks",
		"customerSegments":["University students"]
	}` + "\n```"}
	rec := &recorder{}
	svc := New(gen, "gemini-2.5-flash", rec, zerolog.Nop())

	out := svc.Extract(context.Background(), Request{
		Transcript: "user: Our main customer is students",
		Current:    snapshot(),
		APIKey:     "k",
	})

	assert.Equal(t, []string{"University students"}, out.CustomerSegments)
	require.Len(t, out.Stakeholders, 1)
	assert.NotEmpty(t, out.Stakeholders[0].ID)
	require.NotNil(t, out.Stakeholders[0].PowerScore)
	assert.Equal(t, 10, *out.Stakeholders[0].PowerScore)
	require.Len(t, out.SWOT, 1)
	assert.NotNil(t, out.KeyMetrics)
	assert.Equal(t, "# Summary", out.ExecutiveSummary)
	assert.Len(t, out.GeneratedMedia, 1)
	assert.Equal(t, []string{ResultUpdated}, []string(*rec))

	assert.Equal(t, "gemini-2.5-flash", gen.last.Model)
	assert.Equal(t, "application/json", gen.last.ResponseMIMEType)
	require.NotNil(t, gen.last.ResponseSchema)
	assert.Contains(t, gen.last.Contents[0].Parts[0].Text, "user: Our main customer is students")
	assert.NotContains(t, gen.last.Contents[0].Parts[0].Text, "# Summary")
}

func TestExtract_FailuresReturnCurrentUnchanged(t *testing.T) {
	cases := map[string]*fakeGenerator{
		"call error":  {err: errors.New("503")},
		"malformed":   {text: "{not json"},
		"empty":       {text: ""},
		"null":        {text: "null"},
		"fenced null": {text: "```json\nnull\n```"},
		"array":       {text: `[{"valueProposition":"x"}]`},
	}
	for name, gen := range cases {
		t.Run(name, func(t *testing.T) {
			current := snapshot()
			before := mustJSON(t, current)

			out := New(gen, "m", nil, zerolog.Nop()).Extract(context.Background(), Request{Current: current})
			assert.Equal(t, before, mustJSON(t, out))
		})
	}
}

func TestExtract_ForwardsAttachment(t *testing.T) {
	gen := &fakeGenerator{text: "{}"}
	svc := New(gen, "m", nil, zerolog.Nop())
	svc.Extract(context.Background(), Request{
		Current:    models.EmptyProjectData(),
		Attachment: &llm.Blob{MIMEType: "application/pdf", Data: []byte("%PDF")},
	})
	parts := gen.last.Contents[0].Parts
	require.Len(t, parts, 2)
	assert.Equal(t, "application/pdf", parts[1].Blob.MIMEType)
}

func TestExtract_StableIDsReportUnchanged(t *testing.T) {
	current := models.EmptyProjectData()
	current.Stakeholders = []models.Stakeholder{{ID: "s-1", Name: "Students", Type: "Customer"}}
	rec := &recorder{}
	gen := &fakeGenerator{text: `{"stakeholders":[{"name":"Students","type":"Customer"}]}`}

	out := New(gen, "m", rec, zerolog.Nop()).Extract(context.Background(), Request{Current: current})
	assert.Equal(t, "s-1", out.Stakeholders[0].ID)
	assert.Equal(t, []string{ResultUnchanged}, []string(*rec))
}

func TestStripFence(t *testing.T) {
	assert.Equal(t, `{"a":1}`, StripFence("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, StripFence("```\n{\"a\":1}```"))
	assert.Equal(t, `{"a":1}`, StripFence("  {\"a\":1}  "))
}

func TestParse_RejectsNonObject(t *testing.T) {
	for _, text := range []string{"null", "```json\nnull\n```", "[]", `"text"`, "42"} {
		_, err := Parse(text)
		assert.Error(t, err, text)
	}
	d, err := Parse("```json\n{\"valueProposition\":\"Cheap textbooks\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, "Cheap textbooks", d.ValueProposition)
}

func TestSchemaShape(t *testing.T) {
	s := Schema()
	assert.Equal(t, llm.TypeObject, s.Type)
	assert.Equal(t, []string{"strength", "weakness", "opportunity", "threat"}, s.Properties["swot"].Items.Properties["type"].Enum)
	assert.Equal(t, llm.TypeArray, s.Properties["customerSegments"].Type)
}
