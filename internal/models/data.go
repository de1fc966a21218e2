package models

import (
	"bytes"
	"encoding/json"
)

// Stakeholder is a party with an interest in the business.
type Stakeholder struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Type          string `json:"type"`
	Needs         string `json:"needs"`
	InterestScore *int   `json:"interestScore,omitempty"`
	PowerScore    *int   `json:"powerScore,omitempty"`
}

// SWOTType is one of the four SWOT quadrants.
type SWOTType string

const (
	Strength    SWOTType = "strength"
	Weakness    SWOTType = "weakness"
	Opportunity SWOTType = "opportunity"
	Threat      SWOTType = "threat"
)

// SWOTTypes lists the quadrants in display order.
var SWOTTypes = []SWOTType{Strength, Weakness, Opportunity, Threat}

// Valid reports whether t is a known quadrant.
func (t SWOTType) Valid() bool {
	switch t {
	case Strength, Weakness, Opportunity, Threat:
		return true
	}
	return false
}

// SWOTItem is a single SWOT entry.
type SWOTItem struct {
	ID          string   `json:"id"`
	Content     string   `json:"content"`
	Type        SWOTType `json:"type"`
	ImpactScore *int     `json:"impactScore,omitempty"`
}

// KeyMetric is a labelled quantitative fact, kept as display text.
type KeyMetric struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Value string `json:"value"`
}

// MediaKind is the kind of generated media.
type MediaKind string

const MediaVideo MediaKind = "video"

// GeneratedMedia references an artifact rendered from the project data.
type GeneratedMedia struct {
	ID         string    `json:"id"`
	Type       MediaKind `json:"type"`
	URL        string    `json:"url"`
	PromptUsed string    `json:"promptUsed"`
	CreatedAt  int64     `json:"createdAt"`
}

// ProjectData is the structured business model derived from the conversation.
// It is always replaced wholesale.
type ProjectData struct {
	Stakeholders     []Stakeholder    `json:"stakeholders"`
	SWOT             []SWOTItem       `json:"swot"`
	KeyMetrics       []KeyMetric      `json:"keyMetrics"`
	KeyAssumptions   []string         `json:"keyAssumptions"`
	ValueProposition string           `json:"valueProposition"`
	CustomerSegments []string         `json:"customerSegments"`
	ExecutiveSummary string           `json:"executiveSummary,omitempty"`
	GeneratedMedia   []GeneratedMedia `json:"generatedMedia,omitempty"`
	PodcastScript    string           `json:"podcastScript,omitempty"`
}

// EmptyProjectData returns a record with every collection present and empty.
func EmptyProjectData() ProjectData {
	return ProjectData{}.Normalize()
}

// UnmarshalJSON decodes tolerantly: null or missing collections become empty
// and the result is normalized.
func (d *ProjectData) UnmarshalJSON(b []byte) error {
	type raw ProjectData
	var r raw
	if len(bytes.TrimSpace(b)) > 0 && !bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		if err := json.Unmarshal(b, &r); err != nil {
			return err
		}
	}
	*d = ProjectData(r).Normalize()
	return nil
}

// Normalize returns a copy with empty collections instead of nil ones,
// scores clamped to 1..10 and unknown SWOT quadrants dropped.
func (d ProjectData) Normalize() ProjectData {
	out := d.Clone()
	if out.Stakeholders == nil {
		out.Stakeholders = []Stakeholder{}
	}
	for i := range out.Stakeholders {
		out.Stakeholders[i].InterestScore = clampScore(out.Stakeholders[i].InterestScore)
		out.Stakeholders[i].PowerScore = clampScore(out.Stakeholders[i].PowerScore)
	}
	swot := make([]SWOTItem, 0, len(out.SWOT))
	for _, item := range out.SWOT {
		if !item.Type.Valid() {
			continue
		}
		item.ImpactScore = clampScore(item.ImpactScore)
		swot = append(swot, item)
	}
	out.SWOT = swot
	if out.KeyMetrics == nil {
		out.KeyMetrics = []KeyMetric{}
	}
	if out.KeyAssumptions == nil {
		out.KeyAssumptions = []string{}
	}
	if out.CustomerSegments == nil {
		out.CustomerSegments = []string{}
	}
	return out
}

// Clone returns a deep copy.
func (d ProjectData) Clone() ProjectData {
	out := d
	if d.Stakeholders != nil {
		out.Stakeholders = make([]Stakeholder, len(d.Stakeholders))
		for i, s := range d.Stakeholders {
			s.InterestScore = copyInt(s.InterestScore)
			s.PowerScore = copyInt(s.PowerScore)
			out.Stakeholders[i] = s
		}
	}
	if d.SWOT != nil {
		out.SWOT = make([]SWOTItem, len(d.SWOT))
		for i, s := range d.SWOT {
			s.ImpactScore = copyInt(s.ImpactScore)
			out.SWOT[i] = s
		}
	}
	out.KeyMetrics = cloneSlice(d.KeyMetrics)
	out.KeyAssumptions = cloneSlice(d.KeyAssumptions)
	out.CustomerSegments = cloneSlice(d.CustomerSegments)
	out.GeneratedMedia = cloneSlice(d.GeneratedMedia)
	return out
}

// Equal reports whether two records encode identically.
func (d ProjectData) Equal(other ProjectData) bool {
	a, errA := json.Marshal(d.Normalize())
	b, errB := json.Marshal(other.Normalize())
	return errA == nil && errB == nil && bytes.Equal(a, b)
}

func clampScore(v *int) *int {
	if v == nil {
		return nil
	}
	n := *v
	if n < 1 {
		n = 1
	}
	if n > 10 {
		n = 10
	}
	return &n
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

func cloneSlice[T any](s []T) []T {
	if s == nil {
		return nil
	}
	out := make([]T, len(s))
	copy(out, s)
	return out
}
