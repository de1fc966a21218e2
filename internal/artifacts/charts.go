package artifacts

import (
	"unicode/utf8"

	"github.com/p-blackswan/analyst/internal/models"
)

const (
	defaultScore   = 5
	barLabelLength = 15
)

// Bar is one SWOT impact bar on a 1..10 scale.
type Bar struct {
	ID       string          `json:"id"`
	Label    string          `json:"label"`
	Value    int             `json:"value"`
	Quadrant models.SWOTType `json:"quadrant"`
}

// Point is one stakeholder on the interest (X) / power (Y) matrix.
type Point struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	X        int    `json:"x"`
	Y        int    `json:"y"`
	Strategy string `json:"strategy"`
}

// Stakeholder strategies by matrix quadrant.
const (
	ManageClosely = "manage_closely"
	KeepSatisfied = "keep_satisfied"
	KeepInformed  = "keep_informed"
	Monitor       = "monitor"
)

// Charts is every chart series for a project.
type Charts struct {
	SWOTCounts map[models.SWOTType]int `json:"swotCounts"`
	// SWOTImpact is empty unless at least one item carries a score.
	SWOTImpact []Bar `json:"swotImpact"`
	// StakeholderMatrix is empty unless at least one stakeholder has a power score.
	StakeholderMatrix []Point            `json:"stakeholderMatrix"`
	Metrics           []models.KeyMetric `json:"metrics"`
}

// BuildCharts derives chart series from d.
func BuildCharts(d models.ProjectData) Charts {
	d = d.Normalize()
	return Charts{
		SWOTCounts:        SWOTCounts(d.SWOT),
		SWOTImpact:        SWOTImpact(d.SWOT),
		StakeholderMatrix: StakeholderMatrix(d.Stakeholders),
		Metrics:           d.KeyMetrics,
	}
}

// SWOTCounts counts items per quadrant; every quadrant is present.
func SWOTCounts(items []models.SWOTItem) map[models.SWOTType]int {
	out := make(map[models.SWOTType]int, len(models.SWOTTypes))
	for _, t := range models.SWOTTypes {
		out[t] = 0
	}
	for _, it := range items {
		if it.Type.Valid() {
			out[it.Type]++
		}
	}
	return out
}

// SWOTImpact returns one bar per item, unscored items at the midpoint.
func SWOTImpact(items []models.SWOTItem) []Bar {
	scored := false
	for _, it := range items {
		if it.ImpactScore != nil {
			scored = true
			break
		}
	}
	if !scored {
		return []Bar{}
	}
	out := make([]Bar, 0, len(items))
	for _, it := range items {
		out = append(out, Bar{
			ID:       it.ID,
			Label:    truncate(it.Content, barLabelLength),
			Value:    scoreOr(it.ImpactScore),
			Quadrant: it.Type,
		})
	}
	return out
}

// StakeholderMatrix places stakeholders on the power/interest grid.
func StakeholderMatrix(stakeholders []models.Stakeholder) []Point {
	powered := false
	for _, s := range stakeholders {
		if s.PowerScore != nil {
			powered = true
			break
		}
	}
	if !powered {
		return []Point{}
	}
	out := make([]Point, 0, len(stakeholders))
	for _, s := range stakeholders {
		x, y := scoreOr(s.InterestScore), scoreOr(s.PowerScore)
		out = append(out, Point{ID: s.ID, Label: s.Name, X: x, Y: y, Strategy: Strategy(x, y)})
	}
	return out
}

// Strategy names the engagement quadrant for interest x and power y.
func Strategy(interest, power int) string {
	highInterest, highPower := interest > defaultScore, power > defaultScore
	switch {
	case highPower && highInterest:
		return ManageClosely
	case highPower:
		return KeepSatisfied
	case highInterest:
		return KeepInformed
	default:
		return Monitor
	}
}

func scoreOr(v *int) int {
	if v == nil {
		return defaultScore
	}
	return *v
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}
