// Package models defines the project, structured business data and message
// types shared across the analyst service.
package models

import (
	"encoding/json"
	"time"
)

// ProjectStatus is a project's lifecycle state.
type ProjectStatus string

const (
	StatusDraft      ProjectStatus = "Draft"
	StatusInProgress ProjectStatus = "In Progress"
	StatusCompleted  ProjectStatus = "Completed"
)

// Valid reports whether s is a known status.
func (s ProjectStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// Perspective selects how the assistant frames its replies.
type Perspective string

const (
	FirstPerson Perspective = "1st_person"
	ThirdPerson Perspective = "3rd_person"
)

// Valid reports whether p is a known perspective.
func (p Perspective) Valid() bool {
	return p == FirstPerson || p == ThirdPerson
}

// OrDefault returns p, or ThirdPerson when p is unset or unknown.
func (p Perspective) OrDefault() Perspective {
	if p.Valid() {
		return p
	}
	return ThirdPerson
}

// Toggle returns the opposite perspective.
func (p Perspective) Toggle() Perspective {
	if p.OrDefault() == FirstPerson {
		return ThirdPerson
	}
	return FirstPerson
}

// Project is a business model under analysis. It owns exactly one
// ProjectData value.
type Project struct {
	ID          string        `json:"id" db:"id"`
	Name        string        `json:"name" db:"name"`
	Description string        `json:"description" db:"description"`
	Status      ProjectStatus `json:"status" db:"status"`
	Perspective Perspective   `json:"perspective" db:"perspective"`
	Data        ProjectData   `json:"data" db:"-"`
	CreatedAt   int64         `json:"createdAt" db:"created_at"`
	UpdatedAt   int64         `json:"updatedAt" db:"updated_at"`
}

// ProjectInput holds the user-supplied fields of a new project.
type ProjectInput struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Perspective Perspective  `json:"perspective,omitempty"`
	Data        *ProjectData `json:"data,omitempty"`
}

// ProjectPatch is a partial project update. Nil fields are left untouched.
type ProjectPatch struct {
	Name        *string        `json:"name,omitempty"`
	Description *string        `json:"description,omitempty"`
	Status      *ProjectStatus `json:"status,omitempty"`
	Perspective *Perspective   `json:"perspective,omitempty"`
	Data        *ProjectData   `json:"data,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p ProjectPatch) Empty() bool {
	return p.Name == nil && p.Description == nil && p.Status == nil && p.Perspective == nil && p.Data == nil
}

// Apply writes the patch onto proj.
func (p ProjectPatch) Apply(proj *Project) {
	if p.Name != nil {
		proj.Name = *p.Name
	}
	if p.Description != nil {
		proj.Description = *p.Description
	}
	if p.Status != nil {
		proj.Status = *p.Status
	}
	if p.Perspective != nil {
		proj.Perspective = *p.Perspective
	}
	if p.Data != nil {
		proj.Data = p.Data.Normalize()
	}
}

// NowMillis returns the current wall clock in Unix milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Clone returns a deep copy of the project.
func (p Project) Clone() Project {
	out := p
	out.Data = p.Data.Clone()
	return out
}

// MarshalData encodes the project's data for storage.
func (p Project) MarshalData() ([]byte, error) {
	return json.Marshal(p.Data.Normalize())
}
