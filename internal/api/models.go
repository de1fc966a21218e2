// Package api provides the JSON API for projects, chat sessions, settings
// and artifacts.
package api

import (
	"encoding/base64"
	"fmt"

	"github.com/p-blackswan/analyst/internal/attachment"
	perrors "github.com/p-blackswan/analyst/internal/errors"
	"github.com/p-blackswan/analyst/internal/models"
)

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// --- Request DTOs ---

// AttachmentPayload is a base64-encoded file sent with a chat turn.
type AttachmentPayload struct {
	Name     string `json:"name"`
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// File decodes the payload.
func (a *AttachmentPayload) File() (*attachment.File, error) {
	if a == nil {
		return nil, nil
	}
	if a.Name == "" {
		return nil, fmt.Errorf("%w: attachment name is required", perrors.ErrInvalidInput)
	}
	data, err := base64.StdEncoding.DecodeString(a.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: attachment data is not valid base64", perrors.ErrInvalidInput)
	}
	return &attachment.File{Name: a.Name, MIMEType: a.MIMEType, Data: data}, nil
}

// SubmitChatRequest is the payload for POST /api/v1/projects/:id/chat.
type SubmitChatRequest struct {
	Text       string             `json:"text"`
	Attachment *AttachmentPayload `json:"attachment,omitempty"`
}

// ChatInputRequest is the payload for PUT /api/v1/projects/:id/chat/input.
type ChatInputRequest struct {
	Input string `json:"input"`
}

// CredentialRequest is the payload for POST /api/v1/projects/:id/chat/credential.
type CredentialRequest struct {
	APIKey string `json:"apiKey"`
	Save   bool   `json:"save"`
}

// DuplicateRequest is the optional payload for POST /api/v1/projects/:id/duplicate.
type DuplicateRequest struct {
	Name string `json:"name"`
}

// PerspectiveRequest sets the perspective explicitly; an empty body toggles it.
type PerspectiveRequest struct {
	Perspective models.Perspective `json:"perspective"`
}

// VerifyRequest is the payload for POST /api/v1/settings/verify.
type VerifyRequest struct {
	APIKey string `json:"apiKey"`
}

// ArtifactRequest carries an optional per-call credential override.
type ArtifactRequest struct {
	APIKey string `json:"apiKey"`
}

// --- Response DTOs ---

// ProjectListResponse wraps GET /api/v1/projects.
type ProjectListResponse struct {
	Projects []models.Project `json:"projects"`
	Total    int              `json:"total"`
}

// MessageListResponse wraps GET /api/v1/projects/:id/messages.
type MessageListResponse struct {
	Messages []models.Message `json:"messages"`
	Total    int              `json:"total"`
}

// VerifyResponse reports a credential check.
type VerifyResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}
