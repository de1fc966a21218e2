package models

import "strings"

// Role identifies the author of a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// AttachmentKind distinguishes images from other files.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentFile  AttachmentKind = "file"
)

// KindForMIME returns image for image/* types and file otherwise.
func KindForMIME(mimeType string) AttachmentKind {
	if strings.HasPrefix(mimeType, "image/") {
		return AttachmentImage
	}
	return AttachmentFile
}

// Attachment describes an uploaded file referenced by a message.
type Attachment struct {
	URL         string         `json:"url"`
	Type        AttachmentKind `json:"type"`
	Name        string         `json:"name"`
	MIMEType    string         `json:"mimeType"`
	StoragePath string         `json:"storagePath,omitempty"`
}

// Message is one conversation entry. Seq is assigned by the store and is
// strictly increasing within a project; Timestamp is wall clock for display.
type Message struct {
	ID         string      `json:"id"`
	ProjectID  string      `json:"projectId"`
	Role       Role        `json:"role"`
	Content    string      `json:"content"`
	Seq        int64       `json:"seq"`
	Timestamp  int64       `json:"timestamp"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// MessageInput holds the fields of a new message.
type MessageInput struct {
	Role       Role
	Content    string
	Attachment *Attachment
}

// MessagePatch is a partial message update.
type MessagePatch struct {
	Content    *string
	Attachment *Attachment
}

// Empty reports whether the patch changes nothing.
func (p MessagePatch) Empty() bool {
	return p.Content == nil && p.Attachment == nil
}
