// Package llm defines provider-neutral generation types and the Gemini
// adapter behind them.
package llm

import (
	"context"
	"io"
	"time"
)

// Turn roles understood by the provider.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Blob is inline binary content such as an image or PDF.
type Blob struct {
	MIMEType string
	Data     []byte
}

// Part is one piece of a turn: text or inline binary.
type Part struct {
	Text string
	Blob *Blob
}

// TextPart builds a text part.
func TextPart(text string) Part { return Part{Text: text} }

// BlobPart builds an inline binary part.
func BlobPart(mimeType string, data []byte) Part {
	return Part{Blob: &Blob{MIMEType: mimeType, Data: data}}
}

// Turn is one role-tagged entry of a conversation.
type Turn struct {
	Role  string
	Parts []Part
}

// SchemaType enumerates JSON schema node types.
type SchemaType string

const (
	TypeObject  SchemaType = "object"
	TypeArray   SchemaType = "array"
	TypeString  SchemaType = "string"
	TypeInteger SchemaType = "integer"
)

// Schema is a provider-neutral response schema.
type Schema struct {
	Type       SchemaType
	Properties map[string]*Schema
	Items      *Schema
	Enum       []string
}

// Request is one generation call.
type Request struct {
	Model             string
	SystemInstruction string
	// Temperature is left to the provider default when nil.
	Temperature *float32
	// Contents is the ordered conversation, newest turn last.
	Contents []Turn
	// ResponseMIMEType and ResponseSchema constrain structured output.
	ResponseMIMEType string
	ResponseSchema   *Schema
	// APIKey is the already resolved credential for this call.
	APIKey string
}

// Response is the generated output.
type Response struct {
	Text string
}

// Generator produces text from a conversation.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// VideoRequest asks for a generated video.
type VideoRequest struct {
	Model        string
	Prompt       string
	Resolution   string
	AspectRatio  string
	APIKey       string
	PollInterval time.Duration
}

// VideoGenerator runs long video generations and fetches their output.
type VideoGenerator interface {
	// GenerateVideo blocks until the operation completes or ctx ends and
	// returns the provider URI of the first video.
	GenerateVideo(ctx context.Context, req VideoRequest) (string, error)
	// Download fetches a provider URI. The credential travels in a header.
	Download(ctx context.Context, uri, apiKey string) (io.ReadCloser, string, error)
}

// Float32 returns a pointer to v.
func Float32(v float32) *float32 { return &v }
