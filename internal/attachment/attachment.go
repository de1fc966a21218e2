// Package attachment validates and classifies files attached to a turn.
package attachment

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	perrors "github.com/p-blackswan/analyst/internal/errors"
	"github.com/p-blackswan/analyst/internal/llm"
)

// DefaultMaxBytes is the attachment size ceiling.
const DefaultMaxBytes = 10 << 20

// Mode is how an attachment reaches the model.
type Mode string

const (
	// Inline sends the bytes to the model as a binary part.
	Inline Mode = "inline"
	// Textual folds decoded content into the turn text.
	Textual Mode = "textual"
	// Opaque only mentions the file by name.
	Opaque Mode = "opaque"
)

var textExtensions = map[string]bool{
	".txt":  true,
	".md":   true,
	".html": true,
	".xml":  true,
	".json": true,
	".csv":  true,
}

// File is an attachment as received from the client.
type File struct {
	Name     string
	MIMEType string
	Data     []byte
}

// Prepared is a turn's text after folding in the attachment.
type Prepared struct {
	Mode Mode
	// Text is the message content to persist and send.
	Text string
	// Inline is set for Inline mode only.
	Inline *llm.Blob
}

// Classify picks the handling mode from the MIME type and file name.
func Classify(mimeType, name string) Mode {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	switch {
	case strings.HasPrefix(mt, "image/"), mt == "application/pdf":
		return Inline
	case strings.HasPrefix(mt, "text/"), textExtensions[strings.ToLower(filepath.Ext(name))]:
		return Textual
	default:
		return Opaque
	}
}

// Validate rejects files over maxBytes. A non-positive maxBytes uses
// DefaultMaxBytes.
func Validate(f File, maxBytes int64) error {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if int64(len(f.Data)) > maxBytes {
		return fmt.Errorf("%w: %s is %d bytes, limit is %d", perrors.ErrTooLarge, f.Name, len(f.Data), maxBytes)
	}
	return nil
}

// Prepare validates f and folds it into text according to its mode.
func Prepare(text string, f File, maxBytes int64) (*Prepared, error) {
	if err := Validate(f, maxBytes); err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)

	p := &Prepared{Mode: Classify(f.MIMEType, f.Name)}
	switch p.Mode {
	case Inline:
		p.Text = text
		p.Inline = &llm.Blob{MIMEType: f.MIMEType, Data: f.Data}
	case Textual:
		content, err := Decode(f.Data)
		if err != nil {
			p.Text = join(text, fmt.Sprintf("[Attached File: %s] (Error reading content)", f.Name))
			break
		}
		p.Text = join(text, fmt.Sprintf("[Analysis Request for File: %s]\nFile Content:\n```\n%s\n```", f.Name, content))
	default:
		p.Text = join(text, fmt.Sprintf("[Attached File: %s]\n(Note: This file format cannot be analyzed directly.)", f.Name))
	}
	return p, nil
}

var utf16BOMs = [][]byte{{0xFE, 0xFF}, {0xFF, 0xFE}}

// Decode reads data as text, honouring a UTF-8 or UTF-16 byte order mark.
// Data without a UTF-16 mark must be valid UTF-8.
func Decode(data []byte) (string, error) {
	utf16 := false
	for _, bom := range utf16BOMs {
		if bytes.HasPrefix(data, bom) {
			utf16 = true
		}
	}
	if !utf16 && !utf8.Valid(data) {
		return "", fmt.Errorf("decoding text: %w: not valid UTF-8", perrors.ErrInvalidInput)
	}
	out, _, err := transform.Bytes(unicode.BOMOverride(unicode.UTF8.NewDecoder()), data)
	if err != nil {
		return "", fmt.Errorf("decoding text: %w", err)
	}
	return string(out), nil
}

func join(text, block string) string {
	if text == "" {
		return block
	}
	return text + "\n\n" + block
}
