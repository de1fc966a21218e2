package attachment

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/analyst/internal/errors"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		mime, name string
		want       Mode
	}{
		{"image/png", "a.png", Inline},
		{"application/pdf", "plan.pdf", Inline},
		{"text/plain; charset=utf-8", "notes", Textual},
		{"text/csv", "data.csv", Textual},
		{"application/octet-stream", "README.MD", Textual},
		{"", "config.json", Textual},
		{"application/vnd.ms-excel", "sheet.xlsx", Opaque},
		{"application/zip", "bundle.zip", Opaque},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.mime, tc.name), "%s %s", tc.mime, tc.name)
	}
}

func TestPrepare_Textual(t *testing.T) {
	p, err := Prepare("Summarize this", File{Name: "notes.md", MIMEType: "text/markdown", Data: []byte("# Plan\nSell books")}, 0)
	require.NoError(t, err)
	assert.Equal(t, Textual, p.Mode)
	assert.Nil(t, p.Inline)
	assert.Equal(t, "Summarize this\n\n[Analysis Request for File: notes.md]\nFile Content:\n```\n# Plan\nSell books\n```", p.Text)
}

func TestPrepare_TextualWithoutText(t *testing.T) {
	p, err := Prepare("  ", File{Name: "a.txt", MIMEType: "text/plain", Data: []byte("hi")}, 0)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(p.Text, "[Analysis Request for File: a.txt]"))
}

func TestPrepare_TextualUnreadable(t *testing.T) {
	p, err := Prepare("look", File{Name: "bad.txt", MIMEType: "text/plain", Data: []byte{0xff, 0xc3, 0x28}}, 0)
	require.NoError(t, err)
	assert.Equal(t, "look\n\n[Attached File: bad.txt] (Error reading content)", p.Text)
}

func TestPrepare_Opaque(t *testing.T) {
	p, err := Prepare("", File{Name: "deck.pptx", MIMEType: "application/vnd.ms-powerpoint", Data: []byte{0, 1, 2, 3}}, 0)
	require.NoError(t, err)
	assert.Equal(t, Opaque, p.Mode)
	assert.Equal(t, "[Attached File: deck.pptx]\n(Note: This file format cannot be analyzed directly.)", p.Text)
	assert.Nil(t, p.Inline)
}

func TestPrepare_Inline(t *testing.T) {
	p, err := Prepare("what is this?", File{Name: "a.png", MIMEType: "image/png", Data: []byte{1, 2}}, 0)
	require.NoError(t, err)
	assert.Equal(t, "what is this?", p.Text)
	require.NotNil(t, p.Inline)
	assert.Equal(t, "image/png", p.Inline.MIMEType)
}

func TestPrepare_TooLarge(t *testing.T) {
	_, err := Prepare("hi", File{Name: "big.png", MIMEType: "image/png", Data: make([]byte, 15<<20)}, DefaultMaxBytes)
	assert.ErrorIs(t, err, perrors.ErrTooLarge)

	_, err = Prepare("hi", File{Name: "small.png", MIMEType: "image/png", Data: make([]byte, 11)}, 10)
	assert.ErrorIs(t, err, perrors.ErrTooLarge)
}

func TestDecode_BOM(t *testing.T) {
	s, err := Decode([]byte{0xEF, 0xBB, 0xBF, 'h', 'i'})
	require.NoError(t, err)
	assert.Equal(t, "hi", s)

	s, err = Decode([]byte{0xFF, 0xFE, 'h', 0, 'i', 0})
	require.NoError(t, err)
	assert.Equal(t, "hi", s)
}
