package render

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf16"

	"github.com/stretchr/testify/require"
)

func newPlain(fontPath string) *Renderer {
	r := New(fontPath)
	r.compress = false
	r.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
	return r
}

// shown is the text operand a UTF-8 font writes for s: UTF-16BE in a PDF
// string. The test inputs contain no bytes that need escaping.
func shown(s string) string {
	var b strings.Builder
	b.WriteByte('(')
	for _, u := range utf16.Encode([]rune(s)) {
		b.WriteByte(byte(u >> 8))
		b.WriteByte(byte(u))
	}
	b.WriteString(")Tj")
	return b.String()
}

func TestRender_ProducesPDF(t *testing.T) {
	out, err := New("").Render("Lecture 1", "# Intro\ntext\n\n# Details\n## A\nx")
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(out, []byte("%PDF-")))
	require.True(t, bytes.Contains(out, []byte("%%EOF")))
}

func TestRender_ContentOrder(t *testing.T) {
	out, err := newPlain("").Render("Lecture 1", "first paragraph\n   \n## Section\nsecond paragraph")
	require.NoError(t, err)

	s := string(out)
	title := strings.Index(s, shown("Lecture 1"))
	first := strings.Index(s, shown("first paragraph"))
	section := strings.Index(s, shown("Section"))
	second := strings.Index(s, shown("second paragraph"))
	require.True(t, title >= 0 && first > title && section > first && second > section)
	require.NotContains(t, s, shown("## Section"))
}

func TestRender_KeepsCyrillic(t *testing.T) {
	out, err := newPlain("").Render("Лекция", "# Введение\nтекст")
	require.NoError(t, err)

	s := string(out)
	for _, want := range []string{"Лекция", "Введение", "текст"} {
		require.Contains(t, s, shown(want))
	}
	require.NotContains(t, s, "(......)Tj")
}

func TestRender_LongText(t *testing.T) {
	text := strings.Repeat("a line of lecture notes\n", 400)
	out, err := newPlain("").Render("Long", text)
	require.NoError(t, err)
	require.Equal(t, 400, strings.Count(string(out), shown("a line of lecture notes")))
}

func TestRender_MissingFont(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "nope.ttf")).Render("T", "x")
	require.Error(t, err)
}

func TestRender_ConfiguredFont(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.ttf")
	require.NoError(t, os.WriteFile(path, defaultFont, 0o644))
	r := newPlain(path)

	out, err := r.Render("Лекция", "текст")
	require.NoError(t, err)
	require.Contains(t, string(out), shown("текст"))

	// Text the font cannot draw fails instead of rendering placeholders.
	_, err = r.Render("Лекция", "# 漢字\nтекст")
	require.ErrorContains(t, err, "no glyph")
	require.ErrorContains(t, err, "U+6F22")
}

func TestSplitHeading(t *testing.T) {
	cases := []struct {
		in    string
		level int
		text  string
	}{
		{"# Intro", 1, "Intro"},
		{"### Deep  ", 3, "Deep"},
		{"#hashtag", 0, "#hashtag"},
		{"plain", 0, "plain"},
		{"##", 0, "##"},
	}
	for _, c := range cases {
		level, text := splitHeading(c.in)
		require.Equal(t, c.level, level, c.in)
		require.Equal(t, c.text, text, c.in)
	}
}
