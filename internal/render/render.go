// Package render lays out lecture notes as an A4 PDF.
package render

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/go-pdf/fpdf"
)

const (
	marginMM      = 20.0
	titleSize     = 18.0
	titleSpacerMM = 6.0
	bodySize      = 11.0
	bodySpacerMM  = 2.0
	lineHeightMM  = 5.5
	fontFamily    = "notes"
)

// headingSizes maps markdown heading level to point size; deeper levels use
// the last entry.
var headingSizes = []float64{16, 14, 13, 12}

//go:embed fonts/DejaVuSansCondensed.ttf
var defaultFont []byte

// Renderer builds PDFs. The zero value is not usable; use New.
type Renderer struct {
	fontPath string
	compress bool
	now      func() time.Time

	loadOnce sync.Once
	font     []byte
	// glyphs maps rune to glyph index for a configured font; nil for the
	// embedded one.
	glyphs  map[uint16]uint16
	loadErr error
}

// New returns a renderer. fontPath optionally names a UTF-8 TrueType font
// used instead of the embedded DejaVu Sans Condensed.
func New(fontPath string) *Renderer {
	return &Renderer{fontPath: strings.TrimSpace(fontPath), compress: true, now: time.Now}
}

// Load reads and parses the configured font. Render calls it on first use.
func (r *Renderer) Load() error {
	r.loadOnce.Do(func() {
		if r.fontPath == "" {
			r.font = defaultFont
			return
		}
		font, err := os.ReadFile(r.fontPath)
		if err != nil {
			r.loadErr = fmt.Errorf("render: font: %w", err)
			return
		}
		ttf, err := fpdf.TtfParse(r.fontPath)
		if err != nil {
			r.loadErr = fmt.Errorf("render: font %s: %w", r.fontPath, err)
			return
		}
		r.font, r.glyphs = font, ttf.Chars
	})
	return r.loadErr
}

// drawable fails on the first rune the configured font has no glyph for.
func (r *Renderer) drawable(parts ...string) error {
	if r.glyphs == nil {
		return nil
	}
	for _, s := range parts {
		for _, c := range s {
			if unicode.IsSpace(c) || unicode.IsControl(c) {
				continue
			}
			if c > 0xFFFF || r.glyphs[uint16(c)] == 0 {
				return fmt.Errorf("render: font %s has no glyph for %q (U+%04X)", r.fontPath, c, c)
			}
		}
	}
	return nil
}

// Render returns a PDF with title as heading followed by one paragraph per
// non-blank line of text. Leading "#" markers select a heading size.
func (r *Renderer) Render(title, text string) ([]byte, error) {
	if err := r.Load(); err != nil {
		return nil, err
	}
	if err := r.drawable(title, text); err != nil {
		return nil, err
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(marginMM, marginMM, marginMM)
	pdf.SetAutoPageBreak(true, marginMM)
	pdf.SetCompression(r.compress)
	pdf.SetCreationDate(r.now())
	pdf.AddUTF8FontFromBytes(fontFamily, "", r.font)
	pdf.SetTitle(title, true)
	pdf.AddPage()

	pdf.SetFont(fontFamily, "", titleSize)
	pdf.MultiCell(0, titleSize*0.45, title, "", "L", false)
	pdf.Ln(titleSpacerMM)

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		size, lineHeight := bodySize, lineHeightMM
		if level, heading := splitHeading(line); level > 0 {
			size = headingSizes[min(level, len(headingSizes))-1]
			line, lineHeight = heading, size*0.45
		}
		pdf.SetFont(fontFamily, "", size)
		pdf.MultiCell(0, lineHeight, line, "", "L", false)
		pdf.Ln(bodySpacerMM)
	}

	if err := pdf.Error(); err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render: output: %w", err)
	}
	return buf.Bytes(), nil
}

// splitHeading returns the heading level and text of a "## text" line, or
// level 0 when line is not a heading.
func splitHeading(line string) (int, string) {
	level := 0
	for level < len(line) && line[level] == '#' {
		level++
	}
	if level == 0 || level == len(line) || line[level] != ' ' {
		return 0, line
	}
	return level, strings.TrimSpace(line[level:])
}
