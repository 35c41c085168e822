// Package fonts loads TrueType fonts for Type0 Identity-H embedding and
// shapes text into glyph IDs. A built-in Helvetica fallback stands in when no
// usable platform font is found.
package fonts

import (
	"fmt"
	"math"
	"strings"

	xfont "golang.org/x/image/font"
	"golang.org/x/image/font/sfnt"
	"golang.org/x/image/math/fixed"
)

// Font carries either embedded TrueType data with its metrics, or the
// Fallback marker naming a core font.
type Font struct {
	BaseName     string
	Fallback     bool
	Data         []byte
	Widths       map[int]int // glyph ID -> advance in 1/1000 em
	DefaultWidth int
	Ascent       float64
	Descent      float64
	CapHeight    float64
	ItalicAngle  float64
	BBox         [4]float64
	Flags        int
	StemV        int
}

// Helvetica returns the core-font fallback. Text rendered with it uses the
// standard encoding; glyphs outside it will not display correctly, which the
// caller is expected to log.
func Helvetica() *Font {
	return &Font{BaseName: "Helvetica", Fallback: true, DefaultWidth: 500}
}

// LoadTrueType parses a TrueType/OpenType font and extracts the metrics a
// Type0 Identity-H embedding needs. The full font is embedded, no subsetting.
func LoadTrueType(name string, data []byte) (*Font, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("truetype font data is empty")
	}
	font, err := sfnt.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse truetype: %w", err)
	}
	unitsPerEm := font.UnitsPerEm()
	if unitsPerEm == 0 {
		return nil, fmt.Errorf("invalid unitsPerEm")
	}
	buf := &sfnt.Buffer{}
	ppem := fixed.Int26_6(unitsPerEm << 6)

	baseName := strings.TrimSpace(name)
	if ps, _ := font.Name(buf, sfnt.NameIDPostScript); len(ps) > 0 {
		baseName = ps
	}
	if baseName == "" {
		baseName = "CustomTT"
	}

	widths := glyphWidths(font, buf, unitsPerEm, ppem)
	defaultWidth := widths[0]
	if defaultWidth == 0 {
		defaultWidth = 1000
	}

	metrics, _ := font.Metrics(buf, ppem, xfont.HintingNone)
	bounds, _ := font.Bounds(buf, ppem, xfont.HintingNone)
	return &Font{
		BaseName:     baseName,
		Data:         data,
		Widths:       widths,
		DefaultWidth: defaultWidth,
		Ascent:       scaleFixed(metrics.Ascent, unitsPerEm),
		Descent:      scaleFixed(metrics.Descent, unitsPerEm),
		CapHeight:    scaleFixed(metrics.Ascent, unitsPerEm),
		ItalicAngle:  italicAngle(font),
		BBox: [4]float64{
			scaleFixed(bounds.Min.X, unitsPerEm),
			scaleFixed(bounds.Min.Y, unitsPerEm),
			scaleFixed(bounds.Max.X, unitsPerEm),
			scaleFixed(bounds.Max.Y, unitsPerEm),
		},
		Flags: 4, // non-symbolic
		StemV: 80,
	}, nil
}

func glyphWidths(font *sfnt.Font, buf *sfnt.Buffer, unitsPerEm sfnt.Units, ppem fixed.Int26_6) map[int]int {
	glyphs := font.NumGlyphs()
	widths := make(map[int]int, glyphs)
	for i := 0; i < glyphs; i++ {
		adv, err := font.GlyphAdvance(buf, sfnt.GlyphIndex(i), ppem, xfont.HintingNone)
		if err != nil {
			continue
		}
		widths[i] = int(math.Round(scaleFixed(adv, unitsPerEm)))
	}
	return widths
}

func italicAngle(font *sfnt.Font) float64 {
	post := font.PostTable()
	if post == nil {
		return 0
	}
	return post.ItalicAngle
}

func scaleFixed(val fixed.Int26_6, unitsPerEm sfnt.Units) float64 {
	return float64(val) * 1000.0 / (64.0 * float64(unitsPerEm))
}
