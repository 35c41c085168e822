// Package overlay builds the watermark layer stamped onto pages: a small
// content stream drawing one line of text near the bottom-left corner at
// reduced opacity, plus the graphics-state and font resources it references.
// The overlay is generated once and applied to any number of pages by
// reference.
package overlay

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ollapress/pdfseal/filters"
	"github.com/ollapress/pdfseal/fonts"
	"github.com/ollapress/pdfseal/raw"
)

// Geometry and paint defaults: size 10 text, half gray, 60% opacity,
// anchored 30 units from the left and 1.5 line heights above the bottom.
const (
	DefaultFontSize = 10.0
	DefaultGray     = 0.5
	DefaultAlpha    = 0.6
	DefaultX        = 30.0
)

type Options struct {
	FontSize float64
	Gray     float64
	Alpha    float64
	X, Y     float64
	// FontName and GStateName are the resource names the content stream
	// references. Callers pick names that cannot collide with the page's
	// existing resources.
	FontName   string
	GStateName string
}

func (o *Options) fill() {
	if o.FontSize == 0 {
		o.FontSize = DefaultFontSize
	}
	if o.Gray == 0 {
		o.Gray = DefaultGray
	}
	if o.Alpha == 0 {
		o.Alpha = DefaultAlpha
	}
	if o.X == 0 {
		o.X = DefaultX
	}
	if o.Y == 0 {
		o.Y = DefaultX + 1.5*o.FontSize
	}
	if o.FontName == "" {
		o.FontName = "WMF0"
	}
	if o.GStateName == "" {
		o.GStateName = "WMGS0"
	}
}

// Overlay is immutable after Generate.
type Overlay struct {
	Text       string
	Font       *fonts.Font
	Content    []byte
	FontName   string
	GStateName string
	Alpha      float64
	glyphs     []fonts.ShapedGlyph // nil on the fallback path
}

// Generate shapes the text and renders the overlay content stream. With an
// embedded font the text operand is the shaped glyph-ID string; the fallback
// core font takes the literal bytes and will show mojibake for anything
// outside its encoding, which is the caller's tradeoff to log.
func Generate(text string, font *fonts.Font, opts Options) (*Overlay, error) {
	if text == "" {
		return nil, fmt.Errorf("empty watermark text")
	}
	if font == nil {
		font = fonts.Helvetica()
	}
	opts.fill()

	var glyphs []fonts.ShapedGlyph
	if !font.Fallback {
		var err error
		glyphs, err = fonts.ShapeText(text, font)
		if err != nil {
			return nil, fmt.Errorf("shape watermark text: %w", err)
		}
	}

	var b bytes.Buffer
	b.WriteString("q\n")
	fmt.Fprintf(&b, "/%s gs\n", opts.GStateName)
	b.WriteString("BT\n")
	fmt.Fprintf(&b, "%s %s %s rg\n", num(opts.Gray), num(opts.Gray), num(opts.Gray))
	fmt.Fprintf(&b, "/%s %s Tf\n", opts.FontName, num(opts.FontSize))
	fmt.Fprintf(&b, "%s %s Td\n", num(opts.X), num(opts.Y))
	if glyphs != nil {
		b.WriteString(glyphHexString(glyphs))
	} else {
		b.Write(escapeLiteral([]byte(text)))
	}
	b.WriteString(" Tj\nET\nQ\n")

	return &Overlay{
		Text:       text,
		Font:       font,
		Content:    b.Bytes(),
		FontName:   opts.FontName,
		GStateName: opts.GStateName,
		Alpha:      opts.Alpha,
		glyphs:     glyphs,
	}, nil
}

// ExtGState returns the transparency dictionary the content stream selects.
func (o *Overlay) ExtGState() *raw.DictObj {
	gs := raw.Dict()
	gs.KV["Type"] = raw.NameLiteral("ExtGState")
	gs.KV["CA"] = raw.NumberFloat(o.Alpha)
	gs.KV["ca"] = raw.NumberFloat(o.Alpha)
	return gs
}

// Materialized holds the indirect objects one application of the overlay
// adds to a document.
type Materialized struct {
	ContentRef raw.ObjectRef
	GuardRef   raw.ObjectRef
	FontRef    raw.ObjectRef
}

// Materialize appends the overlay's indirect objects to doc: the compressed
// content stream, the "q" guard stream that brackets the original page
// content, and the font object group. It is called once per document; pages
// share the returned refs.
func (o *Overlay) Materialize(doc *raw.Document) (*Materialized, error) {
	next := doc.MaxObjectNum()
	alloc := func() raw.ObjectRef {
		next++
		return raw.ObjectRef{Num: next}
	}

	guardRef := alloc()
	doc.Objects[guardRef] = flateStream([]byte("q\n"))

	contentRef := alloc()
	content := append([]byte("Q\n"), o.Content...)
	doc.Objects[contentRef] = flateStream(content)

	fontRef, err := o.fontObjects(doc, alloc)
	if err != nil {
		return nil, err
	}
	return &Materialized{ContentRef: contentRef, GuardRef: guardRef, FontRef: fontRef}, nil
}

// fontObjects builds either the core-font dictionary (fallback) or the
// Type0 / CIDFontType2 / FontDescriptor / FontFile2 group for the embedded
// TrueType.
func (o *Overlay) fontObjects(doc *raw.Document, alloc func() raw.ObjectRef) (raw.ObjectRef, error) {
	if o.Font.Fallback {
		ref := alloc()
		d := raw.Dict()
		d.KV["Type"] = raw.NameLiteral("Font")
		d.KV["Subtype"] = raw.NameLiteral("Type1")
		d.KV["BaseFont"] = raw.NameLiteral(o.Font.BaseName)
		d.KV["Encoding"] = raw.NameLiteral("WinAnsiEncoding")
		doc.Objects[ref] = d
		return ref, nil
	}

	fileRef := alloc()
	packed, err := filters.FlateEncode(o.Font.Data)
	if err != nil {
		return raw.ObjectRef{}, fmt.Errorf("compress font: %w", err)
	}
	fileDict := raw.Dict()
	fileDict.KV["Filter"] = raw.NameLiteral("FlateDecode")
	fileDict.KV["Length1"] = raw.NumberInt(int64(len(o.Font.Data)))
	doc.Objects[fileRef] = raw.NewStream(fileDict, packed)

	descRef := alloc()
	desc := raw.Dict()
	desc.KV["Type"] = raw.NameLiteral("FontDescriptor")
	desc.KV["FontName"] = raw.NameLiteral(o.Font.BaseName)
	desc.KV["Flags"] = raw.NumberInt(int64(o.Font.Flags))
	desc.KV["ItalicAngle"] = raw.NumberFloat(o.Font.ItalicAngle)
	desc.KV["Ascent"] = raw.NumberFloat(o.Font.Ascent)
	desc.KV["Descent"] = raw.NumberFloat(o.Font.Descent)
	desc.KV["CapHeight"] = raw.NumberFloat(o.Font.CapHeight)
	desc.KV["StemV"] = raw.NumberInt(int64(o.Font.StemV))
	desc.KV["FontBBox"] = raw.NewArray(
		raw.NumberFloat(o.Font.BBox[0]), raw.NumberFloat(o.Font.BBox[1]),
		raw.NumberFloat(o.Font.BBox[2]), raw.NumberFloat(o.Font.BBox[3]))
	desc.KV["FontFile2"] = raw.Ref(fileRef.Num, 0)
	doc.Objects[descRef] = desc

	cidRef := alloc()
	cid := raw.Dict()
	cid.KV["Type"] = raw.NameLiteral("Font")
	cid.KV["Subtype"] = raw.NameLiteral("CIDFontType2")
	cid.KV["BaseFont"] = raw.NameLiteral(o.Font.BaseName)
	csi := raw.Dict()
	csi.KV["Registry"] = raw.Str([]byte("Adobe"))
	csi.KV["Ordering"] = raw.Str([]byte("Identity"))
	csi.KV["Supplement"] = raw.NumberInt(0)
	cid.KV["CIDSystemInfo"] = csi
	cid.KV["DW"] = raw.NumberInt(int64(o.Font.DefaultWidth))
	if w := o.usedWidths(); w.Len() > 0 {
		cid.KV["W"] = w
	}
	cid.KV["CIDToGIDMap"] = raw.NameLiteral("Identity")
	cid.KV["FontDescriptor"] = raw.Ref(descRef.Num, 0)
	doc.Objects[cidRef] = cid

	fontRef := alloc()
	font := raw.Dict()
	font.KV["Type"] = raw.NameLiteral("Font")
	font.KV["Subtype"] = raw.NameLiteral("Type0")
	font.KV["BaseFont"] = raw.NameLiteral(o.Font.BaseName)
	font.KV["Encoding"] = raw.NameLiteral("Identity-H")
	font.KV["DescendantFonts"] = raw.NewArray(raw.Ref(cidRef.Num, 0))
	doc.Objects[fontRef] = font
	return fontRef, nil
}

// usedWidths encodes a W array covering only the glyphs the watermark uses.
func (o *Overlay) usedWidths() *raw.ArrayObj {
	used := make(map[int]bool, len(o.glyphs))
	for _, g := range o.glyphs {
		used[g.ID] = true
	}
	ids := make([]int, 0, len(used))
	for id := range used {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	arr := raw.NewArray()
	for i := 0; i < len(ids); {
		j := i
		for j+1 < len(ids) && ids[j+1] == ids[j]+1 {
			j++
		}
		run := raw.NewArray()
		for k := i; k <= j; k++ {
			w, ok := o.Font.Widths[ids[k]]
			if !ok {
				w = o.Font.DefaultWidth
			}
			run.Append(raw.NumberInt(int64(w)))
		}
		arr.Append(raw.NumberInt(int64(ids[i])))
		arr.Append(run)
		i = j + 1
	}
	return arr
}

func glyphHexString(glyphs []fonts.ShapedGlyph) string {
	var b bytes.Buffer
	b.WriteByte('<')
	for _, g := range glyphs {
		fmt.Fprintf(&b, "%04X", g.ID&0xFFFF)
	}
	b.WriteByte('>')
	return b.String()
}

func escapeLiteral(data []byte) []byte {
	var b bytes.Buffer
	b.WriteByte('(')
	for _, ch := range data {
		switch ch {
		case '\\', '(', ')':
			b.WriteByte('\\')
			b.WriteByte(ch)
		default:
			if ch < 0x20 || ch >= 0x80 {
				fmt.Fprintf(&b, "\\%03o", ch)
			} else {
				b.WriteByte(ch)
			}
		}
	}
	b.WriteByte(')')
	return b.Bytes()
}

func flateStream(data []byte) *raw.StreamObj {
	packed, err := filters.FlateEncode(data)
	if err != nil {
		// Flate over an in-memory buffer cannot realistically fail; keep the
		// plain bytes if it somehow does.
		d := raw.Dict()
		return raw.NewStream(d, data)
	}
	d := raw.Dict()
	d.KV["Filter"] = raw.NameLiteral("FlateDecode")
	return raw.NewStream(d, packed)
}

func num(f float64) string {
	s := fmt.Sprintf("%.4f", f)
	s = trimZeros(s)
	return s
}

func trimZeros(s string) string {
	for len(s) > 0 && s[len(s)-1] == '0' {
		s = s[:len(s)-1]
	}
	if len(s) > 0 && s[len(s)-1] == '.' {
		s = s[:len(s)-1]
	}
	return s
}
