package overlay

import (
	"bytes"
	"strings"
	"testing"

	"github.com/ollapress/pdfseal/filters"
	"github.com/ollapress/pdfseal/fonts"
	"github.com/ollapress/pdfseal/raw"
	"github.com/ollapress/pdfseal/xref"
)

func TestGenerateFallbackContent(t *testing.T) {
	ov, err := Generate("watermark text", fonts.Helvetica(), Options{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	content := string(ov.Content)
	for _, want := range []string{
		"/WMGS0 gs",
		"0.5 0.5 0.5 rg",
		"/WMF0 10 Tf",
		"30 45 Td",
		"(watermark text) Tj",
		"BT", "ET",
	} {
		if !strings.Contains(content, want) {
			t.Fatalf("content missing %q:\n%s", want, content)
		}
	}
}

func TestGenerateGeometryFollowsFontSize(t *testing.T) {
	ov, err := Generate("x", fonts.Helvetica(), Options{FontSize: 20})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.Contains(string(ov.Content), "30 60 Td") {
		t.Fatalf("baseline not at 30+1.5*size:\n%s", ov.Content)
	}
}

func TestGenerateEscapesLiteral(t *testing.T) {
	ov, err := Generate(`a(b)\c`, fonts.Helvetica(), Options{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.Contains(string(ov.Content), `(a\(b\)\\c) Tj`) {
		t.Fatalf("escaping broken:\n%s", ov.Content)
	}
}

func TestGenerateEmptyText(t *testing.T) {
	if _, err := Generate("", fonts.Helvetica(), Options{}); err == nil {
		t.Fatal("empty text accepted")
	}
}

func TestExtGStateAlpha(t *testing.T) {
	ov, err := Generate("x", fonts.Helvetica(), Options{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	gs := ov.ExtGState()
	ca, ok := gs.KV["ca"].(raw.NumberObj)
	if !ok || ca.Float() != 0.6 {
		t.Fatalf("ca = %v", gs.KV["ca"])
	}
	CA, ok := gs.KV["CA"].(raw.NumberObj)
	if !ok || CA.Float() != 0.6 {
		t.Fatalf("CA = %v", gs.KV["CA"])
	}
}

func TestMaterializeFallback(t *testing.T) {
	doc := &raw.Document{Objects: map[raw.ObjectRef]raw.Object{
		{Num: 1}: raw.Dict(),
	}}
	ov, err := Generate("mark", fonts.Helvetica(), Options{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	m, err := ov.Materialize(doc)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}

	guard, ok := doc.Objects[m.GuardRef].(*raw.StreamObj)
	if !ok {
		t.Fatal("guard stream missing")
	}
	names, params := xref.FilterSpec(guard.Dict)
	plain, err := filters.DecodeChain(names, guard.Data, params)
	if err != nil {
		t.Fatalf("decode guard: %v", err)
	}
	if string(plain) != "q\n" {
		t.Fatalf("guard = %q", plain)
	}

	content, ok := doc.Objects[m.ContentRef].(*raw.StreamObj)
	if !ok {
		t.Fatal("content stream missing")
	}
	names, params = xref.FilterSpec(content.Dict)
	plain, err = filters.DecodeChain(names, content.Data, params)
	if err != nil {
		t.Fatalf("decode content: %v", err)
	}
	if !bytes.HasPrefix(plain, []byte("Q\n")) {
		t.Fatalf("content must restore the guard state first: %q", plain)
	}

	font, ok := doc.Objects[m.FontRef].(*raw.DictObj)
	if !ok || font.Name("Subtype") != "Type1" || font.Name("BaseFont") != "Helvetica" {
		t.Fatalf("fallback font dict = %v", font)
	}
}

func TestUsedWidthsRuns(t *testing.T) {
	ov := &Overlay{
		Font: &fonts.Font{
			Widths:       map[int]int{10: 500, 11: 510, 12: 520, 40: 900},
			DefaultWidth: 1000,
		},
		glyphs: []fonts.ShapedGlyph{{ID: 12}, {ID: 10}, {ID: 11}, {ID: 40}, {ID: 10}},
	}
	arr := ov.usedWidths()
	// Expect [10 [500 510 520] 40 [900]]
	if arr.Len() != 4 {
		t.Fatalf("W len = %d", arr.Len())
	}
	first, _ := arr.Items[0].(raw.NumberObj)
	if first.Int() != 10 {
		t.Fatalf("first run start = %v", arr.Items[0])
	}
	run, ok := arr.Items[1].(*raw.ArrayObj)
	if !ok || run.Len() != 3 {
		t.Fatalf("first run = %v", arr.Items[1])
	}
	second, _ := arr.Items[2].(raw.NumberObj)
	if second.Int() != 40 {
		t.Fatalf("second run start = %v", arr.Items[2])
	}
}
