package fonts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-text/typesetting/language"
)

func TestLoadTrueTypeRejectsBadData(t *testing.T) {
	if _, err := LoadTrueType("x", nil); err == nil {
		t.Fatal("empty data accepted")
	}
	if _, err := LoadTrueType("x", []byte("definitely not a font")); err == nil {
		t.Fatal("garbage data accepted")
	}
}

func TestHelveticaFallbackMarker(t *testing.T) {
	f := Helvetica()
	if !f.Fallback || f.BaseName != "Helvetica" {
		t.Fatalf("fallback font = %+v", f)
	}
	if _, err := ShapeText("abc", f); err == nil {
		t.Fatal("shaping a fallback font must fail")
	}
}

func TestDetectScript(t *testing.T) {
	if got := detectScript([]rune("이 책은 buyer (010-1234) 님의 것입니다")); got != language.Hangul {
		t.Fatalf("script = %v, want Hangul", got)
	}
	if got := detectScript([]rune("plain latin text")); got != language.Latin {
		t.Fatalf("script = %v, want Latin", got)
	}
}

func TestPlatformResolverFallsBack(t *testing.T) {
	r := NewPlatformResolver(filepath.Join(t.TempDir(), "missing.ttf"), nil)
	r.GOOS = "windows" // candidate paths cannot exist here
	f, err := r.Resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !f.Fallback {
		t.Fatalf("expected fallback, got %q", f.BaseName)
	}
}

func TestPlatformResolverExplicitGarbage(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "bad.ttf")
	if err := os.WriteFile(bad, []byte("junk"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := NewPlatformResolver(bad, nil)
	r.GOOS = "windows"
	f, err := r.Resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !f.Fallback {
		t.Fatal("unparseable explicit font must degrade to fallback")
	}
}

func TestStaticResolver(t *testing.T) {
	f, err := StaticResolver{}.Resolve()
	if err != nil || !f.Fallback {
		t.Fatalf("empty static resolver: %+v err %v", f, err)
	}
	want := &Font{BaseName: "X"}
	f, err = StaticResolver{Font: want}.Resolve()
	if err != nil || f != want {
		t.Fatalf("static resolver did not return its font")
	}
}

// findSystemFont locates any usable TrueType for shaping tests.
func findSystemFont(t *testing.T) *Font {
	t.Helper()
	candidates := []string{
		"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
		"/usr/share/fonts/truetype/liberation/LiberationSans-Regular.ttf",
		"/usr/share/fonts/TTF/DejaVuSans.ttf",
	}
	for _, p := range candidates {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		f, err := LoadTrueType(filepath.Base(p), data)
		if err != nil {
			continue
		}
		return f
	}
	t.Skip("no system truetype font available")
	return nil
}

func TestLoadAndShapeSystemFont(t *testing.T) {
	f := findSystemFont(t)
	if f.Fallback || len(f.Widths) == 0 || f.DefaultWidth == 0 {
		t.Fatalf("metrics not extracted: %+v", f)
	}
	glyphs, err := ShapeText("Hello", f)
	if err != nil {
		t.Fatalf("shape: %v", err)
	}
	if len(glyphs) != 5 {
		t.Fatalf("got %d glyphs", len(glyphs))
	}
	for _, g := range glyphs {
		if g.ID == 0 {
			t.Fatal("notdef glyph in shaped output")
		}
		if g.XAdvance <= 0 {
			t.Fatalf("non-positive advance: %+v", g)
		}
	}
}
