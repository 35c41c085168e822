package fonts

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/ollapress/pdfseal/observability"
)

// Resolver produces the font used for watermark text. Implementations never
// fail hard: when nothing usable is found they return the Helvetica fallback
// so the caller can degrade with a warning instead of aborting.
type Resolver interface {
	Resolve() (*Font, error)
}

// PlatformResolver probes well-known Korean font locations for the current
// OS. An explicit path, when set, is tried first.
type PlatformResolver struct {
	ExplicitPath string
	// GOOS overrides runtime.GOOS, for tests.
	GOOS string
	Log  observability.Logger
}

func NewPlatformResolver(explicitPath string, log observability.Logger) *PlatformResolver {
	if log == nil {
		log = observability.NopLogger{}
	}
	return &PlatformResolver{ExplicitPath: explicitPath, Log: log}
}

func (r *PlatformResolver) Resolve() (*Font, error) {
	log := r.Log
	if log == nil {
		log = observability.NopLogger{}
	}
	for _, path := range r.candidates() {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		name := filepath.Base(path)
		font, err := LoadTrueType(name[:len(name)-len(filepath.Ext(name))], data)
		if err != nil {
			// Collection files (.ttc) and damaged fonts land here.
			log.Warn("font not usable", observability.String("path", path), observability.Err(err))
			continue
		}
		log.Debug("resolved platform font", observability.String("path", path))
		return font, nil
	}
	log.Warn("no korean font found, falling back to Helvetica")
	return Helvetica(), nil
}

func (r *PlatformResolver) candidates() []string {
	var out []string
	if r.ExplicitPath != "" {
		out = append(out, r.ExplicitPath)
	}
	goos := r.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	switch goos {
	case "windows":
		out = append(out,
			`C:\Windows\Fonts\malgun.ttf`,
			`C:\Windows\Fonts\gulim.ttc`,
		)
	case "darwin":
		out = append(out,
			"/System/Library/Fonts/Supplemental/AppleGothic.ttf",
			"/Library/Fonts/AppleGothic.ttf",
			"/Library/Fonts/NanumGothic.ttf",
		)
	default:
		out = append(out,
			"/usr/share/fonts/truetype/nanum/NanumGothic.ttf",
			"/usr/share/fonts/truetype/noto/NotoSansCJK-Regular.ttc",
			"/usr/share/fonts/opentype/noto/NotoSansCJK-Regular.ttc",
		)
	}
	return out
}

// StaticResolver always returns the same font. Useful for tests and for
// callers that already loaded their font bytes.
type StaticResolver struct{ Font *Font }

func (s StaticResolver) Resolve() (*Font, error) {
	if s.Font == nil {
		return Helvetica(), nil
	}
	return s.Font, nil
}
