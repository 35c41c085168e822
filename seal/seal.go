// Package seal turns a purchased e-book into a buyer-sealed copy: every page
// past the preview section gets a translucent ownership watermark, the
// document info records the buyer, and the result can be password protected.
// The transformation is all-or-nothing; no partially written file is ever
// left at the output path.
package seal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ollapress/pdfseal/fonts"
	"github.com/ollapress/pdfseal/observability"
	"github.com/ollapress/pdfseal/overlay"
	"github.com/ollapress/pdfseal/parser"
	"github.com/ollapress/pdfseal/raw"
	"github.com/ollapress/pdfseal/security"
	"github.com/ollapress/pdfseal/writer"
)

// The first pages of the book double as the free preview and stay clean.
const previewPages = 4

// Document info defaults. The author and creator identify the publisher, not
// the buyer; the buyer lands in the subject line.
const (
	DefaultAuthor  = "올라"
	DefaultCreator = "올라의 꿀수면 프로젝트"
)

var (
	// ErrPermissionsUnsupported reports a request for print or copy
	// restrictions. The encryption always grants full permissions; asking
	// for less fails up front rather than silently producing a permissive
	// file.
	ErrPermissionsUnsupported = errors.New("print/copy restrictions are not supported")

	// ErrEncryptedInput reports an input that is already password protected.
	ErrEncryptedInput = errors.New("input document is encrypted")
)

// ProgressFunc receives step updates during a transformation. current runs
// from 0 to total; total is the page count of the input.
type ProgressFunc func(current, total int, message string)

func (f ProgressFunc) emit(current, total int, message string) {
	if f != nil {
		f(current, total, message)
	}
}

// Request describes one sealing run.
type Request struct {
	InputPath  string
	OutputPath string // empty derives {basename}_{BuyerName}.pdf beside the input

	// WatermarkText overrides the sentence built from the buyer details.
	WatermarkText string

	// Password, when set, encrypts the output. User and owner password are
	// the same string; there is no recovery path for a lost password.
	Password string

	BuyerName  string
	BuyerPhone string

	// Declared but unsupported; see ErrPermissionsUnsupported.
	DisallowPrinting bool
	DisallowCopying  bool

	OnProgress ProgressFunc
}

// Verifier checks a finished output file. The pdfcpu-backed implementation
// lives in verify.go; tests plug their own.
type Verifier interface {
	Verify(path, password string) error
}

// Transformer applies sealing requests. Safe for sequential reuse; each
// Transform call owns its documents exclusively.
type Transformer struct {
	log           observability.Logger
	fonts         fonts.Resolver
	method        security.Method
	deterministic bool
	verifier      Verifier
	author        string
	creator       string
}

type Option func(*Transformer)

func WithLogger(log observability.Logger) Option {
	return func(t *Transformer) { t.log = log }
}

func WithFontResolver(r fonts.Resolver) Option {
	return func(t *Transformer) { t.fonts = r }
}

func WithEncryptionMethod(m security.Method) Option {
	return func(t *Transformer) { t.method = m }
}

// WithDeterministicOutput derives the file ID from the content so identical
// inputs and parameters reproduce identical bytes.
func WithDeterministicOutput() Option {
	return func(t *Transformer) { t.deterministic = true }
}

func WithVerifier(v Verifier) Option {
	return func(t *Transformer) { t.verifier = v }
}

// WithPublisher overrides the Author and Creator written to the document info.
func WithPublisher(author, creator string) Option {
	return func(t *Transformer) {
		if author != "" {
			t.author = author
		}
		if creator != "" {
			t.creator = creator
		}
	}
}

func New(opts ...Option) *Transformer {
	t := &Transformer{
		log:     observability.NopLogger{},
		method:  security.MethodRC4128,
		author:  DefaultAuthor,
		creator: DefaultCreator,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.fonts == nil {
		t.fonts = fonts.NewPlatformResolver("", t.log)
	}
	return t
}

// FormatWatermark renders the ownership sentence stamped onto pages.
func FormatWatermark(name, phone string) string {
	return fmt.Sprintf("이 책은 %s (%s) 님이 구매하신 전자책입니다.", name, phone)
}

// FormatSubject renders the buyer line written to the document info.
func FormatSubject(name, phone string) string {
	return fmt.Sprintf("구매자 정보: %s (%s)", name, phone)
}

// DefaultOutputPath derives the output filename from the input and buyer.
func DefaultOutputPath(inputPath, buyerName string) string {
	base := filepath.Base(inputPath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	suffix := buyerName
	if suffix == "" {
		suffix = "sealed"
	}
	return filepath.Join(filepath.Dir(inputPath), base+"_"+suffix+".pdf")
}

// Transform runs one sealing request end to end. The context is checked
// between page iterations; cancellation aborts before the output is written.
func (t *Transformer) Transform(ctx context.Context, req Request) error {
	if req.DisallowPrinting || req.DisallowCopying {
		return ErrPermissionsUnsupported
	}
	text := req.WatermarkText
	if text == "" && (req.BuyerName != "" || req.BuyerPhone != "") {
		text = FormatWatermark(req.BuyerName, req.BuyerPhone)
	}
	if text == "" {
		return errors.New("nothing to stamp: no watermark text and no buyer details")
	}

	in, err := os.Open(req.InputPath)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer in.Close()
	st, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat input: %w", err)
	}

	doc, err := parser.New(parser.Config{}, t.log).Parse(ctx, in, st.Size())
	if errors.Is(err, parser.ErrEncrypted) {
		return fmt.Errorf("%s: %w", req.InputPath, ErrEncryptedInput)
	}
	if err != nil {
		return fmt.Errorf("parse %s: %w", req.InputPath, err)
	}

	pages, err := collectPages(doc)
	if err != nil {
		return fmt.Errorf("page tree: %w", err)
	}
	total := len(pages)
	req.OnProgress.emit(0, total, "document loaded")

	font, err := t.fonts.Resolve()
	if err != nil {
		return fmt.Errorf("resolve font: %w", err)
	}
	if font.Fallback && !isASCII(text) {
		t.log.Warn("no embedded font available, non-latin watermark text will render incorrectly")
	}

	fontName, gsName := resourceNames(doc, pages)
	ov, err := overlay.Generate(text, font, overlay.Options{FontName: fontName, GStateName: gsName})
	if err != nil {
		return fmt.Errorf("build watermark: %w", err)
	}
	mat, err := ov.Materialize(doc)
	if err != nil {
		return fmt.Errorf("build watermark: %w", err)
	}
	gsRef := raw.ObjectRef{Num: doc.MaxObjectNum() + 1}
	doc.Objects[gsRef] = ov.ExtGState()

	for i, pageRef := range pages {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if i >= previewPages {
			if err := compositePage(doc, pageRef, mat, gsRef, fontName, gsName); err != nil {
				return fmt.Errorf("page %d: %w", i+1, err)
			}
		}
		req.OnProgress.emit(i+1, total, fmt.Sprintf("processing page %d/%d", i+1, total))
	}

	if req.BuyerName != "" || req.BuyerPhone != "" {
		req.OnProgress.emit(total, total, "writing metadata")
		t.writeMetadata(doc, req.BuyerName, req.BuyerPhone)
	}

	opts := writer.Options{DeterministicID: t.deterministic}
	if req.Password != "" {
		req.OnProgress.emit(total, total, "applying encryption")
		opts.Encrypt = &writer.EncryptSpec{
			UserPassword:  req.Password,
			OwnerPassword: req.Password,
			Method:        t.method,
			Permissions:   security.AllowAll(),
		}
	}

	out := req.OutputPath
	if out == "" {
		out = DefaultOutputPath(req.InputPath, req.BuyerName)
	}
	if err := writer.WriteFile(out, doc, opts); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	req.OnProgress.emit(total, total, "saved")

	if req.Password != "" {
		if err := checkPassword(ctx, out, req.Password); err != nil {
			os.Remove(out)
			return fmt.Errorf("verify %s: %w", out, err)
		}
	}
	if t.verifier != nil {
		if err := t.verifier.Verify(out, req.Password); err != nil {
			os.Remove(out)
			return fmt.Errorf("verify %s: %w", out, err)
		}
	}

	req.OnProgress.emit(total, total, "complete")
	t.log.Info("document sealed",
		observability.String("output", out),
		observability.Int("pages", total))
	return nil
}

// writeMetadata stamps the buyer into the document info, creating the Info
// object when the input has none. Unrelated keys are preserved.
func (t *Transformer) writeMetadata(doc *raw.Document, name, phone string) {
	var info *raw.DictObj
	if doc.Trailer != nil {
		if obj, ok := doc.Trailer.Get(raw.NameObj{Val: "Info"}); ok {
			info, _ = doc.ResolveDict(obj)
		}
	}
	if info == nil {
		info = raw.Dict()
		ref := raw.ObjectRef{Num: doc.MaxObjectNum() + 1}
		doc.Objects[ref] = info
		if doc.Trailer == nil {
			doc.Trailer = raw.Dict()
		}
		doc.Trailer.Set(raw.NameObj{Val: "Info"}, raw.Ref(ref.Num, ref.Gen))
	}
	subject := FormatSubject(name, phone)
	info.KV["Author"] = writer.EncodeText(t.author)
	info.KV["Subject"] = writer.EncodeText(subject)
	info.KV["Creator"] = writer.EncodeText(t.creator)
	info.KV["Producer"] = raw.Str(nil)

	doc.Info.Author = t.author
	doc.Info.Subject = subject
	doc.Info.Creator = t.creator
	doc.Info.Producer = ""
}

// checkPassword re-opens the written file and authenticates against its
// encryption dictionary, proving the output is readable with the password.
func checkPassword(ctx context.Context, path, password string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	doc, err := parser.New(parser.Config{AllowEncrypted: true}, nil).Parse(ctx, f, st.Size())
	if err != nil {
		return err
	}
	if !doc.Encrypted {
		return errors.New("output is not encrypted")
	}
	encObj, _ := doc.Trailer.Get(raw.NameObj{Val: "Encrypt"})
	encDict, ok := doc.ResolveDict(encObj)
	if !ok {
		return errors.New("missing encryption dictionary")
	}
	handler, err := (&security.HandlerBuilder{}).
		WithEncryptDict(encDict).
		WithTrailer(doc.Trailer).
		Build()
	if err != nil {
		return err
	}
	return handler.Authenticate(password)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
