// Package parser turns a PDF byte stream into a raw.Document: it resolves the
// cross-reference information, loads every referenced object (including the
// contents of object streams) and extracts the document info dictionary.
package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ollapress/pdfseal/observability"
	"github.com/ollapress/pdfseal/raw"
	"github.com/ollapress/pdfseal/xref"
)

// ErrEncrypted reports an input protected by a security handler. The
// transformer refuses those; verification reads opt in via AllowEncrypted
// and receive the objects undecrypted.
var ErrEncrypted = errors.New("document is encrypted")

type Config struct {
	// AllowEncrypted loads encrypted documents without decrypting them.
	// String and stream payloads stay ciphertext; the trailer, the Encrypt
	// dictionary and the file ID are readable, which is all that password
	// authentication needs.
	AllowEncrypted bool
}

type documentParser struct {
	cfg Config
	log observability.Logger
}

func New(cfg Config, log observability.Logger) raw.Parser {
	if log == nil {
		log = observability.NopLogger{}
	}
	return &documentParser{cfg: cfg, log: log}
}

func (p *documentParser) Parse(ctx context.Context, r io.ReaderAt, size int64) (*raw.Document, error) {
	version, err := readVersion(r)
	if err != nil {
		return nil, err
	}
	table, err := xref.Resolve(ctx, r, size)
	if err != nil {
		return nil, fmt.Errorf("resolve xref: %w", err)
	}

	encrypted := false
	if _, ok := table.Trailer.KV["Encrypt"]; ok {
		if !p.cfg.AllowEncrypted {
			return nil, ErrEncrypted
		}
		encrypted = true
	}

	ld := newLoader(r, table)
	doc := &raw.Document{
		Objects:   make(map[raw.ObjectRef]raw.Object),
		Trailer:   table.Trailer,
		Version:   version,
		Encrypted: encrypted,
	}
	for _, num := range table.Objects() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		obj, gen, err := ld.load(num)
		if err != nil {
			p.log.Warn("skipping unreadable object", observability.Int("object", num), observability.Err(err))
			continue
		}
		doc.Objects[raw.ObjectRef{Num: num, Gen: gen}] = obj
	}
	if len(doc.Objects) == 0 {
		return nil, errors.New("no objects loaded")
	}
	if !encrypted {
		doc.Info = readInfo(doc)
	}
	return doc, nil
}

func readVersion(r io.ReaderAt) (string, error) {
	head := make([]byte, 16)
	n, err := r.ReadAt(head, 0)
	if err != nil && err != io.EOF {
		return "", err
	}
	head = head[:n]
	if !bytes.HasPrefix(head, []byte("%PDF-")) {
		return "", errors.New("missing %PDF header")
	}
	end := 5
	for end < len(head) && head[end] != '\r' && head[end] != '\n' && head[end] != ' ' {
		end++
	}
	return string(head[5:end]), nil
}

// readInfo resolves the trailer Info dictionary into the flat struct the
// transformer works with.
func readInfo(doc *raw.Document) raw.DocumentInfo {
	var info raw.DocumentInfo
	infoObj, ok := doc.Trailer.Get(raw.NameObj{Val: "Info"})
	if !ok {
		return info
	}
	dict, ok := doc.ResolveDict(infoObj)
	if !ok {
		return info
	}
	get := func(key string) string {
		b, ok := dict.StringBytes(key)
		if !ok {
			return ""
		}
		return DecodeText(b)
	}
	info.Title = get("Title")
	info.Author = get("Author")
	info.Subject = get("Subject")
	info.Creator = get("Creator")
	info.Producer = get("Producer")
	return info
}

// DecodeText converts a PDF text string to UTF-8. Strings starting with the
// UTF-16BE byte order mark are decoded as such, everything else is treated as
// a byte-per-rune Latin-ish value, which covers the PDFDocEncoding subset the
// info dictionary realistically contains.
func DecodeText(b []byte) string {
	if len(b) >= 2 && b[0] == 0xFE && b[1] == 0xFF {
		u := b[2:]
		runes := make([]rune, 0, len(u)/2)
		for i := 0; i+1 < len(u); i += 2 {
			cu := rune(u[i])<<8 | rune(u[i+1])
			if cu >= 0xD800 && cu <= 0xDBFF && i+3 < len(u) {
				lo := rune(u[i+2])<<8 | rune(u[i+3])
				if lo >= 0xDC00 && lo <= 0xDFFF {
					runes = append(runes, ((cu-0xD800)<<10|(lo-0xDC00))+0x10000)
					i += 2
					continue
				}
			}
			runes = append(runes, cu)
		}
		return string(runes)
	}
	runes := make([]rune, len(b))
	for i, c := range b {
		runes[i] = rune(c)
	}
	return string(runes)
}
