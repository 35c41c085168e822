package xref

import (
	"context"
	"errors"
	"io"

	"github.com/ollapress/pdfseal/raw"
	"github.com/ollapress/pdfseal/scanner"
)

// Repair scans the entire file to reconstruct a usable table. It records
// every "<num> <gen> obj" header it finds and keeps the last trailer
// dictionary. Later definitions of the same object win, matching the
// incremental-update reading order.
func Repair(ctx context.Context, r io.ReaderAt) (*Table, error) {
	s := scanner.New(r, scanner.Config{})
	entries := make(map[int]Entry)
	var lastTrailer *raw.DictObj

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tok, err := s.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			// Step past whatever the tokenizer choked on.
			if serr := s.SeekTo(s.Position() + 1); serr != nil {
				break
			}
			continue
		}

		switch {
		case tok.Type == scanner.TokenNumber && tok.IsInt:
			objNum := int(tok.Int)
			tokGen, err := s.Next()
			if err != nil {
				continue // EOF surfaces on the next outer read
			}
			if tokGen.Type != scanner.TokenNumber || !tokGen.IsInt {
				continue
			}
			tokObj, err := s.Next()
			if err != nil {
				continue
			}
			if tokObj.Type == scanner.TokenKeyword && tokObj.Str == "obj" {
				entries[objNum] = Entry{Offset: tok.Pos, Gen: int(tokGen.Int)}
				continue
			}
			// The second number could itself start a header ("1 2 0 obj"
			// read as "1 2"); rewind to it so nothing is skipped.
			if err := s.SeekTo(tokGen.Pos); err != nil {
				return nil, err
			}
		case tok.Type == scanner.TokenKeyword && tok.Str == "trailer":
			obj, err := parseValue(s)
			if err == nil {
				if dict, ok := obj.(*raw.DictObj); ok {
					lastTrailer = dict
				}
			}
		}
	}

	if len(entries) == 0 {
		return nil, errors.New("repair failed: no objects found")
	}
	if lastTrailer == nil {
		lastTrailer = raw.Dict()
		lastTrailer.KV["Size"] = raw.NumberInt(int64(len(entries)) + 1)
	}
	return &Table{Entries: entries, Trailer: lastTrailer}, nil
}
