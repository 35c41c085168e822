package xref

import (
	"fmt"

	"github.com/ollapress/pdfseal/raw"
	"github.com/ollapress/pdfseal/scanner"
)

// parseValue reads one object from the token stream. It covers everything a
// trailer or xref-stream dictionary can contain; the full document loader in
// the parser package has its own copy that also understands stream objects.
func parseValue(s scanner.Scanner) (raw.Object, error) {
	tok, err := s.Next()
	if err != nil {
		return nil, err
	}
	return parseFromToken(s, tok)
}

func parseFromToken(s scanner.Scanner, tok scanner.Token) (raw.Object, error) {
	switch tok.Type {
	case scanner.TokenDict:
		return parseDictBody(s)
	case scanner.TokenArray:
		return parseArrayBody(s)
	case scanner.TokenName:
		return raw.NameObj{Val: tok.Str}, nil
	case scanner.TokenString:
		return raw.StringObj{Bytes: tok.Bytes}, nil
	case scanner.TokenNumber:
		if tok.IsInt {
			return raw.NumberObj{I: tok.Int, IsInt: true}, nil
		}
		return raw.NumberObj{F: tok.Float}, nil
	case scanner.TokenBoolean:
		return raw.BoolObj{V: tok.Bool}, nil
	case scanner.TokenNull:
		return raw.NullObj{}, nil
	case scanner.TokenRef:
		return raw.Ref(int(tok.Int), tok.Gen), nil
	default:
		return nil, fmt.Errorf("unexpected token %q at %d", tok.Str, tok.Pos)
	}
}

func parseDictBody(s scanner.Scanner) (*raw.DictObj, error) {
	dict := raw.Dict()
	for {
		tok, err := s.Next()
		if err != nil {
			return nil, err
		}
		if tok.Type == scanner.TokenKeyword && tok.Str == ">>" {
			return dict, nil
		}
		if tok.Type != scanner.TokenName {
			return nil, fmt.Errorf("dictionary key must be a name, got %q at %d", tok.Str, tok.Pos)
		}
		val, err := parseValue(s)
		if err != nil {
			return nil, err
		}
		dict.KV[tok.Str] = val
	}
}

func parseArrayBody(s scanner.Scanner) (*raw.ArrayObj, error) {
	arr := raw.NewArray()
	for {
		tok, err := s.Next()
		if err != nil {
			return nil, err
		}
		if tok.Type == scanner.TokenKeyword && tok.Str == "]" {
			return arr, nil
		}
		item, err := parseFromToken(s, tok)
		if err != nil {
			return nil, err
		}
		arr.Append(item)
	}
}
