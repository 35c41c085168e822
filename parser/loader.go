package parser

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ollapress/pdfseal/filters"
	"github.com/ollapress/pdfseal/raw"
	"github.com/ollapress/pdfseal/scanner"
	"github.com/ollapress/pdfseal/xref"
)

// loader materializes indirect objects from their xref entries. Results are
// memoized because Length references and object-stream containers make loads
// recursive.
type loader struct {
	r       io.ReaderAt
	table   *xref.Table
	cache   map[int]cachedObject
	loading map[int]bool
	objStms map[int]*objStream
}

type cachedObject struct {
	obj raw.Object
	gen int
}

type objStream struct {
	data    []byte
	first   int64
	offsets map[int]int64 // object number -> offset into data
}

func newLoader(r io.ReaderAt, table *xref.Table) *loader {
	return &loader{
		r:       r,
		table:   table,
		cache:   make(map[int]cachedObject),
		loading: make(map[int]bool),
		objStms: make(map[int]*objStream),
	}
}

func (ld *loader) load(num int) (raw.Object, int, error) {
	if c, ok := ld.cache[num]; ok {
		return c.obj, c.gen, nil
	}
	if ld.loading[num] {
		return nil, 0, fmt.Errorf("reference cycle through object %d", num)
	}
	ld.loading[num] = true
	defer delete(ld.loading, num)

	entry, ok := ld.table.Lookup(num)
	if !ok {
		return nil, 0, fmt.Errorf("object %d not in xref", num)
	}
	var (
		obj raw.Object
		gen int
		err error
	)
	if entry.InStream {
		obj, err = ld.loadFromObjectStream(num, entry.StreamNum)
	} else {
		obj, gen, err = ld.loadAt(num, entry.Offset)
	}
	if err != nil {
		return nil, 0, err
	}
	ld.cache[num] = cachedObject{obj: obj, gen: gen}
	return obj, gen, nil
}

// loadAt parses "<num> <gen> obj ... endobj" at a byte offset.
func (ld *loader) loadAt(num int, offset int64) (raw.Object, int, error) {
	s := scanner.New(ld.r, scanner.Config{})
	if err := s.SeekTo(offset); err != nil {
		return nil, 0, err
	}
	tok, err := s.Next()
	if err != nil || tok.Type != scanner.TokenNumber || !tok.IsInt {
		return nil, 0, fmt.Errorf("object %d: no header at offset %d", num, offset)
	}
	if int(tok.Int) != num {
		return nil, 0, fmt.Errorf("object %d: header names object %d", num, tok.Int)
	}
	genTok, err := s.Next()
	if err != nil || genTok.Type != scanner.TokenNumber || !genTok.IsInt {
		return nil, 0, fmt.Errorf("object %d: bad generation", num)
	}
	if tok, err = s.Next(); err != nil || tok.Type != scanner.TokenKeyword || tok.Str != "obj" {
		return nil, 0, fmt.Errorf("object %d: obj keyword missing", num)
	}

	obj, err := parseValue(s)
	if err != nil {
		return nil, 0, fmt.Errorf("object %d: %w", num, err)
	}

	// A dictionary may be a stream header; resolve Length (possibly an
	// indirect reference) before letting the tokenizer consume the payload.
	if dict, ok := obj.(*raw.DictObj); ok {
		if length, ok := ld.streamLength(dict); ok {
			s.SetNextStreamLength(length)
		}
		next, err := s.Next()
		if err == nil && next.Type == scanner.TokenStream {
			return raw.NewStream(dict, next.Bytes), int(genTok.Int), nil
		}
	}
	return obj, int(genTok.Int), nil
}

func (ld *loader) streamLength(dict *raw.DictObj) (int64, bool) {
	switch v := dict.KV["Length"].(type) {
	case raw.NumberObj:
		return v.Int(), true
	case raw.RefObj:
		obj, _, err := ld.load(v.R.Num)
		if err != nil {
			return 0, false
		}
		if n, ok := obj.(raw.NumberObj); ok {
			return n.Int(), true
		}
	}
	return 0, false
}

// loadFromObjectStream extracts one compressed object from its container.
func (ld *loader) loadFromObjectStream(num, containerNum int) (raw.Object, error) {
	stm, err := ld.objectStream(containerNum)
	if err != nil {
		return nil, err
	}
	off, ok := stm.offsets[num]
	if !ok {
		return nil, fmt.Errorf("object %d not listed in object stream %d", num, containerNum)
	}
	pos := stm.first + off
	if pos < 0 || pos > int64(len(stm.data)) {
		return nil, fmt.Errorf("object %d: offset outside object stream %d", num, containerNum)
	}
	s := scanner.New(bytes.NewReader(stm.data), scanner.Config{})
	if err := s.SeekTo(pos); err != nil {
		return nil, err
	}
	return parseValue(s)
}

func (ld *loader) objectStream(containerNum int) (*objStream, error) {
	if stm, ok := ld.objStms[containerNum]; ok {
		return stm, nil
	}
	obj, _, err := ld.load(containerNum)
	if err != nil {
		return nil, fmt.Errorf("object stream %d: %w", containerNum, err)
	}
	container, ok := obj.(*raw.StreamObj)
	if !ok {
		return nil, fmt.Errorf("object %d is not a stream", containerNum)
	}
	dict := container.Dict
	if dict.Name("Type") != "ObjStm" {
		return nil, fmt.Errorf("object %d is not an ObjStm", containerNum)
	}
	names, params := xref.FilterSpec(dict)
	data, err := filters.DecodeChain(names, container.Data, params)
	if err != nil {
		return nil, fmt.Errorf("object stream %d: %w", containerNum, err)
	}
	n := int(dict.Int("N", 0))
	first := dict.Int("First", 0)
	stm := &objStream{data: data, first: first, offsets: make(map[int]int64, n)}

	s := scanner.New(bytes.NewReader(data), scanner.Config{})
	for i := 0; i < n; i++ {
		numTok, err := s.Next()
		if err != nil || numTok.Type != scanner.TokenNumber {
			return nil, fmt.Errorf("object stream %d: bad pair table", containerNum)
		}
		offTok, err := s.Next()
		if err != nil || offTok.Type != scanner.TokenNumber {
			return nil, fmt.Errorf("object stream %d: bad pair table", containerNum)
		}
		stm.offsets[int(numTok.Int)] = offTok.Int
	}
	ld.objStms[containerNum] = stm
	return stm, nil
}

// parseValue reads one object from the token stream.
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
		return nil, fmt.Errorf("unexpected token %q at offset %d", tok.Str, tok.Pos)
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
			return nil, fmt.Errorf("dictionary key must be a name at offset %d", tok.Pos)
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
