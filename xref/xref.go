// Package xref locates and merges cross-reference information: classic
// tables, cross-reference streams, Prev chains and hybrid XRefStm files.
// When the chain cannot be followed the resolver falls back to a whole-file
// repair scan.
package xref

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/ollapress/pdfseal/filters"
	"github.com/ollapress/pdfseal/raw"
	"github.com/ollapress/pdfseal/scanner"
)

// Entry locates one indirect object: either a byte offset in the file or a
// slot inside an object stream. Free entries are kept as tombstones so a
// newer section's free shadows an older section's in-use entry.
type Entry struct {
	Offset    int64
	Gen       int
	InStream  bool
	StreamNum int
	StreamIdx int
	Free      bool
}

// Table is the merged result of every xref section in the file. Entries from
// newer sections shadow older ones; the trailer is merged the same way.
type Table struct {
	Entries map[int]Entry
	Trailer *raw.DictObj
}

func (t *Table) Lookup(objNum int) (Entry, bool) {
	e, ok := t.Entries[objNum]
	if e.Free {
		return Entry{}, false
	}
	return e, ok
}

func (t *Table) Objects() []int {
	out := make([]int, 0, len(t.Entries))
	for k, e := range t.Entries {
		if e.Free {
			continue
		}
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

const maxChainDepth = 32

// Resolve follows the startxref chain. Any structural failure degrades to the
// repair scan so a sloppy but recoverable file still loads.
func Resolve(ctx context.Context, r io.ReaderAt, size int64) (*Table, error) {
	tbl, err := resolveChain(ctx, r, size)
	if err == nil {
		return tbl, nil
	}
	repaired, rerr := Repair(ctx, r)
	if rerr != nil {
		return nil, fmt.Errorf("xref chain: %v; repair: %w", err, rerr)
	}
	return repaired, nil
}

func resolveChain(ctx context.Context, r io.ReaderAt, size int64) (*Table, error) {
	start, err := findStartXref(r, size)
	if err != nil {
		return nil, err
	}
	tbl := &Table{Entries: make(map[int]Entry), Trailer: raw.Dict()}
	visited := make(map[int64]bool)
	queue := []int64{start}
	for depth := 0; len(queue) > 0; depth++ {
		if depth >= maxChainDepth {
			return nil, errors.New("xref chain too deep")
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		offset := queue[0]
		queue = queue[1:]
		if visited[offset] {
			continue
		}
		visited[offset] = true
		if offset < 0 || offset >= size {
			return nil, fmt.Errorf("xref offset %d out of range", offset)
		}
		trailer, next, err := parseSection(r, offset, tbl)
		if err != nil {
			return nil, err
		}
		mergeTrailer(tbl.Trailer, trailer)
		queue = append(queue, next...)
	}
	if _, ok := tbl.Trailer.KV["Root"]; !ok {
		return nil, errors.New("no Root in any trailer")
	}
	return tbl, nil
}

// findStartXref reads the file tail and extracts the last startxref offset.
func findStartXref(r io.ReaderAt, size int64) (int64, error) {
	const tailLen = 2048
	n := int64(tailLen)
	if n > size {
		n = size
	}
	tail := make([]byte, n)
	if _, err := r.ReadAt(tail, size-n); err != nil && err != io.EOF {
		return 0, err
	}
	idx := bytes.LastIndex(tail, []byte("startxref"))
	if idx < 0 {
		return 0, errors.New("startxref not found")
	}
	s := scanner.New(bytes.NewReader(tail[idx+len("startxref"):]), scanner.Config{})
	tok, err := s.Next()
	if err != nil || tok.Type != scanner.TokenNumber || !tok.IsInt {
		return 0, errors.New("startxref offset missing")
	}
	return tok.Int, nil
}

// parseSection parses one xref section (classic table or xref stream) at the
// given offset, adds its entries to tbl and returns the section trailer plus
// any follow-up offsets (Prev, hybrid XRefStm).
func parseSection(r io.ReaderAt, offset int64, tbl *Table) (*raw.DictObj, []int64, error) {
	s := scanner.New(r, scanner.Config{})
	if err := s.SeekTo(offset); err != nil {
		return nil, nil, err
	}
	tok, err := s.Next()
	if err != nil {
		return nil, nil, err
	}
	if tok.Type == scanner.TokenKeyword && tok.Str == "xref" {
		return parseClassicSection(r, s, tbl)
	}
	// Otherwise this must be "<num> <gen> obj" introducing an xref stream.
	if tok.Type != scanner.TokenNumber || !tok.IsInt {
		return nil, nil, fmt.Errorf("no xref section at offset %d", offset)
	}
	if tok, err = s.Next(); err != nil || tok.Type != scanner.TokenNumber {
		return nil, nil, errors.New("malformed xref stream header")
	}
	if tok, err = s.Next(); err != nil || tok.Type != scanner.TokenKeyword || tok.Str != "obj" {
		return nil, nil, errors.New("malformed xref stream header")
	}
	return parseStreamSection(s, tbl)
}

func parseClassicSection(r io.ReaderAt, s scanner.Scanner, tbl *Table) (*raw.DictObj, []int64, error) {
	for {
		tok, err := s.Next()
		if err != nil {
			return nil, nil, fmt.Errorf("xref table: %w", err)
		}
		if tok.Type == scanner.TokenKeyword && tok.Str == "trailer" {
			break
		}
		if tok.Type != scanner.TokenNumber || !tok.IsInt {
			return nil, nil, fmt.Errorf("bad xref subsection header at %d", tok.Pos)
		}
		first := int(tok.Int)
		tok, err = s.Next()
		if err != nil || tok.Type != scanner.TokenNumber || !tok.IsInt {
			return nil, nil, errors.New("bad xref subsection count")
		}
		count := int(tok.Int)
		for i := 0; i < count; i++ {
			off, gen, kind, err := readClassicEntry(s)
			if err != nil {
				return nil, nil, err
			}
			if kind == 'f' {
				addEntry(tbl, first+i, Entry{Free: true, Gen: gen})
				continue
			}
			addEntry(tbl, first+i, Entry{Offset: off, Gen: gen})
		}
	}
	trailer, err := parseValue(s)
	if err != nil {
		return nil, nil, fmt.Errorf("trailer: %w", err)
	}
	dict, ok := trailer.(*raw.DictObj)
	if !ok {
		return nil, nil, errors.New("trailer is not a dictionary")
	}
	var next []int64
	// A hybrid file's XRefStm entries supplement the classic section, so the
	// companion stream is parsed eagerly rather than queued.
	if v, ok := dict.KV["XRefStm"]; ok {
		if n, ok := v.(raw.NumberObj); ok {
			if _, _, err := parseSection(r, n.Int(), tbl); err != nil {
				return nil, nil, fmt.Errorf("hybrid XRefStm: %w", err)
			}
		}
	}
	if v, ok := dict.KV["Prev"]; ok {
		if n, ok := v.(raw.NumberObj); ok {
			next = append(next, n.Int())
		}
	}
	return dict, next, nil
}

func readClassicEntry(s scanner.Scanner) (int64, int, byte, error) {
	tok, err := s.Next()
	if err != nil || tok.Type != scanner.TokenNumber || !tok.IsInt {
		return 0, 0, 0, errors.New("bad xref entry offset")
	}
	off := tok.Int
	tok, err = s.Next()
	if err != nil || tok.Type != scanner.TokenNumber || !tok.IsInt {
		return 0, 0, 0, errors.New("bad xref entry generation")
	}
	gen := int(tok.Int)
	tok, err = s.Next()
	if err != nil || tok.Type != scanner.TokenKeyword || (tok.Str != "n" && tok.Str != "f") {
		return 0, 0, 0, errors.New("bad xref entry type")
	}
	return off, gen, tok.Str[0], nil
}

func parseStreamSection(s scanner.Scanner, tbl *Table) (*raw.DictObj, []int64, error) {
	obj, err := parseValue(s)
	if err != nil {
		return nil, nil, err
	}
	dict, ok := obj.(*raw.DictObj)
	if !ok {
		return nil, nil, errors.New("xref stream has no dictionary")
	}
	if n, ok := dict.KV["Length"].(raw.NumberObj); ok {
		s.SetNextStreamLength(n.Int())
	}
	tok, err := s.Next()
	if err != nil || tok.Type != scanner.TokenStream {
		return nil, nil, errors.New("xref stream payload missing")
	}
	data, err := decodeStreamData(dict, tok.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("xref stream decode: %w", err)
	}
	widths, err := fieldWidths(dict)
	if err != nil {
		return nil, nil, err
	}
	index := indexPairs(dict)
	rowLen := widths[0] + widths[1] + widths[2]
	if rowLen == 0 {
		return nil, nil, errors.New("xref stream W is all zero")
	}
	pos := 0
	for i := 0; i+1 < len(index); i += 2 {
		first, count := index[i], index[i+1]
		for j := 0; j < count; j++ {
			if pos+rowLen > len(data) {
				return nil, nil, errors.New("xref stream truncated")
			}
			f1 := readField(data[pos:pos+widths[0]], 1) // type defaults to 1
			pos += widths[0]
			f2 := readField(data[pos:pos+widths[1]], 0)
			pos += widths[1]
			f3 := readField(data[pos:pos+widths[2]], 0)
			pos += widths[2]
			num := first + j
			switch f1 {
			case 0:
				addEntry(tbl, num, Entry{Free: true, Gen: int(f3)})
			case 1:
				addEntry(tbl, num, Entry{Offset: f2, Gen: int(f3)})
			case 2:
				addEntry(tbl, num, Entry{InStream: true, StreamNum: int(f2), StreamIdx: int(f3)})
			}
		}
	}
	var next []int64
	if v, ok := dict.KV["Prev"]; ok {
		if n, ok := v.(raw.NumberObj); ok {
			next = append(next, n.Int())
		}
	}
	return dict, next, nil
}

func decodeStreamData(dict *raw.DictObj, data []byte) ([]byte, error) {
	names, params := FilterSpec(dict)
	return filters.DecodeChain(names, data, params)
}

// FilterSpec extracts the filter chain and predictor parameters from a
// stream dictionary. Shared with the object loader.
func FilterSpec(dict *raw.DictObj) ([]string, filters.Params) {
	var names []string
	switch f := dict.KV["Filter"].(type) {
	case raw.NameObj:
		names = []string{f.Val}
	case *raw.ArrayObj:
		for _, it := range f.Items {
			if n, ok := it.(raw.NameObj); ok {
				names = append(names, n.Val)
			}
		}
	}
	var p filters.Params
	var parms *raw.DictObj
	switch dp := dict.KV["DecodeParms"].(type) {
	case *raw.DictObj:
		parms = dp
	case *raw.ArrayObj:
		for _, it := range dp.Items {
			if d, ok := it.(*raw.DictObj); ok {
				parms = d
				break
			}
		}
	}
	if parms != nil {
		p.Predictor = int(parms.Int("Predictor", 1))
		p.Colors = int(parms.Int("Colors", 1))
		p.BitsPerComponent = int(parms.Int("BitsPerComponent", 8))
		p.Columns = int(parms.Int("Columns", 1))
	}
	return names, p
}

func fieldWidths(dict *raw.DictObj) ([3]int, error) {
	var w [3]int
	arr, ok := dict.KV["W"].(*raw.ArrayObj)
	if !ok || arr.Len() < 3 {
		return w, errors.New("xref stream missing W")
	}
	for i := 0; i < 3; i++ {
		n, ok := arr.Items[i].(raw.NumberObj)
		if !ok {
			return w, errors.New("xref stream W entry not a number")
		}
		w[i] = int(n.Int())
	}
	return w, nil
}

func indexPairs(dict *raw.DictObj) []int {
	if arr, ok := dict.KV["Index"].(*raw.ArrayObj); ok && arr.Len() >= 2 {
		out := make([]int, 0, arr.Len())
		for _, it := range arr.Items {
			if n, ok := it.(raw.NumberObj); ok {
				out = append(out, int(n.Int()))
			}
		}
		if len(out)%2 == 0 {
			return out
		}
	}
	return []int{0, int(dict.Int("Size", 0))}
}

func readField(b []byte, def int64) int64 {
	if len(b) == 0 {
		return def
	}
	var v int64
	for _, c := range b {
		v = v<<8 | int64(c)
	}
	return v
}

// addEntry records an entry unless a newer section already defined it.
func addEntry(tbl *Table, num int, e Entry) {
	if _, exists := tbl.Entries[num]; !exists {
		tbl.Entries[num] = e
	}
}

// mergeTrailer copies src entries into dst without overwriting, so the most
// recent trailer in the chain wins.
func mergeTrailer(dst, src *raw.DictObj) {
	for k, v := range src.KV {
		if _, exists := dst.KV[k]; !exists {
			dst.KV[k] = v
		}
	}
}
