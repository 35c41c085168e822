package scanner

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func newTestScanner(src string) Scanner {
	return New(bytes.NewReader([]byte(src)), Config{})
}

func TestScanBasicTokens(t *testing.T) {
	s := newTestScanner("/Type /Page true false null 42 -3.5 [ ] << >>")

	tok, err := s.Next()
	if err != nil || tok.Type != TokenName || tok.Str != "Type" {
		t.Fatalf("expected name Type, got %+v err %v", tok, err)
	}
	tok, _ = s.Next()
	if tok.Type != TokenName || tok.Str != "Page" {
		t.Fatalf("expected name Page, got %+v", tok)
	}
	tok, _ = s.Next()
	if tok.Type != TokenBoolean || !tok.Bool {
		t.Fatalf("expected true, got %+v", tok)
	}
	tok, _ = s.Next()
	if tok.Type != TokenBoolean || tok.Bool {
		t.Fatalf("expected false, got %+v", tok)
	}
	tok, _ = s.Next()
	if tok.Type != TokenNull {
		t.Fatalf("expected null, got %+v", tok)
	}
	tok, _ = s.Next()
	if tok.Type != TokenNumber || !tok.IsInt || tok.Int != 42 {
		t.Fatalf("expected 42, got %+v", tok)
	}
	tok, _ = s.Next()
	if tok.Type != TokenNumber || tok.IsInt || tok.Float != -3.5 {
		t.Fatalf("expected -3.5, got %+v", tok)
	}
	tok, _ = s.Next()
	if tok.Type != TokenArray {
		t.Fatalf("expected array open, got %+v", tok)
	}
	tok, _ = s.Next()
	if tok.Type != TokenKeyword || tok.Str != "]" {
		t.Fatalf("expected array close, got %+v", tok)
	}
	tok, _ = s.Next()
	if tok.Type != TokenDict {
		t.Fatalf("expected dict open, got %+v", tok)
	}
	tok, _ = s.Next()
	if tok.Type != TokenKeyword || tok.Str != ">>" {
		t.Fatalf("expected dict close, got %+v", tok)
	}
	if _, err := s.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestScanIndirectRef(t *testing.T) {
	s := newTestScanner("5 0 R 7 2 R")
	tok, err := s.Next()
	if err != nil || tok.Type != TokenRef || tok.Int != 5 || tok.Gen != 0 {
		t.Fatalf("expected 5 0 R, got %+v err %v", tok, err)
	}
	tok, err = s.Next()
	if err != nil || tok.Type != TokenRef || tok.Int != 7 || tok.Gen != 2 {
		t.Fatalf("expected 7 2 R, got %+v err %v", tok, err)
	}
}

func TestScanIntegersNotRef(t *testing.T) {
	// Two integers followed by a non-R keyword must stay three tokens.
	s := newTestScanner("1 0 obj")
	tok, _ := s.Next()
	if tok.Type != TokenNumber || tok.Int != 1 {
		t.Fatalf("expected 1, got %+v", tok)
	}
	tok, _ = s.Next()
	if tok.Type != TokenNumber || tok.Int != 0 {
		t.Fatalf("expected 0, got %+v", tok)
	}
	tok, _ = s.Next()
	if tok.Type != TokenKeyword || tok.Str != "obj" {
		t.Fatalf("expected obj keyword, got %+v", tok)
	}
}

func TestScanLiteralString(t *testing.T) {
	s := newTestScanner(`(Hello \(nested\) \101 world\n)`)
	tok, err := s.Next()
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	want := "Hello (nested) A world\n"
	if tok.Type != TokenString || string(tok.Bytes) != want {
		t.Fatalf("got %q, want %q", tok.Bytes, want)
	}
}

func TestScanBalancedParens(t *testing.T) {
	s := newTestScanner("(a (b (c)) d)")
	tok, err := s.Next()
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if string(tok.Bytes) != "a (b (c)) d" {
		t.Fatalf("got %q", tok.Bytes)
	}
}

func TestScanHexString(t *testing.T) {
	s := newTestScanner("<48656C 6C6F> <48656C6C6F2>")
	tok, err := s.Next()
	if err != nil || string(tok.Bytes) != "Hello" {
		t.Fatalf("got %q err %v", tok.Bytes, err)
	}
	// Odd nibble count pads with zero.
	tok, err = s.Next()
	if err != nil || string(tok.Bytes) != "Hello " {
		t.Fatalf("got %q err %v", tok.Bytes, err)
	}
}

func TestScanHexStringMixedCase(t *testing.T) {
	s := newTestScanner("<4a6B0c9F>")
	tok, err := s.Next()
	if err != nil || string(tok.Bytes) != "\x4a\x6b\x0c\x9f" {
		t.Fatalf("got % x err %v", tok.Bytes, err)
	}
}

func TestScanNameHexEscape(t *testing.T) {
	s := newTestScanner("/A#20B")
	tok, err := s.Next()
	if err != nil || tok.Str != "A B" {
		t.Fatalf("got %q err %v", tok.Str, err)
	}
}

func TestScanStreamWithLengthHint(t *testing.T) {
	payload := "BT /F1 10 Tf ET"
	src := "stream\n" + payload + "\nendstream endobj"
	s := newTestScanner(src)
	s.SetNextStreamLength(int64(len(payload)))
	tok, err := s.Next()
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if tok.Type != TokenStream || string(tok.Bytes) != payload {
		t.Fatalf("got %q", tok.Bytes)
	}
	tok, err = s.Next()
	if err != nil || tok.Str != "endobj" {
		t.Fatalf("expected endobj after stream, got %+v err %v", tok, err)
	}
}

func TestScanStreamWithoutLength(t *testing.T) {
	payload := "raw bytes here"
	src := "stream\r\n" + payload + "\r\nendstream"
	s := newTestScanner(src)
	tok, err := s.Next()
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if string(tok.Bytes) != payload {
		t.Fatalf("got %q, want %q", tok.Bytes, payload)
	}
}

func TestCommentsSkipped(t *testing.T) {
	s := newTestScanner("% comment line\n/Name % trailing\n17")
	tok, _ := s.Next()
	if tok.Type != TokenName || tok.Str != "Name" {
		t.Fatalf("got %+v", tok)
	}
	tok, _ = s.Next()
	if tok.Type != TokenNumber || tok.Int != 17 {
		t.Fatalf("got %+v", tok)
	}
}

func TestSeekTo(t *testing.T) {
	s := newTestScanner("ignored 99")
	if err := s.SeekTo(8); err != nil {
		t.Fatalf("seek: %v", err)
	}
	tok, err := s.Next()
	if err != nil || tok.Int != 99 {
		t.Fatalf("got %+v err %v", tok, err)
	}
}

func TestStringLimit(t *testing.T) {
	s := New(bytes.NewReader([]byte("(aaaaaaaaaa)")), Config{MaxStringLength: 4})
	if _, err := s.Next(); err == nil {
		t.Fatal("expected length error")
	}
}
