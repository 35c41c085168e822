package writer

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/ollapress/pdfseal/raw"
)

// writeObject serializes one object in direct form. Dictionary keys are
// emitted in sorted order so output is reproducible.
func writeObject(w io.Writer, obj raw.Object) error {
	switch v := obj.(type) {
	case raw.NameObj:
		_, err := io.WriteString(w, "/"+pdfNameLiteral(v.Val))
		return err
	case raw.NumberObj:
		if v.IsInt {
			_, err := io.WriteString(w, strconv.FormatInt(v.I, 10))
			return err
		}
		_, err := io.WriteString(w, formatFloat(v.F))
		return err
	case raw.BoolObj:
		_, err := io.WriteString(w, strconv.FormatBool(v.V))
		return err
	case raw.NullObj:
		_, err := io.WriteString(w, "null")
		return err
	case raw.StringObj:
		_, err := w.Write(escapeLiteralString(v.Bytes))
		return err
	case raw.HexStringObj:
		_, err := w.Write(hexString(v.Bytes))
		return err
	case raw.RefObj:
		_, err := fmt.Fprintf(w, "%d %d R", v.R.Num, v.R.Gen)
		return err
	case *raw.ArrayObj:
		if _, err := io.WriteString(w, "["); err != nil {
			return err
		}
		for i, item := range v.Items {
			if i > 0 {
				if _, err := io.WriteString(w, " "); err != nil {
					return err
				}
			}
			if err := writeObject(w, item); err != nil {
				return err
			}
		}
		_, err := io.WriteString(w, "]")
		return err
	case *raw.DictObj:
		return writeDict(w, v)
	case *raw.StreamObj:
		if err := writeDict(w, v.Dict); err != nil {
			return err
		}
		if _, err := io.WriteString(w, "\nstream\n"); err != nil {
			return err
		}
		if _, err := w.Write(v.Data); err != nil {
			return err
		}
		_, err := io.WriteString(w, "\nendstream")
		return err
	default:
		return fmt.Errorf("cannot serialize %T", obj)
	}
}

func writeDict(w io.Writer, d *raw.DictObj) error {
	keys := make([]string, 0, len(d.KV))
	for k := range d.KV {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if _, err := io.WriteString(w, "<<"); err != nil {
		return err
	}
	for _, k := range keys {
		if _, err := io.WriteString(w, " /"+pdfNameLiteral(k)+" "); err != nil {
			return err
		}
		if err := writeObject(w, d.KV[k]); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, " >>")
	return err
}

func escapeLiteralString(rawBytes []byte) []byte {
	var b bytes.Buffer
	b.WriteByte('(')
	for _, ch := range rawBytes {
		switch ch {
		case '\\', '(', ')':
			b.WriteByte('\\')
			b.WriteByte(ch)
		case '\n':
			b.WriteString("\\n")
		case '\r':
			b.WriteString("\\r")
		case '\t':
			b.WriteString("\\t")
		case '\b':
			b.WriteString("\\b")
		case '\f':
			b.WriteString("\\f")
		default:
			if ch < 0x20 || ch >= 0x80 {
				fmt.Fprintf(&b, "\\%03o", ch)
			} else {
				b.WriteByte(ch)
			}
		}
	}
	b.WriteByte(')')
	return b.Bytes()
}

func hexString(data []byte) []byte {
	const digits = "0123456789ABCDEF"
	out := make([]byte, 0, len(data)*2+2)
	out = append(out, '<')
	for _, b := range data {
		out = append(out, digits[b>>4], digits[b&0xF])
	}
	return append(out, '>')
}

func pdfNameLiteral(value string) string {
	var b bytes.Buffer
	for i := 0; i < len(value); i++ {
		ch := value[i]
		if (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '_' || ch == '.' || ch == '+' {
			b.WriteByte(ch)
			continue
		}
		fmt.Fprintf(&b, "#%02X", ch)
	}
	return b.String()
}

func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', 6, 64)
	s = trimTrailingZeros(s)
	return s
}

func trimTrailingZeros(s string) string {
	if !strings.Contains(s, ".") {
		return s
	}
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

// EncodeText renders a Go string as a PDF text string object. Pure ASCII
// stays a literal string; anything else becomes UTF-16BE with a BOM, the
// form viewers expect for CJK metadata.
func EncodeText(s string) raw.Object {
	ascii := true
	for _, r := range s {
		if r > 0x7E || r < 0x20 {
			ascii = false
			break
		}
	}
	if ascii {
		return raw.Str([]byte(s))
	}
	units := utf16.Encode([]rune(s))
	out := make([]byte, 2, 2+len(units)*2)
	out[0], out[1] = 0xFE, 0xFF
	for _, u := range units {
		out = append(out, byte(u>>8), byte(u))
	}
	return raw.HexStr(out)
}
