package xref

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/ollapress/pdfseal/raw"
)

// buildClassicPDF assembles a minimal one-page file with a correct classic
// xref table and returns the bytes plus the object offsets.
func buildClassicPDF() ([]byte, map[int]int64) {
	var buf bytes.Buffer
	offsets := make(map[int]int64)
	buf.WriteString("%PDF-1.4\n")
	obj := func(num int, body string) {
		offsets[num] = int64(buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", num, body)
	}
	obj(1, "<< /Type /Catalog /Pages 2 0 R >>")
	obj(2, "<< /Type /Pages /Kids [3 0 R] /Count 1 >>")
	obj(3, "<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>")
	xrefPos := buf.Len()
	buf.WriteString("xref\n0 4\n")
	buf.WriteString("0000000000 65535 f \n")
	for i := 1; i <= 3; i++ {
		fmt.Fprintf(&buf, "%010d 00000 n \n", offsets[i])
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size 4 /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", xrefPos)
	return buf.Bytes(), offsets
}

func TestResolveClassicTable(t *testing.T) {
	data, offsets := buildClassicPDF()
	tbl, err := Resolve(context.Background(), bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	for num, want := range offsets {
		e, ok := tbl.Lookup(num)
		if !ok {
			t.Fatalf("object %d missing", num)
		}
		if e.Offset != want || e.InStream {
			t.Fatalf("object %d: got %+v, want offset %d", num, e, want)
		}
	}
	if _, ok := tbl.Trailer.KV["Root"]; !ok {
		t.Fatal("trailer Root missing")
	}
	if got := tbl.Trailer.Int("Size", 0); got != 4 {
		t.Fatalf("Size = %d, want 4", got)
	}
}

func TestResolvePrevChain(t *testing.T) {
	base, offsets := buildClassicPDF()
	baseXref := bytes.Index(base, []byte("xref\n0 4"))

	// Incremental update: object 3 redefined, new table points at the old
	// one via Prev.
	var buf bytes.Buffer
	buf.Write(base)
	newObj3 := int64(buf.Len())
	buf.WriteString("3 0 obj\n<< /Type /Page /Parent 2 0 R /Rotate 90 >>\nendobj\n")
	newXref := buf.Len()
	fmt.Fprintf(&buf, "xref\n3 1\n%010d 00000 n \n", newObj3)
	fmt.Fprintf(&buf, "trailer\n<< /Size 4 /Root 1 0 R /Prev %d >>\nstartxref\n%d\n%%%%EOF\n", baseXref, newXref)
	data := buf.Bytes()

	tbl, err := Resolve(context.Background(), bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	e, ok := tbl.Lookup(3)
	if !ok || e.Offset != newObj3 {
		t.Fatalf("object 3 not shadowed: %+v, want offset %d", e, newObj3)
	}
	e, ok = tbl.Lookup(1)
	if !ok || e.Offset != offsets[1] {
		t.Fatalf("object 1 lost from previous section: %+v", e)
	}
}

func TestResolveFreeShadowsOlderEntry(t *testing.T) {
	base, _ := buildClassicPDF()
	baseXref := bytes.Index(base, []byte("xref\n0 4"))

	// Incremental update freeing object 3; the older section's in-use entry
	// must not resurrect it.
	var buf bytes.Buffer
	buf.Write(base)
	newXref := buf.Len()
	buf.WriteString("xref\n3 1\n0000000000 00001 f \n")
	fmt.Fprintf(&buf, "trailer\n<< /Size 4 /Root 1 0 R /Prev %d >>\nstartxref\n%d\n%%%%EOF\n", baseXref, newXref)
	data := buf.Bytes()

	tbl, err := Resolve(context.Background(), bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if e, ok := tbl.Lookup(3); ok {
		t.Fatalf("freed object 3 still resolvable: %+v", e)
	}
	for _, num := range tbl.Objects() {
		if num == 3 {
			t.Fatal("freed object 3 listed in Objects()")
		}
	}
	if _, ok := tbl.Lookup(1); !ok {
		t.Fatal("object 1 lost from previous section")
	}
}

func TestResolveXrefStream(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.5\n")
	offsets := make(map[int]int64)
	obj := func(num int, body string) {
		offsets[num] = int64(buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", num, body)
	}
	obj(1, "<< /Type /Catalog /Pages 2 0 R >>")
	obj(2, "<< /Type /Pages /Kids [] /Count 0 >>")

	// Uncompressed xref stream, W [1 2 1]: type, offset, gen. Entry 3 lives
	// in object stream 9 at index 4 to cover the type-2 row.
	xrefNum := 4
	xrefPos := int64(buf.Len())
	var rows bytes.Buffer
	writeRow := func(typ byte, f2 int, f3 byte) {
		rows.WriteByte(typ)
		rows.WriteByte(byte(f2 >> 8))
		rows.WriteByte(byte(f2))
		rows.WriteByte(f3)
	}
	writeRow(0, 0, 0xFF)
	writeRow(1, int(offsets[1]), 0)
	writeRow(1, int(offsets[2]), 0)
	writeRow(2, 9, 4)
	writeRow(1, int(xrefPos), 0)
	fmt.Fprintf(&buf,
		"%d 0 obj\n<< /Type /XRef /Size 5 /W [1 2 1] /Root 1 0 R /Length %d >>\nstream\n",
		xrefNum, rows.Len())
	buf.Write(rows.Bytes())
	buf.WriteString("\nendstream\nendobj\n")
	fmt.Fprintf(&buf, "startxref\n%d\n%%%%EOF\n", xrefPos)
	data := buf.Bytes()

	tbl, err := Resolve(context.Background(), bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	e, ok := tbl.Lookup(1)
	if !ok || e.Offset != offsets[1] {
		t.Fatalf("object 1: %+v", e)
	}
	e, ok = tbl.Lookup(3)
	if !ok || !e.InStream || e.StreamNum != 9 || e.StreamIdx != 4 {
		t.Fatalf("object 3 should live in object stream 9: %+v", e)
	}
	if _, ok := tbl.Lookup(0); ok {
		t.Fatal("free entry 0 must not be recorded")
	}
}

func TestResolveFallsBackToRepair(t *testing.T) {
	data, offsets := buildClassicPDF()
	// Corrupt the startxref offset so the chain cannot be followed.
	data = bytes.Replace(data, []byte("startxref\n"), []byte("startxref\n999999\n%"), 1)
	tbl, err := Resolve(context.Background(), bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("resolve with repair: %v", err)
	}
	e, ok := tbl.Lookup(1)
	if !ok || e.Offset != offsets[1] {
		t.Fatalf("repair missed object 1: %+v", e)
	}
	if _, ok := tbl.Trailer.KV["Root"]; !ok {
		t.Fatal("repair lost the trailer")
	}
}

func TestRepairLastDefinitionWins(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	buf.WriteString("1 0 obj\n<< /A 1 >>\nendobj\n")
	second := int64(buf.Len())
	buf.WriteString("1 0 obj\n<< /A 2 >>\nendobj\n")
	buf.WriteString("trailer\n<< /Size 2 /Root 1 0 R >>\n")

	tbl, err := Repair(context.Background(), bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	e, ok := tbl.Lookup(1)
	if !ok || e.Offset != second {
		t.Fatalf("got %+v, want offset %d", e, second)
	}
}

func TestFilterSpec(t *testing.T) {
	dict := raw.Dict()
	dict.KV["Filter"] = raw.NameLiteral("FlateDecode")
	parms := raw.Dict()
	parms.KV["Predictor"] = raw.NumberInt(12)
	parms.KV["Columns"] = raw.NumberInt(4)
	dict.KV["DecodeParms"] = parms

	names, p := FilterSpec(dict)
	if len(names) != 1 || names[0] != "FlateDecode" {
		t.Fatalf("names = %v", names)
	}
	if p.Predictor != 12 || p.Columns != 4 || p.Colors != 1 || p.BitsPerComponent != 8 {
		t.Fatalf("params = %+v", p)
	}
}
