// Package writer serializes a raw.Document back to PDF bytes: every object
// written as a regular indirect object, a classic cross-reference table, a
// trailer with a content-derived or random file ID, and optional Standard
// encryption. WriteFile saves atomically through a temp file.
package writer

import (
	"bufio"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/ollapress/pdfseal/raw"
	"github.com/ollapress/pdfseal/security"
)

// EncryptSpec requests Standard encryption of the output. An empty owner
// password falls back to the user password.
type EncryptSpec struct {
	UserPassword  string
	OwnerPassword string
	Method        security.Method
	Permissions   security.Permissions
}

type Options struct {
	Encrypt *EncryptSpec
	// DeterministicID derives the file ID from the document content so the
	// same input and parameters reproduce identical bytes.
	DeterministicID bool
	// Version overrides the header version; empty keeps the document's.
	Version string
}

// Write serializes doc to w.
func Write(w io.Writer, doc *raw.Document, opts Options) error {
	bw := bufio.NewWriter(w)
	if err := writeDocument(bw, doc, opts); err != nil {
		return err
	}
	return bw.Flush()
}

// WriteFile writes doc to path atomically: the bytes land in a temp file in
// the same directory, which replaces path only after a successful flush. No
// partial file is ever visible at path.
func WriteFile(path string, doc *raw.Document, opts Options) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".pdfseal-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if err := Write(tmp, doc, opts); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func writeDocument(w io.Writer, doc *raw.Document, opts Options) error {
	version := opts.Version
	if version == "" {
		version = doc.Version
	}
	if version == "" {
		version = "1.4"
	}

	refs := writableRefs(doc)
	id := fileID(doc, refs, opts)

	var (
		handler    security.Handler
		encDict    *raw.DictObj
		encryptRef raw.ObjectRef
	)
	if opts.Encrypt != nil {
		var key []byte
		var err error
		encDict, key, err = security.BuildStandardEncryption(
			opts.Encrypt.UserPassword, opts.Encrypt.OwnerPassword,
			opts.Encrypt.Method, opts.Encrypt.Permissions, id)
		if err != nil {
			return fmt.Errorf("build encryption: %w", err)
		}
		handler, err = security.NewWriteHandler(encDict, key, id)
		if err != nil {
			return fmt.Errorf("encryption handler: %w", err)
		}
		encryptRef = raw.ObjectRef{Num: nextObjectNum(refs)}
	}

	cw := &countingWriter{w: w}
	// Binary comment line after the header keeps transfer tools honest.
	if _, err := fmt.Fprintf(cw, "%%PDF-%s\n%%\xE2\xE3\xCF\xD3\n", version); err != nil {
		return err
	}

	offsets := make(map[int]offsetEntry, len(refs)+1)
	for _, ref := range refs {
		obj := doc.Objects[ref]
		if handler != nil {
			obj = encryptObject(obj, ref, handler)
		}
		obj = normalizeStream(obj)
		offsets[ref.Num] = offsetEntry{offset: cw.n, gen: ref.Gen}
		if err := writeIndirect(cw, ref, obj); err != nil {
			return fmt.Errorf("object %s: %w", ref, err)
		}
	}
	if encDict != nil {
		offsets[encryptRef.Num] = offsetEntry{offset: cw.n}
		if err := writeIndirect(cw, encryptRef, encDict); err != nil {
			return fmt.Errorf("encrypt dictionary: %w", err)
		}
	}

	xrefPos := cw.n
	size := nextObjectNum(refs)
	if encDict != nil {
		size = encryptRef.Num + 1
	}
	if err := writeXrefTable(cw, offsets, size); err != nil {
		return err
	}

	trailer := buildTrailer(doc, size, encDict != nil, encryptRef, id)
	if _, err := io.WriteString(cw, "trailer\n"); err != nil {
		return err
	}
	if err := writeObject(cw, trailer); err != nil {
		return err
	}
	_, err := fmt.Fprintf(cw, "\nstartxref\n%d\n%%%%EOF\n", xrefPos)
	return err
}

type offsetEntry struct {
	offset int64
	gen    int
}

// writableRefs returns the object refs to serialize, sorted by number.
// Cross-reference and object-stream containers are dropped since their
// contents were flattened into regular objects at load time.
func writableRefs(doc *raw.Document) []raw.ObjectRef {
	refs := make([]raw.ObjectRef, 0, len(doc.Objects))
	for ref, obj := range doc.Objects {
		if stm, ok := obj.(*raw.StreamObj); ok {
			switch stm.Dict.Name("Type") {
			case "XRef", "ObjStm":
				continue
			}
		}
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Num != refs[j].Num {
			return refs[i].Num < refs[j].Num
		}
		return refs[i].Gen < refs[j].Gen
	})
	return refs
}

func nextObjectNum(refs []raw.ObjectRef) int {
	max := 0
	for _, r := range refs {
		if r.Num > max {
			max = r.Num
		}
	}
	return max + 1
}

// fileID derives the two-element ID. Deterministic mode hashes the writable
// content so identical inputs reproduce identical files; otherwise the ID is
// random with the hash as fallback.
func fileID(doc *raw.Document, refs []raw.ObjectRef, opts Options) []byte {
	h := sha256.New()
	h.Write([]byte(doc.Version))
	h.Write([]byte(doc.Info.Title))
	h.Write([]byte(doc.Info.Author))
	h.Write([]byte(doc.Info.Subject))
	h.Write([]byte(doc.Info.Creator))
	h.Write([]byte(doc.Info.Producer))
	for _, ref := range refs {
		fmt.Fprintf(h, "%d-%d:", ref.Num, ref.Gen)
		if stm, ok := doc.Objects[ref].(*raw.StreamObj); ok {
			h.Write(stm.Data)
		}
	}
	if opts.Encrypt != nil {
		h.Write([]byte{byte(opts.Encrypt.Method)})
	}
	seed := h.Sum(nil)[:16]
	if opts.DeterministicID {
		return seed
	}
	id := make([]byte, 16)
	if _, err := rand.Read(id); err != nil {
		return seed
	}
	return id
}

// encryptObject walks strings and stream payloads, replacing them with their
// encrypted form. Dictionaries and arrays recurse; everything else passes
// through.
func encryptObject(obj raw.Object, ref raw.ObjectRef, handler security.Handler) raw.Object {
	switch v := obj.(type) {
	case raw.StringObj:
		enc, err := handler.Encrypt(ref.Num, ref.Gen, v.Bytes, security.DataClassString)
		if err != nil {
			return obj
		}
		return raw.HexStr(enc)
	case raw.HexStringObj:
		enc, err := handler.Encrypt(ref.Num, ref.Gen, v.Bytes, security.DataClassString)
		if err != nil {
			return obj
		}
		return raw.HexStr(enc)
	case *raw.ArrayObj:
		arr := raw.NewArray()
		for _, item := range v.Items {
			arr.Append(encryptObject(item, ref, handler))
		}
		return arr
	case *raw.DictObj:
		// Sorted key order keeps the AES IV sequence reproducible.
		keys := make([]string, 0, len(v.KV))
		for k := range v.KV {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		d := raw.Dict()
		for _, k := range keys {
			d.KV[k] = encryptObject(v.KV[k], ref, handler)
		}
		return d
	case *raw.StreamObj:
		data, err := handler.Encrypt(ref.Num, ref.Gen, v.Data, security.DataClassStream)
		if err != nil {
			return obj
		}
		dict, _ := encryptObject(v.Dict, ref, handler).(*raw.DictObj)
		if dict == nil {
			dict = v.Dict
		}
		return raw.NewStream(dict, data)
	default:
		return obj
	}
}

// normalizeStream pins the Length entry to the actual payload size.
// Indirect Length references are resolved away and AES growth accounted for.
func normalizeStream(obj raw.Object) raw.Object {
	stm, ok := obj.(*raw.StreamObj)
	if !ok {
		return obj
	}
	dict := stm.Dict.Clone()
	dict.KV["Length"] = raw.NumberInt(int64(len(stm.Data)))
	return raw.NewStream(dict, stm.Data)
}

func writeIndirect(w io.Writer, ref raw.ObjectRef, obj raw.Object) error {
	if _, err := fmt.Fprintf(w, "%d %d obj\n", ref.Num, ref.Gen); err != nil {
		return err
	}
	if err := writeObject(w, obj); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\nendobj\n")
	return err
}

// writeXrefTable emits a classic table covering 0..size-1 in contiguous
// subsections; unallocated numbers become free entries linked to 0.
func writeXrefTable(w io.Writer, offsets map[int]offsetEntry, size int) error {
	if _, err := fmt.Fprintf(w, "xref\n0 %d\n0000000000 65535 f \n", size); err != nil {
		return err
	}
	for num := 1; num < size; num++ {
		if e, ok := offsets[num]; ok {
			if _, err := fmt.Fprintf(w, "%010d %05d n \n", e.offset, e.gen); err != nil {
				return err
			}
		} else {
			if _, err := fmt.Fprintf(w, "0000000000 65535 f \n"); err != nil {
				return err
			}
		}
	}
	return nil
}

func buildTrailer(doc *raw.Document, size int, encrypted bool, encryptRef raw.ObjectRef, id []byte) *raw.DictObj {
	trailer := raw.Dict()
	trailer.KV["Size"] = raw.NumberInt(int64(size))
	if doc.Trailer != nil {
		if root, ok := doc.Trailer.Get(raw.NameObj{Val: "Root"}); ok {
			trailer.KV["Root"] = root
		}
		if info, ok := doc.Trailer.Get(raw.NameObj{Val: "Info"}); ok {
			trailer.KV["Info"] = info
		}
	}
	if encrypted {
		trailer.KV["Encrypt"] = raw.Ref(encryptRef.Num, 0)
	}
	trailer.KV["ID"] = raw.NewArray(raw.HexStr(id), raw.HexStr(id))
	return trailer
}
