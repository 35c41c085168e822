package raw

import (
	"context"
	"fmt"
	"io"
)

// ObjectRef uniquely identifies an indirect PDF object.
type ObjectRef struct {
	Num int
	Gen int
}

func (r ObjectRef) String() string { return fmt.Sprintf("%d %d R", r.Num, r.Gen) }

// Object is the base interface for all raw PDF objects.
type Object interface {
	Type() string
	IsIndirect() bool
}

// Dictionary represents a PDF dictionary object.
type Dictionary interface {
	Object
	Get(key Name) (Object, bool)
	Set(key Name, value Object)
	Keys() []Name
	Len() int
}

// Array represents a PDF array object.
type Array interface {
	Object
	Get(index int) (Object, bool)
	Len() int
	Append(obj Object)
}

// Stream represents a raw (undecoded) PDF stream.
type Stream interface {
	Object
	Dictionary() Dictionary
	RawData() []byte
	Length() int64
}

// Name represents a PDF name object.
type Name interface {
	Object
	Value() string
}

// String represents a PDF string (literal or hex).
type String interface {
	Object
	Value() []byte
	IsHex() bool
}

// Number represents a PDF numeric value.
type Number interface {
	Object
	Int() int64
	Float() float64
	IsInteger() bool
}

// Boolean represents a PDF boolean.
type Boolean interface {
	Object
	Value() bool
}

// Null represents the PDF null object.
type Null interface{ Object }

// Reference represents an indirect object reference.
type Reference interface {
	Object
	Ref() ObjectRef
}

// DocumentInfo mirrors the common /Info fields the transformer reads and writes.
type DocumentInfo struct {
	Title    string
	Author   string
	Subject  string
	Creator  string
	Producer string
}

// Document is the root container for raw PDF objects. The transformer loads
// every reachable object up front; page compositing mutates the page
// dictionaries in place and the writer serializes the whole set back out.
type Document struct {
	Objects   map[ObjectRef]Object
	Trailer   Dictionary
	Version   string // e.g., "1.7"
	Info      DocumentInfo
	Encrypted bool
}

// Parser converts bytes into a raw.Document.
type Parser interface {
	Parse(ctx context.Context, r io.ReaderAt, size int64) (*Document, error)
}

// Resolve follows a reference chain through the document's object table.
// Non-reference objects are returned unchanged; dangling references yield nil.
func (d *Document) Resolve(obj Object) Object {
	for i := 0; i < 32; i++ {
		ref, ok := obj.(RefObj)
		if !ok {
			return obj
		}
		obj, ok = d.Objects[ref.R]
		if !ok {
			// Generation renumbering is rare but legal; fall back to any
			// generation of the same object number.
			for r, o := range d.Objects {
				if r.Num == ref.R.Num {
					obj = o
					ok = true
					break
				}
			}
			if !ok {
				return nil
			}
		}
	}
	return nil
}

// ResolveDict resolves obj and returns it as a dictionary when possible.
func (d *Document) ResolveDict(obj Object) (*DictObj, bool) {
	dict, ok := d.Resolve(obj).(*DictObj)
	return dict, ok
}

// Catalog returns the document catalog dictionary from the trailer's Root.
func (d *Document) Catalog() (*DictObj, error) {
	if d.Trailer == nil {
		return nil, fmt.Errorf("document has no trailer")
	}
	rootObj, ok := d.Trailer.Get(NameObj{Val: "Root"})
	if !ok {
		return nil, fmt.Errorf("trailer has no Root entry")
	}
	catalog, ok := d.ResolveDict(rootObj)
	if !ok {
		return nil, fmt.Errorf("Root does not resolve to a dictionary")
	}
	return catalog, nil
}

// MaxObjectNum returns the highest allocated object number.
func (d *Document) MaxObjectNum() int {
	max := 0
	for ref := range d.Objects {
		if ref.Num > max {
			max = ref.Num
		}
	}
	return max
}
