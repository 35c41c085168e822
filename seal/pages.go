package seal

import (
	"fmt"

	"github.com/ollapress/pdfseal/overlay"
	"github.com/ollapress/pdfseal/raw"
)

const maxPageTreeDepth = 64

// collectPages walks the page tree and returns the page object refs in
// document order.
func collectPages(doc *raw.Document) ([]raw.ObjectRef, error) {
	catalog, err := doc.Catalog()
	if err != nil {
		return nil, err
	}
	rootObj, ok := catalog.KV["Pages"]
	if !ok {
		return nil, fmt.Errorf("catalog has no Pages entry")
	}
	rootRef, ok := rootObj.(raw.RefObj)
	if !ok {
		return nil, fmt.Errorf("Pages is not an indirect reference")
	}

	var pages []raw.ObjectRef
	visited := make(map[raw.ObjectRef]bool)
	var walk func(ref raw.ObjectRef, depth int) error
	walk = func(ref raw.ObjectRef, depth int) error {
		if depth > maxPageTreeDepth {
			return fmt.Errorf("page tree deeper than %d levels", maxPageTreeDepth)
		}
		if visited[ref] {
			return fmt.Errorf("page tree cycle at %s", ref)
		}
		visited[ref] = true
		node, ok := doc.ResolveDict(raw.RefObj{R: ref})
		if !ok {
			return fmt.Errorf("page tree node %s is not a dictionary", ref)
		}
		_, hasKids := node.KV["Kids"]
		switch {
		case node.Name("Type") == "Page":
			pages = append(pages, ref)
			return nil
		// Some producers omit Type on intermediate nodes; a Kids entry is
		// enough to treat it as one.
		case node.Name("Type") == "Pages" || hasKids:
			kids, ok := doc.Resolve(node.KV["Kids"]).(*raw.ArrayObj)
			if !ok {
				return fmt.Errorf("node %s has no Kids array", ref)
			}
			for _, kid := range kids.Items {
				kidRef, ok := kid.(raw.RefObj)
				if !ok {
					return fmt.Errorf("node %s has a direct kid", ref)
				}
				if err := walk(kidRef.R, depth+1); err != nil {
					return err
				}
			}
			return nil
		default:
			return fmt.Errorf("page tree node %s has type %q", ref, node.Name("Type"))
		}
	}
	if err := walk(rootRef.R, 0); err != nil {
		return nil, err
	}
	return pages, nil
}

// resourceNames picks font and graphics-state resource names unused by any
// page, so the overlay cannot shadow or collide with existing resources.
func resourceNames(doc *raw.Document, pages []raw.ObjectRef) (fontName, gsName string) {
	used := make(map[string]bool)
	for _, ref := range pages {
		page, ok := doc.ResolveDict(raw.RefObj{R: ref})
		if !ok {
			continue
		}
		res, ok := doc.ResolveDict(pageResources(doc, page))
		if !ok {
			continue
		}
		for _, category := range []string{"Font", "ExtGState"} {
			sub, ok := doc.ResolveDict(res.KV[category])
			if !ok {
				continue
			}
			for name := range sub.KV {
				used[name] = true
			}
		}
	}
	for i := 0; ; i++ {
		f := fmt.Sprintf("WMF%d", i)
		g := fmt.Sprintf("WMGS%d", i)
		if !used[f] && !used[g] {
			return f, g
		}
	}
}

// pageResources returns the page's Resources entry, following the Parent
// chain when the page inherits it.
func pageResources(doc *raw.Document, page *raw.DictObj) raw.Object {
	node := page
	for depth := 0; node != nil && depth < maxPageTreeDepth; depth++ {
		if res, ok := node.KV["Resources"]; ok {
			return res
		}
		parent, ok := doc.ResolveDict(node.KV["Parent"])
		if !ok {
			break
		}
		node = parent
	}
	return nil
}

// compositePage brackets the page's content with the guard and overlay
// streams and registers the overlay's resources on the page.
func compositePage(doc *raw.Document, ref raw.ObjectRef, mat *overlay.Materialized, gsRef raw.ObjectRef, fontName, gsName string) error {
	page, ok := doc.ResolveDict(raw.RefObj{R: ref})
	if !ok {
		return fmt.Errorf("page %s is not a dictionary", ref)
	}

	contents := raw.NewArray(raw.Ref(mat.GuardRef.Num, mat.GuardRef.Gen))
	switch c := page.KV["Contents"].(type) {
	case nil:
		// Blank page; the overlay becomes its only content.
	case raw.RefObj:
		if arr, ok := doc.Resolve(c).(*raw.ArrayObj); ok {
			contents.Items = append(contents.Items, arr.Items...)
		} else {
			contents.Append(c)
		}
	case *raw.ArrayObj:
		contents.Items = append(contents.Items, c.Items...)
	default:
		return fmt.Errorf("page %s has unusable Contents (%s)", ref, c.Type())
	}
	contents.Append(raw.Ref(mat.ContentRef.Num, mat.ContentRef.Gen))
	page.KV["Contents"] = contents

	res, ok := doc.ResolveDict(page.KV["Resources"])
	if !ok {
		// Inherited resources stay valid only while the page has no entry
		// of its own, so the page gets a copy extended with the overlay's.
		if inherited, found := doc.ResolveDict(pageResources(doc, page)); found {
			res = inherited.Clone()
		} else {
			res = raw.Dict()
		}
		page.KV["Resources"] = res
	}
	addResource(doc, res, "Font", fontName, mat.FontRef)
	addResource(doc, res, "ExtGState", gsName, gsRef)
	return nil
}

func addResource(doc *raw.Document, res *raw.DictObj, category, name string, target raw.ObjectRef) {
	sub, ok := doc.ResolveDict(res.KV[category])
	if !ok {
		sub = raw.Dict()
		res.KV[category] = sub
	}
	sub.KV[name] = raw.Ref(target.Num, target.Gen)
}
