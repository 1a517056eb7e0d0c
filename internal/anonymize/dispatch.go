// Package anonymize recognizes the shape of a response payload (single
// document, bulk-get results, changes results, paged rows, or a plain list),
// anonymizes every embedded document through a domain.Anonymizer, and
// reassembles the payload with its original container shape.
//
// Classification happens once per payload (Classify); each Shape has a
// dedicated transformer. Unknown shapes are returned untouched.
package anonymize

import (
	"context"
	"fmt"

	"github.com/tbourn/go-doc-gateway/internal/domain"
)

// Shape is the structural signature of a payload.
type Shape int

const (
	// ShapePassthrough is any payload without embedded documents.
	ShapePassthrough Shape = iota
	// ShapeDocument is a single document ("@id" or "@type" at the top level).
	ShapeDocument
	// ShapeBulkGet is {"results": [{"docs": [{"ok": <doc>}]}]}.
	ShapeBulkGet
	// ShapeChanges is {"results": [{"seq", "id", "doc": <doc>}]}.
	ShapeChanges
	// ShapeRows is {"rows": [{"id", "key", "value", "doc": <doc>}]}.
	ShapeRows
	// ShapeList is a top-level JSON array; each element is dispatched on its own.
	ShapeList
)

// String implements fmt.Stringer.
func (s Shape) String() string {
	switch s {
	case ShapeDocument:
		return "document"
	case ShapeBulkGet:
		return "bulk_get"
	case ShapeChanges:
		return "changes"
	case ShapeRows:
		return "rows"
	case ShapeList:
		return "list"
	}
	return "passthrough"
}

// Classify returns the Shape of payload. It is pure and never inspects more
// than the container level plus one level of entries.
func Classify(payload any) Shape {
	if list, ok := payload.([]any); ok {
		if len(list) == 0 {
			return ShapePassthrough
		}
		return ShapeList
	}

	doc, ok := domain.AsDocument(payload)
	if !ok {
		return ShapePassthrough
	}
	if _, ok := doc["@id"]; ok {
		return ShapeDocument
	}
	if _, ok := doc["@type"]; ok {
		return ShapeDocument
	}
	if results, ok := doc["results"].([]any); ok {
		for _, r := range results {
			if _, ok := bulkGetDoc(r); ok {
				return ShapeBulkGet
			}
		}
		for _, r := range results {
			if _, ok := embeddedDoc(r, "doc"); ok {
				return ShapeChanges
			}
		}
		return ShapePassthrough
	}
	if rows, ok := doc["rows"].([]any); ok {
		for _, r := range rows {
			if _, ok := embeddedDoc(r, "doc"); ok {
				return ShapeRows
			}
		}
	}
	return ShapePassthrough
}

// Dispatcher anonymizes the documents embedded in payloads of any recognized
// shape. It is safe for concurrent use when the Anonymizer is.
type Dispatcher struct {
	anonymizer domain.Anonymizer
	enabled    bool
}

// NewDispatcher returns a Dispatcher delegating to a. enabled is forwarded to
// the anonymizer on every call.
func NewDispatcher(a domain.Anonymizer, enabled bool) *Dispatcher {
	return &Dispatcher{anonymizer: a, enabled: enabled}
}

// Enabled reports whether anonymization is globally enabled.
func (d *Dispatcher) Enabled() bool { return d.enabled }

// Dispatch anonymizes payload for viewer, preserving its container shape,
// element order and non-document fields. The input is never mutated.
func (d *Dispatcher) Dispatch(ctx context.Context, payload any, viewer domain.Viewer) (any, error) {
	switch Classify(payload) {
	case ShapeDocument:
		doc, _ := domain.AsDocument(payload)
		return d.Document(ctx, doc, viewer)
	case ShapeBulkGet:
		return d.bulkGet(ctx, payload, viewer)
	case ShapeChanges:
		return d.container(ctx, payload, "results", "doc", viewer)
	case ShapeRows:
		return d.container(ctx, payload, "rows", "doc", viewer)
	case ShapeList:
		return d.list(ctx, payload.([]any), viewer)
	}
	return payload, nil
}

// Document anonymizes a single document.
func (d *Dispatcher) Document(ctx context.Context, doc domain.Document, viewer domain.Viewer) (domain.Document, error) {
	if doc == nil || d.anonymizer == nil {
		return doc, nil
	}
	out, err := d.anonymizer.Anonymize(ctx, doc, domain.AnonymizeOptions{Viewer: viewer, Enabled: d.enabled})
	if err != nil {
		return nil, fmt.Errorf("anonymize %s: %w", doc.ID(), err)
	}
	return out, nil
}

func (d *Dispatcher) bulkGet(ctx context.Context, payload any, viewer domain.Viewer) (any, error) {
	src, _ := domain.AsDocument(payload)
	results := src["results"].([]any)

	mapped := make([]any, len(results))
	for i, r := range results {
		doc, ok := bulkGetDoc(r)
		if !ok {
			mapped[i] = r
			continue
		}
		anon, err := d.Document(ctx, doc, viewer)
		if err != nil {
			return nil, err
		}
		entry, _ := domain.AsDocument(r)
		docs := entry["docs"].([]any)
		first, _ := domain.AsDocument(docs[0])

		newFirst := first.Clone()
		newFirst["ok"] = map[string]any(anon)
		newDocs := append([]any{map[string]any(newFirst)}, docs[1:]...)

		newEntry := entry.Clone()
		newEntry["docs"] = newDocs
		mapped[i] = map[string]any(newEntry)
	}

	out := src.Clone()
	out["results"] = mapped
	return map[string]any(out), nil
}

// container anonymizes the docField of every entry of the listField array.
func (d *Dispatcher) container(ctx context.Context, payload any, listField, docField string, viewer domain.Viewer) (any, error) {
	src, _ := domain.AsDocument(payload)
	entries := src[listField].([]any)

	mapped := make([]any, len(entries))
	for i, e := range entries {
		doc, ok := embeddedDoc(e, docField)
		if !ok {
			mapped[i] = e
			continue
		}
		anon, err := d.Document(ctx, doc, viewer)
		if err != nil {
			return nil, err
		}
		entry, _ := domain.AsDocument(e)
		newEntry := entry.Clone()
		newEntry[docField] = map[string]any(anon)
		mapped[i] = map[string]any(newEntry)
	}

	out := src.Clone()
	out[listField] = mapped
	return map[string]any(out), nil
}

func (d *Dispatcher) list(ctx context.Context, items []any, viewer domain.Viewer) (any, error) {
	out := make([]any, len(items))
	for i, item := range items {
		v, err := d.Dispatch(ctx, item, viewer)
		if err != nil {
			return nil, err
		}
		if doc, ok := v.(domain.Document); ok {
			v = map[string]any(doc)
		}
		out[i] = v
	}
	return out, nil
}

// bulkGetDoc returns entry.docs[0].ok when entry has the bulk-get shape.
func bulkGetDoc(entry any) (domain.Document, bool) {
	e, ok := domain.AsDocument(entry)
	if !ok {
		return nil, false
	}
	docs, ok := e["docs"].([]any)
	if !ok || len(docs) == 0 {
		return nil, false
	}
	first, ok := domain.AsDocument(docs[0])
	if !ok {
		return nil, false
	}
	return domain.AsDocument(first["ok"])
}

func embeddedDoc(entry any, field string) (domain.Document, bool) {
	e, ok := domain.AsDocument(entry)
	if !ok {
		return nil, false
	}
	return domain.AsDocument(e[field])
}
