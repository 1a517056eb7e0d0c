// Package domain defines the core types shared by the gateway components:
// JSON-LD documents and their identifiers, viewers, change-log events, the
// structured API error taxonomy, and the ports implemented by the external
// collaborators (document store, anonymizer, ACL, blob store).
package domain

import "strings"

// Document is an opaque JSON object owned by the document store. The gateway
// only reads and transforms copies of it.
type Document map[string]any

// ID returns the document identifier. The JSON-LD "@id" wins over the
// CouchDB "_id" when both are present.
func (d Document) ID() string {
	if d == nil {
		return ""
	}
	if s, ok := d["@id"].(string); ok && s != "" {
		return s
	}
	if s, ok := d["_id"].(string); ok {
		return s
	}
	return ""
}

// Type returns the "@type" of the document, or "" when absent or not a string.
func (d Document) Type() string {
	if d == nil {
		return ""
	}
	s, _ := d["@type"].(string)
	return s
}

// Kind returns the identifier prefix up to the first colon (e.g. "graph" for
// "graph:42").
func (d Document) Kind() string { return KindOf(d.ID()) }

// Clone returns a shallow copy of d. Nested values are shared.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// KindOf returns the prefix of id up to its first colon, or "" when id has no
// colon.
func KindOf(id string) string {
	i := strings.IndexByte(id, ':')
	if i <= 0 {
		return ""
	}
	return id[:i]
}

// IDOf extracts an identifier from a value that is either an id string or an
// embedded node carrying "@id".
func IDOf(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case Document:
		return t.ID()
	case map[string]any:
		return Document(t).ID()
	}
	return ""
}

// AsDocument reports whether v is a JSON object and returns it as a Document.
func AsDocument(v any) (Document, bool) {
	switch t := v.(type) {
	case Document:
		return t, t != nil
	case map[string]any:
		return Document(t), t != nil
	}
	return nil, false
}

// Arrayify normalizes a JSON-LD value that may be a single value, a list, or
// nil into a slice.
func Arrayify(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	case []Document:
		out := make([]any, len(t))
		for i, d := range t {
			out[i] = d
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, d := range t {
			out[i] = d
		}
		return out
	}
	return []any{v}
}
