// Package scope derives the logical scope identifiers (organization,
// periodical or graph) touched by a document, a search result, or a deletion
// item list. Scope ids are the unit of cache invalidation and ACL checks.
package scope

import (
	"strings"

	"github.com/tbourn/go-doc-gateway/internal/domain"
)

// DefaultPrefixes are the id kinds that qualify as scopes.
var DefaultPrefixes = []string{"org:", "journal:", "graph:"}

// DefaultFields are the cross-referencing properties followed to find nested
// scopes (e.g. the journal and organization inside the result of a
// CreateGraphAction).
var DefaultFields = []string{"result", "object", "instrument", "publisher"}

// maxDepth bounds recursion through cross-referencing fields so that
// in-memory documents built with cycles cannot loop forever.
const maxDepth = 16

// Extractor maps payloads onto scope ids. The zero value is not useful; use New.
type Extractor struct {
	prefixes []string
	fields   []string
}

// New returns an Extractor. Empty prefixes or fields fall back to the defaults.
func New(prefixes, fields []string) *Extractor {
	if len(prefixes) == 0 {
		prefixes = DefaultPrefixes
	}
	if len(fields) == 0 {
		fields = DefaultFields
	}
	return &Extractor{prefixes: prefixes, fields: fields}
}

// Default returns an Extractor using DefaultPrefixes and DefaultFields.
func Default() *Extractor { return New(nil, nil) }

// Fields returns the cross-referencing fields searched for nested scopes.
func (e *Extractor) Fields() []string { return append([]string(nil), e.fields...) }

// Extract returns the de-duplicated scope ids of payload in discovery order.
// payload may be a document, a list of documents, a search result
// (itemListElement / mainEntity.itemListElement), a hydrated result with
// "@graph", or a bare id string.
func (e *Extractor) Extract(payload any) []string {
	seen := make(map[string]struct{})
	var out []string
	e.collect(payload, 0, func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	})
	return out
}

func (e *Extractor) collect(payload any, depth int, add func(string)) {
	if payload == nil || depth > maxDepth {
		return
	}

	for _, node := range e.candidates(payload) {
		if id := ScopeOf(node); id != "" && e.qualifies(id) {
			add(id)
		}

		doc, ok := domain.AsDocument(node)
		if !ok {
			continue
		}
		for _, field := range e.fields {
			for _, value := range domain.Arrayify(doc[field]) {
				e.collect(unrole(value, field), depth+1, add)
			}
		}
		if _, ok := doc["isPartOf"]; ok {
			if root := RootPart(doc); root != nil {
				e.collect(root, depth+1, add)
			}
		}
	}
}

// candidates flattens payload into the list of nodes to inspect.
func (e *Extractor) candidates(payload any) []any {
	nodes := append([]any(nil), domain.Arrayify(payload)...)

	doc, ok := domain.AsDocument(payload)
	if !ok {
		return compact(nodes)
	}

	list := doc["itemListElement"]
	if main, ok := domain.AsDocument(doc["mainEntity"]); ok {
		list = main["itemListElement"]
	}
	for _, el := range domain.Arrayify(list) {
		if item, ok := domain.AsDocument(el); ok {
			nodes = append(nodes, item["item"])
		}
	}
	nodes = append(nodes, domain.Arrayify(doc["@graph"])...)
	return compact(nodes)
}

func (e *Extractor) qualifies(id string) bool {
	for _, p := range e.prefixes {
		if strings.HasPrefix(id, p) {
			return true
		}
	}
	return false
}

// ScopeOf returns the scope id of a node: its id stripped of any query part
// ("graph:1?version=2" → "graph:1"). Strings are treated as ids.
func ScopeOf(node any) string {
	id := domain.IDOf(node)
	if i := strings.IndexByte(id, '?'); i >= 0 {
		id = id[:i]
	}
	return id
}

// RootPart follows the isPartOf chain of doc and returns the outermost part,
// or nil when doc is not part of anything.
func RootPart(doc domain.Document) any {
	var root any
	cur := any(doc)
	for i := 0; i < maxDepth; i++ {
		d, ok := domain.AsDocument(cur)
		if !ok {
			break
		}
		parent, ok := d["isPartOf"]
		if !ok || parent == nil {
			break
		}
		root = parent
		cur = parent
	}
	return root
}

// unrole unwraps a Role node ({"@type": "...Role", "<field>": value}) to the
// value it qualifies. Other values are returned unchanged.
func unrole(value any, field string) any {
	doc, ok := domain.AsDocument(value)
	if !ok {
		return value
	}
	inner, has := doc[field]
	if !has {
		return value
	}
	if _, isRole := doc["roleName"]; isRole || strings.HasSuffix(doc.Type(), "Role") {
		return inner
	}
	return value
}

func compact(nodes []any) []any {
	out := nodes[:0]
	for _, n := range nodes {
		if n != nil {
			out = append(out, n)
		}
	}
	return out
}
