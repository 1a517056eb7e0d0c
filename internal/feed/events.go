package feed

import "github.com/tbourn/go-doc-gateway/internal/domain"

var eventTypes = map[string]string{
	"profile": "UserProfile",
	"org":     "Organization",
	"role":    "Role",
	"graph":   "Graph",
	"release": "Graph",
	"node":    "Graph",
	"action":  "Action",
	"journal": "Periodical",
	"service": "Service",
}

// EventType maps a document kind onto its event label; unknown kinds map to "".
func EventType(kind string) string { return eventTypes[kind] }

func kindOf(ev domain.ChangeEvent) string {
	if ev.DocumentKind != "" {
		return ev.DocumentKind
	}
	if ev.DocumentID != "" {
		return domain.KindOf(ev.DocumentID)
	}
	return ev.Doc.Kind()
}
