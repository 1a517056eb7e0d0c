package domain

// ChangeEvent is one row of the document store's change log.
type ChangeEvent struct {
	// Seq is the opaque, monotonically ordered cursor of this change.
	Seq string
	// DocumentID is the id of the changed document.
	DocumentID string
	// DocumentKind is the id prefix of the changed document ("graph", "org", ...).
	DocumentKind string
	// Deleted is true for tombstones.
	Deleted bool
	// Doc is the full document body when the change was fetched with
	// include_docs; nil otherwise.
	Doc Document
}

// ChangesPage is the result of one bounded poll of the change log.
type ChangesPage struct {
	Results []ChangeEvent
	LastSeq string
}

// FeedFilter selects which changes a subscriber is allowed to see.
type FeedFilter string

const (
	FeedFilterPublic FeedFilter = "public"
	FeedFilterUser   FeedFilter = "user"
	FeedFilterAdmin  FeedFilter = "admin"
)

// Valid reports whether f is one of the known filter classes.
func (f FeedFilter) Valid() bool {
	switch f {
	case FeedFilterPublic, FeedFilterUser, FeedFilterAdmin:
		return true
	}
	return false
}

// ChangesQuery parameterizes change-log polls and subscriptions.
type ChangesQuery struct {
	// Since is the resume cursor; "now" starts at the current end of the log
	// and "" replays it from the beginning.
	Since      string
	Limit      int
	Descending bool
	Filter     FeedFilter
	// User is the "user:<name>" id forwarded to the user filter.
	User      string
	Scopes    []string
	Outscopes []string
}

// FeedMessage is one transformed change ready to be framed for a subscriber.
type FeedMessage struct {
	// EventID is the monotonic message id ("seq:<cursor>").
	EventID string
	// EventType is the semantic type label; empty when the kind is unknown.
	EventType string
	// Item is the anonymized document body.
	Item Document
}

// DataFeedItem renders m as the JSON-LD DataFeedItem used by the polling
// endpoint.
func (m FeedMessage) DataFeedItem() Document {
	out := Document{"@id": m.EventID, "@type": "DataFeedItem"}
	if m.Item != nil {
		out["item"] = m.Item
	}
	return out
}
