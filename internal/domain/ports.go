package domain

import (
	"context"
	"io"
)

// GetOptions tunes a single document read.
type GetOptions struct {
	Viewer Viewer
	// Version selects a historical release of the document ("?version=").
	Version string
}

// WriteOptions tunes document writes and deletes.
type WriteOptions struct {
	Viewer Viewer
}

// SearchQuery is the subset of the store search surface the gateway needs.
type SearchQuery struct {
	// Scope restricts results to documents whose scope is one of these ids.
	Scope []string
	// Text is a case-insensitive substring match on the document name.
	Text  string
	Limit int
}

// DocRef addresses one document revision for bulk reads.
type DocRef struct {
	ID  string
	Rev string
}

// DocumentStore is the capability contract of the document database.
type DocumentStore interface {
	Get(ctx context.Context, id string, opts GetOptions) (Document, error)
	Post(ctx context.Context, doc Document, opts WriteOptions) (Document, error)
	// Delete removes a document and returns the item list of deleted nodes.
	Delete(ctx context.Context, id string, opts WriteOptions) ([]Document, error)
	Search(ctx context.Context, kind string, q SearchQuery) ([]Document, error)
	BulkGet(ctx context.Context, refs []DocRef) ([]Document, error)
	ChangeFeed
}

// ChangeFeed exposes the change log of the document store.
type ChangeFeed interface {
	// Changes performs one bounded poll of the change log with documents included.
	Changes(ctx context.Context, q ChangesQuery) (ChangesPage, error)
	// Subscribe opens a long-lived subscription starting at q.Since.
	Subscribe(ctx context.Context, q ChangesQuery) (Subscription, error)
}

// Subscription delivers change events in change-log order until closed.
// Errors terminate the subscription; Events is closed afterwards.
type Subscription interface {
	Events() <-chan ChangeEvent
	Errors() <-chan error
	Close() error
}

// AnonymizeOptions carries the per-call anonymization context.
type AnonymizeOptions struct {
	Viewer  Viewer
	Enabled bool
}

// Anonymizer redacts identity-revealing fields of one document for a viewer.
type Anonymizer interface {
	Anonymize(ctx context.Context, doc Document, opts AnonymizeOptions) (Document, error)
}

// Permission names recognized by ACL checks.
type Permission string

const (
	ReadPermission  Permission = "ReadPermission"
	WritePermission Permission = "WritePermission"
	AdminPermission Permission = "AdminPermission"
)

// AccessCheck answers whether the viewer holds perm on scopeID.
type AccessCheck func(scopeID string, perm Permission) bool

// ACL computes permissions. It is consumed as a black box.
type ACL interface {
	Check(ctx context.Context, viewer Viewer, scopeIDs []string) (AccessCheck, error)
	IsAdmin(ctx context.Context, viewer Viewer) (bool, error)
}

// ByteRange is an inclusive byte range [Start, End].
type ByteRange struct {
	Start int64
	End   int64
}

// BlobGetOptions tunes a blob read.
type BlobGetOptions struct {
	Range      *ByteRange
	Decompress bool
}

// BlobStore streams binary encodings.
type BlobStore interface {
	Get(ctx context.Context, key string, opts BlobGetOptions) (io.ReadCloser, error)
}
