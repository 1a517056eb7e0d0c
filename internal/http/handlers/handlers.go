package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-doc-gateway/internal/anonymize"
	"github.com/tbourn/go-doc-gateway/internal/cache"
	"github.com/tbourn/go-doc-gateway/internal/domain"
	"github.com/tbourn/go-doc-gateway/internal/feed"
	"github.com/tbourn/go-doc-gateway/internal/scope"
	"github.com/tbourn/go-doc-gateway/internal/utils"
)

//
// Collaborator contracts
//

// ResponseCache is the get-or-compute cache consumed by the read endpoints.
type ResponseCache interface {
	Do(ctx context.Context, req cache.Request, compute cache.ComputeFunc, opts cache.Options) (cache.Payload, error)
	// InvalidateAsync drops the entries indexed under the scopes of result
	// without delaying the response.
	InvalidateAsync(ctx context.Context, result any)
}

// FeedDistributor serves the change feed.
type FeedDistributor interface {
	MaxLimit() int
	ContextLink() string
	Authorize(ctx context.Context, req feed.Request) error
	Poll(ctx context.Context, req feed.Request) (domain.Document, error)
	Stream(ctx context.Context, w http.ResponseWriter, req feed.Request) error
}

//
// Handler wiring
//

// Deps are the collaborators of Handlers. Blobs may be nil, in which case
// encodings answer 404.
type Deps struct {
	Store      domain.DocumentStore
	Cache      ResponseCache
	Dispatcher *anonymize.Dispatcher
	ACL        domain.ACL
	Feed       FeedDistributor
	Blobs      domain.BlobStore
	Extractor  *scope.Extractor
}

// Handlers groups the REST endpoints.
type Handlers struct {
	store      domain.DocumentStore
	cache      ResponseCache
	dispatcher *anonymize.Dispatcher
	acl        domain.ACL
	feed       FeedDistributor
	blobs      domain.BlobStore
	extractor  *scope.Extractor
}

// New returns Handlers bound to d. A nil Extractor uses the default scope
// rules and a nil Dispatcher passes documents through unchanged.
func New(d Deps) (*Handlers, error) {
	if d.Store == nil {
		return nil, errors.New("handlers: nil document store")
	}
	if d.Cache == nil {
		return nil, errors.New("handlers: nil cache")
	}
	if d.Extractor == nil {
		d.Extractor = scope.Default()
	}
	if d.Dispatcher == nil {
		d.Dispatcher = anonymize.NewDispatcher(nil, false)
	}
	return &Handlers{
		store:      d.Store,
		cache:      d.Cache,
		dispatcher: d.Dispatcher,
		acl:        d.ACL,
		feed:       d.Feed,
		blobs:      d.Blobs,
		extractor:  d.Extractor,
	}, nil
}

//
// Helpers
//

// publicKinds are readable by everyone, including anonymous viewers.
var publicKinds = map[string]bool{
	"org":     true,
	"journal": true,
	"user":    true,
	"service": true,
}

// resourceID prefixes a route parameter with kind unless the client already
// sent a prefixed id ("42" and "graph:42" both address graph:42).
func resourceID(kind, param string) string {
	param = strings.TrimSpace(param)
	if strings.HasPrefix(param, kind+":") {
		return param
	}
	return kind + ":" + param
}

// cacheRequest describes c for the response cache. cache=false bypasses the
// read and refreshes the entry.
func cacheRequest(c *gin.Context, viewer domain.Viewer, body any) (cache.Request, error) {
	useCache, err := utils.ParseBool(c.Query(cache.ControlParam), true)
	if err != nil {
		return cache.Request{}, domain.NewError(http.StatusBadRequest,
			"invalid value for query string parameter %s", cache.ControlParam)
	}
	return cache.Request{
		Method:   c.Request.Method,
		URL:      c.Request.URL.RequestURI(),
		Username: viewer.Username,
		Body:     body,
		Bypass:   !useCache,
	}, nil
}

// scopesOf returns the scopes a document belongs to, including the root of
// its isPartOf chain (an encoding belongs to the graph it is part of).
func (h *Handlers) scopesOf(doc domain.Document) []string {
	scopes := h.extractor.Extract(doc)
	root := scope.ScopeOf(scope.RootPart(doc))
	if root == "" {
		return scopes
	}
	for _, s := range scopes {
		if s == root {
			return scopes
		}
	}
	return append(scopes, root)
}

// holds reports whether viewer has perm on the scopes: on every one of them
// when all is set, on at least one otherwise. No scopes never satisfies an
// "at least one" check.
func (h *Handlers) holds(ctx context.Context, viewer domain.Viewer, scopes []string, perm domain.Permission, all bool) (bool, error) {
	if len(scopes) == 0 {
		return all, nil
	}
	if h.acl == nil {
		return false, nil
	}
	check, err := h.acl.Check(ctx, viewer, scopes)
	if err != nil {
		return false, err
	}
	for _, s := range scopes {
		granted := check(s, perm)
		if all && !granted {
			return false, nil
		}
		if !all && granted {
			return true, nil
		}
	}
	return all, nil
}

// canRead applies the read rule: public kinds and released documents are
// readable by anyone, actions by their agent, everything else needs read
// access to one of its scopes.
func (h *Handlers) canRead(ctx context.Context, viewer domain.Viewer, doc domain.Document) (bool, error) {
	if publicKinds[doc.Kind()] {
		return true, nil
	}
	if _, released := doc["datePublished"]; released {
		return true, nil
	}
	if viewer.IsPublic() {
		return false, nil
	}
	if agent := domain.IDOf(doc["agent"]); agent != "" && agent == viewer.UserID() {
		return true, nil
	}
	return h.holds(ctx, viewer, h.scopesOf(doc), domain.ReadPermission, false)
}

// readable loads id and enforces canRead. Unreadable documents are reported
// as missing.
func (h *Handlers) readable(ctx context.Context, viewer domain.Viewer, id, version string) (domain.Document, error) {
	doc, err := h.store.Get(ctx, id, domain.GetOptions{Viewer: viewer, Version: version})
	if err != nil {
		return nil, err
	}
	allowed, err := h.canRead(ctx, viewer, doc)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return doc, nil
}

func requireUser(viewer domain.Viewer) error {
	if viewer.IsPublic() {
		return domain.NewError(http.StatusUnauthorized, "authentication required")
	}
	return nil
}
