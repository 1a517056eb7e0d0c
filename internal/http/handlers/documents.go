// Document HTTP handlers.
//
// This file exposes the resource endpoints backed by the document store:
//   - GET    /{graph,organization,periodical,action,user}/:id  (cached, anonymized)
//   - GET    /{graph,organization,periodical}                 (cached search)
//   - POST   /action                                          (write, then invalidate)
//   - DELETE /graph/:id                                       (delete, then invalidate)
//
// Reads go through the response cache keyed per viewer; writes drop every
// cache entry touching the scopes of their result.
package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-doc-gateway/internal/cache"
	"github.com/tbourn/go-doc-gateway/internal/domain"
	"github.com/tbourn/go-doc-gateway/internal/feed"
	"github.com/tbourn/go-doc-gateway/internal/http/middleware"
	"github.com/tbourn/go-doc-gateway/internal/utils"
)

const defaultSearchLimit = 20

// GetDocument returns the handler serving the document of kind addressed by
// the ":id" route parameter. "?version=" selects a release.
//
// @Summary     Get a document
// @Description Returns the document, anonymized for the viewer. Unreadable documents answer 404.
// @Tags        Documents
// @Produce     json
// @Param       id       path   string  true   "Document id, with or without its kind prefix"  example(42)
// @Param       version  query  string  false  "Release version"                                example(1.0.0)
// @Param       cache    query  bool    false  "Set false to bypass and refresh the cache"     default(true)
// @Success     200  {object}  map[string]any
// @Failure     400  {object}  domain.APIError  "Bad request"
// @Failure     404  {object}  domain.APIError  "Not found"
// @Failure     500  {object}  domain.APIError  "Internal error"
// @Router      /graph/{id} [get]
// @Router      /organization/{id} [get]
// @Router      /periodical/{id} [get]
// @Router      /user/{id} [get]
// @Router      /action/{id} [get]
func (h *Handlers) GetDocument(kind string) gin.HandlerFunc {
	return func(c *gin.Context) {
		viewer := middleware.ViewerFrom(c)
		id := resourceID(kind, c.Param("id"))
		version := c.Query("version")

		creq, err := cacheRequest(c, viewer, nil)
		if err != nil {
			Fail(c, err)
			return
		}

		p, err := h.cache.Do(c.Request.Context(), creq, func(ctx context.Context) (any, error) {
			doc, err := h.readable(ctx, viewer, id, version)
			if err != nil {
				return nil, err
			}
			return h.dispatcher.Document(ctx, doc, viewer)
		}, cache.Options{})
		if err != nil {
			Fail(c, err)
			return
		}
		writePayload(c, http.StatusOK, p)
	}
}

// SearchDocuments returns the handler listing documents of kind as an
// ItemList. Query parameters: q (name substring), scope (JSON array or
// repeated string), limit.
//
// @Summary     Search documents
// @Description Lists readable documents as a schema.org ItemList.
// @Tags        Documents
// @Produce     json
// @Param       q      query  string    false  "Name substring"
// @Param       scope  query  []string  false  "Scopes, repeated or as a JSON array"  collectionFormat(multi)
// @Param       limit  query  int       false  "Maximum number of items"              minimum(1) default(20)
// @Param       cache  query  bool      false  "Set false to bypass and refresh the cache"  default(true)
// @Success     200  {object}  map[string]any  "ItemList"
// @Failure     400  {object}  domain.APIError  "Bad request"
// @Failure     500  {object}  domain.APIError  "Internal error"
// @Router      /graph [get]
// @Router      /organization [get]
// @Router      /periodical [get]
func (h *Handlers) SearchDocuments(kind string) gin.HandlerFunc {
	return func(c *gin.Context) {
		viewer := middleware.ViewerFrom(c)

		limit, err := utils.ParseLimit(c.Query("limit"), defaultSearchLimit)
		if err != nil {
			Fail(c, domain.NewError(http.StatusBadRequest, "invalid value for query string parameter limit"))
			return
		}
		scopes, err := feed.ParseList(c.QueryArray("scope"))
		if err != nil {
			Fail(c, domain.NewError(http.StatusBadRequest, "invalid value for query string parameter scope"))
			return
		}
		q := domain.SearchQuery{Scope: scopes, Text: c.Query("q"), Limit: limit}

		creq, err := cacheRequest(c, viewer, nil)
		if err != nil {
			Fail(c, err)
			return
		}

		p, err := h.cache.Do(c.Request.Context(), creq, func(ctx context.Context) (any, error) {
			docs, err := h.store.Search(ctx, kind, q)
			if err != nil {
				return nil, err
			}
			items := make([]any, 0, len(docs))
			for _, doc := range docs {
				allowed, err := h.canRead(ctx, viewer, doc)
				if err != nil {
					return nil, err
				}
				if allowed {
					items = append(items, doc)
				}
			}
			v, err := h.dispatcher.Dispatch(ctx, items, viewer)
			if err != nil {
				return nil, err
			}
			anonymized, _ := v.([]any)
			return itemList(anonymized), nil
		}, cache.Options{})
		if err != nil {
			Fail(c, err)
			return
		}
		writePayload(c, http.StatusOK, p)
	}
}

// PostAction stores the action in the body on behalf of the viewer, who
// must have access to every scope the action touches.
//
// @ID          postAction
// @Summary     Post an action
// @Tags        Actions
// @Accept      json
// @Produce     json
// @Param       body  body  map[string]any  true  "Action document"
// @Success     200  {object}  map[string]any
// @Failure     400  {object}  domain.APIError  "Bad request"
// @Failure     401  {object}  domain.APIError  "Unauthenticated"
// @Failure     403  {object}  domain.APIError  "Scope not accessible"
// @Failure     500  {object}  domain.APIError  "Internal error"
// @Security    BearerAuth
// @Router      /action [post]
func (h *Handlers) PostAction(c *gin.Context) {
	viewer := middleware.ViewerFrom(c)
	if err := requireUser(viewer); err != nil {
		Fail(c, err)
		return
	}

	var action domain.Document
	if err := c.ShouldBindJSON(&action); err != nil || action == nil {
		Fail(c, domain.NewError(http.StatusBadRequest, "invalid JSON body"))
		return
	}
	if !strings.HasSuffix(action.Type(), "Action") {
		Fail(c, domain.NewError(http.StatusBadRequest, "invalid @type %q: expected an Action", action.Type()))
		return
	}
	if id := action.ID(); id != "" && domain.KindOf(id) != "action" {
		Fail(c, domain.NewError(http.StatusBadRequest, "invalid @id %q: expected an action: prefix", id))
		return
	}

	ctx := c.Request.Context()
	allowed, err := h.holds(ctx, viewer, h.extractor.Extract(action), domain.ReadPermission, true)
	if err != nil {
		Fail(c, err)
		return
	}
	if !allowed {
		Fail(c, domain.NewError(http.StatusForbidden, "Unauthorized: the action touches scopes the user does not have access to"))
		return
	}

	result, err := h.store.Post(ctx, action, domain.WriteOptions{Viewer: viewer})
	if err != nil {
		Fail(c, err)
		return
	}
	h.cache.InvalidateAsync(ctx, result)

	out, err := h.dispatcher.Document(ctx, result, viewer)
	if err != nil {
		Fail(c, err)
		return
	}
	ok(c, http.StatusOK, out)
}

// DeleteGraph deletes a graph and its nodes. The viewer needs write access
// to the graph. The response lists the deleted items.
//
// @ID          deleteGraph
// @Summary     Delete a graph
// @Tags        Documents
// @Produce     json
// @Param       id  path  string  true  "Graph id"
// @Success     200  {object}  map[string]any  "ItemList of deleted items"
// @Failure     401  {object}  domain.APIError  "Unauthenticated"
// @Failure     403  {object}  domain.APIError  "Write access required"
// @Failure     404  {object}  domain.APIError  "Not found"
// @Security    BearerAuth
// @Router      /graph/{id} [delete]
func (h *Handlers) DeleteGraph(c *gin.Context) {
	viewer := middleware.ViewerFrom(c)
	if err := requireUser(viewer); err != nil {
		Fail(c, err)
		return
	}
	id := resourceID("graph", c.Param("id"))

	ctx := c.Request.Context()
	allowed, err := h.holds(ctx, viewer, []string{id}, domain.WritePermission, true)
	if err != nil {
		Fail(c, err)
		return
	}
	if !allowed {
		Fail(c, domain.NewError(http.StatusForbidden, "Unauthorized: write access to %s is required", id))
		return
	}

	deleted, err := h.store.Delete(ctx, id, domain.WriteOptions{Viewer: viewer})
	if err != nil {
		Fail(c, err)
		return
	}
	list := itemList(domain.Arrayify(deleted))
	h.cache.InvalidateAsync(ctx, list)

	out, err := h.dispatcher.Document(ctx, list, viewer)
	if err != nil {
		Fail(c, err)
		return
	}
	ok(c, http.StatusOK, out)
}

// itemList wraps items in a schema.org ItemList of ListItem elements.
func itemList(items []any) domain.Document {
	elements := make([]any, len(items))
	for i, item := range items {
		elements[i] = map[string]any{"@type": "ListItem", "item": item}
	}
	return domain.Document{
		"@type":           "ItemList",
		"numberOfItems":   len(items),
		"itemListElement": elements,
	}
}
