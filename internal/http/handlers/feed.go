package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-doc-gateway/internal/domain"
	"github.com/tbourn/go-doc-gateway/internal/feed"
	"github.com/tbourn/go-doc-gateway/internal/http/middleware"
)

// Feed serves GET /feed: a server-sent event stream when the client asks for
// text/event-stream, one DataFeed page otherwise.
//
// @ID          feed
// @Summary     Change feed
// @Description Streams changes as server-sent events, or returns one DataFeed page.
// @Tags        Feed
// @Produce     json
// @Produce     text/event-stream
// @Param       filter         query   string    false  "public, user or admin"                default(public)
// @Param       scope          query   []string  false  "Restrict to scopes"                   collectionFormat(multi)
// @Param       outscope       query   []string  false  "Exclude scopes"                       collectionFormat(multi)
// @Param       limit          query   int       false  "Page size"                            minimum(1) maximum(200)
// @Param       descending     query   bool      false  "Newest first"
// @Param       nodes          query   bool      false  "false drops graph nodes"
// @Param       last-event-id  query   string    false  "Resume after this sequence"
// @Param       accept         query   string    false  "text/event-stream selects streaming"
// @Param       Last-Event-ID  header  string    false  "Resume after this sequence"
// @Success     200  {object}  map[string]any  "DataFeed"
// @Failure     400  {object}  domain.APIError  "Bad request"
// @Failure     403  {object}  domain.APIError  "Filter or limit not allowed"
// @Failure     503  {object}  domain.APIError  "Feed unavailable"
// @Router      /feed [get]
func (h *Handlers) Feed(c *gin.Context) {
	if h.feed == nil {
		Fail(c, domain.NewError(http.StatusServiceUnavailable, "change feed unavailable"))
		return
	}
	viewer := middleware.ViewerFrom(c)
	ctx := c.Request.Context()

	req, err := feed.ParseRequest(c.Request, viewer, h.feed.MaxLimit())
	if err != nil {
		Fail(c, err)
		return
	}
	if err := h.feed.Authorize(ctx, req); err != nil {
		Fail(c, err)
		return
	}

	if req.Stream {
		if err := h.feed.Stream(ctx, c.Writer, req); err != nil {
			if c.Writer.Written() {
				lg := middleware.LoggerFrom(c)
				lg.Warn().Err(err).Msg("feed stream ended")
				c.Abort()
				return
			}
			Fail(c, err)
		}
		return
	}

	page, err := h.feed.Poll(ctx, req)
	if err != nil {
		Fail(c, err)
		return
	}
	c.Header("Link", h.feed.ContextLink())
	ok(c, http.StatusOK, page)
}
