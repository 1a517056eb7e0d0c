// Package handlers provides the REST endpoints of the gateway.
//
// This file defines the response helpers shared by every endpoint. Errors
// always use the gateway error payload:
//
//	HTTP/1.1 404 Not Found
//	{ "@type": "Error", "statusCode": 404, "description": "graph:42 not found" }
//
// Handlers never write errors themselves; they call Fail, which maps the
// error onto the taxonomy, logs server-side failures with the request-scoped
// logger and aborts the chain.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-doc-gateway/internal/cache"
	"github.com/tbourn/go-doc-gateway/internal/domain"
	"github.com/tbourn/go-doc-gateway/internal/http/middleware"
)

const mimeJSON = "application/json; charset=utf-8"

// Fail aborts the request with err rendered as the error payload.
func Fail(c *gin.Context, err error) {
	apiErr := domain.AsAPIError(err)
	if apiErr == nil {
		apiErr = domain.NewError(http.StatusInternalServerError, "internal server error")
	}
	if apiErr.StatusCode >= http.StatusInternalServerError {
		lg := middleware.LoggerFrom(c)
		lg.Error().
			Err(err).
			Int("status", apiErr.StatusCode).
			Msg("api error")
	}
	c.AbortWithStatusJSON(apiErr.StatusCode, apiErr)
}

// ok writes body as JSON.
func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

// writePayload writes a cache payload, reusing its serialized form when
// there is one.
func writePayload(c *gin.Context, status int, p cache.Payload) {
	data, err := p.Bytes()
	if err != nil {
		Fail(c, err)
		return
	}
	c.Data(status, mimeJSON, data)
}
