package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-doc-gateway/internal/blob"
	"github.com/tbourn/go-doc-gateway/internal/cache"
	"github.com/tbourn/go-doc-gateway/internal/domain"
	"github.com/tbourn/go-doc-gateway/internal/http/middleware"
)

const (
	// encodingMaxAge is one year, expressed in milliseconds.
	encodingMaxAge = 365 * 24 * 60 * 60 * 1000

	// aclNamespace keys the cached encoding metadata apart from responses.
	aclNamespace = "acl"
)

var weakPrefix = regexp.MustCompile(`(?i)^\s*W/`)

// GetEncoding streams the binary content of an encoding. Metadata is read
// through the cache and access-checked like any graph node. Supports
// If-None-Match, byte ranges and transparent gzip decompression for clients
// that do not accept gzip.
//
// @ID          getEncoding
// @Summary     Download encoded content
// @Tags        Encodings
// @Produce     octet-stream
// @Param       id             path    string  true   "Encoding id"
// @Param       version        query   string  false  "Release version"
// @Param       Range          header  string  false  "Byte range"  example(bytes=0-1023)
// @Param       If-None-Match  header  string  false  "Return 304 if the ETag matches"
// @Success     200  {file}    file
// @Success     206  {file}    file  "Partial content"
// @Success     304  {string}  string  "Not Modified"
// @Failure     404  {object}  domain.APIError  "Not found"
// @Failure     416  {object}  domain.APIError  "Range not satisfiable"
// @Router      /encoding/{id} [get]
func (h *Handlers) GetEncoding(c *gin.Context) {
	viewer := middleware.ViewerFrom(c)
	id := resourceID("node", c.Param("id"))
	version := c.Query("version")

	creq, err := cacheRequest(c, viewer, nil)
	if err != nil {
		Fail(c, err)
		return
	}
	p, err := h.cache.Do(c.Request.Context(), creq, func(ctx context.Context) (any, error) {
		return h.readable(ctx, viewer, id, version)
	}, cache.Options{Raw: true, Namespace: aclNamespace})
	if err != nil {
		Fail(c, err)
		return
	}
	enc, found := domain.AsDocument(p.Value)
	if !found {
		Fail(c, fmt.Errorf("%w: %s", domain.ErrNotFound, id))
		return
	}

	if etagMatches(c.GetHeader("If-None-Match"), enc.ID()) {
		c.Status(http.StatusNotModified)
		return
	}

	size := contentSize(enc["contentSize"])
	rng := blob.ParseRange(c.GetHeader("Range"), size)
	contentEncoding := encodingFormat(enc)
	gzipOK := acceptsGzip(c.GetHeader("Accept-Encoding"))

	opts := domain.BlobGetOptions{
		Range:      rng,
		Decompress: contentEncoding == "gzip" && !gzipOK && rng == nil,
	}
	if h.blobs == nil {
		Fail(c, domain.NewError(http.StatusNotFound, "Error in blobStore readStream: no blob store configured"))
		return
	}
	rc, err := h.blobs.Get(c.Request.Context(), enc.ID(), opts)
	if err != nil {
		lg := middleware.LoggerFrom(c)
		lg.Warn().Err(err).Str("encoding", enc.ID()).Msg("error fetching blob from blob store")
		if domain.StatusOf(err) == http.StatusRequestedRangeNotSatisfiable {
			Fail(c, err)
			return
		}
		Fail(c, domain.NewError(http.StatusNotFound, "Error in blobStore readStream: %v", err))
		return
	}
	defer rc.Close()

	hdr := c.Writer.Header()
	visibility := "public"
	if !viewer.IsPublic() {
		visibility = "private"
	}
	hdr.Set("Cache-Control", fmt.Sprintf("max-age=%d, %s, immutable", encodingMaxAge, visibility))
	hdr.Set("Accept-Ranges", "bytes")
	hdr.Set("ETag", `"`+enc.ID()+`"`)
	if ct, _ := enc["fileFormat"].(string); ct != "" {
		hdr.Set("Content-Type", ct)
	} else {
		hdr.Set("Content-Type", "application/octet-stream")
	}
	if contentEncoding != "" && contentEncoding != "identity" && gzipOK {
		hdr.Set("Content-Encoding", contentEncoding)
	}

	status := http.StatusOK
	switch {
	case rng != nil:
		status = http.StatusPartialContent
		hdr.Set("Content-Range", blob.ContentRange(*rng, size))
		hdr.Set("Content-Length", strconv.FormatInt(blob.Length(*rng), 10))
	case size > 0 && !opts.Decompress:
		hdr.Set("Content-Length", strconv.FormatInt(size, 10))
	}
	c.Status(status)

	if _, err := io.Copy(c.Writer, rc); err != nil {
		lg := middleware.LoggerFrom(c)
		lg.Warn().Err(err).Str("encoding", enc.ID()).Msg("encoding stream interrupted")
		c.Abort()
	}
}

// etagMatches reports whether an If-None-Match list names id. Weak
// validators and quotes are ignored.
func etagMatches(header, id string) bool {
	if header == "" || id == "" {
		return false
	}
	for _, tag := range strings.Split(header, ",") {
		tag = weakPrefix.ReplaceAllString(strings.TrimSpace(tag), "")
		if strings.ReplaceAll(tag, `"`, "") == id {
			return true
		}
	}
	return false
}

// encodingFormat returns the compression of the stored bytes: the format of
// the first nested encoding, gzip when it names none, "" when the content is
// stored as is.
func encodingFormat(enc domain.Document) string {
	nested := domain.Arrayify(enc["encoding"])
	if len(nested) == 0 {
		return ""
	}
	if first, ok := domain.AsDocument(nested[0]); ok {
		if f, _ := first["encodingFormat"].(string); f != "" {
			return f
		}
	}
	return "gzip"
}

func contentSize(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int:
		return int64(t)
	case int64:
		return t
	case string:
		n, _ := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return n
	}
	return 0
}

// acceptsGzip reports whether an Accept-Encoding header admits gzip with a
// non-zero quality.
func acceptsGzip(header string) bool {
	for _, part := range strings.Split(header, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "gzip" && name != "*" {
			continue
		}
		q := strings.TrimSpace(params)
		if strings.HasPrefix(q, "q=") {
			if f, err := strconv.ParseFloat(strings.TrimPrefix(q, "q="), 64); err == nil && f == 0 {
				continue
			}
		}
		return true
	}
	return false
}
