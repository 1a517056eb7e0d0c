package feed

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/tbourn/go-doc-gateway/internal/domain"
)

// MaxLimit is the hard ceiling on page sizes.
const MaxLimit = 200

const eventStream = "text/event-stream"

// Request is a validated subscription or poll request.
type Request struct {
	Filter     domain.FeedFilter
	Since      string
	Limit      int
	Descending bool
	Scopes     []string
	Outscopes  []string
	// ExcludeNodes strips "@graph" from composite documents (nodes=false).
	ExcludeNodes bool
	// Stream is true when the client negotiated a push stream.
	Stream bool
	Viewer domain.Viewer
}

// Query converts the request into a change-log query.
func (r Request) Query() domain.ChangesQuery {
	q := domain.ChangesQuery{
		Since:      r.Since,
		Limit:      r.Limit,
		Descending: r.Descending,
		Filter:     r.Filter,
		Scopes:     r.Scopes,
		Outscopes:  r.Outscopes,
	}
	if r.Filter == domain.FeedFilterUser {
		q.User = r.Viewer.UserID()
	}
	return q
}

// ParseRequest reads the feed parameters of hr. limitCeiling <= 0 means
// MaxLimit. Violations are returned as *domain.APIError.
func ParseRequest(hr *http.Request, viewer domain.Viewer, limitCeiling int) (Request, error) {
	if limitCeiling <= 0 || limitCeiling > MaxLimit {
		limitCeiling = MaxLimit
	}
	q := hr.URL.Query()
	req := Request{Viewer: viewer, Limit: limitCeiling}

	if vv, ok := q["nodes"]; ok {
		if len(vv) == 0 || vv[0] != "false" {
			return req, domain.NewError(http.StatusBadRequest, "invalid value for query string parameter nodes")
		}
		req.ExcludeNodes = true
	}

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return req, domain.NewError(http.StatusBadRequest, "invalid value for query string parameter limit")
		}
		if n > limitCeiling {
			return req, domain.NewError(http.StatusForbidden, "limit must be smaller or equal to %d", limitCeiling)
		}
		req.Limit = n
	}

	if raw := q.Get("descending"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return req, domain.NewError(http.StatusBadRequest, "invalid value for query string parameter descending")
		}
		req.Descending = b
	}

	req.Filter = domain.FeedFilter(q.Get("filter"))
	if req.Filter == "" {
		req.Filter = domain.FeedFilterPublic
	}
	if !req.Filter.Valid() {
		return req, domain.NewError(http.StatusBadRequest,
			"Invalid query string filter parameter. Possible values are user, admin or public")
	}

	var err error
	if req.Scopes, err = ParseList(q["scope"]); err != nil {
		return req, domain.NewError(http.StatusBadRequest, "invalid value for query string parameter scope")
	}
	if req.Outscopes, err = ParseList(q["outscope"]); err != nil {
		return req, domain.NewError(http.StatusBadRequest, "invalid value for query string parameter outscope")
	}

	req.Since = Since(hr)
	req.Stream = WantsStream(hr)
	return req, nil
}

// Since returns the resume cursor from Last-Event-ID (header, then query),
// without its "seq:" prefix. It defaults to "now".
func Since(hr *http.Request) string {
	since := hr.Header.Get("Last-Event-ID")
	if since == "" {
		since = hr.URL.Query().Get("last-event-id")
	}
	if since == "" {
		return "now"
	}
	return strings.TrimPrefix(since, "seq:")
}

// WantsStream reports whether the client negotiated server-sent events,
// either with ?accept=text/event-stream or an Accept header that lists
// text/event-stream and no JSON representation.
func WantsStream(hr *http.Request) bool {
	if hr.URL.Query().Get("accept") == eventStream {
		return true
	}
	accept := strings.ToLower(hr.Header.Get("Accept"))
	if !strings.Contains(accept, eventStream) {
		return false
	}
	return !strings.Contains(accept, "application/json") && !strings.Contains(accept, "application/ld+json")
}

// ParseList accepts repeated values, each either a JSON array of strings or
// a bare string.
func ParseList(values []string) ([]string, error) {
	var out []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if strings.HasPrefix(v, "[") {
			var list []string
			if err := json.Unmarshal([]byte(v), &list); err != nil {
				return nil, err
			}
			out = append(out, list...)
			continue
		}
		if strings.HasPrefix(v, `"`) {
			var s string
			if err := json.Unmarshal([]byte(v), &s); err != nil {
				return nil, err
			}
			v = s
		}
		out = append(out, v)
	}
	return out, nil
}
