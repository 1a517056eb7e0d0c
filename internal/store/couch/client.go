// Package couch is a DocumentStore backed by a CouchDB-compatible HTTP API.
package couch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tbourn/go-doc-gateway/internal/domain"
	"github.com/tbourn/go-doc-gateway/internal/scope"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultDesign      = "gateway"
	defaultSearchLimit = 100
	cascadeLimit       = 10_000
)

// Config configures a Client.
type Config struct {
	URL      string
	Database string
	Username string
	Password string
	// Design is the design document holding the feed filters
	// (<design>/public, <design>/user, <design>/admin).
	Design string
	// Timeout bounds every request except live subscriptions.
	Timeout   time.Duration
	Transport http.RoundTripper
	Logger    zerolog.Logger
}

// Client implements domain.DocumentStore.
type Client struct {
	db       *url.URL
	user     string
	pass     string
	design   string
	hc       *http.Client
	streamer *http.Client
	log      zerolog.Logger
}

var _ domain.DocumentStore = (*Client)(nil)

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("couch: invalid url %q", cfg.URL)
	}
	if cfg.Database == "" {
		return nil, errors.New("couch: empty database name")
	}
	rt := cfg.Transport
	if rt == nil {
		rt = otelhttp.NewTransport(http.DefaultTransport)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	design := cfg.Design
	if design == "" {
		design = defaultDesign
	}
	return &Client{
		db:       base.JoinPath(cfg.Database),
		user:     cfg.Username,
		pass:     cfg.Password,
		design:   design,
		hc:       &http.Client{Transport: rt, Timeout: timeout},
		streamer: &http.Client{Transport: rt},
		log:      cfg.Logger.With().Str("component", "couch").Logger(),
	}, nil
}

// Get fetches the current revision of id.
func (c *Client) Get(ctx context.Context, id string, _ domain.GetOptions) (domain.Document, error) {
	var doc domain.Document
	err := c.do(ctx, http.MethodGet, c.docURL(scope.ScopeOf(id)), nil, &doc)
	if err != nil {
		return nil, err
	}
	return fromCouch(doc), nil
}

// Post creates or updates a document with PUT /{db}/{id}.
func (c *Client) Post(ctx context.Context, doc domain.Document, opts domain.WriteOptions) (domain.Document, error) {
	if doc == nil {
		return nil, domain.NewError(http.StatusBadRequest, "empty document")
	}
	doc = doc.Clone()
	id := scope.ScopeOf(doc.ID())
	if id == "" {
		id = "node:" + uuid.NewString()
		if strings.HasSuffix(doc.Type(), "Action") {
			id = "action:" + uuid.NewString()
		}
		doc["@id"] = id
	}
	if strings.HasPrefix(id, "action:") && !opts.Viewer.IsPublic() {
		if _, ok := doc["agent"]; !ok {
			doc["agent"] = opts.Viewer.UserID()
		}
	}

	var res struct {
		Rev string `json:"rev"`
	}
	if err := c.do(ctx, http.MethodPut, c.docURL(id), toCouch(doc), &res); err != nil {
		return nil, err
	}
	doc["_rev"] = res.Rev
	return doc, nil
}

// Delete removes id. Graph deletions also remove the documents that are part
// of the graph, in one _bulk_docs request.
func (c *Client) Delete(ctx context.Context, id string, _ domain.WriteOptions) ([]domain.Document, error) {
	id = scope.ScopeOf(id)
	root, err := c.Get(ctx, id, domain.GetOptions{})
	if err != nil {
		return nil, err
	}
	docs := []domain.Document{root}
	if domain.KindOf(id) == "graph" {
		parts, err := c.find(ctx, map[string]any{
			"$or": []any{
				map[string]any{"isPartOf": id},
				map[string]any{"isPartOf.@id": id},
			},
		}, cascadeLimit)
		if err != nil {
			return nil, err
		}
		docs = append(docs, parts...)
	}

	tombs := make([]any, len(docs))
	for i, d := range docs {
		tombs[i] = map[string]any{"_id": d.ID(), "_rev": d["_rev"], "_deleted": true}
	}
	var results []struct {
		ID     string `json:"id"`
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}
	if err := c.do(ctx, http.MethodPost, c.db.JoinPath("_bulk_docs"), map[string]any{"docs": tombs}, &results); err != nil {
		return nil, err
	}
	for _, r := range results {
		if r.Error == "conflict" {
			return nil, fmt.Errorf("%w: %s", domain.ErrConflict, r.ID)
		}
		if r.Error != "" {
			return nil, domain.NewError(http.StatusInternalServerError, "couch: delete %s: %s", r.ID, r.Reason)
		}
	}
	return docs, nil
}

// Search runs a Mango query over documents of kind.
func (c *Client) Search(ctx context.Context, kind string, q domain.SearchQuery) ([]domain.Document, error) {
	and := []any{
		map[string]any{"_id": map[string]any{"$regex": "^" + kind + ":"}},
	}
	if len(q.Scope) > 0 {
		var or []any
		for _, sc := range q.Scope {
			sc = scope.ScopeOf(sc)
			or = append(or,
				map[string]any{"_id": sc},
				map[string]any{"publisher": sc},
				map[string]any{"isPartOf": sc},
				map[string]any{"isPartOf.@id": sc},
			)
		}
		and = append(and, map[string]any{"$or": or})
	}
	if t := strings.TrimSpace(q.Text); t != "" {
		and = append(and, map[string]any{"name": map[string]any{"$regex": "(?i)" + regexp.QuoteMeta(t)}})
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	return c.find(ctx, map[string]any{"$and": and}, limit)
}

// BulkGet reads several revisions with POST /{db}/_bulk_get. Missing entries
// are skipped.
func (c *Client) BulkGet(ctx context.Context, refs []domain.DocRef) ([]domain.Document, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	reqDocs := make([]map[string]string, len(refs))
	for i, r := range refs {
		d := map[string]string{"id": scope.ScopeOf(r.ID)}
		if r.Rev != "" {
			d["rev"] = r.Rev
		}
		reqDocs[i] = d
	}
	var res struct {
		Results []struct {
			Docs []struct {
				OK domain.Document `json:"ok"`
			} `json:"docs"`
		} `json:"results"`
	}
	if err := c.do(ctx, http.MethodPost, c.db.JoinPath("_bulk_get"), map[string]any{"docs": reqDocs}, &res); err != nil {
		return nil, err
	}
	var out []domain.Document
	for _, r := range res.Results {
		for _, d := range r.Docs {
			if d.OK != nil {
				out = append(out, fromCouch(d.OK))
			}
		}
	}
	return out, nil
}

func (c *Client) find(ctx context.Context, selector map[string]any, limit int) ([]domain.Document, error) {
	body := map[string]any{"selector": selector}
	if limit > 0 {
		body["limit"] = limit
	}
	var res struct {
		Docs []domain.Document `json:"docs"`
	}
	if err := c.do(ctx, http.MethodPost, c.db.JoinPath("_find"), body, &res); err != nil {
		return nil, err
	}
	out := make([]domain.Document, len(res.Docs))
	for i, d := range res.Docs {
		out[i] = fromCouch(d)
	}
	return out, nil
}

func (c *Client) docURL(id string) *url.URL {
	u := *c.db
	u.Path = c.db.Path + "/" + id
	u.RawPath = c.db.EscapedPath() + "/" + url.PathEscape(id)
	return &u
}

func (c *Client) newRequest(ctx context.Context, method string, u *url.URL, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("couch: encode request: %w", err)
		}
		r = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.pass)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method string, u *url.URL, body, out any) error {
	req, err := c.newRequest(ctx, method, u, body)
	if err != nil {
		return err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		c.log.Error().Err(err).Str("method", method).Str("url", u.Redacted()).Msg("couch request failed")
		return domain.WrapError(http.StatusBadGateway, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.WrapError(http.StatusBadGateway, fmt.Errorf("couch: decode response: %w", err))
	}
	return nil
}

// statusError maps a CouchDB error body onto the domain error taxonomy.
func statusError(resp *http.Response) error {
	var body struct {
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)
	msg := body.Reason
	if msg == "" {
		msg = body.Error
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", domain.ErrConflict, msg)
	}
	return domain.NewError(resp.StatusCode, "%s", msg)
}

// toCouch copies the JSON-LD id into _id.
func toCouch(doc domain.Document) domain.Document {
	out := doc.Clone()
	out["_id"] = scope.ScopeOf(doc.ID())
	return out
}

// fromCouch restores "@id" on documents written by other clients.
func fromCouch(doc domain.Document) domain.Document {
	if doc == nil {
		return nil
	}
	if _, ok := doc["@id"]; !ok {
		if id, ok := doc["_id"].(string); ok {
			doc["@id"] = id
		}
	}
	return doc
}
