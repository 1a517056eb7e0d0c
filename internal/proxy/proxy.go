// Package proxy forwards database replication traffic to the upstream
// document database. Database-scoped paths must carry the configured
// data-model version token; responses that may contain documents are
// buffered and anonymized for the requesting user, everything else is
// streamed through untouched.
package proxy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-doc-gateway/internal/anonymize"
	"github.com/tbourn/go-doc-gateway/internal/domain"
)

// HeaderReplication marks a request as replication traffic.
const HeaderReplication = "X-Pouchdb"

var versionRe = regexp.MustCompile(`__([A-Za-z0-9\-\.]*)__`)

// Mode is the forwarding strategy chosen for one request.
type Mode int

const (
	// ModeStream pipes request and response bodies without inspection.
	ModeStream Mode = iota
	// ModeAnonymize buffers the upstream response and anonymizes JSON bodies.
	ModeAnonymize
)

func (m Mode) String() string {
	if m == ModeAnonymize {
		return "anonymize"
	}
	return "stream"
}

// Plan is the routing decision for one request.
type Plan struct {
	Target   *url.URL
	Mode     Mode
	DBScoped bool
	// SubPath is the part of the request URI after the database segment.
	SubPath string
}

// Config configures a Proxy.
type Config struct {
	// Upstream is the base URL of the document database (e.g. http://127.0.0.1:5984).
	Upstream string
	DBName   string
	Version  string
	// Anonymize is the global anonymization switch.
	Anonymize  bool
	Dispatcher *anonymize.Dispatcher
	// Transport defaults to an otelhttp-instrumented http.DefaultTransport.
	Transport http.RoundTripper
	Logger    zerolog.Logger
}

// Proxy is safe for concurrent use.
type Proxy struct {
	root       *url.URL
	dbName     string
	version    string
	anonymize  bool
	dispatcher *anonymize.Dispatcher
	client     *http.Client
	stream     *httputil.ReverseProxy
	log        zerolog.Logger
}

// New validates cfg and returns a Proxy.
func New(cfg Config) (*Proxy, error) {
	root, err := url.Parse(strings.TrimRight(cfg.Upstream, "/"))
	if err != nil || root.Scheme == "" || root.Host == "" {
		return nil, fmt.Errorf("proxy: invalid upstream %q", cfg.Upstream)
	}
	if cfg.DBName == "" {
		return nil, errors.New("proxy: empty database name")
	}
	if cfg.Anonymize && cfg.Dispatcher == nil {
		return nil, errors.New("proxy: anonymization enabled without dispatcher")
	}
	rt := cfg.Transport
	if rt == nil {
		rt = otelhttp.NewTransport(http.DefaultTransport)
	}

	p := &Proxy{
		root:       root,
		dbName:     cfg.DBName,
		version:    cfg.Version,
		anonymize:  cfg.Anonymize,
		dispatcher: cfg.Dispatcher,
		client:     &http.Client{Transport: rt},
		log:        cfg.Logger.With().Str("component", "proxy").Logger(),
	}
	p.stream = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL = p.target(pr.In.URL)
			pr.Out.Host = ""
			pr.SetXForwarded()
		},
		Transport:     rt,
		FlushInterval: -1,
		ErrorHandler:  p.streamError,
	}
	return p, nil
}

// IsReplication reports whether r carries the replication sentinel header.
func IsReplication(r *http.Request) bool {
	return r.Header.Get(HeaderReplication) != ""
}

// Token returns the literal version token expected in database paths.
func (p *Proxy) Token() string { return "__" + p.version + "__" }

// Route decides where and how r is forwarded. Protocol violations are
// returned as *domain.APIError before any upstream call is made.
func (p *Proxy) Route(r *http.Request, username string) (Plan, error) {
	seg, rest := splitFirstSegment(r.URL.EscapedPath())
	plan := Plan{Target: p.target(r.URL), Mode: ModeStream}

	if seg != p.dbName && !strings.HasPrefix(seg, p.dbName+"__") {
		return plan, nil
	}
	plan.DBScoped = true

	m := versionRe.FindStringSubmatch(seg)
	if m == nil || seg != p.dbName+m[0] {
		return plan, domain.NewError(http.StatusBadRequest, "reverse proxy: invalid URL")
	}
	if m[1] != p.version {
		return plan, domain.NewError(http.StatusBadRequest,
			"reverse proxy: non matching DB_VERSION (%s / %s)", p.version, m[1])
	}
	if username == "" {
		return plan, domain.NewError(http.StatusUnauthorized, "authentication required")
	}

	plan.SubPath = rest
	if p.anonymize && !streamOnly(rest, r.URL.Query()) {
		plan.Mode = ModeAnonymize
	}
	return plan, nil
}

// Serve routes and forwards r. A non-nil error means nothing was written.
func (p *Proxy) Serve(w http.ResponseWriter, r *http.Request, username string) error {
	plan, err := p.Route(r, username)
	if err != nil {
		requests.WithLabelValues("reject").Inc()
		return err
	}
	requests.WithLabelValues(plan.Mode.String()).Inc()
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("gateway.proxy.mode", plan.Mode.String()),
		attribute.Bool("gateway.proxy.db_scoped", plan.DBScoped),
	)

	if plan.Mode == ModeStream {
		p.stream.ServeHTTP(w, r)
		return nil
	}
	return p.forwardBuffered(w, r, plan, domain.UserViewer(username))
}

// streamOnly lists the sub-paths whose responses never carry documents.
func streamOnly(sub string, q url.Values) bool {
	switch {
	case sub == "" || sub == "/":
		return true
	case strings.HasPrefix(sub, "/_local"),
		strings.HasPrefix(sub, "/_revs_diff"),
		strings.HasPrefix(sub, "/_ensure_full_commit"):
		return true
	case strings.HasPrefix(sub, "/_changes"):
		return q.Get("include_docs") != "true"
	}
	return false
}

func (p *Proxy) forwardBuffered(w http.ResponseWriter, r *http.Request, plan Plan, viewer domain.Viewer) error {
	ctx := r.Context()
	out, err := http.NewRequestWithContext(ctx, r.Method, plan.Target.String(), r.Body)
	if err != nil {
		return domain.WrapError(http.StatusBadRequest, err)
	}
	out.ContentLength = r.ContentLength
	copyHeader(out.Header, r.Header)
	removeHopHeaders(out.Header)
	// Let the transport negotiate and transparently decode gzip.
	out.Header.Del("Accept-Encoding")

	resp, err := p.client.Do(out)
	if err != nil {
		p.log.Error().Err(err).Str("target", plan.Target.Redacted()).Msg("reverse proxy upstream error")
		return domain.WrapError(http.StatusBadGateway, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		p.log.Error().Err(err).Str("target", plan.Target.Redacted()).Msg("reverse proxy read error")
		return domain.WrapError(http.StatusBadGateway, err)
	}

	if resp.StatusCode != http.StatusOK || !IsJSON(resp.Header.Get("Content-Type")) {
		copyHeader(w.Header(), resp.Header)
		removeHopHeaders(w.Header())
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(body)
		return nil
	}

	var payload any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return domain.WrapError(http.StatusBadRequest, err)
	}
	anonymized, err := p.dispatcher.Dispatch(ctx, payload, viewer)
	if err != nil {
		return domain.WrapError(http.StatusBadRequest, err)
	}
	data, err := json.Marshal(anonymized)
	if err != nil {
		return domain.WrapError(http.StatusInternalServerError, err)
	}

	h := w.Header()
	copyHeader(h, resp.Header)
	removeHopHeaders(h)
	h.Del("Content-Length")
	h.Del("Content-Encoding")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
	return nil
}

func (p *Proxy) streamError(w http.ResponseWriter, r *http.Request, err error) {
	p.log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("reverse proxy error")
	if errors.Is(err, r.Context().Err()) {
		return
	}
	apiErr := domain.WrapError(http.StatusBadGateway, err)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(apiErr.StatusCode)
	_ = json.NewEncoder(w).Encode(apiErr)
}

// target maps an incoming URL onto the upstream, dropping the version token.
func (p *Proxy) target(in *url.URL) *url.URL {
	raw := strings.Replace(in.RequestURI(), p.Token(), "", 1)
	u, err := url.Parse(p.root.String() + raw)
	if err != nil {
		u = p.root.JoinPath(in.Path)
	}
	return u
}

// IsJSON reports whether contentType is application/json or a +json subtype.
func IsJSON(contentType string) bool {
	t, _, _ := strings.Cut(contentType, ";")
	t = strings.ToLower(strings.TrimSpace(t))
	return t == "application/json" || strings.HasSuffix(t, "+json")
}

func splitFirstSegment(path string) (seg, rest string) {
	path = strings.TrimPrefix(path, "/")
	seg, rest, found := strings.Cut(path, "/")
	if found {
		rest = "/" + rest
	}
	return seg, rest
}

// Hop-by-hop headers, RFC 7230 section 6.1.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(h http.Header) {
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
