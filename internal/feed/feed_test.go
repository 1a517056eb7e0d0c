package feed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-doc-gateway/internal/anonymize"
	"github.com/tbourn/go-doc-gateway/internal/domain"
)

// fakeSub is a controllable subscription.
type fakeSub struct {
	events chan domain.ChangeEvent
	errs   chan error
	closes int32
}

func newFakeSub() *fakeSub {
	return &fakeSub{events: make(chan domain.ChangeEvent, 16), errs: make(chan error, 1)}
}

func (s *fakeSub) Events() <-chan domain.ChangeEvent { return s.events }
func (s *fakeSub) Errors() <-chan error              { return s.errs }
func (s *fakeSub) Close() error {
	atomic.AddInt32(&s.closes, 1)
	return nil
}

// fakeFeed records queries and hands out one subscription.
type fakeFeed struct {
	mu      sync.Mutex
	sub     *fakeSub
	page    domain.ChangesPage
	queries []domain.ChangesQuery
	subErr  error
}

func (f *fakeFeed) Changes(_ context.Context, q domain.ChangesQuery) (domain.ChangesPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return f.page, nil
}

func (f *fakeFeed) Subscribe(_ context.Context, q domain.ChangesQuery) (domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.subErr != nil {
		return nil, f.subErr
	}
	return f.sub, nil
}

// fakeTicker is fired by the test.
type fakeTicker struct {
	c     chan time.Time
	stops int32
}

func (t *fakeTicker) C() <-chan time.Time { return t.c }
func (t *fakeTicker) Stop()               { atomic.AddInt32(&t.stops, 1) }

// tagAnonymizer marks documents with their viewer.
type tagAnonymizer struct{}

func (tagAnonymizer) Anonymize(_ context.Context, doc domain.Document, opts domain.AnonymizeOptions) (domain.Document, error) {
	out := doc.Clone()
	out["viewer"] = opts.Viewer.String()
	return out, nil
}

// fakeACL grants the listed scopes and admin rights.
type fakeACL struct {
	admins  map[string]bool
	granted map[string]bool
}

func (a fakeACL) Check(context.Context, domain.Viewer, []string) (domain.AccessCheck, error) {
	return func(id string, _ domain.Permission) bool { return a.granted[id] }, nil
}

func (a fakeACL) IsAdmin(_ context.Context, v domain.Viewer) (bool, error) {
	return a.admins[v.Username], nil
}

func newDistributor(t *testing.T, f *fakeFeed, acl domain.ACL) (*Distributor, *fakeTicker) {
	t.Helper()
	d, err := New(Config{
		Feed:       f,
		ACL:        acl,
		Dispatcher: anonymize.NewDispatcher(tagAnonymizer{}, true),
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tk := &fakeTicker{c: make(chan time.Time, 1)}
	d.newTicker = func(time.Duration) ticker { return tk }
	return d, tk
}

func TestStream_DeliversInOrderWithTypes(t *testing.T) {
	sub := newFakeSub()
	d, tk := newDistributor(t, &fakeFeed{sub: sub}, nil)

	sub.events <- domain.ChangeEvent{Seq: "1", DocumentID: "graph:1", Doc: domain.Document{"@id": "graph:1", "@type": "Graph", "@graph": []any{"n"}}}
	sub.events <- domain.ChangeEvent{Seq: "2", DocumentID: "action:2", Doc: domain.Document{"@id": "action:2"}}
	sub.events <- domain.ChangeEvent{Seq: "3", DocumentID: "x"}
	sub.events <- domain.ChangeEvent{Seq: "4", DocumentID: "thing:4", Doc: domain.Document{"@id": "thing:4"}}
	close(sub.events)

	w := httptest.NewRecorder()
	req := Request{Filter: domain.FeedFilterPublic, ExcludeNodes: true}
	if err := d.Stream(context.Background(), w, req); err != nil {
		t.Fatalf("Stream: %v", err)
	}

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type=%q", ct)
	}
	if w.Header().Get("Cache-Control") != "no-cache" || w.Header().Get("Connection") != "keep-alive" {
		t.Fatalf("missing stream headers: %v", w.Header())
	}

	want := `id: seq:1` + "\n" + `event: Graph` + "\n" + `data: {"@id":"graph:1","@type":"Graph","viewer":"public"}` + "\n\n" +
		`id: seq:2` + "\n" + `event: Action` + "\n" + `data: {"@id":"action:2","viewer":"public"}` + "\n\n" +
		`id: seq:4` + "\n" + `data: {"@id":"thing:4","viewer":"public"}` + "\n\n"
	if got := w.Body.String(); got != want {
		t.Fatalf("frames:\n%s\nwant:\n%s", got, want)
	}
	if sub.closes != 1 || tk.stops != 1 {
		t.Fatalf("cleanup: closes=%d stops=%d", sub.closes, tk.stops)
	}
}

func TestStream_Heartbeat(t *testing.T) {
	sub := newFakeSub()
	d, tk := newDistributor(t, &fakeFeed{sub: sub}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	w := httptest.NewRecorder()
	done := make(chan error, 1)
	go func() { done <- d.Stream(ctx, w, Request{Filter: domain.FeedFilterPublic}) }()

	tk.c <- time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	// The ticker buffer is 1: a second send blocks until the first is consumed.
	tk.c <- time.Date(2026, 10, 19, 12, 0, 1, 0, time.UTC)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if !strings.HasPrefix(w.Body.String(), ": 2026-10-19T12:00:00.000Z\n\n") {
		t.Fatalf("heartbeat frame missing: %q", w.Body.String())
	}
}

func TestStream_CleanupExactlyOnceOnAbortAndError(t *testing.T) {
	for i := 0; i < 50; i++ {
		sub := newFakeSub()
		d, tk := newDistributor(t, &fakeFeed{sub: sub}, nil)
		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() { done <- d.Stream(ctx, httptest.NewRecorder(), Request{Filter: domain.FeedFilterPublic}) }()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); cancel() }()
		go func() { defer wg.Done(); sub.errs <- errors.New("upstream reset") }()
		wg.Wait()

		if err := <-done; err != nil {
			t.Fatalf("Stream: %v", err)
		}
		if c := atomic.LoadInt32(&sub.closes); c != 1 {
			t.Fatalf("iteration %d: subscription closed %d times", i, c)
		}
		if s := atomic.LoadInt32(&tk.stops); s != 1 {
			t.Fatalf("iteration %d: heartbeat stopped %d times", i, s)
		}
	}
}

func TestStream_SubscribeErrorBeforeHeaders(t *testing.T) {
	boom := errors.New("no feed")
	d, _ := newDistributor(t, &fakeFeed{subErr: boom}, nil)
	w := httptest.NewRecorder()
	if err := d.Stream(context.Background(), w, Request{}); !errors.Is(err, boom) {
		t.Fatalf("err=%v", err)
	}
	if w.Header().Get("Content-Type") == "text/event-stream" {
		t.Fatalf("headers must not be written on subscribe failure")
	}
}

func TestStream_ForwardsUserFilter(t *testing.T) {
	sub := newFakeSub()
	close(sub.events)
	f := &fakeFeed{sub: sub}
	d, _ := newDistributor(t, f, nil)
	req := Request{Filter: domain.FeedFilterUser, Since: "42", Scopes: []string{"graph:1"}, Viewer: domain.UserViewer("alice")}
	if err := d.Stream(context.Background(), httptest.NewRecorder(), req); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	q := f.queries[0]
	if q.User != "user:alice" || q.Since != "42" || q.Filter != domain.FeedFilterUser || q.Scopes[0] != "graph:1" {
		t.Fatalf("query=%+v", q)
	}
}

func TestPoll_EmptyPageSentinel(t *testing.T) {
	d, _ := newDistributor(t, &fakeFeed{page: domain.ChangesPage{LastSeq: "17-abc"}}, nil)
	out, err := d.Poll(context.Background(), Request{Filter: domain.FeedFilterPublic})
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	data, _ := json.Marshal(out)
	want := `{"@context":"https://sci.pe","@type":"DataFeed","dataFeedElement":[{"@id":"seq:17-abc","@type":"DataFeedItem"}]}`
	if string(data) != want {
		t.Fatalf("got %s\nwant %s", data, want)
	}
}

func TestPoll_MapsAndAnonymizes(t *testing.T) {
	f := &fakeFeed{page: domain.ChangesPage{LastSeq: "3", Results: []domain.ChangeEvent{
		{Seq: "1", DocumentID: "graph:1", Doc: domain.Document{"@id": "graph:1", "@graph": []any{}}},
		{Seq: "2", DocumentID: "graph:2"},
		{Seq: "3", DocumentID: "org:3", Doc: domain.Document{"@id": "org:3"}},
	}}}
	d, _ := newDistributor(t, f, nil)
	out, err := d.Poll(context.Background(), Request{Filter: domain.FeedFilterPublic, Limit: 500, ExcludeNodes: true, Viewer: domain.UserViewer("bob")})
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if f.queries[0].Limit != MaxLimit {
		t.Fatalf("limit not capped: %d", f.queries[0].Limit)
	}
	items := out["dataFeedElement"].([]any)
	if len(items) != 2 {
		t.Fatalf("items=%v", items)
	}
	first := items[0].(domain.Document)
	if first["@id"] != "seq:1" || first["@type"] != "DataFeedItem" {
		t.Fatalf("item envelope=%v", first)
	}
	doc := first["item"].(domain.Document)
	if _, has := doc["@graph"]; has || doc["viewer"] != "user:bob" {
		t.Fatalf("item=%v", doc)
	}
}

func TestAuthorize(t *testing.T) {
	acl := fakeACL{admins: map[string]bool{"root": true}, granted: map[string]bool{"journal:j": true}}
	d, _ := newDistributor(t, &fakeFeed{}, acl)
	ctx := context.Background()

	cases := []struct {
		name string
		req  Request
		want int
	}{
		{"public anonymous", Request{Filter: domain.FeedFilterPublic}, http.StatusOK},
		{"admin anonymous", Request{Filter: domain.FeedFilterAdmin}, http.StatusUnauthorized},
		{"admin non admin", Request{Filter: domain.FeedFilterAdmin, Viewer: domain.UserViewer("bob")}, http.StatusForbidden},
		{"admin ok", Request{Filter: domain.FeedFilterAdmin, Viewer: domain.UserViewer("root")}, http.StatusOK},
		{"user anonymous", Request{Filter: domain.FeedFilterUser}, http.StatusUnauthorized},
		{"user no scopes", Request{Filter: domain.FeedFilterUser, Viewer: domain.UserViewer("bob")}, http.StatusOK},
		{"user granted", Request{Filter: domain.FeedFilterUser, Viewer: domain.UserViewer("bob"), Scopes: []string{"journal:j", "user:bob"}}, http.StatusOK},
		{"user versioned scope", Request{Filter: domain.FeedFilterUser, Viewer: domain.UserViewer("bob"), Scopes: []string{"journal:j?version=2"}}, http.StatusOK},
		{"user denied", Request{Filter: domain.FeedFilterUser, Viewer: domain.UserViewer("bob"), Scopes: []string{"journal:j", "graph:x"}}, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := domain.StatusOf(d.Authorize(ctx, tc.req)); got != tc.want {
				t.Fatalf("status=%d, want %d", got, tc.want)
			}
		})
	}
}

func TestFrame(t *testing.T) {
	got := string(Frame(domain.FeedMessage{EventID: "seq:9", EventType: "Role"}, []byte(`{}`)))
	if got != "id: seq:9\nevent: Role\ndata: {}\n\n" {
		t.Fatalf("frame=%q", got)
	}
	got = string(Frame(domain.FeedMessage{EventID: "seq:9"}, []byte(`{}`)))
	if got != "id: seq:9\ndata: {}\n\n" {
		t.Fatalf("untyped frame=%q", got)
	}
}

func TestEventType(t *testing.T) {
	for kind, want := range map[string]string{
		"profile": "UserProfile", "org": "Organization", "role": "Role",
		"graph": "Graph", "release": "Graph", "node": "Graph",
		"action": "Action", "journal": "Periodical", "service": "Service",
		"user": "", "": "",
	} {
		if got := EventType(kind); got != want {
			t.Errorf("EventType(%q)=%q, want %q", kind, got, want)
		}
	}
}
