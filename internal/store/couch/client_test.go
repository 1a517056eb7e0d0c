package couch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-doc-gateway/internal/domain"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{
		URL:       srv.URL,
		Database:  "scienceai",
		Username:  "admin",
		Password:  "pass",
		Transport: http.DefaultTransport,
		Logger:    zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{URL: "not a url", Database: "db"}); err == nil {
		t.Fatalf("expected error for invalid url")
	}
	if _, err := New(Config{URL: "http://127.0.0.1:5984"}); err == nil {
		t.Fatalf("expected error for empty database")
	}
}

func TestGet_DecodesAndMapsErrors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if u, p, ok := r.BasicAuth(); !ok || u != "admin" || p != "pass" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		switch r.URL.Path {
		case "/scienceai/graph:1":
			writeJSON(w, http.StatusOK, map[string]any{"_id": "graph:1", "_rev": "1-a", "@type": "Graph"})
		case "/scienceai/graph:2":
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "boom", "reason": "disk full"})
		default:
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found", "reason": "missing"})
		}
	})
	ctx := context.Background()

	doc, err := c.Get(ctx, "graph:1?version=2", domain.GetOptions{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if doc.ID() != "graph:1" || doc["_rev"] != "1-a" {
		t.Fatalf("unexpected doc: %v", doc)
	}

	if _, err := c.Get(ctx, "graph:404", domain.GetOptions{}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err=%v; want ErrNotFound", err)
	}
	_, err = c.Get(ctx, "graph:2", domain.GetOptions{})
	if apiErr := domain.AsAPIError(err); apiErr.StatusCode != 500 || apiErr.Description != "disk full" {
		t.Fatalf("err=%v; want 500 disk full", err)
	}
}

func TestPost_PutsWithIDAndAgent(t *testing.T) {
	var got domain.Document
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || !strings.HasPrefix(r.URL.Path, "/scienceai/action:") {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "id": got["_id"], "rev": "1-x"})
	})

	out, err := c.Post(context.Background(), domain.Document{"@type": "CreateGraphAction"},
		domain.WriteOptions{Viewer: domain.UserViewer("alice")})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if out["_rev"] != "1-x" || out["agent"] != "user:alice" {
		t.Fatalf("unexpected result: %v", out)
	}
	if got["_id"] != out.ID() {
		t.Fatalf("_id=%v; want %v", got["_id"], out.ID())
	}
}

func TestPost_Conflict(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "conflict", "reason": "Document update conflict."})
	})
	_, err := c.Post(context.Background(), domain.Document{"@id": "graph:1"}, domain.WriteOptions{})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("err=%v; want ErrConflict", err)
	}
}

func TestDelete_GraphCascade(t *testing.T) {
	var tombs []map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/scienceai/graph:1":
			writeJSON(w, http.StatusOK, map[string]any{"_id": "graph:1", "_rev": "3-a"})
		case "/scienceai/_find":
			writeJSON(w, http.StatusOK, map[string]any{"docs": []any{
				map[string]any{"_id": "node:1", "_rev": "1-b", "isPartOf": "graph:1"},
			}})
		case "/scienceai/_bulk_docs":
			var body struct {
				Docs []map[string]any `json:"docs"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			tombs = body.Docs
			writeJSON(w, http.StatusCreated, []map[string]any{{"ok": true, "id": "graph:1"}, {"ok": true, "id": "node:1"}})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	deleted, err := c.Delete(context.Background(), "graph:1", domain.WriteOptions{})
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(deleted) != 2 || deleted[1].ID() != "node:1" {
		t.Fatalf("deleted=%v", deleted)
	}
	if len(tombs) != 2 || tombs[0]["_deleted"] != true || tombs[1]["_rev"] != "1-b" {
		t.Fatalf("tombstones=%v", tombs)
	}
}

func TestBulkGet_SkipsErrors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"rev":"2-b"`) {
			t.Errorf("rev not forwarded: %s", body)
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": []any{
			map[string]any{"id": "org:1", "docs": []any{map[string]any{"ok": map[string]any{"_id": "org:1"}}}},
			map[string]any{"id": "org:2", "docs": []any{map[string]any{"error": map[string]any{"error": "not_found"}}}},
		}})
	})
	docs, err := c.BulkGet(context.Background(), []domain.DocRef{{ID: "org:1"}, {ID: "org:2", Rev: "2-b"}})
	if err != nil {
		t.Fatalf("BulkGet: %v", err)
	}
	if len(docs) != 1 || docs[0].ID() != "org:1" {
		t.Fatalf("docs=%v", docs)
	}
}

func TestChanges_ForwardsFilterAndNormalizesSeq(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("filter") != "gateway/user" || q.Get("user") != "user:bob" || q.Get("scope") != `["graph:1"]` {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		if q.Get("since") != "0" || q.Get("include_docs") != "true" || q.Get("limit") != "5" {
			t.Errorf("unexpected paging: %s", r.URL.RawQuery)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"results": []any{
				map[string]any{"seq": 7, "id": "graph:1", "doc": map[string]any{"_id": "graph:1"}},
				map[string]any{"seq": "8-g1AAAA", "id": "graph:1", "deleted": true},
			},
			"last_seq": "8-g1AAAA",
		})
	})

	page, err := c.Changes(context.Background(), domain.ChangesQuery{
		Filter: domain.FeedFilterUser,
		User:   "user:bob",
		Scopes: []string{"graph:1"},
		Limit:  5,
	})
	if err != nil {
		t.Fatalf("Changes: %v", err)
	}
	if page.LastSeq != "8-g1AAAA" || len(page.Results) != 2 {
		t.Fatalf("page=%+v", page)
	}
	if page.Results[0].Seq != "7" || page.Results[0].DocumentKind != "graph" || page.Results[0].Doc.ID() != "graph:1" {
		t.Fatalf("first=%+v", page.Results[0])
	}
	if !page.Results[1].Deleted || page.Results[1].Doc != nil {
		t.Fatalf("second=%+v", page.Results[1])
	}
}

func TestSubscribe_ContinuousFeed(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("feed") != "continuous" {
			t.Errorf("feed=%q", r.URL.Query().Get("feed"))
		}
		w.WriteHeader(http.StatusOK)
		fl := w.(http.Flusher)
		for i := 1; i <= 2; i++ {
			fmt.Fprintf(w, "{\"seq\":\"%d-x\",\"id\":\"org:%d\",\"doc\":{\"_id\":\"org:%d\"}}\n\n", i, i, i)
			fl.Flush()
		}
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub, err := c.Subscribe(ctx, domain.ChangesQuery{Since: "now", Filter: domain.FeedFilterPublic})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for i := 1; i <= 2; i++ {
		select {
		case ev := <-sub.Events():
			if ev.Seq != fmt.Sprintf("%d-x", i) || ev.DocumentID != fmt.Sprintf("org:%d", i) {
				t.Fatalf("event %d=%+v", i, ev)
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for event %d", i)
		}
	}

	_ = sub.Close()
	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatalf("unexpected event after Close")
		}
	case <-ctx.Done():
		t.Fatalf("events not closed after Close")
	}
}

func TestSubscribe_UpstreamClosesFeed(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	sub, err := c.Subscribe(context.Background(), domain.ChangesQuery{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	select {
	case err := <-sub.Errors():
		if !errors.Is(err, errFeedClosed) {
			t.Fatalf("err=%v; want errFeedClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no error after upstream closed")
	}
}

func TestSubscribe_RejectedUpstream(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "reason": "invalid filter"})
	})
	_, err := c.Subscribe(context.Background(), domain.ChangesQuery{Filter: "nope"})
	if domain.StatusOf(err) != http.StatusBadRequest {
		t.Fatalf("err=%v; want 400", err)
	}
}
